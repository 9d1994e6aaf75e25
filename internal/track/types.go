// Package track owns the location-tracking state machine. It ingests raw
// position fixes from a Source, filters jitter, derives speed and heading,
// accumulates the trail and total distance, and drives automatic recovery
// when the fix stream stalls or the source reports errors.
package track

import (
	"context"
	"errors"
	"time"
)

// Status represents the lifecycle state of a tracking session.
type Status string

const (
	StatusInactive     Status = "inactive"     // No session running
	StatusSearching    Status = "searching"    // Session started, no fix yet
	StatusTracking     Status = "tracking"     // Receiving fixes
	StatusPaused       Status = "paused"       // Fix stream stalled or source error
	StatusReconnecting Status = "reconnecting" // Actively re-requesting fixes
	StatusDenied       Status = "denied"       // Platform refused location permission
)

// Position is a single fix as produced by the source, immutable once
// produced. SpeedMps and HeadingDeg are sensor-reported and may be nil; the
// tracker fills them in from consecutive fixes when possible.
type Position struct {
	Latitude       float64    `json:"lat"`
	Longitude      float64    `json:"lon"`
	AccuracyMeters float64    `json:"accuracy_m"`
	SpeedMps       *float64   `json:"speed_mps,omitempty"`
	HeadingDeg     *float64   `json:"heading_deg,omitempty"`
	CapturedAt     time.Time  `json:"captured_at"`
}

// TrailPoint is a filtered projection of an accepted Position.
type TrailPoint struct {
	Latitude   float64   `json:"lat"`
	Longitude  float64   `json:"lon"`
	CapturedAt time.Time `json:"captured_at"`
}

// Snapshot is a consistent copy of the tracker's latest-value state. The
// renderer and the HTTP API read snapshots; they never hold references into
// the tracker.
type Snapshot struct {
	SessionID                 string       `json:"session_id"`
	Status                    Status       `json:"status"`
	Position                  *Position    `json:"position,omitempty"`
	Approximate               bool         `json:"approximate"`
	Trail                     []TrailPoint `json:"trail"`
	AccumulatedDistanceMeters float64      `json:"accumulated_distance_m"`
	ReconnectAttempts         int          `json:"reconnect_attempts"`
	LastAcceptedFixAt         time.Time    `json:"last_accepted_fix_at"`
}

// Source error taxonomy, mapped from platform errors by each Source
// implementation.
var (
	// ErrPermissionDenied is blocking and user-actionable; the tracker
	// enters StatusDenied and polls for the permission to be granted.
	ErrPermissionDenied = errors.New("location permission denied")

	// ErrTimeout silently triggers reconnection; it is never surfaced as a
	// hard error.
	ErrTimeout = errors.New("location request timed out")

	// ErrPositionUnavailable pauses the session and triggers reconnection.
	ErrPositionUnavailable = errors.New("position unavailable")
)

// PermissionState mirrors the platform permission query result.
type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
	PermissionPrompt  PermissionState = "prompt"
)

// WatchOptions configure a continuous or single-shot position request.
type WatchOptions struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaxAge       time.Duration // 0 means never serve a cached fix
}

// Source is the device geolocation capability. Implementations map their
// platform errors onto the package taxonomy above.
type Source interface {
	// Watch starts a continuous high-accuracy position subscription. Fixes
	// and errors are delivered on the returned channels until ctx is
	// cancelled. A setup failure is returned immediately instead.
	Watch(ctx context.Context, opts WatchOptions) (<-chan Position, <-chan error, error)

	// RequestFix performs one single-shot position request.
	RequestFix(ctx context.Context, opts WatchOptions) (Position, error)

	// Permission reports the current platform permission state.
	Permission() PermissionState
}

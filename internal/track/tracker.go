package track

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wayfarer-gps/wayfarer/internal/geo"
	"github.com/wayfarer-gps/wayfarer/internal/monitoring"
	"github.com/wayfarer-gps/wayfarer/internal/timeutil"
)

// Tracker turns the noisy, intermittent fix stream from a Source into a
// reliable tracking session. All state is guarded by a single mutex; the
// session run loop, the watchdog, the reconnect loop, and the permission
// poller all validate the session generation before touching state, so a
// stale timer can never resurrect a stopped session.
type Tracker struct {
	cfg    Config
	clock  timeutil.Clock
	source Source

	mu         sync.Mutex
	generation int
	cancel     context.CancelFunc

	sessionID         string
	status            Status
	position          *Position
	approximate       bool
	trail             []TrailPoint
	distanceMeters    float64
	reconnectAttempts int
	lastAcceptedFixAt time.Time

	onUpdate func(Snapshot)
}

// NewTracker creates a tracker reading from the given source. A nil clock
// falls back to the real clock.
func NewTracker(source Source, clock timeutil.Clock, cfg Config) *Tracker {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Tracker{
		cfg:    cfg,
		clock:  clock,
		source: source,
		status: StatusInactive,
	}
}

// SetOnUpdate registers a callback invoked with a fresh snapshot after every
// state change. Call before Start; the callback runs outside the tracker
// lock.
func (t *Tracker) SetOnUpdate(fn func(Snapshot)) {
	t.mu.Lock()
	t.onUpdate = fn
	t.mu.Unlock()
}

// Restore seeds the tracker with persisted state from a previous run. It is
// a no-op on an active session, and the position is discarded entirely when
// older than Config.MaxRestoreAge.
func (t *Tracker) Restore(pos *Position, trail []TrailPoint, distanceMeters float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusInactive || pos == nil {
		return
	}
	if t.clock.Since(pos.CapturedAt) > t.cfg.MaxRestoreAge {
		monitoring.Logf("track: discarding restored position older than %v", t.cfg.MaxRestoreAge)
		return
	}
	p := *pos
	t.position = &p
	t.trail = append([]TrailPoint(nil), trail...)
	t.distanceMeters = distanceMeters
}

// Start begins a tracking session: Inactive -> Searching, with a continuous
// high-accuracy subscription. Calling Start on an already-active session is
// a no-op.
func (t *Tracker) Start() error {
	t.mu.Lock()
	if t.status != StatusInactive {
		t.mu.Unlock()
		return nil
	}
	t.generation++
	gen := t.generation
	t.sessionID = uuid.NewString()
	t.status = StatusSearching
	t.reconnectAttempts = 0

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	opts := t.watchOptions()
	t.mu.Unlock()

	fixes, errs, err := t.source.Watch(ctx, opts)
	if err != nil {
		t.mu.Lock()
		if gen == t.generation {
			if errors.Is(err, ErrPermissionDenied) {
				t.status = StatusDenied
			} else {
				t.status = StatusPaused
				t.beginReconnectLocked()
			}
		}
		t.mu.Unlock()
	}

	go t.run(ctx, gen, fixes, errs)
	t.notify()
	return nil
}

// Stop ends the session from any state: cancels the subscription and all
// timers, clears the trail and the reconnect counter, and returns to
// Inactive.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.status == StatusInactive {
		t.mu.Unlock()
		return
	}
	t.generation++
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.status = StatusInactive
	t.position = nil
	t.approximate = false
	t.trail = nil
	t.distanceMeters = 0
	t.reconnectAttempts = 0
	t.lastAcceptedFixAt = time.Time{}
	t.mu.Unlock()
	t.notify()
}

// Status returns the current session status.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Snapshot returns a consistent copy of the tracker's latest-value state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// OnlineChanged feeds the network connectivity signal into the tracker.
// Regaining connectivity with a stale fix triggers reconnection.
func (t *Tracker) OnlineChanged(online bool) {
	if !online {
		return
	}
	t.reconnectIfStale()
}

// Foregrounded feeds the application-visibility signal into the tracker.
func (t *Tracker) Foregrounded() {
	t.reconnectIfStale()
}

func (t *Tracker) watchOptions() WatchOptions {
	return WatchOptions{
		HighAccuracy: true,
		Timeout:      t.cfg.SingleFixTimeout,
		MaxAge:       0,
	}
}

// run is the per-session event loop. It owns the three session timers; each
// handler re-checks the generation so a stale loop exits cleanly after Stop.
func (t *Tracker) run(ctx context.Context, gen int, fixes <-chan Position, errs <-chan error) {
	watchdog := t.clock.NewTicker(t.cfg.WatchdogInterval)
	reconnect := t.clock.NewTicker(t.cfg.ReconnectInterval)
	permission := t.clock.NewTicker(t.cfg.PermissionPollInterval)
	defer watchdog.Stop()
	defer reconnect.Stop()
	defer permission.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case pos, ok := <-fixes:
			if !ok {
				fixes = nil
				continue
			}
			t.handleFix(gen, pos)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			t.handleSourceError(gen, err)
		case <-watchdog.C():
			t.checkWatchdog(gen)
		case <-reconnect.C():
			t.reconnectAttempt(ctx, gen)
		case <-permission.C():
			if t.permissionRegained(gen) {
				// The original subscription died with the denial;
				// re-establish it alongside the reconnect loop.
				if nf, ne, err := t.source.Watch(ctx, t.watchOptions()); err == nil {
					fixes, errs = nf, ne
				}
				t.notify()
			}
		}
	}
}

// handleFix runs the ingestion pipeline for one accepted fix.
func (t *Tracker) handleFix(gen int, pos Position) {
	t.mu.Lock()
	if gen != t.generation || t.status == StatusInactive {
		t.mu.Unlock()
		return
	}
	t.acceptFixLocked(pos)
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) acceptFixLocked(pos Position) {
	prev := t.position

	// Sensor-reported negative speed clamps to zero.
	if pos.SpeedMps != nil && *pos.SpeedMps < 0 {
		zero := 0.0
		pos.SpeedMps = &zero
	}

	// Derive speed and heading from the prior fix when the sensor did not
	// report them. Skipped below the heading gate: bearings between nearly
	// coincident points are noise.
	if (pos.SpeedMps == nil || pos.HeadingDeg == nil) && prev != nil {
		dist := geo.DistanceMeters(prev.Latitude, prev.Longitude, pos.Latitude, pos.Longitude)
		elapsed := pos.CapturedAt.Sub(prev.CapturedAt).Seconds()
		if dist > t.cfg.MinHeadingDistanceMeters && elapsed > 0 {
			if pos.SpeedMps == nil {
				v := dist / elapsed
				pos.SpeedMps = &v
			}
			if pos.HeadingDeg == nil {
				h := geo.InitialBearing(prev.Latitude, prev.Longitude, pos.Latitude, pos.Longitude)
				pos.HeadingDeg = &h
			}
		}
	}

	// Approximate-location flag affects display only, never tracking.
	t.approximate = pos.AccuracyMeters > t.cfg.ApproximateAccuracyMeters

	// Trail gate: the first point of a session is recorded unconditionally,
	// every later point must clear the minimum distance.
	point := TrailPoint{Latitude: pos.Latitude, Longitude: pos.Longitude, CapturedAt: pos.CapturedAt}
	if len(t.trail) == 0 {
		t.trail = append(t.trail, point)
	} else {
		last := t.trail[len(t.trail)-1]
		d := geo.DistanceMeters(last.Latitude, last.Longitude, pos.Latitude, pos.Longitude)
		if d > t.cfg.MinTrailDistanceMeters {
			t.trail = append(t.trail, point)
			t.distanceMeters += d
		}
	}

	// Any accepted fix unconditionally clears reconnection state.
	t.reconnectAttempts = 0
	t.position = &pos
	t.lastAcceptedFixAt = t.clock.Now()
	t.status = StatusTracking
}

// handleSourceError maps subscription errors onto state transitions.
func (t *Tracker) handleSourceError(gen int, err error) {
	t.mu.Lock()
	if gen != t.generation || t.status == StatusInactive {
		t.mu.Unlock()
		return
	}

	switch {
	case errors.Is(err, ErrPermissionDenied):
		t.status = StatusDenied
		t.reconnectAttempts = 0
	case errors.Is(err, ErrTimeout):
		// Not surfaced as a hard error; reconnect quietly.
		if t.status == StatusTracking {
			t.beginReconnectLocked()
		}
	default:
		if t.status == StatusTracking || t.status == StatusSearching {
			monitoring.Logf("track: source error, pausing session: %v", err)
			t.status = StatusPaused
			t.beginReconnectLocked()
		}
	}
	t.mu.Unlock()
	t.notify()
}

// checkWatchdog pauses and reconnects a session whose fix stream went stale.
func (t *Tracker) checkWatchdog(gen int) {
	t.mu.Lock()
	if gen != t.generation || t.status != StatusTracking {
		t.mu.Unlock()
		return
	}
	if t.clock.Since(t.lastAcceptedFixAt) <= t.cfg.StaleFixTimeout {
		t.mu.Unlock()
		return
	}
	monitoring.Logf("track: no fix for %v, pausing", t.cfg.StaleFixTimeout)
	t.status = StatusPaused
	t.beginReconnectLocked()
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) beginReconnectLocked() {
	if t.status != StatusReconnecting {
		t.status = StatusReconnecting
	}
}

// reconnectAttempt performs one single-shot fix request while reconnecting.
func (t *Tracker) reconnectAttempt(ctx context.Context, gen int) {
	t.mu.Lock()
	if gen != t.generation || t.status != StatusReconnecting {
		t.mu.Unlock()
		return
	}
	opts := t.watchOptions()
	t.mu.Unlock()

	pos, err := t.source.RequestFix(ctx, opts)
	if err != nil {
		t.mu.Lock()
		if gen == t.generation && t.status == StatusReconnecting {
			t.reconnectAttempts++
			if errors.Is(err, ErrPermissionDenied) {
				t.status = StatusDenied
			}
		}
		t.mu.Unlock()
		t.notify()
		return
	}
	t.handleFix(gen, pos)
}

// permissionRegained probes the platform permission while denied. On a
// grant it moves the session to Reconnecting and reports true so the run
// loop can re-establish the subscription.
func (t *Tracker) permissionRegained(gen int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.generation || t.status != StatusDenied {
		return false
	}
	if t.source.Permission() != PermissionGranted {
		return false
	}
	monitoring.Logf("track: permission granted, reconnecting")
	t.status = StatusReconnecting
	return true
}

func (t *Tracker) reconnectIfStale() {
	t.mu.Lock()
	active := t.status == StatusTracking || t.status == StatusPaused
	stale := t.clock.Since(t.lastAcceptedFixAt) > t.cfg.StaleFixTimeout
	if active && stale {
		t.beginReconnectLocked()
	}
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:                 t.sessionID,
		Status:                    t.status,
		Approximate:               t.approximate,
		Trail:                     append([]TrailPoint(nil), t.trail...),
		AccumulatedDistanceMeters: t.distanceMeters,
		ReconnectAttempts:         t.reconnectAttempts,
		LastAcceptedFixAt:         t.lastAcceptedFixAt,
	}
	if t.position != nil {
		p := *t.position
		if t.position.SpeedMps != nil {
			v := *t.position.SpeedMps
			p.SpeedMps = &v
		}
		if t.position.HeadingDeg != nil {
			h := *t.position.HeadingDeg
			p.HeadingDeg = &h
		}
		snap.Position = &p
	}
	return snap
}

func (t *Tracker) notify() {
	t.mu.Lock()
	cb := t.onUpdate
	var snap Snapshot
	if cb != nil {
		snap = t.snapshotLocked()
	}
	t.mu.Unlock()
	if cb != nil {
		cb(snap)
	}
}

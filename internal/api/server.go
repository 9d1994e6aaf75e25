// Package api serves the HTTP surface: the rendered map frame, session
// state, tracking controls, gesture input, and a couple of reporting
// endpoints.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/wayfarer-gps/wayfarer/internal/geo"
	"github.com/wayfarer-gps/wayfarer/internal/render"
	"github.com/wayfarer-gps/wayfarer/internal/store"
	"github.com/wayfarer-gps/wayfarer/internal/track"
	"github.com/wayfarer-gps/wayfarer/internal/units"
	"github.com/wayfarer-gps/wayfarer/internal/view"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Tracker is the tracking surface the server drives.
type Tracker interface {
	Start() error
	Stop()
	Snapshot() track.Snapshot
	OnlineChanged(online bool)
	Foregrounded()
}

type Server struct {
	tracker  Tracker
	renderer *render.Renderer
	view     *view.Controller
	store    *store.Store
	units    string
	onChange func()
}

// NewServer wires the HTTP surface over its collaborators. st may be nil
// when persistence is disabled.
func NewServer(tracker Tracker, renderer *render.Renderer, viewCtl *view.Controller, st *store.Store, unitLabel string) *Server {
	return &Server{
		tracker:  tracker,
		renderer: renderer,
		view:     viewCtl,
		store:    st,
		units:    unitLabel,
	}
}

// SetOnChange registers a callback fired after any state-mutating request,
// typically the render scheduler's MarkDirty.
func (s *Server) SetOnChange(fn func()) {
	s.onChange = fn
}

func (s *Server) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/map.png", s.showMap)
	mux.HandleFunc("/api/session", s.showSession)
	mux.HandleFunc("/api/trail", s.showTrail)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/start", s.startTracking)
	mux.HandleFunc("/api/stop", s.stopTracking)
	mux.HandleFunc("/api/recenter", s.recenter)
	mux.HandleFunc("/api/gesture", s.handleGesture)
	mux.HandleFunc("/api/signal", s.handleSignal)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/report", s.showReport)
	mux.HandleFunc("/api/profile.png", s.showProfile)
	return mux
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) showMap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data, err := s.renderer.PNG()
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to render frame: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

// SessionAPI is the display form of a tracker snapshot: speed converted to
// the configured units, distance pre-formatted.
type SessionAPI struct {
	SessionID         string   `json:"session_id,omitempty"`
	Status            string   `json:"status"`
	Latitude          *float64 `json:"lat,omitempty"`
	Longitude         *float64 `json:"lon,omitempty"`
	AccuracyMeters    *float64 `json:"accuracy_m,omitempty"`
	Approximate       bool     `json:"approximate"`
	Speed             *float64 `json:"speed,omitempty"`
	SpeedUnits        string   `json:"speed_units"`
	HeadingDeg        *float64 `json:"heading_deg,omitempty"`
	Distance          string   `json:"distance"`
	DistanceMeters    float64  `json:"distance_m"`
	TrailPoints       int      `json:"trail_points"`
	ReconnectAttempts int      `json:"reconnect_attempts"`
}

func (s *Server) snapshotToAPI(snap track.Snapshot) SessionAPI {
	out := SessionAPI{
		SessionID:         snap.SessionID,
		Status:            string(snap.Status),
		Approximate:       snap.Approximate,
		SpeedUnits:        s.units,
		Distance:          units.FormatDistance(snap.AccumulatedDistanceMeters, s.units),
		DistanceMeters:    snap.AccumulatedDistanceMeters,
		TrailPoints:       len(snap.Trail),
		ReconnectAttempts: snap.ReconnectAttempts,
	}
	if snap.Position != nil {
		out.Latitude = &snap.Position.Latitude
		out.Longitude = &snap.Position.Longitude
		out.AccuracyMeters = &snap.Position.AccuracyMeters
		out.HeadingDeg = snap.Position.HeadingDeg
		if snap.Position.SpeedMps != nil {
			v := units.ConvertSpeed(*snap.Position.SpeedMps, s.units)
			out.Speed = &v
		}
	}
	return out
}

func (s *Server) showSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := json.NewEncoder(w).Encode(s.snapshotToAPI(s.tracker.Snapshot())); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write session")
		return
	}
}

func (s *Server) showTrail(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	snap := s.tracker.Snapshot()
	coords := make([][2]float64, len(snap.Trail))
	for i, p := range snap.Trail {
		coords[i] = [2]float64{p.Longitude, p.Latitude}
	}

	trail := map[string]interface{}{
		"type":        "LineString",
		"coordinates": coords,
	}
	if err := json.NewEncoder(w).Encode(trail); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write trail")
		return
	}
}

func (s *Server) startTracking(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := s.tracker.Start(); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to start tracking: %v", err))
		return
	}

	snap := s.tracker.Snapshot()
	if s.store != nil && snap.SessionID != "" {
		if err := s.store.StartSession(snap.SessionID, time.Now()); err != nil {
			log.Printf("failed to record session start: %v", err)
		}
	}

	s.changed()
	json.NewEncoder(w).Encode(s.snapshotToAPI(snap))
}

func (s *Server) stopTracking(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	// Persist before the tracker clears its state.
	snap := s.tracker.Snapshot()
	if s.store != nil && snap.Status != track.StatusInactive {
		if err := s.store.SaveTrail(snap.SessionID, snap.Trail); err != nil {
			log.Printf("failed to save trail: %v", err)
		}
		if err := s.store.EndSession(snap.SessionID, time.Now(), snap.AccumulatedDistanceMeters); err != nil {
			log.Printf("failed to end session: %v", err)
		}
		if err := s.store.SaveSnapshot(snap, true); err != nil {
			log.Printf("failed to save last state: %v", err)
		}
	}

	s.tracker.Stop()
	s.changed()
	json.NewEncoder(w).Encode(s.snapshotToAPI(s.tracker.Snapshot()))
}

func (s *Server) recenter(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.view.Recenter()
	s.changed()
	json.NewEncoder(w).Encode(s.view.State())
}

// GestureRequest carries exactly one input event.
type GestureRequest struct {
	Pointer *view.PointerEvent `json:"pointer,omitempty"`
	Touch   *view.TouchEvent   `json:"touch,omitempty"`
	Wheel   *view.WheelEvent   `json:"wheel,omitempty"`
}

func (s *Server) handleGesture(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req GestureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid gesture payload: %v", err))
		return
	}

	switch {
	case req.Pointer != nil:
		s.view.HandlePointer(*req.Pointer)
	case req.Touch != nil:
		s.view.HandleTouch(*req.Touch)
	case req.Wheel != nil:
		s.view.HandleWheel(*req.Wheel)
	default:
		s.writeJSONError(w, http.StatusBadRequest, "Gesture payload must contain pointer, touch, or wheel")
		return
	}

	s.changed()
	json.NewEncoder(w).Encode(s.view.State())
}

// SignalRequest carries a platform signal: a connectivity change or a
// return to the foreground. A stale session reacts by reconnecting.
type SignalRequest struct {
	Online     *bool `json:"online,omitempty"`
	Foreground bool  `json:"foreground,omitempty"`
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid signal payload: %v", err))
		return
	}

	switch {
	case req.Online != nil:
		s.tracker.OnlineChanged(*req.Online)
	case req.Foreground:
		s.tracker.Foregrounded()
	default:
		s.writeJSONError(w, http.StatusBadRequest, "Signal payload must contain online or foreground")
		return
	}

	s.changed()
	json.NewEncoder(w).Encode(s.snapshotToAPI(s.tracker.Snapshot()))
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	config := map[string]interface{}{
		"units":    s.units,
		"min_zoom": view.MinZoom,
		"max_zoom": view.MaxZoom,
		"view":     s.view.State(),
	}
	if err := json.NewEncoder(w).Encode(config); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write config")
		return
	}
}

// speedSample is one derived speed measurement along the trail.
type speedSample struct {
	At       time.Time
	SpeedMps float64
}

// trailSpeeds derives per-segment speeds from consecutive trail points.
func trailSpeeds(trail []track.TrailPoint) []speedSample {
	var samples []speedSample
	for i := 1; i < len(trail); i++ {
		a, b := trail[i-1], trail[i]
		dt := b.CapturedAt.Sub(a.CapturedAt).Seconds()
		if dt <= 0 {
			continue
		}
		d := geo.DistanceMeters(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
		samples = append(samples, speedSample{At: b.CapturedAt, SpeedMps: d / dt})
	}
	return samples
}

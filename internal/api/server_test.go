package api

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wayfarer-gps/wayfarer/internal/httputil"
	"github.com/wayfarer-gps/wayfarer/internal/render"
	"github.com/wayfarer-gps/wayfarer/internal/tiles"
	"github.com/wayfarer-gps/wayfarer/internal/timeutil"
	"github.com/wayfarer-gps/wayfarer/internal/track"
	"github.com/wayfarer-gps/wayfarer/internal/units"
	"github.com/wayfarer-gps/wayfarer/internal/view"
)

type fakeTracker struct {
	mu            sync.Mutex
	snap          track.Snapshot
	started       int
	stopped       int
	onlineSignals []bool
	foregrounded  int
}

func (f *fakeTracker) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	if f.snap.Status == track.StatusInactive || f.snap.Status == "" {
		f.snap.Status = track.StatusSearching
		f.snap.SessionID = "test-session"
	}
	return nil
}

func (f *fakeTracker) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	f.snap = track.Snapshot{Status: track.StatusInactive}
}

func (f *fakeTracker) OnlineChanged(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onlineSignals = append(f.onlineSignals, online)
}

func (f *fakeTracker) Foregrounded() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.foregrounded++
}

func (f *fakeTracker) Snapshot() track.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

// trailWithSpeeds builds a trail whose consecutive segments move at the
// given speeds, one second apart, due north.
func trailWithSpeeds(speeds ...float64) []track.TrailPoint {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	lat := 37.0
	trail := []track.TrailPoint{{Latitude: lat, Longitude: -122, CapturedAt: base}}
	for i, v := range speeds {
		lat += v / 111194.9
		trail = append(trail, track.TrailPoint{
			Latitude:   lat,
			Longitude:  -122,
			CapturedAt: base.Add(time.Duration(i+1) * time.Second),
		})
	}
	return trail
}

func newTestServer(t *testing.T, snap track.Snapshot) (*Server, *fakeTracker, *http.ServeMux) {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 256, 256))))
	client := httputil.NewMockHTTPClient()
	for i := 0; i < 64; i++ {
		client.AddResponse(200, buf.Bytes())
	}

	tracker := &fakeTracker{snap: snap}
	viewCtl := view.NewController()

	cache := tiles.NewCache(tiles.DefaultProviders(), client, timeutil.RealClock{}, tiles.DefaultConfig())
	cfg := render.DefaultConfig()
	cfg.Width, cfg.Height = 320, 240
	renderer := render.NewRenderer(cache, tracker.Snapshot, viewCtl.State, nil, cfg)

	server := NewServer(tracker, renderer, viewCtl, nil, units.MPH)
	return server, tracker, server.ServeMux()
}

func trackingSnap() track.Snapshot {
	speed := 10.0
	return track.Snapshot{
		SessionID: "test-session",
		Status:    track.StatusTracking,
		Position: &track.Position{
			Latitude:       37.7749,
			Longitude:      -122.4194,
			AccuracyMeters: 8,
			SpeedMps:       &speed,
			CapturedAt:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		},
		Trail:                     trailWithSpeeds(1, 2, 3, 4),
		AccumulatedDistanceMeters: 10,
	}
}

func doRequest(mux *http.ServeMux, method, path string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestShowSessionConvertsSpeed(t *testing.T) {
	_, _, mux := newTestServer(t, trackingSnap())

	w := doRequest(mux, http.MethodGet, "/api/session", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got SessionAPI
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, "tracking", got.Status)
	require.Equal(t, units.MPH, got.SpeedUnits)
	require.NotNil(t, got.Speed)
	require.InDelta(t, 22.369, *got.Speed, 0.01)
	require.Equal(t, 5, got.TrailPoints)
}

func TestShowTrailIsLineString(t *testing.T) {
	_, _, mux := newTestServer(t, trackingSnap())

	w := doRequest(mux, http.MethodGet, "/api/trail", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		Type        string       `json:"type"`
		Coordinates [][2]float64 `json:"coordinates"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, "LineString", got.Type)
	require.Len(t, got.Coordinates, 5)
	// GeoJSON order is lon, lat.
	require.InDelta(t, -122.0, got.Coordinates[0][0], 1e-9)
	require.InDelta(t, 37.0, got.Coordinates[0][1], 1e-9)
}

func TestStartAndStop(t *testing.T) {
	_, tracker, mux := newTestServer(t, track.Snapshot{Status: track.StatusInactive})

	w := doRequest(mux, http.MethodPost, "/api/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, tracker.started)

	var got SessionAPI
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, "searching", got.Status)

	w = doRequest(mux, http.MethodPost, "/api/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, tracker.stopped)

	// GET on a control endpoint is rejected.
	w = doRequest(mux, http.MethodGet, "/api/start", "")
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestGestureWheelZooms(t *testing.T) {
	server, _, mux := newTestServer(t, trackingSnap())
	before := server.view.State().Zoom

	w := doRequest(mux, http.MethodPost, "/api/gesture", `{"wheel":{"delta_y":-120}}`)
	require.Equal(t, http.StatusOK, w.Code)

	var got view.State
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.InDelta(t, before+view.ZoomStep, got.Zoom, 1e-9)
}

func TestGestureRejectsEmptyAndMalformed(t *testing.T) {
	_, _, mux := newTestServer(t, trackingSnap())

	w := doRequest(mux, http.MethodPost, "/api/gesture", `{}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(mux, http.MethodPost, "/api/gesture", `not json`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSignalRoutesToTracker(t *testing.T) {
	_, tracker, mux := newTestServer(t, trackingSnap())

	w := doRequest(mux, http.MethodPost, "/api/signal", `{"online":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []bool{true}, tracker.onlineSignals)

	w = doRequest(mux, http.MethodPost, "/api/signal", `{"foreground":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, tracker.foregrounded)

	w = doRequest(mux, http.MethodPost, "/api/signal", `{}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecenterReengagesFollow(t *testing.T) {
	server, _, mux := newTestServer(t, trackingSnap())
	server.view.SetZoom(12)
	server.view.HandleTouch(view.TouchEvent{Phase: view.PhaseStart, Points: []view.Point{{X: 0, Y: 0}, {X: 100, Y: 0}}})
	server.view.HandleTouch(view.TouchEvent{Phase: view.PhaseMove, Points: []view.Point{{X: 0, Y: 0}, {X: 200, Y: 0}}})
	require.False(t, server.view.State().Follow)

	w := doRequest(mux, http.MethodPost, "/api/recenter", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, server.view.State().Follow)
}

func TestShowConfig(t *testing.T) {
	_, _, mux := newTestServer(t, trackingSnap())

	w := doRequest(mux, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, units.MPH, got["units"])
	require.EqualValues(t, view.MinZoom, got["min_zoom"])
	require.EqualValues(t, view.MaxZoom, got["max_zoom"])
}

func TestShowMapServesPNG(t *testing.T) {
	_, _, mux := newTestServer(t, trackingSnap())

	w := doRequest(mux, http.MethodGet, "/api/map.png", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "image/png", w.Header().Get("Content-Type"))

	img, err := png.Decode(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	require.Equal(t, 320, img.Bounds().Dx())
}

func TestShowStatsPercentiles(t *testing.T) {
	_, _, mux := newTestServer(t, trackingSnap())

	w := doRequest(mux, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got SessionStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, 4, got.Samples)

	// Segment speeds are 1..4 m/s, reported in mph.
	require.InDelta(t, units.ConvertSpeed(2, units.MPH), got.P50Speed, 0.1)
	require.InDelta(t, units.ConvertSpeed(4, units.MPH), got.P85Speed, 0.1)
	require.InDelta(t, units.ConvertSpeed(4, units.MPH), got.MaxSpeed, 0.1)
}

func TestShowReportRendersChart(t *testing.T) {
	_, _, mux := newTestServer(t, trackingSnap())

	w := doRequest(mux, http.MethodGet, "/api/report", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "echarts")
}

func TestShowProfileRequiresTrail(t *testing.T) {
	_, _, mux := newTestServer(t, track.Snapshot{Status: track.StatusInactive})

	w := doRequest(mux, http.MethodGet, "/api/profile.png", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestShowProfileServesPNG(t *testing.T) {
	_, _, mux := newTestServer(t, trackingSnap())

	w := doRequest(mux, http.MethodGet, "/api/profile.png", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "image/png", w.Header().Get("Content-Type"))

	_, err := png.Decode(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
}

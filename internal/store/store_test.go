package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wayfarer-gps/wayfarer/internal/timeutil"
	"github.com/wayfarer-gps/wayfarer/internal/track"
)

func openTestStore(t *testing.T) (*Store, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s, err := Open(filepath.Join(t.TempDir(), "wayfarer.db"), clock)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func testSnapshot(clock *timeutil.MockClock) track.Snapshot {
	speed := 1.2
	return track.Snapshot{
		SessionID: "session-1",
		Status:    track.StatusTracking,
		Position: &track.Position{
			Latitude:       37.7749,
			Longitude:      -122.4194,
			AccuracyMeters: 8,
			SpeedMps:       &speed,
			CapturedAt:     clock.Now(),
		},
		AccumulatedDistanceMeters: 150.5,
	}
}

func TestRestoreEmptyDatabase(t *testing.T) {
	s, _ := openTestStore(t)

	pos, trail, dist, err := s.Restore()
	require.NoError(t, err)
	require.Nil(t, pos)
	require.Empty(t, trail)
	require.Equal(t, 0.0, dist)
}

func TestSaveAndRestoreRoundTrip(t *testing.T) {
	s, clock := openTestStore(t)

	require.NoError(t, s.StartSession("session-1", clock.Now()))
	require.NoError(t, s.SaveSnapshot(testSnapshot(clock), true))

	trail := []track.TrailPoint{
		{Latitude: 37.7749, Longitude: -122.4194, CapturedAt: clock.Now()},
		{Latitude: 37.7750, Longitude: -122.4194, CapturedAt: clock.Now().Add(2 * time.Second)},
	}
	require.NoError(t, s.SaveTrail("session-1", trail))

	pos, gotTrail, dist, err := s.Restore()
	require.NoError(t, err)
	require.NotNil(t, pos)
	require.InDelta(t, 37.7749, pos.Latitude, 1e-9)
	require.InDelta(t, -122.4194, pos.Longitude, 1e-9)
	require.NotNil(t, pos.SpeedMps)
	require.InDelta(t, 1.2, *pos.SpeedMps, 1e-9)
	require.Nil(t, pos.HeadingDeg)
	require.Len(t, gotTrail, 2)
	require.InDelta(t, 150.5, dist, 1e-9)
}

func TestSaveSnapshotThrottles(t *testing.T) {
	s, clock := openTestStore(t)
	snap := testSnapshot(clock)

	require.NoError(t, s.SaveSnapshot(snap, false))

	// A second unforced save inside the interval is dropped.
	snap.AccumulatedDistanceMeters = 999
	require.NoError(t, s.SaveSnapshot(snap, false))
	_, _, dist, err := s.Restore()
	require.NoError(t, err)
	require.InDelta(t, 150.5, dist, 1e-9)

	// After the interval it goes through.
	clock.Advance(DefaultSaveInterval)
	require.NoError(t, s.SaveSnapshot(snap, false))
	_, _, dist, err = s.Restore()
	require.NoError(t, err)
	require.InDelta(t, 999, dist, 1e-9)
}

func TestForcedSaveBypassesThrottle(t *testing.T) {
	s, clock := openTestStore(t)
	snap := testSnapshot(clock)

	require.NoError(t, s.SaveSnapshot(snap, false))
	snap.AccumulatedDistanceMeters = 321
	require.NoError(t, s.SaveSnapshot(snap, true))

	_, _, dist, err := s.Restore()
	require.NoError(t, err)
	require.InDelta(t, 321, dist, 1e-9)
}

func TestSaveSnapshotConcurrent(t *testing.T) {
	s, clock := openTestStore(t)
	snap := testSnapshot(clock)

	// Forced saves from a stop/shutdown path race against throttled saves
	// from the fix path.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		forced := i%2 == 0
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if err := s.SaveSnapshot(snap, forced); err != nil {
					t.Errorf("SaveSnapshot: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	_, _, dist, err := s.Restore()
	require.NoError(t, err)
	require.InDelta(t, 150.5, dist, 1e-9)
}

func TestSaveTrailReplacesPrevious(t *testing.T) {
	s, clock := openTestStore(t)
	require.NoError(t, s.StartSession("session-1", clock.Now()))

	first := []track.TrailPoint{{Latitude: 1, Longitude: 1, CapturedAt: clock.Now()}}
	require.NoError(t, s.SaveTrail("session-1", first))

	second := []track.TrailPoint{
		{Latitude: 2, Longitude: 2, CapturedAt: clock.Now()},
		{Latitude: 3, Longitude: 3, CapturedAt: clock.Now()},
		{Latitude: 4, Longitude: 4, CapturedAt: clock.Now()},
	}
	require.NoError(t, s.SaveTrail("session-1", second))

	trail, err := s.SessionTrail("session-1")
	require.NoError(t, err)
	require.Len(t, trail, 3)
	require.InDelta(t, 2.0, trail[0].Latitude, 1e-9)
}

func TestEndSessionRecordsDistance(t *testing.T) {
	s, clock := openTestStore(t)
	require.NoError(t, s.StartSession("session-1", clock.Now()))
	require.NoError(t, s.EndSession("session-1", clock.Now().Add(time.Minute), 1234.5))

	var dist float64
	require.NoError(t, s.db.QueryRow(
		`SELECT distance_m FROM sessions WHERE id = ?`, "session-1",
	).Scan(&dist))
	require.InDelta(t, 1234.5, dist, 1e-9)
}

package track

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wayfarer-gps/wayfarer/internal/timeutil"
)

const eventuallyTick = 2 * time.Millisecond

func newTestTracker(t *testing.T) (*Tracker, *MockSource, *timeutil.MockClock) {
	t.Helper()
	source := NewMockSource()
	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	tr := NewTracker(source, clock, DefaultConfig())
	return tr, source, clock
}

func fixAt(lat, lon float64, at time.Time) Position {
	return Position{Latitude: lat, Longitude: lon, AccuracyMeters: 5, CapturedAt: at}
}

func TestStartIsIdempotent(t *testing.T) {
	tr, source, _ := newTestTracker(t)
	defer tr.Stop()

	require.NoError(t, tr.Start())
	require.NoError(t, tr.Start())
	require.Equal(t, StatusSearching, tr.Status())
	require.Equal(t, 1, source.WatchCalls())

	snap := tr.Snapshot()
	require.NotEmpty(t, snap.SessionID)
	require.Nil(t, snap.Position)
}

func TestDerivedSpeedAndHeading(t *testing.T) {
	tr, _, clock := newTestTracker(t)
	tr.status = StatusSearching

	base := clock.Now()
	tr.handleFix(0, fixAt(37.7749, -122.4194, base))

	// Roughly 2 m due north, 2 s later.
	tr.handleFix(0, fixAt(37.7749+2.0/111194.9, -122.4194, base.Add(2*time.Second)))

	snap := tr.Snapshot()
	require.Equal(t, StatusTracking, snap.Status)
	require.Len(t, snap.Trail, 2)
	require.InDelta(t, 2.0, snap.AccumulatedDistanceMeters, 0.1)

	require.NotNil(t, snap.Position.SpeedMps)
	require.InDelta(t, 1.0, *snap.Position.SpeedMps, 0.05)
	require.NotNil(t, snap.Position.HeadingDeg)
	heading := math.Mod(*snap.Position.HeadingDeg+360, 360)
	require.True(t, heading < 1 || heading > 359, "heading %v not northerly", heading)
}

func TestSensorSpeedPreferredOverDerived(t *testing.T) {
	tr, _, clock := newTestTracker(t)
	tr.status = StatusSearching

	base := clock.Now()
	tr.handleFix(0, fixAt(37.7749, -122.4194, base))

	pos := fixAt(37.7749+2.0/111194.9, -122.4194, base.Add(2*time.Second))
	reported := 3.5
	pos.SpeedMps = &reported
	tr.handleFix(0, pos)

	snap := tr.Snapshot()
	require.InDelta(t, 3.5, *snap.Position.SpeedMps, 1e-9)
}

func TestNegativeSensorSpeedClampsToZero(t *testing.T) {
	tr, _, clock := newTestTracker(t)
	tr.status = StatusSearching

	pos := fixAt(37.7749, -122.4194, clock.Now())
	bogus := -1.5
	pos.SpeedMps = &bogus
	tr.handleFix(0, pos)

	snap := tr.Snapshot()
	require.Equal(t, 0.0, *snap.Position.SpeedMps)
}

func TestTrailGateDropsSubMeterMoves(t *testing.T) {
	tr, _, clock := newTestTracker(t)
	tr.status = StatusSearching

	base := clock.Now()
	tr.handleFix(0, fixAt(37.7749, -122.4194, base))

	// ~0.5 m north: position updates, trail and distance do not.
	tr.handleFix(0, fixAt(37.7749+0.5/111194.9, -122.4194, base.Add(time.Second)))

	snap := tr.Snapshot()
	require.Len(t, snap.Trail, 1)
	require.Equal(t, 0.0, snap.AccumulatedDistanceMeters)
	require.NotEqual(t, 37.7749, snap.Position.Latitude)
}

func TestApproximateFlagTracksAccuracy(t *testing.T) {
	tr, _, clock := newTestTracker(t)
	tr.status = StatusSearching

	coarse := fixAt(37.7749, -122.4194, clock.Now())
	coarse.AccuracyMeters = 150
	tr.handleFix(0, coarse)
	require.True(t, tr.Snapshot().Approximate)

	fine := fixAt(37.7749, -122.4194, clock.Now().Add(time.Second))
	tr.handleFix(0, fine)
	require.False(t, tr.Snapshot().Approximate)
}

func TestWatchdogPausesStaleSession(t *testing.T) {
	tr, source, clock := newTestTracker(t)
	defer tr.Stop()

	require.NoError(t, tr.Start())
	source.EmitFix(fixAt(37.7749, -122.4194, clock.Now()))
	require.Eventually(t, func() bool {
		return tr.Status() == StatusTracking
	}, time.Second, eventuallyTick)

	// No fixes for longer than the stale threshold.
	for i := 0; i < 8; i++ {
		clock.Advance(500 * time.Millisecond)
		time.Sleep(eventuallyTick)
	}

	require.Eventually(t, func() bool {
		return tr.Status() == StatusReconnecting
	}, time.Second, eventuallyTick)
}

func TestReconnectCountsFailedAttempts(t *testing.T) {
	tr, source, clock := newTestTracker(t)
	defer tr.Stop()

	require.NoError(t, tr.Start())
	source.EmitError(ErrPositionUnavailable)
	require.Eventually(t, func() bool {
		return tr.Status() == StatusReconnecting
	}, time.Second, eventuallyTick)

	// Each reconnect tick issues one single-shot request; the mock times
	// them all out.
	for want := 1; want <= 3; want++ {
		clock.Advance(time.Second)
		require.Eventually(t, func() bool {
			return tr.Snapshot().ReconnectAttempts == want
		}, time.Second, eventuallyTick)
	}
}

func TestAcceptedFixResetsReconnectState(t *testing.T) {
	tr, source, clock := newTestTracker(t)
	defer tr.Stop()

	require.NoError(t, tr.Start())
	source.EmitError(ErrPositionUnavailable)
	require.Eventually(t, func() bool {
		return tr.Status() == StatusReconnecting
	}, time.Second, eventuallyTick)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return tr.Snapshot().ReconnectAttempts == 1
	}, time.Second, eventuallyTick)

	source.QueueFix(fixAt(37.7749, -122.4194, clock.Now()))
	clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		snap := tr.Snapshot()
		return snap.Status == StatusTracking && snap.ReconnectAttempts == 0
	}, time.Second, eventuallyTick)
}

func TestTimeoutErrorReconnectsQuietly(t *testing.T) {
	tr, source, clock := newTestTracker(t)
	defer tr.Stop()

	require.NoError(t, tr.Start())
	source.EmitFix(fixAt(37.7749, -122.4194, clock.Now()))
	require.Eventually(t, func() bool {
		return tr.Status() == StatusTracking
	}, time.Second, eventuallyTick)

	source.EmitError(ErrTimeout)
	require.Eventually(t, func() bool {
		return tr.Status() == StatusReconnecting
	}, time.Second, eventuallyTick)
}

func TestOnlineRegainedReconnectsStaleSession(t *testing.T) {
	tr, _, clock := newTestTracker(t)
	tr.status = StatusTracking
	tr.lastAcceptedFixAt = clock.Now()

	// Fresh signal: nothing to do.
	tr.OnlineChanged(true)
	require.Equal(t, StatusTracking, tr.Status())

	// Going offline never changes state by itself.
	clock.Advance(4 * time.Second)
	tr.OnlineChanged(false)
	require.Equal(t, StatusTracking, tr.Status())

	// Connectivity back with a stale fix: reconnect.
	tr.OnlineChanged(true)
	require.Equal(t, StatusReconnecting, tr.Status())
}

func TestForegroundedReconnectsStaleSession(t *testing.T) {
	tr, _, clock := newTestTracker(t)
	tr.status = StatusPaused
	tr.lastAcceptedFixAt = clock.Now().Add(-10 * time.Second)

	tr.Foregrounded()
	require.Equal(t, StatusReconnecting, tr.Status())
}

func TestSignalsIgnoredWhileInactive(t *testing.T) {
	tr, _, _ := newTestTracker(t)

	tr.OnlineChanged(true)
	tr.Foregrounded()
	require.Equal(t, StatusInactive, tr.Status())
}

func TestPermissionDeniedThenGranted(t *testing.T) {
	tr, source, clock := newTestTracker(t)
	defer tr.Stop()

	source.SetPermission(PermissionDenied)
	source.SetWatchError(ErrPermissionDenied)
	require.NoError(t, tr.Start())
	require.Equal(t, StatusDenied, tr.Status())

	// Grant the permission; the next poll should re-subscribe and start
	// reconnecting.
	source.SetPermission(PermissionGranted)
	source.SetWatchError(nil)
	clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		return tr.Status() == StatusReconnecting && source.WatchCalls() == 2
	}, time.Second, eventuallyTick)

	source.EmitFix(fixAt(37.7749, -122.4194, clock.Now()))
	require.Eventually(t, func() bool {
		return tr.Status() == StatusTracking
	}, time.Second, eventuallyTick)
}

func TestStopClearsSessionState(t *testing.T) {
	tr, source, clock := newTestTracker(t)

	require.NoError(t, tr.Start())
	source.EmitFix(fixAt(37.7749, -122.4194, clock.Now()))
	require.Eventually(t, func() bool {
		return tr.Status() == StatusTracking
	}, time.Second, eventuallyTick)

	tr.Stop()
	snap := tr.Snapshot()
	require.Equal(t, StatusInactive, snap.Status)
	require.Nil(t, snap.Position)
	require.Empty(t, snap.Trail)
	require.Equal(t, 0.0, snap.AccumulatedDistanceMeters)

	// Stale timers from the dead session must not resurrect it.
	clock.Advance(10 * time.Second)
	time.Sleep(10 * eventuallyTick)
	require.Equal(t, StatusInactive, tr.Status())
}

func TestRestoreKeepsFreshState(t *testing.T) {
	tr, _, clock := newTestTracker(t)

	pos := fixAt(37.7749, -122.4194, clock.Now().Add(-100*time.Second))
	trail := []TrailPoint{{Latitude: pos.Latitude, Longitude: pos.Longitude, CapturedAt: pos.CapturedAt}}
	tr.Restore(&pos, trail, 420.5)

	snap := tr.Snapshot()
	require.NotNil(t, snap.Position)
	require.Len(t, snap.Trail, 1)
	require.Equal(t, 420.5, snap.AccumulatedDistanceMeters)
}

func TestRestoreDiscardsStaleState(t *testing.T) {
	tr, _, clock := newTestTracker(t)

	pos := fixAt(37.7749, -122.4194, clock.Now().Add(-400*time.Second))
	tr.Restore(&pos, nil, 420.5)

	snap := tr.Snapshot()
	require.Nil(t, snap.Position)
	require.Equal(t, 0.0, snap.AccumulatedDistanceMeters)
}

func TestOnUpdateFiresOnAcceptedFix(t *testing.T) {
	tr, source, clock := newTestTracker(t)
	defer tr.Stop()

	updates := make(chan Snapshot, 16)
	tr.SetOnUpdate(func(s Snapshot) {
		select {
		case updates <- s:
		default:
		}
	})

	require.NoError(t, tr.Start())
	source.EmitFix(fixAt(37.7749, -122.4194, clock.Now()))

	require.Eventually(t, func() bool {
		for {
			select {
			case s := <-updates:
				if s.Status == StatusTracking {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, eventuallyTick)
}

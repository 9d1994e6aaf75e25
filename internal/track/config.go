package track

import "time"

// Constants for tracker configuration
const (
	// DefaultStaleFixTimeout is how long the watchdog waits after the last
	// accepted fix before pausing and reconnecting.
	DefaultStaleFixTimeout = 3000 * time.Millisecond
	// DefaultReconnectInterval is the cadence of single-shot fix requests
	// while reconnecting.
	DefaultReconnectInterval = 1000 * time.Millisecond
	// DefaultPermissionPollInterval is the cadence of permission probes
	// while in StatusDenied.
	DefaultPermissionPollInterval = 1000 * time.Millisecond
)

// Config holds configuration parameters for the tracker.
type Config struct {
	StaleFixTimeout        time.Duration // Watchdog threshold since last accepted fix
	WatchdogInterval       time.Duration // How often the watchdog checks staleness
	ReconnectInterval      time.Duration // Single-shot request cadence while reconnecting
	PermissionPollInterval time.Duration // Permission probe cadence while denied
	SingleFixTimeout       time.Duration // Timeout passed to single-shot requests

	MinTrailDistanceMeters    float64 // Gate between consecutive trail points
	MinHeadingDistanceMeters  float64 // Gate below which speed/heading are not derived
	ApproximateAccuracyMeters float64 // Accuracy radius beyond which a fix is flagged approximate

	MaxRestoreAge time.Duration // Persisted positions older than this are discarded on restore
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() Config {
	return Config{
		StaleFixTimeout:           DefaultStaleFixTimeout,
		WatchdogInterval:          500 * time.Millisecond,
		ReconnectInterval:         DefaultReconnectInterval,
		PermissionPollInterval:    DefaultPermissionPollInterval,
		SingleFixTimeout:          800 * time.Millisecond,
		MinTrailDistanceMeters:    1.0,
		MinHeadingDistanceMeters:  1.0,
		ApproximateAccuracyMeters: 100.0,
		MaxRestoreAge:             300 * time.Second,
	}
}

// Package config loads optional JSON tuning overrides for the tracker,
// the tile fetcher, and the renderer. Fields omitted from the file keep
// their built-in defaults, so partial configs are safe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/wayfarer-gps/wayfarer/internal/tiles"
	"github.com/wayfarer-gps/wayfarer/internal/track"
)

// TuningConfig is the root of the tuning file. All fields are pointers so
// an absent key is distinguishable from an explicit zero.
type TuningConfig struct {
	// Tracker params
	StaleFixTimeoutMs        *int64   `json:"stale_fix_timeout_ms,omitempty"`
	ReconnectIntervalMs      *int64   `json:"reconnect_interval_ms,omitempty"`
	PermissionPollIntervalMs *int64   `json:"permission_poll_interval_ms,omitempty"`
	SingleFixTimeoutMs       *int64   `json:"single_fix_timeout_ms,omitempty"`
	MinTrailDistanceM        *float64 `json:"min_trail_distance_m,omitempty"`
	ApproximateAccuracyM     *float64 `json:"approximate_accuracy_m,omitempty"`
	RestoreMaxAgeMs          *int64   `json:"restore_max_age_ms,omitempty"`

	// Tile fetcher params
	TileMaxAttempts           *int   `json:"tile_max_attempts,omitempty"`
	TileBackoffMs             *int64 `json:"tile_backoff_ms,omitempty"`
	ProviderFailoverThreshold *int   `json:"provider_failover_threshold,omitempty"`

	// Renderer params
	FrameIntervalMs *int64 `json:"frame_interval_ms,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The file must
// have a .json extension and stay under the max file size.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate rejects values that would wedge the timers or retry loops.
func (c *TuningConfig) Validate() error {
	positiveMs := map[string]*int64{
		"stale_fix_timeout_ms":        c.StaleFixTimeoutMs,
		"reconnect_interval_ms":       c.ReconnectIntervalMs,
		"permission_poll_interval_ms": c.PermissionPollIntervalMs,
		"single_fix_timeout_ms":       c.SingleFixTimeoutMs,
		"restore_max_age_ms":          c.RestoreMaxAgeMs,
		"tile_backoff_ms":             c.TileBackoffMs,
		"frame_interval_ms":           c.FrameIntervalMs,
	}
	for name, v := range positiveMs {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, *v)
		}
	}

	if c.MinTrailDistanceM != nil && *c.MinTrailDistanceM < 0 {
		return fmt.Errorf("min_trail_distance_m must be non-negative, got %v", *c.MinTrailDistanceM)
	}
	if c.ApproximateAccuracyM != nil && *c.ApproximateAccuracyM <= 0 {
		return fmt.Errorf("approximate_accuracy_m must be positive, got %v", *c.ApproximateAccuracyM)
	}
	if c.TileMaxAttempts != nil && *c.TileMaxAttempts < 1 {
		return fmt.Errorf("tile_max_attempts must be at least 1, got %d", *c.TileMaxAttempts)
	}
	if c.ProviderFailoverThreshold != nil && *c.ProviderFailoverThreshold < 1 {
		return fmt.Errorf("provider_failover_threshold must be at least 1, got %d", *c.ProviderFailoverThreshold)
	}
	return nil
}

// ApplyTracker overlays the set fields onto a tracker config.
func (c *TuningConfig) ApplyTracker(cfg track.Config) track.Config {
	if c.StaleFixTimeoutMs != nil {
		cfg.StaleFixTimeout = time.Duration(*c.StaleFixTimeoutMs) * time.Millisecond
	}
	if c.ReconnectIntervalMs != nil {
		cfg.ReconnectInterval = time.Duration(*c.ReconnectIntervalMs) * time.Millisecond
	}
	if c.PermissionPollIntervalMs != nil {
		cfg.PermissionPollInterval = time.Duration(*c.PermissionPollIntervalMs) * time.Millisecond
	}
	if c.SingleFixTimeoutMs != nil {
		cfg.SingleFixTimeout = time.Duration(*c.SingleFixTimeoutMs) * time.Millisecond
	}
	if c.MinTrailDistanceM != nil {
		cfg.MinTrailDistanceMeters = *c.MinTrailDistanceM
	}
	if c.ApproximateAccuracyM != nil {
		cfg.ApproximateAccuracyMeters = *c.ApproximateAccuracyM
	}
	if c.RestoreMaxAgeMs != nil {
		cfg.MaxRestoreAge = time.Duration(*c.RestoreMaxAgeMs) * time.Millisecond
	}
	return cfg
}

// ApplyTiles overlays the set fields onto a tile fetcher config.
func (c *TuningConfig) ApplyTiles(cfg tiles.Config) tiles.Config {
	if c.TileMaxAttempts != nil {
		cfg.MaxAttempts = *c.TileMaxAttempts
	}
	if c.TileBackoffMs != nil {
		cfg.BackoffBase = time.Duration(*c.TileBackoffMs) * time.Millisecond
	}
	if c.ProviderFailoverThreshold != nil {
		cfg.FailoverThreshold = *c.ProviderFailoverThreshold
	}
	return cfg
}

// FrameInterval returns the configured frame interval, or fallback when
// unset.
func (c *TuningConfig) FrameInterval(fallback time.Duration) time.Duration {
	if c.FrameIntervalMs != nil {
		return time.Duration(*c.FrameIntervalMs) * time.Millisecond
	}
	return fallback
}

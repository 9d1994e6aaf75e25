// Package tiles fetches and caches map imagery tiles. Fetches are retried
// with exponential backoff, and repeated failures rotate through an ordered
// provider chain so the map degrades to a base layer instead of going blank.
package tiles

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/wayfarer-gps/wayfarer/internal/httputil"
	"github.com/wayfarer-gps/wayfarer/internal/monitoring"
	"github.com/wayfarer-gps/wayfarer/internal/timeutil"
)

// Key identifies one cached tile. Provider and Scale are part of the key so
// a provider switch or a DPI change never serves mismatched imagery.
type Key struct {
	Provider string
	Zoom     int
	X        int
	Y        int
	Scale    int
}

type entryState int

const (
	statePending entryState = iota
	stateReady
	stateFailed
)

type entry struct {
	state entryState
	img   image.Image
}

// Config tunes fetch retries and provider failover.
type Config struct {
	MaxAttempts       int           // Fetch attempts per tile before it is marked failed
	BackoffBase       time.Duration // First retry delay, doubling per attempt
	FailoverThreshold int           // Failed tiles on the active provider before switching
	UserAgent         string
}

// DefaultConfig returns the default fetch configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		BackoffBase:       1000 * time.Millisecond,
		FailoverThreshold: 3,
		UserAgent:         "wayfarer/1.0",
	}
}

// Cache is the in-session tile store. It is unbounded: a session's working
// set is a few hundred tiles at most, and eviction would reintroduce the
// network stalls the cache exists to hide.
type Cache struct {
	cfg       Config
	client    httputil.HTTPClient
	clock     timeutil.Clock
	providers []Provider

	mu       sync.Mutex
	active   int // index into providers
	failures int // failed tiles on the active provider since its last success
	entries  map[Key]*entry
	onReady  func()
}

// NewCache creates a tile cache over the given provider chain. A nil client
// or clock falls back to the real implementations.
func NewCache(providers []Provider, client httputil.HTTPClient, clock timeutil.Clock, cfg Config) *Cache {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if len(providers) == 0 {
		providers = DefaultProviders()
	}
	return &Cache{
		cfg:       cfg,
		client:    client,
		clock:     clock,
		providers: providers,
		entries:   make(map[Key]*entry),
	}
}

// SetOnTileReady registers the render-wakeup callback, invoked after each
// tile resolves so an already-drawn frame can refine in place.
func (c *Cache) SetOnTileReady(fn func()) {
	c.mu.Lock()
	c.onReady = fn
	c.mu.Unlock()
}

// ActiveProvider reports the provider currently serving fetches.
func (c *Cache) ActiveProvider() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.providers[c.active].Name
}

// Get returns the tile for the active provider if it is ready. A miss
// starts an asynchronous fetch and returns ok=false; the caller draws a
// placeholder and is woken by the ready callback. Requests past the
// provider's zoom ceiling are not fetched at all; they would only 404 and
// burn failover budget.
func (c *Cache) Get(ctx context.Context, zoom, x, y, scale int) (image.Image, bool) {
	c.mu.Lock()
	provider := c.providers[c.active]
	if provider.MaxZoom > 0 && zoom > provider.MaxZoom {
		c.mu.Unlock()
		return nil, false
	}
	key := Key{Provider: provider.Name, Zoom: zoom, X: x, Y: y, Scale: scale}

	if e, ok := c.entries[key]; ok {
		defer c.mu.Unlock()
		return e.img, e.state == stateReady
	}

	c.entries[key] = &entry{state: statePending}
	c.mu.Unlock()

	go c.fetch(ctx, provider, key)
	return nil, false
}

func (c *Cache) fetch(ctx context.Context, provider Provider, key Key) {
	img, err := c.fetchWithRetry(ctx, provider, key)

	c.mu.Lock()
	e := c.entries[key]
	if e == nil {
		c.mu.Unlock()
		return
	}
	if err != nil {
		e.state = stateFailed
		c.recordFailureLocked(provider)
		c.mu.Unlock()
		return
	}
	e.state = stateReady
	e.img = img
	if c.providers[c.active].Name == provider.Name {
		c.failures = 0
	}
	cb := c.onReady
	c.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// recordFailureLocked counts one exhausted tile against the provider and
// rotates to the next provider at the threshold. The chain never rotates
// past its last entry.
func (c *Cache) recordFailureLocked(provider Provider) {
	if c.providers[c.active].Name != provider.Name {
		return
	}
	c.failures++
	if c.failures < c.cfg.FailoverThreshold {
		return
	}
	if c.active+1 < len(c.providers) {
		c.active++
		c.failures = 0
		monitoring.Logf("tiles: provider %s failing, switching to %s",
			provider.Name, c.providers[c.active].Name)
	} else {
		monitoring.Logf("tiles: provider chain exhausted, keeping %s", provider.Name)
	}
}

func (c *Cache) fetchWithRetry(ctx context.Context, provider Provider, key Key) (image.Image, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.cfg.BackoffBase << (attempt - 1)
			select {
			case <-c.clock.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		img, err := c.fetchOnce(ctx, provider, key)
		if err == nil {
			return img, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("tile %s %d/%d/%d: %w", provider.Name, key.Zoom, key.X, key.Y, lastErr)
}

func (c *Cache) fetchOnce(ctx context.Context, provider Provider, key Key) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.URL(key), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return img, nil
}

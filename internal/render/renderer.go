// Package render composes map frames: imagery tiles, the movement trail,
// the accuracy circle, and the position marker, all projected through one
// shared Origin per frame. A coalescing Scheduler drives it so at most one
// frame is in flight at a time.
package render

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"math"
	"sync"
	"time"

	"github.com/fogleman/gg"

	"github.com/wayfarer-gps/wayfarer/internal/geo"
	"github.com/wayfarer-gps/wayfarer/internal/tiles"
	"github.com/wayfarer-gps/wayfarer/internal/timeutil"
	"github.com/wayfarer-gps/wayfarer/internal/track"
	"github.com/wayfarer-gps/wayfarer/internal/view"
)

// movingSpeedMps is the speed above which the marker shows a heading arrow.
const movingSpeedMps = 0.5

// haloPeriod is the cycle time of the pulsing halo drawn while tracking.
const haloPeriod = 2 * time.Second

// Config sizes the canvas. Width and Height are CSS pixels; PixelRatio
// scales the backing canvas for high-density displays.
type Config struct {
	Width      int
	Height     int
	PixelRatio int
	TileMargin int
}

// DefaultConfig returns a standard viewport.
func DefaultConfig() Config {
	return Config{
		Width:      800,
		Height:     600,
		PixelRatio: 1,
		TileMargin: 1,
	}
}

// Renderer draws frames from the latest tracker snapshot and view state. It
// never calls back into the tracker; both inputs are pulled through the
// registered suppliers at the start of each frame.
type Renderer struct {
	cfg   Config
	cache *tiles.Cache
	clock timeutil.Clock

	snapshot  func() track.Snapshot
	viewState func() view.State

	mu         sync.Mutex
	frame      image.Image
	markerPt   *view.Point
	lastCenter *view.Coordinate
}

// NewRenderer creates a renderer over the given tile cache and state
// suppliers. A nil clock falls back to the real clock.
func NewRenderer(cache *tiles.Cache, snapshot func() track.Snapshot, viewState func() view.State, clock timeutil.Clock, cfg Config) *Renderer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.PixelRatio < 1 {
		cfg.PixelRatio = 1
	}
	return &Renderer{
		cfg:       cfg,
		cache:     cache,
		clock:     clock,
		snapshot:  snapshot,
		viewState: viewState,
	}
}

// Render composes one frame and stores it as the latest.
func (r *Renderer) Render() {
	snap := r.snapshot()
	vs := r.viewState()

	center, ok := r.effectiveCenter(snap, vs)
	if !ok {
		r.renderIdle()
		return
	}

	ratio := float64(r.cfg.PixelRatio)
	w := r.cfg.Width * r.cfg.PixelRatio
	h := r.cfg.Height * r.cfg.PixelRatio
	origin := NewOrigin(center.Latitude, center.Longitude, vs.Zoom, ratio, w, h)

	dc := gg.NewContext(w, h)
	dc.SetRGB(0.12, 0.13, 0.15)
	dc.Clear()

	r.drawTiles(dc, origin)
	r.drawTrail(dc, origin, snap.Trail, ratio)

	var marker *view.Point
	if snap.Position != nil {
		mx, my := origin.Project(snap.Position.Latitude, snap.Position.Longitude)
		r.drawAccuracy(dc, origin, snap.Position, mx, my)
		if snap.Status == track.StatusTracking {
			r.drawHalo(dc, mx, my, ratio)
		}
		r.drawMarker(dc, snap.Position, mx, my, ratio)
		marker = &view.Point{X: mx / ratio, Y: my / ratio}
	}

	r.mu.Lock()
	r.frame = dc.Image()
	r.markerPt = marker
	r.lastCenter = &center
	r.mu.Unlock()
}

// renderIdle fills a blank frame for the pre-first-fix state.
func (r *Renderer) renderIdle() {
	dc := gg.NewContext(r.cfg.Width*r.cfg.PixelRatio, r.cfg.Height*r.cfg.PixelRatio)
	dc.SetRGB(0.12, 0.13, 0.15)
	dc.Clear()

	r.mu.Lock()
	r.frame = dc.Image()
	r.markerPt = nil
	r.mu.Unlock()
}

// effectiveCenter resolves what the frame is centered on: the manual center
// when follow mode is off, else the live position, else the last-known
// center.
func (r *Renderer) effectiveCenter(snap track.Snapshot, vs view.State) (view.Coordinate, bool) {
	if !vs.Follow && vs.Center != nil {
		return *vs.Center, true
	}
	if snap.Position != nil {
		return view.Coordinate{Latitude: snap.Position.Latitude, Longitude: snap.Position.Longitude}, true
	}
	if vs.Center != nil {
		return *vs.Center, true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastCenter != nil {
		return *r.lastCenter, true
	}
	return view.Coordinate{}, false
}

func (r *Renderer) drawTiles(dc *gg.Context, origin Origin) {
	size := origin.TilePixelSize()
	for _, tc := range origin.CoveringTiles(r.cfg.TileMargin) {
		img, ok := r.cache.Get(context.Background(), origin.TileZoom(), tc.X, tc.Y, r.cfg.PixelRatio)
		if !ok || img == nil {
			// Placeholder: slightly lighter panel with a hairline border.
			dc.SetRGB(0.16, 0.17, 0.19)
			dc.DrawRectangle(tc.ScreenX, tc.ScreenY, size, size)
			dc.Fill()
			dc.SetRGBA(1, 1, 1, 0.04)
			dc.SetLineWidth(1)
			dc.DrawRectangle(tc.ScreenX, tc.ScreenY, size, size)
			dc.Stroke()
			continue
		}
		bounds := img.Bounds()
		k := size / float64(bounds.Dx())
		dc.Push()
		dc.Translate(tc.ScreenX, tc.ScreenY)
		dc.Scale(k, k)
		dc.DrawImage(img, 0, 0)
		dc.Pop()
	}
}

// drawTrail strokes the trail twice: a wide dark casing, then a narrower
// bright line on top, so the path reads over both dark and light imagery.
func (r *Renderer) drawTrail(dc *gg.Context, origin Origin, trail []track.TrailPoint, ratio float64) {
	if len(trail) < 2 {
		return
	}

	dc.SetLineCapRound()
	dc.SetLineJoinRound()

	buildPath := func() {
		x, y := origin.Project(trail[0].Latitude, trail[0].Longitude)
		dc.MoveTo(x, y)
		for _, p := range trail[1:] {
			x, y = origin.Project(p.Latitude, p.Longitude)
			dc.LineTo(x, y)
		}
	}

	buildPath()
	dc.SetRGBA(0.05, 0.08, 0.15, 0.9)
	dc.SetLineWidth(6 * ratio)
	dc.Stroke()

	buildPath()
	dc.SetRGBA(0.27, 0.64, 1.0, 1.0)
	dc.SetLineWidth(3 * ratio)
	dc.Stroke()
}

func (r *Renderer) drawAccuracy(dc *gg.Context, origin Origin, pos *track.Position, mx, my float64) {
	zoom := float64(origin.TileZoom()) + math.Log2(origin.scale)
	radius := geo.AccuracyRadiusPixels(pos.AccuracyMeters, pos.Latitude, zoom)
	if radius < 2 {
		return
	}
	dc.SetRGBA(0.27, 0.64, 1.0, 0.12)
	dc.DrawCircle(mx, my, radius)
	dc.Fill()
	dc.SetRGBA(0.27, 0.64, 1.0, 0.35)
	dc.SetLineWidth(1)
	dc.DrawCircle(mx, my, radius)
	dc.Stroke()
}

// drawHalo pulses outward on a fixed period while actively tracking.
func (r *Renderer) drawHalo(dc *gg.Context, mx, my, ratio float64) {
	elapsed := r.clock.Now().UnixMilli() % haloPeriod.Milliseconds()
	phase := float64(elapsed) / float64(haloPeriod.Milliseconds())

	radius := (8 + phase*18) * ratio
	alpha := 0.4 * (1 - phase)
	dc.SetRGBA(0.27, 0.64, 1.0, alpha)
	dc.SetLineWidth(2 * ratio)
	dc.DrawCircle(mx, my, radius)
	dc.Stroke()
}

// drawMarker draws the position dot, rotated into a heading arrow when the
// device is moving fast enough for the heading to mean anything.
func (r *Renderer) drawMarker(dc *gg.Context, pos *track.Position, mx, my, ratio float64) {
	moving := pos.SpeedMps != nil && *pos.SpeedMps > movingSpeedMps && pos.HeadingDeg != nil

	if moving {
		dc.Push()
		dc.Translate(mx, my)
		dc.Rotate(gg.Radians(*pos.HeadingDeg))
		// Arrowhead pointing up (north before rotation).
		s := 9 * ratio
		dc.MoveTo(0, -s*1.4)
		dc.LineTo(s, s)
		dc.LineTo(0, s*0.4)
		dc.LineTo(-s, s)
		dc.ClosePath()
		dc.SetRGB(0.27, 0.64, 1.0)
		dc.FillPreserve()
		dc.SetRGB(1, 1, 1)
		dc.SetLineWidth(2 * ratio)
		dc.Stroke()
		dc.Pop()
		return
	}

	dc.SetRGB(0.27, 0.64, 1.0)
	dc.DrawCircle(mx, my, 7*ratio)
	dc.Fill()
	dc.SetRGB(1, 1, 1)
	dc.SetLineWidth(2.5 * ratio)
	dc.DrawCircle(mx, my, 7*ratio)
	dc.Stroke()
}

// Frame returns the most recently rendered frame, rendering one on demand
// if none exists yet.
func (r *Renderer) Frame() image.Image {
	r.mu.Lock()
	frame := r.frame
	r.mu.Unlock()
	if frame == nil {
		r.Render()
		r.mu.Lock()
		frame = r.frame
		r.mu.Unlock()
	}
	return frame
}

// PNG encodes the latest frame.
func (r *Renderer) PNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, r.Frame()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarkerScreen reports the marker's position in CSS pixels on the latest
// frame, for gesture hit testing.
func (r *Renderer) MarkerScreen() (view.Point, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markerPt == nil {
		return view.Point{}, false
	}
	return *r.markerPt, true
}

// Package view holds the map view state and the gesture controller that
// mutates it. The controller consumes pointer, touch, and wheel events and
// produces pan/zoom changes; it also manages follow-mode engagement.
package view

import (
	"math"
	"sync"

	"github.com/wayfarer-gps/wayfarer/internal/geo"
)

// Zoom bounds and gesture tuning.
const (
	MinZoom     = 3.0
	MaxZoom     = 19.0
	DefaultZoom = 16.0

	// ZoomStep is the fixed increment for wheel and button zoom.
	ZoomStep = 1.0

	// MarkerTapRadiusPx is the hit-test radius around the rendered marker
	// within which a tap is a detail request instead of a drag.
	MarkerTapRadiusPx = 20.0

	// tapSlopPx is the maximum pointer travel for a gesture to still count
	// as a tap.
	tapSlopPx = 5.0
)

// Coordinate is a geographic point.
type Coordinate struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// Point is a screen-space position in CSS pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// State is the shared map view state read by the renderer each frame.
// Center is nil until the user pans or a position arrives; Follow means the
// view tracks the live position instead of a manual center.
type State struct {
	Center *Coordinate `json:"center,omitempty"`
	Zoom   float64     `json:"zoom"`
	Follow bool        `json:"follow"`
}

// Phase labels the lifecycle of a pointer or touch gesture.
type Phase string

const (
	PhaseStart Phase = "start"
	PhaseMove  Phase = "move"
	PhaseEnd   Phase = "end"
)

// PointerEvent is a single-pointer (mouse or single-finger) event.
type PointerEvent struct {
	Phase Phase `json:"phase"`
	Point Point `json:"point"`
}

// TouchEvent is a multi-touch event; two points form a pinch.
type TouchEvent struct {
	Phase  Phase   `json:"phase"`
	Points []Point `json:"points"`
}

// WheelEvent is a scroll-wheel zoom event.
type WheelEvent struct {
	DeltaY float64 `json:"delta_y"`
}

// Controller converts input events into view state changes. It is safe for
// concurrent use; the HTTP gesture endpoint and the renderer read and write
// through it from different goroutines.
type Controller struct {
	mu    sync.Mutex
	state State

	dragging bool
	lastPt   Point
	moved    float64

	pinching       bool
	pinchStartZoom float64
	pinchStartDist float64

	// positionAt supplies the last tracked coordinate so a pan can start
	// from the live view even before any manual center exists.
	positionAt func() *Coordinate
	// markerAt supplies the marker's current screen position for tap hit
	// tests.
	markerAt    func() (Point, bool)
	onMarkerTap func()
}

// NewController creates a controller in follow mode at the default zoom.
func NewController() *Controller {
	return &Controller{
		state: State{Zoom: DefaultZoom, Follow: true},
	}
}

// SetPositionSource registers the supplier of the last tracked coordinate.
func (c *Controller) SetPositionSource(fn func() *Coordinate) {
	c.mu.Lock()
	c.positionAt = fn
	c.mu.Unlock()
}

// SetMarkerHitTest registers the marker screen-position supplier and the
// detail-request callback fired on a marker tap.
func (c *Controller) SetMarkerHitTest(at func() (Point, bool), onTap func()) {
	c.mu.Lock()
	c.markerAt = at
	c.onMarkerTap = onTap
	c.mu.Unlock()
}

// State returns a copy of the current view state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	if c.state.Center != nil {
		center := *c.state.Center
		s.Center = &center
	}
	return s
}

// SetZoom sets the zoom level, clamped to the valid range.
func (c *Controller) SetZoom(zoom float64) {
	c.mu.Lock()
	c.state.Zoom = clampZoom(zoom)
	c.mu.Unlock()
}

// Recenter snaps the view back onto the tracked position and re-engages
// follow mode.
func (c *Controller) Recenter() {
	c.mu.Lock()
	if c.positionAt != nil {
		if pos := c.positionAt(); pos != nil {
			c.state.Center = pos
		}
	}
	c.state.Follow = true
	c.mu.Unlock()
}

// HandlePointer processes a single-pointer event: drags pan the map, a tap
// near the marker requests the detail view.
func (c *Controller) HandlePointer(ev PointerEvent) {
	var tapped func()

	c.mu.Lock()
	switch ev.Phase {
	case PhaseStart:
		c.dragging = true
		c.lastPt = ev.Point
		c.moved = 0
	case PhaseMove:
		if !c.dragging {
			break
		}
		dx := ev.Point.X - c.lastPt.X
		dy := ev.Point.Y - c.lastPt.Y
		c.moved += math.Hypot(dx, dy)
		if c.moved > tapSlopPx {
			c.panLocked(dx, dy)
		}
		c.lastPt = ev.Point
	case PhaseEnd:
		wasTap := c.dragging && c.moved <= tapSlopPx
		c.dragging = false
		if wasTap && c.markerAt != nil && c.onMarkerTap != nil {
			if m, ok := c.markerAt(); ok {
				if math.Hypot(ev.Point.X-m.X, ev.Point.Y-m.Y) <= MarkerTapRadiusPx {
					tapped = c.onMarkerTap
				}
			}
		}
	}
	c.mu.Unlock()

	if tapped != nil {
		tapped()
	}
}

// HandleTouch processes multi-touch events. Two points form a pinch whose
// zoom is computed about the zoom captured at gesture start, so a long
// pinch cannot accumulate drift.
func (c *Controller) HandleTouch(ev TouchEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Phase {
	case PhaseStart:
		if len(ev.Points) == 2 {
			c.pinching = true
			c.pinchStartZoom = c.state.Zoom
			c.pinchStartDist = pointDist(ev.Points[0], ev.Points[1])
		}
	case PhaseMove:
		if !c.pinching || len(ev.Points) != 2 || c.pinchStartDist <= 0 {
			return
		}
		d := pointDist(ev.Points[0], ev.Points[1])
		if d <= 0 {
			return
		}
		c.state.Zoom = clampZoom(c.pinchStartZoom + math.Log2(d/c.pinchStartDist))
		c.state.Follow = false
	case PhaseEnd:
		c.pinching = false
	}
}

// HandleWheel processes a scroll-wheel zoom: one fixed increment per event.
func (c *Controller) HandleWheel(ev WheelEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.DeltaY < 0 {
		c.state.Zoom = clampZoom(c.state.Zoom + ZoomStep)
	} else if ev.DeltaY > 0 {
		c.state.Zoom = clampZoom(c.state.Zoom - ZoomStep)
	}
}

// panLocked shifts the center by a screen-pixel delta. The delta is mapped
// through the current world-pixel scale, so a one-pixel drag moves the map
// exactly one pixel regardless of zoom or latitude.
func (c *Controller) panLocked(dxPx, dyPx float64) {
	base := c.state.Center
	if base == nil && c.positionAt != nil {
		base = c.positionAt()
	}
	if base == nil {
		return
	}

	worldPx := geo.TileSize * math.Exp2(c.state.Zoom)
	x, y := geo.GeoToTile(geo.ClampLat(base.Latitude), base.Longitude, 0)
	x -= dxPx / worldPx
	y -= dyPx / worldPx
	y = math.Max(0, math.Min(1, y))
	x = math.Mod(math.Mod(x, 1)+1, 1)

	lat, lon := geo.TileToGeo(x, y, 0)
	c.state.Center = &Coordinate{Latitude: lat, Longitude: lon}
	c.state.Follow = false
}

func clampZoom(z float64) float64 {
	if z < MinZoom {
		return MinZoom
	}
	if z > MaxZoom {
		return MaxZoom
	}
	return z
}

func pointDist(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

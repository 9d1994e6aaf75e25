package render

import (
	"math"
	"sort"

	"github.com/wayfarer-gps/wayfarer/internal/geo"
)

// Origin is the single projection reference for one frame. It fixes the
// integer tile zoom and the world-pixel offset of the canvas once, and every
// drawable projects through it. Computing offsets per element, or per
// fractional zoom step, is exactly how markers start drifting off the tile
// grid; the shared origin removes that structurally.
type Origin struct {
	tileZoom int
	// scale is canvas pixels per world pixel at tileZoom. It folds together
	// the fractional zoom residual and the device pixel ratio.
	scale float64
	// offsetX/offsetY are the canvas coordinates of the world origin.
	offsetX float64
	offsetY float64
	width   float64
	height  float64
}

// NewOrigin fixes the projection for a frame: canvas dimensions are device
// pixels, zoom may be fractional, pixelRatio is the device pixel ratio.
func NewOrigin(centerLat, centerLon, zoom float64, pixelRatio float64, width, height int) Origin {
	tz := int(math.Round(zoom))
	scale := math.Exp2(zoom-float64(tz)) * pixelRatio

	cx, cy := geo.GeoToTile(geo.ClampLat(centerLat), centerLon, tz)
	o := Origin{
		tileZoom: tz,
		scale:    scale,
		width:    float64(width),
		height:   float64(height),
	}
	o.offsetX = o.width/2 - cx*geo.TileSize*scale
	o.offsetY = o.height/2 - cy*geo.TileSize*scale
	return o
}

// TileZoom is the integer zoom tiles are fetched at.
func (o Origin) TileZoom() int {
	return o.tileZoom
}

// Project maps a geographic coordinate to canvas pixels.
func (o Origin) Project(lat, lon float64) (x, y float64) {
	tx, ty := geo.GeoToTile(geo.ClampLat(lat), lon, o.tileZoom)
	return tx*geo.TileSize*o.scale + o.offsetX, ty*geo.TileSize*o.scale + o.offsetY
}

// TilePixelSize is the on-canvas edge length of one tile.
func (o Origin) TilePixelSize() float64 {
	return geo.TileSize * o.scale
}

// TileScreenPos returns the canvas position of a tile's top-left corner.
func (o Origin) TileScreenPos(tx, ty int) (x, y float64) {
	size := o.TilePixelSize()
	return float64(tx)*size + o.offsetX, float64(ty)*size + o.offsetY
}

// CoveringTiles lists the tiles intersecting the canvas plus a margin ring,
// ordered nearest the canvas center first so the middle of the view fills
// in before the edges. X is wrapped around the antimeridian; Y is clamped.
func (o Origin) CoveringTiles(margin int) []TileCoord {
	size := o.TilePixelSize()
	n := 1 << o.tileZoom

	x0 := int(math.Floor(-o.offsetX/size)) - margin
	x1 := int(math.Floor((o.width-o.offsetX)/size)) + margin
	y0 := int(math.Floor(-o.offsetY/size)) - margin
	y1 := int(math.Floor((o.height-o.offsetY)/size)) + margin

	cx := o.width / 2
	cy := o.height / 2

	var coords []TileCoord
	for ty := y0; ty <= y1; ty++ {
		if ty < 0 || ty >= n {
			continue
		}
		for tx := x0; tx <= x1; tx++ {
			sx, sy := o.TileScreenPos(tx, ty)
			d := math.Hypot(sx+size/2-cx, sy+size/2-cy)
			wrapped := ((tx % n) + n) % n
			coords = append(coords, TileCoord{X: wrapped, Y: ty, ScreenX: sx, ScreenY: sy, dist: d})
		}
	}
	sort.Slice(coords, func(i, j int) bool { return coords[i].dist < coords[j].dist })
	return coords
}

// TileCoord is one tile to draw: wrapped grid coordinates plus the screen
// position it should be drawn at.
type TileCoord struct {
	X, Y             int
	ScreenX, ScreenY float64
	dist             float64
}

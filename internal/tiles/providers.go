package tiles

import (
	"strconv"
	"strings"
)

// Provider is one tile imagery endpoint. The URL template understands
// {z}/{x}/{y} plus {r}, which expands to "@2x" for scale 2 and to nothing
// for scale 1.
type Provider struct {
	Name     string
	Template string
	MaxZoom  int
}

// URL expands the template for one tile.
func (p Provider) URL(key Key) string {
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(key.Zoom),
		"{x}", strconv.Itoa(key.X),
		"{y}", strconv.Itoa(key.Y),
		"{r}", scaleSuffix(key.Scale),
	)
	return r.Replace(p.Template)
}

func scaleSuffix(scale int) string {
	if scale >= 2 {
		return "@2x"
	}
	return ""
}

// DefaultProviders returns the failover chain: two satellite imagery
// sources, then an open street base map as the last resort.
func DefaultProviders() []Provider {
	return []Provider{
		{
			Name:     "esri-world-imagery",
			Template: "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}",
			MaxZoom:  19,
		},
		{
			Name:     "stadia-satellite",
			Template: "https://tiles.stadiamaps.com/tiles/alidade_satellite/{z}/{x}/{y}{r}.jpg",
			MaxZoom:  20,
		},
		{
			Name:     "osm-base",
			Template: "https://tile.openstreetmap.org/{z}/{x}/{y}.png",
			MaxZoom:  19,
		},
	}
}

// Package geo provides the Web Mercator projection math shared by the tile
// cache, the renderer, and the gesture controller. Everything in this package
// is a pure function of its inputs; per-frame projection state (the shared
// world-pixel origin) lives in the renderer.
package geo

import "math"

const (
	// TileSize is the edge length of a slippy-map tile in pixels.
	TileSize = 256

	// EarthCircumferenceMeters is the equatorial circumference used for
	// ground-resolution calculations.
	EarthCircumferenceMeters = 40075017

	// MaxMercatorLat is the latitude bound of the Web Mercator projection.
	// Tile coordinates are undefined beyond it.
	MaxMercatorLat = 85.05112878

	// EarthRadiusMeters is the mean Earth radius used for great-circle
	// distances.
	EarthRadiusMeters = 6371000
)

// GeoToTile converts a geographic coordinate to fractional tile coordinates
// at integer zoom z. The world at zoom z is a 2^z by 2^z tile grid.
func GeoToTile(lat, lon float64, z int) (x, y float64) {
	n := math.Exp2(float64(z))
	latRad := lat * math.Pi / 180
	x = (lon + 180) / 360 * n
	y = (1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * n
	return x, y
}

// TileToGeo is the inverse of GeoToTile: fractional tile coordinates at
// integer zoom z back to latitude/longitude.
func TileToGeo(x, y float64, z int) (lat, lon float64) {
	n := math.Exp2(float64(z))
	lon = x/n*360 - 180
	latRad := math.Atan(math.Sinh(math.Pi * (1 - 2*y/n)))
	lat = latRad * 180 / math.Pi
	return lat, lon
}

// MetersPerPixel returns the ground resolution at the given latitude and
// (possibly fractional) zoom level.
func MetersPerPixel(lat, zoom float64) float64 {
	latRad := lat * math.Pi / 180
	return EarthCircumferenceMeters * math.Cos(latRad) / (TileSize * math.Exp2(zoom))
}

// AccuracyRadiusPixels converts a device-reported accuracy radius in meters
// to on-screen pixels at the given latitude and zoom.
func AccuracyRadiusPixels(accuracyMeters, lat, zoom float64) float64 {
	mpp := MetersPerPixel(lat, zoom)
	if mpp <= 0 {
		return 0
	}
	return accuracyMeters / mpp
}

// DistanceMeters returns the great-circle (haversine) distance between two
// coordinates in meters.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// InitialBearing returns the initial great-circle bearing from the first
// coordinate towards the second, in degrees clockwise from true north,
// normalised to [0, 360).
func InitialBearing(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// ClampLat limits a latitude to the Web Mercator valid range.
func ClampLat(lat float64) float64 {
	if lat > MaxMercatorLat {
		return MaxMercatorLat
	}
	if lat < -MaxMercatorLat {
		return -MaxMercatorLat
	}
	return lat
}

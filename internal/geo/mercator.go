// Package geo converts between WGS84 coordinates and the spherical mercator
// plane (EPSG:3857) used by the map and the interpolation grid.
package geo

import "math"

// EarthRadius is the WGS84 semi-major axis in metres.
const EarthRadius = 6378137.0

// maxLatitude is where EPSG:3857 is clipped.
const maxLatitude = 85.05112878

// Merc projects lon/lat degrees to mercator metres.
func Merc(lon, lat float64) (x, y float64) {
	lat = math.Max(-maxLatitude, math.Min(maxLatitude, lat))
	x = EarthRadius * lon * math.Pi / 180
	y = EarthRadius * math.Log(math.Tan(math.Pi/4+lat*math.Pi/360))
	return x, y
}

// LonLat is the inverse of Merc.
func LonLat(x, y float64) (lon, lat float64) {
	lon = x / EarthRadius * 180 / math.Pi
	lat = (2*math.Atan(math.Exp(y/EarthRadius)) - math.Pi/2) * 180 / math.Pi
	return lon, lat
}

// MercAll projects parallel lon/lat slices.
func MercAll(lons, lats []float64) (xs, ys []float64) {
	n := min(len(lons), len(lats))
	xs = make([]float64, n)
	ys = make([]float64, n)
	for i := range n {
		xs[i], ys[i] = Merc(lons[i], lats[i])
	}
	return xs, ys
}

// LonLatAll unprojects parallel x/y slices.
func LonLatAll(xs, ys []float64) (lons, lats []float64) {
	n := min(len(xs), len(ys))
	lons = make([]float64, n)
	lats = make([]float64, n)
	for i := range n {
		lons[i], lats[i] = LonLat(xs[i], ys[i])
	}
	return lons, lats
}

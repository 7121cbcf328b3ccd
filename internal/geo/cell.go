package geo

import "math"

// CellRadiusMeters is the half-extent of one mobility grid cell.
const CellRadiusMeters = 250

// metersPerDegreeLat is the plate carrée meters spanned by one degree of
// latitude, shared with the ellipse overlay math.
const metersPerDegreeLat = 111320

// MetersPerDegreeLon returns the east-west meters spanned by one degree
// of longitude at the given latitude. The cosine is floored so extreme
// latitudes keep a finite cell extent.
func MetersPerDegreeLon(lat float64) float64 {
	c := math.Cos(lat * math.Pi / 180)
	if c < 0.1 {
		c = 0.1
	}
	return metersPerDegreeLat * c
}

// MetersPerDegreeLat returns the meters spanned by one degree of latitude.
func MetersPerDegreeLat() float64 { return metersPerDegreeLat }

// CellHalfLon returns a cell's half-extent in longitude degrees at the
// given latitude.
func CellHalfLon(lat float64) float64 {
	return CellRadiusMeters / MetersPerDegreeLon(lat)
}

// CellHalfLat returns a cell's half-extent in latitude degrees.
func CellHalfLat() float64 {
	return float64(CellRadiusMeters) / metersPerDegreeLat
}

// Bounds is a lon/lat bounding box.
type Bounds struct {
	MinLon float64
	MinLat float64
	MaxLon float64
	MaxLat float64
}

// EmptyBounds returns a box that any Extend call will replace.
func EmptyBounds() Bounds {
	return Bounds{
		MinLon: math.Inf(1),
		MinLat: math.Inf(1),
		MaxLon: math.Inf(-1),
		MaxLat: math.Inf(-1),
	}
}

// Extend grows the box to include the point.
func (b *Bounds) Extend(lon, lat float64) {
	if lon < b.MinLon {
		b.MinLon = lon
	}
	if lon > b.MaxLon {
		b.MaxLon = lon
	}
	if lat < b.MinLat {
		b.MinLat = lat
	}
	if lat > b.MaxLat {
		b.MaxLat = lat
	}
}

// Valid reports whether the box contains at least one point.
func (b Bounds) Valid() bool {
	return b.MinLon <= b.MaxLon && b.MinLat <= b.MaxLat
}

// Pad expands each side by the given fraction of the corresponding span.
// Zero-span axes get a small absolute margin so single-cell datasets
// still produce a usable box.
func (b Bounds) Pad(frac float64) Bounds {
	lonSpan := b.MaxLon - b.MinLon
	latSpan := b.MaxLat - b.MinLat
	if lonSpan == 0 {
		lonSpan = CellHalfLon(b.MinLat) * 4
	}
	if latSpan == 0 {
		latSpan = CellHalfLat() * 4
	}
	return Bounds{
		MinLon: b.MinLon - lonSpan*frac,
		MinLat: b.MinLat - latSpan*frac,
		MaxLon: b.MaxLon + lonSpan*frac,
		MaxLat: b.MaxLat + latSpan*frac,
	}
}

// Center returns the box midpoint.
func (b Bounds) Center() (lon, lat float64) {
	return (b.MinLon + b.MaxLon) / 2, (b.MinLat + b.MaxLat) / 2
}

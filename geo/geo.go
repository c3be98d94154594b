// Package geo holds the coordinate types used to select instances by
// service area. Only axis-aligned box tests are provided; anything more
// precise belongs to the backends.
package geo

import "fmt"

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// Bounds is an axis-aligned coordinate box, inclusive on all edges.
type Bounds struct {
	MinLat float64 `json:"minLat" yaml:"minLat"`
	MinLon float64 `json:"minLon" yaml:"minLon"`
	MaxLat float64 `json:"maxLat" yaml:"maxLat"`
	MaxLon float64 `json:"maxLon" yaml:"maxLon"`
}

// NewBounds builds the box spanned by two corners given in any order.
func NewBounds(lat1, lon1, lat2, lon2 float64) Bounds {
	return Bounds{
		MinLat: min(lat1, lat2),
		MinLon: min(lon1, lon2),
		MaxLat: max(lat1, lat2),
		MaxLon: max(lon1, lon2),
	}
}

// Intersects reports whether b and o share at least one point.
func (b Bounds) Intersects(o Bounds) bool {
	return b.MinLat <= o.MaxLat && o.MinLat <= b.MaxLat &&
		b.MinLon <= o.MaxLon && o.MinLon <= b.MaxLon
}

// Contains reports whether p lies inside b.
func (b Bounds) Contains(p Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat &&
		p.Lon >= b.MinLon && p.Lon <= b.MaxLon
}

func (b Bounds) String() string {
	return fmt.Sprintf("[%g,%g → %g,%g]", b.MinLat, b.MinLon, b.MaxLat, b.MaxLon)
}

// Area is a service area made of one or more boxes.
type Area []Bounds

// Intersects reports whether any box of a intersects q.
func (a Area) Intersects(q Bounds) bool {
	for _, b := range a {
		if b.Intersects(q) {
			return true
		}
	}
	return false
}

// Contains reports whether any box of a contains p.
func (a Area) Contains(p Point) bool {
	for _, b := range a {
		if b.Contains(p) {
			return true
		}
	}
	return false
}

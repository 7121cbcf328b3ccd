package overlay

import (
	"sort"

	"github.com/golang/geo/s2"

	"github.com/gridflow/annotator/internal/dataset"
)

// Ring is an ordered list of [lon, lat] vertices.
type Ring [][2]float64

// Boundary is one named outline with its polygon rings.
type Boundary struct {
	Name  string `json:"name"`
	Rings []Ring `json:"rings"`
}

// CityHulls computes one convex hull per city as a fallback outline
// when administrative boundaries are unavailable. Each city's cells are
// downsampled to at most maxPoints centroids before the hull query.
func CityHulls(cells []dataset.Cell, maxPoints int) []Boundary {
	if maxPoints <= 0 {
		maxPoints = 500
	}
	byCity := make(map[string][]dataset.Cell)
	for _, c := range cells {
		byCity[c.CityName] = append(byCity[c.CityName], c)
	}

	names := make([]string, 0, len(byCity))
	for name := range byCity {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Boundary
	for _, name := range names {
		group := byCity[name]
		stride := 1
		if len(group) > maxPoints {
			stride = (len(group) + maxPoints - 1) / maxPoints
		}
		query := s2.NewConvexHullQuery()
		for i := 0; i < len(group); i += stride {
			c := group[i]
			query.AddPoint(s2.PointFromLatLng(s2.LatLngFromDegrees(c.Lat, c.Lon)))
		}
		hull := query.ConvexHull()
		if hull == nil || len(hull.Vertices()) < 3 {
			continue
		}
		ring := make(Ring, 0, len(hull.Vertices()))
		for _, v := range hull.Vertices() {
			ll := s2.LatLngFromPoint(v)
			ring = append(ring, [2]float64{ll.Lng.Degrees(), ll.Lat.Degrees()})
		}
		out = append(out, Boundary{Name: name, Rings: []Ring{ring}})
	}
	return out
}

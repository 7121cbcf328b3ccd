// Package dataset holds the immutable cell snapshot the engine renders
// and annotates. A snapshot owns its spatial index; dataset changes are
// made by building a replacement snapshot, never by patching one.
package dataset

import (
	"strings"

	"github.com/gridflow/annotator/internal/geo"
	"github.com/gridflow/annotator/internal/spatial"
)

// Cell is one 250m mobility grid cell, keyed by the store's grid_id.
type Cell struct {
	GridID   int     `json:"grid_id"`
	Lon      float64 `json:"lon"`
	Lat      float64 `json:"lat"`
	CityName string  `json:"city_name,omitempty"`
	AreaName string  `json:"area_name,omitempty"`
}

// Filter narrows the visible cell set. City and Area match exactly,
// Keyword matches a case-insensitive substring of either name.
type Filter struct {
	City    string `json:"city_name,omitempty"`
	Area    string `json:"area_name,omitempty"`
	Keyword string `json:"keyword,omitempty"`
}

// IsZero reports whether the filter passes everything.
func (f Filter) IsZero() bool {
	return f.City == "" && f.Area == "" && f.Keyword == ""
}

// Match reports whether the cell passes the filter.
func (f Filter) Match(c Cell) bool {
	if f.City != "" && c.CityName != f.City {
		return false
	}
	if f.Area != "" && c.AreaName != f.Area {
		return false
	}
	if f.Keyword != "" {
		kw := strings.ToLower(f.Keyword)
		if !strings.Contains(strings.ToLower(c.CityName), kw) &&
			!strings.Contains(strings.ToLower(c.AreaName), kw) {
			return false
		}
	}
	return true
}

// Snapshot is a filtered cell set with bounds and a quadtree, built in
// one pass and immutable afterwards.
type Snapshot struct {
	cells  []Cell
	byID   map[int]*Cell
	bounds geo.Bounds
	index  *spatial.Index
	filter Filter
}

// NewSnapshot filters the cells, computes bounds and builds the index.
// This constructor is the only index writer.
func NewSnapshot(cells []Cell, filter Filter) *Snapshot {
	s := &Snapshot{
		byID:   make(map[int]*Cell),
		bounds: geo.EmptyBounds(),
		filter: filter,
	}
	for _, c := range cells {
		if !filter.Match(c) {
			continue
		}
		s.cells = append(s.cells, c)
	}
	points := make([]spatial.Point, len(s.cells))
	for i := range s.cells {
		c := &s.cells[i]
		s.byID[c.GridID] = c
		s.bounds.Extend(c.Lon, c.Lat)
		points[i] = spatial.Point{ID: c.GridID, X: c.Lon, Y: c.Lat}
	}
	s.index = spatial.New(points)
	return s
}

// Cells returns the filtered cells. Callers must not mutate them.
func (s *Snapshot) Cells() []Cell { return s.cells }

// Len returns the number of cells in the snapshot.
func (s *Snapshot) Len() int { return len(s.cells) }

// Filter returns the filter the snapshot was built with.
func (s *Snapshot) Filter() Filter { return s.filter }

// Bounds returns the lon/lat box of the filtered cells.
func (s *Snapshot) Bounds() geo.Bounds { return s.bounds }

// ByID looks a cell up by grid id.
func (s *Snapshot) ByID(id int) (*Cell, bool) {
	c, ok := s.byID[id]
	return c, ok
}

// Nearest returns the closest cell within maxRadius degrees of the
// given location, or false when nothing is in range.
func (s *Snapshot) Nearest(lon, lat, maxRadius float64) (*Cell, bool) {
	p, ok := s.index.Nearest(lon, lat, maxRadius)
	if !ok {
		return nil, false
	}
	return s.byID[p.ID], true
}

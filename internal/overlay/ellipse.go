// Package overlay loads auxiliary display layers: confidence ellipses,
// administrative boundary rings and computed city hulls.
package overlay

import (
	"encoding/json"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/rotisserie/eris"
)

// LonLat is a geographic position.
type LonLat struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// Axes are ellipse semi-axes in meters.
type Axes struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// Ellipse is one confidence ellipse for a grid cell and year.
type Ellipse struct {
	GridID   int     `json:"grid_id"`
	Center   LonLat  `json:"center"`
	Axes     Axes    `json:"axes"`
	AngleDeg float64 `json:"angle_deg"`
}

// Set holds ellipses keyed by year and grid id.
type Set struct {
	byYear map[int]map[int]Ellipse
}

type ellipseFile struct {
	Years map[string][]Ellipse `json:"years"`
}

// LoadEllipses reads an ellipse file, transparently decompressing
// .zst payloads. Records with non-finite or non-positive axes are
// dropped; the year keys must be integers.
func LoadEllipses(path string) (*Set, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read ellipse file %s", path)
	}
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, eris.Wrap(err, "create zstd decoder")
		}
		defer dec.Close()
		raw, err = dec.DecodeAll(raw, nil)
		if err != nil {
			return nil, eris.Wrapf(err, "decompress ellipse file %s", path)
		}
	}

	var file ellipseFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, eris.Wrapf(err, "parse ellipse file %s", path)
	}

	set := &Set{byYear: make(map[int]map[int]Ellipse)}
	for yearKey, records := range file.Years {
		year, err := strconv.Atoi(yearKey)
		if err != nil {
			return nil, eris.Errorf("ellipse file %s: bad year key %q", path, yearKey)
		}
		for _, e := range records {
			if !validEllipse(e) {
				continue
			}
			m := set.byYear[year]
			if m == nil {
				m = make(map[int]Ellipse)
				set.byYear[year] = m
			}
			m[e.GridID] = e
		}
	}
	return set, nil
}

func validEllipse(e Ellipse) bool {
	for _, v := range []float64{e.Center.Lon, e.Center.Lat, e.Axes.A, e.Axes.B, e.AngleDeg} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return e.Axes.A > 0 && e.Axes.B > 0
}

// For returns the ellipse for a grid cell in a given year.
func (s *Set) For(year, gridID int) (Ellipse, bool) {
	if s == nil {
		return Ellipse{}, false
	}
	e, ok := s.byYear[year][gridID]
	return e, ok
}

// Years lists the years with at least one ellipse, ascending.
func (s *Set) Years() []int {
	if s == nil {
		return nil
	}
	years := make([]int, 0, len(s.byYear))
	for y := range s.byYear {
		years = append(years, y)
	}
	sort.Ints(years)
	return years
}

// Len returns the total ellipse count across years.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, m := range s.byYear {
		n += len(m)
	}
	return n
}

package store

import (
	"github.com/gridflow/annotator/internal/dataset"
	"github.com/gridflow/annotator/internal/overlay"
)

// FlowEdge is one origin-to-destination movement volume with both
// endpoints resolved to cells.
type FlowEdge struct {
	OGrid    int           `json:"o_grid"`
	DGrid    int           `json:"d_grid"`
	NumTotal float64       `json:"num_total"`
	O        *dataset.Cell `json:"o"`
	D        *dataset.Cell `json:"d"`
}

// FlowBundle is the flow neighborhood of one center cell for one year.
type FlowBundle struct {
	Center   *dataset.Cell `json:"center"`
	OutEdges []FlowEdge    `json:"out_edges"`
	InEdges  []FlowEdge    `json:"in_edges"`
}

// MaxVolume returns the largest edge volume in the bundle.
func (b *FlowBundle) MaxVolume() float64 {
	if b == nil {
		return 0
	}
	var mx float64
	for _, e := range b.OutEdges {
		if e.NumTotal > mx {
			mx = e.NumTotal
		}
	}
	for _, e := range b.InEdges {
		if e.NumTotal > mx {
			mx = e.NumTotal
		}
	}
	return mx
}

// FlowQuery selects the flow neighborhood to fetch.
type FlowQuery struct {
	GridID    int
	Year      int
	AllYears  bool
	Direction string // "out", "in" or "both"
	TopK      int
	Coverage  float64 // cumulative volume share cutoff, 0 disables
}

// HourlyYear holds week series of 24 hourly values per metric.
type HourlyYear struct {
	Out   [][]float64 `json:"out"`
	In    [][]float64 `json:"in"`
	Total [][]float64 `json:"total"`
}

// HourlySeries maps year to its hourly series.
type HourlySeries map[int]HourlyYear

// HeatValue is one cell's intensity.
type HeatValue struct {
	GridID int     `json:"grid_id"`
	V      float64 `json:"v"`
}

// HeatResponse is the store's heat payload with normalization stats.
type HeatResponse struct {
	Values []HeatValue `json:"values"`
	Q95    float64     `json:"q95"`
	Max    float64     `json:"max"`
	N      int         `json:"n"`
}

// Field converts the payload into a renderable heat field.
func (h *HeatResponse) Field() *dataset.HeatField {
	if h == nil {
		return nil
	}
	f := &dataset.HeatField{
		Values: make(map[int]float64, len(h.Values)),
		Q95:    h.Q95,
		Max:    h.Max,
	}
	for _, v := range h.Values {
		f.Values[v.GridID] = v.V
	}
	return f
}

// QueueState mirrors the store's persisted queue document.
type QueueState struct {
	Queue   []int          `json:"queue"`
	Index   int            `json:"index"`
	Filters dataset.Filter `json:"filters"`
	Seed    *int64         `json:"seed"`
}

// StartRequest configures a new labeling queue.
type StartRequest struct {
	Count      int      `json:"count"`
	City       string   `json:"city_name,omitempty"`
	Area       string   `json:"area_name,omitempty"`
	Keyword    string   `json:"keyword,omitempty"`
	LowPct     *float64 `json:"low_pct,omitempty"`
	LowValue   *float64 `json:"low_value,omitempty"`
	FilterYear *int     `json:"filter_year,omitempty"`
	Seed       *int64   `json:"seed,omitempty"`
}

// HasLowFilter reports whether the request asks for the low-traffic
// exclusion scan, the expensive option the degraded retry drops. Either
// the percentile or the absolute threshold triggers the scan.
func (r StartRequest) HasLowFilter() bool {
	return (r.LowPct != nil && *r.LowPct > 0) || (r.LowValue != nil && *r.LowValue > 0)
}

// StartResult is a queue start acknowledgment. Degraded marks results
// obtained by the post-probe retry without the low-traffic filter.
type StartResult struct {
	State    QueueState
	Degraded bool
	Note     string
}

// StepResponse acknowledges advance, back and set calls. HasMore is
// absent on set responses.
type StepResponse struct {
	Index   int  `json:"index"`
	HasMore bool `json:"has_more"`
	Current *int `json:"current"`
	Total   int  `json:"total"`
}

// LabelRecord is one stored annotation row.
type LabelRecord struct {
	GridID int     `json:"grid_id"`
	Lon    float64 `json:"lon,omitempty"`
	Lat    float64 `json:"lat,omitempty"`
	Label  int     `json:"label"`
	Remark string  `json:"remark,omitempty"`
}

// StatsResponse counts stored labels per class.
type StatsResponse struct {
	Total   int            `json:"total"`
	ByLabel map[string]int `json:"by_label"`
}

// VersionInfo is the liveness payload with the route capability map.
type VersionInfo struct {
	Version string          `json:"version"`
	Server  string          `json:"server"`
	Routes  map[string]bool `json:"routes"`
}

// BoundsResponse carries administrative boundary rings.
type BoundsResponse struct {
	Level string             `json:"level"`
	Items []overlay.Boundary `json:"items"`
}

// Ack is the store's generic {ok} acknowledgment.
type Ack struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Path     string `json:"path,omitempty"`
	Mode     string `json:"mode,omitempty"`
	Imported int    `json:"imported,omitempty"`
}

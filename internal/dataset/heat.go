package dataset

// HeatField carries per-cell intensity for one year and metric together
// with the store's normalization stats.
type HeatField struct {
	Values map[int]float64
	Q95    float64
	Max    float64
}

// Normalized returns the colormap position for a cell: value over the
// 95th percentile, clamped to [0, 1]. Cells without a value and fields
// with a non-positive q95 report 0.
func (h *HeatField) Normalized(id int) float64 {
	if h == nil || h.Q95 <= 0 {
		return 0
	}
	v, ok := h.Values[id]
	if !ok {
		return 0
	}
	t := v / h.Q95
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}

package render

import (
	"image/color"
	"math"

	"github.com/gridflow/annotator/internal/dataset"
	"github.com/gridflow/annotator/internal/geo"
	"github.com/gridflow/annotator/internal/overlay"
	"github.com/gridflow/annotator/internal/store"
	"github.com/gridflow/annotator/pkg/colormap"
)

// Scene is one consistent snapshot of everything a frame needs. The
// pipeline only reads it; redraws never diff against a previous frame.
type Scene struct {
	Space geo.Space
	DPR   float64

	Cells []dataset.Cell

	HeatOn   bool
	Heat     *dataset.HeatField
	Colormap string

	OutlinesOn bool
	Outlines   []overlay.Boundary

	Flows     *store.FlowBundle
	FlowYears []YearFlows
	MultiYear bool
	FlowMax   float64

	EllipsesOn bool
	Ellipses   []YearEllipse

	Selected *dataset.Cell
}

// YearFlows is one year's flow neighborhood in multi-year overlay mode.
type YearFlows struct {
	Year   int
	Bundle *store.FlowBundle
}

// YearEllipse is one year's confidence ellipse for the selected cell.
type YearEllipse struct {
	Year    int
	Ellipse overlay.Ellipse
}

func (sc *Scene) canvasSize() (w, h int) {
	return int(math.Round(sc.Space.Width)), int(math.Round(sc.Space.Height))
}

// flowScaleMax is the volume ceiling for edge-width normalization: the
// explicit global maximum when the caller carries one, otherwise the
// largest edge across the bundles being drawn.
func (sc *Scene) flowScaleMax() float64 {
	if sc.FlowMax > 0 {
		return sc.FlowMax
	}
	mx := sc.Flows.MaxVolume()
	for _, yf := range sc.FlowYears {
		if v := yf.Bundle.MaxVolume(); v > mx {
			mx = v
		}
	}
	if mx < 1 {
		mx = 1
	}
	return mx
}

// yearColor keeps flow and ellipse colors aligned per year in
// multi-year mode. Years without a flow bundle fall back to a stable
// palette pick.
func (sc *Scene) yearColor(year int) color.Color {
	for i, yf := range sc.FlowYears {
		if yf.Year == year {
			return colormap.Years.AtIndex(i)
		}
	}
	return colormap.Years.AtIndex(year)
}

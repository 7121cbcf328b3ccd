package render

import (
	"image/color"
	"math"

	"github.com/fogleman/gg"

	"github.com/gridflow/annotator/internal/geo"
	"github.com/gridflow/annotator/internal/overlay"
	"github.com/gridflow/annotator/internal/store"
)

var (
	backgroundColor = color.RGBA{250, 250, 252, 255}
	gridFlatColor   = color.RGBA{166, 189, 219, 255}
	outlineColor    = color.RGBA{90, 90, 90, 255}
	flowOutColor    = color.RGBA{214, 39, 40, 255}
	flowInColor     = color.RGBA{31, 119, 180, 255}
	ellipseColor    = color.RGBA{106, 61, 154, 255}
	selectionColor  = color.RGBA{255, 87, 34, 255}
)

const (
	// seamPadFactor is the cell overlap in pixels at zoom 1, DPR 1.
	seamPadFactor = 0.75

	flowWidthMin  = 0.6
	flowWidthMax  = 6.0
	flowZoomBoost = 1.0
	flowAlphaBase = 0.35
	flowAlphaMin  = 0.08
	flowAlphaMax  = 0.6

	outlineWidth       = 1.2
	ellipseStrokeWidth = 1.5
	ellipseMinRadiusPx = 0.5
	selectionWidth     = 2.5
)

// drawGrid fills one rectangle per cell, over-painted by the seam pad
// so adjacent cells never show gaps at high zoom. Heat mode samples the
// colormap at value/q95; otherwise the flat grid color is used.
func (p *Pipeline) drawGrid(dc *gg.Context, sc *Scene) {
	cmap := p.colormap(sc.Colormap)
	pad := seamPad(sc)
	for i := range sc.Cells {
		cell := &sc.Cells[i]
		x, y, w, h := cellRect(&sc.Space, cell.Lon, cell.Lat)
		if x+w < 0 || y+h < 0 || x > sc.Space.Width || y > sc.Space.Height {
			continue
		}
		if sc.HeatOn && sc.Heat != nil {
			dc.SetColor(cmap.At(sc.Heat.Normalized(cell.GridID)))
		} else {
			dc.SetColor(gridFlatColor)
		}
		dc.DrawRectangle(x-pad, y-pad, w+2*pad, h+2*pad)
		dc.Fill()
	}
}

func drawOutlines(dc *gg.Context, sc *Scene) {
	dc.SetLineWidth(outlineWidth)
	dc.SetColor(withAlpha(outlineColor, 0.8))
	for _, b := range sc.Outlines {
		for _, ring := range b.Rings {
			if len(ring) < 2 {
				continue
			}
			x, y := sc.Space.Project(ring[0][0], ring[0][1])
			dc.MoveTo(x, y)
			for _, pt := range ring[1:] {
				x, y = sc.Space.Project(pt[0], pt[1])
				dc.LineTo(x, y)
			}
			dc.ClosePath()
		}
	}
	dc.Stroke()
}

// drawFlows draws the selected cell's edge neighborhood: red out and
// blue in for a single year, the year palette in multi-year mode.
func drawFlows(dc *gg.Context, sc *Scene) {
	k := sc.Space.Zoom()
	if k <= 0 {
		k = 1
	}
	alpha := flowAlpha(k)
	max := sc.flowScaleMax()

	if sc.MultiYear {
		for _, yf := range sc.FlowYears {
			c := sc.yearColor(yf.Year)
			drawBundle(dc, sc, yf.Bundle, c, c, max, k, alpha)
		}
		return
	}
	drawBundle(dc, sc, sc.Flows, flowOutColor, flowInColor, max, k, alpha)
}

func drawBundle(dc *gg.Context, sc *Scene, b *store.FlowBundle, outC, inC color.Color, max, k, alpha float64) {
	if b == nil {
		return
	}
	for i := range b.OutEdges {
		drawEdge(dc, sc, &b.OutEdges[i], outC, max, k, alpha)
	}
	for i := range b.InEdges {
		drawEdge(dc, sc, &b.InEdges[i], inC, max, k, alpha)
	}
}

func drawEdge(dc *gg.Context, sc *Scene, e *store.FlowEdge, c color.Color, max, k, alpha float64) {
	if e.O == nil || e.D == nil {
		return
	}
	x1, y1 := sc.Space.Project(e.O.Lon, e.O.Lat)
	x2, y2 := sc.Space.Project(e.D.Lon, e.D.Lat)
	dc.SetLineWidth(flowWidth(e.NumTotal, max, k))
	dc.SetColor(withAlpha(c, alpha))
	dc.DrawLine(x1, y1, x2, y2)
	dc.Stroke()
}

// drawEllipses strokes the confidence ellipses, semi-axes converted
// from meters at each ellipse's own latitude. Degenerate ellipses are
// skipped.
func drawEllipses(dc *gg.Context, sc *Scene) {
	ppLon := sc.Space.PixelsPerLonDegree()
	ppLat := sc.Space.PixelsPerLatDegree()
	for _, ye := range sc.Ellipses {
		e := ye.Ellipse
		rx, ry, ok := ellipseRadii(e, ppLon, ppLat)
		if !ok {
			continue
		}
		cx, cy := sc.Space.Project(e.Center.Lon, e.Center.Lat)
		if !finite(cx) || !finite(cy) {
			continue
		}
		c := ellipseColor
		if sc.MultiYear {
			c = toRGBA(sc.yearColor(ye.Year))
		}

		// Geographic angles run counterclockwise, screen y runs down.
		dc.Push()
		dc.RotateAbout(gg.Radians(-e.AngleDeg), cx, cy)
		dc.SetColor(withAlpha(c, 0.12))
		dc.DrawEllipse(cx, cy, rx, ry)
		dc.Fill()
		dc.SetColor(withAlpha(c, 0.9))
		dc.SetLineWidth(ellipseStrokeWidth)
		dc.DrawEllipse(cx, cy, rx, ry)
		dc.Stroke()
		dc.Pop()
	}
}

func drawSelection(dc *gg.Context, sc *Scene) {
	if sc.Selected == nil {
		return
	}
	x, y, w, h := cellRect(&sc.Space, sc.Selected.Lon, sc.Selected.Lat)
	dc.SetColor(selectionColor)
	dc.SetLineWidth(selectionWidth)
	dc.DrawRectangle(x, y, w, h)
	dc.Stroke()
}

// cellRect returns the screen rectangle of a cell centered at lon/lat
// using its latitude-dependent half extents.
func cellRect(sp *geo.Space, lon, lat float64) (x, y, w, h float64) {
	halfLon := geo.CellHalfLon(lat)
	halfLat := geo.CellHalfLat()
	x0, y0 := sp.Project(lon-halfLon, lat+halfLat)
	x1, y1 := sp.Project(lon+halfLon, lat-halfLat)
	return x0, y0, x1 - x0, y1 - y0
}

// seamPad shrinks with zoom and device pixel ratio: at high zoom the
// fractional-coverage gaps between neighbors are already sub-pixel.
func seamPad(sc *Scene) float64 {
	dpr := sc.DPR
	if dpr <= 0 {
		dpr = 1
	}
	k := sc.Space.Zoom()
	if k <= 0 {
		k = 1
	}
	return seamPadFactor / (dpr * k)
}

// flowWidth maps an edge volume onto the stroke width band: square-root
// compressed over [1, max], then boosted when zoomed out so edges stay
// legible.
func flowWidth(v, max, k float64) float64 {
	if max < 1 {
		max = 1
	}
	if v < 1 {
		v = 1
	}
	if v > max {
		v = max
	}
	t := 0.0
	if span := math.Sqrt(max) - 1; span > 0 {
		t = (math.Sqrt(v) - 1) / span
	}
	w := flowWidthMin + t*(flowWidthMax-flowWidthMin)
	return w * (1 + flowZoomBoost/math.Sqrt(k))
}

// flowAlpha compensates edge opacity for zoom, clamped so dense
// overlays never saturate to solid color.
func flowAlpha(k float64) float64 {
	a := flowAlphaBase / math.Sqrt(k)
	if a < flowAlphaMin {
		return flowAlphaMin
	}
	if a > flowAlphaMax {
		return flowAlphaMax
	}
	return a
}

// ellipseRadii converts semi-axes in meters to screen pixels at the
// ellipse's latitude, mirroring the cell half-extent conversion.
func ellipseRadii(e overlay.Ellipse, ppLon, ppLat float64) (rx, ry float64, ok bool) {
	rx = e.Axes.A / geo.MetersPerDegreeLon(e.Center.Lat) * ppLon
	ry = e.Axes.B / geo.MetersPerDegreeLat() * ppLat
	if !finite(rx) || !finite(ry) {
		return 0, 0, false
	}
	if rx < ellipseMinRadiusPx || ry < ellipseMinRadiusPx {
		return 0, 0, false
	}
	return rx, ry, true
}

func withAlpha(c color.Color, a float64) color.Color {
	r, g, b, _ := c.RGBA()
	if a < 0 {
		a = 0
	}
	if a > 1 {
		a = 1
	}
	return color.NRGBA{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8), uint8(a*255 + 0.5)}
}

func toRGBA(c color.Color) color.RGBA {
	return color.RGBAModel.Convert(c).(color.RGBA)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

package render

import (
	"fmt"
	"image/color"
	"sort"

	"github.com/gridflow/annotator/internal/store"
	"github.com/gridflow/annotator/pkg/colormap"
)

const (
	chartMarginLeft   = 42.0
	chartMarginRight  = 12.0
	chartMarginTop    = 26.0
	chartMarginBottom = 22.0
)

// RenderChart draws the 24-hour activity panel for the selected cell:
// one total line per year in the year palette, plus separate out and in
// lines when a single year is shown. Returns PNG bytes.
func (p *Pipeline) RenderChart(series store.HourlySeries, width, height int) ([]byte, error) {
	if width < 120 {
		width = 120
	}
	if height < 80 {
		height = 80
	}
	dc := p.context(width, height)
	defer p.contextPool.Put(dc)

	dc.SetRGB(1, 1, 1)
	dc.Clear()

	years := make([]int, 0, len(series))
	for y := range series {
		years = append(years, y)
	}
	sort.Ints(years)

	if len(years) == 0 {
		dc.SetColor(outlineColor)
		dc.DrawStringAnchored("no hourly data", float64(width)/2, float64(height)/2, 0.5, 0.5)
		return p.encodePNG(dc.Image())
	}

	type line struct {
		label  string
		color  color.Color
		values []float64
	}
	var lines []line
	if len(years) == 1 {
		hy := series[years[0]]
		lines = append(lines,
			line{fmt.Sprintf("%d total", years[0]), colormap.Years.AtIndex(0), hourlyMean(hy.Total)},
			line{"out", flowOutColor, hourlyMean(hy.Out)},
			line{"in", flowInColor, hourlyMean(hy.In)},
		)
	} else {
		for i, y := range years {
			lines = append(lines, line{fmt.Sprintf("%d", y), colormap.Years.AtIndex(i), hourlyMean(series[y].Total)})
		}
	}

	maxV := 1.0
	for _, ln := range lines {
		for _, v := range ln.values {
			if v > maxV {
				maxV = v
			}
		}
	}
	maxV *= 1.05

	plotX := chartMarginLeft
	plotY := chartMarginTop
	plotW := float64(width) - chartMarginLeft - chartMarginRight
	plotH := float64(height) - chartMarginTop - chartMarginBottom
	xAt := func(hour int) float64 { return plotX + float64(hour)/23*plotW }
	yAt := func(v float64) float64 { return plotY + plotH - v/maxV*plotH }

	// Frame and horizontal gridlines with value labels.
	dc.SetLineWidth(1)
	dc.SetRGB255(120, 120, 120)
	dc.DrawRectangle(plotX, plotY, plotW, plotH)
	dc.Stroke()
	for i := 1; i <= 3; i++ {
		v := maxV * float64(i) / 4
		dc.SetRGBA255(190, 190, 190, 255)
		dc.DrawLine(plotX, yAt(v), plotX+plotW, yAt(v))
		dc.Stroke()
		dc.SetRGB255(100, 100, 100)
		dc.DrawStringAnchored(compactValue(v), plotX-4, yAt(v), 1, 0.4)
	}
	dc.SetRGB255(100, 100, 100)
	dc.DrawStringAnchored("0", plotX-4, yAt(0), 1, 0.4)
	for _, h := range []int{0, 6, 12, 18, 23} {
		dc.DrawStringAnchored(fmt.Sprintf("%d", h), xAt(h), plotY+plotH+4, 0.5, 1)
	}

	// Series lines.
	for _, ln := range lines {
		if len(ln.values) == 0 {
			continue
		}
		dc.SetColor(ln.color)
		dc.SetLineWidth(1.8)
		dc.MoveTo(xAt(0), yAt(ln.values[0]))
		for h := 1; h < len(ln.values) && h < 24; h++ {
			dc.LineTo(xAt(h), yAt(ln.values[h]))
		}
		dc.Stroke()
	}

	// Legend along the top edge.
	lx := plotX
	for _, ln := range lines {
		dc.SetColor(ln.color)
		dc.DrawRectangle(lx, plotY-14, 10, 4)
		dc.Fill()
		dc.SetRGB255(60, 60, 60)
		dc.DrawStringAnchored(ln.label, lx+13, plotY-12, 0, 0.5)
		lx += 13 + 7*float64(len(ln.label)) + 14
	}

	return p.encodePNG(dc.Image())
}

// hourlyMean flattens per-week rows into one 24-value mean series.
func hourlyMean(rows [][]float64) []float64 {
	if len(rows) == 0 {
		return nil
	}
	out := make([]float64, 24)
	counts := make([]int, 24)
	for _, row := range rows {
		for h := 0; h < len(row) && h < 24; h++ {
			out[h] += row[h]
			counts[h]++
		}
	}
	for h := range out {
		if counts[h] > 0 {
			out[h] /= float64(counts[h])
		}
	}
	return out
}

// compactValue shortens axis labels: 12500 reads as 12.5k.
func compactValue(v float64) string {
	if v >= 10000 {
		return fmt.Sprintf("%.0fk", v/1000)
	}
	if v >= 1000 {
		return fmt.Sprintf("%.1fk", v/1000)
	}
	if v >= 10 {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.1f", v)
}

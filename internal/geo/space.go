// Package geo maps grid coordinates between lon/lat degrees and screen
// pixels. A Space composes two linear scales fitted to the dataset's
// bounding box with an affine view transform carrying pan/zoom state.
package geo

// LinearScale maps a value domain onto a pixel range.
type LinearScale struct {
	DomainMin float64
	DomainMax float64
	RangeMin  float64
	RangeMax  float64
}

// Apply maps a domain value to the pixel range.
func (s LinearScale) Apply(v float64) float64 {
	span := s.DomainMax - s.DomainMin
	if span == 0 {
		return s.RangeMin
	}
	t := (v - s.DomainMin) / span
	return s.RangeMin + t*(s.RangeMax-s.RangeMin)
}

// Invert maps a pixel back to the domain. Apply and Invert are exact
// inverses up to float precision.
func (s LinearScale) Invert(p float64) float64 {
	span := s.RangeMax - s.RangeMin
	if span == 0 {
		return s.DomainMin
	}
	t := (p - s.RangeMin) / span
	return s.DomainMin + t*(s.DomainMax-s.DomainMin)
}

// slope is the pixels-per-domain-unit factor.
func (s LinearScale) slope() float64 {
	span := s.DomainMax - s.DomainMin
	if span == 0 {
		return 0
	}
	return (s.RangeMax - s.RangeMin) / span
}

// Space projects lon/lat to canvas pixels through fitted scales and the
// current view transform.
type Space struct {
	Width   float64
	Height  float64
	Padding float64

	ZoomMin float64
	ZoomMax float64

	bounds Bounds
	lon    LinearScale
	lat    LinearScale
	view   Transform
}

// NewSpace returns a space for a canvas of the given pixel size. Scales
// stay degenerate until Fit is called with dataset bounds.
func NewSpace(width, height, padding float64) *Space {
	return &Space{
		Width:   width,
		Height:  height,
		Padding: padding,
		ZoomMin: 0.5,
		ZoomMax: 64,
		view:    Identity(),
	}
}

// Fit recomputes both scales for the given bounds. The view transform is
// kept, so a dataset swap under an adjusted view stays where the user
// panned it.
func (s *Space) Fit(b Bounds) {
	s.bounds = b
	s.lon = LinearScale{
		DomainMin: b.MinLon,
		DomainMax: b.MaxLon,
		RangeMin:  s.Padding,
		RangeMax:  s.Width - s.Padding,
	}
	// Latitude grows upward, pixels grow downward.
	s.lat = LinearScale{
		DomainMin: b.MinLat,
		DomainMax: b.MaxLat,
		RangeMin:  s.Height - s.Padding,
		RangeMax:  s.Padding,
	}
}

// Resize refits the scales for a new canvas size, keeping bounds and view.
func (s *Space) Resize(width, height float64) {
	s.Width = width
	s.Height = height
	s.Fit(s.bounds)
}

// Bounds returns the bounds of the last Fit.
func (s *Space) Bounds() Bounds { return s.bounds }

// Project maps lon/lat to canvas pixels under the current view.
func (s *Space) Project(lon, lat float64) (x, y float64) {
	return s.view.Apply(s.lon.Apply(lon), s.lat.Apply(lat))
}

// Unproject maps canvas pixels back to lon/lat under the current view.
func (s *Space) Unproject(x, y float64) (lon, lat float64) {
	bx, by := s.view.Invert(x, y)
	return s.lon.Invert(bx), s.lat.Invert(by)
}

// View returns the current view transform.
func (s *Space) View() Transform { return s.view }

// SetView replaces the view transform, clamping its zoom.
func (s *Space) SetView(t Transform) {
	t.K = clamp(t.K, s.ZoomMin, s.ZoomMax)
	s.view = t
}

// ResetView restores the identity view.
func (s *Space) ResetView() { s.view = Identity() }

// Zoom returns the current zoom factor.
func (s *Space) Zoom() float64 { return s.view.K }

// PanBy shifts the view by a pixel delta.
func (s *Space) PanBy(dx, dy float64) {
	s.view.X += dx
	s.view.Y += dy
}

// ZoomAround multiplies the zoom by factor while keeping the data point
// under the given pixel fixed on screen.
func (s *Space) ZoomAround(px, py, factor float64) {
	k := clamp(s.view.K*factor, s.ZoomMin, s.ZoomMax)
	if k == s.view.K {
		return
	}
	// Base-space point under the cursor stays put across the zoom.
	bx, by := s.view.Invert(px, py)
	s.view.K = k
	s.view.X = px - k*bx
	s.view.Y = py - k*by
}

// PixelsPerLonDegree returns the on-screen width of one degree of
// longitude under the current view.
func (s *Space) PixelsPerLonDegree() float64 {
	return abs(s.lon.slope()) * s.view.K
}

// PixelsPerLatDegree returns the on-screen height of one degree of
// latitude under the current view.
func (s *Space) PixelsPerLatDegree() float64 {
	return abs(s.lat.slope()) * s.view.K
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

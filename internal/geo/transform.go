package geo

// Transform is the affine pan/zoom applied on top of the base scales:
// screen = translate + K * base.
type Transform struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	K float64 `json:"k"`
}

// Identity returns the no-op transform.
func Identity() Transform { return Transform{K: 1} }

// Apply maps base-space pixels to screen pixels.
func (t Transform) Apply(x, y float64) (float64, float64) {
	return t.X + t.K*x, t.Y + t.K*y
}

// Invert maps screen pixels back to base-space pixels.
func (t Transform) Invert(x, y float64) (float64, float64) {
	if t.K == 0 {
		return 0, 0
	}
	return (x - t.X) / t.K, (y - t.Y) / t.K
}

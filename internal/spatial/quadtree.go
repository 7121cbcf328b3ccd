// Package spatial provides an immutable point quadtree for
// radius-bounded nearest-neighbor lookup over grid cell centroids.
package spatial

import (
	"math"

	"github.com/golang/geo/r1"
	"github.com/golang/geo/r2"
)

// Point is an indexed location tagged with the caller's identifier.
type Point struct {
	ID int
	X  float64
	Y  float64
}

// Leaves below this depth stop splitting and bucket their points.
const maxDepth = 48

type node struct {
	rect r2.Rect
	pts  []Point
	kids *[4]*node
}

// Index is a point quadtree built once over a fixed point set. A stale
// index is replaced wholesale by building a new one, never patched.
type Index struct {
	root *node
	size int
}

// New builds an index over the given points by sequential insertion.
// An empty or nil slice yields an index whose lookups always miss.
func New(points []Point) *Index {
	ix := &Index{}
	if len(points) == 0 {
		return ix
	}
	rect := r2.EmptyRect()
	for _, p := range points {
		rect = rect.AddPoint(r2.Point{X: p.X, Y: p.Y})
	}
	ix.root = &node{rect: rect}
	for _, p := range points {
		insert(ix.root, p, 0)
		ix.size++
	}
	return ix
}

// Len returns the number of indexed points.
func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return ix.size
}

// Nearest returns the closest point within maxRadius of (x, y).
// It reports false when the index is empty or nothing lies in range.
func (ix *Index) Nearest(x, y, maxRadius float64) (Point, bool) {
	if ix == nil || ix.root == nil || maxRadius <= 0 {
		return Point{}, false
	}
	q := r2.Point{X: x, Y: y}
	limit := maxRadius * maxRadius
	bestD2 := math.Inf(1)
	var best *Point

	var walk func(n *node)
	walk = func(n *node) {
		if n == nil {
			return
		}
		bound := bestD2
		if limit < bound {
			bound = limit
		}
		if minDist2(n.rect, q) > bound {
			return
		}
		if n.kids == nil {
			for i := range n.pts {
				p := &n.pts[i]
				dx, dy := p.X-q.X, p.Y-q.Y
				d2 := dx*dx + dy*dy
				if d2 <= limit && d2 < bestD2 {
					bestD2 = d2
					best = p
				}
			}
			return
		}
		// Quadrant under the query first narrows bestD2 before the rest.
		first := quadrant(n.rect, Point{X: q.X, Y: q.Y})
		walk(n.kids[first])
		for i := 0; i < 4; i++ {
			if i != first {
				walk(n.kids[i])
			}
		}
	}
	walk(ix.root)

	if best == nil {
		return Point{}, false
	}
	return *best, true
}

func insert(n *node, p Point, depth int) {
	for {
		if n.kids == nil {
			coincident := len(n.pts) > 0 && n.pts[0].X == p.X && n.pts[0].Y == p.Y
			if len(n.pts) == 0 || coincident || depth >= maxDepth {
				n.pts = append(n.pts, p)
				return
			}
			// Push the resident point one level down, then fall through
			// to place the new one.
			old := n.pts[0]
			n.pts = nil
			n.kids = new([4]*node)
			oq := quadrant(n.rect, old)
			n.kids[oq] = &node{rect: childRect(n.rect, oq), pts: []Point{old}}
		}
		q := quadrant(n.rect, p)
		if n.kids[q] == nil {
			n.kids[q] = &node{rect: childRect(n.rect, q), pts: []Point{p}}
			return
		}
		n = n.kids[q]
		depth++
	}
}

// quadrant indexes children as bit 0 = east half, bit 1 = north half.
func quadrant(r r2.Rect, p Point) int {
	q := 0
	if p.X >= r.X.Center() {
		q |= 1
	}
	if p.Y >= r.Y.Center() {
		q |= 2
	}
	return q
}

func childRect(r r2.Rect, q int) r2.Rect {
	cx, cy := r.X.Center(), r.Y.Center()
	xi := r1.Interval{Lo: r.X.Lo, Hi: cx}
	if q&1 != 0 {
		xi = r1.Interval{Lo: cx, Hi: r.X.Hi}
	}
	yi := r1.Interval{Lo: r.Y.Lo, Hi: cy}
	if q&2 != 0 {
		yi = r1.Interval{Lo: cy, Hi: r.Y.Hi}
	}
	return r2.Rect{X: xi, Y: yi}
}

// minDist2 is the squared distance from p to the nearest edge of r,
// zero when p lies inside.
func minDist2(r r2.Rect, p r2.Point) float64 {
	var dx, dy float64
	switch {
	case p.X < r.X.Lo:
		dx = r.X.Lo - p.X
	case p.X > r.X.Hi:
		dx = p.X - r.X.Hi
	}
	switch {
	case p.Y < r.Y.Lo:
		dy = r.Y.Lo - p.Y
	case p.Y > r.Y.Hi:
		dy = p.Y - r.Y.Hi
	}
	return dx*dx + dy*dy
}

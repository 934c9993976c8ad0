// Package geom holds the pixel-space shapes shared by the analyzers.
package geom

import "math"

// Point is a position in pixel coordinates.
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Rect is an axis-aligned box anchored at its top-left corner.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// FromCorners builds a Rect from [x1, y1, x2, y2] corners in any order.
func FromCorners(x1, y1, x2, y2 float64) Rect {
	return Rect{
		X:      math.Min(x1, x2),
		Y:      math.Min(y1, y2),
		Width:  math.Abs(x2 - x1),
		Height: math.Abs(y2 - y1),
	}
}

func (r Rect) Area() float64 {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return r.Width * r.Height
}

func (r Rect) Empty() bool {
	return r.Area() == 0
}

// Center returns the centroid of the box.
func (r Rect) Center() Point {
	return Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// Intersect returns the overlapping box, or the zero Rect when r and o are disjoint.
func (r Rect) Intersect(o Rect) Rect {
	x1 := math.Max(r.X, o.X)
	y1 := math.Max(r.Y, o.Y)
	x2 := math.Min(r.X+r.Width, o.X+o.Width)
	y2 := math.Min(r.Y+r.Height, o.Y+o.Height)
	if x2 <= x1 || y2 <= y1 {
		return Rect{}
	}
	return Rect{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}

// Contains reports whether p lies inside r. The right and bottom edges are exclusive.
func (r Rect) Contains(p Point) bool {
	return p.X >= r.X && p.X < r.X+r.Width && p.Y >= r.Y && p.Y < r.Y+r.Height
}

// Polygon returns the four corners of r, clockwise from the top-left.
func (r Rect) Polygon() Polygon {
	return Polygon{
		{X: r.X, Y: r.Y},
		{X: r.X + r.Width, Y: r.Y},
		{X: r.X + r.Width, Y: r.Y + r.Height},
		{X: r.X, Y: r.Y + r.Height},
	}
}

// IoU is the intersection-over-union of two boxes.
func IoU(a, b Rect) float64 {
	inter := a.Intersect(b).Area()
	if inter == 0 {
		return 0
	}
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Polygon is a simple closed polygon; the last vertex connects back to the first.
type Polygon []Point

// Contains runs an even-odd ray cast from p.
func (pg Polygon) Contains(p Point) bool {
	if len(pg) < 3 {
		return false
	}
	inside := false
	j := len(pg) - 1
	for i := range pg {
		a, b := pg[i], pg[j]
		if (a.Y > p.Y) != (b.Y > p.Y) {
			xCross := (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y) + a.X
			if p.X < xCross {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// Bounds returns the smallest Rect enclosing every vertex.
func (pg Polygon) Bounds() Rect {
	if len(pg) == 0 {
		return Rect{}
	}
	minX, minY := pg[0].X, pg[0].Y
	maxX, maxY := minX, minY
	for _, p := range pg[1:] {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}
	return Rect{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

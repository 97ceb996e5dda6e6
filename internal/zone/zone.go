// Package zone resolves which third of a blob key a touch landed in.
package zone

import "fmt"

// Zone is one of the three horizontal regions of a blob key.
type Zone int

const (
	// None means no zone is selected. Classify never returns it; it is
	// used by visual updates to restore all three candidate labels.
	None Zone = iota - 1
	// Left is the leftmost third of the key.
	Left
	// Center is the middle region.
	Center
	// Right is the rightmost third of the key.
	Right
)

// Valid reports whether z is one of Left, Center or Right.
func (z Zone) Valid() bool {
	return z >= Left && z <= Right
}

// String returns the lower-case zone name.
func (z Zone) String() string {
	switch z {
	case None:
		return "none"
	case Left:
		return "left"
	case Center:
		return "center"
	case Right:
		return "right"
	default:
		return fmt.Sprintf("zone(%d)", int(z))
	}
}

// Point is an absolute touch coordinate.
type Point struct {
	X, Y int
}

// Rect is an absolute key bounding box.
type Rect struct {
	X, Y          int
	Width, Height int
}

// Contains reports whether p lies inside r, edges included.
func (r Rect) Contains(p Point) bool {
	return p.X >= r.X && p.X <= r.X+r.Width &&
		p.Y >= r.Y && p.Y <= r.Y+r.Height
}

// Thresholds returns the relative offsets used by Classify: offsets below
// left are Left, offsets above right are Right.
func (r Rect) Thresholds() (left, right int) {
	return r.Width / 3, (2 * r.Width) / 3
}

// Classify maps a touch x-coordinate to a zone of r.
//
// Thresholds use truncating integer division, so when the width is not a
// multiple of three the center zone is the widest. Samples outside the key
// are not clamped: anything left of the key is Left and anything right of
// it is Right.
func Classify(touchX int, r Rect) Zone {
	rel := touchX - r.X
	left, right := r.Thresholds()
	switch {
	case rel < left:
		return Left
	case rel > right:
		return Right
	default:
		return Center
	}
}

// Parse parses a zone name as returned by String.
func Parse(s string) (Zone, error) {
	switch s {
	case "left":
		return Left, nil
	case "center":
		return Center, nil
	case "right":
		return Right, nil
	default:
		return None, fmt.Errorf("unknown zone %q", s)
	}
}

// PointIn returns a point on the vertical center line of r that Classify
// maps to z. Zone None gives the center of r.
func (r Rect) PointIn(z Zone) Point {
	p := Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
	switch z {
	case Left:
		p.X = r.X + r.Width/6
	case Right:
		p.X = r.X + (5*r.Width)/6 + 1
	}
	return p
}

package main

import "blobkbd/internal/zone"

// Terminal cells are about twice as tall as they are wide.
const (
	unitsPerCol = 7
	unitsPerRow = 14
)

// grid maps layout coordinates onto terminal cells. A cell stands for the
// layout point at its center.
type grid struct {
	originX, originY int
}

// point returns the layout point of the cell at column x, row y.
func (g grid) point(x, y int) zone.Point {
	return zone.Point{
		X: (x-g.originX)*unitsPerCol + unitsPerCol/2,
		Y: (y-g.originY)*unitsPerRow + unitsPerRow/2,
	}
}

// cells returns the inclusive cell range whose centers fall inside r.
// The range is empty (x0 > x1 or y0 > y1) when r is smaller than a cell.
func (g grid) cells(r zone.Rect) (x0, y0, x1, y1 int) {
	x0 = g.originX + ceilDiv(r.X-unitsPerCol/2, unitsPerCol)
	x1 = g.originX + floorDiv(r.X+r.Width-unitsPerCol/2, unitsPerCol)
	y0 = g.originY + ceilDiv(r.Y-unitsPerRow/2, unitsPerRow)
	y1 = g.originY + floorDiv(r.Y+r.Height-unitsPerRow/2, unitsPerRow)
	return x0, y0, x1, y1
}

// size returns the number of columns and rows needed for r.
func (g grid) size(r zone.Rect) (cols, rows int) {
	_, _, x1, y1 := g.cells(r)
	return x1 - g.originX + 1, y1 - g.originY + 1
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && a < 0 {
		q--
	}
	return q
}

func ceilDiv(a, b int) int {
	q := a / b
	if a%b != 0 && a > 0 {
		q++
	}
	return q
}

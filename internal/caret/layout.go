package caret

import (
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/rivo/uniseg"
)

// Metrics describes a fixed cell grid used to measure text.
type Metrics struct {
	// CellWidth is the width of a single-width cell.
	CellWidth int
	// LineHeight is the height of a text line.
	LineHeight int
}

// DefaultMetrics returns metrics matching the default monospace font.
func DefaultMetrics() Metrics {
	return Metrics{CellWidth: 12, LineHeight: 20}
}

// Width returns the rendered width of s.
func (m Metrics) Width(s string) int {
	return runewidth.StringWidth(s) * m.CellWidth
}

// Layout describes how a display renders its text.
type Layout struct {
	Metrics Metrics

	// WrapWidth is the display width. Zero disables soft wrapping.
	WrapWidth int

	// VisibleLines limits how many lines the display shows. Zero means the
	// display grows with its content.
	VisibleLines int
}

// SingleLine returns a layout that never wraps.
func SingleLine(m Metrics) Layout {
	return Layout{Metrics: m}
}

// Lines splits text into the lines the display renders: hard breaks on
// '\n', soft breaks at grapheme boundaries when a line would exceed
// WrapWidth. Text always renders at least one (possibly empty) line.
func (l Layout) Lines(text string) []string {
	hard := strings.Split(text, "\n")
	if l.WrapWidth <= 0 || l.Metrics.CellWidth <= 0 {
		return hard
	}

	var lines []string
	for _, h := range hard {
		lines = append(lines, l.wrap(h)...)
	}
	return lines
}

func (l Layout) wrap(line string) []string {
	var (
		out   []string
		cur   strings.Builder
		width int
	)
	g := uniseg.NewGraphemes(line)
	for g.Next() {
		cluster := g.Str()
		w := runewidth.StringWidth(cluster) * l.Metrics.CellWidth
		if width > 0 && width+w > l.WrapWidth {
			out = append(out, cur.String())
			cur.Reset()
			width = 0
		}
		cur.WriteString(cluster)
		width += w
	}
	return append(out, cur.String())
}

// Position returns the caret offset at the end of text.
//
// The caret naturally sits right after the last character. When the last
// rendered line exactly fills the wrap width, that cell is on the line below
// the content; the caret is then clamped back to the end of the last
// rendered line. With VisibleLines set, y never passes the last visible
// line.
func (l Layout) Position(text string) (x, y int) {
	lines := l.Lines(text)
	last := len(lines) - 1
	lh := l.Metrics.LineHeight

	x = l.Metrics.Width(lines[last])
	y = last * lh

	if l.WrapWidth > 0 && x >= l.WrapWidth {
		// The naive cell is the start of the line below the content.
		x = l.WrapWidth
	}

	if l.VisibleLines > 0 {
		if maxY := (l.VisibleLines - 1) * lh; y > maxY {
			y = maxY
		}
	}
	return x, y
}

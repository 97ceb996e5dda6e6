package main

import (
	"sync/atomic"

	"github.com/gdamore/tcell/v2"
	"github.com/mattn/go-runewidth"
	"github.com/rivo/uniseg"

	"blobkbd/internal/caret"
	"blobkbd/internal/ime"
	"blobkbd/internal/keyboard"
)

// presenter records display requests and wakes the UI goroutine.
type presenter struct {
	*ime.Recorder
	screen tcell.Screen

	// pending is set while a redraw interrupt is queued.
	pending atomic.Bool
	// layouts counts key visuals for keys not seen before, which only a
	// layout load produces.
	layouts atomic.Uint64
}

func newPresenter(s tcell.Screen) *presenter {
	return &presenter{Recorder: ime.NewRecorder(), screen: s}
}

func (p *presenter) wake() {
	if !p.pending.CompareAndSwap(false, true) {
		return
	}
	if err := p.screen.PostEvent(tcell.NewEventInterrupt(nil)); err != nil {
		// Queue full: a queued event redraws anyway.
		p.pending.Store(false)
	}
}

// redrawn clears the pending flag; call it before drawing.
func (p *presenter) redrawn() {
	p.pending.Store(false)
}

func (p *presenter) SetKeyVisual(id keyboard.KeyID, v keyboard.Visual) {
	if _, known := p.Recorder.Visual(id); !known {
		p.layouts.Add(1)
	}
	p.Recorder.SetKeyVisual(id, v)
	p.wake()
}

func (p *presenter) SetCaretVisible(which caret.Which, visible bool) {
	p.Recorder.SetCaretVisible(which, visible)
	p.wake()
}

func (p *presenter) SetCaretPosition(which caret.Which, x, y int) {
	p.Recorder.SetCaretPosition(which, x, y)
	p.wake()
}

func (p *presenter) SetCompositionText(text string) {
	p.Recorder.SetCompositionText(text)
	p.wake()
}

func (p *presenter) SetDocumentText(text string) {
	p.Recorder.SetDocumentText(text)
	p.wake()
}

var (
	styleDefault = tcell.StyleDefault
	styleMuted   = tcell.StyleDefault.Foreground(tcell.ColorGray)
	styleTitle   = tcell.StyleDefault.Foreground(tcell.ColorDodgerBlue).Bold(true)
	styleKey     = tcell.StyleDefault.Background(tcell.ColorDarkSlateGray)
	styleActive  = tcell.StyleDefault.Background(tcell.ColorNavy).Foreground(tcell.ColorWhite).Bold(true)
	styleCaret   = tcell.StyleDefault.Reverse(true)
)

// view draws the state recorded by a presenter.
type view struct {
	screen tcell.Screen
	state  *presenter

	doc  caret.Layout
	comp caret.Layout

	// Filled in by draw.
	keys   []keyboard.Info
	grid   grid
	status string
}

// text draws s from column x and returns the column after it.
func (v *view) text(x, y int, s string, style tcell.Style) int {
	g := uniseg.NewGraphemes(s)
	for g.Next() {
		runes := g.Runes()
		v.screen.SetContent(x, y, runes[0], runes[1:], style)
		w := runewidth.StringWidth(g.Str())
		if w < 1 {
			w = 1
		}
		x += w
	}
	return x
}

func (v *view) columns(l caret.Layout, units int) int {
	if l.Metrics.CellWidth <= 0 {
		return units
	}
	return units / l.Metrics.CellWidth
}

func (v *view) rows(l caret.Layout, units int) int {
	if l.Metrics.LineHeight <= 0 {
		return units
	}
	return units / l.Metrics.LineHeight
}

// panel draws text with the layout's line breaks, scrolled so the caret's
// line is visible, and returns the number of rows used.
func (v *view) panel(x, y int, s string, l caret.Layout, which caret.Which, height int) int {
	lines := l.Lines(s)
	if len(lines) > height {
		lines = lines[len(lines)-height:]
	}
	for i, line := range lines {
		v.text(x, y+i, line, styleDefault)
	}

	st := v.state.Caret(which)
	if st.Visible {
		cx, cy := x+v.columns(l, st.X), y+v.rows(l, st.Y)
		if cy >= y+height {
			cy = y + height - 1
		}
		mainc, combc, _, _ := v.screen.GetContent(cx, cy)
		if mainc == 0 {
			mainc = ' '
		}
		v.screen.SetContent(cx, cy, mainc, combc, styleCaret)
	}
	return height
}

func (v *view) draw() {
	s := v.screen
	s.Clear()
	width, _ := s.Size()

	y := 0
	v.text(0, y, "BLOBKBD", styleTitle)
	v.text(10, y, "Enter accept  Esc clear  Space space  Ctrl-C quit", styleMuted)
	y += 2

	docRows := v.doc.VisibleLines
	if docRows <= 0 {
		docRows = 6
	}
	v.text(0, y, "document", styleMuted)
	y++
	y += v.panel(1, y, v.state.Document(), v.doc, caret.Document, docRows)
	y++

	v.text(0, y, "composition", styleMuted)
	y++
	y += v.panel(1, y, v.state.Composition(), v.comp, caret.Composition, 1)
	y++

	v.grid = grid{originX: 1, originY: y}
	for _, info := range v.keys {
		v.drawKey(info)
	}

	if v.status != "" {
		_, height := s.Size()
		v.text(0, height-1, runewidth.Truncate(v.status, width, "…"), styleMuted)
	}
	s.Show()
}

func (v *view) drawKey(info keyboard.Info) {
	x0, y0, x1, y1 := v.grid.cells(info.Def.Rect)
	if x0 > x1 || y0 > y1 {
		return
	}
	vis, ok := v.state.Visual(info.ID)
	if !ok {
		vis = keyboard.DefaultVisual
	}
	style := styleKey
	if vis.Active {
		style = styleActive
	}
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			v.screen.SetContent(x, y, ' ', nil, style)
		}
	}

	mid := (y0 + y1) / 2
	if ch, ok := info.Def.Letter(vis.Zone); ok {
		v.text((x0+x1)/2, mid, string(ch), style)
		return
	}
	third := (x1 - x0 + 1) / 3
	for i, ch := range info.Def.Letters {
		v.text(x0+i*third+third/2, mid, string(ch), style)
	}
}

// keyAt returns the key drawn at a cell.
func (v *view) keyAt(x, y int) (keyboard.Info, bool) {
	p := v.grid.point(x, y)
	for _, info := range v.keys {
		if info.Def.Rect.Contains(p) {
			return info, true
		}
	}
	return keyboard.Info{}, false
}

// Package caret tracks the two blinking carets of the keyboard: one after
// the composition text and one at the end of the document.
package caret

import (
	"fmt"
	"time"

	"blobkbd/internal/timer"
)

// DefaultBlinkInterval is the caret toggle period.
const DefaultBlinkInterval = 500 * time.Millisecond

// Which selects one of the tracked carets.
type Which int

const (
	// Composition is the caret after the provisional input.
	Composition Which = iota
	// Document is the caret at the end of the accepted text.
	Document

	numCarets
)

// String returns the caret name.
func (w Which) String() string {
	switch w {
	case Composition:
		return "composition"
	case Document:
		return "document"
	default:
		return fmt.Sprintf("caret(%d)", int(w))
	}
}

// State is the visibility and placement of one caret.
type State struct {
	Visible bool
	X, Y    int
}

// Sink receives caret display updates.
type Sink interface {
	SetCaretVisible(which Which, visible bool)
	SetCaretPosition(which Which, x, y int)
}

type tracked struct {
	state      State
	layout     Layout
	text       func() string
	recomputes uint64
}

// Blinker toggles both carets on a shared period and keeps their positions
// in step with the text they follow.
//
// Every tick recomputes both positions, whether or not the text changed.
// Buffer mutations request an extra recompute through Recompute.
type Blinker struct {
	interval time.Duration
	sink     Sink
	carets   [numCarets]tracked
	handle   timer.Handle
	sched    timer.Scheduler
}

// NewBlinker creates a Blinker. A non-positive interval falls back to
// DefaultBlinkInterval.
func NewBlinker(interval time.Duration, sink Sink) *Blinker {
	if interval <= 0 {
		interval = DefaultBlinkInterval
	}
	b := &Blinker{
		interval: interval,
		sink:     sink,
	}
	for i := range b.carets {
		b.carets[i].state.Visible = true
		b.carets[i].text = func() string { return "" }
	}
	return b
}

// Track binds a caret to the text it follows and the layout of its display.
func (b *Blinker) Track(which Which, text func() string, layout Layout) {
	c := b.caret(which)
	if text == nil {
		text = func() string { return "" }
	}
	c.text = text
	c.layout = layout
}

// SetLayout replaces the display layout of a caret.
func (b *Blinker) SetLayout(which Which, layout Layout) {
	b.caret(which).layout = layout
}

func (b *Blinker) caret(which Which) *tracked {
	if which < 0 || which >= numCarets {
		panic(fmt.Sprintf("caret: unknown caret %d", int(which)))
	}
	return &b.carets[which]
}

// Interval returns the blink period.
func (b *Blinker) Interval() time.Duration {
	return b.interval
}

// Start schedules the periodic blink on s. Starting a running Blinker
// restarts it.
func (b *Blinker) Start(s timer.Scheduler) {
	b.Stop()
	b.sched = s
	b.handle = s.Every(b.interval, b.Tick)
}

// Stop cancels the periodic blink.
func (b *Blinker) Stop() {
	if b.sched != nil && b.handle.Valid() {
		b.sched.Cancel(b.handle)
	}
	b.handle = timer.Handle{}
}

// Running reports whether the blink timer is scheduled.
func (b *Blinker) Running() bool {
	return b.handle.Valid()
}

// SetInterval changes the blink period, rescheduling if running.
func (b *Blinker) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultBlinkInterval
	}
	if d == b.interval {
		return
	}
	b.interval = d
	if s := b.sched; s != nil && b.Running() {
		b.Start(s)
	}
}

// Tick toggles both carets and recomputes both positions.
func (b *Blinker) Tick() {
	for i := range b.carets {
		c := &b.carets[i]
		c.state.Visible = !c.state.Visible
		if b.sink != nil {
			b.sink.SetCaretVisible(Which(i), c.state.Visible)
		}
		b.place(Which(i))
	}
}

// Recompute places a caret after its text changed.
func (b *Blinker) Recompute(which Which) {
	b.caret(which).recomputes++
	b.place(which)
}

func (b *Blinker) place(which Which) {
	c := b.caret(which)
	x, y := c.layout.Position(c.text())
	c.state.X, c.state.Y = x, y
	if b.sink != nil {
		b.sink.SetCaretPosition(which, x, y)
	}
}

// State returns the current state of a caret.
func (b *Blinker) State(which Which) State {
	return b.caret(which).state
}

// Recomputes returns how many mutation-driven recomputes a caret received.
// Periodic ticks are not counted.
func (b *Blinker) Recomputes(which Which) uint64 {
	return b.caret(which).recomputes
}

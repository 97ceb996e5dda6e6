// Package compose holds the provisional composition buffer and the accepted
// document text it is committed into.
package compose

import (
	"errors"
	"fmt"
)

// DefaultCapacity is the composition capacity used when none is configured.
// One slot is reserved, so at most DefaultCapacity-1 runes are held.
const DefaultCapacity = 128

var (
	// ErrBufferFull is reported when an append is rejected because the
	// composition buffer is at capacity.
	ErrBufferFull = errors.New("composition buffer full")

	// ErrAllocation is reported when the document cannot grow to hold an
	// accepted composition.
	ErrAllocation = errors.New("document allocation failed")
)

// Buffer is a capacity-bounded sequence of not-yet-accepted runes.
type Buffer struct {
	runes    []rune
	capacity int
	onChange func()
}

// NewBuffer creates a Buffer. Capacities below 2 fall back to
// DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity < 2 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		runes:    make([]rune, 0, capacity-1),
		capacity: capacity,
	}
}

// OnChange registers the observer notified once per successful mutation.
// It replaces any previous observer.
func (b *Buffer) OnChange(fn func()) {
	b.onChange = fn
}

func (b *Buffer) changed() {
	if b.onChange != nil {
		b.onChange()
	}
}

// Append adds r at the end of the buffer. It returns false, leaving the
// buffer untouched, when the buffer already holds Cap()-1 runes.
func (b *Buffer) Append(r rune) bool {
	if len(b.runes) >= b.capacity-1 {
		return false
	}
	b.runes = append(b.runes, r)
	b.changed()
	return true
}

// TryAppend is Append with an error result for callers that propagate
// errors.
func (b *Buffer) TryAppend(r rune) error {
	if !b.Append(r) {
		return fmt.Errorf("append %q: %w", r, ErrBufferFull)
	}
	return nil
}

// Clear empties the buffer. It always notifies the observer.
func (b *Buffer) Clear() {
	b.runes = b.runes[:0]
	b.changed()
}

// Len returns the number of runes held.
func (b *Buffer) Len() int {
	return len(b.runes)
}

// Cap returns the configured capacity, including the reserved slot.
func (b *Buffer) Cap() int {
	return b.capacity
}

// Full reports whether the next Append would be rejected.
func (b *Buffer) Full() bool {
	return len(b.runes) >= b.capacity-1
}

// Runes returns a copy of the buffer contents.
func (b *Buffer) Runes() []rune {
	out := make([]rune, len(b.runes))
	copy(out, b.runes)
	return out
}

// String returns the buffer contents.
func (b *Buffer) String() string {
	return string(b.runes)
}

// Document is the append-only accepted text.
type Document struct {
	runes    []rune
	maxRunes int
	onChange func()
}

// NewDocument creates an empty document. A positive maxRunes bounds how far
// the document may grow; zero means unbounded.
func NewDocument(maxRunes int) *Document {
	if maxRunes < 0 {
		maxRunes = 0
	}
	return &Document{maxRunes: maxRunes}
}

// OnChange registers the observer notified once per successful accept.
func (d *Document) OnChange(fn func()) {
	d.onChange = fn
}

// Accept appends the contents of c to the document and clears c.
// An empty composition is a no-op. If the document cannot grow, an error
// wrapping ErrAllocation is returned and neither d nor c is modified.
func (d *Document) Accept(c *Buffer) error {
	n := c.Len()
	if n == 0 {
		return nil
	}

	need := len(d.runes) + n
	if d.maxRunes > 0 && need > d.maxRunes {
		return fmt.Errorf("accept %d runes into document of %d (limit %d): %w",
			n, len(d.runes), d.maxRunes, ErrAllocation)
	}

	if need > cap(d.runes) {
		grown, err := d.grow(need)
		if err != nil {
			return err
		}
		d.runes = grown
	}
	d.runes = append(d.runes, c.runes...)

	if d.onChange != nil {
		d.onChange()
	}
	c.Clear()
	return nil
}

// grow returns new storage holding the current document with room for at
// least need runes. Capacity doubles so repeated accepts stay amortised
// linear.
func (d *Document) grow(need int) (storage []rune, err error) {
	newCap := 2 * cap(d.runes)
	if newCap < 64 {
		newCap = 64
	}
	for newCap < need {
		newCap *= 2
	}
	if d.maxRunes > 0 && newCap > d.maxRunes {
		newCap = d.maxRunes
	}

	defer func() {
		// make panics on sizes the runtime refuses to allocate.
		if r := recover(); r != nil {
			storage = nil
			err = fmt.Errorf("grow document to %d runes: %v: %w", newCap, r, ErrAllocation)
		}
	}()
	storage = make([]rune, len(d.runes), newCap)
	copy(storage, d.runes)
	return storage, nil
}

// Len returns the number of accepted runes.
func (d *Document) Len() int {
	return len(d.runes)
}

// Runes returns a copy of the document contents.
func (d *Document) Runes() []rune {
	out := make([]rune, len(d.runes))
	copy(out, d.runes)
	return out
}

// String returns the document contents.
func (d *Document) String() string {
	return string(d.runes)
}

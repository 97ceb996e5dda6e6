// Package timer provides the single-threaded timer services the keyboard
// core is scheduled on.
//
// A Wheel does not own a goroutine. The host advances it from its frame or
// update loop, and callbacks run synchronously inside Advance on the
// caller's goroutine. This keeps every state transition on one logical
// thread.
package timer

import (
	"container/heap"
	"time"
)

// Handle identifies a scheduled callback. The zero Handle is never issued
// and cancelling it is a no-op.
type Handle struct {
	id uint64
}

// Valid reports whether h was issued by a Wheel.
func (h Handle) Valid() bool {
	return h.id != 0
}

// Scheduler is the timer surface required by the keyboard core.
type Scheduler interface {
	// After runs fn once, d after the scheduler's current time.
	After(d time.Duration, fn func()) Handle
	// Every runs fn every d until cancelled.
	Every(d time.Duration, fn func()) Handle
	// Cancel stops a pending callback. It reports whether the handle was
	// still pending.
	Cancel(h Handle) bool
}

type entry struct {
	id       uint64
	deadline time.Time
	period   time.Duration
	fn       func()
	index    int
}

// Wheel is a deadline-ordered timer queue driven by Advance.
// It is not safe for concurrent use.
type Wheel struct {
	now     time.Time
	nextID  uint64
	queue   entryHeap
	entries map[uint64]*entry
}

// NewWheel creates a Wheel whose clock starts at start.
func NewWheel(start time.Time) *Wheel {
	return &Wheel{
		now:     start,
		entries: make(map[uint64]*entry),
	}
}

// Now returns the wheel's current time, the time of the last Advance.
func (w *Wheel) Now() time.Time {
	return w.now
}

// After schedules fn to run once after d.
func (w *Wheel) After(d time.Duration, fn func()) Handle {
	return w.schedule(d, 0, fn)
}

// Every schedules fn to run every d. Non-positive periods are rounded up to
// one millisecond so a periodic timer can never spin.
func (w *Wheel) Every(d time.Duration, fn func()) Handle {
	if d <= 0 {
		d = time.Millisecond
	}
	return w.schedule(d, d, fn)
}

func (w *Wheel) schedule(d, period time.Duration, fn func()) Handle {
	if d < 0 {
		d = 0
	}
	w.nextID++
	e := &entry{
		id:       w.nextID,
		deadline: w.now.Add(d),
		period:   period,
		fn:       fn,
	}
	heap.Push(&w.queue, e)
	w.entries[e.id] = e
	return Handle{id: e.id}
}

// Cancel removes a pending callback.
func (w *Wheel) Cancel(h Handle) bool {
	e, ok := w.entries[h.id]
	if !ok {
		return false
	}
	delete(w.entries, h.id)
	if e.index >= 0 {
		heap.Remove(&w.queue, e.index)
	}
	return true
}

// Pending reports whether h is still scheduled.
func (w *Wheel) Pending(h Handle) bool {
	_, ok := w.entries[h.id]
	return ok
}

// Len returns the number of scheduled callbacks.
func (w *Wheel) Len() int {
	return len(w.entries)
}

// NextDeadline returns the earliest pending deadline.
func (w *Wheel) NextDeadline() (time.Time, bool) {
	if len(w.queue) == 0 {
		return time.Time{}, false
	}
	return w.queue[0].deadline, true
}

// Advance moves the clock to now and runs every callback whose deadline has
// passed, in deadline order. Callbacks may schedule or cancel other timers.
// A periodic timer fires at most once per Advance; if the host fell behind
// by more than one period, the missed firings are dropped.
// It returns the number of callbacks run.
func (w *Wheel) Advance(now time.Time) int {
	if now.After(w.now) {
		w.now = now
	}

	var due []*entry
	for len(w.queue) > 0 && !w.queue[0].deadline.After(w.now) {
		e := heap.Pop(&w.queue).(*entry)
		due = append(due, e)
	}

	// Reschedule periodic entries before running anything so a callback
	// that cancels its own handle takes effect.
	for _, e := range due {
		if e.period <= 0 {
			continue
		}
		e.deadline = e.deadline.Add(e.period)
		if !e.deadline.After(w.now) {
			e.deadline = w.now.Add(e.period)
		}
		heap.Push(&w.queue, e)
	}

	ran := 0
	for _, e := range due {
		// Cancelled by an earlier callback in this batch.
		if _, ok := w.entries[e.id]; !ok {
			continue
		}
		if e.period <= 0 {
			delete(w.entries, e.id)
		}
		if e.fn != nil {
			e.fn()
			ran++
		}
	}
	return ran
}

// Stop cancels every pending callback.
func (w *Wheel) Stop() {
	for _, e := range w.queue {
		e.index = -1
	}
	w.queue = w.queue[:0]
	clear(w.entries)
}

// entryHeap orders entries by deadline, then by scheduling order.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].id < h[j].id
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

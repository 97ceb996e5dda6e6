package keyboard

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blobkbd/internal/timer"
	"blobkbd/internal/zone"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type visualCall struct {
	id KeyID
	v  Visual
}

type harness struct {
	wheel     *timer.Wheel
	m         *Machine
	committed []rune
	visuals   []visualCall
	accept    bool
}

func (h *harness) SetKeyVisual(id KeyID, v Visual) {
	h.visuals = append(h.visuals, visualCall{id: id, v: v})
}

func (h *harness) Commit(r rune) bool {
	if !h.accept {
		return false
	}
	h.committed = append(h.committed, r)
	return true
}

func (h *harness) advance(d time.Duration) {
	h.wheel.Advance(h.wheel.Now().Add(d))
}

func (h *harness) lastVisual(id KeyID) Visual {
	for i := len(h.visuals) - 1; i >= 0; i-- {
		if h.visuals[i].id == id {
			return h.visuals[i].v
		}
	}
	return Visual{Zone: zone.Zone(-99)}
}

func newHarness(t *testing.T, policy ResetPolicy) *harness {
	t.Helper()
	h := &harness{wheel: timer.NewWheel(epoch), accept: true}
	h.m = NewMachine(h.wheel, h, h, Options{
		Debounce: DefaultDebounce,
		Policy:   policy,
		Clock:    h.wheel.Now,
	})
	return h
}

// bac is the worked example key: 'b' left, 'a' center, 'c' right.
func addBAC(t *testing.T, h *harness) KeyID {
	t.Helper()
	id, err := h.m.Add(KeyDef{
		Letters: [3]rune{'b', 'a', 'c'},
		Rect:    zone.Rect{X: 100, Y: 50, Width: 62, Height: 62},
	})
	require.NoError(t, err)
	return id
}

func at(relX int) zone.Point {
	return zone.Point{X: 100 + relX, Y: 60}
}

func TestMachine_PressReleaseCommitsLeft(t *testing.T) {
	h := newHarness(t, ResetCancel)
	id := addBAC(t, h)

	require.NoError(t, h.m.Press(id, at(10)))
	info, _ := h.m.Key(id)
	assert.Equal(t, Pressing, info.State)
	assert.Equal(t, zone.Left, info.Zone)
	assert.Equal(t, Visual{Zone: zone.Left, Active: true}, h.lastVisual(id))

	h.advance(40 * time.Millisecond)
	out, err := h.m.Release(id)
	require.NoError(t, err)
	assert.True(t, out.Committed)
	assert.True(t, out.Accepted)
	assert.Equal(t, 'b', out.Char)
	assert.Equal(t, zone.Left, out.Zone)
	assert.Equal(t, 40*time.Millisecond, out.Held)
	assert.Equal(t, []rune{'b'}, h.committed)

	info, _ = h.m.Key(id)
	assert.Equal(t, Resetting, info.State)
	assert.True(t, info.Pending)
}

func TestMachine_PressLostDiscards(t *testing.T) {
	h := newHarness(t, ResetCancel)
	id := addBAC(t, h)

	require.NoError(t, h.m.Press(id, at(10)))
	require.NoError(t, h.m.PressLost(id))
	assert.Empty(t, h.committed)

	info, _ := h.m.Key(id)
	assert.Equal(t, Resetting, info.State)

	// A late release after press-lost commits nothing.
	out, err := h.m.Release(id)
	require.NoError(t, err)
	assert.False(t, out.Committed)
	assert.Empty(t, h.committed)
}

func TestMachine_MoveKeepsLatestZone(t *testing.T) {
	h := newHarness(t, ResetCancel)
	id := addBAC(t, h)

	require.NoError(t, h.m.Press(id, at(10)))
	require.NoError(t, h.m.Move(id, at(31)))
	require.NoError(t, h.m.Move(id, at(45)))
	assert.Equal(t, Visual{Zone: zone.Right, Active: true}, h.lastVisual(id))

	out, err := h.m.Release(id)
	require.NoError(t, err)
	assert.Equal(t, 'c', out.Char)
	assert.Equal(t, []rune{'c'}, h.committed)
}

func TestMachine_MoveWithinZoneDoesNotRepaint(t *testing.T) {
	h := newHarness(t, ResetCancel)
	id := addBAC(t, h)
	require.NoError(t, h.m.Press(id, at(25)))
	n := len(h.visuals)

	require.NoError(t, h.m.Move(id, at(30)))
	require.NoError(t, h.m.Move(id, at(35)))
	assert.Len(t, h.visuals, n)
}

func TestMachine_MoveWhileIdleIgnored(t *testing.T) {
	h := newHarness(t, ResetCancel)
	id := addBAC(t, h)

	require.NoError(t, h.m.Move(id, at(10)))
	info, _ := h.m.Key(id)
	assert.Equal(t, Idle, info.State)
}

func TestMachine_DebounceResetsVisuals(t *testing.T) {
	h := newHarness(t, ResetCancel)
	id := addBAC(t, h)

	require.NoError(t, h.m.Press(id, at(31)))
	_, err := h.m.Release(id)
	require.NoError(t, err)
	assert.Equal(t, Visual{Zone: zone.Center, Active: true}, h.lastVisual(id))

	h.advance(99 * time.Millisecond)
	info, _ := h.m.Key(id)
	assert.Equal(t, Resetting, info.State)

	h.advance(time.Millisecond)
	info, _ = h.m.Key(id)
	assert.Equal(t, Idle, info.State)
	assert.False(t, info.Pending)
	assert.Equal(t, DefaultVisual, h.lastVisual(id))
	assert.Equal(t, 0, h.wheel.Len())
}

func TestMachine_ReleaseWithoutSessionResetsImmediately(t *testing.T) {
	h := newHarness(t, ResetCancel)
	id := addBAC(t, h)
	h.visuals = nil

	out, err := h.m.Release(id)
	require.NoError(t, err)
	assert.False(t, out.Committed)
	require.Len(t, h.visuals, 1)
	assert.Equal(t, DefaultVisual, h.visuals[0].v)
	assert.Equal(t, 0, h.wheel.Len())

	require.NoError(t, h.m.PressLost(id))
	assert.Len(t, h.visuals, 2)
	info, _ := h.m.Key(id)
	assert.Equal(t, Idle, info.State)
}

func TestMachine_CommitExactlyOnce(t *testing.T) {
	h := newHarness(t, ResetCancel)
	id := addBAC(t, h)

	require.NoError(t, h.m.Press(id, at(10)))
	_, err := h.m.Release(id)
	require.NoError(t, err)
	_, err = h.m.Release(id)
	require.NoError(t, err)
	h.advance(time.Second)
	_, err = h.m.Release(id)
	require.NoError(t, err)

	assert.Equal(t, []rune{'b'}, h.committed)
}

func TestMachine_RejectedCommit(t *testing.T) {
	h := newHarness(t, ResetCancel)
	h.accept = false
	id := addBAC(t, h)

	require.NoError(t, h.m.Press(id, at(10)))
	out, err := h.m.Release(id)
	require.NoError(t, err)
	assert.True(t, out.Committed)
	assert.False(t, out.Accepted)
}

func TestMachine_IndependentKeys(t *testing.T) {
	h := newHarness(t, ResetCancel)
	a := addBAC(t, h)
	b, err := h.m.Add(KeyDef{
		Letters: [3]rune{'e', 'd', 'f'},
		Rect:    zone.Rect{X: 200, Y: 50, Width: 62, Height: 62},
	})
	require.NoError(t, err)

	require.NoError(t, h.m.Press(a, at(10)))
	_, err = h.m.Release(a)
	require.NoError(t, err)

	// b is pressed while a still waits for its reset.
	require.NoError(t, h.m.Press(b, zone.Point{X: 250, Y: 60}))
	h.advance(DefaultDebounce)

	infoA, _ := h.m.Key(a)
	infoB, _ := h.m.Key(b)
	assert.Equal(t, Idle, infoA.State)
	assert.Equal(t, Pressing, infoB.State)

	_, err = h.m.Release(b)
	require.NoError(t, err)
	assert.Equal(t, []rune{'b', 'f'}, h.committed)
}

func TestMachine_CancelPolicyReplacesPendingReset(t *testing.T) {
	h := newHarness(t, ResetCancel)
	id := addBAC(t, h)

	require.NoError(t, h.m.Press(id, at(10)))
	_, err := h.m.Release(id)
	require.NoError(t, err)

	h.advance(50 * time.Millisecond)
	require.NoError(t, h.m.Press(id, at(45)))
	assert.Equal(t, 0, h.wheel.Len())

	// The old reset would have fired here.
	h.advance(60 * time.Millisecond)
	assert.Equal(t, Visual{Zone: zone.Right, Active: true}, h.lastVisual(id))
	info, _ := h.m.Key(id)
	assert.Equal(t, Pressing, info.State)
}

func TestMachine_LastWinsPolicyOnlyTouchesVisuals(t *testing.T) {
	h := newHarness(t, ResetLastWins)
	id := addBAC(t, h)

	require.NoError(t, h.m.Press(id, at(10)))
	_, err := h.m.Release(id)
	require.NoError(t, err)

	h.advance(50 * time.Millisecond)
	require.NoError(t, h.m.Press(id, at(45)))
	assert.Equal(t, 1, h.wheel.Len())

	// The first reset fires mid-press and wipes the highlight.
	h.advance(60 * time.Millisecond)
	assert.Equal(t, DefaultVisual, h.lastVisual(id))
	info, _ := h.m.Key(id)
	assert.Equal(t, Pressing, info.State)

	out, err := h.m.Release(id)
	require.NoError(t, err)
	assert.Equal(t, 'c', out.Char)
	assert.Equal(t, []rune{'b', 'c'}, h.committed)

	h.advance(DefaultDebounce)
	info, _ = h.m.Key(id)
	assert.Equal(t, Idle, info.State)
	assert.Equal(t, 0, h.wheel.Len())
}

func TestMachine_LastWinsRestoresHighlightAfterStaleReset(t *testing.T) {
	h := newHarness(t, ResetLastWins)
	id := addBAC(t, h)

	require.NoError(t, h.m.Press(id, at(10)))
	_, err := h.m.Release(id)
	require.NoError(t, err)

	h.advance(50 * time.Millisecond)
	require.NoError(t, h.m.Press(id, at(45)))
	h.advance(60 * time.Millisecond)
	require.Equal(t, DefaultVisual, h.lastVisual(id))

	// Same zone as before the stale reset fired.
	require.NoError(t, h.m.Move(id, at(46)))
	assert.Equal(t, Visual{Zone: zone.Right, Active: true}, h.lastVisual(id))

	require.NoError(t, h.m.Press(id, at(47)))
	assert.Equal(t, Visual{Zone: zone.Right, Active: true}, h.lastVisual(id))

	out, err := h.m.Release(id)
	require.NoError(t, err)
	assert.Equal(t, 'c', out.Char)
}

func TestMachine_LastWinsSupersededResetStaysIdleSafe(t *testing.T) {
	h := newHarness(t, ResetLastWins)
	id := addBAC(t, h)

	require.NoError(t, h.m.Press(id, at(10)))
	_, _ = h.m.Release(id)
	h.advance(20 * time.Millisecond)
	require.NoError(t, h.m.Press(id, at(10)))
	_, _ = h.m.Release(id)
	assert.Equal(t, 2, h.wheel.Len())

	// First (superseded) reset: visuals only, key keeps Resetting.
	h.advance(80 * time.Millisecond)
	info, _ := h.m.Key(id)
	assert.Equal(t, Resetting, info.State)
	assert.True(t, info.Pending)

	h.advance(20 * time.Millisecond)
	info, _ = h.m.Key(id)
	assert.Equal(t, Idle, info.State)
	assert.False(t, info.Pending)
}

func TestMachine_RemoveCancelsTimers(t *testing.T) {
	for _, policy := range []ResetPolicy{ResetCancel, ResetLastWins} {
		t.Run(policy.String(), func(t *testing.T) {
			h := newHarness(t, policy)
			id := addBAC(t, h)

			require.NoError(t, h.m.Press(id, at(10)))
			_, _ = h.m.Release(id)
			require.NoError(t, h.m.Press(id, at(10)))
			_, _ = h.m.Release(id)

			require.NoError(t, h.m.Remove(id))
			assert.Equal(t, 0, h.wheel.Len())
			assert.NotPanics(t, func() { h.advance(time.Second) })

			_, ok := h.m.Key(id)
			assert.False(t, ok)
		})
	}
}

func TestMachine_DanglingResetPanics(t *testing.T) {
	h := newHarness(t, ResetCancel)
	id := addBAC(t, h)
	require.NoError(t, h.m.Remove(id))

	assert.Panics(t, func() { h.m.resetFired(id, timer.Handle{}) })
}

func TestMachine_StaleIDAfterSlotReuse(t *testing.T) {
	h := newHarness(t, ResetCancel)
	old := addBAC(t, h)
	require.NoError(t, h.m.Remove(old))

	fresh := addBAC(t, h)
	assert.NotEqual(t, old, fresh)

	err := h.m.Press(old, at(10))
	assert.True(t, errors.Is(err, ErrUnknownKey))
	assert.True(t, errors.Is(h.m.Remove(old), ErrUnknownKey))
	assert.True(t, errors.Is(h.m.PressLost(KeyID{}), ErrUnknownKey))
	_, err = h.m.Release(KeyID{slot: 40, gen: 1})
	assert.True(t, errors.Is(err, ErrUnknownKey))

	assert.Equal(t, 1, h.m.Len())
}

func TestMachine_AddValidates(t *testing.T) {
	h := newHarness(t, ResetCancel)

	_, err := h.m.Add(KeyDef{Letters: [3]rune{'a', 0, 'c'}})
	assert.True(t, errors.Is(err, ErrInvalidKey))

	_, err = h.m.Add(KeyDef{Letters: [3]rune{'a', 'b', 'c'}, Rect: zone.Rect{Width: -1}})
	assert.True(t, errors.Is(err, ErrInvalidKey))
	assert.Equal(t, 0, h.m.Len())
}

func TestMachine_HitTestAndRemoveAll(t *testing.T) {
	h := newHarness(t, ResetCancel)
	id := addBAC(t, h)

	got, ok := h.m.HitTest(zone.Point{X: 130, Y: 70})
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = h.m.HitTest(zone.Point{X: 10, Y: 10})
	assert.False(t, ok)

	require.NoError(t, h.m.Press(id, at(10)))
	_, _ = h.m.Release(id)
	h.m.RemoveAll()
	assert.Equal(t, 0, h.m.Len())
	assert.Equal(t, 0, h.wheel.Len())
}

func TestParseResetPolicy(t *testing.T) {
	p, err := ParseResetPolicy("")
	require.NoError(t, err)
	assert.Equal(t, ResetCancel, p)

	p, err = ParseResetPolicy("last-wins")
	require.NoError(t, err)
	assert.Equal(t, ResetLastWins, p)

	_, err = ParseResetPolicy("sometimes")
	assert.Error(t, err)
}

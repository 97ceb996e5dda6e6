package ime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blobkbd/internal/caret"
	"blobkbd/internal/compose"
	"blobkbd/internal/config"
	"blobkbd/internal/keyboard"
	"blobkbd/internal/metrics"
	"blobkbd/internal/store"
	"blobkbd/internal/zone"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Start = epoch
	opts.Logger = quietLogger()
	opts.Metrics = metrics.NewKeyboardMetrics(metrics.NewRegistry("test", ""))
	return opts
}

func newTestEngine(t *testing.T, mutate func(*Options)) (*Engine, *Recorder) {
	t.Helper()
	opts := testOptions()
	if mutate != nil {
		mutate(&opts)
	}
	rec := NewRecorder()
	e, err := New(rec, opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, rec
}

func keyAt(t *testing.T, e *Engine, idx int) (keyboard.KeyID, zone.Rect) {
	t.Helper()
	id, ok := e.KeyIndex(idx)
	require.True(t, ok, "key %d", idx)
	info, ok := e.Key(id)
	require.True(t, ok)
	return id, info.Def.Rect
}

// tap presses and releases a key of the default layout in zone z.
func tap(t *testing.T, e *Engine, idx int, z zone.Zone) {
	t.Helper()
	id, r := keyAt(t, e, idx)
	require.NoError(t, e.Dispatch(Press(id, r.PointIn(z))))
	require.NoError(t, e.Dispatch(Release(id)))
}

func act(t *testing.T, e *Engine, a Action) {
	t.Helper()
	require.NoError(t, e.Dispatch(Act(a)))
}

func TestNewEngine(t *testing.T) {
	e, rec := newTestEngine(t, nil)

	assert.Len(t, e.Keys(), 9)
	assert.Equal(t, "abc", e.Layout().Name)
	assert.NotEmpty(t, e.SessionID())
	assert.Equal(t, epoch, e.Now())
	assert.Equal(t, 1, e.Pending(), "only the blink timer is scheduled")

	for _, id := range e.Keys() {
		v, ok := rec.Visual(id)
		require.True(t, ok)
		assert.Equal(t, keyboard.DefaultVisual, v)
	}
	assert.True(t, rec.Caret(caret.Composition).Visible)
	assert.True(t, rec.Caret(caret.Document).Visible)

	deadline, ok := e.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, epoch.Add(caret.DefaultBlinkInterval), deadline)
}

func TestTypeAndAccept(t *testing.T) {
	e, rec := newTestEngine(t, nil)

	tap(t, e, 2, zone.Left)  // h
	tap(t, e, 2, zone.Right) // i
	assert.Equal(t, "hi", e.Composition())
	assert.Equal(t, "hi", rec.Composition())
	assert.Equal(t, "", e.Document())

	act(t, e, ActionAccept)
	assert.Equal(t, "", e.Composition())
	assert.Equal(t, "hi", e.Document())
	assert.Equal(t, "", rec.Composition())
	assert.Equal(t, "hi", rec.Document())

	// Two appends and the clear inside accept; one document change.
	assert.Equal(t, uint64(3), e.Recomputes(caret.Composition))
	assert.Equal(t, uint64(1), e.Recomputes(caret.Document))

	m := e.metrics
	assert.Equal(t, uint64(2), m.Presses.Value())
	assert.Equal(t, uint64(2), m.Commits.Value())
	assert.Equal(t, uint64(1), m.Accepts.Value())
	assert.Equal(t, int64(2), m.DocumentLen.Value())
	assert.Equal(t, int64(0), m.CompositionLen.Value())
}

func TestCaretPositions(t *testing.T) {
	e, rec := newTestEngine(t, func(o *Options) {
		o.CaretMetrics = caret.Metrics{CellWidth: 10, LineHeight: 20}
		o.WrapWidth = 30
	})

	tap(t, e, 0, zone.Center) // a
	tap(t, e, 0, zone.Center) // a
	assert.Equal(t, caret.State{Visible: true, X: 20, Y: 0}, e.Caret(caret.Composition))
	assert.Equal(t, 20, rec.Caret(caret.Composition).X)

	tap(t, e, 0, zone.Center)
	tap(t, e, 0, zone.Center)
	act(t, e, ActionAccept)

	// "aaaa" wraps after three cells; the caret ends the second line.
	assert.Equal(t, caret.State{Visible: true, X: 10, Y: 20}, e.Caret(caret.Document))
	assert.Equal(t, 0, e.Caret(caret.Composition).X)
}

func TestClearAndSpace(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	tap(t, e, 0, zone.Center)
	act(t, e, ActionSpace)
	tap(t, e, 1, zone.Center)
	assert.Equal(t, "a d", e.Composition())

	act(t, e, ActionClear)
	assert.Equal(t, "", e.Composition())
	assert.Equal(t, "", e.Document())
	assert.Equal(t, uint64(1), e.metrics.Clears.Value())

	// Clearing an empty composition still notifies.
	before := e.Recomputes(caret.Composition)
	act(t, e, ActionClear)
	assert.Equal(t, before+1, e.Recomputes(caret.Composition))

	// Accepting nothing changes nothing.
	act(t, e, ActionAccept)
	assert.Equal(t, uint64(0), e.Recomputes(caret.Document))
	assert.Equal(t, uint64(0), e.metrics.Accepts.Value())
}

func TestCompositionFull(t *testing.T) {
	e, _ := newTestEngine(t, func(o *Options) { o.Capacity = 3 })

	tap(t, e, 0, zone.Left)
	tap(t, e, 0, zone.Center)
	before := e.Recomputes(caret.Composition)

	tap(t, e, 0, zone.Right)
	act(t, e, ActionSpace)

	assert.Equal(t, "ba", e.Composition())
	assert.Equal(t, before, e.Recomputes(caret.Composition), "rejected appends do not recompute")
	assert.Equal(t, uint64(2), e.metrics.Dropped.Value())
	assert.Equal(t, uint64(3), e.metrics.Commits.Value())
}

func TestAcceptAllocationFailure(t *testing.T) {
	e, rec := newTestEngine(t, func(o *Options) { o.MaxDocumentRunes = 2 })

	tap(t, e, 0, zone.Center)
	act(t, e, ActionAccept)
	tap(t, e, 1, zone.Center)
	tap(t, e, 1, zone.Center)

	err := e.Dispatch(Act(ActionAccept))
	require.Error(t, err)
	assert.True(t, errors.Is(err, compose.ErrAllocation))

	assert.Equal(t, "a", e.Document())
	assert.Equal(t, "dd", e.Composition(), "composition survives a failed accept")
	assert.Equal(t, "a", rec.Document())
	assert.Equal(t, uint64(1), e.metrics.AcceptErrors.Value())
}

func TestUnknownKeyAndAction(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	err := e.Dispatch(Press(keyboard.KeyID{}, zone.Point{}))
	assert.True(t, errors.Is(err, keyboard.ErrUnknownKey))
	assert.Equal(t, uint64(1), e.metrics.UnknownKeys.Value())

	err = e.Dispatch(Act(Action(42)))
	assert.True(t, errors.Is(err, ErrUnknownAction))

	err = e.Dispatch(Event{Kind: EventKind(42)})
	assert.True(t, errors.Is(err, ErrUnknownEvent))
}

func TestPressLost(t *testing.T) {
	e, rec := newTestEngine(t, nil)
	id, r := keyAt(t, e, 4)

	require.NoError(t, e.Dispatch(Press(id, r.PointIn(zone.Left))))
	require.NoError(t, e.Dispatch(Move(id, r.PointIn(zone.Right))))
	v, _ := rec.Visual(id)
	assert.Equal(t, keyboard.Visual{Zone: zone.Right, Active: true}, v)

	require.NoError(t, e.Dispatch(PressLost(id)))
	assert.Equal(t, "", e.Composition())
	assert.Equal(t, uint64(1), e.metrics.PressesLost.Value())
	assert.Equal(t, uint64(0), e.metrics.Commits.Value())
}

func TestPressCountsSessions(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	id, r := keyAt(t, e, 0)

	require.NoError(t, e.Dispatch(Press(id, r.PointIn(zone.Left))))
	require.NoError(t, e.Dispatch(Press(id, r.PointIn(zone.Center))))
	require.NoError(t, e.Dispatch(Press(id, r.PointIn(zone.Center))))
	assert.Equal(t, uint64(1), e.metrics.Presses.Value())

	require.NoError(t, e.Dispatch(Release(id)))
	// Pressed again while the debounce reset is pending.
	require.NoError(t, e.Dispatch(Press(id, r.PointIn(zone.Right))))
	assert.Equal(t, uint64(2), e.metrics.Presses.Value())

	require.NoError(t, e.Dispatch(PressLost(id)))
	require.NoError(t, e.Dispatch(PressLost(id)))
	assert.Equal(t, uint64(1), e.metrics.PressesLost.Value())
	assert.Equal(t, "a", e.Composition())
}

func TestDebounceAndBlinkShareWheel(t *testing.T) {
	e, rec := newTestEngine(t, nil)
	id, r := keyAt(t, e, 4)

	require.NoError(t, e.Dispatch(Press(id, r.PointIn(zone.Center))))
	require.NoError(t, e.Dispatch(Release(id)))
	assert.Equal(t, 2, e.Pending())

	info, _ := e.Key(id)
	assert.Equal(t, keyboard.Resetting, info.State)

	e.Advance(epoch.Add(keyboard.DefaultDebounce))
	info, _ = e.Key(id)
	assert.Equal(t, keyboard.Idle, info.State)
	v, _ := rec.Visual(id)
	assert.Equal(t, keyboard.DefaultVisual, v)
	assert.Equal(t, 1, e.Pending())

	e.Advance(epoch.Add(caret.DefaultBlinkInterval))
	assert.False(t, rec.Caret(caret.Composition).Visible)
	assert.False(t, rec.Caret(caret.Document).Visible)

	e.Advance(epoch.Add(2 * caret.DefaultBlinkInterval))
	assert.True(t, rec.Caret(caret.Composition).Visible)
}

func TestCloseCancelsEverything(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	id, r := keyAt(t, e, 0)

	require.NoError(t, e.Dispatch(Press(id, r.PointIn(zone.Center))))
	require.NoError(t, e.Dispatch(Release(id)))
	require.Greater(t, e.Pending(), 1)

	require.NoError(t, e.Close())
	assert.Equal(t, 0, e.Pending())
	assert.Empty(t, e.Keys())
	assert.Equal(t, int64(0), e.metrics.Keys.Value())

	assert.ErrorIs(t, e.Dispatch(Act(ActionAccept)), ErrClosed)
	assert.ErrorIs(t, e.Submit(Act(ActionAccept)), ErrClosed)
	assert.ErrorIs(t, e.Run(context.Background()), ErrClosed)
	assert.Equal(t, 0, e.Advance(epoch.Add(time.Hour)))
	assert.NoError(t, e.Close())
}

func TestLoadLayoutKeepsOldKeysOnError(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	old := e.Keys()

	err := e.LoadLayout(keyboard.Layout{Keys: []keyboard.KeySpec{{Letters: "ab", Width: 10, Height: 10}}})
	require.Error(t, err)
	assert.Equal(t, old, e.Keys())

	next := keyboard.Grid("two", []string{"abc", "def"}, 2, 40, 0)
	require.NoError(t, e.LoadLayout(next))
	assert.Len(t, e.Keys(), 2)
	assert.Equal(t, "two", e.Layout().Name)

	_, ok := e.Key(old[0])
	assert.False(t, ok, "old keys are removed")
	assert.ErrorIs(t, e.Dispatch(Release(old[0])), keyboard.ErrUnknownKey)

	id, ok := e.KeyAt(zone.Point{X: 50, Y: 20})
	require.True(t, ok)
	assert.Equal(t, e.Keys()[1], id)
}

type fakeHistory struct {
	mu      sync.Mutex
	begun   []string
	ended   []string
	accepts []string
	err     error
}

func (h *fakeHistory) RecordAccept(_ context.Context, sessionID, text string, _ time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.accepts = append(h.accepts, sessionID+":"+text)
	return nil
}

func (h *fakeHistory) BeginSession(_ context.Context, id, _ string, _ time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.begun = append(h.begun, id)
	return nil
}

func (h *fakeHistory) EndSession(_ context.Context, id string, _ time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ended = append(h.ended, id)
	return nil
}

func TestHistory(t *testing.T) {
	hist := &fakeHistory{}
	e, _ := newTestEngine(t, func(o *Options) { o.History = hist })
	sid := e.SessionID()

	act(t, e, ActionAccept)
	tap(t, e, 0, zone.Center)
	act(t, e, ActionAccept)

	hist.err = errors.New("disk full")
	tap(t, e, 1, zone.Center)
	act(t, e, ActionAccept)
	assert.Equal(t, "ad", e.Document(), "history failures do not undo accepts")

	select {
	case err := <-e.Errors():
		assert.Contains(t, err.Error(), "disk full")
	default:
		t.Fatal("history error not reported")
	}

	require.NoError(t, e.Close())
	assert.Equal(t, []string{sid}, hist.begun)
	assert.Equal(t, []string{sid}, hist.ended)
	assert.Equal(t, []string{sid + ":a"}, hist.accepts)
}

func TestHistoryStore(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer st.Close()

	e, _ := newTestEngine(t, func(o *Options) { o.History = st })
	tap(t, e, 2, zone.Left)
	tap(t, e, 2, zone.Right)
	act(t, e, ActionAccept)
	require.NoError(t, e.Close())

	ctx := context.Background()
	sess, err := st.GetSession(ctx, e.SessionID())
	require.NoError(t, err)
	assert.Equal(t, "abc", sess.Layout)
	assert.False(t, sess.Open())
	assert.Equal(t, 1, sess.Accepts)

	recent, err := st.RecentAccepts(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "hi", recent[0].Text)
}

func TestSubmitQueue(t *testing.T) {
	e, _ := newTestEngine(t, func(o *Options) { o.QueueSize = 2 })
	id, r := keyAt(t, e, 0)

	require.NoError(t, e.Submit(Press(id, r.PointIn(zone.Center))))
	require.NoError(t, e.Submit(Release(id)))
	assert.ErrorIs(t, e.Submit(Act(ActionAccept)), ErrQueueFull)

	assert.Equal(t, 2, e.Drain())
	assert.Equal(t, "a", e.Composition())

	ran := false
	require.NoError(t, e.Do(func() { ran = true }))
	assert.Equal(t, 1, e.Drain())
	assert.True(t, ran)
	assert.Equal(t, 0, e.Drain())
}

func TestRun(t *testing.T) {
	opts := testOptions()
	opts.Start = time.Time{}
	opts.TickInterval = time.Millisecond
	e, err := New(NewRecorder(), opts)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	id, ok := e.KeyIndex(2)
	require.True(t, ok)
	r := keyboard.DefaultLayout().Keys[2]
	rect := zone.Rect{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}

	require.NoError(t, e.Submit(Press(id, rect.PointIn(zone.Left))))
	require.NoError(t, e.Submit(Release(id)))
	require.NoError(t, e.Submit(Act(ActionAccept)))
	require.NoError(t, e.Submit(Release(keyboard.KeyID{})))

	doc := make(chan string, 1)
	require.NoError(t, e.Do(func() { doc <- e.Document() }))

	select {
	case got := <-doc:
		assert.Equal(t, "h", got)
	case <-time.After(5 * time.Second):
		t.Fatal("queued job did not run")
	}

	select {
	case err := <-e.Errors():
		assert.ErrorIs(t, err, keyboard.ErrUnknownKey)
	case <-time.After(5 * time.Second):
		t.Fatal("event error not reported")
	}

	assert.ErrorIs(t, e.Run(context.Background()), ErrRunning)

	require.NoError(t, e.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.Equal(t, 0, e.Pending())
}

func TestPing(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	// Without Run or Drain nobody answers.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Ping(ctx), context.DeadlineExceeded)

	pinged := make(chan error, 1)
	go func() { pinged <- e.Ping(context.Background()) }()
	require.Eventually(t, func() bool {
		e.Drain()
		select {
		case err := <-pinged:
			return assert.NoError(t, err)
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Ping(context.Background()), ErrClosed)
}

func TestRunContextCancel(t *testing.T) {
	e, _ := newTestEngine(t, func(o *Options) { o.TickInterval = time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, e.Run(ctx), context.Canceled)

	// The engine stays usable after Run returns.
	tap(t, e, 0, zone.Center)
	assert.Equal(t, "a", e.Composition())
}

func TestApplyConfig(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	path := filepath.Join(t.TempDir(), "layout.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: single
keys:
  - letters: xyz
    x: 0
    y: 0
    width: 90
    height: 60
`), 0600))

	cfg := config.DefaultConfig()
	cfg.Keyboard.LayoutPath = path
	cfg.Keyboard.DebounceMs = 300
	cfg.Keyboard.ResetPolicy = "last-wins"
	cfg.Caret.BlinkMs = 250
	require.NoError(t, e.ApplyConfig(cfg))

	assert.Len(t, e.Keys(), 1)
	assert.Equal(t, "single", e.Layout().Name)
	assert.Equal(t, 300*time.Millisecond, e.machine.Debounce())
	assert.Equal(t, 250*time.Millisecond, e.blinker.Interval())
	assert.Equal(t, uint64(1), e.metrics.ConfigReloads.Value())

	deadline, ok := e.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, epoch.Add(250*time.Millisecond), deadline)

	tap(t, e, 0, zone.Right)
	assert.Equal(t, "z", e.Composition())

	// Same path: the layout is not reloaded.
	keys := e.Keys()
	require.NoError(t, e.ApplyConfig(cfg))
	assert.Equal(t, keys, e.Keys())

	cfg.Keyboard.LayoutPath = filepath.Join(t.TempDir(), "missing.yaml")
	assert.Error(t, e.ApplyConfig(cfg))
	assert.Equal(t, keys, e.Keys())
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Keyboard.ResetPolicy = "last-wins"
	cfg.Caret.DocumentVisibleLines = 4

	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 128, opts.Capacity)
	assert.Equal(t, keyboard.ResetLastWins, opts.Policy)
	assert.Equal(t, 100*time.Millisecond, opts.Debounce)
	assert.Equal(t, 500*time.Millisecond, opts.BlinkInterval)
	assert.Equal(t, 4, opts.VisibleLines)
	assert.Nil(t, opts.Layout)

	cfg.Keyboard.LayoutPath = filepath.Join(t.TempDir(), "missing.json")
	_, err = OptionsFromConfig(cfg)
	assert.Error(t, err)
}

func TestParseAction(t *testing.T) {
	for _, a := range []Action{ActionClear, ActionAccept, ActionSpace} {
		got, err := ParseAction(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}
	_, err := ParseAction("backspace")
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestParseEventKind(t *testing.T) {
	for _, k := range []EventKind{EventPress, EventMove, EventRelease, EventPressLost, EventAction} {
		got, err := ParseEventKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseEventKind("tap")
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

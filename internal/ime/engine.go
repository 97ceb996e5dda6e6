package ime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"blobkbd/internal/caret"
	"blobkbd/internal/compose"
	"blobkbd/internal/config"
	"blobkbd/internal/keyboard"
	"blobkbd/internal/metrics"
	"blobkbd/internal/timer"
	"blobkbd/internal/zone"
)

var (
	// ErrClosed is returned by an Engine after Close.
	ErrClosed = errors.New("ime: engine closed")
	// ErrQueueFull is returned by Submit when the event queue is full.
	ErrQueueFull = errors.New("ime: event queue full")
	// ErrRunning is returned by Run when another Run is active.
	ErrRunning = errors.New("ime: engine already running")
)

// historyTimeout bounds a single history write.
const historyTimeout = 2 * time.Second

// HistoryRecorder stores accepted compositions.
type HistoryRecorder interface {
	RecordAccept(ctx context.Context, sessionID, text string, at time.Time) error
}

// SessionRecorder is implemented by recorders that also track session
// boundaries.
type SessionRecorder interface {
	BeginSession(ctx context.Context, id, layout string, at time.Time) error
	EndSession(ctx context.Context, id string, at time.Time) error
}

// Options configures an Engine.
type Options struct {
	// Start is the initial clock of the timer wheel. Zero uses time.Now.
	Start time.Time

	// Capacity is the composition buffer capacity; it holds Capacity-1 runes.
	Capacity int
	// MaxDocumentRunes bounds the document. Zero means unbounded.
	MaxDocumentRunes int

	Debounce      time.Duration
	Policy        keyboard.ResetPolicy
	BlinkInterval time.Duration

	CaretMetrics caret.Metrics
	// WrapWidth and VisibleLines describe the document display.
	WrapWidth    int
	VisibleLines int

	// Layout is the initial key set. Nil loads keyboard.DefaultLayout.
	Layout *keyboard.Layout
	// LayoutPath is the file Layout was read from, if any.
	LayoutPath string

	// TickInterval is how often Run advances the wheel.
	TickInterval time.Duration
	// QueueSize bounds the Submit queue.
	QueueSize int

	Logger  *slog.Logger
	Metrics *metrics.KeyboardMetrics
	History HistoryRecorder
}

// DefaultOptions returns the options used for a zero configuration.
func DefaultOptions() Options {
	return Options{
		Capacity:         compose.DefaultCapacity,
		MaxDocumentRunes: 1 << 20,
		Debounce:         keyboard.DefaultDebounce,
		Policy:           keyboard.ResetCancel,
		BlinkInterval:    caret.DefaultBlinkInterval,
		CaretMetrics:     caret.DefaultMetrics(),
		WrapWidth:        480,
		TickInterval:     10 * time.Millisecond,
		QueueSize:        256,
	}
}

// OptionsFromConfig builds Options from a validated configuration. The
// layout file, if any, is loaded here.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	opts := DefaultOptions()

	policy, err := keyboard.ParseResetPolicy(cfg.Keyboard.ResetPolicy)
	if err != nil {
		return opts, err
	}
	opts.Policy = policy
	opts.Capacity = cfg.Keyboard.CompositionCapacity
	opts.Debounce = cfg.Keyboard.Debounce()
	opts.MaxDocumentRunes = cfg.Document.MaxRunes
	opts.BlinkInterval = cfg.Caret.Blink()
	opts.CaretMetrics = caret.Metrics{CellWidth: cfg.Caret.CellWidth, LineHeight: cfg.Caret.LineHeight}
	opts.WrapWidth = cfg.Caret.DocumentWrapWidth
	opts.VisibleLines = cfg.Caret.DocumentVisibleLines
	opts.TickInterval = cfg.Loop.Tick()
	opts.QueueSize = cfg.Loop.QueueSize

	if cfg.Keyboard.LayoutPath != "" {
		l, err := keyboard.LoadLayout(cfg.Keyboard.LayoutPath)
		if err != nil {
			return opts, err
		}
		opts.Layout = &l
		opts.LayoutPath = cfg.Keyboard.LayoutPath
	}
	return opts, nil
}

type job struct {
	ev Event
	fn func()
}

// Engine is one keyboard session: the keys, both buffers, both carets and
// the timer wheel they share.
//
// An Engine is single-threaded. Dispatch, Advance and the accessors must be
// called from one goroutine, either the host's frame loop or Run. Submit,
// Do and Close may be called from any goroutine.
type Engine struct {
	id      string
	opts    Options
	log     *slog.Logger
	metrics *metrics.KeyboardMetrics
	history HistoryRecorder

	wheel     *timer.Wheel
	machine   *keyboard.Machine
	comp      *compose.Buffer
	doc       *compose.Document
	blinker   *caret.Blinker
	presenter Presenter

	layout     keyboard.Layout
	layoutPath string
	keys       []keyboard.KeyID

	queue chan job
	errs  chan error
	done  chan struct{}

	mu       sync.Mutex
	closed   bool
	running  bool
	stopped  chan struct{}
	teardown sync.Once
	closeErr error
}

// New creates an Engine, loads its layout and starts the caret blink.
func New(p Presenter, opts Options) (*Engine, error) {
	if p == nil {
		p = NopPresenter{}
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultOptions().TickInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOptions().QueueSize
	}
	layout := keyboard.DefaultLayout()
	if opts.Layout != nil {
		layout = *opts.Layout
	}

	e := &Engine{
		id:         uuid.NewString(),
		opts:       opts,
		metrics:    opts.Metrics,
		history:    opts.History,
		wheel:      timer.NewWheel(opts.Start),
		comp:       compose.NewBuffer(opts.Capacity),
		doc:        compose.NewDocument(opts.MaxDocumentRunes),
		presenter:  p,
		layoutPath: opts.LayoutPath,
		queue:      make(chan job, opts.QueueSize),
		errs:       make(chan error, 16),
		done:       make(chan struct{}),
	}
	e.log = opts.Logger.With("session", e.id)

	e.blinker = caret.NewBlinker(opts.BlinkInterval, p)
	e.blinker.Track(caret.Composition, e.comp.String, caret.SingleLine(opts.CaretMetrics))
	e.blinker.Track(caret.Document, e.doc.String, e.documentLayout(opts))

	e.comp.OnChange(func() {
		e.presenter.SetCompositionText(e.comp.String())
		e.blinker.Recompute(caret.Composition)
	})
	e.doc.OnChange(func() {
		e.presenter.SetDocumentText(e.doc.String())
		e.blinker.Recompute(caret.Document)
	})

	e.machine = keyboard.NewMachine(e.wheel, keyboard.CommitFunc(e.commit), p, keyboard.Options{
		Debounce: opts.Debounce,
		Policy:   opts.Policy,
		Clock:    e.wheel.Now,
		Logger:   e.log,
	})

	if err := e.LoadLayout(layout); err != nil {
		return nil, fmt.Errorf("load layout: %w", err)
	}

	p.SetCompositionText("")
	p.SetDocumentText("")
	for _, w := range []caret.Which{caret.Composition, caret.Document} {
		st := e.blinker.State(w)
		p.SetCaretVisible(w, st.Visible)
		p.SetCaretPosition(w, st.X, st.Y)
	}
	e.blinker.Start(e.wheel)

	if sr, ok := e.history.(SessionRecorder); ok {
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		err := sr.BeginSession(ctx, e.id, e.layout.Name, e.wheel.Now())
		cancel()
		if err != nil {
			e.log.Warn("history session not recorded", "error", err)
		}
	}

	e.updateSizes()
	e.log.Info("engine started",
		"keys", len(e.keys),
		"layout", e.layout.Name,
		"debounce", opts.Debounce,
		"policy", opts.Policy.String(),
	)
	return e, nil
}

func (e *Engine) documentLayout(opts Options) caret.Layout {
	return caret.Layout{
		Metrics:      opts.CaretMetrics,
		WrapWidth:    opts.WrapWidth,
		VisibleLines: opts.VisibleLines,
	}
}

// SessionID returns the unique ID of this engine.
func (e *Engine) SessionID() string {
	return e.id
}

// commit is the machine's sink for resolved characters.
func (e *Engine) commit(r rune) bool {
	if e.comp.Append(r) {
		return true
	}
	e.log.Debug("composition full", "capacity", e.comp.Cap(), "error", compose.ErrBufferFull)
	return false
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Dispatch processes one event synchronously.
func (e *Engine) Dispatch(ev Event) error {
	if e.isClosed() {
		return ErrClosed
	}

	var err error
	switch ev.Kind {
	case EventPress:
		// A press on a key that is already pressed only re-classifies.
		before, _ := e.machine.Key(ev.Key)
		if err = e.machine.Press(ev.Key, ev.Point); err == nil && before.State != keyboard.Pressing {
			e.metrics.Press()
		}
	case EventMove:
		err = e.machine.Move(ev.Key, ev.Point)
	case EventRelease:
		var out keyboard.Outcome
		out, err = e.machine.Release(ev.Key)
		if err == nil && out.Committed {
			e.metrics.Commit(out.Held, out.Accepted)
			if !out.Accepted {
				e.log.Debug("character dropped", "key", ev.Key.String(), "zone", out.Zone.String())
			}
		}
	case EventPressLost:
		before, _ := e.machine.Key(ev.Key)
		if err = e.machine.PressLost(ev.Key); err == nil && before.State == keyboard.Pressing {
			e.metrics.PressLost()
		}
	case EventAction:
		err = e.act(ev.Action)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Kind)
	}

	if errors.Is(err, keyboard.ErrUnknownKey) {
		e.metrics.UnknownKey()
	}
	e.updateSizes()
	return err
}

func (e *Engine) act(a Action) error {
	switch a {
	case ActionClear:
		e.comp.Clear()
		e.metrics.Clear()
		return nil
	case ActionSpace:
		if !e.comp.Append(' ') {
			e.metrics.Drop()
			e.log.Debug("composition full", "capacity", e.comp.Cap())
		}
		return nil
	case ActionAccept:
		return e.accept()
	default:
		return fmt.Errorf("%w: %s", ErrUnknownAction, a)
	}
}

func (e *Engine) accept() error {
	n := e.comp.Len()
	text := e.comp.String()

	if err := e.doc.Accept(e.comp); err != nil {
		e.metrics.Accept(0, err)
		e.log.Error("accept failed", "runes", n, "document_runes", e.doc.Len(), "error", err)
		return fmt.Errorf("accept: %w", err)
	}
	e.metrics.Accept(n, nil)
	if n == 0 {
		return nil
	}
	e.log.Debug("accepted", "runes", n, "text", text)

	if e.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		err := e.history.RecordAccept(ctx, e.id, text, e.wheel.Now())
		cancel()
		if err != nil {
			// The accept itself succeeded; history is best effort.
			e.log.Warn("history write failed", "error", err)
			e.report(fmt.Errorf("record accept: %w", err))
		}
	}
	return nil
}

func (e *Engine) updateSizes() {
	e.metrics.SetSizes(e.machine.Len(), e.comp.Len(), e.doc.Len())
}

// Advance moves the engine clock to now and runs due timers. It returns
// the number of callbacks run.
func (e *Engine) Advance(now time.Time) int {
	if e.isClosed() {
		return 0
	}
	return e.wheel.Advance(now)
}

// Now returns the engine clock.
func (e *Engine) Now() time.Time {
	return e.wheel.Now()
}

// NextDeadline returns when the next timer is due.
func (e *Engine) NextDeadline() (time.Time, bool) {
	return e.wheel.NextDeadline()
}

// Pending returns the number of scheduled timers.
func (e *Engine) Pending() int {
	return e.wheel.Len()
}

// LoadLayout replaces the keys. The new keys are added before the old ones
// are removed, so a layout that fails to load leaves the keyboard as it was.
func (e *Engine) LoadLayout(l keyboard.Layout) error {
	if err := keyboard.ValidateLayout(l); err != nil {
		return err
	}
	ids, err := e.machine.Load(l)
	if err != nil {
		return err
	}
	for _, id := range e.keys {
		_ = e.machine.Remove(id)
	}
	e.keys = ids
	e.layout = l
	e.updateSizes()
	return nil
}

// Layout returns the loaded layout.
func (e *Engine) Layout() keyboard.Layout {
	return e.layout
}

// Keys returns the key IDs in layout order.
func (e *Engine) Keys() []keyboard.KeyID {
	out := make([]keyboard.KeyID, len(e.keys))
	copy(out, e.keys)
	return out
}

// KeyIndex returns the ID of the i-th key of the layout.
func (e *Engine) KeyIndex(i int) (keyboard.KeyID, bool) {
	if i < 0 || i >= len(e.keys) {
		return keyboard.KeyID{}, false
	}
	return e.keys[i], true
}

// KeyAt returns the key under p.
func (e *Engine) KeyAt(p zone.Point) (keyboard.KeyID, bool) {
	return e.machine.HitTest(p)
}

// Key returns a snapshot of a key.
func (e *Engine) Key(id keyboard.KeyID) (keyboard.Info, bool) {
	return e.machine.Key(id)
}

// Composition returns the provisional text.
func (e *Engine) Composition() string {
	return e.comp.String()
}

// Document returns the accepted text.
func (e *Engine) Document() string {
	return e.doc.String()
}

// Caret returns the state of a caret.
func (e *Engine) Caret(which caret.Which) caret.State {
	return e.blinker.State(which)
}

// Recomputes returns the number of mutation-driven caret recomputes.
func (e *Engine) Recomputes(which caret.Which) uint64 {
	return e.blinker.Recomputes(which)
}

// ApplyConfig re-applies the settings that can change while running:
// timing, reset policy, caret layout and the layout file. Capacity and
// loop settings need a restart.
func (e *Engine) ApplyConfig(cfg *config.Config) error {
	if e.isClosed() {
		return ErrClosed
	}
	policy, err := keyboard.ParseResetPolicy(cfg.Keyboard.ResetPolicy)
	if err != nil {
		return err
	}

	if cfg.Keyboard.LayoutPath != e.layoutPath {
		l := keyboard.DefaultLayout()
		if cfg.Keyboard.LayoutPath != "" {
			if l, err = keyboard.LoadLayout(cfg.Keyboard.LayoutPath); err != nil {
				return err
			}
		}
		if err := e.LoadLayout(l); err != nil {
			return fmt.Errorf("load layout: %w", err)
		}
		e.layoutPath = cfg.Keyboard.LayoutPath
	}

	e.machine.SetDebounce(cfg.Keyboard.Debounce())
	e.machine.SetPolicy(policy)
	e.blinker.SetInterval(cfg.Caret.Blink())

	m := caret.Metrics{CellWidth: cfg.Caret.CellWidth, LineHeight: cfg.Caret.LineHeight}
	e.opts.CaretMetrics = m
	e.opts.WrapWidth = cfg.Caret.DocumentWrapWidth
	e.opts.VisibleLines = cfg.Caret.DocumentVisibleLines
	e.blinker.SetLayout(caret.Composition, caret.SingleLine(m))
	e.blinker.SetLayout(caret.Document, e.documentLayout(e.opts))

	if cfg.Keyboard.CompositionCapacity != e.comp.Cap() || cfg.Loop.QueueSize != cap(e.queue) {
		e.log.Info("capacity changes apply after restart")
	}
	e.metrics.Reloaded()
	e.log.Info("configuration applied",
		"debounce", cfg.Keyboard.Debounce(),
		"policy", policy.String(),
		"blink", cfg.Caret.Blink(),
	)
	return nil
}

// Submit queues an event for Run or Drain. It never blocks.
func (e *Engine) Submit(ev Event) error {
	return e.enqueue(job{ev: ev})
}

// Do queues fn to run on the engine goroutine.
func (e *Engine) Do(fn func()) error {
	return e.enqueue(job{fn: fn})
}

// Ping waits until the engine goroutine has run a queued job, showing
// that events are being processed. Hosts that drive the engine with Drain
// answer on their next frame.
func (e *Engine) Ping(ctx context.Context) error {
	answered := make(chan struct{})
	if err := e.Do(func() { close(answered) }); err != nil {
		return err
	}
	select {
	case <-answered:
		return nil
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) enqueue(j job) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	select {
	case e.queue <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// Drain processes queued jobs without blocking. Synchronous hosts call it
// from their frame loop.
func (e *Engine) Drain() int {
	n := 0
	for {
		select {
		case j := <-e.queue:
			e.run(j)
			n++
		default:
			return n
		}
	}
}

func (e *Engine) run(j job) {
	if j.fn != nil {
		j.fn()
		return
	}
	if err := e.Dispatch(j.ev); err != nil {
		e.log.Warn("event failed", "event", j.ev.String(), "error", err)
		e.report(err)
	}
}

func (e *Engine) report(err error) {
	select {
	case e.errs <- err:
	default:
	}
}

// Errors delivers errors from queued events and history writes. Errors are
// dropped when nobody reads them.
func (e *Engine) Errors() <-chan error {
	return e.errs
}

// Run processes queued events and advances the wheel on a ticker until ctx
// is done or the engine is closed. A Run ended by Close tears the engine
// down before returning.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.running {
		e.mu.Unlock()
		return ErrRunning
	}
	e.running = true
	e.stopped = make(chan struct{})
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		closed := e.closed
		stopped := e.stopped
		e.mu.Unlock()
		if closed {
			e.shutdown()
		}
		close(stopped)
	}()

	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return nil
		case j := <-e.queue:
			e.run(j)
		case now := <-ticker.C:
			e.wheel.Advance(now)
		}
	}
}

// Close stops the blink, removes every key and cancels all timers. It is
// safe to call more than once and from any goroutine except inside a job
// passed to Do. With Run active it waits for Run to return.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.done)
	running, stopped := e.running, e.stopped
	e.mu.Unlock()

	if running {
		<-stopped
	} else {
		e.shutdown()
	}
	return e.closeErr
}

func (e *Engine) shutdown() {
	e.teardown.Do(func() {
		e.blinker.Stop()
		e.machine.RemoveAll()
		e.keys = nil
		e.wheel.Stop()
		e.updateSizes()

		if sr, ok := e.history.(SessionRecorder); ok {
			ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
			if err := sr.EndSession(ctx, e.id, e.wheel.Now()); err != nil {
				e.closeErr = fmt.Errorf("end history session: %w", err)
			}
			cancel()
		}
		e.log.Info("engine closed",
			"document_runes", e.doc.Len(),
			"composition_runes", e.comp.Len(),
		)
	})
}

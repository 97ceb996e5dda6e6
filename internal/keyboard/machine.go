package keyboard

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"blobkbd/internal/timer"
	"blobkbd/internal/zone"
)

// DefaultDebounce is how long a released key keeps its selected-character
// feedback before returning to default visuals.
const DefaultDebounce = 100 * time.Millisecond

var (
	// ErrUnknownKey is returned for events naming a key that is not in the
	// arena, including keys that were removed.
	ErrUnknownKey = errors.New("unknown key")

	// ErrInvalidKey is returned when a key definition cannot be added.
	ErrInvalidKey = errors.New("invalid key definition")
)

// KeyID is a stable key identity: an arena slot plus the generation the
// slot had when the key was added. IDs of removed keys never match again.
type KeyID struct {
	slot uint32
	gen  uint32
}

// Valid reports whether id was issued by a Machine.
func (id KeyID) Valid() bool {
	return id.gen != 0
}

// String returns a compact form such as "k3.1".
func (id KeyID) String() string {
	return fmt.Sprintf("k%d.%d", id.slot, id.gen)
}

// State is the interaction state of a key.
type State int

const (
	// Idle keys show all three candidates with the normal border.
	Idle State = iota
	// Pressing keys have a live press session with a classified zone.
	Pressing
	// Resetting keys were released and wait for their debounce timer.
	Resetting
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pressing:
		return "pressing"
	case Resetting:
		return "resetting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ResetPolicy decides what a new press does to a pending debounce reset on
// the same key.
type ResetPolicy int

const (
	// ResetCancel cancels the pending reset when the key is pressed again.
	ResetCancel ResetPolicy = iota
	// ResetLastWins leaves the pending reset scheduled. When it fires it
	// only restores visuals; the live press session is kept.
	ResetLastWins
)

// ParseResetPolicy parses "cancel" or "last-wins".
func ParseResetPolicy(s string) (ResetPolicy, error) {
	switch s {
	case "", "cancel":
		return ResetCancel, nil
	case "last-wins", "last_wins":
		return ResetLastWins, nil
	default:
		return ResetCancel, fmt.Errorf("unknown reset policy %q", s)
	}
}

// String returns the policy name as used in configuration.
func (p ResetPolicy) String() string {
	if p == ResetLastWins {
		return "last-wins"
	}
	return "cancel"
}

// KeyDef describes a key to add to the arena.
type KeyDef struct {
	// Letters are the candidates for the left, center and right zones.
	Letters [3]rune
	// Rect is the absolute bounding box; fixed for the key's lifetime.
	Rect zone.Rect
}

// Letter returns the candidate for z.
func (d KeyDef) Letter(z zone.Zone) (rune, bool) {
	if !z.Valid() {
		return 0, false
	}
	return d.Letters[z], true
}

// Visual is the display state requested for a key. Zone None shows all
// three candidates; a valid Zone shows only that candidate.
type Visual struct {
	Zone   zone.Zone
	Active bool
}

// DefaultVisual is the idle appearance.
var DefaultVisual = Visual{Zone: zone.None}

// Visuals receives key display updates.
type Visuals interface {
	SetKeyVisual(id KeyID, v Visual)
}

// Committer receives characters from completed presses. Commit reports
// whether the character was taken.
type Committer interface {
	Commit(r rune) bool
}

// CommitFunc adapts a function to Committer.
type CommitFunc func(r rune) bool

// Commit calls f(r).
func (f CommitFunc) Commit(r rune) bool { return f(r) }

// Outcome describes what a release did.
type Outcome struct {
	// Committed is true when the press produced a character.
	Committed bool
	// Char and Zone identify the committed candidate.
	Char rune
	Zone zone.Zone
	// Accepted is false when the committer rejected the character.
	Accepted bool
	// Held is the time between press and release.
	Held time.Duration
}

// Info is a read-only snapshot of a key.
type Info struct {
	ID      KeyID
	Def     KeyDef
	State   State
	Zone    zone.Zone
	Pending bool
}

type key struct {
	def   KeyDef
	state State
	zone  zone.Zone
	// shown is the zone last highlighted; None after visuals were reset.
	shown     zone.Zone
	pressedAt time.Time
	reset     timer.Handle
	// stale holds superseded resets still scheduled under ResetLastWins.
	stale []timer.Handle
}

type slot struct {
	gen uint32
	key *key
}

// Options configures a Machine.
type Options struct {
	Debounce time.Duration
	Policy   ResetPolicy
	// Clock reports the current time for hold durations. Defaults to
	// time.Now.
	Clock  func() time.Time
	Logger *slog.Logger
}

// Machine owns the keys of a keyboard and drives their press sessions.
// It is not safe for concurrent use; all calls must come from the goroutine
// that advances its scheduler.
type Machine struct {
	sched    timer.Scheduler
	commit   Committer
	visuals  Visuals
	debounce time.Duration
	policy   ResetPolicy
	clock    func() time.Time
	log      *slog.Logger

	slots []slot
	free  []uint32
	live  int
}

// NewMachine creates an empty Machine.
func NewMachine(sched timer.Scheduler, commit Committer, visuals Visuals, opts Options) *Machine {
	if opts.Debounce < 0 {
		opts.Debounce = 0
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Machine{
		sched:    sched,
		commit:   commit,
		visuals:  visuals,
		debounce: opts.Debounce,
		policy:   opts.Policy,
		clock:    opts.Clock,
		log:      opts.Logger,
	}
}

// SetDebounce changes the reset delay for subsequent releases.
func (m *Machine) SetDebounce(d time.Duration) {
	if d < 0 {
		d = 0
	}
	m.debounce = d
}

// Debounce returns the current reset delay.
func (m *Machine) Debounce() time.Duration {
	return m.debounce
}

// SetPolicy changes the reset policy for subsequent presses.
func (m *Machine) SetPolicy(p ResetPolicy) {
	m.policy = p
}

// Add puts a key in the arena and shows it with default visuals.
func (m *Machine) Add(def KeyDef) (KeyID, error) {
	for i, r := range def.Letters {
		if r == 0 {
			return KeyID{}, fmt.Errorf("%w: letter %d is empty", ErrInvalidKey, i)
		}
	}
	if def.Rect.Width < 0 || def.Rect.Height < 0 {
		return KeyID{}, fmt.Errorf("%w: negative size %dx%d", ErrInvalidKey, def.Rect.Width, def.Rect.Height)
	}

	var idx uint32
	if n := len(m.free); n > 0 {
		idx = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		m.slots = append(m.slots, slot{})
		idx = uint32(len(m.slots) - 1)
	}

	s := &m.slots[idx]
	s.gen++
	s.key = &key{def: def, zone: zone.None, shown: zone.None}
	m.live++

	id := KeyID{slot: idx, gen: s.gen}
	m.show(id, DefaultVisual)
	return id, nil
}

// Remove tears a key down, cancelling its pending reset first.
func (m *Machine) Remove(id KeyID) error {
	k, err := m.lookup(id)
	if err != nil {
		return err
	}
	if k.reset.Valid() {
		m.sched.Cancel(k.reset)
		k.reset = timer.Handle{}
	}
	for _, h := range k.stale {
		m.sched.Cancel(h)
	}
	k.stale = nil
	m.slots[id.slot].key = nil
	m.free = append(m.free, id.slot)
	m.live--
	return nil
}

// RemoveAll tears down every key.
func (m *Machine) RemoveAll() {
	for _, id := range m.IDs() {
		_ = m.Remove(id)
	}
}

// Len returns the number of live keys.
func (m *Machine) Len() int {
	return m.live
}

// IDs returns the live key IDs in slot order.
func (m *Machine) IDs() []KeyID {
	ids := make([]KeyID, 0, m.live)
	for i, s := range m.slots {
		if s.key != nil {
			ids = append(ids, KeyID{slot: uint32(i), gen: s.gen})
		}
	}
	return ids
}

// Key returns a snapshot of a key.
func (m *Machine) Key(id KeyID) (Info, bool) {
	k, err := m.lookup(id)
	if err != nil {
		return Info{}, false
	}
	return Info{
		ID:      id,
		Def:     k.def,
		State:   k.state,
		Zone:    k.zone,
		Pending: k.reset.Valid() || len(k.stale) > 0,
	}, true
}

// HitTest returns the first key whose rectangle contains p.
func (m *Machine) HitTest(p zone.Point) (KeyID, bool) {
	for i, s := range m.slots {
		if s.key != nil && s.key.def.Rect.Contains(p) {
			return KeyID{slot: uint32(i), gen: s.gen}, true
		}
	}
	return KeyID{}, false
}

func (m *Machine) lookup(id KeyID) (*key, error) {
	if !id.Valid() || int(id.slot) >= len(m.slots) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, id)
	}
	s := m.slots[id.slot]
	if s.gen != id.gen || s.key == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, id)
	}
	return s.key, nil
}

func (m *Machine) show(id KeyID, v Visual) {
	if m.visuals != nil {
		m.visuals.SetKeyVisual(id, v)
	}
}

// Press starts a press session on a key, classifying the touch point.
// Pressing a key that is still pressed re-classifies, like Move.
func (m *Machine) Press(id KeyID, p zone.Point) error {
	k, err := m.lookup(id)
	if err != nil {
		return err
	}

	switch k.state {
	case Pressing:
		m.classify(id, k, p)
		return nil
	case Resetting:
		if m.policy == ResetCancel && k.reset.Valid() {
			m.sched.Cancel(k.reset)
			k.reset = timer.Handle{}
		}
	}

	k.state = Pressing
	k.zone = zone.None
	k.shown = zone.None
	k.pressedAt = m.clock()
	m.classify(id, k, p)
	return nil
}

// Move re-classifies the touch point of a pressed key. The session keeps
// the latest zone. Moves on keys that are not pressed are ignored.
func (m *Machine) Move(id KeyID, p zone.Point) error {
	k, err := m.lookup(id)
	if err != nil {
		return err
	}
	if k.state != Pressing {
		m.log.Debug("move without press", "key", id.String(), "state", k.state.String())
		return nil
	}
	m.classify(id, k, p)
	return nil
}

func (m *Machine) classify(id KeyID, k *key, p zone.Point) {
	z := zone.Classify(p.X, k.def.Rect)
	k.zone = z
	if z == k.shown {
		return
	}
	k.shown = z
	m.show(id, Visual{Zone: z, Active: true})
}

// Release ends a press session. The recorded zone's character is committed
// exactly once and the key starts its debounce reset. A release without a
// session resets visuals immediately and changes nothing else.
func (m *Machine) Release(id KeyID) (Outcome, error) {
	k, err := m.lookup(id)
	if err != nil {
		return Outcome{}, err
	}
	if k.state != Pressing || !k.zone.Valid() {
		k.shown = zone.None
		m.show(id, DefaultVisual)
		return Outcome{}, nil
	}

	ch, _ := k.def.Letter(k.zone)
	out := Outcome{
		Committed: true,
		Char:      ch,
		Zone:      k.zone,
		Held:      m.clock().Sub(k.pressedAt),
	}
	if m.commit != nil {
		out.Accepted = m.commit.Commit(ch)
	}

	m.endSession(id, k)
	return out, nil
}

// PressLost ends a press session without committing, for touches that left
// the key or were interrupted.
func (m *Machine) PressLost(id KeyID) error {
	k, err := m.lookup(id)
	if err != nil {
		return err
	}
	if k.state != Pressing {
		m.show(id, DefaultVisual)
		return nil
	}
	m.log.Debug("press lost", "key", id.String(), "zone", k.zone.String())
	m.endSession(id, k)
	return nil
}

func (m *Machine) endSession(id KeyID, k *key) {
	k.state = Resetting
	k.zone = zone.None

	if k.reset.Valid() {
		k.stale = append(k.stale, k.reset)
	}
	var h timer.Handle
	h = m.sched.After(m.debounce, func() { m.resetFired(id, h) })
	k.reset = h
}

// resetFired restores a key after its debounce delay.
func (m *Machine) resetFired(id KeyID, h timer.Handle) {
	k, err := m.lookup(id)
	if err != nil {
		// Remove cancels pending resets, so this is a broken invariant.
		panic(fmt.Sprintf("keyboard: reset timer fired for removed key %s", id))
	}

	m.show(id, DefaultVisual)
	// A press in progress repaints on its next classify.
	k.shown = zone.None
	if k.reset != h {
		// A superseded reset under ResetLastWins: visuals only.
		for i, s := range k.stale {
			if s == h {
				k.stale = append(k.stale[:i], k.stale[i+1:]...)
				break
			}
		}
		return
	}
	k.reset = timer.Handle{}
	if k.state == Resetting {
		k.state = Idle
	}
}

package ime

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"blobkbd/internal/zone"
)

// ErrInvalidTrace is returned for a malformed trace.
var ErrInvalidTrace = errors.New("ime: invalid trace")

// TraceStep is one recorded event. Touch steps address keys by their
// index in the layout and place the touch either at X, Y relative to the
// key or in the middle of a named zone.
type TraceStep struct {
	// AtMs is the offset from the start of the trace.
	AtMs int64  `yaml:"at_ms" json:"at_ms"`
	Type string `yaml:"type" json:"type"`

	Key  int    `yaml:"key,omitempty" json:"key,omitempty"`
	Zone string `yaml:"zone,omitempty" json:"zone,omitempty"`
	X    *int   `yaml:"x,omitempty" json:"x,omitempty"`
	Y    *int   `yaml:"y,omitempty" json:"y,omitempty"`

	Action string `yaml:"action,omitempty" json:"action,omitempty"`
}

// Trace is a recorded input sequence.
type Trace struct {
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	// SettleMs advances the clock past the last step so pending resets fire.
	SettleMs int64       `yaml:"settle_ms,omitempty" json:"settle_ms,omitempty"`
	Steps    []TraceStep `yaml:"steps" json:"steps"`
}

// ParseTrace decodes a YAML or JSON trace and checks that its steps are in
// time order.
func ParseTrace(data []byte) (*Trace, error) {
	var tr Trace
	if err := yaml.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTrace, err)
	}
	var last int64
	for i, s := range tr.Steps {
		if s.AtMs < last {
			return nil, fmt.Errorf("%w: step %d at %dms is before %dms", ErrInvalidTrace, i, s.AtMs, last)
		}
		last = s.AtMs
		if _, err := ParseEventKind(s.Type); err != nil {
			return nil, fmt.Errorf("%w: step %d: %v", ErrInvalidTrace, i, err)
		}
	}
	return &tr, nil
}

// LoadTrace reads a trace file.
func LoadTrace(path string) (*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	return ParseTrace(data)
}

// StepError is an error produced by one step of a replay.
type StepError struct {
	Step int
	Err  error
}

func (e StepError) Error() string {
	return fmt.Sprintf("step %d: %v", e.Step, e.Err)
}

func (e StepError) Unwrap() error {
	return e.Err
}

// ReplayResult is the state after a replay.
type ReplayResult struct {
	Steps       int
	Document    string
	Composition string
	Elapsed     time.Duration
	Errors      []StepError
}

// Event converts a step into an engine event.
func (s TraceStep) Event(e *Engine) (Event, error) {
	kind, err := ParseEventKind(s.Type)
	if err != nil {
		return Event{}, err
	}
	if kind == EventAction {
		a, err := ParseAction(s.Action)
		if err != nil {
			return Event{}, err
		}
		return Act(a), nil
	}

	id, ok := e.KeyIndex(s.Key)
	if !ok {
		return Event{}, fmt.Errorf("%w: key index %d of %d", ErrInvalidTrace, s.Key, len(e.keys))
	}
	ev := Event{Kind: kind, Key: id}
	if kind != EventPress && kind != EventMove {
		return ev, nil
	}

	info, _ := e.Key(id)
	r := info.Def.Rect
	z := zone.None
	if s.Zone != "" {
		if z, err = zone.Parse(s.Zone); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrInvalidTrace, err)
		}
	}
	ev.Point = r.PointIn(z)
	if s.X != nil {
		ev.Point.X = r.X + *s.X
	}
	if s.Y != nil {
		ev.Point.Y = r.Y + *s.Y
	}
	return ev, nil
}

// Replay feeds a trace to e on its virtual clock. Step errors are collected
// and do not stop the replay.
func Replay(e *Engine, tr *Trace) (*ReplayResult, error) {
	start := e.Now()
	res := &ReplayResult{}

	for i, s := range tr.Steps {
		e.Advance(start.Add(time.Duration(s.AtMs) * time.Millisecond))

		ev, err := s.Event(e)
		if err == nil {
			err = e.Dispatch(ev)
		}
		if errors.Is(err, ErrClosed) {
			return nil, err
		}
		if err != nil {
			res.Errors = append(res.Errors, StepError{Step: i, Err: err})
		}
		res.Steps++
	}

	end := start
	if n := len(tr.Steps); n > 0 {
		end = start.Add(time.Duration(tr.Steps[n-1].AtMs) * time.Millisecond)
	}
	end = end.Add(time.Duration(tr.SettleMs) * time.Millisecond)
	e.Advance(end)

	res.Elapsed = e.Now().Sub(start)
	res.Document = e.Document()
	res.Composition = e.Composition()
	return res, nil
}

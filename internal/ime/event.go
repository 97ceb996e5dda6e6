package ime

import (
	"errors"
	"fmt"
	"strings"

	"blobkbd/internal/keyboard"
	"blobkbd/internal/zone"
)

var (
	// ErrUnknownAction is returned for an action name that is not defined.
	ErrUnknownAction = errors.New("ime: unknown action")
	// ErrUnknownEvent is returned for an event of an unknown kind.
	ErrUnknownEvent = errors.New("ime: unknown event")
)

// EventKind identifies an inbound event.
type EventKind int

const (
	EventPress EventKind = iota + 1
	EventMove
	EventRelease
	EventPressLost
	EventAction
)

// String returns the event name used in traces and logs.
func (k EventKind) String() string {
	switch k {
	case EventPress:
		return "press"
	case EventMove:
		return "move"
	case EventRelease:
		return "release"
	case EventPressLost:
		return "press_lost"
	case EventAction:
		return "action"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// ParseEventKind parses an event name.
func ParseEventKind(s string) (EventKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "press":
		return EventPress, nil
	case "move":
		return EventMove, nil
	case "release":
		return EventRelease, nil
	case "press_lost", "press-lost", "cancel":
		return EventPressLost, nil
	case "action":
		return EventAction, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownEvent, s)
	}
}

// Action is a control button of the keyboard.
type Action int

const (
	// ActionClear empties the composition.
	ActionClear Action = iota + 1
	// ActionAccept moves the composition into the document.
	ActionAccept
	// ActionSpace appends a space to the composition.
	ActionSpace
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionClear:
		return "clear"
	case ActionAccept:
		return "accept"
	case ActionSpace:
		return "space"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ParseAction parses "clear", "accept" or "space".
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "clear":
		return ActionClear, nil
	case "accept":
		return ActionAccept, nil
	case "space":
		return ActionSpace, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
}

// Event is one inbound input event. Key and Point are used by the touch
// kinds, Action only by EventAction.
type Event struct {
	Kind   EventKind
	Key    keyboard.KeyID
	Point  zone.Point
	Action Action
}

// Press returns a press event.
func Press(id keyboard.KeyID, p zone.Point) Event {
	return Event{Kind: EventPress, Key: id, Point: p}
}

// Move returns a move event.
func Move(id keyboard.KeyID, p zone.Point) Event {
	return Event{Kind: EventMove, Key: id, Point: p}
}

// Release returns a release event.
func Release(id keyboard.KeyID) Event {
	return Event{Kind: EventRelease, Key: id}
}

// PressLost returns a press-lost event.
func PressLost(id keyboard.KeyID) Event {
	return Event{Kind: EventPressLost, Key: id}
}

// Act returns an action event.
func Act(a Action) Event {
	return Event{Kind: EventAction, Action: a}
}

// String formats the event for logs.
func (e Event) String() string {
	switch e.Kind {
	case EventPress, EventMove:
		return fmt.Sprintf("%s(%s, %d,%d)", e.Kind, e.Key, e.Point.X, e.Point.Y)
	case EventAction:
		return fmt.Sprintf("action(%s)", e.Action)
	default:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Key)
	}
}

// Package ime runs a blob keyboard session.
//
// # Architecture Overview
//
// An Engine owns every piece of session state and wires it together:
//
//	host events ──► Engine.Dispatch ──► keyboard.Machine ──► zone.Classify
//	                     │                     │ release
//	                     │ actions             ▼
//	                     ├── clear ──────► compose.Buffer ──┐
//	                     ├── space ──────►       │          │ OnChange
//	                     └── accept ─► compose.Document ◄───┤
//	                                             │          ▼
//	                                             └──► caret.Blinker ──► Presenter
//
// Key debounce resets and the caret blink share one timer.Wheel. The wheel
// only moves when the host advances it, so tests and trace replays run on
// a virtual clock.
//
// # Threading
//
// The Engine is single-threaded. There are two ways to drive it:
//
//	Synchronous hosts (GUI frame loop):
//	    Dispatch(ev) for each input event
//	    Advance(now) once per frame, then schedule the next frame at
//	    NextDeadline()
//	    Drain() to run jobs queued from other goroutines
//
//	Asynchronous hosts (terminal, daemons):
//	    go Run(ctx)
//	    Submit(ev) from any goroutine; Do(fn) for other engine work
//
// Close may be called from any goroutine. It stops the blink, removes all
// keys and leaves the wheel empty.
//
// # Errors
//
// Unknown keys and actions are returned to the caller. A failed accept
// returns an error wrapping compose.ErrAllocation and leaves both buffers
// untouched. A full composition is not an error: the character is dropped
// and counted. In Run mode event errors are also delivered on Errors().
//
// # History
//
// With a HistoryRecorder configured, each non-empty accept is recorded
// with the session ID. Recorders that implement SessionRecorder also see
// the session start and end. History failures are logged and never undo an
// accept.
//
// # Traces
//
// A Trace is a YAML or JSON list of timed steps, replayed with Replay:
//
//	name: hello
//	settle_ms: 200
//	steps:
//	  - {at_ms: 0,   type: press,   key: 0, zone: center}
//	  - {at_ms: 40,  type: release, key: 0}
//	  - {at_ms: 300, type: action,  action: accept}
package ime

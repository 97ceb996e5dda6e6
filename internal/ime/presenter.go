package ime

import (
	"sync"

	"blobkbd/internal/caret"
	"blobkbd/internal/keyboard"
)

// Presenter receives every display request of an Engine. Calls arrive on
// the engine goroutine.
type Presenter interface {
	keyboard.Visuals
	caret.Sink
	SetCompositionText(text string)
	SetDocumentText(text string)
}

// NopPresenter discards display requests.
type NopPresenter struct{}

func (NopPresenter) SetKeyVisual(keyboard.KeyID, keyboard.Visual) {}
func (NopPresenter) SetCaretVisible(caret.Which, bool)            {}
func (NopPresenter) SetCaretPosition(caret.Which, int, int)       {}
func (NopPresenter) SetCompositionText(string)                    {}
func (NopPresenter) SetDocumentText(string)                       {}

// Recorder is a Presenter that keeps the latest requested display state.
// It may be read from other goroutines.
type Recorder struct {
	mu          sync.Mutex
	visuals     map[keyboard.KeyID]keyboard.Visual
	carets      [2]caret.State
	composition string
	document    string
	updates     int
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{visuals: make(map[keyboard.KeyID]keyboard.Visual)}
}

func (r *Recorder) SetKeyVisual(id keyboard.KeyID, v keyboard.Visual) {
	r.mu.Lock()
	r.visuals[id] = v
	r.updates++
	r.mu.Unlock()
}

func (r *Recorder) SetCaretVisible(which caret.Which, visible bool) {
	r.mu.Lock()
	r.carets[which].Visible = visible
	r.updates++
	r.mu.Unlock()
}

func (r *Recorder) SetCaretPosition(which caret.Which, x, y int) {
	r.mu.Lock()
	r.carets[which].X, r.carets[which].Y = x, y
	r.updates++
	r.mu.Unlock()
}

func (r *Recorder) SetCompositionText(text string) {
	r.mu.Lock()
	r.composition = text
	r.updates++
	r.mu.Unlock()
}

func (r *Recorder) SetDocumentText(text string) {
	r.mu.Lock()
	r.document = text
	r.updates++
	r.mu.Unlock()
}

// Visual returns the last visual requested for a key.
func (r *Recorder) Visual(id keyboard.KeyID) (keyboard.Visual, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.visuals[id]
	return v, ok
}

// Caret returns the last requested state of a caret.
func (r *Recorder) Caret(which caret.Which) caret.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.carets[which]
}

// Composition returns the last composition text shown.
func (r *Recorder) Composition() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.composition
}

// Document returns the last document text shown.
func (r *Recorder) Document() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.document
}

// Updates returns how many requests the recorder received.
func (r *Recorder) Updates() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates
}

package ime

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blobkbd/internal/keyboard"
)

const helloTrace = `
name: hi
settle_ms: 150
steps:
  - {at_ms: 0,   type: press,   key: 2, zone: left}
  - {at_ms: 40,  type: release, key: 2}
  - {at_ms: 90,  type: press,   key: 2, zone: center}
  - {at_ms: 100, type: move,    key: 2, zone: right}
  - {at_ms: 130, type: release, key: 2}
  - {at_ms: 200, type: action,  action: accept}
  - {at_ms: 250, type: press,   key: 0, x: 5, y: 5}
  - {at_ms: 260, type: press_lost, key: 0}
`

func TestReplay(t *testing.T) {
	tr, err := ParseTrace([]byte(helloTrace))
	require.NoError(t, err)
	assert.Equal(t, "hi", tr.Name)
	require.Len(t, tr.Steps, 8)

	e, _ := newTestEngine(t, nil)
	res, err := Replay(e, tr)
	require.NoError(t, err)

	assert.Empty(t, res.Errors)
	assert.Equal(t, 8, res.Steps)
	assert.Equal(t, "hi", res.Document)
	assert.Equal(t, "", res.Composition)
	assert.Equal(t, 410*time.Millisecond, res.Elapsed)

	// Settling let the last reset fire.
	for _, id := range e.Keys() {
		info, _ := e.Key(id)
		assert.Equal(t, keyboard.Idle, info.State, id.String())
	}
	assert.Equal(t, uint64(1), e.metrics.PressesLost.Value())
}

func TestReplayHoldDuration(t *testing.T) {
	tr, err := ParseTrace([]byte(`
steps:
  - {at_ms: 0,   type: press,   key: 4}
  - {at_ms: 250, type: release, key: 4}
`))
	require.NoError(t, err)

	e, _ := newTestEngine(t, nil)
	res, err := Replay(e, tr)
	require.NoError(t, err)
	assert.Equal(t, "m", res.Composition)
	assert.InDelta(t, 0.25, e.metrics.PressDuration.Mean(), 1e-9)
}

func TestReplayCollectsStepErrors(t *testing.T) {
	tr, err := ParseTrace([]byte(`{
  "steps": [
    {"at_ms": 0, "type": "press", "key": 99},
    {"at_ms": 1, "type": "action", "action": "undo"},
    {"at_ms": 2, "type": "press", "key": 0, "zone": "top"},
    {"at_ms": 3, "type": "action", "action": "space"}
  ]
}`))
	require.NoError(t, err)

	e, _ := newTestEngine(t, nil)
	res, err := Replay(e, tr)
	require.NoError(t, err)

	require.Len(t, res.Errors, 3)
	assert.ErrorIs(t, res.Errors[0], ErrInvalidTrace)
	assert.ErrorIs(t, res.Errors[1], ErrUnknownAction)
	assert.Equal(t, 2, res.Errors[2].Step)
	assert.Equal(t, " ", res.Composition)
}

func TestReplayClosedEngine(t *testing.T) {
	tr, err := ParseTrace([]byte("steps: [{at_ms: 0, type: action, action: clear}]"))
	require.NoError(t, err)

	e, _ := newTestEngine(t, nil)
	require.NoError(t, e.Close())
	_, err = Replay(e, tr)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestParseTraceErrors(t *testing.T) {
	tests := map[string]string{
		"not yaml":     "steps: [",
		"out of order": "steps: [{at_ms: 10, type: press}, {at_ms: 5, type: release}]",
		"bad type":     "steps: [{at_ms: 0, type: tap}]",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTrace([]byte(data))
			assert.ErrorIs(t, err, ErrInvalidTrace)
		})
	}
}

func TestLoadTrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(helloTrace), 0600))

	tr, err := LoadTrace(path)
	require.NoError(t, err)
	assert.Equal(t, int64(150), tr.SettleMs)

	_, err = LoadTrace(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

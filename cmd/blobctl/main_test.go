package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blobkbd/internal/config"
	"blobkbd/internal/keyboard"
	"blobkbd/internal/store"
)

func tempEnv(t *testing.T) (dir, configPath string) {
	t.Helper()
	dir = t.TempDir()
	t.Setenv(config.DataDirEnv, dir)
	return dir, filepath.Join(dir, "config.toml")
}

func TestReplayCommand(t *testing.T) {
	dir, cfg := tempEnv(t)
	trace := filepath.Join(dir, "a.yaml")
	require.NoError(t, os.WriteFile(trace, []byte(`
name: a
settle_ms: 200
steps:
  - {at_ms: 0,   type: press,   key: 0, zone: center}
  - {at_ms: 30,  type: release, key: 0}
  - {at_ms: 60,  type: action,  action: accept}
  - {at_ms: 70,  type: press,   key: 42}
`), 0600))

	var out bytes.Buffer
	require.NoError(t, run("replay", []string{"-config", cfg, "-json", trace}, &out))

	var res struct {
		Steps     int                `json:"steps"`
		Document  string             `json:"document"`
		ElapsedMs int64              `json:"elapsed_ms"`
		Errors    []string           `json:"errors"`
		Metrics   map[string]float64 `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, 4, res.Steps)
	assert.Equal(t, "a", res.Document)
	assert.Equal(t, int64(270), res.ElapsedMs)
	assert.Len(t, res.Errors, 1)
	assert.Equal(t, float64(1), res.Metrics["key_presses_total"])
	assert.Equal(t, float64(1), res.Metrics["key_commits_total"])
	assert.Equal(t, float64(1), res.Metrics["accepts_total"])

	out.Reset()
	require.NoError(t, run("replay", []string{"-config", cfg, trace}, &out))
	assert.Contains(t, out.String(), "=== Replay: a ===")
	assert.Contains(t, out.String(), `Document:    "a"`)
}

func TestReplayUsage(t *testing.T) {
	err := run("replay", nil, &bytes.Buffer{})
	assert.ErrorIs(t, err, errUsage)

	_, cfg := tempEnv(t)
	err = run("replay", []string{"-config", cfg, "missing.yaml"}, &bytes.Buffer{})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, errUsage)
}

func TestLayoutCommands(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run("layout", []string{"default"}, &out))

	l, err := keyboard.ParseLayout(out.Bytes(), "yaml")
	require.NoError(t, err)
	assert.Equal(t, keyboard.DefaultLayout(), l)

	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, out.Bytes(), 0600))
	out.Reset()
	require.NoError(t, run("layout", []string{"check", good}, &out))
	assert.Contains(t, out.String(), "Keys:   9")
	assert.Contains(t, out.String(), "Bounds: 202x202 at 0,0")

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"keys":[{"letters":"ab","x":0,"y":0,"width":10,"height":10}]}`), 0600))
	assert.Error(t, run("layout", []string{"check", bad}, &out))

	assert.ErrorIs(t, run("layout", []string{"render"}, &out), errUsage)
}

func TestConfigCommands(t *testing.T) {
	_, cfg := tempEnv(t)

	var out bytes.Buffer
	require.NoError(t, run("config", []string{"init", cfg}, &out))
	assert.Contains(t, out.String(), "Wrote default configuration")
	assert.FileExists(t, cfg)

	out.Reset()
	require.NoError(t, run("config", []string{"init", cfg}, &out))
	assert.Contains(t, out.String(), "already exists")

	out.Reset()
	require.NoError(t, run("config", []string{"show", "-config", cfg, "-format", "json"}, &out))
	var shown config.Config
	require.NoError(t, json.Unmarshal(out.Bytes(), &shown))
	assert.Equal(t, config.DefaultConfig().Keyboard, shown.Keyboard)

	assert.Error(t, run("config", []string{"show", "-config", cfg, "-format", "ini"}, &out))
}

func TestHistoryCommand(t *testing.T) {
	dir, _ := tempEnv(t)
	db := filepath.Join(dir, "history.db")

	st, err := store.Open(db)
	require.NoError(t, err)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	require.NoError(t, st.BeginSession(ctx, "0b5e7f2a-1111-2222-3333-444455556666", "abc", at))
	require.NoError(t, st.RecordAccept(ctx, "0b5e7f2a-1111-2222-3333-444455556666", "hello", at.Add(time.Second)))
	require.NoError(t, st.Close())

	var out bytes.Buffer
	require.NoError(t, run("history", []string{"-db", db}, &out))
	assert.Contains(t, out.String(), "Sessions: 1 (1 open)")
	assert.Contains(t, out.String(), "Accepts:  1, 5 characters, 5.0 average")
	assert.Contains(t, out.String(), `0b5e7f2a  "hello"`)

	out.Reset()
	require.NoError(t, run("history", []string{"-db", db, "-sessions"}, &out))
	assert.Contains(t, out.String(), "0b5e7f2a-1111-2222-3333-444455556666  abc")
	assert.Contains(t, out.String(), "1 accepts    5 chars  open")

	out.Reset()
	require.NoError(t, run("history", []string{"-db", db, "-schema"}, &out))
	assert.Contains(t, out.String(), "Schema version 2 of 2")

	out.Reset()
	err = run("history", []string{"-db", db, "-session", "nope"}, &out)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.Error(t, run("history", []string{"-db", filepath.Join(dir, "none.db")}, &out))
}

func TestUnknownCommand(t *testing.T) {
	assert.ErrorIs(t, run("frobnicate", nil, &bytes.Buffer{}), errUsage)

	var out bytes.Buffer
	require.NoError(t, run("help", nil, &out))
	assert.Contains(t, out.String(), "USAGE:")
}

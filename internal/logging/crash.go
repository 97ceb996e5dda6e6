package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// CrashReport describes a panic caught on an input loop.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Component    string         `json:"component,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	GoVersion    string         `json:"go_version"`
	NumGoroutine int            `json:"num_goroutine"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Context      map[string]any `json:"context,omitempty"`
}

// PanicError is returned by CrashHandler.Run after a recovered panic.
type PanicError struct {
	Report CrashReport
	Path   string
}

func (e *PanicError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("panic: %s", e.Report.PanicValue)
	}
	return fmt.Sprintf("panic: %s (report %s)", e.Report.PanicValue, e.Path)
}

// CrashHandler turns panics into crash reports on disk.
type CrashHandler struct {
	mu        sync.Mutex
	dir       string
	component string
	sessionID string
	stderr    io.Writer
	onCrash   func(CrashReport)
}

// CrashHandlerConfig configures a CrashHandler.
type CrashHandlerConfig struct {
	// Dir receives crash-*.json files. Empty uses DefaultCrashDir.
	Dir       string
	Component string
	// Stderr receives a short notice. Defaults to os.Stderr.
	Stderr  io.Writer
	OnCrash func(CrashReport)
}

// DefaultCrashDir returns the crash directory under the user cache dir.
func DefaultCrashDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "blobkbd", "crashes")
	}
	return filepath.Join(os.TempDir(), "blobkbd-crashes")
}

// NewCrashHandler creates a CrashHandler.
func NewCrashHandler(cfg CrashHandlerConfig) *CrashHandler {
	if cfg.Dir == "" {
		cfg.Dir = DefaultCrashDir()
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	return &CrashHandler{
		dir:       cfg.Dir,
		component: cfg.Component,
		stderr:    cfg.Stderr,
		onCrash:   cfg.OnCrash,
	}
}

// SetSessionID tags future reports with the input session.
func (h *CrashHandler) SetSessionID(id string) {
	h.mu.Lock()
	h.sessionID = id
	h.mu.Unlock()
}

// Run calls fn, converting a panic into a *PanicError after writing a
// crash report.
func (h *CrashHandler) Run(context map[string]any, fn func() error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			report, path := h.HandlePanic(v, context)
			err = &PanicError{Report: report, Path: path}
		}
	}()
	return fn()
}

// HandlePanic records a recovered panic value. It returns the report and
// the file it was written to, or "" if writing failed.
func (h *CrashHandler) HandlePanic(value any, context map[string]any) (CrashReport, string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Component:    h.component,
		SessionID:    h.sessionID,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprint(value),
		StackTrace:   string(debug.Stack()),
		Context:      context,
	}

	path, err := h.write(report)
	if err != nil {
		fmt.Fprintf(h.stderr, "crash: %s (report not written: %v)\n", report.PanicValue, err)
	} else {
		fmt.Fprintf(h.stderr, "crash: %s (report %s)\n", report.PanicValue, path)
	}

	if h.onCrash != nil {
		h.onCrash(report)
	}
	return report, path
}

func (h *CrashHandler) write(report CrashReport) (string, error) {
	if err := os.MkdirAll(h.dir, 0750); err != nil {
		return "", fmt.Errorf("create crash directory: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}

	name := fmt.Sprintf("crash-%s-%s.json", report.Component, report.Timestamp.Format("20060102-150405.000000000"))
	path := filepath.Join(h.dir, name)
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports returns the stored crash reports, oldest first.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return nil, err
	}

	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var r CrashReport
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		reports = append(reports, r)
	}
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Timestamp.Before(reports[j].Timestamp)
	})
	return reports, nil
}

// Cleanup removes reports older than maxAge.
func (h *CrashHandler) Cleanup(maxAge time.Duration) error {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-maxAge)
	for _, file := range files {
		if info, err := os.Stat(file); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(file)
		}
	}
	return nil
}

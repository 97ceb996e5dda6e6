package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"blobkbd/internal/keyboard"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is makes errors.Is(err, ErrInvalidConfig) hold for validation failures.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Fields returns the names of the offending fields.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(e))
	for _, err := range e {
		fields = append(fields, err.Field)
	}
	return fields
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}

// ValidateConfig checks every section and reports all problems at once.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, *RangeError("version", 1, Version))
	}
	errs = append(errs, validateKeyboard(&c.Keyboard)...)
	errs = append(errs, validateCaret(&c.Caret)...)
	errs = append(errs, validateLoop(&c.Loop)...)
	errs = append(errs, validateDocument(&c.Document, &c.Keyboard)...)
	errs = append(errs, validateHistory(&c.History)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func validateKeyboard(k *KeyboardConfig) ValidationErrors {
	var errs ValidationErrors

	if k.DebounceMs < 0 || k.DebounceMs > 10000 {
		errs = append(errs, *RangeError("keyboard.debounce_ms", 0, 10000))
	}
	if k.CompositionCapacity < 2 || k.CompositionCapacity > 1<<16 {
		errs = append(errs, *RangeError("keyboard.composition_capacity", 2, 1<<16))
	}
	if _, err := keyboard.ParseResetPolicy(k.ResetPolicy); err != nil {
		errs.add("keyboard.reset_policy", "%v (valid: cancel, last-wins)", err)
	}
	return errs
}

func validateCaret(c *CaretConfig) ValidationErrors {
	var errs ValidationErrors

	if c.BlinkMs < 50 || c.BlinkMs > 10000 {
		errs = append(errs, *RangeError("caret.blink_ms", 50, 10000))
	}
	if c.CellWidth < 1 {
		errs.add("caret.cell_width", "must be positive")
	}
	if c.LineHeight < 1 {
		errs.add("caret.line_height", "must be positive")
	}
	if c.DocumentWrapWidth < 0 {
		errs.add("caret.document_wrap_width", "cannot be negative")
	}
	if c.DocumentVisibleLines < 0 {
		errs.add("caret.document_visible_lines", "cannot be negative")
	}
	return errs
}

func validateLoop(l *LoopConfig) ValidationErrors {
	var errs ValidationErrors

	if l.TickMs < 1 || l.TickMs > 1000 {
		errs = append(errs, *RangeError("loop.tick_ms", 1, 1000))
	}
	if l.QueueSize < 1 {
		errs.add("loop.queue_size", "must be positive")
	}
	return errs
}

func validateDocument(d *DocumentConfig, k *KeyboardConfig) ValidationErrors {
	var errs ValidationErrors

	if d.MaxRunes < 0 {
		errs.add("document.max_runes", "cannot be negative")
	}
	if d.MaxRunes > 0 && d.MaxRunes < k.CompositionCapacity-1 {
		errs.add("document.max_runes", "must hold at least one full composition (%d)", k.CompositionCapacity-1)
	}
	return errs
}

func validateHistory(h *HistoryConfig) ValidationErrors {
	var errs ValidationErrors

	if h.Enabled && h.Path == "" {
		errs.add("history.path", "required when history is enabled")
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs.add("logging.level", "invalid log level: %s (valid: debug, info, warn, error)", l.Level)
	}

	switch l.Format {
	case "text", "json":
	default:
		errs.add("logging.format", "invalid log format: %s (valid: text, json)", l.Format)
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs.add("logging.file_path", "file path is required when output is %q", l.Output)
		}
	default:
		errs.add("logging.output", "invalid log output: %q (valid: stdout, stderr, file, both)", l.Output)
	}

	if l.MaxSizeMB < 1 {
		errs.add("logging.max_size_mb", "max size must be at least 1 MB")
	}
	if l.MaxBackups < 0 {
		errs.add("logging.max_backups", "max backups cannot be negative")
	}
	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	var errs ValidationErrors

	if !m.Enabled {
		return errs
	}
	if _, _, err := net.SplitHostPort(m.Listen); err != nil {
		errs.add("metrics.listen", "invalid address %q: %v", m.Listen, err)
	}
	return errs
}

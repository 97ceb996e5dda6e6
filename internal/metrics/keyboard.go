package metrics

import "time"

// KeyboardMetrics holds the metrics of an input session. A nil
// *KeyboardMetrics is valid and records nothing.
type KeyboardMetrics struct {
	registry *Registry

	Presses       *Counter
	Commits       *Counter
	PressesLost   *Counter
	Dropped       *Counter
	Accepts       *Counter
	AcceptErrors  *Counter
	Clears        *Counter
	UnknownKeys   *Counter
	ConfigReloads *Counter

	Keys           *Gauge
	CompositionLen *Gauge
	DocumentLen    *Gauge

	PressDuration *Histogram
	AcceptedRunes *Histogram
}

// NewKeyboardMetrics registers the keyboard metrics on registry, or on the
// default registry when nil.
func NewKeyboardMetrics(registry *Registry) *KeyboardMetrics {
	if registry == nil {
		registry = Default()
	}

	return &KeyboardMetrics{
		registry: registry,

		Presses: registry.RegisterCounter(
			"key_presses_total",
			"Touches that started a press session",
			nil,
		),
		Commits: registry.RegisterCounter(
			"key_commits_total",
			"Releases that committed a character",
			nil,
		),
		PressesLost: registry.RegisterCounter(
			"key_presses_lost_total",
			"Press sessions discarded without a commit",
			nil,
		),
		Dropped: registry.RegisterCounter(
			"composition_dropped_total",
			"Characters rejected because the composition was full",
			nil,
		),
		Accepts: registry.RegisterCounter(
			"accepts_total",
			"Compositions moved into the document",
			nil,
		),
		AcceptErrors: registry.RegisterCounter(
			"accept_errors_total",
			"Accepts that failed to grow the document",
			nil,
		),
		Clears: registry.RegisterCounter(
			"composition_clears_total",
			"Clear actions",
			nil,
		),
		UnknownKeys: registry.RegisterCounter(
			"unknown_key_events_total",
			"Events naming a key that does not exist",
			nil,
		),
		ConfigReloads: registry.RegisterCounter(
			"config_reloads_total",
			"Configuration changes applied at runtime",
			nil,
		),

		Keys: registry.RegisterGauge(
			"keys",
			"Keys currently on the keyboard",
			nil,
		),
		CompositionLen: registry.RegisterGauge(
			"composition_runes",
			"Characters in the composition buffer",
			nil,
		),
		DocumentLen: registry.RegisterGauge(
			"document_runes",
			"Characters in the document",
			nil,
		),

		PressDuration: registry.RegisterHistogram(
			"press_duration_seconds",
			"Time between press and release of committed characters",
			nil,
			PressBuckets,
		),
		AcceptedRunes: registry.RegisterHistogram(
			"accepted_runes",
			"Characters moved into the document per accept",
			nil,
			[]float64{1, 2, 4, 8, 16, 32, 64, 128},
		),
	}
}

// Registry returns the registry the metrics live in.
func (m *KeyboardMetrics) Registry() *Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Press records the start of a press session.
func (m *KeyboardMetrics) Press() {
	if m == nil {
		return
	}
	m.Presses.Inc()
}

// Commit records a committed character. accepted is false when the
// composition was full.
func (m *KeyboardMetrics) Commit(held time.Duration, accepted bool) {
	if m == nil {
		return
	}
	m.Commits.Inc()
	m.PressDuration.ObserveDuration(held)
	if !accepted {
		m.Dropped.Inc()
	}
}

// Drop records a character the composition had no room for.
func (m *KeyboardMetrics) Drop() {
	if m == nil {
		return
	}
	m.Dropped.Inc()
}

// PressLost records a discarded press session.
func (m *KeyboardMetrics) PressLost() {
	if m == nil {
		return
	}
	m.PressesLost.Inc()
}

// Accept records an accept of n runes. n is 0 for failed accepts.
func (m *KeyboardMetrics) Accept(n int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.AcceptErrors.Inc()
		return
	}
	if n == 0 {
		return
	}
	m.Accepts.Inc()
	m.AcceptedRunes.Observe(float64(n))
}

// Clear records a clear action.
func (m *KeyboardMetrics) Clear() {
	if m == nil {
		return
	}
	m.Clears.Inc()
}

// UnknownKey records an event for a missing key.
func (m *KeyboardMetrics) UnknownKey() {
	if m == nil {
		return
	}
	m.UnknownKeys.Inc()
}

// Reloaded records an applied configuration change.
func (m *KeyboardMetrics) Reloaded() {
	if m == nil {
		return
	}
	m.ConfigReloads.Inc()
}

// SetSizes updates the key count and buffer length gauges.
func (m *KeyboardMetrics) SetSizes(keys, composition, document int) {
	if m == nil {
		return
	}
	m.Keys.Set(int64(keys))
	m.CompositionLen.Set(int64(composition))
	m.DocumentLen.Set(int64(document))
}

// Snapshot returns the headline values.
func (m *KeyboardMetrics) Snapshot() map[string]any {
	if m == nil {
		return nil
	}
	return map[string]any{
		"key_presses_total":         m.Presses.Value(),
		"key_commits_total":         m.Commits.Value(),
		"key_presses_lost_total":    m.PressesLost.Value(),
		"composition_dropped_total": m.Dropped.Value(),
		"accepts_total":             m.Accepts.Value(),
		"accept_errors_total":       m.AcceptErrors.Value(),
		"document_runes":            m.DocumentLen.Value(),
		"press_duration_avg":        m.PressDuration.Mean(),
	}
}

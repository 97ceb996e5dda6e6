// Package metrics provides Prometheus-compatible metrics for blobkbd.
//
// The registry exposes counters, gauges and histograms in the Prometheus
// text format or as JSON, and can serve both over HTTP. All metric types
// are safe for concurrent use.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType represents the type of metric.
type MetricType int

const (
	// TypeCounter is a monotonically increasing counter.
	TypeCounter MetricType = iota
	// TypeGauge is a value that can go up and down.
	TypeGauge
	// TypeHistogram is a distribution of values.
	TypeHistogram
)

// String returns the Prometheus name of the metric type.
func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "untyped"
	}
}

// Labels represents metric labels.
type Labels map[string]string

// String renders labels as {k="v",...} in key order.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	return "{" + l.pairs() + "}"
}

func (l Labels) pairs() string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, l[k]))
	}
	return strings.Join(parts, ",")
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels Labels
	value  atomic.Uint64
}

// NewCounter creates a new Counter.
func NewCounter(name, help string, labels Labels) *Counter {
	return &Counter{name: name, help: help, labels: labels}
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.value.Add(1)
}

// Add adds v to the counter.
func (c *Counter) Add(v uint64) {
	c.value.Add(v)
}

// Value returns the current value.
func (c *Counter) Value() uint64 {
	return c.value.Load()
}

// Name returns the full metric name.
func (c *Counter) Name() string {
	return c.name
}

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels Labels
	value  atomic.Int64
}

// NewGauge creates a new Gauge.
func NewGauge(name, help string, labels Labels) *Gauge {
	return &Gauge{name: name, help: help, labels: labels}
}

// Set sets the gauge to v.
func (g *Gauge) Set(v int64) {
	g.value.Store(v)
}

// Value returns the current value.
func (g *Gauge) Value() int64 {
	return g.value.Load()
}

// Name returns the full metric name.
func (g *Gauge) Name() string {
	return g.name
}

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	help    string
	labels  Labels
	buckets []float64

	mu     sync.Mutex
	counts []uint64 // per bucket, last is +Inf
	sum    float64
	count  uint64
}

// DurationBuckets are buckets for durations in seconds.
var DurationBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// PressBuckets are buckets for touch hold times in seconds.
var PressBuckets = []float64{
	0.02, 0.05, 0.08, 0.12, 0.2, 0.3, 0.5, 0.8, 1.5, 3,
}

// NewHistogram creates a new Histogram. Nil buckets use DurationBuckets.
func NewHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DurationBuckets
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)

	return &Histogram{
		name:    name,
		help:    help,
		labels:  labels,
		buckets: sorted,
		counts:  make([]uint64, len(sorted)+1),
	}
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	// Upper bounds are inclusive: v lands in the first bucket >= v.
	idx := sort.SearchFloat64s(h.buckets, v)

	h.mu.Lock()
	h.counts[idx]++
	h.sum += v
	h.count++
	h.mu.Unlock()
}

// ObserveDuration records a duration in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Sum returns the sum of observed values.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Mean returns the mean of observed values, or 0.
func (h *Histogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0
	}
	return h.sum / float64(h.count)
}

// Name returns the full metric name.
func (h *Histogram) Name() string {
	return h.name
}

// cumulative returns the cumulative bucket counts including +Inf.
func (h *Histogram) cumulative() []uint64 {
	out := make([]uint64, len(h.counts))
	var total uint64
	for i, c := range h.counts {
		total += c
		out[i] = total
	}
	return out
}

// Registry holds registered metrics.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram

	namespace string
	subsystem string
}

// NewRegistry creates a new Registry. Metric names are prefixed with
// namespace and subsystem, joined by underscores.
func NewRegistry(namespace, subsystem string) *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		namespace:  namespace,
		subsystem:  subsystem,
	}
}

func (r *Registry) fullName(name string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{r.namespace, r.subsystem, name} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "_")
}

// RegisterCounter registers a counter, returning the existing one if the
// name is taken.
func (r *Registry) RegisterCounter(name, help string, labels Labels) *Counter {
	full := r.fullName(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[full]; ok {
		return c
	}
	c := NewCounter(full, help, labels)
	r.counters[full] = c
	return c
}

// RegisterGauge registers a gauge, returning the existing one if the name
// is taken.
func (r *Registry) RegisterGauge(name, help string, labels Labels) *Gauge {
	full := r.fullName(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[full]; ok {
		return g
	}
	g := NewGauge(full, help, labels)
	r.gauges[full] = g
	return g
}

// RegisterHistogram registers a histogram, returning the existing one if
// the name is taken.
func (r *Registry) RegisterHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	full := r.fullName(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[full]; ok {
		return h
	}
	h := NewHistogram(full, help, labels, buckets)
	r.histograms[full] = h
	return h
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WritePrometheus writes all metrics in the Prometheus text format, sorted
// by name.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	header := func(name, help string, t MetricType) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, t)
	}

	for _, name := range sortedKeys(r.counters) {
		c := r.counters[name]
		header(name, c.help, TypeCounter)
		fmt.Fprintf(&b, "%s%s %d\n", name, c.labels, c.Value())
	}
	for _, name := range sortedKeys(r.gauges) {
		g := r.gauges[name]
		header(name, g.help, TypeGauge)
		fmt.Fprintf(&b, "%s%s %d\n", name, g.labels, g.Value())
	}
	for _, name := range sortedKeys(r.histograms) {
		h := r.histograms[name]
		header(name, h.help, TypeHistogram)

		prefix := "{"
		if len(h.labels) > 0 {
			prefix = "{" + h.labels.pairs() + ","
		}

		h.mu.Lock()
		cum := h.cumulative()
		for i, upper := range h.buckets {
			fmt.Fprintf(&b, "%s_bucket%sle=\"%g\"} %d\n", name, prefix, upper, cum[i])
		}
		fmt.Fprintf(&b, "%s_bucket%sle=\"+Inf\"} %d\n", name, prefix, cum[len(cum)-1])
		fmt.Fprintf(&b, "%s_sum%s %g\n", name, h.labels, h.sum)
		fmt.Fprintf(&b, "%s_count%s %d\n", name, h.labels, h.count)
		h.mu.Unlock()
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// WriteJSON writes all metrics as an indented JSON object keyed by name.
func (r *Registry) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r.describe())
}

func (r *Registry) describe() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]any, len(r.counters)+len(r.gauges)+len(r.histograms))
	for name, c := range r.counters {
		out[name] = map[string]any{
			"type": TypeCounter.String(), "help": c.help, "labels": c.labels, "value": c.Value(),
		}
	}
	for name, g := range r.gauges {
		out[name] = map[string]any{
			"type": TypeGauge.String(), "help": g.help, "labels": g.labels, "value": g.Value(),
		}
	}
	for name, h := range r.histograms {
		h.mu.Lock()
		cum := h.cumulative()
		buckets := make(map[string]uint64, len(cum))
		for i, upper := range h.buckets {
			buckets[fmt.Sprintf("%g", upper)] = cum[i]
		}
		buckets["+Inf"] = cum[len(cum)-1]
		out[name] = map[string]any{
			"type": TypeHistogram.String(), "help": h.help, "labels": h.labels,
			"buckets": buckets, "sum": h.sum, "count": h.count,
		}
		h.mu.Unlock()
	}
	return out
}

// HTTPHandler serves the registry. Clients asking for application/json get
// JSON; everyone else gets the Prometheus text format.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.Header.Get("Accept"), "application/json") {
			w.Header().Set("Content-Type", "application/json")
			_ = r.WriteJSON(w)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_ = r.WritePrometheus(w)
	})
}

// Serve exposes the registry at /metrics on addr until ctx is done. Extra
// routes are served on the same listener.
func (r *Registry) Serve(ctx context.Context, addr string, routes map[string]http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.HTTPHandler())
	for pattern, h := range routes {
		mux.Handle(pattern, h)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

var (
	defaultMu       sync.RWMutex
	defaultRegistry = NewRegistry("blobkbd", "")
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRegistry
}

// SetDefault replaces the process-wide registry.
func SetDefault(r *Registry) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = r
}

package telemetry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// maxSamples bounds the latency window kept per metric set.
const maxSamples = 1000

// Metrics aggregates the counters of a processing run.
type Metrics struct {
	mu sync.RWMutex

	EventsTried   int64
	EventsStored  int64
	EventsAborted int64
	ErrorCount    int64

	// Latency windows: one for whole events, one per processor.
	latencies  []time.Duration
	processors map[string][]time.Duration
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		latencies:  make([]time.Duration, 0, maxSamples),
		processors: make(map[string][]time.Duration),
	}
}

func push(window []time.Duration, d time.Duration) []time.Duration {
	if len(window) >= maxSamples {
		window = window[1:]
	}
	return append(window, d)
}

// RecordLatency records the time spent on one event.
func (m *Metrics) RecordLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = push(m.latencies, d)
}

// RecordProcessor records the time one processor spent on one event.
func (m *Metrics) RecordProcessor(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processors[name] = push(m.processors[name], d)
}

// IncrementEvents counts one finished event.
func (m *Metrics) IncrementEvents(stored bool) {
	atomic.AddInt64(&m.EventsTried, 1)
	if stored {
		atomic.AddInt64(&m.EventsStored, 1)
	} else {
		atomic.AddInt64(&m.EventsAborted, 1)
	}
}

// IncrementErrors atomically increments error count.
func (m *Metrics) IncrementErrors() {
	atomic.AddInt64(&m.ErrorCount, 1)
}

// Percentile returns the p-th percentile of recorded event latencies.
func (m *Metrics) Percentile(p float64) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return percentile(m.latencies, p)
}

func percentile(window []time.Duration, p float64) time.Duration {
	if len(window) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(window))
	copy(sorted, window)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Summary returns a summary of collected metrics.
func (m *Metrics) Summary() MetricsSummary {
	s := MetricsSummary{
		EventsTried:   atomic.LoadInt64(&m.EventsTried),
		EventsStored:  atomic.LoadInt64(&m.EventsStored),
		EventsAborted: atomic.LoadInt64(&m.EventsAborted),
		ErrorCount:    atomic.LoadInt64(&m.ErrorCount),
		P50Latency:    m.Percentile(0.50),
		P95Latency:    m.Percentile(0.95),
		P99Latency:    m.Percentile(0.99),
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.processors) > 0 {
		s.Processors = make(map[string]time.Duration, len(m.processors))
		for name, window := range m.processors {
			s.Processors[name] = percentile(window, 0.50)
		}
	}
	return s
}

// MetricsSummary is a snapshot of metrics.
type MetricsSummary struct {
	EventsTried   int64         `json:"events_tried"`
	EventsStored  int64         `json:"events_stored"`
	EventsAborted int64         `json:"events_aborted"`
	ErrorCount    int64         `json:"error_count"`
	P50Latency    time.Duration `json:"p50_latency_ns"`
	P95Latency    time.Duration `json:"p95_latency_ns"`
	P99Latency    time.Duration `json:"p99_latency_ns"`

	// Processors holds the median latency per processor.
	Processors map[string]time.Duration `json:"processors_p50_ns,omitempty"`
}

// ToJSON serializes the summary to JSON.
func (s MetricsSummary) ToJSON() ([]byte, error) {
	return json.Marshal(s)
}

// InstrumentedOperation wraps an operation with a span and latency metrics.
func InstrumentedOperation(ctx context.Context, tracer trace.Tracer, metrics *Metrics, name string, op func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()
	start := time.Now()

	err := op(ctx)

	elapsed := time.Since(start)
	if metrics != nil {
		metrics.RecordProcessor(name, elapsed)
		if err != nil {
			metrics.IncrementErrors()
		}
	}
	span.SetAttributes(attribute.Int64("duration_us", elapsed.Microseconds()))
	RecordError(ctx, err)
	return err
}

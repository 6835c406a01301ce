package observability

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var expvarSeq uint64

// ExpvarMetricsRecorder keeps per-operation totals in process memory and publishes
// them through expvar. Durations are accumulated in milliseconds.
type ExpvarMetricsRecorder struct {
	name    string
	mu      sync.Mutex
	totals  map[string]float64
	results map[string]map[string]int64
}

// ExpvarMetricsSnapshot is a point-in-time copy of an ExpvarMetricsRecorder.
type ExpvarMetricsSnapshot struct {
	DurationsMS map[string]float64          `json:"durations_ms_total"`
	Results     map[string]map[string]int64 `json:"results_total"`
	RecordedAt  time.Time                   `json:"recorded_at"`
}

// NewExpvarMetricsRecorder publishes a recorder under name, generating a unique name
// when empty. expvar names are process-global, so callers must not reuse a name.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		name = fmt.Sprintf("adcontrol_gateway_%d", atomic.AddUint64(&expvarSeq, 1))
	}
	rec := &ExpvarMetricsRecorder{
		name:    name,
		totals:  make(map[string]float64),
		results: make(map[string]map[string]int64),
	}
	expvar.Publish(name, expvar.Func(func() any { return rec.Snapshot() }))
	return rec
}

// Name returns the expvar key.
func (r *ExpvarMetricsRecorder) Name() string { return r.name }

// Observe implements MetricsRecorder.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals[operation] += float64(duration) / float64(time.Millisecond)
	byStatus, ok := r.results[operation]
	if !ok {
		byStatus = make(map[string]int64, 2)
		r.results[operation] = byStatus
	}
	byStatus[statusLabel(success)]++
}

// Snapshot copies the aggregated values.
func (r *ExpvarMetricsRecorder) Snapshot() ExpvarMetricsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	totals := make(map[string]float64, len(r.totals))
	for op, v := range r.totals {
		totals[op] = v
	}
	results := make(map[string]map[string]int64, len(r.results))
	for op, counts := range r.results {
		cpy := make(map[string]int64, len(counts))
		for k, v := range counts {
			cpy[k] = v
		}
		results[op] = cpy
	}
	return ExpvarMetricsSnapshot{DurationsMS: totals, Results: results, RecordedAt: time.Now().UTC()}
}

// PrometheusRecorder exports gateway observations as a histogram labelled by
// operation and status.
type PrometheusRecorder struct {
	durations *prometheus.HistogramVec
}

// NewPrometheusRecorder registers its collectors on reg. A nil reg uses a private
// registry, which keeps tests independent of the default one.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "adcontrol",
		Subsystem: "gateway",
		Name:      "call_duration_seconds",
		Help:      "Duration of outbound API calls issued through the request gateway.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "status"})
	if err := reg.Register(hist); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, fmt.Errorf("register gateway histogram: %w", err)
		}
		hist = already.ExistingCollector.(*prometheus.HistogramVec)
	}
	return &PrometheusRecorder{durations: hist}, nil
}

// Observe implements MetricsRecorder.
func (p *PrometheusRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	p.durations.WithLabelValues(operation, statusLabel(success)).Observe(duration.Seconds())
}

// Collector exposes the underlying histogram, mainly for tests.
func (p *PrometheusRecorder) Collector() *prometheus.HistogramVec { return p.durations }

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

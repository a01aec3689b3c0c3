// Package metrics provides Prometheus metrics for the OCR pipeline worker.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adverant/nexus/ocrpipe-worker/internal/batch"
	"github.com/adverant/nexus/ocrpipe-worker/internal/native"
)

// Metrics holds every collector exported by the worker. It implements
// native.Observer for the library boundary and batch.Recorder for runs.
type Metrics struct {
	HandlesAllocated *prometheus.CounterVec
	HandlesFreed     prometheus.Counter
	HandlesLive      prometheus.Gauge
	NativeCalls      *prometheus.CounterVec
	NativeDuration   *prometheus.HistogramVec
	LockFailures     *prometheus.CounterVec
	FreeFailures     *prometheus.CounterVec

	ItemsTotal   *prometheus.CounterVec
	ItemDuration prometheus.Histogram
	BatchesTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the collectors and registers them with registry. A nil
// registry gets a fresh one.
func New(registry *prometheus.Registry) (*Metrics, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{registry: registry}
	m.initMetrics()

	for _, c := range m.collectors() {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register ocrpipe metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.HandlesAllocated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocrpipe_native_handles_allocated_total",
			Help: "Handles handed out by the native library, by operation.",
		},
		[]string{"op"},
	)
	m.HandlesFreed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ocrpipe_native_handles_freed_total",
		Help: "Handles released back to the native library.",
	})
	m.HandlesLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ocrpipe_native_handles_live",
		Help: "Handles currently owned by the worker. Stays at zero between items.",
	})
	m.NativeCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocrpipe_native_calls_total",
			Help: "Native library calls by operation and status code.",
		},
		[]string{"op", "code"},
	)
	m.NativeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ocrpipe_native_call_duration_seconds",
			Help:    "Time spent inside a native library call",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"op"},
	)
	m.LockFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocrpipe_native_lock_failures_total",
			Help: "Failed handle locks by status code.",
		},
		[]string{"code"},
	)
	m.FreeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocrpipe_native_free_failures_total",
			Help: "Frees refused by the native library, by status code.",
		},
		[]string{"code"},
	)
	m.ItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocrpipe_batch_items_total",
			Help: "Batch items processed by outcome.",
		},
		[]string{"status"},
	)
	m.ItemDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ocrpipe_batch_item_duration_seconds",
		Help:    "Time to run the pipeline on one input",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
	m.BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocrpipe_batches_total",
			Help: "Finished batches by terminal status.",
		},
		[]string{"status"},
	)
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.HandlesAllocated, m.HandlesFreed, m.HandlesLive,
		m.NativeCalls, m.NativeDuration, m.LockFailures, m.FreeFailures,
		m.ItemsTotal, m.ItemDuration, m.BatchesTotal,
	}
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HandleAllocated implements native.Observer.
func (m *Metrics) HandleAllocated(op native.Opcode) {
	m.HandlesAllocated.WithLabelValues(op.String()).Inc()
	m.HandlesLive.Inc()
}

// HandleFreed implements native.Observer.
func (m *Metrics) HandleFreed() {
	m.HandlesFreed.Inc()
	m.HandlesLive.Dec()
}

// FreeFailed implements native.Observer. The handle stays counted as live.
func (m *Metrics) FreeFailed(code int32) {
	m.FreeFailures.WithLabelValues(strconv.Itoa(int(code))).Inc()
}

// CallCompleted implements native.Observer.
func (m *Metrics) CallCompleted(op native.Opcode, code int32, elapsed time.Duration) {
	m.NativeCalls.WithLabelValues(op.String(), strconv.Itoa(int(code))).Inc()
	m.NativeDuration.WithLabelValues(op.String()).Observe(elapsed.Seconds())
}

// LockFailed implements native.Observer.
func (m *Metrics) LockFailed(code int32) {
	m.LockFailures.WithLabelValues(strconv.Itoa(int(code))).Inc()
}

// ItemCompleted implements batch.Recorder.
func (m *Metrics) ItemCompleted(succeeded bool, d time.Duration) {
	status := "failed"
	if succeeded {
		status = "succeeded"
	}
	m.ItemsTotal.WithLabelValues(status).Inc()
	m.ItemDuration.Observe(d.Seconds())
}

// BatchCompleted implements batch.Recorder.
func (m *Metrics) BatchCompleted(report *batch.BatchReport) {
	m.BatchesTotal.WithLabelValues(report.Status()).Inc()
}

var (
	_ native.Observer = (*Metrics)(nil)
	_ batch.Recorder  = (*Metrics)(nil)
)

package monitoring

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Monitor collects runtime and step-engine metrics via a dedicated
// Prometheus registry (rather than the global default registry, so a
// process embedding jimi as a library can run more than one Monitor
// without collector-already-registered panics).
type Monitor struct {
	registry *prometheus.Registry
	logger   *zap.Logger
	start    time.Time

	requestsTotal    *prometheus.CounterVec
	toolCallsTotal   *prometheus.CounterVec
	modelCallsTotal  prometheus.Counter
	modelTokensUsed  prometheus.Counter
	errorsTotal      prometheus.Counter
	activeSessions   prometheus.Gauge
	requestLatency   prometheus.Histogram
	toolLatency      prometheus.Histogram

	mu           sync.RWMutex
	history      []MetricsSnapshot
	historyLimit int
}

// MetricsSnapshot is a point-in-time reading kept for the dashboard's
// rolling history view.
type MetricsSnapshot struct {
	Timestamp      time.Time
	ActiveSessions int64
	MemoryMB       float64
	Goroutines     int
}

// NewMonitor creates a monitor with its own Prometheus registry, registering
// the collectors eagerly so PrometheusHandler always has something to serve
// even before the first event arrives.
func NewMonitor(logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()

	m := &Monitor{
		registry: reg,
		logger:   logger.With(zap.String("component", "monitor")),
		start:    time.Now(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jimi",
			Name:      "requests_total",
			Help:      "Total number of LLM requests made by the step loop, by outcome.",
		}, []string{"outcome"}),
		toolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jimi",
			Name:      "tool_calls_total",
			Help:      "Total number of tool invocations, by outcome.",
		}, []string{"outcome"}),
		modelCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jimi",
			Name:      "model_calls_total",
			Help:      "Total number of LLM calls issued.",
		}),
		modelTokensUsed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jimi",
			Name:      "model_tokens_used_total",
			Help:      "Total number of tokens consumed across all LLM calls.",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jimi",
			Name:      "errors_total",
			Help:      "Total number of step-loop errors.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jimi",
			Name:      "active_sessions",
			Help:      "Number of sessions currently attached to the engine.",
		}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "jimi",
			Name:      "request_latency_seconds",
			Help:      "LLM request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		toolLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "jimi",
			Name:      "tool_latency_seconds",
			Help:      "Tool execution latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		history:      make([]MetricsSnapshot, 0, 100),
		historyLimit: 100,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.toolCallsTotal,
		m.modelCallsTotal,
		m.modelTokensUsed,
		m.errorsTotal,
		m.activeSessions,
		m.requestLatency,
		m.toolLatency,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

func (m *Monitor) IncRequestTotal()   { m.requestsTotal.WithLabelValues("attempted").Inc() }
func (m *Monitor) IncRequestSuccess() { m.requestsTotal.WithLabelValues("success").Inc() }
func (m *Monitor) IncRequestFailed()  { m.requestsTotal.WithLabelValues("failed").Inc() }

func (m *Monitor) IncToolCallTotal()   { m.toolCallsTotal.WithLabelValues("attempted").Inc() }
func (m *Monitor) IncToolCallSuccess() { m.toolCallsTotal.WithLabelValues("success").Inc() }
func (m *Monitor) IncToolCallFailed()  { m.toolCallsTotal.WithLabelValues("failed").Inc() }

func (m *Monitor) IncModelCall() { m.modelCallsTotal.Inc() }
func (m *Monitor) IncError()     { m.errorsTotal.Inc() }

func (m *Monitor) AddTokensUsed(n int) {
	if n > 0 {
		m.modelTokensUsed.Add(float64(n))
	}
}

func (m *Monitor) SetActiveSessions(n int64) { m.activeSessions.Set(float64(n)) }

func (m *Monitor) RecordRequestLatency(d time.Duration) { m.requestLatency.Observe(d.Seconds()) }
func (m *Monitor) RecordToolLatency(d time.Duration)    { m.toolLatency.Observe(d.Seconds()) }

// PrometheusHandler returns an http.Handler serving this monitor's registry
// in the Prometheus text exposition format, mount it at "/metrics".
func (m *Monitor) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot captures a point-in-time reading of runtime stats and appends it
// to the rolling history, evicting the oldest entry once historyLimit is hit.
func (m *Monitor) Snapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	snapshot := MetricsSnapshot{
		Timestamp:  time.Now(),
		MemoryMB:   float64(memStats.Alloc) / 1024 / 1024,
		Goroutines: runtime.NumGoroutine(),
	}

	m.mu.Lock()
	m.history = append(m.history, snapshot)
	if len(m.history) > m.historyLimit {
		m.history = m.history[1:]
	}
	m.mu.Unlock()

	return snapshot
}

// GetHistory returns a copy of the rolling snapshot history.
func (m *Monitor) GetHistory() []MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]MetricsSnapshot, len(m.history))
	copy(result, m.history)
	return result
}

// StartCollector periodically snapshots runtime stats until ctx is cancelled.
func (m *Monitor) StartCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Snapshot()
		}
	}
}

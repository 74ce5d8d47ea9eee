// Package metrics exposes Prometheus collectors for turns, model calls and tools.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aiva"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	turns        *prometheus.CounterVec
	turnDuration prometheus.Histogram
	queuedTurns  prometheus.Gauge
	activeTurns  prometheus.Gauge
	modelCalls   *prometheus.CounterVec
	toolCalls    *prometheus.CounterVec
	evictions    prometheus.Counter
}

// New creates collectors registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed turns by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall-clock duration of turns.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		queuedTurns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "turns_queued",
			Help:      "Turns waiting behind another turn of the same conversation.",
		}),
		activeTurns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "turns_active",
			Help:      "Turns currently running.",
		}),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Model backend calls by backend and result.",
		}, []string{"backend", "result"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "Tool invocations by tool and status.",
		}, []string{"tool", "status"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_evicted_total",
			Help:      "Conversations evicted by the retention policy.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.turns, m.turnDuration, m.queuedTurns, m.activeTurns,
		m.modelCalls, m.toolCalls, m.evictions,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) TurnFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(d.Seconds())
}

func (m *Metrics) TurnQueued(delta float64) {
	if m == nil {
		return
	}
	m.queuedTurns.Add(delta)
}

func (m *Metrics) TurnActive(delta float64) {
	if m == nil {
		return
	}
	m.activeTurns.Add(delta)
}

func (m *Metrics) ModelCall(backend, result string) {
	if m == nil {
		return
	}
	m.modelCalls.WithLabelValues(backend, result).Inc()
}

func (m *Metrics) ToolInvocation(tool, status string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, status).Inc()
}

func (m *Metrics) ConversationEvicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

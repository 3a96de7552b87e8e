// ABOUTME: Prometheus collectors for the turn pipeline, served on the gateway's /metrics.
// ABOUTME: Implements the scheduler's Observer; live gauges read the hub, job registry, and broker directly.

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pandora-research/pandora/intervention"
	"github.com/pandora-research/pandora/jobs"
	"github.com/pandora-research/pandora/llm"
	"github.com/pandora-research/pandora/trace"
)

// Metrics owns a private registry so tests never collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	turnsStarted  prometheus.Counter
	turnsFinished *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	phaseFailures *prometheus.CounterVec
	llmCalls      *prometheus.CounterVec
	llmTokens     *prometheus.CounterVec
	toolRuns      *prometheus.CounterVec
}

// New builds the collector set. Any of hub, reg, broker may be nil; the
// corresponding gauge is simply not registered.
func New(hub *trace.Hub, reg *jobs.Registry, broker *intervention.Broker) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turnsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pandora_turns_started_total",
			Help: "Turns the scheduler has begun.",
		}),
		turnsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pandora_turns_finished_total",
			Help: "Turns by terminal status.",
		}, []string{"status"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pandora_phase_duration_seconds",
			Help:    "Wall time per pipeline phase.",
			Buckets: []float64{.05, .25, 1, 5, 15, 30, 60, 300, 1800},
		}, []string{"phase"}),
		phaseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pandora_phase_failures_total",
			Help: "Phase executions that ended in error.",
		}, []string{"phase"}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pandora_llm_calls_total",
			Help: "LLM completions by sampling role.",
		}, []string{"role"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pandora_llm_tokens_total",
			Help: "LLM tokens by direction.",
		}, []string{"direction"}),
		toolRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pandora_tool_executions_total",
			Help: "Tool calls by result status.",
		}, []string{"status"}),
	}

	m.registry.MustRegister(m.turnsStarted, m.turnsFinished, m.phaseDuration,
		m.phaseFailures, m.llmCalls, m.llmTokens, m.toolRuns)

	if hub != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pandora_active_traces",
			Help: "Traces currently held by the hub, terminal but unretired included.",
		}, func() float64 { return float64(hub.Len()) }))
	}
	if reg != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pandora_jobs",
			Help: "Jobs currently held by the registry.",
		}, func() float64 { return float64(reg.Len()) }))
	}
	if broker != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pandora_interventions_pending",
			Help: "Interventions awaiting a human.",
		}, func() float64 { return float64(len(broker.ListPending(""))) }))
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TurnStarted implements pipeline.Observer.
func (m *Metrics) TurnStarted(string) {
	m.turnsStarted.Inc()
}

// TurnFinished implements pipeline.Observer.
func (m *Metrics) TurnFinished(_, status string) {
	m.turnsFinished.WithLabelValues(status).Inc()
}

// PhaseObserved implements pipeline.Observer.
func (m *Metrics) PhaseObserved(phase string, d time.Duration, failed bool) {
	m.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
	if failed {
		m.phaseFailures.WithLabelValues(phase).Inc()
	}
}

// LLMCall implements pipeline.Observer.
func (m *Metrics) LLMCall(role string, usage llm.Usage) {
	m.llmCalls.WithLabelValues(role).Inc()
	m.llmTokens.WithLabelValues("input").Add(float64(usage.InputTokens))
	m.llmTokens.WithLabelValues("output").Add(float64(usage.OutputTokens))
}

// ToolExecuted implements pipeline.Observer.
func (m *Metrics) ToolExecuted(status string) {
	m.toolRuns.WithLabelValues(status).Inc()
}

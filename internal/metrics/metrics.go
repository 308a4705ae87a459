// Package metrics exposes the autopilot's operational counters to
// Prometheus. Registered on the dashboard mux at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"krw-autopilot/pkg/types"
)

// Metrics bundles the autopilot collectors. A nil *Metrics is a valid
// no-op receiver so wiring stays optional.
type Metrics struct {
	registry *prometheus.Registry

	orderFlow     *prometheus.CounterVec
	llmCalls      prometheus.Counter
	softCapWarns  prometheus.Counter
	tickErrors    prometheus.Counter
	workersActive *prometheus.GaugeVec
	candidates    *prometheus.GaugeVec
	dailyBlocked  prometheus.Gauge
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		orderFlow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autopilot_order_flow_total",
			Help: "Order lifecycle notifications by kind.",
		}, []string{"kind"}),
		llmCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autopilot_llm_calls_total",
			Help: "LLM calls issued by the orchestrator and its workers.",
		}),
		softCapWarns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autopilot_llm_soft_cap_warnings_total",
			Help: "Times the daily LLM soft cap was crossed.",
		}),
		tickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autopilot_tick_errors_total",
			Help: "Orchestrator ticks that failed.",
		}),
		workersActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autopilot_workers",
			Help: "Live workers by status.",
		}, []string{"status"}),
		candidates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autopilot_candidates",
			Help: "Candidates from the last tick by local stage.",
		}, []string{"stage"}),
		dailyBlocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autopilot_daily_loss_blocked",
			Help: "1 while the daily loss limit blocks new entries.",
		}),
	}

	m.registry.MustRegister(
		m.orderFlow, m.llmCalls, m.softCapWarns, m.tickErrors,
		m.workersActive, m.candidates, m.dailyBlocked,
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CountOrderFlow records one order lifecycle notification.
func (m *Metrics) CountOrderFlow(kind types.OrderFlowKind) {
	if m == nil {
		return
	}
	m.orderFlow.WithLabelValues(string(kind)).Inc()
}

// CountLLMCalls records n LLM calls.
func (m *Metrics) CountLLMCalls(n int) {
	if m == nil {
		return
	}
	m.llmCalls.Add(float64(n))
}

// CountSoftCapWarning records a soft-cap crossing.
func (m *Metrics) CountSoftCapWarning() {
	if m == nil {
		return
	}
	m.softCapWarns.Inc()
}

// CountTickError records one failed orchestrator tick.
func (m *Metrics) CountTickError() {
	if m == nil {
		return
	}
	m.tickErrors.Inc()
}

// SetWorkers publishes the worker census for one tick.
func (m *Metrics) SetWorkers(byStatus map[types.WorkerStatus]int) {
	if m == nil {
		return
	}
	m.workersActive.Reset()
	for status, n := range byStatus {
		m.workersActive.WithLabelValues(string(status)).Set(float64(n))
	}
}

// SetCandidates publishes the candidate census for one tick.
func (m *Metrics) SetCandidates(byStage map[types.Stage]int) {
	if m == nil {
		return
	}
	m.candidates.Reset()
	for stage, n := range byStage {
		m.candidates.WithLabelValues(string(stage)).Set(float64(n))
	}
}

// SetDailyLossBlocked publishes the block flag.
func (m *Metrics) SetDailyLossBlocked(blocked bool) {
	if m == nil {
		return
	}
	if blocked {
		m.dailyBlocked.Set(1)
	} else {
		m.dailyBlocked.Set(0)
	}
}

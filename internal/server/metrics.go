package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-wide prometheus registry. It observes account
// operations, bridge execution and push events.
type Metrics struct {
	registry         *prometheus.Registry
	operationsTotal  *prometheus.CounterVec
	bridgeStepsTotal *prometheus.CounterVec
	bridgePollsTotal *prometheus.CounterVec
	wsEventsTotal    *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	idempotentReplay prometheus.Counter
	dlqDepth         prometheus.Gauge
}

func NewMetrics() *Metrics {
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aedzpay_escrow_operations_total",
		Help: "Account operations by action and outcome",
	}, []string{"action", "status"})

	steps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aedzpay_bridge_steps_total",
		Help: "Bridge step items executed",
	}, []string{"kind", "status"})

	polls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aedzpay_bridge_polls_total",
		Help: "Bridge status checks by result",
	}, []string{"result"})

	ws := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aedzpay_ws_events_total",
		Help: "Push events received from the backend",
	}, []string{"type"})

	reqs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aedzpay_http_requests_total",
		Help: "API requests by route and status code",
	}, []string{"route", "code"})

	replays := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aedzpay_idempotent_replays_total",
		Help: "Responses served from the idempotency store",
	})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aedzpay_dlq_depth",
		Help: "Number of failed bridge intents in the DLQ",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(ops, steps, polls, ws, reqs, replays, dlq)

	return &Metrics{
		registry:         r,
		operationsTotal:  ops,
		bridgeStepsTotal: steps,
		bridgePollsTotal: polls,
		wsEventsTotal:    ws,
		httpRequests:     reqs,
		idempotentReplay: replays,
		dlqDepth:         dlq,
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Operation implements account.Observer.
func (m *Metrics) Operation(action, status string) {
	m.operationsTotal.WithLabelValues(action, status).Inc()
}

// StepExecuted implements bridge.Observer.
func (m *Metrics) StepExecuted(kind, status string) {
	m.bridgeStepsTotal.WithLabelValues(kind, status).Inc()
}

// Polled implements bridge.Observer.
func (m *Metrics) Polled(result string) {
	m.bridgePollsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) WSEvent(eventType string) {
	m.wsEventsTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) request(route string, code int) {
	m.httpRequests.WithLabelValues(route, statusLabel(code)).Inc()
}

func (m *Metrics) replay() {
	m.idempotentReplay.Inc()
}

func (m *Metrics) SetDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

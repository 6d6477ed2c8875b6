package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: вызов capability целиком (включая ретраи)
	InvokeDuration *prometheus.HistogramVec

	// Traffic: вызовы capability
	InvokeTotal *prometheus.CounterVec

	// Команды над агрегатами по итогу (OK, CONFLICT, REJECTED, FAILED)
	CommandTotal *prometheus.CounterVec

	// Errors: классификация отказов
	ErrorTotal *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - closed, 0.5 - half-open, 1 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Размер L1 кэша статусов
	StatusCacheSize prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		InvokeDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentledger_invoke_duration_seconds",
			Help:    "Histogram of capability invocation latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"capability_id", "status"}),

		InvokeTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentledger_invocations_total",
			Help: "Total number of capability invocations.",
		}, []string{"capability_id"}),

		CommandTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentledger_commands_total",
			Help: "Agent commands by outcome.",
		}, []string{"command", "status"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentledger_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}), // типы: not_operational, capability_unavailable, permission_denied, rate_limit, circuit_open, connector

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentledger_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 0.5=half-open, 1=open).",
		}, []string{"breaker"}),

		StatusCacheSize: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agentledger_status_cache_entries",
			Help: "Number of agents in the in-memory status cache.",
		}),
	}
}

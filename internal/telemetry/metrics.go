package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TriggersReceived = prometheus.NewCounter(prometheus.CounterOpts{Name: "sched_triggers_received_total", Help: "Provider callbacks received"})
	CallbackReplays  = prometheus.NewCounter(prometheus.CounterOpts{Name: "sched_callback_replays_total", Help: "Duplicate callback_ids resolved to a stored outcome"})
	RetriesScheduled = prometheus.NewCounter(prometheus.CounterOpts{Name: "sched_retries_scheduled_total", Help: "Deferred attempts handed back to the provider"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "sched_rate_limit_rejects_total", Help: "API mutations rejected by the rate limiter"})

	ExecutionOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sched_execution_outcomes_total", Help: "Terminal and deferred execution outcomes",
	}, []string{"outcome"})
	PredicateEvaluations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sched_predicate_evaluations_total", Help: "Predicate evaluations by status",
	}, []string{"status"})

	ExecutionsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sched_executions_inflight", Help: "Executions currently running"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TriggersReceived,
			CallbackReplays,
			RetriesScheduled,
			RateLimitRejects,
			ExecutionOutcomes,
			PredicateEvaluations,
			ExecutionsInFlight,
		)
	})
	return promhttp.Handler()
}

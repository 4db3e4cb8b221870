package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the orchestrator.
type Metrics struct {
	SchedulerTicks   *prometheus.CounterVec
	BattlesCreated   prometheus.Counter
	BattlesClosed    *prometheus.CounterVec
	Joins            *prometheus.CounterVec
	Submissions      prometheus.Counter
	LedgerCalls      *prometheus.CounterVec
	LedgerLatency    *prometheus.HistogramVec
	PayoutRetries    prometheus.Counter
	InvariantDefects prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// DefaultMetrics returns the process-wide collectors, registering them on first use.
func DefaultMetrics() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SchedulerTicks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_scheduler_ticks_total",
			Help: "Scheduler ticks by outcome",
		}, []string{"outcome"}),
		BattlesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "battle_created_total",
			Help: "Battles created by the scheduler",
		}),
		BattlesClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_closed_total",
			Help: "Battles that reached a terminal status",
		}, []string{"status"}),
		Joins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_joins_total",
			Help: "Join attempts by outcome",
		}, []string{"outcome"}),
		Submissions: factory.NewCounter(prometheus.CounterOpts{
			Name: "battle_submissions_total",
			Help: "Accepted submissions",
		}),
		LedgerCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_ledger_calls_total",
			Help: "Escrow ledger calls by operation and outcome",
		}, []string{"op", "outcome"}),
		LedgerLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "battle_ledger_call_seconds",
			Help:    "Escrow ledger call latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"op"}),
		PayoutRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "battle_payout_retries_total",
			Help: "Payout attempts beyond the first",
		}),
		InvariantDefects: factory.NewCounter(prometheus.CounterOpts{
			Name: "battle_invariant_violations_total",
			Help: "Detected invariant violations requiring operator attention",
		}),
	}
}

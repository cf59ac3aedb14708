package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// --- Pool ledger ---
	LedgerEntriesApplied *prometheus.CounterVec
	LedgerReplays        prometheus.Counter
	LedgerRejections     *prometheus.CounterVec
	LedgerApplyDuration  *prometheus.HistogramVec

	// --- Matching ---
	MatchAttempts        *prometheus.CounterVec
	AllocationsReserved  prometheus.Counter
	AllocationsReleased  prometheus.Counter
	MatchCoverageRatio   prometheus.Histogram
	EligibleLendersFound prometheus.Histogram

	// --- Funding ---
	FundingAttempts      *prometheus.CounterVec
	FundingCompensations prometheus.Counter

	// --- Settlement ---
	SettlementRuns     prometheus.Counter
	SettlementTrades   *prometheus.CounterVec
	SettlementErrors   *prometheus.CounterVec
	SettlementDuration *prometheus.HistogramVec

	// --- Events ---
	EventsPublished  *prometheus.CounterVec
	EventPublishErrs prometheus.Counter

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	dbBuckets := []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0}

	return &Metrics{
		// Pool ledger
		LedgerEntriesApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shift_ledger_entries_applied_total",
			Help: "Ledger entries applied, by entry type",
		}, []string{"entry_type"}),

		LedgerReplays: promauto.NewCounter(prometheus.CounterOpts{
			Name: "shift_ledger_replays_total",
			Help: "Ledger applies short-circuited by a seen idempotency key",
		}),

		LedgerRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shift_ledger_rejections_total",
			Help: "Ledger applies rejected (insufficient funds, validation)",
		}, []string{"reason"}),

		LedgerApplyDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shift_ledger_apply_duration_seconds",
			Help:    "Time to apply one ledger entry",
			Buckets: dbBuckets,
		}, []string{"entry_type"}),

		// Matching
		MatchAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shift_match_attempts_total",
			Help: "Match attempts, by outcome (full/partial/none/conflict)",
		}, []string{"outcome"}),

		AllocationsReserved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "shift_allocations_reserved_total",
			Help: "Allocations created with capital reserved",
		}),

		AllocationsReleased: promauto.NewCounter(prometheus.CounterOpts{
			Name: "shift_allocations_released_total",
			Help: "Reserved allocations released back to lenders",
		}),

		MatchCoverageRatio: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "shift_match_coverage_ratio",
			Help:    "Fraction of the requested amount covered per match attempt",
			Buckets: []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 0.99, 1.0},
		}),

		EligibleLendersFound: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "shift_match_eligible_lenders",
			Help:    "Eligible lenders per match attempt",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),

		// Funding
		FundingAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shift_funding_attempts_total",
			Help: "Direct funding attempts, by outcome",
		}, []string{"outcome"}),

		FundingCompensations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "shift_funding_compensations_total",
			Help: "Funding sagas that ran compensation",
		}),

		// Settlement
		SettlementRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "shift_settlement_runs_total",
			Help: "Settlement scheduler runs",
		}),

		SettlementTrades: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shift_settlement_trades_total",
			Help: "Trades settled, by phase (disburse/repay/default/expire)",
		}, []string{"phase"}),

		SettlementErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shift_settlement_errors_total",
			Help: "Per-trade settlement failures, by phase",
		}, []string{"phase"}),

		SettlementDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shift_settlement_phase_duration_seconds",
			Help:    "Duration of one settlement phase",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0, 60.0},
		}, []string{"phase"}),

		// Events
		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shift_events_published_total",
			Help: "Domain events published, by event type",
		}, []string{"event_type"}),

		EventPublishErrs: promauto.NewCounter(prometheus.CounterOpts{
			Name: "shift_event_publish_errors_total",
			Help: "Failed event publishes",
		}),

		// HTTP API
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shift_http_requests_total",
			Help: "HTTP requests, by route and status",
		}, []string{"route", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shift_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"route"}),
	}
}

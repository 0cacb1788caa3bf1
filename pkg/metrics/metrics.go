package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMutations counts debit/credit bookings by transaction type and outcome.
var LedgerMutations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ledgercore_ledger_mutations_total",
		Help: "Total number of ledger debit/credit bookings",
	},
	[]string{"type", "outcome"},
)

// LedgerMutationLatency records latency distribution for ledger bookings
var LedgerMutationLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "ledgercore_ledger_mutation_latency_seconds",
		Help:    "Latency in seconds to book a single ledger mutation",
		Buckets: prometheus.DefBuckets,
	},
)

// ConcurrencyRetries counts optimistic-lock retries on the account row
var ConcurrencyRetries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "ledgercore_ledger_concurrency_retries_total",
		Help: "Number of ledger mutations retried after a version conflict",
	},
)

// Accrual job metrics
var (
	AccrualRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgercore_accrual_runs_total",
			Help: "Accrual job executions by job and outcome",
		},
		[]string{"job", "outcome"},
	)

	AccrualCredits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgercore_accrual_credits_total",
			Help: "Accrual credits applied by job (skipped = already booked for the period)",
		},
		[]string{"job", "result"},
	)
)

// Database connection pool metrics
var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgercore_db_open_connections",
			Help: "Number of open connections in the DB pool",
		},
		[]string{"db"},
	)

	DBIdleConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgercore_db_idle_connections",
			Help: "Number of idle connections in the DB pool",
		},
		[]string{"db"},
	)

	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgercore_db_in_use_connections",
			Help: "Number of in-use connections in the DB pool",
		},
		[]string{"db"},
	)
)

func init() {
	prometheus.MustRegister(LedgerMutations, LedgerMutationLatency, ConcurrencyRetries)
	prometheus.MustRegister(AccrualRuns, AccrualCredits)
	prometheus.MustRegister(DBOpenConns, DBIdleConns, DBInUseConns)
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SettlementsTotal counts purchase attempts by outcome (committed or an error kind)
var SettlementsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ledger_settlements_total",
		Help: "Total number of marketplace settlement attempts by outcome",
	},
	[]string{"outcome"},
)

// SettlementLatency records latency distribution for settlement transactions
var SettlementLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "ledger_settlement_latency_seconds",
		Help:    "Latency in seconds of one settlement transaction",
		Buckets: prometheus.DefBuckets,
	},
)

// FeesDistributed sums cents allocated to value pools by category
var FeesDistributed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ledger_fees_distributed_cents_total",
		Help: "Cents allocated to value pools",
	},
	[]string{"category"},
)

var (
	WithdrawalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_withdrawals_total",
			Help: "Withdrawal requests by resulting status or rejection kind",
		},
		[]string{"outcome"},
	)

	CustodyReleases = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_custody_released_assets_total",
			Help: "Assets orphaned after a grace period expired",
		},
	)

	DuplicatePaymentEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_duplicate_payment_events_total",
			Help: "Payment events skipped because their id was already recorded",
		},
		[]string{"kind"},
	)

	IntegrityViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_integrity_violations_total",
			Help: "Balance mutations clamped to keep a wallet non-negative",
		},
	)
)

// Database connection pool metrics
var (
	DBOpenConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_db_open_connections",
			Help: "Number of open connections in the DB pool",
		},
	)

	DBInUseConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_db_in_use_connections",
			Help: "Number of in-use connections in the DB pool",
		},
	)
)

func init() {
	prometheus.MustRegister(SettlementsTotal, SettlementLatency, FeesDistributed)
	prometheus.MustRegister(WithdrawalsTotal, CustodyReleases, DuplicatePaymentEvents, IntegrityViolations)
	prometheus.MustRegister(DBOpenConns, DBInUseConns)
}

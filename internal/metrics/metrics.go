package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	ResponseTimeHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_response_time_seconds",
			Help:    "Histogram of response times",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	RewardsGranted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewards_granted_total",
			Help: "Ledger mutations applied, by event kind",
		},
		[]string{"kind"},
	)

	// RewardsCredit sums amounts as float; the ledger itself is exact.
	RewardsCredit = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewards_credit_total",
			Help: "Sum of credited amounts, by event kind",
		},
		[]string{"kind"},
	)

	ActionTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "action_tokens_total",
			Help: "Action token lifecycle results",
		},
		[]string{"result"},
	)

	CASConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_cas_conflicts_total",
			Help: "Version conflicts retried by compare-and-swap loops",
		},
		[]string{"entity"},
	)

	Withdrawals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "withdrawals_total",
			Help: "Withdrawal requests by resulting status",
		},
		[]string{"status"},
	)
)

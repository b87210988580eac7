package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DBConflictRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_db_conflict_retries_total",
			Help: "Total number of write-conflict retries, by operation",
		},
		[]string{"operation"},
	)

	DBTransactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_db_transactions_total",
			Help: "Total number of database transactions, by result",
		},
		[]string{"result"},
	)

	DBTransactionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bastion_db_transaction_duration_seconds",
			Help:    "Time taken to commit database transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	ServiceHeartbeats = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_service_heartbeats_total",
			Help: "Total number of service heartbeats reported",
		},
	)

	ServiceHeartbeatFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_service_heartbeat_failures_total",
			Help: "Total number of failed service heartbeat reports",
		},
	)
)

package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PaymentsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_created_total",
		Help: "Total number of escrow payments created",
	})

	PaymentsConfirmedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_confirmed_total",
		Help: "Total number of payments with confirmed deposits",
	})

	PaymentsReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_released_total",
		Help: "Total number of payments released to merchants",
	})

	PaymentsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_failed_total",
		Help: "Total number of failed payments",
	}, []string{"reason"})

	PaymentsCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_cancelled_total",
		Help: "Total number of cancelled payments",
	})

	PaymentsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_expired_total",
		Help: "Total number of expired payments",
	})

	ReconciliationsRequiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconciliations_required_total",
		Help: "Total number of payments flagged for manual reconciliation",
	})

	YieldAccrualsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yield_accruals_total",
		Help: "Total number of yield estimate recomputations",
	})

	RebalancesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rebalances_total",
		Help: "Total number of successful strategy rebalances",
	})

	RebalancesRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rebalances_rejected_total",
		Help: "Total number of rejected rebalance attempts",
	}, []string{"reason"})

	HarvestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvests_total",
		Help: "Total number of per-strategy harvest attempts",
	}, []string{"strategy", "outcome"})

	BridgeInitiatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_initiated_total",
		Help: "Total number of bridge transfers initiated",
	})

	BridgeCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_completed_total",
		Help: "Total number of bridge transfers completed",
	})

	BridgeRefundedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_refunded_total",
		Help: "Total number of bridge transfers refunded",
	})

	BridgeFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_failed_total",
		Help: "Total number of bridge transfers marked failed",
	})

	CircuitBreakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_open",
		Help: "1 when the circuit breaker for a service is open",
	}, []string{"service"})

	ExternalCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "external_call_latency_seconds",
		Help:    "Latency of external protocol calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"service"})

	ExternalCallFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "external_call_failures_total",
		Help: "Total number of failed external protocol calls",
	}, []string{"service"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)

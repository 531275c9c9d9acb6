package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fulfillment outcomes used as the "outcome" label
const (
	OutcomeCompleted        = "completed"
	OutcomeAlreadyCompleted = "already_completed"
	OutcomeOutOfStock       = "out_of_stock"
	OutcomeConflict         = "conflict"
	OutcomeRejected         = "rejected"
	OutcomeError            = "error"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrderStatusTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_status_transitions_total",
		Help: "Total number of order status transitions",
	}, []string{"from", "to"})

	FulfillmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillments_total",
		Help: "Total number of fulfillment attempts by outcome",
	}, []string{"outcome"})

	FulfillmentConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fulfillment_conflict_retries_total",
		Help: "Total number of fulfillment retries caused by concurrency conflicts",
	})

	AllocationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "credential_allocation_latency_seconds",
		Help:    "Latency of fulfillment transactions",
		Buckets: prometheus.DefBuckets,
	})

	CredentialsAddedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credentials_added_total",
		Help: "Total number of credentials added to pools",
	}, []string{"source"})

	StockCorrectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_corrections_total",
		Help: "Total number of stock counters corrected by reconciliation",
	})

	StockCacheErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_cache_errors_total",
		Help: "Total number of failed stock cache operations",
	}, []string{"op"})

	OutboxPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_published_total",
		Help: "Total number of outbox events published",
	})

	OutboxPublishFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_publish_failed_total",
		Help: "Total number of failed outbox publish attempts",
	})

	IntakeEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_events_total",
		Help: "Total number of consumed credential intake events",
	}, []string{"result"})

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

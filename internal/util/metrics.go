package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoutingAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routing_attempts_total",
		Help: "Total number of acceptance requests created, by attempt kind",
	}, []string{"kind"})

	VendorResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vendor_responses_total",
		Help: "Total number of vendor responses processed",
	}, []string{"response", "outcome"})

	FallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routing_fallbacks_total",
		Help: "Total number of fallbacks to the next vendor",
	}, []string{"reason"})

	OrdersRoutingFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_routing_failed_total",
		Help: "Total number of order groups that reached FAILED",
	}, []string{"reason"})

	OrdersAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_accepted_total",
		Help: "Total number of orders fully accepted by vendors",
	})

	VendorScoringLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vendor_scoring_latency_seconds",
		Help:    "Latency of vendor ranking",
		Buckets: prometheus.DefBuckets,
	})

	VendorNotifyFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vendor_notify_failures_total",
		Help: "Total number of vendor notifications that could not be handed off",
	}, []string{"kind"})

	AdminAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admin_alerts_total",
		Help: "Total number of admin alerts raised",
	}, []string{"kind"})

	TimeoutSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "acceptance_timeout_sweep_seconds",
		Help:    "Duration of acceptance timeout sweeps",
		Buckets: prometheus.DefBuckets,
	})

	AcceptancesExpiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "acceptances_expired_total",
		Help: "Expired acceptance requests seen by the scanner",
	}, []string{"outcome"})

	RecoveryStageTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recovery_stage_items_total",
		Help: "Items handled by each recovery stage",
	}, []string{"stage", "outcome"})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Webhook events by source and processing outcome",
	}, []string{"source", "outcome"})

	DeadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dead_letters_total",
		Help: "Jobs moved to the dead-letter store",
	}, []string{"source"})

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

package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PurchasesStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_purchases_started_total",
		Help: "Total number of purchase requests issued to the store",
	}, []string{"kind"})

	PurchasesSucceededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_purchases_succeeded_total",
		Help: "Total number of purchases completed and verified",
	})

	EntitlementsGrantedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_entitlements_granted_total",
		Help: "Total number of GrantEntitlement outcomes",
	})

	ProductsConsumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_products_consumed_total",
		Help: "Total number of purchases consumed at the store",
	}, []string{"source"})

	OperationsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_operations_failed_total",
		Help: "Total number of failed billing operations",
	}, []string{"kind"})

	ProtocolViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_protocol_violations_total",
		Help: "Total number of backend events that broke the request/terminal contract",
	}, []string{"event"})

	PayloadVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_payload_verifications_total",
		Help: "Developer payload verification results",
	}, []string{"result"})

	PurchaseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "billing_purchase_latency_seconds",
		Help:    "Time from purchase request to its terminal event",
		Buckets: prometheus.DefBuckets,
	})

	BridgeCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_bridge_commands_total",
		Help: "Commands written to the store bridge",
	}, []string{"command"})

	BridgeEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_bridge_events_total",
		Help: "Events accepted from the store bridge",
	}, []string{"kind"})

	BridgeTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_bridge_timeouts_total",
		Help: "Bridge requests terminated by a local timeout",
	}, []string{"command"})

	OutcomesForwardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_outcomes_forwarded_total",
		Help: "Outcome events forwarded to the outcome topic",
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

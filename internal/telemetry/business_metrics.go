package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusinessMetrics holds Prometheus metrics for business-level observability
// of the entitlement pipeline.
type BusinessMetrics struct {
	// Webhook ingestion
	WebhookReceived *prometheus.CounterVec
	WebhookRejected *prometheus.CounterVec
	WebhookLatency  *prometheus.HistogramVec

	// Reconciliation
	Reconciliations *prometheus.CounterVec

	// Entitlement queries
	AccessChecks *prometheus.CounterVec

	// Billing operations initiated by users
	CheckoutSessions *prometheus.CounterVec
	PlanChanges      *prometheus.CounterVec
	Cancellations    *prometheus.CounterVec

	// Propagation
	NotificationsPublished *prometheus.CounterVec
	StreamConnections      prometheus.Gauge

	// Background resync
	ResyncSweeps  *prometheus.CounterVec
	ResyncRecords *prometheus.CounterVec

	// External API performance
	ProviderAPILatency *prometheus.HistogramVec
}

// NewBusinessMetrics creates and registers all business metrics
func NewBusinessMetrics(namespace string) *BusinessMetrics {
	if namespace == "" {
		namespace = "subsync"
	}

	subsystem := "business"

	m := &BusinessMetrics{
		WebhookReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_received_total",
				Help:      "Total webhooks received",
			},
			[]string{"event_type"},
		),
		WebhookRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_rejected_total",
				Help:      "Total webhooks rejected before processing",
			},
			[]string{"reason"}, // reason: bad_signature, unparseable
		),
		WebhookLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_processing_seconds",
				Help:      "Webhook processing duration including the canonical refetch",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"event_type"},
		),
		Reconciliations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "reconciliations_total",
				Help:      "Total reconciliation attempts by outcome",
			},
			[]string{"outcome"}, // outcome: applied, duplicate, ignored, unresolved, ambiguous, error
		),
		AccessChecks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "access_checks_total",
				Help:      "Total access evaluations by outcome",
			},
			[]string{"plan", "reason"},
		),
		CheckoutSessions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "checkout_sessions_total",
				Help:      "Total checkout sessions created",
			},
			[]string{"plan"},
		),
		PlanChanges: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "plan_changes_total",
				Help:      "Total in-place plan changes requested",
			},
			[]string{"plan"},
		),
		Cancellations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cancellations_total",
				Help:      "Total subscription cancellations requested",
			},
			[]string{"mode"}, // mode: at_period_end, immediate
		),
		NotificationsPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "notifications_published_total",
				Help:      "Total entitlement change notifications published",
			},
			[]string{"transport", "status"}, // transport: bus, nats; status: ok, error
		),
		StreamConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "stream_connections",
				Help:      "Currently connected entitlement stream clients",
			},
		),
		ResyncSweeps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "resync_sweeps_total",
				Help:      "Total background resync sweeps by outcome",
			},
			[]string{"outcome"}, // outcome: ok, error
		),
		ResyncRecords: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "resync_records_total",
				Help:      "Total records re-reconciled by the background sweep",
			},
			[]string{"outcome"}, // outcome: ok, error
		),
		ProviderAPILatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "provider_api_duration_seconds",
				Help:      "Billing provider API call duration (differentiates app slowness from provider issues)",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"}, // operation: get_subscription, create_checkout_session, etc.
		),
	}

	return m
}

// Global instance for easy access from handlers
var Business *BusinessMetrics

// InitBusinessMetrics initializes the global business metrics instance
func InitBusinessMetrics(namespace string) *BusinessMetrics {
	Business = NewBusinessMetrics(namespace)
	return Business
}

// RecordReconciliation increments the reconciliation outcome counter when
// metrics are initialized. Tests run without the global instance.
func RecordReconciliation(outcome string) {
	if Business != nil {
		Business.Reconciliations.WithLabelValues(outcome).Inc()
	}
}

// RecordNotification increments the propagation counter.
func RecordNotification(transport, status string) {
	if Business != nil {
		Business.NotificationsPublished.WithLabelValues(transport, status).Inc()
	}
}

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EngineMetrics holds Prometheus metrics for the orchestration engine.
// Counters that can usefully be segmented per tenant carry a tenant_id
// label; engine-wide loops (claiming, reaping, fan-out) do not, since
// one scrape covers all tenants.
type EngineMetrics struct {
	// Task queue
	TasksEnqueued  *prometheus.CounterVec
	TasksClaimed   prometheus.Counter
	TasksCompleted *prometheus.CounterVec
	TasksRetried   *prometheus.CounterVec
	TasksExhausted *prometheus.CounterVec
	TasksReaped    prometheus.Counter
	TaskDuration   *prometheus.HistogramVec
	QueueDepth     *prometheus.GaugeVec

	// Billing
	InvoicesCreated  *prometheus.CounterVec
	PaymentAttempts  *prometheus.CounterVec
	PaymentSucceeded *prometheus.CounterVec
	PaymentFailed    *prometheus.CounterVec
	RevenueCents     *prometheus.CounterVec

	// Fulfillment
	DeliveriesCreated   *prometheus.CounterVec
	DeliveriesCanceled  *prometheus.CounterVec
	OrdersPlaced        *prometheus.CounterVec
	EntitlementsGranted *prometheus.CounterVec
	EntitlementsRevoked *prometheus.CounterVec

	// Outbox and webhooks
	EventsEmitted     *prometheus.CounterVec
	EventsFanned      prometheus.Counter
	EventsDiscarded   prometheus.Counter
	WebhooksDelivered *prometheus.CounterVec
	WebhooksFailed    *prometheus.CounterVec
	WebhookLatency    *prometheus.HistogramVec

	// Sweeper
	SweepRuns        prometheus.Counter
	SweepErrors      prometheus.Counter
	SweepFound       prometheus.Counter
	SweepTasksQueued prometheus.Counter
	SweepDuration    prometheus.Histogram

	// Provider adapters
	ProviderCalls   *prometheus.CounterVec
	ProviderLatency *prometheus.HistogramVec
}

// NewEngineMetrics creates and registers all engine metrics.
func NewEngineMetrics(namespace string) *EngineMetrics {
	if namespace == "" {
		namespace = "skuld"
	}

	subsystem := "engine"

	m := &EngineMetrics{
		TasksEnqueued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "tasks_enqueued_total",
				Help:      "Tasks enqueued, by type",
			},
			[]string{"task_type"},
		),
		TasksClaimed: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "tasks_claimed_total",
				Help:      "Tasks claimed by dispatcher workers",
			},
		),
		TasksCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "tasks_completed_total",
				Help:      "Tasks completed successfully, by type",
			},
			[]string{"task_type"},
		),
		TasksRetried: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "tasks_retried_total",
				Help:      "Task attempts that failed and were rescheduled, by type",
			},
			[]string{"task_type"},
		),
		TasksExhausted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "tasks_exhausted_total",
				Help:      "Tasks that reached terminal FAILED, by type",
			},
			[]string{"task_type"},
		),
		TasksReaped: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "tasks_reaped_total",
				Help:      "Expired leases returned to READY",
			},
		),
		TaskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "task_duration_seconds",
				Help:      "Handler execution time, by type",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"task_type"},
		),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "queue_depth",
				Help:      "Tasks in the queue, by status",
			},
			[]string{"status"},
		),

		InvoicesCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "invoices_created_total",
				Help:      "Invoices created by renewals",
			},
			[]string{"tenant_id"},
		),
		PaymentAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "payment_attempts_total",
				Help:      "Payment attempts sent to providers",
			},
			[]string{"tenant_id", "provider"},
		),
		PaymentSucceeded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "payments_succeeded_total",
				Help:      "Payment attempts that collected the invoice",
			},
			[]string{"tenant_id", "provider"},
		),
		PaymentFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "payments_failed_total",
				Help:      "Payment attempts declined or errored",
			},
			[]string{"tenant_id", "provider", "failure_code"},
		),
		RevenueCents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "revenue_cents_total",
				Help:      "Cents collected through paid invoices",
			},
			[]string{"tenant_id", "currency"},
		),

		DeliveriesCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "deliveries_created_total",
				Help:      "Delivery instances created",
			},
			[]string{"tenant_id"},
		),
		DeliveriesCanceled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "deliveries_canceled_total",
				Help:      "Delivery instances canceled before ordering",
			},
			[]string{"tenant_id"},
		),
		OrdersPlaced: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "orders_placed_total",
				Help:      "External orders placed through commerce providers",
			},
			[]string{"tenant_id", "provider"},
		),
		EntitlementsGranted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "entitlements_granted_total",
				Help:      "Entitlements granted or extended",
			},
			[]string{"tenant_id"},
		),
		EntitlementsRevoked: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "entitlements_revoked_total",
				Help:      "Entitlements revoked",
			},
			[]string{"tenant_id"},
		),

		EventsEmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "outbox_events_total",
				Help:      "Outbox events recorded, by type",
			},
			[]string{"event_type"},
		),
		EventsFanned: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "outbox_events_fanned_total",
				Help:      "Outbox events fanned out to webhook deliveries",
			},
		),
		EventsDiscarded: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "outbox_events_discarded_total",
				Help:      "Outbox events with no subscribed endpoint",
			},
		),
		WebhooksDelivered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhooks_delivered_total",
				Help:      "Webhook deliveries acknowledged with 2xx",
			},
			[]string{"tenant_id"},
		),
		WebhooksFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhooks_failed_total",
				Help:      "Webhook delivery attempts that failed",
			},
			[]string{"tenant_id", "terminal"},
		),
		WebhookLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_latency_seconds",
				Help:      "Round-trip time of webhook POSTs",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"tenant_id"},
		),

		SweepRuns: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sweep_runs_total",
				Help:      "Renewal sweeper executions",
			},
		),
		SweepErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sweep_errors_total",
				Help:      "Errors during sweeper runs",
			},
		),
		SweepFound: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sweep_subscriptions_found_total",
				Help:      "Due subscriptions found by the sweeper",
			},
		),
		SweepTasksQueued: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sweep_tasks_enqueued_total",
				Help:      "Renewal tasks enqueued by the sweeper",
			},
		),
		SweepDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sweep_duration_seconds",
				Help:      "Wall time of one sweeper run",
				Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300},
			},
		),

		ProviderCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "provider_calls_total",
				Help:      "Calls to external provider adapters",
			},
			[]string{"provider_type", "provider", "outcome"},
		),
		ProviderLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "provider_latency_seconds",
				Help:      "Round-trip time of provider calls",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider_type", "provider"},
		),
	}

	return m
}

// Engine is the global metrics instance. Nil until InitEngineMetrics
// runs; call sites nil-check so library code and tests work unregistered.
var Engine *EngineMetrics

// InitEngineMetrics initializes the global engine metrics instance.
func InitEngineMetrics(namespace string) *EngineMetrics {
	Engine = NewEngineMetrics(namespace)
	return Engine
}

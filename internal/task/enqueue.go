package task

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/skuld/internal/domain"
	"github.com/dukerupert/skuld/internal/store"
	"github.com/dukerupert/skuld/internal/telemetry"
)

// DefaultMaxAttempts is the attempt budget when the caller does not set
// one. Main overrides it from configuration at startup, before any
// enqueue runs.
var DefaultMaxAttempts int32 = 3

// Priorities. Higher claims first among due tasks: collecting money for
// an existing invoice beats generating new invoices.
const (
	PriorityRenewal     int32 = 50
	PriorityFulfillment int32 = 75
	PriorityPayment     int32 = 100
)

// Options tune one enqueue. Zero values mean run now, type-default
// priority, DefaultMaxAttempts.
type Options struct {
	RunAt       time.Time
	Priority    int32
	MaxAttempts int32
}

// Enqueue marshals payload and upserts the task. enqueued is false when
// an in-flight CLAIMED row with the same key was left untouched. Pass a
// transaction-bound TaskStore to enqueue atomically with other writes.
func Enqueue(ctx context.Context, ts store.TaskStore, tenantID uuid.UUID, taskType, taskKey string, payload any, opts Options) (*domain.ScheduledTask, bool, error) {
	const op = "task.enqueue"

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, false, domain.Internal(err, op, "failed to marshal task payload")
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	t, enqueued, err := ts.Enqueue(ctx, &domain.ScheduledTask{
		TenantID:    tenantID,
		TaskType:    taskType,
		TaskKey:     taskKey,
		Payload:     body,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		RunAt:       opts.RunAt,
	})
	if err != nil {
		return nil, false, err
	}
	if enqueued && telemetry.Engine != nil {
		telemetry.Engine.TasksEnqueued.WithLabelValues(taskType).Inc()
	}
	return t, enqueued, nil
}

// EnqueueSubscriptionRenewal schedules a whole-subscription renewal.
func EnqueueSubscriptionRenewal(ctx context.Context, ts store.TaskStore, tenantID uuid.UUID, p SubscriptionRenewalPayload, opts Options) (bool, error) {
	if opts.Priority == 0 {
		opts.Priority = PriorityRenewal
	}
	_, enqueued, err := Enqueue(ctx, ts, tenantID,
		domain.TaskTypeSubscriptionRenewal, SubscriptionRenewalKey(p.SubscriptionID), p, opts)
	return enqueued, err
}

// EnqueueProductRenewal schedules one item's renewal.
func EnqueueProductRenewal(ctx context.Context, ts store.TaskStore, tenantID uuid.UUID, p ProductRenewalPayload, opts Options) (bool, error) {
	if opts.Priority == 0 {
		opts.Priority = PriorityRenewal
	}
	_, enqueued, err := Enqueue(ctx, ts, tenantID,
		domain.TaskTypeProductRenewal, ProductRenewalKey(p.SubscriptionID, p.ProductID), p, opts)
	return enqueued, err
}

// EnqueueChargePayment schedules payment collection for an invoice.
func EnqueueChargePayment(ctx context.Context, ts store.TaskStore, tenantID uuid.UUID, p ChargePaymentPayload, opts Options) (bool, error) {
	if opts.Priority == 0 {
		opts.Priority = PriorityPayment
	}
	_, enqueued, err := Enqueue(ctx, ts, tenantID,
		domain.TaskTypeChargePayment, ChargePaymentKey(p.InvoiceID), p, opts)
	return enqueued, err
}

// EnqueueCreateDelivery schedules delivery creation for a paid invoice.
func EnqueueCreateDelivery(ctx context.Context, ts store.TaskStore, tenantID uuid.UUID, p CreateDeliveryPayload, opts Options) (bool, error) {
	if opts.Priority == 0 {
		opts.Priority = PriorityFulfillment
	}
	_, enqueued, err := Enqueue(ctx, ts, tenantID,
		domain.TaskTypeCreateDelivery, CreateDeliveryKey(p.InvoiceID), p, opts)
	return enqueued, err
}

// EnqueueCreateOrder schedules external order placement for a delivery.
func EnqueueCreateOrder(ctx context.Context, ts store.TaskStore, tenantID uuid.UUID, p CreateOrderPayload, opts Options) (bool, error) {
	if opts.Priority == 0 {
		opts.Priority = PriorityFulfillment
	}
	_, enqueued, err := Enqueue(ctx, ts, tenantID,
		domain.TaskTypeCreateOrder, CreateOrderKey(p.DeliveryID), p, opts)
	return enqueued, err
}

// EnqueueEntitlementGrant schedules digital grants for a paid invoice.
func EnqueueEntitlementGrant(ctx context.Context, ts store.TaskStore, tenantID uuid.UUID, p EntitlementGrantPayload, opts Options) (bool, error) {
	if opts.Priority == 0 {
		opts.Priority = PriorityFulfillment
	}
	_, enqueued, err := Enqueue(ctx, ts, tenantID,
		domain.TaskTypeEntitlementGrant, EntitlementGrantKey(p.InvoiceID), p, opts)
	return enqueued, err
}

// EnqueueTrialEnd schedules the trial conversion check at the trial's end.
func EnqueueTrialEnd(ctx context.Context, ts store.TaskStore, tenantID uuid.UUID, p TrialEndPayload, opts Options) (bool, error) {
	if opts.Priority == 0 {
		opts.Priority = PriorityRenewal
	}
	_, enqueued, err := Enqueue(ctx, ts, tenantID,
		domain.TaskTypeTrialEnd, TrialEndKey(p.SubscriptionID), p, opts)
	return enqueued, err
}

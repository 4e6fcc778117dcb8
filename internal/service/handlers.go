package service

import (
	"context"
	"encoding/json"

	"github.com/dukerupert/skuld/internal/domain"
	"github.com/dukerupert/skuld/internal/task"
)

// TaskHandler executes one claimed task. Returning nil completes the
// task; error classification (retry vs terminal) is the dispatcher's job.
type TaskHandler func(ctx context.Context, t *domain.ScheduledTask) error

// Handlers wires every task type to its service call. The returned map
// plugs straight into the dispatcher's registry.
func Handlers(billing BillingService, fulfillment FulfillmentService, subscriptions SubscriptionService) map[string]TaskHandler {
	return map[string]TaskHandler{
		domain.TaskTypeSubscriptionRenewal: SubscriptionRenewalHandler(billing),
		domain.TaskTypeProductRenewal:      ProductRenewalHandler(billing),
		domain.TaskTypeChargePayment:       ChargePaymentHandler(billing),
		domain.TaskTypeCreateDelivery:      CreateDeliveryHandler(fulfillment),
		domain.TaskTypeCreateOrder:         CreateOrderHandler(fulfillment),
		domain.TaskTypeEntitlementGrant:    EntitlementGrantHandler(fulfillment),
		domain.TaskTypeTrialEnd:            TrialEndHandler(subscriptions),
	}
}

// SubscriptionRenewalHandler fans a subscription renewal out per item.
func SubscriptionRenewalHandler(b BillingService) TaskHandler {
	return func(ctx context.Context, t *domain.ScheduledTask) error {
		var p task.SubscriptionRenewalPayload
		if err := decodePayload(t, &p); err != nil {
			return err
		}
		return b.RenewSubscription(ctx, RenewSubscriptionParams{SubscriptionID: p.SubscriptionID})
	}
}

// ProductRenewalHandler opens the next billing period for one item.
func ProductRenewalHandler(b BillingService) TaskHandler {
	return func(ctx context.Context, t *domain.ScheduledTask) error {
		var p task.ProductRenewalPayload
		if err := decodePayload(t, &p); err != nil {
			return err
		}
		return b.RenewProduct(ctx, RenewProductParams{
			SubscriptionID: p.SubscriptionID,
			ItemID:         p.ItemID,
			ProductID:      p.ProductID,
			PlanID:         p.PlanID,
		})
	}
}

// ChargePaymentHandler collects an invoice. The attempt number is derived
// from the task row: AttemptCount counts finished failures, so the
// execution in flight is attempt AttemptCount+1.
func ChargePaymentHandler(b BillingService) TaskHandler {
	return func(ctx context.Context, t *domain.ScheduledTask) error {
		var p task.ChargePaymentPayload
		if err := decodePayload(t, &p); err != nil {
			return err
		}
		attempt := t.AttemptCount + 1
		return b.ChargePayment(ctx, ChargePaymentParams{
			InvoiceID:     p.InvoiceID,
			AttemptNumber: attempt,
			FinalAttempt:  attempt >= t.MaxAttempts,
		})
	}
}

// CreateDeliveryHandler materializes the delivery for a paid invoice.
func CreateDeliveryHandler(f FulfillmentService) TaskHandler {
	return func(ctx context.Context, t *domain.ScheduledTask) error {
		var p task.CreateDeliveryPayload
		if err := decodePayload(t, &p); err != nil {
			return err
		}
		return f.CreateDelivery(ctx, CreateDeliveryParams{InvoiceID: p.InvoiceID})
	}
}

// CreateOrderHandler places a delivery with the commerce provider.
func CreateOrderHandler(f FulfillmentService) TaskHandler {
	return func(ctx context.Context, t *domain.ScheduledTask) error {
		var p task.CreateOrderPayload
		if err := decodePayload(t, &p); err != nil {
			return err
		}
		return f.CreateOrder(ctx, CreateOrderParams{DeliveryID: p.DeliveryID})
	}
}

// EntitlementGrantHandler grants the entitlements a paid invoice covers.
func EntitlementGrantHandler(f FulfillmentService) TaskHandler {
	return func(ctx context.Context, t *domain.ScheduledTask) error {
		var p task.EntitlementGrantPayload
		if err := decodePayload(t, &p); err != nil {
			return err
		}
		return f.GrantEntitlements(ctx, GrantEntitlementsParams{InvoiceID: p.InvoiceID})
	}
}

// TrialEndHandler converts a trial whose window closed.
func TrialEndHandler(s SubscriptionService) TaskHandler {
	return func(ctx context.Context, t *domain.ScheduledTask) error {
		var p task.TrialEndPayload
		if err := decodePayload(t, &p); err != nil {
			return err
		}
		return s.EndTrial(ctx, p.SubscriptionID)
	}
}

// decodePayload unmarshals the task payload. A payload that does not
// parse can never succeed, so the error is EINVALID and the dispatcher
// fails the task terminally.
func decodePayload(t *domain.ScheduledTask, v any) error {
	const op = "service.decodePayload"

	if err := json.Unmarshal(t.Payload, v); err != nil {
		return domain.WrapError(err, domain.EINVALID, op, "malformed task payload")
	}
	return nil
}

package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/skuld/internal/commerce"
	"github.com/dukerupert/skuld/internal/domain"
	"github.com/dukerupert/skuld/internal/outbox"
	"github.com/dukerupert/skuld/internal/provider"
	"github.com/dukerupert/skuld/internal/store"
	"github.com/dukerupert/skuld/internal/task"
	"github.com/dukerupert/skuld/internal/telemetry"
)

// FulfillmentService turns paid invoices into the things the customer
// actually gets: delivery instances ordered through the tenant's commerce
// provider, and entitlement grants for digital access.
type FulfillmentService interface {
	// CreateDelivery materializes the delivery instance for a paid
	// invoice's billing cycle and schedules order placement.
	CreateDelivery(ctx context.Context, params CreateDeliveryParams) error

	// CreateOrder places a pending delivery with the commerce provider.
	CreateOrder(ctx context.Context, params CreateOrderParams) error

	// GrantEntitlements grants or extends the digital entitlements a paid
	// invoice's cycle covers.
	GrantEntitlements(ctx context.Context, params GrantEntitlementsParams) error

	// CancelDelivery cancels a delivery that has not been ordered yet.
	CancelDelivery(ctx context.Context, params CancelDeliveryParams) error

	// MarkShipped records that the provider shipped the order.
	MarkShipped(ctx context.Context, deliveryID uuid.UUID) error

	// MarkDelivered records final delivery to the customer.
	MarkDelivered(ctx context.Context, deliveryID uuid.UUID) error
}

// CreateDeliveryParams identifies the paid invoice to fulfill.
type CreateDeliveryParams struct {
	InvoiceID uuid.UUID
}

// CreateOrderParams identifies the delivery to place.
type CreateOrderParams struct {
	DeliveryID uuid.UUID
}

// GrantEntitlementsParams identifies the paid invoice to grant for.
type GrantEntitlementsParams struct {
	InvoiceID uuid.UUID
}

// CancelDeliveryParams identifies the delivery to cancel.
type CancelDeliveryParams struct {
	DeliveryID uuid.UUID
	Reason     string
}

type fulfillmentService struct {
	store     store.Store
	providers provider.Registry
	logger    *slog.Logger
}

// NewFulfillmentService creates a FulfillmentService.
func NewFulfillmentService(st store.Store, providers provider.Registry, logger *slog.Logger) FulfillmentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &fulfillmentService{
		store:     st,
		providers: providers,
		logger:    logger.With("service", "fulfillment"),
	}
}

// CreateDelivery materializes one delivery per billing cycle.
//
// Flow:
//  1. Load the invoice; anything but PAID means the schedule outran the
//     payment and the task is a clean no-op
//  2. Snapshot the subscription's items and shipping address into the
//     delivery (later item or address edits must not touch this cycle)
//  3. Insert keyed on (subscription, cycle_key); a replay converges on
//     the existing row
//  4. Enqueue CREATE_ORDER and emit delivery.scheduled for new rows
func (s *fulfillmentService) CreateDelivery(ctx context.Context, params CreateDeliveryParams) error {
	const op = "fulfillment.createDelivery"

	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return err
	}

	inv, err := s.store.Invoices().Get(ctx, tenantID, params.InvoiceID)
	if err != nil {
		return err
	}
	if inv.Status != domain.InvoiceStatusPaid {
		s.logger.Warn("skipping delivery for unpaid invoice",
			"invoice_id", inv.ID, "status", inv.Status)
		return nil
	}

	sub, err := s.store.Subscriptions().Get(ctx, tenantID, inv.SubscriptionID)
	if err != nil {
		return err
	}
	if sub.ShippingAddress == nil {
		return ErrShippingAddressMissing
	}
	items, err := s.store.Subscriptions().GetItems(ctx, tenantID, sub.ID)
	if err != nil {
		return err
	}

	deliveryItems := make([]domain.DeliveryItem, 0, len(items))
	for _, it := range items {
		deliveryItems = append(deliveryItems, domain.DeliveryItem{
			ProductID:      it.ProductID,
			ProductName:    it.ProductName,
			Quantity:       it.Quantity,
			UnitPriceCents: it.UnitPriceCents,
			TotalCents:     it.TotalCents(),
		})
	}

	address := *sub.ShippingAddress
	delivery := &domain.DeliveryInstance{
		TenantID:        tenantID,
		SubscriptionID:  sub.ID,
		InvoiceID:       inv.ID,
		CustomerID:      sub.CustomerID,
		CycleKey:        domain.CycleKey(sub.ID, inv.PeriodStart, inv.PeriodEnd),
		Status:          domain.DeliveryStatusPending,
		Items:           deliveryItems,
		ShippingAddress: &address,
		ScheduledFor:    inv.PeriodStart,
	}

	var created bool
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		delivery, created, err = tx.Deliveries().Create(ctx, delivery)
		if err != nil {
			return err
		}

		// Schedule ordering even for a replayed delivery: the first run
		// may have died between insert and enqueue. The task key dedupes.
		if delivery.Pending() {
			if _, err := task.EnqueueCreateOrder(ctx, tx.Tasks(), tenantID,
				task.CreateOrderPayload{DeliveryID: delivery.ID}, task.Options{}); err != nil {
				return err
			}
		}
		if !created {
			return nil
		}
		return outbox.Emit(ctx, tx.Outbox(), tenantID,
			outbox.EventDeliveryScheduled, "delivery.scheduled:"+delivery.ID.String(),
			outbox.DeliveryEventData{
				DeliveryID:     delivery.ID,
				SubscriptionID: delivery.SubscriptionID,
				CustomerID:     delivery.CustomerID,
				CycleKey:       delivery.CycleKey,
				Status:         delivery.Status,
			})
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if created {
		if m := telemetry.Engine; m != nil {
			m.DeliveriesCreated.WithLabelValues(tenantID.String()).Inc()
		}
		s.logger.Info("delivery scheduled",
			"delivery_id", delivery.ID, "cycle_key", delivery.CycleKey)
	}
	return nil
}

// CreateOrder places one pending delivery with the commerce provider.
//
// The provider call runs outside any transaction and is idempotent on the
// delivery id, so a crash between the call and the status write is safe
// to replay. Provider transport failures are EUNAVAILABLE (retried); a
// provider rejection fails the delivery terminally.
func (s *fulfillmentService) CreateOrder(ctx context.Context, params CreateOrderParams) error {
	const op = "fulfillment.createOrder"

	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return err
	}

	delivery, err := s.store.Deliveries().Get(ctx, tenantID, params.DeliveryID)
	if err != nil {
		return err
	}
	switch delivery.Status {
	case domain.DeliveryStatusCanceled:
		s.logger.Info("skipping order for canceled delivery", "delivery_id", delivery.ID)
		return nil
	case domain.DeliveryStatusOrderCreated, domain.DeliveryStatusShipped, domain.DeliveryStatusDelivered:
		return nil
	case domain.DeliveryStatusFailed:
		return domain.Errorf(domain.ECONFLICT, op, "delivery already failed")
	}

	inv, err := s.store.Invoices().Get(ctx, tenantID, delivery.InvoiceID)
	if err != nil {
		return err
	}

	prov, err := s.providers.GetCommerceProvider(ctx, tenantID)
	if err != nil {
		return err
	}

	res, err := prov.CreateOrder(ctx, commerce.OrderRequest{
		DeliveryID:      delivery.ID,
		CustomerID:      delivery.CustomerID,
		Items:           commerce.ItemsFromDelivery(delivery.Items),
		Currency:        inv.Currency,
		ShippingAddress: delivery.ShippingAddress,
		Metadata: map[string]string{
			"tenant_id":       tenantID.String(),
			"subscription_id": delivery.SubscriptionID.String(),
			"cycle_key":       delivery.CycleKey,
		},
	})
	if err != nil {
		return domain.Unavailable(err, op, "commerce provider unreachable")
	}

	now := time.Now().UTC()
	if !res.Success {
		delivery.Status = domain.DeliveryStatusFailed
		delivery.FailureReason = fmt.Sprintf("%s: %s", res.ErrorCode, res.ErrorMessage)
		if err := s.store.Deliveries().Update(ctx, delivery); err != nil {
			return err
		}
		s.logger.Error("order rejected by provider",
			"delivery_id", delivery.ID, "error_code", res.ErrorCode,
			"error_message", res.ErrorMessage)
		return domain.Errorf(domain.EINVALID, op, "order rejected: %s", res.ErrorCode)
	}

	delivery.Status = domain.DeliveryStatusOrderCreated
	delivery.ExternalOrderRef = res.ExternalOrderRef
	delivery.OrderedAt = &now

	err = s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Deliveries().Update(ctx, delivery); err != nil {
			return err
		}
		return outbox.Emit(ctx, tx.Outbox(), tenantID,
			outbox.EventDeliveryOrderCreated, "delivery.order_created:"+delivery.ID.String(),
			outbox.DeliveryEventData{
				DeliveryID:       delivery.ID,
				SubscriptionID:   delivery.SubscriptionID,
				CustomerID:       delivery.CustomerID,
				CycleKey:         delivery.CycleKey,
				Status:           delivery.Status,
				ExternalOrderRef: delivery.ExternalOrderRef,
			})
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if m := telemetry.Engine; m != nil {
		m.OrdersPlaced.WithLabelValues(tenantID.String(), prov.Name()).Inc()
	}
	s.logger.Info("order placed",
		"delivery_id", delivery.ID, "external_order_ref", delivery.ExternalOrderRef)
	return nil
}

// GrantEntitlements grants or extends one entitlement per subscription
// item for the invoice's period. Grants are keyed, so replays extend the
// same rows instead of stacking duplicates.
func (s *fulfillmentService) GrantEntitlements(ctx context.Context, params GrantEntitlementsParams) error {
	const op = "fulfillment.grantEntitlements"

	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return err
	}

	inv, err := s.store.Invoices().Get(ctx, tenantID, params.InvoiceID)
	if err != nil {
		return err
	}
	if inv.Status != domain.InvoiceStatusPaid {
		s.logger.Warn("skipping entitlement grant for unpaid invoice",
			"invoice_id", inv.ID, "status", inv.Status)
		return nil
	}

	sub, err := s.store.Subscriptions().Get(ctx, tenantID, inv.SubscriptionID)
	if err != nil {
		return err
	}
	items, err := s.store.Subscriptions().GetItems(ctx, tenantID, sub.ID)
	if err != nil {
		return err
	}

	var granted int
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		for _, it := range items {
			key := sub.PlanSnapshot.EntitlementKey
			if key == "" {
				key = "product_" + it.ProductID.String()
			}
			subID := sub.ID
			validUntil := inv.PeriodEnd
			ent, err := tx.Entitlements().Upsert(ctx, &domain.Entitlement{
				TenantID:        tenantID,
				CustomerID:      sub.CustomerID,
				SubscriptionID:  &subID,
				EntitlementType: "subscription",
				EntitlementKey:  key,
				Status:          domain.EntitlementStatusActive,
				ValidFrom:       inv.PeriodStart,
				ValidUntil:      &validUntil,
			})
			if err != nil {
				return err
			}
			granted++

			if err := outbox.Emit(ctx, tx.Outbox(), tenantID,
				outbox.EventEntitlementGranted,
				fmt.Sprintf("entitlement.granted:%s:%s", ent.ID, inv.ID),
				outbox.EntitlementEventData{
					EntitlementID:  ent.ID,
					CustomerID:     ent.CustomerID,
					SubscriptionID: ent.SubscriptionID,
					EntitlementKey: ent.EntitlementKey,
					Status:         ent.Status,
					ValidFrom:      ent.ValidFrom,
					ValidUntil:     ent.ValidUntil,
				}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if m := telemetry.Engine; m != nil {
		m.EntitlementsGranted.WithLabelValues(tenantID.String()).Add(float64(granted))
	}
	s.logger.Info("entitlements granted",
		"invoice_id", inv.ID, "count", granted, "valid_until", inv.PeriodEnd)
	return nil
}

// CancelDelivery cancels a delivery that has not been ordered yet. Once an
// external order exists the engine no longer owns the shipment and the
// cancellation is rejected.
func (s *fulfillmentService) CancelDelivery(ctx context.Context, params CancelDeliveryParams) error {
	const op = "fulfillment.cancelDelivery"

	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return err
	}

	delivery, err := s.store.Deliveries().Get(ctx, tenantID, params.DeliveryID)
	if err != nil {
		return err
	}
	if delivery.Status == domain.DeliveryStatusCanceled {
		return nil
	}
	if !delivery.Pending() || delivery.ExternalOrderRef != "" {
		return ErrDeliveryNotActive
	}

	now := time.Now().UTC()
	delivery.Status = domain.DeliveryStatusCanceled
	delivery.CancellationReason = params.Reason
	delivery.CanceledAt = &now

	err = s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Deliveries().Update(ctx, delivery); err != nil {
			return err
		}

		// Pull the queued CREATE_ORDER task so it does not race the
		// cancellation. A claimed or missing task is fine; the handler
		// rechecks delivery status.
		if t, err := tx.Tasks().GetByKey(ctx, tenantID, task.CreateOrderKey(delivery.ID)); err == nil {
			if err := tx.Tasks().Cancel(ctx, tenantID, t.ID); err != nil && !domain.IsCode(err, domain.ECONFLICT) {
				return err
			}
		} else if !domain.IsCode(err, domain.ENOTFOUND) {
			return err
		}

		return outbox.Emit(ctx, tx.Outbox(), tenantID,
			outbox.EventDeliveryCanceled, "delivery.canceled:"+delivery.ID.String(),
			outbox.DeliveryEventData{
				DeliveryID:     delivery.ID,
				SubscriptionID: delivery.SubscriptionID,
				CustomerID:     delivery.CustomerID,
				CycleKey:       delivery.CycleKey,
				Status:         delivery.Status,
				Reason:         params.Reason,
			})
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if m := telemetry.Engine; m != nil {
		m.DeliveriesCanceled.WithLabelValues(tenantID.String()).Inc()
	}
	s.logger.Info("delivery canceled", "delivery_id", delivery.ID, "reason", params.Reason)
	return nil
}

// MarkShipped advances ORDER_CREATED to SHIPPED.
func (s *fulfillmentService) MarkShipped(ctx context.Context, deliveryID uuid.UUID) error {
	return s.advanceDelivery(ctx, deliveryID,
		domain.DeliveryStatusOrderCreated, domain.DeliveryStatusShipped,
		outbox.EventDeliveryShipped)
}

// MarkDelivered advances SHIPPED to DELIVERED.
func (s *fulfillmentService) MarkDelivered(ctx context.Context, deliveryID uuid.UUID) error {
	return s.advanceDelivery(ctx, deliveryID,
		domain.DeliveryStatusShipped, domain.DeliveryStatusDelivered,
		outbox.EventDeliveryDelivered)
}

func (s *fulfillmentService) advanceDelivery(ctx context.Context, deliveryID uuid.UUID, from, to, eventType string) error {
	const op = "fulfillment.advanceDelivery"

	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return err
	}

	delivery, err := s.store.Deliveries().Get(ctx, tenantID, deliveryID)
	if err != nil {
		return err
	}
	if delivery.Status == to {
		return nil
	}
	if delivery.Status != from {
		return domain.Errorf(domain.ECONFLICT, op, "delivery is %s, expected %s", delivery.Status, from)
	}

	now := time.Now().UTC()
	delivery.Status = to
	switch to {
	case domain.DeliveryStatusShipped:
		delivery.ShippedAt = &now
	case domain.DeliveryStatusDelivered:
		delivery.DeliveredAt = &now
	}

	return s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Deliveries().Update(ctx, delivery); err != nil {
			return err
		}
		return outbox.Emit(ctx, tx.Outbox(), tenantID,
			eventType, eventType+":"+delivery.ID.String(),
			outbox.DeliveryEventData{
				DeliveryID:       delivery.ID,
				SubscriptionID:   delivery.SubscriptionID,
				CustomerID:       delivery.CustomerID,
				CycleKey:         delivery.CycleKey,
				Status:           delivery.Status,
				ExternalOrderRef: delivery.ExternalOrderRef,
			})
	})
}

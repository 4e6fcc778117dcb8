// Package outbox records domain events in the same transaction as the
// state changes they describe. The relay fans committed events out to
// webhook deliveries; nothing is ever published from inside an open
// transaction, so consumers only see state that actually committed.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/skuld/internal/domain"
	"github.com/dukerupert/skuld/internal/store"
	"github.com/dukerupert/skuld/internal/telemetry"
)

// Event types emitted by the engine.
const (
	EventSubscriptionCreated  = "subscription.created"
	EventSubscriptionUpdated  = "subscription.updated"
	EventSubscriptionPaused   = "subscription.paused"
	EventSubscriptionResumed  = "subscription.resumed"
	EventSubscriptionCanceled = "subscription.canceled"
	EventSubscriptionRenewed  = "subscription.renewed"

	EventInvoicePaid = "invoice.paid"

	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
	EventPaymentExhausted = "payment.exhausted"

	EventDeliveryScheduled    = "delivery.scheduled"
	EventDeliveryOrderCreated = "delivery.order_created"
	EventDeliveryCanceled     = "delivery.canceled"
	EventDeliveryShipped      = "delivery.shipped"
	EventDeliveryDelivered    = "delivery.delivered"

	EventEntitlementGranted = "entitlement.granted"
	EventEntitlementRevoked = "entitlement.revoked"
)

// AllEvents lists every event type the engine can emit, in a stable order.
// Endpoint registration validates subscriptions against this set.
var AllEvents = []string{
	EventSubscriptionCreated,
	EventSubscriptionUpdated,
	EventSubscriptionPaused,
	EventSubscriptionResumed,
	EventSubscriptionCanceled,
	EventSubscriptionRenewed,
	EventInvoicePaid,
	EventPaymentSucceeded,
	EventPaymentFailed,
	EventPaymentExhausted,
	EventDeliveryScheduled,
	EventDeliveryOrderCreated,
	EventDeliveryCanceled,
	EventDeliveryShipped,
	EventDeliveryDelivered,
	EventEntitlementGranted,
	EventEntitlementRevoked,
}

// IsKnownEvent reports whether eventType is one the engine emits.
func IsKnownEvent(eventType string) bool {
	for _, t := range AllEvents {
		if t == eventType {
			return true
		}
	}
	return false
}

// Emit writes one event. Pass a transaction-bound OutboxStore so the
// event commits with the state change it describes. A non-empty
// dedupeKey makes replayed emissions collapse onto the first row; pass
// "" for events whose operations are already state-machine guarded.
func Emit(ctx context.Context, ob store.OutboxStore, tenantID uuid.UUID, eventType, dedupeKey string, data any) error {
	const op = "outbox.emit"

	body, err := json.Marshal(data)
	if err != nil {
		return domain.Internal(err, op, "failed to marshal event data")
	}

	inserted, err := ob.Insert(ctx, &domain.OutboxEvent{
		TenantID:  tenantID,
		EventType: eventType,
		DedupeKey: dedupeKey,
		Payload:   body,
	})
	if err != nil {
		return err
	}
	if inserted && telemetry.Engine != nil {
		telemetry.Engine.EventsEmitted.WithLabelValues(eventType).Inc()
	}
	return nil
}

// Envelope is the wire shape webhook consumers receive. Field names are
// part of the external contract; do not rename.
type Envelope struct {
	EventID   uuid.UUID       `json:"eventId"`
	EventType string          `json:"eventType"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Envelop wraps a committed event for delivery. Timestamps are UTC
// RFC 3339 on the wire.
func Envelop(ev *domain.OutboxEvent) ([]byte, error) {
	return json.Marshal(Envelope{
		EventID:   ev.ID,
		EventType: ev.EventType,
		Timestamp: ev.OccurredAt.UTC(),
		Data:      ev.Payload,
	})
}

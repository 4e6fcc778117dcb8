package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Delivery-related domain errors.
var (
	ErrDeliveryNotFound  = &Error{Code: ENOTFOUND, Message: "Delivery not found"}
	ErrDuplicateDelivery = &Error{Code: ECONFLICT, Message: "Delivery already exists for this cycle"}
	ErrDeliveryNotActive = &Error{Code: EINVALID, Message: "Delivery is not in a cancelable state"}
)

// Delivery lifecycle statuses.
const (
	DeliveryStatusPending      = "PENDING"
	DeliveryStatusOrderCreated = "ORDER_CREATED"
	DeliveryStatusShipped      = "SHIPPED"
	DeliveryStatusDelivered    = "DELIVERED"
	DeliveryStatusFailed       = "FAILED"
	DeliveryStatusCanceled     = "CANCELED"
)

// CycleKey builds the natural key that makes delivery creation idempotent
// per subscription billing cycle. Dates are rendered in UTC so the key is
// stable regardless of where the renewal ran.
func CycleKey(subscriptionID uuid.UUID, periodStart, periodEnd time.Time) string {
	return fmt.Sprintf("%s_%s_%s",
		subscriptionID,
		periodStart.UTC().Format("2006-01-02"),
		periodEnd.UTC().Format("2006-01-02"),
	)
}

// DeliveryInstance is one physical shipment owed to a customer for one
// billing cycle of a subscription. The (tenant, subscription, cycle_key)
// uniqueness means a retried CREATE_DELIVERY task lands on the same row.
//
// Items and ShippingAddress are snapshotted at creation; later plan or
// address edits do not rewrite already-scheduled shipments.
type DeliveryInstance struct {
	ID                 uuid.UUID
	TenantID           uuid.UUID
	SubscriptionID     uuid.UUID
	InvoiceID          uuid.UUID
	CustomerID         uuid.UUID
	CycleKey           string
	Status             string
	Items              []DeliveryItem
	ShippingAddress    *ShippingAddress
	ExternalOrderRef   string
	ScheduledFor       time.Time
	OrderedAt          *time.Time
	ShippedAt          *time.Time
	DeliveredAt        *time.Time
	FailureReason      string
	CancellationReason string
	CanceledAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Pending reports whether the delivery still needs an order placed for it.
// Only pending deliveries may be canceled.
func (d *DeliveryInstance) Pending() bool {
	return d.Status == DeliveryStatusPending
}

// DeliveryItem is a product line within a delivery, snapshotted from the
// subscription items at renewal time. Prices are frozen here so later
// plan edits never change what an already-scheduled shipment charges.
type DeliveryItem struct {
	ProductID      uuid.UUID `json:"product_id"`
	ProductName    string    `json:"product_name"`
	Quantity       int32     `json:"quantity"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	TotalCents     int64     `json:"total_cents"`
	SKU            string    `json:"sku,omitempty"`
}

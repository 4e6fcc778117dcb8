// Package commerce defines the order placement contract used by the
// fulfillment core. A provider turns a delivery snapshot into an order
// in an external commerce or warehouse system.
package commerce

import (
	"context"

	"github.com/google/uuid"

	"github.com/dukerupert/skuld/internal/domain"
)

// OrderStatus is the provider-side state of an order.
type OrderStatus string

const (
	OrderStatusCreated    OrderStatus = "CREATED"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
	OrderStatusFailed     OrderStatus = "FAILED"
)

// Provider defines the interface for placing orders in an external
// commerce system.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// CreateOrder places an order for a delivery snapshot. Implementations
	// must be idempotent on the delivery id: placing the same delivery
	// twice returns the original order reference.
	CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// GetOrderStatus retrieves the current state of an order.
	GetOrderStatus(ctx context.Context, orderRef string) (*OrderResult, error)

	// CancelOrder cancels an order that has not shipped.
	CancelOrder(ctx context.Context, orderRef string, reason string) (*OrderResult, error)
}

// OrderRequest carries the frozen delivery snapshot to the provider.
type OrderRequest struct {
	// DeliveryID is the engine-side delivery instance; providers use it
	// as the idempotency key for order creation.
	DeliveryID uuid.UUID

	// CustomerID is the engine-side customer the order ships to.
	CustomerID uuid.UUID

	// Items are the snapshotted product lines.
	Items []OrderItem

	// Currency is a lowercase ISO 4217 code covering all item prices.
	Currency string

	// ShippingAddress is the frozen destination.
	ShippingAddress *domain.ShippingAddress

	// Metadata is attached to the provider-side order for reconciliation.
	Metadata map[string]string
}

// OrderItem is one product line of an order.
type OrderItem struct {
	ProductID      string `json:"productId"`
	ProductName    string `json:"productName"`
	Quantity       int32  `json:"quantity"`
	UnitPriceCents int64  `json:"unitPriceCents"`
	TotalCents     int64  `json:"totalCents"`
}

// OrderResult is the provider's answer to an order operation.
type OrderResult struct {
	// Success is true when the operation took effect.
	Success bool

	// ExternalOrderRef is the provider-side order identifier.
	ExternalOrderRef string

	// Status is the provider-side order state.
	Status OrderStatus

	// ErrorCode is the provider's machine-readable failure code.
	ErrorCode string

	// ErrorMessage is the provider's human-readable failure description.
	ErrorMessage string

	// ProviderData carries provider-specific fields callers may persist.
	ProviderData map[string]any
}

// ItemsFromDelivery converts a delivery snapshot's lines into the wire
// shape providers accept.
func ItemsFromDelivery(items []domain.DeliveryItem) []OrderItem {
	out := make([]OrderItem, 0, len(items))
	for _, it := range items {
		out = append(out, OrderItem{
			ProductID:      it.ProductID.String(),
			ProductName:    it.ProductName,
			Quantity:       it.Quantity,
			UnitPriceCents: it.UnitPriceCents,
			TotalCents:     it.TotalCents,
		})
	}
	return out
}

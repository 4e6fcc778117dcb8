package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Customer statuses.
const (
	CustomerStatusActive   = "ACTIVE"
	CustomerStatusInactive = "INACTIVE"
)

// Customer is the billed party. ExternalID links the customer to an upstream
// system of record where one exists; both email and external ID are unique
// within a tenant.
type Customer struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	Email      string
	ExternalID string
	Status     string
	Attributes json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ShippingAddress is the address snapshot carried on subscriptions and frozen
// into delivery instances.
type ShippingAddress struct {
	FullName     string `json:"full_name,omitempty"`
	AddressLine1 string `json:"address_line1"`
	AddressLine2 string `json:"address_line2,omitempty"`
	City         string `json:"city"`
	State        string `json:"state,omitempty"`
	PostalCode   string `json:"postal_code"`
	Country      string `json:"country"`
	Phone        string `json:"phone,omitempty"`
}

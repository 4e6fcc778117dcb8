package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Webhook-related domain errors.
var (
	ErrEndpointNotFound = &Error{Code: ENOTFOUND, Message: "Webhook endpoint not found"}
	ErrEndpointDisabled = &Error{Code: EGONE, Message: "Webhook endpoint is disabled"}
)

// Webhook endpoint statuses.
const (
	EndpointStatusActive   = "ACTIVE"
	EndpointStatusDisabled = "DISABLED"
)

// WebhookEndpoint is a tenant-registered URL that receives signed event
// notifications. EventTypes filters which events fan out to it; an empty
// list subscribes the endpoint to everything.
type WebhookEndpoint struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	URL        string
	Secret     string
	EventTypes []string
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// WantsEvent reports whether the endpoint subscribes to the given event
// type.
func (e *WebhookEndpoint) WantsEvent(eventType string) bool {
	if len(e.EventTypes) == 0 {
		return true
	}
	for _, t := range e.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Webhook delivery statuses.
const (
	WebhookStatusPending   = "PENDING"
	WebhookStatusDelivered = "DELIVERED"
	WebhookStatusFailed    = "FAILED"
)

// WebhookDelivery is one endpoint's copy of one outbox event. The payload
// bytes stored here are exactly what gets sent and signed; the signature
// is always computed over these bytes, never over a re-serialization.
type WebhookDelivery struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	EndpointID    uuid.UUID
	EventID       uuid.UUID
	EventType     string
	Payload       json.RawMessage
	Status        string
	AttemptCount  int32
	MaxAttempts   int32
	NextAttemptAt time.Time
	LastStatus    int32
	LastError     string
	DeliveredAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Deliverable reports whether the relay should still try this delivery at
// the given instant.
func (d *WebhookDelivery) Deliverable(now time.Time) bool {
	return d.Status == WebhookStatusPending && !now.Before(d.NextAttemptAt)
}

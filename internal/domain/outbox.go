package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Outbox statuses.
const (
	OutboxStatusPending   = "PENDING"
	OutboxStatusFanned    = "FANNED_OUT"
	OutboxStatusDiscarded = "DISCARDED"
)

// OutboxEvent is a domain event recorded in the same transaction as the
// state change it describes. The relay fans pending events out to webhook
// deliveries after commit; events are never published from inside the
// transaction that created them.
type OutboxEvent struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	EventType  string
	DedupeKey  string
	Payload    json.RawMessage
	Status     string
	OccurredAt time.Time
	FannedAt   *time.Time
	CreatedAt  time.Time
}

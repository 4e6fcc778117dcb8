package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Entitlement-related domain errors.
var (
	ErrEntitlementNotFound = &Error{Code: ENOTFOUND, Message: "Entitlement not found"}
	ErrEntitlementRevoked  = &Error{Code: EGONE, Message: "Entitlement has been revoked"}
)

// Entitlement lifecycle statuses.
const (
	EntitlementStatusActive  = "ACTIVE"
	EntitlementStatusExpired = "EXPIRED"
	EntitlementStatusRevoked = "REVOKED"
)

// Entitlement is a grant of access to a digital feature or product. There
// is at most one row per (tenant, customer, entitlement_key); repeated
// grants extend the existing row's valid_until instead of stacking
// duplicates.
type Entitlement struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	CustomerID      uuid.UUID
	SubscriptionID  *uuid.UUID
	EntitlementType string
	EntitlementKey  string
	Status          string
	ValidFrom       time.Time
	ValidUntil      *time.Time
	Payload         json.RawMessage
	ExternalRef     string
	RevokedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ActiveAt reports whether the entitlement grants access at the given
// instant. A nil ValidUntil means the grant does not lapse on its own.
func (e *Entitlement) ActiveAt(now time.Time) bool {
	if e.Status != EntitlementStatusActive {
		return false
	}
	if now.Before(e.ValidFrom) {
		return false
	}
	if e.ValidUntil != nil && !now.Before(*e.ValidUntil) {
		return false
	}
	return true
}

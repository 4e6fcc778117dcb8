package domain

import (
	"time"

	"github.com/google/uuid"
)

// Provider-related domain errors.
var (
	ErrProviderConfigNotFound = &Error{Code: ENOTFOUND, Message: "Provider configuration not found"}
	ErrProviderConfigDisabled = &Error{Code: EGONE, Message: "Provider configuration is disabled"}
	ErrUnknownProviderName    = &Error{Code: EINVALID, Message: "Unknown provider name"}
)

// Provider kinds a tenant can configure. Each tenant has at most one
// active config per kind.
const (
	ProviderTypePayment  = "payment"
	ProviderTypeCommerce = "commerce"
)

// Provider config statuses.
const (
	ProviderConfigStatusActive   = "ACTIVE"
	ProviderConfigStatusDisabled = "DISABLED"
)

// ProviderConfig is a tenant's credentials for one external provider.
// ConfigEncrypted holds the AES-GCM encrypted JSON credential blob; it is
// only decrypted inside the provider registry, never logged or returned.
type ProviderConfig struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	ProviderType    string
	ProviderName    string
	ConfigEncrypted string
	Status          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

package domain

// Tenant-related domain errors.
var (
	ErrTenantNotFound  = &Error{Code: ENOTFOUND, Message: "Tenant not found"}
	ErrTenantSuspended = &Error{Code: EFORBIDDEN, Message: "Tenant is suspended"}
)

// Tenant statuses. Suspended tenants keep their data but the engine stops
// claiming their tasks and delivering their webhooks.
const (
	TenantStatusActive    = "ACTIVE"
	TenantStatusSuspended = "SUSPENDED"
)

// Package domain provides the core business types and context helpers for the
// subscription engine.
//
// Context helpers centralize operation-scoped identity access, making tenant
// isolation bugs harder to write and providing consistent patterns throughout
// the codebase. Background work never inherits ambient identity: the task
// dispatcher binds a fresh tenant context from the task row before invoking a
// handler, and that context dies with the call.
package domain

import (
	"context"

	"github.com/google/uuid"
)

// contextKey is an unexported type for context keys to prevent collisions.
type contextKey int

const (
	// tenantContextKey stores tenant information in context.
	tenantContextKey contextKey = iota

	// actorContextKey stores the acting identity (user, operator, or system).
	actorContextKey

	// requestIDContextKey stores the request or task ID for tracing.
	requestIDContextKey
)

// Tenant represents tenant information stored in context.
// This is a minimal struct for context storage - the full tenant
// record can be fetched from the database if needed.
type Tenant struct {
	ID     uuid.UUID
	Slug   string
	Name   string
	Status string
}

// Actor types recorded on history rows and audit events.
const (
	ActorTypeUser     = "user"
	ActorTypeOperator = "operator"
	ActorTypeSystem   = "system"
)

// Actor represents the acting identity for an operation: an end user, a
// tenant operator, or the engine itself (task handlers, sweeper).
type Actor struct {
	ID   uuid.UUID
	Type string // ActorTypeUser, ActorTypeOperator, ActorTypeSystem
	Role string
}

// SystemActor is the identity task handlers and periodic loops act under.
var SystemActor = &Actor{Type: ActorTypeSystem}

// --- Tenant Context Helpers ---

// NewContextWithTenant returns a new context with the tenant attached.
func NewContextWithTenant(ctx context.Context, tenant *Tenant) context.Context {
	return context.WithValue(ctx, tenantContextKey, tenant)
}

// NewContextWithTenantID returns a new context carrying only the tenant ID.
// Used by the dispatcher and relay, which know the tenant from a task or
// delivery row without loading the full tenant record.
func NewContextWithTenantID(ctx context.Context, tenantID uuid.UUID) context.Context {
	return context.WithValue(ctx, tenantContextKey, &Tenant{ID: tenantID})
}

// TenantFromContext retrieves the tenant from context.
// Returns nil if no tenant is present.
func TenantFromContext(ctx context.Context) *Tenant {
	tenant, _ := ctx.Value(tenantContextKey).(*Tenant)
	return tenant
}

// TenantIDFromContext retrieves the tenant ID from context.
// Returns uuid.Nil if no tenant is present.
func TenantIDFromContext(ctx context.Context) uuid.UUID {
	if tenant := TenantFromContext(ctx); tenant != nil {
		return tenant.ID
	}
	return uuid.Nil
}

// RequireTenantID retrieves the tenant ID from context, panicking if not present.
// Use only below a boundary that has already verified the tenant; boundaries
// themselves return ErrTenantRequired instead.
func RequireTenantID(ctx context.Context) uuid.UUID {
	id := TenantIDFromContext(ctx)
	if id == uuid.Nil {
		panic("tenant_id required in context but not found")
	}
	return id
}

// MustTenant retrieves the tenant from context, panicking if not present.
func MustTenant(ctx context.Context) *Tenant {
	tenant := TenantFromContext(ctx)
	if tenant == nil {
		panic("tenant required in context but not found")
	}
	return tenant
}

// HasTenant returns true if there is a tenant in context.
func HasTenant(ctx context.Context) bool {
	return TenantFromContext(ctx) != nil
}

// --- Actor Context Helpers ---

// NewContextWithActor returns a new context with the acting identity attached.
func NewContextWithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

// ActorFromContext retrieves the actor from context.
// Returns SystemActor if none is present, so history rows written from
// background work are attributed to the engine rather than left blank.
func ActorFromContext(ctx context.Context) *Actor {
	if actor, ok := ctx.Value(actorContextKey).(*Actor); ok && actor != nil {
		return actor
	}
	return SystemActor
}

// ActorIDFromContext retrieves the actor ID from context.
// Returns uuid.Nil for the system actor or when no actor is present.
func ActorIDFromContext(ctx context.Context) uuid.UUID {
	return ActorFromContext(ctx).ID
}

// IsSystemActor returns true when the operation runs under the engine's own
// identity (task handlers, sweeper, relay).
func IsSystemActor(ctx context.Context) bool {
	return ActorFromContext(ctx).Type == ActorTypeSystem
}

// --- Request ID Context Helpers ---

// NewContextWithRequestID returns a new context with the request ID attached.
func NewContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey, requestID)
}

// RequestIDFromContext retrieves the request ID from context.
// Returns empty string if no request ID is present.
func RequestIDFromContext(ctx context.Context) string {
	requestID, _ := ctx.Value(requestIDContextKey).(string)
	return requestID
}

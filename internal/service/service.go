// Package service implements the engine's business operations: renewal
// billing, payment collection, fulfillment, entitlement grants, and the
// subscription lifecycle state machine.
//
// Services sit between task handlers and the store. Every operation reads
// its tenant from the context (the dispatcher binds it from the task row,
// API callers bind it at the boundary), keeps all writes of one logical
// step inside a single transaction, and schedules follow-up work through
// the task queue rather than calling adapters inline. Outbound provider
// calls happen between transactions, never inside one.
package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/dukerupert/skuld/internal/domain"
	"github.com/dukerupert/skuld/internal/store"
)

// tenantFromContext is the boundary check every service operation starts
// with. Returns ErrTenantRequired when no tenant is bound.
func tenantFromContext(ctx context.Context) (uuid.UUID, error) {
	tenantID := domain.TenantIDFromContext(ctx)
	if tenantID == uuid.Nil {
		return uuid.Nil, domain.ErrTenantRequired
	}
	return tenantID, nil
}

// recordHistory appends one audit row for a subscription. The acting
// identity comes from the context; background work is attributed to the
// system actor.
func recordHistory(ctx context.Context, st store.Store, tenantID, subscriptionID uuid.UUID, action string, metadata map[string]any) error {
	var meta json.RawMessage
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal history metadata: %w", err)
		}
		meta = b
	}

	actor := domain.ActorFromContext(ctx)
	return st.History().Insert(ctx, &domain.SubscriptionHistory{
		SubscriptionID:  subscriptionID,
		TenantID:        tenantID,
		Action:          action,
		PerformedBy:     actor.ID,
		PerformedByType: actor.Type,
		Metadata:        meta,
	})
}

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/skuld/internal/domain"
)

// HistoryStore persists the append-only subscription audit trail.
type HistoryStore interface {
	Insert(ctx context.Context, h *domain.SubscriptionHistory) error
	ListBySubscription(ctx context.Context, tenantID, subscriptionID uuid.UUID, limit int32) ([]domain.SubscriptionHistory, error)
}

type historyRepo struct {
	db DBTX
}

var _ HistoryStore = (*historyRepo)(nil)

func (r *historyRepo) Insert(ctx context.Context, h *domain.SubscriptionHistory) error {
	const op = "store.history.insert"

	if h.TenantID == uuid.Nil {
		return domain.ErrTenantRequired
	}
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	if h.PerformedByType == "" {
		h.PerformedByType = domain.ActorTypeSystem
	}
	if h.PerformedAt.IsZero() {
		h.PerformedAt = time.Now().UTC()
	}
	if len(h.Metadata) == 0 {
		h.Metadata = []byte("{}")
	}

	var performedBy *uuid.UUID
	if h.PerformedBy != uuid.Nil {
		performedBy = &h.PerformedBy
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO subscription_history (
			id, tenant_id, subscription_id, action, performed_by,
			performed_by_type, metadata, performed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		h.ID, h.TenantID, h.SubscriptionID, h.Action, performedBy,
		h.PerformedByType, h.Metadata, h.PerformedAt,
	)
	if err != nil {
		return domain.Internal(err, op, "failed to insert history row")
	}
	return nil
}

func (r *historyRepo) ListBySubscription(ctx context.Context, tenantID, subscriptionID uuid.UUID, limit int32) ([]domain.SubscriptionHistory, error) {
	const op = "store.history.list_by_subscription"

	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, tenant_id, subscription_id, action, performed_by,
		       performed_by_type, metadata, performed_at
		FROM subscription_history
		WHERE tenant_id = $1 AND subscription_id = $2
		ORDER BY performed_at DESC
		LIMIT $3`,
		tenantID, subscriptionID, limit,
	)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list history")
	}
	defer rows.Close()

	var entries []domain.SubscriptionHistory
	for rows.Next() {
		var (
			h           domain.SubscriptionHistory
			performedBy *uuid.UUID
		)
		err := rows.Scan(
			&h.ID, &h.TenantID, &h.SubscriptionID, &h.Action, &performedBy,
			&h.PerformedByType, &h.Metadata, &h.PerformedAt,
		)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to scan history row")
		}
		if performedBy != nil {
			h.PerformedBy = *performedBy
		}
		entries = append(entries, h)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, op, "failed to read history rows")
	}
	return entries, nil
}

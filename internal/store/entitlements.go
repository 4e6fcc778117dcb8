package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/skuld/internal/domain"
)

// EntitlementStore persists digital access grants.
type EntitlementStore interface {
	// Upsert grants an entitlement, or extends the existing row for the
	// same (tenant, customer, entitlement_key). Extension reactivates the
	// row and pushes valid_until out; it never shrinks an open-ended or
	// longer grant.
	Upsert(ctx context.Context, e *domain.Entitlement) (*domain.Entitlement, error)

	Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Entitlement, error)
	GetByKey(ctx context.Context, tenantID, customerID uuid.UUID, entitlementKey string) (*domain.Entitlement, error)
	ListByCustomer(ctx context.Context, tenantID, customerID uuid.UUID) ([]domain.Entitlement, error)
	ListBySubscription(ctx context.Context, tenantID, subscriptionID uuid.UUID) ([]domain.Entitlement, error)

	// Revoke marks one entitlement REVOKED.
	Revoke(ctx context.Context, tenantID, id uuid.UUID, at time.Time) error

	// RevokeBySubscription revokes all ACTIVE entitlements attached to a
	// subscription. Returns how many rows changed.
	RevokeBySubscription(ctx context.Context, tenantID, subscriptionID uuid.UUID, at time.Time) (int64, error)

	// ExpireLapsed flips ACTIVE entitlements whose valid_until has passed
	// to EXPIRED. Cross-tenant; the sweeper's loop.
	ExpireLapsed(ctx context.Context, now time.Time) (int64, error)
}

type entitlementRepo struct {
	db DBTX
}

var _ EntitlementStore = (*entitlementRepo)(nil)

const entitlementColumns = `id, tenant_id, customer_id, subscription_id, entitlement_type,
	entitlement_key, status, valid_from, valid_until, payload, external_ref,
	revoked_at, created_at, updated_at`

func scanEntitlement(row interface{ Scan(...any) error }) (*domain.Entitlement, error) {
	var e domain.Entitlement
	err := row.Scan(
		&e.ID, &e.TenantID, &e.CustomerID, &e.SubscriptionID,
		&e.EntitlementType, &e.EntitlementKey, &e.Status, &e.ValidFrom,
		&e.ValidUntil, &e.Payload, &e.ExternalRef, &e.RevokedAt,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *entitlementRepo) Upsert(ctx context.Context, e *domain.Entitlement) (*domain.Entitlement, error) {
	const op = "store.entitlements.upsert"

	if e.TenantID == uuid.Nil {
		return nil, domain.ErrTenantRequired
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = domain.EntitlementStatusActive
	}
	if e.ValidFrom.IsZero() {
		e.ValidFrom = time.Now().UTC()
	}

	// A NULL valid_until never lapses and is never shrunk by a bounded
	// re-grant; bounded grants only ever extend.
	row := r.db.QueryRow(ctx, `
		INSERT INTO entitlements (
			id, tenant_id, customer_id, subscription_id, entitlement_type,
			entitlement_key, status, valid_from, valid_until, payload, external_ref
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, customer_id, entitlement_key) DO UPDATE
		SET subscription_id = EXCLUDED.subscription_id,
		    entitlement_type = EXCLUDED.entitlement_type,
		    status = EXCLUDED.status,
		    valid_from = LEAST(entitlements.valid_from, EXCLUDED.valid_from),
		    valid_until = CASE
		        WHEN entitlements.valid_until IS NULL OR EXCLUDED.valid_until IS NULL
		            THEN NULL
		        ELSE GREATEST(entitlements.valid_until, EXCLUDED.valid_until)
		    END,
		    payload = EXCLUDED.payload,
		    external_ref = EXCLUDED.external_ref,
		    revoked_at = NULL,
		    updated_at = now()
		RETURNING `+entitlementColumns,
		e.ID, e.TenantID, e.CustomerID, e.SubscriptionID, e.EntitlementType,
		e.EntitlementKey, e.Status, e.ValidFrom, e.ValidUntil, e.Payload,
		e.ExternalRef,
	)

	stored, err := scanEntitlement(row)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to upsert entitlement")
	}
	return stored, nil
}

func (r *entitlementRepo) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Entitlement, error) {
	const op = "store.entitlements.get"

	row := r.db.QueryRow(ctx, `
		SELECT `+entitlementColumns+`
		FROM entitlements
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	)

	e, err := scanEntitlement(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NotFound(op, "entitlement", id.String())
		}
		return nil, domain.Internal(err, op, "failed to get entitlement")
	}
	return e, nil
}

func (r *entitlementRepo) GetByKey(ctx context.Context, tenantID, customerID uuid.UUID, entitlementKey string) (*domain.Entitlement, error) {
	const op = "store.entitlements.get_by_key"

	row := r.db.QueryRow(ctx, `
		SELECT `+entitlementColumns+`
		FROM entitlements
		WHERE tenant_id = $1 AND customer_id = $2 AND entitlement_key = $3`,
		tenantID, customerID, entitlementKey,
	)

	e, err := scanEntitlement(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NotFound(op, "entitlement", entitlementKey)
		}
		return nil, domain.Internal(err, op, "failed to get entitlement by key")
	}
	return e, nil
}

func (r *entitlementRepo) ListByCustomer(ctx context.Context, tenantID, customerID uuid.UUID) ([]domain.Entitlement, error) {
	const op = "store.entitlements.list_by_customer"

	rows, err := r.db.Query(ctx, `
		SELECT `+entitlementColumns+`
		FROM entitlements
		WHERE tenant_id = $1 AND customer_id = $2
		ORDER BY entitlement_key`,
		tenantID, customerID,
	)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list entitlements")
	}
	defer rows.Close()
	return collectEntitlements(rows, op)
}

func (r *entitlementRepo) ListBySubscription(ctx context.Context, tenantID, subscriptionID uuid.UUID) ([]domain.Entitlement, error) {
	const op = "store.entitlements.list_by_subscription"

	rows, err := r.db.Query(ctx, `
		SELECT `+entitlementColumns+`
		FROM entitlements
		WHERE tenant_id = $1 AND subscription_id = $2
		ORDER BY entitlement_key`,
		tenantID, subscriptionID,
	)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list entitlements")
	}
	defer rows.Close()
	return collectEntitlements(rows, op)
}

func collectEntitlements(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}, op string) ([]domain.Entitlement, error) {
	var entitlements []domain.Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to scan entitlement")
		}
		entitlements = append(entitlements, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, op, "failed to read entitlements")
	}
	return entitlements, nil
}

func (r *entitlementRepo) Revoke(ctx context.Context, tenantID, id uuid.UUID, at time.Time) error {
	const op = "store.entitlements.revoke"

	tag, err := r.db.Exec(ctx, `
		UPDATE entitlements
		SET status = $3, revoked_at = $4, updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND status = $5`,
		tenantID, id, domain.EntitlementStatusRevoked, at,
		domain.EntitlementStatusActive,
	)
	if err != nil {
		return domain.Internal(err, op, "failed to revoke entitlement")
	}
	if tag.RowsAffected() == 0 {
		existing, err := r.Get(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if existing.Status == domain.EntitlementStatusRevoked {
			return domain.ErrEntitlementRevoked
		}
		return domain.Conflict(op, "entitlement is not active")
	}
	return nil
}

func (r *entitlementRepo) RevokeBySubscription(ctx context.Context, tenantID, subscriptionID uuid.UUID, at time.Time) (int64, error) {
	const op = "store.entitlements.revoke_by_subscription"

	tag, err := r.db.Exec(ctx, `
		UPDATE entitlements
		SET status = $3, revoked_at = $4, updated_at = now()
		WHERE tenant_id = $1 AND subscription_id = $2 AND status = $5`,
		tenantID, subscriptionID, domain.EntitlementStatusRevoked, at,
		domain.EntitlementStatusActive,
	)
	if err != nil {
		return 0, domain.Internal(err, op, "failed to revoke entitlements")
	}
	return tag.RowsAffected(), nil
}

func (r *entitlementRepo) ExpireLapsed(ctx context.Context, now time.Time) (int64, error) {
	const op = "store.entitlements.expire_lapsed"

	tag, err := r.db.Exec(ctx, `
		UPDATE entitlements
		SET status = $2, updated_at = now()
		WHERE status = $3 AND valid_until IS NOT NULL AND valid_until <= $1`,
		now, domain.EntitlementStatusExpired, domain.EntitlementStatusActive,
	)
	if err != nil {
		return 0, domain.Internal(err, op, "failed to expire entitlements")
	}
	return tag.RowsAffected(), nil
}

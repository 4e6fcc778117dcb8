package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dukerupert/skuld/internal/domain"
)

// TenantStore persists tenants.
type TenantStore interface {
	Create(ctx context.Context, tenant *domain.Tenant) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*domain.Tenant, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
}

type tenantRepo struct {
	db DBTX
}

var _ TenantStore = (*tenantRepo)(nil)

func (r *tenantRepo) Create(ctx context.Context, tenant *domain.Tenant) error {
	const op = "store.tenants.create"

	if tenant.ID == uuid.Nil {
		tenant.ID = uuid.New()
	}
	if tenant.Status == "" {
		tenant.Status = domain.TenantStatusActive
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO tenants (id, slug, name, status)
		VALUES ($1, $2, $3, $4)`,
		tenant.ID, tenant.Slug, tenant.Name, tenant.Status,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Conflict(op, fmt.Sprintf("tenant slug %q already exists", tenant.Slug))
		}
		return domain.Internal(err, op, "failed to create tenant")
	}
	return nil
}

func (r *tenantRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	const op = "store.tenants.get"

	row := r.db.QueryRow(ctx, `
		SELECT id, slug, name, status
		FROM tenants
		WHERE id = $1`,
		id,
	)

	var t domain.Tenant
	if err := row.Scan(&t.ID, &t.Slug, &t.Name, &t.Status); err != nil {
		if isNoRows(err) {
			return nil, domain.NotFound(op, "tenant", id.String())
		}
		return nil, domain.Internal(err, op, "failed to get tenant")
	}
	return &t, nil
}

func (r *tenantRepo) GetBySlug(ctx context.Context, slug string) (*domain.Tenant, error) {
	const op = "store.tenants.get_by_slug"

	row := r.db.QueryRow(ctx, `
		SELECT id, slug, name, status
		FROM tenants
		WHERE slug = $1`,
		slug,
	)

	var t domain.Tenant
	if err := row.Scan(&t.ID, &t.Slug, &t.Name, &t.Status); err != nil {
		if isNoRows(err) {
			return nil, domain.NotFound(op, "tenant", slug)
		}
		return nil, domain.Internal(err, op, "failed to get tenant by slug")
	}
	return &t, nil
}

func (r *tenantRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	const op = "store.tenants.update_status"

	tag, err := r.db.Exec(ctx, `
		UPDATE tenants
		SET status = $2, updated_at = now()
		WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return domain.Internal(err, op, "failed to update tenant status")
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound(op, "tenant", id.String())
	}
	return nil
}

package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/dukerupert/skuld/internal/domain"
)

// ProviderConfigStore persists per-tenant provider credentials. The
// config blob is stored encrypted; decryption happens in the provider
// registry, never here.
type ProviderConfigStore interface {
	// Upsert creates or replaces the tenant's config for one provider
	// kind.
	Upsert(ctx context.Context, c *domain.ProviderConfig) error

	Get(ctx context.Context, tenantID uuid.UUID, providerType string) (*domain.ProviderConfig, error)
	SetStatus(ctx context.Context, tenantID uuid.UUID, providerType, status string) error
}

type providerConfigRepo struct {
	db DBTX
}

var _ ProviderConfigStore = (*providerConfigRepo)(nil)

const providerConfigColumns = `id, tenant_id, provider_type, provider_name,
	config_encrypted, status, created_at, updated_at`

func (r *providerConfigRepo) Upsert(ctx context.Context, c *domain.ProviderConfig) error {
	const op = "store.providers.upsert"

	if c.TenantID == uuid.Nil {
		return domain.ErrTenantRequired
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = domain.ProviderConfigStatusActive
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO tenant_provider_configs (
			id, tenant_id, provider_type, provider_name, config_encrypted, status
		)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, provider_type) DO UPDATE
		SET provider_name = EXCLUDED.provider_name,
		    config_encrypted = EXCLUDED.config_encrypted,
		    status = EXCLUDED.status,
		    updated_at = now()`,
		c.ID, c.TenantID, c.ProviderType, c.ProviderName,
		c.ConfigEncrypted, c.Status,
	)
	if err != nil {
		return domain.Internal(err, op, "failed to upsert provider config")
	}
	return nil
}

func (r *providerConfigRepo) Get(ctx context.Context, tenantID uuid.UUID, providerType string) (*domain.ProviderConfig, error) {
	const op = "store.providers.get"

	row := r.db.QueryRow(ctx, `
		SELECT `+providerConfigColumns+`
		FROM tenant_provider_configs
		WHERE tenant_id = $1 AND provider_type = $2`,
		tenantID, providerType,
	)

	var c domain.ProviderConfig
	err := row.Scan(
		&c.ID, &c.TenantID, &c.ProviderType, &c.ProviderName,
		&c.ConfigEncrypted, &c.Status, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrProviderConfigNotFound
		}
		return nil, domain.Internal(err, op, "failed to get provider config")
	}
	return &c, nil
}

func (r *providerConfigRepo) SetStatus(ctx context.Context, tenantID uuid.UUID, providerType, status string) error {
	const op = "store.providers.set_status"

	tag, err := r.db.Exec(ctx, `
		UPDATE tenant_provider_configs
		SET status = $3, updated_at = now()
		WHERE tenant_id = $1 AND provider_type = $2`,
		tenantID, providerType, status,
	)
	if err != nil {
		return domain.Internal(err, op, "failed to update provider config status")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrProviderConfigNotFound
	}
	return nil
}

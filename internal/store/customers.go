package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dukerupert/skuld/internal/domain"
)

// CustomerStore persists customers within a tenant.
type CustomerStore interface {
	Create(ctx context.Context, customer *domain.Customer) error
	Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Customer, error)
	GetByEmail(ctx context.Context, tenantID uuid.UUID, email string) (*domain.Customer, error)
	GetByExternalID(ctx context.Context, tenantID uuid.UUID, externalID string) (*domain.Customer, error)
	Update(ctx context.Context, customer *domain.Customer) error
}

type customerRepo struct {
	db DBTX
}

var _ CustomerStore = (*customerRepo)(nil)

const customerColumns = `id, tenant_id, email, external_id, status, attributes, created_at, updated_at`

func scanCustomer(row interface{ Scan(...any) error }) (*domain.Customer, error) {
	var c domain.Customer
	err := row.Scan(
		&c.ID, &c.TenantID, &c.Email, &c.ExternalID, &c.Status,
		&c.Attributes, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *customerRepo) Create(ctx context.Context, customer *domain.Customer) error {
	const op = "store.customers.create"

	if customer.TenantID == uuid.Nil {
		return domain.ErrTenantRequired
	}
	if customer.ID == uuid.Nil {
		customer.ID = uuid.New()
	}
	if customer.Status == "" {
		customer.Status = domain.CustomerStatusActive
	}
	if len(customer.Attributes) == 0 {
		customer.Attributes = []byte("{}")
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO customers (id, tenant_id, email, external_id, status, attributes)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		customer.ID, customer.TenantID, customer.Email, customer.ExternalID,
		customer.Status, customer.Attributes,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Conflict(op, fmt.Sprintf("customer %q already exists", customer.Email))
		}
		return domain.Internal(err, op, "failed to create customer")
	}
	return nil
}

func (r *customerRepo) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Customer, error) {
	const op = "store.customers.get"

	row := r.db.QueryRow(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	)

	c, err := scanCustomer(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NotFound(op, "customer", id.String())
		}
		return nil, domain.Internal(err, op, "failed to get customer")
	}
	return c, nil
}

func (r *customerRepo) GetByEmail(ctx context.Context, tenantID uuid.UUID, email string) (*domain.Customer, error) {
	const op = "store.customers.get_by_email"

	row := r.db.QueryRow(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE tenant_id = $1 AND email = $2`,
		tenantID, email,
	)

	c, err := scanCustomer(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NotFound(op, "customer", email)
		}
		return nil, domain.Internal(err, op, "failed to get customer by email")
	}
	return c, nil
}

func (r *customerRepo) GetByExternalID(ctx context.Context, tenantID uuid.UUID, externalID string) (*domain.Customer, error) {
	const op = "store.customers.get_by_external_id"

	row := r.db.QueryRow(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE tenant_id = $1 AND external_id = $2 AND external_id <> ''`,
		tenantID, externalID,
	)

	c, err := scanCustomer(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NotFound(op, "customer", externalID)
		}
		return nil, domain.Internal(err, op, "failed to get customer by external id")
	}
	return c, nil
}

func (r *customerRepo) Update(ctx context.Context, customer *domain.Customer) error {
	const op = "store.customers.update"

	tag, err := r.db.Exec(ctx, `
		UPDATE customers
		SET email = $3, external_id = $4, status = $5, attributes = $6, updated_at = now()
		WHERE tenant_id = $1 AND id = $2`,
		customer.TenantID, customer.ID, customer.Email, customer.ExternalID,
		customer.Status, customer.Attributes,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Conflict(op, fmt.Sprintf("customer %q already exists", customer.Email))
		}
		return domain.Internal(err, op, "failed to update customer")
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound(op, "customer", customer.ID.String())
	}
	return nil
}

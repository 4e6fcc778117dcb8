package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dukerupert/skuld/internal/domain"
)

// PlanStore persists billing plans within a tenant.
type PlanStore interface {
	Create(ctx context.Context, plan *domain.Plan) error
	Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Plan, error)
	GetByCode(ctx context.Context, tenantID uuid.UUID, code string) (*domain.Plan, error)
	UpdateStatus(ctx context.Context, tenantID, id uuid.UUID, status string) error
}

type planRepo struct {
	db DBTX
}

var _ PlanStore = (*planRepo)(nil)

const planColumns = `id, tenant_id, code, name, description, base_price_cents, currency,
	billing_interval, billing_interval_count, trial_period_days, plan_type,
	entitlement_key, status, created_at, updated_at`

func scanPlan(row interface{ Scan(...any) error }) (*domain.Plan, error) {
	var p domain.Plan
	err := row.Scan(
		&p.ID, &p.TenantID, &p.Code, &p.Name, &p.Description, &p.BasePriceCents,
		&p.Currency, &p.BillingInterval, &p.BillingIntervalCount, &p.TrialPeriodDays,
		&p.PlanType, &p.EntitlementKey, &p.Status, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *planRepo) Create(ctx context.Context, plan *domain.Plan) error {
	const op = "store.plans.create"

	if plan.TenantID == uuid.Nil {
		return domain.ErrTenantRequired
	}
	if plan.ID == uuid.Nil {
		plan.ID = uuid.New()
	}
	if plan.Status == "" {
		plan.Status = domain.PlanStatusActive
	}
	if plan.BillingIntervalCount <= 0 {
		plan.BillingIntervalCount = 1
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO plans (
			id, tenant_id, code, name, description, base_price_cents, currency,
			billing_interval, billing_interval_count, trial_period_days,
			plan_type, entitlement_key, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		plan.ID, plan.TenantID, plan.Code, plan.Name, plan.Description,
		plan.BasePriceCents, plan.Currency, plan.BillingInterval,
		plan.BillingIntervalCount, plan.TrialPeriodDays, plan.PlanType,
		plan.EntitlementKey, plan.Status,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Conflict(op, fmt.Sprintf("plan code %q already exists", plan.Code))
		}
		return domain.Internal(err, op, "failed to create plan")
	}
	return nil
}

func (r *planRepo) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Plan, error) {
	const op = "store.plans.get"

	row := r.db.QueryRow(ctx, `
		SELECT `+planColumns+`
		FROM plans
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	)

	p, err := scanPlan(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NotFound(op, "plan", id.String())
		}
		return nil, domain.Internal(err, op, "failed to get plan")
	}
	return p, nil
}

func (r *planRepo) GetByCode(ctx context.Context, tenantID uuid.UUID, code string) (*domain.Plan, error) {
	const op = "store.plans.get_by_code"

	row := r.db.QueryRow(ctx, `
		SELECT `+planColumns+`
		FROM plans
		WHERE tenant_id = $1 AND code = $2`,
		tenantID, code,
	)

	p, err := scanPlan(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NotFound(op, "plan", code)
		}
		return nil, domain.Internal(err, op, "failed to get plan by code")
	}
	return p, nil
}

func (r *planRepo) UpdateStatus(ctx context.Context, tenantID, id uuid.UUID, status string) error {
	const op = "store.plans.update_status"

	tag, err := r.db.Exec(ctx, `
		UPDATE plans
		SET status = $3, updated_at = now()
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id, status,
	)
	if err != nil {
		return domain.Internal(err, op, "failed to update plan status")
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound(op, "plan", id.String())
	}
	return nil
}

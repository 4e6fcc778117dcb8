package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/skuld/internal/domain"
)

// SubscriptionStore persists subscriptions and their items.
type SubscriptionStore interface {
	Create(ctx context.Context, sub *domain.Subscription, items []domain.SubscriptionItem) error
	Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Subscription, error)
	GetItems(ctx context.Context, tenantID, subscriptionID uuid.UUID) ([]domain.SubscriptionItem, error)
	Update(ctx context.Context, sub *domain.Subscription) error
	ReplaceItems(ctx context.Context, tenantID, subscriptionID uuid.UUID, items []domain.SubscriptionItem) error
	ListByCustomer(ctx context.Context, tenantID, customerID uuid.UUID) ([]*domain.Subscription, error)

	// ListRenewalsDue scans across tenants for active subscriptions whose
	// renewal time has passed. Subscriptions marked cancel_at_period_end
	// are excluded (they get finalized, not renewed), and suspended
	// tenants are skipped.
	ListRenewalsDue(ctx context.Context, now time.Time, limit int32) ([]*domain.Subscription, error)

	// ListTrialsEnding scans across tenants for trialing subscriptions
	// whose trial window has closed.
	ListTrialsEnding(ctx context.Context, now time.Time, limit int32) ([]*domain.Subscription, error)

	// ListPeriodEndReached scans across tenants for active subscriptions
	// with cancel_at_period_end set whose current period has ended. These
	// are due for deferred cancellation.
	ListPeriodEndReached(ctx context.Context, now time.Time, limit int32) ([]*domain.Subscription, error)

	// ListPeriodLapsed scans across tenants for active subscriptions whose
	// current period ended at or before cutoff without a renewal advancing
	// it. Healthy subscriptions renew within minutes of period end, so a
	// generous cutoff selects only the ones whose collection failed.
	ListPeriodLapsed(ctx context.Context, cutoff time.Time, limit int32) ([]*domain.Subscription, error)
}

type subscriptionRepo struct {
	db DBTX
}

var _ SubscriptionStore = (*subscriptionRepo)(nil)

const subscriptionColumns = `id, tenant_id, customer_id, plan_id, status,
	current_period_start, current_period_end, next_renewal_at,
	trial_start, trial_end, payment_method_ref, shipping_address,
	plan_snapshot, cancel_at_period_end, canceled_at, cancellation_reason,
	pending_credit_cents, created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (*domain.Subscription, error) {
	var (
		s        domain.Subscription
		address  []byte
		snapshot []byte
	)
	err := row.Scan(
		&s.ID, &s.TenantID, &s.CustomerID, &s.PlanID, &s.Status,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.NextRenewalAt,
		&s.TrialStart, &s.TrialEnd, &s.PaymentMethodRef, &address,
		&snapshot, &s.CancelAtPeriodEnd, &s.CanceledAt, &s.CancellationReason,
		&s.PendingCreditCents, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(address) > 0 {
		if err := json.Unmarshal(address, &s.ShippingAddress); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal(snapshot, &s.PlanSnapshot); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *subscriptionRepo) Create(ctx context.Context, sub *domain.Subscription, items []domain.SubscriptionItem) error {
	const op = "store.subscriptions.create"

	if sub.TenantID == uuid.Nil {
		return domain.ErrTenantRequired
	}
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}

	snapshot, err := json.Marshal(sub.PlanSnapshot)
	if err != nil {
		return domain.Internal(err, op, "failed to marshal plan snapshot")
	}
	var address []byte
	if sub.ShippingAddress != nil {
		if address, err = json.Marshal(sub.ShippingAddress); err != nil {
			return domain.Internal(err, op, "failed to marshal shipping address")
		}
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO subscriptions (
			id, tenant_id, customer_id, plan_id, status,
			current_period_start, current_period_end, next_renewal_at,
			trial_start, trial_end, payment_method_ref, shipping_address,
			plan_snapshot, cancel_at_period_end, canceled_at, cancellation_reason,
			pending_credit_cents
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		sub.ID, sub.TenantID, sub.CustomerID, sub.PlanID, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.NextRenewalAt,
		sub.TrialStart, sub.TrialEnd, sub.PaymentMethodRef, address,
		snapshot, sub.CancelAtPeriodEnd, sub.CanceledAt, sub.CancellationReason,
		sub.PendingCreditCents,
	)
	if err != nil {
		return domain.Internal(err, op, "failed to create subscription")
	}

	for i := range items {
		if err := r.insertItem(ctx, sub.TenantID, sub.ID, &items[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *subscriptionRepo) insertItem(ctx context.Context, tenantID, subscriptionID uuid.UUID, item *domain.SubscriptionItem) error {
	const op = "store.subscriptions.insert_item"

	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	item.TenantID = tenantID
	item.SubscriptionID = subscriptionID
	if len(item.ItemConfig) == 0 {
		item.ItemConfig = []byte("{}")
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO subscription_items (
			id, tenant_id, subscription_id, product_id, product_name,
			quantity, unit_price_cents, currency, item_config
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		item.ID, item.TenantID, item.SubscriptionID, item.ProductID,
		item.ProductName, item.Quantity, item.UnitPriceCents, item.Currency,
		item.ItemConfig,
	)
	if err != nil {
		return domain.Internal(err, op, "failed to insert subscription item")
	}
	return nil
}

func (r *subscriptionRepo) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Subscription, error) {
	const op = "store.subscriptions.get"

	row := r.db.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	)

	s, err := scanSubscription(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NotFound(op, "subscription", id.String())
		}
		return nil, domain.Internal(err, op, "failed to get subscription")
	}
	return s, nil
}

func (r *subscriptionRepo) GetItems(ctx context.Context, tenantID, subscriptionID uuid.UUID) ([]domain.SubscriptionItem, error) {
	const op = "store.subscriptions.get_items"

	rows, err := r.db.Query(ctx, `
		SELECT id, tenant_id, subscription_id, product_id, product_name,
		       quantity, unit_price_cents, currency, item_config, created_at, updated_at
		FROM subscription_items
		WHERE tenant_id = $1 AND subscription_id = $2
		ORDER BY created_at`,
		tenantID, subscriptionID,
	)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list subscription items")
	}
	defer rows.Close()

	var items []domain.SubscriptionItem
	for rows.Next() {
		var it domain.SubscriptionItem
		err := rows.Scan(
			&it.ID, &it.TenantID, &it.SubscriptionID, &it.ProductID,
			&it.ProductName, &it.Quantity, &it.UnitPriceCents, &it.Currency,
			&it.ItemConfig, &it.CreatedAt, &it.UpdatedAt,
		)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to scan subscription item")
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, op, "failed to read subscription items")
	}
	return items, nil
}

func (r *subscriptionRepo) Update(ctx context.Context, sub *domain.Subscription) error {
	const op = "store.subscriptions.update"

	snapshot, err := json.Marshal(sub.PlanSnapshot)
	if err != nil {
		return domain.Internal(err, op, "failed to marshal plan snapshot")
	}
	var address []byte
	if sub.ShippingAddress != nil {
		if address, err = json.Marshal(sub.ShippingAddress); err != nil {
			return domain.Internal(err, op, "failed to marshal shipping address")
		}
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE subscriptions
		SET status = $3,
		    current_period_start = $4,
		    current_period_end = $5,
		    next_renewal_at = $6,
		    trial_start = $7,
		    trial_end = $8,
		    payment_method_ref = $9,
		    shipping_address = $10,
		    plan_snapshot = $11,
		    cancel_at_period_end = $12,
		    canceled_at = $13,
		    cancellation_reason = $14,
		    pending_credit_cents = $15,
		    updated_at = now()
		WHERE tenant_id = $1 AND id = $2`,
		sub.TenantID, sub.ID, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.NextRenewalAt,
		sub.TrialStart, sub.TrialEnd, sub.PaymentMethodRef, address,
		snapshot, sub.CancelAtPeriodEnd, sub.CanceledAt, sub.CancellationReason,
		sub.PendingCreditCents,
	)
	if err != nil {
		return domain.Internal(err, op, "failed to update subscription")
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound(op, "subscription", sub.ID.String())
	}
	return nil
}

func (r *subscriptionRepo) ReplaceItems(ctx context.Context, tenantID, subscriptionID uuid.UUID, items []domain.SubscriptionItem) error {
	const op = "store.subscriptions.replace_items"

	_, err := r.db.Exec(ctx, `
		DELETE FROM subscription_items
		WHERE tenant_id = $1 AND subscription_id = $2`,
		tenantID, subscriptionID,
	)
	if err != nil {
		return domain.Internal(err, op, "failed to clear subscription items")
	}

	for i := range items {
		items[i].ID = uuid.Nil
		if err := r.insertItem(ctx, tenantID, subscriptionID, &items[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *subscriptionRepo) ListByCustomer(ctx context.Context, tenantID, customerID uuid.UUID) ([]*domain.Subscription, error) {
	const op = "store.subscriptions.list_by_customer"

	rows, err := r.db.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE tenant_id = $1 AND customer_id = $2
		ORDER BY created_at DESC`,
		tenantID, customerID,
	)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list subscriptions")
	}
	defer rows.Close()

	return collectSubscriptions(rows, op)
}

func (r *subscriptionRepo) ListRenewalsDue(ctx context.Context, now time.Time, limit int32) ([]*domain.Subscription, error) {
	const op = "store.subscriptions.list_renewals_due"

	rows, err := r.db.Query(ctx, `
		SELECT `+prefixedSubscriptionColumns("s")+`
		FROM subscriptions s
		JOIN tenants t ON t.id = s.tenant_id
		WHERE s.status = $1
		  AND s.next_renewal_at <= $2
		  AND s.cancel_at_period_end = false
		  AND t.status = $3
		ORDER BY s.next_renewal_at
		LIMIT $4`,
		domain.SubscriptionStatusActive, now, domain.TenantStatusActive, limit,
	)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list renewals due")
	}
	defer rows.Close()

	return collectSubscriptions(rows, op)
}

func (r *subscriptionRepo) ListTrialsEnding(ctx context.Context, now time.Time, limit int32) ([]*domain.Subscription, error) {
	const op = "store.subscriptions.list_trials_ending"

	rows, err := r.db.Query(ctx, `
		SELECT `+prefixedSubscriptionColumns("s")+`
		FROM subscriptions s
		JOIN tenants t ON t.id = s.tenant_id
		WHERE s.status = $1
		  AND s.trial_end IS NOT NULL
		  AND s.trial_end <= $2
		  AND t.status = $3
		ORDER BY s.trial_end
		LIMIT $4`,
		domain.SubscriptionStatusTrialing, now, domain.TenantStatusActive, limit,
	)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list trials ending")
	}
	defer rows.Close()

	return collectSubscriptions(rows, op)
}

func (r *subscriptionRepo) ListPeriodEndReached(ctx context.Context, now time.Time, limit int32) ([]*domain.Subscription, error) {
	const op = "store.subscriptions.list_period_end_reached"

	rows, err := r.db.Query(ctx, `
		SELECT `+prefixedSubscriptionColumns("s")+`
		FROM subscriptions s
		JOIN tenants t ON t.id = s.tenant_id
		WHERE s.status = $1
		  AND s.cancel_at_period_end = true
		  AND s.current_period_end <= $2
		  AND t.status = $3
		ORDER BY s.current_period_end
		LIMIT $4`,
		domain.SubscriptionStatusActive, now, domain.TenantStatusActive, limit,
	)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list period ends reached")
	}
	defer rows.Close()

	return collectSubscriptions(rows, op)
}

func (r *subscriptionRepo) ListPeriodLapsed(ctx context.Context, cutoff time.Time, limit int32) ([]*domain.Subscription, error) {
	const op = "store.subscriptions.list_period_lapsed"

	rows, err := r.db.Query(ctx, `
		SELECT `+prefixedSubscriptionColumns("s")+`
		FROM subscriptions s
		JOIN tenants t ON t.id = s.tenant_id
		WHERE s.status = $1
		  AND s.cancel_at_period_end = false
		  AND s.current_period_end <= $2
		  AND t.status = $3
		ORDER BY s.current_period_end
		LIMIT $4`,
		domain.SubscriptionStatusActive, cutoff, domain.TenantStatusActive, limit,
	)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list lapsed periods")
	}
	defer rows.Close()

	return collectSubscriptions(rows, op)
}

func collectSubscriptions(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}, op string) ([]*domain.Subscription, error) {
	var subs []*domain.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to scan subscription")
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, op, "failed to read subscriptions")
	}
	return subs, nil
}

// prefixedSubscriptionColumns qualifies the shared column list for joins.
func prefixedSubscriptionColumns(alias string) string {
	return alias + `.id, ` + alias + `.tenant_id, ` + alias + `.customer_id, ` +
		alias + `.plan_id, ` + alias + `.status, ` +
		alias + `.current_period_start, ` + alias + `.current_period_end, ` +
		alias + `.next_renewal_at, ` + alias + `.trial_start, ` + alias + `.trial_end, ` +
		alias + `.payment_method_ref, ` + alias + `.shipping_address, ` +
		alias + `.plan_snapshot, ` + alias + `.cancel_at_period_end, ` +
		alias + `.canceled_at, ` + alias + `.cancellation_reason, ` +
		alias + `.pending_credit_cents, ` +
		alias + `.created_at, ` + alias + `.updated_at`
}

package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/dukerupert/skuld/internal/domain"
)

// DeliveryStore persists physical delivery instances.
type DeliveryStore interface {
	// Create inserts a delivery. If one already exists for the same
	// (subscription, cycle_key) the existing row is returned and created
	// is false.
	Create(ctx context.Context, d *domain.DeliveryInstance) (delivery *domain.DeliveryInstance, created bool, err error)

	Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.DeliveryInstance, error)
	GetByCycleKey(ctx context.Context, tenantID, subscriptionID uuid.UUID, cycleKey string) (*domain.DeliveryInstance, error)
	Update(ctx context.Context, d *domain.DeliveryInstance) error

	// CancelPendingBySubscription cancels deliveries that have not been
	// ordered yet. Returns how many rows changed.
	CancelPendingBySubscription(ctx context.Context, tenantID, subscriptionID uuid.UUID, reason string) (int64, error)
}

type deliveryRepo struct {
	db DBTX
}

var _ DeliveryStore = (*deliveryRepo)(nil)

const deliveryColumns = `id, tenant_id, subscription_id, invoice_id, customer_id, cycle_key,
	status, items, shipping_address, external_order_ref, scheduled_for,
	ordered_at, shipped_at, delivered_at, failure_reason,
	cancellation_reason, canceled_at, created_at, updated_at`

func scanDelivery(row interface{ Scan(...any) error }) (*domain.DeliveryInstance, error) {
	var (
		d       domain.DeliveryInstance
		items   []byte
		address []byte
	)
	err := row.Scan(
		&d.ID, &d.TenantID, &d.SubscriptionID, &d.InvoiceID, &d.CustomerID,
		&d.CycleKey, &d.Status, &items, &address, &d.ExternalOrderRef,
		&d.ScheduledFor, &d.OrderedAt, &d.ShippedAt, &d.DeliveredAt,
		&d.FailureReason, &d.CancellationReason, &d.CanceledAt,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &d.Items); err != nil {
			return nil, err
		}
	}
	if len(address) > 0 {
		if err := json.Unmarshal(address, &d.ShippingAddress); err != nil {
			return nil, err
		}
	}
	return &d, nil
}

func (r *deliveryRepo) Create(ctx context.Context, d *domain.DeliveryInstance) (*domain.DeliveryInstance, bool, error) {
	const op = "store.deliveries.create"

	if d.TenantID == uuid.Nil {
		return nil, false, domain.ErrTenantRequired
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = domain.DeliveryStatusPending
	}

	items, err := json.Marshal(d.Items)
	if err != nil {
		return nil, false, domain.Internal(err, op, "failed to marshal delivery items")
	}
	var address []byte
	if d.ShippingAddress != nil {
		if address, err = json.Marshal(d.ShippingAddress); err != nil {
			return nil, false, domain.Internal(err, op, "failed to marshal shipping address")
		}
	}

	// The cycle key constraint absorbs retried CREATE_DELIVERY tasks.
	tag, err := r.db.Exec(ctx, `
		INSERT INTO delivery_instances (
			id, tenant_id, subscription_id, invoice_id, customer_id, cycle_key,
			status, items, shipping_address, external_order_ref, scheduled_for
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, subscription_id, cycle_key) DO NOTHING`,
		d.ID, d.TenantID, d.SubscriptionID, d.InvoiceID, d.CustomerID,
		d.CycleKey, d.Status, items, address, d.ExternalOrderRef, d.ScheduledFor,
	)
	if err != nil {
		return nil, false, domain.Internal(err, op, "failed to create delivery")
	}

	if tag.RowsAffected() == 0 {
		existing, err := r.GetByCycleKey(ctx, d.TenantID, d.SubscriptionID, d.CycleKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return d, true, nil
}

func (r *deliveryRepo) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.DeliveryInstance, error) {
	const op = "store.deliveries.get"

	row := r.db.QueryRow(ctx, `
		SELECT `+deliveryColumns+`
		FROM delivery_instances
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	)

	d, err := scanDelivery(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NotFound(op, "delivery", id.String())
		}
		return nil, domain.Internal(err, op, "failed to get delivery")
	}
	return d, nil
}

func (r *deliveryRepo) GetByCycleKey(ctx context.Context, tenantID, subscriptionID uuid.UUID, cycleKey string) (*domain.DeliveryInstance, error) {
	const op = "store.deliveries.get_by_cycle_key"

	row := r.db.QueryRow(ctx, `
		SELECT `+deliveryColumns+`
		FROM delivery_instances
		WHERE tenant_id = $1 AND subscription_id = $2 AND cycle_key = $3`,
		tenantID, subscriptionID, cycleKey,
	)

	d, err := scanDelivery(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NotFound(op, "delivery", cycleKey)
		}
		return nil, domain.Internal(err, op, "failed to get delivery by cycle key")
	}
	return d, nil
}

func (r *deliveryRepo) Update(ctx context.Context, d *domain.DeliveryInstance) error {
	const op = "store.deliveries.update"

	items, err := json.Marshal(d.Items)
	if err != nil {
		return domain.Internal(err, op, "failed to marshal delivery items")
	}
	var address []byte
	if d.ShippingAddress != nil {
		if address, err = json.Marshal(d.ShippingAddress); err != nil {
			return domain.Internal(err, op, "failed to marshal shipping address")
		}
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE delivery_instances
		SET status = $3, items = $4, shipping_address = $5,
		    external_order_ref = $6, scheduled_for = $7, ordered_at = $8,
		    shipped_at = $9, delivered_at = $10, failure_reason = $11,
		    cancellation_reason = $12, canceled_at = $13, updated_at = now()
		WHERE tenant_id = $1 AND id = $2`,
		d.TenantID, d.ID, d.Status, items, address, d.ExternalOrderRef,
		d.ScheduledFor, d.OrderedAt, d.ShippedAt, d.DeliveredAt,
		d.FailureReason, d.CancellationReason, d.CanceledAt,
	)
	if err != nil {
		return domain.Internal(err, op, "failed to update delivery")
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound(op, "delivery", d.ID.String())
	}
	return nil
}

func (r *deliveryRepo) CancelPendingBySubscription(ctx context.Context, tenantID, subscriptionID uuid.UUID, reason string) (int64, error) {
	const op = "store.deliveries.cancel_pending"

	tag, err := r.db.Exec(ctx, `
		UPDATE delivery_instances
		SET status = $3, cancellation_reason = $4, canceled_at = now(),
		    updated_at = now()
		WHERE tenant_id = $1 AND subscription_id = $2 AND status = $5`,
		tenantID, subscriptionID,
		domain.DeliveryStatusCanceled, reason, domain.DeliveryStatusPending,
	)
	if err != nil {
		return 0, domain.Internal(err, op, "failed to cancel pending deliveries")
	}
	return tag.RowsAffected(), nil
}

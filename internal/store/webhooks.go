package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/skuld/internal/domain"
)

// WebhookStore persists webhook endpoints and their delivery attempts.
type WebhookStore interface {
	CreateEndpoint(ctx context.Context, e *domain.WebhookEndpoint) error
	GetEndpoint(ctx context.Context, tenantID, id uuid.UUID) (*domain.WebhookEndpoint, error)
	ListEndpoints(ctx context.Context, tenantID uuid.UUID) ([]domain.WebhookEndpoint, error)
	ListActiveEndpoints(ctx context.Context, tenantID uuid.UUID) ([]domain.WebhookEndpoint, error)
	UpdateEndpoint(ctx context.Context, e *domain.WebhookEndpoint) error
	DeleteEndpoint(ctx context.Context, tenantID, id uuid.UUID) error

	// InsertDelivery creates one endpoint's copy of one event. A duplicate
	// (endpoint, event) pair is absorbed and inserted is false.
	InsertDelivery(ctx context.Context, d *domain.WebhookDelivery) (inserted bool, err error)

	// ListDueDeliveries returns PENDING deliveries whose next attempt time
	// has passed, oldest first. Cross-tenant; the relay's dispatch loop.
	ListDueDeliveries(ctx context.Context, now time.Time, limit int32) ([]domain.WebhookDelivery, error)

	// MarkDelivered finalizes a delivery after a 2xx response.
	MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time, httpStatus int32) error

	// RecordFailure counts a failed attempt. Below max_attempts the
	// delivery stays PENDING with next_attempt_at=retryAt; at max_attempts
	// it becomes FAILED. Returns the resulting status and attempt count.
	RecordFailure(ctx context.Context, id uuid.UUID, httpStatus int32, lastError string, retryAt time.Time) (status string, attempts int32, err error)

	GetDelivery(ctx context.Context, tenantID, id uuid.UUID) (*domain.WebhookDelivery, error)
	ListDeliveriesByEvent(ctx context.Context, tenantID, eventID uuid.UUID) ([]domain.WebhookDelivery, error)
}

type webhookRepo struct {
	db DBTX
}

var _ WebhookStore = (*webhookRepo)(nil)

const endpointColumns = `id, tenant_id, url, secret, event_types, status, created_at, updated_at`

func scanEndpoint(row interface{ Scan(...any) error }) (*domain.WebhookEndpoint, error) {
	var e domain.WebhookEndpoint
	err := row.Scan(
		&e.ID, &e.TenantID, &e.URL, &e.Secret, &e.EventTypes, &e.Status,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *webhookRepo) CreateEndpoint(ctx context.Context, e *domain.WebhookEndpoint) error {
	const op = "store.webhooks.create_endpoint"

	if e.TenantID == uuid.Nil {
		return domain.ErrTenantRequired
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = domain.EndpointStatusActive
	}
	if e.EventTypes == nil {
		e.EventTypes = []string{}
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO webhook_endpoints (id, tenant_id, url, secret, event_types, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.TenantID, e.URL, e.Secret, e.EventTypes, e.Status,
	)
	if err != nil {
		return domain.Internal(err, op, "failed to create webhook endpoint")
	}
	return nil
}

func (r *webhookRepo) GetEndpoint(ctx context.Context, tenantID, id uuid.UUID) (*domain.WebhookEndpoint, error) {
	const op = "store.webhooks.get_endpoint"

	row := r.db.QueryRow(ctx, `
		SELECT `+endpointColumns+`
		FROM webhook_endpoints
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	)

	e, err := scanEndpoint(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NotFound(op, "webhook endpoint", id.String())
		}
		return nil, domain.Internal(err, op, "failed to get webhook endpoint")
	}
	return e, nil
}

func (r *webhookRepo) ListEndpoints(ctx context.Context, tenantID uuid.UUID) ([]domain.WebhookEndpoint, error) {
	const op = "store.webhooks.list_endpoints"

	rows, err := r.db.Query(ctx, `
		SELECT `+endpointColumns+`
		FROM webhook_endpoints
		WHERE tenant_id = $1
		ORDER BY created_at`,
		tenantID,
	)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list webhook endpoints")
	}
	defer rows.Close()
	return collectEndpoints(rows, op)
}

func (r *webhookRepo) ListActiveEndpoints(ctx context.Context, tenantID uuid.UUID) ([]domain.WebhookEndpoint, error) {
	const op = "store.webhooks.list_active_endpoints"

	rows, err := r.db.Query(ctx, `
		SELECT `+endpointColumns+`
		FROM webhook_endpoints
		WHERE tenant_id = $1 AND status = $2
		ORDER BY created_at`,
		tenantID, domain.EndpointStatusActive,
	)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list webhook endpoints")
	}
	defer rows.Close()
	return collectEndpoints(rows, op)
}

func collectEndpoints(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}, op string) ([]domain.WebhookEndpoint, error) {
	var endpoints []domain.WebhookEndpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to scan webhook endpoint")
		}
		endpoints = append(endpoints, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, op, "failed to read webhook endpoints")
	}
	return endpoints, nil
}

func (r *webhookRepo) UpdateEndpoint(ctx context.Context, e *domain.WebhookEndpoint) error {
	const op = "store.webhooks.update_endpoint"

	if e.EventTypes == nil {
		e.EventTypes = []string{}
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE webhook_endpoints
		SET url = $3, secret = $4, event_types = $5, status = $6,
		    updated_at = now()
		WHERE tenant_id = $1 AND id = $2`,
		e.TenantID, e.ID, e.URL, e.Secret, e.EventTypes, e.Status,
	)
	if err != nil {
		return domain.Internal(err, op, "failed to update webhook endpoint")
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound(op, "webhook endpoint", e.ID.String())
	}
	return nil
}

func (r *webhookRepo) DeleteEndpoint(ctx context.Context, tenantID, id uuid.UUID) error {
	const op = "store.webhooks.delete_endpoint"

	tag, err := r.db.Exec(ctx, `
		DELETE FROM webhook_endpoints
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	)
	if err != nil {
		return domain.Internal(err, op, "failed to delete webhook endpoint")
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound(op, "webhook endpoint", id.String())
	}
	return nil
}

const webhookDeliveryColumns = `id, tenant_id, endpoint_id, event_id, event_type, payload,
	status, attempt_count, max_attempts, next_attempt_at, last_status,
	last_error, delivered_at, created_at, updated_at`

func scanWebhookDelivery(row interface{ Scan(...any) error }) (*domain.WebhookDelivery, error) {
	var d domain.WebhookDelivery
	err := row.Scan(
		&d.ID, &d.TenantID, &d.EndpointID, &d.EventID, &d.EventType,
		&d.Payload, &d.Status, &d.AttemptCount, &d.MaxAttempts,
		&d.NextAttemptAt, &d.LastStatus, &d.LastError, &d.DeliveredAt,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *webhookRepo) InsertDelivery(ctx context.Context, d *domain.WebhookDelivery) (bool, error) {
	const op = "store.webhooks.insert_delivery"

	if d.TenantID == uuid.Nil {
		return false, domain.ErrTenantRequired
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = domain.WebhookStatusPending
	}
	if d.NextAttemptAt.IsZero() {
		d.NextAttemptAt = time.Now().UTC()
	}

	// Re-running fan-out for an event cannot double a delivery.
	tag, err := r.db.Exec(ctx, `
		INSERT INTO webhook_deliveries (
			id, tenant_id, endpoint_id, event_id, event_type, payload,
			status, max_attempts, next_attempt_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (endpoint_id, event_id) DO NOTHING`,
		d.ID, d.TenantID, d.EndpointID, d.EventID, d.EventType, d.Payload,
		d.Status, d.MaxAttempts, d.NextAttemptAt,
	)
	if err != nil {
		return false, domain.Internal(err, op, "failed to insert webhook delivery")
	}
	return tag.RowsAffected() > 0, nil
}

func (r *webhookRepo) ListDueDeliveries(ctx context.Context, now time.Time, limit int32) ([]domain.WebhookDelivery, error) {
	const op = "store.webhooks.list_due"

	if limit <= 0 {
		return nil, nil
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+webhookDeliveryColumns+`
		FROM webhook_deliveries
		WHERE status = $1 AND next_attempt_at <= $2
		ORDER BY next_attempt_at
		LIMIT $3`,
		domain.WebhookStatusPending, now, limit,
	)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list due deliveries")
	}
	defer rows.Close()

	var deliveries []domain.WebhookDelivery
	for rows.Next() {
		d, err := scanWebhookDelivery(rows)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to scan webhook delivery")
		}
		deliveries = append(deliveries, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, op, "failed to read due deliveries")
	}
	return deliveries, nil
}

func (r *webhookRepo) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time, httpStatus int32) error {
	const op = "store.webhooks.mark_delivered"

	// Guarded on PENDING so a concurrent relay's duplicate send is a no-op.
	_, err := r.db.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, attempt_count = attempt_count + 1, last_status = $3,
		    last_error = '', delivered_at = $4, updated_at = now()
		WHERE id = $1 AND status = $5`,
		id, domain.WebhookStatusDelivered, httpStatus, at,
		domain.WebhookStatusPending,
	)
	if err != nil {
		return domain.Internal(err, op, "failed to mark delivery delivered")
	}
	return nil
}

func (r *webhookRepo) RecordFailure(ctx context.Context, id uuid.UUID, httpStatus int32, lastError string, retryAt time.Time) (string, int32, error) {
	const op = "store.webhooks.record_failure"

	row := r.db.QueryRow(ctx, `
		UPDATE webhook_deliveries
		SET attempt_count = attempt_count + 1,
		    last_status = $2,
		    last_error = $3,
		    status = CASE WHEN attempt_count + 1 >= max_attempts
		                  THEN $5 ELSE $6 END,
		    next_attempt_at = CASE WHEN attempt_count + 1 >= max_attempts
		                           THEN next_attempt_at ELSE $4 END,
		    updated_at = now()
		WHERE id = $1 AND status = $6
		RETURNING status, attempt_count`,
		id, httpStatus, lastError, retryAt,
		domain.WebhookStatusFailed, domain.WebhookStatusPending,
	)

	var (
		status   string
		attempts int32
	)
	if err := row.Scan(&status, &attempts); err != nil {
		if isNoRows(err) {
			// Already finalized by a concurrent relay.
			return "", 0, nil
		}
		return "", 0, domain.Internal(err, op, "failed to record delivery failure")
	}
	return status, attempts, nil
}

func (r *webhookRepo) GetDelivery(ctx context.Context, tenantID, id uuid.UUID) (*domain.WebhookDelivery, error) {
	const op = "store.webhooks.get_delivery"

	row := r.db.QueryRow(ctx, `
		SELECT `+webhookDeliveryColumns+`
		FROM webhook_deliveries
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	)

	d, err := scanWebhookDelivery(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NotFound(op, "webhook delivery", id.String())
		}
		return nil, domain.Internal(err, op, "failed to get webhook delivery")
	}
	return d, nil
}

func (r *webhookRepo) ListDeliveriesByEvent(ctx context.Context, tenantID, eventID uuid.UUID) ([]domain.WebhookDelivery, error) {
	const op = "store.webhooks.list_by_event"

	rows, err := r.db.Query(ctx, `
		SELECT `+webhookDeliveryColumns+`
		FROM webhook_deliveries
		WHERE tenant_id = $1 AND event_id = $2
		ORDER BY created_at`,
		tenantID, eventID,
	)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list deliveries by event")
	}
	defer rows.Close()

	var deliveries []domain.WebhookDelivery
	for rows.Next() {
		d, err := scanWebhookDelivery(rows)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to scan webhook delivery")
		}
		deliveries = append(deliveries, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, op, "failed to read deliveries by event")
	}
	return deliveries, nil
}

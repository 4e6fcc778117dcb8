package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/skuld/internal/domain"
)

// OutboxStore persists domain events written alongside the state changes
// they describe. Insert runs inside business transactions; the pending
// scan is the relay's cross-tenant loop.
type OutboxStore interface {
	// Insert records an event. A duplicate dedupe_key is absorbed and
	// inserted is false.
	Insert(ctx context.Context, ev *domain.OutboxEvent) (inserted bool, err error)

	// ListPendingForUpdate locks and returns up to limit PENDING events in
	// occurred_at order, skipping rows locked by a concurrent relay. Call
	// inside a transaction and mark the rows before committing.
	ListPendingForUpdate(ctx context.Context, limit int32) ([]domain.OutboxEvent, error)

	// MarkFanned marks events fanned out to webhook deliveries.
	MarkFanned(ctx context.Context, ids []uuid.UUID, at time.Time) error

	// MarkDiscarded marks events no active endpoint subscribes to, so the
	// pending scan stops revisiting them.
	MarkDiscarded(ctx context.Context, ids []uuid.UUID, at time.Time) error

	Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.OutboxEvent, error)
}

type outboxRepo struct {
	db DBTX
}

var _ OutboxStore = (*outboxRepo)(nil)

const outboxColumns = `id, tenant_id, event_type, dedupe_key, payload, status,
	occurred_at, fanned_at, created_at`

func scanOutboxEvent(row interface{ Scan(...any) error }) (*domain.OutboxEvent, error) {
	var ev domain.OutboxEvent
	err := row.Scan(
		&ev.ID, &ev.TenantID, &ev.EventType, &ev.DedupeKey, &ev.Payload,
		&ev.Status, &ev.OccurredAt, &ev.FannedAt, &ev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *outboxRepo) Insert(ctx context.Context, ev *domain.OutboxEvent) (bool, error) {
	const op = "store.outbox.insert"

	if ev.TenantID == uuid.Nil {
		return false, domain.ErrTenantRequired
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Status == "" {
		ev.Status = domain.OutboxStatusPending
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	// The partial unique index only covers non-empty dedupe keys, so
	// events without one always insert.
	tag, err := r.db.Exec(ctx, `
		INSERT INTO outbox_events (
			id, tenant_id, event_type, dedupe_key, payload, status, occurred_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, dedupe_key) WHERE dedupe_key <> '' DO NOTHING`,
		ev.ID, ev.TenantID, ev.EventType, ev.DedupeKey, ev.Payload,
		ev.Status, ev.OccurredAt,
	)
	if err != nil {
		return false, domain.Internal(err, op, "failed to insert outbox event")
	}
	return tag.RowsAffected() > 0, nil
}

func (r *outboxRepo) ListPendingForUpdate(ctx context.Context, limit int32) ([]domain.OutboxEvent, error) {
	const op = "store.outbox.list_pending"

	if limit <= 0 {
		return nil, nil
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_events
		WHERE status = $1
		ORDER BY occurred_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		domain.OutboxStatusPending, limit,
	)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list pending events")
	}
	defer rows.Close()

	var events []domain.OutboxEvent
	for rows.Next() {
		ev, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to scan outbox event")
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, op, "failed to read pending events")
	}
	return events, nil
}

func (r *outboxRepo) MarkFanned(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	return r.markStatus(ctx, "store.outbox.mark_fanned", ids, domain.OutboxStatusFanned, at)
}

func (r *outboxRepo) MarkDiscarded(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	return r.markStatus(ctx, "store.outbox.mark_discarded", ids, domain.OutboxStatusDiscarded, at)
}

func (r *outboxRepo) markStatus(ctx context.Context, op string, ids []uuid.UUID, status string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := r.db.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, fanned_at = $3
		WHERE id = ANY($1) AND status = $4`,
		ids, status, at, domain.OutboxStatusPending,
	)
	if err != nil {
		return domain.Internal(err, op, "failed to update outbox events")
	}
	return nil
}

func (r *outboxRepo) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.OutboxEvent, error) {
	const op = "store.outbox.get"

	row := r.db.QueryRow(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_events
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	)

	ev, err := scanOutboxEvent(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NotFound(op, "outbox event", id.String())
		}
		return nil, domain.Internal(err, op, "failed to get outbox event")
	}
	return ev, nil
}

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/skuld/internal/domain"
)

// TaskStore persists the database-backed work queue.
//
// Enqueue and the tenant-scoped reads take a tenant ID; ClaimBatch and
// ReapExpired are cross-tenant engine loops.
type TaskStore interface {
	// Enqueue inserts a READY task, or revives an existing row with the
	// same (tenant, task_key). A CLAIMED row is left untouched so in-flight
	// work is never yanked; enqueued is false in that case.
	Enqueue(ctx context.Context, t *domain.ScheduledTask) (task *domain.ScheduledTask, enqueued bool, err error)

	// ClaimBatch atomically moves up to limit due READY tasks to CLAIMED
	// for this worker, granting a lease until now+leaseFor. Rows locked by
	// concurrent claimers are skipped, not waited on.
	ClaimBatch(ctx context.Context, workerID string, now time.Time, leaseFor time.Duration, limit int32) ([]domain.ScheduledTask, error)

	// Complete marks a task COMPLETED. The worker must still hold the
	// claim; a lapsed or canceled claim returns ErrTaskNotClaimed.
	Complete(ctx context.Context, id uuid.UUID, workerID string, completedAt time.Time) error

	// Fail records a failed attempt. Below max_attempts the task returns
	// to READY with run_at=retryAt; at max_attempts it becomes FAILED.
	// Returns the resulting status and attempt count.
	Fail(ctx context.Context, id uuid.UUID, workerID string, lastError string, retryAt time.Time) (status string, attempts int32, err error)

	// FailTerminal marks a task FAILED immediately, skipping remaining
	// retries. Used for errors that cannot succeed on retry.
	FailTerminal(ctx context.Context, id uuid.UUID, workerID string, lastError string) error

	// ExtendLease pushes the lease out for a long-running handler.
	ExtendLease(ctx context.Context, id uuid.UUID, workerID string, until time.Time) error

	// ReapExpired returns CLAIMED tasks with lapsed leases to READY.
	ReapExpired(ctx context.Context, now time.Time) (int64, error)

	// Cancel transitions a READY or CLAIMED task to CANCELLED. A running
	// handler is not interrupted; its completion update simply no-ops.
	Cancel(ctx context.Context, tenantID, id uuid.UUID) error

	Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.ScheduledTask, error)
	GetByKey(ctx context.Context, tenantID uuid.UUID, taskKey string) (*domain.ScheduledTask, error)

	// CountByStatus reports queue depth per status, for metrics.
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

type taskRepo struct {
	db DBTX
}

var _ TaskStore = (*taskRepo)(nil)

const taskColumns = `id, tenant_id, task_type, task_key, payload, status, priority,
	attempt_count, max_attempts, run_at, claimed_by, claimed_at,
	lease_expires_at, last_error, completed_at, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*domain.ScheduledTask, error) {
	var t domain.ScheduledTask
	err := row.Scan(
		&t.ID, &t.TenantID, &t.TaskType, &t.TaskKey, &t.Payload, &t.Status,
		&t.Priority, &t.AttemptCount, &t.MaxAttempts, &t.RunAt, &t.ClaimedBy,
		&t.ClaimedAt, &t.LeaseExpiresAt, &t.LastError, &t.CompletedAt,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *taskRepo) Enqueue(ctx context.Context, t *domain.ScheduledTask) (*domain.ScheduledTask, bool, error) {
	const op = "store.tasks.enqueue"

	if t.TenantID == uuid.Nil {
		return nil, false, domain.ErrTenantRequired
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if len(t.Payload) == 0 {
		t.Payload = []byte("{}")
	}
	if t.RunAt.IsZero() {
		t.RunAt = time.Now().UTC()
	}

	// The conflict arm revives finished rows (recurring task keys reuse
	// the same row cycle after cycle) but never touches a CLAIMED one.
	row := r.db.QueryRow(ctx, `
		INSERT INTO scheduled_tasks (
			id, tenant_id, task_type, task_key, payload, status, priority,
			attempt_count, max_attempts, run_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9)
		ON CONFLICT (tenant_id, task_key) DO UPDATE
		SET task_type = EXCLUDED.task_type,
		    payload = EXCLUDED.payload,
		    status = $6,
		    priority = EXCLUDED.priority,
		    attempt_count = 0,
		    max_attempts = EXCLUDED.max_attempts,
		    run_at = EXCLUDED.run_at,
		    claimed_by = '',
		    claimed_at = NULL,
		    lease_expires_at = NULL,
		    last_error = '',
		    completed_at = NULL,
		    updated_at = now()
		WHERE scheduled_tasks.status <> $10
		RETURNING `+taskColumns,
		t.ID, t.TenantID, t.TaskType, t.TaskKey, t.Payload,
		domain.TaskStatusReady, t.Priority, t.MaxAttempts, t.RunAt,
		domain.TaskStatusClaimed,
	)

	stored, err := scanTask(row)
	if err != nil {
		if isNoRows(err) {
			// Conflict with an in-flight row; hand back what is there.
			existing, err := r.GetByKey(ctx, t.TenantID, t.TaskKey)
			if err != nil {
				return nil, false, err
			}
			return existing, false, nil
		}
		return nil, false, domain.Internal(err, op, "failed to enqueue task")
	}
	return stored, true, nil
}

func (r *taskRepo) ClaimBatch(ctx context.Context, workerID string, now time.Time, leaseFor time.Duration, limit int32) ([]domain.ScheduledTask, error) {
	const op = "store.tasks.claim_batch"

	if limit <= 0 {
		return nil, nil
	}

	// Subquery + SKIP LOCKED lets N workers claim concurrently without
	// ever handing the same row to two of them.
	rows, err := r.db.Query(ctx, `
		UPDATE scheduled_tasks
		SET status = $4, claimed_by = $1, claimed_at = $2,
		    lease_expires_at = $3, updated_at = now()
		WHERE id IN (
			SELECT id FROM scheduled_tasks
			WHERE status = $5 AND run_at <= $2
			ORDER BY priority DESC, run_at
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns,
		workerID, now, now.Add(leaseFor),
		domain.TaskStatusClaimed, domain.TaskStatusReady, limit,
	)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to claim tasks")
	}
	defer rows.Close()

	var tasks []domain.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to scan claimed task")
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, op, "failed to read claimed tasks")
	}
	return tasks, nil
}

func (r *taskRepo) Complete(ctx context.Context, id uuid.UUID, workerID string, completedAt time.Time) error {
	const op = "store.tasks.complete"

	tag, err := r.db.Exec(ctx, `
		UPDATE scheduled_tasks
		SET status = $3, completed_at = $4, claimed_by = '', claimed_at = NULL,
		    lease_expires_at = NULL, last_error = '', updated_at = now()
		WHERE id = $1 AND claimed_by = $2 AND status = $5`,
		id, workerID, domain.TaskStatusCompleted, completedAt,
		domain.TaskStatusClaimed,
	)
	if err != nil {
		return domain.Internal(err, op, "failed to complete task")
	}
	if tag.RowsAffected() == 0 {
		return taskClaimError(ctx, r.db, op, id)
	}
	return nil
}

func (r *taskRepo) Fail(ctx context.Context, id uuid.UUID, workerID string, lastError string, retryAt time.Time) (string, int32, error) {
	const op = "store.tasks.fail"

	row := r.db.QueryRow(ctx, `
		UPDATE scheduled_tasks
		SET attempt_count = attempt_count + 1,
		    last_error = $3,
		    status = CASE WHEN attempt_count + 1 >= max_attempts
		                  THEN $5 ELSE $6 END,
		    run_at = CASE WHEN attempt_count + 1 >= max_attempts
		                  THEN run_at ELSE $4 END,
		    claimed_by = '', claimed_at = NULL, lease_expires_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND claimed_by = $2 AND status = $7
		RETURNING status, attempt_count`,
		id, workerID, lastError, retryAt,
		domain.TaskStatusFailed, domain.TaskStatusReady, domain.TaskStatusClaimed,
	)

	var (
		status   string
		attempts int32
	)
	if err := row.Scan(&status, &attempts); err != nil {
		if isNoRows(err) {
			return "", 0, taskClaimError(ctx, r.db, op, id)
		}
		return "", 0, domain.Internal(err, op, "failed to record task failure")
	}
	return status, attempts, nil
}

func (r *taskRepo) FailTerminal(ctx context.Context, id uuid.UUID, workerID string, lastError string) error {
	const op = "store.tasks.fail_terminal"

	tag, err := r.db.Exec(ctx, `
		UPDATE scheduled_tasks
		SET status = $3, attempt_count = attempt_count + 1, last_error = $4,
		    claimed_by = '', claimed_at = NULL, lease_expires_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND claimed_by = $2 AND status = $5`,
		id, workerID, domain.TaskStatusFailed, lastError,
		domain.TaskStatusClaimed,
	)
	if err != nil {
		return domain.Internal(err, op, "failed to fail task")
	}
	if tag.RowsAffected() == 0 {
		return taskClaimError(ctx, r.db, op, id)
	}
	return nil
}

func (r *taskRepo) ExtendLease(ctx context.Context, id uuid.UUID, workerID string, until time.Time) error {
	const op = "store.tasks.extend_lease"

	tag, err := r.db.Exec(ctx, `
		UPDATE scheduled_tasks
		SET lease_expires_at = $3, updated_at = now()
		WHERE id = $1 AND claimed_by = $2 AND status = $4`,
		id, workerID, until, domain.TaskStatusClaimed,
	)
	if err != nil {
		return domain.Internal(err, op, "failed to extend lease")
	}
	if tag.RowsAffected() == 0 {
		return taskClaimError(ctx, r.db, op, id)
	}
	return nil
}

func (r *taskRepo) ReapExpired(ctx context.Context, now time.Time) (int64, error) {
	const op = "store.tasks.reap_expired"

	// A reaped task keeps its attempt count; a crash is not a failure.
	tag, err := r.db.Exec(ctx, `
		UPDATE scheduled_tasks
		SET status = $2, claimed_by = '', claimed_at = NULL,
		    lease_expires_at = NULL, updated_at = now()
		WHERE status = $3 AND lease_expires_at < $1`,
		now, domain.TaskStatusReady, domain.TaskStatusClaimed,
	)
	if err != nil {
		return 0, domain.Internal(err, op, "failed to reap expired leases")
	}
	return tag.RowsAffected(), nil
}

func (r *taskRepo) Cancel(ctx context.Context, tenantID, id uuid.UUID) error {
	const op = "store.tasks.cancel"

	// A CLAIMED task is canceled in place: the running handler finishes
	// but its Complete/Fail no longer matches, so the row stays CANCELLED.
	tag, err := r.db.Exec(ctx, `
		UPDATE scheduled_tasks
		SET status = $3, updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND status IN ($4, $5)`,
		tenantID, id, domain.TaskStatusCancelled,
		domain.TaskStatusReady, domain.TaskStatusClaimed,
	)
	if err != nil {
		return domain.Internal(err, op, "failed to cancel task")
	}
	if tag.RowsAffected() == 0 {
		existing, err := r.Get(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if domain.IsTerminalTaskStatus(existing.Status) {
			return domain.ErrTaskTerminal
		}
		return domain.Conflict(op, "task changed state during cancel")
	}
	return nil
}

func (r *taskRepo) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.ScheduledTask, error) {
	const op = "store.tasks.get"

	row := r.db.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	)

	t, err := scanTask(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NotFound(op, "task", id.String())
		}
		return nil, domain.Internal(err, op, "failed to get task")
	}
	return t, nil
}

func (r *taskRepo) GetByKey(ctx context.Context, tenantID uuid.UUID, taskKey string) (*domain.ScheduledTask, error) {
	const op = "store.tasks.get_by_key"

	row := r.db.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		WHERE tenant_id = $1 AND task_key = $2`,
		tenantID, taskKey,
	)

	t, err := scanTask(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NotFound(op, "task", taskKey)
		}
		return nil, domain.Internal(err, op, "failed to get task by key")
	}
	return t, nil
}

func (r *taskRepo) CountByStatus(ctx context.Context) (map[string]int64, error) {
	const op = "store.tasks.count_by_status"

	rows, err := r.db.Query(ctx, `
		SELECT status, count(*) FROM scheduled_tasks GROUP BY status`)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to count tasks")
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, domain.Internal(err, op, "failed to scan task count")
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, op, "failed to read task counts")
	}
	return counts, nil
}

// taskClaimError explains why a claim-guarded update matched no rows.
func taskClaimError(ctx context.Context, db DBTX, op string, id uuid.UUID) error {
	row := db.QueryRow(ctx, `
		SELECT status FROM scheduled_tasks WHERE id = $1`, id)

	var status string
	if err := row.Scan(&status); err != nil {
		if isNoRows(err) {
			return domain.NotFound(op, "task", id.String())
		}
		return domain.Internal(err, op, "failed to check task status")
	}
	if domain.IsTerminalTaskStatus(status) {
		return domain.ErrTaskTerminal
	}
	return domain.ErrTaskNotClaimed
}

package storetest

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/skuld/internal/domain"
)

// ==============================================================================
// Tasks
// ==============================================================================

type taskRepo struct{ s *Store }

func (r *taskRepo) Enqueue(ctx context.Context, t *domain.ScheduledTask) (*domain.ScheduledTask, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

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
		t.RunAt = r.s.now()
	}

	now := r.s.now()
	existing := r.s.findTaskByKey(t.TenantID, t.TaskKey)
	if existing == nil {
		stored := cloneTask(t)
		stored.Status = domain.TaskStatusReady
		stored.AttemptCount = 0
		stored.CreatedAt = now
		stored.UpdatedAt = now
		r.s.tasks = append(r.s.tasks, stored)
		return cloneTask(stored), true, nil
	}

	// Finished rows are revived in place; a CLAIMED one is left alone so
	// in-flight work is never yanked.
	if existing.Status == domain.TaskStatusClaimed {
		return cloneTask(existing), false, nil
	}
	existing.TaskType = t.TaskType
	existing.Payload = cloneRaw(t.Payload)
	existing.Status = domain.TaskStatusReady
	existing.Priority = t.Priority
	existing.AttemptCount = 0
	existing.MaxAttempts = t.MaxAttempts
	existing.RunAt = t.RunAt
	existing.ClaimedBy = ""
	existing.ClaimedAt = nil
	existing.LeaseExpiresAt = nil
	existing.LastError = ""
	existing.CompletedAt = nil
	existing.UpdatedAt = now
	return cloneTask(existing), true, nil
}

func (r *taskRepo) ClaimBatch(ctx context.Context, workerID string, now time.Time, leaseFor time.Duration, limit int32) ([]domain.ScheduledTask, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}

	var due []*domain.ScheduledTask
	for _, t := range r.s.tasks {
		if t.Status == domain.TaskStatusReady && !t.RunAt.After(now) {
			due = append(due, t)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].RunAt.Before(due[j].RunAt)
	})
	if int32(len(due)) > limit {
		due = due[:limit]
	}

	claimedAt := now
	expires := now.Add(leaseFor)
	var out []domain.ScheduledTask
	for _, t := range due {
		t.Status = domain.TaskStatusClaimed
		t.ClaimedBy = workerID
		at := claimedAt
		t.ClaimedAt = &at
		exp := expires
		t.LeaseExpiresAt = &exp
		t.UpdatedAt = r.s.now()
		out = append(out, *cloneTask(t))
	}
	return out, nil
}

func (r *taskRepo) Complete(ctx context.Context, id uuid.UUID, workerID string, completedAt time.Time) error {
	const op = "storetest.tasks.complete"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t := r.s.findTask(id)
	if t == nil || t.ClaimedBy != workerID || t.Status != domain.TaskStatusClaimed {
		return r.s.taskClaimError(op, id)
	}
	t.Status = domain.TaskStatusCompleted
	at := completedAt
	t.CompletedAt = &at
	t.ClaimedBy = ""
	t.ClaimedAt = nil
	t.LeaseExpiresAt = nil
	t.LastError = ""
	t.UpdatedAt = r.s.now()
	return nil
}

func (r *taskRepo) Fail(ctx context.Context, id uuid.UUID, workerID string, lastError string, retryAt time.Time) (string, int32, error) {
	const op = "storetest.tasks.fail"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t := r.s.findTask(id)
	if t == nil || t.ClaimedBy != workerID || t.Status != domain.TaskStatusClaimed {
		return "", 0, r.s.taskClaimError(op, id)
	}
	t.AttemptCount++
	t.LastError = lastError
	if t.AttemptCount >= t.MaxAttempts {
		t.Status = domain.TaskStatusFailed
	} else {
		t.Status = domain.TaskStatusReady
		t.RunAt = retryAt
	}
	t.ClaimedBy = ""
	t.ClaimedAt = nil
	t.LeaseExpiresAt = nil
	t.UpdatedAt = r.s.now()
	return t.Status, t.AttemptCount, nil
}

func (r *taskRepo) FailTerminal(ctx context.Context, id uuid.UUID, workerID string, lastError string) error {
	const op = "storetest.tasks.fail_terminal"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t := r.s.findTask(id)
	if t == nil || t.ClaimedBy != workerID || t.Status != domain.TaskStatusClaimed {
		return r.s.taskClaimError(op, id)
	}
	t.Status = domain.TaskStatusFailed
	t.AttemptCount++
	t.LastError = lastError
	t.ClaimedBy = ""
	t.ClaimedAt = nil
	t.LeaseExpiresAt = nil
	t.UpdatedAt = r.s.now()
	return nil
}

func (r *taskRepo) ExtendLease(ctx context.Context, id uuid.UUID, workerID string, until time.Time) error {
	const op = "storetest.tasks.extend_lease"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t := r.s.findTask(id)
	if t == nil || t.ClaimedBy != workerID || t.Status != domain.TaskStatusClaimed {
		return r.s.taskClaimError(op, id)
	}
	u := until
	t.LeaseExpiresAt = &u
	t.UpdatedAt = r.s.now()
	return nil
}

func (r *taskRepo) ReapExpired(ctx context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var reaped int64
	for _, t := range r.s.tasks {
		if t.Status != domain.TaskStatusClaimed || t.LeaseExpiresAt == nil || !t.LeaseExpiresAt.Before(now) {
			continue
		}
		// Attempt count is untouched; a crash is not a failure.
		t.Status = domain.TaskStatusReady
		t.ClaimedBy = ""
		t.ClaimedAt = nil
		t.LeaseExpiresAt = nil
		t.UpdatedAt = r.s.now()
		reaped++
	}
	return reaped, nil
}

func (r *taskRepo) Cancel(ctx context.Context, tenantID, id uuid.UUID) error {
	const op = "storetest.tasks.cancel"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t := r.s.findTaskScoped(tenantID, id)
	if t == nil {
		return domain.NotFound(op, "task", id.String())
	}
	if t.Status != domain.TaskStatusReady && t.Status != domain.TaskStatusClaimed {
		if domain.IsTerminalTaskStatus(t.Status) {
			return domain.ErrTaskTerminal
		}
		return domain.Conflict(op, "task changed state during cancel")
	}
	t.Status = domain.TaskStatusCancelled
	t.UpdatedAt = r.s.now()
	return nil
}

func (r *taskRepo) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.ScheduledTask, error) {
	const op = "storetest.tasks.get"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if t := r.s.findTaskScoped(tenantID, id); t != nil {
		return cloneTask(t), nil
	}
	return nil, domain.NotFound(op, "task", id.String())
}

func (r *taskRepo) GetByKey(ctx context.Context, tenantID uuid.UUID, taskKey string) (*domain.ScheduledTask, error) {
	const op = "storetest.tasks.get_by_key"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if t := r.s.findTaskByKey(tenantID, taskKey); t != nil {
		return cloneTask(t), nil
	}
	return nil, domain.NotFound(op, "task", taskKey)
}

func (r *taskRepo) CountByStatus(ctx context.Context) (map[string]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	counts := make(map[string]int64)
	for _, t := range r.s.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (s *Store) findTask(id uuid.UUID) *domain.ScheduledTask {
	for _, t := range s.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (s *Store) findTaskScoped(tenantID, id uuid.UUID) *domain.ScheduledTask {
	for _, t := range s.tasks {
		if t.TenantID == tenantID && t.ID == id {
			return t
		}
	}
	return nil
}

func (s *Store) findTaskByKey(tenantID uuid.UUID, taskKey string) *domain.ScheduledTask {
	for _, t := range s.tasks {
		if t.TenantID == tenantID && t.TaskKey == taskKey {
			return t
		}
	}
	return nil
}

// taskClaimError mirrors the SQL layer's mapping for a guarded task update
// that matched no rows.
func (s *Store) taskClaimError(op string, id uuid.UUID) error {
	t := s.findTask(id)
	if t == nil {
		return domain.NotFound(op, "task", id.String())
	}
	if domain.IsTerminalTaskStatus(t.Status) {
		return domain.ErrTaskTerminal
	}
	return domain.ErrTaskNotClaimed
}

// ==============================================================================
// Outbox
// ==============================================================================

type outboxRepo struct{ s *Store }

func (r *outboxRepo) Insert(ctx context.Context, ev *domain.OutboxEvent) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

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
		ev.OccurredAt = r.s.now()
	}

	if ev.DedupeKey != "" {
		for _, existing := range r.s.events {
			if existing.TenantID == ev.TenantID && existing.DedupeKey == ev.DedupeKey {
				return false, nil
			}
		}
	}
	ev.CreatedAt = r.s.now()
	r.s.events = append(r.s.events, cloneEvent(ev))
	return true, nil
}

func (r *outboxRepo) ListPendingForUpdate(ctx context.Context, limit int32) ([]domain.OutboxEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}

	var pending []*domain.OutboxEvent
	for _, ev := range r.s.events {
		if ev.Status == domain.OutboxStatusPending {
			pending = append(pending, ev)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].OccurredAt.Before(pending[j].OccurredAt)
	})
	if int32(len(pending)) > limit {
		pending = pending[:limit]
	}

	var out []domain.OutboxEvent
	for _, ev := range pending {
		out = append(out, *cloneEvent(ev))
	}
	return out, nil
}

func (r *outboxRepo) MarkFanned(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	return r.s.markEvents(ids, domain.OutboxStatusFanned, at)
}

func (r *outboxRepo) MarkDiscarded(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	return r.s.markEvents(ids, domain.OutboxStatusDiscarded, at)
}

func (s *Store) markEvents(ids []uuid.UUID, status string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	marked := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		marked[id] = true
	}
	for _, ev := range s.events {
		if marked[ev.ID] && ev.Status == domain.OutboxStatusPending {
			ev.Status = status
			t := at
			ev.FannedAt = &t
		}
	}
	return nil
}

func (r *outboxRepo) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.OutboxEvent, error) {
	const op = "storetest.outbox.get"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, ev := range r.s.events {
		if ev.TenantID == tenantID && ev.ID == id {
			return cloneEvent(ev), nil
		}
	}
	return nil, domain.NotFound(op, "outbox event", id.String())
}

// ==============================================================================
// Webhooks
// ==============================================================================

type webhookRepo struct{ s *Store }

func (r *webhookRepo) CreateEndpoint(ctx context.Context, e *domain.WebhookEndpoint) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

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

	now := r.s.now()
	e.CreatedAt = now
	e.UpdatedAt = now
	r.s.endpoints = append(r.s.endpoints, cloneEndpoint(e))
	return nil
}

func (r *webhookRepo) GetEndpoint(ctx context.Context, tenantID, id uuid.UUID) (*domain.WebhookEndpoint, error) {
	const op = "storetest.webhooks.get_endpoint"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, e := range r.s.endpoints {
		if e.TenantID == tenantID && e.ID == id {
			return cloneEndpoint(e), nil
		}
	}
	return nil, domain.NotFound(op, "webhook endpoint", id.String())
}

func (r *webhookRepo) ListEndpoints(ctx context.Context, tenantID uuid.UUID) ([]domain.WebhookEndpoint, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []domain.WebhookEndpoint
	for _, e := range r.s.endpoints {
		if e.TenantID == tenantID {
			out = append(out, *cloneEndpoint(e))
		}
	}
	return out, nil
}

func (r *webhookRepo) ListActiveEndpoints(ctx context.Context, tenantID uuid.UUID) ([]domain.WebhookEndpoint, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []domain.WebhookEndpoint
	for _, e := range r.s.endpoints {
		if e.TenantID == tenantID && e.Status == domain.EndpointStatusActive {
			out = append(out, *cloneEndpoint(e))
		}
	}
	return out, nil
}

func (r *webhookRepo) UpdateEndpoint(ctx context.Context, e *domain.WebhookEndpoint) error {
	const op = "storetest.webhooks.update_endpoint"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if e.EventTypes == nil {
		e.EventTypes = []string{}
	}
	for _, stored := range r.s.endpoints {
		if stored.TenantID == e.TenantID && stored.ID == e.ID {
			stored.URL = e.URL
			stored.Secret = e.Secret
			stored.EventTypes = cloneStrings(e.EventTypes)
			stored.Status = e.Status
			stored.UpdatedAt = r.s.now()
			return nil
		}
	}
	return domain.NotFound(op, "webhook endpoint", e.ID.String())
}

func (r *webhookRepo) DeleteEndpoint(ctx context.Context, tenantID, id uuid.UUID) error {
	const op = "storetest.webhooks.delete_endpoint"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for i, e := range r.s.endpoints {
		if e.TenantID == tenantID && e.ID == id {
			r.s.endpoints = append(r.s.endpoints[:i], r.s.endpoints[i+1:]...)
			return nil
		}
	}
	return domain.NotFound(op, "webhook endpoint", id.String())
}

func (r *webhookRepo) InsertDelivery(ctx context.Context, d *domain.WebhookDelivery) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

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
		d.NextAttemptAt = r.s.now()
	}

	for _, existing := range r.s.sends {
		if existing.EndpointID == d.EndpointID && existing.EventID == d.EventID {
			return false, nil
		}
	}

	now := r.s.now()
	d.CreatedAt = now
	d.UpdatedAt = now
	r.s.sends = append(r.s.sends, cloneSend(d))
	return true, nil
}

func (r *webhookRepo) ListDueDeliveries(ctx context.Context, now time.Time, limit int32) ([]domain.WebhookDelivery, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var due []*domain.WebhookDelivery
	for _, d := range r.s.sends {
		if d.Status == domain.WebhookStatusPending && !d.NextAttemptAt.After(now) {
			due = append(due, d)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && int32(len(due)) > limit {
		due = due[:limit]
	}

	var out []domain.WebhookDelivery
	for _, d := range due {
		out = append(out, *cloneSend(d))
	}
	return out, nil
}

func (r *webhookRepo) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time, httpStatus int32) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, d := range r.s.sends {
		if d.ID != id {
			continue
		}
		// Guarded on PENDING so a concurrent relay's duplicate send is a
		// no-op.
		if d.Status != domain.WebhookStatusPending {
			return nil
		}
		d.Status = domain.WebhookStatusDelivered
		d.AttemptCount++
		d.LastStatus = httpStatus
		d.LastError = ""
		t := at
		d.DeliveredAt = &t
		d.UpdatedAt = r.s.now()
		return nil
	}
	return nil
}

func (r *webhookRepo) RecordFailure(ctx context.Context, id uuid.UUID, httpStatus int32, lastError string, retryAt time.Time) (string, int32, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, d := range r.s.sends {
		if d.ID != id {
			continue
		}
		if d.Status != domain.WebhookStatusPending {
			// Already finalized by a concurrent relay.
			return "", 0, nil
		}
		d.AttemptCount++
		d.LastStatus = httpStatus
		d.LastError = lastError
		if d.AttemptCount >= d.MaxAttempts {
			d.Status = domain.WebhookStatusFailed
		} else {
			d.NextAttemptAt = retryAt
		}
		d.UpdatedAt = r.s.now()
		return d.Status, d.AttemptCount, nil
	}
	return "", 0, nil
}

func (r *webhookRepo) GetDelivery(ctx context.Context, tenantID, id uuid.UUID) (*domain.WebhookDelivery, error) {
	const op = "storetest.webhooks.get_delivery"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, d := range r.s.sends {
		if d.TenantID == tenantID && d.ID == id {
			return cloneSend(d), nil
		}
	}
	return nil, domain.NotFound(op, "webhook delivery", id.String())
}

func (r *webhookRepo) ListDeliveriesByEvent(ctx context.Context, tenantID, eventID uuid.UUID) ([]domain.WebhookDelivery, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []domain.WebhookDelivery
	for _, d := range r.s.sends {
		if d.TenantID == tenantID && d.EventID == eventID {
			out = append(out, *cloneSend(d))
		}
	}
	return out, nil
}

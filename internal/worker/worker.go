// Package worker runs the task dispatcher: it claims due tasks from the
// database queue, executes the registered handler for each under the
// task's tenant context, and settles the outcome.
//
// Error codes decide what happens to a failed task. EUNAVAILABLE,
// EINTERNAL, and EPAYMENT are retryable: the task returns to READY with
// an exponential-backoff run_at until its attempt budget runs out.
// Everything else (EINVALID, ENOTFOUND, ECONFLICT, EUNAUTHORIZED,
// EFORBIDDEN, EGONE) can never succeed by waiting, so the task fails
// terminally on the first occurrence. A panicking handler counts as
// EINTERNAL.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/dukerupert/skuld/internal/domain"
	"github.com/dukerupert/skuld/internal/service"
	"github.com/dukerupert/skuld/internal/store"
	"github.com/dukerupert/skuld/internal/task"
	"github.com/dukerupert/skuld/internal/telemetry"
)

// Config holds dispatcher configuration.
type Config struct {
	// WorkerID uniquely identifies this dispatcher instance in claims.
	WorkerID string

	// PollInterval is how often to check for due tasks when the last
	// poll did not fill the batch.
	PollInterval time.Duration

	// LeaseFor is how long a claim is honored before the reaper may hand
	// the task to another worker.
	LeaseFor time.Duration

	// BatchSize caps how many tasks one poll claims.
	BatchSize int32

	// Concurrency caps how many handlers run at once.
	Concurrency int

	// ReapInterval is how often expired leases are returned to READY.
	ReapInterval time.Duration

	// Backoff is the retry policy for failed attempts.
	Backoff task.Backoff
}

func (c *Config) applyDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = fmt.Sprintf("engine-%s", uuid.New().String()[:8])
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.LeaseFor <= 0 {
		c.LeaseFor = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = task.DefaultBackoff
	}
}

// Dispatcher claims and executes scheduled tasks.
type Dispatcher struct {
	cfg      Config
	store    store.Store
	handlers map[string]service.TaskHandler
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher over the given handler registry.
func NewDispatcher(st store.Store, handlers map[string]service.TaskHandler, cfg Config, logger *slog.Logger) *Dispatcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    st,
		handlers: handlers,
		logger:   logger.With("component", "dispatcher", "worker_id", cfg.WorkerID),
	}
}

// Run polls and executes tasks until ctx is canceled, then waits for
// in-flight handlers to finish. A full batch polls again immediately to
// drain a backlog; database errors back the polling off exponentially so
// an outage is not hammered.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher starting",
		"poll_interval", d.cfg.PollInterval,
		"lease_for", d.cfg.LeaseFor,
		"batch_size", d.cfg.BatchSize,
		"concurrency", d.cfg.Concurrency)

	pollBackoff := backoff.NewExponentialBackOff()
	pollBackoff.InitialInterval = d.cfg.PollInterval
	pollBackoff.MaxInterval = time.Minute
	pollBackoff.MaxElapsedTime = 0

	reapTicker := time.NewTicker(d.cfg.ReapInterval)
	defer reapTicker.Stop()

	pollTimer := time.NewTimer(0)
	defer pollTimer.Stop()

	sem := make(chan struct{}, d.cfg.Concurrency)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher shutting down, waiting for in-flight tasks")
			wg.Wait()
			d.logger.Info("dispatcher stopped")
			return ctx.Err()

		case <-reapTicker.C:
			d.reap(ctx)

		case <-pollTimer.C:
			claimed, err := d.poll(ctx, sem, &wg)
			switch {
			case err != nil:
				wait := pollBackoff.NextBackOff()
				d.logger.Error("failed to claim tasks", "error", err, "retry_in", wait)
				pollTimer.Reset(wait)
			case claimed == int(d.cfg.BatchSize):
				pollBackoff.Reset()
				pollTimer.Reset(0)
			default:
				pollBackoff.Reset()
				pollTimer.Reset(d.cfg.PollInterval)
			}
		}
	}
}

// poll claims up to the free concurrency slots and starts a goroutine per
// claimed task.
func (d *Dispatcher) poll(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) (int, error) {
	free := int32(cap(sem) - len(sem))
	if free <= 0 {
		return 0, nil
	}
	limit := d.cfg.BatchSize
	if free < limit {
		limit = free
	}

	tasks, err := d.store.Tasks().ClaimBatch(ctx, d.cfg.WorkerID, time.Now().UTC(), d.cfg.LeaseFor, limit)
	if err != nil {
		return 0, err
	}
	if m := telemetry.Engine; m != nil && len(tasks) > 0 {
		m.TasksClaimed.Add(float64(len(tasks)))
	}

	for _, t := range tasks {
		t := t
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			d.runTask(ctx, &t)
		}()
	}
	return len(tasks), nil
}

// runTask executes one claimed task under its tenant context and settles
// the outcome. The handler is bounded by the lease; a heartbeat extends
// the lease while the handler runs and cancels it if the claim is lost.
func (d *Dispatcher) runTask(ctx context.Context, t *domain.ScheduledTask) {
	start := time.Now()

	taskCtx, cancel := context.WithDeadline(ctx, start.Add(d.cfg.LeaseFor))
	defer cancel()
	taskCtx = domain.NewContextWithTenantID(taskCtx, t.TenantID)

	stopHeartbeat := d.startHeartbeat(taskCtx, cancel, t)
	err := d.execute(taskCtx, t)
	stopHeartbeat()

	// Settlement uses a detached context: at shutdown the run context is
	// already canceled, and a finished task should still be recorded
	// rather than re-run off an expired lease.
	settleCtx, settleCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer settleCancel()
	d.settle(settleCtx, t, err, time.Since(start))
}

// execute resolves and invokes the handler. A panic is converted into a
// retryable internal error.
func (d *Dispatcher) execute(ctx context.Context, t *domain.ScheduledTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				"task_id", t.ID, "task_type", t.TaskType,
				"panic", r, "stack", string(debug.Stack()))
			err = domain.Errorf(domain.EINTERNAL, "worker.execute", "handler panic: %v", r)
		}
	}()

	h, ok := d.handlers[t.TaskType]
	if !ok {
		return domain.ErrUnknownTaskType
	}
	return h(ctx, t)
}

// settle records the task outcome.
func (d *Dispatcher) settle(ctx context.Context, t *domain.ScheduledTask, herr error, took time.Duration) {
	m := telemetry.Engine
	if m != nil {
		m.TaskDuration.WithLabelValues(t.TaskType).Observe(took.Seconds())
	}

	now := time.Now().UTC()
	log := d.logger.With("task_id", t.ID, "task_type", t.TaskType, "task_key", t.TaskKey)

	switch {
	case herr == nil:
		if err := d.store.Tasks().Complete(ctx, t.ID, d.cfg.WorkerID, now); err != nil {
			// Lost claim: the lease lapsed or the task was canceled
			// mid-run. The work itself is idempotent, so a re-run is
			// safe; nothing to do but log.
			log.Warn("failed to record completion", "error", err)
			return
		}
		if m != nil {
			m.TasksCompleted.WithLabelValues(t.TaskType).Inc()
		}
		log.Info("task completed", "duration", took)

	case isTerminal(herr):
		if err := d.store.Tasks().FailTerminal(ctx, t.ID, d.cfg.WorkerID, herr.Error()); err != nil {
			log.Warn("failed to record terminal failure", "error", err)
			return
		}
		if m != nil {
			m.TasksExhausted.WithLabelValues(t.TaskType).Inc()
		}
		log.Error("task failed terminally", "error", herr)

	default:
		retryAt := d.cfg.Backoff.RetryAt(now, t.AttemptCount+1)
		status, attempts, err := d.store.Tasks().Fail(ctx, t.ID, d.cfg.WorkerID, herr.Error(), retryAt)
		if err != nil {
			log.Warn("failed to record failure", "error", err)
			return
		}
		if status == domain.TaskStatusFailed {
			if m != nil {
				m.TasksExhausted.WithLabelValues(t.TaskType).Inc()
			}
			log.Error("task exhausted attempts", "attempts", attempts, "error", herr)
			return
		}
		if m != nil {
			m.TasksRetried.WithLabelValues(t.TaskType).Inc()
		}
		log.Warn("task failed, will retry",
			"attempts", attempts, "retry_at", retryAt, "error", herr)
	}
}

// startHeartbeat extends the lease at a third of its duration while the
// handler runs. Losing the claim cancels the task context so the handler
// stops burning work another worker now owns.
func (d *Dispatcher) startHeartbeat(ctx context.Context, cancel context.CancelFunc, t *domain.ScheduledTask) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		ticker := time.NewTicker(d.cfg.LeaseFor / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				until := time.Now().UTC().Add(d.cfg.LeaseFor)
				if err := d.store.Tasks().ExtendLease(ctx, t.ID, d.cfg.WorkerID, until); err != nil {
					d.logger.Warn("lost task lease",
						"task_id", t.ID, "task_type", t.TaskType, "error", err)
					cancel()
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}

// reap returns expired leases to READY and refreshes the queue depth
// gauge.
func (d *Dispatcher) reap(ctx context.Context) {
	n, err := d.store.Tasks().ReapExpired(ctx, time.Now().UTC())
	if err != nil {
		d.logger.Error("failed to reap expired leases", "error", err)
		return
	}
	m := telemetry.Engine
	if n > 0 {
		if m != nil {
			m.TasksReaped.Add(float64(n))
		}
		d.logger.Warn("reaped expired leases", "count", n)
	}

	if m != nil {
		counts, err := d.store.Tasks().CountByStatus(ctx)
		if err != nil {
			return
		}
		for status, count := range counts {
			m.QueueDepth.WithLabelValues(status).Set(float64(count))
		}
	}
}

// isTerminal reports whether a handler error can never succeed on retry.
func isTerminal(err error) bool {
	if domain.IsValidationError(err) {
		return true
	}
	switch domain.ErrorCode(err) {
	case domain.EINVALID, domain.ENOTFOUND, domain.ECONFLICT,
		domain.EUNAUTHORIZED, domain.EFORBIDDEN, domain.EGONE:
		return true
	}
	return false
}

// Package sweeper runs the periodic scans that keep the subscription
// fleet moving: due renewals become tasks, closed trials get converted,
// deferred cancellations are finalized, and subscriptions whose period
// lapsed without collection are expired.
//
// Every scan is cheap to repeat. Enqueues converge on task keys and the
// lifecycle calls no-op on already-settled subscriptions, so overlapping
// or replayed sweeps do no harm.
package sweeper

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dukerupert/skuld/internal/domain"
	"github.com/dukerupert/skuld/internal/service"
	"github.com/dukerupert/skuld/internal/store"
	"github.com/dukerupert/skuld/internal/task"
	"github.com/dukerupert/skuld/internal/telemetry"
)

// Config holds sweeper configuration.
type Config struct {
	// Schedule is the interval between sweeps, used when job_config does
	// not override it.
	Schedule time.Duration

	// BatchSize caps how many subscriptions each scan pulls per run.
	BatchSize int32

	// ExpiryGrace is how long past its period end a subscription may sit
	// unrenewed before the sweep expires it. Healthy renewals land within
	// minutes; the grace keeps a provider outage from expiring customers.
	ExpiryGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.Schedule <= 0 {
		c.Schedule = time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.ExpiryGrace <= 0 {
		c.ExpiryGrace = 72 * time.Hour
	}
}

// Sweeper scans for due lifecycle work.
type Sweeper struct {
	cfg           Config
	store         store.Store
	subscriptions service.SubscriptionService
	logger        *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Sweeper.
func New(st store.Store, subscriptions service.SubscriptionService, cfg Config, logger *slog.Logger) *Sweeper {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cfg:           cfg,
		store:         st,
		subscriptions: subscriptions,
		logger:        logger.With("component", "sweeper"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps immediately, then on the configured interval until ctx is
// canceled. The interval is re-read from job_config before each wait, so
// operators can retune a running engine.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("sweeper starting", "schedule", s.cfg.Schedule, "batch_size", s.cfg.BatchSize)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return ctx.Err()
		case <-timer.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
			timer.Reset(s.interval(ctx))
		}
	}
}

// interval returns the configured sweep interval, preferring a valid
// job_config override.
func (s *Sweeper) interval(ctx context.Context) time.Duration {
	raw, err := s.store.JobConfig().Get(ctx, store.JobConfigSweeperSchedule)
	if err != nil {
		if !domain.IsCode(err, domain.ENOTFOUND) {
			s.logger.Warn("failed to read sweep schedule", "error", err)
		}
		return s.cfg.Schedule
	}
	var expr string
	if err := json.Unmarshal(raw, &expr); err != nil {
		s.logger.Warn("sweep schedule is not a JSON string", "error", err)
		return s.cfg.Schedule
	}
	d, err := ParseSchedule(expr)
	if err != nil {
		s.logger.Warn("invalid sweep schedule, keeping default",
			"schedule", expr, "error", err)
		return s.cfg.Schedule
	}
	return d
}

// RunOnce performs one full sweep.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	start := s.now()
	m := telemetry.Engine
	if m != nil {
		m.SweepRuns.Inc()
		defer func() {
			m.SweepDuration.Observe(time.Since(start).Seconds())
		}()
	}

	var errs int
	found, queued := s.sweepRenewals(ctx, start, &errs)
	f, q := s.sweepTrials(ctx, start, &errs)
	found, queued = found+f, queued+q
	found += s.sweepDeferredCancels(ctx, start, &errs)
	found += s.sweepLapsed(ctx, start, &errs)
	s.sweepEntitlements(ctx, start, &errs)

	if m != nil {
		m.SweepFound.Add(float64(found))
		m.SweepTasksQueued.Add(float64(queued))
		m.SweepErrors.Add(float64(errs))
	}
	s.logger.Info("sweep complete",
		"found", found, "queued", queued, "errors", errs,
		"duration", time.Since(start))
	return nil
}

// sweepRenewals enqueues one PRODUCT_RENEWAL per item of every
// subscription whose renewal time has passed. The per-product task keys
// collapse repeat sweeps onto the same rows.
func (s *Sweeper) sweepRenewals(ctx context.Context, now time.Time, errs *int) (found, queued int) {
	subs, err := s.store.Subscriptions().ListRenewalsDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to list due renewals", "error", err)
		*errs++
		return 0, 0
	}
	for _, sub := range subs {
		found++
		items, err := s.store.Subscriptions().GetItems(ctx, sub.TenantID, sub.ID)
		if err != nil {
			s.logger.Error("failed to load items for renewal",
				"subscription_id", sub.ID, "error", err)
			*errs++
			continue
		}
		if len(items) == 0 {
			s.logger.Warn("due subscription has no items", "subscription_id", sub.ID)
			continue
		}
		for _, item := range items {
			enqueued, err := task.EnqueueProductRenewal(ctx, s.store.Tasks(), sub.TenantID,
				task.ProductRenewalPayload{
					SubscriptionID: sub.ID,
					ItemID:         item.ID,
					ProductID:      item.ProductID,
					PlanID:         sub.PlanID,
				}, task.Options{})
			if err != nil {
				s.logger.Error("failed to enqueue renewal",
					"subscription_id", sub.ID, "product_id", item.ProductID, "error", err)
				*errs++
				continue
			}
			if enqueued {
				queued++
			}
		}
	}
	if found > 0 {
		s.logger.Info("renewals swept", "found", found, "queued", queued)
	}
	return found, queued
}

// sweepTrials enqueues TRIAL_END for trials whose window closed. Creation
// already schedules this task; the sweep is the safety net for rows that
// predate it or lost theirs.
func (s *Sweeper) sweepTrials(ctx context.Context, now time.Time, errs *int) (found, queued int) {
	subs, err := s.store.Subscriptions().ListTrialsEnding(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to list ending trials", "error", err)
		*errs++
		return 0, 0
	}
	for _, sub := range subs {
		found++
		enqueued, err := task.EnqueueTrialEnd(ctx, s.store.Tasks(), sub.TenantID,
			task.TrialEndPayload{SubscriptionID: sub.ID}, task.Options{})
		if err != nil {
			s.logger.Error("failed to enqueue trial end",
				"subscription_id", sub.ID, "error", err)
			*errs++
			continue
		}
		if enqueued {
			queued++
		}
	}
	return found, queued
}

// sweepDeferredCancels finalizes cancel-at-period-end subscriptions whose
// paid-through period has ended.
func (s *Sweeper) sweepDeferredCancels(ctx context.Context, now time.Time, errs *int) (found int) {
	subs, err := s.store.Subscriptions().ListPeriodEndReached(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to list deferred cancellations", "error", err)
		*errs++
		return 0
	}
	for _, sub := range subs {
		found++
		tenantCtx := domain.NewContextWithTenantID(ctx, sub.TenantID)
		if err := s.subscriptions.FinalizeCancellation(tenantCtx, sub.ID); err != nil {
			s.logger.Error("failed to finalize cancellation",
				"subscription_id", sub.ID, "error", err)
			*errs++
		}
	}
	return found
}

// sweepLapsed expires subscriptions whose period ended longer than the
// grace ago without a renewal advancing it.
func (s *Sweeper) sweepLapsed(ctx context.Context, now time.Time, errs *int) (found int) {
	cutoff := now.Add(-s.cfg.ExpiryGrace)
	subs, err := s.store.Subscriptions().ListPeriodLapsed(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to list lapsed subscriptions", "error", err)
		*errs++
		return 0
	}
	for _, sub := range subs {
		found++
		tenantCtx := domain.NewContextWithTenantID(ctx, sub.TenantID)
		if err := s.subscriptions.Expire(tenantCtx, sub.ID); err != nil {
			s.logger.Error("failed to expire subscription",
				"subscription_id", sub.ID, "error", err)
			*errs++
		}
	}
	if found > 0 {
		s.logger.Warn("lapsed subscriptions expired", "count", found, "cutoff", cutoff)
	}
	return found
}

// sweepEntitlements flips ACTIVE entitlements whose valid_until passed to
// EXPIRED.
func (s *Sweeper) sweepEntitlements(ctx context.Context, now time.Time, errs *int) {
	n, err := s.store.Entitlements().ExpireLapsed(ctx, now)
	if err != nil {
		s.logger.Error("failed to expire lapsed entitlements", "error", err)
		*errs++
		return
	}
	if n > 0 {
		s.logger.Info("entitlements expired", "count", n)
	}
}

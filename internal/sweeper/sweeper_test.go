package sweeper

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/skuld/internal/domain"
	"github.com/dukerupert/skuld/internal/outbox"
	"github.com/dukerupert/skuld/internal/service"
	"github.com/dukerupert/skuld/internal/store"
	"github.com/dukerupert/skuld/internal/store/storetest"
	"github.com/dukerupert/skuld/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sweepFixture struct {
	ctx     context.Context
	store   *storetest.Store
	sweeper *Sweeper
	tenant  *domain.Tenant
	cust    *domain.Customer
	plan    *domain.Plan
}

func newSweepFixture(t *testing.T, cfg Config) *sweepFixture {
	t.Helper()

	st := storetest.New()
	ctx := context.Background()

	tenant := &domain.Tenant{Name: "Acme Roasters", Slug: "acme"}
	require.NoError(t, st.Tenants().Create(ctx, tenant))

	cust := &domain.Customer{TenantID: tenant.ID, Email: "ada@example.com"}
	require.NoError(t, st.Customers().Create(ctx, cust))

	plan := &domain.Plan{
		TenantID:             tenant.ID,
		Code:                 "coffee-monthly",
		Name:                 "Coffee Monthly",
		BasePriceCents:       2500,
		Currency:             "usd",
		BillingInterval:      domain.BillingIntervalMonthly,
		BillingIntervalCount: 1,
		PlanType:             domain.PlanTypeDigital,
		EntitlementKey:       "roastery.member",
	}
	require.NoError(t, st.Plans().Create(ctx, plan))

	subs := service.NewSubscriptionService(st, nil, testLogger())
	return &sweepFixture{
		ctx:     ctx,
		store:   st,
		sweeper: New(st, subs, cfg, testLogger()),
		tenant:  tenant,
		cust:    cust,
		plan:    plan,
	}
}

// seedSubscription writes a subscription whose period ended an hour ago,
// the shape the renewal sweep looks for. Mutate to produce the other
// sweep shapes.
func (f *sweepFixture) seedSubscription(t *testing.T, mutate func(*domain.Subscription)) *domain.Subscription {
	t.Helper()

	now := time.Now().UTC()
	start := now.AddDate(0, -1, 0)
	sub := &domain.Subscription{
		TenantID:           f.tenant.ID,
		CustomerID:         f.cust.ID,
		PlanID:             f.plan.ID,
		Status:             domain.SubscriptionStatusActive,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   now.Add(-time.Hour),
		NextRenewalAt:      now.Add(-time.Hour),
		PaymentMethodRef:   "pm_card_visa",
		PlanSnapshot:       domain.SnapshotPlan(f.plan, start),
	}
	if mutate != nil {
		mutate(sub)
	}
	items := []domain.SubscriptionItem{{
		ProductID:      f.plan.ID,
		ProductName:    f.plan.Name,
		Quantity:       1,
		UnitPriceCents: f.plan.BasePriceCents,
		Currency:       f.plan.Currency,
	}}
	require.NoError(t, f.store.Subscriptions().Create(f.ctx, sub, items))
	return sub
}

func (f *sweepFixture) tasksOfType(taskType string) []domain.ScheduledTask {
	var out []domain.ScheduledTask
	for _, tk := range f.store.AllTasks() {
		if tk.TaskType == taskType {
			out = append(out, tk)
		}
	}
	return out
}

func (f *sweepFixture) reload(t *testing.T, id uuid.UUID) *domain.Subscription {
	t.Helper()
	sub, err := f.store.Subscriptions().Get(f.ctx, f.tenant.ID, id)
	require.NoError(t, err)
	return sub
}

func TestSweeper_RunOnce_EnqueuesDueRenewals(t *testing.T) {
	f := newSweepFixture(t, Config{})

	due := f.seedSubscription(t, nil)
	f.seedSubscription(t, func(s *domain.Subscription) {
		s.NextRenewalAt = time.Now().UTC().Add(24 * time.Hour)
	})
	f.seedSubscription(t, func(s *domain.Subscription) {
		s.CancelAtPeriodEnd = true
		s.CurrentPeriodEnd = time.Now().UTC().Add(24 * time.Hour)
	})
	f.seedSubscription(t, func(s *domain.Subscription) {
		s.Status = domain.SubscriptionStatusPaused
	})

	require.NoError(t, f.sweeper.RunOnce(f.ctx))

	tasks := f.tasksOfType(domain.TaskTypeProductRenewal)
	require.Len(t, tasks, 1)
	assert.Equal(t, f.tenant.ID, tasks[0].TenantID)
	assert.Equal(t, task.ProductRenewalKey(due.ID, f.plan.ID), tasks[0].TaskKey)
	assert.Equal(t, domain.TaskStatusReady, tasks[0].Status)
	assert.Equal(t, task.PriorityRenewal, tasks[0].Priority)

	// Repeat sweeps converge on the task key.
	require.NoError(t, f.sweeper.RunOnce(f.ctx))
	assert.Len(t, f.tasksOfType(domain.TaskTypeProductRenewal), 1)
}

func TestSweeper_RunOnce_EnqueuesTrialEnds(t *testing.T) {
	f := newSweepFixture(t, Config{})

	ended := f.seedSubscription(t, func(s *domain.Subscription) {
		s.Status = domain.SubscriptionStatusTrialing
		trialEnd := time.Now().UTC().Add(-time.Hour)
		s.TrialEnd = &trialEnd
		s.NextRenewalAt = trialEnd
	})
	f.seedSubscription(t, func(s *domain.Subscription) {
		s.Status = domain.SubscriptionStatusTrialing
		trialEnd := time.Now().UTC().Add(24 * time.Hour)
		s.TrialEnd = &trialEnd
		s.NextRenewalAt = trialEnd
		s.CurrentPeriodEnd = trialEnd
	})

	require.NoError(t, f.sweeper.RunOnce(f.ctx))

	tasks := f.tasksOfType(domain.TaskTypeTrialEnd)
	require.Len(t, tasks, 1)
	assert.Equal(t, task.TrialEndKey(ended.ID), tasks[0].TaskKey)

	// Trialing rows never surface in the renewal sweep.
	assert.Empty(t, f.tasksOfType(domain.TaskTypeProductRenewal))
}

func TestSweeper_RunOnce_FinalizesDeferredCancellations(t *testing.T) {
	f := newSweepFixture(t, Config{})

	sub := f.seedSubscription(t, func(s *domain.Subscription) {
		s.CancelAtPeriodEnd = true
	})

	require.NoError(t, f.sweeper.RunOnce(f.ctx))

	got := f.reload(t, sub.ID)
	assert.Equal(t, domain.SubscriptionStatusCanceled, got.Status)
	require.NotNil(t, got.CanceledAt)

	canceled := 0
	for _, ev := range f.store.AllEvents() {
		if ev.EventType == outbox.EventSubscriptionCanceled {
			canceled++
		}
	}
	assert.Equal(t, 1, canceled)

	// A settled subscription drops out of the scan.
	require.NoError(t, f.sweeper.RunOnce(f.ctx))
	canceled = 0
	for _, ev := range f.store.AllEvents() {
		if ev.EventType == outbox.EventSubscriptionCanceled {
			canceled++
		}
	}
	assert.Equal(t, 1, canceled)
}

func TestSweeper_RunOnce_ExpiresLapsedSubscriptions(t *testing.T) {
	f := newSweepFixture(t, Config{ExpiryGrace: 72 * time.Hour})

	lapsed := f.seedSubscription(t, func(s *domain.Subscription) {
		end := time.Now().UTC().Add(-80 * time.Hour)
		s.CurrentPeriodStart = end.AddDate(0, -1, 0)
		s.CurrentPeriodEnd = end
		s.NextRenewalAt = end
	})
	inGrace := f.seedSubscription(t, nil)

	require.NoError(t, f.sweeper.RunOnce(f.ctx))

	assert.Equal(t, domain.SubscriptionStatusExpired, f.reload(t, lapsed.ID).Status)
	assert.Equal(t, domain.SubscriptionStatusActive, f.reload(t, inGrace.ID).Status)

	expired := 0
	for _, h := range f.store.AllHistory() {
		if h.Action == domain.HistoryActionExpired {
			expired++
		}
	}
	assert.Equal(t, 1, expired)

	// Terminal rows drop out of every scan; replays add nothing.
	require.NoError(t, f.sweeper.RunOnce(f.ctx))
	expired = 0
	for _, h := range f.store.AllHistory() {
		if h.Action == domain.HistoryActionExpired {
			expired++
		}
	}
	assert.Equal(t, 1, expired)
}

func TestSweeper_RunOnce_ExpiresLapsedEntitlements(t *testing.T) {
	f := newSweepFixture(t, Config{})

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(24 * time.Hour)

	lapsed, err := f.store.Entitlements().Upsert(f.ctx, &domain.Entitlement{
		TenantID:       f.tenant.ID,
		CustomerID:     f.cust.ID,
		EntitlementKey: "roastery.member",
		Status:         domain.EntitlementStatusActive,
		ValidUntil:     &past,
	})
	require.NoError(t, err)

	open, err := f.store.Entitlements().Upsert(f.ctx, &domain.Entitlement{
		TenantID:       f.tenant.ID,
		CustomerID:     f.cust.ID,
		EntitlementKey: "roastery.vault",
		Status:         domain.EntitlementStatusActive,
	})
	require.NoError(t, err)

	current, err := f.store.Entitlements().Upsert(f.ctx, &domain.Entitlement{
		TenantID:       f.tenant.ID,
		CustomerID:     f.cust.ID,
		EntitlementKey: "roastery.newsletter",
		Status:         domain.EntitlementStatusActive,
		ValidUntil:     &future,
	})
	require.NoError(t, err)

	require.NoError(t, f.sweeper.RunOnce(f.ctx))

	statuses := map[uuid.UUID]string{}
	for _, e := range f.store.AllEntitlements() {
		statuses[e.ID] = e.Status
	}
	assert.Equal(t, domain.EntitlementStatusExpired, statuses[lapsed.ID])
	assert.Equal(t, domain.EntitlementStatusActive, statuses[open.ID], "open-ended grants never expire")
	assert.Equal(t, domain.EntitlementStatusActive, statuses[current.ID])
}

func TestSweeper_SkipsSuspendedTenants(t *testing.T) {
	f := newSweepFixture(t, Config{})

	suspended := &domain.Tenant{Name: "Mothballed Roasters", Slug: "mothballed"}
	require.NoError(t, f.store.Tenants().Create(f.ctx, suspended))
	f.seedSubscription(t, func(s *domain.Subscription) {
		s.TenantID = suspended.ID
	})
	require.NoError(t, f.store.Tenants().UpdateStatus(f.ctx, suspended.ID, domain.TenantStatusSuspended))

	live := f.seedSubscription(t, nil)

	require.NoError(t, f.sweeper.RunOnce(f.ctx))

	tasks := f.tasksOfType(domain.TaskTypeProductRenewal)
	require.Len(t, tasks, 1)
	assert.Equal(t, task.ProductRenewalKey(live.ID, f.plan.ID), tasks[0].TaskKey)
}

func TestSweeper_RunOnce_HonorsBatchSize(t *testing.T) {
	f := newSweepFixture(t, Config{BatchSize: 2})

	now := time.Now().UTC()
	oldest := f.seedSubscription(t, func(s *domain.Subscription) {
		s.NextRenewalAt = now.Add(-3 * time.Hour)
	})
	older := f.seedSubscription(t, func(s *domain.Subscription) {
		s.NextRenewalAt = now.Add(-2 * time.Hour)
	})
	f.seedSubscription(t, func(s *domain.Subscription) {
		s.NextRenewalAt = now.Add(-1 * time.Hour)
	})

	require.NoError(t, f.sweeper.RunOnce(f.ctx))

	tasks := f.tasksOfType(domain.TaskTypeProductRenewal)
	require.Len(t, tasks, 2)
	keys := []string{tasks[0].TaskKey, tasks[1].TaskKey}
	assert.Contains(t, keys, task.ProductRenewalKey(oldest.ID, f.plan.ID))
	assert.Contains(t, keys, task.ProductRenewalKey(older.ID, f.plan.ID))
}

func TestSweeper_IntervalFromJobConfig(t *testing.T) {
	f := newSweepFixture(t, Config{Schedule: 30 * time.Minute})

	set := func(raw string) {
		require.NoError(t, f.store.JobConfig().Set(f.ctx, store.JobConfigSweeperSchedule, json.RawMessage(raw)))
	}

	// Nothing configured: fall back to the configured schedule.
	assert.Equal(t, 30*time.Minute, f.sweeper.interval(f.ctx))

	set(`"@every 10m"`)
	assert.Equal(t, 10*time.Minute, f.sweeper.interval(f.ctx))

	set(`"@hourly"`)
	assert.Equal(t, time.Hour, f.sweeper.interval(f.ctx))

	// Bad values keep the default instead of wedging the loop.
	set(`{"interval":"10m"}`)
	assert.Equal(t, 30*time.Minute, f.sweeper.interval(f.ctx))

	set(`"@every 5s"`)
	assert.Equal(t, 30*time.Minute, f.sweeper.interval(f.ctx))
}

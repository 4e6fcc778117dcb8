package task_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/skuld/internal/domain"
	"github.com/dukerupert/skuld/internal/store/storetest"
	"github.com/dukerupert/skuld/internal/task"
)

func TestTaskKeys(t *testing.T) {
	subID := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	prodID := uuid.MustParse("66666666-7777-8888-9999-aaaaaaaaaaaa")

	assert.Equal(t, "subscription_renewal_11111111-2222-3333-4444-555555555555",
		task.SubscriptionRenewalKey(subID))
	assert.Equal(t, "product_renewal_11111111-2222-3333-4444-555555555555_66666666-7777-8888-9999-aaaaaaaaaaaa",
		task.ProductRenewalKey(subID, prodID))
	assert.Equal(t, "payment_"+subID.String(), task.ChargePaymentKey(subID))
	assert.Equal(t, "delivery_"+subID.String(), task.CreateDeliveryKey(subID))
	assert.Equal(t, "order_"+subID.String(), task.CreateOrderKey(subID))
	assert.Equal(t, "entitlement_"+subID.String(), task.EntitlementGrantKey(subID))
	assert.Equal(t, "trial_end_"+subID.String(), task.TrialEndKey(subID))
}

// delayBounds is the jitter envelope around a nominal delay.
func delayBounds(nominal time.Duration) (lo, hi time.Duration) {
	return time.Duration(float64(nominal) * 0.8), time.Duration(float64(nominal) * 1.2)
}

func TestBackoffDelay_DoublesPerAttempt(t *testing.T) {
	b := task.Backoff{Base: 30 * time.Second, Cap: 6 * time.Hour}

	tests := []struct {
		attempt int32
		nominal time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{0, 30 * time.Second}, // clamped to the first attempt
	}
	for _, tt := range tests {
		d := b.Delay(tt.attempt)
		lo, hi := delayBounds(tt.nominal)
		assert.GreaterOrEqual(t, d, lo, "attempt %d", tt.attempt)
		assert.LessOrEqual(t, d, hi, "attempt %d", tt.attempt)
	}
}

func TestBackoffDelay_Caps(t *testing.T) {
	b := task.Backoff{Base: time.Minute, Cap: time.Hour}

	lo, hi := delayBounds(time.Hour)
	for i := 0; i < 20; i++ {
		d := b.Delay(30)
		assert.GreaterOrEqual(t, d, lo)
		assert.LessOrEqual(t, d, hi)
	}
}

func TestBackoffDelay_FloorsAtOneSecond(t *testing.T) {
	b := task.Backoff{Base: time.Millisecond, Cap: time.Second}

	for i := 0; i < 20; i++ {
		assert.GreaterOrEqual(t, b.Delay(1), time.Second)
	}
}

func TestBackoffDelay_ZeroValueUsesDefaults(t *testing.T) {
	var b task.Backoff

	d := b.Delay(1)
	lo, hi := delayBounds(task.DefaultBackoffBase)
	assert.GreaterOrEqual(t, d, lo)
	assert.LessOrEqual(t, d, hi)
}

func TestBackoffRetryAt(t *testing.T) {
	b := task.Backoff{Base: time.Minute, Cap: time.Hour}
	now := time.Now().UTC()

	d := b.RetryAt(now, 2).Sub(now)
	lo, hi := delayBounds(2 * time.Minute)
	assert.GreaterOrEqual(t, d, lo)
	assert.LessOrEqual(t, d, hi)
}

func TestEnqueueHelpers_TypeAndPriority(t *testing.T) {
	st := storetest.New()
	ctx := context.Background()

	tenant := &domain.Tenant{Name: "Acme Roasters", Slug: "acme"}
	require.NoError(t, st.Tenants().Create(ctx, tenant))

	subID := uuid.New()
	prodID := uuid.New()
	invID := uuid.New()
	delivID := uuid.New()

	tests := []struct {
		name     string
		enqueue  func() (bool, error)
		key      string
		taskType string
		priority int32
	}{
		{
			name: "subscription renewal",
			enqueue: func() (bool, error) {
				return task.EnqueueSubscriptionRenewal(ctx, st.Tasks(), tenant.ID,
					task.SubscriptionRenewalPayload{SubscriptionID: subID}, task.Options{})
			},
			key:      task.SubscriptionRenewalKey(subID),
			taskType: domain.TaskTypeSubscriptionRenewal,
			priority: task.PriorityRenewal,
		},
		{
			name: "product renewal",
			enqueue: func() (bool, error) {
				return task.EnqueueProductRenewal(ctx, st.Tasks(), tenant.ID,
					task.ProductRenewalPayload{SubscriptionID: subID, ProductID: prodID}, task.Options{})
			},
			key:      task.ProductRenewalKey(subID, prodID),
			taskType: domain.TaskTypeProductRenewal,
			priority: task.PriorityRenewal,
		},
		{
			name: "charge payment",
			enqueue: func() (bool, error) {
				return task.EnqueueChargePayment(ctx, st.Tasks(), tenant.ID,
					task.ChargePaymentPayload{InvoiceID: invID}, task.Options{})
			},
			key:      task.ChargePaymentKey(invID),
			taskType: domain.TaskTypeChargePayment,
			priority: task.PriorityPayment,
		},
		{
			name: "create delivery",
			enqueue: func() (bool, error) {
				return task.EnqueueCreateDelivery(ctx, st.Tasks(), tenant.ID,
					task.CreateDeliveryPayload{InvoiceID: invID}, task.Options{})
			},
			key:      task.CreateDeliveryKey(invID),
			taskType: domain.TaskTypeCreateDelivery,
			priority: task.PriorityFulfillment,
		},
		{
			name: "create order",
			enqueue: func() (bool, error) {
				return task.EnqueueCreateOrder(ctx, st.Tasks(), tenant.ID,
					task.CreateOrderPayload{DeliveryID: delivID}, task.Options{})
			},
			key:      task.CreateOrderKey(delivID),
			taskType: domain.TaskTypeCreateOrder,
			priority: task.PriorityFulfillment,
		},
		{
			name: "entitlement grant",
			enqueue: func() (bool, error) {
				return task.EnqueueEntitlementGrant(ctx, st.Tasks(), tenant.ID,
					task.EntitlementGrantPayload{InvoiceID: invID}, task.Options{})
			},
			key:      task.EntitlementGrantKey(invID),
			taskType: domain.TaskTypeEntitlementGrant,
			priority: task.PriorityFulfillment,
		},
		{
			name: "trial end",
			enqueue: func() (bool, error) {
				return task.EnqueueTrialEnd(ctx, st.Tasks(), tenant.ID,
					task.TrialEndPayload{SubscriptionID: subID}, task.Options{})
			},
			key:      task.TrialEndKey(subID),
			taskType: domain.TaskTypeTrialEnd,
			priority: task.PriorityRenewal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enqueued, err := tt.enqueue()
			require.NoError(t, err)
			assert.True(t, enqueued)

			got, err := st.Tasks().GetByKey(ctx, tenant.ID, tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.taskType, got.TaskType)
			assert.Equal(t, tt.priority, got.Priority)
			assert.Equal(t, task.DefaultMaxAttempts, got.MaxAttempts)
			assert.Equal(t, domain.TaskStatusReady, got.Status)
		})
	}
}

func TestEnqueue_PayloadRoundTrips(t *testing.T) {
	st := storetest.New()
	ctx := context.Background()

	tenant := &domain.Tenant{Name: "Acme Roasters", Slug: "acme"}
	require.NoError(t, st.Tenants().Create(ctx, tenant))

	invoiceID := uuid.New()
	enqueued, err := task.EnqueueChargePayment(ctx, st.Tasks(), tenant.ID,
		task.ChargePaymentPayload{InvoiceID: invoiceID}, task.Options{})
	require.NoError(t, err)
	require.True(t, enqueued)

	got, err := st.Tasks().GetByKey(ctx, tenant.ID, task.ChargePaymentKey(invoiceID))
	require.NoError(t, err)
	assert.False(t, got.RunAt.After(time.Now().UTC().Add(time.Second)), "zero RunAt means run now")

	var p task.ChargePaymentPayload
	require.NoError(t, json.Unmarshal(got.Payload, &p))
	assert.Equal(t, invoiceID, p.InvoiceID)
}

func TestEnqueue_HonorsOptions(t *testing.T) {
	st := storetest.New()
	ctx := context.Background()

	tenant := &domain.Tenant{Name: "Acme Roasters", Slug: "acme"}
	require.NoError(t, st.Tenants().Create(ctx, tenant))

	subID := uuid.New()
	runAt := time.Now().UTC().Add(2 * time.Hour).Truncate(time.Second)

	enqueued, err := task.EnqueueTrialEnd(ctx, st.Tasks(), tenant.ID,
		task.TrialEndPayload{SubscriptionID: subID},
		task.Options{RunAt: runAt, Priority: 10, MaxAttempts: 7})
	require.NoError(t, err)
	require.True(t, enqueued)

	got, err := st.Tasks().GetByKey(ctx, tenant.ID, task.TrialEndKey(subID))
	require.NoError(t, err)
	assert.True(t, got.RunAt.Equal(runAt))
	assert.Equal(t, int32(10), got.Priority)
	assert.Equal(t, int32(7), got.MaxAttempts)
}

func TestEnqueue_LeavesClaimedWorkAlone(t *testing.T) {
	st := storetest.New()
	ctx := context.Background()

	tenant := &domain.Tenant{Name: "Acme Roasters", Slug: "acme"}
	require.NoError(t, st.Tenants().Create(ctx, tenant))

	invoiceID := uuid.New()
	enqueued, err := task.EnqueueChargePayment(ctx, st.Tasks(), tenant.ID,
		task.ChargePaymentPayload{InvoiceID: invoiceID}, task.Options{})
	require.NoError(t, err)
	require.True(t, enqueued)

	// A duplicate while the row is still READY converges in place.
	enqueued, err = task.EnqueueChargePayment(ctx, st.Tasks(), tenant.ID,
		task.ChargePaymentPayload{InvoiceID: invoiceID}, task.Options{})
	require.NoError(t, err)
	assert.True(t, enqueued)

	claimed, err := st.Tasks().ClaimBatch(ctx, "worker-1", time.Now().UTC(), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// In-flight work is never yanked back to READY.
	enqueued, err = task.EnqueueChargePayment(ctx, st.Tasks(), tenant.ID,
		task.ChargePaymentPayload{InvoiceID: invoiceID}, task.Options{})
	require.NoError(t, err)
	assert.False(t, enqueued)

	got, err := st.Tasks().GetByKey(ctx, tenant.ID, task.ChargePaymentKey(invoiceID))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusClaimed, got.Status)
	assert.Equal(t, "worker-1", got.ClaimedBy)
}

func TestEnqueue_RequiresTenant(t *testing.T) {
	st := storetest.New()

	_, err := task.EnqueueChargePayment(context.Background(), st.Tasks(), uuid.Nil,
		task.ChargePaymentPayload{InvoiceID: uuid.New()}, task.Options{})
	require.ErrorIs(t, err, domain.ErrTenantRequired)
}

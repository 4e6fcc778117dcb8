package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/skuld/internal/commerce"
	"github.com/dukerupert/skuld/internal/domain"
	"github.com/dukerupert/skuld/internal/outbox"
	"github.com/dukerupert/skuld/internal/payment"
	"github.com/dukerupert/skuld/internal/provider"
	"github.com/dukerupert/skuld/internal/service"
	"github.com/dukerupert/skuld/internal/store/storetest"
	"github.com/dukerupert/skuld/internal/task"
	"github.com/dukerupert/skuld/internal/tax"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubRegistry hands every tenant the same adapters.
type stubRegistry struct {
	payments payment.Provider
	orders   commerce.Provider
}

var _ provider.Registry = (*stubRegistry)(nil)

func (r *stubRegistry) GetPaymentProvider(ctx context.Context, tenantID uuid.UUID) (payment.Provider, error) {
	if r.payments == nil {
		return nil, errors.New("no payment provider")
	}
	return r.payments, nil
}

func (r *stubRegistry) GetCommerceProvider(ctx context.Context, tenantID uuid.UUID) (commerce.Provider, error) {
	if r.orders == nil {
		return nil, errors.New("no commerce provider")
	}
	return r.orders, nil
}

func (r *stubRegistry) InvalidateCache(tenantID uuid.UUID, providerType string) {}

func (r *stubRegistry) InvalidateAllCache() {}

// billingFixture is a tenant with one active monthly subscription (one
// item, 2 x 1250 = 2500 cents) whose renewal came due an hour ago.
type billingFixture struct {
	ctx      context.Context
	store    *storetest.Store
	provider *payment.MockProvider
	billing  service.BillingService

	tenant *domain.Tenant
	sub    *domain.Subscription
	item   domain.SubscriptionItem
}

func newBillingFixture(t *testing.T, planType string) *billingFixture {
	t.Helper()

	st := storetest.New()
	ctx := context.Background()

	tenant := &domain.Tenant{Name: "Acme Roasters", Slug: "acme"}
	require.NoError(t, st.Tenants().Create(ctx, tenant))
	ctx = domain.NewContextWithTenant(ctx, tenant)

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
		PlanType:             planType,
		EntitlementKey:       "roastery.member",
	}
	require.NoError(t, st.Plans().Create(ctx, plan))

	periodEnd := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	periodStart := periodEnd.AddDate(0, -1, 0)

	sub := &domain.Subscription{
		TenantID:           tenant.ID,
		CustomerID:         cust.ID,
		PlanID:             plan.ID,
		Status:             domain.SubscriptionStatusActive,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
		NextRenewalAt:      periodEnd,
		PaymentMethodRef:   "pm_card_visa",
		PlanSnapshot:       domain.SnapshotPlan(plan, periodStart),
	}
	items := []domain.SubscriptionItem{{
		ProductID:      uuid.New(),
		ProductName:    "House Blend 12oz",
		Quantity:       2,
		UnitPriceCents: 1250,
		Currency:       "usd",
	}}
	require.NoError(t, st.Subscriptions().Create(ctx, sub, items))

	stored, err := st.Subscriptions().GetItems(ctx, tenant.ID, sub.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	prov := payment.NewMockProvider()
	return &billingFixture{
		ctx:      ctx,
		store:    st,
		provider: prov,
		billing:  service.NewBillingService(st, &stubRegistry{payments: prov}, nil, discardLogger()),
		tenant:   tenant,
		sub:      sub,
		item:     stored[0],
	}
}

func (f *billingFixture) renewParams() service.RenewProductParams {
	return service.RenewProductParams{
		SubscriptionID: f.sub.ID,
		ItemID:         f.item.ID,
		ProductID:      f.item.ProductID,
		PlanID:         f.sub.PlanID,
	}
}

// renewedInvoice runs one product renewal and returns the period invoice.
func (f *billingFixture) renewedInvoice(t *testing.T) *domain.Invoice {
	t.Helper()
	require.NoError(t, f.billing.RenewProduct(f.ctx, f.renewParams()))
	invoices := f.store.AllInvoices()
	require.Len(t, invoices, 1)
	return &invoices[0]
}

func (f *billingFixture) reloadSub(t *testing.T) *domain.Subscription {
	t.Helper()
	sub, err := f.store.Subscriptions().Get(f.ctx, f.tenant.ID, f.sub.ID)
	require.NoError(t, err)
	return sub
}

func (f *billingFixture) reloadInvoice(t *testing.T, id uuid.UUID) *domain.Invoice {
	t.Helper()
	inv, err := f.store.Invoices().Get(f.ctx, f.tenant.ID, id)
	require.NoError(t, err)
	return inv
}

func (f *billingFixture) charge(invoiceID uuid.UUID, attempt int32, final bool) error {
	return f.billing.ChargePayment(f.ctx, service.ChargePaymentParams{
		InvoiceID:     invoiceID,
		AttemptNumber: attempt,
		FinalAttempt:  final,
	})
}

func findEvent(st *storetest.Store, eventType string) *domain.OutboxEvent {
	events := st.AllEvents()
	for i := range events {
		if events[i].EventType == eventType {
			return &events[i]
		}
	}
	return nil
}

func countEvents(st *storetest.Store, eventType string) int {
	n := 0
	for _, ev := range st.AllEvents() {
		if ev.EventType == eventType {
			n++
		}
	}
	return n
}

func processPaymentCalls(p *payment.MockProvider) int {
	n := 0
	for _, call := range p.CallLog {
		if strings.HasPrefix(call, "ProcessPayment") {
			n++
		}
	}
	return n
}

func TestBillingService_RenewProduct_OpensNextPeriod(t *testing.T) {
	f := newBillingFixture(t, domain.PlanTypePhysical)
	wantStart := f.sub.CurrentPeriodEnd
	wantEnd := domain.AdvancePeriod(wantStart, domain.BillingIntervalMonthly, 1)

	inv := f.renewedInvoice(t)

	assert.Equal(t, "INV-000001", inv.InvoiceNumber)
	assert.Equal(t, domain.InvoiceStatusOpen, inv.Status)
	assert.Equal(t, int64(2500), inv.SubtotalCents)
	assert.Equal(t, int64(0), inv.TaxCents)
	assert.Equal(t, int64(2500), inv.TotalCents)
	assert.True(t, inv.PeriodStart.Equal(wantStart))
	assert.True(t, inv.PeriodEnd.Equal(wantEnd))

	lines, err := f.store.Invoices().GetLines(f.ctx, f.tenant.ID, inv.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "House Blend 12oz", lines[0].Description)
	assert.Equal(t, int32(2), lines[0].Quantity)
	assert.Equal(t, int64(2500), lines[0].TotalCents)

	sub := f.reloadSub(t)
	assert.True(t, sub.CurrentPeriodStart.Equal(wantStart))
	assert.True(t, sub.CurrentPeriodEnd.Equal(wantEnd))
	assert.True(t, sub.NextRenewalAt.Equal(wantEnd))

	charge, err := f.store.Tasks().GetByKey(f.ctx, f.tenant.ID, task.ChargePaymentKey(inv.ID))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusReady, charge.Status)
	assert.Equal(t, task.PriorityPayment, charge.Priority)

	ev := findEvent(f.store, outbox.EventSubscriptionRenewed)
	require.NotNil(t, ev)
	assert.Equal(t, "subscription.renewed:"+inv.ID.String(), ev.DedupeKey)

	history := f.store.AllHistory()
	require.Len(t, history, 1)
	assert.Equal(t, domain.HistoryActionRenewed, history[0].Action)
}

func TestBillingService_RenewProduct_ReplayConverges(t *testing.T) {
	f := newBillingFixture(t, domain.PlanTypePhysical)

	inv := f.renewedInvoice(t)

	// A replayed task, or a sibling item's task, sees the advanced
	// cursor and must not open another period.
	require.NoError(t, f.billing.RenewProduct(f.ctx, f.renewParams()))

	assert.Len(t, f.store.AllInvoices(), 1)
	assert.Equal(t, 1, countEvents(f.store, outbox.EventSubscriptionRenewed))

	sub := f.reloadSub(t)
	assert.True(t, sub.CurrentPeriodEnd.Equal(inv.PeriodEnd))
}

func TestBillingService_RenewProduct_SkipsNonRenewable(t *testing.T) {
	pause := func(sub *domain.Subscription) { sub.Status = domain.SubscriptionStatusPaused }
	pendingCancel := func(sub *domain.Subscription) { sub.CancelAtPeriodEnd = true }
	notDue := func(sub *domain.Subscription) {
		sub.NextRenewalAt = time.Now().UTC().Add(24 * time.Hour)
		sub.CurrentPeriodEnd = sub.NextRenewalAt
	}

	cases := map[string]func(*domain.Subscription){
		"paused subscription":  pause,
		"pending cancellation": pendingCancel,
		"renewal not due yet":  notDue,
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newBillingFixture(t, domain.PlanTypePhysical)
			sub := f.reloadSub(t)
			mutate(sub)
			require.NoError(t, f.store.Subscriptions().Update(f.ctx, sub))

			require.NoError(t, f.billing.RenewProduct(f.ctx, f.renewParams()))
			assert.Empty(t, f.store.AllInvoices())
			assert.Empty(t, f.store.AllTasks())
		})
	}
}

func TestBillingService_RenewProduct_RejectsStaleItemPayload(t *testing.T) {
	f := newBillingFixture(t, domain.PlanTypePhysical)

	params := service.RenewProductParams{
		SubscriptionID: f.sub.ID,
		ItemID:         uuid.New(),
		ProductID:      uuid.New(),
		PlanID:         f.sub.PlanID,
	}
	err := f.billing.RenewProduct(f.ctx, params)
	require.Error(t, err)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
	assert.Empty(t, f.store.AllInvoices())
}

func TestBillingService_RenewProduct_AppliesProrationCredit(t *testing.T) {
	f := newBillingFixture(t, domain.PlanTypePhysical)
	sub := f.reloadSub(t)
	sub.PendingCreditCents = 1000
	require.NoError(t, f.store.Subscriptions().Update(f.ctx, sub))

	inv := f.renewedInvoice(t)
	assert.Equal(t, int64(1500), inv.SubtotalCents)
	assert.Equal(t, int64(1500), inv.TotalCents)

	lines, err := f.store.Invoices().GetLines(f.ctx, f.tenant.ID, inv.ID)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "Proration credit", lines[1].Description)
	assert.Equal(t, int64(-1000), lines[1].TotalCents)

	assert.Equal(t, int64(0), f.reloadSub(t).PendingCreditCents)
}

func TestBillingService_RenewProduct_AppliesTax(t *testing.T) {
	f := newBillingFixture(t, domain.PlanTypePhysical)
	calc, err := tax.NewPercentageCalculator(decimal.NewFromFloat(0.10))
	require.NoError(t, err)
	f.billing = service.NewBillingService(f.store, &stubRegistry{payments: f.provider}, calc, discardLogger())

	inv := f.renewedInvoice(t)
	assert.Equal(t, int64(2500), inv.SubtotalCents)
	assert.Equal(t, int64(250), inv.TaxCents)
	assert.Equal(t, int64(2750), inv.TotalCents)
}

func TestBillingService_RenewProduct_TaxFailureLeavesNoInvoice(t *testing.T) {
	f := newBillingFixture(t, domain.PlanTypePhysical)
	calc := tax.NewMockCalculator()
	calc.CalculateFunc = func(ctx context.Context, params tax.Params) (*tax.Result, error) {
		return nil, errors.New("tax service timeout")
	}
	f.billing = service.NewBillingService(f.store, &stubRegistry{payments: f.provider}, calc, discardLogger())

	err := f.billing.RenewProduct(f.ctx, f.renewParams())
	require.Error(t, err)
	assert.Equal(t, domain.EINTERNAL, domain.ErrorCode(err))
	assert.Empty(t, f.store.AllInvoices())

	// The retry bills the period once the calculator recovers.
	calc.CalculateFunc = nil
	require.NoError(t, f.billing.RenewProduct(f.ctx, f.renewParams()))
	require.Len(t, f.store.AllInvoices(), 1)
	assert.Len(t, calc.Calls(), 2)
}

func TestBillingService_RenewSubscription_FansOutPerItem(t *testing.T) {
	f := newBillingFixture(t, domain.PlanTypePhysical)

	items, err := f.store.Subscriptions().GetItems(f.ctx, f.tenant.ID, f.sub.ID)
	require.NoError(t, err)
	second := domain.SubscriptionItem{
		ProductID:      uuid.New(),
		ProductName:    "Single Origin 8oz",
		Quantity:       1,
		UnitPriceCents: 1800,
		Currency:       "usd",
	}
	require.NoError(t, f.store.Subscriptions().ReplaceItems(f.ctx, f.tenant.ID, f.sub.ID, append(items, second)))

	require.NoError(t, f.billing.RenewSubscription(f.ctx, service.RenewSubscriptionParams{SubscriptionID: f.sub.ID}))

	tasks := f.store.AllTasks()
	require.Len(t, tasks, 2)
	for _, tk := range tasks {
		assert.Equal(t, domain.TaskTypeProductRenewal, tk.TaskType)
		assert.Equal(t, task.PriorityRenewal, tk.Priority)
	}
	_, err = f.store.Tasks().GetByKey(f.ctx, f.tenant.ID, task.ProductRenewalKey(f.sub.ID, second.ProductID))
	require.NoError(t, err)
}

func TestBillingService_RenewSubscription_RequiresItems(t *testing.T) {
	f := newBillingFixture(t, domain.PlanTypePhysical)
	require.NoError(t, f.store.Subscriptions().ReplaceItems(f.ctx, f.tenant.ID, f.sub.ID, nil))

	err := f.billing.RenewSubscription(f.ctx, service.RenewSubscriptionParams{SubscriptionID: f.sub.ID})
	require.ErrorIs(t, err, service.ErrNoItems)
	assert.Empty(t, f.store.AllTasks())
}

func TestBillingService_RenewSubscription_SkipsWhenNotDue(t *testing.T) {
	f := newBillingFixture(t, domain.PlanTypePhysical)
	sub := f.reloadSub(t)
	sub.NextRenewalAt = time.Now().UTC().Add(24 * time.Hour)
	require.NoError(t, f.store.Subscriptions().Update(f.ctx, sub))

	require.NoError(t, f.billing.RenewSubscription(f.ctx, service.RenewSubscriptionParams{SubscriptionID: f.sub.ID}))
	assert.Empty(t, f.store.AllTasks())
}

func TestBillingService_ChargePayment_CollectsInvoice(t *testing.T) {
	f := newBillingFixture(t, domain.PlanTypePhysical)
	inv := f.renewedInvoice(t)

	require.NoError(t, f.charge(inv.ID, 1, false))

	got := f.reloadInvoice(t, inv.ID)
	assert.Equal(t, domain.InvoiceStatusPaid, got.Status)
	require.NotNil(t, got.PaidAt)

	attempts, err := f.store.Invoices().ListPaymentAttempts(f.ctx, f.tenant.ID, inv.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.PaymentStatusSucceeded, attempts[0].Status)
	assert.Equal(t, "mock", attempts[0].Provider)
	assert.Equal(t, int64(2500), attempts[0].AmountCents)
	assert.NotEmpty(t, attempts[0].ExternalPaymentID)

	paid := findEvent(f.store, outbox.EventInvoicePaid)
	require.NotNil(t, paid)
	assert.Equal(t, "invoice.paid:"+inv.ID.String(), paid.DedupeKey)
	require.NotNil(t, findEvent(f.store, outbox.EventPaymentSucceeded))

	// a physical plan schedules a delivery and nothing else
	delivery, err := f.store.Tasks().GetByKey(f.ctx, f.tenant.ID, task.CreateDeliveryKey(inv.ID))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskTypeCreateDelivery, delivery.TaskType)

	_, err = f.store.Tasks().GetByKey(f.ctx, f.tenant.ID, task.EntitlementGrantKey(inv.ID))
	assert.True(t, domain.IsCode(err, domain.ENOTFOUND))
}

func TestBillingService_ChargePayment_HybridPlanSchedulesBothFollowups(t *testing.T) {
	f := newBillingFixture(t, domain.PlanTypeHybrid)
	inv := f.renewedInvoice(t)

	require.NoError(t, f.charge(inv.ID, 1, false))

	_, err := f.store.Tasks().GetByKey(f.ctx, f.tenant.ID, task.CreateDeliveryKey(inv.ID))
	require.NoError(t, err)
	_, err = f.store.Tasks().GetByKey(f.ctx, f.tenant.ID, task.EntitlementGrantKey(inv.ID))
	require.NoError(t, err)
}

func TestBillingService_ChargePayment_RepeatIsIdempotent(t *testing.T) {
	f := newBillingFixture(t, domain.PlanTypePhysical)
	inv := f.renewedInvoice(t)

	require.NoError(t, f.charge(inv.ID, 1, false))
	require.NoError(t, f.charge(inv.ID, 2, false))

	// the second run sees PAID and stops before the provider
	assert.Equal(t, 1, processPaymentCalls(f.provider))
	assert.Equal(t, 1, countEvents(f.store, outbox.EventInvoicePaid))

	attempts, err := f.store.Invoices().ListPaymentAttempts(f.ctx, f.tenant.ID, inv.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestBillingService_ChargePayment_DeclineKeepsInvoiceOpen(t *testing.T) {
	f := newBillingFixture(t, domain.PlanTypePhysical)
	inv := f.renewedInvoice(t)

	f.provider.ProcessPaymentFunc = func(ctx context.Context, req payment.Request) (*payment.Result, error) {
		return &payment.Result{
			Status:       payment.StatusFailed,
			ErrorCode:    "card_declined",
			ErrorMessage: "insufficient funds",
		}, nil
	}

	err := f.charge(inv.ID, 1, false)
	require.Error(t, err)
	assert.Equal(t, domain.EPAYMENT, domain.ErrorCode(err))

	assert.Equal(t, domain.InvoiceStatusOpen, f.reloadInvoice(t, inv.ID).Status)
	assert.Equal(t, domain.SubscriptionStatusActive, f.reloadSub(t).Status)

	attempts, err := f.store.Invoices().ListPaymentAttempts(f.ctx, f.tenant.ID, inv.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.PaymentStatusFailed, attempts[0].Status)
	assert.Equal(t, "card_declined", attempts[0].FailureCode)

	require.NotNil(t, findEvent(f.store, outbox.EventPaymentFailed))
	assert.Nil(t, findEvent(f.store, outbox.EventPaymentExhausted))

	// no fulfillment until the invoice is collected
	_, err = f.store.Tasks().GetByKey(f.ctx, f.tenant.ID, task.CreateDeliveryKey(inv.ID))
	assert.True(t, domain.IsCode(err, domain.ENOTFOUND))
}

func TestBillingService_ChargePayment_DeclineThenRetrySucceeds(t *testing.T) {
	f := newBillingFixture(t, domain.PlanTypePhysical)
	inv := f.renewedInvoice(t)

	declined := false
	f.provider.ProcessPaymentFunc = func(ctx context.Context, req payment.Request) (*payment.Result, error) {
		if !declined {
			declined = true
			return &payment.Result{Status: payment.StatusFailed, ErrorCode: "card_declined"}, nil
		}
		return &payment.Result{
			Success:          true,
			Status:           payment.StatusSucceeded,
			PaymentReference: "ch_mock_retry",
		}, nil
	}

	require.Error(t, f.charge(inv.ID, 1, false))
	require.NoError(t, f.charge(inv.ID, 2, false))

	assert.Equal(t, domain.InvoiceStatusPaid, f.reloadInvoice(t, inv.ID).Status)

	// the retry carries a new idempotency key and reaches the provider
	assert.Equal(t, 2, processPaymentCalls(f.provider))

	attempts, err := f.store.Invoices().ListPaymentAttempts(f.ctx, f.tenant.ID, inv.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, domain.PaymentStatusFailed, attempts[0].Status)
	assert.Equal(t, domain.PaymentStatusSucceeded, attempts[1].Status)
	assert.Equal(t, "ch_mock_retry", attempts[1].ExternalPaymentID)

	assert.Equal(t, 1, countEvents(f.store, outbox.EventPaymentFailed))
	assert.Equal(t, 1, countEvents(f.store, outbox.EventInvoicePaid))

	// fulfillment is scheduled once, by the successful attempt
	var deliveryTasks int
	for _, tk := range f.store.AllTasks() {
		if tk.TaskType == domain.TaskTypeCreateDelivery {
			deliveryTasks++
		}
	}
	assert.Equal(t, 1, deliveryTasks)
}

func TestBillingService_ChargePayment_FinalDeclineEmitsExhausted(t *testing.T) {
	f := newBillingFixture(t, domain.PlanTypePhysical)
	inv := f.renewedInvoice(t)

	f.provider.ProcessPaymentFunc = func(ctx context.Context, req payment.Request) (*payment.Result, error) {
		return &payment.Result{Status: payment.StatusFailed, ErrorCode: "card_declined"}, nil
	}

	err := f.charge(inv.ID, 3, true)
	require.Error(t, err)
	assert.Equal(t, domain.EPAYMENT, domain.ErrorCode(err))

	ev := findEvent(f.store, outbox.EventPaymentExhausted)
	require.NotNil(t, ev)
	assert.Equal(t, "payment.exhausted:"+inv.ID.String(), ev.DedupeKey)

	var exhausted int
	for _, h := range f.store.AllHistory() {
		if h.Action == domain.HistoryActionPaymentExhausted {
			exhausted++
		}
	}
	assert.Equal(t, 1, exhausted)

	// collection stays possible: invoice open, subscription active
	assert.Equal(t, domain.InvoiceStatusOpen, f.reloadInvoice(t, inv.ID).Status)
	assert.Equal(t, domain.SubscriptionStatusActive, f.reloadSub(t).Status)
}

func TestBillingService_ChargePayment_ZeroTotalSettlesWithoutProvider(t *testing.T) {
	f := newBillingFixture(t, domain.PlanTypePhysical)

	// a credit from an earlier downgrade covers the whole period
	sub := f.reloadSub(t)
	sub.PendingCreditCents = 5000
	require.NoError(t, f.store.Subscriptions().Update(f.ctx, sub))

	inv := f.renewedInvoice(t)
	assert.Equal(t, int64(0), inv.TotalCents)

	require.NoError(t, f.charge(inv.ID, 1, false))

	assert.Equal(t, domain.InvoiceStatusPaid, f.reloadInvoice(t, inv.ID).Status)
	assert.Empty(t, f.provider.CallLog)

	attempts, err := f.store.Invoices().ListPaymentAttempts(f.ctx, f.tenant.ID, inv.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "internal", attempts[0].Provider)
	assert.Equal(t, domain.PaymentStatusSucceeded, attempts[0].Status)
	assert.Equal(t, int64(0), attempts[0].AmountCents)

	// the unconsumed remainder stays for the next cycle
	assert.Equal(t, int64(2500), f.reloadSub(t).PendingCreditCents)
}

func TestBillingService_ChargePayment_MissingPaymentMethod(t *testing.T) {
	f := newBillingFixture(t, domain.PlanTypePhysical)
	inv := f.renewedInvoice(t)

	sub := f.reloadSub(t)
	sub.PaymentMethodRef = ""
	require.NoError(t, f.store.Subscriptions().Update(f.ctx, sub))

	err := f.charge(inv.ID, 1, false)
	require.ErrorIs(t, err, service.ErrNoPaymentMethod)
	assert.Equal(t, domain.InvoiceStatusOpen, f.reloadInvoice(t, inv.ID).Status)
}

func TestBillingService_ChargePayment_ProviderOutage(t *testing.T) {
	f := newBillingFixture(t, domain.PlanTypePhysical)
	inv := f.renewedInvoice(t)

	f.provider.ProcessPaymentFunc = func(ctx context.Context, req payment.Request) (*payment.Result, error) {
		return nil, errors.New("dial tcp 10.0.0.9:443: i/o timeout")
	}

	err := f.charge(inv.ID, 1, false)
	require.Error(t, err)
	assert.Equal(t, domain.EUNAVAILABLE, domain.ErrorCode(err))

	// an outage is not a decline
	assert.Nil(t, findEvent(f.store, outbox.EventPaymentFailed))
	assert.Equal(t, domain.InvoiceStatusOpen, f.reloadInvoice(t, inv.ID).Status)

	attempts, err := f.store.Invoices().ListPaymentAttempts(f.ctx, f.tenant.ID, inv.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.PaymentStatusFailed, attempts[0].Status)
	assert.Equal(t, "provider_unreachable", attempts[0].FailureCode)
}

func TestBillingService_ChargePayment_ResumesPendingCharge(t *testing.T) {
	f := newBillingFixture(t, domain.PlanTypePhysical)
	inv := f.renewedInvoice(t)

	f.provider.ProcessPaymentFunc = func(ctx context.Context, req payment.Request) (*payment.Result, error) {
		return &payment.Result{Status: payment.StatusPending, PaymentReference: "ch_slow_1"}, nil
	}

	err := f.charge(inv.ID, 1, false)
	require.Error(t, err)
	assert.Equal(t, domain.EUNAVAILABLE, domain.ErrorCode(err))
	assert.Equal(t, domain.InvoiceStatusOpen, f.reloadInvoice(t, inv.ID).Status)

	// the charge settles provider-side before the retry runs
	f.provider.GetPaymentStatusFunc = func(ctx context.Context, paymentRef string) (*payment.Result, error) {
		return &payment.Result{Success: true, Status: payment.StatusSucceeded, PaymentReference: paymentRef}, nil
	}

	require.NoError(t, f.charge(inv.ID, 2, false))
	assert.Equal(t, domain.InvoiceStatusPaid, f.reloadInvoice(t, inv.ID).Status)

	// the retry polled the in-flight charge instead of opening a second one
	assert.Equal(t, 1, processPaymentCalls(f.provider))
	attempts, err := f.store.Invoices().ListPaymentAttempts(f.ctx, f.tenant.ID, inv.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.PaymentStatusSucceeded, attempts[0].Status)
	assert.Equal(t, "ch_slow_1", attempts[0].ExternalPaymentID)
}

package storetest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/skuld/internal/domain"
)

// ==============================================================================
// Tenants
// ==============================================================================

type tenantRepo struct{ s *Store }

func (r *tenantRepo) Create(ctx context.Context, tenant *domain.Tenant) error {
	const op = "storetest.tenants.create"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if tenant.ID == uuid.Nil {
		tenant.ID = uuid.New()
	}
	if tenant.Status == "" {
		tenant.Status = domain.TenantStatusActive
	}
	for _, t := range r.s.tenants {
		if t.Slug == tenant.Slug {
			return domain.Conflict(op, fmt.Sprintf("tenant slug %q already exists", tenant.Slug))
		}
	}
	r.s.tenants = append(r.s.tenants, cloneTenant(tenant))
	return nil
}

func (r *tenantRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	const op = "storetest.tenants.get"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, t := range r.s.tenants {
		if t.ID == id {
			return cloneTenant(t), nil
		}
	}
	return nil, domain.NotFound(op, "tenant", id.String())
}

func (r *tenantRepo) GetBySlug(ctx context.Context, slug string) (*domain.Tenant, error) {
	const op = "storetest.tenants.get_by_slug"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, t := range r.s.tenants {
		if t.Slug == slug {
			return cloneTenant(t), nil
		}
	}
	return nil, domain.NotFound(op, "tenant", slug)
}

func (r *tenantRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	const op = "storetest.tenants.update_status"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, t := range r.s.tenants {
		if t.ID == id {
			t.Status = status
			return nil
		}
	}
	return domain.NotFound(op, "tenant", id.String())
}

// ==============================================================================
// Customers
// ==============================================================================

type customerRepo struct{ s *Store }

func (r *customerRepo) Create(ctx context.Context, customer *domain.Customer) error {
	const op = "storetest.customers.create"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if customer.TenantID == uuid.Nil {
		return domain.ErrTenantRequired
	}
	if customer.ID == uuid.Nil {
		customer.ID = uuid.New()
	}
	if customer.Status == "" {
		customer.Status = domain.CustomerStatusActive
	}
	if len(customer.Attributes) == 0 {
		customer.Attributes = []byte("{}")
	}
	for _, c := range r.s.customers {
		if c.TenantID != customer.TenantID {
			continue
		}
		if c.Email == customer.Email ||
			(customer.ExternalID != "" && c.ExternalID == customer.ExternalID) {
			return domain.Conflict(op, fmt.Sprintf("customer %q already exists", customer.Email))
		}
	}

	now := r.s.now()
	customer.CreatedAt = now
	customer.UpdatedAt = now
	r.s.customers = append(r.s.customers, cloneCustomer(customer))
	return nil
}

func (r *customerRepo) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Customer, error) {
	const op = "storetest.customers.get"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if c := r.s.findCustomer(tenantID, id); c != nil {
		return cloneCustomer(c), nil
	}
	return nil, domain.NotFound(op, "customer", id.String())
}

func (r *customerRepo) GetByEmail(ctx context.Context, tenantID uuid.UUID, email string) (*domain.Customer, error) {
	const op = "storetest.customers.get_by_email"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, c := range r.s.customers {
		if c.TenantID == tenantID && c.Email == email {
			return cloneCustomer(c), nil
		}
	}
	return nil, domain.NotFound(op, "customer", email)
}

func (r *customerRepo) GetByExternalID(ctx context.Context, tenantID uuid.UUID, externalID string) (*domain.Customer, error) {
	const op = "storetest.customers.get_by_external_id"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, c := range r.s.customers {
		if c.TenantID == tenantID && c.ExternalID == externalID {
			return cloneCustomer(c), nil
		}
	}
	return nil, domain.NotFound(op, "customer", externalID)
}

func (r *customerRepo) Update(ctx context.Context, customer *domain.Customer) error {
	const op = "storetest.customers.update"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stored := r.s.findCustomer(customer.TenantID, customer.ID)
	if stored == nil {
		return domain.NotFound(op, "customer", customer.ID.String())
	}
	for _, c := range r.s.customers {
		if c.TenantID == customer.TenantID && c.ID != customer.ID && c.Email == customer.Email {
			return domain.Conflict(op, fmt.Sprintf("customer %q already exists", customer.Email))
		}
	}
	stored.Email = customer.Email
	stored.ExternalID = customer.ExternalID
	stored.Status = customer.Status
	stored.Attributes = cloneRaw(customer.Attributes)
	stored.UpdatedAt = r.s.now()
	return nil
}

func (s *Store) findCustomer(tenantID, id uuid.UUID) *domain.Customer {
	for _, c := range s.customers {
		if c.TenantID == tenantID && c.ID == id {
			return c
		}
	}
	return nil
}

// ==============================================================================
// Plans
// ==============================================================================

type planRepo struct{ s *Store }

func (r *planRepo) Create(ctx context.Context, plan *domain.Plan) error {
	const op = "storetest.plans.create"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if plan.TenantID == uuid.Nil {
		return domain.ErrTenantRequired
	}
	if plan.ID == uuid.Nil {
		plan.ID = uuid.New()
	}
	if plan.Status == "" {
		plan.Status = domain.PlanStatusActive
	}
	if plan.BillingIntervalCount <= 0 {
		plan.BillingIntervalCount = 1
	}
	for _, p := range r.s.plans {
		if p.TenantID == plan.TenantID && p.Code == plan.Code {
			return domain.Conflict(op, fmt.Sprintf("plan code %q already exists", plan.Code))
		}
	}

	now := r.s.now()
	plan.CreatedAt = now
	plan.UpdatedAt = now
	r.s.plans = append(r.s.plans, clonePlan(plan))
	return nil
}

func (r *planRepo) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Plan, error) {
	const op = "storetest.plans.get"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, p := range r.s.plans {
		if p.TenantID == tenantID && p.ID == id {
			return clonePlan(p), nil
		}
	}
	return nil, domain.NotFound(op, "plan", id.String())
}

func (r *planRepo) GetByCode(ctx context.Context, tenantID uuid.UUID, code string) (*domain.Plan, error) {
	const op = "storetest.plans.get_by_code"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, p := range r.s.plans {
		if p.TenantID == tenantID && p.Code == code {
			return clonePlan(p), nil
		}
	}
	return nil, domain.NotFound(op, "plan", code)
}

func (r *planRepo) UpdateStatus(ctx context.Context, tenantID, id uuid.UUID, status string) error {
	const op = "storetest.plans.update_status"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, p := range r.s.plans {
		if p.TenantID == tenantID && p.ID == id {
			p.Status = status
			p.UpdatedAt = r.s.now()
			return nil
		}
	}
	return domain.NotFound(op, "plan", id.String())
}

// ==============================================================================
// Subscriptions
// ==============================================================================

type subscriptionRepo struct{ s *Store }

func (r *subscriptionRepo) Create(ctx context.Context, sub *domain.Subscription, items []domain.SubscriptionItem) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if sub.TenantID == uuid.Nil {
		return domain.ErrTenantRequired
	}
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}

	now := r.s.now()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	r.s.subs = append(r.s.subs, cloneSubscription(sub))

	for i := range items {
		r.s.insertItem(sub.TenantID, sub.ID, &items[i])
	}
	return nil
}

func (s *Store) insertItem(tenantID, subscriptionID uuid.UUID, item *domain.SubscriptionItem) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	item.TenantID = tenantID
	item.SubscriptionID = subscriptionID
	if len(item.ItemConfig) == 0 {
		item.ItemConfig = []byte("{}")
	}
	now := s.now()
	item.CreatedAt = now
	item.UpdatedAt = now
	s.items[subscriptionID] = append(s.items[subscriptionID], cloneItem(item))
}

func (r *subscriptionRepo) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Subscription, error) {
	const op = "storetest.subscriptions.get"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if sub := r.s.findSubscription(tenantID, id); sub != nil {
		return cloneSubscription(sub), nil
	}
	return nil, domain.NotFound(op, "subscription", id.String())
}

func (r *subscriptionRepo) GetItems(ctx context.Context, tenantID, subscriptionID uuid.UUID) ([]domain.SubscriptionItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []domain.SubscriptionItem
	for _, it := range r.s.items[subscriptionID] {
		if it.TenantID == tenantID {
			out = append(out, *cloneItem(it))
		}
	}
	return out, nil
}

func (r *subscriptionRepo) Update(ctx context.Context, sub *domain.Subscription) error {
	const op = "storetest.subscriptions.update"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stored := r.s.findSubscription(sub.TenantID, sub.ID)
	if stored == nil {
		return domain.NotFound(op, "subscription", sub.ID.String())
	}

	created := stored.CreatedAt
	*stored = *cloneSubscription(sub)
	stored.CreatedAt = created
	stored.UpdatedAt = r.s.now()
	return nil
}

func (r *subscriptionRepo) ReplaceItems(ctx context.Context, tenantID, subscriptionID uuid.UUID, items []domain.SubscriptionItem) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	kept := r.s.items[subscriptionID][:0]
	for _, it := range r.s.items[subscriptionID] {
		if it.TenantID != tenantID {
			kept = append(kept, it)
		}
	}
	r.s.items[subscriptionID] = kept

	for i := range items {
		items[i].ID = uuid.Nil
		r.s.insertItem(tenantID, subscriptionID, &items[i])
	}
	return nil
}

func (r *subscriptionRepo) ListByCustomer(ctx context.Context, tenantID, customerID uuid.UUID) ([]*domain.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*domain.Subscription
	for _, sub := range r.s.subs {
		if sub.TenantID == tenantID && sub.CustomerID == customerID {
			out = append(out, cloneSubscription(sub))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *subscriptionRepo) ListRenewalsDue(ctx context.Context, now time.Time, limit int32) ([]*domain.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := r.s.sweepScan(limit, func(sub *domain.Subscription) bool {
		return sub.Status == domain.SubscriptionStatusActive &&
			!sub.CancelAtPeriodEnd &&
			!sub.NextRenewalAt.After(now)
	}, func(a, b *domain.Subscription) bool {
		return a.NextRenewalAt.Before(b.NextRenewalAt)
	})
	return out, nil
}

func (r *subscriptionRepo) ListTrialsEnding(ctx context.Context, now time.Time, limit int32) ([]*domain.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := r.s.sweepScan(limit, func(sub *domain.Subscription) bool {
		return sub.Status == domain.SubscriptionStatusTrialing &&
			sub.TrialEnd != nil &&
			!sub.TrialEnd.After(now)
	}, func(a, b *domain.Subscription) bool {
		return a.TrialEnd.Before(*b.TrialEnd)
	})
	return out, nil
}

func (r *subscriptionRepo) ListPeriodEndReached(ctx context.Context, now time.Time, limit int32) ([]*domain.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := r.s.sweepScan(limit, func(sub *domain.Subscription) bool {
		return sub.Status == domain.SubscriptionStatusActive &&
			sub.CancelAtPeriodEnd &&
			!sub.CurrentPeriodEnd.After(now)
	}, func(a, b *domain.Subscription) bool {
		return a.CurrentPeriodEnd.Before(b.CurrentPeriodEnd)
	})
	return out, nil
}

func (r *subscriptionRepo) ListPeriodLapsed(ctx context.Context, cutoff time.Time, limit int32) ([]*domain.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := r.s.sweepScan(limit, func(sub *domain.Subscription) bool {
		return sub.Status == domain.SubscriptionStatusActive &&
			!sub.CancelAtPeriodEnd &&
			!sub.CurrentPeriodEnd.After(cutoff)
	}, func(a, b *domain.Subscription) bool {
		return a.CurrentPeriodEnd.Before(b.CurrentPeriodEnd)
	})
	return out, nil
}

// sweepScan applies the filter common to every cross-tenant sweep: rows of
// suspended tenants never surface.
func (s *Store) sweepScan(limit int32, match func(*domain.Subscription) bool, less func(a, b *domain.Subscription) bool) []*domain.Subscription {
	var out []*domain.Subscription
	for _, sub := range s.subs {
		if !match(sub) {
			continue
		}
		tenant := s.findTenant(sub.TenantID)
		if tenant == nil || tenant.Status != domain.TenantStatusActive {
			continue
		}
		out = append(out, cloneSubscription(sub))
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && int32(len(out)) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) findSubscription(tenantID, id uuid.UUID) *domain.Subscription {
	for _, sub := range s.subs {
		if sub.TenantID == tenantID && sub.ID == id {
			return sub
		}
	}
	return nil
}

func (s *Store) findTenant(id uuid.UUID) *domain.Tenant {
	for _, t := range s.tenants {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// ==============================================================================
// Invoices
// ==============================================================================

type invoiceRepo struct{ s *Store }

func (r *invoiceRepo) NextInvoiceNumber(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if tenantID == uuid.Nil {
		return 0, domain.ErrTenantRequired
	}
	r.s.invoiceSeq[tenantID]++
	return r.s.invoiceSeq[tenantID], nil
}

func (r *invoiceRepo) CreateWithLines(ctx context.Context, inv *domain.Invoice, lines []domain.InvoiceLine) (*domain.Invoice, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if inv.TenantID == uuid.Nil {
		return nil, false, domain.ErrTenantRequired
	}
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.Status == "" {
		inv.Status = domain.InvoiceStatusOpen
	}

	for _, existing := range r.s.invoices {
		if existing.TenantID == inv.TenantID &&
			existing.SubscriptionID == inv.SubscriptionID &&
			existing.PeriodStart.Equal(inv.PeriodStart) &&
			existing.PeriodEnd.Equal(inv.PeriodEnd) {
			return cloneInvoice(existing), false, nil
		}
	}

	now := r.s.now()
	inv.CreatedAt = now
	inv.UpdatedAt = now
	r.s.invoices = append(r.s.invoices, cloneInvoice(inv))

	for i := range lines {
		line := &lines[i]
		if line.ID == uuid.Nil {
			line.ID = uuid.New()
		}
		line.TenantID = inv.TenantID
		line.InvoiceID = inv.ID
		if line.Currency == "" {
			line.Currency = inv.Currency
		}
		if line.PeriodStart.IsZero() {
			line.PeriodStart = inv.PeriodStart
		}
		if line.PeriodEnd.IsZero() {
			line.PeriodEnd = inv.PeriodEnd
		}
		line.CreatedAt = now
		r.s.lines[inv.ID] = append(r.s.lines[inv.ID], cloneLine(line))
	}
	return inv, true, nil
}

func (r *invoiceRepo) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Invoice, error) {
	const op = "storetest.invoices.get"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if inv := r.s.findInvoice(tenantID, id); inv != nil {
		return cloneInvoice(inv), nil
	}
	return nil, domain.NotFound(op, "invoice", id.String())
}

func (r *invoiceRepo) GetByPeriod(ctx context.Context, tenantID, subscriptionID uuid.UUID, periodStart, periodEnd time.Time) (*domain.Invoice, error) {
	const op = "storetest.invoices.get_by_period"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, inv := range r.s.invoices {
		if inv.TenantID == tenantID && inv.SubscriptionID == subscriptionID &&
			inv.PeriodStart.Equal(periodStart) && inv.PeriodEnd.Equal(periodEnd) {
			return cloneInvoice(inv), nil
		}
	}
	return nil, domain.NotFound(op, "invoice", subscriptionID.String())
}

func (r *invoiceRepo) GetLines(ctx context.Context, tenantID, invoiceID uuid.UUID) ([]domain.InvoiceLine, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []domain.InvoiceLine
	for _, line := range r.s.lines[invoiceID] {
		if line.TenantID == tenantID {
			out = append(out, *cloneLine(line))
		}
	}
	return out, nil
}

func (r *invoiceRepo) MarkPaid(ctx context.Context, tenantID, id uuid.UUID, paidAt time.Time) error {
	const op = "storetest.invoices.mark_paid"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	inv := r.s.findInvoice(tenantID, id)
	if inv == nil {
		return domain.NotFound(op, "invoice", id.String())
	}
	if inv.Status != domain.InvoiceStatusOpen && inv.Status != domain.InvoiceStatusPaid {
		return r.s.invoiceStateError(tenantID, id)
	}
	inv.Status = domain.InvoiceStatusPaid
	at := paidAt
	inv.PaidAt = &at
	inv.UpdatedAt = r.s.now()
	return nil
}

func (r *invoiceRepo) MarkUncollectible(ctx context.Context, tenantID, id uuid.UUID) error {
	const op = "storetest.invoices.mark_uncollectible"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	inv := r.s.findInvoice(tenantID, id)
	if inv == nil {
		return domain.NotFound(op, "invoice", id.String())
	}
	if inv.Status != domain.InvoiceStatusOpen {
		return r.s.invoiceStateError(tenantID, id)
	}
	inv.Status = domain.InvoiceStatusUncollectible
	inv.UpdatedAt = r.s.now()
	return nil
}

func (r *invoiceRepo) Void(ctx context.Context, tenantID, id uuid.UUID, voidedAt time.Time) error {
	const op = "storetest.invoices.void"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	inv := r.s.findInvoice(tenantID, id)
	if inv == nil {
		return domain.NotFound(op, "invoice", id.String())
	}
	if inv.Status != domain.InvoiceStatusOpen {
		return r.s.invoiceStateError(tenantID, id)
	}
	inv.Status = domain.InvoiceStatusVoid
	at := voidedAt
	inv.VoidedAt = &at
	inv.UpdatedAt = r.s.now()
	return nil
}

// invoiceStateError mirrors the SQL layer's mapping for a guarded update
// that matched no rows.
func (s *Store) invoiceStateError(tenantID, id uuid.UUID) error {
	inv := s.findInvoice(tenantID, id)
	if inv != nil && inv.Status == domain.InvoiceStatusPaid {
		return domain.ErrInvoiceAlreadyPaid
	}
	return domain.ErrInvoiceNotOpen
}

func (r *invoiceRepo) CreatePaymentAttempt(ctx context.Context, attempt *domain.PaymentAttempt) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if attempt.TenantID == uuid.Nil {
		return false, domain.ErrTenantRequired
	}
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	if attempt.Status == "" {
		attempt.Status = domain.PaymentStatusPending
	}
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = r.s.now()
	}

	for _, existing := range r.s.attempts[attempt.InvoiceID] {
		if existing.AttemptNumber == attempt.AttemptNumber {
			return false, nil
		}
	}
	r.s.attempts[attempt.InvoiceID] = append(r.s.attempts[attempt.InvoiceID], cloneAttempt(attempt))
	return true, nil
}

func (r *invoiceRepo) UpdatePaymentAttempt(ctx context.Context, attempt *domain.PaymentAttempt) error {
	const op = "storetest.invoices.update_payment_attempt"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, stored := range r.s.attempts[attempt.InvoiceID] {
		if stored.TenantID == attempt.TenantID && stored.ID == attempt.ID {
			stored.Status = attempt.Status
			stored.ExternalPaymentID = attempt.ExternalPaymentID
			stored.FailureCode = attempt.FailureCode
			stored.FailureReason = attempt.FailureReason
			stored.CompletedAt = cloneTime(attempt.CompletedAt)
			return nil
		}
	}
	return domain.NotFound(op, "payment attempt", attempt.ID.String())
}

func (r *invoiceRepo) ListPaymentAttempts(ctx context.Context, tenantID, invoiceID uuid.UUID) ([]domain.PaymentAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []domain.PaymentAttempt
	for _, a := range r.s.attempts[invoiceID] {
		if a.TenantID == tenantID {
			out = append(out, *cloneAttempt(a))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AttemptNumber < out[j].AttemptNumber
	})
	return out, nil
}

func (s *Store) findInvoice(tenantID, id uuid.UUID) *domain.Invoice {
	for _, inv := range s.invoices {
		if inv.TenantID == tenantID && inv.ID == id {
			return inv
		}
	}
	return nil
}

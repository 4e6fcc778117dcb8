// Package storetest provides an in-memory store.Store for tests. It
// mirrors the SQL layer's observable behavior method for method: the same
// idempotent-insert convergence, the same guarded status transitions, and
// the same error values, so code under test cannot tell the two apart.
//
// Two deliberate divergences from the SQL store:
//
//   - WithTx runs fn against the same shared state and does not roll back
//     on error. Tests asserting partial-failure visibility need a real
//     database.
//   - There is no row locking. A single mutex serializes every call, which
//     makes SKIP LOCKED contention unobservable but keeps claim batches
//     atomic.
package storetest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/skuld/internal/domain"
	"github.com/dukerupert/skuld/internal/store"
)

// Store is an in-memory store.Store. The zero value is not usable; call
// New.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	tenants      []*domain.Tenant
	customers    []*domain.Customer
	plans        []*domain.Plan
	subs         []*domain.Subscription
	items        map[uuid.UUID][]*domain.SubscriptionItem
	invoices     []*domain.Invoice
	lines        map[uuid.UUID][]*domain.InvoiceLine
	attempts     map[uuid.UUID][]*domain.PaymentAttempt
	invoiceSeq   map[uuid.UUID]int64
	deliveries   []*domain.DeliveryInstance
	entitlements []*domain.Entitlement
	tasks        []*domain.ScheduledTask
	events       []*domain.OutboxEvent
	endpoints    []*domain.WebhookEndpoint
	sends        []*domain.WebhookDelivery
	history      []*domain.SubscriptionHistory
	jobConfig    map[string]json.RawMessage
	providers    []*domain.ProviderConfig
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		now:        func() time.Time { return time.Now().UTC() },
		items:      make(map[uuid.UUID][]*domain.SubscriptionItem),
		lines:      make(map[uuid.UUID][]*domain.InvoiceLine),
		attempts:   make(map[uuid.UUID][]*domain.PaymentAttempt),
		invoiceSeq: make(map[uuid.UUID]int64),
		jobConfig:  make(map[string]json.RawMessage),
	}
}

// SetNow replaces the clock used for timestamp defaults. Methods that take
// an explicit time still use the caller's value.
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Tenants() store.TenantStore             { return &tenantRepo{s} }
func (s *Store) Customers() store.CustomerStore         { return &customerRepo{s} }
func (s *Store) Plans() store.PlanStore                 { return &planRepo{s} }
func (s *Store) Subscriptions() store.SubscriptionStore { return &subscriptionRepo{s} }
func (s *Store) Invoices() store.InvoiceStore           { return &invoiceRepo{s} }
func (s *Store) Deliveries() store.DeliveryStore        { return &deliveryRepo{s} }
func (s *Store) Entitlements() store.EntitlementStore   { return &entitlementRepo{s} }
func (s *Store) Tasks() store.TaskStore                 { return &taskRepo{s} }
func (s *Store) Outbox() store.OutboxStore              { return &outboxRepo{s} }
func (s *Store) Webhooks() store.WebhookStore           { return &webhookRepo{s} }
func (s *Store) History() store.HistoryStore            { return &historyRepo{s} }
func (s *Store) JobConfig() store.JobConfigStore        { return &jobConfigRepo{s} }
func (s *Store) Providers() store.ProviderConfigStore   { return &providerConfigRepo{s} }

// WithTx runs fn against the same shared state. Rollback is not
// simulated.
func (s *Store) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return fn(s)
}

// ==============================================================================
// Inspection helpers
// ==============================================================================

// AllTasks returns every task in insertion order.
func (s *Store) AllTasks() []domain.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ScheduledTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *cloneTask(t))
	}
	return out
}

// AllEvents returns every outbox event in insertion order.
func (s *Store) AllEvents() []domain.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.OutboxEvent, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, *cloneEvent(ev))
	}
	return out
}

// AllWebhookDeliveries returns every webhook delivery in insertion order.
func (s *Store) AllWebhookDeliveries() []domain.WebhookDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.WebhookDelivery, 0, len(s.sends))
	for _, d := range s.sends {
		out = append(out, *cloneSend(d))
	}
	return out
}

// AllInvoices returns every invoice in insertion order.
func (s *Store) AllInvoices() []domain.Invoice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Invoice, 0, len(s.invoices))
	for _, inv := range s.invoices {
		out = append(out, *cloneInvoice(inv))
	}
	return out
}

// AllDeliveries returns every delivery instance in insertion order.
func (s *Store) AllDeliveries() []domain.DeliveryInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DeliveryInstance, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		out = append(out, *cloneDelivery(d))
	}
	return out
}

// AllEntitlements returns every entitlement in insertion order.
func (s *Store) AllEntitlements() []domain.Entitlement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Entitlement, 0, len(s.entitlements))
	for _, e := range s.entitlements {
		out = append(out, *cloneEntitlement(e))
	}
	return out
}

// AllHistory returns every history row in insertion order.
func (s *Store) AllHistory() []domain.SubscriptionHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SubscriptionHistory, 0, len(s.history))
	for _, h := range s.history {
		out = append(out, *cloneHistory(h))
	}
	return out
}

// ==============================================================================
// Clone helpers
//
// Everything crossing the Store boundary is copied so callers never alias
// internal state.
// ==============================================================================

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

func cloneStrings(ss []string) []string {
	if ss == nil {
		return nil
	}
	out := make([]string, len(ss))
	copy(out, ss)
	return out
}

func cloneAddress(a *domain.ShippingAddress) *domain.ShippingAddress {
	if a == nil {
		return nil
	}
	v := *a
	return &v
}

func cloneTenant(t *domain.Tenant) *domain.Tenant {
	v := *t
	return &v
}

func cloneCustomer(c *domain.Customer) *domain.Customer {
	v := *c
	v.Attributes = cloneRaw(c.Attributes)
	return &v
}

func clonePlan(p *domain.Plan) *domain.Plan {
	v := *p
	return &v
}

func cloneSubscription(sub *domain.Subscription) *domain.Subscription {
	v := *sub
	v.TrialStart = cloneTime(sub.TrialStart)
	v.TrialEnd = cloneTime(sub.TrialEnd)
	v.CanceledAt = cloneTime(sub.CanceledAt)
	v.ShippingAddress = cloneAddress(sub.ShippingAddress)
	return &v
}

func cloneItem(it *domain.SubscriptionItem) *domain.SubscriptionItem {
	v := *it
	v.ItemConfig = cloneRaw(it.ItemConfig)
	return &v
}

func cloneInvoice(inv *domain.Invoice) *domain.Invoice {
	v := *inv
	v.DueDate = cloneTime(inv.DueDate)
	v.PaidAt = cloneTime(inv.PaidAt)
	v.VoidedAt = cloneTime(inv.VoidedAt)
	return &v
}

func cloneLine(line *domain.InvoiceLine) *domain.InvoiceLine {
	v := *line
	v.ProductID = cloneUUID(line.ProductID)
	return &v
}

func cloneAttempt(a *domain.PaymentAttempt) *domain.PaymentAttempt {
	v := *a
	v.CompletedAt = cloneTime(a.CompletedAt)
	return &v
}

func cloneDelivery(d *domain.DeliveryInstance) *domain.DeliveryInstance {
	v := *d
	if d.Items != nil {
		v.Items = make([]domain.DeliveryItem, len(d.Items))
		copy(v.Items, d.Items)
	}
	v.ShippingAddress = cloneAddress(d.ShippingAddress)
	v.OrderedAt = cloneTime(d.OrderedAt)
	v.ShippedAt = cloneTime(d.ShippedAt)
	v.DeliveredAt = cloneTime(d.DeliveredAt)
	v.CanceledAt = cloneTime(d.CanceledAt)
	return &v
}

func cloneEntitlement(e *domain.Entitlement) *domain.Entitlement {
	v := *e
	v.SubscriptionID = cloneUUID(e.SubscriptionID)
	v.ValidUntil = cloneTime(e.ValidUntil)
	v.RevokedAt = cloneTime(e.RevokedAt)
	v.Payload = cloneRaw(e.Payload)
	return &v
}

func cloneTask(t *domain.ScheduledTask) *domain.ScheduledTask {
	v := *t
	v.Payload = cloneRaw(t.Payload)
	v.ClaimedAt = cloneTime(t.ClaimedAt)
	v.LeaseExpiresAt = cloneTime(t.LeaseExpiresAt)
	v.CompletedAt = cloneTime(t.CompletedAt)
	return &v
}

func cloneEvent(ev *domain.OutboxEvent) *domain.OutboxEvent {
	v := *ev
	v.Payload = cloneRaw(ev.Payload)
	v.FannedAt = cloneTime(ev.FannedAt)
	return &v
}

func cloneEndpoint(e *domain.WebhookEndpoint) *domain.WebhookEndpoint {
	v := *e
	v.EventTypes = cloneStrings(e.EventTypes)
	return &v
}

func cloneSend(d *domain.WebhookDelivery) *domain.WebhookDelivery {
	v := *d
	v.Payload = cloneRaw(d.Payload)
	v.DeliveredAt = cloneTime(d.DeliveredAt)
	return &v
}

func cloneHistory(h *domain.SubscriptionHistory) *domain.SubscriptionHistory {
	v := *h
	v.Metadata = cloneRaw(h.Metadata)
	return &v
}

func cloneProviderConfig(c *domain.ProviderConfig) *domain.ProviderConfig {
	v := *c
	return &v
}

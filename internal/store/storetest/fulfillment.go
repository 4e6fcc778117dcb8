package storetest

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/skuld/internal/domain"
)

// ==============================================================================
// Deliveries
// ==============================================================================

type deliveryRepo struct{ s *Store }

func (r *deliveryRepo) Create(ctx context.Context, d *domain.DeliveryInstance) (*domain.DeliveryInstance, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if d.TenantID == uuid.Nil {
		return nil, false, domain.ErrTenantRequired
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = domain.DeliveryStatusPending
	}

	for _, existing := range r.s.deliveries {
		if existing.TenantID == d.TenantID &&
			existing.SubscriptionID == d.SubscriptionID &&
			existing.CycleKey == d.CycleKey {
			return cloneDelivery(existing), false, nil
		}
	}

	now := r.s.now()
	d.CreatedAt = now
	d.UpdatedAt = now
	r.s.deliveries = append(r.s.deliveries, cloneDelivery(d))
	return d, true, nil
}

func (r *deliveryRepo) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.DeliveryInstance, error) {
	const op = "storetest.deliveries.get"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, d := range r.s.deliveries {
		if d.TenantID == tenantID && d.ID == id {
			return cloneDelivery(d), nil
		}
	}
	return nil, domain.NotFound(op, "delivery", id.String())
}

func (r *deliveryRepo) GetByCycleKey(ctx context.Context, tenantID, subscriptionID uuid.UUID, cycleKey string) (*domain.DeliveryInstance, error) {
	const op = "storetest.deliveries.get_by_cycle_key"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, d := range r.s.deliveries {
		if d.TenantID == tenantID && d.SubscriptionID == subscriptionID && d.CycleKey == cycleKey {
			return cloneDelivery(d), nil
		}
	}
	return nil, domain.NotFound(op, "delivery", cycleKey)
}

func (r *deliveryRepo) Update(ctx context.Context, d *domain.DeliveryInstance) error {
	const op = "storetest.deliveries.update"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, stored := range r.s.deliveries {
		if stored.TenantID == d.TenantID && stored.ID == d.ID {
			created := stored.CreatedAt
			*stored = *cloneDelivery(d)
			stored.CreatedAt = created
			stored.UpdatedAt = r.s.now()
			return nil
		}
	}
	return domain.NotFound(op, "delivery", d.ID.String())
}

func (r *deliveryRepo) CancelPendingBySubscription(ctx context.Context, tenantID, subscriptionID uuid.UUID, reason string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	var canceled int64
	for _, d := range r.s.deliveries {
		if d.TenantID != tenantID || d.SubscriptionID != subscriptionID ||
			d.Status != domain.DeliveryStatusPending {
			continue
		}
		d.Status = domain.DeliveryStatusCanceled
		d.CancellationReason = reason
		at := now
		d.CanceledAt = &at
		d.UpdatedAt = now
		canceled++
	}
	return canceled, nil
}

// ==============================================================================
// Entitlements
// ==============================================================================

type entitlementRepo struct{ s *Store }

func (r *entitlementRepo) Upsert(ctx context.Context, e *domain.Entitlement) (*domain.Entitlement, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if e.TenantID == uuid.Nil {
		return nil, domain.ErrTenantRequired
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = domain.EntitlementStatusActive
	}
	if e.ValidFrom.IsZero() {
		e.ValidFrom = r.s.now()
	}

	now := r.s.now()
	for _, existing := range r.s.entitlements {
		if existing.TenantID != e.TenantID || existing.CustomerID != e.CustomerID ||
			existing.EntitlementKey != e.EntitlementKey {
			continue
		}
		// Extension: valid_from only moves earlier, valid_until only moves
		// later, and an open-ended grant stays open-ended.
		existing.SubscriptionID = cloneUUID(e.SubscriptionID)
		existing.EntitlementType = e.EntitlementType
		existing.Status = e.Status
		if e.ValidFrom.Before(existing.ValidFrom) {
			existing.ValidFrom = e.ValidFrom
		}
		if existing.ValidUntil == nil || e.ValidUntil == nil {
			existing.ValidUntil = nil
		} else if e.ValidUntil.After(*existing.ValidUntil) {
			existing.ValidUntil = cloneTime(e.ValidUntil)
		}
		existing.Payload = cloneRaw(e.Payload)
		existing.ExternalRef = e.ExternalRef
		existing.RevokedAt = nil
		existing.UpdatedAt = now
		return cloneEntitlement(existing), nil
	}

	e.CreatedAt = now
	e.UpdatedAt = now
	r.s.entitlements = append(r.s.entitlements, cloneEntitlement(e))
	return cloneEntitlement(e), nil
}

func (r *entitlementRepo) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Entitlement, error) {
	const op = "storetest.entitlements.get"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if e := r.s.findEntitlement(tenantID, id); e != nil {
		return cloneEntitlement(e), nil
	}
	return nil, domain.NotFound(op, "entitlement", id.String())
}

func (r *entitlementRepo) GetByKey(ctx context.Context, tenantID, customerID uuid.UUID, entitlementKey string) (*domain.Entitlement, error) {
	const op = "storetest.entitlements.get_by_key"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, e := range r.s.entitlements {
		if e.TenantID == tenantID && e.CustomerID == customerID && e.EntitlementKey == entitlementKey {
			return cloneEntitlement(e), nil
		}
	}
	return nil, domain.NotFound(op, "entitlement", entitlementKey)
}

func (r *entitlementRepo) ListByCustomer(ctx context.Context, tenantID, customerID uuid.UUID) ([]domain.Entitlement, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []domain.Entitlement
	for _, e := range r.s.entitlements {
		if e.TenantID == tenantID && e.CustomerID == customerID {
			out = append(out, *cloneEntitlement(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EntitlementKey < out[j].EntitlementKey
	})
	return out, nil
}

func (r *entitlementRepo) ListBySubscription(ctx context.Context, tenantID, subscriptionID uuid.UUID) ([]domain.Entitlement, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []domain.Entitlement
	for _, e := range r.s.entitlements {
		if e.TenantID == tenantID && e.SubscriptionID != nil && *e.SubscriptionID == subscriptionID {
			out = append(out, *cloneEntitlement(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EntitlementKey < out[j].EntitlementKey
	})
	return out, nil
}

func (r *entitlementRepo) Revoke(ctx context.Context, tenantID, id uuid.UUID, at time.Time) error {
	const op = "storetest.entitlements.revoke"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e := r.s.findEntitlement(tenantID, id)
	if e == nil {
		return domain.NotFound(op, "entitlement", id.String())
	}
	if e.Status != domain.EntitlementStatusActive {
		if e.Status == domain.EntitlementStatusRevoked {
			return domain.ErrEntitlementRevoked
		}
		return domain.Conflict(op, "entitlement is not active")
	}
	e.Status = domain.EntitlementStatusRevoked
	t := at
	e.RevokedAt = &t
	e.UpdatedAt = r.s.now()
	return nil
}

func (r *entitlementRepo) RevokeBySubscription(ctx context.Context, tenantID, subscriptionID uuid.UUID, at time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var revoked int64
	for _, e := range r.s.entitlements {
		if e.TenantID != tenantID || e.SubscriptionID == nil || *e.SubscriptionID != subscriptionID ||
			e.Status != domain.EntitlementStatusActive {
			continue
		}
		e.Status = domain.EntitlementStatusRevoked
		t := at
		e.RevokedAt = &t
		e.UpdatedAt = r.s.now()
		revoked++
	}
	return revoked, nil
}

func (r *entitlementRepo) ExpireLapsed(ctx context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var expired int64
	for _, e := range r.s.entitlements {
		if e.Status != domain.EntitlementStatusActive || e.ValidUntil == nil || e.ValidUntil.After(now) {
			continue
		}
		e.Status = domain.EntitlementStatusExpired
		e.UpdatedAt = r.s.now()
		expired++
	}
	return expired, nil
}

func (s *Store) findEntitlement(tenantID, id uuid.UUID) *domain.Entitlement {
	for _, e := range s.entitlements {
		if e.TenantID == tenantID && e.ID == id {
			return e
		}
	}
	return nil
}

// ==============================================================================
// History
// ==============================================================================

type historyRepo struct{ s *Store }

func (r *historyRepo) Insert(ctx context.Context, h *domain.SubscriptionHistory) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if h.TenantID == uuid.Nil {
		return domain.ErrTenantRequired
	}
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	if h.PerformedByType == "" {
		h.PerformedByType = domain.ActorTypeSystem
	}
	if h.PerformedAt.IsZero() {
		h.PerformedAt = r.s.now()
	}
	if len(h.Metadata) == 0 {
		h.Metadata = []byte("{}")
	}
	r.s.history = append(r.s.history, cloneHistory(h))
	return nil
}

func (r *historyRepo) ListBySubscription(ctx context.Context, tenantID, subscriptionID uuid.UUID, limit int32) ([]domain.SubscriptionHistory, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}

	var out []domain.SubscriptionHistory
	for _, h := range r.s.history {
		if h.TenantID == tenantID && h.SubscriptionID == subscriptionID {
			out = append(out, *cloneHistory(h))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PerformedAt.After(out[j].PerformedAt)
	})
	if int32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ==============================================================================
// Job config
// ==============================================================================

type jobConfigRepo struct{ s *Store }

func (r *jobConfigRepo) Get(ctx context.Context, key string) (json.RawMessage, error) {
	const op = "storetest.jobconfig.get"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	value, ok := r.s.jobConfig[key]
	if !ok {
		return nil, domain.NotFound(op, "job config", key)
	}
	return cloneRaw(value), nil
}

func (r *jobConfigRepo) Set(ctx context.Context, key string, value json.RawMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.jobConfig[key] = cloneRaw(value)
	return nil
}

// ==============================================================================
// Provider configs
// ==============================================================================

type providerConfigRepo struct{ s *Store }

func (r *providerConfigRepo) Upsert(ctx context.Context, c *domain.ProviderConfig) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if c.TenantID == uuid.Nil {
		return domain.ErrTenantRequired
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = domain.ProviderConfigStatusActive
	}

	now := r.s.now()
	for _, existing := range r.s.providers {
		if existing.TenantID == c.TenantID && existing.ProviderType == c.ProviderType {
			existing.ProviderName = c.ProviderName
			existing.ConfigEncrypted = c.ConfigEncrypted
			existing.Status = c.Status
			existing.UpdatedAt = now
			return nil
		}
	}
	c.CreatedAt = now
	c.UpdatedAt = now
	r.s.providers = append(r.s.providers, cloneProviderConfig(c))
	return nil
}

func (r *providerConfigRepo) Get(ctx context.Context, tenantID uuid.UUID, providerType string) (*domain.ProviderConfig, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, c := range r.s.providers {
		if c.TenantID == tenantID && c.ProviderType == providerType {
			return cloneProviderConfig(c), nil
		}
	}
	return nil, domain.ErrProviderConfigNotFound
}

func (r *providerConfigRepo) SetStatus(ctx context.Context, tenantID uuid.UUID, providerType, status string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, c := range r.s.providers {
		if c.TenantID == tenantID && c.ProviderType == providerType {
			c.Status = status
			c.UpdatedAt = r.s.now()
			return nil
		}
	}
	return domain.ErrProviderConfigNotFound
}

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dukerupert/skuld/internal/domain"
	"github.com/dukerupert/skuld/internal/outbox"
	"github.com/dukerupert/skuld/internal/store"
	"github.com/dukerupert/skuld/internal/task"
	"github.com/dukerupert/skuld/internal/tax"
	"github.com/dukerupert/skuld/internal/telemetry"
)

// SubscriptionService owns the subscription state machine: creation,
// pause/resume, cancellation (immediate and deferred), trial conversion,
// and mid-cycle modification.
type SubscriptionService interface {
	Create(ctx context.Context, params CreateSubscriptionParams) (*domain.Subscription, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Subscription, []domain.SubscriptionItem, error)
	Pause(ctx context.Context, id uuid.UUID) (*domain.Subscription, error)
	Resume(ctx context.Context, id uuid.UUID) (*domain.Subscription, error)
	Cancel(ctx context.Context, params CancelSubscriptionParams) (*domain.Subscription, error)
	Modify(ctx context.Context, params ModifySubscriptionParams) (*domain.Subscription, error)

	// EndTrial converts a trial whose window has closed: into ACTIVE with
	// the first paid cycle billed, or straight to CANCELED if the
	// customer already asked for that.
	EndTrial(ctx context.Context, id uuid.UUID) error

	// FinalizeCancellation completes a deferred cancellation once the
	// paid-through period has ended.
	FinalizeCancellation(ctx context.Context, id uuid.UUID) error

	// Expire closes a subscription whose period lapsed without renewal.
	Expire(ctx context.Context, id uuid.UUID) error
}

// CreateSubscriptionParams describes a new subscription.
type CreateSubscriptionParams struct {
	CustomerID uuid.UUID
	PlanID     uuid.UUID

	// Items override the plan's default single line. Empty means one item
	// at the plan's base price.
	Items []SubscriptionItemParams

	// PaymentMethodRef is required unless the plan starts with a trial.
	PaymentMethodRef string

	// ShippingAddress is required for plans that produce deliveries.
	ShippingAddress *domain.ShippingAddress
}

// SubscriptionItemParams is one product line on a subscription.
type SubscriptionItemParams struct {
	ProductID      uuid.UUID
	ProductName    string
	Quantity       int32
	UnitPriceCents int64
	ItemConfig     json.RawMessage
}

// CancelSubscriptionParams controls how a subscription ends.
type CancelSubscriptionParams struct {
	SubscriptionID uuid.UUID
	Reason         string

	// AtPeriodEnd defers the cancellation to the end of the paid-through
	// period instead of cutting access immediately.
	AtPeriodEnd bool
}

// ModifySubscriptionParams carries a mid-cycle change. Nil fields are left
// untouched.
type ModifySubscriptionParams struct {
	SubscriptionID   uuid.UUID
	PlanID           *uuid.UUID
	Items            []SubscriptionItemParams
	PaymentMethodRef *string
	ShippingAddress  *domain.ShippingAddress
}

type subscriptionService struct {
	store  store.Store
	tax    tax.Calculator
	logger *slog.Logger
}

// NewSubscriptionService creates a SubscriptionService. A nil tax
// calculator means no tax is charged on first-period invoices.
func NewSubscriptionService(st store.Store, taxCalc tax.Calculator, logger *slog.Logger) SubscriptionService {
	if taxCalc == nil {
		taxCalc = tax.NewNoTaxCalculator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &subscriptionService{
		store:  st,
		tax:    taxCalc,
		logger: logger.With("service", "subscription"),
	}
}

// Create starts a subscription.
//
// Flow:
//  1. Validate the plan is ACTIVE and the customer exists
//  2. Build items (defaulting to one line at the plan's base price) and
//     freeze the plan into a snapshot
//  3. Plans with a trial start TRIALING with the first period spanning
//     the trial window; a TRIAL_END task is scheduled for conversion
//  4. Plans without a trial start ACTIVE and the first period is billed
//     immediately, in the same transaction as the insert
func (s *subscriptionService) Create(ctx context.Context, params CreateSubscriptionParams) (*domain.Subscription, error) {
	const op = "subscription.create"

	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}

	plan, err := s.store.Plans().Get(ctx, tenantID, params.PlanID)
	if err != nil {
		if domain.IsCode(err, domain.ENOTFOUND) {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}
	if plan.Status != domain.PlanStatusActive {
		return nil, ErrPlanInactive
	}
	if _, err := s.store.Customers().Get(ctx, tenantID, params.CustomerID); err != nil {
		if domain.IsCode(err, domain.ENOTFOUND) {
			return nil, ErrCustomerNotFound
		}
		return nil, err
	}

	now := time.Now().UTC()
	snapshot := domain.SnapshotPlan(plan, now)

	items, err := buildItems(params.Items, tenantID, snapshot)
	if err != nil {
		return nil, err
	}
	if plan.ProducesDelivery() && params.ShippingAddress == nil {
		return nil, ErrShippingAddressMissing
	}

	trial := plan.TrialPeriodDays > 0
	if !trial && params.PaymentMethodRef == "" {
		return nil, ErrNoPaymentMethod
	}

	sub := &domain.Subscription{
		TenantID:         tenantID,
		CustomerID:       params.CustomerID,
		PlanID:           plan.ID,
		PaymentMethodRef: params.PaymentMethodRef,
		ShippingAddress:  params.ShippingAddress,
		PlanSnapshot:     snapshot,
	}

	if trial {
		trialEnd := now.AddDate(0, 0, int(plan.TrialPeriodDays))
		sub.Status = domain.SubscriptionStatusTrialing
		sub.TrialStart = &now
		sub.TrialEnd = &trialEnd
		sub.CurrentPeriodStart = now
		sub.CurrentPeriodEnd = trialEnd
		sub.NextRenewalAt = trialEnd
	} else {
		sub.Status = domain.SubscriptionStatusActive
		sub.CurrentPeriodStart = now
		sub.CurrentPeriodEnd = domain.AdvancePeriod(now, snapshot.BillingInterval, snapshot.BillingIntervalCount)
		sub.NextRenewalAt = sub.CurrentPeriodEnd
	}

	err = s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Subscriptions().Create(ctx, sub, items); err != nil {
			return err
		}

		if trial {
			if _, err := task.EnqueueTrialEnd(ctx, tx.Tasks(), tenantID,
				task.TrialEndPayload{SubscriptionID: sub.ID},
				task.Options{RunAt: *sub.TrialEnd}); err != nil {
				return err
			}
		} else {
			if _, _, err := billNewPeriod(ctx, tx, s.tax, sub, items, now); err != nil {
				return err
			}
			if err := tx.Subscriptions().Update(ctx, sub); err != nil {
				return err
			}
		}

		if err := recordHistory(ctx, tx, tenantID, sub.ID, domain.HistoryActionCreated, map[string]any{
			"plan_id": plan.ID,
			"trial":   trial,
		}); err != nil {
			return err
		}
		return outbox.Emit(ctx, tx.Outbox(), tenantID,
			outbox.EventSubscriptionCreated, "subscription.created:"+sub.ID.String(),
			subscriptionEventData(sub))
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.logger.Info("subscription created",
		"subscription_id", sub.ID, "plan_id", plan.ID,
		"status", sub.Status, "items", len(items))
	return sub, nil
}

// Get returns a subscription with its items.
func (s *subscriptionService) Get(ctx context.Context, id uuid.UUID) (*domain.Subscription, []domain.SubscriptionItem, error) {
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return nil, nil, err
	}
	sub, err := s.store.Subscriptions().Get(ctx, tenantID, id)
	if err != nil {
		return nil, nil, err
	}
	items, err := s.store.Subscriptions().GetItems(ctx, tenantID, id)
	if err != nil {
		return nil, nil, err
	}
	return sub, items, nil
}

// Pause suspends renewals. The current period stays paid; deliveries
// already created for it still ship, and entitlements run out on their own
// schedule.
func (s *subscriptionService) Pause(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	const op = "subscription.pause"

	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var sub *domain.Subscription
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		sub, err = tx.Subscriptions().Get(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if sub.Status == domain.SubscriptionStatusPaused {
			return nil
		}
		if !domain.CanTransitionSubscription(sub.Status, domain.SubscriptionStatusPaused) {
			return ErrCannotPause
		}
		sub.Status = domain.SubscriptionStatusPaused
		if err := tx.Subscriptions().Update(ctx, sub); err != nil {
			return err
		}
		if err := recordHistory(ctx, tx, tenantID, sub.ID, domain.HistoryActionPaused, nil); err != nil {
			return err
		}
		return outbox.Emit(ctx, tx.Outbox(), tenantID,
			outbox.EventSubscriptionPaused,
			fmt.Sprintf("subscription.paused:%s:%d", sub.ID, sub.UpdatedAt.UnixNano()),
			subscriptionEventData(sub))
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.logger.Info("subscription paused", "subscription_id", sub.ID)
	return sub, nil
}

// Resume reactivates a paused subscription. If the paid-through period
// lapsed while paused, a fresh period starting now is billed immediately;
// otherwise the subscription simply picks its old schedule back up.
func (s *subscriptionService) Resume(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	const op = "subscription.resume"

	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var sub *domain.Subscription
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		sub, err = tx.Subscriptions().Get(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if sub.Status != domain.SubscriptionStatusPaused {
			return ErrSubscriptionNotPaused
		}
		sub.Status = domain.SubscriptionStatusActive

		if !sub.CurrentPeriodEnd.After(now) {
			items, err := tx.Subscriptions().GetItems(ctx, tenantID, sub.ID)
			if err != nil {
				return err
			}
			if _, _, err := billNewPeriod(ctx, tx, s.tax, sub, items, now); err != nil {
				return err
			}
		}
		if err := tx.Subscriptions().Update(ctx, sub); err != nil {
			return err
		}
		if err := recordHistory(ctx, tx, tenantID, sub.ID, domain.HistoryActionResumed, nil); err != nil {
			return err
		}
		return outbox.Emit(ctx, tx.Outbox(), tenantID,
			outbox.EventSubscriptionResumed,
			fmt.Sprintf("subscription.resumed:%s:%d", sub.ID, now.UnixNano()),
			subscriptionEventData(sub))
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.logger.Info("subscription resumed",
		"subscription_id", sub.ID, "period_end", sub.CurrentPeriodEnd)
	return sub, nil
}

// Cancel ends a subscription. Immediate cancellation cuts access now:
// pending deliveries are canceled and entitlements revoked. Deferred
// cancellation only flags the subscription; the sweeper finalizes it when
// the paid-through period ends, and access runs out naturally.
func (s *subscriptionService) Cancel(ctx context.Context, params CancelSubscriptionParams) (*domain.Subscription, error) {
	const op = "subscription.cancel"

	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var sub *domain.Subscription
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		sub, err = tx.Subscriptions().Get(ctx, tenantID, params.SubscriptionID)
		if err != nil {
			return err
		}
		if sub.Status == domain.SubscriptionStatusCanceled {
			return nil
		}
		if !domain.CanTransitionSubscription(sub.Status, domain.SubscriptionStatusCanceled) {
			return ErrSubscriptionTerminal
		}

		if params.AtPeriodEnd {
			sub.CancelAtPeriodEnd = true
			sub.CancellationReason = params.Reason
			if err := tx.Subscriptions().Update(ctx, sub); err != nil {
				return err
			}
			if err := recordHistory(ctx, tx, tenantID, sub.ID, domain.HistoryActionModified, map[string]any{
				"cancel_at_period_end": true,
				"reason":               params.Reason,
			}); err != nil {
				return err
			}
			return outbox.Emit(ctx, tx.Outbox(), tenantID,
				outbox.EventSubscriptionUpdated,
				fmt.Sprintf("subscription.updated:%s:cancel_at_period_end", sub.ID),
				subscriptionEventData(sub))
		}

		return s.cancelNow(ctx, tx, sub, params.Reason)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.logger.Info("subscription canceled",
		"subscription_id", sub.ID, "at_period_end", params.AtPeriodEnd,
		"reason", params.Reason)
	return sub, nil
}

// cancelNow performs the immediate half of cancellation inside the
// caller's transaction.
func (s *subscriptionService) cancelNow(ctx context.Context, tx store.Store, sub *domain.Subscription, reason string) error {
	now := time.Now().UTC()
	sub.Status = domain.SubscriptionStatusCanceled
	sub.CanceledAt = &now
	sub.CancellationReason = reason
	if err := tx.Subscriptions().Update(ctx, sub); err != nil {
		return err
	}

	if _, err := tx.Deliveries().CancelPendingBySubscription(ctx, sub.TenantID, sub.ID, "subscription_canceled"); err != nil {
		return err
	}
	if err := s.revokeEntitlements(ctx, tx, sub, now); err != nil {
		return err
	}

	if err := recordHistory(ctx, tx, sub.TenantID, sub.ID, domain.HistoryActionCanceled, map[string]any{
		"reason": reason,
	}); err != nil {
		return err
	}
	return outbox.Emit(ctx, tx.Outbox(), sub.TenantID,
		outbox.EventSubscriptionCanceled, "subscription.canceled:"+sub.ID.String(),
		subscriptionEventData(sub))
}

// revokeEntitlements revokes every ACTIVE entitlement on the subscription
// and emits one entitlement.revoked per grant.
func (s *subscriptionService) revokeEntitlements(ctx context.Context, tx store.Store, sub *domain.Subscription, at time.Time) error {
	ents, err := tx.Entitlements().ListBySubscription(ctx, sub.TenantID, sub.ID)
	if err != nil {
		return err
	}
	revoked := 0
	for _, ent := range ents {
		if ent.Status != domain.EntitlementStatusActive {
			continue
		}
		if err := tx.Entitlements().Revoke(ctx, sub.TenantID, ent.ID, at); err != nil {
			return err
		}
		if err := outbox.Emit(ctx, tx.Outbox(), sub.TenantID,
			outbox.EventEntitlementRevoked,
			fmt.Sprintf("entitlement.revoked:%s:%d", ent.ID, at.UnixNano()),
			outbox.EntitlementEventData{
				EntitlementID:  ent.ID,
				CustomerID:     ent.CustomerID,
				SubscriptionID: ent.SubscriptionID,
				EntitlementKey: ent.EntitlementKey,
				Status:         domain.EntitlementStatusRevoked,
				ValidFrom:      ent.ValidFrom,
				ValidUntil:     ent.ValidUntil,
			}); err != nil {
			return err
		}
		revoked++
	}
	if revoked > 0 && telemetry.Engine != nil {
		telemetry.Engine.EntitlementsRevoked.WithLabelValues(sub.TenantID.String()).Add(float64(revoked))
	}
	return nil
}

// Modify applies a mid-cycle change.
//
// A plan change re-freezes the snapshot from the new plan and credits the
// unused remainder of the current period, day-granular, against the next
// invoice. The current period itself is never rebilled.
func (s *subscriptionService) Modify(ctx context.Context, params ModifySubscriptionParams) (*domain.Subscription, error) {
	const op = "subscription.modify"

	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var sub *domain.Subscription
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		sub, err = tx.Subscriptions().Get(ctx, tenantID, params.SubscriptionID)
		if err != nil {
			return err
		}
		if sub.Status == domain.SubscriptionStatusCanceled || sub.Status == domain.SubscriptionStatusExpired {
			return ErrSubscriptionTerminal
		}

		items, err := tx.Subscriptions().GetItems(ctx, tenantID, sub.ID)
		if err != nil {
			return err
		}

		action := domain.HistoryActionModified
		metadata := map[string]any{}

		if params.PlanID != nil && *params.PlanID != sub.PlanID {
			plan, err := tx.Plans().Get(ctx, tenantID, *params.PlanID)
			if err != nil {
				if domain.IsCode(err, domain.ENOTFOUND) {
					return ErrPlanNotFound
				}
				return err
			}
			if plan.Status != domain.PlanStatusActive {
				return ErrPlanInactive
			}
			if plan.Currency != sub.PlanSnapshot.Currency {
				return ErrCurrencyMismatch
			}

			var subtotal int64
			for _, it := range items {
				subtotal += it.TotalCents()
			}
			credit := prorationCredit(subtotal, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now)
			sub.PendingCreditCents += credit

			metadata["previous_plan_id"] = sub.PlanID
			metadata["plan_id"] = plan.ID
			metadata["proration_credit_cents"] = credit
			action = domain.HistoryActionPlanChanged

			sub.PlanID = plan.ID
			sub.PlanSnapshot = domain.SnapshotPlan(plan, now)
		}

		if params.Items != nil {
			newItems, err := buildItems(params.Items, tenantID, sub.PlanSnapshot)
			if err != nil {
				return err
			}
			if err := tx.Subscriptions().ReplaceItems(ctx, tenantID, sub.ID, newItems); err != nil {
				return err
			}
			metadata["items"] = len(newItems)
		}

		if params.PaymentMethodRef != nil {
			sub.PaymentMethodRef = *params.PaymentMethodRef
		}
		if params.ShippingAddress != nil {
			sub.ShippingAddress = params.ShippingAddress
		}
		if sub.PlanSnapshot.ProducesDelivery() && sub.ShippingAddress == nil {
			return ErrShippingAddressMissing
		}

		if err := tx.Subscriptions().Update(ctx, sub); err != nil {
			return err
		}
		if err := recordHistory(ctx, tx, tenantID, sub.ID, action, metadata); err != nil {
			return err
		}
		return outbox.Emit(ctx, tx.Outbox(), tenantID,
			outbox.EventSubscriptionUpdated,
			fmt.Sprintf("subscription.updated:%s:%d", sub.ID, now.UnixNano()),
			subscriptionEventData(sub))
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.logger.Info("subscription modified",
		"subscription_id", sub.ID, "pending_credit_cents", sub.PendingCreditCents)
	return sub, nil
}

// EndTrial converts a trial whose window closed.
//
// Flow:
//  1. A subscription no longer TRIALING is a clean no-op (it was
//     canceled or already converted)
//  2. A trial still running is EUNAVAILABLE so the task comes back at
//     the right time
//  3. A pending deferred cancellation wins over conversion
//  4. Otherwise the subscription goes ACTIVE and the first paid cycle is
//     billed through the normal renewal path
func (s *subscriptionService) EndTrial(ctx context.Context, id uuid.UUID) error {
	const op = "subscription.endTrial"

	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		sub, err := tx.Subscriptions().Get(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if sub.Status != domain.SubscriptionStatusTrialing {
			s.logger.Info("skipping trial end", "subscription_id", sub.ID, "status", sub.Status)
			return nil
		}
		if sub.TrialEnd != nil && sub.TrialEnd.After(now) {
			return domain.Errorf(domain.EUNAVAILABLE, op, "trial still running until %s", sub.TrialEnd)
		}

		if sub.CancelAtPeriodEnd {
			return s.cancelNow(ctx, tx, sub, sub.CancellationReason)
		}

		sub.Status = domain.SubscriptionStatusActive
		if err := tx.Subscriptions().Update(ctx, sub); err != nil {
			return err
		}

		items, err := tx.Subscriptions().GetItems(ctx, tenantID, sub.ID)
		if err != nil {
			return err
		}
		for _, item := range items {
			if _, err := task.EnqueueProductRenewal(ctx, tx.Tasks(), tenantID, task.ProductRenewalPayload{
				SubscriptionID: sub.ID,
				ItemID:         item.ID,
				ProductID:      item.ProductID,
				PlanID:         sub.PlanID,
			}, task.Options{}); err != nil {
				return err
			}
		}

		if err := recordHistory(ctx, tx, tenantID, sub.ID, domain.HistoryActionTrialEnded, nil); err != nil {
			return err
		}
		return outbox.Emit(ctx, tx.Outbox(), tenantID,
			outbox.EventSubscriptionUpdated,
			"subscription.updated:"+sub.ID.String()+":trial_ended",
			subscriptionEventData(sub))
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// FinalizeCancellation completes a deferred cancellation. Entitlements are
// left to expire on their own valid_until; the paid-through period was
// honored in full.
func (s *subscriptionService) FinalizeCancellation(ctx context.Context, id uuid.UUID) error {
	const op = "subscription.finalizeCancellation"

	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		sub, err := tx.Subscriptions().Get(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if sub.Status == domain.SubscriptionStatusCanceled {
			return nil
		}
		if !sub.CancelAtPeriodEnd {
			return domain.Conflict(op, "subscription is not marked for deferred cancellation")
		}
		if !domain.CanTransitionSubscription(sub.Status, domain.SubscriptionStatusCanceled) {
			return ErrSubscriptionTerminal
		}

		sub.Status = domain.SubscriptionStatusCanceled
		sub.CanceledAt = &now
		if err := tx.Subscriptions().Update(ctx, sub); err != nil {
			return err
		}
		if _, err := tx.Deliveries().CancelPendingBySubscription(ctx, tenantID, sub.ID, "subscription_canceled"); err != nil {
			return err
		}
		if err := recordHistory(ctx, tx, tenantID, sub.ID, domain.HistoryActionCanceled, map[string]any{
			"reason":        sub.CancellationReason,
			"at_period_end": true,
		}); err != nil {
			return err
		}
		return outbox.Emit(ctx, tx.Outbox(), tenantID,
			outbox.EventSubscriptionCanceled, "subscription.canceled:"+sub.ID.String(),
			subscriptionEventData(sub))
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.logger.Info("deferred cancellation finalized", "subscription_id", id)
	return nil
}

// Expire closes a subscription whose period lapsed without a successful
// renewal. Entitlements are not revoked here; their valid_until has
// already passed and the lapse sweep expires them.
func (s *subscriptionService) Expire(ctx context.Context, id uuid.UUID) error {
	const op = "subscription.expire"

	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return err
	}

	err = s.store.WithTx(ctx, func(tx store.Store) error {
		sub, err := tx.Subscriptions().Get(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if sub.Status == domain.SubscriptionStatusExpired {
			return nil
		}
		if !domain.CanTransitionSubscription(sub.Status, domain.SubscriptionStatusExpired) {
			return ErrSubscriptionTerminal
		}

		sub.Status = domain.SubscriptionStatusExpired
		if err := tx.Subscriptions().Update(ctx, sub); err != nil {
			return err
		}
		if _, err := tx.Deliveries().CancelPendingBySubscription(ctx, tenantID, sub.ID, "subscription_expired"); err != nil {
			return err
		}
		if err := recordHistory(ctx, tx, tenantID, sub.ID, domain.HistoryActionExpired, map[string]any{
			"period_end": sub.CurrentPeriodEnd,
		}); err != nil {
			return err
		}
		return outbox.Emit(ctx, tx.Outbox(), tenantID,
			outbox.EventSubscriptionUpdated,
			"subscription.updated:"+sub.ID.String()+":expired",
			subscriptionEventData(sub))
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.logger.Info("subscription expired", "subscription_id", id)
	return nil
}

// buildItems validates item params and stamps them with the snapshot's
// currency. Empty params synthesize the plan's default single line.
func buildItems(params []SubscriptionItemParams, tenantID uuid.UUID, snap domain.PlanSnapshot) ([]domain.SubscriptionItem, error) {
	const op = "subscription.buildItems"

	if len(params) == 0 {
		return []domain.SubscriptionItem{{
			TenantID:       tenantID,
			ProductID:      snap.PlanID,
			ProductName:    snap.PlanName,
			Quantity:       1,
			UnitPriceCents: snap.BasePriceCents,
			Currency:       snap.Currency,
		}}, nil
	}

	items := make([]domain.SubscriptionItem, 0, len(params))
	for _, p := range params {
		if p.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
		if p.UnitPriceCents < 0 {
			return nil, domain.Invalid(op, "unit price must not be negative")
		}
		if p.ProductID == uuid.Nil {
			return nil, domain.Invalid(op, "item product id is required")
		}
		items = append(items, domain.SubscriptionItem{
			TenantID:       tenantID,
			ProductID:      p.ProductID,
			ProductName:    p.ProductName,
			Quantity:       p.Quantity,
			UnitPriceCents: p.UnitPriceCents,
			Currency:       snap.Currency,
			ItemConfig:     p.ItemConfig,
		})
	}
	return items, nil
}

// prorationCredit is the unused share of amountCents for the remainder of
// the period after at, rounded down to whole days and whole cents. Partial
// days do not earn credit.
func prorationCredit(amountCents int64, periodStart, periodEnd, at time.Time) int64 {
	if amountCents <= 0 || !periodEnd.After(periodStart) {
		return 0
	}
	totalDays := int64(periodEnd.Sub(periodStart).Hours() / 24)
	if totalDays <= 0 {
		return 0
	}
	remainingDays := int64(periodEnd.Sub(at).Hours() / 24)
	if remainingDays <= 0 {
		return 0
	}
	if remainingDays > totalDays {
		remainingDays = totalDays
	}
	return decimal.NewFromInt(amountCents).
		Mul(decimal.NewFromInt(remainingDays)).
		Div(decimal.NewFromInt(totalDays)).
		Floor().
		IntPart()
}

// subscriptionEventData maps a subscription into its outbox payload.
func subscriptionEventData(sub *domain.Subscription) outbox.SubscriptionEventData {
	start := sub.CurrentPeriodStart
	end := sub.CurrentPeriodEnd
	renewal := sub.NextRenewalAt
	return outbox.SubscriptionEventData{
		SubscriptionID:     sub.ID,
		CustomerID:         sub.CustomerID,
		PlanID:             sub.PlanID,
		Status:             sub.Status,
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
		NextRenewalAt:      &renewal,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		Reason:             sub.CancellationReason,
	}
}

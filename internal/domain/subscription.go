package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Subscription statuses. ACTIVE renews on schedule, TRIALING converts
// at trial end; CANCELED and EXPIRED are terminal.
const (
	SubscriptionStatusTrialing = "TRIALING"
	SubscriptionStatusActive   = "ACTIVE"
	SubscriptionStatusPaused   = "PAUSED"
	SubscriptionStatusCanceled = "CANCELED"
	SubscriptionStatusExpired  = "EXPIRED"
)

// subscriptionTransitions is the legal state machine. Transitions not listed
// here are rejected with ECONFLICT.
var subscriptionTransitions = map[string][]string{
	SubscriptionStatusTrialing: {SubscriptionStatusActive, SubscriptionStatusPaused, SubscriptionStatusCanceled, SubscriptionStatusExpired},
	SubscriptionStatusActive:   {SubscriptionStatusPaused, SubscriptionStatusCanceled, SubscriptionStatusExpired},
	SubscriptionStatusPaused:   {SubscriptionStatusActive, SubscriptionStatusCanceled},
	SubscriptionStatusCanceled: {},
	SubscriptionStatusExpired:  {},
}

// CanTransitionSubscription reports whether a subscription may move from one
// status to another.
func CanTransitionSubscription(from, to string) bool {
	for _, allowed := range subscriptionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminalSubscriptionStatus reports whether the status admits no further
// transitions.
func IsTerminalSubscriptionStatus(status string) bool {
	return len(subscriptionTransitions[status]) == 0
}

// Subscription is the long-lived contract between a customer and one or more
// plans. Invariants: CurrentPeriodStart < CurrentPeriodEnd, NextRenewalAt >=
// CurrentPeriodStart, PlanSnapshot immutable once written.
type Subscription struct {
	ID                 uuid.UUID
	TenantID           uuid.UUID
	CustomerID         uuid.UUID
	PlanID             uuid.UUID
	Status             string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	NextRenewalAt      time.Time
	TrialStart         *time.Time
	TrialEnd           *time.Time
	PaymentMethodRef   string
	ShippingAddress    *ShippingAddress
	PlanSnapshot       PlanSnapshot
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	CancellationReason string

	// PendingCreditCents is an unapplied proration credit from a mid-cycle
	// plan change. The next renewal invoice consumes it as a negative line.
	PendingCreditCents int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Renewable reports whether the sweeper should enqueue renewal work for this
// subscription when NextRenewalAt passes.
func (s *Subscription) Renewable() bool {
	return s.Status == SubscriptionStatusActive
}

// InTrial reports whether the subscription is trialing with an unexpired
// trial window at the given instant. A trial ending exactly at now is over.
func (s *Subscription) InTrial(now time.Time) bool {
	return s.Status == SubscriptionStatusTrialing && s.TrialEnd != nil && s.TrialEnd.After(now)
}

// SubscriptionItem is one unit within a subscription. Ecommerce subscriptions
// carry multiple items, each independently renewable; the single-item case is
// the degenerate form of the same shape.
type SubscriptionItem struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	SubscriptionID uuid.UUID
	ProductID      uuid.UUID
	ProductName    string
	Quantity       int32
	UnitPriceCents int64
	Currency       string
	ItemConfig     json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TotalCents is the line total for one billing cycle of this item.
func (i *SubscriptionItem) TotalCents() int64 {
	return int64(i.Quantity) * i.UnitPriceCents
}

// History actions recorded on subscription audit rows.
const (
	HistoryActionCreated          = "created"
	HistoryActionActivated        = "activated"
	HistoryActionPaused           = "paused"
	HistoryActionResumed          = "resumed"
	HistoryActionCanceled         = "canceled"
	HistoryActionExpired          = "expired"
	HistoryActionModified         = "modified"
	HistoryActionPlanChanged      = "plan_changed"
	HistoryActionRenewed          = "renewed"
	HistoryActionTrialEnded       = "trial_ended"
	HistoryActionPaymentExhausted = "payment_exhausted"
)

// SubscriptionHistory is an append-only audit row. Every lifecycle transition
// writes one.
type SubscriptionHistory struct {
	ID              uuid.UUID
	SubscriptionID  uuid.UUID
	TenantID        uuid.UUID
	Action          string
	PerformedBy     uuid.UUID
	PerformedByType string
	Metadata        json.RawMessage
	PerformedAt     time.Time
}

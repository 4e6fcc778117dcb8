package domain

import (
	"time"

	"github.com/google/uuid"
)

// Billing intervals supported for plan pricing.
const (
	BillingIntervalDaily     = "DAILY"
	BillingIntervalWeekly    = "WEEKLY"
	BillingIntervalMonthly   = "MONTHLY"
	BillingIntervalQuarterly = "QUARTERLY"
	BillingIntervalYearly    = "YEARLY"
)

// IsValidBillingInterval checks if the given interval is supported.
func IsValidBillingInterval(interval string) bool {
	switch interval {
	case BillingIntervalDaily, BillingIntervalWeekly, BillingIntervalMonthly,
		BillingIntervalQuarterly, BillingIntervalYearly:
		return true
	}
	return false
}

// Plan types. Physical plans produce delivery instances each cycle; digital
// plans produce entitlements; hybrid plans produce both.
const (
	PlanTypePhysical = "PHYSICAL"
	PlanTypeDigital  = "DIGITAL"
	PlanTypeHybrid   = "HYBRID"
)

// IsValidPlanType checks if the given plan type is supported.
func IsValidPlanType(planType string) bool {
	switch planType {
	case PlanTypePhysical, PlanTypeDigital, PlanTypeHybrid:
		return true
	}
	return false
}

// Plan statuses.
const (
	PlanStatusActive   = "ACTIVE"
	PlanStatusInactive = "INACTIVE"
)

// Plan is a priced billing template. Pricing is immutable once subscriptions
// reference the plan; new subscriptions freeze it into a snapshot at creation.
// EntitlementKey names the grant digital and hybrid plans produce each paid
// cycle.
type Plan struct {
	ID                   uuid.UUID
	TenantID             uuid.UUID
	Code                 string
	Name                 string
	Description          string
	BasePriceCents       int64
	Currency             string
	BillingInterval      string
	BillingIntervalCount int32
	TrialPeriodDays      int32
	PlanType             string
	EntitlementKey       string
	Status               string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ProducesDelivery reports whether subscriptions on this plan create a
// delivery instance each paid cycle.
func (p *Plan) ProducesDelivery() bool {
	return p.PlanType == PlanTypePhysical || p.PlanType == PlanTypeHybrid
}

// ProducesEntitlement reports whether subscriptions on this plan grant an
// entitlement each paid cycle.
func (p *Plan) ProducesEntitlement() bool {
	return p.PlanType == PlanTypeDigital || p.PlanType == PlanTypeHybrid
}

// PlanSnapshot is the frozen pricing and interval a subscription captured at
// creation (or at the last plan change). Immutable once written; renewals and
// invoices read the snapshot, never the live plan.
type PlanSnapshot struct {
	PlanID               uuid.UUID `json:"plan_id"`
	PlanName             string    `json:"plan_name"`
	PlanType             string    `json:"plan_type"`
	BasePriceCents       int64     `json:"base_price_cents"`
	Currency             string    `json:"currency"`
	BillingInterval      string    `json:"billing_interval"`
	BillingIntervalCount int32     `json:"billing_interval_count"`
	TrialPeriodDays      int32     `json:"trial_period_days"`
	EntitlementKey       string    `json:"entitlement_key,omitempty"`
	CapturedAt           time.Time `json:"captured_at"`
}

// AdvancePeriod returns the end of a billing period that starts at start.
// Month-based intervals clamp to the last day of the target month, so a
// period starting Jan 31 ends Feb 28 (or 29), not Mar 3.
func AdvancePeriod(start time.Time, interval string, count int32) time.Time {
	if count < 1 {
		count = 1
	}
	switch interval {
	case BillingIntervalDaily:
		return start.AddDate(0, 0, int(count))
	case BillingIntervalWeekly:
		return start.AddDate(0, 0, 7*int(count))
	case BillingIntervalQuarterly:
		return addMonthsClamped(start, 3*int(count))
	case BillingIntervalYearly:
		return addMonthsClamped(start, 12*int(count))
	default:
		return addMonthsClamped(start, int(count))
	}
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := first.AddDate(0, 1, -1).Day(); d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

// ProducesDelivery mirrors Plan.ProducesDelivery for the frozen form.
func (s PlanSnapshot) ProducesDelivery() bool {
	return s.PlanType == PlanTypePhysical || s.PlanType == PlanTypeHybrid
}

// ProducesEntitlement mirrors Plan.ProducesEntitlement for the frozen form.
func (s PlanSnapshot) ProducesEntitlement() bool {
	return s.PlanType == PlanTypeDigital || s.PlanType == PlanTypeHybrid
}

// SnapshotPlan freezes a plan into the form subscriptions carry.
func SnapshotPlan(p *Plan, at time.Time) PlanSnapshot {
	return PlanSnapshot{
		PlanID:               p.ID,
		PlanName:             p.Name,
		PlanType:             p.PlanType,
		BasePriceCents:       p.BasePriceCents,
		Currency:             p.Currency,
		BillingInterval:      p.BillingInterval,
		BillingIntervalCount: p.BillingIntervalCount,
		TrialPeriodDays:      p.TrialPeriodDays,
		EntitlementKey:       p.EntitlementKey,
		CapturedAt:           at,
	}
}

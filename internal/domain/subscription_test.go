package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCanTransitionSubscription(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		to      string
		allowed bool
	}{
		{"trial activates", SubscriptionStatusTrialing, SubscriptionStatusActive, true},
		{"trial can be canceled", SubscriptionStatusTrialing, SubscriptionStatusCanceled, true},
		{"active pauses", SubscriptionStatusActive, SubscriptionStatusPaused, true},
		{"active cancels", SubscriptionStatusActive, SubscriptionStatusCanceled, true},
		{"active expires", SubscriptionStatusActive, SubscriptionStatusExpired, true},
		{"paused resumes", SubscriptionStatusPaused, SubscriptionStatusActive, true},
		{"paused cancels", SubscriptionStatusPaused, SubscriptionStatusCanceled, true},
		{"paused cannot expire", SubscriptionStatusPaused, SubscriptionStatusExpired, false},
		{"canceled is terminal", SubscriptionStatusCanceled, SubscriptionStatusActive, false},
		{"expired is terminal", SubscriptionStatusExpired, SubscriptionStatusActive, false},
		{"active cannot re-enter trial", SubscriptionStatusActive, SubscriptionStatusTrialing, false},
		{"no self transition", SubscriptionStatusActive, SubscriptionStatusActive, false},
		{"unknown status", "BOGUS", SubscriptionStatusActive, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransitionSubscription(tt.from, tt.to); got != tt.allowed {
				t.Errorf("CanTransitionSubscription(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestIsTerminalSubscriptionStatus(t *testing.T) {
	terminals := []string{SubscriptionStatusCanceled, SubscriptionStatusExpired}
	for _, s := range terminals {
		if !IsTerminalSubscriptionStatus(s) {
			t.Errorf("expected %q to be terminal", s)
		}
	}

	live := []string{SubscriptionStatusTrialing, SubscriptionStatusActive, SubscriptionStatusPaused}
	for _, s := range live {
		if IsTerminalSubscriptionStatus(s) {
			t.Errorf("expected %q not to be terminal", s)
		}
	}
}

func TestSubscription_Renewable(t *testing.T) {
	sub := &Subscription{Status: SubscriptionStatusActive}
	if !sub.Renewable() {
		t.Error("active subscription should be renewable")
	}

	for _, s := range []string{
		SubscriptionStatusTrialing,
		SubscriptionStatusPaused,
		SubscriptionStatusCanceled,
		SubscriptionStatusExpired,
	} {
		sub.Status = s
		if sub.Renewable() {
			t.Errorf("%q subscription should not be renewable", s)
		}
	}
}

func TestSubscription_InTrial(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	t.Run("trialing with future trial end", func(t *testing.T) {
		end := now.Add(24 * time.Hour)
		sub := &Subscription{Status: SubscriptionStatusTrialing, TrialEnd: &end}
		if !sub.InTrial(now) {
			t.Error("expected subscription to be in trial")
		}
	})

	t.Run("trial ending exactly now is over", func(t *testing.T) {
		end := now
		sub := &Subscription{Status: SubscriptionStatusTrialing, TrialEnd: &end}
		if sub.InTrial(now) {
			t.Error("trial ending at the current instant should be over")
		}
	})

	t.Run("trialing without trial end", func(t *testing.T) {
		sub := &Subscription{Status: SubscriptionStatusTrialing}
		if sub.InTrial(now) {
			t.Error("trialing status without TrialEnd should not count as in trial")
		}
	})

	t.Run("active is never in trial", func(t *testing.T) {
		end := now.Add(24 * time.Hour)
		sub := &Subscription{Status: SubscriptionStatusActive, TrialEnd: &end}
		if sub.InTrial(now) {
			t.Error("active subscription should not be in trial")
		}
	})
}

func TestSubscriptionItem_TotalCents(t *testing.T) {
	item := SubscriptionItem{Quantity: 3, UnitPriceCents: 1250}
	if got := item.TotalCents(); got != 3750 {
		t.Errorf("TotalCents() = %d, want 3750", got)
	}
}

func TestIsValidBillingInterval(t *testing.T) {
	valid := []string{
		BillingIntervalDaily,
		BillingIntervalWeekly,
		BillingIntervalMonthly,
		BillingIntervalQuarterly,
		BillingIntervalYearly,
	}
	for _, iv := range valid {
		if !IsValidBillingInterval(iv) {
			t.Errorf("expected %q to be valid", iv)
		}
	}

	for _, iv := range []string{"", "monthly", "BIWEEKLY", "HOURLY"} {
		if IsValidBillingInterval(iv) {
			t.Errorf("expected %q to be invalid", iv)
		}
	}
}

func TestPlan_Fulfillment(t *testing.T) {
	tests := []struct {
		planType        string
		wantDelivery    bool
		wantEntitlement bool
	}{
		{PlanTypePhysical, true, false},
		{PlanTypeDigital, false, true},
		{PlanTypeHybrid, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.planType, func(t *testing.T) {
			p := &Plan{PlanType: tt.planType}
			if got := p.ProducesDelivery(); got != tt.wantDelivery {
				t.Errorf("ProducesDelivery() = %v, want %v", got, tt.wantDelivery)
			}
			if got := p.ProducesEntitlement(); got != tt.wantEntitlement {
				t.Errorf("ProducesEntitlement() = %v, want %v", got, tt.wantEntitlement)
			}
		})
	}
}

func TestCycleKey(t *testing.T) {
	subID := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	start := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)

	want := "11111111-2222-3333-4444-555555555555_2026-01-15_2026-02-15"
	if got := CycleKey(subID, start, end); got != want {
		t.Errorf("CycleKey() = %q, want %q", got, want)
	}

	t.Run("timezone does not change the key", func(t *testing.T) {
		tokyo := time.FixedZone("JST", 9*60*60)
		localStart := start.In(tokyo)
		localEnd := end.In(tokyo)
		if got := CycleKey(subID, localStart, localEnd); got != want {
			t.Errorf("CycleKey() with zoned times = %q, want %q", got, want)
		}
	})
}

func TestScheduledTask_Lease(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	t.Run("claimed task with lapsed lease is expired", func(t *testing.T) {
		expired := now.Add(-time.Minute)
		task := &ScheduledTask{Status: TaskStatusClaimed, LeaseExpiresAt: &expired}
		if !task.LeaseExpired(now) {
			t.Error("expected lease to be expired")
		}
	})

	t.Run("claimed task with live lease is not expired", func(t *testing.T) {
		live := now.Add(5 * time.Minute)
		task := &ScheduledTask{Status: TaskStatusClaimed, LeaseExpiresAt: &live}
		if task.LeaseExpired(now) {
			t.Error("expected lease to still be held")
		}
	})

	t.Run("ready task is never expired", func(t *testing.T) {
		past := now.Add(-time.Hour)
		task := &ScheduledTask{Status: TaskStatusReady, LeaseExpiresAt: &past}
		if task.LeaseExpired(now) {
			t.Error("ready tasks have no lease to expire")
		}
	})
}

func TestScheduledTask_Exhausted(t *testing.T) {
	task := &ScheduledTask{AttemptCount: 2, MaxAttempts: 3}
	if task.Exhausted() {
		t.Error("task with attempts remaining should not be exhausted")
	}

	task.AttemptCount = 3
	if !task.Exhausted() {
		t.Error("task at max attempts should be exhausted")
	}
}

func TestWebhookEndpoint_WantsEvent(t *testing.T) {
	t.Run("empty filter subscribes to everything", func(t *testing.T) {
		ep := &WebhookEndpoint{}
		if !ep.WantsEvent("invoice.paid") {
			t.Error("endpoint with no filter should want all events")
		}
	})

	t.Run("filter matches listed types only", func(t *testing.T) {
		ep := &WebhookEndpoint{EventTypes: []string{"invoice.paid", "subscription.renewed"}}
		if !ep.WantsEvent("invoice.paid") {
			t.Error("expected listed event type to match")
		}
		if ep.WantsEvent("delivery.created") {
			t.Error("expected unlisted event type not to match")
		}
	})
}

func TestWebhookDelivery_Deliverable(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		delivery WebhookDelivery
		want     bool
	}{
		{
			name:     "pending and due",
			delivery: WebhookDelivery{Status: WebhookStatusPending, NextAttemptAt: now.Add(-time.Second)},
			want:     true,
		},
		{
			name:     "pending and due exactly now",
			delivery: WebhookDelivery{Status: WebhookStatusPending, NextAttemptAt: now},
			want:     true,
		},
		{
			name:     "pending but backed off",
			delivery: WebhookDelivery{Status: WebhookStatusPending, NextAttemptAt: now.Add(time.Minute)},
			want:     false,
		},
		{
			name:     "already delivered",
			delivery: WebhookDelivery{Status: WebhookStatusDelivered, NextAttemptAt: now.Add(-time.Minute)},
			want:     false,
		},
		{
			name:     "failed permanently",
			delivery: WebhookDelivery{Status: WebhookStatusFailed, NextAttemptAt: now.Add(-time.Minute)},
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.delivery.Deliverable(now); got != tt.want {
				t.Errorf("Deliverable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEntitlement_ActiveAt(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	t.Run("active without expiry", func(t *testing.T) {
		e := &Entitlement{Status: EntitlementStatusActive}
		if !e.ActiveAt(now) {
			t.Error("expected perpetual entitlement to be active")
		}
	})

	t.Run("active with future expiry", func(t *testing.T) {
		until := now.Add(time.Hour)
		e := &Entitlement{Status: EntitlementStatusActive, ValidUntil: &until}
		if !e.ActiveAt(now) {
			t.Error("expected entitlement to be active before expiry")
		}
	})

	t.Run("expiry boundary is exclusive", func(t *testing.T) {
		until := now
		e := &Entitlement{Status: EntitlementStatusActive, ValidUntil: &until}
		if e.ActiveAt(now) {
			t.Error("entitlement expiring at the current instant should be inactive")
		}
	})

	t.Run("not yet valid", func(t *testing.T) {
		e := &Entitlement{Status: EntitlementStatusActive, ValidFrom: now.Add(time.Hour)}
		if e.ActiveAt(now) {
			t.Error("entitlement should be inactive before its valid_from")
		}
	})

	t.Run("revoked is inactive regardless of expiry", func(t *testing.T) {
		until := now.Add(time.Hour)
		e := &Entitlement{Status: EntitlementStatusRevoked, ValidUntil: &until}
		if e.ActiveAt(now) {
			t.Error("revoked entitlement should be inactive")
		}
	})
}

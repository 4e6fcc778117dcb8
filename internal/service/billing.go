package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/skuld/internal/domain"
	"github.com/dukerupert/skuld/internal/outbox"
	"github.com/dukerupert/skuld/internal/payment"
	"github.com/dukerupert/skuld/internal/provider"
	"github.com/dukerupert/skuld/internal/store"
	"github.com/dukerupert/skuld/internal/task"
	"github.com/dukerupert/skuld/internal/tax"
	"github.com/dukerupert/skuld/internal/telemetry"
)

// BillingService owns the renewal-to-payment half of the cycle: opening a
// new billing period, issuing its invoice, and collecting it through the
// tenant's payment provider.
type BillingService interface {
	// RenewSubscription fans one subscription's renewal out into one
	// PRODUCT_RENEWAL task per item.
	RenewSubscription(ctx context.Context, params RenewSubscriptionParams) error

	// RenewProduct opens the next billing period for a subscription:
	// creates the period invoice (idempotently), advances the period
	// cursor, and schedules payment collection.
	RenewProduct(ctx context.Context, params RenewProductParams) error

	// ChargePayment collects one invoice through the payment provider.
	// A declined charge returns an EPAYMENT error so the dispatcher
	// retries it against a fresh attempt number.
	ChargePayment(ctx context.Context, params ChargePaymentParams) error
}

// RenewSubscriptionParams identifies a whole-subscription renewal.
type RenewSubscriptionParams struct {
	SubscriptionID uuid.UUID
}

// RenewProductParams identifies one item's renewal. ItemID and ProductID
// come from the task payload; the handler re-verifies them against the
// current items so a stale payload cannot bill a removed product.
type RenewProductParams struct {
	SubscriptionID uuid.UUID
	ItemID         uuid.UUID
	ProductID      uuid.UUID
	PlanID         uuid.UUID
}

// ChargePaymentParams carries the invoice plus the attempt bookkeeping the
// dispatcher derives from the task row.
type ChargePaymentParams struct {
	InvoiceID uuid.UUID

	// AttemptNumber is 1-based and also keys the provider idempotency
	// token, so a re-run of the same attempt cannot double-charge.
	AttemptNumber int32

	// FinalAttempt is true when this attempt exhausts the task's budget.
	// A decline on the final attempt emits payment.exhausted.
	FinalAttempt bool
}

type billingService struct {
	store     store.Store
	providers provider.Registry
	tax       tax.Calculator
	logger    *slog.Logger
}

// NewBillingService creates a BillingService. A nil tax calculator means
// no tax is charged.
func NewBillingService(st store.Store, providers provider.Registry, taxCalc tax.Calculator, logger *slog.Logger) BillingService {
	if taxCalc == nil {
		taxCalc = tax.NewNoTaxCalculator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &billingService{
		store:     st,
		providers: providers,
		tax:       taxCalc,
		logger:    logger.With("service", "billing"),
	}
}

// RenewSubscription loads the subscription and enqueues one
// PRODUCT_RENEWAL per item. The per-item tasks are keyed on
// (subscription, product), so a repeated fan-out collapses.
func (s *billingService) RenewSubscription(ctx context.Context, params RenewSubscriptionParams) error {
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return err
	}

	sub, err := s.store.Subscriptions().Get(ctx, tenantID, params.SubscriptionID)
	if err != nil {
		return err
	}
	if !sub.Renewable() || sub.CancelAtPeriodEnd {
		s.logger.Info("skipping renewal fan-out",
			"subscription_id", sub.ID, "status", sub.Status,
			"cancel_at_period_end", sub.CancelAtPeriodEnd)
		return nil
	}
	if sub.NextRenewalAt.After(time.Now().UTC()) {
		s.logger.Info("renewal not due, skipping fan-out",
			"subscription_id", sub.ID, "next_renewal_at", sub.NextRenewalAt)
		return nil
	}

	items, err := s.store.Subscriptions().GetItems(ctx, tenantID, sub.ID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return ErrNoItems
	}

	for _, item := range items {
		_, err := task.EnqueueProductRenewal(ctx, s.store.Tasks(), tenantID, task.ProductRenewalPayload{
			SubscriptionID: sub.ID,
			ItemID:         item.ID,
			ProductID:      item.ProductID,
			PlanID:         sub.PlanID,
		}, task.Options{})
		if err != nil {
			return err
		}
	}
	return nil
}

// RenewProduct opens the next billing period.
//
// Flow:
//  1. Load subscription; non-active, pending-cancel, or not-yet-due
//     subscriptions are a clean no-op (the task outlived the state that
//     scheduled it, or a sibling item's task already advanced the period)
//  2. Verify the renewed item still exists (by ID, falling back to
//     product ID so item replacement does not strand the task)
//  3. Compute the period: start = current_period_end, end = advance by
//     the snapshot interval
//  4. If an invoice already exists for that period, converge on it and
//     just make sure collection is scheduled
//  5. Otherwise create the invoice with one line per item (plus any
//     pending proration credit), advance the period cursor, enqueue
//     CHARGE_PAYMENT, emit subscription.renewed
//
// Everything runs in one transaction; a crash leaves either the old
// period or the complete new one.
func (s *billingService) RenewProduct(ctx context.Context, params RenewProductParams) error {
	const op = "billing.renewProduct"

	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return err
	}

	var invoiceCreated bool
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		sub, err := tx.Subscriptions().Get(ctx, tenantID, params.SubscriptionID)
		if err != nil {
			return err
		}
		if !sub.Renewable() || sub.CancelAtPeriodEnd {
			s.logger.Info("skipping renewal",
				"subscription_id", sub.ID, "status", sub.Status,
				"cancel_at_period_end", sub.CancelAtPeriodEnd)
			return nil
		}
		if sub.NextRenewalAt.After(time.Now().UTC()) {
			s.logger.Info("renewal not due",
				"subscription_id", sub.ID, "next_renewal_at", sub.NextRenewalAt)
			return nil
		}

		items, err := tx.Subscriptions().GetItems(ctx, tenantID, sub.ID)
		if err != nil {
			return err
		}
		if err := verifyRenewedItem(items, params); err != nil {
			return err
		}

		periodStart := sub.CurrentPeriodEnd
		periodEnd := domain.AdvancePeriod(periodStart, sub.PlanSnapshot.BillingInterval, sub.PlanSnapshot.BillingIntervalCount)

		// Converge on an existing invoice: per-item renewal tasks for the
		// same subscription all land on the one period invoice.
		existing, err := tx.Invoices().GetByPeriod(ctx, tenantID, sub.ID, periodStart, periodEnd)
		if err != nil && !domain.IsCode(err, domain.ENOTFOUND) {
			return err
		}
		if existing != nil {
			return s.ensureRenewalApplied(ctx, tx, tenantID, sub, existing, periodStart, periodEnd)
		}

		inv, created, err := billNewPeriod(ctx, tx, s.tax, sub, items, periodStart)
		if err != nil {
			return err
		}
		invoiceCreated = created
		if !created {
			return s.ensureRenewalApplied(ctx, tx, tenantID, sub, inv, periodStart, periodEnd)
		}

		if err := tx.Subscriptions().Update(ctx, sub); err != nil {
			return err
		}
		if err := recordHistory(ctx, tx, tenantID, sub.ID, domain.HistoryActionRenewed, map[string]any{
			"invoice_id":   inv.ID,
			"period_start": periodStart,
			"period_end":   periodEnd,
			"total_cents":  inv.TotalCents,
		}); err != nil {
			return err
		}
		return outbox.Emit(ctx, tx.Outbox(), tenantID,
			outbox.EventSubscriptionRenewed, "subscription.renewed:"+inv.ID.String(),
			subscriptionEventData(sub))
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if invoiceCreated {
		if m := telemetry.Engine; m != nil {
			m.InvoicesCreated.WithLabelValues(tenantID.String()).Inc()
		}
	}
	return nil
}

// ensureRenewalApplied makes a replayed renewal converge: the period
// cursor is advanced if a previous run did not get to it, and collection
// is (re-)scheduled. Both writes are idempotent.
func (s *billingService) ensureRenewalApplied(ctx context.Context, tx store.Store, tenantID uuid.UUID, sub *domain.Subscription, inv *domain.Invoice, periodStart, periodEnd time.Time) error {
	if sub.CurrentPeriodEnd.Before(periodEnd) {
		sub.CurrentPeriodStart = periodStart
		sub.CurrentPeriodEnd = periodEnd
		sub.NextRenewalAt = periodEnd
		if err := tx.Subscriptions().Update(ctx, sub); err != nil {
			return err
		}
	}
	if inv.Open() {
		if _, err := task.EnqueueChargePayment(ctx, tx.Tasks(), tenantID,
			task.ChargePaymentPayload{InvoiceID: inv.ID}, task.Options{}); err != nil {
			return err
		}
	}
	return nil
}

// verifyRenewedItem checks the task payload against the live items. The
// item may have been replaced since enqueue; a match on product ID is
// still the same logical renewal.
func verifyRenewedItem(items []domain.SubscriptionItem, params RenewProductParams) error {
	const op = "billing.renewProduct"

	if len(items) == 0 {
		return ErrNoItems
	}
	if params.ItemID == uuid.Nil && params.ProductID == uuid.Nil {
		return nil
	}
	for _, it := range items {
		if it.ID == params.ItemID || it.ProductID == params.ProductID {
			return nil
		}
	}
	return domain.NotFound(op, "subscription item", params.ProductID.String())
}

// billNewPeriod creates the invoice for the period starting at start and
// schedules its collection. The subscription's period cursor is advanced
// on the passed struct; the caller persists it. Shared by renewal,
// non-trial creation, and resume-after-lapse.
//
// Any pending proration credit is consumed as a negative line, clamped so
// the invoice total never goes below zero; the unconsumed remainder stays
// on the subscription.
func billNewPeriod(ctx context.Context, tx store.Store, taxCalc tax.Calculator, sub *domain.Subscription, items []domain.SubscriptionItem, start time.Time) (*domain.Invoice, bool, error) {
	const op = "billing.billNewPeriod"

	snap := sub.PlanSnapshot
	end := domain.AdvancePeriod(start, snap.BillingInterval, snap.BillingIntervalCount)

	var (
		lines    []domain.InvoiceLine
		taxLines []tax.Line
		subtotal int64
	)
	for _, it := range items {
		productID := it.ProductID
		line := domain.InvoiceLine{
			ProductID:      &productID,
			Description:    it.ProductName,
			Quantity:       it.Quantity,
			UnitPriceCents: it.UnitPriceCents,
			TotalCents:     it.TotalCents(),
			Currency:       it.Currency,
			PeriodStart:    start,
			PeriodEnd:      end,
		}
		lines = append(lines, line)
		taxLines = append(taxLines, tax.Line{
			ProductID:      it.ProductID,
			Description:    line.Description,
			Quantity:       line.Quantity,
			UnitPriceCents: line.UnitPriceCents,
			TotalCents:     line.TotalCents,
		})
		subtotal += line.TotalCents
	}

	credit := sub.PendingCreditCents
	if credit > subtotal {
		credit = subtotal
	}
	if credit > 0 {
		lines = append(lines, domain.InvoiceLine{
			Description:    "Proration credit",
			Quantity:       1,
			UnitPriceCents: -credit,
			TotalCents:     -credit,
			Currency:       snap.Currency,
			PeriodStart:    start,
			PeriodEnd:      end,
		})
		taxLines = append(taxLines, tax.Line{
			Description: "Proration credit",
			Quantity:    1,
			TotalCents:  -credit,
		})
	}

	taxRes, err := taxCalc.Calculate(ctx, tax.Params{
		Address:  sub.ShippingAddress,
		Lines:    taxLines,
		Currency: snap.Currency,
	})
	if err != nil {
		return nil, false, domain.Internal(err, op, "failed to calculate tax")
	}

	seq, err := tx.Invoices().NextInvoiceNumber(ctx, sub.TenantID)
	if err != nil {
		return nil, false, err
	}

	dueDate := start
	inv := &domain.Invoice{
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		InvoiceNumber:  fmt.Sprintf("INV-%06d", seq),
		Status:         domain.InvoiceStatusOpen,
		Currency:       snap.Currency,
		SubtotalCents:  subtotal - credit,
		TaxCents:       taxRes.TaxCents,
		TotalCents:     subtotal - credit + taxRes.TaxCents,
		PeriodStart:    start,
		PeriodEnd:      end,
		DueDate:        &dueDate,
	}

	inv, created, err := tx.Invoices().CreateWithLines(ctx, inv, lines)
	if err != nil {
		return nil, false, err
	}
	if !created {
		return inv, false, nil
	}

	sub.CurrentPeriodStart = start
	sub.CurrentPeriodEnd = end
	sub.NextRenewalAt = end
	sub.PendingCreditCents -= credit

	if _, err := task.EnqueueChargePayment(ctx, tx.Tasks(), sub.TenantID,
		task.ChargePaymentPayload{InvoiceID: inv.ID}, task.Options{}); err != nil {
		return nil, false, err
	}
	return inv, true, nil
}

// ChargePayment collects one invoice.
//
// Flow:
//  1. Load the invoice; PAID is an idempotent success, VOID and
//     UNCOLLECTIBLE are clean no-ops
//  2. If the previous attempt is still PENDING at the provider, poll it
//     instead of opening a new charge (settles crash-retry races without
//     double-charging)
//  3. Record a PENDING payment_attempt for this attempt number; a replay
//     of the same number reuses the row and the same idempotency key
//  4. Call the provider outside any transaction
//  5. Apply the outcome transactionally: success marks the invoice paid,
//     emits invoice.paid and payment.succeeded, and schedules delivery
//     creation and entitlement grants; a decline records the failure,
//     emits payment.failed (and payment.exhausted on the final attempt),
//     and returns EPAYMENT so the dispatcher backs off and retries
//
// Transport failures - provider unreachable, 5xx - are EUNAVAILABLE and
// never count as declines.
func (s *billingService) ChargePayment(ctx context.Context, params ChargePaymentParams) error {
	const op = "billing.chargePayment"

	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return err
	}

	inv, err := s.store.Invoices().Get(ctx, tenantID, params.InvoiceID)
	if err != nil {
		return err
	}
	switch inv.Status {
	case domain.InvoiceStatusPaid:
		s.logger.Info("invoice already paid", "invoice_id", inv.ID)
		return nil
	case domain.InvoiceStatusVoid, domain.InvoiceStatusUncollectible:
		s.logger.Warn("skipping collection of closed invoice",
			"invoice_id", inv.ID, "status", inv.Status)
		return nil
	}

	sub, err := s.store.Subscriptions().Get(ctx, tenantID, inv.SubscriptionID)
	if err != nil {
		return err
	}

	// Zero-total invoices (a credit covered the full period) settle
	// without touching the provider, but still record an attempt so a
	// paid invoice always has a successful attempt behind it.
	if inv.TotalCents == 0 {
		return s.settleWithoutCharge(ctx, tenantID, inv, sub, params)
	}

	if sub.PaymentMethodRef == "" {
		return ErrNoPaymentMethod
	}

	prov, err := s.providers.GetPaymentProvider(ctx, tenantID)
	if err != nil {
		return err
	}

	if settled, err := s.resolvePendingAttempt(ctx, tenantID, inv, sub, prov, params); settled || err != nil {
		return err
	}

	attempt := &domain.PaymentAttempt{
		TenantID:         tenantID,
		InvoiceID:        inv.ID,
		AttemptNumber:    params.AttemptNumber,
		Status:           domain.PaymentStatusPending,
		AmountCents:      inv.TotalCents,
		Currency:         inv.Currency,
		Provider:         prov.Name(),
		PaymentMethodRef: sub.PaymentMethodRef,
	}
	created, err := s.store.Invoices().CreatePaymentAttempt(ctx, attempt)
	if err != nil {
		return err
	}
	if !created {
		// Same attempt number already recorded: a lease expired between
		// insert and outcome. The idempotency key below makes the
		// provider return the original result.
		if existing := findAttempt(ctx, s, tenantID, inv.ID, params.AttemptNumber); existing != nil {
			attempt = existing
		}
	}

	if m := telemetry.Engine; m != nil {
		m.PaymentAttempts.WithLabelValues(tenantID.String(), prov.Name()).Inc()
	}

	res, err := prov.ProcessPayment(ctx, payment.Request{
		InvoiceID:        inv.ID,
		CustomerID:       inv.CustomerID,
		AmountCents:      inv.TotalCents,
		Currency:         inv.Currency,
		PaymentMethodRef: sub.PaymentMethodRef,
		IdempotencyKey:   fmt.Sprintf("%s:%d", inv.ID, params.AttemptNumber),
		Metadata: map[string]string{
			"tenant_id":       tenantID.String(),
			"subscription_id": sub.ID.String(),
		},
	})
	if err != nil {
		attempt.Status = domain.PaymentStatusFailed
		attempt.FailureCode = "provider_unreachable"
		attempt.FailureReason = err.Error()
		now := time.Now().UTC()
		attempt.CompletedAt = &now
		if uerr := s.store.Invoices().UpdatePaymentAttempt(ctx, attempt); uerr != nil {
			s.logger.Error("failed to record unreachable provider on attempt",
				"attempt_id", attempt.ID, "error", uerr)
		}
		return domain.Unavailable(err, op, "payment provider unreachable")
	}

	return s.applyPaymentResult(ctx, tenantID, inv, sub, attempt, res, params.FinalAttempt)
}

// resolvePendingAttempt checks whether the previous attempt left a charge
// in flight at the provider. Settled is true when that charge succeeded
// and the invoice has been finalized from it; a still-pending charge
// returns EUNAVAILABLE so this task re-polls later instead of opening a
// second charge for the same invoice.
func (s *billingService) resolvePendingAttempt(ctx context.Context, tenantID uuid.UUID, inv *domain.Invoice, sub *domain.Subscription, prov payment.Provider, params ChargePaymentParams) (settled bool, err error) {
	const op = "billing.chargePayment"

	attempts, err := s.store.Invoices().ListPaymentAttempts(ctx, tenantID, inv.ID)
	if err != nil {
		return false, err
	}
	var pending *domain.PaymentAttempt
	for i := range attempts {
		a := &attempts[i]
		if a.AttemptNumber < params.AttemptNumber &&
			a.Status == domain.PaymentStatusPending && a.ExternalPaymentID != "" {
			pending = a
		}
	}
	if pending == nil {
		return false, nil
	}

	res, err := prov.GetPaymentStatus(ctx, pending.ExternalPaymentID)
	if err != nil {
		return false, domain.Unavailable(err, op, "payment provider unreachable")
	}

	switch res.Status {
	case payment.StatusSucceeded:
		if err := s.applyPaymentResult(ctx, tenantID, inv, sub, pending, res, false); err != nil {
			return false, err
		}
		return true, nil
	case payment.StatusPending:
		return false, domain.Errorf(domain.EUNAVAILABLE, op, "previous charge still settling at provider")
	default:
		now := time.Now().UTC()
		pending.Status = domain.PaymentStatusFailed
		pending.FailureCode = res.ErrorCode
		pending.FailureReason = res.ErrorMessage
		pending.CompletedAt = &now
		if err := s.store.Invoices().UpdatePaymentAttempt(ctx, pending); err != nil {
			return false, err
		}
		return false, nil
	}
}

// settleWithoutCharge finalizes a zero-total invoice: records a succeeded
// attempt against no provider and runs the normal success path.
func (s *billingService) settleWithoutCharge(ctx context.Context, tenantID uuid.UUID, inv *domain.Invoice, sub *domain.Subscription, params ChargePaymentParams) error {
	now := time.Now().UTC()
	attempt := &domain.PaymentAttempt{
		TenantID:      tenantID,
		InvoiceID:     inv.ID,
		AttemptNumber: params.AttemptNumber,
		Status:        domain.PaymentStatusSucceeded,
		AmountCents:   0,
		Currency:      inv.Currency,
		Provider:      "internal",
		CompletedAt:   &now,
	}
	if _, err := s.store.Invoices().CreatePaymentAttempt(ctx, attempt); err != nil {
		return err
	}
	return s.finalizeSuccess(ctx, tenantID, inv, sub, attempt)
}

// applyPaymentResult applies a provider result to the attempt row and the
// invoice.
func (s *billingService) applyPaymentResult(ctx context.Context, tenantID uuid.UUID, inv *domain.Invoice, sub *domain.Subscription, attempt *domain.PaymentAttempt, res *payment.Result, finalAttempt bool) error {
	const op = "billing.chargePayment"
	now := time.Now().UTC()

	switch res.Status {
	case payment.StatusSucceeded:
		attempt.Status = domain.PaymentStatusSucceeded
		attempt.ExternalPaymentID = res.PaymentReference
		attempt.CompletedAt = &now
		return s.finalizeSuccess(ctx, tenantID, inv, sub, attempt)

	case payment.StatusPending:
		// Charge accepted but not settled. Keep the attempt open and
		// re-poll on the next run.
		attempt.ExternalPaymentID = res.PaymentReference
		if err := s.store.Invoices().UpdatePaymentAttempt(ctx, attempt); err != nil {
			return err
		}
		return domain.Errorf(domain.EUNAVAILABLE, op, "charge pending settlement at provider")

	default:
		attempt.Status = domain.PaymentStatusFailed
		attempt.ExternalPaymentID = res.PaymentReference
		attempt.FailureCode = res.ErrorCode
		attempt.FailureReason = res.ErrorMessage
		attempt.CompletedAt = &now
		return s.recordDecline(ctx, tenantID, inv, sub, attempt, finalAttempt)
	}
}

// finalizeSuccess marks the invoice paid and schedules fulfillment. One
// transaction: the paid invoice, its events, and the follow-up tasks
// commit together.
func (s *billingService) finalizeSuccess(ctx context.Context, tenantID uuid.UUID, inv *domain.Invoice, sub *domain.Subscription, attempt *domain.PaymentAttempt) error {
	paidAt := time.Now().UTC()

	err := s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Invoices().UpdatePaymentAttempt(ctx, attempt); err != nil {
			return err
		}
		if err := tx.Invoices().MarkPaid(ctx, tenantID, inv.ID, paidAt); err != nil {
			return err
		}

		if err := outbox.Emit(ctx, tx.Outbox(), tenantID,
			outbox.EventInvoicePaid, "invoice.paid:"+inv.ID.String(),
			outbox.InvoiceEventData{
				InvoiceID:      inv.ID,
				InvoiceNumber:  inv.InvoiceNumber,
				SubscriptionID: inv.SubscriptionID,
				CustomerID:     inv.CustomerID,
				TotalCents:     inv.TotalCents,
				Currency:       inv.Currency,
				PeriodStart:    inv.PeriodStart,
				PeriodEnd:      inv.PeriodEnd,
				PaidAt:         &paidAt,
			}); err != nil {
			return err
		}
		if err := outbox.Emit(ctx, tx.Outbox(), tenantID,
			outbox.EventPaymentSucceeded,
			fmt.Sprintf("payment.succeeded:%s:%d", inv.ID, attempt.AttemptNumber),
			outbox.PaymentEventData{
				InvoiceID:     inv.ID,
				CustomerID:    inv.CustomerID,
				AttemptNumber: attempt.AttemptNumber,
				AmountCents:   attempt.AmountCents,
				Currency:      attempt.Currency,
				Status:        attempt.Status,
			}); err != nil {
			return err
		}

		if sub.PlanSnapshot.ProducesDelivery() {
			if _, err := task.EnqueueCreateDelivery(ctx, tx.Tasks(), tenantID,
				task.CreateDeliveryPayload{InvoiceID: inv.ID}, task.Options{}); err != nil {
				return err
			}
		}
		if sub.PlanSnapshot.ProducesEntitlement() {
			if _, err := task.EnqueueEntitlementGrant(ctx, tx.Tasks(), tenantID,
				task.EntitlementGrantPayload{InvoiceID: inv.ID}, task.Options{}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if m := telemetry.Engine; m != nil {
		m.PaymentSucceeded.WithLabelValues(tenantID.String(), attempt.Provider).Inc()
		m.RevenueCents.WithLabelValues(tenantID.String(), inv.Currency).Add(float64(inv.TotalCents))
	}
	s.logger.Info("invoice collected",
		"invoice_id", inv.ID, "invoice_number", inv.InvoiceNumber,
		"amount_cents", inv.TotalCents, "attempt", attempt.AttemptNumber)
	return nil
}

// recordDecline persists a declined attempt and its events, then returns
// EPAYMENT so the dispatcher schedules the next attempt.
func (s *billingService) recordDecline(ctx context.Context, tenantID uuid.UUID, inv *domain.Invoice, sub *domain.Subscription, attempt *domain.PaymentAttempt, finalAttempt bool) error {
	const op = "billing.chargePayment"

	err := s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Invoices().UpdatePaymentAttempt(ctx, attempt); err != nil {
			return err
		}

		if err := outbox.Emit(ctx, tx.Outbox(), tenantID,
			outbox.EventPaymentFailed,
			fmt.Sprintf("payment.failed:%s:%d", inv.ID, attempt.AttemptNumber),
			outbox.PaymentEventData{
				InvoiceID:     inv.ID,
				CustomerID:    inv.CustomerID,
				AttemptNumber: attempt.AttemptNumber,
				AmountCents:   attempt.AmountCents,
				Currency:      attempt.Currency,
				Status:        attempt.Status,
				FailureCode:   attempt.FailureCode,
				FailureReason: attempt.FailureReason,
			}); err != nil {
			return err
		}

		if !finalAttempt {
			return nil
		}

		// Attempt budget exhausted. The subscription stays ACTIVE for
		// operator review; the invoice stays OPEN and collectible.
		if err := outbox.Emit(ctx, tx.Outbox(), tenantID,
			outbox.EventPaymentExhausted, "payment.exhausted:"+inv.ID.String(),
			outbox.PaymentEventData{
				InvoiceID:     inv.ID,
				CustomerID:    inv.CustomerID,
				AttemptNumber: attempt.AttemptNumber,
				AmountCents:   attempt.AmountCents,
				Currency:      attempt.Currency,
				Status:        attempt.Status,
				FailureCode:   attempt.FailureCode,
				FailureReason: attempt.FailureReason,
			}); err != nil {
			return err
		}
		return recordHistory(ctx, tx, tenantID, sub.ID, domain.HistoryActionPaymentExhausted, map[string]any{
			"invoice_id":   inv.ID,
			"attempts":     attempt.AttemptNumber,
			"failure_code": attempt.FailureCode,
		})
	})
	if err != nil {
		return err
	}

	if m := telemetry.Engine; m != nil {
		m.PaymentFailed.WithLabelValues(tenantID.String(), attempt.Provider, attempt.FailureCode).Inc()
	}
	s.logger.Warn("payment declined",
		"invoice_id", inv.ID, "attempt", attempt.AttemptNumber,
		"failure_code", attempt.FailureCode, "final", finalAttempt)

	return domain.Errorf(domain.EPAYMENT, op, "payment declined: %s", attempt.FailureCode)
}

// findAttempt loads one attempt row by number; nil when absent.
func findAttempt(ctx context.Context, s *billingService, tenantID, invoiceID uuid.UUID, attemptNumber int32) *domain.PaymentAttempt {
	attempts, err := s.store.Invoices().ListPaymentAttempts(ctx, tenantID, invoiceID)
	if err != nil {
		return nil
	}
	for i := range attempts {
		if attempts[i].AttemptNumber == attemptNumber {
			return &attempts[i]
		}
	}
	return nil
}

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/skuld/internal/domain"
)

// InvoiceStore persists invoices, their lines, and payment attempts.
type InvoiceStore interface {
	// NextInvoiceNumber increments and returns the tenant's invoice
	// counter. Call inside the transaction that creates the invoice so
	// numbers are never burned on rollback.
	NextInvoiceNumber(ctx context.Context, tenantID uuid.UUID) (int64, error)

	// CreateWithLines inserts an invoice and its lines. If an invoice
	// already exists for the same (subscription, period) the existing
	// invoice is returned unchanged and created is false.
	CreateWithLines(ctx context.Context, inv *domain.Invoice, lines []domain.InvoiceLine) (invoice *domain.Invoice, created bool, err error)

	Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Invoice, error)
	GetByPeriod(ctx context.Context, tenantID, subscriptionID uuid.UUID, periodStart, periodEnd time.Time) (*domain.Invoice, error)
	GetLines(ctx context.Context, tenantID, invoiceID uuid.UUID) ([]domain.InvoiceLine, error)

	// MarkPaid transitions an OPEN invoice to PAID. Idempotent: marking a
	// paid invoice paid again is a no-op.
	MarkPaid(ctx context.Context, tenantID, id uuid.UUID, paidAt time.Time) error
	MarkUncollectible(ctx context.Context, tenantID, id uuid.UUID) error
	Void(ctx context.Context, tenantID, id uuid.UUID, voidedAt time.Time) error

	// CreatePaymentAttempt records one collection attempt. Returns false
	// when the (invoice, attempt_number) pair already exists.
	CreatePaymentAttempt(ctx context.Context, attempt *domain.PaymentAttempt) (created bool, err error)
	UpdatePaymentAttempt(ctx context.Context, attempt *domain.PaymentAttempt) error
	ListPaymentAttempts(ctx context.Context, tenantID, invoiceID uuid.UUID) ([]domain.PaymentAttempt, error)
}

type invoiceRepo struct {
	db DBTX
}

var _ InvoiceStore = (*invoiceRepo)(nil)

const invoiceColumns = `id, tenant_id, subscription_id, customer_id, invoice_number,
	status, currency, subtotal_cents, tax_cents, total_cents, period_start,
	period_end, due_date, paid_at, voided_at, created_at, updated_at`

func scanInvoice(row interface{ Scan(...any) error }) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := row.Scan(
		&inv.ID, &inv.TenantID, &inv.SubscriptionID, &inv.CustomerID,
		&inv.InvoiceNumber, &inv.Status, &inv.Currency, &inv.SubtotalCents,
		&inv.TaxCents, &inv.TotalCents, &inv.PeriodStart, &inv.PeriodEnd,
		&inv.DueDate, &inv.PaidAt, &inv.VoidedAt, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *invoiceRepo) NextInvoiceNumber(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	const op = "store.invoices.next_number"

	if tenantID == uuid.Nil {
		return 0, domain.ErrTenantRequired
	}

	// Upsert-increment in one statement; the row lock serializes
	// concurrent renewals for the same tenant.
	row := r.db.QueryRow(ctx, `
		INSERT INTO invoice_sequences (tenant_id, next_number)
		VALUES ($1, 2)
		ON CONFLICT (tenant_id) DO UPDATE
		SET next_number = invoice_sequences.next_number + 1, updated_at = now()
		RETURNING next_number - 1`,
		tenantID,
	)

	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, domain.Internal(err, op, "failed to advance invoice sequence")
	}
	return n, nil
}

func (r *invoiceRepo) CreateWithLines(ctx context.Context, inv *domain.Invoice, lines []domain.InvoiceLine) (*domain.Invoice, bool, error) {
	const op = "store.invoices.create"

	if inv.TenantID == uuid.Nil {
		return nil, false, domain.ErrTenantRequired
	}
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.Status == "" {
		inv.Status = domain.InvoiceStatusOpen
	}

	// ON CONFLICT DO NOTHING makes the insert race-safe: the loser of a
	// concurrent renewal reads the winner's row instead of erroring.
	tag, err := r.db.Exec(ctx, `
		INSERT INTO invoices (
			id, tenant_id, subscription_id, customer_id, invoice_number, status,
			currency, subtotal_cents, tax_cents, total_cents, period_start,
			period_end, due_date
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (tenant_id, subscription_id, period_start, period_end) DO NOTHING`,
		inv.ID, inv.TenantID, inv.SubscriptionID, inv.CustomerID,
		inv.InvoiceNumber, inv.Status, inv.Currency, inv.SubtotalCents,
		inv.TaxCents, inv.TotalCents, inv.PeriodStart, inv.PeriodEnd, inv.DueDate,
	)
	if err != nil {
		return nil, false, domain.Internal(err, op, "failed to create invoice")
	}

	if tag.RowsAffected() == 0 {
		existing, err := r.GetByPeriod(ctx, inv.TenantID, inv.SubscriptionID, inv.PeriodStart, inv.PeriodEnd)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

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

		_, err := r.db.Exec(ctx, `
			INSERT INTO invoice_lines (
				id, tenant_id, invoice_id, product_id, description,
				quantity, unit_price_cents, total_cents, currency,
				period_start, period_end
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			line.ID, line.TenantID, line.InvoiceID, line.ProductID,
			line.Description, line.Quantity, line.UnitPriceCents,
			line.TotalCents, line.Currency, line.PeriodStart, line.PeriodEnd,
		)
		if err != nil {
			return nil, false, domain.Internal(err, op, "failed to insert invoice line")
		}
	}

	return inv, true, nil
}

func (r *invoiceRepo) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Invoice, error) {
	const op = "store.invoices.get"

	row := r.db.QueryRow(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	)

	inv, err := scanInvoice(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NotFound(op, "invoice", id.String())
		}
		return nil, domain.Internal(err, op, "failed to get invoice")
	}
	return inv, nil
}

func (r *invoiceRepo) GetByPeriod(ctx context.Context, tenantID, subscriptionID uuid.UUID, periodStart, periodEnd time.Time) (*domain.Invoice, error) {
	const op = "store.invoices.get_by_period"

	row := r.db.QueryRow(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE tenant_id = $1 AND subscription_id = $2
		  AND period_start = $3 AND period_end = $4`,
		tenantID, subscriptionID, periodStart, periodEnd,
	)

	inv, err := scanInvoice(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NotFound(op, "invoice", subscriptionID.String())
		}
		return nil, domain.Internal(err, op, "failed to get invoice by period")
	}
	return inv, nil
}

func (r *invoiceRepo) GetLines(ctx context.Context, tenantID, invoiceID uuid.UUID) ([]domain.InvoiceLine, error) {
	const op = "store.invoices.get_lines"

	rows, err := r.db.Query(ctx, `
		SELECT id, tenant_id, invoice_id, product_id, description,
		       quantity, unit_price_cents, total_cents, currency,
		       period_start, period_end, created_at
		FROM invoice_lines
		WHERE tenant_id = $1 AND invoice_id = $2
		ORDER BY created_at`,
		tenantID, invoiceID,
	)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list invoice lines")
	}
	defer rows.Close()

	var lines []domain.InvoiceLine
	for rows.Next() {
		var l domain.InvoiceLine
		err := rows.Scan(
			&l.ID, &l.TenantID, &l.InvoiceID, &l.ProductID, &l.Description,
			&l.Quantity, &l.UnitPriceCents, &l.TotalCents, &l.Currency,
			&l.PeriodStart, &l.PeriodEnd, &l.CreatedAt,
		)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to scan invoice line")
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, op, "failed to read invoice lines")
	}
	return lines, nil
}

func (r *invoiceRepo) MarkPaid(ctx context.Context, tenantID, id uuid.UUID, paidAt time.Time) error {
	const op = "store.invoices.mark_paid"

	tag, err := r.db.Exec(ctx, `
		UPDATE invoices
		SET status = $3, paid_at = $4, updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND status IN ($5, $3)`,
		tenantID, id, domain.InvoiceStatusPaid, paidAt, domain.InvoiceStatusOpen,
	)
	if err != nil {
		return domain.Internal(err, op, "failed to mark invoice paid")
	}
	if tag.RowsAffected() == 0 {
		return invoiceStateError(ctx, r.db, op, tenantID, id)
	}
	return nil
}

func (r *invoiceRepo) MarkUncollectible(ctx context.Context, tenantID, id uuid.UUID) error {
	const op = "store.invoices.mark_uncollectible"

	tag, err := r.db.Exec(ctx, `
		UPDATE invoices
		SET status = $3, updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND status = $4`,
		tenantID, id, domain.InvoiceStatusUncollectible, domain.InvoiceStatusOpen,
	)
	if err != nil {
		return domain.Internal(err, op, "failed to mark invoice uncollectible")
	}
	if tag.RowsAffected() == 0 {
		return invoiceStateError(ctx, r.db, op, tenantID, id)
	}
	return nil
}

func (r *invoiceRepo) Void(ctx context.Context, tenantID, id uuid.UUID, voidedAt time.Time) error {
	const op = "store.invoices.void"

	tag, err := r.db.Exec(ctx, `
		UPDATE invoices
		SET status = $3, voided_at = $4, updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND status = $5`,
		tenantID, id, domain.InvoiceStatusVoid, voidedAt, domain.InvoiceStatusOpen,
	)
	if err != nil {
		return domain.Internal(err, op, "failed to void invoice")
	}
	if tag.RowsAffected() == 0 {
		return invoiceStateError(ctx, r.db, op, tenantID, id)
	}
	return nil
}

// invoiceStateError distinguishes a missing invoice from one in the wrong
// status after a guarded update matched no rows.
func invoiceStateError(ctx context.Context, db DBTX, op string, tenantID, id uuid.UUID) error {
	row := db.QueryRow(ctx, `
		SELECT status FROM invoices WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	)
	var status string
	if err := row.Scan(&status); err != nil {
		if isNoRows(err) {
			return domain.NotFound(op, "invoice", id.String())
		}
		return domain.Internal(err, op, "failed to check invoice status")
	}
	if status == domain.InvoiceStatusPaid {
		return domain.ErrInvoiceAlreadyPaid
	}
	return domain.ErrInvoiceNotOpen
}

func (r *invoiceRepo) CreatePaymentAttempt(ctx context.Context, attempt *domain.PaymentAttempt) (bool, error) {
	const op = "store.invoices.create_payment_attempt"

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
		attempt.AttemptedAt = time.Now().UTC()
	}

	tag, err := r.db.Exec(ctx, `
		INSERT INTO payment_attempts (
			id, tenant_id, invoice_id, attempt_number, status, amount_cents,
			currency, provider, payment_method_ref, external_payment_id,
			failure_code, failure_reason, attempted_at, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (invoice_id, attempt_number) DO NOTHING`,
		attempt.ID, attempt.TenantID, attempt.InvoiceID, attempt.AttemptNumber,
		attempt.Status, attempt.AmountCents, attempt.Currency, attempt.Provider,
		attempt.PaymentMethodRef, attempt.ExternalPaymentID, attempt.FailureCode,
		attempt.FailureReason, attempt.AttemptedAt, attempt.CompletedAt,
	)
	if err != nil {
		return false, domain.Internal(err, op, "failed to create payment attempt")
	}
	return tag.RowsAffected() > 0, nil
}

func (r *invoiceRepo) UpdatePaymentAttempt(ctx context.Context, attempt *domain.PaymentAttempt) error {
	const op = "store.invoices.update_payment_attempt"

	tag, err := r.db.Exec(ctx, `
		UPDATE payment_attempts
		SET status = $3, external_payment_id = $4, failure_code = $5,
		    failure_reason = $6, completed_at = $7
		WHERE tenant_id = $1 AND id = $2`,
		attempt.TenantID, attempt.ID, attempt.Status, attempt.ExternalPaymentID,
		attempt.FailureCode, attempt.FailureReason, attempt.CompletedAt,
	)
	if err != nil {
		return domain.Internal(err, op, "failed to update payment attempt")
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound(op, "payment attempt", attempt.ID.String())
	}
	return nil
}

func (r *invoiceRepo) ListPaymentAttempts(ctx context.Context, tenantID, invoiceID uuid.UUID) ([]domain.PaymentAttempt, error) {
	const op = "store.invoices.list_payment_attempts"

	rows, err := r.db.Query(ctx, `
		SELECT id, tenant_id, invoice_id, attempt_number, status, amount_cents,
		       currency, provider, payment_method_ref, external_payment_id,
		       failure_code, failure_reason, attempted_at, completed_at, created_at
		FROM payment_attempts
		WHERE tenant_id = $1 AND invoice_id = $2
		ORDER BY attempt_number`,
		tenantID, invoiceID,
	)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list payment attempts")
	}
	defer rows.Close()

	var attempts []domain.PaymentAttempt
	for rows.Next() {
		var a domain.PaymentAttempt
		err := rows.Scan(
			&a.ID, &a.TenantID, &a.InvoiceID, &a.AttemptNumber, &a.Status,
			&a.AmountCents, &a.Currency, &a.Provider, &a.PaymentMethodRef,
			&a.ExternalPaymentID, &a.FailureCode, &a.FailureReason,
			&a.AttemptedAt, &a.CompletedAt, &a.CreatedAt,
		)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to scan payment attempt")
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, op, "failed to read payment attempts")
	}
	return attempts, nil
}

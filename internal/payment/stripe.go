package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82"
)

// StripeProvider implements Provider on Stripe PaymentIntents.
// Charges are off-session confirms against a stored payment method;
// Stripe's idempotency layer absorbs duplicate attempts.
type StripeProvider struct {
	client *stripe.Client
}

// NewStripeProvider creates a Stripe payment provider.
func NewStripeProvider(apiKey string) (*StripeProvider, error) {
	if apiKey == "" {
		return nil, ErrInvalidAPIKey
	}
	return &StripeProvider{
		client: stripe.NewClient(apiKey, nil),
	}, nil
}

func (p *StripeProvider) Name() string { return "stripe" }

// ProcessPayment creates and confirms a PaymentIntent for the invoice.
func (p *StripeProvider) ProcessPayment(ctx context.Context, req Request) (*Result, error) {
	if req.AmountCents <= 0 || req.PaymentMethodRef == "" {
		return nil, fmt.Errorf("%w: amount and payment method are required", ErrInvalidRequest)
	}

	metadata := map[string]string{
		"invoice_id":  req.InvoiceID.String(),
		"customer_id": req.CustomerID.String(),
	}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	params := &stripe.PaymentIntentCreateParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod: stripe.String(req.PaymentMethodRef),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
		Metadata:      metadata,
	}
	// Payment methods saved through Stripe are attached to a Stripe
	// customer; callers pass it through metadata when they have one.
	if id := req.Metadata["stripe_customer_id"]; id != "" {
		params.Customer = stripe.String(id)
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}

	pi, err := p.client.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return p.resultFromError(err)
	}
	return resultFromIntent(pi), nil
}

// GetPaymentStatus retrieves a PaymentIntent by its reference.
func (p *StripeProvider) GetPaymentStatus(ctx context.Context, paymentRef string) (*Result, error) {
	pi, err := p.client.V1PaymentIntents.Retrieve(ctx, paymentRef, nil)
	if err != nil {
		return p.resultFromError(err)
	}
	return resultFromIntent(pi), nil
}

// CancelPayment cancels an unconfirmed PaymentIntent.
func (p *StripeProvider) CancelPayment(ctx context.Context, paymentRef string) (*Result, error) {
	pi, err := p.client.V1PaymentIntents.Cancel(ctx, paymentRef, nil)
	if err != nil {
		return p.resultFromError(err)
	}
	return resultFromIntent(pi), nil
}

// RefundPayment refunds a completed PaymentIntent, fully or partially.
func (p *StripeProvider) RefundPayment(ctx context.Context, req RefundRequest) (*Result, error) {
	if req.PaymentReference == "" {
		return nil, fmt.Errorf("%w: payment reference is required", ErrInvalidRequest)
	}

	params := &stripe.RefundCreateParams{
		PaymentIntent: stripe.String(req.PaymentReference),
	}
	if req.AmountCents > 0 {
		params.Amount = stripe.Int64(req.AmountCents)
	}
	if req.Reason != "" {
		params.Metadata = map[string]string{"reason": req.Reason}
	}

	refund, err := p.client.V1Refunds.Create(ctx, params)
	if err != nil {
		return p.resultFromError(err)
	}

	return &Result{
		Success:          true,
		PaymentReference: req.PaymentReference,
		Status:           StatusRefunded,
		ProviderData: map[string]any{
			"refund_id":     refund.ID,
			"refund_status": string(refund.Status),
		},
	}, nil
}

// resultFromError turns a Stripe API error into either a failed Result
// (business outcome: decline, bad reference) or an error (transport
// outcome: unreachable, rate limited, server fault) so callers retry
// only what is safe to retry.
func (p *StripeProvider) resultFromError(err error) (*Result, error) {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	if stripeErr.HTTPStatusCode == 429 || stripeErr.HTTPStatusCode >= 500 || stripeErr.Type == stripe.ErrorTypeAPI {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	if stripeErr.Code == stripe.ErrorCodeAuthenticationRequired {
		res := &Result{
			Success:      false,
			Status:       StatusRequiresAction,
			ErrorCode:    string(stripeErr.Code),
			ErrorMessage: stripeErr.Msg,
		}
		if stripeErr.PaymentIntent != nil {
			res.PaymentReference = stripeErr.PaymentIntent.ID
		}
		return res, nil
	}

	code := string(stripeErr.Code)
	if stripeErr.DeclineCode != "" {
		code = string(stripeErr.DeclineCode)
	}
	res := &Result{
		Success:      false,
		Status:       StatusFailed,
		ErrorCode:    code,
		ErrorMessage: stripeErr.Msg,
	}
	if stripeErr.PaymentIntent != nil {
		res.PaymentReference = stripeErr.PaymentIntent.ID
	}
	return res, nil
}

func resultFromIntent(pi *stripe.PaymentIntent) *Result {
	status := mapIntentStatus(pi.Status)
	return &Result{
		Success:          status == StatusSucceeded,
		PaymentReference: pi.ID,
		Status:           status,
		ProviderData: map[string]any{
			"stripe_status": string(pi.Status),
			"amount":        pi.Amount,
			"currency":      string(pi.Currency),
		},
	}
}

func mapIntentStatus(s stripe.PaymentIntentStatus) Status {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusProcessing:
		return StatusPending
	case stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresPaymentMethod,
		stripe.PaymentIntentStatusRequiresCapture:
		return StatusRequiresAction
	case stripe.PaymentIntentStatusCanceled:
		return StatusCancelled
	default:
		return StatusPending
	}
}

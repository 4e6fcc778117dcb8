package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
)

func TestNewStripeProvider_RequiresAPIKey(t *testing.T) {
	p, err := NewStripeProvider("")
	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	p, err = NewStripeProvider("sk_test_123")
	require.NoError(t, err)
	assert.Equal(t, "stripe", p.Name())
}

func TestStripeProvider_ProcessPayment_ValidatesRequest(t *testing.T) {
	p, err := NewStripeProvider("sk_test_123")
	require.NoError(t, err)

	tests := []struct {
		name string
		req  Request
	}{
		{
			name: "zero amount",
			req: Request{
				InvoiceID:        uuid.New(),
				AmountCents:      0,
				Currency:         "usd",
				PaymentMethodRef: "pm_123",
			},
		},
		{
			name: "negative amount",
			req: Request{
				InvoiceID:        uuid.New(),
				AmountCents:      -100,
				Currency:         "usd",
				PaymentMethodRef: "pm_123",
			},
		},
		{
			name: "missing payment method",
			req: Request{
				InvoiceID:   uuid.New(),
				AmountCents: 2999,
				Currency:    "usd",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := p.ProcessPayment(context.Background(), tt.req)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestStripeProvider_RefundPayment_ValidatesRequest(t *testing.T) {
	p, err := NewStripeProvider("sk_test_123")
	require.NoError(t, err)

	res, err := p.RefundPayment(context.Background(), RefundRequest{})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestStripeProvider_ResultFromError(t *testing.T) {
	p, err := NewStripeProvider("sk_test_123")
	require.NoError(t, err)

	t.Run("non-stripe error is retryable", func(t *testing.T) {
		res, err := p.resultFromError(errors.New("connection refused"))
		assert.Nil(t, res)
		assert.ErrorIs(t, err, ErrProviderUnavailable)
	})

	t.Run("rate limit is retryable", func(t *testing.T) {
		res, err := p.resultFromError(&stripe.Error{
			Type:           stripe.ErrorTypeInvalidRequest,
			HTTPStatusCode: 429,
			Msg:            "Too many requests",
		})
		assert.Nil(t, res)
		assert.ErrorIs(t, err, ErrProviderUnavailable)
	})

	t.Run("server fault is retryable", func(t *testing.T) {
		res, err := p.resultFromError(&stripe.Error{
			Type:           stripe.ErrorTypeAPI,
			HTTPStatusCode: 500,
			Msg:            "Something went wrong",
		})
		assert.Nil(t, res)
		assert.ErrorIs(t, err, ErrProviderUnavailable)
	})

	t.Run("authentication required surfaces as requires action", func(t *testing.T) {
		res, err := p.resultFromError(&stripe.Error{
			Type:          stripe.ErrorTypeCard,
			Code:          stripe.ErrorCodeAuthenticationRequired,
			Msg:           "This payment requires authentication",
			PaymentIntent: &stripe.PaymentIntent{ID: "pi_needs_auth"},
		})
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.False(t, res.Success)
		assert.Equal(t, StatusRequiresAction, res.Status)
		assert.Equal(t, string(stripe.ErrorCodeAuthenticationRequired), res.ErrorCode)
		assert.Equal(t, "pi_needs_auth", res.PaymentReference)
	})

	t.Run("decline code takes precedence over error code", func(t *testing.T) {
		res, err := p.resultFromError(&stripe.Error{
			Type:        stripe.ErrorTypeCard,
			Code:        stripe.ErrorCodeCardDeclined,
			DeclineCode: stripe.DeclineCode("insufficient_funds"),
			Msg:         "Your card has insufficient funds.",
		})
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.False(t, res.Success)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Equal(t, "insufficient_funds", res.ErrorCode)
		assert.Equal(t, "Your card has insufficient funds.", res.ErrorMessage)
	})

	t.Run("decline without decline code keeps error code", func(t *testing.T) {
		res, err := p.resultFromError(&stripe.Error{
			Type: stripe.ErrorTypeCard,
			Code: stripe.ErrorCodeCardDeclined,
			Msg:  "Your card was declined.",
		})
		require.NoError(t, err)
		assert.Equal(t, string(stripe.ErrorCodeCardDeclined), res.ErrorCode)
		assert.Equal(t, StatusFailed, res.Status)
	})
}

func TestStripeProvider_MapIntentStatus(t *testing.T) {
	tests := []struct {
		stripeStatus stripe.PaymentIntentStatus
		want         Status
	}{
		{stripe.PaymentIntentStatusSucceeded, StatusSucceeded},
		{stripe.PaymentIntentStatusProcessing, StatusPending},
		{stripe.PaymentIntentStatusRequiresAction, StatusRequiresAction},
		{stripe.PaymentIntentStatusRequiresConfirmation, StatusRequiresAction},
		{stripe.PaymentIntentStatusRequiresPaymentMethod, StatusRequiresAction},
		{stripe.PaymentIntentStatusRequiresCapture, StatusRequiresAction},
		{stripe.PaymentIntentStatusCanceled, StatusCancelled},
		{stripe.PaymentIntentStatus("something_new"), StatusPending},
	}

	for _, tt := range tests {
		t.Run(string(tt.stripeStatus), func(t *testing.T) {
			assert.Equal(t, tt.want, mapIntentStatus(tt.stripeStatus))
		})
	}
}

func TestStripeProvider_ResultFromIntent(t *testing.T) {
	pi := &stripe.PaymentIntent{
		ID:       "pi_123",
		Status:   stripe.PaymentIntentStatusSucceeded,
		Amount:   2999,
		Currency: stripe.Currency("usd"),
	}

	res := resultFromIntent(pi)

	assert.True(t, res.Success)
	assert.Equal(t, "pi_123", res.PaymentReference)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, "succeeded", res.ProviderData["stripe_status"])
	assert.Equal(t, int64(2999), res.ProviderData["amount"])
	assert.Equal(t, "usd", res.ProviderData["currency"])

	pi.Status = stripe.PaymentIntentStatusProcessing
	res = resultFromIntent(pi)
	assert.False(t, res.Success, "only a settled intent counts as success")
	assert.Equal(t, StatusPending, res.Status)
}

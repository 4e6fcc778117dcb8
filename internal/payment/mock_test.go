package payment_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/skuld/internal/payment"
)

func TestMockProvider_ApprovesByDefault(t *testing.T) {
	mock := payment.NewMockProvider()
	invoiceID := uuid.New()

	res, err := mock.ProcessPayment(context.Background(), payment.Request{
		InvoiceID:        invoiceID,
		CustomerID:       uuid.New(),
		AmountCents:      2999,
		Currency:         "usd",
		PaymentMethodRef: "pm_test_123",
		IdempotencyKey:   invoiceID.String() + ":1",
	})

	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Success)
	assert.Equal(t, payment.StatusSucceeded, res.Status)
	assert.True(t, strings.HasPrefix(res.PaymentReference, "ch_mock_"))
	assert.Empty(t, res.ErrorCode)
	assert.Equal(t, invoiceID.String(), res.ProviderData["invoiceId"])
}

func TestMockProvider_ReplaysIdempotencyKey(t *testing.T) {
	mock := payment.NewMockProvider()
	req := payment.Request{
		InvoiceID:        uuid.New(),
		AmountCents:      1500,
		Currency:         "usd",
		PaymentMethodRef: "pm_test_123",
		IdempotencyKey:   "inv_1:1",
	}

	first, err := mock.ProcessPayment(context.Background(), req)
	require.NoError(t, err)
	second, err := mock.ProcessPayment(context.Background(), req)
	require.NoError(t, err)

	// Same charge, not a new one.
	assert.Equal(t, first.PaymentReference, second.PaymentReference)
	assert.Len(t, mock.Payments, 1)
	// Both calls still land in the log.
	assert.Len(t, mock.Calls(), 2)
}

func TestMockProvider_DistinctKeysCreateDistinctCharges(t *testing.T) {
	mock := payment.NewMockProvider()
	base := payment.Request{
		InvoiceID:        uuid.New(),
		AmountCents:      1500,
		Currency:         "usd",
		PaymentMethodRef: "pm_test_123",
	}

	first := base
	first.IdempotencyKey = "inv_1:1"
	second := base
	second.IdempotencyKey = "inv_1:2"

	res1, err := mock.ProcessPayment(context.Background(), first)
	require.NoError(t, err)
	res2, err := mock.ProcessPayment(context.Background(), second)
	require.NoError(t, err)

	assert.NotEqual(t, res1.PaymentReference, res2.PaymentReference)
	assert.Len(t, mock.Payments, 2)
}

func TestMockProvider_DeclineScripting(t *testing.T) {
	mock := payment.NewMockProvider()
	mock.ProcessPaymentFunc = payment.Decline("insufficient_funds", "Your card has insufficient funds.")

	res, err := mock.ProcessPayment(context.Background(), payment.Request{
		InvoiceID:        uuid.New(),
		AmountCents:      2999,
		Currency:         "usd",
		PaymentMethodRef: "pm_test_123",
		IdempotencyKey:   "inv_2:1",
	})

	require.NoError(t, err, "a decline is a result, not an error")
	assert.False(t, res.Success)
	assert.Equal(t, payment.StatusFailed, res.Status)
	assert.Equal(t, "insufficient_funds", res.ErrorCode)
	assert.Equal(t, "Your card has insufficient funds.", res.ErrorMessage)
}

func TestMockProvider_DeclineIsReplayedUnderSameKey(t *testing.T) {
	mock := payment.NewMockProvider()
	mock.ProcessPaymentFunc = payment.Decline("card_declined", "declined")

	req := payment.Request{
		InvoiceID:        uuid.New(),
		AmountCents:      500,
		Currency:         "usd",
		PaymentMethodRef: "pm_test_123",
		IdempotencyKey:   "inv_3:1",
	}
	first, err := mock.ProcessPayment(context.Background(), req)
	require.NoError(t, err)

	// The retry template switches behavior to approve, but the prior
	// result is pinned to the key just like a real provider.
	mock.ProcessPaymentFunc = nil
	second, err := mock.ProcessPayment(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.False(t, second.Success)
}

func TestMockProvider_OutageScripting(t *testing.T) {
	mock := payment.NewMockProvider()
	mock.ProcessPaymentFunc = func(ctx context.Context, req payment.Request) (*payment.Result, error) {
		return nil, payment.ErrProviderUnavailable
	}

	res, err := mock.ProcessPayment(context.Background(), payment.Request{
		InvoiceID:        uuid.New(),
		AmountCents:      2999,
		Currency:         "usd",
		PaymentMethodRef: "pm_test_123",
		IdempotencyKey:   "inv_4:1",
	})

	assert.Nil(t, res)
	assert.ErrorIs(t, err, payment.ErrProviderUnavailable)

	// An outage records nothing, so the retry is a fresh charge.
	mock.ProcessPaymentFunc = nil
	res, err = mock.ProcessPayment(context.Background(), payment.Request{
		InvoiceID:        uuid.New(),
		AmountCents:      2999,
		Currency:         "usd",
		PaymentMethodRef: "pm_test_123",
		IdempotencyKey:   "inv_4:1",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestMockProvider_GetPaymentStatus(t *testing.T) {
	mock := payment.NewMockProvider()

	charged, err := mock.ProcessPayment(context.Background(), payment.Request{
		InvoiceID:        uuid.New(),
		AmountCents:      1000,
		Currency:         "usd",
		PaymentMethodRef: "pm_test_123",
		IdempotencyKey:   "inv_5:1",
	})
	require.NoError(t, err)

	found, err := mock.GetPaymentStatus(context.Background(), charged.PaymentReference)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSucceeded, found.Status)

	_, err = mock.GetPaymentStatus(context.Background(), "ch_unknown")
	assert.True(t, errors.Is(err, payment.ErrPaymentNotFound))
}

func TestMockProvider_CancelPayment(t *testing.T) {
	mock := payment.NewMockProvider()

	charged, err := mock.ProcessPayment(context.Background(), payment.Request{
		InvoiceID:        uuid.New(),
		AmountCents:      1000,
		Currency:         "usd",
		PaymentMethodRef: "pm_test_123",
		IdempotencyKey:   "inv_6:1",
	})
	require.NoError(t, err)

	res, err := mock.CancelPayment(context.Background(), charged.PaymentReference)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCancelled, res.Status)
	assert.False(t, res.Success)

	_, err = mock.CancelPayment(context.Background(), "ch_unknown")
	assert.True(t, errors.Is(err, payment.ErrPaymentNotFound))
}

func TestMockProvider_RefundPayment(t *testing.T) {
	mock := payment.NewMockProvider()

	charged, err := mock.ProcessPayment(context.Background(), payment.Request{
		InvoiceID:        uuid.New(),
		AmountCents:      1000,
		Currency:         "usd",
		PaymentMethodRef: "pm_test_123",
		IdempotencyKey:   "inv_7:1",
	})
	require.NoError(t, err)

	res, err := mock.RefundPayment(context.Background(), payment.RefundRequest{
		PaymentReference: charged.PaymentReference,
		AmountCents:      1000,
		Reason:           "requested_by_customer",
	})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusRefunded, res.Status)

	_, err = mock.RefundPayment(context.Background(), payment.RefundRequest{PaymentReference: "ch_unknown"})
	assert.True(t, errors.Is(err, payment.ErrPaymentNotFound))
}

func TestMockProvider_CallLogRecordsArguments(t *testing.T) {
	mock := payment.NewMockProvider()
	invoiceID := uuid.New()

	_, err := mock.ProcessPayment(context.Background(), payment.Request{
		InvoiceID:        invoiceID,
		AmountCents:      2500,
		Currency:         "usd",
		PaymentMethodRef: "pm_test_123",
		IdempotencyKey:   "inv_8:1",
	})
	require.NoError(t, err)
	_, _ = mock.GetPaymentStatus(context.Background(), "ch_x")

	calls := mock.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0], "ProcessPayment")
	assert.Contains(t, calls[0], invoiceID.String())
	assert.Contains(t, calls[0], "2500 usd")
	assert.Contains(t, calls[1], "GetPaymentStatus(ch_x)")
}

func TestMockProvider_Name(t *testing.T) {
	assert.Equal(t, "mock", payment.NewMockProvider().Name())
}

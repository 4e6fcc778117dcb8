package payment

import "errors"

var (
	// ErrInvalidAPIKey is returned when the provider credential is missing
	// or malformed at construction time.
	ErrInvalidAPIKey = errors.New("payment: invalid or missing API key")

	// ErrInvalidRequest is returned when a request is missing required
	// fields. Never retried.
	ErrInvalidRequest = errors.New("payment: invalid request")

	// ErrPaymentNotFound is returned when a payment reference does not
	// exist at the provider.
	ErrPaymentNotFound = errors.New("payment: payment not found")

	// ErrProviderUnavailable is returned when the provider cannot be
	// reached or answers with a server error. Safe to retry with the
	// same idempotency key.
	ErrProviderUnavailable = errors.New("payment: provider unavailable")
)

package commerce

import "errors"

var (
	// ErrInvalidRequest is returned when a request is missing required
	// fields. Never retried.
	ErrInvalidRequest = errors.New("commerce: invalid request")

	// ErrOrderNotFound is returned when an order reference does not
	// exist at the provider.
	ErrOrderNotFound = errors.New("commerce: order not found")

	// ErrOrderNotCancelable is returned when cancellation is requested
	// after the order left the cancelable window.
	ErrOrderNotCancelable = errors.New("commerce: order can no longer be canceled")

	// ErrProviderUnavailable is returned when the provider cannot be
	// reached or answers with a server error. Safe to retry.
	ErrProviderUnavailable = errors.New("commerce: provider unavailable")
)

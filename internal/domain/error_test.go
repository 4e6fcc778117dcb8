package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	wrapped := errors.New("connection refused")

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "message only",
			err:  &Error{Code: EINVALID, Message: "quantity must be positive"},
			want: "quantity must be positive",
		},
		{
			name: "op and message",
			err:  &Error{Code: ECONFLICT, Op: "subscription.pause", Message: "subscription is canceled"},
			want: "subscription.pause: subscription is canceled",
		},
		{
			name: "op, message, and cause",
			err:  &Error{Code: EUNAVAILABLE, Op: "billing.chargePayment", Message: "provider unreachable", Err: wrapped},
			want: "billing.chargePayment: provider unreachable: connection refused",
		},
		{
			name: "cause without op",
			err:  &Error{Code: EINTERNAL, Message: "failed to save", Err: wrapped},
			want: "failed to save: connection refused",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// ErrorCode drives the dispatcher's retry decision, so the classification
// of wrapped and foreign errors matters as much as the direct case.
func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"direct domain error", &Error{Code: EPAYMENT, Message: "card declined"}, EPAYMENT},
		{"gone resource", &Error{Code: EGONE, Message: "config disabled"}, EGONE},
		{"fmt-wrapped domain error", fmt.Errorf("renew: %w", &Error{Code: ENOTFOUND, Message: "plan missing"}), ENOTFOUND},
		{"doubly wrapped", fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", &Error{Code: EUNAVAILABLE})), EUNAVAILABLE},
		{"plain error defaults to internal", errors.New("boom"), EINTERNAL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.want {
				t.Errorf("ErrorCode() = %q, want %q", got, tt.want)
			}
			if tt.err != nil {
				if got := IsCode(tt.err, tt.want); !got {
					t.Errorf("IsCode(err, %q) = false, want true", tt.want)
				}
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unavailable", &Error{Code: EUNAVAILABLE, Message: "adapter timeout"}, true},
		{"wrapped unavailable", fmt.Errorf("charge: %w", &Error{Code: EUNAVAILABLE, Message: "gateway 503"}), true},
		{"payment decline", &Error{Code: EPAYMENT, Message: "card declined"}, false},
		{"validation", &Error{Code: EINVALID, Message: "bad input"}, false},
		{"conflict", &Error{Code: ECONFLICT, Message: "already claimed"}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}

// Internal errors and foreign errors must never leak detail to callers;
// every other code surfaces its message verbatim.
func TestErrorMessage(t *testing.T) {
	const generic = "An internal error occurred. Please try again later."

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"payment message passes through", &Error{Code: EPAYMENT, Message: "card declined: insufficient_funds"}, "card declined: insufficient_funds"},
		{"validation message passes through", &Error{Code: EINVALID, Message: "billing interval is not supported"}, "billing interval is not supported"},
		{"internal detail is redacted", &Error{Code: EINTERNAL, Message: "dsn leaked: postgres://user:pw@host"}, generic},
		{"foreign error is redacted", errors.New("pq: deadlock detected"), generic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorMessage(tt.err); got != tt.want {
				t.Errorf("ErrorMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorOp(t *testing.T) {
	withOp := &Error{Code: EINVALID, Op: "invoice.finalize", Message: "x"}
	if got := ErrorOp(withOp); got != "invoice.finalize" {
		t.Errorf("ErrorOp() = %q, want %q", got, "invoice.finalize")
	}
	if got := ErrorOp(errors.New("x")); got != "" {
		t.Errorf("ErrorOp(plain) = %q, want empty", got)
	}
	if got := ErrorOp(nil); got != "" {
		t.Errorf("ErrorOp(nil) = %q, want empty", got)
	}
}

func TestWrappingPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")

	tests := []struct {
		name string
		err  error
		code string
	}{
		{"WrapError", WrapError(cause, EUNAVAILABLE, "billing.chargePayment", "provider unreachable"), EUNAVAILABLE},
		{"Unavailable", Unavailable(cause, "commerce.createOrder", "order gateway timeout"), EUNAVAILABLE},
		{"Internal", Internal(cause, "subscription.save", "failed to save"), EINTERNAL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, cause) {
				t.Error("errors.Is should reach the cause through the domain error")
			}
			var de *Error
			if !errors.As(tt.err, &de) {
				t.Fatal("errors.As should find *Error")
			}
			if de.Code != tt.code {
				t.Errorf("Code = %q, want %q", de.Code, tt.code)
			}
			if de.Unwrap() != cause {
				t.Errorf("Unwrap() = %v, want %v", de.Unwrap(), cause)
			}
		})
	}

	if err := WrapError(nil, EINTERNAL, "op", "msg"); err != nil {
		t.Errorf("WrapError(nil) = %v, want nil", err)
	}
}

func TestErrorf(t *testing.T) {
	err := Errorf(EINVALID, "plan.validate", "invalid price: %d", -100)

	var de *Error
	if !errors.As(err, &de) {
		t.Fatal("Errorf should return *Error")
	}
	if de.Code != EINVALID || de.Op != "plan.validate" || de.Message != "invalid price: -100" {
		t.Errorf("Errorf produced %+v", de)
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"NotFound", NotFound("subscription.get", "subscription", "abc-123"), ENOTFOUND},
		{"Unauthorized", Unauthorized("webhook.verify", "invalid signature"), EUNAUTHORIZED},
		{"Forbidden", Forbidden("subscription.cancel", "belongs to another customer"), EFORBIDDEN},
		{"Invalid", Invalid("plan.create", "price must be positive"), EINVALID},
		{"Conflict", Conflict("invoice.create", "invoice already exists for period"), ECONFLICT},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.code {
				t.Errorf("ErrorCode() = %q, want %q", got, tt.code)
			}
		})
	}

	t.Run("NotFound message names the resource", func(t *testing.T) {
		err := NotFound("subscription.get", "subscription", "abc-123")
		if got := ErrorMessage(err); got != "subscription not found: abc-123" {
			t.Errorf("ErrorMessage() = %q", got)
		}
	})
}

func TestValidationError(t *testing.T) {
	t.Run("single field renders field and message", func(t *testing.T) {
		err := NewValidationError("subscription.create", "plan_id", "plan_id is required")

		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatal("NewValidationError should return *ValidationError")
		}
		if want := "subscription.create: plan_id: plan_id is required"; ve.Error() != want {
			t.Errorf("Error() = %q, want %q", ve.Error(), want)
		}
	})

	t.Run("accumulating fields", func(t *testing.T) {
		err := NewValidationError("subscription.create", "plan_id", "plan_id is required")
		err = AddFieldError(err, "quantity", "quantity must be positive")

		fields := GetValidationFields(err)
		if len(fields) != 2 {
			t.Fatalf("field count = %d, want 2", len(fields))
		}
		if fields["quantity"] != "quantity must be positive" {
			t.Errorf("fields[quantity] = %q", fields["quantity"])
		}
	})

	t.Run("AddFieldError starts from nil", func(t *testing.T) {
		err := AddFieldError(nil, "url", "url is required")
		if !IsValidationError(err) {
			t.Fatal("AddFieldError(nil) should produce a ValidationError")
		}
	})

	t.Run("detection", func(t *testing.T) {
		if IsValidationError(&Error{Code: EINVALID}) {
			t.Error("plain EINVALID is not a ValidationError")
		}
		if IsValidationError(nil) {
			t.Error("nil is not a ValidationError")
		}
		if GetValidationFields(errors.New("x")) != nil {
			t.Error("GetValidationFields should be nil for foreign errors")
		}
	})
}

func TestTenantErrors(t *testing.T) {
	// Cross-tenant access reads as not-found so tenants cannot probe for
	// each other's resource IDs.
	if ErrorCode(ErrTenantMismatch) != ENOTFOUND {
		t.Errorf("ErrTenantMismatch code = %q, want %q", ErrorCode(ErrTenantMismatch), ENOTFOUND)
	}
	if ErrorCode(ErrTenantRequired) != EINTERNAL {
		t.Errorf("ErrTenantRequired code = %q, want %q", ErrorCode(ErrTenantRequired), EINTERNAL)
	}
}

package provider

import (
	"log/slog"
	"time"

	"github.com/dukerupert/skuld/internal/commerce"
	"github.com/dukerupert/skuld/internal/domain"
	"github.com/dukerupert/skuld/internal/payment"
)

// Factory creates adapter instances from validated configuration. The
// registry stays ignorant of concrete implementations; adding a provider
// means extending the factory switch, nothing else.
type Factory interface {
	CreatePaymentProvider(name ProviderName, settings Settings) (payment.Provider, error)
	CreateCommerceProvider(name ProviderName, settings Settings) (commerce.Provider, error)
}

// DefaultFactory implements Factory for the built-in providers.
type DefaultFactory struct {
	validator      Validator
	logger         *slog.Logger
	adapterTimeout time.Duration
}

// NewDefaultFactory creates a factory. adapterTimeout bounds outbound
// HTTP calls of providers that take one; zero means 30s.
func NewDefaultFactory(validator Validator, logger *slog.Logger, adapterTimeout time.Duration) *DefaultFactory {
	if validator == nil {
		validator = NewDefaultValidator()
	}
	if adapterTimeout == 0 {
		adapterTimeout = 30 * time.Second
	}
	return &DefaultFactory{
		validator:      validator,
		logger:         logger,
		adapterTimeout: adapterTimeout,
	}
}

// CreatePaymentProvider builds a payment adapter from settings.
func (f *DefaultFactory) CreatePaymentProvider(name ProviderName, settings Settings) (payment.Provider, error) {
	const op = "provider.factory.payment"

	if result := f.validator.ValidatePaymentConfig(name, settings); !result.Valid {
		return nil, domain.Invalid(op, result.Err("payment").Error())
	}

	switch name {
	case ProviderNameStripe:
		return payment.NewStripeProvider(settings.String("secret_key"))
	case ProviderNameMock:
		return payment.NewMockProvider(), nil
	default:
		return nil, domain.ErrUnknownProviderName
	}
}

// CreateCommerceProvider builds a commerce adapter from settings.
func (f *DefaultFactory) CreateCommerceProvider(name ProviderName, settings Settings) (commerce.Provider, error) {
	const op = "provider.factory.commerce"

	if result := f.validator.ValidateCommerceConfig(name, settings); !result.Valid {
		return nil, domain.Invalid(op, result.Err("commerce").Error())
	}

	switch name {
	case ProviderNameREST:
		return commerce.NewRESTProvider(
			settings.String("base_url"),
			settings.String("api_key"),
			f.adapterTimeout,
			f.logger,
		), nil
	case ProviderNameMock:
		return commerce.NewMockProvider(), nil
	default:
		return nil, domain.ErrUnknownProviderName
	}
}

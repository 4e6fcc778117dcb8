package provider

import (
	"context"
	"time"

	"github.com/dukerupert/skuld/internal/commerce"
	"github.com/dukerupert/skuld/internal/domain"
	"github.com/dukerupert/skuld/internal/payment"
	"github.com/dukerupert/skuld/internal/telemetry"
)

// instrument wraps a freshly built adapter so every outbound call is
// counted and timed under the provider's own name. Unknown kinds pass
// through untouched.
func instrument(p any) any {
	switch v := p.(type) {
	case payment.Provider:
		return instrumentedPayment{v}
	case commerce.Provider:
		return instrumentedCommerce{v}
	default:
		return p
	}
}

func observeCall(providerType, name string, start time.Time, err error) {
	if telemetry.Engine == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.Engine.ProviderCalls.WithLabelValues(providerType, name, outcome).Inc()
	telemetry.Engine.ProviderLatency.WithLabelValues(providerType, name).Observe(time.Since(start).Seconds())
}

type instrumentedPayment struct {
	payment.Provider
}

func (p instrumentedPayment) ProcessPayment(ctx context.Context, req payment.Request) (*payment.Result, error) {
	start := time.Now()
	res, err := p.Provider.ProcessPayment(ctx, req)
	observeCall(domain.ProviderTypePayment, p.Name(), start, err)
	return res, err
}

func (p instrumentedPayment) GetPaymentStatus(ctx context.Context, paymentRef string) (*payment.Result, error) {
	start := time.Now()
	res, err := p.Provider.GetPaymentStatus(ctx, paymentRef)
	observeCall(domain.ProviderTypePayment, p.Name(), start, err)
	return res, err
}

func (p instrumentedPayment) CancelPayment(ctx context.Context, paymentRef string) (*payment.Result, error) {
	start := time.Now()
	res, err := p.Provider.CancelPayment(ctx, paymentRef)
	observeCall(domain.ProviderTypePayment, p.Name(), start, err)
	return res, err
}

func (p instrumentedPayment) RefundPayment(ctx context.Context, req payment.RefundRequest) (*payment.Result, error) {
	start := time.Now()
	res, err := p.Provider.RefundPayment(ctx, req)
	observeCall(domain.ProviderTypePayment, p.Name(), start, err)
	return res, err
}

type instrumentedCommerce struct {
	commerce.Provider
}

func (c instrumentedCommerce) CreateOrder(ctx context.Context, req commerce.OrderRequest) (*commerce.OrderResult, error) {
	start := time.Now()
	res, err := c.Provider.CreateOrder(ctx, req)
	observeCall(domain.ProviderTypeCommerce, c.Name(), start, err)
	return res, err
}

func (c instrumentedCommerce) GetOrderStatus(ctx context.Context, orderRef string) (*commerce.OrderResult, error) {
	start := time.Now()
	res, err := c.Provider.GetOrderStatus(ctx, orderRef)
	observeCall(domain.ProviderTypeCommerce, c.Name(), start, err)
	return res, err
}

func (c instrumentedCommerce) CancelOrder(ctx context.Context, orderRef string, reason string) (*commerce.OrderResult, error) {
	start := time.Now()
	res, err := c.Provider.CancelOrder(ctx, orderRef, reason)
	observeCall(domain.ProviderTypeCommerce, c.Name(), start, err)
	return res, err
}

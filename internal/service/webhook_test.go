package service_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/skuld/internal/crypto"
	"github.com/dukerupert/skuld/internal/domain"
	"github.com/dukerupert/skuld/internal/outbox"
	"github.com/dukerupert/skuld/internal/service"
	"github.com/dukerupert/skuld/internal/store/storetest"
)

type endpointFixture struct {
	ctx    context.Context
	store  *storetest.Store
	enc    crypto.Encryptor
	svc    service.EndpointService
	tenant *domain.Tenant
}

func newEndpointFixture(t *testing.T) *endpointFixture {
	t.Helper()

	st := storetest.New()
	ctx := context.Background()

	tenant := &domain.Tenant{Name: "Acme Roasters", Slug: "acme"}
	require.NoError(t, st.Tenants().Create(ctx, tenant))
	ctx = domain.NewContextWithTenant(ctx, tenant)

	enc, err := crypto.NewAESEncryptor(bytes.Repeat([]byte("k"), 32))
	require.NoError(t, err)

	return &endpointFixture{
		ctx:    ctx,
		store:  st,
		enc:    enc,
		svc:    service.NewEndpointService(st, enc, discardLogger()),
		tenant: tenant,
	}
}

func (f *endpointFixture) register(t *testing.T, url string, eventTypes ...string) (*domain.WebhookEndpoint, string) {
	t.Helper()
	ep, secret, err := f.svc.Register(f.ctx, service.RegisterEndpointParams{
		URL:        url,
		EventTypes: eventTypes,
	})
	require.NoError(t, err)
	return ep, secret
}

func TestEndpointService_Register(t *testing.T) {
	f := newEndpointFixture(t)

	ep, secret, err := f.svc.Register(f.ctx, service.RegisterEndpointParams{
		URL:        "https://hooks.example.com/skuld",
		EventTypes: []string{outbox.EventInvoicePaid, outbox.EventSubscriptionRenewed},
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(secret, "whsec_"), "secret %q", secret)
	assert.Len(t, secret, 70)
	assert.Equal(t, domain.EndpointStatusActive, ep.Status)
	assert.Equal(t, []string{outbox.EventInvoicePaid, outbox.EventSubscriptionRenewed}, ep.EventTypes)

	// Only ciphertext reaches the store; the plaintext round-trips through
	// the encryptor.
	stored, err := f.store.Webhooks().GetEndpoint(f.ctx, f.tenant.ID, ep.ID)
	require.NoError(t, err)
	assert.NotEqual(t, secret, stored.Secret)
	plaintext, err := f.enc.Decrypt([]byte(stored.Secret))
	require.NoError(t, err)
	assert.Equal(t, secret, string(plaintext))
}

func TestEndpointService_Register_RejectsBadURL(t *testing.T) {
	f := newEndpointFixture(t)

	_, _, err := f.svc.Register(f.ctx, service.RegisterEndpointParams{URL: "not a url"})

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "URL")

	endpoints, err := f.svc.List(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, endpoints)
}

func TestEndpointService_Register_RejectsUnknownEventType(t *testing.T) {
	f := newEndpointFixture(t)

	_, _, err := f.svc.Register(f.ctx, service.RegisterEndpointParams{
		URL:        "https://hooks.example.com/skuld",
		EventTypes: []string{"subscription.deleted"},
	})

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields["event_types"], "subscription.deleted")
}

func TestEndpointService_Update(t *testing.T) {
	f := newEndpointFixture(t)
	ep, _ := f.register(t, "https://hooks.example.com/skuld", outbox.EventInvoicePaid)

	newURL := "https://hooks.example.com/v2"
	disabled := domain.EndpointStatusDisabled
	got, err := f.svc.Update(f.ctx, service.UpdateEndpointParams{
		EndpointID: ep.ID,
		URL:        &newURL,
		Status:     &disabled,
	})
	require.NoError(t, err)
	assert.Equal(t, newURL, got.URL)
	assert.Equal(t, domain.EndpointStatusDisabled, got.Status)
	assert.Equal(t, []string{outbox.EventInvoicePaid}, got.EventTypes, "nil EventTypes leaves the filter alone")

	// An all-nil update changes nothing.
	same, err := f.svc.Update(f.ctx, service.UpdateEndpointParams{EndpointID: ep.ID})
	require.NoError(t, err)
	assert.Equal(t, newURL, same.URL)
	assert.Equal(t, domain.EndpointStatusDisabled, same.Status)

	// A non-nil empty filter widens the endpoint to every event.
	catchAll := []string{}
	widened, err := f.svc.Update(f.ctx, service.UpdateEndpointParams{
		EndpointID: ep.ID,
		EventTypes: &catchAll,
	})
	require.NoError(t, err)
	assert.Empty(t, widened.EventTypes)
}

func TestEndpointService_Update_RejectsInvalidInput(t *testing.T) {
	f := newEndpointFixture(t)
	ep, _ := f.register(t, "https://hooks.example.com/skuld")

	var verr *domain.ValidationError

	bogusStatus := "PAUSED"
	_, err := f.svc.Update(f.ctx, service.UpdateEndpointParams{EndpointID: ep.ID, Status: &bogusStatus})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "Status")

	bogusEvents := []string{"order.teleported"}
	_, err = f.svc.Update(f.ctx, service.UpdateEndpointParams{EndpointID: ep.ID, EventTypes: &bogusEvents})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields["event_types"], "order.teleported")

	// The endpoint survives both rejections untouched.
	got, err := f.svc.Get(f.ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EndpointStatusActive, got.Status)
}

func TestEndpointService_RotateSecret(t *testing.T) {
	f := newEndpointFixture(t)
	ep, original := f.register(t, "https://hooks.example.com/skuld")

	rotated, err := f.svc.RotateSecret(f.ctx, ep.ID)
	require.NoError(t, err)
	assert.NotEqual(t, original, rotated)
	assert.True(t, strings.HasPrefix(rotated, "whsec_"))

	stored, err := f.store.Webhooks().GetEndpoint(f.ctx, f.tenant.ID, ep.ID)
	require.NoError(t, err)
	plaintext, err := f.enc.Decrypt([]byte(stored.Secret))
	require.NoError(t, err)
	assert.Equal(t, rotated, string(plaintext), "store holds the new secret, not the old")
}

func TestEndpointService_DeleteAndList(t *testing.T) {
	f := newEndpointFixture(t)
	a, _ := f.register(t, "https://hooks.example.com/a")
	b, _ := f.register(t, "https://hooks.example.com/b")

	endpoints, err := f.svc.List(f.ctx)
	require.NoError(t, err)
	assert.Len(t, endpoints, 2)

	require.NoError(t, f.svc.Delete(f.ctx, a.ID))

	_, err = f.svc.Get(f.ctx, a.ID)
	assert.True(t, domain.IsCode(err, domain.ENOTFOUND))

	endpoints, err = f.svc.List(f.ctx)
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.Equal(t, b.ID, endpoints[0].ID)
}

func TestEndpointService_ScopedToTenant(t *testing.T) {
	f := newEndpointFixture(t)
	ep, _ := f.register(t, "https://hooks.example.com/skuld")

	rival := &domain.Tenant{Name: "Rival Beans", Slug: "rival"}
	require.NoError(t, f.store.Tenants().Create(context.Background(), rival))
	rivalCtx := domain.NewContextWithTenant(context.Background(), rival)

	_, err := f.svc.Get(rivalCtx, ep.ID)
	assert.True(t, domain.IsCode(err, domain.ENOTFOUND))

	endpoints, err := f.svc.List(rivalCtx)
	require.NoError(t, err)
	assert.Empty(t, endpoints)
}

func TestEndpointService_RequiresTenant(t *testing.T) {
	f := newEndpointFixture(t)

	_, _, err := f.svc.Register(context.Background(), service.RegisterEndpointParams{
		URL: "https://hooks.example.com/skuld",
	})
	require.ErrorIs(t, err, domain.ErrTenantRequired)

	_, err = f.svc.List(context.Background())
	require.ErrorIs(t, err, domain.ErrTenantRequired)
}

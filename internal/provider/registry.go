package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/skuld/internal/commerce"
	"github.com/dukerupert/skuld/internal/crypto"
	"github.com/dukerupert/skuld/internal/domain"
	"github.com/dukerupert/skuld/internal/payment"
	"github.com/dukerupert/skuld/internal/store"
)

// Registry resolves adapters for tenants.
//
// Registry responsibilities:
//   - load provider configs from the database
//   - decrypt the credential blob
//   - build adapter instances via the factory
//   - cache instances so task handlers do not hit the database per task
//   - fall back to the process-wide provider when a tenant has no config
type Registry interface {
	// GetPaymentProvider returns the payment adapter for the tenant.
	GetPaymentProvider(ctx context.Context, tenantID uuid.UUID) (payment.Provider, error)

	// GetCommerceProvider returns the commerce adapter for the tenant.
	GetCommerceProvider(ctx context.Context, tenantID uuid.UUID) (commerce.Provider, error)

	// InvalidateCache removes the cached adapter for one tenant and kind.
	// Call it when a tenant's provider configuration changes.
	InvalidateCache(tenantID uuid.UUID, providerType string)

	// InvalidateAllCache clears every cached adapter, for key rotation.
	InvalidateAllCache()
}

// DefaultRegistry implements Registry with in-memory TTL caching.
type DefaultRegistry struct {
	configs   store.ProviderConfigStore
	factory   Factory
	encryptor crypto.Encryptor
	cacheTTL  time.Duration

	// Process-wide adapters from config, used when a tenant has no row.
	fallbackPayment  payment.Provider
	fallbackCommerce commerce.Provider

	mu    sync.Mutex
	cache sync.Map
}

type cacheKey struct {
	tenantID     string
	providerType string
}

type cacheEntry struct {
	provider  any
	expiresAt time.Time
}

// NewDefaultRegistry creates a provider registry. cacheTTL zero or
// negative defaults to one hour.
func NewDefaultRegistry(
	configs store.ProviderConfigStore,
	factory Factory,
	encryptor crypto.Encryptor,
	cacheTTL time.Duration,
	fallbackPayment payment.Provider,
	fallbackCommerce commerce.Provider,
) *DefaultRegistry {
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	return &DefaultRegistry{
		configs:          configs,
		factory:          factory,
		encryptor:        encryptor,
		cacheTTL:         cacheTTL,
		fallbackPayment:  fallbackPayment,
		fallbackCommerce: fallbackCommerce,
	}
}

// GetPaymentProvider returns the payment adapter for the tenant.
func (r *DefaultRegistry) GetPaymentProvider(ctx context.Context, tenantID uuid.UUID) (payment.Provider, error) {
	p, err := r.resolve(ctx, tenantID, domain.ProviderTypePayment)
	if err != nil {
		return nil, err
	}
	provider, ok := p.(payment.Provider)
	if !ok {
		return nil, fmt.Errorf("provider registry: cached %s entry has wrong type", domain.ProviderTypePayment)
	}
	return provider, nil
}

// GetCommerceProvider returns the commerce adapter for the tenant.
func (r *DefaultRegistry) GetCommerceProvider(ctx context.Context, tenantID uuid.UUID) (commerce.Provider, error) {
	p, err := r.resolve(ctx, tenantID, domain.ProviderTypeCommerce)
	if err != nil {
		return nil, err
	}
	provider, ok := p.(commerce.Provider)
	if !ok {
		return nil, fmt.Errorf("provider registry: cached %s entry has wrong type", domain.ProviderTypeCommerce)
	}
	return provider, nil
}

func (r *DefaultRegistry) resolve(ctx context.Context, tenantID uuid.UUID, providerType string) (any, error) {
	key := cacheKey{tenantID: tenantID.String(), providerType: providerType}

	if v, ok := r.cache.Load(key); ok {
		entry := v.(cacheEntry)
		if time.Now().Before(entry.expiresAt) {
			return entry.provider, nil
		}
		r.cache.Delete(key)
	}

	// Single-flight per registry: one builder at a time is enough at
	// task-handler call rates and keeps duplicate adapter construction
	// (and decryptions) out of cold-start bursts.
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.cache.Load(key); ok {
		entry := v.(cacheEntry)
		if time.Now().Before(entry.expiresAt) {
			return entry.provider, nil
		}
	}

	provider, err := r.load(ctx, tenantID, providerType)
	if err != nil {
		return nil, err
	}
	provider = instrument(provider)

	r.cache.Store(key, cacheEntry{
		provider:  provider,
		expiresAt: time.Now().Add(r.cacheTTL),
	})
	return provider, nil
}

func (r *DefaultRegistry) load(ctx context.Context, tenantID uuid.UUID, providerType string) (any, error) {
	cfg, err := r.configs.Get(ctx, tenantID, providerType)
	if err != nil {
		if domain.IsCode(err, domain.ENOTFOUND) {
			return r.fallback(providerType)
		}
		return nil, err
	}
	if cfg.Status != domain.ProviderConfigStatusActive {
		return nil, domain.ErrProviderConfigDisabled
	}

	settings, err := r.decrypt(cfg.ConfigEncrypted)
	if err != nil {
		return nil, fmt.Errorf("provider registry: decrypt %s config for tenant %s: %w", providerType, tenantID, err)
	}

	switch providerType {
	case domain.ProviderTypePayment:
		return r.factory.CreatePaymentProvider(ProviderName(cfg.ProviderName), settings)
	case domain.ProviderTypeCommerce:
		return r.factory.CreateCommerceProvider(ProviderName(cfg.ProviderName), settings)
	default:
		return nil, domain.ErrUnknownProviderName
	}
}

func (r *DefaultRegistry) fallback(providerType string) (any, error) {
	switch providerType {
	case domain.ProviderTypePayment:
		if r.fallbackPayment != nil {
			return r.fallbackPayment, nil
		}
	case domain.ProviderTypeCommerce:
		if r.fallbackCommerce != nil {
			return r.fallbackCommerce, nil
		}
	}
	return nil, domain.ErrProviderConfigNotFound
}

func (r *DefaultRegistry) decrypt(encrypted string) (Settings, error) {
	plaintext, err := r.encryptor.Decrypt([]byte(encrypted))
	if err != nil {
		return nil, err
	}
	var settings Settings
	if err := json.Unmarshal(plaintext, &settings); err != nil {
		return nil, fmt.Errorf("parse config JSON: %w", err)
	}
	return settings, nil
}

// InvalidateCache removes the cached adapter for one tenant and kind.
func (r *DefaultRegistry) InvalidateCache(tenantID uuid.UUID, providerType string) {
	r.cache.Delete(cacheKey{tenantID: tenantID.String(), providerType: providerType})
}

// InvalidateAllCache clears every cached adapter.
func (r *DefaultRegistry) InvalidateAllCache() {
	r.cache.Range(func(key, _ any) bool {
		r.cache.Delete(key)
		return true
	})
}

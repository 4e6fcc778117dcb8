package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dukerupert/skuld/internal/crypto"
	"github.com/dukerupert/skuld/internal/domain"
	"github.com/dukerupert/skuld/internal/outbox"
	"github.com/dukerupert/skuld/internal/store"
)

var validate = validator.New()

// EndpointService manages a tenant's webhook endpoints. Signing secrets
// are generated server-side, stored encrypted, and shown in plaintext
// exactly once: in the Register or RotateSecret response.
type EndpointService interface {
	Register(ctx context.Context, params RegisterEndpointParams) (*domain.WebhookEndpoint, string, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.WebhookEndpoint, error)
	List(ctx context.Context) ([]domain.WebhookEndpoint, error)
	Update(ctx context.Context, params UpdateEndpointParams) (*domain.WebhookEndpoint, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// RotateSecret replaces the endpoint's signing secret and returns the
	// new plaintext. Deliveries signed with the old secret are not
	// re-signed.
	RotateSecret(ctx context.Context, id uuid.UUID) (string, error)
}

// RegisterEndpointParams describes a new endpoint.
type RegisterEndpointParams struct {
	URL string `validate:"required,url"`

	// EventTypes filters which events reach the endpoint. Empty
	// subscribes it to everything.
	EventTypes []string
}

// UpdateEndpointParams carries an endpoint change. Nil fields are left
// untouched; a non-nil empty EventTypes subscribes to everything.
type UpdateEndpointParams struct {
	EndpointID uuid.UUID
	URL        *string `validate:"omitempty,url"`
	EventTypes *[]string
	Status     *string `validate:"omitempty,oneof=ACTIVE DISABLED"`
}

type endpointService struct {
	store     store.Store
	encryptor crypto.Encryptor
	logger    *slog.Logger
}

// NewEndpointService creates an EndpointService.
func NewEndpointService(st store.Store, encryptor crypto.Encryptor, logger *slog.Logger) EndpointService {
	if logger == nil {
		logger = slog.Default()
	}
	return &endpointService{
		store:     st,
		encryptor: encryptor,
		logger:    logger.With("service", "webhook"),
	}
}

// Register creates an endpoint and returns it with the plaintext secret.
func (s *endpointService) Register(ctx context.Context, params RegisterEndpointParams) (*domain.WebhookEndpoint, string, error) {
	const op = "webhook.register"

	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return nil, "", err
	}
	if err := validateParams(op, params); err != nil {
		return nil, "", err
	}
	if err := validateEventTypes(op, params.EventTypes); err != nil {
		return nil, "", err
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, "", domain.Internal(err, op, "failed to generate signing secret")
	}
	encrypted, err := s.encryptor.Encrypt([]byte(secret))
	if err != nil {
		return nil, "", domain.Internal(err, op, "failed to encrypt signing secret")
	}

	endpoint := &domain.WebhookEndpoint{
		TenantID:   tenantID,
		URL:        params.URL,
		Secret:     string(encrypted),
		EventTypes: params.EventTypes,
		Status:     domain.EndpointStatusActive,
	}
	if err := s.store.Webhooks().CreateEndpoint(ctx, endpoint); err != nil {
		return nil, "", err
	}

	s.logger.Info("webhook endpoint registered",
		"endpoint_id", endpoint.ID, "url", endpoint.URL,
		"event_types", len(endpoint.EventTypes))
	return endpoint, secret, nil
}

func (s *endpointService) Get(ctx context.Context, id uuid.UUID) (*domain.WebhookEndpoint, error) {
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.Webhooks().GetEndpoint(ctx, tenantID, id)
}

func (s *endpointService) List(ctx context.Context) ([]domain.WebhookEndpoint, error) {
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.Webhooks().ListEndpoints(ctx, tenantID)
}

// Update changes an endpoint's URL, subscriptions, or status.
func (s *endpointService) Update(ctx context.Context, params UpdateEndpointParams) (*domain.WebhookEndpoint, error) {
	const op = "webhook.update"

	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateParams(op, params); err != nil {
		return nil, err
	}

	endpoint, err := s.store.Webhooks().GetEndpoint(ctx, tenantID, params.EndpointID)
	if err != nil {
		return nil, err
	}
	if params.URL != nil {
		endpoint.URL = *params.URL
	}
	if params.EventTypes != nil {
		if err := validateEventTypes(op, *params.EventTypes); err != nil {
			return nil, err
		}
		endpoint.EventTypes = *params.EventTypes
	}
	if params.Status != nil {
		endpoint.Status = *params.Status
	}

	if err := s.store.Webhooks().UpdateEndpoint(ctx, endpoint); err != nil {
		return nil, err
	}
	s.logger.Info("webhook endpoint updated",
		"endpoint_id", endpoint.ID, "status", endpoint.Status)
	return endpoint, nil
}

func (s *endpointService) Delete(ctx context.Context, id uuid.UUID) error {
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return err
	}
	if err := s.store.Webhooks().DeleteEndpoint(ctx, tenantID, id); err != nil {
		return err
	}
	s.logger.Info("webhook endpoint deleted", "endpoint_id", id)
	return nil
}

// RotateSecret replaces the signing secret.
func (s *endpointService) RotateSecret(ctx context.Context, id uuid.UUID) (string, error) {
	const op = "webhook.rotateSecret"

	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return "", err
	}
	endpoint, err := s.store.Webhooks().GetEndpoint(ctx, tenantID, id)
	if err != nil {
		return "", err
	}

	secret, err := generateSecret()
	if err != nil {
		return "", domain.Internal(err, op, "failed to generate signing secret")
	}
	encrypted, err := s.encryptor.Encrypt([]byte(secret))
	if err != nil {
		return "", domain.Internal(err, op, "failed to encrypt signing secret")
	}
	endpoint.Secret = string(encrypted)

	if err := s.store.Webhooks().UpdateEndpoint(ctx, endpoint); err != nil {
		return "", err
	}
	s.logger.Info("webhook secret rotated", "endpoint_id", endpoint.ID)
	return secret, nil
}

// generateSecret produces a whsec_-prefixed 256-bit signing secret.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}

// validateParams runs struct tag validation and converts failures into
// field-keyed validation errors.
func validateParams(op string, params any) error {
	err := validate.Struct(params)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domain.Internal(err, op, "failed to validate parameters")
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fmt.Sprintf("failed %q validation", fe.Tag())
	}
	return &domain.ValidationError{Op: op, Fields: fields}
}

// validateEventTypes rejects subscriptions to event types the engine
// never emits; a typo here would otherwise silently drop every event.
func validateEventTypes(op string, eventTypes []string) error {
	for _, et := range eventTypes {
		if !outbox.IsKnownEvent(et) {
			return domain.NewValidationError(op, "event_types", fmt.Sprintf("unknown event type %q", et))
		}
	}
	return nil
}

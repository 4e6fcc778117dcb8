// Package relay moves committed outbox events onto tenant webhook
// endpoints. A fan-out loop materializes one delivery row per matching
// endpoint inside a transaction, so an event is either fully fanned out
// or still pending. A dispatch loop then posts due deliveries with an
// HMAC signature and schedules retries on failure. Both loops are safe
// to run alongside themselves on another process: fan-out locks the
// events it reads, and delivery rows converge on (endpoint, event).
package relay

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/skuld/internal/crypto"
	"github.com/dukerupert/skuld/internal/domain"
	"github.com/dukerupert/skuld/internal/outbox"
	"github.com/dukerupert/skuld/internal/store"
	"github.com/dukerupert/skuld/internal/telemetry"
)

// Config controls the relay loops.
type Config struct {
	// FanoutInterval is how often pending outbox events are turned into
	// delivery rows.
	FanoutInterval time.Duration

	// DispatchInterval is how often due deliveries are posted.
	DispatchInterval time.Duration

	// BatchSize bounds both the fan-out and dispatch reads.
	BatchSize int32

	// MaxAttempts is stamped onto every delivery at fan-out time.
	MaxAttempts int32

	// RetryBase seeds the per-delivery backoff: a delivery that has
	// failed n times waits RetryBase * 2^n before the next attempt.
	RetryBase time.Duration

	// Timeout bounds a single outbound POST.
	Timeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.FanoutInterval <= 0 {
		c.FanoutInterval = 5 * time.Second
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// maxRetryDelay caps the exponential delivery backoff.
const maxRetryDelay = 6 * time.Hour

// Relay owns the fan-out and dispatch loops.
type Relay struct {
	cfg       Config
	store     store.Store
	encryptor crypto.Encryptor
	client    *http.Client
	logger    *slog.Logger
	now       func() time.Time
}

func New(st store.Store, enc crypto.Encryptor, cfg Config, logger *slog.Logger) *Relay {
	cfg.applyDefaults()
	return &Relay{
		cfg:       cfg,
		store:     st,
		encryptor: enc,
		client:    &http.Client{Timeout: cfg.Timeout},
		logger:    logger.With("component", "relay"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run drives both loops until ctx is canceled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("relay started",
		"fanout_interval", r.cfg.FanoutInterval,
		"dispatch_interval", r.cfg.DispatchInterval,
		"batch_size", r.cfg.BatchSize,
	)

	fanout := time.NewTicker(r.cfg.FanoutInterval)
	defer fanout.Stop()
	dispatch := time.NewTicker(r.cfg.DispatchInterval)
	defer dispatch.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopping")
			return ctx.Err()
		case <-fanout.C:
			if err := r.FanOutOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("outbox fan-out failed", "error", err)
			}
		case <-dispatch.C:
			if err := r.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("webhook dispatch failed", "error", err)
			}
		}
	}
}

// FanOutOnce drains one batch of pending outbox events into delivery
// rows.
//
// Flow:
//  1. Lock a batch of PENDING events (skipping ones another relay holds)
//  2. Serialize each event's envelope exactly once
//  3. Insert one delivery per active endpoint subscribed to the event type
//  4. Mark events with at least one subscriber FANNED_OUT, the rest DISCARDED
//
// Steps run in a single transaction: a crash rolls everything back and
// the next pass redoes the batch, with duplicate deliveries absorbed by
// the (endpoint, event) key.
func (r *Relay) FanOutOnce(ctx context.Context) error {
	const op = "relay.fanout"

	var fanned, discarded int
	err := r.store.WithTx(ctx, func(tx store.Store) error {
		fanned, discarded = 0, 0

		events, err := tx.Outbox().ListPendingForUpdate(ctx, r.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if len(events) == 0 {
			return nil
		}

		// Endpoint lists are cached per tenant for the batch.
		endpoints := make(map[uuid.UUID][]domain.WebhookEndpoint)
		now := r.now()
		var fannedIDs, discardedIDs []uuid.UUID

		for i := range events {
			ev := &events[i]

			eps, ok := endpoints[ev.TenantID]
			if !ok {
				eps, err = tx.Webhooks().ListActiveEndpoints(ctx, ev.TenantID)
				if err != nil {
					return fmt.Errorf("%s: %w", op, err)
				}
				endpoints[ev.TenantID] = eps
			}

			// The envelope bytes inserted here are the bytes that get
			// signed and posted. They are never re-serialized.
			payload, err := outbox.Envelop(ev)
			if err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}

			matched := false
			for j := range eps {
				ep := &eps[j]
				if !ep.WantsEvent(ev.EventType) {
					continue
				}
				matched = true
				_, err := tx.Webhooks().InsertDelivery(ctx, &domain.WebhookDelivery{
					TenantID:      ev.TenantID,
					EndpointID:    ep.ID,
					EventID:       ev.ID,
					EventType:     ev.EventType,
					Payload:       payload,
					MaxAttempts:   r.cfg.MaxAttempts,
					NextAttemptAt: now,
				})
				if err != nil {
					return fmt.Errorf("%s: %w", op, err)
				}
			}

			if matched {
				fannedIDs = append(fannedIDs, ev.ID)
			} else {
				discardedIDs = append(discardedIDs, ev.ID)
			}
		}

		if len(fannedIDs) > 0 {
			if err := tx.Outbox().MarkFanned(ctx, fannedIDs, now); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}
		if len(discardedIDs) > 0 {
			if err := tx.Outbox().MarkDiscarded(ctx, discardedIDs, now); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}

		fanned, discarded = len(fannedIDs), len(discardedIDs)
		return nil
	})
	if err != nil {
		return err
	}

	if telemetry.Engine != nil {
		telemetry.Engine.EventsFanned.Add(float64(fanned))
		telemetry.Engine.EventsDiscarded.Add(float64(discarded))
	}
	if fanned > 0 || discarded > 0 {
		r.logger.Debug("outbox batch fanned out", "fanned", fanned, "discarded", discarded)
	}
	return nil
}

// DispatchOnce posts one batch of due deliveries. Each delivery settles
// independently: a dead endpoint does not hold up the rest of the batch.
func (r *Relay) DispatchOnce(ctx context.Context) error {
	const op = "relay.dispatch"

	deliveries, err := r.store.Webhooks().ListDueDeliveries(ctx, r.now(), r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	for i := range deliveries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.dispatch(ctx, &deliveries[i])
	}
	return nil
}

// dispatch attempts a single delivery and records the outcome. Errors
// are logged, not returned: the delivery row carries the retry state.
func (r *Relay) dispatch(ctx context.Context, d *domain.WebhookDelivery) {
	logger := r.logger.With(
		"delivery_id", d.ID,
		"tenant_id", d.TenantID,
		"event_type", d.EventType,
	)

	endpoint, err := r.store.Webhooks().GetEndpoint(ctx, d.TenantID, d.EndpointID)
	if err != nil {
		// A deleted endpoint can never receive this delivery. Burn
		// attempts until the row fails terminally.
		if domain.ErrorCode(err) == domain.ENOTFOUND {
			r.recordFailure(ctx, logger, d, 0, "endpoint deleted")
			return
		}
		logger.Error("failed to load endpoint", "error", err)
		return
	}
	if endpoint.Status != domain.EndpointStatusActive {
		// Counts as a failed attempt. Re-enabling the endpoint before
		// attempts run out resumes the backlog; otherwise it drains
		// into terminal failures.
		r.recordFailure(ctx, logger, d, 0, "endpoint disabled")
		return
	}

	secret, err := r.encryptor.Decrypt([]byte(endpoint.Secret))
	if err != nil {
		logger.Error("failed to decrypt endpoint secret", "error", err)
		return
	}

	start := r.now()
	status, err := r.post(ctx, endpoint.URL, secret, d)
	elapsed := time.Since(start)

	if err != nil {
		r.recordFailure(ctx, logger, d, status, err.Error())
		return
	}

	if err := r.store.Webhooks().MarkDelivered(ctx, d.ID, r.now(), status); err != nil {
		logger.Warn("failed to record webhook delivery", "error", err)
		return
	}
	if telemetry.Engine != nil {
		telemetry.Engine.WebhooksDelivered.WithLabelValues(d.TenantID.String()).Inc()
		telemetry.Engine.WebhookLatency.WithLabelValues(d.TenantID.String()).Observe(elapsed.Seconds())
	}
	logger.Debug("webhook delivered", "http_status", status, "elapsed", elapsed)
}

// post signs the stored payload bytes and performs the HTTP call. It
// returns the response status and a non-nil error for anything short of
// a 2xx.
func (r *Relay) post(ctx context.Context, url string, secret []byte, d *domain.WebhookDelivery) (int32, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Id", d.EventID.String())
	req.Header.Set("X-Event-Type", d.EventType)
	req.Header.Set("X-Webhook-Signature", Sign(secret, d.Payload))

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return int32(resp.StatusCode), fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return int32(resp.StatusCode), nil
}

// recordFailure writes the failed attempt and schedules the retry.
func (r *Relay) recordFailure(ctx context.Context, logger *slog.Logger, d *domain.WebhookDelivery, httpStatus int32, lastError string) {
	retryAt := r.now().Add(r.retryDelay(d.AttemptCount + 1))
	status, attempts, err := r.store.Webhooks().RecordFailure(ctx, d.ID, httpStatus, lastError, retryAt)
	if err != nil {
		logger.Warn("failed to record webhook failure", "error", err)
		return
	}
	if status == "" {
		// Another relay finalized the delivery while we were posting.
		return
	}

	terminal := status == domain.WebhookStatusFailed
	if telemetry.Engine != nil {
		telemetry.Engine.WebhooksFailed.WithLabelValues(
			d.TenantID.String(), fmt.Sprintf("%t", terminal),
		).Inc()
	}
	if terminal {
		logger.Error("webhook delivery exhausted attempts",
			"attempts", attempts,
			"http_status", httpStatus,
			"last_error", lastError,
		)
		return
	}
	logger.Warn("webhook delivery failed, will retry",
		"attempts", attempts,
		"http_status", httpStatus,
		"last_error", lastError,
		"retry_at", retryAt,
	)
}

// retryDelay doubles per recorded failure, capped at maxRetryDelay.
func (r *Relay) retryDelay(attempts int32) time.Duration {
	delay := r.cfg.RetryBase
	for i := int32(0); i < attempts; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

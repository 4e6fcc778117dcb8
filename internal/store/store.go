// Package store is the persistence layer. Each repository wraps
// parameterized SQL over a DBTX, which is satisfied by both *pgxpool.Pool
// and pgx.Tx, so the same repository code runs standalone or inside a
// transaction opened by WithTx.
//
// Repository methods that read or write tenant-owned rows take the tenant
// ID explicitly. Cross-tenant scans (task claiming, outbox fan-out, lease
// reaping, renewal sweeps) are the engine's own loops and say so in their
// names.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the database executor shared by pools and transactions.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store bundles the repositories behind one handle. WithTx yields a Store
// whose repositories all run on the same transaction.
type Store interface {
	Tenants() TenantStore
	Customers() CustomerStore
	Plans() PlanStore
	Subscriptions() SubscriptionStore
	Invoices() InvoiceStore
	Deliveries() DeliveryStore
	Entitlements() EntitlementStore
	Tasks() TaskStore
	Outbox() OutboxStore
	Webhooks() WebhookStore
	History() HistoryStore
	JobConfig() JobConfigStore
	Providers() ProviderConfigStore

	// WithTx runs fn inside a transaction. The Store passed to fn is bound
	// to that transaction; the transaction commits when fn returns nil and
	// rolls back otherwise. Nested calls reuse the open transaction.
	WithTx(ctx context.Context, fn func(Store) error) error
}

type sqlStore struct {
	db   DBTX
	pool *pgxpool.Pool
}

// New creates a Store backed by a pgx connection pool.
func New(pool *pgxpool.Pool) Store {
	return &sqlStore{db: pool, pool: pool}
}

func (s *sqlStore) Tenants() TenantStore             { return &tenantRepo{db: s.db} }
func (s *sqlStore) Customers() CustomerStore         { return &customerRepo{db: s.db} }
func (s *sqlStore) Plans() PlanStore                 { return &planRepo{db: s.db} }
func (s *sqlStore) Subscriptions() SubscriptionStore { return &subscriptionRepo{db: s.db} }
func (s *sqlStore) Invoices() InvoiceStore           { return &invoiceRepo{db: s.db} }
func (s *sqlStore) Deliveries() DeliveryStore        { return &deliveryRepo{db: s.db} }
func (s *sqlStore) Entitlements() EntitlementStore   { return &entitlementRepo{db: s.db} }
func (s *sqlStore) Tasks() TaskStore                 { return &taskRepo{db: s.db} }
func (s *sqlStore) Outbox() OutboxStore              { return &outboxRepo{db: s.db} }
func (s *sqlStore) Webhooks() WebhookStore           { return &webhookRepo{db: s.db} }
func (s *sqlStore) History() HistoryStore            { return &historyRepo{db: s.db} }
func (s *sqlStore) JobConfig() JobConfigStore        { return &jobConfigRepo{db: s.db} }
func (s *sqlStore) Providers() ProviderConfigStore   { return &providerConfigRepo{db: s.db} }

func (s *sqlStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already transaction-bound: run in the same transaction.
	if s.pool == nil {
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&sqlStore{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation, the signal the idempotent insert paths converge on.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isNoRows reports whether err is pgx's empty-result sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

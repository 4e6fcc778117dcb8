package store

import (
	"context"
	"encoding/json"

	"github.com/dukerupert/skuld/internal/domain"
)

// Job config keys the engine reads at runtime. Stored in the database so
// operational tuning does not need a redeploy.
const (
	JobConfigSweeperSchedule = "sweeper.schedule"
)

// JobConfigStore persists engine-wide runtime configuration.
type JobConfigStore interface {
	// Get returns the raw JSON value for a key, or ENOTFOUND.
	Get(ctx context.Context, key string) (json.RawMessage, error)

	// Set upserts a key.
	Set(ctx context.Context, key string, value json.RawMessage) error
}

type jobConfigRepo struct {
	db DBTX
}

var _ JobConfigStore = (*jobConfigRepo)(nil)

func (r *jobConfigRepo) Get(ctx context.Context, key string) (json.RawMessage, error) {
	const op = "store.jobconfig.get"

	row := r.db.QueryRow(ctx, `
		SELECT value FROM job_config WHERE key = $1`, key)

	var value json.RawMessage
	if err := row.Scan(&value); err != nil {
		if isNoRows(err) {
			return nil, domain.NotFound(op, "job config", key)
		}
		return nil, domain.Internal(err, op, "failed to get job config")
	}
	return value, nil
}

func (r *jobConfigRepo) Set(ctx context.Context, key string, value json.RawMessage) error {
	const op = "store.jobconfig.set"

	_, err := r.db.Exec(ctx, `
		INSERT INTO job_config (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = now()`,
		key, value,
	)
	if err != nil {
		return domain.Internal(err, op, "failed to set job config")
	}
	return nil
}

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/internal/infra/storage"
)

var _ execution.IdempotencyStore = (*idempotencyStore)(nil)

// idempotencyStore implements execution.IdempotencyStore on idempotency_records.
type idempotencyStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
	now    func() time.Time
}

// NewIdempotencyStore creates a PostgreSQL-backed idempotency store.
func NewIdempotencyStore(pool *pgxpool.Pool, tracer trace.Tracer) *idempotencyStore {
	return &idempotencyStore{db: pool, tracer: tracer, now: time.Now}
}

const (
	// An expired record is reclaimed as if it never existed.
	claimIdempotencySQL = `
INSERT INTO idempotency_records (idempotency_key, status, expires_at)
VALUES ($1, 'IN_PROGRESS', $2)
ON CONFLICT (idempotency_key) DO UPDATE
SET status = 'IN_PROGRESS', first_result = NULL, expires_at = EXCLUDED.expires_at
WHERE idempotency_records.expires_at < $3
RETURNING idempotency_key`

	selectIdempotencySQL = `
SELECT status, first_result, expires_at FROM idempotency_records WHERE idempotency_key = $1`

	completeIdempotencySQL = `
UPDATE idempotency_records SET status = 'COMPLETED', first_result = $2, expires_at = $3
WHERE idempotency_key = $1`

	releaseIdempotencySQL = `
DELETE FROM idempotency_records WHERE idempotency_key = $1 AND status = 'IN_PROGRESS'`
)

func idempotencyAttributes(key string) []attribute.KeyValue {
	return append(defaultDBAttributes, attribute.String("idempotency_key", key))
}

// Acquire claims key or returns the unexpired record that already holds it.
func (s *idempotencyStore) Acquire(
	ctx context.Context,
	key string,
	ttl time.Duration,
) (*execution.IdempotencyRecord, bool, error) {
	var (
		existing *execution.IdempotencyRecord
		acquired bool
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.acquire_idempotency_key", idempotencyAttributes(key), func(ctx context.Context) error {
		now := s.now().UTC()

		var claimed string
		err := s.db.QueryRow(ctx, claimIdempotencySQL, key, now.Add(ttl), now).Scan(&claimed)
		if err == nil {
			acquired = true
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to claim idempotency key: %w", err)
		}

		rec := &execution.IdempotencyRecord{Key: key}
		var (
			status string
			result []byte
		)
		err = s.db.QueryRow(ctx, selectIdempotencySQL, key).Scan(&status, &result, &rec.ExpiresAt)
		if errors.Is(err, pgx.ErrNoRows) {
			// Released between the claim and the read.
			return fmt.Errorf("%w: %s", execution.ErrIdempotencyInProgress, key)
		}
		if err != nil {
			return fmt.Errorf("failed to read idempotency record: %w", err)
		}
		rec.Status = execution.IdempotencyStatus(status)
		rec.FirstResult = json.RawMessage(result)
		existing = rec
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return existing, acquired, nil
}

// Complete stores the first result for key.
func (s *idempotencyStore) Complete(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.complete_idempotency_key", idempotencyAttributes(key), func(ctx context.Context) error {
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		tag, err := s.db.Exec(ctx, completeIdempotencySQL, key, []byte(result), s.now().UTC().Add(ttl))
		if err != nil {
			return fmt.Errorf("failed to complete idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("idempotency key %s was not claimed", key)
		}
		return nil
	})
}

// Release drops an in-progress claim.
func (s *idempotencyStore) Release(ctx context.Context, key string) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.release_idempotency_key", idempotencyAttributes(key), func(ctx context.Context) error {
		if _, err := s.db.Exec(ctx, releaseIdempotencySQL, key); err != nil {
			return fmt.Errorf("failed to release idempotency key: %w", err)
		}
		return nil
	})
}

// DeleteExpired removes expired records.
func (s *idempotencyStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var deleted int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_expired_idempotency", defaultDBAttributes, func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at < $1`, now.UTC())
		if err != nil {
			return fmt.Errorf("failed to delete expired idempotency records: %w", err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}

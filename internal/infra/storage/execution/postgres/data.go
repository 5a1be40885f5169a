package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/internal/infra/storage"
)

const (
	upsertDataSQL = `
INSERT INTO execution_items (pk, sk, entity, tenant_id, jit_event_id, execution_id, created_at, doc, ttl)
VALUES ($1, $2, 'execution_data', $3, $4, $5, $6, $7, $8)
ON CONFLICT (pk, sk) DO UPDATE
SET doc = EXCLUDED.doc, created_at = EXCLUDED.created_at, ttl = EXCLUDED.ttl
WHERE execution_items.retrieved_at IS NULL`

	retrieveDataSQL = `
UPDATE execution_items SET retrieved_at = $3
WHERE pk = $1 AND sk = $2 AND entity = 'execution_data' AND retrieved_at IS NULL
RETURNING doc, created_at, ttl`

	dataExistsSQL = `
SELECT true FROM execution_items WHERE pk = $1 AND sk = $2 AND entity = 'execution_data'`
)

// PutData stores the dispatch payload beside its execution.
func (s *executionStore) PutData(ctx context.Context, d *execution.ExecutionData) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.put_execution_data", keyAttributes(d.Key), func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, upsertDataSQL,
			d.Key.PK(), d.Key.DataSK(), d.Key.TenantID, d.Key.JitEventID, d.Key.ExecutionID,
			d.CreatedAt.UTC(), []byte(d.Payload), d.TTL,
		)
		if err != nil {
			return fmt.Errorf("failed to put execution data: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", execution.ErrDataAlreadyRetrieved, d.Key)
		}
		return nil
	})
}

// RetrieveData marks the payload retrieved and returns it, at most once.
func (s *executionStore) RetrieveData(
	ctx context.Context,
	key execution.Key,
	now time.Time,
) (*execution.ExecutionData, error) {
	var out *execution.ExecutionData
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.retrieve_execution_data", keyAttributes(key), func(ctx context.Context) error {
		d := &execution.ExecutionData{Key: key}
		var payload []byte
		err := s.db.QueryRow(ctx, retrieveDataSQL, key.PK(), key.DataSK(), now.UTC()).Scan(&payload, &d.CreatedAt, &d.TTL)
		if err == nil {
			retrieved := now.UTC()
			d.Payload, d.RetrievedAt = payload, &retrieved
			out = d
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to retrieve execution data: %w", err)
		}

		var exists bool
		err = s.db.QueryRow(ctx, dataExistsSQL, key.PK(), key.DataSK()).Scan(&exists)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return &execution.NotFoundError{Kind: "execution data", Key: key}
		case err != nil:
			return fmt.Errorf("failed to read execution data: %w", err)
		default:
			return fmt.Errorf("%w: %s", execution.ErrDataAlreadyRetrieved, key)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

const (
	upsertFailedToFreeSQL = `
INSERT INTO watchdog_failed_to_free (pk, sk, tenant_id, jit_event_id, execution_id, runner, reason, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (pk, sk) DO UPDATE SET reason = EXCLUDED.reason, recorded_at = EXCLUDED.recorded_at`

	listFailedToFreeSQL = `
SELECT tenant_id, jit_event_id, execution_id, runner, reason, recorded_at
FROM watchdog_failed_to_free ORDER BY recorded_at DESC LIMIT $1`
)

// MarkFailedToFree records an execution the watchdog could not terminate.
func (s *executionStore) MarkFailedToFree(ctx context.Context, rec execution.FailedToFree) error {
	dbAttrs := append(keyAttributes(rec.Key), attribute.String("runner", string(rec.Runner)))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.mark_failed_to_free", dbAttrs, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, upsertFailedToFreeSQL,
			rec.Key.PK(), rec.Key.SK(), rec.Key.TenantID, rec.Key.JitEventID, rec.Key.ExecutionID,
			string(rec.Runner), rec.Reason, rec.RecordedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to mark failed-to-free: %w", err)
		}
		return nil
	})
}

// ListFailedToFree returns the most recent failed-to-free records.
func (s *executionStore) ListFailedToFree(ctx context.Context, limit int) ([]execution.FailedToFree, error) {
	var out []execution.FailedToFree
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_failed_to_free", defaultDBAttributes, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, listFailedToFreeSQL, limit)
		if err != nil {
			return fmt.Errorf("failed to list failed-to-free: %w", err)
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (execution.FailedToFree, error) {
			var (
				rec    execution.FailedToFree
				runner string
			)
			err := row.Scan(&rec.Key.TenantID, &rec.Key.JitEventID, &rec.Key.ExecutionID, &runner, &rec.Reason, &rec.RecordedAt)
			rec.Runner = execution.RunnerType(runner)
			return rec, err
		})
		if err != nil {
			return fmt.Errorf("failed to scan failed-to-free: %w", err)
		}
		return nil
	})
	return out, err
}

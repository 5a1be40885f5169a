// Package postgres implements the execution store, resource pool, idempotency
// store and change feed on PostgreSQL.
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

var (
	_ execution.Repository         = (*executionStore)(nil)
	_ execution.DataRepository     = (*executionStore)(nil)
	_ execution.FailedToFreeBucket = (*executionStore)(nil)
)

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// opTimeout bounds a single transactional write.
const opTimeout = 5 * time.Second

// executionStore implements execution.Repository over the execution_items table.
type executionStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewExecutionStore creates a PostgreSQL-backed execution repository.
func NewExecutionStore(pool *pgxpool.Pool, tracer trace.Tracer) *executionStore {
	return &executionStore{db: pool, tracer: tracer}
}

func keyAttributes(key execution.Key) []attribute.KeyValue {
	return append(
		defaultDBAttributes,
		attribute.String("tenant_id", key.TenantID),
		attribute.String("jit_event_id", key.JitEventID),
		attribute.String("execution_id", key.ExecutionID),
	)
}

// PutNew inserts e and publishes an INSERT change record on commit.
// Timestamps are truncated to the microsecond precision PostgreSQL keeps.
func (s *executionStore) PutNew(ctx context.Context, e *execution.Execution) error {
	dbAttrs := append(keyAttributes(e.Key()), attribute.String("status", e.Status.String()))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.put_new_execution", dbAttrs, func(ctx context.Context) error {
		return s.inTx(ctx, func(tx pgx.Tx) error { return insertExecution(ctx, tx, e) })
	})
}

// Get performs a primary-key read.
func (s *executionStore) Get(ctx context.Context, key execution.Key, strict bool) (*execution.Execution, error) {
	var out *execution.Execution
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_execution", keyAttributes(key), func(ctx context.Context) error {
		var doc []byte
		err := s.db.QueryRow(ctx, selectExecutionSQL, key.PK(), key.SK()).Scan(&doc)
		if errors.Is(err, pgx.ErrNoRows) {
			if strict {
				return &execution.NotFoundError{Kind: "execution", Key: key}
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get execution: %w", err)
		}
		out, err = decodeExecution(doc)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BatchGet reads keys in chunks. PostgreSQL answers each chunk completely so
// every key is either found or reported missing after one pass.
func (s *executionStore) BatchGet(
	ctx context.Context,
	keys []execution.Key,
) ([]*execution.Execution, []execution.Key, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int("key_count", len(keys)))

	var (
		found   []*execution.Execution
		missing []execution.Key
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.batch_get_executions", dbAttrs, func(ctx context.Context) error {
		span := trace.SpanFromContext(ctx)
		keys = dedupeKeys(keys)
		byKey := make(map[execution.Key]*execution.Execution, len(keys))

		for start := 0; start < len(keys); start += execution.BatchGetChunkSize {
			end := min(start+execution.BatchGetChunkSize, len(keys))
			chunk := keys[start:end]

			pks, sks := make([]string, len(chunk)), make([]string, len(chunk))
			for i, k := range chunk {
				pks[i], sks[i] = k.PK(), k.SK()
			}

			rows, err := s.db.Query(ctx, batchGetSQL, pks, sks)
			if err != nil {
				return fmt.Errorf("failed to batch get executions: %w", err)
			}
			docs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
			if err != nil {
				return fmt.Errorf("failed to scan executions: %w", err)
			}
			for _, doc := range docs {
				e, err := decodeExecution(doc)
				if err != nil {
					return err
				}
				byKey[e.Key()] = e
			}
			span.AddEvent("chunk_read", trace.WithAttributes(attribute.Int("chunk_size", len(chunk))))
		}

		for _, k := range keys {
			if e, ok := byKey[k]; ok {
				found = append(found, e)
				continue
			}
			missing = append(missing, k)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return found, missing, nil
}

// Update applies m under cond inside a row lock.
func (s *executionStore) Update(
	ctx context.Context,
	key execution.Key,
	m execution.Mutation,
	cond execution.Condition,
) (*execution.Execution, error) {
	dbAttrs := keyAttributes(key)
	if m.Status != nil {
		dbAttrs = append(dbAttrs, attribute.String("target_status", m.Status.String()))
	}

	var out *execution.Execution
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_execution", dbAttrs, func(ctx context.Context) error {
		return s.inTx(ctx, func(tx pgx.Tx) error {
			var err error
			out, err = updateExecution(ctx, tx, key, m, cond)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PartialUpdate overlays attributes other than the status.
func (s *executionStore) PartialUpdate(
	ctx context.Context,
	key execution.Key,
	m execution.Mutation,
) (*execution.Execution, error) {
	if m.Status != nil {
		return nil, fmt.Errorf("%w: partial updates cannot change status", execution.ErrInvalidRequest)
	}
	return s.Update(ctx, key, m, execution.Condition{})
}

// Transact applies ops in one transaction.
func (s *executionStore) Transact(ctx context.Context, ops ...execution.TransactOp) error {
	dbAttrs := append(defaultDBAttributes, attribute.Int("op_count", len(ops)))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.transact", dbAttrs, func(ctx context.Context) error {
		return s.inTx(ctx, func(tx pgx.Tx) error {
			for i, op := range ops {
				var err error
				switch op := op.(type) {
				case execution.PutExecutionOp:
					err = insertExecution(ctx, tx, op.Execution)
				case execution.UpdateExecutionOp:
					_, err = updateExecution(ctx, tx, op.Key, op.Mutation, op.Condition)
				case execution.AllocateTokenOp:
					err = allocateToken(ctx, tx, op.Token, op.Capacity)
				case execution.FreeTokenOp:
					_, err = freeToken(ctx, tx, op.Token)
				default:
					err = fmt.Errorf("unsupported transact op %T", op)
				}
				if err != nil {
					return fmt.Errorf("transact op %d: %w", i, err)
				}
			}
			return nil
		})
	})
}

// DeleteExpired removes rows whose ttl passed.
func (s *executionStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var deleted int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_expired_executions", defaultDBAttributes, func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, `DELETE FROM execution_items WHERE ttl > 0 AND ttl < $1`, now.Unix())
		if err != nil {
			return fmt.Errorf("failed to delete expired executions: %w", err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}

func (s *executionStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction error: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const (
	selectExecutionSQL = `
SELECT doc FROM execution_items
WHERE pk = $1 AND sk = $2 AND entity = 'execution'`

	lockExecutionSQL = selectExecutionSQL + ` FOR UPDATE`

	batchGetSQL = `
SELECT doc FROM execution_items
WHERE entity = 'execution'
  AND (pk, sk) IN (SELECT * FROM unnest($1::text[], $2::text[]))`

	insertExecutionSQL = `
INSERT INTO execution_items (
    pk, sk, entity, tenant_id, jit_event_id, execution_id, status, plan_item_slug,
    job_runner, asset_id, job_name, priority_rank, created_at, execution_timeout, doc, ttl
) VALUES ($1, $2, 'execution', $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (pk, sk) DO NOTHING`

	updateExecutionSQL = `
UPDATE execution_items
SET status = $3, execution_timeout = $4, doc = $5
WHERE pk = $1 AND sk = $2 AND entity = 'execution'`
)

func insertExecution(ctx context.Context, tx pgx.Tx, e *execution.Execution) error {
	normalizeTimes(e)
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	key := e.Key()
	tag, err := tx.Exec(ctx, insertExecutionSQL,
		key.PK(), key.SK(), e.TenantID, e.JitEventID, e.ExecutionID, e.Status.String(), e.PlanItemSlug,
		string(e.JobRunner), e.AssetID, e.JobName, e.Priority.Rank(), e.CreatedAt, e.ExecutionTimeout, doc, e.TTL,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", execution.ErrAlreadyExists, key)
	}

	return notifyChange(ctx, tx, execution.ChangeRecord{
		Kind:      execution.ChangeInsert,
		Key:       key,
		NewStatus: e.Status,
	})
}

func updateExecution(
	ctx context.Context,
	tx pgx.Tx,
	key execution.Key,
	m execution.Mutation,
	cond execution.Condition,
) (*execution.Execution, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var doc []byte
	err := tx.QueryRow(ctx, lockExecutionSQL, key.PK(), key.SK()).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &execution.NotFoundError{Kind: "execution", Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock execution: %w", err)
	}
	cur, err := decodeExecution(doc)
	if err != nil {
		return nil, err
	}

	if reason := cond.Check(cur); reason != "" {
		return nil, &execution.ConditionFailedError{Key: key, Current: cur, Reason: reason}
	}

	oldStatus := cur.Status
	m.Apply(cur)
	normalizeTimes(cur)

	if doc, err = json.Marshal(cur); err != nil {
		return nil, fmt.Errorf("failed to marshal execution: %w", err)
	}
	if _, err := tx.Exec(ctx, updateExecutionSQL, key.PK(), key.SK(), cur.Status.String(), cur.ExecutionTimeout, doc); err != nil {
		return nil, fmt.Errorf("failed to update execution: %w", err)
	}

	if err := notifyChange(ctx, tx, execution.ChangeRecord{
		Kind:      execution.ChangeModify,
		Key:       key,
		OldStatus: oldStatus,
		NewStatus: cur.Status,
	}); err != nil {
		return nil, err
	}
	return cur, nil
}

func decodeExecution(doc []byte) (*execution.Execution, error) {
	var e execution.Execution
	if err := json.Unmarshal(doc, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	return &e, nil
}

// normalizeTimes aligns the sort attributes with the stored column precision
// so page keys taken from the document compare equal to the indexed values.
func normalizeTimes(e *execution.Execution) {
	e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Microsecond)
	if e.ExecutionTimeout != nil {
		t := e.ExecutionTimeout.UTC().Truncate(time.Microsecond)
		e.ExecutionTimeout = &t
	}
}

func dedupeKeys(keys []execution.Key) []execution.Key {
	seen := make(map[execution.Key]struct{}, len(keys))
	out := make([]execution.Key, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

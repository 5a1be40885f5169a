package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/internal/infra/storage"
)

var _ execution.ResourcePool = (*resourcePool)(nil)

// resourcePool implements execution.ResourcePool on the resource_tokens table.
// It shares the database with the execution store so both can participate in
// one transaction through executionStore.Transact.
type resourcePool struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewResourcePool creates a PostgreSQL-backed resource pool.
func NewResourcePool(pool *pgxpool.Pool, tracer trace.Tracer) *resourcePool {
	return &resourcePool{db: pool, tracer: tracer}
}

func tokenAttributes(t execution.ResourceToken) []attribute.KeyValue {
	return append(
		defaultDBAttributes,
		attribute.String("tenant_id", t.TenantID),
		attribute.String("runner", string(t.Runner)),
		attribute.String("execution_id", t.ExecutionID),
		attribute.String("resource_type", string(t.ResourceType)),
	)
}

// Allocate inserts token in its own transaction.
func (p *resourcePool) Allocate(ctx context.Context, token execution.ResourceToken, capacity int) error {
	dbAttrs := append(tokenAttributes(token), attribute.Int("capacity", capacity))

	return storage.ExecuteAndTrace(ctx, p.tracer, "postgres.allocate_resource", dbAttrs, func(ctx context.Context) error {
		tx, err := p.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction error: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := allocateToken(ctx, tx, token, capacity); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

// Free deletes token and reports whether it existed.
func (p *resourcePool) Free(ctx context.Context, token execution.ResourceToken) (bool, error) {
	var freed bool
	err := storage.ExecuteAndTrace(ctx, p.tracer, "postgres.free_resource", tokenAttributes(token), func(ctx context.Context) error {
		tag, err := p.db.Exec(ctx, deleteTokenSQL, token.TenantID, string(token.Runner), token.ExecutionID)
		if err != nil {
			return fmt.Errorf("failed to free resource token: %w", err)
		}
		freed = tag.RowsAffected() > 0
		return nil
	})
	return freed, err
}

// InUse counts the tokens held in one pool.
func (p *resourcePool) InUse(
	ctx context.Context,
	tenantID string,
	runner execution.RunnerType,
	resourceType execution.ResourceType,
) (int, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("tenant_id", tenantID),
		attribute.String("runner", string(runner)),
		attribute.String("resource_type", string(resourceType)),
	)

	var n int
	err := storage.ExecuteAndTrace(ctx, p.tracer, "postgres.count_resources", dbAttrs, func(ctx context.Context) error {
		if err := p.db.QueryRow(ctx, countTokensSQL, tenantID, string(runner), string(resourceType)).Scan(&n); err != nil {
			return fmt.Errorf("failed to count resource tokens: %w", err)
		}
		return nil
	})
	return n, err
}

// Holds reports whether the execution holds a token.
func (p *resourcePool) Holds(
	ctx context.Context,
	tenantID string,
	runner execution.RunnerType,
	executionID string,
) (bool, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("tenant_id", tenantID),
		attribute.String("execution_id", executionID),
	)

	var held bool
	err := storage.ExecuteAndTrace(ctx, p.tracer, "postgres.holds_resource", dbAttrs, func(ctx context.Context) error {
		err := p.db.QueryRow(ctx, selectTokenSQL, tenantID, string(runner), executionID).Scan(&held)
		if errors.Is(err, pgx.ErrNoRows) {
			held = false
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read resource token: %w", err)
		}
		return nil
	})
	return held, err
}

const (
	insertTokenSQL = `
INSERT INTO resource_tokens (tenant_id, runner, execution_id, jit_event_id, resource_type, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (tenant_id, runner, execution_id) DO NOTHING`

	deleteTokenSQL = `
DELETE FROM resource_tokens WHERE tenant_id = $1 AND runner = $2 AND execution_id = $3`

	countTokensSQL = `
SELECT count(*) FROM resource_tokens
WHERE tenant_id = $1 AND runner = $2 AND resource_type = $3`

	selectTokenSQL = `
SELECT true FROM resource_tokens WHERE tenant_id = $1 AND runner = $2 AND execution_id = $3`

	// Serializes capacity checks per (tenant, runner) until the transaction ends.
	lockPoolSQL = `SELECT pg_advisory_xact_lock(hashtext($1))`
)

func allocateToken(ctx context.Context, tx pgx.Tx, token execution.ResourceToken, capacity int) error {
	if capacity > 0 {
		if _, err := tx.Exec(ctx, lockPoolSQL, token.TenantID+"#"+string(token.Runner)); err != nil {
			return fmt.Errorf("failed to lock resource pool: %w", err)
		}
		var inUse int
		err := tx.QueryRow(ctx, countTokensSQL, token.TenantID, string(token.Runner), string(token.ResourceType)).Scan(&inUse)
		if err != nil {
			return fmt.Errorf("failed to count resource tokens: %w", err)
		}
		if inUse >= capacity {
			return fmt.Errorf("%w: %s/%s holds %d of %d",
				execution.ErrResourcePoolExhausted, token.TenantID, token.Runner, inUse, capacity)
		}
	}

	tag, err := tx.Exec(ctx, insertTokenSQL,
		token.TenantID, string(token.Runner), token.ExecutionID, token.JitEventID,
		string(token.ResourceType), token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert resource token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &execution.ConditionFailedError{Key: tokenKey(token), Reason: "resource token already held"}
	}
	return nil
}

func freeToken(ctx context.Context, tx pgx.Tx, token execution.ResourceToken) (bool, error) {
	tag, err := tx.Exec(ctx, deleteTokenSQL, token.TenantID, string(token.Runner), token.ExecutionID)
	if err != nil {
		return false, fmt.Errorf("failed to free resource token: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func tokenKey(t execution.ResourceToken) execution.Key {
	return execution.Key{TenantID: t.TenantID, JitEventID: t.JitEventID, ExecutionID: t.ExecutionID}
}

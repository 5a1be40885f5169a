package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/internal/infra/storage"
)

// Query pages through one index with keyset pagination. The ORDER BY of each
// index matches execution.Index.Less so page keys resume exactly after the
// last row returned.
func (s *executionStore) Query(ctx context.Context, q execution.Query) (execution.Page, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("index", string(q.Index)),
		attribute.String("tenant_id", q.TenantID),
		attribute.Int("limit", q.EffectiveLimit()),
	)

	var page execution.Page
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.query_executions", dbAttrs, func(ctx context.Context) error {
		if err := q.Validate(); err != nil {
			return err
		}

		var start *execution.PageKey
		if q.StartKey != "" {
			k, err := execution.DecodePageKey(q.StartKey)
			if err != nil {
				return err
			}
			start = &k
		}

		sql, args := buildIndexQuery(q, start)
		rows, err := s.db.Query(ctx, sql, args...)
		if err != nil {
			return fmt.Errorf("failed to query %s: %w", q.Index, err)
		}
		docs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", q.Index, err)
		}

		limit := q.EffectiveLimit()
		hasMore := len(docs) > limit
		if hasMore {
			docs = docs[:limit]
		}

		page.Items = make([]*execution.Execution, 0, len(docs))
		for _, doc := range docs {
			e, err := decodeExecution(doc)
			if err != nil {
				return err
			}
			page.Items = append(page.Items, e)
		}

		if hasMore {
			token, err := execution.EncodePageKey(execution.PageKeyFor(page.Items[len(page.Items)-1]))
			if err != nil {
				return err
			}
			page.LastKey = token
		}
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.Int("result_count", len(page.Items)),
			attribute.Bool("has_more", hasMore),
		)
		return nil
	})
	if err != nil {
		return execution.Page{}, err
	}
	return page, nil
}

// sqlBuilder accumulates WHERE clauses and positional arguments.
type sqlBuilder struct {
	where []string
	args  []any
}

func (b *sqlBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *sqlBuilder) eq(col string, v any) {
	b.where = append(b.where, fmt.Sprintf("%s = %s", col, b.arg(v)))
}

func (b *sqlBuilder) cond(format string, vals ...any) {
	placeholders := make([]any, len(vals))
	for i, v := range vals {
		placeholders[i] = b.arg(v)
	}
	b.where = append(b.where, fmt.Sprintf(format, placeholders...))
}

// timedStatuses are the statuses that carry a deadline.
var timedStatuses = []string{
	execution.StatusDispatching.String(),
	execution.StatusDispatched.String(),
	execution.StatusRunning.String(),
}

const descendingTail = "created_at DESC, pk DESC, sk DESC"

func buildIndexQuery(q execution.Query, start *execution.PageKey) (string, []any) {
	b := &sqlBuilder{where: []string{"entity = 'execution'"}}
	if q.Index != execution.IndexByTimeout {
		b.eq("tenant_id", q.TenantID)
	}

	var orderBy string
	switch q.Index {
	case execution.IndexByTenantJitEvent:
		b.eq("jit_event_id", q.JitEventID)
		orderBy = descendingTail
		if start != nil {
			b.cond("(created_at, pk, sk) < (%s, %s, %s)", start.CreatedAt, start.PK, start.SK)
		}

	case execution.IndexByTenantStatus:
		b.eq("status", q.Status.String())
		orderBy = descendingTail
		if start != nil {
			b.cond("(created_at, pk, sk) < (%s, %s, %s)", start.CreatedAt, start.PK, start.SK)
		}

	case execution.IndexByTenantPlanItem:
		b.eq("plan_item_slug", q.PlanItemSlug)
		orderBy = descendingTail
		if start != nil {
			b.cond("(created_at, pk, sk) < (%s, %s, %s)", start.CreatedAt, start.PK, start.SK)
		}

	case execution.IndexByTenantPlanItemStatus:
		b.eq("plan_item_slug", q.PlanItemSlug)
		b.eq("status", q.Status.String())
		orderBy = descendingTail
		if start != nil {
			b.cond("(created_at, pk, sk) < (%s, %s, %s)", start.CreatedAt, start.PK, start.SK)
		}

	case execution.IndexByTenantRunnerStatus:
		b.eq("job_runner", string(q.Runner))
		b.eq("status", q.Status.String())
		orderBy = "priority_rank DESC, created_at ASC, pk ASC, sk ASC"
		if start != nil {
			b.cond("(priority_rank < %s OR (priority_rank = %s AND (created_at, pk, sk) > (%s, %s, %s)))",
				start.PriorityRank, start.PriorityRank, start.CreatedAt, start.PK, start.SK)
		}

	case execution.IndexByTimeout:
		b.cond("execution_timeout < %s", q.TimeoutBefore.UTC())
		b.cond("status = ANY(%s)", timedStatuses)
		orderBy = "execution_timeout ASC, pk ASC, sk ASC"
		if start != nil && start.ExecutionTimeout != nil {
			b.cond("(execution_timeout, pk, sk) > (%s, %s, %s)", *start.ExecutionTimeout, start.PK, start.SK)
		}

	case execution.IndexByTenantStatusAsset:
		b.eq("status", q.Status.String())
		if q.AssetID != "" {
			b.eq("asset_id", q.AssetID)
		}
		orderBy = "asset_id DESC, " + descendingTail
		if start != nil {
			b.cond("(asset_id, created_at, pk, sk) < (%s, %s, %s, %s)", start.AssetID, start.CreatedAt, start.PK, start.SK)
		}

	case execution.IndexByTenantJitEventJob:
		b.eq("jit_event_id", q.JitEventID)
		if q.JobName != "" {
			b.eq("job_name", q.JobName)
		}
		orderBy = "job_name DESC, " + descendingTail
		if start != nil {
			b.cond("(job_name, created_at, pk, sk) < (%s, %s, %s, %s)", start.JobName, start.CreatedAt, start.PK, start.SK)
		}
	}

	limit := b.arg(q.EffectiveLimit() + 1)
	sql := fmt.Sprintf(
		"SELECT doc FROM execution_items WHERE %s ORDER BY %s LIMIT %s",
		strings.Join(b.where, " AND "), orderBy, limit,
	)
	return sql, b.args
}

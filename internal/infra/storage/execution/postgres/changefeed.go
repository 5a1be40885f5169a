package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/pkg/common/logger"
)

// changeChannel is the LISTEN/NOTIFY channel carrying execution changes.
const changeChannel = "execution_changes"

// notifyChange queues rec for delivery when tx commits. The payload carries
// keys and statuses only; subscribers load the row image themselves.
func notifyChange(ctx context.Context, tx pgx.Tx, rec execution.ChangeRecord) error {
	rec.ID = uuid.NewString()
	rec.NewImage = nil
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal change record: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, changeChannel, string(payload)); err != nil {
		return fmt.Errorf("failed to notify change: %w", err)
	}
	return nil
}

var _ execution.ChangeFeed = (*changeFeed)(nil)

// changeFeed delivers execution change records from LISTEN/NOTIFY.
type changeFeed struct {
	db     *pgxpool.Pool
	store  *executionStore
	logger *logger.Logger
	tracer trace.Tracer
}

// NewChangeFeed creates a change feed over pool.
func NewChangeFeed(pool *pgxpool.Pool, tracer trace.Tracer, log *logger.Logger) *changeFeed {
	return &changeFeed{
		db:     pool,
		store:  NewExecutionStore(pool, tracer),
		logger: log.With("component", "execution_change_feed"),
		tracer: tracer,
	}
}

// Subscribe holds one pooled connection in LISTEN mode and hands every
// notification to fn until ctx is canceled. Handler errors are logged; the
// feed keeps going. Records whose row has expired are skipped.
func (f *changeFeed) Subscribe(ctx context.Context, fn execution.ChangeHandler) error {
	conn, err := f.db.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+changeChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", changeChannel, err)
	}
	f.logger.Info(ctx, "change feed listening", "channel", changeChannel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("change feed wait failed: %w", err)
		}
		f.deliver(ctx, n.Payload, fn)
	}
}

func (f *changeFeed) deliver(ctx context.Context, payload string, fn execution.ChangeHandler) {
	var rec execution.ChangeRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		f.logger.Error(ctx, "malformed change record", "error", err)
		return
	}

	ctx, span := f.tracer.Start(ctx, "change_feed.deliver",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("change_id", rec.ID),
			attribute.String("kind", string(rec.Kind)),
			attribute.String("execution_key", rec.Key.String()),
		))
	defer span.End()

	img, err := f.store.Get(ctx, rec.Key, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load image")
		f.logger.Error(ctx, "failed to load change image", "key", rec.Key.String(), "error", err)
		return
	}
	if img == nil {
		span.AddEvent("row_expired")
		return
	}
	rec.NewImage = img

	if err := fn(ctx, rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		f.logger.Warn(ctx, "change handler failed", "key", rec.Key.String(), "kind", string(rec.Kind), "error", err)
		return
	}
	span.SetStatus(codes.Ok, "delivered")
}

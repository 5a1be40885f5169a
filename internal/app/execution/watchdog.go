package execution

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	domain "github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/pkg/common/logger"
)

const (
	watchdogTimeoutReason = "Execution exceeded its status deadline"
	sweepConcurrency      = 8
)

// Expirer removes rows past their TTL.
type Expirer interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Watchdog times out executions whose status deadline has passed, stopping
// their backend jobs and releasing their slots.
type Watchdog struct {
	deps     *Dependencies
	expirers []Expirer
	logger   *logger.Logger
	tracer   trace.Tracer
}

// NewWatchdog creates a watchdog. Expirers run after each sweep.
func NewWatchdog(deps *Dependencies, logger *logger.Logger, tracer trace.Tracer, expirers ...Expirer) *Watchdog {
	deps.withDefaults()
	return &Watchdog{
		deps:     deps,
		expirers: expirers,
		logger:   logger.With("component", "watchdog"),
		tracer:   tracer,
	}
}

// Run sweeps every interval until ctx is canceled.
func (w *Watchdog) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info(ctx, "watchdog started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.logger.Error(ctx, "watchdog sweep failed", "error", err)
			}
		}
	}
}

// Sweep times out every execution whose deadline is before now and returns
// how many it moved to WATCHDOG_TIMEOUT. Replicas that do not hold
// leadership skip the sweep.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	if w.deps.Leader != nil {
		leader := w.deps.Leader.IsLeader()
		w.deps.Metrics.SetLeaderStatus(ctx, leader)
		if !leader {
			return 0, nil
		}
	}

	ctx, span := w.tracer.Start(ctx, "watchdog.sweep")
	defer span.End()

	now := w.deps.now()
	var timedOut atomic.Int64
	q := domain.ByTimeout(now)
	for {
		page, err := w.deps.Executions.Query(ctx, q)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "timeout scan failed")
			return int(timedOut.Load()), fmt.Errorf("failed to scan timeouts: %w", err)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(sweepConcurrency)
		for _, e := range page.Items {
			g.Go(func() error {
				ok, err := w.timeout(gctx, e)
				if ok {
					timedOut.Add(1)
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			span.RecordError(err)
			return int(timedOut.Load()), err
		}

		if page.LastKey == "" {
			break
		}
		q.StartKey = page.LastKey
	}

	w.expire(ctx, now)
	span.SetAttributes(attribute.Int64("timed_out", timedOut.Load()))
	return int(timedOut.Load()), nil
}

// timeout handles one overdue execution. It reports whether this call moved
// it to WATCHDOG_TIMEOUT.
func (w *Watchdog) timeout(ctx context.Context, e *domain.Execution) (bool, error) {
	key := e.Key()
	ctx, span := w.tracer.Start(ctx, "watchdog.timeout",
		trace.WithAttributes(attribute.String("execution_key", key.String())))
	defer span.End()

	// The index page may predate a completion; only a row still overdue in a
	// timed status is terminated.
	e, err := w.deps.Executions.Get(ctx, key, false)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to reread %s: %w", key, err)
	}
	if e == nil || !e.Status.HasTimeout() || e.ExecutionTimeout == nil || !e.ExecutionTimeout.Before(w.deps.now()) {
		w.logger.Debug(ctx, "execution left its deadline window", "execution_key", key.String())
		return false, nil
	}

	terminateErr := w.terminate(ctx, e)

	target := domain.StatusWatchdogTimeout
	err = w.deps.Executions.Transact(ctx,
		domain.FreeTokenOp{Token: domain.TokenFor(e, w.deps.now())},
		domain.UpdateExecutionOp{
			Key: key,
			Mutation: domain.Mutation{
				Status:       &target,
				CompletedAt:  ptr(w.deps.now()),
				ErrorBody:    ptr(watchdogTimeoutReason),
				AppendErrors: []domain.ExecutionError{{ErrorType: domain.ErrorTypeInternal, Message: watchdogTimeoutReason}},
			},
			Condition: domain.Condition{StatusIn: []domain.Status{e.Status}},
		},
	)
	if isConditionFailed(err) {
		w.logger.Debug(ctx, "execution left its deadline window", "execution_key", key.String())
		return false, nil
	}
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to time out %s: %w", key, err)
	}

	w.deps.Metrics.IncWatchdogTimeouts(ctx, string(e.JobRunner))
	w.logger.Warn(ctx, "execution timed out",
		"execution_key", key.String(), "status", e.Status.String(), "runner", string(e.JobRunner))

	if terminateErr != nil {
		w.failedToFree(ctx, e, terminateErr)
	}

	done, err := w.deps.Executions.Get(ctx, key, false)
	if err != nil || done == nil {
		return true, err
	}
	if err := w.deps.publish(ctx, domain.NewExecutionDeprovisionedEvent(done)); err != nil {
		return true, err
	}
	w.deps.Metrics.IncCompleted(ctx, done.Status.String())
	return true, w.deps.publish(ctx, domain.NewExecutionCompletedEvent(done))
}

// terminate stops the backend job. Executions never handed to a backend
// have nothing to stop.
func (w *Watchdog) terminate(ctx context.Context, e *domain.Execution) error {
	adapter, err := w.deps.Runners.Adapter(e.JobRunner)
	if err != nil {
		return err
	}
	if e.Status == domain.StatusDispatching && e.RunID == "" {
		return nil
	}
	return adapter.Terminate(ctx, e)
}

func (w *Watchdog) failedToFree(ctx context.Context, e *domain.Execution, cause error) {
	key := e.Key()
	w.deps.Metrics.IncFailedToFree(ctx, string(e.JobRunner))
	reason := w.deps.Redactor.Redact(cause.Error())

	if w.deps.FailedToFree != nil {
		rec := domain.FailedToFree{Key: key, Runner: e.JobRunner, Reason: reason, RecordedAt: w.deps.now()}
		if err := w.deps.FailedToFree.MarkFailedToFree(ctx, rec); err != nil {
			w.logger.Error(ctx, "failed to record failed-to-free execution", "execution_key", key.String(), "error", err)
		}
	}
	w.deps.Alerter.Alert(ctx, domain.Alert{
		TenantID: e.TenantID,
		Key:      &key,
		Title:    "failed to terminate timed out execution",
		Detail:   reason,
	})
}

func (w *Watchdog) expire(ctx context.Context, now time.Time) {
	for _, ex := range w.expirers {
		n, err := ex.DeleteExpired(ctx, now)
		if err != nil {
			w.logger.Warn(ctx, "failed to delete expired rows", "error", err)
			continue
		}
		if n > 0 {
			w.logger.Debug(ctx, "deleted expired rows", "count", n)
		}
	}
}

package execution

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/pkg/common/logger"
)

// RetryEngine decides whether a failing execution is retried and runs the
// retry path: the execution is superseded by RETRY and its trigger re-emitted
// with the next retry count.
type RetryEngine struct {
	cfg    Config
	deps   *Dependencies
	logger *logger.Logger
	tracer trace.Tracer
}

// NewRetryEngine creates a retry engine.
func NewRetryEngine(cfg Config, deps *Dependencies, logger *logger.Logger, tracer trace.Tracer) *RetryEngine {
	deps.withDefaults()
	return &RetryEngine{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "retry_engine"),
		tracer: tracer,
	}
}

func anyRetryable(errs []domain.ExecutionError) bool {
	for _, e := range errs {
		if e.IsRetryable {
			return true
		}
	}
	return false
}

// ShouldRetry reports whether e, failing with errs, gets another attempt.
// Only PR-related executions that never reached RUNNING are retried.
func (r *RetryEngine) ShouldRetry(e *domain.Execution, errs []domain.ExecutionError) bool {
	if !e.IsPRRelated() || len(errs) == 0 || e.RetryCount >= r.cfg.RetryLimit || !anyRetryable(errs) {
		return false
	}
	for _, s := range domain.AllowedPredecessors(domain.StatusRetry) {
		if e.Status == s {
			return true
		}
	}
	return false
}

// Exhausted reports whether e has used every retry. A zero limit disables
// retries, so nothing is ever exhausted.
func (r *RetryEngine) Exhausted(e *domain.Execution) bool {
	return r.cfg.RetryLimit > 0 && e.RetryCount >= r.cfg.RetryLimit
}

// Request hands e to the asynchronous retry path.
func (r *RetryEngine) Request(ctx context.Context, e *domain.Execution, errs []domain.ExecutionError) error {
	ctx, span := r.tracer.Start(ctx, "retry_engine.request", trace.WithAttributes(
		attribute.String("execution_key", e.Key().String()),
		attribute.Int("retry_count", e.RetryCount),
	))
	defer span.End()

	req := domain.RetryRequest{
		TenantID:    e.TenantID,
		JitEventID:  e.JitEventID,
		ExecutionID: e.ExecutionID,
		Errors:      errs,
	}
	if err := r.deps.Retry.InvokeRetry(ctx, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invoke retry failed")
		return fmt.Errorf("failed to invoke retry for %s: %w", e.Key(), err)
	}
	r.logger.Info(ctx, "execution retry requested",
		"execution_key", e.Key().String(), "retry_count", e.RetryCount)
	return nil
}

// Execute runs the retry path for req. When the execution has moved past
// the retryable statuses it is completed as FAILED instead.
func (r *RetryEngine) Execute(ctx context.Context, req domain.RetryRequest) error {
	key := req.Key()
	ctx, span := r.tracer.Start(ctx, "retry_engine.execute",
		trace.WithAttributes(attribute.String("execution_key", key.String())))
	defer span.End()

	if err := validateRequest(req); err != nil {
		return err
	}

	e, err := r.deps.Executions.Get(ctx, key, true)
	if err != nil {
		return err
	}

	retry := domain.StatusRetry
	errs := req.Errors
	txErr := r.deps.Executions.Transact(ctx,
		domain.FreeTokenOp{Token: domain.TokenFor(e, r.deps.now())},
		domain.UpdateExecutionOp{
			Key: key,
			Mutation: domain.Mutation{
				Status:              &retry,
				CompletedAt:         ptr(r.deps.now()),
				AppendErrors:        errs,
				IncrementRetryCount: true,
			},
			Condition: domain.StatusCondition(domain.StatusRetry),
		},
	)
	var cf *domain.ConditionFailedError
	switch {
	case errors.As(txErr, &cf):
		cur := cf.Current
		if cur == nil || cur.Status.IsTerminal() {
			r.logger.Warn(ctx, "retry skipped, execution already terminal", "execution_key", key.String())
			return nil
		}
		r.logger.Warn(ctx, "retry no longer possible, failing execution",
			"execution_key", key.String(), "status", cur.Status.String())
		return r.deps.publish(ctx, domain.NewCompleteExecutionEvent(domain.UpdateRequest{
			TenantID:    key.TenantID,
			JitEventID:  key.JitEventID,
			ExecutionID: key.ExecutionID,
			Status:      domain.StatusFailed,
			Errors:      errs,
		}))
	case txErr != nil:
		span.RecordError(txErr)
		span.SetStatus(codes.Error, "retry transaction failed")
		return fmt.Errorf("failed to supersede execution %s: %w", key, txErr)
	}

	if e.Status.HoldsResource() {
		if err := r.deps.publish(ctx, domain.NewExecutionDeprovisionedEvent(e)); err != nil {
			return err
		}
	}
	if err := r.deps.publish(ctx, domain.NewTriggerExecutionEvent(retryRecord(e))); err != nil {
		return err
	}
	r.deps.Metrics.IncRetries(ctx, string(e.JobRunner))
	span.AddEvent("retry_triggered", trace.WithAttributes(attribute.Int("retry_count", e.RetryCount+1)))
	return nil
}

// retryRecord rebuilds the trigger of e for its next attempt.
func retryRecord(e *domain.Execution) domain.TriggerRecord {
	c := e.Clone()
	return domain.TriggerRecord{
		TenantID:             c.TenantID,
		PlanItemSlug:         c.PlanItemSlug,
		AffectedPlanItems:    c.AffectedPlanItems,
		ControlName:          c.ControlName,
		ControlType:          c.ControlType,
		Priority:             c.Priority,
		RetryCount:           c.RetryCount + 1,
		TaskToken:            c.TaskToken,
		Context:              c.Context,
		AdditionalAttributes: c.AdditionalAttributes,
	}
}

// OnExhausted alerts operators and asks the runner why e failed. The reason
// enriches the terminal write; it is nil when the runner has nothing to add.
func (r *RetryEngine) OnExhausted(ctx context.Context, e *domain.Execution) *domain.FailureReason {
	ctx, span := r.tracer.Start(ctx, "retry_engine.on_exhausted",
		trace.WithAttributes(attribute.String("execution_key", e.Key().String())))
	defer span.End()

	key := e.Key()
	r.deps.Metrics.IncRetriesExhausted(ctx, string(e.JobRunner))
	r.deps.Alerter.Alert(ctx, domain.Alert{
		TenantID: e.TenantID,
		Key:      &key,
		Title:    "execution reached the retry limit",
		Detail:   fmt.Sprintf("runner %s, retry_count %d", e.JobRunner, e.RetryCount),
	})

	var reason *domain.FailureReason
	if adapter, err := r.deps.Runners.Adapter(e.JobRunner); err == nil {
		reason, err = adapter.ExecutionFailureReason(ctx, e)
		if err != nil {
			span.RecordError(err)
			r.logger.Warn(ctx, "failed to introspect runner failure", "execution_key", key.String(), "error", err)
			reason = nil
		}
	}
	if err := r.deps.publish(ctx, domain.NewVendorFailureMetricEvent(e, reason)); err != nil {
		r.logger.Warn(ctx, "failed to publish vendor failure metric", "error", err)
	}
	return reason
}

func ptr[T any](v T) *T { return &v }

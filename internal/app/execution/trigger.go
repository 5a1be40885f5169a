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

// TriggerService turns trigger records into executions.
type TriggerService struct {
	cfg    Config
	deps   *Dependencies
	guard  *idempotencyGuard
	logger *logger.Logger
	tracer trace.Tracer
}

// NewTriggerService creates a trigger service.
func NewTriggerService(cfg Config, deps *Dependencies, logger *logger.Logger, tracer trace.Tracer) *TriggerService {
	deps.withDefaults()
	log := logger.With("component", "trigger_service")
	return &TriggerService{
		cfg:    cfg,
		deps:   deps,
		guard:  &idempotencyGuard{store: deps.Idempotency, cfg: cfg, logger: log},
		logger: log,
		tracer: tracer,
	}
}

// Trigger creates one execution per record. Records with an invalid shape or
// an unsupported runner are reported with a trigger-failed event. Records
// that hit unexpected errors are returned in a *FailedTriggersError so only
// they are redelivered. High-priority executions are created DISPATCHING
// and sent to dispatch grouped by jit event and runner.
func (s *TriggerService) Trigger(ctx context.Context, records []domain.TriggerRecord) ([]*domain.Execution, error) {
	ctx, span := s.tracer.Start(ctx, "trigger_service.trigger",
		trace.WithAttributes(attribute.Int("record_count", len(records))))
	defer span.End()

	var (
		created []*domain.Execution
		failed  []domain.FailedTrigger
	)
	for _, rec := range records {
		if reason, label := s.reject(rec); reason != "" {
			s.triggerFailed(ctx, rec, reason, label)
			continue
		}

		var e *domain.Execution
		_, err := s.guard.run(ctx, rec.IdempotencyKey(), func(ctx context.Context) (any, error) {
			var err error
			e, err = s.create(ctx, rec)
			if err != nil {
				return nil, err
			}
			return e.Key(), nil
		})
		switch {
		case errors.Is(err, errReplayed):
			s.logger.Debug(ctx, "trigger already processed", "idempotency_key", rec.IdempotencyKey())
		case err != nil:
			s.logger.Error(ctx, "failed to create execution", "idempotency_key", rec.IdempotencyKey(), "error", err)
			failed = append(failed, domain.FailedTrigger{Record: rec, Reason: err.Error()})
		case e != nil:
			created = append(created, e)
		}
	}

	if err := s.dispatchHighPriority(ctx, created); err != nil {
		span.RecordError(err)
		return created, err
	}

	if len(failed) > 0 {
		err := &domain.FailedTriggersError{Failed: failed}
		span.RecordError(err)
		span.SetStatus(codes.Error, "some triggers failed")
		return created, err
	}
	span.SetAttributes(attribute.Int("created_count", len(created)))
	return created, nil
}

// reject returns why rec cannot become an execution, with a metric label.
func (s *TriggerService) reject(rec domain.TriggerRecord) (string, string) {
	if err := validateRequest(rec); err != nil {
		return err.Error(), "invalid"
	}
	if err := rec.ValidateShape(); err != nil {
		var unsupported *domain.RunnerNotSupportedError
		if errors.As(err, &unsupported) {
			return err.Error(), "runner_not_supported"
		}
		return err.Error(), "invalid"
	}
	if _, err := s.deps.Runners.Adapter(rec.Context.Job.Runner.Type); err != nil {
		return err.Error(), "runner_not_supported"
	}
	return "", ""
}

func (s *TriggerService) triggerFailed(ctx context.Context, rec domain.TriggerRecord, reason, label string) {
	s.deps.Metrics.IncTriggersFailed(ctx, label)
	s.logger.Warn(ctx, "trigger rejected", "tenant_id", rec.TenantID, "reason", reason)
	if err := s.deps.publish(ctx, domain.NewTriggerFailedEvent(rec, reason)); err != nil {
		s.logger.Error(ctx, "failed to publish trigger failure", "error", err)
	}
}

// create writes the execution for rec. A duplicate returns (nil, nil).
func (s *TriggerService) create(ctx context.Context, rec domain.TriggerRecord) (*domain.Execution, error) {
	e := rec.ToExecution(s.deps.now(), s.cfg.ExecutionTTL)

	var err error
	if domain.ShouldManageResource(e.ResourceType) {
		err = s.deps.Executions.PutNew(ctx, e)
	} else {
		deadline, derr := s.deps.deadline(e, domain.StatusDispatching)
		if derr != nil {
			return nil, derr
		}
		e.Status = domain.StatusDispatching
		e.ExecutionTimeout = deadline
		err = s.deps.Executions.Transact(ctx,
			domain.PutExecutionOp{Execution: e},
			domain.AllocateTokenOp{Token: domain.TokenFor(e, s.deps.now())},
		)
	}
	if errors.Is(err, domain.ErrAlreadyExists) {
		s.logger.Info(ctx, "execution already exists", "execution_key", e.Key().String())
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to store execution %s: %w", e.Key(), err)
	}

	s.deps.Metrics.IncExecutionsCreated(ctx, string(e.JobRunner), string(e.Priority))
	return e, nil
}

func (s *TriggerService) dispatchHighPriority(ctx context.Context, created []*domain.Execution) error {
	type group struct {
		tenantID   string
		jitEventID string
		runner     domain.RunnerType
	}
	var order []group
	groups := make(map[group][]*domain.Execution)
	for _, e := range created {
		if e.Status != domain.StatusDispatching {
			continue
		}
		g := group{tenantID: e.TenantID, jitEventID: e.JitEventID, runner: e.JobRunner}
		if _, ok := groups[g]; !ok {
			order = append(order, g)
		}
		groups[g] = append(groups[g], e)
	}

	for _, g := range order {
		if err := s.deps.publish(ctx, domain.NewEnrichExecutionEvent(groups[g]...)); err != nil {
			return err
		}
	}
	return nil
}

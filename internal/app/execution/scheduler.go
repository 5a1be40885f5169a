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

// Scheduler admits PENDING executions into their runner pool. It reacts to
// new PENDING rows and to executions releasing their slot.
type Scheduler struct {
	cfg    Config
	deps   *Dependencies
	logger *logger.Logger
	tracer trace.Tracer
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg Config, deps *Dependencies, logger *logger.Logger, tracer trace.Tracer) *Scheduler {
	deps.withDefaults()
	return &Scheduler{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "scheduler"),
		tracer: tracer,
	}
}

func admissionTrigger(rec domain.ChangeRecord) bool {
	return (rec.Kind == domain.ChangeInsert && rec.NewStatus == domain.StatusPending) || rec.ReleasedResource()
}

// HandleChange tries to admit the next PENDING execution for the tenant and
// runner of rec. Losing a race to another admission is retried a bounded
// number of times; an exhausted pool ends the attempt quietly.
func (s *Scheduler) HandleChange(ctx context.Context, rec domain.ChangeRecord) error {
	if !admissionTrigger(rec) {
		return nil
	}
	ctx, span := s.tracer.Start(ctx, "scheduler.handle_change", trace.WithAttributes(
		attribute.String("change_kind", string(rec.Kind)),
		attribute.String("execution_key", rec.Key.String()),
	))
	defer span.End()

	origin := rec.NewImage
	if origin == nil {
		var err error
		if origin, err = s.deps.Executions.Get(ctx, rec.Key, false); err != nil || origin == nil {
			return err
		}
	}

	for attempt := 0; attempt < s.cfg.AdmissionRetries; attempt++ {
		cand, err := s.nextCandidate(ctx, origin, rec.Kind == domain.ChangeInsert && attempt == 0)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if cand == nil {
			span.AddEvent("nothing_pending")
			return nil
		}

		admitted, err := s.admit(ctx, cand)
		switch {
		case errors.Is(err, domain.ErrResourcePoolExhausted):
			s.deps.Metrics.IncPoolExhausted(ctx, string(cand.JobRunner))
			span.AddEvent("pool_exhausted")
			return nil
		case isConditionFailed(err):
			s.deps.Metrics.IncAdmissionConflicts(ctx, string(cand.JobRunner))
			s.logger.Debug(ctx, "admission conflict, retrying",
				"execution_key", cand.Key().String(), "attempt", attempt+1)
			continue
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, "admission failed")
			return err
		}

		return s.announce(ctx, cand, admitted)
	}

	s.logger.Warn(ctx, "admission attempts exhausted",
		"tenant_id", origin.TenantID, "runner", string(origin.JobRunner), "attempts", s.cfg.AdmissionRetries)
	return nil
}

func isConditionFailed(err error) bool {
	var cf *domain.ConditionFailedError
	return errors.As(err, &cf)
}

// nextCandidate returns the highest priority, oldest PENDING execution for
// origin's tenant and runner, falling back to the sibling CI runner. When
// the index has not caught up with a fresh insert, the inserted row itself
// is the candidate.
func (s *Scheduler) nextCandidate(ctx context.Context, origin *domain.Execution, useOrigin bool) (*domain.Execution, error) {
	runners := []domain.RunnerType{origin.JobRunner}
	if sibling, ok := domain.SiblingCIRunner(origin.JobRunner); ok {
		runners = append(runners, sibling)
	}

	for _, runner := range runners {
		q := domain.ByTenantRunnerStatus(origin.TenantID, runner, domain.StatusPending)
		q.Limit = 1
		page, err := s.deps.Executions.Query(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("failed to query pending executions: %w", err)
		}
		if len(page.Items) > 0 {
			return page.Items[0], nil
		}
	}

	if useOrigin && origin.Status == domain.StatusPending && domain.ShouldManageResource(origin.ResourceType) {
		return origin, nil
	}
	return nil, nil
}

// admit allocates a slot for e and moves it to DISPATCHING in one
// transaction.
func (s *Scheduler) admit(ctx context.Context, e *domain.Execution) (*domain.Execution, error) {
	deadline, err := s.deps.deadline(e, domain.StatusDispatching)
	if err != nil {
		return nil, err
	}
	dispatching := domain.StatusDispatching
	err = s.deps.Executions.Transact(ctx,
		domain.AllocateTokenOp{Token: domain.TokenFor(e, s.deps.now()), Capacity: s.cfg.capacity(e)},
		domain.UpdateExecutionOp{
			Key:       e.Key(),
			Mutation:  domain.Mutation{Status: &dispatching, ExecutionTimeout: deadline},
			Condition: domain.StatusCondition(domain.StatusDispatching),
		},
	)
	if err != nil {
		return nil, err
	}

	admitted := e.Clone()
	admitted.Status = dispatching
	admitted.ExecutionTimeout = deadline
	return admitted, nil
}

func (s *Scheduler) announce(ctx context.Context, pending, admitted *domain.Execution) error {
	runner := string(admitted.JobRunner)
	now := s.deps.now()
	s.deps.Metrics.IncAdmitted(ctx, runner)
	s.deps.Metrics.ObserveQueueTime(ctx, runner, now.Sub(pending.CreatedAt))

	if err := s.deps.publish(ctx, domain.NewEnrichExecutionEvent(admitted)); err != nil {
		return err
	}
	if err := s.deps.publish(ctx, domain.NewResourceAllocationInvokedEvent(admitted, now)); err != nil {
		s.logger.Warn(ctx, "failed to publish allocation metric", "error", err)
	}
	s.logger.Info(ctx, "execution admitted", "execution_key", admitted.Key().String(), "runner", runner)
	return nil
}

// ChangeConsumer feeds execution store changes to the scheduler and to the
// completion finisher.
type ChangeConsumer struct {
	feed      domain.ChangeFeed
	scheduler *Scheduler
	updater   *StateUpdater
	logger    *logger.Logger
}

// NewChangeConsumer creates a change consumer.
func NewChangeConsumer(feed domain.ChangeFeed, scheduler *Scheduler, updater *StateUpdater, logger *logger.Logger) *ChangeConsumer {
	return &ChangeConsumer{
		feed:      feed,
		scheduler: scheduler,
		updater:   updater,
		logger:    logger.With("component", "change_consumer"),
	}
}

// Run blocks until ctx is canceled.
func (c *ChangeConsumer) Run(ctx context.Context) error {
	c.logger.Info(ctx, "change consumer started")
	return c.feed.Subscribe(ctx, c.handle)
}

func (c *ChangeConsumer) handle(ctx context.Context, rec domain.ChangeRecord) error {
	// Free the slot before admitting the next execution into it.
	if err := c.updater.FinishFromRecord(ctx, rec); err != nil {
		c.logger.Error(ctx, "failed to finish execution", "execution_key", rec.Key.String(), "error", err)
	}
	if err := c.scheduler.HandleChange(ctx, rec); err != nil {
		c.logger.Error(ctx, "failed to schedule", "execution_key", rec.Key.String(), "error", err)
		return err
	}
	return nil
}

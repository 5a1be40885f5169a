package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/pkg/common/logger"
)

// maxOutcomeAttempts bounds the write-once retries of an outcome write.
const maxOutcomeAttempts = 3

// maxReleaseAttempts bounds releaseOutcome, which also rereads the row when
// its status moved underneath the write.
const maxReleaseAttempts = 6

// StateUpdater applies runner callbacks and lifecycle events to executions.
// Every status write is conditional on the allowed predecessors of its target.
type StateUpdater struct {
	cfg    Config
	deps   *Dependencies
	retry  *RetryEngine
	logger *logger.Logger
	tracer trace.Tracer
}

// NewStateUpdater creates a state updater.
func NewStateUpdater(
	cfg Config,
	deps *Dependencies,
	retry *RetryEngine,
	logger *logger.Logger,
	tracer trace.Tracer,
) *StateUpdater {
	deps.withDefaults()
	return &StateUpdater{
		cfg:    cfg,
		deps:   deps,
		retry:  retry,
		logger: logger.With("component", "state_updater"),
		tracer: tracer,
	}
}

func (u *StateUpdater) startSpan(ctx context.Context, name string, key domain.Key) (context.Context, trace.Span) {
	return u.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("tenant_id", key.TenantID),
		attribute.String("jit_event_id", key.JitEventID),
		attribute.String("execution_id", key.ExecutionID),
	))
}

// transitionError reports why current cannot move to target, or nil when
// it can.
func transitionError(key domain.Key, current, target domain.Status) error {
	err := domain.ValidateTransition(current, target)
	var multi *domain.MultipleCompletesError
	if errors.As(err, &multi) {
		multi.Key = key
	}
	return err
}

// conditionToTransition converts a failed status condition into the
// matching state machine error.
func conditionToTransition(err error, key domain.Key, target domain.Status) error {
	var cf *domain.ConditionFailedError
	if errors.As(err, &cf) && cf.Current != nil {
		if terr := transitionError(key, cf.Current.Status, target); terr != nil {
			return terr
		}
	}
	return err
}

func (u *StateUpdater) diagnostic(s string) *string {
	if s == "" {
		return nil
	}
	out := domain.TruncateDiagnostic(u.deps.Redactor.Redact(s))
	return &out
}

// Register moves an execution to RUNNING with a fresh RUNNING deadline.
func (u *StateUpdater) Register(ctx context.Context, req domain.UpdateRequest) (*domain.Execution, error) {
	key := req.Key()
	ctx, span := u.startSpan(ctx, "state_updater.register", key)
	defer span.End()

	if err := validateRequest(req); err != nil {
		return nil, err
	}
	e, err := u.deps.Executions.Get(ctx, key, true)
	if err != nil {
		return nil, err
	}
	if err := transitionError(key, e.Status, domain.StatusRunning); err != nil {
		span.RecordError(err)
		return nil, err
	}

	deadline, err := u.deps.deadline(e, domain.StatusRunning)
	if err != nil {
		return nil, err
	}
	registeredAt := u.deps.now()
	if req.RegisteredAt != nil {
		registeredAt = req.RegisteredAt.UTC()
	}
	running := domain.StatusRunning
	updated, err := u.deps.Executions.Update(ctx, key, domain.Mutation{
		Status:           &running,
		ExecutionTimeout: deadline,
		RegisteredAt:     &registeredAt,
	}, domain.StatusCondition(domain.StatusRunning))
	if err != nil {
		err = conditionToTransition(err, key, domain.StatusRunning)
		span.RecordError(err)
		return nil, err
	}

	if err := u.deps.publish(ctx, domain.NewExecutionRegisteredEvent(updated)); err != nil {
		return nil, err
	}
	span.SetStatus(codes.Ok, "registered")
	return updated, nil
}

// MarkDispatched records a successful backend dispatch. A missing execution
// is failed and reported to operators.
func (u *StateUpdater) MarkDispatched(ctx context.Context, evt domain.DispatchStatusUpdatedEvent) error {
	key := evt.Key
	ctx, span := u.startSpan(ctx, "state_updater.mark_dispatched", key)
	defer span.End()

	e, err := u.deps.Executions.Get(ctx, key, false)
	if err != nil {
		return err
	}
	if e == nil {
		u.deps.Alerter.Alert(ctx, domain.Alert{
			TenantID: key.TenantID,
			Key:      &key,
			Title:    "dispatched execution not found",
			Detail:   fmt.Sprintf("run_id %q", evt.RunID),
		})
		return u.deps.publish(ctx, domain.NewFailedCompletion(key, "execution not found after dispatch"))
	}
	if domain.Decide(e.Status, domain.StatusDispatched) != domain.DecisionAllow {
		u.logger.Info(ctx, "dispatched update skipped",
			"execution_key", key.String(), "status", e.Status.String())
		return nil
	}

	deadline, err := u.deps.deadline(e, domain.StatusDispatched)
	if err != nil {
		return err
	}
	dispatchedAt := evt.DispatchedAt
	if dispatchedAt.IsZero() {
		dispatchedAt = u.deps.now()
	}
	dispatched := domain.StatusDispatched
	m := domain.Mutation{Status: &dispatched, ExecutionTimeout: deadline, DispatchedAt: &dispatchedAt}
	if evt.RunID != "" {
		m.RunID = &evt.RunID
	}
	updated, err := u.deps.Executions.Update(ctx, key, m, domain.StatusCondition(domain.StatusDispatched))
	if err != nil {
		if err = conditionToTransition(err, key, domain.StatusDispatched); domain.IsExpectedRace(err) {
			u.logger.Info(ctx, "dispatched update lost race", "execution_key", key.String(), "error", err)
			return nil
		}
		return err
	}
	return u.deps.publish(ctx, domain.NewDispatchedMetricEvent(updated, evt.RunID))
}

// outcomeMutation builds the terminal write for req.
func (u *StateUpdater) outcomeMutation(req domain.UpdateRequest, target domain.Status) domain.Mutation {
	completedAt := u.deps.now()
	if req.CompletedAt != nil {
		completedAt = req.CompletedAt.UTC()
	}
	m := domain.Mutation{
		Status:        &target,
		CompletedAt:   &completedAt,
		ControlStatus: req.ControlStatus,
		HasFindings:   req.HasFindings,
		AppendErrors:  req.Errors,
		ErrorBody:     u.diagnostic(req.ErrorBody),
		Stderr:        u.diagnostic(req.Stderr),
		JobOutput:     req.JobOutput,
	}
	if req.RunID != "" {
		m.RunID = &req.RunID
	}
	return m
}

// enrichFromFailure fills gaps in m from a runner failure reason.
func (u *StateUpdater) enrichFromFailure(m *domain.Mutation, reason *domain.FailureReason) {
	if reason == nil {
		return
	}
	if m.ErrorBody == nil {
		body := reason.ErrorBody
		if body == "" {
			body = reason.Reason
		}
		m.ErrorBody = u.diagnostic(body)
	}
	if m.RunID == nil && reason.RunID != "" {
		m.RunID = &reason.RunID
	}
}

// writeOutcome applies a terminal mutation. has_findings and control_status
// are write-once: when one is already stored the clause is dropped and the
// write retried. It returns the attempts used.
func (u *StateUpdater) writeOutcome(
	ctx context.Context,
	key domain.Key,
	target domain.Status,
	m domain.Mutation,
) (*domain.Execution, int, error) {
	cond := domain.StatusCondition(target)
	for attempt := 1; ; attempt++ {
		cond.HasFindingsAbsent = m.HasFindings != nil
		cond.ControlStatusAbsent = m.ControlStatus != nil
		m.UpdateExecutionAttempts = ptr(attempt)

		updated, err := u.deps.Executions.Update(ctx, key, m, cond)
		var cf *domain.ConditionFailedError
		if !errors.As(err, &cf) || cf.Current == nil {
			return updated, attempt, err
		}
		retry, rerr := u.nextOutcomeAttempt(key, target, &m, cf.Current, attempt)
		if !retry {
			if rerr == nil {
				rerr = err
			}
			return nil, attempt, rerr
		}
		u.logger.Debug(ctx, "retrying outcome write without write-once attributes",
			"execution_key", key.String(), "attempt", attempt)
	}
}

// releaseOutcome frees e's resource token and applies a terminal mutation in
// one transaction, conditioned on the status last read. A status change
// between read and write rereads the row, so the token is released exactly
// when the stored status held one. It reports whether a token was released.
func (u *StateUpdater) releaseOutcome(
	ctx context.Context,
	e *domain.Execution,
	target domain.Status,
	m domain.Mutation,
) (*domain.Execution, bool, error) {
	key := e.Key()
	cur := e
	for attempt := 1; ; attempt++ {
		cond := domain.Condition{
			StatusIn:            []domain.Status{cur.Status},
			HasFindingsAbsent:   m.HasFindings != nil,
			ControlStatusAbsent: m.ControlStatus != nil,
		}
		m.UpdateExecutionAttempts = ptr(attempt)

		err := u.deps.Executions.Transact(ctx,
			domain.FreeTokenOp{Token: domain.TokenFor(cur, u.deps.now())},
			domain.UpdateExecutionOp{Key: key, Mutation: m, Condition: cond},
		)
		if err == nil {
			updated, err := u.deps.Executions.Get(ctx, key, true)
			if err != nil {
				return nil, false, err
			}
			return updated, cur.Status.HoldsResource(), nil
		}

		var cf *domain.ConditionFailedError
		if !errors.As(err, &cf) || cf.Current == nil {
			return nil, false, err
		}
		next := cf.Current
		moved := next.Status != cur.Status
		retry, rerr := u.nextOutcomeAttempt(key, target, &m, next, attempt)
		if rerr != nil {
			return nil, false, rerr
		}
		if !retry && !moved {
			return nil, false, err
		}
		if attempt >= maxReleaseAttempts {
			return nil, false, err
		}
		cur = next
	}
}

// nextOutcomeAttempt inspects the row that failed an outcome write. It drops
// write-once clauses the row already carries and reports whether another
// attempt can succeed. A row whose status no longer allows target yields a
// transition conflict.
func (u *StateUpdater) nextOutcomeAttempt(
	key domain.Key,
	target domain.Status,
	m *domain.Mutation,
	cur *domain.Execution,
	attempt int,
) (bool, error) {
	if domain.Decide(cur.Status, target) != domain.DecisionAllow {
		return false, transitionError(key, cur.Status, target)
	}
	dropped := false
	if m.HasFindings != nil && cur.HasFindings != nil {
		m.HasFindings = nil
		dropped = true
	}
	if m.ControlStatus != nil && cur.ControlStatus != nil {
		m.ControlStatus = nil
		dropped = true
	}
	return dropped && attempt < maxOutcomeAttempts, nil
}

// free releases e's resource token, retrying transient failures. It reports
// whether this call released a held token.
func (u *StateUpdater) free(ctx context.Context, e *domain.Execution) bool {
	token := domain.TokenFor(e, u.deps.now())
	var freed bool
	op := func() error {
		var err error
		freed, err = u.deps.Pool.Free(ctx, token)
		return err
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(u.cfg.FreeInterval), uint64(u.cfg.FreeRetries-1)),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		u.logger.Error(ctx, "failed to free resource token",
			"execution_key", e.Key().String(), "runner", string(e.JobRunner), "error", err)
		return false
	}
	return freed
}

// finish emits the notifications of a terminal execution.
func (u *StateUpdater) finish(ctx context.Context, e *domain.Execution, freed bool) error {
	u.deps.Metrics.IncCompleted(ctx, e.Status.String())
	if freed {
		if err := u.deps.publish(ctx, domain.NewExecutionDeprovisionedEvent(e)); err != nil {
			return err
		}
	}
	if e.Status == domain.StatusRetry {
		return nil
	}
	return u.deps.publish(ctx, domain.NewExecutionCompletedEvent(e))
}

// Complete handles a completion delivered on the bus. Validation failures,
// missing executions and state machine races are logged and swallowed.
func (u *StateUpdater) Complete(ctx context.Context, req domain.UpdateRequest) error {
	key := req.Key()
	ctx, span := u.startSpan(ctx, "state_updater.complete", key)
	defer span.End()

	if err := validateRequest(req); err != nil {
		u.logger.Warn(ctx, "invalid completion dropped", "error", err)
		return nil
	}
	e, err := u.deps.Executions.Get(ctx, key, true)
	if errors.Is(err, domain.ErrNotFound) {
		u.logger.Warn(ctx, "completion for unknown execution", "execution_key", key.String())
		return nil
	}
	if err != nil {
		return err
	}

	target := req.CompletionStatus()
	if domain.Decide(e.Status, target) != domain.DecisionAllow {
		u.logger.Warn(ctx, "completion skipped", "execution_key", key.String(),
			"error", transitionError(key, e.Status, target))
		return nil
	}

	errs := union(e.Errors, req.Errors)
	if u.retry.ShouldRetry(e, errs) {
		span.AddEvent("retry_requested")
		return u.retry.Request(ctx, e, req.Errors)
	}

	m := u.outcomeMutation(req, target)
	if u.retry.Exhausted(e) {
		u.enrichFromFailure(&m, u.retry.OnExhausted(ctx, e))
	}

	updated, freed, err := u.releaseOutcome(ctx, e, target, m)
	if err != nil {
		if domain.IsExpectedRace(err) || errors.Is(err, domain.ErrNotFound) {
			u.logger.Warn(ctx, "completion lost race", "execution_key", key.String(), "error", err)
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion write failed")
		return err
	}
	return u.finish(ctx, updated, freed)
}

// FinishFromRecord completes the lifecycle of an execution whose terminal
// status was written directly, as seen on the change feed. Whichever path
// frees the token emits the notifications.
func (u *StateUpdater) FinishFromRecord(ctx context.Context, rec domain.ChangeRecord) error {
	if !rec.ReleasedResource() {
		return nil
	}
	ctx, span := u.startSpan(ctx, "state_updater.finish_from_record", rec.Key)
	defer span.End()

	e := rec.NewImage
	if e == nil {
		var err error
		if e, err = u.deps.Executions.Get(ctx, rec.Key, false); err != nil || e == nil {
			return err
		}
	}
	if !u.free(ctx, e) {
		return nil
	}
	return u.finish(ctx, e, true)
}

// UpdateControlStatus records the outcome a runner reports over HTTP. A
// FAILED control that produced findings is recorded as COMPLETED. Races
// with other writers return the current row without error.
func (u *StateUpdater) UpdateControlStatus(ctx context.Context, req domain.UpdateRequest) (*domain.Execution, error) {
	key := req.Key()
	ctx, span := u.startSpan(ctx, "state_updater.update_control_status", key)
	defer span.End()

	if err := validateRequest(req); err != nil {
		return nil, err
	}
	e, err := u.deps.Executions.Get(ctx, key, true)
	if err != nil {
		return nil, err
	}

	target := req.CompletionStatus()
	if target == domain.StatusFailed && req.HasFindings != nil && *req.HasFindings {
		target = domain.StatusCompleted
	}
	if domain.Decide(e.Status, target) != domain.DecisionAllow {
		u.logger.Warn(ctx, "control status update skipped", "execution_key", key.String(),
			"error", transitionError(key, e.Status, target))
		return e, nil
	}

	errs := union(e.Errors, req.Errors)
	if u.retry.ShouldRetry(e, errs) {
		if err := u.retry.Request(ctx, e, req.Errors); err != nil {
			return nil, err
		}
		return e, nil
	}

	m := u.outcomeMutation(req, target)
	if u.retry.Exhausted(e) {
		u.enrichFromFailure(&m, u.retry.OnExhausted(ctx, e))
	}

	updated, attempts, err := u.writeOutcome(ctx, key, target, m)
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		if domain.IsExpectedRace(err) {
			u.logger.Warn(ctx, "control status update lost race", "execution_key", key.String(), "error", err)
			return u.deps.Executions.Get(ctx, key, true)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "control status write failed")
		return nil, err
	}
	return updated, nil
}

// UploadFindings records the findings upload outcome of a RUNNING execution.
func (u *StateUpdater) UploadFindings(ctx context.Context, req domain.UploadFindingsRequest) (*domain.Execution, error) {
	key := req.Key()
	ctx, span := u.startSpan(ctx, "state_updater.upload_findings", key)
	defer span.End()

	if err := validateRequest(req); err != nil {
		return nil, err
	}
	hasFindings := req.HasFindings
	updated, err := u.deps.Executions.Update(ctx, key, domain.Mutation{
		UploadFindingsStatus:  &req.UploadFindingsStatus,
		PlanItemsWithFindings: req.PlanItemsWithFindings,
		HasFindings:           &hasFindings,
	}, domain.Condition{StatusIn: []domain.Status{domain.StatusRunning}})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return updated, nil
}

// VendorJobStart records the backend run id once the vendor job starts.
func (u *StateUpdater) VendorJobStart(ctx context.Context, req domain.VendorJobIDUpdateRequest) (*domain.Execution, error) {
	key := req.Key()
	ctx, span := u.startSpan(ctx, "state_updater.vendor_job_start", key)
	defer span.End()

	if err := validateRequest(req); err != nil {
		return nil, err
	}
	updated, err := u.deps.Executions.PartialUpdate(ctx, key, domain.Mutation{RunID: &req.RunID})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return updated, nil
}

// ValidateDispatched checks that the execution is awaiting its runner.
func (u *StateUpdater) ValidateDispatched(ctx context.Context, req domain.ValidateDispatchedRequest) (*domain.Execution, error) {
	ctx, span := u.startSpan(ctx, "state_updater.validate_dispatched", req.Key)
	defer span.End()

	e, err := u.deps.Executions.Get(ctx, req.Key, true)
	if err != nil {
		return nil, err
	}
	if err := req.Check(e); err != nil {
		return nil, err
	}
	return e, nil
}

// FailFromDestination fails the executions named by a failure-destination
// payload. Trigger records that never became executions are reported as
// trigger failures.
func (u *StateUpdater) FailFromDestination(ctx context.Context, evt domain.OnFailureEvent) error {
	ctx, span := u.tracer.Start(ctx, "state_updater.fail_from_destination",
		trace.WithAttributes(attribute.String("request_id", evt.RequestID)))
	defer span.End()

	reason := evt.Reason
	if reason == "" {
		reason = "asynchronous invocation failed"
	}
	internal := domain.ExecutionError{ErrorType: domain.ErrorTypeInternal, Message: reason}

	if evt.Execution != nil {
		return u.deps.publish(ctx, domain.NewFailedCompletion(*evt.Execution, reason, internal))
	}
	for _, ft := range evt.FailedTriggers {
		rec := ft.Record
		key := domain.Key{TenantID: rec.TenantID, JitEventID: rec.Context.JitEvent.ID, ExecutionID: rec.ExecutionID()}
		e, err := u.deps.Executions.Get(ctx, key, false)
		if err != nil {
			return err
		}
		if e != nil && !e.Status.IsTerminal() {
			err = u.deps.publish(ctx, domain.NewFailedCompletion(key, reason, internal))
		} else {
			err = u.deps.publish(ctx, domain.NewTriggerFailedEvent(rec, ft.Reason))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// EnrichmentCompleted forwards an enrichment outcome to the workflow task
// waiting on the execution's task token.
func (u *StateUpdater) EnrichmentCompleted(ctx context.Context, evt domain.EnrichmentCompletedEvent) error {
	key := evt.Key
	ctx, span := u.startSpan(ctx, "state_updater.enrichment_completed", key)
	defer span.End()

	e, err := u.deps.Executions.Get(ctx, key, false)
	if err != nil {
		return err
	}
	if e == nil || e.TaskToken == "" {
		u.logger.Warn(ctx, "no task token to resume", "execution_key", key.String())
		return nil
	}

	if evt.Success {
		err = u.deps.Workflow.SendTaskSuccess(ctx, e.TaskToken, evt.Output)
	} else {
		code := evt.Error
		if code == "" {
			code = "EnrichmentFailed"
		}
		err = u.deps.Workflow.SendTaskFailure(ctx, e.TaskToken, code, u.deps.Redactor.Redact(evt.Cause))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "workflow notification failed")
		return fmt.Errorf("failed to resume workflow task for %s: %w", key, err)
	}
	return nil
}

package execution

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/execution-service/internal/domain/events"
	domain "github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/pkg/common/logger"
)

var _ events.EventHandler = (*EventPipeline)(nil)

// EventPipeline processes every inbound detail type. Each event is handled
// at most once per idempotency key; redeliveries of a completed event are
// acknowledged without side effects.
type EventPipeline struct {
	trigger    *TriggerService
	updater    *StateUpdater
	retry      *RetryEngine
	dispatcher *Dispatcher
	deps       *Dependencies
	guard      *idempotencyGuard

	logger *logger.Logger
	tracer trace.Tracer
}

// NewEventPipeline creates the pipeline handler.
func NewEventPipeline(
	cfg Config,
	deps *Dependencies,
	trigger *TriggerService,
	updater *StateUpdater,
	retry *RetryEngine,
	dispatcher *Dispatcher,
	logger *logger.Logger,
	tracer trace.Tracer,
) *EventPipeline {
	log := logger.With("component", "event_pipeline")
	return &EventPipeline{
		trigger:    trigger,
		updater:    updater,
		retry:      retry,
		dispatcher: dispatcher,
		deps:       deps,
		guard:      &idempotencyGuard{store: deps.Idempotency, cfg: cfg, logger: log},
		logger:     log,
		tracer:     tracer,
	}
}

// HandleEvent implements the events.EventHandler interface.
func (p *EventPipeline) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	switch evt.Type {
	case domain.EventTypeTriggerExecution:
		return p.handleTrigger(ctx, evt, ack)
	case domain.EventTypeEnrichExecution:
		return p.guarded(ctx, evt, ack, "event_pipeline.handle_enrich", p.enrich)
	case domain.EventTypeDispatchStatusUpdated:
		return p.guarded(ctx, evt, ack, "event_pipeline.handle_dispatched", p.dispatched)
	case domain.EventTypeRegisterExecution:
		return p.guarded(ctx, evt, ack, "event_pipeline.handle_register", p.register)
	case domain.EventTypeCompleteExecution:
		return p.guarded(ctx, evt, ack, "event_pipeline.handle_complete", p.complete)
	case domain.EventTypeUploadFindingsStatus:
		return p.guarded(ctx, evt, ack, "event_pipeline.handle_upload_findings", p.uploadFindings)
	case domain.EventTypeEnrichmentCompleted:
		return p.guarded(ctx, evt, ack, "event_pipeline.handle_enrichment_completed", p.enrichmentCompleted)
	case domain.EventTypeRetryExecution:
		return p.guarded(ctx, evt, ack, "event_pipeline.handle_retry", p.retryExecution)
	case domain.EventTypeOnFailure:
		return p.guarded(ctx, evt, ack, "event_pipeline.handle_on_failure", p.onFailure)
	default:
		err := fmt.Errorf("unsupported event type: %s", evt.Type)
		ack(err)
		return err
	}
}

// SupportedEvents implements the events.EventHandler interface.
func (p *EventPipeline) SupportedEvents() []events.EventType {
	return []events.EventType{
		domain.EventTypeTriggerExecution,
		domain.EventTypeEnrichExecution,
		domain.EventTypeDispatchStatusUpdated,
		domain.EventTypeRegisterExecution,
		domain.EventTypeCompleteExecution,
		domain.EventTypeUploadFindingsStatus,
		domain.EventTypeEnrichmentCompleted,
		domain.EventTypeRetryExecution,
		domain.EventTypeOnFailure,
	}
}

// withSpan runs fn in a span and acknowledges evt with its outcome.
func (p *EventPipeline) withSpan(
	ctx context.Context,
	operationName string,
	evt events.EventEnvelope,
	fn func(ctx context.Context, span trace.Span) error,
	ack events.AckFunc,
) (err error) {
	ctx, span := p.tracer.Start(ctx, operationName, trace.WithAttributes(
		attribute.String("detail_type", string(evt.Type)),
		attribute.String("event_id", evt.Metadata.ID),
		attribute.String("record_id", evt.Metadata.RecordID),
	))
	defer func() {
		span.End()
		ack(err)
	}()

	if err = fn(ctx, span); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s: %w", operationName, err)
	}
	return nil
}

func recordPayloadTypeError(span trace.Span, payload any) error {
	err := fmt.Errorf("invalid event payload type: %T", payload)
	span.RecordError(err)
	span.SetAttributes(attribute.String("actual_type", fmt.Sprintf("%T", payload)))
	span.SetStatus(codes.Error, "invalid event payload type")
	return err
}

func idempotencyKey(evt events.EventEnvelope) (string, error) {
	if f, ok := evt.Payload.(domain.OnFailureEvent); ok {
		return domain.OnFailureIdempotencyKey(f.RequestID)
	}
	return domain.EventIdempotencyKey(evt.Type, evt.Metadata.ID, evt.Metadata.RecordID)
}

// guarded handles evt at most once. Expected state machine races are
// acknowledged; everything else is returned for redelivery.
func (p *EventPipeline) guarded(
	ctx context.Context,
	evt events.EventEnvelope,
	ack events.AckFunc,
	operationName string,
	fn func(ctx context.Context, span trace.Span, payload any) error,
) error {
	return p.withSpan(ctx, operationName, evt, func(ctx context.Context, span trace.Span) error {
		key, err := idempotencyKey(evt)
		if err != nil && p.guard.cfg.FailOnMissingIdempotencyKey {
			return err
		}

		_, err = p.guard.run(ctx, key, func(ctx context.Context) (any, error) {
			return nil, fn(ctx, span, evt.Payload)
		})
		switch {
		case errors.Is(err, errReplayed):
			p.deps.Metrics.IncIdempotentReplays(ctx, string(evt.Type))
			span.AddEvent("idempotent_replay")
			return nil
		case domain.IsExpectedRace(err):
			p.logger.Info(ctx, "event lost state machine race", "detail_type", string(evt.Type), "error", err)
			return nil
		default:
			return err
		}
	}, ack)
}

func (p *EventPipeline) handleTrigger(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	return p.withSpan(ctx, "event_pipeline.handle_trigger", evt, func(ctx context.Context, span trace.Span) error {
		trig, ok := evt.Payload.(domain.TriggerExecutionEvent)
		if !ok {
			return recordPayloadTypeError(span, evt.Payload)
		}
		created, err := p.trigger.Trigger(ctx, trig.Records)
		span.SetAttributes(attribute.Int("created_count", len(created)))
		return err
	}, ack)
}

func (p *EventPipeline) enrich(ctx context.Context, span trace.Span, payload any) error {
	evt, ok := payload.(domain.EnrichExecutionEvent)
	if !ok {
		return recordPayloadTypeError(span, payload)
	}
	if err := validateRequest(evt); err != nil {
		p.logger.Warn(ctx, "invalid enrich event dropped", "error", err)
		return nil
	}

	found, missing, err := p.deps.Executions.BatchGet(ctx, evt.Keys())
	if err != nil {
		return err
	}
	for _, k := range missing {
		p.logger.Warn(ctx, "enrich event names unknown execution", "execution_key", k.String())
	}
	return p.dispatcher.Dispatch(ctx, found)
}

func (p *EventPipeline) dispatched(ctx context.Context, span trace.Span, payload any) error {
	evt, ok := payload.(domain.DispatchStatusUpdatedEvent)
	if !ok {
		return recordPayloadTypeError(span, payload)
	}
	return p.updater.MarkDispatched(ctx, evt)
}

func (p *EventPipeline) register(ctx context.Context, span trace.Span, payload any) error {
	evt, ok := payload.(domain.RegisterExecutionEvent)
	if !ok {
		return recordPayloadTypeError(span, payload)
	}
	_, err := p.updater.Register(ctx, domain.UpdateRequest{
		TenantID:     evt.TenantID,
		JitEventID:   evt.JitEventID,
		ExecutionID:  evt.ExecutionID,
		RegisteredAt: evt.RegisteredAt,
	})
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidRequest) {
		p.logger.Warn(ctx, "register event dropped", "error", err)
		return nil
	}
	return err
}

func (p *EventPipeline) complete(ctx context.Context, span trace.Span, payload any) error {
	evt, ok := payload.(domain.CompleteExecutionEvent)
	if !ok {
		return recordPayloadTypeError(span, payload)
	}
	return p.updater.Complete(ctx, evt.UpdateRequest)
}

func (p *EventPipeline) uploadFindings(ctx context.Context, span trace.Span, payload any) error {
	evt, ok := payload.(domain.UploadFindingsStatusEvent)
	if !ok {
		return recordPayloadTypeError(span, payload)
	}
	_, err := p.updater.UploadFindings(ctx, evt.UploadFindingsRequest)
	if isConditionFailed(err) || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidRequest) {
		p.logger.Warn(ctx, "upload findings event dropped", "error", err)
		return nil
	}
	return err
}

func (p *EventPipeline) enrichmentCompleted(ctx context.Context, span trace.Span, payload any) error {
	evt, ok := payload.(domain.EnrichmentCompletedEvent)
	if !ok {
		return recordPayloadTypeError(span, payload)
	}
	return p.updater.EnrichmentCompleted(ctx, evt)
}

func (p *EventPipeline) retryExecution(ctx context.Context, span trace.Span, payload any) error {
	evt, ok := payload.(domain.RetryExecutionEvent)
	if !ok {
		return recordPayloadTypeError(span, payload)
	}
	err := p.retry.Execute(ctx, evt.RetryRequest)
	if errors.Is(err, domain.ErrNotFound) {
		p.logger.Warn(ctx, "retry for unknown execution dropped", "error", err)
		return nil
	}
	return err
}

func (p *EventPipeline) onFailure(ctx context.Context, span trace.Span, payload any) error {
	evt, ok := payload.(domain.OnFailureEvent)
	if !ok {
		return recordPayloadTypeError(span, payload)
	}
	return p.updater.FailFromDestination(ctx, evt)
}

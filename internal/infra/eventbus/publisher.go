// Package eventbus adapts domain events to the transport-level event bus.
package eventbus

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/execution-service/internal/domain/events"
)

var _ events.DomainEventPublisher = (*DomainEventPublisher)(nil)

// partitioned is implemented by events that embed an execution key.
type partitioned interface{ PK() string }

// DomainEventPublisher implements events.DomainEventPublisher on top of an
// events.EventBus. Events carrying an execution key are keyed by its
// partition key unless the caller supplies one, keeping a jit event's records
// ordered on one partition.
type DomainEventPublisher struct {
	eventBus events.EventBus
	tracer   trace.Tracer
}

// NewDomainEventPublisher creates a publisher over bus.
func NewDomainEventPublisher(bus events.EventBus, tracer trace.Tracer) *DomainEventPublisher {
	return &DomainEventPublisher{eventBus: bus, tracer: tracer}
}

// PublishDomainEvent wraps event in an envelope stamped with the coordinator
// source and hands it to the bus.
func (pub *DomainEventPublisher) PublishDomainEvent(
	ctx context.Context,
	event events.DomainEvent,
	opts ...events.PublishOption,
) error {
	ctx, span := pub.tracer.Start(ctx, "domain_event_publisher.publish",
		trace.WithAttributes(attribute.String("detail_type", event.EventType().String())))
	defer span.End()

	var params events.PublishParams
	for _, opt := range opts {
		opt(&params)
	}
	if params.Key == "" {
		if p, ok := event.(partitioned); ok {
			opts = append(opts, events.WithKey(p.PK()))
		}
	}

	evt := events.EventEnvelope{
		Type:      event.EventType(),
		Source:    events.SourceExecutionService,
		Timestamp: event.OccurredAt(),
		Payload:   event,
	}
	if err := pub.eventBus.Publish(ctx, evt, opts...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return err
	}
	span.SetStatus(codes.Ok, "published")
	return nil
}

// Package eventdispatcher routes consumed envelopes to the handler registered
// for their detail type.
package eventdispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/execution-service/internal/domain/events"
	"github.com/ahrav/execution-service/pkg/common/logger"
)

// Dispatcher keeps exactly one handler per detail type.
//
//	d := eventdispatcher.New(tracer, log)
//	d.RegisterEventHandler(ctx, pipeline)
//	bus.Subscribe(ctx, d.EventTypes(), d.Dispatch)
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[events.EventType]events.HandlerFunc
	tracer   trace.Tracer
	logger   *logger.Logger
}

// New creates a dispatcher with an empty registry.
func New(tracer trace.Tracer, logger *logger.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[events.EventType]events.HandlerFunc),
		tracer:   tracer,
		logger:   logger.With("component", "event_dispatcher"),
	}
}

// RegisterHandler associates handler with eventType, replacing any previous one.
func (d *Dispatcher) RegisterHandler(ctx context.Context, eventType events.EventType, handler events.HandlerFunc) {
	_, span := d.tracer.Start(ctx, "event_dispatcher.register_handler",
		trace.WithAttributes(attribute.String("event_type", string(eventType))))
	defer span.End()

	d.mu.Lock()
	d.handlers[eventType] = handler
	d.mu.Unlock()

	d.logger.Debug(ctx, "handler registered", "event_type", eventType)
	span.SetStatus(codes.Ok, "handler registered")
}

// RegisterEventHandler registers h for every detail type it supports.
func (d *Dispatcher) RegisterEventHandler(ctx context.Context, h events.EventHandler) {
	for _, t := range h.SupportedEvents() {
		d.RegisterHandler(ctx, t, h.HandleEvent)
	}
}

// EventTypes returns the registered detail types in a stable order.
func (d *Dispatcher) EventTypes() []events.EventType {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]events.EventType, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HandlerNotFoundError reports an envelope whose detail type has no handler.
type HandlerNotFoundError struct {
	EventType events.EventType
	RecordID  string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for event type: %s (record: %s)", e.EventType, e.RecordID)
}

// Dispatch hands evt to its handler. An unknown detail type is acknowledged
// so it does not block the partition, and reported as a
// *HandlerNotFoundError.
func (d *Dispatcher) Dispatch(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	log := logger.NewLoggerContext(d.logger.With(
		"operation", "dispatch",
		"event_type", evt.Type,
		"record_id", evt.Metadata.RecordID,
	))
	ctx, span := d.tracer.Start(ctx, "event_dispatcher.handle_event",
		trace.WithAttributes(
			attribute.String("event_type", string(evt.Type)),
			attribute.String("event_id", evt.Metadata.ID),
			attribute.String("record_id", evt.Metadata.RecordID),
		))
	defer span.End()

	d.mu.RLock()
	handler, exists := d.handlers[evt.Type]
	d.mu.RUnlock()
	if !exists {
		err := &HandlerNotFoundError{EventType: evt.Type, RecordID: evt.Metadata.RecordID}
		ack(nil)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := handler(ctx, evt, ack); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to dispatch event type %s: %w", evt.Type, err)
	}

	span.SetStatus(codes.Ok, "event dispatched successfully")
	log.Debug(ctx, "event dispatched successfully")
	return nil
}

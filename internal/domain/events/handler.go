package events

import "context"

// AckFunc acknowledges processing of a consumed event. A non-nil error marks
// the event as failed so the transport may redeliver it.
type AckFunc func(err error)

// HandlerFunc processes a single event envelope.
type HandlerFunc func(ctx context.Context, evt EventEnvelope, ack AckFunc) error

// EventHandler defines the contract for components that process domain events.
// Each handler declares which event types it can process; the event dispatcher
// routes envelopes to the handler registered for their type.
type EventHandler interface {
	// HandleEvent processes a domain event and returns an error if processing fails.
	HandleEvent(ctx context.Context, evt EventEnvelope, ack AckFunc) error

	// SupportedEvents returns the event types this handler can process.
	SupportedEvents() []EventType
}

package events

import "time"

// DomainEvent is implemented by every event the coordinator emits. The event
// type doubles as the wire "detail type" and selects the topic it is routed to.
type DomainEvent interface {
	EventType() EventType
	OccurredAt() time.Time
}

// EventEnvelope wraps a payload with the routing data the bus needs.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically the execution's
	// partition key so events for one jit event stay ordered.
	Key string

	// Source names the producer; outbound events carry "execution-service".
	Source string

	// Timestamp records when this event was created.
	Timestamp time.Time

	// Payload contains the decoded event detail. The concrete type depends on Type.
	Payload any

	// Metadata carries transport coordinates useful for logging.
	Metadata EventMetadata
}

// EventMetadata holds transport-specific position data for a consumed event.
type EventMetadata struct {
	// ID is the producer-assigned event id from the wire envelope.
	ID string
	// RecordID is the transport-assigned record id, stable across
	// redeliveries. It backs the idempotency key when ID is empty.
	RecordID  string
	Partition int32
	Offset    int64
}

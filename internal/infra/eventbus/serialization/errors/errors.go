package serializationerrors

import "fmt"

// ErrNilEvent indicates that a nil payload was provided for serialization.
type ErrNilEvent struct{ EventType string }

func (e ErrNilEvent) Error() string { return fmt.Sprintf("nil %s event", e.EventType) }

// ErrUnknownEventType indicates that no codec is registered for a detail type.
type ErrUnknownEventType struct{ EventType string }

func (e ErrUnknownEventType) Error() string {
	return fmt.Sprintf("no codec registered for detail type %q", e.EventType)
}

// ErrPayloadMismatch indicates that a payload's Go type does not match the
// codec registered for its detail type.
type ErrPayloadMismatch struct {
	EventType string
	Got       any
}

func (e ErrPayloadMismatch) Error() string {
	return fmt.Sprintf("payload %T does not match detail type %q", e.Got, e.EventType)
}

// ErrMalformedEnvelope indicates that a wire record could not be decoded.
type ErrMalformedEnvelope struct{ Err error }

func (e ErrMalformedEnvelope) Error() string { return fmt.Sprintf("malformed envelope: %v", e.Err) }

func (e ErrMalformedEnvelope) Unwrap() error { return e.Err }

// Package serialization provides a registry-based system for serializing and
// deserializing domain events in the event bus infrastructure. Each detail
// type maps to one Go payload type; the wire format is a JSON envelope that
// carries the detail type, the producing source and the JSON detail.
package serialization

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ahrav/execution-service/internal/domain/events"
	"github.com/ahrav/execution-service/internal/domain/execution"
	serrors "github.com/ahrav/execution-service/internal/infra/eventbus/serialization/errors"
)

// SerializeFunc converts a domain object into a serialized byte slice.
type SerializeFunc func(payload any) ([]byte, error)

// DeserializeFunc converts a serialized byte slice back into a domain object.
type DeserializeFunc func(data []byte) (any, error)

var (
	serializerRegistry   = map[events.EventType]SerializeFunc{}
	deserializerRegistry = map[events.EventType]DeserializeFunc{}
)

// RegisterSerializeFunc registers a serialization function for a given event type.
func RegisterSerializeFunc(eventType events.EventType, fn SerializeFunc) {
	serializerRegistry[eventType] = fn
}

// RegisterDeserializeFunc registers a deserialization function for a given event type.
func RegisterDeserializeFunc(eventType events.EventType, fn DeserializeFunc) {
	deserializerRegistry[eventType] = fn
}

// registerJSON binds eventType to the JSON codec of T. Payloads decode to T
// values, not pointers.
func registerJSON[T any](eventType events.EventType) {
	RegisterSerializeFunc(eventType, func(payload any) ([]byte, error) {
		switch v := payload.(type) {
		case T:
			return json.Marshal(v)
		case *T:
			if v == nil {
				return nil, serrors.ErrNilEvent{EventType: string(eventType)}
			}
			return json.Marshal(*v)
		default:
			return nil, serrors.ErrPayloadMismatch{EventType: string(eventType), Got: payload}
		}
	})
	RegisterDeserializeFunc(eventType, func(data []byte) (any, error) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("unmarshal %s detail: %w", eventType, err)
		}
		return v, nil
	})
}

// SerializePayload converts a domain object into bytes using the registered serializer for its event type.
func SerializePayload(eventType events.EventType, payload any) ([]byte, error) {
	fn, ok := serializerRegistry[eventType]
	if !ok {
		return nil, serrors.ErrUnknownEventType{EventType: string(eventType)}
	}
	return fn(payload)
}

// DeserializePayload converts bytes back into a domain object using the registered deserializer for its event type.
func DeserializePayload(eventType events.EventType, data []byte) (any, error) {
	fn, ok := deserializerRegistry[eventType]
	if !ok {
		return nil, serrors.ErrUnknownEventType{EventType: string(eventType)}
	}
	return fn(data)
}

// wireEnvelope is the record written to the transport.
type wireEnvelope struct {
	ID         string           `json:"id,omitempty"`
	DetailType events.EventType `json:"detail-type"`
	Source     string           `json:"source"`
	Time       time.Time        `json:"time"`
	Detail     json.RawMessage  `json:"detail"`
}

type identified interface{ ID() string }

// SerializeEventEnvelope encodes evt for the wire. The envelope id is taken
// from the payload when it carries one.
func SerializeEventEnvelope(evt events.EventEnvelope) ([]byte, error) {
	detail, err := SerializePayload(evt.Type, evt.Payload)
	if err != nil {
		return nil, err
	}

	w := wireEnvelope{
		ID:         evt.Metadata.ID,
		DetailType: evt.Type,
		Source:     evt.Source,
		Time:       evt.Timestamp.UTC(),
		Detail:     detail,
	}
	if p, ok := evt.Payload.(identified); ok && p.ID() != "" {
		w.ID = p.ID()
	}
	if w.Source == "" {
		w.Source = events.SourceExecutionService
	}
	return json.Marshal(w)
}

// UnmarshalEventEnvelope decodes a wire record into an envelope with its
// payload decoded by the registered deserializer.
func UnmarshalEventEnvelope(data []byte) (events.EventEnvelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return events.EventEnvelope{}, serrors.ErrMalformedEnvelope{Err: err}
	}
	if w.DetailType == "" {
		return events.EventEnvelope{}, serrors.ErrMalformedEnvelope{Err: fmt.Errorf("missing detail-type")}
	}

	payload, err := DeserializePayload(w.DetailType, w.Detail)
	if err != nil {
		return events.EventEnvelope{}, err
	}
	return events.EventEnvelope{
		Type:      w.DetailType,
		Source:    w.Source,
		Timestamp: w.Time,
		Payload:   payload,
		Metadata:  events.EventMetadata{ID: w.ID},
	}, nil
}

func init() {
	RegisterEventSerializers()
}

// RegisterEventSerializers registers a codec for every detail type the
// coordinator consumes or emits.
func RegisterEventSerializers() {
	registerJSON[execution.TriggerExecutionEvent](execution.EventTypeTriggerExecution)
	registerJSON[execution.RegisterExecutionEvent](execution.EventTypeRegisterExecution)
	registerJSON[execution.CompleteExecutionEvent](execution.EventTypeCompleteExecution)
	registerJSON[execution.UploadFindingsStatusEvent](execution.EventTypeUploadFindingsStatus)
	registerJSON[execution.EnrichmentCompletedEvent](execution.EventTypeEnrichmentCompleted)
	registerJSON[execution.OnFailureEvent](execution.EventTypeOnFailure)
	registerJSON[execution.RetryExecutionEvent](execution.EventTypeRetryExecution)

	registerJSON[execution.ExecutionRegisteredEvent](execution.EventTypeRegister)
	registerJSON[execution.DispatchStatusUpdatedEvent](execution.EventTypeDispatchStatusUpdated)
	registerJSON[execution.ExecutionCompletedEvent](execution.EventTypeExecutionCompleted)
	registerJSON[execution.ExecutionDeprovisionedEvent](execution.EventTypeExecutionDeprovisioned)
	registerJSON[execution.EnrichExecutionEvent](execution.EventTypeEnrichExecution)
	registerJSON[execution.ResourceAllocationInvokedEvent](execution.EventTypeResourceAllocationInvoked)
	registerJSON[execution.DispatchedMetricEvent](execution.EventTypeDispatchedMetric)
	registerJSON[execution.VendorFailureMetricEvent](execution.EventTypeVendorFailureMetric)
	registerJSON[execution.TriggerFailedEvent](execution.EventTypeTriggerFailed)
	registerJSON[execution.OperatorAlertEvent](execution.EventTypeOperatorAlert)
}

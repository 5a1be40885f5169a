package serialization

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/execution-service/internal/domain/events"
	"github.com/ahrav/execution-service/internal/domain/execution"
	serrors "github.com/ahrav/execution-service/internal/infra/eventbus/serialization/errors"
)

func TestEnvelopeCarriesDetailTypeAndSource(t *testing.T) {
	t.Parallel()

	key := execution.Key{TenantID: "T1", JitEventID: "J1", ExecutionID: "E1"}
	evt := execution.NewFailedCompletion(key, "boom")

	data, err := SerializeEventEnvelope(events.EventEnvelope{
		Type:      evt.EventType(),
		Timestamp: time.Now(),
		Payload:   evt,
	})
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.JSONEq(t, `"complete-execution"`, string(raw["detail-type"]))
	assert.JSONEq(t, `"execution-service"`, string(raw["source"]))
	assert.JSONEq(t, `"`+evt.EventID+`"`, string(raw["id"]))

	got, err := UnmarshalEventEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, execution.EventTypeCompleteExecution, got.Type)
	assert.Equal(t, evt.EventID, got.Metadata.ID)

	payload, ok := got.Payload.(execution.CompleteExecutionEvent)
	require.True(t, ok)
	assert.Equal(t, key, payload.Key())
	assert.Equal(t, execution.StatusFailed, payload.Status)
}

func TestSerializeRejectsWrongPayload(t *testing.T) {
	t.Parallel()

	_, err := SerializePayload(execution.EventTypeCompleteExecution, execution.TriggerExecutionEvent{})
	var mismatch serrors.ErrPayloadMismatch
	assert.ErrorAs(t, err, &mismatch)

	_, err = SerializePayload(events.EventType("unknown"), struct{}{})
	var unknown serrors.ErrUnknownEventType
	assert.ErrorAs(t, err, &unknown)
}

func TestUnmarshalMalformedEnvelope(t *testing.T) {
	t.Parallel()

	_, err := UnmarshalEventEnvelope([]byte(`{"detail":{}}`))
	var malformed serrors.ErrMalformedEnvelope
	assert.ErrorAs(t, err, &malformed)

	_, err = UnmarshalEventEnvelope([]byte(`not json`))
	assert.ErrorAs(t, err, &malformed)
}

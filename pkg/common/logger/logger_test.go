package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_RedactsSensitiveKeys(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := New(&buf, LevelDebug, "test", nil)

	log.Info(context.Background(), "dispatching", "callback_token", "abc123", "execution_id", "e1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, redactedValue, line["callback_token"])
	assert.Equal(t, "e1", line["execution_id"])
	assert.Equal(t, "test", line["service"])
}

func TestLogger_ErrorEventFires(t *testing.T) {
	t.Parallel()

	var got Record
	events := Events{Error: func(ctx context.Context, r Record) { got = r }}

	var buf bytes.Buffer
	log := NewWithMetadata(&buf, LevelInfo, "svc", func(context.Context) string { return "trace-1" }, events,
		map[string]string{"pod": "p-0"})

	log.With("component", "watchdog").Error(context.Background(), "terminate failed", "execution_id", "e9")

	assert.Equal(t, "terminate failed", got.Message)
	assert.Equal(t, "e9", got.Attributes["execution_id"])
	assert.Equal(t, "trace-1", got.Attributes["trace_id"])

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "p-0", line["pod"])
	assert.Equal(t, "watchdog", line["component"])
}

func TestLoggerContext_AccumulatesAttributes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lc := NewLoggerContext(New(&buf, LevelDebug, "svc", nil))
	lc.Add("tenant_id", "T1")
	lc.Info(context.Background(), "hello", "status", "PENDING")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "T1", line["tenant_id"])
	assert.Equal(t, "PENDING", line["status"])
}

func TestNoop_DiscardsEverything(t *testing.T) {
	t.Parallel()
	log := Noop()
	assert.NotPanics(t, func() {
		log.With("a", 1).Error(context.Background(), "ignored")
	})
}

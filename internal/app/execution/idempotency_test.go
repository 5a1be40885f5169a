package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/ahrav/execution-service/internal/domain/execution"
	memstore "github.com/ahrav/execution-service/internal/infra/storage/execution/memory"
	"github.com/ahrav/execution-service/pkg/common/logger"
)

func newGuard(failOnMissing bool) (*idempotencyGuard, *memstore.Store) {
	store := memstore.NewStore()
	cfg := DefaultConfig()
	cfg.FailOnMissingIdempotencyKey = failOnMissing
	return &idempotencyGuard{store: store, cfg: cfg, logger: logger.Noop()}, store
}

func TestIdempotencyGuard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("second run replays the first result", func(t *testing.T) {
		t.Parallel()
		g, _ := newGuard(true)
		calls := 0
		fn := func(context.Context) (any, error) {
			calls++
			return map[string]int{"call": calls}, nil
		}

		first, err := g.run(ctx, "k1", fn)
		require.NoError(t, err)
		assert.JSONEq(t, `{"call":1}`, string(first))

		second, err := g.run(ctx, "k1", fn)
		assert.ErrorIs(t, err, errReplayed)
		assert.JSONEq(t, `{"call":1}`, string(second))
		assert.Equal(t, 1, calls)
	})

	t.Run("failure releases the claim", func(t *testing.T) {
		t.Parallel()
		g, _ := newGuard(true)
		boom := errors.New("boom")

		_, err := g.run(ctx, "k1", func(context.Context) (any, error) { return nil, boom })
		assert.ErrorIs(t, err, boom)

		out, err := g.run(ctx, "k1", func(context.Context) (any, error) { return "ok", nil })
		require.NoError(t, err)
		assert.JSONEq(t, `"ok"`, string(out))
	})

	t.Run("in flight key asks for redelivery", func(t *testing.T) {
		t.Parallel()
		g, store := newGuard(true)
		_, acquired, err := store.Acquire(ctx, "k1", time.Hour)
		require.NoError(t, err)
		require.True(t, acquired)

		called := false
		_, err = g.run(ctx, "k1", func(context.Context) (any, error) {
			called = true
			return nil, nil
		})
		assert.ErrorIs(t, err, domain.ErrIdempotencyInProgress)
		assert.False(t, called)
	})

	t.Run("missing key", func(t *testing.T) {
		t.Parallel()
		strict, _ := newGuard(true)
		_, err := strict.run(ctx, "", func(context.Context) (any, error) { return "ok", nil })
		assert.ErrorIs(t, err, domain.ErrIdempotencyKeyMissing)

		lenient, _ := newGuard(false)
		out, err := lenient.run(ctx, "", func(context.Context) (any, error) { return "ok", nil })
		require.NoError(t, err)
		assert.JSONEq(t, `"ok"`, string(out))
	})
}

func TestPipeline_ReplayedEventIsAcked(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withManualChanges())

	rec := triggerRecord("J1", true)
	evt := domain.NewTriggerExecutionEvent(rec)
	h.publish(t, evt)
	first := h.published(domain.EventTypeTriggerExecution)
	require.Len(t, first, 1)

	h.broker.Redeliver(context.Background(), first[0])

	assert.Empty(t, h.broker.Failures())
	assert.Len(t, h.published(domain.EventTypeEnrichExecution), 1)
	assert.Equal(t, 1, h.adapter.dispatchCalls())
}

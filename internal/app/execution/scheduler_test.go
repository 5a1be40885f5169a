package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/ahrav/execution-service/internal/domain/execution"
)

func insertRecord(e *domain.Execution) domain.ChangeRecord {
	return domain.ChangeRecord{Kind: domain.ChangeInsert, Key: e.Key(), NewStatus: e.Status, NewImage: e}
}

func countStatus(h *harness, status domain.Status, keys ...domain.Key) int {
	n := 0
	for _, k := range keys {
		if h.status(k) == status {
			n++
		}
	}
	return n
}

func TestScheduler_CapacityAndRelease(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withManualChanges(), withConfig(func(c *Config) { c.DefaultMaxResourcesInUse = 1 }))
	ctx := context.Background()

	recs := []domain.TriggerRecord{
		withJob(triggerRecord("J1", false), "job-1"),
		withJob(triggerRecord("J1", false), "job-2"),
	}
	h.trigger(t, recs...)
	keys := []domain.Key{keyOf(recs[0]), keyOf(recs[1])}

	for _, k := range keys {
		require.NoError(t, h.svc.Scheduler.HandleChange(ctx, insertRecord(h.get(t, k))))
	}
	assert.Equal(t, 1, countStatus(h, domain.StatusDispatched, keys...))
	assert.Equal(t, 1, countStatus(h, domain.StatusPending, keys...))
	assert.Len(t, h.store.Tokens(), 1)

	var running, waiting domain.Key
	for _, k := range keys {
		if h.status(k) == domain.StatusDispatched {
			running = k
		} else {
			waiting = k
		}
	}

	require.NoError(t, h.svc.Updater.Complete(ctx, completion(running, domain.StatusCompleted).UpdateRequest))
	done := h.get(t, running)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	assert.Empty(t, h.store.Tokens())

	require.NoError(t, h.svc.Scheduler.HandleChange(ctx, domain.ChangeRecord{
		Kind:      domain.ChangeModify,
		Key:       running,
		OldStatus: domain.StatusDispatched,
		NewStatus: domain.StatusCompleted,
		NewImage:  done,
	}))
	assert.Equal(t, domain.StatusDispatched, h.status(waiting))
	assert.Len(t, h.store.Tokens(), 1)
}

func TestScheduler_IgnoresIrrelevantChanges(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withManualChanges())
	ctx := context.Background()

	rec := triggerRecord("J1", false)
	h.trigger(t, rec)
	e := h.get(t, keyOf(rec))

	tests := []struct {
		name string
		rec  domain.ChangeRecord
	}{
		{
			name: "modify between non terminal states",
			rec:  domain.ChangeRecord{Kind: domain.ChangeModify, Key: e.Key(), OldStatus: domain.StatusDispatched, NewStatus: domain.StatusRunning, NewImage: e},
		},
		{
			name: "insert of a non pending row",
			rec:  domain.ChangeRecord{Kind: domain.ChangeInsert, Key: e.Key(), NewStatus: domain.StatusDispatching, NewImage: e},
		},
		{
			name: "terminal transition from a slotless status",
			rec:  domain.ChangeRecord{Kind: domain.ChangeModify, Key: e.Key(), OldStatus: domain.StatusPending, NewStatus: domain.StatusFailed, NewImage: e},
		},
	}
	for _, tt := range tests {
		require.NoError(t, h.svc.Scheduler.HandleChange(ctx, tt.rec), tt.name)
	}

	assert.Equal(t, domain.StatusPending, h.status(e.Key()))
	assert.Empty(t, h.published(domain.EventTypeEnrichExecution))
}

func TestScheduler_FallsBackToSiblingRunner(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withManualChanges())
	ctx := context.Background()

	legacy := newFakeAdapter(domain.RunnerGitHubActionsLegacy)
	h.deps.Runners = fakeRegistry{
		domain.RunnerGitHubActions:       h.adapter,
		domain.RunnerGitHubActionsLegacy: legacy,
	}

	rec := withJob(triggerRecord("J2", false), "legacy-job")
	rec.Context.Job.Runner.Type = domain.RunnerGitHubActionsLegacy
	waiting := rec.ToExecution(time.Now(), time.Hour)
	require.NoError(t, h.store.PutNew(ctx, waiting))

	finished := triggerRecord("J1", false).ToExecution(time.Now(), time.Hour)
	finished.Status = domain.StatusCompleted

	require.NoError(t, h.svc.Scheduler.HandleChange(ctx, domain.ChangeRecord{
		Kind:      domain.ChangeModify,
		Key:       finished.Key(),
		OldStatus: domain.StatusRunning,
		NewStatus: domain.StatusCompleted,
		NewImage:  finished,
	}))

	assert.Equal(t, domain.StatusDispatched, h.status(waiting.Key()))
	assert.Equal(t, 1, legacy.dispatchCalls())
	assert.Zero(t, h.adapter.dispatchCalls())
}

func TestScheduler_NothingPending(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withManualChanges())

	finished := triggerRecord("J1", false).ToExecution(time.Now(), time.Hour)
	finished.Status = domain.StatusFailed

	err := h.svc.Scheduler.HandleChange(context.Background(), domain.ChangeRecord{
		Kind:      domain.ChangeModify,
		Key:       finished.Key(),
		OldStatus: domain.StatusDispatched,
		NewStatus: domain.StatusFailed,
		NewImage:  finished,
	})
	require.NoError(t, err)
	assert.Empty(t, h.published(domain.EventTypeEnrichExecution))
	assert.Empty(t, h.store.Tokens())
}

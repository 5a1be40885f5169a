package execution

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/ahrav/execution-service/internal/domain/execution"
)

func updateRequest(key domain.Key) domain.UpdateRequest {
	return domain.UpdateRequest{TenantID: key.TenantID, JitEventID: key.JitEventID, ExecutionID: key.ExecutionID}
}

func TestUpdater_HTTPLifecycleWithFindings(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	rec := triggerRecord("J1", true)
	h.trigger(t, rec)
	key := keyOf(rec)
	require.Equal(t, domain.StatusDispatched, h.status(key))

	running, err := h.svc.Updater.Register(ctx, updateRequest(key))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, running.Status)
	assert.NotNil(t, running.RegisteredAt)
	assert.Len(t, h.published(domain.EventTypeRegister), 1)

	_, err = h.svc.Updater.UploadFindings(ctx, domain.UploadFindingsRequest{
		TenantID:              key.TenantID,
		JitEventID:            key.JitEventID,
		ExecutionID:           key.ExecutionID,
		UploadFindingsStatus:  "COMPLETED",
		PlanItemsWithFindings: []string{"p-secrets"},
		HasFindings:           true,
	})
	require.NoError(t, err)

	failure := domain.ControlStatusFailure
	hasFindings := true
	req := updateRequest(key)
	req.ControlStatus = &failure
	req.HasFindings = &hasFindings
	done, err := h.svc.Updater.UpdateControlStatus(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	require.NotNil(t, done.HasFindings)
	assert.True(t, *done.HasFindings)
	assert.Equal(t, []string{"p-secrets"}, done.PlanItemsWithFindings)

	eventually(t, func() bool { return len(h.store.Tokens()) == 0 })
	eventually(t, func() bool { return len(h.published(domain.EventTypeExecutionCompleted)) == 1 })

	// A second report after the terminal write returns the stored row.
	again, err := h.svc.Updater.UpdateControlStatus(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, again.Status)
}

func TestUpdater_RegisterRejections(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withManualChanges())
	ctx := context.Background()

	_, err := h.svc.Updater.Register(ctx, domain.UpdateRequest{TenantID: "T1"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = h.svc.Updater.Register(ctx, updateRequest(domain.Key{TenantID: "T1", JitEventID: "J1", ExecutionID: "nope"}))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	rec := triggerRecord("J1", false)
	h.trigger(t, rec)
	_, err = h.svc.Updater.Register(ctx, updateRequest(keyOf(rec)))
	var conflict *domain.StatusTransitionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, domain.StatusPending, conflict.From)
	assert.Equal(t, domain.StatusRunning, conflict.To)
}

func TestUpdater_UploadFindingsRequiresRunning(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withManualChanges())

	rec := triggerRecord("J1", true)
	h.trigger(t, rec)
	key := keyOf(rec)

	_, err := h.svc.Updater.UploadFindings(context.Background(), domain.UploadFindingsRequest{
		TenantID:             key.TenantID,
		JitEventID:           key.JitEventID,
		ExecutionID:          key.ExecutionID,
		UploadFindingsStatus: "COMPLETED",
		HasFindings:          true,
	})
	var cf *domain.ConditionFailedError
	require.ErrorAs(t, err, &cf)
	assert.Nil(t, h.get(t, key).HasFindings)
}

func TestUpdater_MarkDispatchedMissingExecution(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withManualChanges())

	key := domain.Key{TenantID: "T1", JitEventID: "J1", ExecutionID: "ghost"}
	err := h.svc.Updater.MarkDispatched(context.Background(), domain.NewDispatchStatusUpdatedEvent(key, "R", h.deps.now()))
	require.NoError(t, err)

	assert.Len(t, h.published(domain.EventTypeOperatorAlert), 1)
	completions := h.published(domain.EventTypeCompleteExecution)
	require.Len(t, completions, 1)
	evt, ok := completions[0].Payload.(domain.CompleteExecutionEvent)
	require.True(t, ok)
	assert.Equal(t, domain.StatusFailed, evt.Status)
	assert.Empty(t, h.broker.Failures())
}

func TestUpdater_VendorJobStartAndValidateDispatched(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withManualChanges())
	ctx := context.Background()

	rec := triggerRecord("J1", false)
	h.trigger(t, rec)
	key := keyOf(rec)

	_, err := h.svc.Updater.ValidateDispatched(ctx, domain.ValidateDispatchedRequest{Key: key})
	var notDispatched *domain.NotDispatchedError
	require.ErrorAs(t, err, &notDispatched)

	require.NoError(t, h.svc.Scheduler.HandleChange(ctx, insertRecord(h.get(t, key))))
	require.Equal(t, domain.StatusDispatched, h.status(key))

	e, err := h.svc.Updater.ValidateDispatched(ctx, domain.ValidateDispatchedRequest{Key: key, TargetAssetName: "repo-a"})
	require.NoError(t, err)
	assert.Equal(t, key, e.Key())

	_, err = h.svc.Updater.ValidateDispatched(ctx, domain.ValidateDispatchedRequest{Key: key, TargetAssetName: "repo-b"})
	var mismatch *domain.AssetMismatchError
	require.ErrorAs(t, err, &mismatch)

	updated, err := h.svc.Updater.VendorJobStart(ctx, domain.VendorJobIDUpdateRequest{
		TenantID:    key.TenantID,
		JitEventID:  key.JitEventID,
		ExecutionID: key.ExecutionID,
		RunID:       "run-42",
	})
	require.NoError(t, err)
	assert.Equal(t, "run-42", updated.RunID)
	assert.Equal(t, domain.StatusDispatched, updated.Status)

	_, err = h.svc.Updater.VendorJobStart(ctx, domain.VendorJobIDUpdateRequest{TenantID: "T1"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestUpdater_FailFromDestination(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withManualChanges())
	ctx := context.Background()

	direct := triggerRecord("J1", true)
	listed := triggerRecord("J2", true)
	h.trigger(t, direct, listed)
	never := triggerRecord("J3", true)

	directKey := keyOf(direct)
	require.NoError(t, h.svc.Updater.FailFromDestination(ctx, domain.OnFailureEvent{
		RequestID: "req-1",
		Execution: &directKey,
	}))
	assert.Equal(t, domain.StatusFailed, h.status(directKey))

	require.NoError(t, h.svc.Updater.FailFromDestination(ctx, domain.OnFailureEvent{
		RequestID: "req-2",
		Reason:    "function timed out",
		FailedTriggers: []domain.FailedTrigger{
			{Record: listed, Reason: "function timed out"},
			{Record: never, Reason: "function timed out"},
		},
	}))
	listedRow := h.get(t, keyOf(listed))
	assert.Equal(t, domain.StatusFailed, listedRow.Status)
	require.NotEmpty(t, listedRow.Errors)
	assert.Equal(t, domain.ErrorTypeInternal, listedRow.Errors[len(listedRow.Errors)-1].ErrorType)

	failed := h.published(domain.EventTypeTriggerFailed)
	require.Len(t, failed, 1)
	evt, ok := failed[0].Payload.(domain.TriggerFailedEvent)
	require.True(t, ok)
	assert.Equal(t, "J3", evt.Record.Context.JitEvent.ID)
}

func TestUpdater_EnrichmentCompleted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withManualChanges())
	ctx := context.Background()

	rec := triggerRecord("J1", true)
	h.trigger(t, rec)
	key := keyOf(rec)

	output := json.RawMessage(`{"enriched":true}`)
	require.NoError(t, h.svc.Updater.EnrichmentCompleted(ctx, domain.EnrichmentCompletedEvent{Key: key, Success: true, Output: output}))
	require.NoError(t, h.svc.Updater.EnrichmentCompleted(ctx, domain.EnrichmentCompletedEvent{Key: key, Cause: "no manifest"}))
	require.NoError(t, h.svc.Updater.EnrichmentCompleted(ctx, domain.EnrichmentCompletedEvent{
		Key:     domain.Key{TenantID: "T1", JitEventID: "J1", ExecutionID: "ghost"},
		Success: true,
	}))

	h.workflow.mu.Lock()
	defer h.workflow.mu.Unlock()
	require.Len(t, h.workflow.calls, 2)
	assert.Equal(t, workflowCall{token: "tt-1", success: true, output: output}, h.workflow.calls[0])
	assert.Equal(t, workflowCall{token: "tt-1", code: "EnrichmentFailed"}, h.workflow.calls[1])
}

package execution

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTriggerRecord(eventName string, runner RunnerType, vendor string) TriggerRecord {
	return TriggerRecord{
		TenantID:     "T1",
		PlanItemSlug: "item-secrets",
		ControlName:  "gitleaks",
		ControlType:  ControlTypeDetection,
		TaskToken:    "tok",
		Context: Context{
			JitEvent: JitEvent{ID: "J1", Name: eventName},
			Asset:    Asset{ID: "A1", Name: "repo", Type: "repo", Vendor: vendor, IsActive: true},
			Job:      Job{Name: "secret-detection", Runner: Runner{Type: runner}},
			Workflow: Workflow{Slug: "wf"},
		},
	}
}

func TestTriggerRecord_EffectivePriority(t *testing.T) {
	t.Parallel()

	pr := newTriggerRecord("pull_request_updated", RunnerGitHubActions, "github")
	assert.Equal(t, PriorityHigh, pr.EffectivePriority())

	scheduled := newTriggerRecord("item_activated", RunnerGitHubActions, "github")
	assert.Equal(t, PriorityLow, scheduled.EffectivePriority())

	scheduled.Priority = PriorityHigh
	assert.Equal(t, PriorityHigh, scheduled.EffectivePriority())
}

func TestTriggerRecord_ExecutionIDIsStable(t *testing.T) {
	t.Parallel()

	a := newTriggerRecord("item_activated", RunnerGitHubActions, "github")
	b := newTriggerRecord("item_activated", RunnerGitHubActions, "github")
	assert.Equal(t, a.ExecutionID(), b.ExecutionID())

	b.RetryCount = 1
	assert.NotEqual(t, a.ExecutionID(), b.ExecutionID())
	assert.Equal(t, "trigger#T1#J1#A1#wf#secret-detection#1", b.IdempotencyKey())
}

func TestTriggerRecord_ValidateShape(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		runner        RunnerType
		vendor        string
		wantNotSupErr bool
	}{
		{name: "github actions on github", runner: RunnerGitHubActions, vendor: "github"},
		{name: "vendor case ignored", runner: RunnerGitLabCI, vendor: "GitLab"},
		{name: "gitlab runner on github asset", runner: RunnerGitLabCI, vendor: "github", wantNotSupErr: true},
		{name: "cloud batch on any vendor", runner: RunnerAWSBatch, vendor: "gcp"},
		{name: "unknown runner", runner: "jenkins", vendor: "github", wantNotSupErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := newTriggerRecord("item_activated", tt.runner, tt.vendor).ValidateShape()
			if !tt.wantNotSupErr {
				assert.NoError(t, err)
				return
			}
			var nse *RunnerNotSupportedError
			assert.True(t, errors.As(err, &nse))
		})
	}
}

func TestTriggerRecord_ToExecution(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	rec := newTriggerRecord("pull_request_created", RunnerGitHubActions, "github")
	rec.Context.Job.Runner.Setup = map[string]string{"repo": "jit"}

	e := rec.ToExecution(now, 24*time.Hour)
	assert.Equal(t, Key{TenantID: "T1", JitEventID: "J1", ExecutionID: rec.ExecutionID()}, e.Key())
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, PriorityHigh, e.Priority)
	assert.Equal(t, ResourceType("github_actions_high_priority"), e.ResourceType)
	assert.False(t, ShouldManageResource(e.ResourceType))
	assert.Equal(t, now.Unix(), e.CreatedAtTS)
	assert.Equal(t, now.Add(24*time.Hour).Unix(), e.TTL)
	assert.Equal(t, "tok", e.TaskToken)

	rec.Context.Job.Runner.Setup["repo"] = "changed"
	assert.Equal(t, "jit", e.Context.Job.Runner.Setup["repo"])
}

func TestUpdateRequest_CompletionStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, StatusCompleted, UpdateRequest{}.CompletionStatus())
	assert.Equal(t, StatusFailed, UpdateRequest{ControlStatus: ptr(ControlStatusFailure)}.CompletionStatus())
	assert.Equal(t, StatusControlTimeout, UpdateRequest{ControlStatus: ptr(ControlStatusTimeout)}.CompletionStatus())
	assert.Equal(t, StatusWatchdogTimeout, UpdateRequest{Status: StatusWatchdogTimeout}.CompletionStatus())
}

func TestValidateDispatchedRequest_Check(t *testing.T) {
	t.Parallel()

	e := &Execution{TenantID: "t", JitEventID: "j", ExecutionID: "x", Status: StatusDispatched, AssetName: "repo"}
	assert.NoError(t, ValidateDispatchedRequest{}.Check(e))
	assert.NoError(t, ValidateDispatchedRequest{TargetAssetName: "repo"}.Check(e))

	var mismatch *AssetMismatchError
	assert.ErrorAs(t, ValidateDispatchedRequest{TargetAssetName: "other"}.Check(e), &mismatch)

	e.Status = StatusRunning
	var notDispatched *NotDispatchedError
	assert.ErrorAs(t, ValidateDispatchedRequest{}.Check(e), &notDispatched)
}

func TestEvents_CarryTenant(t *testing.T) {
	t.Parallel()

	e := &Execution{TenantID: "T1", JitEventID: "J1", ExecutionID: "X1", Status: StatusCompleted, JobRunner: RunnerAWSBatch}
	for _, ev := range []any{
		NewExecutionCompletedEvent(e),
		NewExecutionDeprovisionedEvent(e),
		NewDispatchedMetricEvent(e, "run"),
		NewVendorFailureMetricEvent(e, nil),
		NewResourceAllocationInvokedEvent(e, time.Now()),
		NewEnrichExecutionEvent(e),
		NewFailedCompletion(e.Key(), "boom"),
	} {
		b, err := json.Marshal(ev)
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(b, &m))
		assert.Equal(t, "T1", m["tenant_id"], "%T", ev)
	}
}

func TestEventIdempotencyKey(t *testing.T) {
	t.Parallel()

	k, err := EventIdempotencyKey(EventTypeCompleteExecution, "e1", "r1")
	require.NoError(t, err)
	assert.Equal(t, "complete-execution#e1", k)

	k, err = EventIdempotencyKey(EventTypeCompleteExecution, "", "r1")
	require.NoError(t, err)
	assert.Equal(t, "complete-execution#record#r1", k)

	_, err = EventIdempotencyKey(EventTypeCompleteExecution, "", "")
	assert.ErrorIs(t, err, ErrIdempotencyKeyMissing)

	_, err = OnFailureIdempotencyKey("")
	assert.ErrorIs(t, err, ErrIdempotencyKeyMissing)
}

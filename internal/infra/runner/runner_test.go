package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/execution-service/internal/domain/execution"
)

type stubAdapter struct{ Base }

func (stubAdapter) Dispatch(context.Context, []*execution.Execution, string) (string, error) {
	return "", nil
}
func (stubAdapter) Terminate(context.Context, *execution.Execution) error { return nil }
func (stubAdapter) ExecutionFailureReason(context.Context, *execution.Execution) (*execution.FailureReason, error) {
	return nil, nil
}
func (stubAdapter) LogsURL(*execution.Execution) string { return "" }

func TestRegistryResolvesByFamilyAndVendor(t *testing.T) {
	t.Parallel()

	actions := stubAdapter{Base{Type: execution.RunnerGitHubActions}}
	batch := stubAdapter{Base{Type: execution.RunnerAWSBatch}}
	reg, err := NewRegistry(actions, batch)
	require.NoError(t, err)

	tests := []struct {
		name    string
		runner  execution.RunnerType
		want    execution.RunnerType
		wantErr bool
	}{
		{name: "exact", runner: execution.RunnerGitHubActions, want: execution.RunnerGitHubActions},
		{name: "legacy ci sibling shares the adapter", runner: execution.RunnerGitHubActionsLegacy, want: execution.RunnerGitHubActions},
		{name: "cloud batch", runner: execution.RunnerAWSBatch, want: execution.RunnerAWSBatch},
		{name: "unregistered vendor", runner: execution.RunnerGCPBatch, wantErr: true},
		{name: "unknown runner", runner: "jenkins", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, err := reg.Adapter(tt.runner)
			if tt.wantErr {
				var notSupported *execution.RunnerNotSupportedError
				assert.ErrorAs(t, err, &notSupported)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.RunnerType())
		})
	}

	assert.Error(t, reg.Register(stubAdapter{Base{Type: execution.RunnerGitHubActionsLegacy}}))
}

func TestTimeoutPolicy(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := NewTimeoutPolicy(DefaultCITimeouts()).WithClock(func() time.Time { return now })

	plain := &execution.Execution{JobRunner: execution.RunnerGitHubActions}
	pr := &execution.Execution{
		JobRunner: execution.RunnerGitHubActions,
		Context:   execution.Context{JitEvent: execution.JitEvent{Name: "pull_request_created"}},
	}
	overridden := &execution.Execution{
		JobRunner: execution.RunnerGitHubActions,
		Context: execution.Context{
			JitEvent: execution.JitEvent{Name: "pull_request_updated"},
			Config: execution.TenantConfig{ResourceManagement: execution.ResourceManagement{
				RunnerConfig: map[execution.RunnerType]execution.RunnerConfig{
					execution.RunnerGitHubActions: {PRJobExecutionTimeoutMinutes: 5, JobSetupTimeoutMinutes: 1},
				},
			}},
		},
	}

	tests := []struct {
		name   string
		e      *execution.Execution
		status execution.Status
		want   time.Duration
	}{
		{"setup", plain, execution.StatusDispatching, 30 * time.Minute},
		{"dispatched shares setup", plain, execution.StatusDispatched, 30 * time.Minute},
		{"running", plain, execution.StatusRunning, 120 * time.Minute},
		{"pr setup", pr, execution.StatusDispatching, 15 * time.Minute},
		{"pr running", pr, execution.StatusRunning, 30 * time.Minute},
		{"tenant pr override", overridden, execution.StatusRunning, 5 * time.Minute},
		{"non-pr override ignored for pr events", overridden, execution.StatusDispatching, 15 * time.Minute},
		{"terminal has none", plain, execution.StatusCompleted, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, p.Duration(tt.e, tt.status))
			assert.Equal(t, now.Add(tt.want), p.Deadline(tt.e, tt.status))
		})
	}
}

package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	t.Parallel()

	for _, s := range AllStatuses {
		got, err := ParseStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	_, err := ParseStatus("QUEUED")
	assert.ErrorIs(t, err, ErrStatusUnknown)
}

func TestStatus_Sets(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   Status
		terminal bool
		timeout  bool
	}{
		{StatusPending, false, false},
		{StatusDispatching, false, true},
		{StatusDispatched, false, true},
		{StatusRunning, false, true},
		{StatusCompleted, true, false},
		{StatusFailed, true, false},
		{StatusCanceled, true, false},
		{StatusControlTimeout, true, false},
		{StatusWatchdogTimeout, true, false},
		{StatusRetry, true, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.status.String(), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
			assert.Equal(t, tt.timeout, tt.status.HasTimeout())
			assert.Equal(t, tt.timeout, tt.status.HoldsResource())
		})
	}
}

func TestDecide(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		current Status
		target  Status
		want    Decision
	}{
		{name: "pending to dispatching", current: StatusPending, target: StatusDispatching, want: DecisionAllow},
		{name: "pending to canceled", current: StatusPending, target: StatusCanceled, want: DecisionAllow},
		{name: "pending to failed", current: StatusPending, target: StatusFailed, want: DecisionAllow},
		{name: "pending to dispatched skips a step", current: StatusPending, target: StatusDispatched, want: DecisionConflict},
		{name: "pending to running", current: StatusPending, target: StatusRunning, want: DecisionConflict},
		{name: "pending to completed", current: StatusPending, target: StatusCompleted, want: DecisionConflict},
		{name: "pending to retry", current: StatusPending, target: StatusRetry, want: DecisionConflict},
		{name: "dispatching to dispatched", current: StatusDispatching, target: StatusDispatched, want: DecisionAllow},
		{name: "dispatching to running", current: StatusDispatching, target: StatusRunning, want: DecisionAllow},
		{name: "dispatching to retry", current: StatusDispatching, target: StatusRetry, want: DecisionAllow},
		{name: "dispatching to completed", current: StatusDispatching, target: StatusCompleted, want: DecisionAllow},
		{name: "dispatching to canceled", current: StatusDispatching, target: StatusCanceled, want: DecisionConflict},
		{name: "dispatched to running", current: StatusDispatched, target: StatusRunning, want: DecisionAllow},
		{name: "dispatched to retry", current: StatusDispatched, target: StatusRetry, want: DecisionAllow},
		{name: "dispatched to watchdog timeout", current: StatusDispatched, target: StatusWatchdogTimeout, want: DecisionAllow},
		{name: "dispatched to dispatching goes backwards", current: StatusDispatched, target: StatusDispatching, want: DecisionConflict},
		{name: "running to completed", current: StatusRunning, target: StatusCompleted, want: DecisionAllow},
		{name: "running to control timeout", current: StatusRunning, target: StatusControlTimeout, want: DecisionAllow},
		{name: "running to failed", current: StatusRunning, target: StatusFailed, want: DecisionAllow},
		{name: "running to retry", current: StatusRunning, target: StatusRetry, want: DecisionConflict},
		{name: "running to running", current: StatusRunning, target: StatusRunning, want: DecisionConflict},
		{name: "completed to completed", current: StatusCompleted, target: StatusCompleted, want: DecisionNoop},
		{name: "completed to running", current: StatusCompleted, target: StatusRunning, want: DecisionConflict},
		{name: "completed to failed", current: StatusCompleted, target: StatusFailed, want: DecisionConflict},
		{name: "failed to completed", current: StatusFailed, target: StatusCompleted, want: DecisionConflict},
		{name: "watchdog timeout to completed", current: StatusWatchdogTimeout, target: StatusCompleted, want: DecisionConflict},
		{name: "retry to failed", current: StatusRetry, target: StatusFailed, want: DecisionConflict},
		{name: "canceled to dispatching", current: StatusCanceled, target: StatusDispatching, want: DecisionConflict},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Decide(tt.current, tt.target))
		})
	}
}

func TestValidateTransition_Errors(t *testing.T) {
	t.Parallel()

	err := ValidateTransition(StatusCompleted, StatusRunning)
	var conflict *StatusTransitionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, StatusCompleted, conflict.From)
	assert.Equal(t, StatusRunning, conflict.To)
	assert.True(t, IsExpectedRace(err))

	err = ValidateTransition(StatusCompleted, StatusCompleted)
	var multi *MultipleCompletesError
	require.ErrorAs(t, err, &multi)
	assert.True(t, IsExpectedRace(err))

	assert.NoError(t, ValidateTransition(StatusDispatched, StatusRunning))
}

// Every allowed transition must also move strictly forward in the total order.
func TestAllowedPredecessors_Monotone(t *testing.T) {
	t.Parallel()

	for _, target := range AllStatuses {
		for _, pred := range AllowedPredecessors(target) {
			assert.Less(t, pred.rank(), target.rank(), "%s -> %s", pred, target)
			assert.False(t, pred.IsTerminal(), "%s -> %s", pred, target)
		}
	}
	assert.Empty(t, AllowedPredecessors(StatusPending))
}

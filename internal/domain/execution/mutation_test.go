package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestMutation_Validate(t *testing.T) {
	t.Parallel()

	deadline := time.Now().Add(time.Hour)
	tests := []struct {
		name    string
		m       Mutation
		wantErr bool
	}{
		{name: "no status", m: Mutation{RunID: ptr("r")}},
		{name: "terminal without timeout", m: Mutation{Status: ptr(StatusCompleted)}},
		{name: "running with timeout", m: Mutation{Status: ptr(StatusRunning), ExecutionTimeout: &deadline}},
		{name: "running without timeout", m: Mutation{Status: ptr(StatusRunning)}, wantErr: true},
		{name: "dispatching without timeout", m: Mutation{Status: ptr(StatusDispatching)}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.m.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRequest)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestMutation_ApplyTimeout(t *testing.T) {
	t.Parallel()

	deadline := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := &Execution{Status: StatusPending}

	Mutation{Status: ptr(StatusDispatching), ExecutionTimeout: &deadline}.Apply(e)
	require.NotNil(t, e.ExecutionTimeout)
	assert.Equal(t, deadline, *e.ExecutionTimeout)

	later := deadline.Add(time.Hour)
	Mutation{ExecutionTimeout: &later}.Apply(e)
	assert.Equal(t, later, *e.ExecutionTimeout)

	Mutation{Status: ptr(StatusCompleted), ExecutionTimeout: &later}.Apply(e)
	assert.Equal(t, StatusCompleted, e.Status)
	assert.Nil(t, e.ExecutionTimeout, "leaving the timeout set drops the deadline")

	Mutation{ExecutionTimeout: &later}.Apply(e)
	assert.Nil(t, e.ExecutionTimeout, "terminal rows never regain a deadline")
}

func TestMutation_ApplyFields(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	e := &Execution{
		Status:               StatusRunning,
		Errors:               []ExecutionError{{ErrorType: ErrorTypeVendor}},
		AdditionalAttributes: map[string]any{"a": 1},
	}
	m := Mutation{
		CompletedAt:          &at,
		ControlStatus:        ptr(ControlStatusSuccess),
		HasFindings:          ptr(true),
		AppendErrors:         []ExecutionError{{ErrorType: ErrorTypeControl, IsRetryable: true}},
		AdditionalAttributes: map[string]any{"b": 2},
		IncrementRetryCount:  true,
	}
	require.False(t, m.IsEmpty())
	m.Apply(e)

	require.NotNil(t, e.CompletedAt)
	assert.Equal(t, at.UTC(), *e.CompletedAt)
	assert.Equal(t, at.Unix(), *e.CompletedAtTS)
	assert.Equal(t, ControlStatusSuccess, *e.ControlStatus)
	assert.True(t, *e.HasFindings)
	assert.Len(t, e.Errors, 2)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, e.AdditionalAttributes)
	assert.Equal(t, 1, e.RetryCount)

	// The mutation must not alias the execution.
	*m.HasFindings = false
	assert.True(t, *e.HasFindings)

	assert.True(t, Mutation{}.IsEmpty())
}

func TestCondition_Check(t *testing.T) {
	t.Parallel()

	e := &Execution{Status: StatusRunning}
	assert.Empty(t, Condition{}.Check(e))
	assert.Empty(t, StatusCondition(StatusCompleted).Check(e))
	assert.NotEmpty(t, StatusCondition(StatusDispatched).Check(e))

	c := Condition{StatusIn: []Status{StatusRunning}, HasFindingsAbsent: true, ControlStatusAbsent: true}
	assert.Empty(t, c.Check(e))

	e.HasFindings = ptr(false)
	assert.Equal(t, "has_findings already set", c.Check(e))

	e.HasFindings = nil
	e.ControlStatus = ptr(ControlStatusFailure)
	assert.Equal(t, "control_status already set", c.Check(e))
}

package runner

import (
	"time"

	"github.com/ahrav/execution-service/internal/domain/execution"
)

// TimeoutDefaults are the global status deadlines of a runner family. Tenants
// override them through context.config.resource_management.runner_config.
type TimeoutDefaults struct {
	JobSetup       time.Duration `mapstructure:"job_setup" validate:"omitempty,gt=0"`
	PRJobSetup     time.Duration `mapstructure:"pr_job_setup" validate:"omitempty,gt=0"`
	JobExecution   time.Duration `mapstructure:"job_execution" validate:"omitempty,gt=0"`
	PRJobExecution time.Duration `mapstructure:"pr_job_execution" validate:"omitempty,gt=0"`
}

// DefaultCITimeouts suit hosted CI runners, which start quickly.
func DefaultCITimeouts() TimeoutDefaults {
	return TimeoutDefaults{
		JobSetup:       30 * time.Minute,
		PRJobSetup:     15 * time.Minute,
		JobExecution:   120 * time.Minute,
		PRJobExecution: 30 * time.Minute,
	}
}

// DefaultBatchTimeouts leave room for compute environments to scale up.
func DefaultBatchTimeouts() TimeoutDefaults {
	return TimeoutDefaults{
		JobSetup:       60 * time.Minute,
		PRJobSetup:     30 * time.Minute,
		JobExecution:   240 * time.Minute,
		PRJobExecution: 60 * time.Minute,
	}
}

// TimeoutPolicy turns durations into status-scoped absolute deadlines.
type TimeoutPolicy struct {
	defaults TimeoutDefaults
	now      func() time.Time
}

// NewTimeoutPolicy returns a policy over defaults using the wall clock.
func NewTimeoutPolicy(defaults TimeoutDefaults) TimeoutPolicy {
	return TimeoutPolicy{defaults: defaults, now: time.Now}
}

// WithClock returns a copy of p reading time from now.
func (p TimeoutPolicy) WithClock(now func() time.Time) TimeoutPolicy {
	p.now = now
	return p
}

// Duration returns the allowance for e in status. DISPATCHING and DISPATCHED
// share the setup allowance; RUNNING gets the execution allowance. Statuses
// outside the timeout set yield zero.
func (p TimeoutPolicy) Duration(e *execution.Execution, status execution.Status) time.Duration {
	o := e.Context.RunnerOverrides(e.JobRunner)
	pr := e.IsPRRelated()

	pick := func(prMinutes, minutes int, prDefault, def time.Duration) time.Duration {
		if pr {
			if prMinutes > 0 {
				return time.Duration(prMinutes) * time.Minute
			}
			return prDefault
		}
		if minutes > 0 {
			return time.Duration(minutes) * time.Minute
		}
		return def
	}

	switch status {
	case execution.StatusDispatching, execution.StatusDispatched:
		return pick(o.PRJobSetupTimeoutMinutes, o.JobSetupTimeoutMinutes, p.defaults.PRJobSetup, p.defaults.JobSetup)
	case execution.StatusRunning:
		return pick(o.PRJobExecutionTimeoutMinutes, o.JobExecutionTimeoutMinutes, p.defaults.PRJobExecution, p.defaults.JobExecution)
	default:
		return 0
	}
}

// Deadline returns now plus the allowance for status, in UTC.
func (p TimeoutPolicy) Deadline(e *execution.Execution, status execution.Status) time.Time {
	return p.now().UTC().Add(p.Duration(e, status))
}

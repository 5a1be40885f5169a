package runner

import (
	"errors"
	"time"

	"github.com/ahrav/execution-service/internal/domain/execution"
)

// ErrNoRunID is returned by Terminate when the backend never reported a run id.
var ErrNoRunID = errors.New("execution has no backend run id")

// Base implements the parts of execution.RunnerAdapter every adapter shares.
type Base struct {
	Type     execution.RunnerType
	Timeouts TimeoutPolicy
}

// RunnerType returns the runner type the adapter is registered under.
func (b Base) RunnerType() execution.RunnerType { return b.Type }

// WatchdogTimeout returns the deadline for e entering status.
func (b Base) WatchdogTimeout(e *execution.Execution, status execution.Status) time.Time {
	return b.Timeouts.Deadline(e, status)
}

// ExecutionIDs lists the ids of executions in order.
func ExecutionIDs(executions []*execution.Execution) []string {
	ids := make([]string, 0, len(executions))
	for _, e := range executions {
		ids = append(ids, e.ExecutionID)
	}
	return ids
}

// SetupValue reads a runner setup parameter, falling back to def.
func SetupValue(e *execution.Execution, key, def string) string {
	if v := e.Context.Job.Runner.Setup[key]; v != "" {
		return v
	}
	return def
}

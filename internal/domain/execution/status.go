package execution

import (
	"errors"
	"fmt"
)

// Status represents the lifecycle state of an execution. Statuses advance
// monotonically through a total order; RETRY and CANCELED branch off from a
// small set of source states only.
type Status string

// ErrStatusUnknown is returned when a status string cannot be parsed.
var ErrStatusUnknown = errors.New("execution status unknown")

const (
	// StatusPending indicates the execution is waiting for a resource slot.
	StatusPending Status = "PENDING"

	// StatusDispatching indicates a slot is held and the backend dispatch is in flight.
	StatusDispatching Status = "DISPATCHING"

	// StatusDispatched indicates the backend accepted the dispatch.
	StatusDispatched Status = "DISPATCHED"

	// StatusRunning indicates the runner registered and the control is executing.
	StatusRunning Status = "RUNNING"

	// StatusCompleted indicates the control finished.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed indicates an unrecoverable error.
	StatusFailed Status = "FAILED"

	// StatusCanceled indicates a PENDING execution was withdrawn before dispatch.
	StatusCanceled Status = "CANCELED"

	// StatusControlTimeout indicates the control itself reported a timeout.
	StatusControlTimeout Status = "CONTROL_TIMEOUT"

	// StatusWatchdogTimeout indicates the watchdog forced termination after a
	// status deadline passed.
	StatusWatchdogTimeout Status = "WATCHDOG_TIMEOUT"

	// StatusRetry indicates the execution was superseded by a re-triggered attempt.
	StatusRetry Status = "RETRY"
)

// AllStatuses lists every status in total-order position.
var AllStatuses = []Status{
	StatusPending,
	StatusDispatching,
	StatusDispatched,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusCanceled,
	StatusControlTimeout,
	StatusWatchdogTimeout,
	StatusRetry,
}

// String returns the string representation of the Status.
func (s Status) String() string { return string(s) }

// ParseStatus converts a string to a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrStatusUnknown, s)
}

// rank places a status in the monotone total order. Every terminal status,
// including the RETRY and CANCELED branches, shares the top rank so that no
// terminal status can be followed by another.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusDispatching:
		return 1
	case StatusDispatched:
		return 2
	case StatusRunning:
		return 3
	case StatusCompleted, StatusFailed, StatusCanceled,
		StatusControlTimeout, StatusWatchdogTimeout, StatusRetry:
		return 4
	default:
		return -1
	}
}

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool { return s.rank() == 4 }

// HasTimeout reports whether an execution in status s must carry an
// execution_timeout deadline.
func (s Status) HasTimeout() bool {
	return s == StatusDispatching || s == StatusDispatched || s == StatusRunning
}

// HoldsResource reports whether an execution in status s holds a resource token.
func (s Status) HoldsResource() bool { return s.HasTimeout() }

// allowedPredecessors encodes, per target status, the statuses the stored row
// must be in for the write to apply.
var allowedPredecessors = map[Status][]Status{
	StatusDispatching:     {StatusPending},
	StatusDispatched:      {StatusDispatching},
	StatusRunning:         {StatusDispatching, StatusDispatched},
	StatusRetry:           {StatusDispatching, StatusDispatched},
	StatusCanceled:        {StatusPending},
	StatusCompleted:       {StatusDispatching, StatusDispatched, StatusRunning},
	StatusWatchdogTimeout: {StatusDispatching, StatusDispatched, StatusRunning},
	StatusFailed:          {StatusPending, StatusDispatching, StatusDispatched, StatusRunning},
	StatusControlTimeout:  {StatusDispatching, StatusDispatched, StatusRunning},
}

// AllowedPredecessors returns the statuses from which target may be entered.
// The returned slice must not be modified.
func AllowedPredecessors(target Status) []Status { return allowedPredecessors[target] }

// Decision is the outcome of evaluating a requested status change.
type Decision int

const (
	// DecisionAllow means the transition may be attempted.
	DecisionAllow Decision = iota
	// DecisionConflict means the transition violates the monotone order or
	// the allowed-predecessor table.
	DecisionConflict
	// DecisionNoop means the execution is already COMPLETED and a second
	// completion was requested.
	DecisionNoop
)

// Decide evaluates a requested change from current to target without side effects.
func Decide(current, target Status) Decision {
	if current == StatusCompleted && target == StatusCompleted {
		return DecisionNoop
	}
	if target.rank() <= current.rank() {
		return DecisionConflict
	}
	for _, p := range allowedPredecessors[target] {
		if p == current {
			return DecisionAllow
		}
	}
	return DecisionConflict
}

// ValidateTransition returns nil when the transition is allowed, a
// *MultipleCompletesError for a repeated completion, and a
// *StatusTransitionConflictError otherwise.
func ValidateTransition(current, target Status) error {
	switch Decide(current, target) {
	case DecisionAllow:
		return nil
	case DecisionNoop:
		return &MultipleCompletesError{}
	default:
		return &StatusTransitionConflictError{From: current, To: target}
	}
}

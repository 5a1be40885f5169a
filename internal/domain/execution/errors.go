package execution

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when an execution, its data or an asset is missing.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by PutNew for a duplicate identity triple.
	ErrAlreadyExists = errors.New("execution already exists")

	// ErrDataAlreadyRetrieved is returned on the second fetch of execution data.
	ErrDataAlreadyRetrieved = errors.New("execution data already retrieved")

	// ErrResourcePoolExhausted is returned when a runner pool has no free slot.
	ErrResourcePoolExhausted = errors.New("resource pool exhausted")

	// ErrIdempotencyKeyMissing is returned when an entry point cannot derive a key.
	ErrIdempotencyKeyMissing = errors.New("idempotency key missing")

	// ErrIdempotencyInProgress is returned while another worker holds a key.
	ErrIdempotencyInProgress = errors.New("idempotent operation in progress")

	// ErrTenantMismatch is returned when a request body names a different
	// tenant than the authorizer.
	ErrTenantMismatch = errors.New("tenant mismatch")

	// ErrInvalidRequest is returned for requests that fail validation.
	ErrInvalidRequest = errors.New("invalid request")
)

// NotFoundError identifies what could not be found.
type NotFoundError struct {
	Kind string
	Key  Key
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

// Unwrap lets callers match with errors.Is(err, ErrNotFound).
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// StatusTransitionConflictError reports a violation of the monotone status order.
type StatusTransitionConflictError struct {
	From Status `json:"from"`
	To   Status `json:"to"`
}

func (e *StatusTransitionConflictError) Error() string {
	return fmt.Sprintf("status transition conflict: %s -> %s", e.From, e.To)
}

// MultipleCompletesError reports a completion for an already COMPLETED execution.
type MultipleCompletesError struct {
	Key Key
}

func (e *MultipleCompletesError) Error() string {
	return fmt.Sprintf("execution %s already completed", e.Key)
}

// ConditionFailedError is returned by conditional writes whose condition did
// not hold. Current carries the stored row when it exists.
type ConditionFailedError struct {
	Key     Key
	Current *Execution
	Reason  string
}

func (e *ConditionFailedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("condition failed for %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("condition failed for %s", e.Key)
}

// DispatchError reports that a backend runner rejected a dispatch.
type DispatchError struct {
	Runner RunnerType
	Reason string
	Err    error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch to %s failed: %s: %v", e.Runner, e.Reason, e.Err)
	}
	return fmt.Sprintf("dispatch to %s failed: %s", e.Runner, e.Reason)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// RunnerNotSupportedError reports an unknown runner type or vendor shape.
type RunnerNotSupportedError struct {
	Runner RunnerType
	Vendor string
}

func (e *RunnerNotSupportedError) Error() string {
	return fmt.Sprintf("runner not supported: runner=%q vendor=%q", e.Runner, e.Vendor)
}

// AssetNotFoundReason is the error body written when an asset is missing or inactive.
const AssetNotFoundReason = "Asset not found"

// AssetNotFoundError reports a missing or inactive asset.
type AssetNotFoundError struct {
	TenantID string
	AssetID  string
	Inactive bool
}

func (e *AssetNotFoundError) Error() string {
	if e.Inactive {
		return fmt.Sprintf("asset %s inactive for tenant %s", e.AssetID, e.TenantID)
	}
	return fmt.Sprintf("asset %s not found for tenant %s", e.AssetID, e.TenantID)
}

// DependencyFailureError wraps failures of upstream services such as auth or secrets.
type DependencyFailureError struct {
	Dependency string
	Err        error
}

func (e *DependencyFailureError) Error() string {
	return fmt.Sprintf("dependency %s failed: %v", e.Dependency, e.Err)
}

func (e *DependencyFailureError) Unwrap() error { return e.Err }

// NotDispatchedError is raised by validate-dispatched when the execution is
// not awaiting its runner.
type NotDispatchedError struct {
	Key    Key
	Status Status
}

func (e *NotDispatchedError) Error() string {
	return fmt.Sprintf("execution %s is %s, expected DISPATCHING or DISPATCHED", e.Key, e.Status)
}

// AssetMismatchError is raised by validate-dispatched when the caller names a
// different target asset.
type AssetMismatchError struct {
	Expected string
	Got      string
}

func (e *AssetMismatchError) Error() string {
	return fmt.Sprintf("target asset mismatch: expected %q, got %q", e.Expected, e.Got)
}

// FailedTrigger pairs a trigger record with the reason it could not be processed.
type FailedTrigger struct {
	Record TriggerRecord `json:"record"`
	Reason string        `json:"reason"`
}

// FailedTriggersError summarizes the records of a bulk trigger that raised
// unexpected errors, so the transport redelivers only those.
type FailedTriggersError struct {
	Failed []FailedTrigger `json:"failed_triggers"`
}

func (e *FailedTriggersError) Error() string {
	reasons := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		reasons = append(reasons, f.Reason)
	}
	return fmt.Sprintf("%d trigger(s) failed: %s", len(e.Failed), strings.Join(reasons, "; "))
}

// IsExpectedRace reports whether err is one of the conflicts that concurrent
// handlers routinely produce and that event paths log and swallow.
func IsExpectedRace(err error) bool {
	var conflict *StatusTransitionConflictError
	var multi *MultipleCompletesError
	return errors.As(err, &conflict) || errors.As(err, &multi)
}

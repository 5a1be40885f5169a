// Package execution provides the domain model for control executions: the
// entity, its status state machine, the persistence ports and the contract
// every backend runner adapter fulfills.
package execution

import (
	"fmt"
	"time"
)

// Key is the identity triple of an execution. It is globally unique.
type Key struct {
	TenantID    string `json:"tenant_id" validate:"required"`
	JitEventID  string `json:"jit_event_id" validate:"required"`
	ExecutionID string `json:"execution_id" validate:"required"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.TenantID, k.JitEventID, k.ExecutionID)
}

// PK returns the partition key of the wide table row.
func (k Key) PK() string { return fmt.Sprintf("TENANT#%s#JIT_EVENT#%s", k.TenantID, k.JitEventID) }

// SK returns the sort key of the execution row.
func (k Key) SK() string { return fmt.Sprintf("EXECUTION#%s", k.ExecutionID) }

// DataSK returns the sort key of the sibling execution data row.
func (k Key) DataSK() string { return fmt.Sprintf("EXECUTION#%s#ENTITY#execution_data", k.ExecutionID) }

// Priority determines whether an execution waits for a resource slot.
type Priority string

const (
	PriorityHigh Priority = "HIGH"
	PriorityLow  Priority = "LOW"
)

// Rank orders priorities so that HIGH sorts before LOW when descending.
func (p Priority) Rank() int {
	if p == PriorityHigh {
		return 1
	}
	return 0
}

// ControlType classifies the control being executed.
type ControlType string

const (
	ControlTypeDetection  ControlType = "DETECTION"
	ControlTypeEnrichment ControlType = "ENRICHMENT"
)

// ControlStatus is the terminal status reported by the control itself.
type ControlStatus string

const (
	ControlStatusSuccess ControlStatus = "SUCCESS"
	ControlStatusFailure ControlStatus = "FAILURE"
	ControlStatusTimeout ControlStatus = "TIMEOUT"
)

// ErrorType classifies a recorded execution error.
type ErrorType string

const (
	ErrorTypeVendor    ErrorType = "VENDOR_ERROR"
	ErrorTypeUserInput ErrorType = "USER_INPUT_ERROR"
	ErrorTypeControl   ErrorType = "CONTROL_ERROR"
	ErrorTypeInternal  ErrorType = "INTERNAL_ERROR"
)

// ExecutionError is a typed error recorded against an execution.
type ExecutionError struct {
	ErrorType   ErrorType `json:"error_type"`
	Message     string    `json:"message,omitempty"`
	IsRetryable bool      `json:"is_retryable"`
}

// ResourceType names the pool an execution draws from. High-priority resource
// types are not admission-managed.
type ResourceType string

// ResourceTypeFor derives the resource type for a runner at a priority.
func ResourceTypeFor(runner RunnerType, p Priority) ResourceType {
	if p == PriorityHigh {
		return ResourceType(string(runner) + "_high_priority")
	}
	return ResourceType(string(runner) + "_low_priority")
}

// ShouldManageResource reports whether executions of rt wait in PENDING for an
// admitted slot. High-priority resource types bypass admission.
func ShouldManageResource(rt ResourceType) bool {
	const suffix = "_high_priority"
	s := string(rt)
	return len(s) < len(suffix) || s[len(s)-len(suffix):] != suffix
}

// Execution is one control invocation on one asset as part of one jit event.
type Execution struct {
	TenantID    string `json:"tenant_id"`
	JitEventID  string `json:"jit_event_id"`
	ExecutionID string `json:"execution_id"`

	PlanItemSlug      string      `json:"plan_item_slug"`
	AffectedPlanItems []string    `json:"affected_plan_items,omitempty"`
	WorkflowSlug      string      `json:"workflow_slug"`
	JobName           string      `json:"job_name"`
	ControlName       string      `json:"control_name"`
	ControlType       ControlType `json:"control_type"`
	AssetID           string      `json:"asset_id"`
	AssetName         string      `json:"asset_name"`
	AssetType         string      `json:"asset_type"`
	Vendor            string      `json:"vendor"`

	Priority     Priority     `json:"priority"`
	JobRunner    RunnerType   `json:"job_runner"`
	ResourceType ResourceType `json:"resource_type"`
	RetryCount   int          `json:"retry_count"`

	Status                Status         `json:"status"`
	ControlStatus         *ControlStatus `json:"control_status,omitempty"`
	HasFindings           *bool          `json:"has_findings,omitempty"`
	UploadFindingsStatus  string         `json:"upload_findings_status,omitempty"`
	PlanItemsWithFindings []string       `json:"plan_items_with_findings,omitempty"`

	CreatedAt        time.Time  `json:"created_at"`
	CreatedAtTS      int64      `json:"created_at_ts"`
	RegisteredAt     *time.Time `json:"registered_at,omitempty"`
	RegisteredAtTS   *int64     `json:"registered_at_ts,omitempty"`
	DispatchedAt     *time.Time `json:"dispatched_at,omitempty"`
	DispatchedAtTS   *int64     `json:"dispatched_at_ts,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CompletedAtTS    *int64     `json:"completed_at_ts,omitempty"`
	ExecutionTimeout *time.Time `json:"execution_timeout,omitempty"`

	Errors    []ExecutionError `json:"errors,omitempty"`
	ErrorBody string           `json:"error_body,omitempty"`
	Stderr    string           `json:"stderr,omitempty"`
	JobOutput map[string]any   `json:"job_output,omitempty"`
	RunID     string           `json:"run_id,omitempty"`
	TaskToken string           `json:"task_token,omitempty"`

	Context              Context        `json:"context"`
	AdditionalAttributes map[string]any `json:"additional_attributes,omitempty"`

	// UpdateExecutionAttempts records how many conditional writes the last
	// control-status update needed.
	UpdateExecutionAttempts int `json:"update_execution_attempts,omitempty"`

	// TTL is the epoch second after which the store may expire the row.
	TTL int64 `json:"ttl"`
}

// Key returns the identity triple.
func (e *Execution) Key() Key {
	return Key{TenantID: e.TenantID, JitEventID: e.JitEventID, ExecutionID: e.ExecutionID}
}

// IsPRRelated reports whether the originating jit event concerns a pull request.
func (e *Execution) IsPRRelated() bool { return e.Context.JitEvent.IsPRRelated() }

// Clone returns a deep copy suitable for handing out of a store.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	c.AffectedPlanItems = append([]string(nil), e.AffectedPlanItems...)
	c.PlanItemsWithFindings = append([]string(nil), e.PlanItemsWithFindings...)
	c.Errors = append([]ExecutionError(nil), e.Errors...)
	c.ControlStatus = clonePtr(e.ControlStatus)
	c.HasFindings = clonePtr(e.HasFindings)
	c.RegisteredAt = clonePtr(e.RegisteredAt)
	c.RegisteredAtTS = clonePtr(e.RegisteredAtTS)
	c.DispatchedAt = clonePtr(e.DispatchedAt)
	c.DispatchedAtTS = clonePtr(e.DispatchedAtTS)
	c.CompletedAt = clonePtr(e.CompletedAt)
	c.CompletedAtTS = clonePtr(e.CompletedAtTS)
	c.ExecutionTimeout = clonePtr(e.ExecutionTimeout)
	c.JobOutput = cloneMap(e.JobOutput)
	c.AdditionalAttributes = cloneMap(e.AdditionalAttributes)
	c.Context = e.Context.clone()
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Timestamp pairs an instant with its epoch-seconds shadow field.
func Timestamp(t time.Time) (*time.Time, *int64) {
	u := t.UTC()
	ts := u.Unix()
	return &u, &ts
}

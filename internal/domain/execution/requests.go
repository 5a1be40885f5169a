package execution

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// executionNamespace seeds deterministic execution ids so that a redelivered
// trigger maps onto the row it already created.
var executionNamespace = uuid.MustParse("5b0f8a7e-3c43-4d7e-9d36-0c1f3c9a4e21")

// TriggerRecord is one element of a trigger event: everything needed to build
// a new execution.
type TriggerRecord struct {
	TenantID          string      `json:"tenant_id" validate:"required"`
	PlanItemSlug      string      `json:"plan_item_slug" validate:"required"`
	AffectedPlanItems []string    `json:"affected_plan_items,omitempty"`
	ControlName       string      `json:"control_name" validate:"required"`
	ControlType       ControlType `json:"control_type" validate:"required,oneof=DETECTION ENRICHMENT"`
	// Priority is derived from the jit event when empty.
	Priority   Priority `json:"priority,omitempty" validate:"omitempty,oneof=HIGH LOW"`
	RetryCount int      `json:"retry_count" validate:"gte=0"`
	TaskToken  string   `json:"task_token,omitempty"`

	Context              Context        `json:"context" validate:"required"`
	AdditionalAttributes map[string]any `json:"additional_attributes,omitempty"`
}

// EffectivePriority returns the explicit priority, or HIGH for pull request
// activity and LOW otherwise.
func (r TriggerRecord) EffectivePriority() Priority {
	if r.Priority != "" {
		return r.Priority
	}
	if r.Context.JitEvent.IsPRRelated() {
		return PriorityHigh
	}
	return PriorityLow
}

// IdempotencyKey identifies the trigger across redeliveries.
func (r TriggerRecord) IdempotencyKey() string {
	return strings.Join([]string{
		"trigger",
		r.TenantID,
		r.Context.JitEvent.ID,
		r.Context.Asset.ID,
		r.Context.Workflow.Slug,
		r.Context.Job.Name,
		strconv.Itoa(r.RetryCount),
	}, "#")
}

// ExecutionID derives the execution id from the trigger identity.
func (r TriggerRecord) ExecutionID() string {
	return uuid.NewSHA1(executionNamespace, []byte(r.IdempotencyKey())).String()
}

// ValidateShape rejects runner and vendor combinations no adapter can serve.
func (r TriggerRecord) ValidateShape() error {
	runner := r.Context.Job.Runner.Type
	switch runner.Family() {
	case "":
		return &RunnerNotSupportedError{Runner: runner, Vendor: r.Context.Asset.Vendor}
	case FamilyCI, FamilyCodeHostDispatch:
		if !strings.EqualFold(runner.Vendor(), r.Context.Asset.Vendor) {
			return &RunnerNotSupportedError{Runner: runner, Vendor: r.Context.Asset.Vendor}
		}
	}
	if r.Context.Asset.Type == "" {
		return fmt.Errorf("%w: asset type is required", ErrInvalidRequest)
	}
	return nil
}

// ToExecution builds a PENDING execution from the record. Callers decide the
// initial status from the resource type.
func (r TriggerRecord) ToExecution(now time.Time, ttl time.Duration) *Execution {
	now = now.UTC()
	p := r.EffectivePriority()
	runner := r.Context.Job.Runner.Type
	e := &Execution{
		TenantID:             r.TenantID,
		JitEventID:           r.Context.JitEvent.ID,
		ExecutionID:          r.ExecutionID(),
		PlanItemSlug:         r.PlanItemSlug,
		AffectedPlanItems:    append([]string(nil), r.AffectedPlanItems...),
		WorkflowSlug:         r.Context.Workflow.Slug,
		JobName:              r.Context.Job.Name,
		ControlName:          r.ControlName,
		ControlType:          r.ControlType,
		AssetID:              r.Context.Asset.ID,
		AssetName:            r.Context.Asset.Name,
		AssetType:            r.Context.Asset.Type,
		Vendor:               r.Context.Asset.Vendor,
		Priority:             p,
		JobRunner:            runner,
		ResourceType:         ResourceTypeFor(runner, p),
		RetryCount:           r.RetryCount,
		Status:               StatusPending,
		CreatedAt:            now,
		CreatedAtTS:          now.Unix(),
		TaskToken:            r.TaskToken,
		Context:              r.Context.clone(),
		AdditionalAttributes: cloneMap(r.AdditionalAttributes),
	}
	if ttl > 0 {
		e.TTL = now.Add(ttl).Unix()
	}
	return e
}

// UpdateRequest is the body runners post to /register and /completed and the
// detail of complete-execution events.
type UpdateRequest struct {
	TenantID    string `json:"tenant_id" validate:"required"`
	JitEventID  string `json:"jit_event_id" validate:"required"`
	ExecutionID string `json:"execution_id" validate:"required"`

	Status        Status         `json:"status,omitempty"`
	ControlStatus *ControlStatus `json:"control_status,omitempty" validate:"omitempty,oneof=SUCCESS FAILURE TIMEOUT"`
	HasFindings   *bool          `json:"has_findings,omitempty"`

	Errors    []ExecutionError `json:"errors,omitempty"`
	ErrorBody string           `json:"error_body,omitempty"`
	Stderr    string           `json:"stderr,omitempty"`
	JobOutput map[string]any   `json:"job_output,omitempty"`
	RunID     string           `json:"run_id,omitempty"`

	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	RegisteredAt *time.Time `json:"registered_at,omitempty"`
}

// Key returns the identity the request targets.
func (r UpdateRequest) Key() Key {
	return Key{TenantID: r.TenantID, JitEventID: r.JitEventID, ExecutionID: r.ExecutionID}
}

// CompletionStatus maps the reported outcome onto an execution status: an
// explicit status wins, otherwise the control status decides.
func (r UpdateRequest) CompletionStatus() Status {
	if r.Status != "" {
		return r.Status
	}
	if r.ControlStatus == nil {
		return StatusCompleted
	}
	switch *r.ControlStatus {
	case ControlStatusFailure:
		return StatusFailed
	case ControlStatusTimeout:
		return StatusControlTimeout
	default:
		return StatusCompleted
	}
}

// UploadFindingsRequest reports the outcome of the findings upload.
type UploadFindingsRequest struct {
	TenantID    string `json:"tenant_id" validate:"required"`
	JitEventID  string `json:"jit_event_id" validate:"required"`
	ExecutionID string `json:"execution_id" validate:"required"`

	UploadFindingsStatus  string   `json:"upload_findings_status" validate:"required"`
	PlanItemsWithFindings []string `json:"plan_items_with_findings,omitempty"`
	HasFindings           bool     `json:"has_findings"`
}

// Key returns the identity the request targets.
func (r UploadFindingsRequest) Key() Key {
	return Key{TenantID: r.TenantID, JitEventID: r.JitEventID, ExecutionID: r.ExecutionID}
}

// VendorJobIDUpdateRequest records the backend id once the vendor job starts.
type VendorJobIDUpdateRequest struct {
	TenantID    string `json:"tenant_id" validate:"required"`
	JitEventID  string `json:"jit_event_id" validate:"required"`
	ExecutionID string `json:"execution_id" validate:"required"`
	RunID       string `json:"vendor_job_id" validate:"required"`
}

// Key returns the identity the request targets.
func (r VendorJobIDUpdateRequest) Key() Key {
	return Key{TenantID: r.TenantID, JitEventID: r.JitEventID, ExecutionID: r.ExecutionID}
}

// ValidateDispatchedRequest is the read-only check runners perform before
// fetching their dispatch payload.
type ValidateDispatchedRequest struct {
	Key             Key
	TargetAssetName string
}

// Check returns a typed error when e is not awaiting its runner or names a
// different asset.
func (r ValidateDispatchedRequest) Check(e *Execution) error {
	if e.Status != StatusDispatching && e.Status != StatusDispatched {
		return &NotDispatchedError{Key: e.Key(), Status: e.Status}
	}
	if r.TargetAssetName != "" && r.TargetAssetName != e.AssetName {
		return &AssetMismatchError{Expected: e.AssetName, Got: r.TargetAssetName}
	}
	return nil
}

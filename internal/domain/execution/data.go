package execution

import (
	"context"
	"encoding/json"
	"time"
)

// ExecutionData is the dispatch payload stored beside an execution and handed
// to its runner exactly once.
type ExecutionData struct {
	Key         Key             `json:"key"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	RetrievedAt *time.Time      `json:"retrieved_at,omitempty"`
	TTL         int64           `json:"ttl"`
}

// CallbackURLs are the coordinator endpoints a runner reports back to.
type CallbackURLs struct {
	Register       string `json:"register"`
	Completed      string `json:"completed"`
	VendorJobStart string `json:"vendor_job_start"`
	ExecutionData  string `json:"execution_data"`
}

// DispatchPayload is the document a runner receives from the execution-data
// endpoint. Integration credentials are sealed at rest and opened on fetch.
type DispatchPayload struct {
	TenantID     string       `json:"tenant_id"`
	JitEventID   string       `json:"jit_event_id"`
	ExecutionID  string       `json:"execution_id"`
	PlanItemSlug string       `json:"plan_item_slug"`
	ControlName  string       `json:"control_name"`
	JobName      string       `json:"job_name"`
	RetryCount   int          `json:"retry_count"`
	Context      Context      `json:"context"`
	Callbacks    CallbackURLs `json:"callback_urls"`

	SealedIntegration string `json:"sealed_integration,omitempty"`
	// CallbackToken is minted on fetch and never stored.
	CallbackToken string `json:"callback_token,omitempty"`
}

// NewDispatchPayload snapshots e for its runner. The integration block is
// dropped from the copy; callers seal it separately.
func NewDispatchPayload(e *Execution, callbacks CallbackURLs) DispatchPayload {
	c := e.Context.clone()
	c.Integration = nil
	return DispatchPayload{
		TenantID:     e.TenantID,
		JitEventID:   e.JitEventID,
		ExecutionID:  e.ExecutionID,
		PlanItemSlug: e.PlanItemSlug,
		ControlName:  e.ControlName,
		JobName:      e.JobName,
		RetryCount:   e.RetryCount,
		Context:      c,
		Callbacks:    callbacks,
	}
}

// DataRepository stores dispatch payloads.
type DataRepository interface {
	// PutData stores d, replacing an unretrieved payload for the same key.
	PutData(ctx context.Context, d *ExecutionData) error
	// RetrieveData atomically marks the payload retrieved and returns it. A
	// second call yields ErrDataAlreadyRetrieved.
	RetrieveData(ctx context.Context, key Key, now time.Time) (*ExecutionData, error)
}

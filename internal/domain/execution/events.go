package execution

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/execution-service/internal/domain/events"
)

// Detail types consumed by the event pipeline.
const (
	EventTypeTriggerExecution     events.EventType = "trigger-execution"
	EventTypeRegisterExecution    events.EventType = "register-execution"
	EventTypeCompleteExecution    events.EventType = "complete-execution"
	EventTypeUploadFindingsStatus events.EventType = "upload-findings-status"
	EventTypeEnrichmentCompleted  events.EventType = "enrichment-completed"
	EventTypeOnFailure            events.EventType = "on-failure"
	EventTypeRetryExecution       events.EventType = "retry-execution"
)

// Detail types emitted by the coordinator. enrich-execution and
// dispatch-execution-status-updated are also consumed by it.
const (
	EventTypeRegister                  events.EventType = "register"
	EventTypeDispatchStatusUpdated     events.EventType = "dispatch-execution-status-updated"
	EventTypeExecutionCompleted        events.EventType = "execution-completed"
	EventTypeExecutionDeprovisioned    events.EventType = "execution-deprovisioned"
	EventTypeEnrichExecution           events.EventType = "enrich-execution"
	EventTypeResourceAllocationInvoked events.EventType = "resource-allocation-invoked"
	EventTypeDispatchedMetric          events.EventType = "dispatched-metric"
	EventTypeVendorFailureMetric       events.EventType = "vendor-failure-metric"
	EventTypeTriggerFailed             events.EventType = "trigger-failed"
	EventTypeOperatorAlert             events.EventType = "operator-alert"
)

// EventMeta is embedded in every execution event.
type EventMeta struct {
	EventID string    `json:"event_id,omitempty"`
	Time    time.Time `json:"time"`
}

func newEventMeta() EventMeta {
	return EventMeta{EventID: uuid.NewString(), Time: time.Now().UTC()}
}

func (m EventMeta) OccurredAt() time.Time { return m.Time }

// ID returns the producer-assigned event id.
func (m EventMeta) ID() string { return m.EventID }

// TriggerExecutionEvent carries one or many trigger records.
type TriggerExecutionEvent struct {
	EventMeta
	Records []TriggerRecord `json:"records" validate:"required,min=1,dive"`
}

// NewTriggerExecutionEvent creates a trigger event for records.
func NewTriggerExecutionEvent(records ...TriggerRecord) TriggerExecutionEvent {
	return TriggerExecutionEvent{EventMeta: newEventMeta(), Records: records}
}

func (e TriggerExecutionEvent) EventType() events.EventType { return EventTypeTriggerExecution }

// EnrichExecutionEvent asks the dispatch orchestrator to dispatch a group of
// executions sharing tenant, jit event and runner.
type EnrichExecutionEvent struct {
	EventMeta
	TenantID     string     `json:"tenant_id" validate:"required"`
	JitEventID   string     `json:"jit_event_id" validate:"required"`
	Runner       RunnerType `json:"runner" validate:"required"`
	ExecutionIDs []string   `json:"execution_ids" validate:"required,min=1"`
}

// NewEnrichExecutionEvent groups executions for dispatch. All executions must
// share tenant, jit event and runner.
func NewEnrichExecutionEvent(executions ...*Execution) EnrichExecutionEvent {
	e := EnrichExecutionEvent{EventMeta: newEventMeta()}
	for i, ex := range executions {
		if i == 0 {
			e.TenantID, e.JitEventID, e.Runner = ex.TenantID, ex.JitEventID, ex.JobRunner
		}
		e.ExecutionIDs = append(e.ExecutionIDs, ex.ExecutionID)
	}
	return e
}

func (e EnrichExecutionEvent) EventType() events.EventType { return EventTypeEnrichExecution }

// Keys expands the group into identity triples.
func (e EnrichExecutionEvent) Keys() []Key {
	keys := make([]Key, 0, len(e.ExecutionIDs))
	for _, id := range e.ExecutionIDs {
		keys = append(keys, Key{TenantID: e.TenantID, JitEventID: e.JitEventID, ExecutionID: id})
	}
	return keys
}

// RegisterExecutionEvent reports that a runner picked up an execution.
type RegisterExecutionEvent struct {
	EventMeta
	Key
	RegisteredAt *time.Time `json:"registered_at,omitempty"`
}

func (e RegisterExecutionEvent) EventType() events.EventType { return EventTypeRegisterExecution }

// ExecutionRegisteredEvent is emitted once an execution is RUNNING.
type ExecutionRegisteredEvent struct {
	EventMeta
	Key
	Runner       RunnerType `json:"runner"`
	RegisteredAt time.Time  `json:"registered_at"`
}

// NewExecutionRegisteredEvent creates the notification for e.
func NewExecutionRegisteredEvent(e *Execution) ExecutionRegisteredEvent {
	ev := ExecutionRegisteredEvent{EventMeta: newEventMeta(), Key: e.Key(), Runner: e.JobRunner}
	if e.RegisteredAt != nil {
		ev.RegisteredAt = *e.RegisteredAt
	}
	return ev
}

func (e ExecutionRegisteredEvent) EventType() events.EventType { return EventTypeRegister }

// DispatchStatusUpdatedEvent records a successful backend dispatch.
type DispatchStatusUpdatedEvent struct {
	EventMeta
	Key
	RunID        string    `json:"run_id,omitempty"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// NewDispatchStatusUpdatedEvent creates the event for key.
func NewDispatchStatusUpdatedEvent(key Key, runID string, at time.Time) DispatchStatusUpdatedEvent {
	return DispatchStatusUpdatedEvent{EventMeta: newEventMeta(), Key: key, RunID: runID, DispatchedAt: at.UTC()}
}

func (e DispatchStatusUpdatedEvent) EventType() events.EventType {
	return EventTypeDispatchStatusUpdated
}

// CompleteExecutionEvent reports the outcome of an execution.
type CompleteExecutionEvent struct {
	EventMeta
	UpdateRequest
}

// NewCompleteExecutionEvent wraps req.
func NewCompleteExecutionEvent(req UpdateRequest) CompleteExecutionEvent {
	return CompleteExecutionEvent{EventMeta: newEventMeta(), UpdateRequest: req}
}

// NewFailedCompletion builds a FAILED completion for key with reason as the
// error body.
func NewFailedCompletion(key Key, reason string, errs ...ExecutionError) CompleteExecutionEvent {
	return NewCompleteExecutionEvent(UpdateRequest{
		TenantID:    key.TenantID,
		JitEventID:  key.JitEventID,
		ExecutionID: key.ExecutionID,
		Status:      StatusFailed,
		ErrorBody:   reason,
		Errors:      errs,
	})
}

func (e CompleteExecutionEvent) EventType() events.EventType { return EventTypeCompleteExecution }

// ExecutionCompletedEvent is emitted after an execution reaches a terminal
// status through the complete path or the watchdog.
type ExecutionCompletedEvent struct {
	EventMeta
	Key
	Status        Status           `json:"status"`
	ControlStatus *ControlStatus   `json:"control_status,omitempty"`
	HasFindings   *bool            `json:"has_findings,omitempty"`
	PlanItemSlug  string           `json:"plan_item_slug"`
	JobName       string           `json:"job_name"`
	AssetID       string           `json:"asset_id"`
	Runner        RunnerType       `json:"runner"`
	RetryCount    int              `json:"retry_count"`
	Errors        []ExecutionError `json:"errors,omitempty"`
	ErrorBody     string           `json:"error_body,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	TaskToken     string           `json:"task_token,omitempty"`
}

// NewExecutionCompletedEvent snapshots a terminal execution.
func NewExecutionCompletedEvent(e *Execution) ExecutionCompletedEvent {
	return ExecutionCompletedEvent{
		EventMeta:     newEventMeta(),
		Key:           e.Key(),
		Status:        e.Status,
		ControlStatus: clonePtr(e.ControlStatus),
		HasFindings:   clonePtr(e.HasFindings),
		PlanItemSlug:  e.PlanItemSlug,
		JobName:       e.JobName,
		AssetID:       e.AssetID,
		Runner:        e.JobRunner,
		RetryCount:    e.RetryCount,
		Errors:        append([]ExecutionError(nil), e.Errors...),
		ErrorBody:     e.ErrorBody,
		CompletedAt:   clonePtr(e.CompletedAt),
		TaskToken:     e.TaskToken,
	}
}

func (e ExecutionCompletedEvent) EventType() events.EventType { return EventTypeExecutionCompleted }

// ExecutionDeprovisionedEvent is emitted when a resource token is freed.
type ExecutionDeprovisionedEvent struct {
	EventMeta
	Key
	Runner       RunnerType   `json:"runner"`
	ResourceType ResourceType `json:"resource_type"`
}

// NewExecutionDeprovisionedEvent creates the event for e.
func NewExecutionDeprovisionedEvent(e *Execution) ExecutionDeprovisionedEvent {
	return ExecutionDeprovisionedEvent{
		EventMeta:    newEventMeta(),
		Key:          e.Key(),
		Runner:       e.JobRunner,
		ResourceType: e.ResourceType,
	}
}

func (e ExecutionDeprovisionedEvent) EventType() events.EventType {
	return EventTypeExecutionDeprovisioned
}

// ResourceAllocationInvokedEvent is a metric event emitted when the scheduler
// admits an execution.
type ResourceAllocationInvokedEvent struct {
	EventMeta
	Key
	Runner       RunnerType   `json:"runner"`
	ResourceType ResourceType `json:"resource_type"`
	// QueuedSeconds is the time the execution waited in PENDING.
	QueuedSeconds float64 `json:"queued_seconds"`
}

// NewResourceAllocationInvokedEvent creates the metric for e admitted at now.
func NewResourceAllocationInvokedEvent(e *Execution, now time.Time) ResourceAllocationInvokedEvent {
	return ResourceAllocationInvokedEvent{
		EventMeta:     newEventMeta(),
		Key:           e.Key(),
		Runner:        e.JobRunner,
		ResourceType:  e.ResourceType,
		QueuedSeconds: now.Sub(e.CreatedAt).Seconds(),
	}
}

func (e ResourceAllocationInvokedEvent) EventType() events.EventType {
	return EventTypeResourceAllocationInvoked
}

// DispatchedMetricEvent is a metric event emitted per dispatched execution.
type DispatchedMetricEvent struct {
	EventMeta
	Key
	Runner   RunnerType `json:"runner"`
	Vendor   string     `json:"vendor"`
	Priority Priority   `json:"priority"`
	RunID    string     `json:"run_id,omitempty"`
}

// NewDispatchedMetricEvent creates the metric for e.
func NewDispatchedMetricEvent(e *Execution, runID string) DispatchedMetricEvent {
	return DispatchedMetricEvent{
		EventMeta: newEventMeta(),
		Key:       e.Key(),
		Runner:    e.JobRunner,
		Vendor:    e.JobRunner.Vendor(),
		Priority:  e.Priority,
		RunID:     runID,
	}
}

func (e DispatchedMetricEvent) EventType() events.EventType { return EventTypeDispatchedMetric }

// VendorFailureMetricEvent is emitted when an execution exhausts its retries
// on vendor errors.
type VendorFailureMetricEvent struct {
	EventMeta
	Key
	Runner     RunnerType `json:"runner"`
	Vendor     string     `json:"vendor"`
	RetryCount int        `json:"retry_count"`
	Reason     string     `json:"reason,omitempty"`
	RunID      string     `json:"run_id,omitempty"`
}

// NewVendorFailureMetricEvent creates the metric for e.
func NewVendorFailureMetricEvent(e *Execution, reason *FailureReason) VendorFailureMetricEvent {
	ev := VendorFailureMetricEvent{
		EventMeta:  newEventMeta(),
		Key:        e.Key(),
		Runner:     e.JobRunner,
		Vendor:     e.JobRunner.Vendor(),
		RetryCount: e.RetryCount,
		RunID:      e.RunID,
	}
	if reason != nil {
		ev.Reason = reason.Reason
		if reason.RunID != "" {
			ev.RunID = reason.RunID
		}
	}
	return ev
}

func (e VendorFailureMetricEvent) EventType() events.EventType { return EventTypeVendorFailureMetric }

// TriggerFailedEvent reports a trigger record that could not become an execution.
type TriggerFailedEvent struct {
	EventMeta
	TenantID string        `json:"tenant_id"`
	Record   TriggerRecord `json:"record"`
	Reason   string        `json:"reason"`
}

// NewTriggerFailedEvent creates the event for rec.
func NewTriggerFailedEvent(rec TriggerRecord, reason string) TriggerFailedEvent {
	return TriggerFailedEvent{EventMeta: newEventMeta(), TenantID: rec.TenantID, Record: rec, Reason: reason}
}

func (e TriggerFailedEvent) EventType() events.EventType { return EventTypeTriggerFailed }

// OperatorAlertEvent carries an Alert on the bus.
type OperatorAlertEvent struct {
	EventMeta
	Alert
}

// NewOperatorAlertEvent wraps a.
func NewOperatorAlertEvent(a Alert) OperatorAlertEvent {
	return OperatorAlertEvent{EventMeta: newEventMeta(), Alert: a}
}

func (e OperatorAlertEvent) EventType() events.EventType { return EventTypeOperatorAlert }

// UploadFindingsStatusEvent carries an UploadFindingsRequest.
type UploadFindingsStatusEvent struct {
	EventMeta
	UploadFindingsRequest
}

func (e UploadFindingsStatusEvent) EventType() events.EventType {
	return EventTypeUploadFindingsStatus
}

// EnrichmentCompletedEvent reports the outcome of an enrichment control so the
// waiting workflow task can resume.
type EnrichmentCompletedEvent struct {
	EventMeta
	Key
	Success bool            `json:"success"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
	Cause   string          `json:"cause,omitempty"`
}

func (e EnrichmentCompletedEvent) EventType() events.EventType { return EventTypeEnrichmentCompleted }

// OnFailureEvent is delivered by the failure destination of an asynchronous
// invocation. Exactly one of Execution and FailedTriggers is set.
type OnFailureEvent struct {
	EventMeta
	RequestID      string          `json:"request_id"`
	Execution      *Key            `json:"execution,omitempty"`
	FailedTriggers []FailedTrigger `json:"failed_triggers,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}

func (e OnFailureEvent) EventType() events.EventType { return EventTypeOnFailure }

// RetryExecutionEvent carries a RetryRequest for the bus-backed retry path.
type RetryExecutionEvent struct {
	EventMeta
	RetryRequest
}

// NewRetryExecutionEvent wraps req.
func NewRetryExecutionEvent(req RetryRequest) RetryExecutionEvent {
	return RetryExecutionEvent{EventMeta: newEventMeta(), RetryRequest: req}
}

func (e RetryExecutionEvent) EventType() events.EventType { return EventTypeRetryExecution }

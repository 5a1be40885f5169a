package execution

import (
	"context"
	"encoding/json"
	"time"
)

// BatchGetChunkSize bounds the identifiers read per round trip by BatchGet.
const BatchGetChunkSize = 100

// Repository is the durable, multi-index execution store.
type Repository interface {
	// PutNew inserts e with every secondary index projection materialized.
	// It returns ErrAlreadyExists for a duplicate identity triple.
	PutNew(ctx context.Context, e *Execution) error

	// Get performs a consistent read. When strict is set a missing row yields
	// a *NotFoundError; otherwise it yields (nil, nil).
	Get(ctx context.Context, key Key, strict bool) (*Execution, error)

	// BatchGet reads keys in chunks of BatchGetChunkSize. Keys with no row are
	// reported in missing rather than failing the call.
	BatchGet(ctx context.Context, keys []Key) (found []*Execution, missing []Key, err error)

	// Update applies m when cond holds and returns the updated row. A failed
	// condition yields a *ConditionFailedError; a missing row a *NotFoundError.
	Update(ctx context.Context, key Key, m Mutation, cond Condition) (*Execution, error)

	// PartialUpdate overlays m without any condition beyond existence.
	// Status changes are rejected; they go through Update.
	PartialUpdate(ctx context.Context, key Key, m Mutation) (*Execution, error)

	// Query returns one page of q.
	Query(ctx context.Context, q Query) (Page, error)

	// Transact applies ops atomically. Any failed condition aborts the whole
	// transaction and is returned as the op's error.
	Transact(ctx context.Context, ops ...TransactOp) error
}

// TransactOp is one participant of an atomic multi-item write.
type TransactOp interface{ transactOp() }

// PutExecutionOp inserts a new execution.
type PutExecutionOp struct{ Execution *Execution }

// UpdateExecutionOp conditionally updates an execution.
type UpdateExecutionOp struct {
	Key       Key
	Mutation  Mutation
	Condition Condition
}

// AllocateTokenOp inserts a resource token. It fails when the token exists or,
// for a positive Capacity, when the pool already holds Capacity tokens of the
// same resource type.
type AllocateTokenOp struct {
	Token    ResourceToken
	Capacity int
}

// FreeTokenOp removes a resource token if present.
type FreeTokenOp struct{ Token ResourceToken }

func (PutExecutionOp) transactOp()    {}
func (UpdateExecutionOp) transactOp() {}
func (AllocateTokenOp) transactOp()   {}
func (FreeTokenOp) transactOp()       {}

// ResourceToken records that an execution holds a slot on a runner for a tenant.
type ResourceToken struct {
	TenantID     string       `json:"tenant_id"`
	Runner       RunnerType   `json:"runner"`
	ExecutionID  string       `json:"execution_id"`
	JitEventID   string       `json:"jit_event_id"`
	ResourceType ResourceType `json:"resource_type"`
	CreatedAt    time.Time    `json:"created_at"`
}

// TokenFor builds the resource token for e.
func TokenFor(e *Execution, now time.Time) ResourceToken {
	return ResourceToken{
		TenantID:     e.TenantID,
		Runner:       e.JobRunner,
		ExecutionID:  e.ExecutionID,
		JitEventID:   e.JitEventID,
		ResourceType: e.ResourceType,
		CreatedAt:    now.UTC(),
	}
}

// ResourcePool tracks in-use resource tokens per (tenant, runner).
type ResourcePool interface {
	// Allocate inserts token; see AllocateTokenOp for the conditions.
	Allocate(ctx context.Context, token ResourceToken, capacity int) error
	// Free removes token and reports whether it was held.
	Free(ctx context.Context, token ResourceToken) (bool, error)
	// InUse counts tokens of resourceType held for (tenant, runner).
	InUse(ctx context.Context, tenantID string, runner RunnerType, resourceType ResourceType) (int, error)
	// Holds reports whether a token exists for the execution.
	Holds(ctx context.Context, tenantID string, runner RunnerType, executionID string) (bool, error)
}

// ChangeKind classifies a change-feed record.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeModify ChangeKind = "MODIFY"
)

// ChangeRecord is one entry of the execution store change feed.
type ChangeRecord struct {
	ID        string     `json:"id"`
	Kind      ChangeKind `json:"kind"`
	Key       Key        `json:"key"`
	OldStatus Status     `json:"old_status,omitempty"`
	NewStatus Status     `json:"new_status"`
	// NewImage is the row after the change. Feeds that only carry keys load it
	// before delivery.
	NewImage *Execution `json:"new_image,omitempty"`
}

// ReleasedResource reports whether the change moved a row out of the
// resource-holding window.
func (r ChangeRecord) ReleasedResource() bool {
	return r.Kind == ChangeModify && r.OldStatus.HoldsResource() && r.NewStatus.IsTerminal()
}

// ChangeHandler consumes change-feed records.
type ChangeHandler func(ctx context.Context, rec ChangeRecord) error

// ChangeFeed delivers insert/modify records for the execution store.
type ChangeFeed interface {
	// Subscribe delivers records to fn until ctx is canceled.
	Subscribe(ctx context.Context, fn ChangeHandler) error
}

// IdempotencyStatus is the state of an idempotency record.
type IdempotencyStatus string

const (
	IdempotencyInProgress IdempotencyStatus = "IN_PROGRESS"
	IdempotencyCompleted  IdempotencyStatus = "COMPLETED"
)

// IdempotencyRecord remembers the first outcome for a key until it expires.
type IdempotencyRecord struct {
	Key         string            `json:"idempotency_key"`
	Status      IdempotencyStatus `json:"status"`
	FirstResult json.RawMessage   `json:"first_result,omitempty"`
	ExpiresAt   time.Time         `json:"ttl"`
}

// IdempotencyStore deduplicates processing of external events.
type IdempotencyStore interface {
	// Acquire claims key. When an unexpired record exists it is returned with
	// acquired == false and nothing is written.
	Acquire(ctx context.Context, key string, ttl time.Duration) (existing *IdempotencyRecord, acquired bool, err error)
	// Complete stores the first result for a claimed key.
	Complete(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error
	// Release drops an in-progress claim so a redelivery can retry.
	Release(ctx context.Context, key string) error
}

// FailedToFree is an execution whose backend termination failed during a
// watchdog sweep.
type FailedToFree struct {
	Key        Key        `json:"key"`
	Runner     RunnerType `json:"runner"`
	Reason     string     `json:"reason"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// FailedToFreeBucket keeps executions operators must clean up by hand.
type FailedToFreeBucket interface {
	MarkFailedToFree(ctx context.Context, rec FailedToFree) error
	ListFailedToFree(ctx context.Context, limit int) ([]FailedToFree, error)
}

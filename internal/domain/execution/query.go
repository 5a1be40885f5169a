package execution

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Index names a secondary access pattern of the execution store.
type Index string

const (
	IndexByTenantJitEvent       Index = "by-tenant-jit-event"
	IndexByTenantStatus         Index = "by-tenant-status"
	IndexByTenantPlanItem       Index = "by-tenant-plan-item"
	IndexByTenantPlanItemStatus Index = "by-tenant-plan-item-status"
	IndexByTenantRunnerStatus   Index = "by-tenant-runner-status"
	IndexByTimeout              Index = "by-timeout"
	IndexByTenantStatusAsset    Index = "by-tenant-status-asset"
	IndexByTenantJitEventJob    Index = "by-tenant-jit-event-job"
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 500
)

// Query selects executions through one index. Only the fields the index
// partitions or sorts on are consulted.
type Query struct {
	Index Index

	TenantID     string
	JitEventID   string
	Status       Status
	PlanItemSlug string
	Runner       RunnerType
	AssetID      string
	JobName      string
	// TimeoutBefore bounds by-timeout scans to deadlines strictly before it.
	TimeoutBefore time.Time

	Limit    int
	StartKey string
}

// EffectiveLimit clamps the requested page size.
func (q Query) EffectiveLimit() int {
	switch {
	case q.Limit <= 0:
		return defaultQueryLimit
	case q.Limit > maxQueryLimit:
		return maxQueryLimit
	default:
		return q.Limit
	}
}

// Validate checks that the partition keys of the index are present.
func (q Query) Validate() error {
	missing := func(name string) error {
		return fmt.Errorf("%w: index %s requires %s", ErrInvalidRequest, q.Index, name)
	}
	if q.Index != IndexByTimeout && q.TenantID == "" {
		return missing("tenant_id")
	}
	switch q.Index {
	case IndexByTenantJitEvent:
		if q.JitEventID == "" {
			return missing("jit_event_id")
		}
	case IndexByTenantStatus:
		if q.Status == "" {
			return missing("status")
		}
	case IndexByTenantPlanItem:
		if q.PlanItemSlug == "" {
			return missing("plan_item_slug")
		}
	case IndexByTenantPlanItemStatus:
		if q.PlanItemSlug == "" || q.Status == "" {
			return missing("plan_item_slug and status")
		}
	case IndexByTenantRunnerStatus:
		if q.Runner == "" || q.Status == "" {
			return missing("runner and status")
		}
	case IndexByTimeout:
		if q.TimeoutBefore.IsZero() {
			return missing("timeout_before")
		}
	case IndexByTenantStatusAsset:
		if q.Status == "" {
			return missing("status")
		}
	case IndexByTenantJitEventJob:
		if q.JitEventID == "" {
			return missing("jit_event_id")
		}
	default:
		return fmt.Errorf("%w: unknown index %q", ErrInvalidRequest, q.Index)
	}
	return nil
}

// Matches reports whether e belongs to the logical result set of q,
// ignoring pagination.
func (q Query) Matches(e *Execution) bool {
	if q.Index != IndexByTimeout && e.TenantID != q.TenantID {
		return false
	}
	switch q.Index {
	case IndexByTenantJitEvent:
		return e.JitEventID == q.JitEventID
	case IndexByTenantStatus:
		return e.Status == q.Status
	case IndexByTenantPlanItem:
		return e.PlanItemSlug == q.PlanItemSlug
	case IndexByTenantPlanItemStatus:
		return e.PlanItemSlug == q.PlanItemSlug && e.Status == q.Status
	case IndexByTenantRunnerStatus:
		return e.JobRunner == q.Runner && e.Status == q.Status
	case IndexByTimeout:
		return e.Status.HasTimeout() && e.ExecutionTimeout != nil && e.ExecutionTimeout.Before(q.TimeoutBefore)
	case IndexByTenantStatusAsset:
		return e.Status == q.Status && (q.AssetID == "" || e.AssetID == q.AssetID)
	case IndexByTenantJitEventJob:
		return e.JitEventID == q.JitEventID && (q.JobName == "" || e.JobName == q.JobName)
	default:
		return false
	}
}

// Page is one page of query results.
type Page struct {
	Items []*Execution
	// LastKey is the opaque token for the next page, empty on the last page.
	LastKey string
}

// PageKey is the decoded form of a start key: the sort position of the last
// returned row plus its primary key as a tie breaker.
type PageKey struct {
	CreatedAt        time.Time  `json:"created_at"`
	PriorityRank     int        `json:"priority_rank,omitempty"`
	ExecutionTimeout *time.Time `json:"execution_timeout,omitempty"`
	AssetID          string     `json:"asset_id,omitempty"`
	JobName          string     `json:"job_name,omitempty"`
	PK               string     `json:"pk"`
	SK               string     `json:"sk"`
}

// PageKeyFor builds the page key positioned at e.
func PageKeyFor(e *Execution) PageKey {
	k := e.Key()
	return PageKey{
		CreatedAt:        e.CreatedAt.UTC(),
		PriorityRank:     e.Priority.Rank(),
		ExecutionTimeout: clonePtr(e.ExecutionTimeout),
		AssetID:          e.AssetID,
		JobName:          e.JobName,
		PK:               k.PK(),
		SK:               k.SK(),
	}
}

// EncodePageKey renders k as an opaque base64-JSON token.
func EncodePageKey(k PageKey) (string, error) {
	b, err := json.Marshal(k)
	if err != nil {
		return "", fmt.Errorf("encoding page key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// DecodePageKey parses a token produced by EncodePageKey.
func DecodePageKey(token string) (PageKey, error) {
	var k PageKey
	b, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return k, fmt.Errorf("%w: malformed start_key", ErrInvalidRequest)
	}
	if err := json.Unmarshal(b, &k); err != nil {
		return k, fmt.Errorf("%w: malformed start_key", ErrInvalidRequest)
	}
	return k, nil
}

// Less reports whether a sorts before b in the native order of idx:
// created_at descending for tenant listings, (priority desc, created_at asc)
// for the scheduler index and deadline ascending for the watchdog index.
// Primary keys break ties in the same direction as the index.
func (idx Index) Less(a, b PageKey) bool {
	switch idx {
	case IndexByTenantRunnerStatus:
		if a.PriorityRank != b.PriorityRank {
			return a.PriorityRank > b.PriorityRank
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return ascendingKey(a, b)
	case IndexByTimeout:
		at, bt := derefTime(a.ExecutionTimeout), derefTime(b.ExecutionTimeout)
		if !at.Equal(bt) {
			return at.Before(bt)
		}
		return ascendingKey(a, b)
	case IndexByTenantStatusAsset:
		if a.AssetID != b.AssetID {
			return a.AssetID > b.AssetID
		}
	case IndexByTenantJitEventJob:
		if a.JobName != b.JobName {
			return a.JobName > b.JobName
		}
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return ascendingKey(b, a)
}

func ascendingKey(a, b PageKey) bool {
	if a.PK != b.PK {
		return a.PK < b.PK
	}
	return a.SK < b.SK
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// Convenience constructors for the documented access patterns.

func ByTenantJitEvent(tenantID, jitEventID string) Query {
	return Query{Index: IndexByTenantJitEvent, TenantID: tenantID, JitEventID: jitEventID}
}

func ByTenantStatus(tenantID string, status Status) Query {
	return Query{Index: IndexByTenantStatus, TenantID: tenantID, Status: status}
}

func ByTenantPlanItem(tenantID, slug string) Query {
	return Query{Index: IndexByTenantPlanItem, TenantID: tenantID, PlanItemSlug: slug}
}

func ByTenantPlanItemStatus(tenantID, slug string, status Status) Query {
	return Query{Index: IndexByTenantPlanItemStatus, TenantID: tenantID, PlanItemSlug: slug, Status: status}
}

func ByTenantRunnerStatus(tenantID string, runner RunnerType, status Status) Query {
	return Query{Index: IndexByTenantRunnerStatus, TenantID: tenantID, Runner: runner, Status: status}
}

func ByTimeout(before time.Time) Query {
	return Query{Index: IndexByTimeout, TimeoutBefore: before}
}

func ByTenantStatusAsset(tenantID string, status Status, assetID string) Query {
	return Query{Index: IndexByTenantStatusAsset, TenantID: tenantID, Status: status, AssetID: assetID}
}

func ByTenantJitEventJob(tenantID, jitEventID, jobName string) Query {
	return Query{Index: IndexByTenantJitEventJob, TenantID: tenantID, JitEventID: jitEventID, JobName: jobName}
}

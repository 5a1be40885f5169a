package execution

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/execution-service/internal/domain/execution"
)

// ListFilter is the set of listing filters a tenant may combine.
type ListFilter struct {
	Status       domain.Status
	PlanItemSlug string
	JitEventID   string
	AssetID      string
	JobName      string
	Limit        int
	StartKey     string
}

// QueryService serves tenant reads of executions.
type QueryService struct {
	repo   domain.Repository
	tracer trace.Tracer
}

// NewQueryService creates a query service over repo.
func NewQueryService(repo domain.Repository, tracer trace.Tracer) *QueryService {
	return &QueryService{repo: repo, tracer: tracer}
}

// queryFor picks the index that serves f.
func queryFor(tenantID string, f ListFilter) (domain.Query, error) {
	var q domain.Query
	switch {
	case f.JitEventID != "" && f.JobName != "":
		q = domain.ByTenantJitEventJob(tenantID, f.JitEventID, f.JobName)
	case f.JitEventID != "":
		q = domain.ByTenantJitEvent(tenantID, f.JitEventID)
	case f.Status != "" && f.AssetID != "":
		q = domain.ByTenantStatusAsset(tenantID, f.Status, f.AssetID)
	case f.PlanItemSlug != "" && f.Status != "":
		q = domain.ByTenantPlanItemStatus(tenantID, f.PlanItemSlug, f.Status)
	case f.PlanItemSlug != "":
		q = domain.ByTenantPlanItem(tenantID, f.PlanItemSlug)
	case f.Status != "":
		q = domain.ByTenantStatus(tenantID, f.Status)
	default:
		return q, fmt.Errorf("%w: one of jit_event_id, status or plan_item_slug is required", domain.ErrInvalidRequest)
	}
	q.Limit = f.Limit
	q.StartKey = f.StartKey
	return q, q.Validate()
}

// List returns one page of tenantID's executions matching f, newest first.
func (s *QueryService) List(ctx context.Context, tenantID string, f ListFilter) (domain.Page, error) {
	ctx, span := s.tracer.Start(ctx, "query_service.list",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	q, err := queryFor(tenantID, f)
	if err != nil {
		return domain.Page{}, err
	}
	span.SetAttributes(attribute.String("index", string(q.Index)))

	page, err := s.repo.Query(ctx, q)
	if err != nil {
		span.RecordError(err)
		return domain.Page{}, err
	}
	return page, nil
}

// Get returns one execution or a *NotFoundError.
func (s *QueryService) Get(ctx context.Context, key domain.Key) (*domain.Execution, error) {
	ctx, span := s.tracer.Start(ctx, "query_service.get",
		trace.WithAttributes(attribute.String("execution_key", key.String())))
	defer span.End()

	return s.repo.Get(ctx, key, true)
}

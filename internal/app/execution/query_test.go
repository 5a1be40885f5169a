package execution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/ahrav/execution-service/internal/domain/execution"
)

func TestQueryFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		filter  ListFilter
		want    domain.Index
		wantErr bool
	}{
		{name: "jit event and job", filter: ListFilter{JitEventID: "J1", JobName: "sca", Status: domain.StatusFailed}, want: domain.IndexByTenantJitEventJob},
		{name: "jit event", filter: ListFilter{JitEventID: "J1", PlanItemSlug: "p"}, want: domain.IndexByTenantJitEvent},
		{name: "status and asset", filter: ListFilter{Status: domain.StatusFailed, AssetID: "A1"}, want: domain.IndexByTenantStatusAsset},
		{name: "plan item and status", filter: ListFilter{PlanItemSlug: "p", Status: domain.StatusRunning}, want: domain.IndexByTenantPlanItemStatus},
		{name: "plan item", filter: ListFilter{PlanItemSlug: "p"}, want: domain.IndexByTenantPlanItem},
		{name: "status", filter: ListFilter{Status: domain.StatusPending}, want: domain.IndexByTenantStatus},
		{name: "no partition filter", filter: ListFilter{AssetID: "A1", JobName: "sca"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q, err := queryFor("T1", tt.filter)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, q.Index)
			assert.Equal(t, "T1", q.TenantID)
		})
	}
}

func TestQueryService_ListIsTenantScopedAndPaged(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withManualChanges())
	ctx := context.Background()

	recs := []domain.TriggerRecord{
		withJob(triggerRecord("J1", false), "job-1"),
		withJob(triggerRecord("J1", false), "job-2"),
		withJob(triggerRecord("J1", false), "job-3"),
	}
	h.trigger(t, recs...)

	other := triggerRecord("J1", false)
	other.TenantID = "T2"
	h.trigger(t, other)

	page, err := h.svc.Query.List(ctx, "T1", ListFilter{JitEventID: "J1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.LastKey)

	rest, err := h.svc.Query.List(ctx, "T1", ListFilter{JitEventID: "J1", Limit: 2, StartKey: page.LastKey})
	require.NoError(t, err)
	require.Len(t, rest.Items, 1)
	assert.Empty(t, rest.LastKey)

	seen := map[string]bool{}
	for _, e := range append(page.Items, rest.Items...) {
		assert.Equal(t, "T1", e.TenantID)
		seen[e.ExecutionID] = true
	}
	assert.Len(t, seen, 3)

	got, err := h.svc.Query.Get(ctx, keyOf(recs[0]))
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.JobName)

	_, err = h.svc.Query.Get(ctx, domain.Key{TenantID: "T2", JitEventID: "J1", ExecutionID: keyOf(recs[0]).ExecutionID})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

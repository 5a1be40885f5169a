package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/ahrav/execution-service/internal/domain/execution"
)

func TestDataService_CallbackURLs(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withManualChanges(), withConfig(func(c *Config) { c.APIHost = "https://api.example.com/" }))

	urls := h.svc.Data.CallbackURLs(domain.Key{TenantID: "T1", JitEventID: "J 1", ExecutionID: "E1"})
	assert.Equal(t, "https://api.example.com/register", urls.Register)
	assert.Equal(t, "https://api.example.com/completed", urls.Completed)
	assert.Equal(t, "https://api.example.com/vendor-job-start", urls.VendorJobStart)
	assert.Equal(t, "https://api.example.com/execution-data?execution_id=E1&jit_event_id=J+1", urls.ExecutionData)
}

func TestDataService_SealsIntegrationAtRest(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withManualChanges())
	ctx := context.Background()

	e := triggerRecord("J1", false).ToExecution(time.Now(), time.Hour)
	require.NoError(t, h.svc.Data.Store(ctx, e))

	raw, err := h.store.RetrieveData(ctx, e.Key(), time.Now())
	require.NoError(t, err)
	assert.NotContains(t, string(raw.Payload), "s3cr3t")
	assert.Contains(t, string(raw.Payload), "sealed_integration")
	assert.NotZero(t, raw.TTL)
}

func TestDataService_FetchOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withManualChanges())
	ctx := context.Background()

	rec := triggerRecord("J1", true)
	h.trigger(t, rec)
	key := keyOf(rec)

	payload, err := h.svc.Data.Fetch(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, key.ExecutionID, payload.ExecutionID)
	assert.Equal(t, "s3cr3t", payload.Context.Integration["github_token"])
	assert.Empty(t, payload.SealedIntegration)
	assert.Equal(t, "cb-token", payload.CallbackToken)
	assert.Equal(t, "https://executions.example.com/completed", payload.Callbacks.Completed)

	_, err = h.svc.Data.Fetch(ctx, key)
	assert.ErrorIs(t, err, domain.ErrDataAlreadyRetrieved)

	_, err = h.svc.Data.Fetch(ctx, domain.Key{TenantID: "T1", JitEventID: "J1", ExecutionID: "missing"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDataService_AuthFailureIsDependencyFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withManualChanges())
	ctx := context.Background()

	e := triggerRecord("J1", false).ToExecution(time.Now(), time.Hour)
	require.NoError(t, h.svc.Data.Store(ctx, e))
	h.deps.Auth = fakeAuth{err: errors.New("auth down")}

	_, err := h.svc.Data.Fetch(ctx, e.Key())
	var df *domain.DependencyFailureError
	require.ErrorAs(t, err, &df)
	assert.Equal(t, "auth-service", df.Dependency)
}

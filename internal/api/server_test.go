package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	app "github.com/ahrav/execution-service/internal/app/execution"
	domain "github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/pkg/common/logger"
)

type mockQueries struct{ mock.Mock }

func (m *mockQueries) List(ctx context.Context, tenantID string, f app.ListFilter) (domain.Page, error) {
	args := m.Called(ctx, tenantID, f)
	return args.Get(0).(domain.Page), args.Error(1)
}

func (m *mockQueries) Get(ctx context.Context, key domain.Key) (*domain.Execution, error) {
	args := m.Called(ctx, key)
	e, _ := args.Get(0).(*domain.Execution)
	return e, args.Error(1)
}

type mockUpdates struct{ mock.Mock }

func (m *mockUpdates) Register(ctx context.Context, req domain.UpdateRequest) (*domain.Execution, error) {
	args := m.Called(ctx, req)
	e, _ := args.Get(0).(*domain.Execution)
	return e, args.Error(1)
}

func (m *mockUpdates) UpdateControlStatus(ctx context.Context, req domain.UpdateRequest) (*domain.Execution, error) {
	args := m.Called(ctx, req)
	e, _ := args.Get(0).(*domain.Execution)
	return e, args.Error(1)
}

func (m *mockUpdates) VendorJobStart(ctx context.Context, req domain.VendorJobIDUpdateRequest) (*domain.Execution, error) {
	args := m.Called(ctx, req)
	e, _ := args.Get(0).(*domain.Execution)
	return e, args.Error(1)
}

func (m *mockUpdates) ValidateDispatched(ctx context.Context, req domain.ValidateDispatchedRequest) (*domain.Execution, error) {
	args := m.Called(ctx, req)
	e, _ := args.Get(0).(*domain.Execution)
	return e, args.Error(1)
}

type mockData struct{ mock.Mock }

func (m *mockData) Fetch(ctx context.Context, key domain.Key) (*domain.DispatchPayload, error) {
	args := m.Called(ctx, key)
	p, _ := args.Get(0).(*domain.DispatchPayload)
	return p, args.Error(1)
}

type testServer struct {
	srv     *Server
	auth    *JWTAuthorizer
	queries *mockQueries
	updates *mockUpdates
	data    *mockData
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	auth, err := NewJWTAuthorizer([]byte("test-secret"), "executions", time.Second)
	require.NoError(t, err)
	metrics, err := NewAPIMetrics(noop.NewMeterProvider())
	require.NoError(t, err)

	ts := &testServer{auth: auth, queries: new(mockQueries), updates: new(mockUpdates), data: new(mockData)}
	ts.srv = NewServer(Config{
		Build:   "test",
		Queries: ts.queries,
		Updates: ts.updates,
		Data:    ts.data,
		Auth:    auth,
		Metrics: metrics,
	}, logger.Noop())
	return ts
}

func (ts *testServer) do(t *testing.T, method, target, tenant, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if tenant != "" {
		token, err := ts.auth.IssueToken(tenant, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	return rec
}

var testKey = domain.Key{TenantID: "T1", JitEventID: "J1", ExecutionID: "E1"}

func TestServer_HealthNeedsNoToken(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","build":"test"}`, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/v1/readiness", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RejectsUnauthorized(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/execution?jit_event_id=J1&execution_id=E1", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	other, err := NewJWTAuthorizer([]byte("other-secret"), "executions", 0)
	require.NoError(t, err)
	forged, err := other.IssueToken("T1", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/execution?jit_event_id=J1&execution_id=E1", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec = httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	ts.queries.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestServer_RegisterConflictBody(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	ts.updates.On("Register", mock.Anything, mock.MatchedBy(func(req domain.UpdateRequest) bool {
		return req.Key() == testKey
	})).Return(nil, &domain.StatusTransitionConflictError{From: domain.StatusCompleted, To: domain.StatusRunning})

	rec := ts.do(t, http.MethodPost, "/register", "T1", `{"tenant_id":"T1","jit_event_id":"J1","execution_id":"E1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{"from":"COMPLETED","to":"RUNNING"}`, rec.Body.String())
	ts.updates.AssertExpectations(t)
}

func TestServer_TenantBinding(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/completed", "T1", `{"tenant_id":"T2","jit_event_id":"J1","execution_id":"E1"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	ts.updates.AssertNotCalled(t, "UpdateControlStatus", mock.Anything, mock.Anything)

	done := &domain.Execution{TenantID: "T1", JitEventID: "J1", ExecutionID: "E1", Status: domain.StatusCompleted}
	ts.updates.On("UpdateControlStatus", mock.Anything, mock.MatchedBy(func(req domain.UpdateRequest) bool {
		return req.TenantID == "T1"
	})).Return(done, nil).Once()

	rec = ts.do(t, http.MethodPost, "/completed", "T1", `{"jit_event_id":"J1","execution_id":"E1","control_status":"SUCCESS"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	var got domain.Execution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, domain.StatusCompleted, got.Status)
	ts.updates.AssertExpectations(t)
}

func TestServer_MalformedBody(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/vendor-job-start", "T1", `{"vendor_job_id":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_VendorJobStart(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	ts.updates.On("VendorJobStart", mock.Anything, domain.VendorJobIDUpdateRequest{
		TenantID: "T1", JitEventID: "J1", ExecutionID: "E1", RunID: "run-7",
	}).Return(&domain.Execution{TenantID: "T1", JitEventID: "J1", ExecutionID: "E1", RunID: "run-7"}, nil)

	rec := ts.do(t, http.MethodPost, "/vendor-job-start", "T1", `{"jit_event_id":"J1","execution_id":"E1","vendor_job_id":"run-7"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	ts.updates.AssertExpectations(t)
}

func TestServer_ExecutionDataStatuses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "first fetch", want: http.StatusOK},
		{name: "second fetch", err: fmt.Errorf("%w: key", domain.ErrDataAlreadyRetrieved), want: http.StatusGone},
		{name: "missing", err: &domain.NotFoundError{Kind: "execution data", Key: testKey}, want: http.StatusNotFound},
		{name: "auth down", err: &domain.DependencyFailureError{Dependency: "auth-service", Err: errors.New("503")}, want: http.StatusFailedDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ts := newTestServer(t)
			if tt.err != nil {
				ts.data.On("Fetch", mock.Anything, testKey).Return(nil, tt.err)
			} else {
				ts.data.On("Fetch", mock.Anything, testKey).Return(&domain.DispatchPayload{ExecutionID: "E1", CallbackToken: "cb"}, nil)
			}

			rec := ts.do(t, http.MethodGet, "/execution-data?jit_event_id=J1&execution_id=E1", "T1", "")
			assert.Equal(t, tt.want, rec.Code)
			ts.data.AssertExpectations(t)
		})
	}
}

func TestServer_GetScopesKeyToTokenTenant(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	ts.queries.On("Get", mock.Anything, domain.Key{TenantID: "T2", JitEventID: "J1", ExecutionID: "E1"}).
		Return(nil, &domain.NotFoundError{Kind: "execution", Key: testKey})

	rec := ts.do(t, http.MethodGet, "/execution?jit_event_id=J1&execution_id=E1", "T2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/execution?jit_event_id=J1", "T2", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	ts.queries.AssertExpectations(t)
}

func TestServer_List(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	ts.queries.On("List", mock.Anything, "T1", app.ListFilter{JitEventID: "J1", Limit: 2}).
		Return(domain.Page{Items: []*domain.Execution{{TenantID: "T1", JitEventID: "J1", ExecutionID: "E1"}}, LastKey: "next"}, nil)
	ts.queries.On("List", mock.Anything, "T1", app.ListFilter{}).
		Return(domain.Page{}, fmt.Errorf("%w: filter required", domain.ErrInvalidRequest))

	rec := ts.do(t, http.MethodGet, "/?jit_event_id=J1&limit=2", "T1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data     []domain.Execution `json:"data"`
		Metadata struct {
			Count   int    `json:"count"`
			LastKey string `json:"last_key"`
		} `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Data, 1)
	assert.Equal(t, 1, body.Metadata.Count)
	assert.Equal(t, "next", body.Metadata.LastKey)

	rec = ts.do(t, http.MethodGet, "/", "T1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/?jit_event_id=J1&limit=lots", "T1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	ts.queries.AssertExpectations(t)
}

func TestServer_ValidateDispatched(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	ts.updates.On("ValidateDispatched", mock.Anything, domain.ValidateDispatchedRequest{Key: testKey, TargetAssetName: "repo-b"}).
		Return(nil, &domain.AssetMismatchError{Expected: "repo-a", Got: "repo-b"})

	rec := ts.do(t, http.MethodGet, "/validate-dispatched?jit_event_id=J1&execution_id=E1&target_asset_name=repo-b", "T1", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	ts.updates.AssertExpectations(t)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{err: errUnauthorized, want: http.StatusUnauthorized},
		{err: domain.ErrTenantMismatch, want: http.StatusForbidden},
		{err: domain.ErrInvalidRequest, want: http.StatusBadRequest},
		{err: &domain.NotFoundError{Kind: "execution"}, want: http.StatusNotFound},
		{err: domain.ErrDataAlreadyRetrieved, want: http.StatusGone},
		{err: &domain.MultipleCompletesError{}, want: http.StatusConflict},
		{err: &domain.NotDispatchedError{Status: domain.StatusRunning}, want: http.StatusConflict},
		{err: &domain.ConditionFailedError{}, want: http.StatusConflict},
		{err: &domain.DependencyFailureError{Dependency: "auth-service", Err: errors.New("x")}, want: http.StatusFailedDependency},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

type recordedRequest struct {
	method string
	route  string
	status int
}

type recordingMetrics struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (m *recordingMetrics) IncRequestsTotal(_ context.Context, method, route string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, recordedRequest{method: method, route: route, status: status})
}

func (m *recordingMetrics) ObserveRequestDuration(context.Context, string, string, time.Duration) {}
func (m *recordingMetrics) IncRequestErrors(context.Context, string, int)                         {}
func (m *recordingMetrics) IncTenantMismatches(context.Context, string)                           {}

func (m *recordingMetrics) recorded() []recordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recordedRequest(nil), m.requests...)
}

func TestServer_HandlerPanicAnswers500(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	metrics := new(recordingMetrics)
	ts.srv = NewServer(Config{
		Build:   "test",
		Queries: ts.queries,
		Updates: ts.updates,
		Data:    ts.data,
		Auth:    ts.auth,
		Metrics: metrics,
	}, logger.Noop())

	ts.queries.On("Get", mock.Anything, testKey).Run(func(mock.Arguments) {
		panic("store exploded")
	}).Once()
	ts.queries.On("Get", mock.Anything, testKey).Return(&domain.Execution{TenantID: "T1", JitEventID: "J1", ExecutionID: "E1"}, nil).Once()

	rec := ts.do(t, http.MethodGet, "/execution?jit_event_id=J1&execution_id=E1", "T1", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = ts.do(t, http.MethodGet, "/execution?jit_event_id=J1&execution_id=E1", "T1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []recordedRequest{
		{method: http.MethodGet, route: "/execution", status: http.StatusInternalServerError},
		{method: http.MethodGet, route: "/execution", status: http.StatusOK},
	}, metrics.recorded())
	ts.queries.AssertExpectations(t)
}

func TestServer_UnknownRouteIsUnmatched(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	metrics := new(recordingMetrics)
	ts.srv = NewServer(Config{Auth: ts.auth, Metrics: metrics}, logger.Noop())

	rec := ts.do(t, http.MethodGet, "/nope", "T1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.Len(t, metrics.recorded(), 1)
	assert.Equal(t, "unmatched", metrics.recorded()[0].route)
}

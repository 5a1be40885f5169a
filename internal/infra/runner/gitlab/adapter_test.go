package gitlab

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/pkg/common/logger"
)

func testExecution() *execution.Execution {
	return &execution.Execution{
		TenantID:    "T1",
		JitEventID:  "J1",
		ExecutionID: "E1",
		JobName:     "sast",
		JobRunner:   execution.RunnerGitLabCI,
		Context: execution.Context{
			Installation: execution.Installation{Owner: "acme", CentralizedRepo: "jit-controls"},
			Job: execution.Job{Runner: execution.Runner{
				Type:  execution.RunnerGitLabCI,
				Setup: map[string]string{SetupProjectID: "123"},
			}},
		},
	}
}

func newTestAdapter(t *testing.T, mux *http.ServeMux) *Adapter {
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewAdapter(Config{
		BaseURL:             srv.URL,
		TriggerToken:        "trigger",
		APIToken:            "api",
		ExecutionServiceURL: "https://executions.example",
	}, srv.Client(), logger.Noop(), noop.NewTracerProvider().Tracer(""))
}

func TestDispatchReturnsPipelineID(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v4/projects/123/trigger/pipeline", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		if r.PostForm.Get("token") != "trigger" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "E1", r.PostForm.Get("variables[EXECUTION_IDS]"))
		assert.Equal(t, "cb", r.PostForm.Get("variables[CALLBACK_TOKEN]"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":555,"status":"created"}`))
	})
	a := newTestAdapter(t, mux)

	runID, err := a.Dispatch(context.Background(), []*execution.Execution{testExecution()}, "cb")
	require.NoError(t, err)
	assert.Equal(t, "555", runID)
}

func TestDispatchFailureIsTyped(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v4/projects/123/trigger/pipeline", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"Reference not found"}`))
	})
	a := newTestAdapter(t, mux)

	_, err := a.Dispatch(context.Background(), []*execution.Execution{testExecution()}, "cb")
	var dispatchErr *execution.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, "vendor returned 400", dispatchErr.Reason)
}

func TestFailureReasonAndTerminate(t *testing.T) {
	t.Parallel()

	canceled := false
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/projects/123/pipelines/555/jobs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "api", r.Header.Get("PRIVATE-TOKEN"))
		_, _ = w.Write([]byte(`[{"name":"scan","stage":"test","status":"failed","failure_reason":"script_failure","web_url":"https://gl/job/1"}]`))
	})
	mux.HandleFunc("POST /api/v4/projects/123/pipelines/555/cancel", func(w http.ResponseWriter, r *http.Request) {
		canceled = true
		_, _ = w.Write([]byte(`{"id":555,"status":"canceled"}`))
	})
	a := newTestAdapter(t, mux)

	e := testExecution()
	e.RunID = "555"
	reason, err := a.ExecutionFailureReason(context.Background(), e)
	require.NoError(t, err)
	require.NotNil(t, reason)
	assert.Contains(t, reason.Reason, "script_failure")
	assert.Equal(t, "https://gl/job/1", reason.ErrorBody)

	require.NoError(t, a.Terminate(context.Background(), e))
	assert.True(t, canceled)
	assert.Equal(t, a.cfg.BaseURL+"/acme/jit-controls/-/pipelines/555", a.LogsURL(e))
}

// Package gcpbatch dispatches executions as Google Cloud Batch jobs through
// the Batch REST API. Each execution is one task; tasks read their execution
// by BATCH_TASK_INDEX.
package gcpbatch

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/internal/infra/runner"
	"github.com/ahrav/execution-service/pkg/common"
	"github.com/ahrav/execution-service/pkg/common/logger"
)

const (
	defaultBaseURL = "https://batch.googleapis.com/v1"
	cloudPlatform  = "https://www.googleapis.com/auth/cloud-platform"
)

// Runner setup keys.
const (
	SetupProject  = "project"
	SetupRegion   = "region"
	SetupImageURI = "image_uri"
)

// Config holds defaults used when the job definition does not name them.
type Config struct {
	BaseURL             string `mapstructure:"base_url"`
	Project             string `mapstructure:"project"`
	Region              string `mapstructure:"region"`
	ImageURI            string `mapstructure:"image_uri"`
	ExecutionServiceURL string `mapstructure:"execution_service_url" validate:"required,url"`

	Timeouts runner.TimeoutDefaults `mapstructure:"timeouts"`
}

// NewTokenClient returns an HTTP client authorized with Application Default
// Credentials.
func NewTokenClient(ctx context.Context) (*http.Client, error) {
	ts, err := google.DefaultTokenSource(ctx, cloudPlatform)
	if err != nil {
		return nil, fmt.Errorf("gcp default credentials: %w", err)
	}
	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: &oauth2.Transport{Source: ts, Base: otelhttp.NewTransport(http.DefaultTransport)},
	}, nil
}

var _ execution.RunnerAdapter = (*Adapter)(nil)

// Adapter implements the gcp_batch runner.
type Adapter struct {
	runner.Base
	cfg    Config
	api    *runner.APIClient
	logger *logger.Logger
	tracer trace.Tracer
}

// NewAdapter creates the adapter. httpClient must attach credentials; see
// NewTokenClient.
func NewAdapter(cfg Config, httpClient *http.Client, log *logger.Logger, tracer trace.Tracer) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	defaults := cfg.Timeouts
	if defaults == (runner.TimeoutDefaults{}) {
		defaults = runner.DefaultBatchTimeouts()
	}
	return &Adapter{
		Base:   runner.Base{Type: execution.RunnerGCPBatch, Timeouts: runner.NewTimeoutPolicy(defaults)},
		cfg:    cfg,
		api:    runner.NewAPIClient("gcp_batch", httpClient, common.NewKeyedRateLimiter(5, 10), tracer),
		logger: log.With("component", "gcp_batch_adapter"),
		tracer: tracer,
	}
}

type job struct {
	Name       string      `json:"name,omitempty"`
	TaskGroups []taskGroup `json:"taskGroups,omitempty"`
	LogsPolicy *logsPolicy `json:"logsPolicy,omitempty"`
	Status     *jobStatus  `json:"status,omitempty"`
}

type taskGroup struct {
	TaskCount   int      `json:"taskCount"`
	Parallelism int      `json:"parallelism"`
	TaskSpec    taskSpec `json:"taskSpec"`
}

type taskSpec struct {
	Runnables      []runnable  `json:"runnables"`
	Environment    environment `json:"environment"`
	MaxRunDuration string      `json:"maxRunDuration,omitempty"`
}

type runnable struct {
	Container struct {
		ImageURI string `json:"imageUri"`
	} `json:"container"`
}

type environment struct {
	Variables map[string]string `json:"variables"`
}

type logsPolicy struct {
	Destination string `json:"destination"`
}

type jobStatus struct {
	State        string `json:"state"`
	StatusEvents []struct {
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"statusEvents"`
}

// jobID derives a Batch job id: lowercase letters, digits and hyphens,
// starting with a letter, at most 63 characters.
func jobID(e *execution.Execution) string {
	id := strings.ToLower("jit-" + e.ExecutionID)
	id = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return '-'
	}, id)
	if len(id) > 63 {
		id = id[:63]
	}
	return strings.TrimRight(id, "-")
}

// Dispatch creates one job with a task per execution and returns the job's
// resource name.
func (a *Adapter) Dispatch(ctx context.Context, executions []*execution.Execution, callbackToken string) (string, error) {
	if len(executions) == 0 {
		return "", nil
	}
	first := executions[0]
	project := runner.SetupValue(first, SetupProject, a.cfg.Project)
	region := runner.SetupValue(first, SetupRegion, a.cfg.Region)
	image := runner.SetupValue(first, SetupImageURI, a.cfg.ImageURI)

	ctx, span := a.tracer.Start(ctx, "gcp_batch.dispatch",
		trace.WithAttributes(
			attribute.String("project", project),
			attribute.String("region", region),
			attribute.Int("executions", len(executions)),
		))
	defer span.End()

	if project == "" || region == "" || image == "" {
		err := &execution.DispatchError{Runner: a.Type, Reason: "project, region and image are required"}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Reason)
		return "", err
	}

	var r runnable
	r.Container.ImageURI = image
	body := job{
		TaskGroups: []taskGroup{{
			TaskCount:   len(executions),
			Parallelism: len(executions),
			TaskSpec: taskSpec{
				Runnables: []runnable{r},
				Environment: environment{Variables: map[string]string{
					"TENANT_ID":             first.TenantID,
					"JIT_EVENT_ID":          first.JitEventID,
					"EXECUTION_IDS":         strings.Join(runner.ExecutionIDs(executions), ","),
					"CALLBACK_TOKEN":        callbackToken,
					"EXECUTION_SERVICE_URL": a.cfg.ExecutionServiceURL,
				}},
				MaxRunDuration: fmt.Sprintf("%ds", int(a.Timeouts.Duration(first, execution.StatusRunning).Seconds())),
			},
		}},
		LogsPolicy: &logsPolicy{Destination: "CLOUD_LOGGING"},
	}

	var created job
	_, err := a.api.Do(ctx, runner.Request{
		Method:     http.MethodPost,
		URL:        fmt.Sprintf("%s/projects/%s/locations/%s/jobs?job_id=%s", a.cfg.BaseURL, project, region, jobID(first)),
		Body:       body,
		LimiterKey: project,
	}, &created)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create job failed")
		return "", runner.DispatchError(a.Type, err)
	}

	span.SetAttributes(attribute.String("run_id", created.Name))
	a.logger.Info(ctx, "batch job created", "run_id", created.Name, "count", len(executions))
	return created.Name, nil
}

// Terminate deletes the job, which cancels its running tasks.
func (a *Adapter) Terminate(ctx context.Context, e *execution.Execution) error {
	if e.RunID == "" {
		return runner.ErrNoRunID
	}
	_, err := a.api.Do(ctx, runner.Request{
		Method:     http.MethodDelete,
		URL:        a.cfg.BaseURL + "/" + e.RunID,
		LimiterKey: runner.SetupValue(e, SetupProject, a.cfg.Project),
	}, nil)
	if err != nil {
		return fmt.Errorf("delete batch job %s: %w", e.RunID, err)
	}
	return nil
}

// ExecutionFailureReason reports the last status event of a FAILED job.
func (a *Adapter) ExecutionFailureReason(ctx context.Context, e *execution.Execution) (*execution.FailureReason, error) {
	if e.RunID == "" {
		return nil, nil
	}
	var j job
	_, err := a.api.Do(ctx, runner.Request{
		Method:     http.MethodGet,
		URL:        a.cfg.BaseURL + "/" + e.RunID,
		LimiterKey: runner.SetupValue(e, SetupProject, a.cfg.Project),
	}, &j)
	if err != nil {
		return nil, fmt.Errorf("get batch job %s: %w", e.RunID, err)
	}
	if j.Status == nil || j.Status.State != "FAILED" {
		return nil, nil
	}
	fr := &execution.FailureReason{Reason: "batch job failed", RunID: e.RunID}
	if n := len(j.Status.StatusEvents); n > 0 {
		last := j.Status.StatusEvents[n-1]
		fr.ErrorBody = last.Description
	}
	return fr, nil
}

func (a *Adapter) LogsURL(e *execution.Execution) string {
	project := runner.SetupValue(e, SetupProject, a.cfg.Project)
	region := runner.SetupValue(e, SetupRegion, a.cfg.Region)
	if e.RunID == "" {
		return fmt.Sprintf("https://console.cloud.google.com/batch/jobs?project=%s", project)
	}
	return fmt.Sprintf("https://console.cloud.google.com/batch/jobsDetail/regions/%s/jobs/%s/details?project=%s",
		region, path.Base(e.RunID), project)
}

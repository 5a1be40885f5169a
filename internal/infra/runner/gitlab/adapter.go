// Package gitlab dispatches executions as GitLab CI pipelines started through
// a project's pipeline trigger.
package gitlab

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/internal/infra/runner"
	"github.com/ahrav/execution-service/pkg/common"
	"github.com/ahrav/execution-service/pkg/common/logger"
)

// Runner setup keys.
const (
	SetupProjectID   = "project_id"
	SetupProjectPath = "project_path"
	SetupRef         = "ref"
)

// Config holds the GitLab endpoint and credentials.
type Config struct {
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
	// TriggerToken starts pipelines; APIToken cancels and inspects them.
	TriggerToken        string `mapstructure:"trigger_token" validate:"required"`
	APIToken            string `mapstructure:"api_token" validate:"required"`
	ExecutionServiceURL string `mapstructure:"execution_service_url" validate:"required,url"`

	Timeouts runner.TimeoutDefaults `mapstructure:"timeouts"`
}

var _ execution.RunnerAdapter = (*Adapter)(nil)

// Adapter implements the gitlab_ci runner.
type Adapter struct {
	runner.Base
	cfg    Config
	api    *runner.APIClient
	logger *logger.Logger
	tracer trace.Tracer
}

// NewAdapter creates the GitLab CI adapter.
func NewAdapter(cfg Config, httpClient *http.Client, log *logger.Logger, tracer trace.Tracer) *Adapter {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	defaults := cfg.Timeouts
	if defaults == (runner.TimeoutDefaults{}) {
		defaults = runner.DefaultCITimeouts()
	}
	return &Adapter{
		Base:   runner.Base{Type: execution.RunnerGitLabCI, Timeouts: runner.NewTimeoutPolicy(defaults)},
		cfg:    cfg,
		api:    runner.NewAPIClient("gitlab", httpClient, common.NewKeyedRateLimiter(5, 10), tracer),
		logger: log.With("component", "gitlab_ci_adapter"),
		tracer: tracer,
	}
}

type pipeline struct {
	ID     int64  `json:"id"`
	WebURL string `json:"web_url"`
	Status string `json:"status"`
}

func (a *Adapter) projectID(e *execution.Execution) string {
	return url.PathEscape(runner.SetupValue(e, SetupProjectID, e.Context.Installation.CentralizedRepo))
}

// Dispatch triggers one pipeline for all executions and returns its id.
func (a *Adapter) Dispatch(ctx context.Context, executions []*execution.Execution, callbackToken string) (string, error) {
	if len(executions) == 0 {
		return "", nil
	}
	first := executions[0]
	project := a.projectID(first)

	ctx, span := a.tracer.Start(ctx, "gitlab_ci.dispatch",
		trace.WithAttributes(
			attribute.String("project", project),
			attribute.Int("executions", len(executions)),
		))
	defer span.End()

	form := url.Values{}
	form.Set("token", a.cfg.TriggerToken)
	form.Set("ref", runner.SetupValue(first, SetupRef, "main"))
	form.Set("variables[TENANT_ID]", first.TenantID)
	form.Set("variables[JIT_EVENT_ID]", first.JitEventID)
	form.Set("variables[EXECUTION_IDS]", strings.Join(runner.ExecutionIDs(executions), ","))
	form.Set("variables[JOB_NAME]", first.JobName)
	form.Set("variables[CALLBACK_TOKEN]", callbackToken)
	form.Set("variables[EXECUTION_SERVICE_URL]", a.cfg.ExecutionServiceURL)

	var p pipeline
	_, err := a.api.Do(ctx, runner.Request{
		Method:     http.MethodPost,
		URL:        fmt.Sprintf("%s/api/v4/projects/%s/trigger/pipeline", a.cfg.BaseURL, project),
		Form:       form,
		LimiterKey: project,
	}, &p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline trigger failed")
		return "", runner.DispatchError(a.Type, err)
	}

	runID := strconv.FormatInt(p.ID, 10)
	span.SetAttributes(attribute.String("run_id", runID))
	a.logger.Info(ctx, "pipeline triggered", "project", project, "run_id", runID)
	return runID, nil
}

func (a *Adapter) authed(e *execution.Execution, method, path string) runner.Request {
	project := a.projectID(e)
	return runner.Request{
		Method:     method,
		URL:        fmt.Sprintf("%s/api/v4/projects/%s%s", a.cfg.BaseURL, project, path),
		Header:     http.Header{"PRIVATE-TOKEN": {a.cfg.APIToken}},
		LimiterKey: project,
	}
}

// Terminate cancels the pipeline.
func (a *Adapter) Terminate(ctx context.Context, e *execution.Execution) error {
	if e.RunID == "" {
		return runner.ErrNoRunID
	}
	_, err := a.api.Do(ctx, a.authed(e, http.MethodPost, "/pipelines/"+e.RunID+"/cancel"), nil)
	return err
}

type pipelineJob struct {
	Name          string `json:"name"`
	Stage         string `json:"stage"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
	WebURL        string `json:"web_url"`
}

// ExecutionFailureReason reports the first failed job of the pipeline.
func (a *Adapter) ExecutionFailureReason(ctx context.Context, e *execution.Execution) (*execution.FailureReason, error) {
	if e.RunID == "" {
		return nil, nil
	}
	var jobs []pipelineJob
	if _, err := a.api.Do(ctx, a.authed(e, http.MethodGet, "/pipelines/"+e.RunID+"/jobs?scope[]=failed"), &jobs); err != nil {
		return nil, fmt.Errorf("list pipeline jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	j := jobs[0]
	return &execution.FailureReason{
		Reason:    fmt.Sprintf("job %q in stage %q failed: %s", j.Name, j.Stage, j.FailureReason),
		ErrorBody: j.WebURL,
		RunID:     e.RunID,
	}, nil
}

func (a *Adapter) LogsURL(e *execution.Execution) string {
	path := runner.SetupValue(e, SetupProjectPath, e.Context.Installation.Owner+"/"+e.Context.Installation.CentralizedRepo)
	if e.RunID == "" {
		return fmt.Sprintf("%s/%s/-/pipelines", a.cfg.BaseURL, path)
	}
	return fmt.Sprintf("%s/%s/-/pipelines/%s", a.cfg.BaseURL, path, e.RunID)
}

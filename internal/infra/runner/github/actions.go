package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/internal/infra/runner"
	"github.com/ahrav/execution-service/pkg/common/logger"
)

// Runner setup keys read by the Actions adapter.
const (
	SetupRepository = "repository"
	SetupWorkflow   = "workflow"
	SetupRef        = "ref"
)

var _ execution.RunnerAdapter = (*ActionsAdapter)(nil)

// ActionsAdapter triggers a workflow_dispatch run in the tenant's
// centralized controls repository.
type ActionsAdapter struct {
	runner.Base
	*client
}

// NewActionsAdapter creates the adapter for the github_actions runner.
func NewActionsAdapter(cfg Config, httpClient *http.Client, log *logger.Logger, tracer trace.Tracer) (*ActionsAdapter, error) {
	c, err := newClient(cfg, httpClient, log.With("component", "github_actions_adapter"), tracer)
	if err != nil {
		return nil, err
	}
	defaults := cfg.Timeouts
	if defaults == (runner.TimeoutDefaults{}) {
		defaults = runner.DefaultCITimeouts()
	}
	return &ActionsAdapter{
		Base:   runner.Base{Type: execution.RunnerGitHubActions, Timeouts: runner.NewTimeoutPolicy(defaults)},
		client: c,
	}, nil
}

func (a *ActionsAdapter) repository(e *execution.Execution) string {
	inst := e.Context.Installation
	return runner.SetupValue(e, SetupRepository, inst.Owner+"/"+inst.CentralizedRepo)
}

// Dispatch starts one workflow run for all executions. GitHub does not
// return the run id; the runner reports it through vendor-job-start.
func (a *ActionsAdapter) Dispatch(ctx context.Context, executions []*execution.Execution, callbackToken string) (string, error) {
	if len(executions) == 0 {
		return "", nil
	}
	first := executions[0]
	repo := a.repository(first)
	workflow := runner.SetupValue(first, SetupWorkflow, first.WorkflowSlug+".yml")

	ctx, span := a.tracer.Start(ctx, "github_actions.dispatch",
		trace.WithAttributes(
			attribute.String("repository", repo),
			attribute.String("workflow", workflow),
			attribute.Int("executions", len(executions)),
		))
	defer span.End()

	body := map[string]any{
		"ref": runner.SetupValue(first, SetupRef, "main"),
		"inputs": map[string]string{
			"tenant_id":             first.TenantID,
			"jit_event_id":          first.JitEventID,
			"execution_ids":         strings.Join(runner.ExecutionIDs(executions), ","),
			"job_name":              first.JobName,
			"callback_token":        callbackToken,
			"execution_service_url": a.cfg.ExecutionServiceURL,
		},
	}
	err := a.call(ctx, first.Context.Installation.ID, runner.Request{
		Method: http.MethodPost,
		URL:    fmt.Sprintf("%s/repos/%s/actions/workflows/%s/dispatches", a.cfg.BaseURL, repo, workflow),
		Body:   body,
	}, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "workflow dispatch failed")
		return "", runner.DispatchError(a.Type, err)
	}
	a.logger.Info(ctx, "workflow dispatched", "repository", repo, "workflow", workflow, "count", len(executions))
	return "", nil
}

// Terminate cancels the workflow run.
func (a *ActionsAdapter) Terminate(ctx context.Context, e *execution.Execution) error {
	return a.cancelRun(ctx, e, a.repository(e))
}

func (a *ActionsAdapter) ExecutionFailureReason(ctx context.Context, e *execution.Execution) (*execution.FailureReason, error) {
	return a.runFailureReason(ctx, e, a.repository(e))
}

func (a *ActionsAdapter) LogsURL(e *execution.Execution) string {
	return a.runURL(e, a.repository(e))
}

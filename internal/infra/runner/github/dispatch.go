package github

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/internal/infra/runner"
	"github.com/ahrav/execution-service/pkg/common/logger"
)

// SetupEventType overrides the repository_dispatch event type.
const SetupEventType = "event_type"

const defaultEventType = "jit-control"

var _ execution.RunnerAdapter = (*DispatchAdapter)(nil)

// DispatchAdapter sends a repository_dispatch event to the asset's own
// repository, where the tenant's workflow picks it up.
type DispatchAdapter struct {
	runner.Base
	*client
}

// NewDispatchAdapter creates the adapter for the github_dispatch runner.
func NewDispatchAdapter(cfg Config, httpClient *http.Client, log *logger.Logger, tracer trace.Tracer) (*DispatchAdapter, error) {
	c, err := newClient(cfg, httpClient, log.With("component", "github_dispatch_adapter"), tracer)
	if err != nil {
		return nil, err
	}
	defaults := cfg.Timeouts
	if defaults == (runner.TimeoutDefaults{}) {
		defaults = runner.DefaultCITimeouts()
	}
	return &DispatchAdapter{
		Base:   runner.Base{Type: execution.RunnerGitHubDispatch, Timeouts: runner.NewTimeoutPolicy(defaults)},
		client: c,
	}, nil
}

func (a *DispatchAdapter) repository(e *execution.Execution) string {
	return runner.SetupValue(e, SetupRepository, e.Context.Installation.Owner+"/"+e.AssetName)
}

func (a *DispatchAdapter) Dispatch(ctx context.Context, executions []*execution.Execution, callbackToken string) (string, error) {
	if len(executions) == 0 {
		return "", nil
	}
	first := executions[0]
	repo := a.repository(first)

	ctx, span := a.tracer.Start(ctx, "github_dispatch.dispatch",
		trace.WithAttributes(
			attribute.String("repository", repo),
			attribute.Int("executions", len(executions)),
		))
	defer span.End()

	body := map[string]any{
		"event_type": runner.SetupValue(first, SetupEventType, defaultEventType),
		"client_payload": map[string]any{
			"tenant_id":             first.TenantID,
			"jit_event_id":          first.JitEventID,
			"execution_ids":         runner.ExecutionIDs(executions),
			"callback_token":        callbackToken,
			"execution_service_url": a.cfg.ExecutionServiceURL,
		},
	}
	err := a.call(ctx, first.Context.Installation.ID, runner.Request{
		Method: http.MethodPost,
		URL:    fmt.Sprintf("%s/repos/%s/dispatches", a.cfg.BaseURL, repo),
		Body:   body,
	}, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository dispatch failed")
		return "", runner.DispatchError(a.Type, err)
	}
	return "", nil
}

func (a *DispatchAdapter) Terminate(ctx context.Context, e *execution.Execution) error {
	return a.cancelRun(ctx, e, a.repository(e))
}

func (a *DispatchAdapter) ExecutionFailureReason(ctx context.Context, e *execution.Execution) (*execution.FailureReason, error) {
	return a.runFailureReason(ctx, e, a.repository(e))
}

func (a *DispatchAdapter) LogsURL(e *execution.Execution) string {
	return a.runURL(e, a.repository(e))
}

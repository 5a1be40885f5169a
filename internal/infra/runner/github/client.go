package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/internal/infra/runner"
	"github.com/ahrav/execution-service/pkg/common"
	"github.com/ahrav/execution-service/pkg/common/logger"
)

const (
	defaultBaseURL = "https://api.github.com"
	defaultWebURL  = "https://github.com"
)

// Config holds the GitHub App credentials shared by both adapters.
type Config struct {
	BaseURL       string `mapstructure:"base_url"`
	WebURL        string `mapstructure:"web_url"`
	AppID         int64  `mapstructure:"app_id" validate:"required"`
	PrivateKeyPEM string `mapstructure:"private_key" validate:"required"`
	// ExecutionServiceURL is handed to the runner so it can call back.
	ExecutionServiceURL string `mapstructure:"execution_service_url" validate:"required,url"`

	Timeouts runner.TimeoutDefaults `mapstructure:"timeouts"`
}

// client carries what the Actions and dispatch adapters share: the App
// token source and run introspection.
type client struct {
	cfg    Config
	tokens *AppTokenSource
	api    *runner.APIClient
	logger *logger.Logger
	tracer trace.Tracer
}

func newClient(cfg Config, httpClient *http.Client, log *logger.Logger, tracer trace.Tracer) (*client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.WebURL == "" {
		cfg.WebURL = defaultWebURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.WebURL = strings.TrimRight(cfg.WebURL, "/")

	// 5000 requests an hour per installation; start at 90% of that.
	api := runner.NewAPIClient("github", httpClient, common.NewKeyedRateLimiter(1.25, 5), tracer)
	tokens, err := NewAppTokenSource(cfg.AppID, cfg.PrivateKeyPEM, cfg.BaseURL, api)
	if err != nil {
		return nil, err
	}
	return &client{cfg: cfg, tokens: tokens, api: api, logger: log, tracer: tracer}, nil
}

// call performs req as the installation of e.
func (c *client) call(ctx context.Context, installationID string, req runner.Request, out any) error {
	if installationID == "" {
		return fmt.Errorf("execution context has no github installation")
	}
	token, err := c.tokens.InstallationToken(ctx, installationID)
	if err != nil {
		return err
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.Header.Set("Authorization", "token "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.LimiterKey = installationID
	_, err = c.api.Do(ctx, req, out)
	return err
}

func (c *client) cancelRun(ctx context.Context, e *execution.Execution, repo string) error {
	if e.RunID == "" {
		return runner.ErrNoRunID
	}
	return c.call(ctx, e.Context.Installation.ID, runner.Request{
		Method: http.MethodPost,
		URL:    fmt.Sprintf("%s/repos/%s/actions/runs/%s/cancel", c.cfg.BaseURL, repo, e.RunID),
	}, nil)
}

type workflowJobs struct {
	Jobs []struct {
		Name       string `json:"name"`
		Conclusion string `json:"conclusion"`
		HTMLURL    string `json:"html_url"`
		Steps      []struct {
			Name       string `json:"name"`
			Conclusion string `json:"conclusion"`
		} `json:"steps"`
	} `json:"jobs"`
}

// runFailureReason names the first job of the run that did not succeed and
// the step it failed in.
func (c *client) runFailureReason(ctx context.Context, e *execution.Execution, repo string) (*execution.FailureReason, error) {
	if e.RunID == "" {
		return nil, nil
	}
	var jobs workflowJobs
	err := c.call(ctx, e.Context.Installation.ID, runner.Request{
		Method: http.MethodGet,
		URL:    fmt.Sprintf("%s/repos/%s/actions/runs/%s/jobs", c.cfg.BaseURL, repo, e.RunID),
	}, &jobs)
	if err != nil {
		return nil, fmt.Errorf("list workflow jobs: %w", err)
	}

	for _, j := range jobs.Jobs {
		switch j.Conclusion {
		case "failure", "timed_out", "cancelled", "startup_failure":
		default:
			continue
		}
		fr := &execution.FailureReason{
			Reason: fmt.Sprintf("job %q concluded %s", j.Name, j.Conclusion),
			RunID:  e.RunID,
		}
		for _, s := range j.Steps {
			if s.Conclusion == "failure" {
				fr.ErrorBody = fmt.Sprintf("step %q failed; see %s", s.Name, j.HTMLURL)
				break
			}
		}
		return fr, nil
	}
	return nil, nil
}

func (c *client) runURL(e *execution.Execution, repo string) string {
	if e.RunID == "" {
		return fmt.Sprintf("%s/%s/actions", c.cfg.WebURL, repo)
	}
	return fmt.Sprintf("%s/%s/actions/runs/%s", c.cfg.WebURL, repo, e.RunID)
}

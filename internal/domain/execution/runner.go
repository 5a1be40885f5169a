package execution

import (
	"context"
	"time"
)

// RunnerType is the enumerated backend family an execution is dispatched to.
type RunnerType string

const (
	RunnerGitHubActions       RunnerType = "github_actions"
	RunnerGitHubActionsLegacy RunnerType = "github_actions_legacy"
	RunnerGitLabCI            RunnerType = "gitlab_ci"
	RunnerAWSBatch            RunnerType = "aws_batch"
	RunnerGCPBatch            RunnerType = "gcp_batch"
	RunnerGitHubDispatch      RunnerType = "github_dispatch"
)

// RunnerFamily groups runner types that share a dispatch contract.
type RunnerFamily string

const (
	FamilyCI               RunnerFamily = "ci"
	FamilyCloudBatch       RunnerFamily = "cloud_batch"
	FamilyCodeHostDispatch RunnerFamily = "code_host_dispatch"
)

// Family returns the family of r, or "" for an unknown runner.
func (r RunnerType) Family() RunnerFamily {
	switch r {
	case RunnerGitHubActions, RunnerGitHubActionsLegacy, RunnerGitLabCI:
		return FamilyCI
	case RunnerAWSBatch, RunnerGCPBatch:
		return FamilyCloudBatch
	case RunnerGitHubDispatch:
		return FamilyCodeHostDispatch
	default:
		return ""
	}
}

// Vendor returns the vendor that operates r.
func (r RunnerType) Vendor() string {
	switch r {
	case RunnerGitHubActions, RunnerGitHubActionsLegacy, RunnerGitHubDispatch:
		return "github"
	case RunnerGitLabCI:
		return "gitlab"
	case RunnerAWSBatch:
		return "aws"
	case RunnerGCPBatch:
		return "gcp"
	default:
		return ""
	}
}

// SiblingCIRunner returns the sibling CI variant consulted by the scheduler
// when the requested variant has nothing PENDING. Plans may define a job
// under either GitHub Actions runner name.
func SiblingCIRunner(r RunnerType) (RunnerType, bool) {
	switch r {
	case RunnerGitHubActions:
		return RunnerGitHubActionsLegacy, true
	case RunnerGitHubActionsLegacy:
		return RunnerGitHubActions, true
	default:
		return "", false
	}
}

// FailureReason is the post-hoc classification of a vendor-side failure.
type FailureReason struct {
	Reason    string `json:"reason"`
	ErrorBody string `json:"error_body,omitempty"`
	RunID     string `json:"run_id,omitempty"`
}

// RunnerAdapter is the uniform contract over CI, cloud batch and code-host
// dispatch backends.
type RunnerAdapter interface {
	// RunnerType returns the family this adapter serves.
	RunnerType() RunnerType

	// Dispatch hands executions to the backend. All executions share a tenant,
	// jit event and runner. It returns the backend run id when one is known,
	// or a *DispatchError when the backend rejects the request.
	Dispatch(ctx context.Context, executions []*Execution, callbackToken string) (string, error)

	// Terminate asks the backend to stop a running execution. Callers treat
	// failures as best effort.
	Terminate(ctx context.Context, e *Execution) error

	// WatchdogTimeout returns the absolute deadline for e in status.
	WatchdogTimeout(e *Execution, status Status) time.Time

	// ExecutionFailureReason introspects the backend to classify a vendor
	// failure. It returns nil when the backend has nothing to add.
	ExecutionFailureReason(ctx context.Context, e *Execution) (*FailureReason, error)

	// LogsURL returns the backend console URL for operators.
	LogsURL(e *Execution) string
}

// RunnerRegistry resolves the adapter for a runner type.
type RunnerRegistry interface {
	Adapter(runner RunnerType) (RunnerAdapter, error)
}

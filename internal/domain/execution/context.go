package execution

// prEventNames lists the jit event names raised by pull/merge request activity.
var prEventNames = map[string]struct{}{
	"pull_request_created":  {},
	"pull_request_updated":  {},
	"merge_request_created": {},
	"merge_request_updated": {},
}

// JitEvent is the snapshot of the external stimulus an execution belongs to.
type JitEvent struct {
	ID          string `json:"id" validate:"required"`
	Name        string `json:"name" validate:"required"`
	TriggerType string `json:"trigger_type,omitempty"`
}

// IsPRRelated reports whether the jit event was raised by a pull request.
func (j JitEvent) IsPRRelated() bool {
	_, ok := prEventNames[j.Name]
	return ok
}

// Asset is the snapshot of the asset a control runs against.
type Asset struct {
	ID        string `json:"id" validate:"required"`
	Name      string `json:"name" validate:"required"`
	Type      string `json:"type" validate:"required"`
	Vendor    string `json:"vendor" validate:"required"`
	IsActive  bool   `json:"is_active"`
	IsCovered bool   `json:"is_covered"`
}

// Runner describes where a job runs.
type Runner struct {
	Type RunnerType `json:"type" validate:"required"`
	// Setup carries runner-specific dispatch parameters such as repository,
	// workflow file, job queue or project.
	Setup map[string]string `json:"setup,omitempty"`
}

// Job is the snapshot of the job definition.
type Job struct {
	Name   string           `json:"name" validate:"required"`
	Runner Runner           `json:"runner" validate:"required"`
	Steps  []map[string]any `json:"steps,omitempty"`
}

// Workflow is the snapshot of the workflow the job belongs to.
type Workflow struct {
	Slug string `json:"slug" validate:"required"`
	Name string `json:"name,omitempty"`
}

// Installation is the code-host/vendor installation used for dispatch.
type Installation struct {
	ID              string `json:"id,omitempty"`
	Owner           string `json:"owner,omitempty"`
	Vendor          string `json:"vendor,omitempty"`
	CentralizedRepo string `json:"centralized_repo,omitempty"`
}

// RunnerConfig holds per-tenant overrides for one runner family. Zero values
// fall back to global defaults.
type RunnerConfig struct {
	JobExecutionTimeoutMinutes   int `json:"job_execution_timeout_minutes,omitempty"`
	PRJobExecutionTimeoutMinutes int `json:"pr_job_execution_timeout_minutes,omitempty"`
	JobSetupTimeoutMinutes       int `json:"job_setup_timeout_minutes,omitempty"`
	PRJobSetupTimeoutMinutes     int `json:"pr_job_setup_timeout_minutes,omitempty"`
	MaxResourcesInUse            int `json:"max_resources_in_use,omitempty"`
}

// ResourceManagement groups tenant resource configuration.
type ResourceManagement struct {
	RunnerConfig map[RunnerType]RunnerConfig `json:"runner_config,omitempty"`
}

// TenantConfig is the tenant configuration snapshot carried in the context.
type TenantConfig struct {
	ResourceManagement ResourceManagement `json:"resource_management"`
}

// Context is the immutable snapshot handed to the runner.
type Context struct {
	JitEvent     JitEvent       `json:"jit_event"`
	Asset        Asset          `json:"asset"`
	Installation Installation   `json:"installation"`
	Job          Job            `json:"job"`
	Workflow     Workflow       `json:"workflow"`
	Enrichment   map[string]any `json:"enrichment,omitempty"`
	Integration  map[string]any `json:"integration,omitempty"`
	Config       TenantConfig   `json:"config"`
}

// RunnerOverrides returns the tenant overrides for runner, if any.
func (c Context) RunnerOverrides(runner RunnerType) RunnerConfig {
	return c.Config.ResourceManagement.RunnerConfig[runner]
}

func (c Context) clone() Context {
	out := c
	out.Enrichment = cloneMap(c.Enrichment)
	out.Integration = cloneMap(c.Integration)
	if c.Job.Runner.Setup != nil {
		out.Job.Runner.Setup = make(map[string]string, len(c.Job.Runner.Setup))
		for k, v := range c.Job.Runner.Setup {
			out.Job.Runner.Setup[k] = v
		}
	}
	if c.Config.ResourceManagement.RunnerConfig != nil {
		out.Config.ResourceManagement.RunnerConfig = make(map[RunnerType]RunnerConfig, len(c.Config.ResourceManagement.RunnerConfig))
		for k, v := range c.Config.ResourceManagement.RunnerConfig {
			out.Config.ResourceManagement.RunnerConfig[k] = v
		}
	}
	return out
}

// Package execution implements the execution lifecycle: trigger intake,
// admission against resource pools, dispatch to runners, state updates from
// runner callbacks, retries and the watchdog.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/ahrav/execution-service/internal/app/cluster"
	"github.com/ahrav/execution-service/internal/domain/events"
	domain "github.com/ahrav/execution-service/internal/domain/execution"
)

// Config holds the lifecycle knobs.
type Config struct {
	// RetryLimit is the number of retries granted to PR-related executions
	// failing with retryable errors.
	RetryLimit int `mapstructure:"limit" validate:"gte=0"`
	// AdmissionRetries bounds the scheduler's attempts per change record.
	AdmissionRetries int `mapstructure:"admission_retries" validate:"gte=1"`
	// FreeRetries bounds attempts to free a resource token on completion.
	FreeRetries  int           `mapstructure:"free_retries" validate:"gte=1"`
	FreeInterval time.Duration `mapstructure:"free_interval"`
	// DefaultMaxResourcesInUse caps managed slots per (tenant, runner) when
	// the tenant configures none. Zero means unbounded.
	DefaultMaxResourcesInUse int `mapstructure:"default_max_resources_in_use" validate:"gte=0"`
	// DispatchConcurrency bounds per-execution emissions after a dispatch.
	DispatchConcurrency int           `mapstructure:"dispatch_concurrency" validate:"gte=1"`
	ExecutionTTL        time.Duration `mapstructure:"execution_ttl"`
	IdempotencyTTL      time.Duration `mapstructure:"idempotency_ttl"`
	// FailOnMissingIdempotencyKey rejects events no key can be derived for.
	FailOnMissingIdempotencyKey bool `mapstructure:"fail_on_missing_idempotency_key"`
	// APIHost is the externally reachable base URL runners call back on.
	APIHost string `mapstructure:"api_host"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RetryLimit:                  2,
		AdmissionRetries:            3,
		FreeRetries:                 3,
		FreeInterval:                200 * time.Millisecond,
		DefaultMaxResourcesInUse:    10,
		DispatchConcurrency:         6,
		ExecutionTTL:                30 * 24 * time.Hour,
		IdempotencyTTL:              24 * time.Hour,
		FailOnMissingIdempotencyKey: true,
	}
}

// Redactor scrubs secrets from free text.
type Redactor interface {
	Redact(s string) string
}

type passthrough struct{}

func (passthrough) Redact(s string) string { return s }

// Dependencies are the ports the lifecycle services are built on.
type Dependencies struct {
	Executions   domain.Repository
	Pool         domain.ResourcePool
	Data         domain.DataRepository
	Idempotency  domain.IdempotencyStore
	FailedToFree domain.FailedToFreeBucket
	Runners      domain.RunnerRegistry

	Assets   domain.AssetService
	Auth     domain.AuthService
	Retry    domain.RetryInvoker
	Workflow domain.WorkflowNotifier
	Sealer   domain.Sealer

	Publisher events.DomainEventPublisher
	Alerter   domain.Alerter
	Redactor  Redactor
	Metrics   ExecutionMetrics

	// Leader gates the watchdog. Nil means this instance always sweeps.
	Leader cluster.Coordinator
	// Now defaults to time.Now.
	Now func() time.Time
}

func (d *Dependencies) withDefaults() {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Redactor == nil {
		d.Redactor = passthrough{}
	}
}

func (d *Dependencies) now() time.Time { return d.Now().UTC() }

// deadline asks the runner adapter for the status deadline of e.
func (d *Dependencies) deadline(e *domain.Execution, status domain.Status) (*time.Time, error) {
	adapter, err := d.Runners.Adapter(e.JobRunner)
	if err != nil {
		return nil, err
	}
	t := adapter.WatchdogTimeout(e, status).UTC()
	return &t, nil
}

// capacity returns the managed slot count for e's tenant and runner.
func (cfg Config) capacity(e *domain.Execution) int {
	if n := e.Context.RunnerOverrides(e.JobRunner).MaxResourcesInUse; n > 0 {
		return n
	}
	return cfg.DefaultMaxResourcesInUse
}

func (d *Dependencies) publish(ctx context.Context, evt events.DomainEvent) error {
	if err := d.Publisher.PublishDomainEvent(ctx, evt); err != nil {
		return fmt.Errorf("failed to publish %s: %w", evt.EventType(), err)
	}
	return nil
}

// union returns a followed by the entries of b.
func union(a, b []domain.ExecutionError) []domain.ExecutionError {
	out := make([]domain.ExecutionError, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

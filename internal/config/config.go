// Package config loads the execution service configuration from defaults,
// an optional YAML file and the environment.
package config

import (
	"time"

	"github.com/ahrav/execution-service/internal/infra/cluster/kubernetes"
	"github.com/ahrav/execution-service/internal/infra/eventbus/kafka"
	"github.com/ahrav/execution-service/internal/infra/runner"
	"github.com/ahrav/execution-service/internal/infra/runner/awsbatch"
	"github.com/ahrav/execution-service/internal/infra/runner/gcpbatch"
	"github.com/ahrav/execution-service/internal/infra/runner/github"
	"github.com/ahrav/execution-service/internal/infra/runner/gitlab"
	"github.com/ahrav/execution-service/internal/infra/services"
)

// Config is the top-level service configuration.
type Config struct {
	API APIConfig `mapstructure:"api"`
	// APIHost is the externally reachable base URL runners call back on.
	APIHost string `mapstructure:"api_host" validate:"required,url"`

	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Database.URL empty runs the service on in-memory stores and bus.
	Database DatabaseConfig `mapstructure:"database"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`

	Retry       RetryConfig       `mapstructure:"retry"`
	AWS         AWSConfig         `mapstructure:"aws"`
	Services    ServicesConfig    `mapstructure:"services"`
	Execution   ExecutionConfig   `mapstructure:"execution"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Watchdog    WatchdogConfig    `mapstructure:"watchdog"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Sealing     SealingConfig     `mapstructure:"sealing"`
	Leader      LeaderConfig      `mapstructure:"leader"`

	// Timeouts are the global runner deadline defaults. Zero fields fall back
	// to each runner family's built-in defaults.
	Timeouts runner.TimeoutDefaults `mapstructure:"timeouts"`
	Runners  RunnersConfig          `mapstructure:"runners"`
}

type APIConfig struct {
	BindHost        string        `mapstructure:"bind_host"`
	Port            int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" validate:"gte=0"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
	// SamplingRatio is the trace sampling probability.
	SamplingRatio float64 `mapstructure:"sampling_ratio" validate:"gte=0,lte=1"`
	OTLPEndpoint  string  `mapstructure:"otlp_endpoint"`
}

type DatabaseConfig struct {
	URL           string `mapstructure:"url"`
	MinConns      int32  `mapstructure:"min_conns" validate:"gte=0"`
	MaxConns      int32  `mapstructure:"max_conns" validate:"gte=0"`
	MigrationsDir string `mapstructure:"migrations_dir"`
}

type KafkaConfig struct {
	Brokers []string           `mapstructure:"brokers"`
	GroupID string             `mapstructure:"group_id"`
	Topics  kafka.TopicsConfig `mapstructure:"topics"`
}

// RetryConfig selects how retries are re-triggered. An empty Lambda ARN
// republishes retry-execution events on the bus instead.
type RetryConfig struct {
	Limit              int    `mapstructure:"limit" validate:"gte=0"`
	ExecutionLambdaARN string `mapstructure:"execution_lambda_arn"`
}

type AWSConfig struct {
	AccountID  string `mapstructure:"account_id"`
	RegionName string `mapstructure:"region_name"`
}

// ServicesConfig locates the collaborating services. Empty auth or asset
// URLs fall back to local implementations.
type ServicesConfig struct {
	AuthURL     string                     `mapstructure:"auth_url" validate:"omitempty,url"`
	PlanURL     string                     `mapstructure:"plan_url" validate:"omitempty,url"`
	AssetURL    string                     `mapstructure:"asset_url" validate:"omitempty,url"`
	SCMURL      string                     `mapstructure:"scm_url" validate:"omitempty,url"`
	ActionURL   string                     `mapstructure:"action_url" validate:"omitempty,url"`
	FindingURL  string                     `mapstructure:"finding_url" validate:"omitempty,url"`
	Timeout     time.Duration              `mapstructure:"timeout" validate:"gt=0"`
	Credentials services.ClientCredentials `mapstructure:"credentials"`
}

type ExecutionConfig struct {
	TTL                      time.Duration `mapstructure:"ttl" validate:"gt=0"`
	AdmissionRetries         int           `mapstructure:"admission_retries" validate:"gte=1"`
	FreeRetries              int           `mapstructure:"free_retries" validate:"gte=1"`
	FreeInterval             time.Duration `mapstructure:"free_interval"`
	DefaultMaxResourcesInUse int           `mapstructure:"default_max_resources_in_use" validate:"gte=0"`
	DispatchConcurrency      int           `mapstructure:"dispatch_concurrency" validate:"gte=1"`
}

type IdempotencyConfig struct {
	TTL              time.Duration `mapstructure:"ttl" validate:"gt=0"`
	FailOnMissingKey bool          `mapstructure:"fail_on_missing_key"`
}

type WatchdogConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret" validate:"required"`
	Issuer    string        `mapstructure:"issuer"`
	ClockSkew time.Duration `mapstructure:"clock_skew"`
}

// SealingConfig carries the base64 secretbox key. Empty stores secrets
// unsealed.
type SealingConfig struct {
	Key string `mapstructure:"key"`
}

// LeaderConfig enables Kubernetes lease election for the watchdog. Disabled
// instances always sweep.
type LeaderConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Kubernetes is only validated when Enabled.
	Kubernetes kubernetes.K8sConfig `mapstructure:"kubernetes" validate:"-"`
}

// RunnersConfig holds per-backend credentials. A nil entry leaves the
// backend unregistered.
type RunnersConfig struct {
	GitHub   *github.Config   `mapstructure:"github"`
	GitLab   *gitlab.Config   `mapstructure:"gitlab"`
	AWSBatch *awsbatch.Config `mapstructure:"aws_batch"`
	GCPBatch *gcpbatch.Config `mapstructure:"gcp_batch"`
}

// LocalMode reports whether the service runs without Postgres and Kafka.
func (c *Config) LocalMode() bool { return c.Database.URL == "" }

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/ahrav/execution-service/internal/infra/runner"
)

type runnerTimeouts = runner.TimeoutDefaults

// FileEnv names the environment variable pointing at an optional YAML file.
const FileEnv = "EXECUTIONS_CONFIG"

// secretKeys have no defaults, so they are bound explicitly for AutomaticEnv
// to pick them up during Unmarshal.
var secretKeys = []string{
	"database.url",
	"kafka.brokers",
	"retry.execution_lambda_arn",
	"aws.account_id",
	"aws.region_name",
	"services.auth_url",
	"services.plan_url",
	"services.asset_url",
	"services.scm_url",
	"services.action_url",
	"services.finding_url",
	"services.credentials.token_url",
	"services.credentials.client_id",
	"services.credentials.client_secret",
	"auth.jwt_secret",
	"auth.issuer",
	"sealing.key",
	"metrics.otlp_endpoint",
	"leader.kubernetes.namespace",
	"leader.kubernetes.identity",
	"leader.kubernetes.kubeconfig",

	"runners.github.app_id",
	"runners.github.private_key",
	"runners.github.base_url",
	"runners.github.web_url",
	"runners.gitlab.base_url",
	"runners.gitlab.trigger_token",
	"runners.gitlab.api_token",
	"runners.aws_batch.region",
	"runners.aws_batch.job_queue",
	"runners.aws_batch.job_definition",
	"runners.gcp_batch.base_url",
	"runners.gcp_batch.project",
	"runners.gcp_batch.region",
	"runners.gcp_batch.image_uri",
}

// SetDefaults registers every defaulted key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("api.bind_host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.shutdown_timeout", 20*time.Second)
	v.SetDefault("api.max_body_bytes", 1<<20)
	v.SetDefault("api_host", "http://localhost:8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.sampling_ratio", 0.1)

	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.migrations_dir", "db/migrations")

	v.SetDefault("kafka.group_id", "execution-service")
	v.SetDefault("kafka.topics.commands", "execution-commands")
	v.SetDefault("kafka.topics.lifecycle", "execution-lifecycle")
	v.SetDefault("kafka.topics.metrics", "execution-metrics")
	v.SetDefault("kafka.topics.alerts", "execution-alerts")

	v.SetDefault("retry.limit", 2)
	v.SetDefault("services.timeout", 10*time.Second)

	v.SetDefault("execution.ttl", 30*24*time.Hour)
	v.SetDefault("execution.admission_retries", 3)
	v.SetDefault("execution.free_retries", 3)
	v.SetDefault("execution.free_interval", 200*time.Millisecond)
	v.SetDefault("execution.default_max_resources_in_use", 10)
	v.SetDefault("execution.dispatch_concurrency", 6)

	v.SetDefault("idempotency.ttl", 24*time.Hour)
	v.SetDefault("idempotency.fail_on_missing_key", true)
	v.SetDefault("watchdog.interval", time.Minute)
	v.SetDefault("auth.clock_skew", 30*time.Second)

	v.SetDefault("leader.enabled", false)
	v.SetDefault("leader.kubernetes.leader_lock_id", "execution-service-watchdog")
}

// New returns a viper instance reading the environment with `.` mapped to
// `_`, so api.port is read from API_PORT.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range secretKeys {
		_ = v.BindEnv(key)
	}
	SetDefaults(v)
	return v
}

// Load reads the configuration: defaults, then the YAML file named by
// EXECUTIONS_CONFIG when set, then the environment.
func Load() (*Config, error) {
	v := New()
	if path := os.Getenv(FileEnv); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	return LoadWithViper(v)
}

// LoadWithViper unmarshals and validates the configuration held by v.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyRunnerDefaults()

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, validationError(err)
	}
	if cfg.Leader.Enabled {
		if err := validate.Struct(&cfg.Leader.Kubernetes); err != nil {
			return nil, validationError(err)
		}
	}
	return &cfg, nil
}

// applyRunnerDefaults hands every configured runner the callback URL and the
// global deadline defaults it did not set itself.
func (c *Config) applyRunnerDefaults() {
	fill := func(url *string, timeouts *runnerTimeouts) {
		if *url == "" {
			*url = c.APIHost
		}
		if *timeouts == (runnerTimeouts{}) {
			*timeouts = c.Timeouts
		}
	}
	if r := c.Runners.GitHub; r != nil {
		fill(&r.ExecutionServiceURL, &r.Timeouts)
	}
	if r := c.Runners.GitLab; r != nil {
		fill(&r.ExecutionServiceURL, &r.Timeouts)
	}
	if r := c.Runners.AWSBatch; r != nil {
		if r.Region == "" {
			r.Region = c.AWS.RegionName
		}
		fill(&r.ExecutionServiceURL, &r.Timeouts)
	}
	if r := c.Runners.GCPBatch; r != nil {
		fill(&r.ExecutionServiceURL, &r.Timeouts)
	}
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
}

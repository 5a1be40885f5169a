// Package awsbatch dispatches executions as AWS Batch jobs. A group of
// executions becomes one array job whose children pick their execution by
// AWS_BATCH_JOB_ARRAY_INDEX.
package awsbatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/internal/infra/runner"
	"github.com/ahrav/execution-service/pkg/common/logger"
)

// Runner setup keys.
const (
	SetupJobQueue      = "job_queue"
	SetupJobDefinition = "job_definition"
)

// API is the subset of the Batch client the adapter uses.
type API interface {
	SubmitJob(ctx context.Context, in *batch.SubmitJobInput, optFns ...func(*batch.Options)) (*batch.SubmitJobOutput, error)
	TerminateJob(ctx context.Context, in *batch.TerminateJobInput, optFns ...func(*batch.Options)) (*batch.TerminateJobOutput, error)
	DescribeJobs(ctx context.Context, in *batch.DescribeJobsInput, optFns ...func(*batch.Options)) (*batch.DescribeJobsOutput, error)
}

// Config holds defaults used when the job definition does not name them.
type Config struct {
	Region               string `mapstructure:"region" validate:"required"`
	DefaultJobQueue      string `mapstructure:"job_queue"`
	DefaultJobDefinition string `mapstructure:"job_definition"`
	ExecutionServiceURL  string `mapstructure:"execution_service_url" validate:"required,url"`

	Timeouts runner.TimeoutDefaults `mapstructure:"timeouts"`
}

var _ execution.RunnerAdapter = (*Adapter)(nil)

// Adapter implements the aws_batch runner.
type Adapter struct {
	runner.Base
	cfg    Config
	client API
	logger *logger.Logger
	tracer trace.Tracer
}

// NewAdapter wraps a Batch client, typically batch.NewFromConfig(awsCfg).
func NewAdapter(cfg Config, client API, log *logger.Logger, tracer trace.Tracer) *Adapter {
	defaults := cfg.Timeouts
	if defaults == (runner.TimeoutDefaults{}) {
		defaults = runner.DefaultBatchTimeouts()
	}
	return &Adapter{
		Base:   runner.Base{Type: execution.RunnerAWSBatch, Timeouts: runner.NewTimeoutPolicy(defaults)},
		cfg:    cfg,
		client: client,
		logger: log.With("component", "aws_batch_adapter"),
		tracer: tracer,
	}
}

// jobName builds a Batch job name: up to 128 letters, digits, hyphens and
// underscores.
func jobName(e *execution.Execution) string {
	name := fmt.Sprintf("jit-%s-%s", e.JobName, e.ExecutionID)
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
	if len(name) > 128 {
		name = name[:128]
	}
	return name
}

// Dispatch submits one job, as an array job when there is more than one
// execution, and returns its id.
func (a *Adapter) Dispatch(ctx context.Context, executions []*execution.Execution, callbackToken string) (string, error) {
	if len(executions) == 0 {
		return "", nil
	}
	first := executions[0]
	queue := runner.SetupValue(first, SetupJobQueue, a.cfg.DefaultJobQueue)
	definition := runner.SetupValue(first, SetupJobDefinition, a.cfg.DefaultJobDefinition)

	ctx, span := a.tracer.Start(ctx, "aws_batch.dispatch",
		trace.WithAttributes(
			attribute.String("job_queue", queue),
			attribute.String("job_definition", definition),
			attribute.Int("executions", len(executions)),
		))
	defer span.End()

	if queue == "" || definition == "" {
		err := &execution.DispatchError{Runner: a.Type, Reason: "job queue and job definition are required"}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Reason)
		return "", err
	}

	env := []types.KeyValuePair{
		{Name: aws.String("TENANT_ID"), Value: aws.String(first.TenantID)},
		{Name: aws.String("JIT_EVENT_ID"), Value: aws.String(first.JitEventID)},
		{Name: aws.String("EXECUTION_IDS"), Value: aws.String(strings.Join(runner.ExecutionIDs(executions), ","))},
		{Name: aws.String("CALLBACK_TOKEN"), Value: aws.String(callbackToken)},
		{Name: aws.String("EXECUTION_SERVICE_URL"), Value: aws.String(a.cfg.ExecutionServiceURL)},
	}
	in := &batch.SubmitJobInput{
		JobName:            aws.String(jobName(first)),
		JobQueue:           aws.String(queue),
		JobDefinition:      aws.String(definition),
		ContainerOverrides: &types.ContainerOverrides{Environment: env},
		Tags: map[string]string{
			"tenant_id":    first.TenantID,
			"jit_event_id": first.JitEventID,
		},
		PropagateTags: aws.Bool(true),
	}
	if len(executions) > 1 {
		in.ArrayProperties = &types.ArrayProperties{Size: aws.Int32(int32(len(executions)))}
	}

	out, err := a.client.SubmitJob(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit job failed")
		return "", &execution.DispatchError{Runner: a.Type, Reason: "submit job failed", Err: err}
	}

	runID := aws.ToString(out.JobId)
	span.SetAttributes(attribute.String("run_id", runID))
	a.logger.Info(ctx, "batch job submitted", "job_queue", queue, "run_id", runID, "count", len(executions))
	return runID, nil
}

// Terminate stops the job. For array jobs this stops every child.
func (a *Adapter) Terminate(ctx context.Context, e *execution.Execution) error {
	if e.RunID == "" {
		return runner.ErrNoRunID
	}
	_, err := a.client.TerminateJob(ctx, &batch.TerminateJobInput{
		JobId:  aws.String(e.RunID),
		Reason: aws.String(fmt.Sprintf("execution %s timed out", e.ExecutionID)),
	})
	if err != nil {
		return fmt.Errorf("terminate batch job %s: %w", e.RunID, err)
	}
	return nil
}

// ExecutionFailureReason reports the status and container reasons of a
// FAILED job.
func (a *Adapter) ExecutionFailureReason(ctx context.Context, e *execution.Execution) (*execution.FailureReason, error) {
	if e.RunID == "" {
		return nil, nil
	}
	out, err := a.client.DescribeJobs(ctx, &batch.DescribeJobsInput{Jobs: []string{e.RunID}})
	if err != nil {
		return nil, fmt.Errorf("describe batch job %s: %w", e.RunID, err)
	}
	for _, j := range out.Jobs {
		if j.Status != types.JobStatusFailed {
			continue
		}
		fr := &execution.FailureReason{Reason: aws.ToString(j.StatusReason), RunID: aws.ToString(j.JobId)}
		if j.Container != nil {
			fr.ErrorBody = aws.ToString(j.Container.Reason)
			if j.Container.ExitCode != nil {
				fr.ErrorBody = strings.TrimSpace(fmt.Sprintf("%s (exit code %d)", fr.ErrorBody, *j.Container.ExitCode))
			}
		}
		return fr, nil
	}
	return nil, nil
}

func (a *Adapter) LogsURL(e *execution.Execution) string {
	base := fmt.Sprintf("https://%s.console.aws.amazon.com/batch/home?region=%s#jobs", a.cfg.Region, a.cfg.Region)
	if e.RunID == "" {
		return base
	}
	return base + "/detail/" + e.RunID
}

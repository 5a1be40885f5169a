// Package workflow forwards enrichment outcomes to the Step Functions state
// machine that is waiting on the execution's task token.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/execution-service/internal/domain/execution"
)

// SFNAPI is the subset of the Step Functions client the notifier uses.
type SFNAPI interface {
	SendTaskSuccess(ctx context.Context, in *sfn.SendTaskSuccessInput, opts ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error)
	SendTaskFailure(ctx context.Context, in *sfn.SendTaskFailureInput, opts ...func(*sfn.Options)) (*sfn.SendTaskFailureOutput, error)
}

var _ execution.WorkflowNotifier = (*StepFunctions)(nil)

// Step Functions caps error codes at 256 and causes at 32768 characters.
const (
	maxErrorLen = 256
	maxCauseLen = 32768
)

// StepFunctions implements execution.WorkflowNotifier.
type StepFunctions struct {
	api    SFNAPI
	tracer trace.Tracer
}

// NewStepFunctions creates a notifier over api.
func NewStepFunctions(api SFNAPI, tracer trace.Tracer) *StepFunctions {
	return &StepFunctions{api: api, tracer: tracer}
}

// SendTaskSuccess resumes the waiting task with output. Empty output is sent
// as an empty JSON object.
func (s *StepFunctions) SendTaskSuccess(ctx context.Context, taskToken string, output json.RawMessage) error {
	ctx, span := s.tracer.Start(ctx, "workflow.send_task_success")
	defer span.End()

	if len(output) == 0 {
		output = json.RawMessage(`{}`)
	}
	_, err := s.api.SendTaskSuccess(ctx, &sfn.SendTaskSuccessInput{
		TaskToken: aws.String(taskToken),
		Output:    aws.String(string(output)),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send task success failed")
		return fmt.Errorf("send task success: %w", err)
	}
	return nil
}

// SendTaskFailure fails the waiting task.
func (s *StepFunctions) SendTaskFailure(ctx context.Context, taskToken, errorCode, cause string) error {
	ctx, span := s.tracer.Start(ctx, "workflow.send_task_failure")
	defer span.End()

	_, err := s.api.SendTaskFailure(ctx, &sfn.SendTaskFailureInput{
		TaskToken: aws.String(taskToken),
		Error:     aws.String(clip(errorCode, maxErrorLen)),
		Cause:     aws.String(clip(cause, maxCauseLen)),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send task failure failed")
		return fmt.Errorf("send task failure: %w", err)
	}
	return nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

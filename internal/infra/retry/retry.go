// Package retry hands superseded executions to the asynchronous retry path,
// either an AWS Lambda function or the event bus.
package retry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/execution-service/internal/domain/events"
	"github.com/ahrav/execution-service/internal/domain/execution"
)

// LambdaAPI is the subset of the Lambda client the invoker uses.
type LambdaAPI interface {
	Invoke(ctx context.Context, in *lambda.InvokeInput, opts ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

var (
	_ execution.RetryInvoker = (*LambdaInvoker)(nil)
	_ execution.RetryInvoker = (*BusInvoker)(nil)
)

// LambdaInvoker invokes the retry function asynchronously. Delivery failures
// of the function land on its failure destination as on-failure events.
type LambdaInvoker struct {
	api         LambdaAPI
	functionARN string
	tracer      trace.Tracer
}

// NewLambdaInvoker creates an invoker for functionARN.
func NewLambdaInvoker(api LambdaAPI, functionARN string, tracer trace.Tracer) *LambdaInvoker {
	return &LambdaInvoker{api: api, functionARN: functionARN, tracer: tracer}
}

// InvokeRetry queues req on the retry function.
func (l *LambdaInvoker) InvokeRetry(ctx context.Context, req execution.RetryRequest) error {
	ctx, span := l.tracer.Start(ctx, "retry.lambda_invoke", trace.WithAttributes(
		attribute.String("function_arn", l.functionARN),
		attribute.String("execution_key", req.Key().String()),
	))
	defer span.End()

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode retry request: %w", err)
	}
	out, err := l.api.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(l.functionARN),
		InvocationType: types.InvocationTypeEvent,
		Payload:        payload,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invoke failed")
		return fmt.Errorf("invoke retry function: %w", err)
	}
	// Asynchronous invocations are accepted with 202.
	if out.StatusCode != 202 {
		err := fmt.Errorf("retry function returned status %d", out.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unexpected status")
		return err
	}
	return nil
}

// BusInvoker publishes a retry-execution event consumed by the coordinator
// itself. It is used when no retry function is configured.
type BusInvoker struct {
	publisher events.DomainEventPublisher
}

// NewBusInvoker creates an invoker over publisher.
func NewBusInvoker(publisher events.DomainEventPublisher) *BusInvoker {
	return &BusInvoker{publisher: publisher}
}

// InvokeRetry publishes req.
func (b *BusInvoker) InvokeRetry(ctx context.Context, req execution.RetryRequest) error {
	if err := b.publisher.PublishDomainEvent(ctx, execution.NewRetryExecutionEvent(req)); err != nil {
		return fmt.Errorf("publish retry request: %w", err)
	}
	return nil
}

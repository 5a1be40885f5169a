package retry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/internal/infra/eventbus"
	"github.com/ahrav/execution-service/internal/infra/eventbus/memory"
	"github.com/ahrav/execution-service/internal/infra/storage"
)

type mockLambda struct{ mock.Mock }

func (m *mockLambda) Invoke(ctx context.Context, in *lambda.InvokeInput, _ ...func(*lambda.Options)) (*lambda.InvokeOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*lambda.InvokeOutput)
	return out, args.Error(1)
}

func retryRequest() execution.RetryRequest {
	return execution.RetryRequest{
		TenantID: "T1", JitEventID: "J1", ExecutionID: "E1",
		Errors: []execution.ExecutionError{{ErrorType: execution.ErrorTypeVendor, IsRetryable: true}},
	}
}

func TestLambdaInvoker(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		out     *lambda.InvokeOutput
		err     error
		wantErr bool
	}{
		{name: "accepted", out: &lambda.InvokeOutput{StatusCode: 202}},
		{name: "unexpected status", out: &lambda.InvokeOutput{StatusCode: 200}, wantErr: true},
		{name: "transport error", err: errors.New("throttled"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			api := new(mockLambda)
			api.On("Invoke", mock.Anything, mock.MatchedBy(func(in *lambda.InvokeInput) bool {
				var got execution.RetryRequest
				return in.InvocationType == types.InvocationTypeEvent &&
					*in.FunctionName == "arn:aws:lambda:us-east-1:1:function:retry" &&
					json.Unmarshal(in.Payload, &got) == nil && got.ExecutionID == "E1"
			})).Return(tt.out, tt.err)

			inv := NewLambdaInvoker(api, "arn:aws:lambda:us-east-1:1:function:retry", storage.NoOpTracer())
			err := inv.InvokeRetry(context.Background(), retryRequest())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			api.AssertExpectations(t)
		})
	}
}

func TestBusInvokerPublishesRetryEvent(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker()
	inv := NewBusInvoker(eventbus.NewDomainEventPublisher(broker, storage.NoOpTracer()))
	require.NoError(t, inv.InvokeRetry(context.Background(), retryRequest()))

	published := broker.Published(execution.EventTypeRetryExecution)
	require.Len(t, published, 1)
	evt, ok := published[0].Payload.(execution.RetryExecutionEvent)
	require.True(t, ok)
	assert.Equal(t, "E1", evt.ExecutionID)
	assert.Equal(t, "TENANT#T1#JIT_EVENT#J1", published[0].Key)
}

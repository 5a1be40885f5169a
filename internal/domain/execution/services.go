package execution

import (
	"context"
	"encoding/json"
)

// AssetService resolves asset metadata owned by another service.
type AssetService interface {
	// GetAsset returns ErrNotFound (wrapped) when the asset does not exist.
	GetAsset(ctx context.Context, tenantID, assetID string) (*Asset, error)
}

// AuthService mints tokens runners use to call back into the coordinator.
type AuthService interface {
	CallbackToken(ctx context.Context, tenantID string) (string, error)
}

// Alert is an operator notification.
type Alert struct {
	TenantID string `json:"tenant_id"`
	Key      *Key   `json:"key,omitempty"`
	Title    string `json:"title"`
	Detail   string `json:"detail,omitempty"`
}

// Alerter notifies operators. Implementations must not fail the caller.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// RetryRequest asks the retry path to supersede an execution.
type RetryRequest struct {
	TenantID    string           `json:"tenant_id" validate:"required"`
	JitEventID  string           `json:"jit_event_id" validate:"required"`
	ExecutionID string           `json:"execution_id" validate:"required"`
	Errors      []ExecutionError `json:"errors,omitempty"`
}

// Key returns the identity the request targets.
func (r RetryRequest) Key() Key {
	return Key{TenantID: r.TenantID, JitEventID: r.JitEventID, ExecutionID: r.ExecutionID}
}

// RetryInvoker hands a retry to the asynchronous retry path.
type RetryInvoker interface {
	InvokeRetry(ctx context.Context, req RetryRequest) error
}

// WorkflowNotifier reports task outcomes to the external workflow engine that
// issued a task token.
type WorkflowNotifier interface {
	SendTaskSuccess(ctx context.Context, taskToken string, output json.RawMessage) error
	SendTaskFailure(ctx context.Context, taskToken, errorCode, cause string) error
}

// Sealer encrypts payload fragments at rest.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(sealed string) ([]byte, error)
}

package services

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/execution-service/internal/domain/execution"
)

var _ execution.AuthService = (*AuthClient)(nil)

// AuthClient mints runner callback tokens through the authentication service.
type AuthClient struct{ c *jsonClient }

// NewAuthClient creates a client for the authentication service at baseURL.
func NewAuthClient(baseURL string, httpClient *http.Client, tracer trace.Tracer) *AuthClient {
	return &AuthClient{c: &jsonClient{baseURL: baseURL, httpClient: httpClient, tracer: tracer}}
}

type tokenResponse struct {
	Token string `json:"token"`
}

// CallbackToken returns a tenant-scoped API token for runner callbacks.
func (a *AuthClient) CallbackToken(ctx context.Context, tenantID string) (string, error) {
	var resp tokenResponse
	err := a.c.do(ctx, "auth_client.callback_token", http.MethodPost,
		"/tenants/"+url.PathEscape(tenantID)+"/api-token", nil, map[string]string{"purpose": "execution-callback"}, &resp)
	if err != nil {
		return "", &execution.DependencyFailureError{Dependency: "auth-service", Err: err}
	}
	if resp.Token == "" {
		return "", &execution.DependencyFailureError{Dependency: "auth-service", Err: errors.New("empty token")}
	}
	return resp.Token, nil
}

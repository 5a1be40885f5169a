// Package services holds HTTP clients for the platform services the
// coordinator depends on: the asset catalog and the authentication service.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ahrav/execution-service/pkg/common"
)

// ClientCredentials configures service-to-service authentication. An empty
// TokenURL disables it and requests are sent unauthenticated.
type ClientCredentials struct {
	TokenURL     string   `mapstructure:"token_url"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`
}

// NewServiceHTTPClient returns a traced client that attaches a client
// credentials bearer token when creds are configured.
func NewServiceHTTPClient(ctx context.Context, creds ClientCredentials, timeout time.Duration) *http.Client {
	base := common.NewHTTPClient(timeout)
	if creds.TokenURL == "" {
		return base
	}
	cc := clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     creds.TokenURL,
		Scopes:       creds.Scopes,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	client := cc.Client(ctx)
	client.Timeout = timeout
	return client
}

// statusError is a non-2xx response.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

func isStatus(err error, code int) bool {
	var se *statusError
	return errors.As(err, &se) && se.StatusCode == code
}

// jsonClient issues JSON requests against one base URL.
type jsonClient struct {
	baseURL    string
	httpClient *http.Client
	tracer     trace.Tracer
}

func (c *jsonClient) do(ctx context.Context, span string, method, path string, header http.Header, in, out any) error {
	ctx, sp := c.tracer.Start(ctx, span)
	defer sp.End()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		sp.RecordError(err)
		sp.SetStatus(codes.Error, "request failed")
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := &statusError{StatusCode: resp.StatusCode, Body: string(b)}
		sp.RecordError(err)
		sp.SetStatus(codes.Error, "unexpected status")
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

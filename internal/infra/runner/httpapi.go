package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/pkg/common"
)

// APIError is a non-2xx vendor response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vendor api returned %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the request may succeed if repeated.
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Request describes one vendor API call. Body is JSON-encoded unless Form is set.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   any
	Form   url.Values
	// LimiterKey selects the rate limiter bucket, typically the installation
	// or project the call acts on.
	LimiterKey string
}

// APIClient performs rate-limited, traced JSON calls against a vendor API
// and repeats transient failures a few times.
type APIClient struct {
	vendor     string
	httpClient *http.Client
	limiter    *common.KeyedRateLimiter
	tracer     trace.Tracer
	maxRetries uint64
}

// NewAPIClient creates a client for vendor.
func NewAPIClient(vendor string, httpClient *http.Client, limiter *common.KeyedRateLimiter, tracer trace.Tracer) *APIClient {
	if httpClient == nil {
		httpClient = common.NewHTTPClient(30 * time.Second)
	}
	return &APIClient{
		vendor:     vendor,
		httpClient: httpClient,
		limiter:    limiter,
		tracer:     tracer,
		maxRetries: 3,
	}
}

// Do sends req and decodes a JSON response into out when out is non-nil. It
// returns the response headers of the final attempt.
func (c *APIClient) Do(ctx context.Context, req Request, out any) (http.Header, error) {
	ctx, span := c.tracer.Start(ctx, c.vendor+".api_call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("vendor", c.vendor),
		))
	defer span.End()

	var (
		header   http.Header
		attempts int
	)
	op := func() error {
		attempts++
		h, err := c.once(ctx, req, out)
		header = h
		var apiErr *APIError
		if err != nil && errors.As(err, &apiErr) && !apiErr.Transient() {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 10 * time.Second
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx))
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "vendor api call failed")
		return header, err
	}
	return header, nil
}

func (c *APIClient) once(ctx context.Context, req Request, out any) (http.Header, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.vendor+"/"+req.LimiterKey); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("rate limiter wait failed: %w", err))
		}
	}

	var body io.Reader
	contentType := ""
	switch {
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case req.Body != nil:
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to marshal request body: %w", err))
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", c.vendor, err)
	}
	defer resp.Body.Close()

	c.observeRateLimit(req.LimiterKey, resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return resp.Header, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.Header, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return resp.Header, backoff.Permanent(fmt.Errorf("failed to decode %s response: %w", c.vendor, err))
	}
	return resp.Header, nil
}

// observeRateLimit slows the bucket down to 90% of what the vendor reports as
// remaining until the window resets.
func (c *APIClient) observeRateLimit(key string, h http.Header) {
	if c.limiter == nil {
		return
	}
	remaining, _ := strconv.ParseInt(firstHeader(h, "X-RateLimit-Remaining", "RateLimit-Remaining"), 10, 64)
	reset, _ := strconv.ParseInt(firstHeader(h, "X-RateLimit-Reset", "RateLimit-Reset"), 10, 64)
	if remaining <= 0 || reset <= 0 {
		return
	}
	window := time.Until(time.Unix(reset, 0))
	if window <= 0 {
		return
	}
	rps := float64(remaining) / window.Seconds()
	c.limiter.For(c.vendor+"/"+key).UpdateLimits(rps*0.9, int(remaining/10))
}

func firstHeader(h http.Header, names ...string) string {
	for _, n := range names {
		if v := h.Get(n); v != "" {
			return v
		}
	}
	return ""
}

// DispatchError converts a failed vendor call into the domain error the
// dispatch orchestrator expects.
func DispatchError(rt execution.RunnerType, err error) error {
	reason := "vendor request failed"
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		reason = fmt.Sprintf("vendor returned %d", apiErr.StatusCode)
	}
	return &execution.DispatchError{Runner: rt, Reason: reason, Err: err}
}

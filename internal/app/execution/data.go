package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/pkg/common/logger"
)

// DataService stores dispatch payloads and hands each one to its runner once.
type DataService struct {
	cfg    Config
	deps   *Dependencies
	logger *logger.Logger
	tracer trace.Tracer
}

// NewDataService creates a data service.
func NewDataService(cfg Config, deps *Dependencies, logger *logger.Logger, tracer trace.Tracer) *DataService {
	deps.withDefaults()
	return &DataService{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "data_service"),
		tracer: tracer,
	}
}

// CallbackURLs returns the coordinator endpoints for key.
func (s *DataService) CallbackURLs(key domain.Key) domain.CallbackURLs {
	host := strings.TrimRight(s.cfg.APIHost, "/")
	q := url.Values{}
	q.Set("jit_event_id", key.JitEventID)
	q.Set("execution_id", key.ExecutionID)
	return domain.CallbackURLs{
		Register:       host + "/register",
		Completed:      host + "/completed",
		VendorJobStart: host + "/vendor-job-start",
		ExecutionData:  host + "/execution-data?" + q.Encode(),
	}
}

// Store snapshots e as its dispatch payload. Integration credentials are
// sealed before they are written.
func (s *DataService) Store(ctx context.Context, e *domain.Execution) error {
	key := e.Key()
	ctx, span := s.tracer.Start(ctx, "data_service.store",
		trace.WithAttributes(attribute.String("execution_key", key.String())))
	defer span.End()

	payload := domain.NewDispatchPayload(e, s.CallbackURLs(key))
	if len(e.Context.Integration) > 0 {
		if s.deps.Sealer == nil {
			return fmt.Errorf("no sealer configured for integration of %s", key)
		}
		raw, err := json.Marshal(e.Context.Integration)
		if err != nil {
			return fmt.Errorf("failed to encode integration: %w", err)
		}
		if payload.SealedIntegration, err = s.deps.Sealer.Seal(raw); err != nil {
			return fmt.Errorf("failed to seal integration: %w", err)
		}
	}

	doc, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode dispatch payload: %w", err)
	}
	now := s.deps.now()
	data := &domain.ExecutionData{Key: key, Payload: doc, CreatedAt: now}
	if s.cfg.ExecutionTTL > 0 {
		data.TTL = now.Add(s.cfg.ExecutionTTL).Unix()
	}
	if err := s.deps.Data.PutData(ctx, data); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to store execution data for %s: %w", key, err)
	}
	return nil
}

// Fetch returns the dispatch payload of key with its integration opened and
// a fresh callback token. Only the first call succeeds.
func (s *DataService) Fetch(ctx context.Context, key domain.Key) (*domain.DispatchPayload, error) {
	ctx, span := s.tracer.Start(ctx, "data_service.fetch",
		trace.WithAttributes(attribute.String("execution_key", key.String())))
	defer span.End()

	data, err := s.deps.Data.RetrieveData(ctx, key, s.deps.now())
	if err != nil {
		if !errors.Is(err, domain.ErrDataAlreadyRetrieved) && !errors.Is(err, domain.ErrNotFound) {
			span.RecordError(err)
		}
		return nil, err
	}

	var payload domain.DispatchPayload
	if err := json.Unmarshal(data.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode dispatch payload: %w", err)
	}

	if payload.SealedIntegration != "" {
		if s.deps.Sealer == nil {
			return nil, fmt.Errorf("no sealer configured to open integration of %s", key)
		}
		raw, err := s.deps.Sealer.Open(payload.SealedIntegration)
		if err != nil {
			return nil, fmt.Errorf("failed to open integration: %w", err)
		}
		if err := json.Unmarshal(raw, &payload.Context.Integration); err != nil {
			return nil, fmt.Errorf("failed to decode integration: %w", err)
		}
		payload.SealedIntegration = ""
	}

	if s.deps.Auth != nil {
		token, err := s.deps.Auth.CallbackToken(ctx, key.TenantID)
		if err != nil {
			return nil, asDependencyFailure("auth-service", err)
		}
		payload.CallbackToken = token
	}
	return &payload, nil
}

func asDependencyFailure(dep string, err error) error {
	var df *domain.DependencyFailureError
	if errors.As(err, &df) {
		return err
	}
	return &domain.DependencyFailureError{Dependency: dep, Err: err}
}

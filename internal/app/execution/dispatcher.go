package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	domain "github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/pkg/common/logger"
)

// Dispatcher hands admitted executions to their runner backend.
type Dispatcher struct {
	cfg    Config
	deps   *Dependencies
	data   *DataService
	logger *logger.Logger
	tracer trace.Tracer
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg Config, deps *Dependencies, data *DataService, logger *logger.Logger, tracer trace.Tracer) *Dispatcher {
	deps.withDefaults()
	return &Dispatcher{
		cfg:    cfg,
		deps:   deps,
		data:   data,
		logger: logger.With("component", "dispatcher"),
		tracer: tracer,
	}
}

type dispatchGroup struct {
	tenantID   string
	jitEventID string
	runner     domain.RunnerType
}

// Dispatch sends the DISPATCHING executions among executions to their
// backends, one call per (tenant, jit event, runner). Executions in any
// other status are skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, executions []*domain.Execution) error {
	ctx, span := d.tracer.Start(ctx, "dispatcher.dispatch",
		trace.WithAttributes(attribute.Int("execution_count", len(executions))))
	defer span.End()

	var order []dispatchGroup
	groups := make(map[dispatchGroup][]*domain.Execution)
	for _, e := range executions {
		if e.Status != domain.StatusDispatching {
			d.logger.Info(ctx, "skipping dispatch", "execution_key", e.Key().String(), "status", e.Status.String())
			continue
		}
		g := dispatchGroup{tenantID: e.TenantID, jitEventID: e.JitEventID, runner: e.JobRunner}
		if _, ok := groups[g]; !ok {
			order = append(order, g)
		}
		groups[g] = append(groups[g], e)
	}

	for _, g := range order {
		if err := d.dispatchGroup(ctx, g.runner, groups[g]); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "dispatch failed")
			return err
		}
	}
	return nil
}

func (d *Dispatcher) dispatchGroup(ctx context.Context, runner domain.RunnerType, executions []*domain.Execution) error {
	start := time.Now()
	tenantID := executions[0].TenantID

	ready, err := d.checkAssets(ctx, executions)
	if err != nil || len(ready) == 0 {
		return err
	}

	adapter, err := d.deps.Runners.Adapter(runner)
	if err != nil {
		var unsupported *domain.RunnerNotSupportedError
		if errors.As(err, &unsupported) {
			return d.failAll(ctx, ready, err.Error(), domain.ExecutionError{
				ErrorType: domain.ErrorTypeUserInput,
				Message:   err.Error(),
			})
		}
		return err
	}

	var token string
	if d.deps.Auth != nil {
		if token, err = d.deps.Auth.CallbackToken(ctx, tenantID); err != nil {
			return asDependencyFailure("auth-service", err)
		}
	}

	for _, e := range ready {
		if err := d.data.Store(ctx, e); err != nil {
			return err
		}
	}

	runID, err := adapter.Dispatch(ctx, ready, token)
	d.deps.Metrics.ObserveDispatchDuration(ctx, string(runner), time.Since(start))
	if err != nil {
		var dispatchErr *domain.DispatchError
		if !errors.As(err, &dispatchErr) {
			return fmt.Errorf("failed to dispatch to %s: %w", runner, err)
		}
		d.deps.Metrics.IncDispatchFailures(ctx, string(runner), len(ready))
		d.deps.Alerter.Alert(ctx, domain.Alert{
			TenantID: tenantID,
			Title:    "dispatch rejected by runner",
			Detail:   d.deps.Redactor.Redact(err.Error()),
		})
		// Rejections are deterministic and never retried.
		return d.failAll(ctx, ready, d.deps.Redactor.Redact(dispatchErr.Reason), domain.ExecutionError{
			ErrorType: domain.ErrorTypeVendor,
			Message:   d.deps.Redactor.Redact(err.Error()),
		})
	}

	d.deps.Metrics.IncDispatched(ctx, string(runner), len(ready))
	now := d.deps.now()
	return d.fanOut(ctx, ready, func(e *domain.Execution) error {
		return d.deps.publish(ctx, domain.NewDispatchStatusUpdatedEvent(e.Key(), runID, now))
	})
}

// checkAssets fails executions whose asset is missing, inactive or not
// covered and returns the rest.
func (d *Dispatcher) checkAssets(ctx context.Context, executions []*domain.Execution) ([]*domain.Execution, error) {
	if d.deps.Assets == nil {
		return executions, nil
	}

	usable := make(map[string]bool)
	for _, e := range executions {
		if _, seen := usable[e.AssetID]; seen {
			continue
		}
		asset, err := d.deps.Assets.GetAsset(ctx, e.TenantID, e.AssetID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			usable[e.AssetID] = false
		case err != nil:
			return nil, asDependencyFailure("asset-service", err)
		default:
			usable[e.AssetID] = asset.IsActive && asset.IsCovered
		}
	}

	var ready, gone []*domain.Execution
	for _, e := range executions {
		if usable[e.AssetID] {
			ready = append(ready, e)
		} else {
			gone = append(gone, e)
		}
	}
	if len(gone) > 0 {
		d.logger.Warn(ctx, "failing executions for unavailable assets", "count", len(gone))
		if err := d.failAll(ctx, gone, domain.AssetNotFoundReason, domain.ExecutionError{
			ErrorType: domain.ErrorTypeUserInput,
			Message:   domain.AssetNotFoundReason,
		}); err != nil {
			return nil, err
		}
	}
	return ready, nil
}

func (d *Dispatcher) failAll(ctx context.Context, executions []*domain.Execution, reason string, cause domain.ExecutionError) error {
	return d.fanOut(ctx, executions, func(e *domain.Execution) error {
		return d.deps.publish(ctx, domain.NewFailedCompletion(e.Key(), reason, cause))
	})
}

func (d *Dispatcher) fanOut(ctx context.Context, executions []*domain.Execution, fn func(*domain.Execution) error) error {
	g, _ := errgroup.WithContext(ctx)
	if d.cfg.DispatchConcurrency > 0 {
		g.SetLimit(d.cfg.DispatchConcurrency)
	}
	for _, e := range executions {
		g.Go(func() error { return fn(e) })
	}
	return g.Wait()
}

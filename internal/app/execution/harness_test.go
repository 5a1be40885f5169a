package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/ahrav/execution-service/internal/domain/events"
	domain "github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/internal/infra/eventbus"
	membus "github.com/ahrav/execution-service/internal/infra/eventbus/memory"
	"github.com/ahrav/execution-service/internal/infra/retry"
	"github.com/ahrav/execution-service/internal/infra/sealing"
	"github.com/ahrav/execution-service/internal/infra/storage"
	memstore "github.com/ahrav/execution-service/internal/infra/storage/execution/memory"
	"github.com/ahrav/execution-service/pkg/common/logger"
)

type fakeAdapter struct {
	runner domain.RunnerType

	mu           sync.Mutex
	timeout      time.Duration
	runID        string
	dispatchErr  error
	terminateErr error
	failure      *domain.FailureReason
	dispatched   [][]*domain.Execution
	terminated   []domain.Key
}

func newFakeAdapter(runner domain.RunnerType) *fakeAdapter {
	return &fakeAdapter{runner: runner, timeout: time.Hour, runID: "R"}
}

func (a *fakeAdapter) RunnerType() domain.RunnerType { return a.runner }

func (a *fakeAdapter) Dispatch(_ context.Context, executions []*domain.Execution, _ string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dispatched = append(a.dispatched, executions)
	if a.dispatchErr != nil {
		return "", a.dispatchErr
	}
	return a.runID, nil
}

func (a *fakeAdapter) Terminate(_ context.Context, e *domain.Execution) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.terminated = append(a.terminated, e.Key())
	return a.terminateErr
}

func (a *fakeAdapter) WatchdogTimeout(_ *domain.Execution, _ domain.Status) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Now().Add(a.timeout)
}

func (a *fakeAdapter) ExecutionFailureReason(context.Context, *domain.Execution) (*domain.FailureReason, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failure, nil
}

func (a *fakeAdapter) LogsURL(*domain.Execution) string { return "" }

func (a *fakeAdapter) dispatchCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.dispatched)
}

func (a *fakeAdapter) set(fn func(a *fakeAdapter)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a)
}

type fakeRegistry map[domain.RunnerType]domain.RunnerAdapter

func (r fakeRegistry) Adapter(runner domain.RunnerType) (domain.RunnerAdapter, error) {
	if a, ok := r[runner]; ok {
		return a, nil
	}
	return nil, &domain.RunnerNotSupportedError{Runner: runner}
}

type fakeAssets struct {
	mu     sync.Mutex
	assets map[string]*domain.Asset
	err    error
}

func (f *fakeAssets) GetAsset(_ context.Context, _ string, assetID string) (*domain.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	a, ok := f.assets[assetID]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", assetID, domain.ErrNotFound)
	}
	return a, nil
}

func (f *fakeAssets) put(a *domain.Asset) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assets[a.ID] = a
}

type fakeAuth struct{ err error }

func (f fakeAuth) CallbackToken(context.Context, string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "cb-token", nil
}

type workflowCall struct {
	token   string
	success bool
	output  json.RawMessage
	code    string
}

type fakeWorkflow struct {
	mu    sync.Mutex
	calls []workflowCall
}

func (f *fakeWorkflow) SendTaskSuccess(_ context.Context, token string, output json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, workflowCall{token: token, success: true, output: output})
	return nil
}

func (f *fakeWorkflow) SendTaskFailure(_ context.Context, token, code, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, workflowCall{token: token, code: code})
	return nil
}

type harness struct {
	cfg      Config
	store    *memstore.Store
	broker   *membus.Broker
	adapter  *fakeAdapter
	assets   *fakeAssets
	workflow *fakeWorkflow
	deps     *Dependencies
	svc      *Service
	// manual leaves change records to the test instead of the consumer.
	manual bool
}

type harnessOption func(*harness)

func withManualChanges() harnessOption {
	return func(h *harness) { h.manual = true }
}

func withConfig(fn func(*Config)) harnessOption {
	return func(h *harness) { fn(&h.cfg) }
}

// newHarness wires the service over in-memory stores and bus, subscribes the
// pipeline and starts the change consumer.
func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{
		cfg:      DefaultConfig(),
		store:    memstore.NewStore(),
		broker:   membus.NewBroker(),
		adapter:  newFakeAdapter(domain.RunnerGitHubActions),
		assets:   &fakeAssets{assets: make(map[string]*domain.Asset)},
		workflow: new(fakeWorkflow),
	}
	h.cfg.APIHost = "https://executions.example.com"
	h.cfg.FreeInterval = time.Millisecond
	for _, opt := range opts {
		opt(h)
	}
	h.assets.put(&domain.Asset{ID: "A1", Name: "repo-a", Type: "repo", Vendor: "github", IsActive: true, IsCovered: true})

	key, err := sealing.GenerateKey()
	require.NoError(t, err)
	box, err := sealing.NewSecretBox(key)
	require.NoError(t, err)

	metrics, err := NewExecutionMetrics(noop.NewMeterProvider())
	require.NoError(t, err)

	tracer := storage.NoOpTracer()
	publisher := eventbus.NewDomainEventPublisher(h.broker, tracer)
	h.deps = &Dependencies{
		Executions:   h.store,
		Pool:         h.store,
		Data:         h.store,
		Idempotency:  h.store,
		FailedToFree: h.store,
		Runners:      fakeRegistry{domain.RunnerGitHubActions: h.adapter},
		Assets:       h.assets,
		Auth:         fakeAuth{},
		Retry:        retry.NewBusInvoker(publisher),
		Workflow:     h.workflow,
		Sealer:       box,
		Publisher:    publisher,
		Metrics:      metrics,
	}
	h.svc = NewService(h.cfg, h.deps, h.store, logger.Noop(), tracer, h.store)

	require.NoError(t, h.broker.Subscribe(ctx, h.svc.Pipeline.SupportedEvents(), h.svc.Pipeline.HandleEvent))
	if h.manual {
		return h
	}
	go func() { _ = h.svc.Changes.Run(ctx) }()
	require.Eventually(t, func() bool { return h.store.Subscribers() == 1 }, time.Second, time.Millisecond)
	return h
}

func triggerRecord(jitEventID string, pr bool) domain.TriggerRecord {
	name := "push"
	if pr {
		name = "pull_request_created"
	}
	return domain.TriggerRecord{
		TenantID:     "T1",
		PlanItemSlug: "p-secrets",
		ControlName:  "gitleaks",
		ControlType:  domain.ControlTypeDetection,
		TaskToken:    "tt-1",
		Context: domain.Context{
			JitEvent: domain.JitEvent{ID: jitEventID, Name: name},
			Asset:    domain.Asset{ID: "A1", Name: "repo-a", Type: "repo", Vendor: "github", IsActive: true, IsCovered: true},
			Job: domain.Job{
				Name:   "secret-detection",
				Runner: domain.Runner{Type: domain.RunnerGitHubActions},
			},
			Workflow:    domain.Workflow{Slug: "wf-secrets"},
			Integration: map[string]any{"github_token": "s3cr3t"},
		},
	}
}

// withJob returns a copy of rec targeting a distinct job.
func withJob(rec domain.TriggerRecord, job string) domain.TriggerRecord {
	rec.Context.Job.Name = job
	return rec
}

func (h *harness) publish(t *testing.T, evt events.DomainEvent) {
	t.Helper()
	require.NoError(t, h.deps.Publisher.PublishDomainEvent(context.Background(), evt))
}

func (h *harness) trigger(t *testing.T, records ...domain.TriggerRecord) {
	t.Helper()
	h.publish(t, domain.NewTriggerExecutionEvent(records...))
}

func (h *harness) get(t *testing.T, key domain.Key) *domain.Execution {
	t.Helper()
	e, err := h.store.Get(context.Background(), key, true)
	require.NoError(t, err)
	return e
}

func (h *harness) status(key domain.Key) domain.Status {
	e, err := h.store.Get(context.Background(), key, false)
	if err != nil || e == nil {
		return ""
	}
	return e.Status
}

func (h *harness) published(types ...events.EventType) []events.EventEnvelope {
	return h.broker.Published(types...)
}

func keyOf(rec domain.TriggerRecord) domain.Key {
	return domain.Key{TenantID: rec.TenantID, JitEventID: rec.Context.JitEvent.ID, ExecutionID: rec.ExecutionID()}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

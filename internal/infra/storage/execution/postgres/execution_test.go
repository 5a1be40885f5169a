package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/internal/infra/storage"
	"github.com/ahrav/execution-service/pkg/common/logger"
)

// setupExecutionTest connects to a migrated test database.
func setupExecutionTest(t *testing.T) (context.Context, *pgxpool.Pool, *executionStore, func()) {
	t.Helper()

	ctx := context.Background()
	pool, containerCleanup := storage.SetupTestContainer(t)
	store := NewExecutionStore(pool, storage.NoOpTracer())

	cleanup := func() {
		for _, table := range []string{"execution_items", "resource_tokens", "idempotency_records", "watchdog_failed_to_free"} {
			if _, err := pool.Exec(ctx, "DELETE FROM "+table); err != nil {
				t.Logf("Failed to clean up %s: %v", table, err)
			}
		}
		containerCleanup()
	}
	return ctx, pool, store, cleanup
}

func newTestExecution(tenant, jit string, status execution.Status, p execution.Priority, createdAt time.Time) *execution.Execution {
	e := &execution.Execution{
		TenantID:     tenant,
		JitEventID:   jit,
		ExecutionID:  uuid.NewString(),
		PlanItemSlug: "item-secrets",
		WorkflowSlug: "wf",
		JobName:      "secret-detection",
		ControlName:  "gitleaks",
		ControlType:  execution.ControlTypeDetection,
		AssetID:      "asset-1",
		AssetName:    "repo",
		AssetType:    "repo",
		Vendor:       "github",
		Priority:     p,
		JobRunner:    execution.RunnerGitHubActions,
		ResourceType: execution.ResourceTypeFor(execution.RunnerGitHubActions, p),
		Status:       status,
		CreatedAt:    createdAt,
		CreatedAtTS:  createdAt.Unix(),
	}
	if status.HasTimeout() {
		deadline := createdAt.Add(time.Hour)
		e.ExecutionTimeout = &deadline
	}
	return e
}

func TestExecutionStore_PutNewAndGet(t *testing.T) {
	ctx, _, store, cleanup := setupExecutionTest(t)
	defer cleanup()

	e := newTestExecution("T1", "J1", execution.StatusPending, execution.PriorityLow, time.Now())
	require.NoError(t, store.PutNew(ctx, e))

	got, err := store.Get(ctx, e.Key(), true)
	require.NoError(t, err)
	assert.Equal(t, e.Key(), got.Key())
	assert.Equal(t, execution.StatusPending, got.Status)
	assert.True(t, e.CreatedAt.Equal(got.CreatedAt))

	err = store.PutNew(ctx, e)
	assert.ErrorIs(t, err, execution.ErrAlreadyExists)

	missing := execution.Key{TenantID: "T1", JitEventID: "J1", ExecutionID: "nope"}
	got, err = store.Get(ctx, missing, false)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = store.Get(ctx, missing, true)
	assert.ErrorIs(t, err, execution.ErrNotFound)
}

func TestExecutionStore_BatchGetReportsMissing(t *testing.T) {
	ctx, _, store, cleanup := setupExecutionTest(t)
	defer cleanup()

	var keys []execution.Key
	for range 3 {
		e := newTestExecution("T1", "J1", execution.StatusPending, execution.PriorityLow, time.Now())
		require.NoError(t, store.PutNew(ctx, e))
		keys = append(keys, e.Key())
	}
	ghost := execution.Key{TenantID: "T1", JitEventID: "J1", ExecutionID: "ghost"}

	found, missing, err := store.BatchGet(ctx, append(keys, ghost, keys[0]))
	require.NoError(t, err)
	assert.Len(t, found, 3)
	assert.Equal(t, []execution.Key{ghost}, missing)
}

func TestExecutionStore_ConditionalUpdate(t *testing.T) {
	ctx, _, store, cleanup := setupExecutionTest(t)
	defer cleanup()

	e := newTestExecution("T1", "J1", execution.StatusDispatched, execution.PriorityLow, time.Now())
	require.NoError(t, store.PutNew(ctx, e))

	deadline := time.Now().Add(2 * time.Hour)
	running := execution.StatusRunning
	got, err := store.Update(ctx, e.Key(),
		execution.Mutation{Status: &running, ExecutionTimeout: &deadline},
		execution.StatusCondition(running))
	require.NoError(t, err)
	assert.Equal(t, execution.StatusRunning, got.Status)
	require.NotNil(t, got.ExecutionTimeout)

	dispatched := execution.StatusDispatched
	_, err = store.Update(ctx, e.Key(),
		execution.Mutation{Status: &dispatched, ExecutionTimeout: &deadline},
		execution.StatusCondition(dispatched))
	var cfe *execution.ConditionFailedError
	require.ErrorAs(t, err, &cfe)
	assert.Equal(t, execution.StatusRunning, cfe.Current.Status)

	completed := execution.StatusCompleted
	got, err = store.Update(ctx, e.Key(), execution.Mutation{Status: &completed}, execution.StatusCondition(completed))
	require.NoError(t, err)
	assert.Nil(t, got.ExecutionTimeout)

	// The timeout projection is gone as well.
	page, err := store.Query(ctx, execution.ByTimeout(time.Now().Add(24*time.Hour)))
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	_, err = store.PartialUpdate(ctx, e.Key(), execution.Mutation{Status: &running})
	assert.ErrorIs(t, err, execution.ErrInvalidRequest)

	runID := "run-9"
	got, err = store.PartialUpdate(ctx, e.Key(), execution.Mutation{RunID: &runID})
	require.NoError(t, err)
	assert.Equal(t, "run-9", got.RunID)
}

func TestExecutionStore_QueryPaginatesNewestFirst(t *testing.T) {
	ctx, _, store, cleanup := setupExecutionTest(t)
	defer cleanup()

	base := time.Now().Add(-time.Hour)
	var want []string
	for i := range 5 {
		e := newTestExecution("T1", "J1", execution.StatusPending, execution.PriorityLow, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.PutNew(ctx, e))
		want = append([]string{e.ExecutionID}, want...)
	}
	// Other tenants and jit events never leak into the page.
	require.NoError(t, store.PutNew(ctx, newTestExecution("T2", "J1", execution.StatusPending, execution.PriorityLow, base)))
	require.NoError(t, store.PutNew(ctx, newTestExecution("T1", "J2", execution.StatusPending, execution.PriorityLow, base)))

	var got []string
	q := execution.ByTenantJitEvent("T1", "J1")
	q.Limit = 2
	for {
		page, err := store.Query(ctx, q)
		require.NoError(t, err)
		for _, e := range page.Items {
			got = append(got, e.ExecutionID)
		}
		if page.LastKey == "" {
			break
		}
		q.StartKey = page.LastKey
	}
	assert.Equal(t, want, got)
}

func TestExecutionStore_QueryRunnerStatusOrder(t *testing.T) {
	ctx, _, store, cleanup := setupExecutionTest(t)
	defer cleanup()

	base := time.Now().Add(-time.Hour)
	lowOld := newTestExecution("T1", "J1", execution.StatusPending, execution.PriorityLow, base)
	lowNew := newTestExecution("T1", "J1", execution.StatusPending, execution.PriorityLow, base.Add(time.Minute))
	high := newTestExecution("T1", "J2", execution.StatusPending, execution.PriorityHigh, base.Add(2*time.Minute))
	for _, e := range []*execution.Execution{lowNew, high, lowOld} {
		require.NoError(t, store.PutNew(ctx, e))
	}

	q := execution.ByTenantRunnerStatus("T1", execution.RunnerGitHubActions, execution.StatusPending)
	q.Limit = 1
	var got []string
	for {
		page, err := store.Query(ctx, q)
		require.NoError(t, err)
		for _, e := range page.Items {
			got = append(got, e.ExecutionID)
		}
		if page.LastKey == "" {
			break
		}
		q.StartKey = page.LastKey
	}
	assert.Equal(t, []string{high.ExecutionID, lowOld.ExecutionID, lowNew.ExecutionID}, got)
}

func TestExecutionStore_QueryIndexes(t *testing.T) {
	ctx, _, store, cleanup := setupExecutionTest(t)
	defer cleanup()

	now := time.Now()
	running := newTestExecution("T1", "J1", execution.StatusRunning, execution.PriorityLow, now.Add(-2*time.Hour))
	failed := newTestExecution("T1", "J1", execution.StatusFailed, execution.PriorityLow, now)
	failed.AssetID, failed.JobName, failed.PlanItemSlug = "asset-2", "sca", "item-sca"
	for _, e := range []*execution.Execution{running, failed} {
		require.NoError(t, store.PutNew(ctx, e))
	}

	tests := []struct {
		name string
		q    execution.Query
		want []string
	}{
		{name: "by status", q: execution.ByTenantStatus("T1", execution.StatusFailed), want: []string{failed.ExecutionID}},
		{name: "by plan item", q: execution.ByTenantPlanItem("T1", "item-sca"), want: []string{failed.ExecutionID}},
		{name: "by plan item status", q: execution.ByTenantPlanItemStatus("T1", "item-secrets", execution.StatusRunning), want: []string{running.ExecutionID}},
		{name: "by status asset", q: execution.ByTenantStatusAsset("T1", execution.StatusFailed, "asset-2"), want: []string{failed.ExecutionID}},
		{name: "by status asset miss", q: execution.ByTenantStatusAsset("T1", execution.StatusFailed, "asset-1"), want: nil},
		{name: "by jit event job", q: execution.ByTenantJitEventJob("T1", "J1", "sca"), want: []string{failed.ExecutionID}},
		{name: "by jit event all jobs", q: execution.ByTenantJitEventJob("T1", "J1", ""), want: []string{running.ExecutionID, failed.ExecutionID}},
		{name: "by timeout", q: execution.ByTimeout(now), want: []string{running.ExecutionID}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := store.Query(ctx, tt.q)
			require.NoError(t, err)
			var got []string
			for _, e := range page.Items {
				assert.True(t, tt.q.Matches(e))
				got = append(got, e.ExecutionID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecutionStore_TransactIsMutex(t *testing.T) {
	ctx, pool, store, cleanup := setupExecutionTest(t)
	defer cleanup()

	e := newTestExecution("T1", "J1", execution.StatusPending, execution.PriorityLow, time.Now())
	require.NoError(t, store.PutNew(ctx, e))

	dispatching := execution.StatusDispatching
	deadline := time.Now().Add(time.Hour)
	promote := func() error {
		return store.Transact(ctx,
			execution.AllocateTokenOp{Token: execution.TokenFor(e, time.Now()), Capacity: 10},
			execution.UpdateExecutionOp{
				Key:       e.Key(),
				Mutation:  execution.Mutation{Status: &dispatching, ExecutionTimeout: &deadline},
				Condition: execution.StatusCondition(dispatching),
			},
		)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := promote(); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)

	var tokens int
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM resource_tokens").Scan(&tokens))
	assert.Equal(t, 1, tokens)

	got, err := store.Get(ctx, e.Key(), true)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusDispatching, got.Status)
}

func TestExecutionStore_TransactRollsBackOnConflict(t *testing.T) {
	ctx, _, store, cleanup := setupExecutionTest(t)
	defer cleanup()

	e := newTestExecution("T1", "J1", execution.StatusCompleted, execution.PriorityLow, time.Now())
	require.NoError(t, store.PutNew(ctx, e))
	pool := NewResourcePool(store.db, storage.NoOpTracer())

	dispatching := execution.StatusDispatching
	deadline := time.Now().Add(time.Hour)
	err := store.Transact(ctx,
		execution.AllocateTokenOp{Token: execution.TokenFor(e, time.Now())},
		execution.UpdateExecutionOp{
			Key:       e.Key(),
			Mutation:  execution.Mutation{Status: &dispatching, ExecutionTimeout: &deadline},
			Condition: execution.StatusCondition(dispatching),
		},
	)
	var cfe *execution.ConditionFailedError
	require.ErrorAs(t, err, &cfe)

	held, err := pool.Holds(ctx, "T1", execution.RunnerGitHubActions, e.ExecutionID)
	require.NoError(t, err)
	assert.False(t, held, "token insert must roll back with the failed update")
}

func TestResourcePool_Capacity(t *testing.T) {
	ctx, _, store, cleanup := setupExecutionTest(t)
	defer cleanup()
	pool := NewResourcePool(store.db, storage.NoOpTracer())

	a := newTestExecution("T1", "J1", execution.StatusPending, execution.PriorityLow, time.Now())
	b := newTestExecution("T1", "J1", execution.StatusPending, execution.PriorityLow, time.Now())

	require.NoError(t, pool.Allocate(ctx, execution.TokenFor(a, time.Now()), 1))
	err := pool.Allocate(ctx, execution.TokenFor(b, time.Now()), 1)
	assert.ErrorIs(t, err, execution.ErrResourcePoolExhausted)

	n, err := pool.InUse(ctx, "T1", execution.RunnerGitHubActions, a.ResourceType)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	freed, err := pool.Free(ctx, execution.TokenFor(a, time.Now()))
	require.NoError(t, err)
	assert.True(t, freed)

	freed, err = pool.Free(ctx, execution.TokenFor(a, time.Now()))
	require.NoError(t, err)
	assert.False(t, freed)

	require.NoError(t, pool.Allocate(ctx, execution.TokenFor(b, time.Now()), 1))
}

func TestExecutionStore_DataRetrievedOnce(t *testing.T) {
	ctx, _, store, cleanup := setupExecutionTest(t)
	defer cleanup()

	key := execution.Key{TenantID: "T1", JitEventID: "J1", ExecutionID: "X1"}
	_, err := store.RetrieveData(ctx, key, time.Now())
	assert.ErrorIs(t, err, execution.ErrNotFound)

	d := &execution.ExecutionData{Key: key, Payload: json.RawMessage(`{"job":"scan"}`), CreatedAt: time.Now()}
	require.NoError(t, store.PutData(ctx, d))

	got, err := store.RetrieveData(ctx, key, time.Now())
	require.NoError(t, err)
	assert.JSONEq(t, `{"job":"scan"}`, string(got.Payload))
	assert.NotNil(t, got.RetrievedAt)

	_, err = store.RetrieveData(ctx, key, time.Now())
	assert.ErrorIs(t, err, execution.ErrDataAlreadyRetrieved)

	err = store.PutData(ctx, d)
	assert.ErrorIs(t, err, execution.ErrDataAlreadyRetrieved)
}

func TestExecutionStore_FailedToFree(t *testing.T) {
	ctx, _, store, cleanup := setupExecutionTest(t)
	defer cleanup()

	key := execution.Key{TenantID: "T1", JitEventID: "J1", ExecutionID: "X1"}
	rec := execution.FailedToFree{Key: key, Runner: execution.RunnerAWSBatch, Reason: "terminate failed", RecordedAt: time.Now()}
	require.NoError(t, store.MarkFailedToFree(ctx, rec))
	require.NoError(t, store.MarkFailedToFree(ctx, rec))

	list, err := store.ListFailedToFree(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, key, list[0].Key)
	assert.Equal(t, execution.RunnerAWSBatch, list[0].Runner)
}

func TestIdempotencyStore_Lifecycle(t *testing.T) {
	ctx, _, store, cleanup := setupExecutionTest(t)
	defer cleanup()
	idem := NewIdempotencyStore(store.db, storage.NoOpTracer())

	existing, acquired, err := idem.Acquire(ctx, "complete-execution#e1", time.Hour)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Nil(t, existing)

	existing, acquired, err = idem.Acquire(ctx, "complete-execution#e1", time.Hour)
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.Equal(t, execution.IdempotencyInProgress, existing.Status)

	require.NoError(t, idem.Complete(ctx, "complete-execution#e1", json.RawMessage(`{"ok":true}`), time.Hour))
	existing, acquired, err = idem.Acquire(ctx, "complete-execution#e1", time.Hour)
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.Equal(t, execution.IdempotencyCompleted, existing.Status)
	assert.JSONEq(t, `{"ok":true}`, string(existing.FirstResult))

	_, acquired, err = idem.Acquire(ctx, "complete-execution#e2", time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)
	require.NoError(t, idem.Release(ctx, "complete-execution#e2"))
	_, acquired, err = idem.Acquire(ctx, "complete-execution#e2", time.Hour)
	require.NoError(t, err)
	assert.True(t, acquired, "released keys can be claimed again")

	// Expired records are reclaimed.
	idem.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, acquired, err = idem.Acquire(ctx, "complete-execution#e1", time.Hour)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestChangeFeed_DeliversInsertAndModify(t *testing.T) {
	ctx, pool, store, cleanup := setupExecutionTest(t)
	defer cleanup()

	feed := NewChangeFeed(pool, storage.NoOpTracer(), logger.Noop())
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	records := make(chan execution.ChangeRecord, 4)
	done := make(chan error, 1)
	go func() {
		done <- feed.Subscribe(subCtx, func(_ context.Context, rec execution.ChangeRecord) error {
			records <- rec
			return nil
		})
	}()
	// Give the listener a moment to issue LISTEN.
	time.Sleep(500 * time.Millisecond)

	e := newTestExecution("T1", "J1", execution.StatusRunning, execution.PriorityLow, time.Now())
	require.NoError(t, store.PutNew(ctx, e))
	failed := execution.StatusFailed
	_, err := store.Update(ctx, e.Key(), execution.Mutation{Status: &failed}, execution.StatusCondition(failed))
	require.NoError(t, err)

	recv := func() execution.ChangeRecord {
		select {
		case rec := <-records:
			return rec
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for change record")
			return execution.ChangeRecord{}
		}
	}

	insert := recv()
	assert.Equal(t, execution.ChangeInsert, insert.Kind)
	assert.Equal(t, e.Key(), insert.Key)
	require.NotNil(t, insert.NewImage)

	modify := recv()
	assert.Equal(t, execution.ChangeModify, modify.Kind)
	assert.Equal(t, execution.StatusRunning, modify.OldStatus)
	assert.Equal(t, execution.StatusFailed, modify.NewStatus)
	assert.True(t, modify.ReleasedResource())

	cancel()
	err = <-done
	assert.False(t, err != nil && !errors.Is(err, context.Canceled), "unexpected error: %v", err)
}

// Package memory provides in-process implementations of the execution store,
// resource pool, idempotency store and change feed for local runs and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/execution-service/internal/domain/execution"
)

var (
	_ execution.Repository         = (*Store)(nil)
	_ execution.ResourcePool       = (*Store)(nil)
	_ execution.DataRepository     = (*Store)(nil)
	_ execution.IdempotencyStore   = (*Store)(nil)
	_ execution.FailedToFreeBucket = (*Store)(nil)
	_ execution.ChangeFeed         = (*Store)(nil)
)

type tokenID struct {
	tenantID    string
	runner      execution.RunnerType
	executionID string
}

func idOf(t execution.ResourceToken) tokenID {
	return tokenID{tenantID: t.TenantID, runner: t.Runner, executionID: t.ExecutionID}
}

// tables is the transactional part of the store. Rows are replaced, never
// mutated in place, so a shallow copy is a consistent snapshot.
type tables struct {
	rows   map[execution.Key]*execution.Execution
	tokens map[tokenID]execution.ResourceToken
}

func (t *tables) clone() *tables {
	out := &tables{
		rows:   make(map[execution.Key]*execution.Execution, len(t.rows)),
		tokens: make(map[tokenID]execution.ResourceToken, len(t.tokens)),
	}
	for k, v := range t.rows {
		out.rows[k] = v
	}
	for k, v := range t.tokens {
		out.tokens[k] = v
	}
	return out
}

// Store is a mutex-guarded implementation of every execution persistence port.
// Writes synthesize the same INSERT/MODIFY records the PostgreSQL feed emits.
type Store struct {
	mu     sync.Mutex
	tables *tables
	data   map[execution.Key]*execution.ExecutionData
	idem   map[string]*execution.IdempotencyRecord
	failed map[execution.Key]execution.FailedToFree

	subsMu sync.Mutex
	subs   map[*subscriber]struct{}

	now func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		tables: &tables{
			rows:   make(map[execution.Key]*execution.Execution),
			tokens: make(map[tokenID]execution.ResourceToken),
		},
		data:   make(map[execution.Key]*execution.ExecutionData),
		idem:   make(map[string]*execution.IdempotencyRecord),
		failed: make(map[execution.Key]execution.FailedToFree),
		subs:   make(map[*subscriber]struct{}),
		now:    time.Now,
	}
}

// SetClock replaces the clock used for idempotency expiry.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// PutNew inserts e.
func (s *Store) PutNew(ctx context.Context, e *execution.Execution) error {
	return s.Transact(ctx, execution.PutExecutionOp{Execution: e})
}

// Get returns a copy of the stored row.
func (s *Store) Get(_ context.Context, key execution.Key, strict bool) (*execution.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tables.rows[key]
	if !ok {
		if strict {
			return nil, &execution.NotFoundError{Kind: "execution", Key: key}
		}
		return nil, nil
	}
	return e.Clone(), nil
}

// BatchGet returns copies of the stored rows and the keys with no row.
func (s *Store) BatchGet(_ context.Context, keys []execution.Key) ([]*execution.Execution, []execution.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		found   []*execution.Execution
		missing []execution.Key
	)
	seen := make(map[execution.Key]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if e, ok := s.tables.rows[k]; ok {
			found = append(found, e.Clone())
			continue
		}
		missing = append(missing, k)
	}
	return found, missing, nil
}

// Update applies m under cond.
func (s *Store) Update(
	_ context.Context,
	key execution.Key,
	m execution.Mutation,
	cond execution.Condition,
) (*execution.Execution, error) {
	s.mu.Lock()
	next := s.tables.clone()
	out, rec, err := updateRow(next, key, m, cond)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.tables = next
	s.mu.Unlock()

	s.publish(rec)
	return out.Clone(), nil
}

// PartialUpdate overlays attributes other than the status.
func (s *Store) PartialUpdate(ctx context.Context, key execution.Key, m execution.Mutation) (*execution.Execution, error) {
	if m.Status != nil {
		return nil, fmt.Errorf("%w: partial updates cannot change status", execution.ErrInvalidRequest)
	}
	return s.Update(ctx, key, m, execution.Condition{})
}

// Transact applies ops to a snapshot and swaps it in only if all succeed.
func (s *Store) Transact(_ context.Context, ops ...execution.TransactOp) error {
	s.mu.Lock()
	next := s.tables.clone()

	var records []execution.ChangeRecord
	for i, op := range ops {
		var err error
		switch op := op.(type) {
		case execution.PutExecutionOp:
			var rec execution.ChangeRecord
			rec, err = insertRow(next, op.Execution)
			records = append(records, rec)
		case execution.UpdateExecutionOp:
			var rec execution.ChangeRecord
			_, rec, err = updateRow(next, op.Key, op.Mutation, op.Condition)
			records = append(records, rec)
		case execution.AllocateTokenOp:
			err = allocate(next, op.Token, op.Capacity)
		case execution.FreeTokenOp:
			delete(next.tokens, idOf(op.Token))
		default:
			err = fmt.Errorf("unsupported transact op %T", op)
		}
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("transact op %d: %w", i, err)
		}
	}
	s.tables = next
	s.mu.Unlock()

	for _, rec := range records {
		s.publish(rec)
	}
	return nil
}

// Query evaluates q by filtering and sorting every row.
func (s *Store) Query(_ context.Context, q execution.Query) (execution.Page, error) {
	if err := q.Validate(); err != nil {
		return execution.Page{}, err
	}
	var start *execution.PageKey
	if q.StartKey != "" {
		k, err := execution.DecodePageKey(q.StartKey)
		if err != nil {
			return execution.Page{}, err
		}
		start = &k
	}

	s.mu.Lock()
	var matched []*execution.Execution
	for _, e := range s.tables.rows {
		if !q.Matches(e) {
			continue
		}
		if start != nil && !q.Index.Less(*start, execution.PageKeyFor(e)) {
			continue
		}
		matched = append(matched, e.Clone())
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		return q.Index.Less(execution.PageKeyFor(matched[i]), execution.PageKeyFor(matched[j]))
	})

	var page execution.Page
	limit := q.EffectiveLimit()
	if len(matched) > limit {
		matched = matched[:limit]
		token, err := execution.EncodePageKey(execution.PageKeyFor(matched[limit-1]))
		if err != nil {
			return execution.Page{}, err
		}
		page.LastKey = token
	}
	page.Items = matched
	return page, nil
}

// DeleteExpired removes rows and payloads whose ttl passed.
func (s *Store) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	cutoff := now.Unix()
	next := s.tables.clone()
	for k, e := range next.rows {
		if e.TTL > 0 && e.TTL < cutoff {
			delete(next.rows, k)
			n++
		}
	}
	s.tables = next
	for k, d := range s.data {
		if d.TTL > 0 && d.TTL < cutoff {
			delete(s.data, k)
			n++
		}
	}
	for k, r := range s.idem {
		if r.ExpiresAt.Before(now) {
			delete(s.idem, k)
		}
	}
	return n, nil
}

func insertRow(t *tables, e *execution.Execution) (execution.ChangeRecord, error) {
	key := e.Key()
	if _, ok := t.rows[key]; ok {
		return execution.ChangeRecord{}, fmt.Errorf("%w: %s", execution.ErrAlreadyExists, key)
	}
	row := e.Clone()
	t.rows[key] = row
	return execution.ChangeRecord{
		ID:        uuid.NewString(),
		Kind:      execution.ChangeInsert,
		Key:       key,
		NewStatus: row.Status,
		NewImage:  row.Clone(),
	}, nil
}

func updateRow(
	t *tables,
	key execution.Key,
	m execution.Mutation,
	cond execution.Condition,
) (*execution.Execution, execution.ChangeRecord, error) {
	if err := m.Validate(); err != nil {
		return nil, execution.ChangeRecord{}, err
	}
	cur, ok := t.rows[key]
	if !ok {
		return nil, execution.ChangeRecord{}, &execution.NotFoundError{Kind: "execution", Key: key}
	}
	if reason := cond.Check(cur); reason != "" {
		return nil, execution.ChangeRecord{}, &execution.ConditionFailedError{Key: key, Current: cur.Clone(), Reason: reason}
	}

	next := cur.Clone()
	m.Apply(next)
	t.rows[key] = next
	return next, execution.ChangeRecord{
		ID:        uuid.NewString(),
		Kind:      execution.ChangeModify,
		Key:       key,
		OldStatus: cur.Status,
		NewStatus: next.Status,
		NewImage:  next.Clone(),
	}, nil
}

func allocate(t *tables, token execution.ResourceToken, capacity int) error {
	if capacity > 0 {
		inUse := 0
		for _, held := range t.tokens {
			if held.TenantID == token.TenantID && held.Runner == token.Runner && held.ResourceType == token.ResourceType {
				inUse++
			}
		}
		if inUse >= capacity {
			return fmt.Errorf("%w: %s/%s holds %d of %d",
				execution.ErrResourcePoolExhausted, token.TenantID, token.Runner, inUse, capacity)
		}
	}
	id := idOf(token)
	if _, ok := t.tokens[id]; ok {
		return &execution.ConditionFailedError{
			Key:    execution.Key{TenantID: token.TenantID, JitEventID: token.JitEventID, ExecutionID: token.ExecutionID},
			Reason: "resource token already held",
		}
	}
	t.tokens[id] = token
	return nil
}

// Allocate inserts token.
func (s *Store) Allocate(_ context.Context, token execution.ResourceToken, capacity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return allocate(s.tables, token, capacity)
}

// Free deletes token.
func (s *Store) Free(_ context.Context, token execution.ResourceToken) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := idOf(token)
	_, ok := s.tables.tokens[id]
	delete(s.tables.tokens, id)
	return ok, nil
}

// InUse counts tokens in one pool.
func (s *Store) InUse(
	_ context.Context,
	tenantID string,
	runner execution.RunnerType,
	resourceType execution.ResourceType,
) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tables.tokens {
		if t.TenantID == tenantID && t.Runner == runner && t.ResourceType == resourceType {
			n++
		}
	}
	return n, nil
}

// Holds reports whether the execution holds a token.
func (s *Store) Holds(_ context.Context, tenantID string, runner execution.RunnerType, executionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.tables.tokens[tokenID{tenantID: tenantID, runner: runner, executionID: executionID}]
	return ok, nil
}

// Tokens returns every held token.
func (s *Store) Tokens() []execution.ResourceToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]execution.ResourceToken, 0, len(s.tables.tokens))
	for _, t := range s.tables.tokens {
		out = append(out, t)
	}
	return out
}

// PutData stores d unless it was already retrieved.
func (s *Store) PutData(_ context.Context, d *execution.ExecutionData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.data[d.Key]; ok && cur.RetrievedAt != nil {
		return fmt.Errorf("%w: %s", execution.ErrDataAlreadyRetrieved, d.Key)
	}
	cp := *d
	cp.Payload = append(json.RawMessage(nil), d.Payload...)
	cp.RetrievedAt = nil
	s.data[d.Key] = &cp
	return nil
}

// RetrieveData returns the payload once.
func (s *Store) RetrieveData(_ context.Context, key execution.Key, now time.Time) (*execution.ExecutionData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.data[key]
	if !ok {
		return nil, &execution.NotFoundError{Kind: "execution data", Key: key}
	}
	if d.RetrievedAt != nil {
		return nil, fmt.Errorf("%w: %s", execution.ErrDataAlreadyRetrieved, key)
	}
	at := now.UTC()
	d.RetrievedAt = &at
	cp := *d
	return &cp, nil
}

// MarkFailedToFree records rec.
func (s *Store) MarkFailedToFree(_ context.Context, rec execution.FailedToFree) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[rec.Key] = rec
	return nil
}

// ListFailedToFree returns the newest records first.
func (s *Store) ListFailedToFree(_ context.Context, limit int) ([]execution.FailedToFree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]execution.FailedToFree, 0, len(s.failed))
	for _, r := range s.failed {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Acquire claims key unless an unexpired record holds it.
func (s *Store) Acquire(_ context.Context, key string, ttl time.Duration) (*execution.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if rec, ok := s.idem[key]; ok && !rec.ExpiresAt.Before(now) {
		cp := *rec
		return &cp, false, nil
	}
	s.idem[key] = &execution.IdempotencyRecord{
		Key:       key,
		Status:    execution.IdempotencyInProgress,
		ExpiresAt: now.Add(ttl),
	}
	return nil, true, nil
}

// Complete stores the first result for key.
func (s *Store) Complete(_ context.Context, key string, result json.RawMessage, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.idem[key]
	if !ok {
		return fmt.Errorf("idempotency key %s was not claimed", key)
	}
	rec.Status = execution.IdempotencyCompleted
	rec.FirstResult = append(json.RawMessage(nil), result...)
	rec.ExpiresAt = s.now().Add(ttl)
	return nil
}

// Release drops an in-progress claim.
func (s *Store) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.idem[key]; ok && rec.Status == execution.IdempotencyInProgress {
		delete(s.idem, key)
	}
	return nil
}

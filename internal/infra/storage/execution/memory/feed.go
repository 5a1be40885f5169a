package memory

import (
	"context"
	"sync"

	"github.com/ahrav/execution-service/internal/domain/execution"
)

// subscriber buffers records without bound so writers never block on a slow
// or re-entrant handler.
type subscriber struct {
	mu     sync.Mutex
	queue  []execution.ChangeRecord
	signal chan struct{}
}

func (s *subscriber) push(rec execution.ChangeRecord) {
	s.mu.Lock()
	s.queue = append(s.queue, rec)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) drain() []execution.ChangeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

// Subscribe delivers records written after the call until ctx is canceled.
// Handler errors are dropped, as with the PostgreSQL feed.
func (s *Store) Subscribe(ctx context.Context, fn execution.ChangeHandler) error {
	sub := &subscriber{signal: make(chan struct{}, 1)}
	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()

	defer func() {
		s.subsMu.Lock()
		delete(s.subs, sub)
		s.subsMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.signal:
			for _, rec := range sub.drain() {
				_ = fn(ctx, rec)
			}
		}
	}
}

func (s *Store) publish(rec execution.ChangeRecord) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for sub := range s.subs {
		cp := rec
		cp.NewImage = rec.NewImage.Clone()
		sub.push(cp)
	}
}

// Subscribers returns the number of active subscriptions.
func (s *Store) Subscribers() int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return len(s.subs)
}

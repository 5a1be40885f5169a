// Package standalone provides a cluster coordinator for single-replica
// deployments and local development. The process is always the leader.
package standalone

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ahrav/execution-service/internal/app/cluster"
	"github.com/ahrav/execution-service/pkg/common/logger"
)

var _ cluster.Coordinator = (*Coordinator)(nil)

// Coordinator elects itself as soon as Start is called and steps down when
// the context ends.
type Coordinator struct {
	mu     sync.Mutex
	cb     func(isLeader bool)
	leader atomic.Bool
	logger *logger.Logger
}

// NewCoordinator returns a coordinator that owns leadership unconditionally.
func NewCoordinator(logger *logger.Logger) *Coordinator {
	return &Coordinator{logger: logger.With("component", "standalone_coordinator")}
}

func (c *Coordinator) Start(ctx context.Context) error {
	c.setLeader(ctx, true)
	<-ctx.Done()
	c.setLeader(context.Background(), false)
	return nil
}

func (c *Coordinator) Stop() error { return nil }

func (c *Coordinator) OnLeadershipChange(cb func(isLeader bool)) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

func (c *Coordinator) IsLeader() bool { return c.leader.Load() }

func (c *Coordinator) setLeader(ctx context.Context, v bool) {
	c.leader.Store(v)
	c.logger.Info(ctx, "leadership changed", "is_leader", v)

	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb(v)
	}
}

package standalone

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/execution-service/pkg/common/logger"
)

func TestCoordinatorLeadsUntilCanceled(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(logger.Noop())

	var mu sync.Mutex
	var changes []bool
	c.OnLeadershipChange(func(isLeader bool) {
		mu.Lock()
		changes = append(changes, isLeader)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, c.Start(ctx))
	}()

	require.Eventually(t, c.IsLeader, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.False(t, c.IsLeader())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, changes)
}

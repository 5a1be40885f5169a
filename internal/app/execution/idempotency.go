package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	domain "github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/pkg/common/logger"
)

// idempotencyGuard runs work at most once per key.
type idempotencyGuard struct {
	store  domain.IdempotencyStore
	cfg    Config
	logger *logger.Logger
}

// errReplayed is returned by run when key was already processed.
var errReplayed = errors.New("idempotent replay")

// run executes fn under key. A completed key returns errReplayed and the
// stored first result; an in-flight key returns ErrIdempotencyInProgress so
// the transport redelivers later. A failed fn releases the claim.
func (g *idempotencyGuard) run(
	ctx context.Context,
	key string,
	fn func(ctx context.Context) (any, error),
) (json.RawMessage, error) {
	if key == "" {
		if g.cfg.FailOnMissingIdempotencyKey {
			return nil, domain.ErrIdempotencyKeyMissing
		}
		g.logger.Warn(ctx, "processing without idempotency key")
		res, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}

	existing, acquired, err := g.store.Acquire(ctx, key, g.cfg.IdempotencyTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire idempotency key %s: %w", key, err)
	}
	if !acquired {
		if existing != nil && existing.Status == domain.IdempotencyCompleted {
			return existing.FirstResult, errReplayed
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrIdempotencyInProgress, key)
	}

	res, err := fn(ctx)
	if err != nil {
		if rerr := g.store.Release(ctx, key); rerr != nil {
			g.logger.Warn(ctx, "failed to release idempotency key", "key", key, "error", rerr)
		}
		return nil, err
	}

	out, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to encode first result: %w", err)
	}
	if err := g.store.Complete(ctx, key, out, g.cfg.IdempotencyTTL); err != nil {
		return nil, fmt.Errorf("failed to complete idempotency key %s: %w", key, err)
	}
	return out, nil
}

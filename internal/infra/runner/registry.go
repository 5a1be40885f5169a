// Package runner hosts the backend runner adapters and what they share: the
// adapter registry, the status deadline policy and a rate-limited HTTP client.
package runner

import (
	"fmt"
	"sync"

	"github.com/ahrav/execution-service/internal/domain/execution"
)

var _ execution.RunnerRegistry = (*Registry)(nil)

type registryKey struct {
	family execution.RunnerFamily
	vendor string
}

// Registry resolves adapters by (family, vendor), so both GitHub Actions
// runner names share one adapter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[registryKey]execution.RunnerAdapter
}

// NewRegistry registers each adapter under the family and vendor of its
// runner type.
func NewRegistry(adapters ...execution.RunnerAdapter) (*Registry, error) {
	r := &Registry{adapters: make(map[registryKey]execution.RunnerAdapter)}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a, failing when its runner type is unknown or the slot is taken.
func (r *Registry) Register(a execution.RunnerAdapter) error {
	rt := a.RunnerType()
	k := registryKey{family: rt.Family(), vendor: rt.Vendor()}
	if k.family == "" {
		return &execution.RunnerNotSupportedError{Runner: rt}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[k]; ok {
		return fmt.Errorf("adapter for %s/%s already registered", k.family, k.vendor)
	}
	r.adapters[k] = a
	return nil
}

// Adapter returns the adapter serving runner.
func (r *Registry) Adapter(runner execution.RunnerType) (execution.RunnerAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[registryKey{family: runner.Family(), vendor: runner.Vendor()}]
	if !ok {
		return nil, &execution.RunnerNotSupportedError{Runner: runner, Vendor: runner.Vendor()}
	}
	return a, nil
}

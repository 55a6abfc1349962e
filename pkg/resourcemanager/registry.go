// SPDX-License-Identifier: AGPL-3.0-only

package resourcemanager

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolRegistry is the named mapping of pool-id to bounded worker pool. It
// enforces unique names and provides coordinated shutdown.
type PoolRegistry struct {
	mu    sync.RWMutex
	pools map[string]*Pool

	logger log.Logger
	reg    prometheus.Registerer
}

func newPoolRegistry(logger log.Logger, reg prometheus.Registerer) *PoolRegistry {
	return &PoolRegistry{
		pools:  make(map[string]*Pool),
		logger: logger,
		reg:    reg,
	}
}

// Register creates and stores a new pool. Registering a duplicate name
// fails with ConfigurationError and leaves the registry unchanged.
func (r *PoolRegistry) Register(spec PoolSpec) (*Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pools[spec.Name]; exists {
		return nil, newConfigurationError("duplicate pool name %q", spec.Name)
	}

	p := newPool(spec, r.logger, r.reg)
	r.pools[spec.Name] = p
	return p, nil
}

// Get returns a previously registered pool by name.
func (r *PoolRegistry) Get(name string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[name]
	return p, ok
}

// All returns every registered pool; used by ShutdownAll.
func (r *PoolRegistry) All() []*Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p)
	}
	return out
}

// ShutdownAll shuts down every registered pool, waiting for each.
func (r *PoolRegistry) ShutdownAll() {
	var wg sync.WaitGroup
	for _, p := range r.All() {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Shutdown()
		}()
	}
	wg.Wait()
}

// SPDX-License-Identifier: AGPL-3.0-only

package resourcemanager

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// MemoryManager is the pluggable policy consulted by the initiator task:
// given the current report snapshot it returns, in order, the tablets that
// should be asked to minor-compact. Implementations may be stateful but
// Recommend must not block on I/O; it runs on the initiator's own loop.
type MemoryManager interface {
	Init(cfg Config) error
	Recommend(reports []TabletReport) []TabletId
	TabletClosed(id TabletId)
}

// MemoryManagerFactory constructs a MemoryManager by class name.
type MemoryManagerFactory func() MemoryManager

var (
	policyRegistryMu sync.RWMutex
	policyRegistry   = map[string]MemoryManagerFactory{}
)

// RegisterMemoryManager adds a named MemoryManager constructor to the
// registry consulted by NewMemoryManager. Mirrors RegisterCompactionStrategy:
// a name -> constructor table, never dynamic code loading.
func RegisterMemoryManager(name string, factory MemoryManagerFactory) {
	policyRegistryMu.Lock()
	defer policyRegistryMu.Unlock()
	policyRegistry[name] = factory
}

// NewMemoryManager constructs and initializes the MemoryManager named by
// cfg.MemoryManagerClass.
func NewMemoryManager(cfg Config) (MemoryManager, error) {
	policyRegistryMu.RLock()
	factory, ok := policyRegistry[cfg.MemoryManagerClass]
	policyRegistryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("resourcemanager: unknown memory manager class %q", cfg.MemoryManagerClass)
	}

	m := factory()
	if err := m.Init(cfg); err != nil {
		return nil, errors.Wrapf(err, "initializing memory manager %q", cfg.MemoryManagerClass)
	}
	return m, nil
}

func init() {
	RegisterMemoryManager("default", func() MemoryManager { return &largestFirstMemoryManager{} })
}

// largestFirstMemoryManager recommends every tablet whose total bytes
// (memtable plus minor-compacting memtable) are at least a per-tablet
// floor, largest total bytes first. It is stateless
// beyond that floor, making it a pure function of its inputs.
type largestFirstMemoryManager struct {
	minBytesToCompact int64
}

func (m *largestFirstMemoryManager) Init(cfg Config) error {
	// Compacting anything below 1% of the ceiling isn't worth the churn.
	m.minBytesToCompact = cfg.MaxMemtableBytes / 100
	return nil
}

func (m *largestFirstMemoryManager) Recommend(reports []TabletReport) []TabletId {
	candidates := make([]TabletReport, 0, len(reports))
	for _, r := range reports {
		if r.totalBytes() >= m.minBytesToCompact {
			candidates = append(candidates, r)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].totalBytes() > candidates[j].totalBytes()
	})

	ids := make([]TabletId, len(candidates))
	for i, r := range candidates {
		ids[i] = r.Tablet
	}
	return ids
}

func (m *largestFirstMemoryManager) TabletClosed(TabletId) {
	// Stateless: nothing to forget.
}

// SPDX-License-Identifier: AGPL-3.0-only

package resourcemanager

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// poolResizeInterval and poolResizeInitialDelay drive the live
// reconfiguration loop.
const (
	poolResizeInterval     = 10 * time.Second
	poolResizeInitialDelay = 1 * time.Second
)

// ResourceManager is the top-level object of this package: it owns the
// pool registry, the dispatcher, the memory controller, the commit-hold
// gate, and the two block caches, and hands out TabletHandles. TabletHandles
// hold only a non-owning back-pointer to it.
type ResourceManager struct {
	services.Service

	cfgSource   ConfigSource
	fileManager FileManager
	logger      log.Logger
	reg         prometheus.Registerer

	registry   *PoolRegistry
	dispatcher *Dispatcher
	gate       *CommitHoldGate
	controller *memoryController
	policy     MemoryManager

	dataCache  *BlockCache
	indexCache *BlockCache

	// mu is the manager-wide lock taken first in the fixed manager->handle
	// lock order used by TabletHandle.Close.
	mu sync.Mutex

	subservices        *services.Manager
	subservicesWatcher *services.FailureWatcher
}

// NewResourceManager constructs the manager and its pool catalogue, but
// does not start any background task; call StartAsync (it implements
// services.Service) to begin the memory controller and the resize loop.
func NewResourceManager(cfg Config, cfgSource ConfigSource, fileManager FileManager, logger log.Logger, reg prometheus.Registerer) (*ResourceManager, error) {
	if cfgSource == nil {
		return nil, errNilConfigSource
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	policy, err := NewMemoryManager(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "constructing memory manager")
	}

	dataCache, err := newBlockCache(cfg.DataCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "constructing data cache")
	}
	indexCache, err := newBlockCache(cfg.IndexCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "constructing index cache")
	}

	// Cache allocation is a one-time step that can leave a sizeable amount
	// of garbage from any resizing the allocator did internally; a forced
	// collection here is a performance hint only, not a correctness
	// requirement.
	runtime.GC()

	if cfg.ProcessMaxHeapBytes > 0 && cfg.ProcessInUseBytes > 0 {
		if cfg.MaxMemtableBytes > cfg.ProcessMaxHeapBytes-cfg.ProcessInUseBytes {
			level.Warn(logger).Log("msg", "max memtable bytes may exceed available process heap",
				"max_memtable_bytes", cfg.MaxMemtableBytes, "process_max_heap_bytes", cfg.ProcessMaxHeapBytes, "process_in_use_bytes", cfg.ProcessInUseBytes)
		}
	}

	registry := newPoolRegistry(logger, reg)
	for _, spec := range defaultPoolSpecs(cfg.PoolSizes) {
		if _, err := registry.Register(spec); err != nil {
			return nil, err
		}
	}

	gate := newCommitHoldGate(logger)
	controller := newMemoryController(cfg.MaxMemtableBytes, policy, gate, logger)

	m := &ResourceManager{
		cfgSource:   cfgSource,
		fileManager: fileManager,
		logger:      logger,
		reg:         reg,
		registry:    registry,
		dispatcher:  newDispatcher(registry, logger),
		gate:        gate,
		controller:  controller,
		policy:      policy,
		dataCache:   dataCache,
		indexCache:  indexCache,
	}

	m.Service = services.NewBasicService(m.starting, m.running, m.stopping)
	return m, nil
}

func (m *ResourceManager) starting(ctx context.Context) error {
	var err error
	m.subservices, err = services.NewManager(m.controller)
	if err != nil {
		return errors.Wrap(err, "creating subservices manager")
	}
	m.subservicesWatcher = services.NewFailureWatcher()
	m.subservicesWatcher.WatchManager(m.subservices)

	if err := services.StartManagerAndAwaitHealthy(ctx, m.subservices); err != nil {
		return errors.Wrap(err, "starting memory controller")
	}
	return nil
}

func (m *ResourceManager) running(ctx context.Context) error {
	// Give new pools a moment to settle before the first reconfiguration
	// pass.
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(poolResizeInitialDelay):
	}

	ticker := time.NewTicker(poolResizeInterval)
	defer ticker.Stop()

	for {
		m.reconfigurePools()

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case err := <-m.subservicesWatcher.Chan():
			return errors.Wrap(err, "resource manager subservice failed")
		}
	}
}

func (m *ResourceManager) stopping(_ error) error {
	if m.subservices != nil {
		if err := services.StopManagerAndAwaitStopped(context.Background(), m.subservices); err != nil {
			level.Warn(m.logger).Log("msg", "error stopping memory controller", "err", err)
		}
	}
	m.registry.ShutdownAll()
	return nil
}

// reconfigurePools re-reads config-driven pool sizes and resizes any pool
// whose max has changed. Failures are logged and swallowed; the loop
// continues.
func (m *ResourceManager) reconfigurePools() {
	defer func() {
		if r := recover(); r != nil {
			level.Error(m.logger).Log("msg", "panic in pool reconfiguration, continuing", "err", r)
		}
	}()

	sizes := m.cfgSource.PoolSizes()
	for name, want := range reconfigurablePoolSizes(sizes) {
		p, ok := m.registry.Get(name)
		if !ok {
			level.Warn(m.logger).Log("msg", "reconfigurable pool missing from registry", "pool", name)
			continue
		}
		p.Resize(want)
	}
}

// CreateHandle creates a new TabletHandle for tablet, rejecting tables
// excluded by EnabledTables/DisabledTables.
func (m *ResourceManager) CreateHandle(tablet TabletId, initiate InitiateMinorCompactionFunc) (*TabletHandle, error) {
	if !m.cfgSource.TableAllowed(tablet.Table) {
		return nil, newConfigurationError("table %q is not enabled for resource management", tablet.Table)
	}

	files, err := m.fileManager.NewScanFileManager(tablet)
	if err != nil {
		return nil, errors.Wrapf(err, "creating scan file manager for %s", tablet.String())
	}

	tableCfg := m.cfgSource.TableConfig(tablet.Table)
	return newTabletHandle(m, tablet, tableCfg, initiate, files, m.logger), nil
}

// Dispatcher returns the public submission surface.
func (m *ResourceManager) Dispatcher() *Dispatcher { return m.dispatcher }

// DataCache returns the shared data block cache.
func (m *ResourceManager) DataCache() *BlockCache { return m.dataCache }

// IndexCache returns the shared index block cache.
func (m *ResourceManager) IndexCache() *BlockCache { return m.indexCache }

// WaitUntilCommitsEnabled blocks until the commit-hold gate is released or
// the configured RPC timeout elapses.
func (m *ResourceManager) WaitUntilCommitsEnabled() error {
	return m.gate.WaitUntilCommitsEnabled(m.cfgSource.RPCTimeout())
}

// HoldTime reports how long commits have been continuously held, or 0.
func (m *ResourceManager) HoldTime() time.Duration {
	return m.gate.HoldTime()
}

// stopPools shuts down the named pools in parallel, waiting with 60s
// polling per pool (Pool.Shutdown already implements that); each stop_*
// method below names its pool subset.
func (m *ResourceManager) stopPools(names ...string) error {
	var g errgroup.Group
	for _, name := range names {
		name := name
		g.Go(func() error {
			p, ok := m.registry.Get(name)
			if !ok {
				return nil
			}
			p.Shutdown()
			return nil
		})
	}
	return g.Wait()
}

// StopSplits shuts down the split and meta-split pools.
func (m *ResourceManager) StopSplits() error {
	return m.stopPools(poolSplit, poolMetaSplit)
}

// StopNormalAssignments shuts down the user-tablet assignment pool.
func (m *ResourceManager) StopNormalAssignments() error {
	return m.stopPools(poolAssignment)
}

// StopMetadataAssignments shuts down the metadata-tablet assignment pool.
func (m *ResourceManager) StopMetadataAssignments() error {
	return m.stopPools(poolMetaAssignment)
}

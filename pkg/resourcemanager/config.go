// SPDX-License-Identifier: AGPL-3.0-only

package resourcemanager

import (
	"flag"
	"sync"
	"time"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
)

// PoolSizeConfig is the set of live-reconfigurable pool max-worker counts.
// Each value is used as the pool's max worker count as given; 0 is not
// replaced by a default.
type PoolSizeConfig struct {
	MinorCompactMaxConcurrent  int `yaml:"minc_maxconcurrent"`
	MajorCompactMaxConcurrent  int `yaml:"majc_maxconcurrent"`
	MigrateMaxConcurrent       int `yaml:"migrate_maxconcurrent"`
	ReadAheadMaxConcurrent     int `yaml:"readahead_maxconcurrent"`
	MetaReadAheadMaxConcurrent int `yaml:"metadata_readahead_maxconcurrent"`
}

// Config holds the resource manager's configuration, following the usual
// RegisterFlags/Validate shape used across this codebase's Config types.
type Config struct {
	// MaxMemtableBytes is the ceiling M across all tablets' memtables.
	MaxMemtableBytes int64 `yaml:"max_memtable_bytes"`
	// NativeMapEnabled, when false, requires MaxMemtableBytes plus the two
	// cache sizes below to fit within ProcessMaxHeapBytes.
	NativeMapEnabled bool `yaml:"native_map_enabled"`
	// ProcessMaxHeapBytes and ProcessInUseBytes feed the startup validation
	// below.
	ProcessMaxHeapBytes int64 `yaml:"-"`
	ProcessInUseBytes   int64 `yaml:"-"`

	DataCacheSize  int `yaml:"data_cache_size"`
	IndexCacheSize int `yaml:"index_cache_size"`

	MaxOpenScanFiles int `yaml:"max_open_scan_files"`

	RPCTimeout time.Duration `yaml:"rpc_timeout"`

	// MemoryManagerClass names the MemoryManager implementation to
	// construct via the policy registry (policy.go).
	MemoryManagerClass string `yaml:"memory_manager_class"`

	// EnabledTables and DisabledTables optionally restrict which tables
	// this resource manager admits handles for, mirroring the
	// enabled/disabled-tenants knobs of the compactor this package is
	// descended from.
	EnabledTables  flagext.StringSliceCSV `yaml:"enabled_tables"`
	DisabledTables flagext.StringSliceCSV `yaml:"disabled_tables"`

	PoolSizes PoolSizeConfig `yaml:"pool_sizes"`

	// Per-table settings. Keyed by table name; a missing entry falls back
	// to DefaultTable.
	Tables        map[string]TableConfig `yaml:"-"`
	DefaultTable  TableConfig            `yaml:"default_table"`
}

// TableConfig is the per-table slice of configuration a TabletHandle reads:
// which compaction strategy to instantiate and how long a tablet may sit
// idle before an idle-triggered major compaction is allowed.
type TableConfig struct {
	CompactionStrategyClass string            `yaml:"compaction_strategy_class"`
	StrategyOptions         map[string]string `yaml:"strategy_options"`
	IdleCompactThreshold    time.Duration     `yaml:"idle_compact_threshold"`
}

// RegisterFlags registers command-line flags for Config and sets the
// default per-table configuration.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.Int64Var(&c.MaxMemtableBytes, "resourcemanager.max-memtable-bytes", 1<<30, "Ceiling on aggregate in-memory write-buffer bytes across all tablets.")
	f.BoolVar(&c.NativeMapEnabled, "resourcemanager.native-map-enabled", true, "Whether the native (off-heap) memtable map is enabled.")
	f.IntVar(&c.DataCacheSize, "resourcemanager.data-cache-size", 128<<20, "Size in bytes of the data block cache.")
	f.IntVar(&c.IndexCacheSize, "resourcemanager.index-cache-size", 64<<20, "Size in bytes of the index block cache.")
	f.IntVar(&c.MaxOpenScanFiles, "resourcemanager.max-open-scan-files", 1000, "Maximum number of scan-time file descriptors reserved across all tablets.")
	f.DurationVar(&c.RPCTimeout, "resourcemanager.rpc-timeout", 30*time.Second, "RPC timeout, used as the commit-hold wait deadline.")
	f.StringVar(&c.MemoryManagerClass, "resourcemanager.memory-manager-class", "default", "Name of the MemoryManager implementation to construct.")
	f.Var(&c.EnabledTables, "resourcemanager.enabled-tables", "Comma separated list of tables that can have resource-managed tablets. If specified, only these tables are admitted, otherwise all tables are.")
	f.Var(&c.DisabledTables, "resourcemanager.disabled-tables", "Comma separated list of tables that cannot have resource-managed tablets, applied after -resourcemanager.enabled-tables.")
	f.IntVar(&c.PoolSizes.MinorCompactMaxConcurrent, "resourcemanager.minc-maxconcurrent", 4, "Max concurrent minor compactions.")
	f.IntVar(&c.PoolSizes.MajorCompactMaxConcurrent, "resourcemanager.majc-maxconcurrent", 3, "Max concurrent major compactions.")
	f.IntVar(&c.PoolSizes.MigrateMaxConcurrent, "resourcemanager.migrate-maxconcurrent", 1, "Max concurrent tablet migrations.")
	f.IntVar(&c.PoolSizes.ReadAheadMaxConcurrent, "resourcemanager.readahead-maxconcurrent", 8, "Max concurrent read-ahead operations for user tablets.")
	f.IntVar(&c.PoolSizes.MetaReadAheadMaxConcurrent, "resourcemanager.metadata-readahead-maxconcurrent", 4, "Max concurrent read-ahead operations for metadata tablets.")

	c.DefaultTable = TableConfig{
		CompactionStrategyClass: "default",
		IdleCompactThreshold:    1 * time.Hour,
	}
}

// Validate checks that, when the native map is disabled, the ceiling plus
// both cache sizes fit in the process heap.
func (c *Config) Validate() error {
	if !c.NativeMapEnabled {
		total := c.MaxMemtableBytes + int64(c.DataCacheSize) + int64(c.IndexCacheSize)
		if c.ProcessMaxHeapBytes > 0 && total > c.ProcessMaxHeapBytes {
			return newConfigurationError(
				"native map disabled: max memtable bytes (%d) + data cache (%d) + index cache (%d) = %d exceeds process max heap (%d)",
				c.MaxMemtableBytes, c.DataCacheSize, c.IndexCacheSize, total, c.ProcessMaxHeapBytes)
		}
	}
	return nil
}

// tableConfig resolves the effective TableConfig for a table name.
func (c *Config) tableConfig(table string) TableConfig {
	if tc, ok := c.Tables[table]; ok {
		return tc
	}
	return c.DefaultTable
}

// tableAllowed reports whether table may have resource-managed tablets,
// per EnabledTables/DisabledTables.
func (c *Config) tableAllowed(table string) bool {
	if len(c.EnabledTables) > 0 {
		allowed := false
		for _, t := range c.EnabledTables {
			if t == table {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	for _, t := range c.DisabledTables {
		if t == table {
			return false
		}
	}
	return true
}

// ConfigSource is a live handle to configuration: pool sizes and other
// hot-reconfigurable values are read through this interface rather than a
// static Config snapshot, so a real binary can back it with a watched
// config file while tests can use the trivial StaticConfigSource.
type ConfigSource interface {
	PoolSizes() PoolSizeConfig
	TableConfig(table string) TableConfig
	RPCTimeout() time.Duration
	TableAllowed(table string) bool
}

// StaticConfigSource serves a fixed Config, updatable under a lock; it is
// the default ConfigSource and is what the 10s pool-resize loop observes
// when nothing external mutates it.
type StaticConfigSource struct {
	mu  sync.RWMutex
	cfg Config
}

// NewStaticConfigSource wraps cfg for live reads; Update mutates it.
func NewStaticConfigSource(cfg Config) *StaticConfigSource {
	return &StaticConfigSource{cfg: cfg}
}

func (s *StaticConfigSource) PoolSizes() PoolSizeConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.PoolSizes
}

func (s *StaticConfigSource) TableConfig(table string) TableConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.tableConfig(table)
}

func (s *StaticConfigSource) RPCTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.RPCTimeout
}

func (s *StaticConfigSource) TableAllowed(table string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.tableAllowed(table)
}

// Update replaces the served configuration. Used by operators (or tests)
// driving hot reconfiguration of pool sizes.
func (s *StaticConfigSource) Update(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

var errNilConfigSource = errors.New("resourcemanager: ConfigSource must not be nil")

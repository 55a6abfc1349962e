// SPDX-License-Identifier: AGPL-3.0-only

package resourcemanager

import "time"

// Pool names are contracts: callers and dashboards key off these strings,
// so they must never change independently.
const (
	poolMinorCompact     = "minor-compact"
	poolMajorCompact     = "major-compact"
	poolMetaMajorCompact = "meta-major-compact"
	poolRootMajorCompact = "root-major-compact"
	poolSplit            = "split"
	poolMetaSplit        = "meta-split"
	poolMigrate          = "migrate"
	poolMetaMigrate      = "meta-migrate"
	poolAssignment       = "assignment"
	poolMetaAssignment   = "meta-assignment"
	poolReadAhead        = "read-ahead"
	poolMetaReadAhead    = "meta-read-ahead"
)

// defaultPoolSpecs builds the full catalogue, reading config-driven sizes
// from sizes (a point-in-time snapshot used only to seed initial sizing;
// live resize happens via the reconfiguration loop).
func defaultPoolSpecs(sizes PoolSizeConfig) []PoolSpec {
	return []PoolSpec{
		{Name: poolMinorCompact, Min: 0, Max: sizes.MinorCompactMaxConcurrent, Queue: FIFOQueue},
		{Name: poolMajorCompact, Min: 0, Max: sizes.MajorCompactMaxConcurrent, Queue: PriorityQueue},
		{Name: poolMetaMajorCompact, Min: 0, Max: 1, KeepAlive: 300 * time.Second, Queue: FIFOQueue},
		{Name: poolRootMajorCompact, Min: 0, Max: 1, KeepAlive: 300 * time.Second, Queue: FIFOQueue},
		{Name: poolSplit, Min: 1, Max: 1, Queue: FIFOQueue},
		{Name: poolMetaSplit, Min: 1, Max: 1, KeepAlive: 60 * time.Second, Queue: FIFOQueue},
		{Name: poolMigrate, Min: 0, Max: sizes.MigrateMaxConcurrent, Queue: FIFOQueue},
		{Name: poolMetaMigrate, Min: 1, Max: 1, KeepAlive: 60 * time.Second, Queue: FIFOQueue},
		{Name: poolAssignment, Min: 1, Max: 1, Queue: FIFOQueue},
		{Name: poolMetaAssignment, Min: 1, Max: 1, KeepAlive: 60 * time.Second, Queue: FIFOQueue},
		{Name: poolReadAhead, Min: 0, Max: sizes.ReadAheadMaxConcurrent, Queue: FIFOQueue},
		{Name: poolMetaReadAhead, Min: 0, Max: sizes.MetaReadAheadMaxConcurrent, Queue: FIFOQueue},
	}
}

// reconfigurablePoolSizes names the pools whose max size is config-driven
// and therefore subject to the 10s reconfiguration loop.
func reconfigurablePoolSizes(sizes PoolSizeConfig) map[string]int {
	return map[string]int{
		poolMinorCompact:  sizes.MinorCompactMaxConcurrent,
		poolMajorCompact:  sizes.MajorCompactMaxConcurrent,
		poolMigrate:       sizes.MigrateMaxConcurrent,
		poolReadAhead:     sizes.ReadAheadMaxConcurrent,
		poolMetaReadAhead: sizes.MetaReadAheadMaxConcurrent,
	}
}

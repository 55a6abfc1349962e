// SPDX-License-Identifier: AGPL-3.0-only

package resourcemanager

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Dispatcher is the public submission surface. Routing is a pure switch on
// activity x tablet kind; every call either enqueues on exactly one pool or
// runs inline for the root tablet, never both.
type Dispatcher struct {
	registry *PoolRegistry
	logger   log.Logger
}

func newDispatcher(registry *PoolRegistry, logger log.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, logger: logger}
}

func (d *Dispatcher) submit(ctx context.Context, poolName string, run func(ctx context.Context)) error {
	p, ok := d.registry.Get(poolName)
	if !ok {
		return newConfigurationError("pool %q is not registered", poolName)
	}
	return p.Submit(ctx, run)
}

// ExecuteSplit routes a split task: ignored with a warning for the root
// tablet (unpartitionable), meta-split for metadata tablets, split for
// user tablets.
func (d *Dispatcher) ExecuteSplit(ctx context.Context, tablet TabletId, run func(ctx context.Context)) error {
	switch tablet.Kind() {
	case KindRoot:
		level.Warn(d.logger).Log("msg", "ignoring split request for root tablet", "tablet", tablet.String())
		return nil
	case KindMetadata:
		return d.submit(ctx, poolMetaSplit, run)
	default:
		return d.submit(ctx, poolSplit, run)
	}
}

// ExecuteMajorCompaction routes a ranked major-compaction job: root to
// root-major-compact, metadata to meta-major-compact, user to
// major-compact (the priority pool). The root and metadata pools are FIFO,
// so there the job's Run is submitted as a plain task and its rank is not
// used.
func (d *Dispatcher) ExecuteMajorCompaction(ctx context.Context, tablet TabletId, job CompactionJob) error {
	switch tablet.Kind() {
	case KindRoot:
		return d.submit(ctx, poolRootMajorCompact, func(context.Context) { job.Run() })
	case KindMetadata:
		return d.submit(ctx, poolMetaMajorCompact, func(context.Context) { job.Run() })
	}

	p, ok := d.registry.Get(poolMajorCompact)
	if !ok {
		return newConfigurationError("pool %q is not registered", poolMajorCompact)
	}
	return p.SubmitJob(ctx, job)
}

// ExecuteReadAhead routes a read-ahead task. The root tablet runs inline on
// the calling goroutine -- it is unique and must never wait behind a queue.
func (d *Dispatcher) ExecuteReadAhead(ctx context.Context, tablet TabletId, run func(ctx context.Context)) error {
	switch tablet.Kind() {
	case KindRoot:
		run(ctx)
		return nil
	case KindMetadata:
		return d.submit(ctx, poolMetaReadAhead, run)
	default:
		return d.submit(ctx, poolReadAhead, run)
	}
}

// ExecuteMinorCompaction always routes to the single minor-compact pool.
func (d *Dispatcher) ExecuteMinorCompaction(ctx context.Context, run func(ctx context.Context)) error {
	return d.submit(ctx, poolMinorCompact, run)
}

// AddAssignment routes a user-tablet assignment task (intentionally
// serial).
func (d *Dispatcher) AddAssignment(ctx context.Context, run func(ctx context.Context)) error {
	return d.submit(ctx, poolAssignment, run)
}

// AddMetadataAssignment routes a metadata-tablet assignment task.
func (d *Dispatcher) AddMetadataAssignment(ctx context.Context, run func(ctx context.Context)) error {
	return d.submit(ctx, poolMetaAssignment, run)
}

// AddMigration routes a migration task: root runs inline, metadata to
// meta-migrate, user to migrate.
func (d *Dispatcher) AddMigration(ctx context.Context, tablet TabletId, run func(ctx context.Context)) error {
	switch tablet.Kind() {
	case KindRoot:
		run(ctx)
		return nil
	case KindMetadata:
		return d.submit(ctx, poolMetaMigrate, run)
	default:
		return d.submit(ctx, poolMigrate, run)
	}
}

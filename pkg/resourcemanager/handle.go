// SPDX-License-Identifier: AGPL-3.0-only

package resourcemanager

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/weaveworks/common/mtime"
	"go.uber.org/atomic"
)

// strategyConstructBackoff bounds retries of a flaky CompactionStrategy
// construction (e.g. one that opens a file to read options). A final
// failure is still swallowed and reported as "false" -- this only avoids
// treating one transient I/O hiccup as a permanent no-compact decision.
var strategyConstructBackoff = backoff.Config{
	MinBackoff: 10 * time.Millisecond,
	MaxBackoff: 200 * time.Millisecond,
	MaxRetries: 3,
}

// reportThrottleDeltaBytes and reportThrottleMaxAge are the report
// throttling thresholds.
const (
	reportThrottleDeltaBytes = 32_000
	reportThrottleMaxAge     = 1000 * time.Millisecond
)

// InitiateMinorCompactionFunc is supplied by the tablet owning a handle; it
// performs the actual minor compaction and reports whether it was started.
// This is the tablet collaborator contract, realized as a callback rather
// than a second interface the handle must implement, because the handle
// already is the tablet's one long-lived resource object.
type InitiateMinorCompactionFunc func(reason CompactionReason) bool

// TabletHandle is the lightweight, per-tablet object a tablet holds for its
// entire lifetime. It tracks last-reported size/commit-time with
// independent atomics (deliberately non-transactional), decides when to
// publish a memory report, and adjudicates major-compaction requests.
type TabletHandle struct {
	tablet       TabletId
	tableConfig  TableConfig
	creationTime time.Time
	logger       log.Logger

	manager *ResourceManager

	initiateMinorCompaction InitiateMinorCompactionFunc
	fileManager             ScanFileManager

	lastSize        atomic.Int64
	lastMincSize    atomic.Int64
	lastCommitTime  atomic.Int64
	openFilesResvd  atomic.Bool
	closed          atomic.Bool
}

func newTabletHandle(mgr *ResourceManager, tablet TabletId, tableConfig TableConfig, initiate InitiateMinorCompactionFunc, files ScanFileManager, logger log.Logger) *TabletHandle {
	return &TabletHandle{
		tablet:                  tablet,
		tableConfig:             tableConfig,
		creationTime:            mtime.Now(),
		logger:                  log.With(logger, "tablet", tablet.String()),
		manager:                 mgr,
		initiateMinorCompaction: initiate,
		fileManager:             files,
	}
}

// Tablet returns the TabletId this handle was created for.
func (h *TabletHandle) Tablet() TabletId { return h.tablet }

// IsClosed reports whether Close has already succeeded on this handle.
func (h *TabletHandle) IsClosed() bool { return h.closed.Load() }

// GetExtent satisfies the Tablet collaborator contract.
func (h *TabletHandle) GetExtent() TabletId { return h.tablet }

// InitiateMinorCompaction satisfies the Tablet collaborator contract: it
// forwards to the callback supplied at construction. Called only by the
// memory controller's initiator task.
func (h *TabletHandle) InitiateMinorCompaction(reason CompactionReason) bool {
	if h.closed.Load() {
		return false
	}
	return h.initiateMinorCompaction(reason)
}

// SetOpenFilesReserved records whether this tablet currently has scan
// files reserved; Close refuses while this is true.
func (h *TabletHandle) SetOpenFilesReserved(reserved bool) {
	h.openFilesResvd.Store(reserved)
}

// UpdateMemory implements the report-throttling rule. Publishes a new
// report upstream iff either the minor-compacting size
// crossed the zero boundary, or the accumulated delta is large/old enough
// -- each gated by an independent compare-and-swap so a losing racer simply
// drops its report rather than blocking on a shared lock.
func (h *TabletHandle) UpdateMemory(size, mincSize int64) {
	if h.closed.Load() {
		return
	}

	now := mtime.Now().UnixMilli()
	prevSize := h.lastSize.Load()
	delta := (size + mincSize) - prevSize

	published := false

	prevMinc := h.lastMincSize.Load()
	if (prevMinc == 0) != (mincSize == 0) {
		if h.lastMincSize.CAS(prevMinc, mincSize) {
			published = true
		}
	}

	if !published {
		qualifies := delta > reportThrottleDeltaBytes || delta < 0 || now-h.lastCommitTime.Load() > reportThrottleMaxAge.Milliseconds()
		if qualifies && h.lastSize.CAS(prevSize, size+mincSize) {
			published = true
		}
	} else {
		// The boundary-flip path bypasses the delta test above, but
		// last_size still needs to reflect size+mincSize as the next
		// call's baseline.
		h.lastSize.Store(size + mincSize)
	}

	if !published {
		return
	}

	if delta > 0 {
		h.lastCommitTime.Store(now)
	}

	report := TabletReport{
		Tablet:            h.tablet,
		MemtableBytes:     size,
		MincMemtableBytes: mincSize,
		LastCommitTimeMs:  h.lastCommitTime.Load(),
	}

	h.manager.controller.publish(h, report)
}

// NeedsMajorCompaction adjudicates the compaction decision: USER reasons
// always compact, IDLE reasons require the idle threshold to have elapsed,
// and everything else is delegated to a freshly constructed
// CompactionStrategy. Strategy I/O failures are swallowed and reported as
// false (conservative).
func (h *TabletHandle) NeedsMajorCompaction(files []string, reason CompactionReason) bool {
	if h.closed.Load() {
		return false
	}

	if reason == ReasonUser {
		return true
	}

	if reason == ReasonIdle {
		since := h.lastCommitTime.Load()
		base := since
		if base == 0 {
			base = h.creationTime.UnixMilli()
		}
		elapsed := time.Duration(mtime.Now().UnixMilli()-base) * time.Millisecond
		if elapsed < h.tableConfig.IdleCompactThreshold {
			return false
		}
	}

	strategy, err := h.newStrategyWithRetry()
	if err != nil {
		level.Warn(h.logger).Log("msg", "failed to construct compaction strategy, treating as no-compact", "err", err)
		return false
	}

	req := MajorCompactionRequest{
		Tablet:     h.tablet,
		Reason:     reason,
		Filesystem: h.fileManager,
		Files:      files,
		Config:     h.tableConfig,
	}

	should, err := strategy.ShouldCompact(req)
	if err != nil {
		level.Warn(h.logger).Log("msg", "compaction strategy failed, conservatively not compacting", "err", err)
		return false
	}
	return should
}

func (h *TabletHandle) newStrategyWithRetry() (CompactionStrategy, error) {
	boff := backoff.New(context.Background(), strategyConstructBackoff)

	var lastErr error
	for boff.Ongoing() {
		strategy, err := newCompactionStrategy(h.tableConfig.CompactionStrategyClass, h.tableConfig.StrategyOptions)
		if err == nil {
			return strategy, nil
		}
		lastErr = err
		boff.Wait()
	}
	return nil, lastErr
}

// Close acquires the manager-wide lock first, then the handle's own state,
// in that fixed order to avoid deadlock with any other site doing the
// same. Double close is an error, not idempotent.
func (h *TabletHandle) Close() error {
	h.manager.mu.Lock()
	defer h.manager.mu.Unlock()

	if h.closed.Load() {
		return &AlreadyClosedError{Tablet: h.tablet}
	}
	if h.openFilesResvd.Load() || (h.fileManager != nil && h.fileManager.Reserved()) {
		return &OpenFilesStillReservedError{Tablet: h.tablet}
	}

	h.manager.controller.forget(h)
	h.manager.policy.TabletClosed(h.tablet)
	h.closed.Store(true)

	level.Info(h.logger).Log("msg", "tablet handle closed")
	return nil
}

// SPDX-License-Identifier: AGPL-3.0-only

package resourcemanager

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/weaveworks/common/mtime"
)

const (
	// guardAggregationMaxAge forces an aggregation pass even with no other
	// trigger, bounding staleness.
	guardAggregationMaxAge = 50 * time.Millisecond
	// guardHighWatermarkFraction is the "previous total was already close
	// to the ceiling" trigger that keeps the guard aggregating on every
	// drain while usage is hot.
	guardHighWatermarkFraction = 0.90
	// commitHoldFraction is the back-pressure threshold: aggregate usage
	// above this fraction of the ceiling engages the commit-hold gate.
	commitHoldFraction = 0.95

	// initiatorInterval is the initiator task's fixed tail sleep.
	initiatorInterval = 250 * time.Millisecond

	// reportChanCapacity bounds the guard's inbox; the per-handle throttle
	// is the real rate limiter; this just keeps a slow guard from applying
	// unbounded backpressure to publishers.
	reportChanCapacity = 4096
)

// trackedTablet pairs a report with the handle it came from, so the
// initiator can call back into the tablet and the identity-compare-and-
// remove rule below can tell a stale entry from a fresh one registered
// under the same TabletId.
type trackedTablet struct {
	handle *TabletHandle
	report TabletReport
}

type reportMsg struct {
	handle *TabletHandle
	report TabletReport
}

// memoryController is the two-task feedback loop: a guard draining the
// report channel into the authoritative tablet_reports table and flipping
// the commit-hold gate, and an initiator periodically consulting the
// memory policy and requesting minor compactions.
type memoryController struct {
	services.Service

	ceiling int64
	policy  MemoryManager
	gate    *CommitHoldGate
	logger  log.Logger

	reportCh chan reportMsg

	mu      sync.Mutex
	reports map[TabletId]trackedTablet

	lastTotal       int64
	lastAggregation time.Time
}

func newMemoryController(ceiling int64, policy MemoryManager, gate *CommitHoldGate, logger log.Logger) *memoryController {
	c := &memoryController{
		ceiling:  ceiling,
		policy:   policy,
		gate:     gate,
		logger:   logger,
		reportCh: make(chan reportMsg, reportChanCapacity),
		reports:  make(map[TabletId]trackedTablet),
	}
	c.Service = services.NewBasicService(nil, c.running, c.stopping)
	return c
}

// publish is called by a TabletHandle on the write-hot path; it must never
// block for long, so a full channel drops the report (the per-handle
// throttle is the real rate limiter).
func (c *memoryController) publish(h *TabletHandle, report TabletReport) {
	select {
	case c.reportCh <- reportMsg{handle: h, report: report}:
	default:
		level.Warn(c.logger).Log("msg", "report channel full, dropping report", "tablet", h.Tablet().String())
	}
}

// forget removes a tablet's entry immediately on handle close, independent
// of the guard/initiator's own bookkeeping.
func (c *memoryController) forget(h *TabletHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.reports[h.Tablet()]; ok && t.handle == h {
		delete(c.reports, h.Tablet())
	}
}

func (c *memoryController) running(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		c.runGuard(ctx)
	}()
	go func() {
		defer wg.Done()
		c.runInitiator(ctx)
	}()

	wg.Wait()
	return nil
}

func (c *memoryController) stopping(failureCase error) error {
	return nil
}

// runGuard blocks for the first message, then non-blockingly drains the
// rest, upserts, and maybe aggregates. The loop never exits on a
// non-fatal error.
func (c *memoryController) runGuard(ctx context.Context) {
	for {
		var first reportMsg
		select {
		case <-ctx.Done():
			return
		case first = <-c.reportCh:
		}

		c.upsert(first)
	drain:
		for {
			select {
			case msg := <-c.reportCh:
				c.upsert(msg)
			default:
				break drain
			}
		}

		c.maybeAggregate()
	}
}

func (c *memoryController) upsert(msg reportMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports[msg.handle.Tablet()] = trackedTablet{handle: msg.handle, report: msg.report}
}

// maybeAggregate aggregates only when commits are already held, or the
// last pass is stale, or the previous total was already hot. Otherwise it
// skips: aggregation under low, steady load would just burn cycles
// re-confirming the gate is open.
func (c *memoryController) maybeAggregate() {
	c.mu.Lock()
	held := c.gate.HoldTime() > 0
	stale := mtime.Now().Sub(c.lastAggregation) > guardAggregationMaxAge
	wasHot := c.ceiling > 0 && float64(c.lastTotal) > guardHighWatermarkFraction*float64(c.ceiling)
	if !held && !stale && !wasHot {
		c.mu.Unlock()
		return
	}

	var total int64
	for _, t := range c.reports {
		total += t.report.totalBytes()
	}
	c.lastTotal = total
	c.lastAggregation = mtime.Now()
	c.mu.Unlock()

	if c.ceiling <= 0 {
		return
	}

	if float64(total) > commitHoldFraction*float64(c.ceiling) {
		c.gate.Set(true)
	} else {
		c.gate.Set(false)
	}
}

// runInitiator runs a 250ms loop that copies the report snapshot under
// lock, consults the memory policy outside the lock, and requests minor
// compactions. The race where a tablet closes between the snapshot copy
// and the call is accepted, not closed.
func (c *memoryController) runInitiator(ctx context.Context) {
	for {
		c.initiatorPass()

		select {
		case <-ctx.Done():
			return
		case <-time.After(initiatorInterval):
		}
	}
}

func (c *memoryController) initiatorPass() {
	snapshot := c.snapshotReports()

	reports := make([]TabletReport, 0, len(snapshot))
	for _, t := range snapshot {
		reports = append(reports, t.report)
	}

	recommended := c.policy.Recommend(reports)

	for _, id := range recommended {
		tracked, ok := snapshot[id]
		if !ok {
			level.Warn(c.logger).Log("msg", "memory policy recommended unknown tablet; manager implementation might be misbehaving", "tablet", id.String())
			continue
		}

		if tracked.handle.InitiateMinorCompaction(ReasonSystem) {
			continue
		}

		if tracked.handle.IsClosed() {
			c.removeIfSameInstance(id, tracked.handle)
			continue
		}

		level.Info(c.logger).Log("msg", "tablet declined minor compaction", "tablet", id.String())
	}
}

func (c *memoryController) snapshotReports() map[TabletId]trackedTablet {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make(map[TabletId]trackedTablet, len(c.reports))
	for k, v := range c.reports {
		snapshot[k] = v
	}
	return snapshot
}

// removeIfSameInstance deletes tablet_reports[id] only if it still points
// to the exact handle instance just observed, guarding against reviving an
// entry a newer handle with the same TabletId has since registered.
func (c *memoryController) removeIfSameInstance(id TabletId, h *TabletHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.reports[id]; ok && t.handle == h {
		delete(c.reports, id)
	}
}

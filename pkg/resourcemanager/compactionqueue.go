// SPDX-License-Identifier: AGPL-3.0-only

package resourcemanager

import (
	"container/heap"
	"context"
	"sync"
)

// CompactionJob is a unit of major-compaction work submitted through the
// priority pool. Rank is computed by the submitter at enqueue time: a
// larger file count means a higher priority. TraceCtx carries the trace
// context captured by the dispatcher at submission time, the same
// tracing-decorator contract Pool applies to FIFO Tasks.
type CompactionJob struct {
	Tablet    TabletId
	FileCount int
	TraceCtx  context.Context
	Run       func()
}

// compactionQueue is an unbounded priority queue ordering CompactionJobs by
// FileCount descending, FIFO within equal rank. It backs the major-compact
// pool.
//
// Availability is signaled through a close-and-replace notify channel
// rather than a sync.Cond so a worker can select on it alongside a
// pool-shrink stop signal; a cond.Wait cannot be interrupted by anything
// but another push, which would leave a worker idling in an empty priority
// pool deaf to Resize shrinking it. Closing (rather than sending on) the
// channel broadcasts to every idle worker at once, so N queued jobs wake
// up to N workers instead of draining serially through a single winner.
type compactionQueue struct {
	mu       sync.Mutex
	heap     jobHeap
	seq      int64
	closed   bool
	notifyCh chan struct{}
}

type rankedJob struct {
	job CompactionJob
	seq int64
}

type jobHeap []rankedJob

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].job.FileCount != h[j].job.FileCount {
		return h[i].job.FileCount > h[j].job.FileCount
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(rankedJob)) }
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func newCompactionQueue() *compactionQueue {
	return &compactionQueue{notifyCh: make(chan struct{})}
}

// push enqueues a job. Safe to call after close; the job is silently
// dropped (mirrors a pool that refuses tasks once shut down).
func (q *compactionQueue) push(job CompactionJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	heap.Push(&q.heap, rankedJob{job: job, seq: q.seq})
	q.seq++
	q.wakeLocked()
}

// wakeLocked broadcasts to every worker currently blocked in notify() by
// closing the current channel and swapping in a fresh one. Must be called
// with q.mu held.
func (q *compactionQueue) wakeLocked() {
	close(q.notifyCh)
	q.notifyCh = make(chan struct{})
}

// tryPop pops a job if one is queued, without blocking.
func (q *compactionQueue) tryPop() (job CompactionJob, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return CompactionJob{}, false
	}
	r := heap.Pop(&q.heap).(rankedJob)
	return r.job, true
}

// notify returns the current wake channel. A worker selects on the
// snapshot returned here; it is replaced (and the old one closed) on every
// push or close, so a stale snapshot still wakes exactly once.
func (q *compactionQueue) notify() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.notifyCh
}

func (q *compactionQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *compactionQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.wakeLocked()
}

func (q *compactionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// SPDX-License-Identifier: AGPL-3.0-only

package resourcemanager

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// stopSignalBuffer bounds how many pending "shrink by one" signals a pool
// can hold without a worker actively waiting to receive them; it must be
// large enough that Resize never blocks the caller even when every worker
// is busy running a long task.
const stopSignalBuffer = 1 << 12

// QueueDiscipline selects the ordering a Pool's queue uses.
type QueueDiscipline int

const (
	// FIFOQueue serves tasks in submission order.
	FIFOQueue QueueDiscipline = iota
	// PriorityQueue serves tasks ordered by CompactionJob.FileCount,
	// descending. Only meaningful for pools that accept CompactionJob
	// tasks; see Pool.SubmitJob.
	PriorityQueue
)

// PoolSpec describes one named worker pool from the catalogue below.
type PoolSpec struct {
	Name      string
	Min       int
	Max       int
	KeepAlive time.Duration
	Queue     QueueDiscipline
}

// Task is a unit of work submitted to a FIFO pool. It carries a trace
// context captured at submission time, propagated to the worker goroutine
// that finally runs it.
type Task struct {
	TraceCtx context.Context
	Run      func(ctx context.Context)
}

// tracingContext is the pool's tracing decorator: it detaches from the
// submitter's own context (which may be canceled the moment the submitting
// RPC returns, long before a queued task runs) while still carrying
// forward any span found on it, the same localCtx/span reattachment
// distributor.go uses to hand work to a goroutine that must outlive the
// request.
func tracingContext(ctx context.Context) context.Context {
	traceCtx := context.Background()
	if span := opentracing.SpanFromContext(ctx); span != nil {
		traceCtx = opentracing.ContextWithSpan(traceCtx, span)
	}
	return traceCtx
}

// tagSpan tags the span captured in traceCtx, if any, with the pool this
// task or job is running in -- the worker-side half of the tracing
// decorator.
func tagSpan(traceCtx context.Context, pool string) {
	if traceCtx == nil {
		return
	}
	if span := opentracing.SpanFromContext(traceCtx); span != nil {
		span.SetTag("pool", pool)
	}
}

// Pool is a bounded worker pool backing one entry of the catalogue below.
// Workers block on the queue; resize adjusts how many workers are running
// without recreating the queue or losing queued work.
type Pool struct {
	spec   PoolSpec
	logger log.Logger

	fifo  chan Task
	prio  *compactionQueue

	mu        sync.Mutex
	curMax    int
	workers   int
	stopCh    chan struct{}
	stoppedWG sync.WaitGroup
	shutdown  bool

	active   atomic.Int32
	queued   prometheus.GaugeFunc
	running  prometheus.GaugeFunc
}

func newPool(spec PoolSpec, logger log.Logger, reg prometheus.Registerer) *Pool {
	p := &Pool{
		spec:   spec,
		logger: log.With(logger, "pool", spec.Name),
		curMax: spec.Max,
		stopCh: make(chan struct{}, stopSignalBuffer),
	}

	if spec.Queue == PriorityQueue {
		p.prio = newCompactionQueue()
	} else {
		p.fifo = make(chan Task, 4096)
	}

	if reg != nil {
		p.queued = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "resourcemanager_pool_queue_length",
			Help:        "Number of tasks currently queued in this pool.",
			ConstLabels: prometheus.Labels{"pool": spec.Name},
		}, func() float64 { return float64(p.QueueLength()) })
		p.running = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "resourcemanager_pool_active_workers",
			Help:        "Number of worker goroutines currently running in this pool.",
			ConstLabels: prometheus.Labels{"pool": spec.Name},
		}, func() float64 { return float64(p.active.Load()) })
		reg.MustRegister(p.queued, p.running)
	}

	// A pool with a keep-alive starts at its floor and grows on demand
	// instead of paying for a worker that may sit idle forever; everything
	// else starts fully staffed.
	start := spec.Max
	if spec.KeepAlive > 0 {
		start = spec.Min
	}
	if start < spec.Min {
		start = spec.Min
	}
	p.resizeLocked(start)

	return p
}

// QueueLength reports how many tasks are currently waiting.
func (p *Pool) QueueLength() int {
	if p.prio != nil {
		return p.prio.len()
	}
	return len(p.fifo)
}

// Submit enqueues a FIFO task. Submitting to a priority pool or a shut-down
// pool is a programming error reported via a returned error. The
// shutdown check and the enqueue happen under the same lock as Shutdown's
// close(p.fifo), so a concurrent Shutdown can never close the channel
// between this check and the send.
func (p *Pool) Submit(ctx context.Context, run func(ctx context.Context)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return newConfigurationError("pool %q is shut down", p.spec.Name)
	}
	if p.fifo == nil {
		return newConfigurationError("pool %q does not accept FIFO tasks", p.spec.Name)
	}
	p.growForDemandLocked()
	p.fifo <- Task{TraceCtx: tracingContext(ctx), Run: run}
	return nil
}

// SubmitJob enqueues a ranked job on a priority pool, under the same lock
// Shutdown uses to close the queue.
func (p *Pool) SubmitJob(ctx context.Context, job CompactionJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return newConfigurationError("pool %q is shut down", p.spec.Name)
	}
	if p.prio == nil {
		return newConfigurationError("pool %q does not accept priority jobs", p.spec.Name)
	}
	p.growForDemandLocked()
	job.TraceCtx = tracingContext(ctx)
	p.prio.push(job)
	return nil
}

// growForDemandLocked spawns one additional worker, up to curMax, for
// pools with a keep-alive: those start at Min (possibly 0) and must grow
// back on demand rather than sit permanently staffed. Pools without a
// keep-alive are already started at Max, so this is a no-op for them.
func (p *Pool) growForDemandLocked() {
	if p.spec.KeepAlive <= 0 {
		return
	}
	if p.workers < p.curMax {
		p.workers++
		p.stoppedWG.Add(1)
		go p.runWorker()
	}
}

// Resize adjusts the pool's worker count to max, spawning or stopping
// workers as needed. Called by the 10s reconfiguration loop, or directly by
// tests exercising hot resize.
func (p *Pool) Resize(max int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if max == p.curMax || p.shutdown {
		return
	}
	p.resizeLocked(max)
}

func (p *Pool) resizeLocked(max int) {
	if max < p.spec.Min {
		max = p.spec.Min
	}
	p.curMax = max

	for p.workers < max {
		p.workers++
		p.stoppedWG.Add(1)
		go p.runWorker()
	}
	for p.workers > max {
		p.workers--
		// Send a poison signal; a worker observes it the next time it is
		// idle between tasks, honoring in-flight work under cooperative
		// cancellation.
		select {
		case p.stopCh <- struct{}{}:
		default:
		}
	}
}

func (p *Pool) runWorker() {
	defer p.stoppedWG.Done()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if p.prio != nil {
			job, ok := p.prio.tryPop()
			if ok {
				p.active.Inc()
				tagSpan(job.TraceCtx, p.spec.Name)
				job.Run()
				p.active.Dec()
				continue
			}
			if p.prio.isClosed() {
				return
			}
			select {
			case <-p.stopCh:
				return
			case <-p.prio.notify():
			}
			continue
		}

		if p.spec.KeepAlive > 0 {
			idle := time.NewTimer(p.spec.KeepAlive)
			select {
			case <-p.stopCh:
				idle.Stop()
				return
			case t, ok := <-p.fifo:
				idle.Stop()
				if !ok {
					return
				}
				p.active.Inc()
				tagSpan(t.TraceCtx, p.spec.Name)
				t.Run(t.TraceCtx)
				p.active.Dec()
			case <-idle.C:
				if p.shrinkIdleWorker() {
					return
				}
			}
			continue
		}

		select {
		case <-p.stopCh:
			return
		case t, ok := <-p.fifo:
			if !ok {
				return
			}
			p.active.Inc()
			tagSpan(t.TraceCtx, p.spec.Name)
			t.Run(t.TraceCtx)
			p.active.Dec()
		}
	}
}

// shrinkIdleWorker is called by a worker that sat idle past its
// pool's keep-alive; it terminates iff the pool can still satisfy Min
// without this worker. Reports true iff the worker should exit.
func (p *Pool) shrinkIdleWorker() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return true
	}
	if p.workers <= p.spec.Min {
		return false
	}
	p.workers--
	return true
}

// Shutdown stops accepting new work and waits (with 60s polling) for
// in-flight workers to finish.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	if p.fifo != nil {
		close(p.fifo)
	}
	if p.prio != nil {
		p.prio.close()
	}
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.stoppedWG.Wait()
		close(done)
	}()

	for {
		select {
		case <-done:
			return
		case <-time.After(60 * time.Second):
			level.Info(p.logger).Log("msg", "waiting for pool workers to finish")
		}
	}
}

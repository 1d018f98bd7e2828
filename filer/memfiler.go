// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package filer

import (
	"bytes"
	"fmt"
	"io"

	"github.com/cznic/mathutil"
)

const (
	pgBits = 12
	pgSize = 1 << pgBits
	pgMask = pgSize - 1
)

var zeroPage [pgSize]byte

// MemFiler is a memory backed Filer, mainly useful for tests.
// BeginUpdate/EndUpdate/Rollback are no-ops beyond nesting bookkeeping: a
// MemFiler offers no durability of its own.
type MemFiler struct {
	m    map[int64]*[pgSize]byte
	nest int
	size int64
}

var _ Filer = (*MemFiler)(nil)

// NewMemFiler returns a new, empty MemFiler.
func NewMemFiler() *MemFiler {
	return &MemFiler{m: map[int64]*[pgSize]byte{}}
}

func (f *MemFiler) BeginUpdate() { f.nest++ }

func (f *MemFiler) Close() error {
	if f.nest != 0 {
		return &fmtPermErr{f.Name(), "Close"}
	}
	return nil
}

func (f *MemFiler) EndUpdate() error {
	if f.nest == 0 {
		return &fmtPermErr{f.Name(), "EndUpdate"}
	}
	f.nest--
	return nil
}

func (f *MemFiler) Name() string { return fmt.Sprintf("%p.memfiler", f) }

func (f *MemFiler) Rollback() error {
	if f.nest == 0 {
		return &fmtPermErr{f.Name(), "Rollback"}
	}
	f.nest--
	return nil
}

func (f *MemFiler) Sync() error { return nil }

func (f *MemFiler) Size() int64 { return f.size }

func (f *MemFiler) PunchHole(off, size int64) error {
	if off < 0 || size < 0 || off+size > f.size {
		return fmt.Errorf("%s: PunchHole: invalid range [%d,%d)", f.Name(), off, off+size)
	}
	first := off >> pgBits
	if off&pgMask != 0 {
		first++
	}
	last := (off + size - 1) >> pgBits
	if limit := f.size >> pgBits; last > limit {
		last = limit
	}
	for pg := first; pg <= last; pg++ {
		delete(f.m, pg)
	}
	return nil
}

func (f *MemFiler) ReadAt(b []byte, off int64) (n int, err error) {
	avail := f.size - off
	pgI := off >> pgBits
	pgO := int(off & pgMask)
	rem := len(b)
	if int64(rem) >= avail {
		rem = int(avail)
		if rem < 0 {
			rem = 0
		}
		err = io.EOF
	}
	for rem != 0 && avail > 0 {
		pg := f.m[pgI]
		if pg == nil {
			pg = &zeroPage
		}
		nc := copy(b[:mathutil.Min(rem, pgSize)], pg[pgO:])
		pgI++
		pgO = 0
		rem -= nc
		n += nc
		b = b[nc:]
	}
	return n, err
}

func (f *MemFiler) Truncate(size int64) error {
	if size < 0 {
		return fmt.Errorf("%s: Truncate: negative size %d", f.Name(), size)
	}
	if size == 0 {
		f.m = map[int64]*[pgSize]byte{}
		f.size = 0
		return nil
	}
	first := size >> pgBits
	if size&pgMask != 0 {
		first++
	}
	last := f.size >> pgBits
	if f.size&pgMask != 0 {
		last++
	}
	for ; first < last; first++ {
		delete(f.m, first)
	}
	f.size = size
	return nil
}

func (f *MemFiler) WriteAt(b []byte, off int64) (n int, err error) {
	pgI := off >> pgBits
	pgO := int(off & pgMask)
	n = len(b)
	rem := n
	var nc int
	for rem != 0 {
		if pgO == 0 && rem >= pgSize && bytes.Equal(b[:pgSize], zeroPage[:]) {
			delete(f.m, pgI)
			nc = pgSize
		} else {
			pg := f.m[pgI]
			if pg == nil {
				pg = new([pgSize]byte)
				f.m[pgI] = pg
			}
			nc = copy(pg[pgO:], b)
		}
		pgI++
		pgO = 0
		rem -= nc
		b = b[nc:]
	}
	f.size = mathutil.MaxInt64(f.size, off+int64(n))
	return n, nil
}

type fmtPermErr struct {
	name, op string
}

func (e *fmtPermErr) Error() string { return e.name + ":" + e.op + ": unbalanced transaction nesting" }

// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package block

// CompactSkip reports whether the block at off can be skipped by a
// compaction pass: a block already within the leading, densely packed
// region of the file gains nothing by being relocated. spec.md §7
// (supplemented from original_source/block/block_compact.c) defines that
// region as the portion of the file below 80% of the highest
// currently allocated offset -- relocating blocks past that boundary is
// what shrinks the file; blocks before it are left alone.
func (m *Manager) CompactSkip(off int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return off < m.compactBoundaryLocked()
}

// CompactPageSkip is CompactSkip specialised for a single page-store
// block that the caller (package page) is considering for relocation as
// part of reconciliation. It additionally skips a block smaller than one
// allocation unit past the boundary, since relocating it would not by
// itself allow the file to shrink by a whole allocation unit.
func (m *Manager) CompactPageSkip(off, size int64) bool {
	m.mu.Lock()
	boundary := m.compactBoundaryLocked()
	m.mu.Unlock()
	if off < boundary {
		return true
	}
	return size < m.allocUnit
}

// compactBoundaryLocked returns 80% of the highest offset currently
// reachable from the alloc list. m.mu must be held.
func (m *Manager) compactBoundaryLocked() int64 {
	var high int64
	m.alloc.Walk(func(off, size int64) bool {
		if end := off + size; end > high {
			high = end
		}
		return true
	})
	return high * 8 / 10
}

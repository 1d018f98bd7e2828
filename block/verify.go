// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package block

// fragMap is a bitmap over allocation units, one bit per unit, used by
// Verify to cross-check the bookkeeping in the alloc/avail/discard lists
// against the block headers found at the alloc-list extents. Named after
// original_source/block/block_vrfy.c's frag_file/frag_ckpt bitmaps.
type fragMap struct {
	bits  []uint64
	units int64
}

func newFragMap(units int64) *fragMap {
	return &fragMap{bits: make([]uint64, (units+63)/64), units: units}
}

// set marks unit as used. It reports false if the bit was already set,
// which means two blocks claim the same unit.
func (fm *fragMap) set(unit int64) bool {
	if unit < 0 || unit >= fm.units {
		return false
	}
	w, b := unit/64, uint(unit%64)
	if fm.bits[w]&(1<<b) != 0 {
		return false
	}
	fm.bits[w] |= 1 << b
	return true
}

func (fm *fragMap) isSet(unit int64) bool {
	if unit < 0 || unit >= fm.units {
		return false
	}
	w, b := unit/64, uint(unit%64)
	return fm.bits[w]&(1<<b) != 0
}

// VerifyResult summarizes a Verify pass.
type VerifyResult struct {
	Units        int64
	UsedUnits    int64
	FreeUnits    int64
	Inconsistent []error
}

// Verify cross-checks the Manager's own alloc/avail/discard bookkeeping
// (frag_ckpt) against the block header found at the start of every
// alloc-list extent (frag_file): every allocated extent must begin with a
// header carrying the block magic, no two alloc extents may claim the same
// allocation unit, and no unit may be simultaneously "used" and "free".
// Only alloc-list extents are read: a block the bookkeeping does not know
// about is not found, and units that belong to none of the three lists
// are not reported. Problems are collected rather than stopping at the
// first one, so a single Verify call reports everything it detects.
func (m *Manager) Verify() (VerifyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	size := m.f.Size()
	units := size / m.allocUnit
	fragFile := newFragMap(units)
	fragCkpt := newFragMap(units)

	var res VerifyResult
	res.Units = units

	m.alloc.Walk(func(off, extSize int64) bool {
		for u := off / m.allocUnit; u < (off+extSize)/m.allocUnit; u++ {
			if !fragCkpt.set(u) {
				res.Inconsistent = append(res.Inconsistent, &ErrCorrupt{Type: ErrFragAlreadySet, Off: u * m.allocUnit})
			}
		}
		return true
	})

	checkFree := func(off, extSize int64) bool {
		for u := off / m.allocUnit; u < (off+extSize)/m.allocUnit; u++ {
			if fragCkpt.isSet(u) {
				res.Inconsistent = append(res.Inconsistent, &ErrCorrupt{Type: ErrFreeSpanOverlapsUsed, Off: u * m.allocUnit})
			}
		}
		return true
	}
	m.avail.Walk(checkFree)
	m.discard.Walk(checkFree)

	// Header check: every extent the alloc list claims must start with a
	// block header carrying the expected magic.
	m.alloc.Walk(func(off, extSize int64) bool {
		var hdr [4]byte
		if _, err := m.f.ReadAt(hdr[:], off); err != nil {
			res.Inconsistent = append(res.Inconsistent, &ErrCorrupt{Type: ErrBadMagic, Off: off})
			return true
		}
		got := uint32(hdr[0])<<24 | uint32(hdr[1])<<16 | uint32(hdr[2])<<8 | uint32(hdr[3])
		if got != blockMagic {
			res.Inconsistent = append(res.Inconsistent, &ErrCorrupt{Type: ErrBadMagic, Off: off, Arg: int64(got)})
			return true
		}
		for u := off / m.allocUnit; u < (off+extSize)/m.allocUnit; u++ {
			fragFile.set(u)
		}
		return true
	})

	res.UsedUnits = int64(0)
	for u := int64(0); u < units; u++ {
		if fragCkpt.isSet(u) {
			res.UsedUnits++
		}
	}
	res.FreeUnits = units - res.UsedUnits

	for u := int64(0); u < units; u++ {
		if fragCkpt.isSet(u) != fragFile.isSet(u) {
			res.Inconsistent = append(res.Inconsistent, &ErrCorrupt{Type: ErrFragAlreadySet, Off: u * m.allocUnit})
		}
	}

	return res, nil
}

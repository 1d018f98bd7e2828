// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import "github.com/cznic/storey/evict"

// Scanner walks a Tree's in-memory pages round robin, offering each
// resident leaf as an eviction candidate. It implements evict.Scanner.
type Scanner struct {
	tree    *Tree
	stack   []*PageRef
	started bool
}

var _ evict.Scanner = (*Scanner)(nil)

// NewScanner returns a Scanner over t.
func NewScanner(t *Tree) *Scanner { return &Scanner{tree: t} }

// Next returns the next in-memory leaf page as a candidate, or ok=false
// once the current pass has visited every reachable page.
func (s *Scanner) Next() (evict.Candidate, bool) {
	if !s.started {
		s.stack = []*PageRef{s.tree.Root}
		s.started = true
	}
	for len(s.stack) > 0 {
		ref := s.stack[len(s.stack)-1]
		s.stack = s.stack[:len(s.stack)-1]

		switch ref.State() {
		case StateMem:
			img := ref.page.Load()
			if img.Kind == KindInternal {
				for _, c := range img.Children {
					s.stack = append(s.stack, c.Ref)
				}
				continue
			}
			return s.tree.evictCandidate(ref, img), true
		case StateSplit:
			for _, c := range ref.splitChildren {
				s.stack = append(s.stack, c.Ref)
			}
		}
		// StateDisk pages are already off-heap: nothing to evict.
		// StateReading/StateLocked pages are transiently busy and are
		// picked up again on the next pass.
	}
	s.started = false
	return evict.Candidate{}, false
}

// evictCandidate builds the evict.Candidate closures for a resident leaf.
func (t *Tree) evictCandidate(ref *PageRef, img *Page) evict.Candidate {
	return evict.Candidate{
		Ptr:   ref.ptrTag(),
		Clean: !img.isDirty(),
		Lock: func() bool {
			return ref.casState(StateMem, StateLocked)
		},
		Unlock: func() {
			ref.state.Store(int32(StateMem))
		},
		Reconcile: func() error {
			return t.reconcileAndEvict(ref, img)
		},
	}
}

// reconcileAndEvict writes img to disk if dirty, then drops ref's
// in-memory image and transitions it to StateDisk so its memory can be
// reclaimed by the garbage collector.
func (t *Tree) reconcileAndEvict(ref *PageRef, img *Page) error {
	if img.Kind == KindLeaf && img.isDirty() {
		img.mu.Lock()
		merged := reconcileLeaf(img)
		img.Base = merged
		img.Inserts = nil
		img.dirty.Store(false)
		raw := encodePage(img)
		img.mu.Unlock()

		cookie, err := t.blocks.Write(raw)
		if err != nil {
			ref.state.Store(int32(StateMem))
			return err
		}
		if !ref.cookie.IsZero() {
			t.blocks.Free(ref.cookie)
		}
		ref.cookie = cookie
	}
	if ref.cookie.IsZero() {
		// Never written (e.g. an empty leaf): nothing to page back in
		// from, so eviction of it would lose data. Leave it resident.
		ref.state.Store(int32(StateMem))
		return nil
	}
	ref.page.Store(nil)
	ref.state.Store(int32(StateDisk))
	return nil
}

// FastTruncate marks an entire subtree as deleted without visiting any of
// its pages, per spec.md §7 (grounded on original_source's fast-truncate
// path for range deletes covering whole subtrees): it is only valid when
// every key under ref's child is known by the caller to fall inside the
// truncated range.
func FastTruncate(ref *PageRef) bool {
	return ref.casState(StateMem, StateDeleted) || ref.casState(StateDisk, StateDeleted)
}

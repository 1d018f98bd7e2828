// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

// splitLeaf splits an overfull leaf page into two, replacing ref with a
// StateSplit redirect to the two halves. If ref is the tree root, the
// root is instead promoted to a fresh internal page parenting the two
// halves directly, so lookups don't pay the extra indirection at the
// busiest point in the tree.
//
// This models spec.md §4.3's "reconciliation produces a multi-block-split
// outcome when a page no longer fits in one block" by splitting eagerly
// on the mutation path rather than only at reconciliation time; the
// teacher's own lldb.Allocator similarly grows structures eagerly rather
// than deferring to a background pass. DESIGN.md records this as a scope
// reduction: a production engine defers splitting to reconciliation so
// an aborted transaction never pays for one.
func (t *Tree) splitLeaf(ref *PageRef) error {
	if !ref.casState(StateMem, StateLocked) {
		return nil // someone else is already splitting or evicting ref
	}

	p := ref.page.Load()
	p.mu.Lock()
	merged := reconcileLeaf(p)
	p.mu.Unlock()

	if len(merged) < 2 {
		ref.state.Store(int32(StateMem))
		return nil
	}
	mid := len(merged) / 2
	left := newLeaf(append([]Item(nil), merged[:mid]...))
	right := newLeaf(append([]Item(nil), merged[mid:]...))

	leftRef := newPageRef(ref.parent)
	leftRef.page.Store(left)
	left.MarkDirty()

	rightRef := newPageRef(ref.parent)
	rightRef.page.Store(right)
	right.MarkDirty()

	children := []Child{
		{Key: merged[0].Key, Ref: leftRef},
		{Key: merged[mid].Key, Ref: rightRef},
	}

	if ref == t.Root {
		t.rootMu.Lock()
		newRoot := newPageRef(nil)
		newRoot.page.Store(newInternal(children))
		leftRef.parent, rightRef.parent = newRoot, newRoot
		t.Root = newRoot
		t.rootMu.Unlock()
		// The old root ref is left in StateLocked: it is unreachable
		// (nothing references it anymore) and will simply be garbage
		// collected rather than transitioned further.
		return nil
	}

	ref.splitChildren = children
	ref.state.Store(int32(StateSplit))
	return nil
}

// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import (
	"sort"

	"github.com/cznic/storey/evict"
)

// reconcileLeaf merges p's Inserts skip list into its Base, dropping
// tombstoned keys, and returns the merged, sorted item slice. p.mu must be
// held for write; the caller is responsible for clearing p.Inserts and
// p.dirty once the merged image has been durably written.
func reconcileLeaf(p *Page) []Item {
	merged := make(map[string]Item, len(p.Base))
	for _, it := range p.Base {
		merged[string(it.Key)] = it
	}
	if p.Inserts != nil {
		p.Inserts.Walk(func(n *insertNode) bool {
			if n.tombstone {
				delete(merged, string(n.key))
				return true
			}
			merged[string(n.key)] = Item{Key: n.key, Value: n.value}
			return true
		})
	}
	out := make([]Item, 0, len(merged))
	for _, it := range merged {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i].Key) < string(out[j].Key) })
	return out
}

// Checkpoint reconciles every dirty page reachable from the root,
// writing their merged content to the block manager, and advances the
// block manager's checkpoint generation. It is a simple recursive,
// whole-tree walk rather than the incremental dirty-page list a
// production engine would maintain, a scope reduction noted in
// DESIGN.md.
func (t *Tree) Checkpoint() error {
	hz := t.newHazards()
	if err := t.checkpointRef(t.Root, hz); err != nil {
		return err
	}
	_, err := t.blocks.Checkpoint(t.RootCookie())
	return err
}

func (t *Tree) checkpointRef(ref *PageRef, hz *evict.Set) error {
	if ref.State() == StateSplit {
		for _, c := range ref.splitChildren {
			if err := t.checkpointRef(c.Ref, hz); err != nil {
				return err
			}
		}
		return nil
	}

	// resolve's key argument only matters for following a StateSplit
	// redirection, which is handled above before reaching here.
	p, _, release, err := t.resolve(ref, hz, nil)
	if err != nil {
		return err
	}
	defer release()

	if p.Kind == KindInternal {
		for _, c := range p.Children {
			if err := t.checkpointRef(c.Ref, hz); err != nil {
				return err
			}
		}
		// Every child's cookie may have changed underneath this page, so
		// its own on-disk image (a list of key, cookie pairs) is rewritten
		// unconditionally, not gated on a dirty flag the way leaves are.
		raw := encodePage(p)
		cookie, err := t.blocks.Write(raw)
		if err != nil {
			return err
		}
		if !ref.cookie.IsZero() {
			t.blocks.Free(ref.cookie)
		}
		ref.cookie = cookie
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isDirty() {
		return nil
	}
	merged := reconcileLeaf(p)
	p.Base = merged
	p.Inserts = nil
	p.dirty.Store(false)

	raw := encodePage(p)
	cookie, err := t.blocks.Write(raw)
	if err != nil {
		return err
	}
	if !ref.cookie.IsZero() {
		t.blocks.Free(ref.cookie)
	}
	ref.cookie = cookie
	return nil
}

// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import (
	"bytes"
	"sort"
	"sync"

	"github.com/cznic/storey/block"
	"github.com/cznic/storey/evict"
)

// maxLeafItems bounds how many resident items (Base plus spliced Inserts)
// a leaf page carries before Put splits it into two (splitLeaf).
const maxLeafItems = 256

// overflowThreshold is the value size, in bytes, above which Put stores
// the value out of line as its own block and leaves only a Cookie behind
// in the leaf item -- spec.md §7, grounded on
// original_source/btree/bt_ovfl.c.
const overflowThreshold = 4096

// Tree is one B-tree: row-store pages rooted at Root, backed by a
// block.Manager for persistence and an evict.Registry for hazard-pointer
// coupled reads.
type Tree struct {
	blocks   *block.Manager
	registry *evict.Registry

	rootMu sync.RWMutex
	Root   *PageRef

	// overflowMu serializes overflow value reads against a concurrent
	// overflow value write; spec.md §7 calls this out as a tree-wide
	// lock rather than a per-item one, since overflow writes are rare.
	overflowMu sync.RWMutex
	overflow   *overflowCache
}

// New returns an empty, single-leaf-page Tree.
func New(blocks *block.Manager, registry *evict.Registry) *Tree {
	root := newPageRef(nil)
	root.page.Store(newLeaf(nil))
	return &Tree{blocks: blocks, registry: registry, Root: root, overflow: newOverflowCache()}
}

// Open returns a Tree rooted at root, a cookie previously produced by
// Checkpoint and reported back by block.Manager.RootCookie. root is
// resolved lazily: the root page isn't read from disk until the first
// operation reaches it. A zero root (no checkpoint has ever reconciled any
// content) yields the same empty, single-leaf-page tree New does.
func Open(blocks *block.Manager, registry *evict.Registry, root block.Cookie) *Tree {
	if root.IsZero() {
		return New(blocks, registry)
	}
	r := &PageRef{cookie: root}
	r.state.Store(int32(StateDisk))
	return &Tree{blocks: blocks, registry: registry, Root: r, overflow: newOverflowCache()}
}

// RootCookie reports the block cookie of the tree's current root page, as
// last set by Checkpoint. It is the zero Cookie until the first
// Checkpoint call that actually reconciles some content.
func (t *Tree) RootCookie() block.Cookie {
	t.rootMu.RLock()
	defer t.rootMu.RUnlock()
	return t.Root.cookie
}

// session is the per-call hazard-pointer handle. A real connection would
// hand out one long-lived session.Session per worker goroutine; Tree
// keeps the surface simple and takes a fresh evict.Set per call, which is
// correct (hazard pointers are cleared before the call returns) if
// somewhat more allocation-heavy than pooling them would be.
func (t *Tree) newHazards() *evict.Set { return t.registry.NewSession() }

// resolve returns the in-memory Page governing key starting from ref,
// reading blocks in from disk as needed and transparently following any
// StateSplit redirection, with a hazard pointer published against the
// final page for the duration of use. The caller must call release when
// done. resultRef reports which PageRef the returned Page actually
// belongs to, which may differ from ref if a split was followed.
func (t *Tree) resolve(ref *PageRef, hz *evict.Set, key []byte) (p *Page, resultRef *PageRef, release func(), err error) {
	cur := ref
	for {
		switch cur.State() {
		case StateMem:
			img := cur.page.Load()
			slot, ok := hz.Publish(cur.ptrTag())
			if !ok {
				return nil, nil, nil, &ErrBusy{"resolve: hazard array exhausted"}
			}
			// Re-validate: the page may have been evicted between the
			// Load above and the Publish just now.
			if cur.State() != StateMem || cur.page.Load() != img {
				hz.Clear(slot)
				continue
			}
			return img, cur, func() { hz.Clear(slot) }, nil
		case StateDisk:
			if err := t.readIn(cur); err != nil {
				return nil, nil, nil, err
			}
		case StateReading:
			continue // another thread is reading this page in; spin
		case StateLocked:
			continue // eviction or a split holds this ref; spin
		case StateSplit:
			next := pickSplitChild(cur, key)
			if next == nil {
				return nil, nil, nil, &ErrRestart{"resolve: split with no matching child"}
			}
			cur = next
		case StateDeleted:
			return nil, nil, nil, ErrNotFound
		default:
			return nil, nil, nil, &ErrBusy{"resolve: unknown state"}
		}
	}
}

// pickSplitChild returns the splitChildren entry whose range covers key.
func pickSplitChild(ref *PageRef, key []byte) *PageRef {
	children := ref.splitChildren
	i := sort.Search(len(children), func(i int) bool {
		return bytes.Compare(children[i].Key, key) > 0
	})
	if i == 0 {
		if len(children) == 0 {
			return nil
		}
		return children[0].Ref
	}
	return children[i-1].Ref
}

// readIn performs the DISK -> MEM transition for ref by reading and
// decoding its block.
func (t *Tree) readIn(ref *PageRef) error {
	if !ref.casState(StateDisk, StateReading) {
		return nil // lost the race; whoever won will finish the read
	}
	raw, err := t.blocks.Read(ref.cookie)
	if err != nil {
		ref.state.Store(int32(StateDisk))
		return err
	}
	p, err := decodePage(raw)
	if err != nil {
		ref.state.Store(int32(StateDisk))
		return err
	}
	ref.page.Store(p)
	ref.state.Store(int32(StateMem))
	return nil
}

// Get returns the value for key, or ErrNotFound.
func (t *Tree) Get(key []byte) ([]byte, error) {
	hz := t.newHazards()
	ref := t.Root
	for {
		p, _, release, err := t.resolve(ref, hz, key)
		if err != nil {
			return nil, err
		}
		if p.Kind == KindInternal {
			next := descend(p, key)
			release()
			if next == nil {
				return nil, ErrNotFound
			}
			ref = next
			continue
		}

		p.mu.RLock()
		item, found := lookupLeaf(p, key)
		p.mu.RUnlock()
		release()
		if !found {
			return nil, ErrNotFound
		}
		if !item.Overflow {
			return item.Value, nil
		}
		return t.readOverflow(item.Value)
	}
}

// descend returns the child ref whose range covers key (a key that sorts
// before every child's Key belongs to the first child), or nil if p has
// no children (should not happen for a well-formed internal page).
func descend(p *Page, key []byte) *PageRef {
	i := sort.Search(len(p.Children), func(i int) bool {
		return bytes.Compare(p.Children[i].Key, key) > 0
	})
	if i == 0 {
		if len(p.Children) == 0 {
			return nil
		}
		return p.Children[0].Ref
	}
	return p.Children[i-1].Ref
}

// lookupLeaf resolves key against a leaf's Inserts overlay first, falling
// back to Base. p.mu must be held for read.
func lookupLeaf(p *Page, key []byte) (Item, bool) {
	if p.Inserts != nil {
		if n, ok := p.Inserts.Get(key); ok {
			if n.tombstone {
				return Item{}, false
			}
			return Item{Key: key, Value: n.value}, true
		}
	}
	i := sort.Search(len(p.Base), func(i int) bool { return bytes.Compare(p.Base[i].Key, key) >= 0 })
	if i < len(p.Base) && bytes.Equal(p.Base[i].Key, key) {
		return p.Base[i], true
	}
	return Item{}, false
}

// Put inserts or overwrites key with value.
func (t *Tree) Put(key, value []byte) error {
	v := value
	if len(value) > overflowThreshold {
		cookie, err := t.writeOverflow(value)
		if err != nil {
			return err
		}
		v = encodeOverflowCookie(cookie)
	}

	hz := t.newHazards()
	ref := t.Root
	for {
		p, resultRef, release, err := t.resolve(ref, hz, key)
		if err != nil {
			return err
		}
		if p.Kind == KindInternal {
			next := descend(p, key)
			release()
			if next == nil {
				return &ErrBusy{"Put: internal page has no children"}
			}
			ref = next
			continue
		}

		p.mu.Lock()
		old, hadOld := lookupLeaf(p, key)
		if p.Inserts == nil {
			p.Inserts = newSkipList(skipSeed(p))
		}
		p.Inserts.Set(key, v, false)
		p.MarkDirty()
		n := leafItemCount(p)
		p.mu.Unlock()
		release()
		if hadOld {
			t.retireOverflow(old)
		}

		if n > maxLeafItems {
			return t.splitLeaf(resultRef)
		}
		return nil
	}
}

// Delete removes key, recording a tombstone so reconciliation drops it
// from the page's written Base.
func (t *Tree) Delete(key []byte) error {
	hz := t.newHazards()
	ref := t.Root
	for {
		p, _, release, err := t.resolve(ref, hz, key)
		if err != nil {
			return err
		}
		if p.Kind == KindInternal {
			next := descend(p, key)
			release()
			if next == nil {
				return ErrNotFound
			}
			ref = next
			continue
		}
		p.mu.Lock()
		old, hadOld := lookupLeaf(p, key)
		if p.Inserts == nil {
			p.Inserts = newSkipList(skipSeed(p))
		}
		p.Inserts.Set(key, nil, true)
		p.MarkDirty()
		p.mu.Unlock()
		release()
		if !hadOld {
			return ErrNotFound
		}
		t.retireOverflow(old)
		return nil
	}
}

// skipSeed derives a deterministic-enough per-page seed for the Insert
// skip list's level generator from the page's current Base size, so two
// pages splitting off the same parent don't draw identical level
// sequences.
func skipSeed(p *Page) int64 { return int64(len(p.Base))*2 + 1 }

func leafItemCount(p *Page) int {
	n := len(p.Base)
	if p.Inserts != nil {
		extra := 0
		p.Inserts.Walk(func(ins *insertNode) bool {
			if _, found := sort.Find(len(p.Base), func(i int) int { return bytes.Compare(ins.key, p.Base[i].Key) }); found {
				return true
			}
			extra++
			return true
		})
		n += extra
	}
	return n
}

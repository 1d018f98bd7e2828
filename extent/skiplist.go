// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package extent

import (
	"math/rand"
)

// maxLevel bounds a skip list node's tower height. spec.md §4.1: "Maximum
// depth is 10; depth is chosen per node from a geometric distribution with
// parameter ≈¼."
const maxLevel = 10

const levelP = 0.25

// entry is one node of a skip list. Both the by-offset and by-size skip
// lists of an avail List share the same key shape (off, size); an
// internal list only ever uses the off-ordered comparator.
type entry struct {
	off, size int64
	next      []*entry
}

// skipList is an ordered singly-indexed skip list keyed by a comparator
// supplied at construction. It is not safe for concurrent use; List
// guards it with a spin lock per spec.md §5 ("Per-extent-list:
// spin-lock.").
type skipList struct {
	less  func(aOff, aSize, bOff, bSize int64) bool
	head  entry // sentinel; head.next[0] is the first real node
	level int
	rnd   *rand.Rand
	free  *freelist
}

// freelist recycles entry nodes, avoiding allocator pressure on the hot
// allocate/free paths (spec.md §4.1: "Node storage is recycled through a
// per-session freelist to avoid allocator pressure on hot paths."). A
// single List plays the role of the "session" here: it is the unit that
// owns a freelist's nodes.
type freelist struct {
	nodes []*entry
}

func (f *freelist) get(levels int) *entry {
	if n := len(f.nodes); n != 0 {
		e := f.nodes[n-1]
		f.nodes = f.nodes[:n-1]
		if cap(e.next) >= levels {
			e.next = e.next[:levels]
			for i := range e.next {
				e.next[i] = nil
			}
			return e
		}
	}
	return &entry{next: make([]*entry, levels)}
}

func (f *freelist) put(e *entry) {
	e.off, e.size = 0, 0
	f.nodes = append(f.nodes, e)
}

func newSkipList(less func(aOff, aSize, bOff, bSize int64) bool, seed int64) *skipList {
	s := &skipList{
		less: less,
		rnd:  rand.New(rand.NewSource(seed)),
		free: &freelist{},
		level: 1,
	}
	s.head.next = make([]*entry, maxLevel)
	return s
}

func (s *skipList) randLevel() int {
	lvl := 1
	for lvl < maxLevel && s.rnd.Float64() < levelP {
		lvl++
	}
	return lvl
}

// search returns, for each level, the rightmost node whose key sorts before
// (off, size), i.e. the standard skip-list predecessor chain.
func (s *skipList) search(off, size int64) []*entry {
	update := make([]*entry, maxLevel)
	x := &s.head
	for i := s.level - 1; i >= 0; i-- {
		for x.next[i] != nil && s.less(x.next[i].off, x.next[i].size, off, size) {
			x = x.next[i]
		}
		update[i] = x
	}
	return update
}

// find returns the node exactly matching (off, size), or nil.
func (s *skipList) find(off, size int64) *entry {
	update := s.search(off, size)
	cand := update[0].next[0]
	if cand != nil && cand.off == off && cand.size == size {
		return cand
	}
	return nil
}

func (s *skipList) insert(off, size int64) *entry {
	update := s.search(off, size)
	lvl := s.randLevel()
	if lvl > s.level {
		for i := s.level; i < lvl; i++ {
			update[i] = &s.head
		}
		s.level = lvl
	}

	e := s.free.get(lvl)
	e.off, e.size = off, size
	for i := 0; i < lvl; i++ {
		e.next[i] = update[i].next[i]
		update[i].next[i] = e
	}
	return e
}

func (s *skipList) remove(off, size int64) bool {
	update := s.search(off, size)
	x := update[0].next[0]
	if x == nil || x.off != off || x.size != size {
		return false
	}
	for i := 0; i < s.level; i++ {
		if update[i].next[i] != x {
			continue
		}
		update[i].next[i] = x.next[i]
	}
	for s.level > 1 && s.head.next[s.level-1] == nil {
		s.level--
	}
	s.free.put(x)
	return true
}

// first returns the lowest-sorting node, or nil if the list is empty.
func (s *skipList) first() *entry { return s.head.next[0] }

// walk calls f for every node in ascending key order until f returns false.
func (s *skipList) walk(f func(off, size int64) bool) {
	for x := s.head.next[0]; x != nil; x = x.next[0] {
		if !f(x.off, x.size) {
			return
		}
	}
}

func lessByOff(aOff, _ int64, bOff, _ int64) bool { return aOff < bOff }

func lessBySize(aOff, aSize, bOff, bSize int64) bool {
	if aSize != bSize {
		return aSize < bSize
	}
	return aOff < bOff
}

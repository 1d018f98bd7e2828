// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package extent

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(l *List) []Extent {
	var out []Extent
	l.Walk(func(off, size int64) bool {
		out = append(out, Extent{off, size})
		return true
	})
	return out
}

func TestListInsertRemove(t *testing.T) {
	l := NewAllocList(1)
	l.Insert(100, 10)
	l.Insert(0, 50)
	l.Insert(200, 5)

	require.Equal(t, 3, l.Len())
	require.Equal(t, int64(65), l.Bytes())
	assert.Equal(t, []Extent{{0, 50}, {100, 10}, {200, 5}}, collect(l))

	assert.True(t, l.Contains(100, 10))
	assert.False(t, l.Contains(100, 11))

	assert.True(t, l.Remove(100, 10))
	assert.False(t, l.Remove(100, 10))
	assert.Equal(t, 2, l.Len())
}

func TestAvailAllocateFirstFit(t *testing.T) {
	l := NewAvailList(1)
	l.Insert(0, 16)
	l.Insert(100, 64)
	l.Insert(300, 16)

	off, ok := l.AllocateFirstFit(16)
	require.True(t, ok)
	assert.Equal(t, int64(0), off, "first-fit should prefer the lowest offset candidate large enough")

	// The 64-byte extent at 100 is now the lowest-offset fit; allocating 8
	// bytes from it should leave a 56 byte remainder behind.
	off, ok = l.AllocateFirstFit(8)
	require.True(t, ok)
	assert.Equal(t, int64(100), off)
	assert.True(t, l.Contains(108, 56))

	_, ok = l.AllocateFirstFit(1000)
	assert.False(t, ok)
}

func TestAvailAllocateBestFit(t *testing.T) {
	l := NewAvailList(1)
	l.Insert(0, 64)
	l.Insert(200, 16)
	l.Insert(500, 24)

	off, ok := l.AllocateBestFit(16)
	require.True(t, ok)
	assert.Equal(t, int64(200), off, "best-fit should prefer the tightest-fitting extent")
}

func TestFreeCoalescesAdjacent(t *testing.T) {
	l := NewAvailList(1)
	l.Free(0, 16)
	l.Free(16, 16)
	assert.Equal(t, []Extent{{0, 32}}, collect(l), "touching extents must coalesce into one")

	l.Free(64, 16)
	assert.Equal(t, []Extent{{0, 32}, {64, 16}}, collect(l))

	// Fill the gap: both neighbours should merge into a single extent.
	l.Free(32, 32)
	assert.Equal(t, []Extent{{0, 80}}, collect(l))
}

func TestRemoveOverlapSplits(t *testing.T) {
	l := NewAvailList(1)
	l.Free(0, 100)

	l.RemoveOverlap(40, 20)
	assert.Equal(t, []Extent{{0, 40}, {60, 40}}, collect(l))
}

func TestMergeFoldsDiscardIntoAvail(t *testing.T) {
	discard := NewAllocList(1)
	discard.Insert(0, 16)
	discard.Insert(32, 16)

	avail := NewAvailList(2)
	avail.Free(16, 16)

	Merge(avail, discard)
	assert.Equal(t, 0, discard.Len())
	assert.Equal(t, []Extent{{0, 48}}, collect(avail), "merging discard should coalesce with an existing avail extent")
}

func TestMergeResultMatchesExpectedExtentList(t *testing.T) {
	discard := NewAllocList(3)
	discard.Insert(0, 16)
	discard.Insert(64, 16)

	avail := NewAvailList(4)
	avail.Free(16, 16)
	avail.Free(100, 10)

	Merge(avail, discard)

	want := []Extent{{0, 32}, {64, 16}, {100, 10}}
	if diff := cmp.Diff(want, collect(avail)); diff != "" {
		t.Fatalf("avail list after merge (-want +got):\n%s", diff)
	}
}

func TestSkipListManyInsertsStayOrdered(t *testing.T) {
	l := NewAllocList(7)
	const n = 500
	for i := 0; i < n; i++ {
		l.Insert(int64(i*8), 8)
	}
	require.Equal(t, n, l.Len())

	prev := int64(-1)
	l.Walk(func(off, size int64) bool {
		assert.Greater(t, off, prev)
		prev = off
		return true
	})

	for i := 0; i < n; i += 3 {
		assert.True(t, l.Remove(int64(i*8), 8))
	}
	prev = -1
	l.Walk(func(off, size int64) bool {
		assert.Greater(t, off, prev)
		prev = off
		return true
	})
}

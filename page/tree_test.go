// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import (
	"fmt"
	"testing"

	"github.com/cznic/storey/block"
	"github.com/cznic/storey/evict"
	"github.com/cznic/storey/filer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	m, err := block.Create(filer.NewMemFiler(), block.Options{AllocUnit: 64})
	require.NoError(t, err)
	return New(m, evict.NewRegistry(0))
}

func TestPutGetDelete(t *testing.T) {
	tr := newTestTree(t)
	require.NoError(t, tr.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, tr.Put([]byte("k2"), []byte("v2")))

	v, err := tr.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, tr.Delete([]byte("k1")))
	_, err = tr.Get([]byte("k1"))
	assert.ErrorIs(t, err, ErrNotFound)

	v, err = tr.Get([]byte("k2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
}

func TestPutOverwritesExistingKey(t *testing.T) {
	tr := newTestTree(t)
	require.NoError(t, tr.Put([]byte("k"), []byte("old")))
	require.NoError(t, tr.Put([]byte("k"), []byte("new")))

	v, err := tr.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v)
}

func TestOverflowValueRoundTrips(t *testing.T) {
	tr := newTestTree(t)
	big := make([]byte, overflowThreshold+1024)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, tr.Put([]byte("big"), big))

	got, err := tr.Get([]byte("big"))
	require.NoError(t, err)
	assert.Equal(t, big, got)
}

func TestCheckpointKeepsContentReadable(t *testing.T) {
	tr := newTestTree(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, tr.Put([]byte(fmt.Sprintf("key-%03d", i)), []byte(fmt.Sprintf("val-%03d", i))))
	}
	require.NoError(t, tr.Checkpoint())

	v, err := tr.Get([]byte("key-005"))
	require.NoError(t, err)
	assert.Equal(t, []byte("val-005"), v)
}

// TestOpenReloadsCheckpointedRoot confirms a Tree opened against a block
// manager that already holds a checkpointed root (as Engine.Open does on
// reopen) sees the previously written content, without starting from an
// empty tree.
func TestOpenReloadsCheckpointedRoot(t *testing.T) {
	f := filer.NewMemFiler()
	m, err := block.Create(f, block.Options{AllocUnit: 64})
	require.NoError(t, err)

	tr := New(m, evict.NewRegistry(0))
	for i := 0; i < 10; i++ {
		require.NoError(t, tr.Put([]byte(fmt.Sprintf("key-%03d", i)), []byte(fmt.Sprintf("val-%03d", i))))
	}
	require.NoError(t, tr.Checkpoint())

	reopened, err := block.Open(f, block.Options{})
	require.NoError(t, err)
	tr2 := Open(reopened, evict.NewRegistry(0), reopened.RootCookie())

	v, err := tr2.Get([]byte("key-007"))
	require.NoError(t, err)
	assert.Equal(t, []byte("val-007"), v)
}

func TestSplitLeafOnOverflow(t *testing.T) {
	tr := newTestTree(t)
	for i := 0; i < maxLeafItems+10; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		require.NoError(t, tr.Put(key, key))
	}

	assert.Equal(t, KindInternal, tr.Root.page.Load().Kind, "the root should have split into an internal page")

	for i := 0; i < maxLeafItems+10; i += 37 {
		key := []byte(fmt.Sprintf("key-%05d", i))
		v, err := tr.Get(key)
		require.NoError(t, err)
		assert.Equal(t, key, v)
	}
}

func TestFastTruncateHidesSubtree(t *testing.T) {
	tr := newTestTree(t)
	require.NoError(t, tr.Put([]byte("k"), []byte("v")))

	assert.True(t, FastTruncate(tr.Root))
	_, err := tr.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScannerVisitsResidentLeaves(t *testing.T) {
	tr := newTestTree(t)
	require.NoError(t, tr.Put([]byte("a"), []byte("1")))

	s := NewScanner(tr)
	cand, ok := s.Next()
	require.True(t, ok)
	assert.NotNil(t, cand.Lock)

	_, ok = s.Next()
	assert.False(t, ok, "a single-leaf tree has exactly one candidate per pass")
}

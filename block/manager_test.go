// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package block

import (
	"bytes"
	"testing"

	"github.com/cznic/storey/filer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	opts.AllocUnit = 64
	m, err := Create(filer.NewMemFiler(), opts)
	require.NoError(t, err)
	return m
}

func TestWriteReadRoundTrip(t *testing.T) {
	m := newTestManager(t, Options{})
	payload := bytes.Repeat([]byte("abc"), 10)

	c, err := m.Write(payload)
	require.NoError(t, err)
	assert.False(t, c.IsZero())

	got, err := m.Read(c)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestWriteReadWithCompression(t *testing.T) {
	m := newTestManager(t, Options{Compress: true})
	payload := bytes.Repeat([]byte{0}, 4096)

	c, err := m.Write(payload)
	require.NoError(t, err)

	got, err := m.Read(c)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadDetectsChecksumCorruption(t *testing.T) {
	m := newTestManager(t, Options{})
	c, err := m.Write([]byte("hello block manager"))
	require.NoError(t, err)

	// Flip a payload byte directly on the backing filer.
	var b [1]byte
	m.f.ReadAt(b[:], c.Offset+blockHeaderLen)
	b[0] ^= 0xff
	m.f.BeginUpdate()
	m.f.WriteAt(b[:], c.Offset+blockHeaderLen)
	m.f.EndUpdate()

	_, err = m.Read(c)
	require.Error(t, err)
	var ce *ErrCorrupt
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrChecksum, ce.Type)
}

func TestFreeAndCheckpointResolveReusesSpace(t *testing.T) {
	m := newTestManager(t, Options{})
	c1, err := m.Write([]byte("first"))
	require.NoError(t, err)

	m.Free(c1)
	assert.Equal(t, 0, m.alloc.Len())
	assert.Equal(t, 1, m.discard.Len(), "freed space should wait in discard, not be immediately reusable")

	sizeBefore := m.Size()
	m.CheckpointResolve(^uint64(0))
	assert.Equal(t, 1, m.avail.Len(), "resolving past every live generation should move the extent to avail")

	c2, err := m.Write([]byte("second"))
	require.NoError(t, err)
	assert.Equal(t, c1.Offset, c2.Offset, "the reclaimed extent should be reused instead of growing the file")
	assert.Equal(t, sizeBefore, m.Size())
}

func TestCheckpointPersistsGeneration(t *testing.T) {
	m := newTestManager(t, Options{})
	root, err := m.Write([]byte("root page image"))
	require.NoError(t, err)

	gen, err := m.Checkpoint(root)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)

	reopened, err := Open(m.f, Options{})
	require.NoError(t, err)
	assert.Equal(t, gen, reopened.checkpointGen)
	assert.Equal(t, root, reopened.RootCookie())
}

// TestCheckpointReloadsExtentLists confirms a reopened store's alloc/avail
// bookkeeping -- not just its root cookie -- survives a round trip through
// the checkpoint descriptor and extent-list blocks (spec.md §6).
func TestCheckpointReloadsExtentLists(t *testing.T) {
	m := newTestManager(t, Options{})
	root, err := m.Write([]byte("root page image"))
	require.NoError(t, err)
	stray, err := m.Write([]byte("a page since superseded"))
	require.NoError(t, err)
	m.Free(stray)

	_, err = m.Checkpoint(root)
	require.NoError(t, err)
	m.CheckpointResolve(^uint64(0))
	wantAvail := m.avail.Len()

	reopened, err := Open(m.f, Options{})
	require.NoError(t, err)
	// The checkpoint captured its lists before the resolve above ran; the
	// stray block comes back in the reloaded discard list and needs the
	// same resolve to reach avail.
	reopened.CheckpointResolve(^uint64(0))
	assert.Equal(t, wantAvail, reopened.avail.Len())
	assert.True(t, reopened.alloc.Contains(root.Offset, root.Size))

	got, err := reopened.Read(root)
	require.NoError(t, err)
	assert.Equal(t, []byte("root page image"), got)
}

// TestCheckpointFreesSupersededMeta confirms each checkpoint's own
// bookkeeping blocks (alloc/avail/discard/descriptor) from the previous
// checkpoint are freed, rather than leaking one quadruple of blocks per
// checkpoint forever.
func TestCheckpointFreesSupersededMeta(t *testing.T) {
	m := newTestManager(t, Options{})
	root, err := m.Write([]byte("root page image"))
	require.NoError(t, err)

	_, err = m.Checkpoint(root)
	require.NoError(t, err)
	firstMeta := m.ckptMeta
	firstCkpt := m.ckptCookie

	_, err = m.Checkpoint(root)
	require.NoError(t, err)

	assert.True(t, m.discard.Contains(firstMeta.alloc.Offset, firstMeta.alloc.Size))
	assert.True(t, m.discard.Contains(firstCkpt.Offset, firstCkpt.Size))
}

func TestVerifyCleanStoreReportsNoInconsistency(t *testing.T) {
	m := newTestManager(t, Options{})
	_, err := m.Write([]byte("one"))
	require.NoError(t, err)
	_, err = m.Write([]byte("two"))
	require.NoError(t, err)

	res, err := m.Verify()
	require.NoError(t, err)
	assert.Empty(t, res.Inconsistent)
}

func TestCompactSkipHonoursBoundary(t *testing.T) {
	m := newTestManager(t, Options{})
	for i := 0; i < 20; i++ {
		_, err := m.Write(bytes.Repeat([]byte{'x'}, 40))
		require.NoError(t, err)
	}
	assert.True(t, m.CompactSkip(m.allocUnit), "a block near the start of the file should be within the compact boundary")
	assert.False(t, m.CompactSkip(m.Size()-m.allocUnit), "a block at the very end of the file should be past the compact boundary")
}

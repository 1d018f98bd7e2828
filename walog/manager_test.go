// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package walog

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := Open(Options{Dir: dir, FileSize: 4096, SlotCount: 3, SlotBytes: 1024})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestWriteAssignsIncreasingLSNs(t *testing.T) {
	m := newTestManager(t)

	lsn1, err := m.Write(TypeData, []byte("alpha"))
	require.NoError(t, err)
	lsn2, err := m.Write(TypeData, []byte("beta"))
	require.NoError(t, err)

	assert.True(t, lsn1.Less(lsn2))
}

func TestWriteConcurrentGroupCommit(t *testing.T) {
	m := newTestManager(t)

	const n = 32
	var wg sync.WaitGroup
	lsns := make([]LSN, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lsns[i], errs[i] = m.Write(TypeData, []byte{byte(i)})
		}(i)
	}
	wg.Wait()

	seen := make(map[LSN]bool, n)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[lsns[i]], "duplicate LSN %v", lsns[i])
		seen[lsns[i]] = true
	}
}

func TestRecoverRoundTrips(t *testing.T) {
	m := newTestManager(t)

	want := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, p := range want {
		_, err := m.Write(TypeData, p)
		require.NoError(t, err)
	}
	require.NoError(t, m.Close())

	var got [][]byte
	err := Recover(m.dir, Zero, func(lsn LSN, typ RecordType, payload []byte) error {
		require.Equal(t, TypeData, typ)
		cp := append([]byte(nil), payload...)
		got = append(got, cp)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRecoverFromCheckpointLSNSkipsEarlierRecords(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Write(TypeData, []byte("before-checkpoint"))
	require.NoError(t, err)
	ckptLSN, err := m.Write(TypeCheckpoint, nil)
	require.NoError(t, err)
	_, err = m.Write(TypeData, []byte("after-checkpoint"))
	require.NoError(t, err)
	require.NoError(t, m.Close())

	var got [][]byte
	err = Recover(m.dir, ckptLSN, func(lsn LSN, typ RecordType, payload []byte) error {
		cp := append([]byte(nil), payload...)
		got = append(got, cp)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("after-checkpoint")}, got)
}

func TestRecoverStopsAtTornTail(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(Options{Dir: dir, FileSize: 4096, SlotCount: 1, SlotBytes: 1024})
	require.NoError(t, err)

	_, err = m.Write(TypeData, []byte("complete-record"))
	require.NoError(t, err)
	_, err = m.Write(TypeData, []byte("torn-record"))
	require.NoError(t, err)
	require.NoError(t, m.Close())

	name := logFileName(dir, 0)
	fi, err := os.Stat(name)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(name, fi.Size()-3))

	var visited int
	err = Recover(dir, Zero, func(lsn LSN, typ RecordType, payload []byte) error {
		visited++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, visited)
}

func TestArchiveRemovesOldFiles(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(Options{Dir: dir, FileSize: 64, SlotCount: 1, SlotBytes: 256})
	require.NoError(t, err)
	defer m.Close()

	for i := 0; i < 20; i++ {
		_, err := m.Write(TypeData, []byte("payload-to-force-rotation"))
		require.NoError(t, err)
	}

	require.True(t, m.curNum > 0, "expected at least one rotation to have occurred")

	require.NoError(t, m.Archive(LSN{File: m.curNum}))

	names, err := readDirNames(dir)
	require.NoError(t, err)
	for _, name := range names {
		num, ok := parseLogFileName(name)
		require.True(t, ok)
		assert.GreaterOrEqual(t, num, m.curNum)
	}
}

// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package async

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memCursor is a trivial in-memory Cursor used to exercise the pipeline
// without depending on package page.
type memCursor struct {
	mu    sync.Mutex
	table map[string][]byte
}

func (c *memCursor) Search(key []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.table[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (c *memCursor) Insert(key, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table[string(key)] = append([]byte(nil), value...)
	return nil
}

func (c *memCursor) Update(key, value []byte) error { return c.Insert(key, value) }

func (c *memCursor) Remove(key []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.table, string(key))
	return nil
}

func newTestPipeline(t *testing.T, workers int) (*Pipeline, func()) {
	t.Helper()
	opened := 0
	var mu sync.Mutex
	tables := map[string]*memCursor{}
	opener := func(uri, cfg string) (Cursor, error) {
		mu.Lock()
		defer mu.Unlock()
		opened++
		key := uri + "|" + cfg
		c, ok := tables[key]
		if !ok {
			c = &memCursor{table: map[string][]byte{}}
			tables[key] = c
		}
		return c, nil
	}

	p := NewPipeline(Config{Capacity: 256, Opener: opener})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, workers) }()

	cleanup := func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("pipeline workers did not shut down")
		}
	}
	return p, cleanup
}

func TestSubmitInsertThenSearchRoundTrips(t *testing.T) {
	p, cleanup := newTestPipeline(t, 2)
	defer cleanup()

	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, p.Submit(OpInsert, "table:x", "", []byte("k"), []byte("v"), func(_ []byte, err error) {
		defer wg.Done()
		assert.NoError(t, err)
	}))
	wg.Wait()

	wg.Add(1)
	var got []byte
	require.NoError(t, p.Submit(OpSearch, "table:x", "", []byte("k"), nil, func(result []byte, err error) {
		defer wg.Done()
		got = result
		assert.NoError(t, err)
	}))
	wg.Wait()
	assert.Equal(t, []byte("v"), got)
}

func TestSubmitSearchMissReturnsNotFound(t *testing.T) {
	p, cleanup := newTestPipeline(t, 1)
	defer cleanup()

	var wg sync.WaitGroup
	wg.Add(1)
	var gotErr error
	require.NoError(t, p.Submit(OpSearch, "table:x", "", []byte("missing"), nil, func(_ []byte, err error) {
		defer wg.Done()
		gotErr = err
	}))
	wg.Wait()
	assert.ErrorIs(t, gotErr, ErrNotFound)
}

func TestManyConcurrentOpsPreserveAllResults(t *testing.T) {
	p, cleanup := newTestPipeline(t, 4)
	defer cleanup()

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		key := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, p.Submit(OpInsert, "table:bulk", "", key, key, func(_ []byte, err error) {
			defer wg.Done()
			assert.NoError(t, err)
		}))
	}
	wg.Wait()

	p.Flush()

	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		key := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, p.Submit(OpSearch, "table:bulk", "", key, nil, func(result []byte, err error) {
			defer wg.Done()
			assert.NoError(t, err)
			assert.Equal(t, key, result)
		}))
	}
	wg.Wait()
}

func TestFlushWaitsForDrain(t *testing.T) {
	p, cleanup := newTestPipeline(t, 2)
	defer cleanup()

	var completed int
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(OpInsert, "table:flush", "", []byte{byte(i)}, []byte{byte(i)}, func(_ []byte, err error) {
			mu.Lock()
			completed++
			mu.Unlock()
		}))
	}

	p.Flush()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, completed)
}

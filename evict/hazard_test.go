// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package evict

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetPublishClear(t *testing.T) {
	s := NewSet()
	var v byte
	slot, ok := s.Publish(&v)
	require.True(t, ok)
	assert.True(t, s.Contains(&v))

	s.Clear(slot)
	assert.False(t, s.Contains(&v))
}

func TestSetPublishExhaustsThenGrows(t *testing.T) {
	s := &Set{slots: make([]atomic.Pointer[byte], 2)}
	vals := make([]byte, 3)

	_, ok := s.Publish(&vals[0])
	require.True(t, ok)
	_, ok = s.Publish(&vals[1])
	require.True(t, ok)

	_, ok = s.Publish(&vals[2])
	assert.False(t, ok, "Set should be exhausted before growing")

	grew := s.Grow(8)
	require.True(t, grew)
	slot, ok := s.Publish(&vals[2])
	require.True(t, ok)
	assert.True(t, s.Contains(&vals[2]))
	s.Clear(slot)
}

func TestSetGrowRespectsCap(t *testing.T) {
	s := NewSet() // initialHazardSize == 16
	assert.False(t, s.Grow(initialHazardSize), "Grow must not exceed an equal cap")
	assert.True(t, s.Grow(initialHazardSize*4))
	assert.Len(t, s.slots, initialHazardSize*2)
}

func TestRegistryAnyContains(t *testing.T) {
	r := NewRegistry(0)
	sA := r.NewSession()
	sB := r.NewSession()

	var v byte
	slot, ok := sB.Publish(&v)
	require.True(t, ok)

	assert.True(t, r.AnyContains(&v))
	assert.False(t, sA.Contains(&v))

	sB.Clear(slot)
	assert.False(t, r.AnyContains(&v))
}

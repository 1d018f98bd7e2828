// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package evict

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScanner replays a fixed slice of candidates once per round robin
// pass, like page.Scanner does over a real tree.
type fakeScanner struct {
	mu    sync.Mutex
	pages []*fakePage
	pos   int
}

type fakePage struct {
	ptr        byte
	locked     bool
	reconciled int
}

func (s *fakeScanner) Next() (Candidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.pages) {
		s.pos = 0
		return Candidate{}, false
	}
	p := s.pages[s.pos]
	s.pos++
	return Candidate{
		Ptr: &p.ptr,
		Lock: func() bool {
			s.mu.Lock()
			defer s.mu.Unlock()
			if p.locked {
				return false
			}
			p.locked = true
			return true
		},
		Unlock: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			p.locked = false
		},
		Reconcile: func() error {
			s.mu.Lock()
			defer s.mu.Unlock()
			p.reconciled++
			p.locked = false
			return nil
		},
	}, true
}

func TestEngineReconcilesCandidatesOverTrigger(t *testing.T) {
	pages := []*fakePage{{}, {}, {}, {}}
	scanner := &fakeScanner{pages: pages}
	reg := NewRegistry(0)

	var used int64 = 100
	cap := int64(100)
	e := NewEngine(Config{
		Registry:    reg,
		Scanner:     scanner,
		Workers:     2,
		TriggerFrac: 0.8,
		TargetFrac:  0.5,
	}, func() (int64, int64) { return used, cap })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		scanner.mu.Lock()
		defer scanner.mu.Unlock()
		n := 0
		for _, p := range pages {
			if p.reconciled > 0 {
				n++
			}
		}
		return n > 0
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestEngineSkipsHazardProtectedPage(t *testing.T) {
	p := &fakePage{}
	scanner := &fakeScanner{pages: []*fakePage{p}}
	reg := NewRegistry(0)
	session := reg.NewSession()
	_, ok := session.Publish(&p.ptr)
	require.True(t, ok)

	e := NewEngine(Config{
		Registry:    reg,
		Scanner:     scanner,
		TriggerFrac: 0.8,
		TargetFrac:  0.5,
	}, func() (int64, int64) { return 100, 100 })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	scanner.mu.Lock()
	defer scanner.mu.Unlock()
	assert.Equal(t, 0, p.reconciled, "a hazard-protected page must not be reconciled")
}

func TestEngineWakeTriggersImmediateScan(t *testing.T) {
	p := &fakePage{}
	scanner := &fakeScanner{pages: []*fakePage{p}}
	reg := NewRegistry(0)

	usedLow := true
	e := NewEngine(Config{
		Registry:    reg,
		Scanner:     scanner,
		TriggerFrac: 0.8,
		TargetFrac:  0.5,
	}, func() (int64, int64) {
		if usedLow {
			return 10, 100
		}
		return 100, 100
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	time.Sleep(10 * time.Millisecond)
	usedLow = false
	e.Wake()

	require.Eventually(t, func() bool {
		scanner.mu.Lock()
		defer scanner.mu.Unlock()
		return p.reconciled > 0
	}, time.Second, time.Millisecond)
}

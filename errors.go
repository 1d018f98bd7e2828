// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package storey

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrINVAL reports an invalid argument passed by the caller. It is never a
// structural corruption: the database, if any, is left untouched.
type ErrINVAL struct {
	Src string
	Arg interface{}
}

func (e *ErrINVAL) Error() string {
	return fmt.Sprintf("%s: invalid argument: %v", e.Src, e.Arg)
}

// ErrPERM reports an operation invoked outside of the state it requires.
// No Engine method returns it; package filer reports an unbalanced
// EndUpdate/Rollback or a Close at a non-zero nesting level with its own
// error type.
type ErrPERM struct {
	Src string
}

func (e *ErrPERM) Error() string { return e.Src + ": operation not permitted in current state" }

// ErrBUSY reports an operation that lost a benign race and may be retried
// by the caller. No Engine method returns it: Put and Delete pass on
// package page's own *page.ErrBusy, and Submit reports a full op pool as
// async.ErrQueueFull.
type ErrBUSY struct {
	Src string
}

func (e *ErrBUSY) Error() string { return e.Src + ": busy, retry" }

// ErrRESTART reports that an operation observed concurrent structural
// change (a page split, a free list mutation) that invalidates its current
// position. No Engine method returns it.
var ErrRESTART = errors.New("restart: concurrent structural change")

// ErrROLLBACK reports a transaction that must abort due to a conflict with
// a concurrently committed transaction. The Engine has no transactions and
// no Engine method returns it.
var ErrROLLBACK = errors.New("rollback: transaction conflict")

// ErrNotFound is the sentinel "no such key" result. It is never logged and
// never wrapped: callers compare against it with errors.Is.
var ErrNotFound = errors.New("not found")

// ErrRunRecovery reports that the log holds records that were never
// replayed. Open always replays the log from the last checkpoint and never
// returns it.
var ErrRunRecovery = errors.New("run recovery before retrying this operation")

// Panic wraps an error the engine cannot safely recover from. Nothing in
// this module raises it: a checksum or magic mismatch found by
// block.Manager.Read is returned as a *block.ErrCorrupt error, and an
// Engine is never put into a poisoned state.
type Panic struct {
	Cause error
}

func (p *Panic) Error() string { return "storey: panic: " + p.Cause.Error() }
func (p *Panic) Unwrap() error { return p.Cause }

// ErrPanicked is the error for calls made against an Engine poisoned by a
// Panic. No Engine is ever poisoned, so no Engine method returns it.
var ErrPanicked = errors.New("storey: connection is poisoned by a prior panic")

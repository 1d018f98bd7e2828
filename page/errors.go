// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import "errors"

// ErrNotFound is returned by Get/Delete when key has no entry.
var ErrNotFound = errors.New("page: not found")

// ErrBusy reports a transient condition the caller may retry: a hazard
// array running out of slots, or a tree shape invariant briefly violated
// by a concurrent split.
type ErrBusy struct{ Src string }

func (e *ErrBusy) Error() string { return "page: busy: " + e.Src }

// ErrRestart is returned when a tree walk must restart from the root
// because the page it was on was concurrently split.
type ErrRestart struct{ Src string }

func (e *ErrRestart) Error() string { return "page: restart: " + e.Src }

// ErrCorrupt reports a structural inconsistency found while decoding a
// page's on-disk image.
type ErrCorrupt struct{ Reason string }

func (e *ErrCorrupt) Error() string { return "page: corrupt page image: " + e.Reason }

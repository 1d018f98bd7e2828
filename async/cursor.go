// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package async

import "errors"

// ErrNotFound is returned by a Cursor's Search when the key is absent;
// workers treat it as a successful (if empty) op outcome, never as a
// pipeline failure, matching WT_NOTFOUND's treatment in
// original_source/async/async_workder.c's __async_worker_op.
var ErrNotFound = errors.New("async: not found")

// Cursor is the per-(uri,config) handle a worker drives ops through. The
// page package's *Tree satisfies this directly; Compact has no cursor of
// its own and is dispatched straight to a Compactor instead.
type Cursor interface {
	Search(key []byte) (value []byte, err error)
	Insert(key, value []byte) error
	Update(key, value []byte) error
	Remove(key []byte) error
}

// Compactor performs a URI-scoped compaction; it is invoked directly by
// name and config, without going through a Cursor.
type Compactor interface {
	Compact(uri, config string) error
}

// Opener opens a fresh Cursor for one URI+config pair, the same
// signature open_cursor has on the connection in the original
// implementation.
type Opener func(uri, config string) (Cursor, error)

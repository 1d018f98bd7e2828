// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package walog implements the write-ahead log (C5): records are appended
// through a bounded pool of group-commit slots so concurrently committing
// transactions share one fsync instead of issuing one each, then the log
// is periodically archived up to the oldest LSN any checkpoint still
// needs.
//
// The slot protocol is grounded on original_source/log/log_slot.c: a
// single 64 bit atomic word per slot encodes both the slot's phase and
// the number of bytes joined into it, so a joining thread can claim space
// with one compare-and-swap instead of taking a lock.
package walog

import "fmt"

// LSN (log sequence number) addresses one record: the log file it lives
// in and its byte offset within that file.
type LSN struct {
	File   uint32
	Offset int64
}

// Less reports whether lsn sorts before other.
func (lsn LSN) Less(other LSN) bool {
	if lsn.File != other.File {
		return lsn.File < other.File
	}
	return lsn.Offset < other.Offset
}

func (lsn LSN) String() string { return fmt.Sprintf("%d/%#x", lsn.File, lsn.Offset) }

// IsZero reports whether lsn is the distinguished "nothing written yet"
// zero value.
func (lsn LSN) IsZero() bool { return lsn == Zero }

// Zero is the distinguished "nothing written yet" LSN.
var Zero = LSN{}

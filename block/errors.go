// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package block

import "fmt"

// ErrCorruptType enumerates the structural inconsistencies Manager.Read and
// Manager.Verify can detect in the on-disk image. A package sitting above
// block (the root engine package) is expected to map these onto its own
// taxonomy and escalate to panic outside of a verify/salvage session.
type ErrCorruptType int

const (
	ErrOther ErrCorruptType = iota
	ErrShortRecord
	ErrChecksum
	ErrBadMagic
	ErrBadVersion
	ErrFreeSpanOverlapsUsed
	ErrFragAlreadySet
)

var errCorruptNames = map[ErrCorruptType]string{
	ErrOther:                "other",
	ErrShortRecord:          "record shorter than its declared length",
	ErrChecksum:             "checksum mismatch",
	ErrBadMagic:             "bad descriptor magic",
	ErrBadVersion:           "unsupported descriptor version",
	ErrFreeSpanOverlapsUsed: "free space overlaps a used block",
	ErrFragAlreadySet:       "fragment bit already set by an earlier block",
}

func (t ErrCorruptType) String() string {
	if s, ok := errCorruptNames[t]; ok {
		return s
	}
	return fmt.Sprintf("ErrCorruptType(%d)", int(t))
}

// ErrCorrupt reports a structural inconsistency found while reading or
// verifying a block.
type ErrCorrupt struct {
	Type ErrCorruptType
	Off  int64
	Arg  int64
}

func (e *ErrCorrupt) Error() string {
	return fmt.Sprintf("block: corruption at offset %#x: %s (arg=%#x)", e.Off, e.Type, e.Arg)
}

// ErrINVAL reports an invalid argument to a Manager method.
type ErrINVAL struct {
	Src string
	Arg interface{}
}

func (e *ErrINVAL) Error() string { return fmt.Sprintf("block: %s: invalid argument: %v", e.Src, e.Arg) }

// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package block

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"
)

// descriptorMagic identifies a file as a block-manager store. spec.md
// §4.2 assigns it the fixed value 120897.
const descriptorMagic uint32 = 120897

const (
	majorVersion = 1
	minorVersion = 0
)

// descriptorLen is the fixed, allocation-unit-aligned size of the
// descriptor block occupying the first allocation unit of the file. It
// must stay comfortably under the smallest AllocUnit a store is opened
// with.
const descriptorLen = 48

// descriptor is the file header: magic, format version, the generation and
// location of the most recently completed checkpoint, and a checksum over
// the remaining descriptor fields, mirroring the teacher's leading
// handle-zero convention (lldb.Allocator reserves handle 0) generalized to
// a self-describing header instead of an implicit reservation.
type descriptor struct {
	magic      uint32
	majorVer   uint16
	minorVer   uint16
	allocUnit  uint32
	checkpoint uint64 // generation of the most recently completed checkpoint
	ckpt       Cookie // points at that checkpoint's checkpointDescriptor block; zero if none yet
}

func (d descriptor) encode() []byte {
	b := make([]byte, descriptorLen)
	binary.BigEndian.PutUint32(b[0:], d.magic)
	binary.BigEndian.PutUint16(b[4:], d.majorVer)
	binary.BigEndian.PutUint16(b[6:], d.minorVer)
	binary.BigEndian.PutUint32(b[8:], d.allocUnit)
	binary.BigEndian.PutUint64(b[12:], d.checkpoint)
	d.ckpt.encodeFixed(b[20:40])
	sum := murmur3.Sum32(b[:40])
	binary.BigEndian.PutUint32(b[40:], sum)
	return b
}

func decodeDescriptor(b []byte) (descriptor, error) {
	if len(b) < descriptorLen {
		return descriptor{}, &ErrCorrupt{Type: ErrShortRecord, Arg: int64(len(b))}
	}
	d := descriptor{
		magic:      binary.BigEndian.Uint32(b[0:]),
		majorVer:   binary.BigEndian.Uint16(b[4:]),
		minorVer:   binary.BigEndian.Uint16(b[6:]),
		allocUnit:  binary.BigEndian.Uint32(b[8:]),
		checkpoint: binary.BigEndian.Uint64(b[12:]),
		ckpt:       decodeFixedCookie(b[20:40]),
	}
	if d.magic != descriptorMagic {
		return descriptor{}, &ErrCorrupt{Type: ErrBadMagic, Arg: int64(d.magic)}
	}
	if d.majorVer != majorVersion {
		return descriptor{}, &ErrCorrupt{Type: ErrBadVersion, Arg: int64(d.majorVer)}
	}
	want := binary.BigEndian.Uint32(b[40:])
	got := murmur3.Sum32(b[:40])
	if want != got {
		return descriptor{}, &ErrCorrupt{Type: ErrChecksum, Arg: int64(want), Off: 0}
	}
	return d, nil
}

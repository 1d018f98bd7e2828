// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package block

import (
	"encoding/binary"

	"github.com/cznic/storey/extent"
)

// extentListMagic identifies an extent-list block: a self-describing block
// whose payload is a sequence of (offset,size) varint pairs in ascending
// offset order, terminated by the (0,0) sentinel (spec.md §6).
const extentListMagic uint32 = 71002

// encodeExtentList serialises every member of l, in ascending offset order,
// as the payload described above. The result is passed to Manager.Write
// like any other block.
func encodeExtentList(l *extent.List) []byte {
	buf := make([]byte, 0, 8*(l.Len()+1))
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(extentListMagic))
	buf = append(buf, tmp[:n]...)
	l.Walk(func(off, size int64) bool {
		n := binary.PutUvarint(tmp[:], uint64(off))
		buf = append(buf, tmp[:n]...)
		n = binary.PutUvarint(tmp[:], uint64(size))
		buf = append(buf, tmp[:n]...)
		return true
	})
	n = binary.PutUvarint(tmp[:], 0)
	buf = append(buf, tmp[:n]...)
	n = binary.PutUvarint(tmp[:], 0)
	buf = append(buf, tmp[:n]...)
	return buf
}

// decodeExtentList parses a payload written by encodeExtentList.
func decodeExtentList(b []byte) ([]extent.Extent, error) {
	magic, n := binary.Uvarint(b)
	if n <= 0 || uint32(magic) != extentListMagic {
		return nil, &ErrCorrupt{Type: ErrBadMagic, Arg: int64(magic)}
	}
	b = b[n:]
	var out []extent.Extent
	for {
		off, n1 := binary.Uvarint(b)
		if n1 <= 0 {
			return nil, &ErrCorrupt{Type: ErrShortRecord, Arg: int64(len(b))}
		}
		b = b[n1:]
		size, n2 := binary.Uvarint(b)
		if n2 <= 0 {
			return nil, &ErrCorrupt{Type: ErrShortRecord, Arg: int64(len(b))}
		}
		b = b[n2:]
		if off == 0 && size == 0 {
			return out, nil
		}
		out = append(out, extent.Extent{Off: int64(off), Size: int64(size)})
	}
}

// checkpointDescriptorVersion is the only version this package writes or
// understands.
const checkpointDescriptorVersion = 1

// checkpointDescriptor is the self-describing block a checkpoint's file
// descriptor points at: version byte, then four cookies (root, alloc,
// avail, discard), then file_size and checkpoint_size as varints
// (spec.md §6). alloc/avail/discard each address a separate extent-list
// block holding that set's members as of this checkpoint.
type checkpointDescriptor struct {
	version  byte
	root     Cookie
	alloc    Cookie
	avail    Cookie
	discard  Cookie
	fileSize int64
	ckptSize int64
}

func (d checkpointDescriptor) encode(allocUnit int64) []byte {
	buf := make([]byte, 0, 1+4*maxCookieLen+2*binary.MaxVarintLen64)
	buf = append(buf, d.version)
	buf = d.root.Encode(buf, allocUnit)
	buf = d.alloc.Encode(buf, allocUnit)
	buf = d.avail.Encode(buf, allocUnit)
	buf = d.discard.Encode(buf, allocUnit)
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], d.fileSize)
	buf = append(buf, tmp[:n]...)
	n = binary.PutVarint(tmp[:], d.ckptSize)
	buf = append(buf, tmp[:n]...)
	return buf
}

func decodeCheckpointDescriptor(b []byte, allocUnit int64) (checkpointDescriptor, error) {
	if len(b) < 1 {
		return checkpointDescriptor{}, &ErrCorrupt{Type: ErrShortRecord}
	}
	d := checkpointDescriptor{version: b[0]}
	if d.version != checkpointDescriptorVersion {
		return checkpointDescriptor{}, &ErrCorrupt{Type: ErrBadVersion, Arg: int64(d.version)}
	}
	b = b[1:]

	var n int
	var err error
	if d.root, n, err = DecodeCookie(b, allocUnit); err != nil {
		return checkpointDescriptor{}, err
	}
	b = b[n:]
	if d.alloc, n, err = DecodeCookie(b, allocUnit); err != nil {
		return checkpointDescriptor{}, err
	}
	b = b[n:]
	if d.avail, n, err = DecodeCookie(b, allocUnit); err != nil {
		return checkpointDescriptor{}, err
	}
	b = b[n:]
	if d.discard, n, err = DecodeCookie(b, allocUnit); err != nil {
		return checkpointDescriptor{}, err
	}
	b = b[n:]

	fileSize, n1 := binary.Varint(b)
	if n1 <= 0 {
		return checkpointDescriptor{}, &ErrCorrupt{Type: ErrShortRecord}
	}
	b = b[n1:]
	ckptSize, n2 := binary.Varint(b)
	if n2 <= 0 {
		return checkpointDescriptor{}, &ErrCorrupt{Type: ErrShortRecord}
	}
	d.fileSize, d.ckptSize = fileSize, ckptSize
	return d, nil
}

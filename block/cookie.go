// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package block implements the block manager (C2): it turns the raw byte
// ranges produced by package extent into a checksummed, optionally
// compressed, "write a buffer, get back a cookie; hand back a cookie, get
// the buffer back" API, plus checkpoint bookkeeping so deallocated space is
// not reused while an older checkpoint might still reference it.
package block

import (
	"encoding/binary"
)

// A Cookie addresses one on-disk block. It packs to a compact byte
// encoding -- (offset_in_units-1, size_in_units, checksum) as three
// varints -- suitable for storing inline in a B-tree internal page
// (spec.md §4.2: "A block cookie packs (offset_in_units-1, size_in_units,
// checksum)").
type Cookie struct {
	Offset   int64 // byte offset of the block header, a multiple of the allocation unit
	Size     int64 // byte length of the full on-disk block, including header
	Checksum uint32
}

// IsZero reports whether c is the zero-value "no block" cookie, used for
// an empty tree or a not-yet-written root.
func (c Cookie) IsZero() bool { return c.Offset == 0 && c.Size == 0 && c.Checksum == 0 }

// maxCookieLen bounds the encoded length of a Cookie: three varints, each
// at most 10 bytes for a 64 bit value (the checksum varint never exceeds 5).
const maxCookieLen = 10 + 10 + 5

// Encode appends the packed encoding of c to dst and returns the result.
func (c Cookie) Encode(dst []byte, allocUnit int64) []byte {
	offUnits := c.Offset/allocUnit - 1
	if c.Offset == 0 {
		offUnits = -1 // reserved: encodes the zero cookie
	}
	sizeUnits := (c.Size + allocUnit - 1) / allocUnit
	var buf [maxCookieLen]byte
	n := binary.PutVarint(buf[0:], offUnits)
	n += binary.PutUvarint(buf[n:], uint64(sizeUnits))
	n += binary.PutUvarint(buf[n:], uint64(c.Checksum))
	return append(dst, buf[:n]...)
}

// DecodeCookie reads a Cookie encoded by Cookie.Encode from the front of
// b, returning the cookie and the number of bytes consumed.
func DecodeCookie(b []byte, allocUnit int64) (Cookie, int, error) {
	offUnits, n1 := binary.Varint(b)
	if n1 <= 0 {
		return Cookie{}, 0, &ErrCorrupt{Type: ErrShortRecord, Arg: int64(len(b))}
	}
	sizeUnits, n2 := binary.Uvarint(b[n1:])
	if n2 <= 0 {
		return Cookie{}, 0, &ErrCorrupt{Type: ErrShortRecord, Arg: int64(len(b))}
	}
	checksum, n3 := binary.Uvarint(b[n1+n2:])
	if n3 <= 0 {
		return Cookie{}, 0, &ErrCorrupt{Type: ErrShortRecord, Arg: int64(len(b))}
	}
	if offUnits < 0 {
		return Cookie{}, n1 + n2 + n3, nil
	}
	return Cookie{
		Offset:   (offUnits + 1) * allocUnit,
		Size:     int64(sizeUnits) * allocUnit,
		Checksum: uint32(checksum),
	}, n1 + n2 + n3, nil
}

// fixedCookieLen is the encoded size of a Cookie stored at a constant
// width, used for the single cookie embedded directly in the file
// descriptor header: a fixed offset can't host the variable-length varint
// encoding above without also recording its length.
const fixedCookieLen = 20

// encodeFixed writes c into b (which must be at least fixedCookieLen
// bytes) at a constant width, raw offset/size/checksum with no allocation
// unit packing.
func (c Cookie) encodeFixed(b []byte) {
	binary.BigEndian.PutUint64(b[0:], uint64(c.Offset))
	binary.BigEndian.PutUint64(b[8:], uint64(c.Size))
	binary.BigEndian.PutUint32(b[16:], c.Checksum)
}

// decodeFixedCookie reads a Cookie written by Cookie.encodeFixed.
func decodeFixedCookie(b []byte) Cookie {
	return Cookie{
		Offset:   int64(binary.BigEndian.Uint64(b[0:])),
		Size:     int64(binary.BigEndian.Uint64(b[8:])),
		Checksum: binary.BigEndian.Uint32(b[16:]),
	}
}

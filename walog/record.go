// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package walog

import (
	"encoding/binary"
	"hash/crc32"
)

// recordHeaderLen is length(4) + type(1) + checksum(4).
const recordHeaderLen = 9

// RecordType distinguishes the kinds of records written to the log.
// TypeDescriptor opens every log file; TypeCommit closes out the
// TypeData records of one transaction.
type RecordType byte

const (
	TypeDescriptor RecordType = iota
	TypeData
	TypeCommit
	TypeCheckpoint
)

// hash/crc32 (Castagnoli) is used for the record checksum rather than the
// murmur3 the block manager uses for page checksums: the log is read
// strictly sequentially and only ever needs to detect a torn write at the
// exact point recovery must stop, a property plain CRC32 already has and
// the standard library provides with no added dependency. See DESIGN.md
// for the full justification of this one stdlib-only choice in an
// otherwise dependency-heavy module.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// encodeRecord appends the framed encoding of (typ, payload) to dst and
// returns the result.
func encodeRecord(dst []byte, typ RecordType, payload []byte) []byte {
	var hdr [recordHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	hdr[4] = byte(typ)

	h := crc32.New(crcTable)
	h.Write(hdr[4:5])
	h.Write(payload)
	binary.BigEndian.PutUint32(hdr[5:9], h.Sum32())

	dst = append(dst, hdr[:]...)
	dst = append(dst, payload...)
	return dst
}

// decodeHeader parses a recordHeaderLen-byte header, returning the
// payload length and type.
func decodeHeader(hdr []byte) (payloadLen uint32, typ RecordType, checksum uint32) {
	payloadLen = binary.BigEndian.Uint32(hdr[0:4])
	typ = RecordType(hdr[4])
	checksum = binary.BigEndian.Uint32(hdr[5:9])
	return
}

// verifyChecksum reports whether payload matches the checksum recorded
// for a record of type typ.
func verifyChecksum(typ RecordType, payload []byte, want uint32) bool {
	h := crc32.New(crcTable)
	h.Write([]byte{byte(typ)})
	h.Write(payload)
	return h.Sum32() == want
}

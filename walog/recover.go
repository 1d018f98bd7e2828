// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package walog

import (
	"sort"

	"github.com/cznic/storey/filer"
)

// Visit is called once per valid record found during Recover, in LSN
// order.
type Visit func(lsn LSN, typ RecordType, payload []byte) error

// Recover reads every log file in dir from the lowest number up, calling
// visit for each well-formed record whose LSN is strictly greater than
// from (spec.md §4.5: "the log is scanned from the last checkpoint's LSN
// forward"), and stops at the first record whose header or checksum
// doesn't check out. In the last file that is taken as the torn tail of a
// crash mid-write and Recover returns nil; any records after the damaged
// one in that file are not examined. If the scan stops early in any file
// but the last, Recover returns *ErrCorrupt, since a torn write can only
// affect the newest file.
//
// from is walog.Zero when no checkpoint has ever completed, in which case
// every record in every file is replayed.
func Recover(dir string, from LSN, visit Visit) error {
	entries, err := listLogFiles(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].num < entries[j].num })

	for i, e := range entries {
		if !from.IsZero() && e.num < from.File {
			continue
		}
		fromOffset := int64(-1)
		if !from.IsZero() && e.num == from.File {
			fromOffset = from.Offset
		}
		stop, err := recoverFile(dir, e.num, fromOffset, visit)
		if err != nil {
			return err
		}
		if stop && i != len(entries)-1 {
			return &ErrCorrupt{Reason: "log file truncated before its end, but later log files exist"}
		}
		if stop {
			return nil
		}
	}
	return nil
}

type logFileEntry struct{ num uint32 }

func listLogFiles(dir string) ([]logFileEntry, error) {
	entries, err := readDirNames(dir)
	if err != nil {
		return nil, err
	}
	var out []logFileEntry
	for _, name := range entries {
		if num, ok := parseLogFileName(name); ok {
			out = append(out, logFileEntry{num})
		}
	}
	return out, nil
}

// recoverFile scans one log file sequentially, stopping at the first
// malformed record. Records at or before fromOffset are skipped without
// being visited (fromOffset is -1 when every record in this file should
// be visited). stop reports whether the scan ended early (implying a
// torn tail, or -- escalated above -- real corruption).
func recoverFile(dir string, num uint32, fromOffset int64, visit Visit) (stop bool, err error) {
	f, err := filer.OpenOSFile(logFileName(dir, num), false, false)
	if err != nil {
		return false, err
	}
	defer f.Close()

	off := int64(0)
	size := f.Size()
	for off < size {
		hdr := make([]byte, recordHeaderLen)
		if _, err := f.ReadAt(hdr, off); err != nil {
			return true, nil // short read at the tail: treat as a torn write
		}
		payloadLen, typ, checksum := decodeHeader(hdr)
		if off+recordHeaderLen+int64(payloadLen) > size {
			return true, nil // torn write: declared length runs past EOF
		}
		payload := make([]byte, payloadLen)
		if _, err := f.ReadAt(payload, off+recordHeaderLen); err != nil {
			return true, nil
		}
		if !verifyChecksum(typ, payload, checksum) {
			return true, nil
		}
		if typ != TypeDescriptor && off > fromOffset {
			lsn := LSN{File: num, Offset: off}
			if err := visit(lsn, typ, payload); err != nil {
				return false, err
			}
		}
		off += recordHeaderLen + int64(payloadLen)
	}
	return false, nil
}

// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package walog

import (
	"os"
	"strconv"
	"strings"
)

// ErrCorrupt reports a structural inconsistency found while recovering
// the log that a torn final write cannot explain.
type ErrCorrupt struct{ Reason string }

func (e *ErrCorrupt) Error() string { return "walog: " + e.Reason }

func readDirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func parseLogFileName(name string) (num uint32, ok bool) {
	digits := strings.TrimPrefix(name, "log.")
	if digits == name {
		return 0, false
	}
	n, err := strconv.ParseUint(digits, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

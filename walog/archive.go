// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package walog

import (
	"os"

	"go.uber.org/zap"
)

// Archive removes every log file strictly older than keepFrom.File, the
// file number of the oldest LSN any open checkpoint or transaction might
// still need to replay. It holds archiveMu for write, briefly excluding
// new group commits, since removing a file a commit is mid-write to would
// corrupt the log.
func (m *Manager) Archive(keepFrom LSN) error {
	m.archiveMu.Lock()
	defer m.archiveMu.Unlock()

	names, err := readDirNames(m.dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		num, ok := parseLogFileName(name)
		if !ok || num >= keepFrom.File {
			continue
		}
		if err := os.Remove(logFileName(m.dir, num)); err != nil && !os.IsNotExist(err) {
			return err
		}
		m.log.Info("walog: archived log file", zap.Uint32("file", num))
	}
	return nil
}

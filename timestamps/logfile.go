// rpicam-recorder - record Raspberry Pi camera video in sync with external TTL clocks
//  Copyright (C) 2020, The Cacophony Project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package timestamps

import (
	"bufio"
	"os"
)

const logBufferSize = 64 * 1024

func createLogFile(filename, header string) (*logFile, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	lf := &logFile{
		f: f,
		w: bufio.NewWriterSize(f, logBufferSize),
	}
	if err := lf.writeLine(header); err != nil {
		f.Close()
		return nil, err
	}
	return lf, nil
}

type logFile struct {
	f *os.File
	w *bufio.Writer
}

func (lf *logFile) writeLine(s string) error {
	if _, err := lf.w.WriteString(s); err != nil {
		return err
	}
	return lf.w.WriteByte('\n')
}

// close flushes and syncs buffered rows, then releases the descriptor
// even if the flush or sync failed.
func (lf *logFile) close() error {
	err := lf.w.Flush()
	if serr := lf.f.Sync(); err == nil {
		err = serr
	}
	if cerr := lf.f.Close(); err == nil {
		err = cerr
	}
	return err
}

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

// Package timestamps persists the per-frame and per-trigger camera clock
// values of a recording as CSV logs next to the video.
package timestamps

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/TheCacophonyProject/rpicam-recorder/loglimiter"
)

const (
	FrameSuffix   = "_timestamps.csv"
	TriggerSuffix = "_timestamps_trigger.csv"

	FrameHeader   = "# frame timestamp, TTL timestamp"
	TriggerHeader = "# external sync time stamp (system clock), external sync time stamp (camera clock)"

	// InvalidPTS marks a frame for which the encoder had no timestamp.
	InvalidPTS = -1
)

var (
	ErrClosed   = errors.New("timestamp store closed")
	ErrDegraded = errors.New("timestamp log unavailable")
)

func FramePath(base string) string   { return base + FrameSuffix }
func TriggerPath(base string) string { return base + TriggerSuffix }

// Store appends frame and trigger rows for one recording. It never
// fails to open: if a log can't be created or written the store goes
// into degraded mode, rows for that log are discarded and the recording
// carries on.
type Store struct {
	mu          sync.Mutex
	frames      *logFile
	triggers    *logFile
	closed      bool
	degraded    bool
	frameRows   int
	triggerRows int
	limiter     *loglimiter.LogLimiter
}

// Open creates the frame log for base, and the trigger log as well when
// withTriggers is set.
func Open(base string, withTriggers bool) *Store {
	s := &Store{limiter: loglimiter.New(10 * time.Second)}

	var err error
	s.frames, err = createLogFile(FramePath(base), FrameHeader)
	if err != nil {
		log.Printf("failed to open frame timestamp log, timestamps will not be saved: %v", err)
		s.degraded = true
	}
	if withTriggers {
		s.triggers, err = createLogFile(TriggerPath(base), TriggerHeader)
		if err != nil {
			log.Printf("failed to open trigger timestamp log, triggers will not be saved: %v", err)
			s.degraded = true
		}
	}
	return s
}

// RecordFrame appends one frame row. A pts of InvalidPTS (or any
// negative value) is written as-is and reported as a diagnostic.
func (s *Store) RecordFrame(pts, external int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if pts < 0 {
		s.limiter.Printf("frame has invalid timestamp %d", pts)
	}
	if s.frames == nil {
		return ErrDegraded
	}
	row := strconv.FormatInt(pts, 10) + "," + strconv.FormatInt(external, 10)
	if err := s.frames.writeLine(row); err != nil {
		s.fail("frame", &s.frames, err)
		return ErrDegraded
	}
	s.frameRows++
	return nil
}

// RecordTrigger appends the camera clock at which a trigger arrived.
func (s *Store) RecordTrigger(cameraClock int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.triggers == nil {
		return ErrDegraded
	}
	if err := s.triggers.writeLine(strconv.FormatInt(cameraClock, 10)); err != nil {
		s.fail("trigger", &s.triggers, err)
		return ErrDegraded
	}
	s.triggerRows++
	return nil
}

func (s *Store) fail(name string, lf **logFile, err error) {
	log.Printf("writing %s timestamp log failed, no further rows will be saved: %v", name, err)
	(*lf).close()
	*lf = nil
	s.degraded = true
}

// Degraded reports whether any log could not be opened or written.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Rows returns the number of rows accepted into each log. Rows are
// buffered, so they are only known to be on disk after Close succeeds.
func (s *Store) Rows() (frames, triggers int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameRows, s.triggerRows
}

// Close flushes, syncs and closes the logs. It is safe to call more
// than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, lf := range []*logFile{s.frames, s.triggers} {
		if lf == nil {
			continue
		}
		if err := lf.close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.frames = nil
	s.triggers = nil
	if len(errs) > 0 {
		return fmt.Errorf("closing timestamp logs: %v", errs[0])
	}
	return nil
}

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

package recorder

import (
	"sync"

	"github.com/TheCacophonyProject/rpicam-recorder/timestamps"
)

// frameSink routes encoder frame callbacks to the open timestamp store.
// It has its own lock so the encoder's StopRecording can wait for
// in-flight callbacks without the frame path blocking on the controller.
type frameSink struct {
	mu     sync.Mutex
	store  *timestamps.Store
	frames uint64
}

func (s *frameSink) attach(store *timestamps.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = store
	s.frames = 0
}

// detach stops routing frames and returns how many were received since
// the last attach.
func (s *frameSink) detach() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := s.frames
	s.store = nil
	s.frames = 0
	return frames
}

// record returns false if no store is attached.
func (s *frameSink) record(pts, external int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return false
	}
	s.frames++
	s.store.RecordFrame(pts, external)
	return true
}

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

type State int

const (
	Idle State = iota
	Previewing
	WaitingForTrigger
	Recording
	Stopping
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Previewing:
		return "previewing"
	case WaitingForTrigger:
		return "waiting-for-trigger"
	case Recording:
		return "recording"
	case Stopping:
		return "stopping"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// active reports whether a session is open in this state.
func (s State) active() bool {
	return s == WaitingForTrigger || s == Recording
}

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

package pulse

import (
	"sync"
	"time"

	"github.com/juju/ratelimit"
)

// debounceResolution is the number of bucket ticks per debounce
// interval. Accepted edges are at least (1 - 1/debounceResolution) of
// the interval apart.
const debounceResolution = 10

// TriggerEvent is produced for each accepted rising edge on the trigger
// input. Sequence starts at 1 each time the listener is armed.
type TriggerEvent struct {
	CameraClock int64
	Sequence    uint64
}

// TriggerListener turns rising edges on an input pin into
// TriggerEvents stamped with the camera clock. Edges closer together
// than the debounce interval are ignored.
type TriggerListener struct {
	gpio     GPIO
	pin      string
	clock    func() int64
	debounce time.Duration
	rlClock  ratelimit.Clock

	mu      sync.Mutex
	armed   bool
	cb      func(TriggerEvent)
	bucket  *ratelimit.Bucket
	seq     uint64
	ignored uint64
}

// NewTriggerListener configures pin as an input. clock should return the
// camera clock in microseconds. A debounce of zero accepts every edge.
func NewTriggerListener(g GPIO, pin string, debounce time.Duration, clock func() int64) *TriggerListener {
	return NewTriggerListenerWithClock(g, pin, debounce, clock, new(realClock))
}

func NewTriggerListenerWithClock(
	g GPIO,
	pin string,
	debounce time.Duration,
	clock func() int64,
	rlClock ratelimit.Clock,
) *TriggerListener {
	if err := g.Setup(pin, Input); err != nil {
		reportUnavailable(err)
		g = Noop{}
	}
	return &TriggerListener{
		gpio:     g,
		pin:      pin,
		clock:    clock,
		debounce: debounce,
		rlClock:  rlClock,
	}
}

// Arm starts delivering TriggerEvents to cb. Arming an armed listener
// only replaces the callback.
func (l *TriggerListener) Arm(cb func(TriggerEvent)) error {
	l.mu.Lock()
	if l.armed {
		l.cb = cb
		l.mu.Unlock()
		return nil
	}
	l.armed = true
	l.cb = cb
	l.seq = 0
	l.ignored = 0
	l.bucket = nil
	if tick := l.debounce / debounceResolution; tick > 0 {
		l.bucket = ratelimit.NewBucketWithQuantumAndClock(tick, debounceResolution, 1, l.rlClock)
	}
	l.mu.Unlock()

	if err := l.gpio.AddEdgeCallback(l.pin, RisingEdge, l.edge); err != nil {
		l.mu.Lock()
		l.armed = false
		l.mu.Unlock()
		return err
	}
	return nil
}

// Disarm stops event delivery. It waits for a callback in progress, so
// it must not be called from the callback itself.
func (l *TriggerListener) Disarm() error {
	l.mu.Lock()
	if !l.armed {
		l.mu.Unlock()
		return nil
	}
	l.armed = false
	l.mu.Unlock()
	return l.gpio.RemoveEdgeCallback(l.pin)
}

func (l *TriggerListener) edge() {
	// Read the camera clock before anything else so that lock contention
	// doesn't skew the timestamp.
	clock := l.clock()

	l.mu.Lock()
	if !l.armed {
		l.mu.Unlock()
		return
	}
	if l.bucket != nil {
		if l.bucket.Available() < debounceResolution {
			l.ignored++
			l.mu.Unlock()
			return
		}
		l.bucket.TakeAvailable(debounceResolution)
	}
	l.seq++
	event := TriggerEvent{CameraClock: clock, Sequence: l.seq}
	cb := l.cb
	l.mu.Unlock()

	cb(event)
}

// Ignored returns how many edges were debounced since the listener was
// last armed.
func (l *TriggerListener) Ignored() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ignored
}

// realClock implements ratelimit.Clock in terms of standard time functions.
type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

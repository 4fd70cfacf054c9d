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
	"sync/atomic"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/TheCacophonyProject/rpicam-recorder/loglimiter"
)

const (
	DefaultPulseWidth = time.Millisecond
	strobeQueueSize   = 8
)

// Strobe emits one fixed width pulse per call to Pulse. Pulses are
// driven from a worker goroutine so that the caller (normally the
// encoder's frame callback) never waits for the pulse to finish.
type Strobe struct {
	gpio     GPIO
	pin      string
	width    time.Duration
	sleep    func(time.Duration)
	requests chan struct{}
	count    uint64
	dropped  uint64
	limiter  *loglimiter.LogLimiter
	t        tomb.Tomb
}

// NewStrobe configures pin as an output and starts the pulse worker. If
// the pin can't be configured the strobe runs against a no-op GPIO.
func NewStrobe(g GPIO, pin string, width time.Duration) *Strobe {
	return newStrobe(g, pin, width, time.Sleep)
}

func newStrobe(g GPIO, pin string, width time.Duration, sleep func(time.Duration)) *Strobe {
	if err := g.Setup(pin, Output); err != nil {
		reportUnavailable(err)
		g = Noop{}
	}
	if width <= 0 {
		width = DefaultPulseWidth
	}
	s := &Strobe{
		gpio:     g,
		pin:      pin,
		width:    width,
		sleep:    sleep,
		requests: make(chan struct{}, strobeQueueSize),
		limiter:  loglimiter.New(10 * time.Second),
	}
	s.t.Go(s.run)
	return s
}

// Pulse queues a pulse without blocking. If the worker has fallen too
// far behind the pulse is dropped and counted.
func (s *Strobe) Pulse() {
	select {
	case s.requests <- struct{}{}:
	default:
		atomic.AddUint64(&s.dropped, 1)
		s.limiter.Print("strobe pulse dropped: worker behind")
	}
}

func (s *Strobe) run() error {
	for {
		select {
		case <-s.t.Dying():
			return nil
		case <-s.requests:
			s.emit()
		}
	}
}

func (s *Strobe) emit() {
	if err := s.gpio.Output(s.pin, true); err != nil {
		s.limiter.Printf("strobe output failed: %v", err)
		return
	}
	s.sleep(s.width)
	if err := s.gpio.Output(s.pin, false); err != nil {
		s.limiter.Printf("strobe output failed: %v", err)
	}
	atomic.AddUint64(&s.count, 1)
}

// Count returns the number of pulses emitted so far.
func (s *Strobe) Count() uint64 {
	return atomic.LoadUint64(&s.count)
}

// Dropped returns the number of pulses that could not be queued.
func (s *Strobe) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Close stops the worker after any pulse in progress completes. The pin
// is left low.
func (s *Strobe) Close() error {
	s.t.Kill(nil)
	return s.t.Wait()
}

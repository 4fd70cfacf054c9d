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

package loglimiter

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// New returns a new LogLimiter with the configured minimum log interval.
func New(interval time.Duration) *LogLimiter {
	return &LogLimiter{
		interval: interval,
		nowFunc:  time.Now,
		output:   log.Print,
	}
}

// LogLimiter will suppress log messages if the same log message is
// seen within some time interval. When a suppressed message is next let
// through, the number of copies that were dropped is appended to it.
//
// A LogLimiter is safe for use from multiple goroutines, which matters
// for diagnostics raised from camera frame callbacks.
type LogLimiter struct {
	interval time.Duration
	nowFunc  func() time.Time
	output   func(v ...interface{})

	mu            sync.Mutex
	previousEntry string
	previousTime  time.Time
	suppressed    int
}

func (limiter *LogLimiter) Printf(format string, v ...interface{}) {
	limiter.Print(fmt.Sprintf(format, v...))
}

func (limiter *LogLimiter) Print(s string) {
	limiter.mu.Lock()
	now := limiter.nowFunc()
	if now.Sub(limiter.previousTime) < limiter.interval && s == limiter.previousEntry {
		limiter.suppressed++
		limiter.mu.Unlock()
		return
	}

	msg := s
	if s == limiter.previousEntry && limiter.suppressed > 0 {
		msg = fmt.Sprintf("%s (%d similar messages suppressed)", s, limiter.suppressed)
	}
	limiter.previousTime = now
	limiter.previousEntry = s
	limiter.suppressed = 0
	limiter.mu.Unlock()

	limiter.output(msg)
}

// Suppressed returns how many copies of the last message have been
// dropped since it was last logged.
func (limiter *LogLimiter) Suppressed() int {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	return limiter.suppressed
}

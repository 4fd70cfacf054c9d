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
	"log"
	"time"

	"gopkg.in/tomb.v2"
)

// startWatchdogLocked starts polling for the trigger timeout. mu must be
// held.
func (c *Controller) startWatchdogLocked() {
	t := new(tomb.Tomb)
	c.watchdog = t
	t.Go(func() error {
		ticker := time.NewTicker(c.conf.WatchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-t.Dying():
				return nil
			case <-ticker.C:
				if finish := c.checkTriggerTimeout(t); finish != nil {
					finish()
					return nil
				}
			}
		}
	})
}

// checkTriggerTimeout begins a stop if no trigger has arrived within the
// timeout, measured on the camera clock.
func (c *Controller) checkTriggerTimeout(t *tomb.Tomb) func() {
	c.mu.Lock()
	defer c.unlock()
	if c.watchdog != t || c.state != Recording {
		return nil
	}
	elapsed := c.camera.CurrentClock() - c.lastTrigger
	if elapsed <= int64(c.conf.TriggerTimeout/time.Microsecond) {
		return nil
	}
	log.Printf("no trigger for %v, stopping recording", time.Duration(elapsed)*time.Microsecond)
	return c.beginStopLocked()
}

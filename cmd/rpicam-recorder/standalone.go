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

package main

import (
	"context"
	"log"
	"time"

	"github.com/TheCacophonyProject/rpicam-recorder/recorder"
)

const standalonePoll = 100 * time.Millisecond

type standaloneController interface {
	StartRecording(req recorder.StartRequest) (string, error)
	StopRecording()
	Session() *recorder.Session
}

// runStandalone records once without a remote client. The recording
// stops when ctx is done or timeout elapses. With waitForEnd it also
// returns once the recording has ended on its own.
func runStandalone(ctx context.Context, ctrl standaloneController, timeout time.Duration, waitForEnd bool) error {
	path, err := ctrl.StartRecording(recorder.DefaultStartRequest())
	if err != nil {
		return err
	}
	log.Printf("standalone recording to %s", path)
	defer ctrl.StopRecording()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(standalonePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline:
			log.Printf("standalone timeout of %s reached", timeout)
			return nil
		case <-ticker.C:
			if waitForEnd && ctrl.Session() == nil {
				log.Print("recording ended")
				return nil
			}
		}
	}
}

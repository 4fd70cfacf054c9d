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
	"encoding/json"
	"log"
	"time"

	"github.com/godbus/dbus"

	"github.com/TheCacophonyProject/rpicam-recorder/recorder"
)

// eventListener uses the event api to record when recordings start and
// stop. State changes are only logged.
type eventListener struct {
	queue func(details []byte, ts time.Time) error
}

func newEventListener() *eventListener {
	return &eventListener{queue: queueEvent}
}

func (l *eventListener) StateChanged(from, to recorder.State) {
	log.Printf("state: %s -> %s", from, to)
}

func (l *eventListener) RecordingStarted(s recorder.Session) {
	l.record("rpicamRecordingStarted", s, map[string]interface{}{})
}

func (l *eventListener) RecordingStopped(s recorder.Session, stats recorder.Stats) {
	l.record("rpicamRecordingStopped", s, map[string]interface{}{
		"frames":    stats.Frames,
		"pulses":    stats.Pulses,
		"triggers":  stats.Triggers,
		"seconds":   stats.Duration.Seconds(),
		"framerate": stats.Framerate(),
		"degraded":  stats.Degraded,
	})
}

func (l *eventListener) record(eventType string, s recorder.Session, details map[string]interface{}) {
	details["id"] = s.ID
	details["path"] = s.RecPath
	details["syncMode"] = string(s.SyncMode)
	details["experiment"] = s.Experiment
	details["recording"] = s.Recording
	eventDetails := map[string]interface{}{
		"description": map[string]interface{}{
			"type":    eventType,
			"details": details,
		},
	}
	detailsJSON, err := json.Marshal(&eventDetails)
	if err != nil {
		log.Printf("Could not record %s event: %s", eventType, err)
		return
	}
	if err := l.queue(detailsJSON, time.Now()); err != nil {
		log.Printf("Could not record %s event: %s", eventType, err)
	}
}

func queueEvent(details []byte, ts time.Time) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	obj := conn.Object("org.cacophony.Events", "/org/cacophony/Events")
	return obj.Call("org.cacophony.Events.Queue", 0, details, ts.UnixNano()).Err
}

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

package command

import (
	"log"

	"github.com/TheCacophonyProject/rpicam-recorder/recorder"
)

const (
	ReplyStopped    = "Stopped"
	ReplyClosing    = "Closing"
	ReplyDone       = "Done"
	ReplyRejected   = "Rejected"
	ReplyNotHandled = "Not handled"
)

// Controller is the part of the recording controller the protocol drives.
type Controller interface {
	StartRecording(req recorder.StartRequest) (string, error)
	StopRecording()
	Close() error
	SetResolution(width, height int) error
	SetFramerate(fps float64) (float64, error)
	ResetGains() error
	SetVFlip(on bool) error
	SetHFlip(on bool) error
	SetZoom(zoom [4]float64) error
}

// Handle parses and executes one request line and returns the reply.
// Parameter commands reply Done only when the change was applied and
// Rejected otherwise. A failed Start replies with an empty path.
func Handle(ctrl Controller, line string) string {
	req, err := ParseRequest(line)
	if err == ErrUnknownCommand {
		log.Printf("command not handled: %q", line)
		return ReplyNotHandled
	}
	if err != nil {
		log.Printf("invalid command: %v", err)
		if req.Command == Start {
			return ""
		}
		return ReplyRejected
	}

	switch req.Command {
	case Start:
		path, err := ctrl.StartRecording(req.Start)
		if err != nil {
			log.Printf("failed to start recording: %v", err)
			return ""
		}
		return path
	case Stop:
		log.Print("stopping recording")
		ctrl.StopRecording()
		return ReplyStopped
	case Close:
		log.Print("closing camera")
		if err := ctrl.Close(); err != nil {
			log.Printf("error closing camera: %v", err)
		}
		return ReplyClosing
	case Resolution:
		log.Printf("setting resolution to %dx%d", req.Width, req.Height)
		return applied(ctrl.SetResolution(req.Width, req.Height))
	case Framerate:
		log.Printf("setting framerate to %v Hz", req.Framerate)
		_, err := ctrl.SetFramerate(req.Framerate)
		return applied(err)
	case ResetGains:
		log.Print("resetting camera gains")
		return applied(ctrl.ResetGains())
	case VFlip:
		log.Printf("setting vflip to %v", req.Flag)
		return applied(ctrl.SetVFlip(req.Flag))
	case HFlip:
		log.Printf("setting hflip to %v", req.Flag)
		return applied(ctrl.SetHFlip(req.Flag))
	case Zoom:
		log.Printf("setting zoom to %v", req.Zoom)
		return applied(ctrl.SetZoom(req.Zoom))
	}
	return ReplyNotHandled
}

func applied(err error) string {
	if err != nil {
		log.Printf("rejected: %v", err)
		return ReplyRejected
	}
	return ReplyDone
}

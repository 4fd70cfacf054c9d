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

// Package command serves the remote control protocol: one request per
// line, space separated tokens, and exactly one reply line per request.
package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/TheCacophonyProject/rpicam-recorder/recorder"
)

const (
	Start      = "Start"
	Stop       = "Stop"
	Close      = "Close"
	Resolution = "Resolution"
	Framerate  = "Framerate"
	ResetGains = "ResetGains"
	VFlip      = "VFlip"
	HFlip      = "HFlip"
	Zoom       = "Zoom"
)

var ErrUnknownCommand = errors.New("unknown command")

// Request is a parsed command line. Only the fields relevant to Command
// are set.
type Request struct {
	Command   string
	Start     recorder.StartRequest
	Width     int
	Height    int
	Framerate float64
	Flag      bool
	Zoom      [4]float64
}

// ParseRequest parses one protocol line. Unknown commands return
// ErrUnknownCommand with Command set.
func ParseRequest(line string) (Request, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return Request{}, ErrUnknownCommand
	}
	req := Request{Command: parts[0]}
	args := parts[1:]

	var err error
	switch req.Command {
	case Start:
		req.Start, err = parseStart(args)
	case Stop, Close, ResetGains:
	case Resolution:
		if err = wantArgs(args, 2); err == nil {
			req.Width, req.Height, err = parseSize(args[0], args[1])
		}
	case Framerate:
		if err = wantArgs(args, 1); err == nil {
			req.Framerate, err = strconv.ParseFloat(args[0], 64)
		}
	case VFlip, HFlip:
		if err = wantArgs(args, 1); err == nil {
			req.Flag, err = parseFlag(args[0])
		}
	case Zoom:
		if err = wantArgs(args, 4); err == nil {
			for i := range req.Zoom {
				if req.Zoom[i], err = strconv.ParseFloat(args[i], 64); err != nil {
					break
				}
			}
		}
	default:
		return req, ErrUnknownCommand
	}
	if err != nil {
		return req, fmt.Errorf("%s: %v", req.Command, err)
	}
	return req, nil
}

func wantArgs(args []string, n int) error {
	if len(args) < n {
		return fmt.Errorf("expected %d arguments, got %d", n, len(args))
	}
	return nil
}

func parseFlag(s string) (bool, error) {
	switch s {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, fmt.Errorf("expected 0 or 1, got %q", s)
}

func parseSize(w, h string) (int, int, error) {
	width, err := strconv.Atoi(w)
	if err != nil {
		return 0, 0, err
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return 0, 0, err
	}
	return width, height, nil
}

// parseStart reads Name=value tokens. Unknown names are ignored.
func parseStart(args []string) (recorder.StartRequest, error) {
	req := recorder.DefaultStartRequest()
	for _, arg := range args {
		i := strings.IndexByte(arg, '=')
		if i < 0 {
			return req, fmt.Errorf("invalid argument %q", arg)
		}
		name, value := arg[:i], arg[i+1:]
		var err error
		switch name {
		case "Experiment":
			req.Experiment, err = strconv.Atoi(value)
		case "Recording":
			req.Recording, err = strconv.Atoi(value)
		case "Path":
			req.Path = value
		}
		if err != nil {
			return req, fmt.Errorf("%s: %v", name, err)
		}
	}
	return req, nil
}

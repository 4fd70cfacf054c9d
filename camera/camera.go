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

// Package camera describes the capture and encoding pipeline the
// recorder drives. The pipeline itself lives outside this repository;
// only the calls the recording controller makes are modelled here.
package camera

import (
	"errors"
	"fmt"
)

var (
	ErrNotRecording     = errors.New("camera is not recording")
	ErrAlreadyRecording = errors.New("camera is already recording")
	ErrClosed           = errors.New("camera closed")
)

// FrameCallback is called by the encoder once per output buffer, in
// camera clock order. pts is the presentation timestamp in
// microseconds, or -1 when the encoder could not supply one.
type FrameCallback func(pts int64, isConfig, isFrameEnd bool)

// Gains are the white balance and exposure values read back from the
// sensor when auto mode is switched off.
type Gains struct {
	Red           float64
	Blue          float64
	ExposureSpeed int
}

func (g Gains) String() string {
	return fmt.Sprintf("awb=(%.3f, %.3f) exposure=%dus", g.Red, g.Blue, g.ExposureSpeed)
}

// Settings holds the capture parameters that can be changed while not
// recording.
type Settings struct {
	Width     int        `yaml:"width"`
	Height    int        `yaml:"height"`
	Framerate float64    `yaml:"framerate"`
	Quality   int        `yaml:"quality"`
	VFlip     bool       `yaml:"vflip"`
	HFlip     bool       `yaml:"hflip"`
	Zoom      [4]float64 `yaml:"zoom"`
}

func DefaultSettings() Settings {
	return Settings{
		Width:     640,
		Height:    480,
		Framerate: 30,
		Quality:   23,
		Zoom:      [4]float64{0, 0, 1, 1},
	}
}

// Validate checks that settings could be handed to the encoder.
func (s Settings) Validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("invalid resolution %dx%d", s.Width, s.Height)
	}
	if s.Framerate <= 0 {
		return fmt.Errorf("invalid framerate %v", s.Framerate)
	}
	if s.Quality < 1 || s.Quality > 40 {
		return fmt.Errorf("quality must be between 1 and 40, got %d", s.Quality)
	}
	if !ValidZoom(s.Zoom) {
		return fmt.Errorf("invalid zoom %v", s.Zoom)
	}
	return nil
}

// ValidZoom reports whether z = (left, bottom, right, top) describes a
// non-empty region in normalised sensor coordinates.
func ValidZoom(z [4]float64) bool {
	for _, v := range z {
		if v < 0 || v > 1 {
			return false
		}
	}
	return z[0] < z[2] && z[1] < z[3]
}

// Camera is the capture/encoder capability. Implementations call the
// registered FrameCallback from their own goroutine. StopRecording must
// not return until the last callback for the recording has returned.
type Camera interface {
	StartPreview() error
	StopPreview() error

	StartRecording(output, format string, quality int) error
	StopRecording() error

	// CurrentClock returns the camera clock in microseconds.
	CurrentClock() int64
	SetFrameCallback(cb FrameCallback)

	LockGains() (Gains, error)
	ResetGains() error

	SetResolution(width, height int) error
	// SetFramerate returns the framerate the sensor actually applied.
	SetFramerate(fps float64) (float64, error)
	SetVFlip(on bool) error
	SetHFlip(on bool) error
	SetZoom(zoom [4]float64) error
	Settings() Settings

	Close() error
}

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
	"errors"
	"fmt"
	"time"

	"github.com/TheCacophonyProject/rpicam-recorder/camera"
)

type SyncMode string

const (
	// Strobe emits a pulse for every encoded frame.
	Strobe SyncMode = "strobe"
	// Trigger records (and optionally is gated by) external pulses.
	Trigger SyncMode = "trigger"
)

var ErrInvalidSyncMode = errors.New("sync-mode must be strobe or trigger")

type RecorderConfig struct {
	OutputDir        string          `yaml:"output-dir"`
	Name             string          `yaml:"name"`
	SyncMode         SyncMode        `yaml:"sync-mode"`
	Pin              string          `yaml:"pin"`
	PulseWidth       time.Duration   `yaml:"pulse-width"`
	TriggerDebounce  time.Duration   `yaml:"trigger-debounce"`
	WaitForTrigger   bool            `yaml:"wait-for-trigger"`
	TriggerTimeout   time.Duration   `yaml:"trigger-timeout"`
	WatchdogInterval time.Duration   `yaml:"watchdog-interval"`
	Warmup           time.Duration   `yaml:"warmup"`
	FixGains         bool            `yaml:"fix-gains"`
	StopGrace        time.Duration   `yaml:"stop-grace"`
	Camera           camera.Settings `yaml:"camera"`
}

func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		OutputDir:        "/home/pi/RPiCameraVideos",
		Name:             "rpicamera_video",
		SyncMode:         Strobe,
		Pin:              "GPIO17",
		PulseWidth:       time.Millisecond,
		TriggerDebounce:  time.Millisecond,
		TriggerTimeout:   time.Second,
		WatchdogInterval: 100 * time.Millisecond,
		Warmup:           2 * time.Second,
		FixGains:         true,
		StopGrace:        100 * time.Millisecond,
		Camera:           camera.DefaultSettings(),
	}
}

func (conf *RecorderConfig) Validate() error {
	if conf.SyncMode != Strobe && conf.SyncMode != Trigger {
		return fmt.Errorf("%v, got %q", ErrInvalidSyncMode, conf.SyncMode)
	}
	if conf.OutputDir == "" {
		return errors.New("output-dir must be set")
	}
	if conf.Name == "" {
		return errors.New("name must be set")
	}
	if conf.Pin == "" {
		return errors.New("pin must be set")
	}
	if conf.PulseWidth <= 0 {
		return errors.New("pulse-width must be positive")
	}
	if conf.TriggerDebounce < 0 || conf.Warmup < 0 || conf.StopGrace < 0 {
		return errors.New("durations can't be negative")
	}
	if conf.SyncMode == Trigger && conf.WaitForTrigger {
		if conf.TriggerTimeout <= 0 {
			return errors.New("trigger-timeout must be positive")
		}
		if conf.WatchdogInterval <= 0 {
			return errors.New("watchdog-interval must be positive")
		}
	}
	return conf.Camera.Validate()
}

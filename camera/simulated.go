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

package camera

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"gopkg.in/tomb.v2"
)

const (
	minFramerate = 1
	maxFramerate = 90
)

// Simulated is a Camera that produces frame callbacks from a ticker
// instead of real sensor output. Its clock counts microseconds since it
// was created. It writes an empty video file so that recordings made on
// a bench rig have the same layout as real ones.
type Simulated struct {
	mu          sync.Mutex
	settings    Settings
	epoch       time.Time
	nowFunc     func() time.Time
	callback    FrameCallback
	previewing  bool
	gainsLocked bool
	closed      bool
	output      *os.File
	tomb        *tomb.Tomb
	frames      int
}

func NewSimulated(settings Settings) *Simulated {
	return &Simulated{
		settings: settings,
		epoch:    time.Now(),
		nowFunc:  time.Now,
		callback: func(int64, bool, bool) {},
	}
}

func (c *Simulated) CurrentClock() int64 {
	return int64(c.nowFunc().Sub(c.epoch) / time.Microsecond)
}

func (c *Simulated) SetFrameCallback(cb FrameCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb == nil {
		cb = func(int64, bool, bool) {}
	}
	c.callback = cb
}

func (c *Simulated) StartPreview() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.previewing = true
	return nil
}

func (c *Simulated) StopPreview() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.previewing = false
	return nil
}

func (c *Simulated) Previewing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previewing
}

func (c *Simulated) StartRecording(output, format string, quality int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.tomb != nil {
		return ErrAlreadyRecording
	}
	if format != "h264" {
		return fmt.Errorf("unsupported format %q", format)
	}
	f, err := os.Create(output)
	if err != nil {
		return err
	}
	c.output = f
	c.frames = 0

	interval := time.Duration(float64(time.Second) / c.settings.Framerate)
	t := new(tomb.Tomb)
	c.tomb = t
	t.Go(func() error {
		// The encoder emits its SPS/PPS header before any frames.
		c.emit(false)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.Dying():
				return nil
			case <-ticker.C:
				c.emit(true)
			}
		}
	})
	return nil
}

func (c *Simulated) emit(frameEnd bool) {
	c.mu.Lock()
	cb := c.callback
	if frameEnd {
		c.frames++
	}
	c.mu.Unlock()
	cb(c.CurrentClock(), !frameEnd, frameEnd)
}

func (c *Simulated) StopRecording() error {
	c.mu.Lock()
	t := c.tomb
	if t == nil {
		c.mu.Unlock()
		return ErrNotRecording
	}
	c.tomb = nil
	c.mu.Unlock()

	t.Kill(nil)
	err := t.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if cerr := c.output.Close(); err == nil {
		err = cerr
	}
	c.output = nil
	return err
}

// Frames returns the number of frames produced by the last recording.
func (c *Simulated) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

func (c *Simulated) LockGains() (Gains, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.previewing {
		return Gains{}, errors.New("gains can only be locked while previewing")
	}
	c.gainsLocked = true
	return Gains{Red: 1.5, Blue: 1.2, ExposureSpeed: int(1e6 / c.settings.Framerate)}, nil
}

func (c *Simulated) ResetGains() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gainsLocked = false
	return nil
}

func (c *Simulated) GainsLocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gainsLocked
}

func (c *Simulated) SetResolution(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid resolution %dx%d", width, height)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tomb != nil {
		return ErrAlreadyRecording
	}
	c.settings.Width = width
	c.settings.Height = height
	return nil
}

// SetFramerate clamps the requested rate to what the sensor supports,
// rounding to the nearest 1/256 fps as the firmware does.
func (c *Simulated) SetFramerate(fps float64) (float64, error) {
	if fps <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		return 0, fmt.Errorf("invalid framerate %v", fps)
	}
	applied := math.Max(minFramerate, math.Min(maxFramerate, fps))
	applied = math.Round(applied*256) / 256
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tomb != nil {
		return c.settings.Framerate, ErrAlreadyRecording
	}
	c.settings.Framerate = applied
	return applied, nil
}

func (c *Simulated) SetVFlip(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.VFlip = on
	return nil
}

func (c *Simulated) SetHFlip(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.HFlip = on
	return nil
}

func (c *Simulated) SetZoom(zoom [4]float64) error {
	if !ValidZoom(zoom) {
		return fmt.Errorf("invalid zoom %v", zoom)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.Zoom = zoom
	return nil
}

func (c *Simulated) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

func (c *Simulated) Close() error {
	c.mu.Lock()
	recording := c.tomb != nil
	c.mu.Unlock()
	if recording {
		if err := c.StopRecording(); err != nil && err != ErrNotRecording {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.previewing = false
	c.closed = true
	return nil
}

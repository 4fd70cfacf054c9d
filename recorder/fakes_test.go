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
	"sync"

	"github.com/TheCacophonyProject/rpicam-recorder/camera"
	"github.com/TheCacophonyProject/rpicam-recorder/pulse"
)

type fakeCamera struct {
	mu          sync.Mutex
	clock       int64
	cb          camera.FrameCallback
	settings    camera.Settings
	starts      int
	recording   bool
	startErr    error
	previewing  bool
	gainsLocked bool
	closed      bool
	outputs     []string
}

func newFakeCamera() *fakeCamera {
	return &fakeCamera{
		settings: camera.DefaultSettings(),
		cb:       func(int64, bool, bool) {},
	}
}

func (c *fakeCamera) StartPreview() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.previewing = true
	return nil
}

func (c *fakeCamera) StopPreview() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.previewing = false
	return nil
}

func (c *fakeCamera) StartRecording(output, format string, quality int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	if c.recording {
		return camera.ErrAlreadyRecording
	}
	c.starts++
	c.recording = true
	c.outputs = append(c.outputs, output)
	return nil
}

func (c *fakeCamera) StopRecording() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		return camera.ErrNotRecording
	}
	c.recording = false
	return nil
}

func (c *fakeCamera) CurrentClock() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock
}

func (c *fakeCamera) setClock(v int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = v
}

func (c *fakeCamera) SetFrameCallback(cb camera.FrameCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

// frame delivers an encoded frame as the encoder would.
func (c *fakeCamera) frame(pts int64) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	cb(pts, false, true)
}

func (c *fakeCamera) configBuffer() {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	cb(-1, true, false)
}

func (c *fakeCamera) LockGains() (camera.Gains, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gainsLocked = true
	return camera.Gains{Red: 1, Blue: 1, ExposureSpeed: 10000}, nil
}

func (c *fakeCamera) ResetGains() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gainsLocked = false
	return nil
}

func (c *fakeCamera) SetResolution(width, height int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.Width = width
	c.settings.Height = height
	return nil
}

func (c *fakeCamera) SetFramerate(fps float64) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fps > 90 {
		fps = 90
	}
	c.settings.Framerate = fps
	return fps, nil
}

func (c *fakeCamera) SetVFlip(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.VFlip = on
	return nil
}

func (c *fakeCamera) SetHFlip(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.HFlip = on
	return nil
}

func (c *fakeCamera) SetZoom(zoom [4]float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.Zoom = zoom
	return nil
}

func (c *fakeCamera) Settings() camera.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

func (c *fakeCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeCamera) startCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

func (c *fakeCamera) isRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

type fakeGPIO struct {
	mu        sync.Mutex
	levels    []bool
	callbacks map[string]func()
	cleaned   bool
}

func newFakeGPIO() *fakeGPIO {
	return &fakeGPIO{callbacks: make(map[string]func())}
}

func (g *fakeGPIO) Setup(string, pulse.Mode) error { return nil }

func (g *fakeGPIO) Output(pin string, level bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.levels = append(g.levels, level)
	return nil
}

func (g *fakeGPIO) AddEdgeCallback(pin string, edge pulse.Edge, cb func()) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callbacks[pin] = cb
	return nil
}

func (g *fakeGPIO) RemoveEdgeCallback(pin string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.callbacks, pin)
	return nil
}

func (g *fakeGPIO) Cleanup() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleaned = true
	return nil
}

func (g *fakeGPIO) fire(pin string) {
	g.mu.Lock()
	cb := g.callbacks[pin]
	g.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (g *fakeGPIO) armed(pin string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.callbacks[pin] != nil
}

func (g *fakeGPIO) pulses() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, l := range g.levels {
		if l {
			n++
		}
	}
	return n
}

func (g *fakeGPIO) isCleaned() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cleaned
}

type listenerEvent struct {
	kind string
	from State
	to   State
}

type testListener struct {
	mu     sync.Mutex
	events []listenerEvent
	stats  []Stats
}

func (l *testListener) StateChanged(from, to State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, listenerEvent{"state", from, to})
}

func (l *testListener) RecordingStarted(s Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, listenerEvent{kind: "started"})
}

func (l *testListener) RecordingStopped(s Session, stats Stats) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, listenerEvent{kind: "stopped"})
	l.stats = append(l.stats, stats)
}

func (l *testListener) kinds() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var kinds []string
	for _, e := range l.events {
		if e.kind != "state" {
			kinds = append(kinds, e.kind)
		} else {
			kinds = append(kinds, e.from.String()+">"+e.to.String())
		}
	}
	return kinds
}

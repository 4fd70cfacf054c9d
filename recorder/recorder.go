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

// Package recorder implements the recording state machine. Commands,
// trigger edges and the trigger watchdog all drive the same Controller
// and are serialised by a single lock.
package recorder

import (
	"errors"
	"log"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/TheCacophonyProject/rpicam-recorder/camera"
	"github.com/TheCacophonyProject/rpicam-recorder/pulse"
	"github.com/TheCacophonyProject/rpicam-recorder/timestamps"
)

const videoFormat = "h264"

var (
	ErrRecording   = errors.New("camera parameters can't be changed while recording")
	ErrInvalidZoom = errors.New("zoom coordinates must be within [0, 1]")
	ErrClosed      = errors.New("recorder closed")
)

// Listener is told about recording lifecycle changes. Calls are made
// without the controller lock held.
type Listener interface {
	StateChanged(from, to State)
	RecordingStarted(s Session)
	RecordingStopped(s Session, stats Stats)
}

// Stats summarises a finished recording.
type Stats struct {
	Frames        uint64
	Pulses        uint64
	DroppedPulses uint64
	Triggers      uint64
	Duration      time.Duration
	Degraded      bool
}

// Framerate is the effective frame rate over the recording.
func (s Stats) Framerate() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.Frames) / s.Duration.Seconds()
}

type Controller struct {
	conf     RecorderConfig
	camera   camera.Camera
	gpio     pulse.GPIO
	strobe   *pulse.Strobe
	trigger  *pulse.TriggerListener
	listener Listener
	sink     *frameSink
	sleep    func(time.Duration)
	nowFunc  func() time.Time

	mu          sync.Mutex
	cond        *sync.Cond
	state       State
	previewing  bool
	closing     bool
	session     *Session
	store       *timestamps.Store
	lastTrigger int64
	triggers    uint64
	pulseBase   uint64
	dropBase    uint64
	watchdog    *tomb.Tomb
	stats       Stats
	pending     []func(Listener)
}

// New returns a Controller that owns cam and the configured pin of g
// until Close. listener may be nil.
func New(conf RecorderConfig, cam camera.Camera, g pulse.GPIO, listener Listener) (*Controller, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		conf:     conf,
		camera:   cam,
		gpio:     g,
		listener: listener,
		sink:     new(frameSink),
		sleep:    time.Sleep,
		nowFunc:  time.Now,
	}
	c.cond = sync.NewCond(&c.mu)

	switch conf.SyncMode {
	case Strobe:
		c.strobe = pulse.NewStrobe(g, conf.Pin, conf.PulseWidth)
	case Trigger:
		c.trigger = pulse.NewTriggerListener(g, conf.Pin, conf.TriggerDebounce, cam.CurrentClock)
	}
	cam.SetFrameCallback(c.onFrame)
	return c, nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Previewing reports whether the preview stream is running.
func (c *Controller) Previewing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previewing
}

// Session returns a copy of the active session, or nil.
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// Stats returns the statistics of the last completed recording.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// StartPreview opens the preview stream and, after the warm-up delay,
// locks white balance and exposure at their current values.
func (c *Controller) StartPreview() error {
	c.mu.Lock()
	if c.state == Closed || c.closing {
		c.unlock()
		return ErrClosed
	}
	if c.state != Idle || c.previewing {
		c.unlock()
		return nil
	}
	if err := c.camera.ResetGains(); err != nil {
		log.Printf("failed to restore automatic gains: %v", err)
	}
	if err := c.camera.StartPreview(); err != nil {
		c.unlock()
		return err
	}
	c.previewing = true
	c.setState(Previewing)
	c.unlock()

	log.Printf("warming up camera for %v", c.conf.Warmup)
	c.sleep(c.conf.Warmup)
	if !c.conf.FixGains {
		return nil
	}

	c.mu.Lock()
	defer c.unlock()
	if c.state != Previewing {
		log.Printf("not locking gains, recorder is %s", c.state)
		return nil
	}
	gains, err := c.camera.LockGains()
	if err != nil {
		return err
	}
	log.Printf("locked camera gains: %s", gains)
	return nil
}

// ResetGains restarts the preview so that gains are measured again.
func (c *Controller) ResetGains() error {
	c.mu.Lock()
	if err := c.checkCanChange(); err != nil {
		c.unlock()
		return err
	}
	wasPreviewing := c.previewing
	if wasPreviewing {
		if err := c.camera.StopPreview(); err != nil {
			log.Printf("failed to stop preview: %v", err)
		}
		c.previewing = false
		c.setState(Idle)
	}
	err := c.camera.ResetGains()
	c.unlock()
	if err != nil {
		return err
	}
	if wasPreviewing {
		return c.StartPreview()
	}
	return nil
}

// checkCanChange must be called with mu held.
func (c *Controller) checkCanChange() error {
	switch {
	case c.state == Closed || c.closing:
		return ErrClosed
	case c.state.active() || c.state == Stopping:
		return ErrRecording
	}
	return nil
}

func (c *Controller) setParam(apply func() error) error {
	c.mu.Lock()
	defer c.unlock()
	if err := c.checkCanChange(); err != nil {
		return err
	}
	return apply()
}

func (c *Controller) SetResolution(width, height int) error {
	return c.setParam(func() error {
		return c.camera.SetResolution(width, height)
	})
}

// SetFramerate returns the framerate the camera applied, which may
// differ from the one requested.
func (c *Controller) SetFramerate(fps float64) (float64, error) {
	var applied float64
	err := c.setParam(func() error {
		var err error
		applied, err = c.camera.SetFramerate(fps)
		return err
	})
	if err != nil {
		return 0, err
	}
	if applied != fps {
		log.Printf("camera changed framerate from %v to %v", fps, applied)
	}
	return applied, nil
}

func (c *Controller) SetVFlip(on bool) error {
	return c.setParam(func() error { return c.camera.SetVFlip(on) })
}

func (c *Controller) SetHFlip(on bool) error {
	return c.setParam(func() error { return c.camera.SetHFlip(on) })
}

func (c *Controller) SetZoom(zoom [4]float64) error {
	if !camera.ValidZoom(zoom) {
		return ErrInvalidZoom
	}
	return c.setParam(func() error { return c.camera.SetZoom(zoom) })
}

// StartRecording opens a new session and returns its directory. If a
// session is already open its directory is returned unchanged. In
// trigger mode with wait-for-trigger set the camera is not started
// until the first trigger arrives.
func (c *Controller) StartRecording(req StartRequest) (string, error) {
	c.mu.Lock()
	path, abort, err := c.startLocked(req)
	c.unlock()
	if abort != nil {
		abort()
	}
	return path, err
}

// startLocked runs the whole Idle/Previewing to WaitingForTrigger or
// Recording transition under mu, including creating the session files,
// arming the trigger and starting the camera. A trigger, Stop or second
// Start can then never see a session that is only partly set up. The
// work held under mu is bounded: directory and small file creation, edge
// registration and encoder start. Teardown that waits on callbacks runs
// outside the lock.
func (c *Controller) startLocked(req StartRequest) (string, func(), error) {
	for c.state == Stopping {
		c.cond.Wait()
	}
	if c.state == Closed || c.closing {
		return "", nil, ErrClosed
	}
	if c.state.active() {
		return c.session.RecPath, nil, nil
	}

	settings := c.camera.Settings()
	settings.Quality = c.conf.Camera.Quality
	session := newSession(&c.conf, req, settings, c.nowFunc())
	if err := session.create(); err != nil {
		return "", nil, err
	}
	log.Printf("saving data to %s", session.RecPath)

	prev := c.state
	c.session = session
	c.store = timestamps.Open(session.FileBase, c.trigger != nil)
	c.triggers = 0
	c.lastTrigger = c.camera.CurrentClock()

	if c.trigger != nil {
		if err := c.trigger.Arm(c.onTrigger); err != nil {
			return "", c.abortLocked(prev), err
		}
		if c.conf.WaitForTrigger {
			log.Print("waiting for trigger")
			c.setState(WaitingForTrigger)
			return session.RecPath, nil, nil
		}
	}

	if err := c.startCameraLocked(); err != nil {
		return "", c.abortLocked(prev), err
	}
	return session.RecPath, nil, nil
}

// abortLocked rolls back a session whose camera never started. The
// controller stays in Stopping until the returned function, which must
// run without mu held, has released the trigger input.
func (c *Controller) abortLocked(prev State) func() {
	c.sink.detach()
	store := c.store
	c.store = nil
	c.session = nil
	c.setState(Stopping)
	return func() {
		if c.trigger != nil {
			if err := c.trigger.Disarm(); err != nil {
				log.Printf("failed to disarm trigger: %v", err)
			}
		}
		if err := store.Close(); err != nil {
			log.Print(err)
		}
		c.mu.Lock()
		c.setState(prev)
		c.cond.Broadcast()
		c.unlock()
	}
}

// startCameraLocked starts the encoder for the current session and moves
// to Recording. mu must be held.
func (c *Controller) startCameraLocked() error {
	s := c.session
	c.sink.attach(c.store)
	if c.strobe != nil {
		c.pulseBase = c.strobe.Count()
		c.dropBase = c.strobe.Dropped()
	}
	if err := c.camera.StartRecording(s.VideoPath, videoFormat, s.Settings.Quality); err != nil {
		c.sink.detach()
		return err
	}
	s.cameraStarted = true
	s.Started = c.nowFunc()
	log.Printf("recording started: %s", s.VideoPath)
	c.setState(Recording)
	session := *s
	c.notify(func(l Listener) { l.RecordingStarted(session) })
	return nil
}

func (c *Controller) onTrigger(ev pulse.TriggerEvent) {
	c.mu.Lock()
	defer c.unlock()

	switch c.state {
	case WaitingForTrigger:
		c.recordTriggerLocked(ev)
		if err := c.startCameraLocked(); err != nil {
			log.Printf("failed to start camera on trigger: %v", err)
			// Leave the session in a state StopRecording can unwind.
			c.setState(Recording)
			go c.StopRecording()
			return
		}
		c.startWatchdogLocked()
	case Recording:
		c.recordTriggerLocked(ev)
	}
}

func (c *Controller) recordTriggerLocked(ev pulse.TriggerEvent) {
	c.lastTrigger = ev.CameraClock
	c.triggers++
	if err := c.store.RecordTrigger(ev.CameraClock); err != nil && err != timestamps.ErrDegraded {
		log.Printf("trigger %d not saved: %v", ev.Sequence, err)
	}
}

func (c *Controller) onFrame(pts int64, isConfig, isFrameEnd bool) {
	if isConfig || !isFrameEnd {
		return
	}
	external := c.camera.CurrentClock()
	if !c.sink.record(pts, external) {
		return
	}
	if c.strobe != nil {
		c.strobe.Pulse()
	}
}

// StopRecording closes the active session. It is a no-op when nothing
// is recording.
func (c *Controller) StopRecording() {
	c.mu.Lock()
	finish := c.beginStopLocked()
	c.unlock()
	finish()
}

// beginStopLocked moves an active session to Stopping and returns the
// function that completes the stop without mu held.
func (c *Controller) beginStopLocked() func() {
	if !c.state.active() {
		return func() {}
	}
	c.setState(Stopping)
	if c.watchdog != nil {
		c.watchdog.Kill(nil)
	}
	session, store, triggers := c.session, c.store, c.triggers

	return func() {
		if c.trigger != nil {
			if err := c.trigger.Disarm(); err != nil {
				log.Printf("failed to disarm trigger: %v", err)
			}
		}
		if session.cameraStarted {
			if err := c.camera.StopRecording(); err != nil {
				log.Printf("stopping camera: %v", err)
			}
		}
		// Let any frame callback already in flight land in the log.
		c.sleep(c.conf.StopGrace)
		frames := c.sink.detach()
		degraded := store.Degraded()
		if err := store.Close(); err != nil {
			log.Print(err)
			degraded = true
		}

		stats := Stats{Frames: frames, Triggers: triggers, Degraded: degraded}
		if session.cameraStarted {
			stats.Duration = c.nowFunc().Sub(session.Started)
		}
		if c.strobe != nil {
			stats.Pulses = c.strobe.Count() - c.pulseBase
			stats.DroppedPulses = c.strobe.Dropped() - c.dropBase
		}
		log.Printf("recording stopped: %d frames, %d pulses (%d dropped), %d triggers, %.2f fps",
			stats.Frames, stats.Pulses, stats.DroppedPulses, stats.Triggers, stats.Framerate())

		c.mu.Lock()
		c.session = nil
		c.store = nil
		c.watchdog = nil
		c.stats = stats
		c.setState(Idle)
		c.notify(func(l Listener) { l.RecordingStopped(*session, stats) })
		c.cond.Broadcast()
		c.unlock()
	}
}

// Close stops any recording, releases the pin and closes the camera.
// The controller can't be used afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	for c.state == Stopping {
		c.cond.Wait()
	}
	if c.state == Closed || c.closing {
		c.unlock()
		return nil
	}
	c.closing = true
	finish := c.beginStopLocked()
	watchdog := c.watchdog
	c.unlock()

	finish()
	if watchdog != nil {
		watchdog.Wait()
	}

	c.mu.Lock()
	previewing := c.previewing
	c.previewing = false
	c.setState(Closed)
	c.cond.Broadcast()
	c.unlock()

	if c.strobe != nil {
		if err := c.strobe.Close(); err != nil {
			log.Printf("closing strobe: %v", err)
		}
	}
	if err := c.gpio.Cleanup(); err != nil {
		log.Printf("releasing GPIO: %v", err)
	}
	if previewing {
		if err := c.camera.StopPreview(); err != nil {
			log.Printf("stopping preview: %v", err)
		}
	}
	return c.camera.Close()
}

// setState must be called with mu held.
func (c *Controller) setState(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.notify(func(l Listener) { l.StateChanged(from, to) })
}

func (c *Controller) notify(f func(Listener)) {
	if c.listener != nil {
		c.pending = append(c.pending, f)
	}
}

// unlock releases mu and then delivers queued listener calls.
func (c *Controller) unlock() {
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, f := range pending {
		f(c.listener)
	}
}

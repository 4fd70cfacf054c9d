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
	"encoding/json"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCacophonyProject/rpicam-recorder/timestamps"
)

const testPin = "GPIO17"

type testRig struct {
	c        *Controller
	cam      *fakeCamera
	gpio     *fakeGPIO
	listener *testListener
	dir      string
}

func newTestRig(t *testing.T, configure func(*RecorderConfig)) (*testRig, func()) {
	dir, err := ioutil.TempDir("", "recorder")
	require.NoError(t, err)

	conf := DefaultRecorderConfig()
	conf.OutputDir = dir
	conf.Pin = testPin
	conf.TriggerDebounce = 0
	conf.WatchdogInterval = 5 * time.Millisecond
	if configure != nil {
		configure(&conf)
	}

	rig := &testRig{
		cam:      newFakeCamera(),
		gpio:     newFakeGPIO(),
		listener: new(testListener),
		dir:      dir,
	}
	rig.c, err = New(conf, rig.cam, rig.gpio, rig.listener)
	require.NoError(t, err)
	rig.c.sleep = func(time.Duration) {}
	rig.c.nowFunc = func() time.Time { return time.Date(2020, 3, 4, 5, 6, 7, 0, time.UTC) }

	return rig, func() {
		rig.c.Close()
		os.RemoveAll(dir)
	}
}

func triggerMode(wait bool) func(*RecorderConfig) {
	return func(conf *RecorderConfig) {
		conf.SyncMode = Trigger
		conf.WaitForTrigger = wait
	}
}

func readLines(t *testing.T, path string) []string {
	b, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(b)), "\n")
}

func TestStrobeRecording(t *testing.T) {
	rig, cleanup := newTestRig(t, nil)
	defer cleanup()

	path, err := rig.c.StartRecording(StartRequest{Experiment: 2, Recording: 3, Path: "/data/2020-03-04_10-00-00"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(rig.dir, "2020-03-04_10-00-00_experiment_2_recording_3"), path)
	assert.Equal(t, Recording, rig.c.State())
	assert.Equal(t, 1, rig.cam.startCount())

	rig.cam.configBuffer()
	rig.cam.setClock(33400)
	rig.cam.frame(33000)
	rig.cam.setClock(66800)
	rig.cam.frame(timestamps.InvalidPTS)
	rig.cam.setClock(100200)
	rig.cam.frame(100000)

	assert.Eventually(t, func() bool { return rig.gpio.pulses() == 3 }, time.Second, time.Millisecond)

	rig.c.StopRecording()
	assert.Equal(t, Idle, rig.c.State())
	assert.False(t, rig.cam.isRecording())
	assert.Nil(t, rig.c.Session())

	base := filepath.Join(path, "rpicamera_video")
	assert.Equal(t, []string{
		timestamps.FrameHeader,
		"33000,33400",
		"-1,66800",
		"100000,100200",
	}, readLines(t, base+"_timestamps.csv"))

	stats := rig.c.Stats()
	assert.Equal(t, uint64(3), stats.Frames)
	assert.False(t, stats.Degraded)

	// Frames after the stop are not logged.
	rig.cam.frame(133000)
	assert.Len(t, readLines(t, base+"_timestamps.csv"), 4)
}

func TestParamsFile(t *testing.T) {
	rig, cleanup := newTestRig(t, nil)
	defer cleanup()

	path, err := rig.c.StartRecording(StartRequest{Experiment: 1, Recording: 4, Path: "session"})
	require.NoError(t, err)

	buf, err := ioutil.ReadFile(filepath.Join(path, "rpicamera_video_params.json"))
	require.NoError(t, err)
	var params Params
	require.NoError(t, json.Unmarshal(buf, &params))
	assert.Equal(t, Params{
		Experiment: 1,
		Framerate:  30,
		Height:     480,
		RecPath:    path,
		Recording:  4,
		VideoPath:  filepath.Join(path, "rpicamera_video.h264"),
		Width:      640,
	}, params)
	assert.True(t, strings.HasPrefix(string(buf), "{\n    \"experiment\": 1,"))
}

func TestDefaultSessionName(t *testing.T) {
	rig, cleanup := newTestRig(t, nil)
	defer cleanup()

	path, err := rig.c.StartRecording(DefaultStartRequest())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(rig.dir, "2020-03-04_05-06-07_experiment_0_recording_1"), path)
}

func TestStartWhileRecordingReturnsExistingPath(t *testing.T) {
	rig, cleanup := newTestRig(t, nil)
	defer cleanup()

	path, err := rig.c.StartRecording(StartRequest{Path: "a"})
	require.NoError(t, err)
	session := rig.c.Session()

	again, err := rig.c.StartRecording(StartRequest{Path: "b"})
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Equal(t, session.ID, rig.c.Session().ID)
	assert.Equal(t, 1, rig.cam.startCount())
}

func TestStopWhileIdleIsNoop(t *testing.T) {
	rig, cleanup := newTestRig(t, nil)
	defer cleanup()

	rig.c.StopRecording()
	assert.Equal(t, Idle, rig.c.State())
	assert.Empty(t, rig.listener.kinds())
}

func TestParameterChangesRejectedWhileRecording(t *testing.T) {
	rig, cleanup := newTestRig(t, nil)
	defer cleanup()

	_, err := rig.c.StartRecording(DefaultStartRequest())
	require.NoError(t, err)

	assert.Equal(t, ErrRecording, rig.c.SetResolution(320, 240))
	_, err = rig.c.SetFramerate(60)
	assert.Equal(t, ErrRecording, err)
	assert.Equal(t, ErrRecording, rig.c.SetVFlip(true))
	assert.Equal(t, ErrRecording, rig.c.SetHFlip(true))
	assert.Equal(t, ErrRecording, rig.c.SetZoom([4]float64{0, 0, 0.5, 0.5}))
	assert.Equal(t, ErrRecording, rig.c.ResetGains())

	settings := rig.cam.Settings()
	assert.Equal(t, 640, settings.Width)
	assert.Equal(t, 480, settings.Height)
	assert.Equal(t, 30.0, settings.Framerate)
	assert.False(t, settings.VFlip)

	rig.c.StopRecording()
	require.NoError(t, rig.c.SetResolution(320, 240))
	assert.Equal(t, 320, rig.cam.Settings().Width)
}

func TestParameterChangesRejectedWhileWaitingForTrigger(t *testing.T) {
	rig, cleanup := newTestRig(t, triggerMode(true))
	defer cleanup()

	_, err := rig.c.StartRecording(DefaultStartRequest())
	require.NoError(t, err)
	assert.Equal(t, ErrRecording, rig.c.SetResolution(320, 240))
}

func TestSetZoom(t *testing.T) {
	rig, cleanup := newTestRig(t, nil)
	defer cleanup()

	assert.Equal(t, ErrInvalidZoom, rig.c.SetZoom([4]float64{0, 0, 1.5, 1}))
	require.NoError(t, rig.c.SetZoom([4]float64{0.25, 0.25, 0.75, 0.75}))
	assert.Equal(t, [4]float64{0.25, 0.25, 0.75, 0.75}, rig.cam.Settings().Zoom)
}

func TestSetFramerateReturnsApplied(t *testing.T) {
	rig, cleanup := newTestRig(t, nil)
	defer cleanup()

	applied, err := rig.c.SetFramerate(120)
	require.NoError(t, err)
	assert.Equal(t, 90.0, applied)
}

func TestStartPreviewLocksGains(t *testing.T) {
	rig, cleanup := newTestRig(t, nil)
	defer cleanup()

	require.NoError(t, rig.c.StartPreview())
	assert.Equal(t, Previewing, rig.c.State())
	assert.True(t, rig.c.Previewing())
	assert.True(t, rig.cam.gainsLocked)

	require.NoError(t, rig.c.ResetGains())
	assert.Equal(t, Previewing, rig.c.State())
	assert.True(t, rig.cam.gainsLocked)
}

func TestStartPreviewWithoutFixedGains(t *testing.T) {
	rig, cleanup := newTestRig(t, func(conf *RecorderConfig) { conf.FixGains = false })
	defer cleanup()

	require.NoError(t, rig.c.StartPreview())
	assert.False(t, rig.cam.gainsLocked)
}

func TestRecordFromPreview(t *testing.T) {
	rig, cleanup := newTestRig(t, nil)
	defer cleanup()

	require.NoError(t, rig.c.StartPreview())
	_, err := rig.c.StartRecording(DefaultStartRequest())
	require.NoError(t, err)
	rig.c.StopRecording()

	assert.Equal(t, []string{
		"idle>previewing",
		"previewing>recording",
		"started",
		"recording>stopping",
		"stopping>idle",
		"stopped",
	}, rig.listener.kinds())
	// The preview stream keeps running after the recording.
	assert.True(t, rig.c.Previewing())
}

func TestCameraStartFailureRollsBack(t *testing.T) {
	rig, cleanup := newTestRig(t, nil)
	defer cleanup()

	rig.cam.startErr = errors.New("encoder busy")
	path, err := rig.c.StartRecording(DefaultStartRequest())
	assert.EqualError(t, err, "encoder busy")
	assert.Equal(t, "", path)
	assert.Equal(t, Idle, rig.c.State())
	assert.Nil(t, rig.c.Session())

	rig.cam.startErr = nil
	_, err = rig.c.StartRecording(DefaultStartRequest())
	require.NoError(t, err)
	assert.Equal(t, Recording, rig.c.State())
}

func TestTriggerStartsRecording(t *testing.T) {
	rig, cleanup := newTestRig(t, triggerMode(true))
	defer cleanup()

	path, err := rig.c.StartRecording(DefaultStartRequest())
	require.NoError(t, err)
	assert.Equal(t, WaitingForTrigger, rig.c.State())
	assert.Equal(t, 0, rig.cam.startCount())
	assert.True(t, rig.gpio.armed(testPin))

	// Start again while waiting: same session, no camera start.
	again, err := rig.c.StartRecording(DefaultStartRequest())
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Equal(t, 0, rig.cam.startCount())

	rig.cam.setClock(5000000)
	rig.gpio.fire(testPin)
	assert.Equal(t, Recording, rig.c.State())
	assert.Equal(t, 1, rig.cam.startCount())

	rig.cam.setClock(5500000)
	rig.gpio.fire(testPin)
	assert.Equal(t, 1, rig.cam.startCount())

	rig.c.StopRecording()
	assert.False(t, rig.gpio.armed(testPin))
	assert.Equal(t, []string{
		timestamps.TriggerHeader,
		"5000000",
		"5500000",
	}, readLines(t, filepath.Join(path, "rpicamera_video_timestamps_trigger.csv")))
	assert.Equal(t, uint64(2), rig.c.Stats().Triggers)
}

func TestTriggerModeWithoutWaiting(t *testing.T) {
	rig, cleanup := newTestRig(t, triggerMode(false))
	defer cleanup()

	path, err := rig.c.StartRecording(DefaultStartRequest())
	require.NoError(t, err)
	assert.Equal(t, Recording, rig.c.State())
	assert.Equal(t, 1, rig.cam.startCount())

	rig.cam.setClock(1000)
	rig.gpio.fire(testPin)
	rig.c.StopRecording()

	assert.Equal(t, []string{timestamps.TriggerHeader, "1000"},
		readLines(t, filepath.Join(path, "rpicamera_video_timestamps_trigger.csv")))
	// No strobe in trigger mode.
	assert.Equal(t, 0, rig.gpio.pulses())
}

func TestTriggersIgnoredWhenIdle(t *testing.T) {
	rig, cleanup := newTestRig(t, triggerMode(true))
	defer cleanup()

	rig.gpio.fire(testPin)
	assert.Equal(t, Idle, rig.c.State())
	assert.Equal(t, 0, rig.cam.startCount())
}

func TestWatchdogStopsAfterTimeout(t *testing.T) {
	rig, cleanup := newTestRig(t, triggerMode(true))
	defer cleanup()

	_, err := rig.c.StartRecording(DefaultStartRequest())
	require.NoError(t, err)

	const t0 = 10000000
	rig.cam.setClock(t0)
	rig.gpio.fire(testPin)
	require.Equal(t, Recording, rig.c.State())

	// Exactly at the timeout is not past it.
	rig.cam.setClock(t0 + 1000000)
	assert.Never(t, func() bool { return rig.c.State() != Recording }, 50*time.Millisecond, 5*time.Millisecond)

	// A trigger resets the timeout.
	rig.gpio.fire(testPin)
	rig.cam.setClock(t0 + 1999999)
	assert.Never(t, func() bool { return rig.c.State() != Recording }, 50*time.Millisecond, 5*time.Millisecond)

	rig.cam.setClock(t0 + 2000001)
	assert.Eventually(t, func() bool { return rig.c.State() == Idle }, time.Second, 5*time.Millisecond)
	assert.False(t, rig.cam.isRecording())
	assert.False(t, rig.gpio.armed(testPin))
}

func TestWatchdogOnlyInTriggerWaitMode(t *testing.T) {
	rig, cleanup := newTestRig(t, triggerMode(false))
	defer cleanup()

	_, err := rig.c.StartRecording(DefaultStartRequest())
	require.NoError(t, err)
	rig.cam.setClock(60000000)
	assert.Never(t, func() bool { return rig.c.State() != Recording }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestStartAndTriggerRace(t *testing.T) {
	for i := 0; i < 50; i++ {
		rig, cleanup := newTestRig(t, triggerMode(true))

		var wg sync.WaitGroup
		start := make(chan struct{})
		for j := 0; j < 4; j++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				<-start
				rig.c.StartRecording(DefaultStartRequest())
			}()
			go func() {
				defer wg.Done()
				<-start
				rig.gpio.fire(testPin)
			}()
		}
		close(start)
		wg.Wait()

		// Whatever the interleaving, at most one session is open and its
		// camera was started at most once.
		starts := rig.cam.startCount()
		assert.True(t, starts <= 1)
		rig.gpio.fire(testPin)
		assert.Equal(t, 1, rig.cam.startCount())
		assert.Equal(t, Recording, rig.c.State())

		cleanup()
	}
}

func TestCloseFromEveryState(t *testing.T) {
	setups := map[string]struct {
		configure func(*RecorderConfig)
		setup     func(*testRig)
	}{
		"idle": {nil, func(*testRig) {}},
		"previewing": {nil, func(rig *testRig) {
			rig.c.StartPreview()
		}},
		"recording": {nil, func(rig *testRig) {
			rig.c.StartRecording(DefaultStartRequest())
		}},
		"waiting": {triggerMode(true), func(rig *testRig) {
			rig.c.StartRecording(DefaultStartRequest())
		}},
	}
	for name, s := range setups {
		t.Run(name, func(t *testing.T) {
			rig, cleanup := newTestRig(t, s.configure)
			defer cleanup()

			s.setup(rig)
			session := rig.c.Session()
			require.NoError(t, rig.c.Close())

			assert.Equal(t, Closed, rig.c.State())
			assert.True(t, rig.gpio.isCleaned())
			assert.False(t, rig.gpio.armed(testPin))
			assert.True(t, rig.cam.closed)
			assert.False(t, rig.cam.isRecording())
			assert.False(t, rig.cam.previewing)
			if session != nil {
				// Flushed on close, so the header is on disk.
				lines := readLines(t, timestamps.FramePath(session.FileBase))
				assert.Equal(t, timestamps.FrameHeader, lines[0])
			}

			_, err := rig.c.StartRecording(DefaultStartRequest())
			assert.Equal(t, ErrClosed, err)
			assert.Equal(t, ErrClosed, rig.c.SetResolution(320, 240))
			assert.Equal(t, ErrClosed, rig.c.StartPreview())
			assert.NoError(t, rig.c.Close())
		})
	}
}

func TestConcurrentStopAndClose(t *testing.T) {
	rig, cleanup := newTestRig(t, nil)
	defer cleanup()

	_, err := rig.c.StartRecording(DefaultStartRequest())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		rig.c.StopRecording()
	}()
	go func() {
		defer wg.Done()
		rig.c.Close()
	}()
	wg.Wait()

	assert.Equal(t, Closed, rig.c.State())
	assert.False(t, rig.cam.isRecording())
}

func TestStatsResetForSessionWithoutFrames(t *testing.T) {
	rig, cleanup := newTestRig(t, triggerMode(true))
	defer cleanup()

	_, err := rig.c.StartRecording(StartRequest{Recording: 1})
	require.NoError(t, err)
	rig.gpio.fire(testPin)
	require.Equal(t, Recording, rig.c.State())
	rig.cam.frame(33000)
	rig.cam.frame(66000)
	rig.cam.frame(99000)
	rig.c.StopRecording()
	require.Equal(t, uint64(3), rig.c.Stats().Frames)

	// Stopped before any trigger: the camera never ran.
	_, err = rig.c.StartRecording(StartRequest{Recording: 2})
	require.NoError(t, err)
	require.Equal(t, WaitingForTrigger, rig.c.State())
	rig.c.StopRecording()

	assert.Equal(t, uint64(0), rig.c.Stats().Frames)
	assert.Equal(t, uint64(0), rig.c.Stats().Triggers)
	rig.listener.mu.Lock()
	defer rig.listener.mu.Unlock()
	require.Len(t, rig.listener.stats, 2)
	assert.Equal(t, uint64(3), rig.listener.stats[0].Frames)
	assert.Equal(t, uint64(0), rig.listener.stats[1].Frames)
}

func TestRecordingContinuesWithUnwritableFrameLog(t *testing.T) {
	rig, cleanup := newTestRig(t, nil)
	defer cleanup()

	// A directory where the frame log should go makes it impossible to create.
	recDir := filepath.Join(rig.dir, "degraded_experiment_0_recording_1")
	require.NoError(t, os.MkdirAll(filepath.Join(recDir, "rpicamera_video_timestamps.csv"), 0755))

	path, err := rig.c.StartRecording(StartRequest{Recording: 1, Path: "/data/degraded"})
	require.NoError(t, err)
	assert.Equal(t, recDir, path)
	assert.Equal(t, Recording, rig.c.State())

	rig.cam.frame(33000)
	rig.cam.frame(66000)
	assert.Eventually(t, func() bool { return rig.gpio.pulses() == 2 }, time.Second, time.Millisecond)

	rig.c.StopRecording()
	stats := rig.c.Stats()
	assert.Equal(t, uint64(2), stats.Frames)
	assert.Equal(t, uint64(2), stats.Pulses)
	assert.True(t, stats.Degraded)
	assert.Equal(t, Idle, rig.c.State())
}

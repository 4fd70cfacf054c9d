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
	"os"
	"os/signal"
	"syscall"
	"time"

	arg "github.com/alexflint/go-arg"
	"github.com/coreos/go-systemd/daemon"

	"github.com/TheCacophonyProject/rpicam-recorder/camera"
	"github.com/TheCacophonyProject/rpicam-recorder/command"
	"github.com/TheCacophonyProject/rpicam-recorder/pulse"
	"github.com/TheCacophonyProject/rpicam-recorder/recorder"
)

var version = "<not set>"

type Args struct {
	ConfigFile string  `arg:"-c,--config" help:"path to configuration file"`
	Timestamps bool    `arg:"-t,--timestamps" help:"include timestamps in log output"`
	Standalone bool    `arg:"--standalone" help:"record immediately without waiting for a remote client"`
	Timeout    float64 `arg:"--timeout" help:"standalone recording length in seconds (<= 0 records until interrupted)"`
	Simulate   bool    `arg:"--simulate" help:"use the simulated camera"`
}

func (Args) Version() string {
	return version
}

func procArgs() Args {
	var args Args
	args.ConfigFile = "/etc/rpicam-recorder.yaml"
	arg.MustParse(&args)
	return args
}

func main() {
	err := runMain()
	if err != nil {
		log.Fatal(err)
	}
}

func runMain() error {
	args := procArgs()

	if !args.Timestamps {
		log.SetFlags(0) // Removes default timestamp flag
	}

	log.Printf("running version: %s", version)
	conf, err := ParseConfigFile(args.ConfigFile)
	if err != nil {
		return err
	}
	logConfig(conf)

	if !args.Simulate {
		log.Print("no hardware encoder bound to this build, using the simulated camera")
	}
	cam := camera.NewSimulated(conf.Recorder.Camera)

	log.Println("gpio initialisation")
	g := pulse.Init()

	ctrl, err := recorder.New(conf.Recorder, cam, g, newEventListener())
	if err != nil {
		return err
	}
	defer ctrl.Close()

	log.Println("starting d-bus service")
	if err := startService(ctrl); err != nil {
		log.Printf("d-bus service unavailable: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleInterrupt(ctx, cancel)

	log.Println("starting preview")
	if err := ctrl.StartPreview(); err != nil {
		return err
	}

	if args.Standalone {
		daemon.SdNotify(false, "READY=1")
		waitForEnd := conf.Recorder.SyncMode == recorder.Trigger && conf.Recorder.WaitForTrigger
		err = runStandalone(ctx, ctrl, secondsToDuration(args.Timeout), waitForEnd)
	} else {
		err = serveCommands(ctx, conf.Listen, ctrl)
	}
	daemon.SdNotify(false, "STOPPING=1")
	if closeErr := ctrl.Close(); closeErr != nil {
		log.Printf("error closing recorder: %v", closeErr)
	}
	return err
}

func serveCommands(ctx context.Context, addr string, ctrl *recorder.Controller) error {
	server := command.NewServer(addr, ctrl)
	if err := server.Listen(); err != nil {
		return err
	}
	defer server.Close()

	daemon.SdNotify(false, "READY=1")
	go notifyWatchdog(ctx)
	return server.Serve(ctx)
}

// handleInterrupt cancels ctx on SIGINT or SIGTERM.
func handleInterrupt(ctx context.Context, cancel context.CancelFunc) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigc)
	select {
	case sig := <-sigc:
		log.Printf("received %v, shutting down", sig)
		cancel()
	case <-ctx.Done():
	}
}

func notifyWatchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			daemon.SdNotify(false, "WATCHDOG=1")
		case <-ctx.Done():
			return
		}
	}
}

func secondsToDuration(secs float64) time.Duration {
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func logConfig(conf *Config) {
	rc := conf.Recorder
	log.Printf("listen: %s", conf.Listen)
	log.Printf("output dir: %s", rc.OutputDir)
	log.Printf("name: %s", rc.Name)
	log.Printf("sync mode: %s on %s", rc.SyncMode, rc.Pin)
	if rc.SyncMode == recorder.Strobe {
		log.Printf("pulse width: %s", rc.PulseWidth)
	} else {
		log.Printf("trigger debounce: %s", rc.TriggerDebounce)
		if rc.WaitForTrigger {
			log.Printf("waiting for trigger, timeout %s checked every %s", rc.TriggerTimeout, rc.WatchdogInterval)
		}
	}
	log.Printf("warm-up: %s, fix gains: %v", rc.Warmup, rc.FixGains)
	log.Printf("camera: %+v", rc.Camera)
}

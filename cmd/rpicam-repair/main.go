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
	"errors"
	"fmt"
	"log"
	"strings"

	arg "github.com/alexflint/go-arg"

	"github.com/TheCacophonyProject/rpicam-recorder/repair"
	"github.com/TheCacophonyProject/rpicam-recorder/timestamps"
)

var version = "<not set>"

type Args struct {
	Path      string  `arg:"positional" help:"frame timestamp log to repair"`
	Dir       string  `arg:"-d,--dir" help:"repair every recording found under this directory"`
	Framerate float64 `arg:"--fps" help:"framerate of the recording (default: read from the parameter file)"`
}

func (Args) Version() string {
	return version
}

func main() {
	if err := runMain(); err != nil {
		log.Fatal(err)
	}
}

func runMain() error {
	var args Args
	p := arg.MustParse(&args)
	log.SetFlags(0)

	if (args.Path == "") == (args.Dir == "") {
		p.Fail("give either a timestamp file or --dir")
	}
	if args.Framerate < 0 {
		p.Fail("--fps must be positive")
	}

	if args.Path != "" {
		base := strings.TrimSuffix(args.Path, timestamps.FrameSuffix)
		return repairOne(args.Path, base+repair.ParamsSuffix, args.Framerate)
	}

	recs, err := repair.FindRecordings(args.Dir)
	if err != nil {
		return err
	}
	log.Printf("found %d recordings in %s", len(recs), args.Dir)
	failed := 0
	for _, rec := range recs {
		if err := repairOne(rec.Timestamps, rec.Params, args.Framerate); err != nil {
			log.Print(err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d recordings could not be repaired", failed, len(recs))
	}
	return nil
}

// repairOne repairs one timestamp log. A zero fps is read from the
// parameter file, falling back to the default framerate.
func repairOne(path, paramsPath string, fps float64) error {
	if fps == 0 {
		var err error
		fps, err = repair.ReadFramerate(paramsPath)
		if err != nil {
			log.Printf("using %v fps: %v", repair.DefaultFramerate, err)
			fps = repair.DefaultFramerate
		}
	}
	out, err := repair.RepairFile(path, fps)
	if err != nil {
		var missing *repair.MissingError
		if errors.As(err, &missing) {
			return fmt.Errorf("%s can't be repaired: %v", path, err)
		}
		return err
	}
	log.Printf("wrote %s", out)
	return nil
}

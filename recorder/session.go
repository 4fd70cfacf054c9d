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
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/TheCacophonyProject/rpicam-recorder/camera"
)

const sessionTimeFormat = "2006-01-02_15-04-05"

// StartRequest carries the arguments of a Start command.
type StartRequest struct {
	Experiment int
	Recording  int
	Path       string
}

func DefaultStartRequest() StartRequest {
	return StartRequest{Experiment: 0, Recording: 1}
}

// Session describes one recording and where its files live.
type Session struct {
	ID         string
	SyncMode   SyncMode
	Experiment int
	Recording  int
	RecPath    string
	FileBase   string
	VideoPath  string
	ParamsPath string
	Settings   camera.Settings
	Started    time.Time

	cameraStarted bool
}

// Params is the JSON parameter file written beside the video.
type Params struct {
	Experiment int     `json:"experiment"`
	Framerate  float64 `json:"framerate"`
	Height     int     `json:"height"`
	RecPath    string  `json:"rec_path"`
	Recording  int     `json:"recording"`
	VideoPath  string  `json:"video_path"`
	Width      int     `json:"width"`
}

func newSession(conf *RecorderConfig, req StartRequest, settings camera.Settings, now time.Time) *Session {
	name := now.Format(sessionTimeFormat)
	if req.Path != "" {
		if base := filepath.Base(req.Path); base != "." && base != string(filepath.Separator) {
			name = base
		}
	}
	dir := fmt.Sprintf("%s_experiment_%d_recording_%d", name, req.Experiment, req.Recording)
	recPath := filepath.Join(conf.OutputDir, dir)
	base := filepath.Join(recPath, conf.Name)
	return &Session{
		ID:         uuid.New().String(),
		SyncMode:   conf.SyncMode,
		Experiment: req.Experiment,
		Recording:  req.Recording,
		RecPath:    recPath,
		FileBase:   base,
		VideoPath:  base + ".h264",
		ParamsPath: base + "_params.json",
		Settings:   settings,
	}
}

func (s *Session) params() Params {
	return Params{
		Experiment: s.Experiment,
		Framerate:  s.Settings.Framerate,
		Height:     s.Settings.Height,
		RecPath:    s.RecPath,
		Recording:  s.Recording,
		VideoPath:  s.VideoPath,
		Width:      s.Settings.Width,
	}
}

// create makes the recording directory and writes the parameter file.
func (s *Session) create() error {
	if err := os.MkdirAll(s.RecPath, 0755); err != nil {
		return err
	}
	buf, err := json.MarshalIndent(s.params(), "", "    ")
	if err != nil {
		return err
	}
	return ioutil.WriteFile(s.ParamsPath, append(buf, '\n'), 0644)
}

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

package repair

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/TheCacophonyProject/rpicam-recorder/timestamps"
)

const (
	CorrectedSuffix = "_timestamps_corrected.csv"
	ParamsSuffix    = "_params.json"
	VideoExt        = ".h264"

	correctedHeader  = "# corrected frame timestamp (s)"
	DefaultFramerate = 30.0
)

// Recording is the set of files written for one recording.
type Recording struct {
	Base       string
	Video      string
	Timestamps string
	Params     string
}

// FindRecordings walks dir and returns every video that has both a
// timestamp log and a parameter file beside it.
func FindRecordings(dir string) ([]Recording, error) {
	var recs []Recording
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Ext(path) != VideoExt {
			return nil
		}
		base := strings.TrimSuffix(path, VideoExt)
		rec := Recording{
			Base:       base,
			Video:      path,
			Timestamps: timestamps.FramePath(base),
			Params:     base + ParamsSuffix,
		}
		if exists(rec.Timestamps) && exists(rec.Params) {
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Base < recs[j].Base })
	return recs, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ReadFramerate returns the framerate stored in a parameter file.
func ReadFramerate(paramsPath string) (float64, error) {
	buf, err := ioutil.ReadFile(paramsPath)
	if err != nil {
		return 0, err
	}
	var params struct {
		Framerate float64 `json:"framerate"`
	}
	if err := json.Unmarshal(buf, &params); err != nil {
		return 0, fmt.Errorf("invalid parameter file %s: %v", paramsPath, err)
	}
	if params.Framerate <= 0 {
		return 0, fmt.Errorf("parameter file %s: %v", paramsPath, ErrInvalidFramerate)
	}
	return params.Framerate, nil
}

// RepairFile corrects the frame timestamp log at path and writes the
// result beside it. It returns the path written.
func RepairFile(path string, fps float64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	corrected, err := Repair(f, fps)
	f.Close()
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}

	outPath := strings.TrimSuffix(path, timestamps.FrameSuffix) + CorrectedSuffix
	var b strings.Builder
	b.WriteString(correctedHeader)
	b.WriteByte('\n')
	for _, v := range corrected {
		b.WriteString(strconv.FormatFloat(v, 'f', 6, 64))
		b.WriteByte('\n')
	}
	if err := ioutil.WriteFile(outPath, []byte(b.String()), 0644); err != nil {
		return "", err
	}
	return outPath, nil
}

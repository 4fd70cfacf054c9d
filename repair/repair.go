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

// Package repair reconstructs frame timestamps that the encoder failed
// to supply. Only isolated dropouts can be repaired: each missing value
// is placed one frame period after (or, for the first frame, before)
// its neighbour. This is a best-effort correction, not ground truth.
package repair

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MissingDelta marks a frame whose timestamp was dropped.
const MissingDelta = -1

var (
	ErrConsecutiveMissing  = errors.New("two successive missing timestamps")
	ErrInsufficientSamples = errors.New("need at least 3 timestamp values")
	ErrInvalidFramerate    = errors.New("framerate must be positive")
)

// MissingError reports where a run of missing timestamps was found.
type MissingError struct {
	Index int
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("%v at frames %d and %d", ErrConsecutiveMissing, e.Index-1, e.Index)
}

func (e *MissingError) Unwrap() error {
	return ErrConsecutiveMissing
}

// Row is one line of a frame timestamp log, in camera clock
// microseconds.
type Row struct {
	Frame    int64
	External int64
}

// Load reads a frame timestamp log. Comment lines are skipped, as are
// rows with fewer than two values, which appear when a log was cut off
// mid-write. Only the first two columns are used.
func Load(r io.Reader) ([]Row, error) {
	var rows []Row
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, ",")
		if len(fields) < 2 || strings.TrimSpace(fields[1]) == "" {
			continue
		}
		frame, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %v", line, err)
		}
		external, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %v", line, err)
		}
		rows = append(rows, Row{Frame: frame, External: external})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

// Timestamps returns the frame column in seconds.
func Timestamps(rows []Row) []float64 {
	ts := make([]float64, len(rows))
	for i, row := range rows {
		ts[i] = float64(row.Frame) / 1e6
	}
	return ts
}

// Deltas returns the per-frame latency between the two columns in
// seconds. Rows with a missing frame timestamp get MissingDelta.
func Deltas(rows []Row) []float64 {
	deltas := make([]float64, len(rows))
	for i, row := range rows {
		if row.Frame < 0 {
			deltas[i] = MissingDelta
			continue
		}
		deltas[i] = float64(row.External-row.Frame) / 1e6
	}
	return deltas
}

// Interpolate returns ts - deltas with every missing entry (negative
// delta) replaced by its neighbour offset by one frame period.
func Interpolate(ts, deltas []float64, fps float64) ([]float64, error) {
	if len(ts) != len(deltas) {
		return nil, fmt.Errorf("length mismatch: %d timestamps, %d deltas", len(ts), len(deltas))
	}
	if len(ts) < 3 {
		return nil, ErrInsufficientSamples
	}
	if fps <= 0 {
		return nil, ErrInvalidFramerate
	}
	for i := 1; i < len(deltas); i++ {
		if deltas[i] < 0 && deltas[i-1] < 0 {
			return nil, &MissingError{Index: i}
		}
	}

	dt := 1 / fps
	corrected := make([]float64, len(ts))
	for i := range ts {
		corrected[i] = ts[i] - deltas[i]
	}
	for i := range deltas {
		if deltas[i] >= 0 {
			continue
		}
		if i == 0 {
			corrected[i] = corrected[i+1] - dt
		} else {
			corrected[i] = corrected[i-1] + dt
		}
	}
	return corrected, nil
}

// Repair loads a frame timestamp log and returns the corrected frame
// times in seconds.
func Repair(r io.Reader, fps float64) ([]float64, error) {
	rows, err := Load(r)
	if err != nil {
		return nil, err
	}
	return Interpolate(Timestamps(rows), Deltas(rows), fps)
}

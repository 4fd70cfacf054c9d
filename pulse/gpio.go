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

// Package pulse generates and receives the TTL pulses used to line up
// camera frames with an external acquisition clock.
package pulse

import (
	"errors"
	"log"
	"sync"
)

type Mode int

const (
	Output Mode = iota
	Input
)

type Edge int

const (
	RisingEdge Edge = iota
	FallingEdge
	BothEdges
)

var ErrUnknownPin = errors.New("unknown pin")

// GPIO is the pin capability used for strobe output and trigger input.
type GPIO interface {
	Setup(pin string, mode Mode) error
	Output(pin string, level bool) error
	AddEdgeCallback(pin string, edge Edge, cb func()) error
	RemoveEdgeCallback(pin string) error
	Cleanup() error
}

// Init returns a GPIO backed by the host's pins. If the host has no
// usable GPIO a no-op implementation is returned instead so that
// recording can continue without hardware synchronisation.
func Init() GPIO {
	g, err := NewPeriphGPIO()
	if err != nil {
		reportUnavailable(err)
		return Noop{}
	}
	return g
}

var unavailableOnce sync.Once

func reportUnavailable(err error) {
	unavailableOnce.Do(func() {
		log.Printf("GPIO unavailable, continuing without hardware synchronisation: %v", err)
	})
}

// Noop is the degraded GPIO used when no hardware is present.
type Noop struct{}

func (Noop) Setup(string, Mode) error                   { return nil }
func (Noop) Output(string, bool) error                  { return nil }
func (Noop) AddEdgeCallback(string, Edge, func()) error { return nil }
func (Noop) RemoveEdgeCallback(string) error            { return nil }
func (Noop) Cleanup() error                             { return nil }

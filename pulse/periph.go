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

package pulse

import (
	"fmt"
	"sync"
	"time"

	"gopkg.in/tomb.v2"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/host"
)

// edgePoll bounds how long an edge watcher blocks before checking
// whether it has been asked to stop.
const edgePoll = 100 * time.Millisecond

// PeriphGPIO implements GPIO using periph.io. Pins are named as
// gpioreg understands them, e.g. "GPIO17".
type PeriphGPIO struct {
	mu       sync.Mutex
	pins     map[string]gpio.PinIO
	outputs  map[string]bool
	watchers map[string]*tomb.Tomb
}

func NewPeriphGPIO() (*PeriphGPIO, error) {
	if _, err := host.Init(); err != nil {
		return nil, err
	}
	return &PeriphGPIO{
		pins:     make(map[string]gpio.PinIO),
		outputs:  make(map[string]bool),
		watchers: make(map[string]*tomb.Tomb),
	}, nil
}

func (g *PeriphGPIO) Setup(name string, mode Mode) error {
	pin := gpioreg.ByName(name)
	if pin == nil {
		return fmt.Errorf("%v: %s", ErrUnknownPin, name)
	}
	var err error
	switch mode {
	case Output:
		err = pin.Out(gpio.Low)
	case Input:
		err = pin.In(gpio.PullDown, gpio.NoEdge)
	default:
		err = fmt.Errorf("invalid mode %d", mode)
	}
	if err != nil {
		return fmt.Errorf("failed to set up %s: %v", name, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.pins[name] = pin
	g.outputs[name] = mode == Output
	return nil
}

func (g *PeriphGPIO) pin(name string) (gpio.PinIO, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pin, ok := g.pins[name]
	if !ok {
		return nil, fmt.Errorf("%v: %s", ErrUnknownPin, name)
	}
	return pin, nil
}

func (g *PeriphGPIO) Output(name string, level bool) error {
	pin, err := g.pin(name)
	if err != nil {
		return err
	}
	return pin.Out(gpio.Level(level))
}

func (g *PeriphGPIO) AddEdgeCallback(name string, edge Edge, cb func()) error {
	pin, err := g.pin(name)
	if err != nil {
		return err
	}
	if err := g.RemoveEdgeCallback(name); err != nil {
		return err
	}
	if err := pin.In(gpio.PullDown, periphEdge(edge)); err != nil {
		return fmt.Errorf("failed to enable edge detection on %s: %v", name, err)
	}

	t := new(tomb.Tomb)
	t.Go(func() error {
		for {
			select {
			case <-t.Dying():
				return nil
			default:
			}
			if pin.WaitForEdge(edgePoll) {
				cb()
			}
		}
	})

	g.mu.Lock()
	g.watchers[name] = t
	g.mu.Unlock()
	return nil
}

// RemoveEdgeCallback stops the watcher for the pin and waits for any
// running callback to return.
func (g *PeriphGPIO) RemoveEdgeCallback(name string) error {
	g.mu.Lock()
	t, ok := g.watchers[name]
	delete(g.watchers, name)
	pin := g.pins[name]
	g.mu.Unlock()
	if !ok {
		return nil
	}

	t.Kill(nil)
	if err := t.Wait(); err != nil {
		return err
	}
	return pin.In(gpio.PullDown, gpio.NoEdge)
}

// Cleanup stops all edge watchers, drives outputs low and releases every
// pin that was set up.
func (g *PeriphGPIO) Cleanup() error {
	g.mu.Lock()
	names := make([]string, 0, len(g.watchers))
	for name := range g.watchers {
		names = append(names, name)
	}
	g.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if err := g.RemoveEdgeCallback(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for name, pin := range g.pins {
		if g.outputs[name] {
			pin.Out(gpio.Low)
		}
		if err := pin.Halt(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(g.pins, name)
		delete(g.outputs, name)
	}
	return firstErr
}

func periphEdge(edge Edge) gpio.Edge {
	switch edge {
	case FallingEdge:
		return gpio.FallingEdge
	case BothEdges:
		return gpio.BothEdges
	default:
		return gpio.RisingEdge
	}
}

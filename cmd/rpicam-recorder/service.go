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

	"github.com/godbus/dbus"
	"github.com/godbus/dbus/introspect"

	"github.com/TheCacophonyProject/rpicam-recorder/recorder"
)

const (
	dbusName = "org.cacophony.rpicamrecorder"
	dbusPath = "/org/cacophony/rpicamrecorder"
)

type recordingController interface {
	State() recorder.State
	StartRecording(req recorder.StartRequest) (string, error)
	StopRecording()
}

type service struct {
	ctrl recordingController
}

func startService(ctrl recordingController) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return errors.New("name already taken")
	}

	s := &service{
		ctrl: ctrl,
	}
	conn.Export(s, dbusPath, dbusName)
	conn.Export(genIntrospectable(s), dbusPath, "org.freedesktop.DBus.Introspectable")

	return nil
}

func genIntrospectable(v interface{}) introspect.Introspectable {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{{
			Name:    dbusName,
			Methods: introspect.Methods(v),
		}},
	}
	return introspect.NewIntrospectable(node)
}

// State returns the name of the recorder's current state.
func (s *service) State() (string, *dbus.Error) {
	return s.ctrl.State().String(), nil
}

// StartRecording starts a recording and returns its directory.
func (s *service) StartRecording(experiment, recording int32, path string) (string, *dbus.Error) {
	recPath, err := s.ctrl.StartRecording(recorder.StartRequest{
		Experiment: int(experiment),
		Recording:  int(recording),
		Path:       path,
	})
	if err != nil {
		return "", makeDbusError("StartRecording", err)
	}
	return recPath, nil
}

func (s *service) StopRecording() *dbus.Error {
	s.ctrl.StopRecording()
	return nil
}

func makeDbusError(name string, err error) *dbus.Error {
	return &dbus.Error{
		Name: dbusName + "." + name,
		Body: []interface{}{err.Error()},
	}
}

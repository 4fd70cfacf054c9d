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
	"io/ioutil"

	yaml "gopkg.in/yaml.v2"

	"github.com/TheCacophonyProject/rpicam-recorder/recorder"
)

type Config struct {
	Listen   string                  `yaml:"listen"`
	Recorder recorder.RecorderConfig `yaml:",inline"`
}

func (conf *Config) Validate() error {
	if conf.Listen == "" {
		return errors.New("listen must be set")
	}
	return conf.Recorder.Validate()
}

var defaultConfig = Config{
	Listen:   ":5555",
	Recorder: recorder.DefaultRecorderConfig(),
}

func ParseConfigFile(filename string) (*Config, error) {
	buf, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseConfig(buf)
}

func ParseConfig(buf []byte) (*Config, error) {
	conf := defaultConfig
	if err := yaml.Unmarshal(buf, &conf); err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

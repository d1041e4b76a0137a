// Copyright 2024 Ewout Prangsma
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Author Ewout Prangsma
//

package config

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/binkynet/ServoWorker/pkg/service/devices"
	"github.com/binkynet/ServoWorker/pkg/service/objects"
)

const (
	// DefaultBus is the I2C bus of the Raspberry Pi header.
	DefaultBus = "/dev/i2c-1"
	// DefaultSCLPin is the GPIO pin of the SCL line of DefaultBus.
	DefaultSCLPin = 3
	// DefaultTopicPrefix is the prefix of all MQTT topics.
	DefaultTopicPrefix = "servoworker"
	// DefaultClientID is the MQTT client ID.
	DefaultClientID = "servoworker"
	// DefaultHost is the interface the servers listen on.
	DefaultHost = "0.0.0.0"
	// DefaultHTTPPort is the port of the HTTP server.
	DefaultHTTPPort = 7129
	// DefaultSSHPort is the port of the SSH console.
	DefaultSSHPort = 7130
)

// Config of the servo worker.
type Config struct {
	// Bus is the device path of the I2C bus.
	Bus string `yaml:"bus"`
	// Address is the 7-bit I2C address of the PCA9685.
	Address uint8 `yaml:"address"`
	// Frequency of the PWM outputs in Hz.
	Frequency float64 `yaml:"frequency"`
	// SCLPin is the GPIO pin of the SCL line, used to recover a locked bus.
	SCLPin int `yaml:"scl_pin"`
	// RecoverBus clocks SCL at startup to release a locked bus.
	RecoverBus bool          `yaml:"recover_bus"`
	Servos     []ServoConfig `yaml:"servos"`
	Joints     []JointConfig `yaml:"joints"`
	MQTT       MQTTConfig    `yaml:"mqtt"`
	Server     ServerConfig  `yaml:"server"`
}

// ServoConfig describes a servo connected to the PCA9685.
type ServoConfig struct {
	Name    string `yaml:"name"`
	Channel int    `yaml:"channel"`
	// Mode is absolute (default), relative or continuous.
	Mode string `yaml:"mode"`
	// PulseMin & PulseMax are in ms.
	PulseMin   float64  `yaml:"pulse_min"`
	PulseMax   float64  `yaml:"pulse_max"`
	StartAngle *float64 `yaml:"start_angle"`
}

// JointConfig combines two servos into a two-axis joint.
type JointConfig struct {
	Name string `yaml:"name"`
	X    string `yaml:"x"`
	Y    string `yaml:"y"`
}

// MQTTConfig configures the MQTT command source.
// It is disabled when Broker is empty.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
	UserName    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// ServerConfig configures the HTTP & SSH servers.
// A port of -1 disables the server.
type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`
	SSHPort  int    `yaml:"ssh_port"`
}

// Default returns the configuration used when no file is given:
// one absolute angle servo per channel, named ch0..ch15.
func Default() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// Load the configuration file at given path.
// Unset values are defaulted, the result is validated.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read config %s", path)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, errors.Wrapf(err, "failed to parse config %s", path)
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ApplyDefaults fills in all unset values.
func (c *Config) ApplyDefaults() {
	if c.Bus == "" {
		c.Bus = DefaultBus
	}
	if c.Address == 0 {
		c.Address = devices.DefaultAddress
	}
	if c.Frequency == 0 {
		c.Frequency = objects.ServoFrequency
	}
	if c.SCLPin == 0 {
		c.SCLPin = DefaultSCLPin
	}
	if len(c.Servos) == 0 {
		for ch := 0; ch < devices.ChannelCount; ch++ {
			c.Servos = append(c.Servos, ServoConfig{
				Name:    fmt.Sprintf("ch%d", ch),
				Channel: ch,
			})
		}
	}
	for i := range c.Servos {
		s := &c.Servos[i]
		if s.Mode == "" {
			s.Mode = objects.ModeAbsoluteAngle.String()
		}
		if s.PulseMin == 0 && s.PulseMax == 0 {
			s.PulseMin = objects.DefaultPulseMin
			s.PulseMax = objects.DefaultPulseMax
		}
		if s.StartAngle == nil {
			angle := objects.DefaultStartAngle
			s.StartAngle = &angle
		}
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultTopicPrefix
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = DefaultClientID
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = DefaultHTTPPort
	}
	if c.Server.SSHPort == 0 {
		c.Server.SSHPort = DefaultSSHPort
	}
}

// Validate the configuration.
// Errors have InvalidInputError as cause.
func (c Config) Validate() error {
	if c.Bus == "" {
		return devices.InvalidInput("bus is required")
	}
	if c.Address > 0x7F {
		return devices.InvalidInput("address 0x%02x is not a 7-bit address", c.Address)
	}
	if c.Frequency < devices.MinFrequency || c.Frequency > devices.MaxFrequency {
		return devices.InvalidInput("frequency must be in %v..%v Hz, got %v", devices.MinFrequency, devices.MaxFrequency, c.Frequency)
	}
	names := make(map[string]struct{})
	channels := make(map[int]string)
	for _, s := range c.Servos {
		sc, err := s.ServoConfig()
		if err != nil {
			return err
		}
		if err := sc.Validate(); err != nil {
			return err
		}
		if _, found := names[s.Name]; found {
			return devices.InvalidInput("duplicate servo name '%s'", s.Name)
		}
		names[s.Name] = struct{}{}
		if other, found := channels[s.Channel]; found {
			return devices.InvalidInput("servos '%s' and '%s' use the same channel %d", other, s.Name, s.Channel)
		}
		channels[s.Channel] = s.Name
	}
	joints := make(map[string]struct{})
	for _, j := range c.Joints {
		if j.Name == "" {
			return devices.InvalidInput("joint name is empty")
		}
		if _, found := joints[j.Name]; found {
			return devices.InvalidInput("duplicate joint name '%s'", j.Name)
		}
		joints[j.Name] = struct{}{}
		for _, axis := range []string{j.X, j.Y} {
			if _, found := names[axis]; !found {
				return devices.InvalidInput("joint '%s' uses unknown servo '%s'", j.Name, axis)
			}
		}
		if j.X == j.Y {
			return devices.InvalidInput("joint '%s' uses servo '%s' for both axes", j.Name, j.X)
		}
	}
	for _, port := range []int{c.Server.HTTPPort, c.Server.SSHPort} {
		if port < -1 || port > 65535 {
			return devices.InvalidInput("port %d out of range", port)
		}
	}
	return nil
}

// ServoConfig converts the file representation into a servo configuration.
func (s ServoConfig) ServoConfig() (objects.ServoConfig, error) {
	mode, err := objects.ParseMode(s.Mode)
	if err != nil {
		return objects.ServoConfig{}, errors.Wrapf(err, "servo '%s'", s.Name)
	}
	result := objects.NewServoConfig(s.Name, devices.Channel(s.Channel), mode)
	result.PulseMin = s.PulseMin
	result.PulseMax = s.PulseMax
	if s.StartAngle != nil {
		result.StartAngle = *s.StartAngle
	}
	return result, nil
}

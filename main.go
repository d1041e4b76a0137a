// Copyright 2017 Ewout Prangsma
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

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	terminate "github.com/pulcy/go-terminate"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/binkynet/ServoWorker/pkg/config"
	"github.com/binkynet/ServoWorker/pkg/console"
	"github.com/binkynet/ServoWorker/pkg/environment"
	"github.com/binkynet/ServoWorker/pkg/logging"
	"github.com/binkynet/ServoWorker/pkg/server"
	"github.com/binkynet/ServoWorker/pkg/service"
	"github.com/binkynet/ServoWorker/pkg/service/bridge"
	"github.com/binkynet/ServoWorker/pkg/service/devices"
	"github.com/binkynet/ServoWorker/pkg/service/mqtt"
	"github.com/binkynet/ServoWorker/pkg/service/util"
	"github.com/binkynet/ServoWorker/pkg/ui"
)

const (
	projectName  = "BinkyNet Servo Worker"
	logRingLines = 256
)

var (
	projectVersion = "dev"
	projectBuild   = "dev"
	maskAny        = errors.WithStack
)

func main() {
	var levelFlag string
	var bridgeType string
	var configPath string
	var interactive bool

	conf := config.Default()
	pflag.StringVarP(&levelFlag, "level", "l", "debug", "Set log level")
	pflag.StringVarP(&bridgeType, "bridge", "b", "auto", "Type of bridge to use (auto|rpi|virtual)")
	pflag.StringVarP(&configPath, "config", "c", "", "Path of the YAML configuration file")
	pflag.BoolVarP(&interactive, "interactive", "i", false, "Read commands from stdin")
	pflag.StringVar(&conf.Bus, "bus", conf.Bus, "Device path of the I2C bus")
	pflag.Uint8Var(&conf.Address, "address", conf.Address, "I2C address of the PCA9685")
	pflag.Float64Var(&conf.Frequency, "frequency", conf.Frequency, "PWM frequency in Hz")
	pflag.BoolVar(&conf.RecoverBus, "recover-bus", conf.RecoverBus, "Clock SCL at startup to release a locked I2C bus")
	pflag.StringVar(&conf.Server.Host, "host", conf.Server.Host, "Host address the HTTP & SSH servers will listen on")
	pflag.IntVar(&conf.Server.HTTPPort, "http-port", conf.Server.HTTPPort, "Port the HTTP server will listen on (-1 to disable)")
	pflag.IntVar(&conf.Server.SSHPort, "ssh-port", conf.Server.SSHPort, "Port the SSH console will listen on (-1 to disable)")
	pflag.StringVar(&conf.MQTT.Broker, "mqtt-broker", conf.MQTT.Broker, "Address of the MQTT broker, e.g. tcp://localhost:1883")
	pflag.StringVar(&conf.MQTT.TopicPrefix, "mqtt-prefix", conf.MQTT.TopicPrefix, "Prefix of all MQTT topics")
	pflag.Parse()

	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			Exitf("Failed to load configuration: %v\n", err)
		}
		// Flags given on the command line override the file
		applyFlags(&loaded, conf)
		conf = loaded
	}

	// Prepare to shutdown in a controlled manor
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Prepare logging
	level, err := zerolog.ParseLevel(levelFlag)
	if err != nil {
		Exitf("Invalid log level '%s': %v\n", levelFlag, err)
	}
	ring := logging.NewRingWriter(logRingLines)
	mqttLog := logging.NewMQTTWriter(ctx)
	logger := zerolog.New(logging.NewMultiWriter(
		zerolog.ConsoleWriter{Out: os.Stderr},
		zerolog.ConsoleWriter{Out: ring, NoColor: true},
		mqttLog,
	)).Level(level).With().Timestamp().Logger()

	if bridgeType == "auto" {
		bridgeType = environment.AutoDetectBridgeType(logger, conf.Bus)
	}
	br, err := newBridge(bridgeType, conf)
	if err != nil {
		Exitf("Failed to initialize %s bridge: %v\n", bridgeType, err)
	}

	svc, err := service.NewService(service.Config{
		Config: conf,
	}, service.Dependencies{
		Logger: logger,
		Bridge: br,
	})
	if err != nil {
		Exitf("Failed to initialize Service: %v\n", err)
	}

	httpServer, err := server.New(server.Config{
		Host:     conf.Server.Host,
		HTTPPort: conf.Server.HTTPPort,
		SSHPort:  conf.Server.SSHPort,
	}, logger, ui.New(svc, ring), svc)
	if err != nil {
		Exitf("Failed to initialize Server: %v\n", err)
	}

	var mqttSvc *mqtt.Service
	if conf.MQTT.Broker != "" {
		mqttSvc, err = mqtt.NewService(mqtt.Config{
			Broker:      conf.MQTT.Broker,
			TopicPrefix: conf.MQTT.TopicPrefix,
			ClientID:    conf.MQTT.ClientID,
			UserName:    conf.MQTT.UserName,
			Password:    conf.MQTT.Password,
		}, svc, logger)
		if err != nil {
			Exitf("Failed to initialize MQTT: %v\n", err)
		}
		mqttLog.SetDestination(mqttSvc.LogTopic(), mqttSvc)
		mqttLog.Enable(true)
	}

	t := terminate.NewTerminator(func(template string, args ...interface{}) {
		logger.Info().Msgf(template, args...)
	}, cancel)
	go t.ListenSignals()

	fmt.Printf("Starting %s (version %s build %s)\n", projectName, projectVersion, projectBuild)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })
	g.Go(func() error { return httpServer.Run(ctx) })
	if mqttSvc != nil {
		g.Go(func() error {
			return util.UntilCanceled(ctx, logger, "mqtt", func() error { return mqttSvc.Run(ctx) })
		})
	}
	if interactive {
		prompt := console.New(os.Stdin, os.Stdout, svc, logger)
		g.Go(func() error {
			defer cancel()
			return prompt.Run(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		Exitf("Service run failed: %v\n", err)
	}
}

// newBridge creates the bridge of the given type.
func newBridge(bridgeType string, conf config.Config) (bridge.API, error) {
	switch bridgeType {
	case "rpi":
		br, err := bridge.NewRaspberryPiBridge(bridge.RaspberryPiConfig{
			BusLocation: conf.Bus,
			SclPin:      conf.SCLPin,
			RecoverBus:  conf.RecoverBus,
		})
		if err != nil {
			return nil, maskAny(err)
		}
		return br, nil
	case "virtual":
		br := bridge.NewVirtualBridge()
		br.Attach(conf.Address, devices.NewSimulatedPCA9685())
		return br, nil
	default:
		return nil, errors.Errorf("unknown bridge type '%s' (auto|rpi|virtual)", bridgeType)
	}
}

// applyFlags copies the values of all flags set on the command line
// into the given configuration.
func applyFlags(c *config.Config, flags config.Config) {
	changed := pflag.CommandLine.Changed
	if changed("bus") {
		c.Bus = flags.Bus
	}
	if changed("address") {
		c.Address = flags.Address
	}
	if changed("frequency") {
		c.Frequency = flags.Frequency
	}
	if changed("recover-bus") {
		c.RecoverBus = flags.RecoverBus
	}
	if changed("host") {
		c.Server.Host = flags.Server.Host
	}
	if changed("http-port") {
		c.Server.HTTPPort = flags.Server.HTTPPort
	}
	if changed("ssh-port") {
		c.Server.SSHPort = flags.Server.SSHPort
	}
	if changed("mqtt-broker") {
		c.MQTT.Broker = flags.MQTT.Broker
	}
	if changed("mqtt-prefix") {
		c.MQTT.TopicPrefix = flags.MQTT.TopicPrefix
	}
}

// Print the given error message and exit with code 1
func Exitf(message string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, message, args...)
	os.Exit(1)
}

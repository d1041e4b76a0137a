// Copyright 2018 Ewout Prangsma
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

package service

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/mattn/go-pubsub"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/binkynet/ServoWorker/pkg/config"
	"github.com/binkynet/ServoWorker/pkg/service/bridge"
	"github.com/binkynet/ServoWorker/pkg/service/devices"
	"github.com/binkynet/ServoWorker/pkg/service/objects"
)

const (
	// Blink delay of the green led while running
	runningBlinkDelay = time.Second
)

type Config struct {
	config.Config
}

type Dependencies struct {
	Logger zerolog.Logger
	Bridge bridge.API
}

// State is a snapshot of the PWM device, all servos and joints.
type State struct {
	Frequency float64              `json:"frequency"`
	Servos    []objects.ServoState `json:"servos"`
	Joints    []objects.JointState `json:"joints,omitempty"`
}

// Service owns the PCA9685 and the servos connected to it.
// It executes commands from all command sources.
type Service struct {
	Config
	Dependencies

	mutex     sync.Mutex
	bus       bridge.I2CBus
	chip      *devices.PCA9685
	servos    []*objects.Servo
	joints    []*objects.Joint
	events    *pubsub.PubSub
	startedAt time.Time

	eventsMutex sync.Mutex
	subscribers map[int]*subscriber
	lastSubID   int
	lastSeqs    map[string]uint64

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewService creates a Service instance and returns it.
// The hardware is not touched until Start.
func NewService(conf Config, deps Dependencies) (*Service, error) {
	if deps.Bridge == nil {
		return nil, devices.InvalidInput("bridge is required")
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	deps.Logger = deps.Logger.With().Str("component", "service").Logger()
	s := &Service{
		Config:       conf,
		Dependencies: deps,
		events:       pubsub.New(),
		subscribers:  make(map[int]*subscriber),
		lastSeqs:     make(map[string]uint64),
	}
	s.events.Sub(s.dispatch)
	return s, nil
}

// Start opens the I2C bus, initializes the PCA9685 and creates
// all configured servos & joints.
// When Start fails, the PCA9685 has been shut down.
func (s *Service) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.chip != nil {
		return nil
	}
	log := s.Logger
	bus, err := s.Bridge.I2CBus()
	if err != nil {
		s.Bridge.SetRedLED(true)
		return errors.Wrapf(devices.DeviceError, "failed to open I2C bus: %v", err)
	}
	chip, err := devices.NewPCA9685(ctx, bus, s.Address, s.Logger)
	if err != nil {
		s.Bridge.SetRedLED(true)
		return maskAny(err)
	}
	servos, joints, err := s.createObjects(ctx, chip)
	if err == nil && s.Config.Frequency != objects.ServoFrequency {
		log.Warn().Float64("frequency", s.Config.Frequency).Msg("Servos expect 50Hz, using configured frequency")
		_, err = chip.SetFrequency(ctx, s.Config.Frequency)
	}
	if err != nil {
		s.Bridge.SetRedLED(true)
		if shutdownErr := chip.Shutdown(ctx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("Failed to shut down PCA9685")
		}
		return maskAny(err)
	}
	s.bus = bus
	s.chip = chip
	s.servos = servos
	s.joints = joints
	s.startedAt = time.Now()
	servosGauge.Set(float64(len(servos)))
	jointsGauge.Set(float64(len(joints)))
	log.Info().
		Int("servos", len(servos)).
		Int("joints", len(joints)).
		Float64("frequency", chip.Frequency()).
		Msg("Service started")
	return nil
}

// createObjects creates all servos & joints.
func (s *Service) createObjects(ctx context.Context, pwm devices.PWM) ([]*objects.Servo, []*objects.Joint, error) {
	var servos []*objects.Servo
	byName := make(map[string]*objects.Servo)
	for _, sc := range s.Config.Servos {
		cfg, err := sc.ServoConfig()
		if err != nil {
			return nil, nil, err
		}
		servo, err := objects.NewServo(ctx, pwm, cfg, s.Logger)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to create servo '%s'", sc.Name)
		}
		servos = append(servos, servo)
		byName[servo.Name()] = servo
	}
	var joints []*objects.Joint
	for _, jc := range s.Config.Joints {
		joint, err := objects.NewJoint(jc.Name, byName[jc.X], byName[jc.Y])
		if err != nil {
			return nil, nil, err
		}
		joints = append(joints, joint)
	}
	return servos, joints, nil
}

// Run starts the service (when needed) and keeps it running until the
// given context is canceled. The PCA9685 is shut down on every exit path,
// after which the bridge is closed.
func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.Bridge.Close(); err != nil {
			s.Logger.Error().Err(err).Msg("Failed to close bridge")
		}
	}()
	defer func() {
		if err := s.Shutdown(context.Background()); err != nil && !devices.IsClosed(err) {
			s.Logger.Error().Err(err).Msg("Shutdown failed")
		}
	}()
	if err := s.Start(ctx); err != nil {
		return err
	}
	s.Bridge.SetRedLED(false)
	s.Bridge.BlinkGreenLED(runningBlinkDelay)

	<-ctx.Done()
	s.Logger.Info().Msg("Stopping service")
	return nil
}

// Shutdown switches all outputs off and closes the bus.
// Only the first call has effect, later calls return the same result.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.mutex.Lock()
		chip := s.chip
		s.mutex.Unlock()

		s.Bridge.SetGreenLED(false)
		if chip != nil {
			s.shutdownErr = chip.Shutdown(ctx)
		}
		s.Logger.Info().Err(s.shutdownErr).Msg("Service shut down")
	})
	return s.shutdownErr
}

// StartedAt returns the time the service was started.
func (s *Service) StartedAt() time.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.startedAt
}

// Frequency returns the realized PWM frequency.
func (s *Service) Frequency() float64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.chip == nil {
		return 0
	}
	return s.chip.Frequency()
}

// Servos returns all servos in configuration order.
func (s *Service) Servos() []*objects.Servo {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]*objects.Servo(nil), s.servos...)
}

// Servo returns the servo with given name, or the servo connected
// to the channel with given number.
func (s *Service) Servo(nameOrChannel string) (*objects.Servo, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, servo := range s.servos {
		if servo.Name() == nameOrChannel {
			return servo, nil
		}
	}
	if ch, err := strconv.Atoi(nameOrChannel); err == nil {
		for _, servo := range s.servos {
			if int(servo.Channel()) == ch {
				return servo, nil
			}
		}
	}
	return nil, errors.Wrapf(NotFoundError, "servo '%s'", nameOrChannel)
}

// Joint returns the joint with given name.
func (s *Service) Joint(name string) (*objects.Joint, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, joint := range s.joints {
		if joint.Name() == name {
			return joint, nil
		}
	}
	return nil, errors.Wrapf(NotFoundError, "joint '%s'", name)
}

// States returns a snapshot of all servos & joints.
func (s *Service) States() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	state := State{
		Servos: make([]objects.ServoState, 0, len(s.servos)),
	}
	if s.chip != nil {
		state.Frequency = s.chip.Frequency()
	}
	for _, servo := range s.servos {
		state.Servos = append(state.Servos, servo.State())
	}
	for _, joint := range s.joints {
		state.Joints = append(state.Joints, joint.State())
	}
	return state
}

// DetectDevices probes the I2C bus for devices.
func (s *Service) DetectDevices() ([]byte, error) {
	s.mutex.Lock()
	bus := s.bus
	s.mutex.Unlock()
	if bus == nil {
		return nil, maskAny(NotStartedError)
	}
	return bus.DetectSlaveAddresses(), nil
}

// ExecuteLine parses the given line and executes it.
func (s *Service) ExecuteLine(ctx context.Context, line string) (State, error) {
	cmd, err := ParseCommand(line)
	if err != nil {
		return State{}, err
	}
	return s.Execute(ctx, cmd)
}

// Execute runs a single command and returns the resulting state.
// A failing command is logged and dropped; the servo stays at its
// last successfully set position.
func (s *Service) Execute(ctx context.Context, cmd Command) (State, error) {
	kind := string(cmd.Kind)
	commandsTotal.WithLabelValues(kind).Inc()
	log := s.Logger.With().Str("command", cmd.String()).Logger()

	changed, err := s.execute(ctx, cmd)
	for _, servo := range changed {
		s.events.Pub(servo.State())
	}
	if err != nil {
		commandErrorsTotal.WithLabelValues(kind).Inc()
		if devices.IsBus(err) || devices.IsDevice(err) {
			s.Bridge.SetRedLED(true)
			log.Error().Err(err).Msg("Command failed on the bus")
		} else {
			log.Warn().Err(err).Msg("Command failed")
		}
		return State{}, err
	}
	if cmd.Kind != CommandStatus {
		s.Bridge.SetRedLED(false)
		log.Debug().Msg("Command executed")
	}
	return s.States(), nil
}

// execute runs the given command, returning the servos it changed.
func (s *Service) execute(ctx context.Context, cmd Command) ([]*objects.Servo, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	s.mutex.Lock()
	chip := s.chip
	s.mutex.Unlock()
	if chip == nil {
		return nil, maskAny(NotStartedError)
	}

	switch cmd.Kind {
	case CommandStatus:
		return nil, nil
	case CommandFrequency:
		_, err := chip.SetFrequency(ctx, cmd.Values[0])
		return nil, err
	case CommandPulse, CommandDuty:
		ch, err := cmd.Channel()
		if err != nil {
			return nil, err
		}
		if cmd.Kind == CommandPulse {
			return nil, chip.SetPulseWidth(ctx, ch, cmd.Values[0])
		}
		return nil, chip.SetDutyCycle(ctx, ch, cmd.Values[0])
	case CommandJoint, CommandNudge:
		joint, err := s.Joint(cmd.Target)
		if err != nil {
			return nil, err
		}
		if cmd.Kind == CommandJoint {
			err = joint.SetAngle(ctx, cmd.Values[0], cmd.Values[1])
		} else {
			err = joint.Move(ctx, cmd.Values[0], cmd.Values[1])
		}
		// One axis may have moved
		return []*objects.Servo{joint.X(), joint.Y()}, err
	}

	servo, err := s.Servo(cmd.Target)
	if err != nil {
		return nil, err
	}
	switch cmd.Kind {
	case CommandAngle:
		err = servo.SetAngle(ctx, cmd.Values[0])
	case CommandMove:
		err = servo.MoveBy(ctx, cmd.Values[0])
	case CommandSpeed:
		err = servo.Move(ctx, cmd.Values[0])
	case CommandStop:
		err = servo.Stop(ctx)
	case CommandRate:
		err = servo.SetPulseRate(ctx, cmd.Values[0]/100)
	case CommandSet:
		err = servo.Apply(ctx, cmd.Values[0])
	case CommandRelease:
		err = servo.Release(ctx)
	default:
		err = devices.InvalidInput("unknown command '%s'", cmd.Kind)
	}
	if err != nil {
		return nil, err
	}
	return []*objects.Servo{servo}, nil
}

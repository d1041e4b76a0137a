// Copyright 2020 Ewout Prangsma
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

package objects

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/binkynet/ServoWorker/pkg/service/devices"
)

const (
	// ServoFrequency is the PWM frequency (in Hz) servos expect.
	ServoFrequency = 50.0
	// DefaultPulseMin is the pulse width (in ms) at rate 0.
	DefaultPulseMin = 0.5
	// DefaultPulseMax is the pulse width (in ms) at rate 1.
	DefaultPulseMax = 2.4
	// DefaultStartAngle is the angle a servo is assumed to be at after construction.
	DefaultStartAngle = 90.0
	// MaxAngle of an angle servo.
	MaxAngle = 180.0
	// MaxDirection of a continuous rotation servo (full forward).
	MaxDirection = 100.0
)

// ServoConfig holds the settings of a single servo.
type ServoConfig struct {
	// Name of the servo, used in commands, logs & metrics.
	Name string
	// Channel of the servo on the PWM device.
	Channel devices.Channel
	// Mode of the servo
	Mode Mode
	// PulseMin is the pulse width (in ms) at rate 0.
	PulseMin float64
	// PulseMax is the pulse width (in ms) at rate 1.
	PulseMax float64
	// StartAngle is the angle recorded at construction (angle modes only).
	StartAngle float64
}

// NewServoConfig returns a configuration with default pulse bounds
// and start angle.
func NewServoConfig(name string, channel devices.Channel, mode Mode) ServoConfig {
	return ServoConfig{
		Name:       name,
		Channel:    channel,
		Mode:       mode,
		PulseMin:   DefaultPulseMin,
		PulseMax:   DefaultPulseMax,
		StartAngle: DefaultStartAngle,
	}
}

// Validate the configuration.
func (c ServoConfig) Validate() error {
	if c.Name == "" {
		return devices.InvalidInput("servo name is empty")
	}
	if c.Channel == devices.AllChannels {
		return devices.InvalidInput("servo '%s' must use a single channel", c.Name)
	}
	if err := c.Channel.Validate(); err != nil {
		return err
	}
	if err := c.Mode.Validate(); err != nil {
		return err
	}
	if c.PulseMin < 0 || !(c.PulseMin < c.PulseMax) {
		return devices.InvalidInput("servo '%s': pulse bounds must satisfy 0 <= min < max, got %v..%v", c.Name, c.PulseMin, c.PulseMax)
	}
	if c.StartAngle < 0 || c.StartAngle > MaxAngle {
		return devices.InvalidInput("servo '%s': start angle must be in 0..%v, got %v", c.Name, MaxAngle, c.StartAngle)
	}
	return nil
}

// Servo drives a single hobby servo connected to a channel of a PWM device.
// The PWM device is borrowed and must outlive the servo.
type Servo struct {
	mutex    sync.Mutex
	log      zerolog.Logger
	pwm      devices.PWM
	name     string
	channel  devices.Channel
	mode     Mode
	pulseMin float64
	pulseMax float64

	angle      float64 // Last commanded angle (angle modes)
	direction  float64 // Last commanded direction (continuous mode)
	pulseWidth float64 // Last pulse width (µs) written, 0 if none
	seq        uint64  // Incremented on every successful write
}

// NewServo binds a servo to a channel of the given PWM device.
// The device is set to ServoFrequency. No pulse is issued until the
// first explicit command.
func NewServo(ctx context.Context, pwm devices.PWM, config ServoConfig, log zerolog.Logger) (*Servo, error) {
	if pwm == nil {
		return nil, devices.InvalidInput("pwm device is nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if pwm.Frequency() != devices.FrequencyForPrescale(devices.PrescaleForFrequency(ServoFrequency)) {
		if _, err := pwm.SetFrequency(ctx, ServoFrequency); err != nil {
			return nil, err
		}
	}
	s := &Servo{
		log: log.With().
			Str("component", "servo").
			Str("servo", config.Name).
			Int("channel", int(config.Channel)).
			Logger(),
		pwm:      pwm,
		name:     config.Name,
		channel:  config.Channel,
		mode:     config.Mode,
		pulseMin: config.PulseMin,
		pulseMax: config.PulseMax,
	}
	if config.Mode.IsAngle() {
		s.angle = config.StartAngle
	}
	servosCreatedTotal.Inc()
	s.log.Debug().
		Str("mode", config.Mode.String()).
		Float64("angle", s.angle).
		Msg("Servo created")
	return s, nil
}

// Name returns the name of the servo.
func (s *Servo) Name() string {
	return s.name
}

// Channel returns the channel of the servo.
func (s *Servo) Channel() devices.Channel {
	return s.channel
}

// Mode returns the mode of the servo.
func (s *Servo) Mode() Mode {
	return s.mode
}

// Angle returns the last successfully commanded angle.
func (s *Servo) Angle() float64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.angle
}

// Direction returns the last successfully commanded direction.
func (s *Servo) Direction() float64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.direction
}

// ComputePulseWidth returns the pulse width (in ms) for the given rate.
// The rate is not clamped.
func (s *Servo) ComputePulseWidth(rate float64) float64 {
	return s.pulseMin + (s.pulseMax-s.pulseMin)*rate
}

// SetPulseRate sets the pulse width as a rate (0..1) of the pulse range.
func (s *Servo) SetPulseRate(ctx context.Context, rate float64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := checkNumber("rate", rate); err != nil {
		return err
	}
	rate = clamp(s.log, s.name, "rate", rate, 0, 1)
	return s.setPulseRate(ctx, rate)
}

// SetAngle moves an angle servo to the given absolute angle (0..180).
func (s *Servo) SetAngle(ctx context.Context, degree float64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.mode.IsAngle() {
		return devices.InvalidInput("servo '%s' (%s) cannot be set to an angle", s.name, s.mode)
	}
	if err := checkNumber("angle", degree); err != nil {
		return err
	}
	return s.setAngle(ctx, clamp(s.log, s.name, "angle", degree, 0, MaxAngle))
}

// MoveBy moves an angle servo by the given delta from its current angle.
// The resulting angle is clamped to 0..180.
func (s *Servo) MoveBy(ctx context.Context, delta float64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.mode.IsAngle() {
		return devices.InvalidInput("servo '%s' (%s) cannot be moved by an angle", s.name, s.mode)
	}
	if err := checkNumber("delta", delta); err != nil {
		return err
	}
	return s.setAngle(ctx, clamp(s.log, s.name, "angle", s.angle+delta, 0, MaxAngle))
}

// Move turns a continuous rotation servo in the given direction.
// -100 is full reverse, 0 is stop, 100 is full forward.
func (s *Servo) Move(ctx context.Context, direction float64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.mode != ModeContinuousRotation {
		return devices.InvalidInput("servo '%s' (%s) cannot rotate continuously", s.name, s.mode)
	}
	if err := checkNumber("direction", direction); err != nil {
		return err
	}
	direction = clamp(s.log, s.name, "direction", direction, -MaxDirection, MaxDirection)
	if err := s.setPulseRate(ctx, (direction+MaxDirection)/(2*MaxDirection)); err != nil {
		return err
	}
	s.direction = direction
	return nil
}

// Stop a continuous rotation servo.
func (s *Servo) Stop(ctx context.Context) error {
	return s.Move(ctx, 0)
}

// Release switches the pulse off, so the servo no longer holds its position.
// The commanded angle is kept.
func (s *Servo) Release(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	servoRequestsTotal.WithLabelValues(s.name).Inc()
	if err := s.pwm.SetDutyCycle(ctx, s.channel, 0); err != nil {
		servoRequestErrorsTotal.WithLabelValues(s.name).Inc()
		return err
	}
	s.pulseWidth = 0
	s.seq++
	servoPulseWidthGauge.WithLabelValues(s.name).Set(0)
	s.log.Debug().Msg("Servo released")
	return nil
}

// Apply the given value in the way the mode of the servo interprets it:
// an absolute angle, an angle delta or a direction.
func (s *Servo) Apply(ctx context.Context, value float64) error {
	switch s.mode {
	case ModeAbsoluteAngle:
		return s.SetAngle(ctx, value)
	case ModeRelativeAngle:
		return s.MoveBy(ctx, value)
	case ModeContinuousRotation:
		return s.Move(ctx, value)
	default:
		return devices.InvalidInput("unknown servo mode '%s'", s.mode)
	}
}

// State returns a snapshot of the servo.
func (s *Servo) State() ServoState {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	state := ServoState{
		Name:       s.name,
		Channel:    int(s.channel),
		Mode:       s.mode,
		PulseWidth: s.pulseWidth,
		Seq:        s.seq,
	}
	if s.mode.IsAngle() {
		state.Angle = s.angle
	} else {
		state.Direction = s.direction
	}
	return state
}

// setAngle writes the pulse for the given (clamped) angle.
// The mutex must be held.
func (s *Servo) setAngle(ctx context.Context, degree float64) error {
	if err := s.setPulseRate(ctx, degree/MaxAngle); err != nil {
		return err
	}
	s.angle = degree
	return nil
}

// setPulseRate writes the pulse for the given rate.
// The mutex must be held.
func (s *Servo) setPulseRate(ctx context.Context, rate float64) error {
	width := s.ComputePulseWidth(rate) * 1000
	servoRequestsTotal.WithLabelValues(s.name).Inc()
	if err := s.pwm.SetPulseWidth(ctx, s.channel, width); err != nil {
		servoRequestErrorsTotal.WithLabelValues(s.name).Inc()
		s.log.Warn().Err(err).Float64("pulse", width).Msg("Set servo failed")
		return err
	}
	s.pulseWidth = width
	s.seq++
	servoPulseWidthGauge.WithLabelValues(s.name).Set(width)
	s.log.Debug().
		Float64("rate", rate).
		Float64("pulse", width).
		Msg("Set servo succeeded")
	return nil
}

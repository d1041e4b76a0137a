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
	"errors"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"github.com/binkynet/ServoWorker/pkg/service/bridge"
	"github.com/binkynet/ServoWorker/pkg/service/devices"
)

type pulseCall struct {
	channel devices.Channel
	width   float64
}

type dutyCall struct {
	channel devices.Channel
	percent float64
}

// recordingPWM records all calls made to it.
type recordingPWM struct {
	frequency   float64
	frequencies []float64
	pulses      []pulseCall
	duties      []dutyCall
	err         error
}

func newRecordingPWM() *recordingPWM {
	return &recordingPWM{frequency: devices.FrequencyForPrescale(devices.PrescaleForFrequency(devices.DefaultFrequency))}
}

func (p *recordingPWM) SetFrequency(ctx context.Context, hz float64) (float64, error) {
	if p.err != nil {
		return 0, p.err
	}
	p.frequencies = append(p.frequencies, hz)
	p.frequency = devices.FrequencyForPrescale(devices.PrescaleForFrequency(hz))
	return p.frequency, nil
}

func (p *recordingPWM) Frequency() float64 { return p.frequency }

func (p *recordingPWM) SetDutyCycle(ctx context.Context, ch devices.Channel, percent float64) error {
	if p.err != nil {
		return p.err
	}
	p.duties = append(p.duties, dutyCall{ch, percent})
	return nil
}

func (p *recordingPWM) SetPulseWidth(ctx context.Context, ch devices.Channel, width float64) error {
	if p.err != nil {
		return p.err
	}
	p.pulses = append(p.pulses, pulseCall{ch, width})
	return nil
}

func (p *recordingPWM) DutyCycle(ctx context.Context, ch devices.Channel) (float64, error) {
	return 0, nil
}

func (p *recordingPWM) lastPulse(t *testing.T) pulseCall {
	t.Helper()
	if len(p.pulses) == 0 {
		t.Fatal("No pulse written")
	}
	return p.pulses[len(p.pulses)-1]
}

func newTestServo(t *testing.T, pwm devices.PWM, mode Mode) *Servo {
	t.Helper()
	s, err := NewServo(context.Background(), pwm, NewServoConfig("test", 3, mode), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServo failed: %v", err)
	}
	return s
}

func expectPulse(t *testing.T, pwm *recordingPWM, width float64) {
	t.Helper()
	p := pwm.lastPulse(t)
	if p.channel != 3 {
		t.Errorf("Pulse on channel %d, expected 3", p.channel)
	}
	if math.Abs(p.width-width) > 1e-9 {
		t.Errorf("Pulse width = %v, expected %v", p.width, width)
	}
}

func TestNewServoForcesServoFrequency(t *testing.T) {
	pwm := newRecordingPWM()
	s := newTestServo(t, pwm, ModeAbsoluteAngle)
	if len(pwm.frequencies) != 1 || pwm.frequencies[0] != ServoFrequency {
		t.Errorf("Frequencies = %v, expected [%v]", pwm.frequencies, ServoFrequency)
	}
	if len(pwm.pulses) != 0 || len(pwm.duties) != 0 {
		t.Errorf("Expected no pulse at construction, got %v %v", pwm.pulses, pwm.duties)
	}
	if s.Angle() != DefaultStartAngle {
		t.Errorf("Angle = %v, expected %v", s.Angle(), DefaultStartAngle)
	}

	// Second servo finds the device at the servo frequency already
	newTestServo(t, pwm, ModeAbsoluteAngle)
	if len(pwm.frequencies) != 1 {
		t.Errorf("Expected frequency to be set once, got %v", pwm.frequencies)
	}
}

func TestNewServoInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*ServoConfig)
	}{
		{"empty name", func(c *ServoConfig) { c.Name = "" }},
		{"channel too high", func(c *ServoConfig) { c.Channel = 16 }},
		{"all channels", func(c *ServoConfig) { c.Channel = devices.AllChannels }},
		{"unknown mode", func(c *ServoConfig) { c.Mode = "wobble" }},
		{"min equals max", func(c *ServoConfig) { c.PulseMin = 1.5; c.PulseMax = 1.5 }},
		{"min above max", func(c *ServoConfig) { c.PulseMin = 2.5 }},
		{"negative min", func(c *ServoConfig) { c.PulseMin = -0.1 }},
		{"start angle", func(c *ServoConfig) { c.StartAngle = 181 }},
	}
	for _, test := range tests {
		cfg := NewServoConfig("test", 0, ModeAbsoluteAngle)
		test.modify(&cfg)
		if _, err := NewServo(context.Background(), newRecordingPWM(), cfg, zerolog.Nop()); !devices.IsInvalidInput(err) {
			t.Errorf("%s: expected InvalidInputError, got %v", test.name, err)
		}
	}
}

func TestComputePulseWidth(t *testing.T) {
	s := newTestServo(t, newRecordingPWM(), ModeAbsoluteAngle)
	tests := []struct {
		rate, width float64
	}{
		{0, 0.5},
		{0.5, 1.45},
		{1, 2.4},
		{1.5, 3.35}, // not clamped
		{-1, -1.4},
	}
	for _, test := range tests {
		if w := s.ComputePulseWidth(test.rate); math.Abs(w-test.width) > 1e-9 {
			t.Errorf("ComputePulseWidth(%v) = %v, expected %v", test.rate, w, test.width)
		}
	}
}

func TestSetAngleBounds(t *testing.T) {
	pwm := newRecordingPWM()
	s := newTestServo(t, pwm, ModeAbsoluteAngle)
	ctx := context.Background()

	if err := s.SetAngle(ctx, 0); err != nil {
		t.Fatalf("SetAngle failed: %v", err)
	}
	expectPulse(t, pwm, 500)
	if err := s.SetAngle(ctx, 180); err != nil {
		t.Fatalf("SetAngle failed: %v", err)
	}
	expectPulse(t, pwm, 2400)
	if len(pwm.pulses) != 2 {
		t.Errorf("Expected 2 pulses, got %d", len(pwm.pulses))
	}
	if err := s.SetAngle(ctx, 90); err != nil {
		t.Fatalf("SetAngle failed: %v", err)
	}
	expectPulse(t, pwm, 1450)
	if s.Angle() != 90 {
		t.Errorf("Angle = %v, expected 90", s.Angle())
	}
}

func TestSetAngleClamps(t *testing.T) {
	pwm := newRecordingPWM()
	s := newTestServo(t, pwm, ModeAbsoluteAngle)
	ctx := context.Background()

	if err := s.SetAngle(ctx, -10); err != nil {
		t.Fatalf("SetAngle failed: %v", err)
	}
	expectPulse(t, pwm, 500)
	if s.Angle() != 0 {
		t.Errorf("Angle = %v, expected 0", s.Angle())
	}
	if err := s.SetAngle(ctx, 200); err != nil {
		t.Fatalf("SetAngle failed: %v", err)
	}
	expectPulse(t, pwm, 2400)
	if s.Angle() != 180 {
		t.Errorf("Angle = %v, expected 180", s.Angle())
	}
	if err := s.SetAngle(ctx, math.NaN()); !devices.IsInvalidInput(err) {
		t.Errorf("Expected InvalidInputError for NaN, got %v", err)
	}
}

func TestSetPulseRateClamps(t *testing.T) {
	pwm := newRecordingPWM()
	s := newTestServo(t, pwm, ModeContinuousRotation)
	ctx := context.Background()

	if err := s.SetPulseRate(ctx, 0.25); err != nil {
		t.Fatalf("SetPulseRate failed: %v", err)
	}
	expectPulse(t, pwm, 975)
	if err := s.SetPulseRate(ctx, 1.5); err != nil {
		t.Fatalf("SetPulseRate failed: %v", err)
	}
	expectPulse(t, pwm, 2400)
	if err := s.SetPulseRate(ctx, -0.5); err != nil {
		t.Fatalf("SetPulseRate failed: %v", err)
	}
	expectPulse(t, pwm, 500)
}

func TestMoveByAccumulates(t *testing.T) {
	pwm := newRecordingPWM()
	s := newTestServo(t, pwm, ModeRelativeAngle)
	ctx := context.Background()

	if err := s.MoveBy(ctx, 30); err != nil {
		t.Fatalf("MoveBy failed: %v", err)
	}
	if s.Angle() != 120 {
		t.Errorf("Angle = %v, expected 120", s.Angle())
	}
	expectPulse(t, pwm, 500+1900*120.0/180.0)
	if err := s.MoveBy(ctx, 100); err != nil {
		t.Fatalf("MoveBy failed: %v", err)
	}
	if s.Angle() != 180 {
		t.Errorf("Angle = %v, expected 180 (clamped)", s.Angle())
	}
	if err := s.MoveBy(ctx, -45); err != nil {
		t.Fatalf("MoveBy failed: %v", err)
	}
	if s.Angle() != 135 {
		t.Errorf("Angle = %v, expected 135", s.Angle())
	}
}

func TestMoveContinuous(t *testing.T) {
	pwm := newRecordingPWM()
	s := newTestServo(t, pwm, ModeContinuousRotation)
	ctx := context.Background()

	tests := []struct {
		direction, width float64
	}{
		{-100, 500},
		{0, 1450},
		{100, 2400},
		{50, 1925},
		{-300, 500}, // clamped
	}
	for _, test := range tests {
		if err := s.Move(ctx, test.direction); err != nil {
			t.Fatalf("Move(%v) failed: %v", test.direction, err)
		}
		expectPulse(t, pwm, test.width)
	}
	if s.Direction() != -100 {
		t.Errorf("Direction = %v, expected -100", s.Direction())
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	expectPulse(t, pwm, 1450)
	if s.Direction() != 0 {
		t.Errorf("Direction = %v, expected 0", s.Direction())
	}
}

func TestModeMismatch(t *testing.T) {
	ctx := context.Background()
	angle := newTestServo(t, newRecordingPWM(), ModeAbsoluteAngle)
	if err := angle.Move(ctx, 10); !devices.IsInvalidInput(err) {
		t.Errorf("Move on angle servo: expected InvalidInputError, got %v", err)
	}
	cont := newTestServo(t, newRecordingPWM(), ModeContinuousRotation)
	if err := cont.SetAngle(ctx, 10); !devices.IsInvalidInput(err) {
		t.Errorf("SetAngle on continuous servo: expected InvalidInputError, got %v", err)
	}
	if err := cont.MoveBy(ctx, 10); !devices.IsInvalidInput(err) {
		t.Errorf("MoveBy on continuous servo: expected InvalidInputError, got %v", err)
	}
}

func TestFailedWriteKeepsAngle(t *testing.T) {
	pwm := newRecordingPWM()
	s := newTestServo(t, pwm, ModeAbsoluteAngle)
	ctx := context.Background()

	if err := s.SetAngle(ctx, 30); err != nil {
		t.Fatalf("SetAngle failed: %v", err)
	}
	pwm.err = errors.New("nack")
	if err := s.SetAngle(ctx, 150); err == nil {
		t.Fatal("Expected SetAngle to fail")
	}
	if err := s.MoveBy(ctx, 10); err == nil {
		t.Fatal("Expected MoveBy to fail")
	}
	if s.Angle() != 30 {
		t.Errorf("Angle = %v, expected 30 after failed writes", s.Angle())
	}
	if st := s.State(); st.PulseWidth != s.ComputePulseWidth(30.0/180)*1000 {
		t.Errorf("PulseWidth = %v, expected the last successful pulse", st.PulseWidth)
	}
}

func TestApplyByMode(t *testing.T) {
	ctx := context.Background()

	pwm := newRecordingPWM()
	abs := newTestServo(t, pwm, ModeAbsoluteAngle)
	abs.Apply(ctx, 45)
	abs.Apply(ctx, 45)
	if abs.Angle() != 45 {
		t.Errorf("absolute: Angle = %v, expected 45", abs.Angle())
	}

	rel := newTestServo(t, newRecordingPWM(), ModeRelativeAngle)
	rel.Apply(ctx, 45)
	rel.Apply(ctx, 30)
	if rel.Angle() != 165 {
		t.Errorf("relative: Angle = %v, expected 165", rel.Angle())
	}

	cont := newTestServo(t, newRecordingPWM(), ModeContinuousRotation)
	cont.Apply(ctx, -20)
	if cont.Direction() != -20 {
		t.Errorf("continuous: Direction = %v, expected -20", cont.Direction())
	}
}

func TestRelease(t *testing.T) {
	pwm := newRecordingPWM()
	s := newTestServo(t, pwm, ModeAbsoluteAngle)
	ctx := context.Background()
	s.SetAngle(ctx, 60)
	if err := s.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if len(pwm.duties) != 1 || pwm.duties[0] != (dutyCall{3, 0}) {
		t.Errorf("Duties = %v, expected channel 3 at 0%%", pwm.duties)
	}
	st := s.State()
	if st.PulseWidth != 0 || st.Angle != 60 {
		t.Errorf("State = %+v, expected released at 60°", st)
	}
}

func TestParseMode(t *testing.T) {
	tests := map[string]Mode{
		"":           ModeAbsoluteAngle,
		"absolute":   ModeAbsoluteAngle,
		"180":        ModeAbsoluteAngle,
		"Relative":   ModeRelativeAngle,
		"continuous": ModeContinuousRotation,
		"360":        ModeContinuousRotation,
	}
	for input, expected := range tests {
		if m, err := ParseMode(input); err != nil || m != expected {
			t.Errorf("ParseMode(%q) = %v, %v; expected %v", input, m, err, expected)
		}
	}
	if _, err := ParseMode("90"); !devices.IsInvalidInput(err) {
		t.Errorf("Expected InvalidInputError, got %v", err)
	}
}

// A servo on a simulated chip ends up with the expected register values.
func TestServoOnPCA9685(t *testing.T) {
	ctx := context.Background()
	regs := devices.NewSimulatedPCA9685()
	bus := bridge.NewVirtualBus()
	bus.Attach(devices.DefaultAddress, regs)
	chip, err := devices.NewPCA9685(ctx, bus, devices.DefaultAddress, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPCA9685 failed: %v", err)
	}
	defer chip.Shutdown(ctx)

	s, err := NewServo(ctx, chip, NewServoConfig("pan", 0, ModeAbsoluteAngle), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServo failed: %v", err)
	}
	if p := chip.Prescale(); p != 121 {
		t.Errorf("Prescale = %d, expected 121", p)
	}
	if err := s.SetAngle(ctx, 90); err != nil {
		t.Fatalf("SetAngle failed: %v", err)
	}
	on, off, err := chip.Levels(ctx, 0)
	if err != nil {
		t.Fatalf("Levels failed: %v", err)
	}
	if on != 0 || off != 297 {
		t.Errorf("Levels = (%d, %d), expected (0, 297)", on, off)
	}
}

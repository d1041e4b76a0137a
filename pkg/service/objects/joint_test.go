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
	"testing"

	"github.com/rs/zerolog"

	"github.com/binkynet/ServoWorker/pkg/service/devices"
)

func newTestJoint(t *testing.T, pwm devices.PWM) *Joint {
	t.Helper()
	ctx := context.Background()
	x, err := NewServo(ctx, pwm, NewServoConfig("x", 0, ModeRelativeAngle), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServo failed: %v", err)
	}
	y, err := NewServo(ctx, pwm, NewServoConfig("y", 1, ModeRelativeAngle), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServo failed: %v", err)
	}
	j, err := NewJoint("shoulder", x, y)
	if err != nil {
		t.Fatalf("NewJoint failed: %v", err)
	}
	return j
}

func TestJointSetAngleAndMove(t *testing.T) {
	pwm := newRecordingPWM()
	j := newTestJoint(t, pwm)
	ctx := context.Background()

	if x, y := j.Angles(); x != 90 || y != 90 {
		t.Errorf("Angles = (%v, %v), expected start angles", x, y)
	}
	if err := j.SetAngle(ctx, 10, 20); err != nil {
		t.Fatalf("SetAngle failed: %v", err)
	}
	if err := j.Move(ctx, 5, -5); err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if x, y := j.Angles(); x != 15 || y != 15 {
		t.Errorf("Angles = (%v, %v), expected (15, 15)", x, y)
	}
	if len(pwm.pulses) != 4 {
		t.Fatalf("Expected 4 pulses, got %v", pwm.pulses)
	}
	if pwm.pulses[0].channel != 0 || pwm.pulses[1].channel != 1 {
		t.Errorf("Expected x (channel 0) to move before y (channel 1), got %v", pwm.pulses)
	}
	st := j.State()
	if st.Name != "shoulder" || st.X != "x" || st.Y != "y" || st.AngleX != 15 || st.AngleY != 15 {
		t.Errorf("Unexpected state %+v", st)
	}
}

func TestJointFailedMoveKeepsAngles(t *testing.T) {
	pwm := newRecordingPWM()
	j := newTestJoint(t, pwm)
	pwm.err = errors.New("nack")
	if err := j.Move(context.Background(), 10, 10); err == nil {
		t.Fatal("Expected Move to fail")
	}
	if x, y := j.Angles(); x != 90 || y != 90 {
		t.Errorf("Angles = (%v, %v), expected unchanged", x, y)
	}
}

func TestNewJointInvalid(t *testing.T) {
	ctx := context.Background()
	pwm := newRecordingPWM()
	a, _ := NewServo(ctx, pwm, NewServoConfig("a", 0, ModeAbsoluteAngle), zerolog.Nop())
	c, _ := NewServo(ctx, pwm, NewServoConfig("c", 1, ModeContinuousRotation), zerolog.Nop())

	if _, err := NewJoint("j", a, a); !devices.IsInvalidInput(err) {
		t.Errorf("Same servo twice: expected InvalidInputError, got %v", err)
	}
	if _, err := NewJoint("j", a, c); !devices.IsInvalidInput(err) {
		t.Errorf("Continuous servo: expected InvalidInputError, got %v", err)
	}
	if _, err := NewJoint("", a, a); !devices.IsInvalidInput(err) {
		t.Errorf("Empty name: expected InvalidInputError, got %v", err)
	}
	if _, err := NewJoint("j", a, nil); !devices.IsInvalidInput(err) {
		t.Errorf("Missing servo: expected InvalidInputError, got %v", err)
	}
}

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

	"github.com/pkg/errors"

	"github.com/binkynet/ServoWorker/pkg/service/devices"
)

// Joint combines two angle servos into a two-axis joint (a shoulder).
// The angles of both axes persist in the servos.
type Joint struct {
	name string
	x    *Servo
	y    *Servo
}

// JointState is a snapshot of a joint.
type JointState struct {
	Name   string  `json:"name"`
	X      string  `json:"x"`
	Y      string  `json:"y"`
	AngleX float64 `json:"angle_x"`
	AngleY float64 `json:"angle_y"`
}

// NewJoint creates a joint from the given servos.
func NewJoint(name string, x, y *Servo) (*Joint, error) {
	if name == "" {
		return nil, devices.InvalidInput("joint name is empty")
	}
	if x == nil || y == nil {
		return nil, devices.InvalidInput("joint '%s' needs two servos", name)
	}
	if x == y {
		return nil, devices.InvalidInput("joint '%s' uses servo '%s' for both axes", name, x.Name())
	}
	for _, s := range []*Servo{x, y} {
		if !s.Mode().IsAngle() {
			return nil, devices.InvalidInput("joint '%s': servo '%s' (%s) is not an angle servo", name, s.Name(), s.Mode())
		}
	}
	return &Joint{name: name, x: x, y: y}, nil
}

// Name returns the name of the joint.
func (j *Joint) Name() string {
	return j.name
}

// X returns the servo of the X axis.
func (j *Joint) X() *Servo {
	return j.x
}

// Y returns the servo of the Y axis.
func (j *Joint) Y() *Servo {
	return j.y
}

// SetAngle moves both axes to the given absolute angles.
// The X axis is moved first; if it fails, Y is not moved.
func (j *Joint) SetAngle(ctx context.Context, degreeX, degreeY float64) error {
	if err := j.x.SetAngle(ctx, degreeX); err != nil {
		return errors.Wrapf(err, "joint '%s' x", j.name)
	}
	if err := j.y.SetAngle(ctx, degreeY); err != nil {
		return errors.Wrapf(err, "joint '%s' y", j.name)
	}
	return nil
}

// Move moves both axes by the given deltas from their current angles.
func (j *Joint) Move(ctx context.Context, deltaX, deltaY float64) error {
	if err := j.x.MoveBy(ctx, deltaX); err != nil {
		return errors.Wrapf(err, "joint '%s' x", j.name)
	}
	if err := j.y.MoveBy(ctx, deltaY); err != nil {
		return errors.Wrapf(err, "joint '%s' y", j.name)
	}
	return nil
}

// Angles returns the current angles of both axes.
func (j *Joint) Angles() (x, y float64) {
	return j.x.Angle(), j.y.Angle()
}

// State returns a snapshot of the joint.
func (j *Joint) State() JointState {
	x, y := j.Angles()
	return JointState{
		Name:   j.name,
		X:      j.x.Name(),
		Y:      j.y.Name(),
		AngleX: x,
		AngleY: y,
	}
}

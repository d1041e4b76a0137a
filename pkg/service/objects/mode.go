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
	"strings"

	"github.com/binkynet/ServoWorker/pkg/service/devices"
)

// Mode selects how a servo interprets the values it is given.
type Mode string

const (
	// ModeAbsoluteAngle servos (180°) are set to an absolute angle in 0..180.
	ModeAbsoluteAngle Mode = "absolute"
	// ModeRelativeAngle servos (180°) are moved by a delta from their current angle.
	ModeRelativeAngle Mode = "relative"
	// ModeContinuousRotation servos (360°) are given a direction/speed in -100..100.
	ModeContinuousRotation Mode = "continuous"
)

// String returns the name of the mode.
func (m Mode) String() string {
	return string(m)
}

// Validate returns an InvalidInputError for unknown modes.
func (m Mode) Validate() error {
	switch m {
	case ModeAbsoluteAngle, ModeRelativeAngle, ModeContinuousRotation:
		return nil
	default:
		return devices.InvalidInput("unknown servo mode '%s'", string(m))
	}
}

// IsAngle returns true for modes that track an angle.
func (m Mode) IsAngle() bool {
	return m == ModeAbsoluteAngle || m == ModeRelativeAngle
}

// ParseMode parses a mode name. Besides the canonical names it accepts
// "180" and "360" for the servo kinds.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "absolute", "angle", "180":
		return ModeAbsoluteAngle, nil
	case "relative":
		return ModeRelativeAngle, nil
	case "continuous", "360":
		return ModeContinuousRotation, nil
	default:
		return "", devices.InvalidInput("unknown servo mode '%s'", s)
	}
}

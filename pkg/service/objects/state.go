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
	"math"

	"github.com/binkynet/ServoWorker/pkg/service/devices"
)

// ServoState is a snapshot of a servo, as reported to command sources.
type ServoState struct {
	Name    string `json:"name"`
	Channel int    `json:"channel"`
	Mode    Mode   `json:"mode"`
	// Angle in degrees (angle modes)
	Angle float64 `json:"angle"`
	// Direction in -100..100 (continuous mode)
	Direction float64 `json:"direction"`
	// PulseWidth in µs, 0 when no pulse is being generated
	PulseWidth float64 `json:"pulse_width_us"`
	// Seq increases with every change of the servo; a state with a
	// higher Seq is newer.
	Seq uint64 `json:"seq"`
}

func checkNumber(what string, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return devices.InvalidInput("%s is not a finite number", what)
	}
	return nil
}

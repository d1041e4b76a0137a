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
	"github.com/rs/zerolog"
)

// clamp limits the given value to lo..hi.
// A warning is logged when the value is changed.
func clamp(log zerolog.Logger, servo, what string, value, lo, hi float64) float64 {
	var result float64
	switch {
	case value < lo:
		result = lo
	case value > hi:
		result = hi
	default:
		return value
	}
	servoClampedTotal.WithLabelValues(servo).Inc()
	log.Warn().
		Float64("requested", value).
		Float64("clamped", result).
		Msgf("%s out of range", what)
	return result
}

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
	"github.com/binkynet/ServoWorker/pkg/metrics"
)

const (
	subSystem = "objects"
)

var (
	// Number of created servos
	servosCreatedTotal = metrics.MustRegisterGauge(subSystem,
		"servos_created_total",
		"Number of created servos")

	// Servo metrics
	servoPulseWidthGauge = metrics.MustRegisterGaugeVec(subSystem,
		"servo_pulse_width_us",
		"Last pulse width (in µs) successfully written for a servo",
		"servo")
	servoRequestsTotal = metrics.MustRegisterCounterVec(subSystem,
		"servo_requests_total",
		"Number of servo requests",
		"servo")
	servoRequestErrorsTotal = metrics.MustRegisterCounterVec(subSystem,
		"servo_request_errors_total",
		"Number of failed servo requests",
		"servo")
	servoClampedTotal = metrics.MustRegisterCounterVec(subSystem,
		"servo_clamped_total",
		"Number of servo requests with a value outside its range",
		"servo")
)

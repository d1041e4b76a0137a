// Copyright 2023 Ewout Prangsma
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

package devices

import (
	"github.com/binkynet/ServoWorker/pkg/metrics"
)

const (
	subSystem = "pca9685"
)

var (
	// Total number of duty cycle writes per channel
	dutyCycleWritesTotal = metrics.MustRegisterCounterVec(subSystem,
		"duty_cycle_writes_total",
		"Total number of duty cycle writes per channel",
		"channel")
	// Total number of failed bus transactions per operation
	busErrorsTotal = metrics.MustRegisterCounterVec(subSystem,
		"bus_errors_total",
		"Total number of failed bus transactions per operation",
		"op")
	// Realized PWM frequency
	frequencyGauge = metrics.MustRegisterGauge(subSystem,
		"frequency_hz",
		"Realized PWM frequency in Hz")
)

// Copyright 2019 Ewout Prangsma
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
	"github.com/binkynet/ServoWorker/pkg/metrics"
)

const (
	subSystem = "service"
)

var (
	// Total number of executed commands per kind
	commandsTotal = metrics.MustRegisterCounterVec(subSystem,
		"commands_total",
		"Total number of executed commands per kind",
		"kind")
	// Total number of failed commands per kind
	commandErrorsTotal = metrics.MustRegisterCounterVec(subSystem,
		"command_errors_total",
		"Total number of failed commands per kind",
		"kind")
	// Number of servo state events that arrived after a newer one
	staleEventsTotal = metrics.MustRegisterCounter(subSystem,
		"stale_events_total",
		"Number of servo state events dropped because a newer state was already delivered")
	// Number of undelivered servo state events replaced by a newer one
	coalescedEventsTotal = metrics.MustRegisterCounter(subSystem,
		"coalesced_events_total",
		"Number of undelivered servo state events replaced by a newer state of the same servo")
	// Number of configured servos
	servosGauge = metrics.MustRegisterGauge(subSystem,
		"servos",
		"Number of configured servos")
	// Number of configured joints
	jointsGauge = metrics.MustRegisterGauge(subSystem,
		"joints",
		"Number of configured joints")
)

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
package environment

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// AutoDetectBridgeType detects the default bridge type based on the environment.
// The Raspberry Pi bridge is used on ARM linux hosts that have the given I2C bus,
// all other hosts get the virtual bridge with a simulated PCA9685.
func AutoDetectBridgeType(log zerolog.Logger, busLocation string) string {
	if _, err := os.Stat(busLocation); err != nil {
		log.Debug().Str("bus", busLocation).Msg("I2C bus not found, using virtual bridge")
		return "virtual"
	}
	var name unix.Utsname
	if err := unix.Uname(&name); err != nil {
		// Fallback to RPI
		return "rpi"
	}
	machine := strings.TrimRight(string(name.Machine[:]), "\x00")
	if isARM(machine) {
		return "rpi"
	}
	log.Debug().Str("machine", machine).Msg("Not an ARM host, using virtual bridge")
	return "virtual"
}

func isARM(machine string) bool {
	return strings.HasPrefix(machine, "arm") || strings.HasPrefix(machine, "aarch64")
}

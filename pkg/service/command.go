// Copyright 2024 Ewout Prangsma
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
	"math"
	"strconv"
	"strings"

	"github.com/binkynet/ServoWorker/pkg/service/devices"
)

// CommandKind identifies a command.
type CommandKind string

const (
	// CommandAngle sets an angle servo to an absolute angle: angle <servo> <degree>
	CommandAngle CommandKind = "angle"
	// CommandMove moves an angle servo by a delta: move <servo> <delta>
	CommandMove CommandKind = "move"
	// CommandSpeed turns a continuous servo: speed <servo> <-100..100>
	CommandSpeed CommandKind = "speed"
	// CommandStop stops a continuous servo: stop <servo>
	CommandStop CommandKind = "stop"
	// CommandRate sets the pulse rate of a servo: rate <servo> <0..100>
	CommandRate CommandKind = "rate"
	// CommandSet applies a value according to the mode of a servo: set <servo> <value>
	CommandSet CommandKind = "set"
	// CommandRelease switches the pulse of a servo off: release <servo>
	CommandRelease CommandKind = "release"
	// CommandPulse sets a raw pulse width: pulse <channel|all> <µs>
	CommandPulse CommandKind = "pulse"
	// CommandDuty sets a raw duty cycle: duty <channel|all> <percent>
	CommandDuty CommandKind = "duty"
	// CommandJoint sets both axes of a joint: joint <joint> <x> <y>
	CommandJoint CommandKind = "joint"
	// CommandNudge moves both axes of a joint by a delta: nudge <joint> <dx> <dy>
	CommandNudge CommandKind = "nudge"
	// CommandFrequency sets the PWM frequency: freq <hz>
	CommandFrequency CommandKind = "freq"
	// CommandStatus reports the state of all servos: status
	CommandStatus CommandKind = "status"
)

type commandSyntax struct {
	target bool // Command has a target (servo, joint or channel)
	values int  // Number of numeric arguments
	usage  string
}

var commandSyntaxes = map[CommandKind]commandSyntax{
	CommandAngle:     {true, 1, "angle <servo> <degree>"},
	CommandMove:      {true, 1, "move <servo> <delta>"},
	CommandSpeed:     {true, 1, "speed <servo> <-100..100>"},
	CommandStop:      {true, 0, "stop <servo>"},
	CommandRate:      {true, 1, "rate <servo> <0..100>"},
	CommandSet:       {true, 1, "set <servo> <value>"},
	CommandRelease:   {true, 0, "release <servo>"},
	CommandPulse:     {true, 1, "pulse <channel|all> <µs>"},
	CommandDuty:      {true, 1, "duty <channel|all> <percent>"},
	CommandJoint:     {true, 2, "joint <joint> <x> <y>"},
	CommandNudge:     {true, 2, "nudge <joint> <dx> <dy>"},
	CommandFrequency: {false, 1, "freq <hz>"},
	CommandStatus:    {false, 0, "status"},
}

var commandOrder = []CommandKind{
	CommandAngle, CommandMove, CommandSpeed, CommandStop, CommandRate, CommandSet,
	CommandRelease, CommandPulse, CommandDuty, CommandJoint, CommandNudge,
	CommandFrequency, CommandStatus,
}

// Usage returns one line per command.
func Usage() string {
	var sb strings.Builder
	for _, kind := range commandOrder {
		sb.WriteString(commandSyntaxes[kind].usage)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Command is a single request from a command source.
type Command struct {
	Kind CommandKind
	// Target is a servo name or channel, joint name, or channel (pulse & duty).
	Target string
	Values []float64
}

// Channel returns the target as channel, for pulse & duty commands.
func (c Command) Channel() (devices.Channel, error) {
	return devices.ParseChannel(c.Target)
}

// String returns the command in the syntax accepted by ParseCommand.
func (c Command) String() string {
	parts := []string{string(c.Kind)}
	if c.Target != "" {
		parts = append(parts, c.Target)
	}
	for _, v := range c.Values {
		parts = append(parts, strconv.FormatFloat(v, 'g', -1, 64))
	}
	return strings.Join(parts, " ")
}

// Validate the structure of the command.
func (c Command) Validate() error {
	syntax, found := commandSyntaxes[c.Kind]
	if !found {
		return devices.InvalidInput("unknown command '%s'", c.Kind)
	}
	if syntax.target != (c.Target != "") || len(c.Values) != syntax.values {
		return devices.InvalidInput("usage: %s", syntax.usage)
	}
	for _, v := range c.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return devices.InvalidInput("usage: %s", syntax.usage)
		}
	}
	if c.Kind == CommandPulse || c.Kind == CommandDuty {
		if _, err := c.Channel(); err != nil {
			return err
		}
	}
	return nil
}

// ParseCommand parses a line of text into a command.
// Malformed lines result in an InvalidInputError.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, devices.InvalidInput("empty command")
	}
	kind := CommandKind(strings.ToLower(fields[0]))
	syntax, found := commandSyntaxes[kind]
	if !found {
		return Command{}, devices.InvalidInput("unknown command '%s'", fields[0])
	}
	args := fields[1:]
	expected := syntax.values
	if syntax.target {
		expected++
	}
	if len(args) != expected {
		return Command{}, devices.InvalidInput("usage: %s", syntax.usage)
	}
	cmd := Command{Kind: kind}
	if syntax.target {
		cmd.Target, args = args[0], args[1:]
	}
	for _, arg := range args {
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return Command{}, devices.InvalidInput("'%s' is not a number; usage: %s", arg, syntax.usage)
		}
		cmd.Values = append(cmd.Values, v)
	}
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

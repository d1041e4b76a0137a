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

package devices

import (
	"context"
	"strconv"
	"strings"
)

// Channel identifies one of the PWM outputs of a device (0...)
// or all outputs at once.
type Channel int

const (
	// AllChannels addresses every output of the device at once.
	AllChannels Channel = -1
	// ChannelCount is the number of outputs of a PCA9685.
	ChannelCount = 16
)

// Validate returns an InvalidInputError when the channel is not
// in 0..15 and not AllChannels.
func (c Channel) Validate() error {
	if c == AllChannels || (c >= 0 && c < ChannelCount) {
		return nil
	}
	return InvalidInput("channel must be in 0..%d or all, got %d", ChannelCount-1, int(c))
}

// String returns "all" for AllChannels and the channel number otherwise.
func (c Channel) String() string {
	if c == AllChannels {
		return "all"
	}
	return strconv.Itoa(int(c))
}

// ParseChannel parses a channel number or "all".
func ParseChannel(s string) (Channel, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "all") || s == "-1" {
		return AllChannels, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, InvalidInput("channel '%s' is not a number", s)
	}
	c := Channel(n)
	if err := c.Validate(); err != nil {
		return 0, err
	}
	return c, nil
}

// PWM contains the API that is supported by pulse width modulation devices.
type PWM interface {
	// SetFrequency changes the output frequency of all channels.
	// Returns the realized frequency, which may differ from the requested one.
	SetFrequency(ctx context.Context, hz float64) (float64, error)
	// Frequency returns the realized output frequency.
	Frequency() float64
	// SetDutyCycle sets the percentage (0-100) of the period the channel is high.
	SetDutyCycle(ctx context.Context, channel Channel, percent float64) error
	// SetPulseWidth sets the duration (in µs) of the channel's pulse.
	SetPulseWidth(ctx context.Context, channel Channel, widthMicros float64) error
	// DutyCycle reads back the percentage programmed into the channel.
	DutyCycle(ctx context.Context, channel Channel) (float64, error)
}

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
	"fmt"
	"math"
	"sync"
	"time"

	aerr "github.com/ewoutp/go-aggregate-error"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/binkynet/ServoWorker/pkg/service/bridge"
)

const (
	pca9685MODE1Reg       = 0x00
	pca9685MODE2Reg       = 0x01
	pca9685LEDBaseReg     = 0x06
	pca9685AllLEDBaseReg  = 0xFA
	pca9685PRESCALEReg    = 0xFE
	pca9685OnLowRegOfs    = 0
	pca9685OnHighRegOfs   = 1
	pca9685OffLowRegOfs   = 2
	pca9685OffHighRegOfs  = 3
	pca9685RegIncrement   = 4
	pca9685LevelRegsCount = 4

	// MODE1 bits
	pca9685Restart = 1 << 7
	pca9685AI      = 1 << 5
	pca9685Sleep   = 1 << 4
	pca9685AllCall = 1 << 0
	// MODE2 bits
	pca9685OCH    = 1 << 3
	pca9685OutDrv = 1 << 2

	pca9685OscillatorHz = 25000000.0
	pca9685Steps        = 4096
	pca9685MaxStep      = pca9685Steps - 1
	pca9685FullLevel    = 4096 // Bit 12 of the on/off level: full on / full off
	pca9685MinPrescale  = 3
	pca9685MaxPrescale  = 255

	// Oscillator needs at most 500µs to stabilize after leaving sleep mode
	pca9685OscillatorDelay = 500 * time.Microsecond
)

const (
	// DefaultAddress of a PCA9685 with all address pins low.
	DefaultAddress = 0x40
	// MinFrequency is the lowest frequency the chip can produce.
	MinFrequency = 24.0
	// MaxFrequency is the highest frequency the chip can produce.
	MaxFrequency = 1526.0
	// DefaultFrequency is set when the chip is initialized.
	DefaultFrequency = 200.0
)

// Datasheet delays go through this variable.
var sleep = time.Sleep

// PCA9685 drives a 16 channel, 12 bit PWM expander on an I2C bus.
// The device owns the bus it is given; Shutdown closes it.
type PCA9685 struct {
	mutex     sync.Mutex
	log       zerolog.Logger
	bus       bridge.I2CBus
	address   uint8
	prescale  uint8
	frequency float64 // Realized frequency in Hz
	period    float64 // Pulse period in µs
	closed    bool
}

var _ PWM = &PCA9685{}

// NewPCA9685 initializes the PCA9685 at given address on given bus.
// The mode registers are set for auto-increment, all-call & totem-pole
// outputs, the oscillator is started, all outputs are switched off and
// the frequency is set to DefaultFrequency.
// On failure the bus is closed and no device is returned.
func NewPCA9685(ctx context.Context, bus bridge.I2CBus, address uint8, log zerolog.Logger) (*PCA9685, error) {
	if bus == nil {
		return nil, InvalidInput("bus is nil")
	}
	if address > 0x7F {
		bus.Close()
		return nil, InvalidInput("address 0x%02x is not a 7-bit address", address)
	}
	d := &PCA9685{
		log: log.With().
			Str("component", "pca9685").
			Str("address", fmt.Sprintf("0x%02x", address)).
			Logger(),
		bus:     bus,
		address: address,
	}
	if err := d.initialize(ctx); err != nil {
		bus.Close()
		return nil, err
	}
	d.log.Info().Float64("frequency", d.frequency).Msg("PCA9685 initialized")
	return d, nil
}

// initialize puts the chip in its operating mode.
func (d *PCA9685) initialize(ctx context.Context) error {
	if err := d.bus.Execute(ctx, d.address, func(ctx context.Context, dev bridge.I2CDevice) error {
		if err := dev.WriteByteReg(pca9685MODE1Reg, pca9685AI|pca9685AllCall); err != nil {
			return err
		}
		if err := dev.WriteByteReg(pca9685MODE2Reg, pca9685OCH|pca9685OutDrv); err != nil {
			return err
		}
		sleep(pca9685OscillatorDelay)

		// Wake up
		mode1, err := dev.ReadByteReg(pca9685MODE1Reg)
		if err != nil {
			return err
		}
		if err := dev.WriteByteReg(pca9685MODE1Reg, mode1&^pca9685Sleep); err != nil {
			return err
		}
		sleep(pca9685OscillatorDelay)
		return nil
	}); err != nil {
		busErrorsTotal.WithLabelValues("initialize").Inc()
		return errors.Wrapf(DeviceError, "PCA9685 at 0x%02x: %v", d.address, err)
	}
	if err := d.setDutyCycle(ctx, AllChannels, 0); err != nil {
		return err
	}
	if _, err := d.setFrequency(ctx, DefaultFrequency); err != nil {
		return err
	}
	return nil
}

// Address returns the I2C address of the device.
func (d *PCA9685) Address() uint8 {
	return d.address
}

// OutputCount returns the number of pwm outputs of the device
func (d *PCA9685) OutputCount() int {
	return ChannelCount
}

// Frequency returns the realized output frequency in Hz.
func (d *PCA9685) Frequency() float64 {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.frequency
}

// Period returns the pulse period in µs.
func (d *PCA9685) Period() float64 {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.period
}

// Prescale returns the current oscillator prescaler.
func (d *PCA9685) Prescale() uint8 {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.prescale
}

// SetFrequency sets the output frequency of all channels.
// The frequency must be in MinFrequency..MaxFrequency.
// Returns the realized frequency, which callers must use for
// further pulse width calculations.
func (d *PCA9685) SetFrequency(ctx context.Context, hz float64) (float64, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.closed {
		return 0, maskAny(ClosedError)
	}
	return d.setFrequency(ctx, hz)
}

func (d *PCA9685) setFrequency(ctx context.Context, hz float64) (float64, error) {
	if !validFrequency(hz) {
		return 0, InvalidInput("frequency must be in %v..%v Hz, got %v", MinFrequency, MaxFrequency, hz)
	}
	prescale := PrescaleForFrequency(hz)
	if err := d.bus.Execute(ctx, d.address, func(ctx context.Context, dev bridge.I2CDevice) error {
		mode1, err := dev.ReadByteReg(pca9685MODE1Reg)
		if err != nil {
			return err
		}
		// Prescaler can only be changed while the oscillator is off
		if err := dev.WriteByteReg(pca9685MODE1Reg, mode1|pca9685Sleep); err != nil {
			return err
		}
		if err := dev.WriteByteReg(pca9685PRESCALEReg, prescale); err != nil {
			return err
		}
		if err := dev.WriteByteReg(pca9685MODE1Reg, mode1); err != nil {
			return err
		}
		sleep(pca9685OscillatorDelay)
		return dev.WriteByteReg(pca9685MODE1Reg, mode1|pca9685Restart)
	}); err != nil {
		return 0, d.busError("set_frequency", err)
	}
	d.prescale = prescale
	d.frequency = FrequencyForPrescale(prescale)
	d.period = 1000000.0 / d.frequency
	frequencyGauge.Set(d.frequency)
	d.log.Debug().
		Float64("requested", hz).
		Float64("frequency", d.frequency).
		Uint8("prescale", prescale).
		Msg("Frequency set")
	return d.frequency, nil
}

// SetDutyCycle sets the percentage of the period the given channel is high.
// Percentages outside 0..100 are clamped. The rising edge is always at
// the start of the period.
func (d *PCA9685) SetDutyCycle(ctx context.Context, channel Channel, percent float64) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.closed {
		return maskAny(ClosedError)
	}
	return d.setDutyCycle(ctx, channel, percent)
}

func (d *PCA9685) setDutyCycle(ctx context.Context, channel Channel, percent float64) error {
	if err := channel.Validate(); err != nil {
		return err
	}
	if math.IsNaN(percent) {
		return InvalidInput("duty cycle is not a number")
	}
	on, off := DutyCycleLevels(percent)
	regBase := d.regBase(channel)
	values := []byte{
		byte(on & 0xFF), byte(on >> 8),
		byte(off & 0xFF), byte(off >> 8),
	}
	if err := d.bus.Execute(ctx, d.address, func(ctx context.Context, dev bridge.I2CDevice) error {
		return dev.WriteBlockReg(regBase, values)
	}); err != nil {
		return d.busError("set_duty_cycle", err)
	}
	dutyCycleWritesTotal.WithLabelValues(channel.String()).Inc()
	d.log.Debug().
		Str("channel", channel.String()).
		Float64("percent", percent).
		Uint16("on", on).
		Uint16("off", off).
		Msg("Duty cycle set")
	return nil
}

// SetPulseWidth sets the duration (in µs) the given channel is high
// in every period, using the realized frequency.
func (d *PCA9685) SetPulseWidth(ctx context.Context, channel Channel, widthMicros float64) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.closed {
		return maskAny(ClosedError)
	}
	if math.IsNaN(widthMicros) {
		return InvalidInput("pulse width is not a number")
	}
	return d.setDutyCycle(ctx, channel, PulseWidthToPercent(widthMicros, d.period))
}

// Levels reads back the on & off level of the given channel.
// AllChannels cannot be read, since the broadcast registers are write-only.
func (d *PCA9685) Levels(ctx context.Context, channel Channel) (on, off uint16, err error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.closed {
		return 0, 0, maskAny(ClosedError)
	}
	if channel == AllChannels {
		return 0, 0, InvalidInput("cannot read back all channels at once")
	}
	if err := channel.Validate(); err != nil {
		return 0, 0, err
	}
	regBase := d.regBase(channel)
	var regs [pca9685LevelRegsCount]uint8
	if err := d.bus.Execute(ctx, d.address, func(ctx context.Context, dev bridge.I2CDevice) error {
		for i := range regs {
			v, err := dev.ReadByteReg(regBase + uint8(i))
			if err != nil {
				return err
			}
			regs[i] = v
		}
		return nil
	}); err != nil {
		return 0, 0, d.busError("read_levels", err)
	}
	on = uint16(regs[pca9685OnLowRegOfs]) | (uint16(regs[pca9685OnHighRegOfs]&0x1F) << 8)
	off = uint16(regs[pca9685OffLowRegOfs]) | (uint16(regs[pca9685OffHighRegOfs]&0x1F) << 8)
	return on, off, nil
}

// DutyCycle reads back the duty cycle percentage of the given channel.
func (d *PCA9685) DutyCycle(ctx context.Context, channel Channel) (float64, error) {
	on, off, err := d.Levels(ctx, channel)
	if err != nil {
		return 0, err
	}
	return LevelsToPercent(on, off), nil
}

// Shutdown switches all channels off and closes the bus.
// The bus is closed even when switching off fails.
// Every call after Shutdown, including another Shutdown, fails with ClosedError.
func (d *PCA9685) Shutdown(ctx context.Context) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.closed {
		return maskAny(ClosedError)
	}
	d.closed = true

	var ae aerr.AggregateError
	if err := d.setDutyCycle(ctx, AllChannels, 0); err != nil {
		ae.Add(err)
	}
	if err := d.bus.Close(); err != nil && !bridge.IsBusClosed(err) {
		ae.Add(errors.Wrap(err, "failed to close bus"))
	}
	frequencyGauge.Set(0)
	d.log.Info().Msg("PCA9685 shut down")
	return ae.AsError()
}

// regBase returns the first register for the given channel.
func (d *PCA9685) regBase(channel Channel) uint8 {
	if channel == AllChannels {
		return pca9685AllLEDBaseReg
	}
	return uint8(pca9685LEDBaseReg + int(channel)*pca9685RegIncrement)
}

// busError converts a failed bus operation into a BusError (or ClosedError
// when the bus has been closed underneath us).
func (d *PCA9685) busError(op string, err error) error {
	busErrorsTotal.WithLabelValues(op).Inc()
	if bridge.IsBusClosed(err) {
		return errors.Wrapf(ClosedError, "%s: %v", op, err)
	}
	if cause := errors.Cause(err); cause == context.Canceled || cause == context.DeadlineExceeded {
		return maskAny(err)
	}
	return errors.Wrapf(BusError, "%s on 0x%02x: %v", op, d.address, err)
}

// validFrequency returns true when hz is in MinFrequency..MaxFrequency, or is
// the realized frequency of one of the bounds (SetFrequency(24) realizes 23.9958Hz).
func validFrequency(hz float64) bool {
	if math.IsNaN(hz) {
		return false
	}
	lo := math.Min(MinFrequency, FrequencyForPrescale(PrescaleForFrequency(MinFrequency)))
	hi := math.Max(MaxFrequency, FrequencyForPrescale(PrescaleForFrequency(MaxFrequency)))
	return hz >= lo && hz <= hi
}

// PrescaleForFrequency returns the prescaler value that comes closest
// to the given frequency, clamped to 3..255.
func PrescaleForFrequency(hz float64) uint8 {
	prescale := math.Round(pca9685OscillatorHz/(pca9685Steps*hz)) - 1
	if prescale < pca9685MinPrescale {
		prescale = pca9685MinPrescale
	} else if prescale > pca9685MaxPrescale {
		prescale = pca9685MaxPrescale
	}
	return uint8(prescale)
}

// FrequencyForPrescale returns the frequency produced by given prescaler value.
func FrequencyForPrescale(prescale uint8) float64 {
	return pca9685OscillatorHz / pca9685Steps / float64(int(prescale)+1)
}

// DutyCycleLevels converts a percentage into on & off levels.
// 0% (or less) yields full off, a step count above 4095 yields full on.
func DutyCycleLevels(percent float64) (on, off uint16) {
	steps := math.Round(percent * pca9685Steps / 100)
	switch {
	case steps <= 0:
		return 0, pca9685FullLevel
	case steps > pca9685MaxStep:
		return pca9685FullLevel, 0
	default:
		return 0, uint16(steps)
	}
}

// LevelsToPercent converts on & off levels back into a percentage.
func LevelsToPercent(on, off uint16) float64 {
	switch {
	case off&pca9685FullLevel != 0:
		return 0
	case on&pca9685FullLevel != 0:
		return 100
	}
	steps := int(off) - int(on)
	if steps < 0 {
		steps += pca9685Steps
	}
	return float64(steps) * 100 / pca9685Steps
}

// PulseWidthToPercent converts a pulse width (µs) into a duty cycle
// percentage for given period (µs).
func PulseWidthToPercent(widthMicros, periodMicros float64) float64 {
	return widthMicros / periodMicros * 100
}

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

package bridge

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ecc1/gpio"
	aerr "github.com/ewoutp/go-aggregate-error"
	"github.com/pkg/errors"
)

type i2cBus struct {
	location             string
	devices              map[uint8]*i2cDevice // Only accessed from the queue processor
	closed               bool                 // Only accessed from the queue processor
	queue                chan func()
	done                 chan struct{}
	closeOnce            sync.Once
	sclPin               int
	tryRecoverFromLockup bool
}

const (
	I2C_RECOVER_NUM_CLOCKS = 10    /* # clock cycles for recovery  */
	I2C_RECOVER_CLOCK_FREQ = 50000 /* clock frequency for recovery */

	I2C_RECOVER_CLOCK_DELAY_US = (1000000 / (2 * I2C_RECOVER_CLOCK_FREQ))
)

// NewI2CBus returns accessors the the I2C bus at the given location.
// When tryRecoverFromLockup is set, the SCL line (given sclPin) is clocked
// once at startup to release a slave that is holding SDA low.
func NewI2CBus(location string, sclPin int, tryRecoverFromLockup bool) (I2CBus, error) {
	if _, err := os.Stat(location); err != nil {
		return nil, errors.Wrapf(err, "i2c bus %s not available", location)
	}
	b := &i2cBus{
		location:             location,
		devices:              make(map[uint8]*i2cDevice),
		queue:                make(chan func()),
		done:                 make(chan struct{}),
		sclPin:               sclPin,
		tryRecoverFromLockup: tryRecoverFromLockup && sclPin >= 0,
	}
	if b.tryRecoverFromLockup {
		i2cRecoveryAttemptsTotal.Inc()
		if err := b.recoverFromLockup(); err != nil {
			i2cRecoveryFailedTotal.Inc()
			return nil, fmt.Errorf("failed to recover bus at startup: %w", err)
		}
		time.Sleep(time.Second * 2)
	}
	go b.queueProcessor()
	return b, nil
}

// Execute an option on the bus.
// The operation is run on the single bus thread; the given context
// only limits the time spend waiting for the bus to become available.
func (b *i2cBus) Execute(ctx context.Context, address uint8, op func(context.Context, I2CDevice) error) error {
	result := make(chan error, 1)
	req := func() {
		result <- b.execute(ctx, address, op)
	}

	// Put request in queue
	select {
	case b.queue <- req:
		// Request is on the queue
	case <-b.done:
		return maskAny(BusClosedError)
	case <-ctx.Done():
		// Context canceled
		return ctx.Err()
	}

	// Wait until result is available
	return <-result
}

// Process bus requests from the queue until the bus is closed.
func (b *i2cBus) queueProcessor() {
	// Ensure we're always using the same OS thread
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case req := <-b.queue:
			req()
		case <-b.done:
			return
		}
	}
}

// Execute an operation on the bus.
// A failed operation is reported once; the device file is dropped so
// the next operation starts with a fresh file.
func (b *i2cBus) execute(ctx context.Context, address uint8, op func(context.Context, I2CDevice) error) error {
	if b.closed {
		// Queued after the bus was closed
		return maskAny(BusClosedError)
	}
	addrLabel := strconv.Itoa(int(address))
	i2cExecuteCounters.WithLabelValues(addrLabel).Inc()

	dev, err := b.openDevice(address)
	if err != nil {
		i2cExecuteErrorCounters.WithLabelValues(addrLabel).Inc()
		return errors.Wrapf(err, "openDevice(0x%02x) failed", address)
	}
	if err := op(ctx, dev); err != nil {
		i2cExecuteErrorCounters.WithLabelValues(addrLabel).Inc()
		dev.closeFile()
		delete(b.devices, address)
		return maskAny(err)
	}
	return nil
}

// Open a connection to a device at the given address.
func (b *i2cBus) openDevice(address uint8) (*i2cDevice, error) {
	// Did we already open the device?
	if d, found := b.devices[address]; found {
		return d, nil
	}

	// Open new device
	d, err := newI2CDevice(b.location, address)
	if err != nil {
		return nil, err
	}

	// Register device
	b.devices[address] = d

	return d, nil
}

// DetectSlaveAddresses probes the bus to detect available addresses.
func (b *i2cBus) DetectSlaveAddresses() []byte {
	var result []byte
	done := make(chan struct{})
	req := func() {
		defer close(done)
		if b.closed {
			return
		}
		for addr := uint8(0x03); addr < 0x78; addr++ {
			if d, err := newI2CDevice(b.location, addr); err == nil {
				if err := d.DetectDevice(); err == nil {
					result = append(result, addr)
				}
				d.closeFile()
			}
		}
	}
	select {
	case b.queue <- req:
		<-done
	case <-b.done:
		return nil
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// Close the bus and all devices on it
func (b *i2cBus) Close() error {
	closed := false
	var ae aerr.AggregateError
	b.closeOnce.Do(func() {
		closed = true
		finished := make(chan struct{})
		b.queue <- func() {
			defer close(finished)
			b.closed = true
			for addr, d := range b.devices {
				if err := d.closeFile(); err != nil {
					ae.Add(err)
				}
				delete(b.devices, addr)
			}
		}
		<-finished
		close(b.done)
	})
	if !closed {
		return maskAny(BusClosedError)
	}
	return ae.AsError()
}

// Try to recover the i2c bus from lockup.
func (b *i2cBus) recoverFromLockup() error {
	activeLow := true
	initialValue := true
	scl, err := gpio.Output(b.sclPin, activeLow, initialValue)
	if err != nil {
		return fmt.Errorf("failed to set scl pin to output: %w", err)
	}
	for i := 0; i < I2C_RECOVER_NUM_CLOCKS; i++ {
		time.Sleep(time.Microsecond * I2C_RECOVER_CLOCK_DELAY_US)
		if err := scl.Write(false); err != nil {
			return fmt.Errorf("failed to lower scl during i2c recovery: %w", err)
		}
		time.Sleep(time.Microsecond * I2C_RECOVER_CLOCK_DELAY_US)
		if err := scl.Write(true); err != nil {
			return fmt.Errorf("failed to raise scl during i2c recovery: %w", err)
		}
	}
	// Reset pin to be input
	if _, err := gpio.Input(b.sclPin, activeLow); err != nil {
		return fmt.Errorf("failed to reset scl pin to input: %w", err)
	}
	// Unexport the pin
	unexportPath := "/sys/class/gpio/unexport"
	unexportContent := strconv.Itoa(b.sclPin)
	if err := os.WriteFile(unexportPath, []byte(unexportContent), 0644); err != nil {
		return fmt.Errorf("failed to unexport scl pin: %w", err)
	}
	return nil
}

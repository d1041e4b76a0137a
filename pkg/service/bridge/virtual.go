// Copyright 2017 Ewout Prangsma
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
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// VirtualBridge implements the bridge without hardware.
// Devices are simulated by in-memory register files attached to the bus.
type VirtualBridge struct {
	mutex  sync.Mutex
	bus    *VirtualBus
	green  bool
	red    bool
	closed bool
}

var _ API = &VirtualBridge{}

// NewVirtualBridge implements the bridge for a virtual servo worker.
func NewVirtualBridge() *VirtualBridge {
	return &VirtualBridge{
		bus: NewVirtualBus(),
	}
}

// Attach a simulated device to the virtual bus at given address.
func (p *VirtualBridge) Attach(address uint8, dev I2CDevice) {
	p.bus.Attach(address, dev)
}

// Turn Green status led on/off
func (p *VirtualBridge) SetGreenLED(on bool) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.green = on
	return nil
}

// Turn Red status led on/off
func (p *VirtualBridge) SetRedLED(on bool) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.red = on
	return nil
}

// Blink Green status led with given duration between on/off
func (p *VirtualBridge) BlinkGreenLED(delay time.Duration) error {
	return p.SetGreenLED(true)
}

// Blink Red status led with given duration between on/off
func (p *VirtualBridge) BlinkRedLED(delay time.Duration) error {
	return p.SetRedLED(true)
}

// LEDs returns the current state of the green & red led.
func (p *VirtualBridge) LEDs() (green, red bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.green, p.red
}

// IsClosed returns true once Close has been called.
func (p *VirtualBridge) IsClosed() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.closed
}

// Open the I2C bus
func (p *VirtualBridge) I2CBus() (I2CBus, error) {
	return p.bus, nil
}

// Close the bridge; both leds are turned off and the bus is closed.
func (p *VirtualBridge) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.green = false
	p.red = false
	if err := p.bus.Close(); err != nil && !IsBusClosed(err) {
		return maskAny(err)
	}
	return nil
}

// VirtualBus is an I2C bus that routes operations to attached
// in-memory devices.
type VirtualBus struct {
	mutex   sync.Mutex
	devices map[uint8]I2CDevice
	closed  bool
}

var _ I2CBus = &VirtualBus{}

// NewVirtualBus creates an empty virtual bus.
func NewVirtualBus() *VirtualBus {
	return &VirtualBus{
		devices: make(map[uint8]I2CDevice),
	}
}

// Attach a device to the bus at given address.
func (b *VirtualBus) Attach(address uint8, dev I2CDevice) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.devices[address] = dev
}

// Execute an option on the bus.
func (b *VirtualBus) Execute(ctx context.Context, address uint8, op func(ctx context.Context, dev I2CDevice) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return maskAny(BusClosedError)
	}
	dev, found := b.devices[address]
	if !found {
		return errors.Wrapf(DeviceNotFoundError, "address 0x%02x", address)
	}
	return op(ctx, dev)
}

// DetectSlaveAddresses returns the addresses of all attached devices.
func (b *VirtualBus) DetectSlaveAddresses() []byte {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return nil
	}
	result := make([]byte, 0, len(b.devices))
	for addr := range b.devices {
		result = append(result, addr)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// Close the bus
func (b *VirtualBus) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return maskAny(BusClosedError)
	}
	b.closed = true
	return nil
}

// IsClosed returns true once Close has been called.
func (b *VirtualBus) IsClosed() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.closed
}

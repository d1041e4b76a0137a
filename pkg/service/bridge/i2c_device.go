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
	"fmt"
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// From  /usr/include/linux/i2c-dev.h:
	// ioctl signals
	I2C_SLAVE = 0x0703
	I2C_FUNCS = 0x0705
	I2C_SMBUS = 0x0720
	// Read/write markers
	I2C_SMBUS_READ  = 1
	I2C_SMBUS_WRITE = 0

	// From  /usr/include/linux/i2c.h:
	// Adapter functionality
	I2C_FUNC_SMBUS_QUICK           = 0x00010000
	I2C_FUNC_SMBUS_READ_BYTE_DATA  = 0x00080000
	I2C_FUNC_SMBUS_WRITE_BYTE_DATA = 0x00100000
	I2C_FUNC_SMBUS_WRITE_I2C_BLOCK = 0x08000000 /* w/ 1-byte reg. addr. */

	// Transaction types
	I2C_SMBUS_QUICK          = 0
	I2C_SMBUS_BYTE_DATA      = 2
	I2C_SMBUS_I2C_BLOCK_DATA = 8 /* SMBus 2.0 */

	// Maximum number of data bytes in a block transaction
	I2C_SMBUS_BLOCK_MAX = 32
)

type i2cSmbusIoctlData struct {
	readWrite byte
	command   byte
	size      uint32
	data      uintptr
}

type i2cDevice struct {
	address uint8
	file    *os.File
	funcs   uint64 // adapter functionality mask
}

// newI2CDevice returns accessors the the I2C address at the given location & address.
func newI2CDevice(location string, address uint8) (*i2cDevice, error) {
	d := &i2cDevice{
		address: address,
	}

	var err error
	if d.file, err = os.OpenFile(location, os.O_RDWR, os.ModeDevice); err != nil {
		return nil, err
	}
	if err := d.queryFunctionality(); err != nil {
		d.closeFile()
		return nil, err
	}
	if err := d.setAddress(address); err != nil {
		d.closeFile()
		return nil, err
	}

	return d, nil
}

func (d *i2cDevice) queryFunctionality() error {
	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		d.file.Fd(),
		I2C_FUNCS,
		uintptr(unsafe.Pointer(&d.funcs)),
	)
	if errno != 0 {
		return fmt.Errorf("querying functionality failed with errno %v", errno)
	}
	return nil
}

func (d *i2cDevice) setAddress(address byte) error {
	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		d.file.Fd(),
		I2C_SLAVE,
		uintptr(address),
	)
	if errno != 0 {
		return fmt.Errorf("setting address (0x%02x) failed with errno %v", address, errno)
	}
	return nil
}

func (d *i2cDevice) closeFile() error {
	if d.file == nil {
		return nil
	}
	f := d.file
	d.file = nil
	return f.Close()
}

// DetectDevice checks that a device acknowledges its address.
func (d *i2cDevice) DetectDevice() error {
	if err := d.quick(); err != nil {
		return errors.Wrap(err, "quick failed")
	}
	return nil
}

func (d *i2cDevice) ReadByteReg(reg uint8) (uint8, error) {
	val, err := d.readByteData(reg)
	if err != nil {
		return 0, errors.Wrapf(err, "readByteData[0x%02x](0x%02x) failed", d.address, reg)
	}
	return val, nil
}

func (d *i2cDevice) WriteByteReg(reg uint8, val uint8) error {
	if err := d.writeByteData(reg, val); err != nil {
		return errors.Wrapf(err, "writeByteData[0x%02x](0x%02x, 0x%02x) failed", d.address, reg, val)
	}
	return nil
}

// WriteBlockReg writes the given values to consecutive registers.
// When the adapter cannot do I2C block writes, the values are written
// one register at a time.
func (d *i2cDevice) WriteBlockReg(reg uint8, values []byte) error {
	if len(values) > I2C_SMBUS_BLOCK_MAX {
		return errors.Errorf("block of %d bytes exceeds maximum of %d", len(values), I2C_SMBUS_BLOCK_MAX)
	}
	if d.funcs&I2C_FUNC_SMBUS_WRITE_I2C_BLOCK == 0 {
		for i, v := range values {
			if err := d.WriteByteReg(reg+uint8(i), v); err != nil {
				return err
			}
		}
		return nil
	}
	if err := d.writeBlockData(reg, values); err != nil {
		return errors.Wrapf(err, "writeBlockData[0x%02x](0x%02x, % x) failed", d.address, reg, values)
	}
	return nil
}

func (d *i2cDevice) quick() error {
	if d.funcs&I2C_FUNC_SMBUS_QUICK == 0 {
		return fmt.Errorf("SMBus quick not supported")
	}
	return d.smbusAccess(I2C_SMBUS_WRITE, 0, I2C_SMBUS_QUICK, uintptr(0))
}

func (d *i2cDevice) readByteData(reg uint8) (uint8, error) {
	if d.funcs&I2C_FUNC_SMBUS_READ_BYTE_DATA == 0 {
		return 0, fmt.Errorf("SMBus read byte data not supported")
	}
	// i2c_smbus_data is a union of at most 34 bytes
	var data [I2C_SMBUS_BLOCK_MAX + 2]byte
	err := d.smbusAccess(I2C_SMBUS_READ, reg, I2C_SMBUS_BYTE_DATA, uintptr(unsafe.Pointer(&data[0])))
	return data[0], err
}

func (d *i2cDevice) writeByteData(reg uint8, val uint8) error {
	if d.funcs&I2C_FUNC_SMBUS_WRITE_BYTE_DATA == 0 {
		return fmt.Errorf("SMBus write byte data not supported")
	}
	var data [I2C_SMBUS_BLOCK_MAX + 2]byte
	data[0] = val
	return d.smbusAccess(I2C_SMBUS_WRITE, reg, I2C_SMBUS_BYTE_DATA, uintptr(unsafe.Pointer(&data[0])))
}

func (d *i2cDevice) writeBlockData(reg uint8, values []byte) error {
	// First byte holds the length, followed by the data
	var data [I2C_SMBUS_BLOCK_MAX + 2]byte
	data[0] = byte(len(values))
	copy(data[1:], values)
	return d.smbusAccess(I2C_SMBUS_WRITE, reg, I2C_SMBUS_I2C_BLOCK_DATA, uintptr(unsafe.Pointer(&data[0])))
}

func (d *i2cDevice) smbusAccess(readWrite byte, command byte, size uint32, data uintptr) error {
	if d.file == nil {
		return maskAny(BusClosedError)
	}
	smbus := &i2cSmbusIoctlData{
		readWrite: readWrite,
		command:   command,
		size:      size,
		data:      data,
	}

	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		d.file.Fd(),
		I2C_SMBUS,
		uintptr(unsafe.Pointer(smbus)),
	)
	if errno != 0 {
		return fmt.Errorf("smbus access failed with errno %v", errno)
	}
	return nil
}

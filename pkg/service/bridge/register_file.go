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
	"sync"
)

// RegisterWrite is a single write transaction recorded by a RegisterFile.
type RegisterWrite struct {
	Reg    uint8
	Values []byte
}

// RegisterFile is an in-memory I2CDevice with 256 byte registers.
// An optional hook replaces the plain store of every written byte, which
// lets a caller simulate device specific register behavior.
type RegisterFile struct {
	mutex     sync.Mutex
	regs      [256]byte
	writes    []RegisterWrite
	readErr   error
	writeErr  error
	writeHook func(regs *[256]byte, reg, val uint8)
}

var _ I2CDevice = &RegisterFile{}

// NewRegisterFile creates a zeroed register file.
func NewRegisterFile(writeHook func(regs *[256]byte, reg, val uint8)) *RegisterFile {
	return &RegisterFile{writeHook: writeHook}
}

// Read a byte from given register
func (f *RegisterFile) ReadByteReg(reg uint8) (uint8, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.readErr != nil {
		return 0, f.readErr
	}
	return f.regs[reg], nil
}

// Write a byte to given register
func (f *RegisterFile) WriteByteReg(reg uint8, val uint8) error {
	return f.WriteBlockReg(reg, []byte{val})
}

// Write a block of bytes starting at given register.
func (f *RegisterFile) WriteBlockReg(reg uint8, values []byte) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, RegisterWrite{Reg: reg, Values: append([]byte(nil), values...)})
	for i, v := range values {
		r := reg + uint8(i)
		if f.writeHook != nil {
			f.writeHook(&f.regs, r, v)
		} else {
			f.regs[r] = v
		}
	}
	return nil
}

// Register returns the current value of given register.
func (f *RegisterFile) Register(reg uint8) uint8 {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.regs[reg]
}

// SetRegister changes a register without recording a write.
func (f *RegisterFile) SetRegister(reg, val uint8) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.regs[reg] = val
}

// Writes returns a copy of all recorded write transactions.
func (f *RegisterFile) Writes() []RegisterWrite {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]RegisterWrite(nil), f.writes...)
}

// ResetWrites clears the recorded write transactions.
func (f *RegisterFile) ResetWrites() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.writes = nil
}

// FailReads makes all subsequent reads fail with given error (nil to restore).
func (f *RegisterFile) FailReads(err error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.readErr = err
}

// FailWrites makes all subsequent writes fail with given error (nil to restore).
func (f *RegisterFile) FailWrites(err error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.writeErr = err
}

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

package devices

import (
	"github.com/binkynet/ServoWorker/pkg/service/bridge"
)

// NewSimulatedPCA9685 returns an in-memory register file that behaves
// like a PCA9685 after power-on. It is used by the virtual bridge.
func NewSimulatedPCA9685() *bridge.RegisterFile {
	f := bridge.NewRegisterFile(simulatePCA9685Write)
	f.SetRegister(pca9685MODE1Reg, pca9685Sleep|pca9685AllCall)
	f.SetRegister(pca9685MODE2Reg, pca9685OutDrv)
	f.SetRegister(pca9685PRESCALEReg, 0x1E)
	for ch := 0; ch < ChannelCount; ch++ {
		f.SetRegister(uint8(pca9685LEDBaseReg+ch*pca9685RegIncrement+pca9685OffHighRegOfs), 0x10)
	}
	return f
}

func simulatePCA9685Write(regs *[256]byte, reg, val uint8) {
	switch {
	case reg == pca9685PRESCALEReg:
		// Prescaler is write protected while the oscillator runs
		if regs[pca9685MODE1Reg]&pca9685Sleep == 0 {
			return
		}
		regs[reg] = val
	case reg == pca9685MODE1Reg:
		// Writing a one clears the restart bit
		regs[reg] = val &^ pca9685Restart
	case reg >= pca9685AllLEDBaseReg && reg < pca9685AllLEDBaseReg+pca9685LevelRegsCount:
		// Broadcast registers read back as zero, but apply to every channel
		ofs := int(reg - pca9685AllLEDBaseReg)
		for ch := 0; ch < ChannelCount; ch++ {
			regs[pca9685LEDBaseReg+ch*pca9685RegIncrement+ofs] = val
		}
	default:
		regs[reg] = val
	}
}

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

import "github.com/pkg/errors"

var (
	// BusClosedError is returned when the bus is used after it has been closed.
	BusClosedError = errors.New("i2c bus closed")
	// IsBusClosed returns true if the cause of the given error is BusClosedError.
	IsBusClosed = isErrorFunc(BusClosedError)
	// DeviceNotFoundError is returned when no device answers at an address.
	DeviceNotFoundError = errors.New("i2c device not found")
	// IsDeviceNotFound returns true if the cause of the given error is DeviceNotFoundError.
	IsDeviceNotFound = isErrorFunc(DeviceNotFoundError)

	maskAny = errors.WithStack
)

func isErrorFunc(typeOfError error) func(err error) bool {
	return func(err error) bool {
		return err == typeOfError || errors.Cause(err) == typeOfError
	}
}

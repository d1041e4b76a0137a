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

import "github.com/pkg/errors"

var (
	// DeviceError is returned when a device does not respond during construction.
	DeviceError = errors.New("device not responding")
	// IsDevice returns true if the cause of the given error is DeviceError.
	IsDevice = isErrorFunc(DeviceError)
	// BusError is returned when a register read/write transaction failed.
	BusError = errors.New("bus transaction failed")
	// IsBus returns true if the cause of the given error is BusError.
	IsBus = isErrorFunc(BusError)
	// ClosedError is returned when a device is used after it has been shut down.
	ClosedError = errors.New("device closed")
	// IsClosed returns true if the cause of the given error is ClosedError.
	IsClosed = isErrorFunc(ClosedError)
	// InvalidInputError is returned for out of range channels, frequencies & values.
	InvalidInputError = errors.New("invalid input")
	// IsInvalidInput returns true if the cause of the given error is InvalidInputError.
	IsInvalidInput = isErrorFunc(InvalidInputError)

	maskAny = errors.WithStack
)

func isErrorFunc(typeOfError error) func(err error) bool {
	return func(err error) bool {
		return err == typeOfError || errors.Cause(err) == typeOfError
	}
}

// InvalidInput creates an error with InvalidInputError as cause.
func InvalidInput(format string, args ...interface{}) error {
	return errors.Wrapf(InvalidInputError, format, args...)
}

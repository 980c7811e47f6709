// Copyright 2021 The gVisor Authors.
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

// Package errors holds the standardized error definition for the driver.
package errors

import (
	"golang.org/x/sys/unix"

	"gvisor.dev/dxgk/pkg/abi/d3dkmt"
)

// Error represents a driver failure with the errno reported to user space
// and the status reported to the host.
type Error struct {
	errno   unix.Errno
	status  d3dkmt.NTStatus
	message string
}

// New creates a new *Error.
func New(err unix.Errno, status d3dkmt.NTStatus, message string) *Error {
	return &Error{
		errno:   err,
		status:  status,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the underlying unix.Errno value.
func (e *Error) Errno() unix.Errno { return e.errno }

// Status returns the equivalent host status.
func (e *Error) Status() d3dkmt.NTStatus { return e.status }

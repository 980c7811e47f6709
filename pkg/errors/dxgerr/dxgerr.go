// Copyright 2026 The gVisor Authors.
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

// Package dxgerr contains the driver's error values exported as *errors.Error
// pointers. This allows for fast comparison and return operations comparable
// to unix.Errno constants.
package dxgerr

import (
	goerrors "errors"
	"fmt"

	"golang.org/x/sys/unix"

	"gvisor.dev/dxgk/pkg/abi/d3dkmt"
	"gvisor.dev/dxgk/pkg/errors"
)

// Error values. Each is the single canonical instance for its failure class;
// compare with Equals or errors.Is, never by message.
var (
	noError *errors.Error = nil

	// ENOENT is returned when a handle does not name a live object.
	ENOENT = errors.New(unix.ENOENT, d3dkmt.StatusInvalidHandle, "no such object")

	// EBADTYPE is returned when a handle names a live object of another type.
	EBADTYPE = errors.New(unix.EBADSLT, d3dkmt.StatusObjectTypeMismatch, "object type mismatch")

	// ENODEV is returned when the target, or one of its ancestors, is not
	// active.
	ENODEV = errors.New(unix.ENODEV, d3dkmt.StatusDeviceRemoved, "object is not active")

	// ENOMEM is returned when a handle table or an allocation limit is
	// exhausted.
	ENOMEM = errors.New(unix.ENOMEM, d3dkmt.StatusNoMemory, "out of memory")

	// EINVAL is returned for malformed requests.
	EINVAL = errors.New(unix.EINVAL, d3dkmt.StatusInvalidParameter, "invalid argument")

	// EEXIST is returned when a handle value is already in use.
	EEXIST = errors.New(unix.EEXIST, d3dkmt.StatusObjectNameCollision, "handle already in use")

	// EOVERFLOW is returned when a caller-supplied capacity is too small for
	// the result.
	EOVERFLOW = errors.New(unix.EOVERFLOW, d3dkmt.StatusBufferTooSmall, "buffer too small")

	// ErrChannel is returned when the host channel failed or was closed
	// while a request was outstanding.
	ErrChannel = errors.New(unix.EIO, d3dkmt.StatusDeviceRemoved, "host channel failure")

	// ErrTimeout is returned when the host did not answer in time.
	ErrTimeout = errors.New(unix.ETIMEDOUT, d3dkmt.StatusTimeout, "host request timed out")
)

// HostError is returned when the host rejected a request.
type HostError struct {
	Command d3dkmt.Command
	Status  d3dkmt.NTStatus
}

// Error implements error.Error.
func (e *HostError) Error() string {
	return fmt.Sprintf("host rejected %v: %v", e.Command, e.Status)
}

// Errno returns the errno user space sees for e.
func (e *HostError) Errno() unix.Errno {
	return StatusToErrno(e.Status)
}

// NewHostError returns the error for a host response with status, or nil if
// status is not a failure.
func NewHostError(cmd d3dkmt.Command, status d3dkmt.NTStatus) error {
	if status.Success() {
		return nil
	}
	return &HostError{Command: cmd, Status: status}
}

// IsHostError returns true if err is, or wraps, a HostError.
func IsHostError(err error) bool {
	var he *HostError
	return goerrors.As(err, &he)
}

// IsChannelError returns true if err is a transport failure rather than an
// answer from the host.
func IsChannelError(err error) bool {
	return goerrors.Is(err, ErrChannel) || goerrors.Is(err, ErrTimeout)
}

// StatusToErrno maps a host status to an errno.
func StatusToErrno(status d3dkmt.NTStatus) unix.Errno {
	if status.Success() {
		return 0
	}
	switch status {
	case d3dkmt.StatusNoMemory:
		return unix.ENOMEM
	case d3dkmt.StatusInvalidParameter, d3dkmt.StatusIllegalInstruction, d3dkmt.StatusInvalidHandle:
		return unix.EINVAL
	case d3dkmt.StatusObjectNameInvalid, d3dkmt.StatusObjectNameNotFound:
		return unix.ENOENT
	case d3dkmt.StatusObjectNameCollision:
		return unix.EEXIST
	case d3dkmt.StatusObjectTypeMismatch:
		return unix.EBADSLT
	case d3dkmt.StatusAccessDenied:
		return unix.EACCES
	case d3dkmt.StatusBufferTooSmall:
		return unix.EOVERFLOW
	case d3dkmt.StatusDeviceRemoved:
		return unix.ENODEV
	case d3dkmt.StatusGraphicsAllocationBusy:
		return unix.EINPROGRESS
	case d3dkmt.StatusNotSupported, d3dkmt.StatusNotImplemented:
		return unix.EOPNOTSUPP
	default:
		return unix.EINVAL
	}
}

// ToErrno returns the errno for err, as user space would see it.
func ToErrno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno()
	}
	var he *HostError
	if goerrors.As(err, &he) {
		return he.Errno()
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

// ToStatus returns the host status for err.
func ToStatus(err error) d3dkmt.NTStatus {
	if err == nil {
		return d3dkmt.StatusSuccess
	}
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Status()
	}
	var he *HostError
	if goerrors.As(err, &he) {
		return he.Status
	}
	return d3dkmt.StatusInvalidParameter
}

// Equals compares a dxgerr to a given error, unwrapping err.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == noError
	}
	if e == noError {
		return false
	}
	return goerrors.Is(err, e) || goerrors.Is(err, e.Errno())
}

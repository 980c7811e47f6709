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

// Package d3dkmt defines the guest/host ABI shared by the paravirtualized GPU
// driver and its host: handle values, adapter identities, host status codes,
// host command numbers and the framing used on the host channel.
package d3dkmt

import "fmt"

// Handle is an opaque 32-bit object handle. Zero is never a valid handle.
type Handle uint32

// NullHandle is the invalid handle value.
const NullHandle Handle = 0

// Valid returns true if h is not the null handle.
func (h Handle) Valid() bool {
	return h != NullHandle
}

// String implements fmt.Stringer.String.
func (h Handle) String() string {
	return fmt.Sprintf("%#x", uint32(h))
}

// LUID is the locally unique identity of a host GPU adapter.
type LUID struct {
	Low  uint32
	High int32
}

// LUIDFromUint64 unpacks a LUID packed as High<<32 | Low.
func LUIDFromUint64(v uint64) LUID {
	return LUID{Low: uint32(v), High: int32(v >> 32)}
}

// Uint64 packs l as High<<32 | Low.
func (l LUID) Uint64() uint64 {
	return uint64(uint32(l.High))<<32 | uint64(l.Low)
}

// Less orders LUIDs by their packed value.
func (l LUID) Less(o LUID) bool {
	return l.Uint64() < o.Uint64()
}

// IsZero returns true if l is the zero LUID.
func (l LUID) IsZero() bool {
	return l.Low == 0 && l.High == 0
}

// String implements fmt.Stringer.String.
func (l LUID) String() string {
	return fmt.Sprintf("%x-%x", uint32(l.High), l.Low)
}

// NTStatus is a host status code. Negative values are failures.
type NTStatus int32

// Host status codes.
const (
	StatusSuccess                NTStatus = 0
	StatusTimeout                NTStatus = 0x00000102
	StatusPending                NTStatus = 0x00000103
	StatusNotImplemented         NTStatus = -0x3ffffffe // 0xC0000002
	StatusInvalidHandle          NTStatus = -0x3ffffff8 // 0xC0000008
	StatusInvalidParameter       NTStatus = -0x3ffffff3 // 0xC000000D
	StatusNoMemory               NTStatus = -0x3fffffe9 // 0xC0000017
	StatusIllegalInstruction     NTStatus = -0x3fffffe3 // 0xC000001D
	StatusAccessDenied           NTStatus = -0x3fffffde // 0xC0000022
	StatusBufferTooSmall         NTStatus = -0x3fffffdd // 0xC0000023
	StatusObjectTypeMismatch     NTStatus = -0x3fffffdc // 0xC0000024
	StatusObjectNameInvalid      NTStatus = -0x3fffffcd // 0xC0000033
	StatusObjectNameNotFound     NTStatus = -0x3fffffcc // 0xC0000034
	StatusObjectNameCollision    NTStatus = -0x3fffffcb // 0xC0000035
	StatusNotSupported           NTStatus = -0x3fffff45 // 0xC00000BB
	StatusDeviceRemoved          NTStatus = -0x3ffffd4a // 0xC00002B6
	StatusGraphicsAllocationBusy NTStatus = -0x3fe1fefe // 0xC01E0102
)

// Success returns true if s is not a failure code.
func (s NTStatus) Success() bool {
	return s >= 0
}

var statusNames = map[NTStatus]string{
	StatusSuccess:                "STATUS_SUCCESS",
	StatusTimeout:                "STATUS_TIMEOUT",
	StatusPending:                "STATUS_PENDING",
	StatusNotImplemented:         "STATUS_NOT_IMPLEMENTED",
	StatusInvalidHandle:          "STATUS_INVALID_HANDLE",
	StatusInvalidParameter:       "STATUS_INVALID_PARAMETER",
	StatusNoMemory:               "STATUS_NO_MEMORY",
	StatusIllegalInstruction:     "STATUS_ILLEGAL_INSTRUCTION",
	StatusAccessDenied:           "STATUS_ACCESS_DENIED",
	StatusBufferTooSmall:         "STATUS_BUFFER_TOO_SMALL",
	StatusObjectTypeMismatch:     "STATUS_OBJECT_TYPE_MISMATCH",
	StatusObjectNameInvalid:      "STATUS_OBJECT_NAME_INVALID",
	StatusObjectNameNotFound:     "STATUS_OBJECT_NAME_NOT_FOUND",
	StatusObjectNameCollision:    "STATUS_OBJECT_NAME_COLLISION",
	StatusNotSupported:           "STATUS_NOT_SUPPORTED",
	StatusDeviceRemoved:          "STATUS_DEVICE_REMOVED",
	StatusGraphicsAllocationBusy: "STATUS_GRAPHICS_ALLOCATION_BUSY",
}

// String implements fmt.Stringer.String.
func (s NTStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("NTSTATUS(%#08x)", uint32(s))
}

// SyncObjectType is the kind of a GPU synchronization object.
type SyncObjectType uint32

// Synchronization object types.
const (
	SyncObjectMutex SyncObjectType = iota + 1
	SyncObjectSemaphore
	SyncObjectFence
	SyncObjectCPUNotification
	SyncObjectMonitoredFence
	SyncObjectPeriodicMonitoredFence
)

// DeviceScoped returns true if objects of type t belong to a device rather
// than to an adapter. Monitored fences are mapped into the creating device's
// CPU-visible memory and therefore cannot outlive it.
func (t SyncObjectType) DeviceScoped() bool {
	return t == SyncObjectMonitoredFence || t == SyncObjectPeriodicMonitoredFence
}

// Valid returns true if t is a known synchronization object type.
func (t SyncObjectType) Valid() bool {
	return t >= SyncObjectMutex && t <= SyncObjectPeriodicMonitoredFence
}

// String implements fmt.Stringer.String.
func (t SyncObjectType) String() string {
	switch t {
	case SyncObjectMutex:
		return "mutex"
	case SyncObjectSemaphore:
		return "semaphore"
	case SyncObjectFence:
		return "fence"
	case SyncObjectCPUNotification:
		return "cpu-notification"
	case SyncObjectMonitoredFence:
		return "monitored-fence"
	case SyncObjectPeriodicMonitoredFence:
		return "periodic-monitored-fence"
	default:
		return fmt.Sprintf("SyncObjectType(%d)", uint32(t))
	}
}

// Host channel interface versions. The guest offers InterfaceVersion; a host
// that answers with anything older than LastCompatibleInterfaceVersion is
// refused.
const (
	InterfaceVersionOld            = 27
	InterfaceVersion               = 40
	LastCompatibleInterfaceVersion = 16
)

// MaxPacketSize bounds the encoded size of a single frame on the host channel.
const MaxPacketSize = 128 * 1024

// MaxAdapters bounds the number of adapters a single enumeration may return.
const MaxAdapters = 16

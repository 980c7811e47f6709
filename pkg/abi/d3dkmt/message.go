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

package d3dkmt

import "fmt"

// Command identifies a host operation.
type Command uint32

// Host commands. Only the object lifecycle commands are modelled; GPU payloads
// travel opaquely in Message.Private.
const (
	CmdHello Command = iota + 1
	CmdOpenAdapter
	CmdCloseAdapter
	CmdGetInternalAdapterInfo
	CmdQueryAdapterInfo
	CmdCreateDevice
	CmdDestroyDevice
	CmdFlushDevice
	CmdCreateContext
	CmdDestroyContext
	CmdCreateHWQueue
	CmdDestroyHWQueue
	CmdCreateAllocation
	CmdDestroyAllocation
	CmdCreateSyncObject
	CmdDestroySyncObject
	CmdWaitSyncObjectCPU

	numCommands
)

var commandNames = [...]string{
	CmdHello:                  "hello",
	CmdOpenAdapter:            "open_adapter",
	CmdCloseAdapter:           "close_adapter",
	CmdGetInternalAdapterInfo: "get_internal_adapter_info",
	CmdQueryAdapterInfo:       "query_adapter_info",
	CmdCreateDevice:           "create_device",
	CmdDestroyDevice:          "destroy_device",
	CmdFlushDevice:            "flush_device",
	CmdCreateContext:          "create_context",
	CmdDestroyContext:         "destroy_context",
	CmdCreateHWQueue:          "create_hwqueue",
	CmdDestroyHWQueue:         "destroy_hwqueue",
	CmdCreateAllocation:       "create_allocation",
	CmdDestroyAllocation:      "destroy_allocation",
	CmdCreateSyncObject:       "create_sync_object",
	CmdDestroySyncObject:      "destroy_sync_object",
	CmdWaitSyncObjectCPU:      "wait_sync_object_cpu",
}

// Valid returns true if c is a known command.
func (c Command) Valid() bool {
	return c >= CmdHello && c < numCommands
}

// String implements fmt.Stringer.String.
func (c Command) String() string {
	if c.Valid() {
		return commandNames[c]
	}
	return fmt.Sprintf("Command(%d)", uint32(c))
}

// AllCommands returns every valid command, in numeric order.
func AllCommands() []Command {
	cmds := make([]Command, 0, numCommands-1)
	for c := CmdHello; c < numCommands; c++ {
		cmds = append(cmds, c)
	}
	return cmds
}

// FlushDevice flags.
const (
	FlushSchedulerDeviceTerminate = 4
)

// Message is a request to, or a response from, the host.
//
// Requests identify their target with Process, Device and Handles; responses
// carry Status and any host-assigned Handles. Args and Private are
// command-specific and opaque to the object core.
type Message struct {
	Command Command
	Status  NTStatus

	// Process is the host handle of the guest process issuing the request.
	Process Handle
	Adapter LUID
	Device  Handle
	Handles []Handle
	Args    []uint64
	Private []byte
}

// String implements fmt.Stringer.String.
func (m *Message) String() string {
	return fmt.Sprintf("%v{status=%v process=%v adapter=%v device=%v handles=%v args=%v private=%dB}",
		m.Command, m.Status, m.Process, m.Adapter, m.Device, m.Handles, m.Args, len(m.Private))
}

// Handle returns the i'th handle of m, or NullHandle.
func (m *Message) Handle(i int) Handle {
	if i < len(m.Handles) {
		return m.Handles[i]
	}
	return NullHandle
}

// Arg returns the i'th argument of m, or 0.
func (m *Message) Arg(i int) uint64 {
	if i < len(m.Args) {
		return m.Args[i]
	}
	return 0
}

// NotificationKind is the type of an unsolicited host message.
type NotificationKind uint32

// Notification kinds.
const (
	NotifyDeviceRemoved NotificationKind = iota + 1
	NotifyAdapterRemoved
	NotifySyncObjectSignaled
)

// String implements fmt.Stringer.String.
func (k NotificationKind) String() string {
	switch k {
	case NotifyDeviceRemoved:
		return "device_removed"
	case NotifyAdapterRemoved:
		return "adapter_removed"
	case NotifySyncObjectSignaled:
		return "sync_object_signaled"
	default:
		return fmt.Sprintf("NotificationKind(%d)", uint32(k))
	}
}

// Notification is an unsolicited message from the host.
type Notification struct {
	Kind    NotificationKind
	Adapter LUID
	Device  Handle
	EventID uint64
	Value   uint64
}

// FrameKind distinguishes the frames multiplexed on a host channel.
type FrameKind uint32

// Frame kinds.
const (
	FrameRequest FrameKind = iota + 1
	FrameResponse
	FrameNotification
)

// Frame is the unit of transmission on a host channel. Exactly one of Message
// and Notification is set, according to Kind.
type Frame struct {
	Kind         FrameKind
	RequestID    uint64
	Message      *Message
	Notification *Notification
}

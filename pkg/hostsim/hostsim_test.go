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

package hostsim_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"gvisor.dev/dxgk/pkg/abi/d3dkmt"
	"gvisor.dev/dxgk/pkg/errors/dxgerr"
	"gvisor.dev/dxgk/pkg/hmgr"
	"gvisor.dev/dxgk/pkg/hostsim"
	"gvisor.dev/dxgk/pkg/vmbus"
)

var luid = d3dkmt.LUIDFromUint64(0x10)

type session struct {
	t    *testing.T
	host *hostsim.Host
	ch   *vmbus.Channel
}

func newSession(t *testing.T) *session {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	host := hostsim.New(hostsim.Options{})
	host.AddAdapter(luid)
	ch, err := host.Connect(ctx, vmbus.Options{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { ch.Close() })
	return &session{t: t, host: host, ch: ch}
}

func (s *session) send(req *d3dkmt.Message) *d3dkmt.Message {
	s.t.Helper()
	req.Adapter = luid
	resp, err := s.ch.Send(context.Background(), req)
	if err != nil {
		s.t.Fatalf("%v: %v", req.Command, err)
	}
	return resp
}

func (s *session) live(kinds ...hmgr.EntryType) []int {
	var n []int
	for _, k := range kinds {
		n = append(n, s.host.Live(k))
	}
	return n
}

func TestDestroyDeviceFreesChildren(t *testing.T) {
	s := newSession(t)
	dev := s.send(&d3dkmt.Message{Command: d3dkmt.CmdCreateDevice}).Handle(0)
	ctx := s.send(&d3dkmt.Message{Command: d3dkmt.CmdCreateContext, Device: dev}).Handle(0)
	s.send(&d3dkmt.Message{Command: d3dkmt.CmdCreateHWQueue, Device: dev, Handles: []d3dkmt.Handle{ctx}})
	s.send(&d3dkmt.Message{Command: d3dkmt.CmdCreateAllocation, Device: dev, Args: []uint64{3, 1}})
	s.send(&d3dkmt.Message{Command: d3dkmt.CmdCreateSyncObject, Device: dev, Args: []uint64{uint64(d3dkmt.SyncObjectMonitoredFence)}})
	s.send(&d3dkmt.Message{Command: d3dkmt.CmdCreateSyncObject, Args: []uint64{uint64(d3dkmt.SyncObjectMutex)}})

	kinds := []hmgr.EntryType{hmgr.EntryDevice, hmgr.EntryContext, hmgr.EntryHWQueue, hmgr.EntryResource, hmgr.EntryAllocation, hmgr.EntrySyncObject}
	if diff := cmp.Diff([]int{1, 1, 1, 1, 3, 2}, s.live(kinds...)); diff != "" {
		t.Errorf("live objects mismatch (-want +got):\n%s", diff)
	}
	s.send(&d3dkmt.Message{Command: d3dkmt.CmdDestroyDevice, Device: dev})
	// The adapter mutex is not owned by the device.
	if diff := cmp.Diff([]int{0, 0, 0, 0, 0, 1}, s.live(kinds...)); diff != "" {
		t.Errorf("live objects after DestroyDevice mismatch (-want +got):\n%s", diff)
	}
}

func TestDestroyResourceFreesAllocations(t *testing.T) {
	s := newSession(t)
	dev := s.send(&d3dkmt.Message{Command: d3dkmt.CmdCreateDevice}).Handle(0)
	created := s.send(&d3dkmt.Message{Command: d3dkmt.CmdCreateAllocation, Device: dev, Args: []uint64{4, 1}})
	if len(created.Handles) != 5 || !created.Handle(0).Valid() {
		t.Fatalf("CreateAllocation returned %v, want a resource and 4 allocations", created.Handles)
	}
	standalone := s.send(&d3dkmt.Message{Command: d3dkmt.CmdCreateAllocation, Device: dev, Args: []uint64{2}})
	if standalone.Handle(0).Valid() {
		t.Errorf("CreateAllocation without a resource returned resource %v", standalone.Handle(0))
	}

	s.send(&d3dkmt.Message{Command: d3dkmt.CmdDestroyAllocation, Device: dev, Handles: []d3dkmt.Handle{created.Handle(0)}})
	if n := s.host.Live(hmgr.EntryAllocation); n != 2 {
		t.Errorf("host has %d allocations, want the 2 standalone ones", n)
	}
	s.send(&d3dkmt.Message{Command: d3dkmt.CmdDestroyAllocation, Device: dev, Handles: standalone.Handles})
	if n := s.host.Live(hmgr.EntryAllocation); n != 0 {
		t.Errorf("host has %d allocations", n)
	}
}

func TestFaults(t *testing.T) {
	s := newSession(t)
	s.host.FailNext(d3dkmt.CmdCreateDevice, d3dkmt.StatusNoMemory)
	_, err := s.ch.Send(context.Background(), &d3dkmt.Message{Command: d3dkmt.CmdCreateDevice, Adapter: luid})
	var he *dxgerr.HostError
	if !errors.As(err, &he) || he.Status != d3dkmt.StatusNoMemory {
		t.Errorf("CreateDevice = %v, want StatusNoMemory", err)
	}
	// The fault was consumed.
	s.send(&d3dkmt.Message{Command: d3dkmt.CmdCreateDevice})
	if got := s.host.Calls(d3dkmt.CmdCreateDevice); got != 2 {
		t.Errorf("Calls(CreateDevice) = %d, want 2", got)
	}

	for _, tc := range []struct {
		req  *d3dkmt.Message
		want d3dkmt.NTStatus
	}{
		{&d3dkmt.Message{Command: d3dkmt.CmdOpenAdapter, Adapter: d3dkmt.LUIDFromUint64(0x99)}, d3dkmt.StatusObjectNameNotFound},
		{&d3dkmt.Message{Command: d3dkmt.CmdDestroyDevice, Adapter: luid, Device: d3dkmt.Handle(0x40)}, d3dkmt.StatusInvalidHandle},
		{&d3dkmt.Message{Command: d3dkmt.CmdCreateSyncObject, Adapter: luid, Args: []uint64{99}}, d3dkmt.StatusInvalidParameter},
		{&d3dkmt.Message{Command: d3dkmt.Command(0xffff), Adapter: luid}, d3dkmt.StatusNotImplemented},
	} {
		resp, err := s.ch.Send(context.Background(), tc.req)
		if !dxgerr.IsHostError(err) || resp.Status != tc.want {
			t.Errorf("%v = %v, want status %v", tc.req.Command, err, tc.want)
		}
	}
}

func TestSignalCompletesWaits(t *testing.T) {
	s := newSession(t)
	so := s.send(&d3dkmt.Message{Command: d3dkmt.CmdCreateSyncObject, Args: []uint64{uint64(d3dkmt.SyncObjectFence)}}).Handle(0)
	s.send(&d3dkmt.Message{Command: d3dkmt.CmdWaitSyncObjectCPU, Handles: []d3dkmt.Handle{so}, Args: []uint64{5, 1}})
	s.send(&d3dkmt.Message{Command: d3dkmt.CmdWaitSyncObjectCPU, Handles: []d3dkmt.Handle{so}, Args: []uint64{9, 2}})

	if err := s.host.Signal(so, 6); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	want := d3dkmt.Notification{Kind: d3dkmt.NotifySyncObjectSignaled, Adapter: luid, EventID: 1, Value: 6}
	if diff := cmp.Diff(want, <-s.ch.Subscribe()); diff != "" {
		t.Errorf("notification mismatch (-want +got):\n%s", diff)
	}
	// A lower value never moves the fence back.
	if err := s.host.Signal(so, 2); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	s.send(&d3dkmt.Message{Command: d3dkmt.CmdWaitSyncObjectCPU, Handles: []d3dkmt.Handle{so}, Args: []uint64{4, 3}})
	want = d3dkmt.Notification{Kind: d3dkmt.NotifySyncObjectSignaled, Adapter: luid, EventID: 3, Value: 6}
	if diff := cmp.Diff(want, <-s.ch.Subscribe()); diff != "" {
		t.Errorf("notification for a reached value mismatch (-want +got):\n%s", diff)
	}

	// Destroying the object drops the remaining wait.
	s.send(&d3dkmt.Message{Command: d3dkmt.CmdDestroySyncObject, Handles: []d3dkmt.Handle{so}})
	if err := s.host.Signal(so, 10); !errors.Is(err, dxgerr.ENOENT) {
		t.Errorf("Signal on a destroyed object = %v, want ENOENT", err)
	}
}

func TestRemoveAdapterNotifies(t *testing.T) {
	s := newSession(t)
	s.host.RemoveAdapter(luid)
	want := d3dkmt.Notification{Kind: d3dkmt.NotifyAdapterRemoved, Adapter: luid}
	if diff := cmp.Diff(want, <-s.ch.Subscribe()); diff != "" {
		t.Errorf("notification mismatch (-want +got):\n%s", diff)
	}
	resp, err := s.ch.Send(context.Background(), &d3dkmt.Message{Command: d3dkmt.CmdCreateDevice, Adapter: luid})
	if !dxgerr.IsHostError(err) || resp.Status != d3dkmt.StatusObjectNameNotFound {
		t.Errorf("CreateDevice on a removed adapter = %v", err)
	}
}

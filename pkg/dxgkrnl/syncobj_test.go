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

package dxgkrnl

import (
	"testing"
	"time"

	"gvisor.dev/dxgk/pkg/abi/d3dkmt"
	"gvisor.dev/dxgk/pkg/context"
	"gvisor.dev/dxgk/pkg/errors/dxgerr"
	"gvisor.dev/dxgk/pkg/hmgr"
)

// syncHost returns the host handle of the sync object named by h.
func syncHost(t *testing.T, p *Process, h d3dkmt.Handle) d3dkmt.Handle {
	t.Helper()
	so, err := lookup[*SyncObject](NewUnlocked(), p, h, hmgr.EntrySyncObject)
	if err != nil {
		t.Fatalf("sync object %v: %v", h, err)
	}
	defer so.decRef()
	return so.host
}

type waitResult struct {
	value uint64
	err   error
}

// startWait waits on the sync object sh from another goroutine and returns
// once the host has the wait.
func (f *fixture) startWait(ctx context.Context, p *Process, dh, sh d3dkmt.Handle, value uint64) <-chan waitResult {
	f.t.Helper()
	calls := f.host.Calls(d3dkmt.CmdWaitSyncObjectCPU)
	done := make(chan waitResult, 1)
	go func() {
		v, err := p.WaitSyncObjectCPU(ctx, dh, sh, value)
		done <- waitResult{v, err}
	}()
	waitFor(f.t, "the host to receive the wait", func() bool {
		return f.host.Calls(d3dkmt.CmdWaitSyncObjectCPU) > calls
	})
	return done
}

func TestSyncObjectTypes(t *testing.T) {
	f := newFixture(t, Options{})
	p, ah := f.open(1, testLUID)
	dh := f.createDevice(p, ah)

	for _, tc := range []struct {
		typ    d3dkmt.SyncObjectType
		target d3dkmt.Handle
	}{
		{d3dkmt.SyncObjectMutex, ah},
		{d3dkmt.SyncObjectSemaphore, ah},
		{d3dkmt.SyncObjectFence, ah},
		{d3dkmt.SyncObjectCPUNotification, ah},
		{d3dkmt.SyncObjectMonitoredFence, dh},
		{d3dkmt.SyncObjectPeriodicMonitoredFence, dh},
	} {
		h, err := p.CreateSyncObject(f.ctx, tc.target, tc.typ)
		if err != nil {
			t.Errorf("CreateSyncObject(%v): %v", tc.typ, err)
			continue
		}
		so, err := lookup[*SyncObject](NewUnlocked(), p, h, hmgr.EntrySyncObject)
		if err != nil {
			t.Fatalf("lookup(%v): %v", h, err)
		}
		if got := so.Type(); got != tc.typ {
			t.Errorf("Type() = %v, want %v", got, tc.typ)
		}
		if scoped := so.device != nil; scoped != tc.typ.DeviceScoped() {
			t.Errorf("%v: device scoped = %t", tc.typ, scoped)
		}
		so.decRef()
		if err := p.DestroySyncObject(f.ctx, h); err != nil {
			t.Errorf("DestroySyncObject(%v): %v", tc.typ, err)
		}
		if err := p.DestroySyncObject(f.ctx, h); !dxgerr.Equals(dxgerr.ENOENT, err) {
			t.Errorf("second DestroySyncObject(%v) = %v, want ENOENT", tc.typ, err)
		}
	}
	if _, err := p.CreateSyncObject(f.ctx, ah, d3dkmt.SyncObjectType(99)); !dxgerr.Equals(dxgerr.EINVAL, err) {
		t.Errorf("CreateSyncObject(99) = %v, want EINVAL", err)
	}
	if n := f.host.Live(hmgr.EntrySyncObject); n != 0 {
		t.Errorf("host has %d sync objects", n)
	}
}

func TestDestroyDeviceDestroysSyncObjects(t *testing.T) {
	f := newFixture(t, Options{})
	p, ah := f.open(1, testLUID)
	dh := f.createDevice(p, ah)
	fence, err := p.CreateSyncObject(f.ctx, dh, d3dkmt.SyncObjectMonitoredFence)
	if err != nil {
		t.Fatalf("CreateSyncObject: %v", err)
	}
	mutex, err := p.CreateSyncObject(f.ctx, ah, d3dkmt.SyncObjectMutex)
	if err != nil {
		t.Fatalf("CreateSyncObject: %v", err)
	}
	if err := p.DestroyDevice(f.ctx, dh); err != nil {
		t.Fatalf("DestroyDevice: %v", err)
	}
	if err := p.DestroySyncObject(f.ctx, fence); !dxgerr.Equals(dxgerr.ENOENT, err) {
		t.Errorf("DestroySyncObject(monitored fence) after its device = %v, want ENOENT", err)
	}
	// Adapter sync objects outlive devices.
	if err := p.DestroySyncObject(f.ctx, mutex); err != nil {
		t.Errorf("DestroySyncObject(mutex): %v", err)
	}
}

func TestWaitSyncObjectCPU(t *testing.T) {
	f := newFixture(t, Options{})
	p, ah := f.open(1, testLUID)
	dh := f.createDevice(p, ah)
	sh, err := p.CreateSyncObject(f.ctx, ah, d3dkmt.SyncObjectFence)
	if err != nil {
		t.Fatalf("CreateSyncObject: %v", err)
	}
	host := syncHost(t, p, sh)

	done := f.startWait(f.ctx, p, dh, sh, 5)
	if err := f.host.Signal(host, 3); err != nil {
		t.Fatalf("Signal(3): %v", err)
	}
	select {
	case r := <-done:
		t.Fatalf("wait for 5 completed at 3: %+v", r)
	case <-time.After(10 * time.Millisecond):
	}
	if err := f.host.Signal(host, 7); err != nil {
		t.Fatalf("Signal(7): %v", err)
	}
	if r := <-done; r.err != nil || r.value != 7 {
		t.Errorf("WaitSyncObjectCPU = %d, %v; want 7, nil", r.value, r.err)
	}

	// Already reached.
	if v, err := p.WaitSyncObjectCPU(f.ctx, dh, sh, 2); err != nil || v != 7 {
		t.Errorf("WaitSyncObjectCPU(2) = %d, %v; want 7, nil", v, err)
	}
	if n := f.g.PendingEvents(); n != 0 {
		t.Errorf("PendingEvents() = %d", n)
	}
}

func TestWaitSyncObjectCPUTimeout(t *testing.T) {
	f := newFixture(t, Options{})
	p, ah := f.open(1, testLUID)
	dh := f.createDevice(p, ah)
	sh, err := p.CreateSyncObject(f.ctx, dh, d3dkmt.SyncObjectMonitoredFence)
	if err != nil {
		t.Fatalf("CreateSyncObject: %v", err)
	}
	ctx, cancel := context.WithTimeout(f.ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := p.WaitSyncObjectCPU(ctx, dh, sh, 1); !dxgerr.Equals(dxgerr.ErrTimeout, err) {
		t.Errorf("WaitSyncObjectCPU = %v, want ErrTimeout", err)
	}
	if n := f.g.PendingEvents(); n != 0 {
		t.Errorf("PendingEvents() = %d after a timed out wait", n)
	}
}

func TestWaitFailsOnDestroy(t *testing.T) {
	f := newFixture(t, Options{})
	p, ah := f.open(1, testLUID)
	dh := f.createDevice(p, ah)
	sh, err := p.CreateSyncObject(f.ctx, ah, d3dkmt.SyncObjectSemaphore)
	if err != nil {
		t.Fatalf("CreateSyncObject: %v", err)
	}
	done := f.startWait(f.ctx, p, dh, sh, 1)
	if err := p.DestroySyncObject(f.ctx, sh); err != nil {
		t.Fatalf("DestroySyncObject: %v", err)
	}
	if r := <-done; !dxgerr.Equals(dxgerr.ENOENT, r.err) {
		t.Errorf("WaitSyncObjectCPU = %v, want ENOENT", r.err)
	}
}

func TestWaitFailsOnStop(t *testing.T) {
	f := newFixture(t, Options{})
	p, ah := f.open(1, testLUID)
	dh := f.createDevice(p, ah)
	sh, err := p.CreateSyncObject(f.ctx, ah, d3dkmt.SyncObjectFence)
	if err != nil {
		t.Fatalf("CreateSyncObject: %v", err)
	}
	done := f.startWait(f.ctx, p, dh, sh, 1)
	if err := f.g.StopAdapter(f.ctx, d3dkmt.LUIDFromUint64(testLUID)); err != nil {
		t.Fatalf("StopAdapter: %v", err)
	}
	if r := <-done; !dxgerr.Equals(dxgerr.ENODEV, r.err) {
		t.Errorf("WaitSyncObjectCPU = %v, want ENODEV", r.err)
	}
	if _, err := p.WaitSyncObjectCPU(f.ctx, dh, sh, 1); !dxgerr.Equals(dxgerr.ENODEV, err) {
		t.Errorf("WaitSyncObjectCPU on a stopped sync object = %v, want ENODEV", err)
	}
	// Stopped objects can still be closed.
	if err := p.DestroySyncObject(f.ctx, sh); err != nil {
		t.Errorf("DestroySyncObject: %v", err)
	}
}

func TestWaitAcrossAdapters(t *testing.T) {
	f := newFixture(t, Options{}, 0x10, 0x20)
	p, ah := f.open(1, 0x10)
	other, err := p.OpenAdapterFromLUID(f.ctx, d3dkmt.LUIDFromUint64(0x20))
	if err != nil {
		t.Fatalf("OpenAdapterFromLUID: %v", err)
	}
	dh := f.createDevice(p, ah)
	sh, err := p.CreateSyncObject(f.ctx, other, d3dkmt.SyncObjectFence)
	if err != nil {
		t.Fatalf("CreateSyncObject: %v", err)
	}
	if _, err := p.WaitSyncObjectCPU(f.ctx, dh, sh, 1); !dxgerr.Equals(dxgerr.EINVAL, err) {
		t.Errorf("WaitSyncObjectCPU across adapters = %v, want EINVAL", err)
	}
}

// TestExitRacesCreateSyncObject exits a process while the host is still
// creating an adapter sync object for it.
func TestExitRacesCreateSyncObject(t *testing.T) {
	f := newFixture(t, Options{})
	p, ah := f.open(1, testLUID)
	f.host.SetDelay(d3dkmt.CmdCreateSyncObject, 100*time.Millisecond)

	calls := f.host.Calls(d3dkmt.CmdCreateSyncObject)
	done := make(chan error, 1)
	go func() {
		_, err := p.CreateSyncObject(f.ctx, ah, d3dkmt.SyncObjectMutex)
		done <- err
	}()
	waitFor(t, "the host to receive the creation", func() bool {
		return f.host.Calls(d3dkmt.CmdCreateSyncObject) > calls
	})
	p.Exit(f.ctx)

	if err := <-done; !dxgerr.Equals(dxgerr.ENODEV, err) {
		t.Errorf("CreateSyncObject during Exit = %v, want ENODEV", err)
	}
	if objects, adapters := p.Handles(); objects != 0 || adapters != 0 {
		t.Errorf("Handles() = %d, %d after Exit, want 0, 0", objects, adapters)
	}
	if n := f.host.Live(hmgr.EntrySyncObject); n != 0 {
		t.Errorf("host has %d sync objects after Exit", n)
	}
	// The fixture shutdown checks that neither the sync object nor the
	// adapter reference it held is leaked.
}

// TestSignalFromOtherAdapterIgnored checks that a host signal only completes
// waits registered on the adapter it arrived on.
func TestSignalFromOtherAdapterIgnored(t *testing.T) {
	f := newFixture(t, Options{}, 0x10, 0x20)
	p, ah := f.open(1, 0x10)
	dh := f.createDevice(p, ah)
	sh, err := p.CreateSyncObject(f.ctx, ah, d3dkmt.SyncObjectFence)
	if err != nil {
		t.Fatalf("CreateSyncObject: %v", err)
	}
	done := f.startWait(f.ctx, p, dh, sh, 5)

	var id uint64
	f.g.eventsMu.Lock()
	for eid := range f.g.events {
		id = eid
	}
	f.g.eventsMu.Unlock()
	f.host.Notify(d3dkmt.Notification{
		Kind:    d3dkmt.NotifySyncObjectSignaled,
		Adapter: d3dkmt.LUIDFromUint64(0x20),
		EventID: id,
		Value:   9,
	})
	select {
	case r := <-done:
		t.Fatalf("wait completed by a signal from another adapter: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
	if n := f.g.PendingEvents(); n != 1 {
		t.Errorf("PendingEvents() = %d, want 1", n)
	}

	if err := f.host.Signal(syncHost(t, p, sh), 5); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if r := <-done; r.err != nil || r.value != 5 {
		t.Errorf("WaitSyncObjectCPU = %d, %v; want 5, nil", r.value, r.err)
	}
}

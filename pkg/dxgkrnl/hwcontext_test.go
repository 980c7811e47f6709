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

	"golang.org/x/sync/errgroup"

	"gvisor.dev/dxgk/pkg/abi/d3dkmt"
	"gvisor.dev/dxgk/pkg/errors/dxgerr"
	"gvisor.dev/dxgk/pkg/hmgr"
)

func TestContextLifecycle(t *testing.T) {
	f := newFixture(t, Options{})
	p, ah := f.open(1, testLUID)
	dh := f.createDevice(p, ah)

	ch, err := p.CreateContext(f.ctx, dh, 2)
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	var queues []d3dkmt.Handle
	for i := 0; i < 3; i++ {
		qh, err := p.CreateHWQueue(f.ctx, ch)
		if err != nil {
			t.Fatalf("CreateHWQueue: %v", err)
		}
		queues = append(queues, qh)
	}
	if err := p.DestroyHWQueue(f.ctx, queues[0]); err != nil {
		t.Fatalf("DestroyHWQueue: %v", err)
	}
	if err := p.DestroyHWQueue(f.ctx, queues[0]); !dxgerr.Equals(dxgerr.ENOENT, err) {
		t.Errorf("second DestroyHWQueue = %v, want ENOENT", err)
	}
	if n := f.host.Live(hmgr.EntryHWQueue); n != 2 {
		t.Errorf("host has %d queues, want 2", n)
	}

	// The remaining queues go away with their context.
	if err := p.DestroyContext(f.ctx, ch); err != nil {
		t.Fatalf("DestroyContext: %v", err)
	}
	for _, qh := range queues[1:] {
		if err := p.DestroyHWQueue(f.ctx, qh); !dxgerr.Equals(dxgerr.ENOENT, err) {
			t.Errorf("DestroyHWQueue(%v) after its context = %v, want ENOENT", qh, err)
		}
	}
	if err := p.DestroyContext(f.ctx, ch); !dxgerr.Equals(dxgerr.ENOENT, err) {
		t.Errorf("second DestroyContext = %v, want ENOENT", err)
	}
	if _, err := p.CreateHWQueue(f.ctx, ch); !dxgerr.Equals(dxgerr.ENOENT, err) {
		t.Errorf("CreateHWQueue on a destroyed context = %v, want ENOENT", err)
	}
	for _, kind := range []hmgr.EntryType{hmgr.EntryContext, hmgr.EntryHWQueue} {
		if n := f.host.Live(kind); n != 0 {
			t.Errorf("host has %d live %v objects", n, kind)
		}
	}
	if objects, _ := p.Handles(); objects != 1 {
		t.Errorf("Handles() = %d, want only the device", objects)
	}
}

func TestCreateContextRejected(t *testing.T) {
	f := newFixture(t, Options{})
	p, ah := f.open(1, testLUID)
	dh := f.createDevice(p, ah)
	contexts := LiveObjects(kindContext)

	f.host.FailNext(d3dkmt.CmdCreateContext, d3dkmt.StatusNoMemory)
	if _, err := p.CreateContext(f.ctx, dh, 0); !dxgerr.IsHostError(err) {
		t.Fatalf("CreateContext = %v, want a host error", err)
	}
	d := deviceOf(t, p, dh)
	NewUnlocked().ContextListShared(d, func(ContextListToken) error {
		if n := d.contexts.Len(); n != 0 {
			t.Errorf("device lists %d contexts after a rejected creation", n)
		}
		return nil
	})
	if got := LiveObjects(kindContext); got != contexts {
		t.Errorf("LiveObjects(context) = %d, want %d", got, contexts)
	}

	ch, err := p.CreateContext(f.ctx, dh, 0)
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	f.host.FailNext(d3dkmt.CmdCreateHWQueue, d3dkmt.StatusInvalidParameter)
	if _, err := p.CreateHWQueue(f.ctx, ch); !dxgerr.IsHostError(err) {
		t.Errorf("CreateHWQueue = %v, want a host error", err)
	}
	if objects, _ := p.Handles(); objects != 2 {
		t.Errorf("Handles() = %d, want the device and the context", objects)
	}
}

func TestDestroyDeviceDestroysContexts(t *testing.T) {
	f := newFixture(t, Options{})
	p, ah := f.open(1, testLUID)
	dh := f.createDevice(p, ah)
	var contexts []d3dkmt.Handle
	for node := uint32(0); node < 3; node++ {
		ch, err := p.CreateContext(f.ctx, dh, node)
		if err != nil {
			t.Fatalf("CreateContext: %v", err)
		}
		if _, err := p.CreateHWQueue(f.ctx, ch); err != nil {
			t.Fatalf("CreateHWQueue: %v", err)
		}
		contexts = append(contexts, ch)
	}
	queues := LiveObjects(kindHWQueue)
	contextDestroys := f.host.Calls(d3dkmt.CmdDestroyContext)

	if err := p.DestroyDevice(f.ctx, dh); err != nil {
		t.Fatalf("DestroyDevice: %v", err)
	}
	for _, ch := range contexts {
		if err := p.DestroyContext(f.ctx, ch); !dxgerr.Equals(dxgerr.ENOENT, err) {
			t.Errorf("DestroyContext(%v) after its device = %v, want ENOENT", ch, err)
		}
	}
	if got := LiveObjects(kindHWQueue); got != queues-3 {
		t.Errorf("LiveObjects(hwqueue) = %d, want %d", got, queues-3)
	}
	// Contexts go away with the host device.
	if got := f.host.Calls(d3dkmt.CmdDestroyContext); got != contextDestroys {
		t.Errorf("host got %d context destroy requests, want none", got-contextDestroys)
	}
	for _, kind := range []hmgr.EntryType{hmgr.EntryContext, hmgr.EntryHWQueue} {
		if n := f.host.Live(kind); n != 0 {
			t.Errorf("host has %d live %v objects", n, kind)
		}
	}
}

// TestQueuesRaceContextDestroy creates queues while their context is being
// destroyed. No queue outlives the context.
func TestQueuesRaceContextDestroy(t *testing.T) {
	f := newFixture(t, Options{})
	p, ah := f.open(1, testLUID)
	dh := f.createDevice(p, ah)
	ch, err := p.CreateContext(f.ctx, dh, 0)
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	queues := LiveObjects(kindHWQueue)

	var eg errgroup.Group
	for i := 0; i < 8; i++ {
		eg.Go(func() error {
			for j := 0; j < 5; j++ {
				if _, err := p.CreateHWQueue(f.ctx, ch); err != nil && !dxgerr.Equals(dxgerr.ENOENT, err) {
					return err
				}
			}
			return nil
		})
	}
	eg.Go(func() error {
		return p.DestroyContext(f.ctx, ch)
	})
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := LiveObjects(kindHWQueue); got != queues {
		t.Errorf("LiveObjects(hwqueue) = %d, want %d", got, queues)
	}
	if objects, _ := p.Handles(); objects != 1 {
		t.Errorf("Handles() = %d, want only the device", objects)
	}
	if n := f.host.Live(hmgr.EntryHWQueue); n != 0 {
		t.Errorf("host has %d queues", n)
	}
}

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
	"gvisor.dev/dxgk/pkg/errors"
	"gvisor.dev/dxgk/pkg/errors/dxgerr"
	"gvisor.dev/dxgk/pkg/hmgr"
)

func pages(n ...int) []AllocationDesc {
	descs := make([]AllocationDesc, len(n))
	for i, p := range n {
		descs[i] = AllocationDesc{Pages: p}
	}
	return descs
}

func resourceOf(t *testing.T, p *Process, h d3dkmt.Handle) *Resource {
	t.Helper()
	r, err := lookup[*Resource](NewUnlocked(), p, h, hmgr.EntryResource)
	if err != nil {
		t.Fatalf("resource %v: %v", h, err)
	}
	r.decRef()
	return r
}

// resourceAllocs returns the number of allocations on the list of r.
func resourceAllocs(r *Resource) int {
	n := 0
	d := r.device
	u := NewUnlocked()
	u.AllocListShared(d, func(lt AllocListToken) error {
		return lt.Resource(r, func(ResourceToken) error {
			n = r.allocs.Len()
			return nil
		})
	})
	return n
}

func TestResourceLifecycle(t *testing.T) {
	f := newFixture(t, Options{})
	p, ah := f.open(1, testLUID)
	dh := f.createDevice(p, ah)

	res, err := p.CreateAllocations(f.ctx, dh, AllocationRequest{
		CreateResource:      true,
		ResourcePrivateData: []byte("surface"),
		Allocations:         pages(1, 2, 3),
	})
	if err != nil {
		t.Fatalf("CreateAllocations: %v", err)
	}
	if !res.Resource.Valid() || len(res.Allocations) != 3 {
		t.Fatalf("CreateAllocations = %+v, want a resource and 3 allocations", res)
	}
	if got := f.g.PinnedPages(); got != 6 {
		t.Errorf("PinnedPages() = %d, want 6", got)
	}
	if n := f.host.Live(hmgr.EntryAllocation); n != 3 {
		t.Errorf("host has %d allocations, want 3", n)
	}

	if err := p.DestroyAllocations(f.ctx, dh, res.Resource, nil); err != nil {
		t.Fatalf("DestroyAllocations(resource): %v", err)
	}
	if err := p.DestroyAllocations(f.ctx, dh, res.Resource, nil); !dxgerr.Equals(dxgerr.ENOENT, err) {
		t.Errorf("second DestroyAllocations(resource) = %v, want ENOENT", err)
	}
	for _, h := range res.Allocations {
		if err := p.DestroyAllocations(f.ctx, dh, d3dkmt.NullHandle, []d3dkmt.Handle{h}); !dxgerr.Equals(dxgerr.ENOENT, err) {
			t.Errorf("DestroyAllocations(%v) after its resource = %v, want ENOENT", h, err)
		}
	}
	if got := f.g.PinnedPages(); got != 0 {
		t.Errorf("PinnedPages() = %d after destroy", got)
	}
	if objects, _ := p.Handles(); objects != 1 {
		t.Errorf("Handles() = %d, want only the device", objects)
	}
	for _, kind := range []hmgr.EntryType{hmgr.EntryResource, hmgr.EntryAllocation} {
		if n := f.host.Live(kind); n != 0 {
			t.Errorf("host has %d live %v objects", n, kind)
		}
	}
}

// TestCloseAllocationOfResource destroys the only allocation of a resource
// directly: the resource stays, with an empty list.
func TestCloseAllocationOfResource(t *testing.T) {
	f := newFixture(t, Options{})
	p, ah := f.open(1, testLUID)
	dh := f.createDevice(p, ah)
	res, err := p.CreateAllocations(f.ctx, dh, AllocationRequest{CreateResource: true, Allocations: pages(1)})
	if err != nil {
		t.Fatalf("CreateAllocations: %v", err)
	}
	x := res.Allocations[0]
	r := resourceOf(t, p, res.Resource)

	if err := p.DestroyAllocations(f.ctx, dh, d3dkmt.NullHandle, []d3dkmt.Handle{x}); err != nil {
		t.Fatalf("DestroyAllocations(%v): %v", x, err)
	}
	if n := resourceAllocs(r); n != 0 {
		t.Errorf("resource lists %d allocations, want 0", n)
	}
	if r.destroyed.Load() {
		t.Errorf("resource destroyed with its last allocation")
	}
	if got := deviceOf(t, p, dh).State(); got != DeviceActive {
		t.Errorf("device state = %v, want %v", got, DeviceActive)
	}
	if _, err := lookup[*Allocation](NewUnlocked(), p, x, hmgr.EntryAllocation); !dxgerr.Equals(dxgerr.ENOENT, err) {
		t.Errorf("lookup of the destroyed allocation = %v, want ENOENT", err)
	}
	if err := p.DestroyAllocations(f.ctx, dh, res.Resource, nil); err != nil {
		t.Errorf("DestroyAllocations(resource): %v", err)
	}
}

func TestDestroyAllocationsValidation(t *testing.T) {
	f := newFixture(t, Options{})
	p, ah := f.open(1, testLUID)
	dh := f.createDevice(p, ah)
	other := f.createDevice(p, ah)
	res, err := p.CreateAllocations(f.ctx, dh, AllocationRequest{Allocations: pages(1, 1)})
	if err != nil {
		t.Fatalf("CreateAllocations: %v", err)
	}
	a, b := res.Allocations[0], res.Allocations[1]

	for _, tc := range []struct {
		name     string
		device   d3dkmt.Handle
		resource d3dkmt.Handle
		allocs   []d3dkmt.Handle
		want     *errors.Error
	}{
		{name: "neither", device: dh, want: dxgerr.EINVAL},
		{name: "both", device: dh, resource: a, allocs: []d3dkmt.Handle{b}, want: dxgerr.EINVAL},
		{name: "too many", device: dh, allocs: make([]d3dkmt.Handle, MaxAllocationsPerCall+1), want: dxgerr.EINVAL},
		{name: "duplicate", device: dh, allocs: []d3dkmt.Handle{a, b, a}, want: dxgerr.EINVAL},
		{name: "other device", device: other, allocs: []d3dkmt.Handle{a}, want: dxgerr.EINVAL},
		{name: "stale handle", device: dh, allocs: []d3dkmt.Handle{a, b + 1<<6}, want: dxgerr.ENOENT},
		{name: "wrong type", device: dh, allocs: []d3dkmt.Handle{a, dh}, want: dxgerr.EBADTYPE},
		{name: "resource is an allocation", device: dh, resource: a, want: dxgerr.EBADTYPE},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := p.DestroyAllocations(f.ctx, tc.device, tc.resource, tc.allocs)
			if !dxgerr.Equals(tc.want, err) {
				t.Errorf("DestroyAllocations = %v, want %v", err, tc.want)
			}
		})
	}
	// Nothing was destroyed by the failed calls.
	if got := f.g.PinnedPages(); got != 2 {
		t.Errorf("PinnedPages() = %d, want 2", got)
	}
	if err := p.DestroyAllocations(f.ctx, dh, d3dkmt.NullHandle, []d3dkmt.Handle{a, b}); err != nil {
		t.Errorf("DestroyAllocations: %v", err)
	}
	if n := f.host.Live(hmgr.EntryAllocation); n != 0 {
		t.Errorf("host has %d allocations", n)
	}
}

func TestCreateAllocationsValidation(t *testing.T) {
	f := newFixture(t, Options{})
	p, ah := f.open(1, testLUID)
	dh := f.createDevice(p, ah)
	for _, req := range []AllocationRequest{
		{},
		{Allocations: make([]AllocationDesc, MaxAllocationsPerCall+1)},
		{Allocations: pages(1, -1)},
	} {
		if _, err := p.CreateAllocations(f.ctx, dh, req); !dxgerr.Equals(dxgerr.EINVAL, err) {
			t.Errorf("CreateAllocations(%d allocations) = %v, want EINVAL", len(req.Allocations), err)
		}
	}
	if _, err := p.CreateAllocations(f.ctx, dh+1<<6, AllocationRequest{Allocations: pages(1)}); !dxgerr.Equals(dxgerr.ENOENT, err) {
		t.Errorf("CreateAllocations on a free handle = %v, want ENOENT", err)
	}
}

func TestCreateAllocationsRejected(t *testing.T) {
	f := newFixture(t, Options{})
	p, ah := f.open(1, testLUID)
	dh := f.createDevice(p, ah)
	created := LiveObjects(kindAllocation)
	for _, withResource := range []bool{false, true} {
		f.host.FailNext(d3dkmt.CmdCreateAllocation, d3dkmt.StatusNoMemory)
		if _, err := p.CreateAllocations(f.ctx, dh, AllocationRequest{CreateResource: withResource, Allocations: pages(4, 4)}); !dxgerr.IsHostError(err) {
			t.Errorf("CreateAllocations(resource=%t) = %v, want a host error", withResource, err)
		}
	}
	if got := f.g.PinnedPages(); got != 0 {
		t.Errorf("PinnedPages() = %d after rejected creations", got)
	}
	if got := LiveObjects(kindAllocation); got != created {
		t.Errorf("LiveObjects(allocation) = %d, want %d", got, created)
	}
	if objects, _ := p.Handles(); objects != 1 {
		t.Errorf("Handles() = %d, want only the device", objects)
	}
}

// TestCreateAllocationsTableFull fills the handle table halfway through a
// creation: the handles taken so far are released and the host objects
// destroyed.
func TestCreateAllocationsTableFull(t *testing.T) {
	f := newFixture(t, Options{Handles: hmgr.Options{MinFreeEntries: 1, MaxEntries: 4}})
	p, ah := f.open(1, testLUID)
	dh := f.createDevice(p, ah)
	destroys := f.host.Calls(d3dkmt.CmdDestroyAllocation)
	if _, err := p.CreateAllocations(f.ctx, dh, AllocationRequest{Allocations: pages(1, 1, 1, 1, 1, 1)}); !dxgerr.Equals(dxgerr.ENOMEM, err) {
		t.Fatalf("CreateAllocations = %v, want ENOMEM", err)
	}
	if objects, _ := p.Handles(); objects != 1 {
		t.Errorf("Handles() = %d, want only the device", objects)
	}
	if got := f.host.Calls(d3dkmt.CmdDestroyAllocation) - destroys; got != 1 {
		t.Errorf("host got %d destroy requests, want 1", got)
	}
	if n := f.host.Live(hmgr.EntryAllocation); n != 0 {
		t.Errorf("host has %d allocations", n)
	}
	if got := f.g.PinnedPages(); got != 0 {
		t.Errorf("PinnedPages() = %d", got)
	}
}

// TestResourceDestroyRaces destroys a resource and its allocations from many
// goroutines at once: every allocation is freed exactly once.
func TestResourceDestroyRaces(t *testing.T) {
	const n = 16
	f := newFixture(t, Options{})
	p, ah := f.open(1, testLUID)
	dh := f.createDevice(p, ah)
	res, err := p.CreateAllocations(f.ctx, dh, AllocationRequest{CreateResource: true, Allocations: pages(make([]int, n)...)})
	if err != nil {
		t.Fatalf("CreateAllocations: %v", err)
	}
	freed := objectsDestroyed.Value(kindAllocation)

	var eg errgroup.Group
	resourceWins := make(chan struct{}, 4)
	for i := 0; i < 4; i++ {
		eg.Go(func() error {
			err := p.DestroyAllocations(f.ctx, dh, res.Resource, nil)
			switch {
			case err == nil:
				resourceWins <- struct{}{}
			case !dxgerr.Equals(dxgerr.ENOENT, err):
				return err
			}
			return nil
		})
	}
	for _, h := range res.Allocations {
		eg.Go(func() error {
			err := p.DestroyAllocations(f.ctx, dh, d3dkmt.NullHandle, []d3dkmt.Handle{h})
			if err != nil && !dxgerr.Equals(dxgerr.ENOENT, err) {
				return err
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	close(resourceWins)
	if wins := len(resourceWins); wins != 1 {
		t.Errorf("resource destroyed %d times, want 1", wins)
	}
	if got := objectsDestroyed.Value(kindAllocation) - freed; got != n {
		t.Errorf("%d allocations freed, want %d", got, n)
	}
	if objects, _ := p.Handles(); objects != 1 {
		t.Errorf("Handles() = %d, want only the device", objects)
	}
	for _, kind := range []hmgr.EntryType{hmgr.EntryResource, hmgr.EntryAllocation} {
		if n := f.host.Live(kind); n != 0 {
			t.Errorf("host has %d live %v objects", n, kind)
		}
	}
}

func TestDestroyDeviceFreesAllocations(t *testing.T) {
	f := newFixture(t, Options{})
	p, ah := f.open(1, testLUID)
	dh := f.createDevice(p, ah)
	for _, withResource := range []bool{true, false, true} {
		if _, err := p.CreateAllocations(f.ctx, dh, AllocationRequest{CreateResource: withResource, Allocations: pages(2, 2)}); err != nil {
			t.Fatalf("CreateAllocations: %v", err)
		}
	}
	resources := LiveObjects(kindResource)
	allocations := LiveObjects(kindAllocation)
	if err := p.DestroyDevice(f.ctx, dh); err != nil {
		t.Fatalf("DestroyDevice: %v", err)
	}
	if got := LiveObjects(kindResource); got != resources-2 {
		t.Errorf("LiveObjects(resource) = %d, want %d", got, resources-2)
	}
	if got := LiveObjects(kindAllocation); got != allocations-6 {
		t.Errorf("LiveObjects(allocation) = %d, want %d", got, allocations-6)
	}
	if got := f.g.PinnedPages(); got != 0 {
		t.Errorf("PinnedPages() = %d", got)
	}
	if objects, _ := p.Handles(); objects != 0 {
		t.Errorf("Handles() = %d, want 0", objects)
	}
}

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
	"fmt"
	"sync/atomic"

	"gvisor.dev/dxgk/pkg/abi/d3dkmt"
	"gvisor.dev/dxgk/pkg/cleanup"
	"gvisor.dev/dxgk/pkg/context"
	"gvisor.dev/dxgk/pkg/errors/dxgerr"
	"gvisor.dev/dxgk/pkg/hmgr"
	"gvisor.dev/dxgk/pkg/ilist"
	"gvisor.dev/dxgk/pkg/refs"
	"gvisor.dev/dxgk/pkg/sync"
)

// MaxAllocationsPerCall bounds the number of allocations created or
// destroyed by one request.
const MaxAllocationsPerCall = 1024

// Resource groups allocations that are created and destroyed together.
type Resource struct {
	refs.Refs[Resource]
	ilist.Entry[*Resource]

	device  *Device
	private []byte

	// handle and host are protected by device.allocsMu.
	handle d3dkmt.Handle
	host   d3dkmt.Handle

	// mu is the resource lock, see ResourceToken.
	mu sync.Mutex

	// allocs is protected by mu.
	allocs ilist.List[*Allocation]

	destroyed atomic.Bool
}

func (r *Resource) decRef() {
	r.DecRef(func() {
		r.device.decRef()
		objectsDestroyed.Increment(kindResource)
	})
}

// Allocation is a range of GPU memory.
//
// Its owner is either its device or a resource of that device. The owner's
// list holds one reference; the allocation holds one on its owner.
type Allocation struct {
	refs.Refs[Allocation]
	ilist.Entry[*Allocation]

	device *Device

	// resource is the owning resource, or nil if the device owns a.
	resource *Resource

	pages   int64
	private []byte

	// The fields below are protected by device.allocsMu.
	handle d3dkmt.Handle
	host   d3dkmt.Handle

	// linked is protected by the lock of the owner's list.
	linked bool

	stopped atomic.Bool
}

func newAllocation(d *Device, r *Resource, desc AllocationDesc) *Allocation {
	al := &Allocation{
		device:   d,
		resource: r,
		pages:    int64(desc.Pages),
		private:  desc.PrivateData,
	}
	al.InitRefs()
	if r != nil {
		r.IncRef()
	} else {
		d.IncRef()
	}
	d.process.global.pinnedPages.Add(al.pages)
	objectsCreated.Increment(kindAllocation)
	return al
}

// stop unpins the pages of al. Only the first call has any effect.
func (al *Allocation) stop() {
	if al.stopped.CompareAndSwap(false, true) {
		al.device.process.global.pinnedPages.Add(-al.pages)
	}
}

func (al *Allocation) decRef() {
	al.DecRef(func() {
		al.stop()
		if al.resource != nil {
			al.resource.decRef()
		} else {
			al.device.decRef()
		}
		objectsDestroyed.Increment(kindAllocation)
	})
}

// AllocationDesc describes one allocation to create.
type AllocationDesc struct {
	// Pages is the number of guest pages backing the allocation.
	Pages int

	// PrivateData is opaque driver data kept with the allocation.
	PrivateData []byte
}

// AllocationRequest describes allocations to create together.
type AllocationRequest struct {
	// CreateResource requests a resource owning the allocations.
	CreateResource bool

	// ResourcePrivateData is opaque driver data sent to the host.
	ResourcePrivateData []byte

	Allocations []AllocationDesc
}

// AllocationResult names what CreateAllocations created.
type AllocationResult struct {
	// Resource is NullHandle unless a resource was requested.
	Resource    d3dkmt.Handle
	Allocations []d3dkmt.Handle
}

// CreateAllocations creates the allocations of req on the device named by
// deviceHandle, owned by a new resource if req asks for one.
func (p *Process) CreateAllocations(ctx context.Context, deviceHandle d3dkmt.Handle, req AllocationRequest) (AllocationResult, error) {
	n := len(req.Allocations)
	if n == 0 || n > MaxAllocationsPerCall {
		return AllocationResult{}, fmt.Errorf("creating %d allocations: %w", n, dxgerr.EINVAL)
	}
	for _, desc := range req.Allocations {
		if desc.Pages < 0 {
			return AllocationResult{}, fmt.Errorf("allocation of %d pages: %w", desc.Pages, dxgerr.EINVAL)
		}
	}
	u := NewUnlocked()
	d, err := lookup[*Device](u, p, deviceHandle, hmgr.EntryDevice)
	if err != nil {
		return AllocationResult{}, err
	}
	defer d.decRef()

	a := d.adapter
	var res AllocationResult
	err = u.Adapter(a, func(at AdapterToken) error {
		return at.Device(d, func(dt DeviceToken) error {
			var r *Resource
			if req.CreateResource {
				r = &Resource{device: d, private: req.ResourcePrivateData}
				r.InitRefs()
				d.IncRef()
				objectsCreated.Increment(kindResource)
			}
			allocs := make([]*Allocation, n)
			for i, desc := range req.Allocations {
				allocs[i] = newAllocation(d, r, desc)
			}

			dt.AllocList(d, func(lt AllocListToken) error {
				if r == nil {
					for _, al := range allocs {
						d.allocs.PushBack(al)
						al.linked = true
					}
					return nil
				}
				d.resources.PushBack(r)
				return lt.Resource(r, func(ResourceToken) error {
					for _, al := range allocs {
						r.allocs.PushBack(al)
						al.linked = true
					}
					return nil
				})
			})
			cu := cleanup.Make(func() {
				dt.AllocList(d, func(lt AllocListToken) error {
					if r != nil {
						r.destroyLocked(ctx, at, lt)
					} else {
						d.destroyAllocationsLocked(ctx, at, lt, allocs)
					}
					return nil
				})
			})
			defer cu.Clean()

			withResource := uint64(0)
			if r != nil {
				withResource = 1
			}
			resp, err := a.send(ctx, at, &d3dkmt.Message{
				Command: d3dkmt.CmdCreateAllocation,
				Process: p.hostHandle(),
				Device:  d.host,
				Args:    []uint64{uint64(n), withResource},
				Private: req.ResourcePrivateData,
			})
			if err != nil {
				return err
			}
			if len(resp.Handles) != n+1 {
				return fmt.Errorf("host returned %d handles for %d allocations: %w", len(resp.Handles), n, dxgerr.ErrChannel)
			}

			return dt.AllocList(d, func(lt AllocListToken) error {
				if r != nil {
					r.host = resp.Handles[0]
				}
				for i, al := range allocs {
					al.host = resp.Handles[i+1]
				}
				if err := lt.HandlesExclusive(p, func(t HandlesToken) error {
					tbl := t.Table()
					var undo cleanup.Cleanup
					defer undo.Clean()
					if r != nil {
						h, err := tbl.Alloc(hmgr.EntryResource, r)
						if err != nil {
							return err
						}
						undo.Add(func() { tbl.Free(h, hmgr.EntryResource) })
						res.Resource = h
					}
					res.Allocations = make([]d3dkmt.Handle, n)
					for i, al := range allocs {
						h, err := tbl.Alloc(hmgr.EntryAllocation, al)
						if err != nil {
							return err
						}
						undo.Add(func() { tbl.Free(h, hmgr.EntryAllocation) })
						res.Allocations[i] = h
					}
					undo.Release()
					return nil
				}); err != nil {
					res = AllocationResult{}
					return err
				}
				if r != nil {
					r.handle = res.Resource
				}
				for i, al := range allocs {
					al.handle = res.Allocations[i]
				}
				cu.Release()
				return nil
			})
		})
	})
	if err != nil {
		return AllocationResult{}, fmt.Errorf("creating allocations on device %v: %w", deviceHandle, err)
	}
	return res, nil
}

// DestroyAllocations destroys either the resource named by resourceHandle
// with all its allocations, or the allocations named by allocHandles. Exactly
// one of the two must be given. Allocations are validated as a whole: if one
// handle is bad, nothing is destroyed.
func (p *Process) DestroyAllocations(ctx context.Context, deviceHandle, resourceHandle d3dkmt.Handle, allocHandles []d3dkmt.Handle) error {
	if resourceHandle.Valid() == (len(allocHandles) > 0) || len(allocHandles) > MaxAllocationsPerCall {
		return fmt.Errorf("destroying resource %v and %d allocations: %w", resourceHandle, len(allocHandles), dxgerr.EINVAL)
	}
	u := NewUnlocked()
	d, err := lookup[*Device](u, p, deviceHandle, hmgr.EntryDevice)
	if err != nil {
		return err
	}
	defer d.decRef()

	return u.AdapterForTeardown(d.adapter, func(at AdapterToken) error {
		return at.DeviceForTeardown(d, func(dt DeviceToken) error {
			return dt.AllocList(d, func(lt AllocListToken) error {
				if resourceHandle.Valid() {
					return p.destroyResourceLocked(ctx, at, lt, resourceHandle)
				}
				return p.destroyAllocationsLocked(ctx, at, lt, allocHandles)
			})
		})
	})
}

func (p *Process) destroyResourceLocked(ctx context.Context, at AdapterToken, lt AllocListToken, h d3dkmt.Handle) error {
	var r *Resource
	if err := lt.Handles(p, func(t HandlesToken) error {
		var err error
		r, err = hmgr.Get[*Resource](t.Table(), h, hmgr.EntryResource)
		return err
	}); err != nil {
		return fmt.Errorf("resource %v: %w", h, err)
	}
	if r.device != lt.device {
		return fmt.Errorf("resource %v belongs to another device: %w", h, dxgerr.EINVAL)
	}
	if !r.destroyLocked(ctx, at, lt) {
		return fmt.Errorf("resource %v: %w", h, dxgerr.ENOENT)
	}
	return nil
}

func (p *Process) destroyAllocationsLocked(ctx context.Context, at AdapterToken, lt AllocListToken, handles []d3dkmt.Handle) error {
	d := lt.device
	allocs := make([]*Allocation, 0, len(handles))
	err := lt.HandlesExclusive(p, func(t HandlesToken) error {
		tbl := t.Table()
		seen := make(map[d3dkmt.Handle]struct{}, len(handles))
		for _, h := range handles {
			if _, ok := seen[h]; ok {
				return fmt.Errorf("allocation %v given twice: %w", h, dxgerr.EINVAL)
			}
			seen[h] = struct{}{}
			al, err := hmgr.Get[*Allocation](tbl, h, hmgr.EntryAllocation)
			if err != nil {
				return fmt.Errorf("allocation %v: %w", h, err)
			}
			if al.device != d {
				return fmt.Errorf("allocation %v belongs to another device: %w", h, dxgerr.EINVAL)
			}
			allocs = append(allocs, al)
		}
		for _, h := range handles {
			if _, err := tbl.MarkDestroyed(h, hmgr.EntryAllocation); err != nil {
				panic(fmt.Sprintf("marking validated allocation %v destroyed: %v", h, err))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.destroyAllocationsLocked(ctx, at, lt, allocs)
	return nil
}

// destroyAllocationsLocked unlinks allocs from their owners, releases their
// handles and destroys them on the host in one request.
func (d *Device) destroyAllocationsLocked(ctx context.Context, at AdapterToken, lt AllocListToken, allocs []*Allocation) {
	hosts := []d3dkmt.Handle{d3dkmt.NullHandle}
	for _, al := range allocs {
		if r := al.resource; r != nil {
			lt.Resource(r, func(ResourceToken) error {
				if al.linked {
					r.allocs.Remove(al)
					al.linked = false
				}
				return nil
			})
		} else if al.linked {
			d.allocs.Remove(al)
			al.linked = false
		}
		al.stop()
		if al.host.Valid() {
			hosts = append(hosts, al.host)
		}
	}
	lt.HandlesExclusive(d.process, func(t HandlesToken) error {
		for _, al := range allocs {
			if al.handle.Valid() {
				t.Table().Free(al.handle, hmgr.EntryAllocation)
			}
		}
		return nil
	})
	if len(hosts) > 1 {
		d.adapter.sendTeardown(ctx, at, &d3dkmt.Message{
			Command: d3dkmt.CmdDestroyAllocation,
			Process: d.process.hostHandle(),
			Device:  d.host,
			Handles: hosts,
		})
	}
	for _, al := range allocs {
		al.decRef()
	}
}

// destroyLocked destroys r and every allocation it owns. It returns false if
// r was already destroyed.
func (r *Resource) destroyLocked(ctx context.Context, at AdapterToken, lt AllocListToken) bool {
	if !r.destroyed.CompareAndSwap(false, true) {
		return false
	}
	d := r.device
	d.resources.Remove(r)
	var allocs []*Allocation
	lt.Resource(r, func(ResourceToken) error {
		allocs = r.allocs.Slice()
		r.allocs.Reset()
		for _, al := range allocs {
			al.linked = false
			al.stop()
		}
		return nil
	})
	lt.HandlesExclusive(d.process, func(t HandlesToken) error {
		for _, al := range allocs {
			if al.handle.Valid() {
				t.Table().Free(al.handle, hmgr.EntryAllocation)
			}
		}
		if r.handle.Valid() {
			t.Table().Free(r.handle, hmgr.EntryResource)
		}
		return nil
	})
	if r.host.Valid() {
		d.adapter.sendTeardown(ctx, at, &d3dkmt.Message{
			Command: d3dkmt.CmdDestroyAllocation,
			Process: d.process.hostHandle(),
			Device:  d.host,
			Handles: []d3dkmt.Handle{r.host},
		})
	}
	for _, al := range allocs {
		al.decRef()
	}
	r.decRef()
	return true
}

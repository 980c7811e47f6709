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

	"gvisor.dev/dxgk/pkg/abi/d3dkmt"
	"gvisor.dev/dxgk/pkg/cleanup"
	"gvisor.dev/dxgk/pkg/context"
	"gvisor.dev/dxgk/pkg/errors/dxgerr"
	"gvisor.dev/dxgk/pkg/hmgr"
	"gvisor.dev/dxgk/pkg/ilist"
	"gvisor.dev/dxgk/pkg/log"
	"gvisor.dev/dxgk/pkg/refs"
	"gvisor.dev/dxgk/pkg/sync"
)

// DeviceState is the lifecycle state of a Device. It only moves forward.
type DeviceState int32

// Device states.
const (
	// DeviceCreated is the state of a device whose host counterpart is being
	// created. It has no handle yet.
	DeviceCreated DeviceState = iota
	DeviceActive
	DeviceStopped
	DeviceDestroyed
)

func (s DeviceState) String() string {
	switch s {
	case DeviceCreated:
		return "Created"
	case DeviceActive:
		return "Active"
	case DeviceStopped:
		return "Stopped"
	case DeviceDestroyed:
		return "Destroyed"
	default:
		return fmt.Sprintf("DeviceState(%d)", int32(s))
	}
}

// Device is a GPU device created by a process on an adapter.
//
// The device list of its binding holds one reference, as does every child on
// one of its lists.
type Device struct {
	refs.Refs[Device]
	ilist.Entry[*Device]

	process *Process
	adapter *Adapter

	// binding is the owner of the list d is on, nil once d was unlinked.
	// Protected by Global.bindingMu.
	binding *ProcessAdapter

	// mu is the device lock, see DeviceToken.
	mu sync.RWMutex

	// The fields below are protected by mu.
	state  DeviceState
	handle d3dkmt.Handle
	host   d3dkmt.Handle

	contextsMu sync.RWMutex
	contexts   ilist.List[*Context]

	// The lists below are protected by allocsMu.
	allocsMu    sync.RWMutex
	resources   ilist.List[*Resource]
	allocs      ilist.List[*Allocation]
	syncObjects ilist.List[*SyncObject]
}

func (d *Device) decRef() {
	d.DecRef(func() {
		d.adapter.decRef()
		objectsDestroyed.Increment(kindDevice)
	})
}

// State returns the current state of d.
func (d *Device) State() DeviceState {
	var s DeviceState
	NewUnlocked().device(d, true, func(DeviceToken) error {
		s = d.state
		return nil
	})
	return s
}

// CreateDevice creates a device on the adapter named by adapterHandle.
//
// The device is linked to the binding in state Created before the host is
// asked for it, so that a concurrent close of the adapter finds it. It only
// gets a handle and becomes Active once the host answered.
func (p *Process) CreateDevice(ctx context.Context, adapterHandle d3dkmt.Handle) (d3dkmt.Handle, error) {
	g := p.global
	u := NewUnlocked()
	a, err := p.adapterFromHandle(u, adapterHandle)
	if err != nil {
		return d3dkmt.NullHandle, err
	}
	defer a.decRef()

	d := &Device{process: p, adapter: a}
	d.InitRefs()
	a.IncRef()
	objectsCreated.Increment(kindDevice)

	if err := u.Bindings(g, func(bt BindingToken) error {
		b, ok := p.bindings[a]
		if !ok {
			return fmt.Errorf("adapter handle %v closed: %w", adapterHandle, dxgerr.EINVAL)
		}
		d.binding = b
		b.devices.PushBack(d)
		return nil
	}); err != nil {
		d.decRef()
		return d3dkmt.NullHandle, err
	}

	// The creator holds its own reference until it is done with d.
	d.IncRef()
	defer d.decRef()
	cu := cleanup.Make(func() {
		u.Bindings(g, func(bt BindingToken) error {
			if d.binding != nil {
				d.binding.devices.Remove(d)
				d.binding = nil
				d.destroy(ctx, bt.acqAdapter, false)
				d.decRef()
			}
			return nil
		})
	})
	defer cu.Clean()

	var h d3dkmt.Handle
	if err := u.Adapter(a, func(at AdapterToken) error {
		resp, err := a.send(ctx, at, &d3dkmt.Message{
			Command: d3dkmt.CmdCreateDevice,
			Process: p.hostHandle(),
		})
		if err != nil {
			return err
		}
		return at.DeviceExclusive(d, func(dt DeviceToken) error {
			d.host = resp.Handle(0)
			if d.state != DeviceCreated {
				// The binding was closed while the host was creating the
				// device.
				a.sendTeardown(ctx, at, &d3dkmt.Message{Command: d3dkmt.CmdDestroyDevice, Process: p.hostHandle(), Device: d.host})
				d.host = d3dkmt.NullHandle
				return dxgerr.ENODEV
			}
			if err := dt.HandlesExclusive(p, func(t HandlesToken) error {
				var err error
				h, err = t.Table().Alloc(hmgr.EntryDevice, d)
				return err
			}); err != nil {
				return err
			}
			d.handle = h
			d.state = DeviceActive
			return nil
		})
	}); err != nil {
		return d3dkmt.NullHandle, fmt.Errorf("creating device: %w", err)
	}
	cu.Release()
	if ctx.IsLogging(log.Debug) {
		ctx.Debugf("pid %d created device %v on adapter %v", p.pid, h, a.luid)
	}
	return h, nil
}

// DestroyDevice destroys the device named by h and everything it owns.
func (p *Process) DestroyDevice(ctx context.Context, h d3dkmt.Handle) error {
	u := NewUnlocked()
	d, err := lookup[*Device](u, p, h, hmgr.EntryDevice)
	if err != nil {
		return err
	}
	defer d.decRef()
	return u.Bindings(p.global, func(bt BindingToken) error {
		if d.binding == nil {
			return fmt.Errorf("device %v: %w", h, dxgerr.ENOENT)
		}
		d.binding.devices.Remove(d)
		d.binding = nil
		d.destroy(ctx, bt.acqAdapter, false)
		d.decRef()
		return nil
	})
}

// destroy tears d down: it stops d, destroys its children, releases its
// handle and destroys it on the host. If flush is set, the host is asked to
// terminate outstanding work first. It returns false if d was already
// destroyed.
//
// The caller has unlinked d from its binding.
func (d *Device) destroy(ctx context.Context, aa acqAdapter, flush bool) bool {
	a := d.adapter
	destroyed := false
	aa.AdapterForTeardown(a, func(at AdapterToken) error {
		return at.DeviceExclusive(d, func(dt DeviceToken) error {
			if d.state == DeviceDestroyed {
				return nil
			}
			destroyed = true
			host := d.host
			if d.state == DeviceCreated {
				d.state = DeviceDestroyed
				if host.Valid() {
					a.sendTeardown(ctx, at, &d3dkmt.Message{Command: d3dkmt.CmdDestroyDevice, Process: d.process.hostHandle(), Device: host})
				}
				return nil
			}
			if flush {
				a.sendTeardown(ctx, at, &d3dkmt.Message{
					Command: d3dkmt.CmdFlushDevice,
					Process: d.process.hostHandle(),
					Device:  host,
					Args:    []uint64{d3dkmt.FlushSchedulerDeviceTerminate},
				})
			}
			d.stopLocked(dt)
			d.state = DeviceDestroyed
			d.destroyChildrenLocked(ctx, at, dt)
			if err := dt.HandlesExclusive(d.process, func(t HandlesToken) error {
				_, err := t.Table().Free(d.handle, hmgr.EntryDevice)
				return err
			}); err != nil {
				panic(fmt.Sprintf("freeing handle %v of live device: %v", d.handle, err))
			}
			a.sendTeardown(ctx, at, &d3dkmt.Message{Command: d3dkmt.CmdDestroyDevice, Process: d.process.hostHandle(), Device: host})
			return nil
		})
	})
	if destroyed && ctx.IsLogging(log.Debug) {
		ctx.Debugf("device %v of pid %d destroyed", d.handle, d.process.pid)
	}
	return destroyed
}

// destroyChildrenLocked destroys every child of d: contexts first, then
// resources and their allocations, then bare allocations, then sync objects.
// Contexts and sync objects go away with the host device and are not
// destroyed on the host individually.
func (d *Device) destroyChildrenLocked(ctx context.Context, at AdapterToken, dt DeviceToken) {
	dt.ContextList(d, func(ct ContextListToken) error {
		for c := d.contexts.Front(); c != nil; c = d.contexts.Front() {
			c.destroyLocked(ctx, at, ct, false)
		}
		return nil
	})
	dt.AllocList(d, func(lt AllocListToken) error {
		for r := d.resources.Front(); r != nil; r = d.resources.Front() {
			r.destroyLocked(ctx, at, lt)
		}
		if !d.allocs.Empty() {
			allocs := d.allocs.Slice()
			d.destroyAllocationsLocked(ctx, at, lt, allocs)
		}
		for so := d.syncObjects.Front(); so != nil; so = d.syncObjects.Front() {
			so.destroyDeviceScopedLocked(lt)
		}
		return nil
	})
}

// stopLocked moves d from Active to Stopped, releasing the pages pinned by
// its allocations and stopping its sync objects. It returns false if d was
// not active.
func (d *Device) stopLocked(dt DeviceToken) bool {
	dt.s.check(deviceClass)
	if d.state != DeviceActive {
		return false
	}
	d.state = DeviceStopped
	dt.AllocListShared(d, func(lt AllocListToken) error {
		for r := d.resources.Front(); r != nil; r = r.Next() {
			lt.Resource(r, func(ResourceToken) error {
				for al := r.allocs.Front(); al != nil; al = al.Next() {
					al.stop()
				}
				return nil
			})
		}
		for al := d.allocs.Front(); al != nil; al = al.Next() {
			al.stop()
		}
		for so := d.syncObjects.Front(); so != nil; so = so.Next() {
			so.stop()
		}
		return nil
	})
	return true
}

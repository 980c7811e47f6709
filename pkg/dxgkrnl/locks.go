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
	"gvisor.dev/dxgk/pkg/errors/dxgerr"
	"gvisor.dev/dxgk/pkg/hmgr"
	"gvisor.dev/dxgk/pkg/sync"
	"gvisor.dev/dxgk/pkg/sync/locking"
)

// Lock classes, outermost first. Classes sharing a level are siblings and
// are never held together.
var (
	registryClass       = locking.NewClass("registry", 10)
	bindingsClass       = locking.NewClass("bindings", 20)
	adapterClass        = locking.NewClass("adapter", 30)
	deviceClass         = locking.NewClass("device", 40)
	contextListClass    = locking.NewClass("device.contexts", 50)
	allocListClass      = locking.NewClass("device.allocs", 51)
	resourceClass       = locking.NewClass("resource", 60)
	handlesClass        = locking.NewClass("process.handles", 70)
	adapterHandlesClass = locking.NewClass("process.adapterHandles", 71)

	// Leaf locks. Nothing is acquired while one is held.
	adapterSyncClass = locking.NewClass("adapter.syncObjects", 100)
	hwQueuesClass    = locking.NewClass("context.hwQueues", 100)
	eventsClass      = locking.NewClass("global.events", 100)
	processesClass   = locking.NewClass("global.processes", 100)
)

// scope identifies the innermost lock held by a call path.
type scope struct {
	chain *locking.Chain
	depth int
}

// check panics unless the lock of class is the one this scope was created
// for and is still held.
func (s scope) check(class *locking.Class) {
	s.chain.Check(s.depth, class)
}

// acquire records the acquisition of class on the chain, takes the lock and
// runs fn with a token for the new scope. The lock is released and the chain
// popped when fn returns.
func acquire[T any](s scope, class *locking.Class, subclass uint32, lock, unlock func(), token func(scope) T, fn func(T) error) error {
	depth := s.chain.Acquire(s.depth, class, subclass)
	lock()
	defer func() {
		unlock()
		s.chain.Release(depth, class)
	}()
	return fn(token(scope{chain: s.chain, depth: depth}))
}

// leaf runs fn holding mu, a lock of a leaf class.
func leaf(s scope, class *locking.Class, mu sync.Locker, fn func()) {
	depth := s.chain.Acquire(s.depth, class, 0)
	mu.Lock()
	defer func() {
		mu.Unlock()
		s.chain.Release(depth, class)
	}()
	fn()
}

// The acq types below each offer the acquisitions of one level and embed
// those of every deeper level. A token embeds the acq type of the level
// right below its own, so it can only ever acquire deeper locks.

type acqAdapterHandles struct{ s scope }

type acqHandles struct{ acqAdapterHandles }

type acqResource struct{ acqHandles }

type acqAllocList struct{ acqResource }

type acqContextList struct{ acqAllocList }

type acqDevice struct{ acqContextList }

type acqAdapter struct{ acqDevice }

type acqBindings struct{ acqAdapter }

type acqRegistry struct{ acqBindings }

func belowAdapterHandles(s scope) acqAdapterHandles { return acqAdapterHandles{s} }
func belowHandles(s scope) acqHandles               { return acqHandles{belowAdapterHandles(s)} }
func belowResource(s scope) acqResource             { return acqResource{belowHandles(s)} }
func belowAllocList(s scope) acqAllocList           { return acqAllocList{belowResource(s)} }
func belowContextList(s scope) acqContextList       { return acqContextList{belowAllocList(s)} }
func belowDevice(s scope) acqDevice                 { return acqDevice{belowContextList(s)} }
func belowAdapter(s scope) acqAdapter               { return acqAdapter{belowDevice(s)} }
func belowBindings(s scope) acqBindings             { return acqBindings{belowAdapter(s)} }
func belowRegistry(s scope) acqRegistry             { return acqRegistry{belowBindings(s)} }

// Unlocked is the token of a call path holding no lock.
type Unlocked struct{ acqRegistry }

// NewUnlocked returns the root token of a new call path. Tokens belong to
// the goroutine that created the root and must not be shared.
func NewUnlocked() Unlocked {
	return Unlocked{belowRegistry(scope{chain: locking.NewChain()})}
}

// RegistryToken proves the adapter registry lock is held.
type RegistryToken struct{ acqBindings }

// Registry runs fn holding the registry lock for reading.
func (a acqRegistry) Registry(g *Global, fn func(RegistryToken) error) error {
	return acquire(a.s, registryClass, 0, g.registryMu.RLock, g.registryMu.RUnlock,
		func(s scope) RegistryToken { return RegistryToken{belowBindings(s)} }, fn)
}

// RegistryExclusive runs fn holding the registry lock for writing.
func (a acqRegistry) RegistryExclusive(g *Global, fn func(RegistryToken) error) error {
	return acquire(a.s, registryClass, 0, g.registryMu.Lock, g.registryMu.Unlock,
		func(s scope) RegistryToken { return RegistryToken{belowBindings(s)} }, fn)
}

// BindingToken proves the global binding lock is held. It guards every
// ProcessAdapter, the binding list of each Adapter and Process, and the
// device list of each binding.
type BindingToken struct{ acqAdapter }

// Bindings runs fn holding the global binding lock.
func (a acqBindings) Bindings(g *Global, fn func(BindingToken) error) error {
	return acquire(a.s, bindingsClass, 0, g.bindingMu.Lock, g.bindingMu.Unlock,
		func(s scope) BindingToken { return BindingToken{belowAdapter(s)} }, fn)
}

func (t BindingToken) check() {
	t.s.check(bindingsClass)
}

// AdapterToken proves the core lock of adapter is held.
type AdapterToken struct {
	acqDevice
	adapter   *Adapter
	exclusive bool
}

func (a acqAdapter) adapter(ad *Adapter, shared bool, fn func(AdapterToken) error) error {
	lock, unlock := ad.core.Lock, ad.core.Unlock
	if shared {
		lock, unlock = ad.core.RLock, ad.core.RUnlock
	}
	return acquire(a.s, adapterClass, 0, lock, unlock,
		func(s scope) AdapterToken { return AdapterToken{acqDevice: belowDevice(s), adapter: ad, exclusive: !shared} }, fn)
}

// Adapter runs fn holding the core lock of ad for reading. It fails with
// ENODEV unless ad is active.
func (a acqAdapter) Adapter(ad *Adapter, fn func(AdapterToken) error) error {
	return a.adapter(ad, true, func(t AdapterToken) error {
		if ad.state != AdapterActive {
			return dxgerr.ENODEV
		}
		return fn(t)
	})
}

// AdapterForTeardown runs fn holding the core lock of ad for reading,
// whatever its state.
func (a acqAdapter) AdapterForTeardown(ad *Adapter, fn func(AdapterToken) error) error {
	return a.adapter(ad, true, fn)
}

// AdapterExclusive runs fn holding the core lock of ad for writing, whatever
// its state.
func (a acqAdapter) AdapterExclusive(ad *Adapter, fn func(AdapterToken) error) error {
	return a.adapter(ad, false, fn)
}

// Active returns true if the adapter is active. The state cannot change
// while the token is live.
func (t AdapterToken) Active() bool {
	t.s.check(adapterClass)
	return t.adapter.state == AdapterActive
}

// DeviceToken proves the lock of device is held.
type DeviceToken struct {
	acqContextList
	device    *Device
	exclusive bool
}

func (a acqDevice) device(d *Device, shared bool, fn func(DeviceToken) error) error {
	lock, unlock := d.mu.Lock, d.mu.Unlock
	if shared {
		lock, unlock = d.mu.RLock, d.mu.RUnlock
	}
	return acquire(a.s, deviceClass, 0, lock, unlock,
		func(s scope) DeviceToken { return DeviceToken{acqContextList: belowContextList(s), device: d, exclusive: !shared} }, fn)
}

// Device runs fn holding the lock of d for reading. It fails with ENODEV
// unless d is active.
func (a acqDevice) Device(d *Device, fn func(DeviceToken) error) error {
	return a.device(d, true, func(t DeviceToken) error {
		if d.state != DeviceActive {
			return dxgerr.ENODEV
		}
		return fn(t)
	})
}

// DeviceForTeardown runs fn holding the lock of d for reading. It fails with
// ENOENT if d is destroyed, but accepts a stopped device so that its children
// can still be closed.
func (a acqDevice) DeviceForTeardown(d *Device, fn func(DeviceToken) error) error {
	return a.device(d, true, func(t DeviceToken) error {
		if d.state == DeviceDestroyed {
			return dxgerr.ENOENT
		}
		return fn(t)
	})
}

// DeviceExclusive runs fn holding the lock of d for writing, whatever its
// state.
func (a acqDevice) DeviceExclusive(d *Device, fn func(DeviceToken) error) error {
	return a.device(d, false, fn)
}

// ContextListToken proves the context list lock of a device is held.
type ContextListToken struct {
	acqAllocList
	device *Device
}

func (a acqContextList) contextList(d *Device, shared bool, fn func(ContextListToken) error) error {
	lock, unlock := d.contextsMu.Lock, d.contextsMu.Unlock
	if shared {
		lock, unlock = d.contextsMu.RLock, d.contextsMu.RUnlock
	}
	return acquire(a.s, contextListClass, 0, lock, unlock,
		func(s scope) ContextListToken { return ContextListToken{acqAllocList: belowAllocList(s), device: d} }, fn)
}

// ContextList runs fn holding the context list lock of d for writing.
func (a acqContextList) ContextList(d *Device, fn func(ContextListToken) error) error {
	return a.contextList(d, false, fn)
}

// ContextListShared runs fn holding the context list lock of d for reading.
func (a acqContextList) ContextListShared(d *Device, fn func(ContextListToken) error) error {
	return a.contextList(d, true, fn)
}

// AllocListToken proves the allocation list lock of a device is held. The
// lock guards resources, device-owned allocations and device sync objects.
type AllocListToken struct {
	acqResource
	device *Device
}

func (a acqAllocList) allocList(d *Device, shared bool, fn func(AllocListToken) error) error {
	lock, unlock := d.allocsMu.Lock, d.allocsMu.Unlock
	if shared {
		lock, unlock = d.allocsMu.RLock, d.allocsMu.RUnlock
	}
	return acquire(a.s, allocListClass, 0, lock, unlock,
		func(s scope) AllocListToken { return AllocListToken{acqResource: belowResource(s), device: d} }, fn)
}

// AllocList runs fn holding the allocation list lock of d for writing.
func (a acqAllocList) AllocList(d *Device, fn func(AllocListToken) error) error {
	return a.allocList(d, false, fn)
}

// AllocListShared runs fn holding the allocation list lock of d for reading.
func (a acqAllocList) AllocListShared(d *Device, fn func(AllocListToken) error) error {
	return a.allocList(d, true, fn)
}

// ResourceToken proves the mutex of a resource is held.
type ResourceToken struct {
	acqHandles
	resource *Resource
	subclass uint32
}

func (a acqResource) resource(r *Resource, subclass uint32, fn func(ResourceToken) error) error {
	return acquire(a.s, resourceClass, subclass, r.mu.Lock, r.mu.Unlock,
		func(s scope) ResourceToken { return ResourceToken{acqHandles: belowHandles(s), resource: r, subclass: subclass} }, fn)
}

// Resource runs fn holding the mutex of r.
func (a acqResource) Resource(r *Resource, fn func(ResourceToken) error) error {
	return a.resource(r, 0, fn)
}

// NestedResource runs fn holding the mutex of r, a different resource than
// the one t holds.
func (t ResourceToken) NestedResource(r *Resource, fn func(ResourceToken) error) error {
	if r == t.resource {
		panic("NestedResource called on the resource already held")
	}
	return belowResource(t.s).resource(r, t.subclass+1, fn)
}

// HandlesToken proves the general handle table of a process is locked.
type HandlesToken struct {
	acqAdapterHandles
	table *hmgr.Locked
}

func (a acqHandles) handles(p *Process, exclusive bool, fn func(HandlesToken) error) error {
	depth := a.s.chain.Acquire(a.s.depth, handlesClass, 0)
	defer a.s.chain.Release(depth, handlesClass)
	access := p.handles.View
	if exclusive {
		access = p.handles.Update
	}
	return access(func(l *hmgr.Locked) error {
		return fn(HandlesToken{acqAdapterHandles: belowAdapterHandles(scope{chain: a.s.chain, depth: depth}), table: l})
	})
}

// Handles runs fn holding the general handle table of p for reading.
func (a acqHandles) Handles(p *Process, fn func(HandlesToken) error) error {
	return a.handles(p, false, fn)
}

// HandlesExclusive runs fn holding the general handle table of p for
// writing.
func (a acqHandles) HandlesExclusive(p *Process, fn func(HandlesToken) error) error {
	return a.handles(p, true, fn)
}

// Table returns the locked table.
func (t HandlesToken) Table() *hmgr.Locked {
	t.s.check(handlesClass)
	return t.table
}

// AdapterHandlesToken proves the adapter handle table of a process is locked.
type AdapterHandlesToken struct {
	s     scope
	table *hmgr.Locked
}

func (a acqAdapterHandles) adapterHandles(p *Process, exclusive bool, fn func(AdapterHandlesToken) error) error {
	depth := a.s.chain.Acquire(a.s.depth, adapterHandlesClass, 0)
	defer a.s.chain.Release(depth, adapterHandlesClass)
	access := p.adapterHandles.View
	if exclusive {
		access = p.adapterHandles.Update
	}
	return access(func(l *hmgr.Locked) error {
		return fn(AdapterHandlesToken{s: scope{chain: a.s.chain, depth: depth}, table: l})
	})
}

// AdapterHandles runs fn holding the adapter handle table of p for reading.
func (a acqAdapterHandles) AdapterHandles(p *Process, fn func(AdapterHandlesToken) error) error {
	return a.adapterHandles(p, false, fn)
}

// AdapterHandlesExclusive runs fn holding the adapter handle table of p for
// writing.
func (a acqAdapterHandles) AdapterHandlesExclusive(p *Process, fn func(AdapterHandlesToken) error) error {
	return a.adapterHandles(p, true, fn)
}

// Table returns the locked table.
func (t AdapterHandlesToken) Table() *hmgr.Locked {
	t.s.check(adapterHandlesClass)
	return t.table
}

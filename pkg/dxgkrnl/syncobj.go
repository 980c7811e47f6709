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
	"errors"
	"fmt"
	"sync/atomic"

	"gvisor.dev/dxgk/pkg/abi/d3dkmt"
	"gvisor.dev/dxgk/pkg/context"
	"gvisor.dev/dxgk/pkg/errors/dxgerr"
	"gvisor.dev/dxgk/pkg/hmgr"
	"gvisor.dev/dxgk/pkg/ilist"
	"gvisor.dev/dxgk/pkg/refs"
)

// SyncObject flags.
const (
	syncStopped uint32 = 1 << iota
	syncDestroyed
)

// SyncObject is a GPU synchronization object.
//
// Monitored fences belong to the device that created them and are on its
// allocation list. Every other type belongs to the adapter and is on the
// adapter's sync object list.
type SyncObject struct {
	refs.Refs[SyncObject]
	ilist.Entry[*SyncObject]

	typ     d3dkmt.SyncObjectType
	process *Process
	adapter *Adapter

	// device is nil for adapter-scoped objects.
	device *Device

	host d3dkmt.Handle

	// handle is set once, with the handle table locked.
	handle d3dkmt.Handle

	flags atomic.Uint32
}

func (so *SyncObject) decRef() {
	so.DecRef(func() {
		if so.device != nil {
			so.device.decRef()
		} else {
			so.adapter.decRef()
		}
		objectsDestroyed.Increment(kindSyncObject)
	})
}

// Type returns the type of so.
func (so *SyncObject) Type() d3dkmt.SyncObjectType {
	return so.typ
}

func (so *SyncObject) stop() {
	so.flags.Or(syncStopped)
}

// markDestroyed sets the destroyed flag. It returns false if it was already
// set.
func (so *SyncObject) markDestroyed() bool {
	return so.flags.Or(syncDestroyed)&syncDestroyed == 0
}

// CreateSyncObject creates a sync object of type typ. Monitored fences are
// created on the device named by h; every other type on the adapter named
// by the adapter handle h.
func (p *Process) CreateSyncObject(ctx context.Context, h d3dkmt.Handle, typ d3dkmt.SyncObjectType) (d3dkmt.Handle, error) {
	if !typ.Valid() {
		return d3dkmt.NullHandle, fmt.Errorf("sync object type %v: %w", typ, dxgerr.EINVAL)
	}
	var (
		out d3dkmt.Handle
		err error
	)
	if typ.DeviceScoped() {
		out, err = p.createDeviceSyncObject(ctx, h, typ)
	} else {
		out, err = p.createAdapterSyncObject(ctx, h, typ)
	}
	if err != nil {
		return d3dkmt.NullHandle, fmt.Errorf("creating %v sync object: %w", typ, err)
	}
	return out, nil
}

func (p *Process) createDeviceSyncObject(ctx context.Context, deviceHandle d3dkmt.Handle, typ d3dkmt.SyncObjectType) (d3dkmt.Handle, error) {
	u := NewUnlocked()
	d, err := lookup[*Device](u, p, deviceHandle, hmgr.EntryDevice)
	if err != nil {
		return d3dkmt.NullHandle, err
	}
	defer d.decRef()
	a := d.adapter
	var h d3dkmt.Handle
	err = u.Adapter(a, func(at AdapterToken) error {
		return at.Device(d, func(dt DeviceToken) error {
			resp, err := a.send(ctx, at, &d3dkmt.Message{
				Command: d3dkmt.CmdCreateSyncObject,
				Process: p.hostHandle(),
				Device:  d.host,
				Args:    []uint64{uint64(typ)},
			})
			if err != nil {
				return err
			}
			so := &SyncObject{typ: typ, process: p, adapter: a, device: d, host: resp.Handle(0)}
			so.InitRefs()
			d.IncRef()
			objectsCreated.Increment(kindSyncObject)
			return dt.AllocList(d, func(lt AllocListToken) error {
				if err := lt.HandlesExclusive(p, func(t HandlesToken) error {
					var err error
					h, err = t.Table().Alloc(hmgr.EntrySyncObject, so)
					return err
				}); err != nil {
					a.sendTeardown(ctx, at, &d3dkmt.Message{Command: d3dkmt.CmdDestroySyncObject, Process: p.hostHandle(), Handles: []d3dkmt.Handle{so.host}})
					so.decRef()
					return err
				}
				so.handle = h
				d.syncObjects.PushBack(so)
				return nil
			})
		})
	})
	return h, err
}

func (p *Process) createAdapterSyncObject(ctx context.Context, adapterHandle d3dkmt.Handle, typ d3dkmt.SyncObjectType) (d3dkmt.Handle, error) {
	u := NewUnlocked()
	a, err := p.adapterFromHandle(u, adapterHandle)
	if err != nil {
		return d3dkmt.NullHandle, err
	}
	defer a.decRef()
	var h d3dkmt.Handle
	err = u.Adapter(a, func(at AdapterToken) error {
		resp, err := a.send(ctx, at, &d3dkmt.Message{
			Command: d3dkmt.CmdCreateSyncObject,
			Process: p.hostHandle(),
			Args:    []uint64{uint64(typ)},
		})
		if err != nil {
			return err
		}
		so := &SyncObject{typ: typ, process: p, adapter: a, host: resp.Handle(0)}
		so.InitRefs()
		a.IncRef()
		objectsCreated.Increment(kindSyncObject)
		leaf(at.s, adapterSyncClass, &a.syncMu, func() {
			a.syncObjects.PushBack(so)
		})
		if err := at.HandlesExclusive(p, func(t HandlesToken) error {
			if p.exited.Load() {
				return fmt.Errorf("pid %d exited: %w", p.pid, dxgerr.ENODEV)
			}
			var err error
			h, err = t.Table().Alloc(hmgr.EntrySyncObject, so)
			so.handle = h
			return err
		}); err != nil {
			leaf(at.s, adapterSyncClass, &a.syncMu, func() {
				a.syncObjects.Remove(so)
			})
			a.sendTeardown(ctx, at, &d3dkmt.Message{Command: d3dkmt.CmdDestroySyncObject, Process: p.hostHandle(), Handles: []d3dkmt.Handle{so.host}})
			so.decRef()
			return err
		}
		return nil
	})
	return h, err
}

// DestroySyncObject destroys the sync object named by h. Pending waits on it
// fail with ENOENT.
func (p *Process) DestroySyncObject(ctx context.Context, h d3dkmt.Handle) error {
	u := NewUnlocked()
	so, err := lookup[*SyncObject](u, p, h, hmgr.EntrySyncObject)
	if err != nil {
		return err
	}
	defer so.decRef()
	return p.destroySyncObject(ctx, u, so)
}

func (p *Process) destroySyncObject(ctx context.Context, u Unlocked, so *SyncObject) error {
	a := so.adapter
	err := u.AdapterForTeardown(a, func(at AdapterToken) error {
		if d := so.device; d != nil {
			return at.DeviceForTeardown(d, func(dt DeviceToken) error {
				return dt.AllocList(d, func(lt AllocListToken) error {
					if !so.destroyDeviceScopedLocked(lt) {
						return dxgerr.ENOENT
					}
					a.sendTeardown(ctx, at, &d3dkmt.Message{Command: d3dkmt.CmdDestroySyncObject, Process: p.hostHandle(), Handles: []d3dkmt.Handle{so.host}})
					return nil
				})
			})
		}
		if !so.markDestroyed() {
			return dxgerr.ENOENT
		}
		leaf(at.s, adapterSyncClass, &a.syncMu, func() {
			a.syncObjects.Remove(so)
		})
		at.HandlesExclusive(p, func(t HandlesToken) error {
			_, err := t.Table().Free(so.handle, hmgr.EntrySyncObject)
			return err
		})
		a.sendTeardown(ctx, at, &d3dkmt.Message{Command: d3dkmt.CmdDestroySyncObject, Process: p.hostHandle(), Handles: []d3dkmt.Handle{so.host}})
		so.decRef()
		return nil
	})
	if err != nil {
		return fmt.Errorf("sync object %v: %w", so.handle, err)
	}
	p.global.failEvents(func(ev *hostEvent) bool { return ev.syncObj == so }, dxgerr.ENOENT)
	return nil
}

// destroyDeviceScopedLocked unlinks so from its device and releases its
// handle. It returns false if so was already destroyed.
func (so *SyncObject) destroyDeviceScopedLocked(lt AllocListToken) bool {
	if !so.markDestroyed() {
		return false
	}
	so.stop()
	so.device.syncObjects.Remove(so)
	lt.HandlesExclusive(so.process, func(t HandlesToken) error {
		_, err := t.Table().Free(so.handle, hmgr.EntrySyncObject)
		return err
	})
	so.decRef()
	return true
}

// hostEvent is a CPU wait on a sync object, completed by the host.
type hostEvent struct {
	id      uint64
	adapter *Adapter
	syncObj *SyncObject
	done    chan struct{}

	// value and err are set before done is closed.
	value uint64
	err   error
}

func (g *Global) newEvent(so *SyncObject) *hostEvent {
	ev := &hostEvent{adapter: so.adapter, syncObj: so, done: make(chan struct{})}
	leaf(NewUnlocked().s, eventsClass, &g.eventsMu, func() {
		g.nextEvent++
		ev.id = g.nextEvent
		g.events[ev.id] = ev
	})
	return ev
}

// takeEvents removes and returns the events matching pred.
func (g *Global) takeEvents(pred func(*hostEvent) bool) []*hostEvent {
	var evs []*hostEvent
	leaf(NewUnlocked().s, eventsClass, &g.eventsMu, func() {
		for id, ev := range g.events {
			if pred(ev) {
				delete(g.events, id)
				evs = append(evs, ev)
			}
		}
	})
	return evs
}

// signalEvent completes the event id with value if it is still pending and
// was registered on adapter a. It reports whether it did.
func (g *Global) signalEvent(a *Adapter, id uint64, value uint64) bool {
	var ev *hostEvent
	leaf(NewUnlocked().s, eventsClass, &g.eventsMu, func() {
		if e, ok := g.events[id]; ok && e.adapter == a {
			ev = e
			delete(g.events, id)
		}
	})
	if ev == nil {
		return false
	}
	ev.value = value
	close(ev.done)
	return true
}

// failEvents completes every pending event matching pred with err.
func (g *Global) failEvents(pred func(*hostEvent) bool, err error) {
	for _, ev := range g.takeEvents(pred) {
		ev.err = err
		close(ev.done)
	}
}

// PendingEvents returns the number of CPU waits not yet completed.
func (g *Global) PendingEvents() int {
	n := 0
	leaf(NewUnlocked().s, eventsClass, &g.eventsMu, func() {
		n = len(g.events)
	})
	return n
}

// WaitSyncObjectCPU blocks until the sync object named by syncHandle reaches
// value, ctx is done, or the adapter stops. It returns the value the host
// reported.
func (p *Process) WaitSyncObjectCPU(ctx context.Context, deviceHandle, syncHandle d3dkmt.Handle, value uint64) (uint64, error) {
	u := NewUnlocked()
	d, err := lookup[*Device](u, p, deviceHandle, hmgr.EntryDevice)
	if err != nil {
		return 0, err
	}
	defer d.decRef()
	so, err := lookup[*SyncObject](u, p, syncHandle, hmgr.EntrySyncObject)
	if err != nil {
		return 0, err
	}
	defer so.decRef()
	if so.adapter != d.adapter {
		return 0, fmt.Errorf("sync object %v is on another adapter: %w", syncHandle, dxgerr.EINVAL)
	}
	if so.flags.Load()&syncStopped != 0 {
		return 0, fmt.Errorf("sync object %v: %w", syncHandle, dxgerr.ENODEV)
	}

	g := p.global
	ev := g.newEvent(so)
	err = u.Adapter(d.adapter, func(at AdapterToken) error {
		return at.Device(d, func(DeviceToken) error {
			_, err := d.adapter.send(ctx, at, &d3dkmt.Message{
				Command: d3dkmt.CmdWaitSyncObjectCPU,
				Process: p.hostHandle(),
				Device:  d.host,
				Handles: []d3dkmt.Handle{so.host},
				Args:    []uint64{value, ev.id},
			})
			return err
		})
	})
	if err != nil {
		g.takeEvents(func(e *hostEvent) bool { return e == ev })
		return 0, fmt.Errorf("waiting on sync object %v: %w", syncHandle, err)
	}

	select {
	case <-ev.done:
		if ev.err != nil {
			return 0, fmt.Errorf("waiting on sync object %v: %w", syncHandle, ev.err)
		}
		return ev.value, nil
	case <-ctx.Done():
		if len(g.takeEvents(func(e *hostEvent) bool { return e == ev })) == 0 {
			// Completed concurrently.
			<-ev.done
			if ev.err != nil {
				return 0, ev.err
			}
			return ev.value, nil
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, dxgerr.ErrTimeout
		}
		return 0, fmt.Errorf("waiting on sync object %v: %v: %w", syncHandle, ctx.Err(), dxgerr.ErrChannel)
	}
}

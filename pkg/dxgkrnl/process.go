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
	"gvisor.dev/dxgk/pkg/context"
	"gvisor.dev/dxgk/pkg/errors/dxgerr"
	"gvisor.dev/dxgk/pkg/hmgr"
	"gvisor.dev/dxgk/pkg/ilist"
)

// Process is a guest process using the GPU.
//
// Objects created by a process are named by handles of its general table;
// adapters it opened are named by handles of its adapter table.
type Process struct {
	global *Global
	pid    uint32

	handles        *hmgr.Table
	adapterHandles *hmgr.Table

	// exited is set when Exit starts. Creations check it with the general
	// table locked, so an object is either found by Exit or never installed.
	exited atomic.Bool

	// bindings is protected by Global.bindingMu.
	bindings map[*Adapter]*ProcessAdapter
}

// PID returns the process id.
func (p *Process) PID() uint32 {
	return p.pid
}

// hostHandle identifies p in host requests.
func (p *Process) hostHandle() d3dkmt.Handle {
	return d3dkmt.Handle(p.pid)
}

// ProcessAdapter binds a process to an adapter it opened. It owns the devices
// the process created on the adapter.
//
// All fields but process and adapter are protected by Global.bindingMu.
type ProcessAdapter struct {
	process *Process
	adapter *Adapter

	// opens is the number of adapter handles of process naming adapter.
	opens int

	devices ilist.List[*Device]
}

// bindingLocked returns the binding of p to a, creating it if needed.
func (p *Process) bindingLocked(bt BindingToken, a *Adapter) *ProcessAdapter {
	bt.check()
	if b, ok := p.bindings[a]; ok {
		return b
	}
	a.IncRef()
	b := &ProcessAdapter{process: p, adapter: a}
	p.bindings[a] = b
	a.bindings[b] = struct{}{}
	objectsCreated.Increment(kindBinding)
	return b
}

// openAdapterLocked opens a new adapter handle of p on a.
func (p *Process) openAdapterLocked(bt BindingToken, at AdapterToken, a *Adapter) (d3dkmt.Handle, error) {
	if p.exited.Load() {
		return d3dkmt.NullHandle, dxgerr.ENODEV
	}
	b := p.bindingLocked(bt, a)
	var h d3dkmt.Handle
	err := at.AdapterHandlesExclusive(p, func(t AdapterHandlesToken) error {
		var err error
		h, err = t.Table().Alloc(hmgr.EntryAdapter, a)
		return err
	})
	if err != nil {
		if b.opens == 0 {
			b.unlinkLocked(bt)
		}
		return d3dkmt.NullHandle, err
	}
	b.opens++
	return h, nil
}

// unlinkLocked removes b from its process and adapter and drops its adapter
// reference. b must not own any device.
func (b *ProcessAdapter) unlinkLocked(bt BindingToken) {
	bt.check()
	delete(b.process.bindings, b.adapter)
	delete(b.adapter.bindings, b)
	b.adapter.decRef()
	objectsDestroyed.Increment(kindBinding)
}

// closeLocked drops one open of b. The last one destroys every device of b
// and b itself.
func (b *ProcessAdapter) closeLocked(ctx context.Context, bt BindingToken) {
	b.opens--
	if b.opens > 0 {
		return
	}
	for d := b.devices.Front(); d != nil; d = b.devices.Front() {
		b.devices.Remove(d)
		d.binding = nil
		d.destroy(ctx, bt.acqAdapter, true)
		d.decRef()
	}
	b.unlinkLocked(bt)
}

// OpenAdapterFromLUID opens a handle on the active adapter identified by
// luid.
func (p *Process) OpenAdapterFromLUID(ctx context.Context, luid d3dkmt.LUID) (d3dkmt.Handle, error) {
	g := p.global
	var h d3dkmt.Handle
	err := NewUnlocked().Registry(g, func(rt RegistryToken) error {
		a := g.adapterLocked(rt, luid)
		if a == nil {
			return fmt.Errorf("adapter %v: %w", luid, dxgerr.EINVAL)
		}
		return rt.Bindings(g, func(bt BindingToken) error {
			return bt.Adapter(a, func(at AdapterToken) error {
				var err error
				h, err = p.openAdapterLocked(bt, at, a)
				return err
			})
		})
	})
	if err != nil {
		return d3dkmt.NullHandle, err
	}
	ctx.Debugf("pid %d opened adapter %v as %v", p.pid, luid, h)
	return h, nil
}

// EnumAdapters opens a handle on every active adapter, up to max. If max is
// zero nothing is opened and only the number of active adapters is
// returned. If there are more than max active adapters, nothing stays open
// and the error is EOVERFLOW.
func (p *Process) EnumAdapters(ctx context.Context, max int) ([]AdapterInfo, int, error) {
	if max < 0 || max > d3dkmt.MaxAdapters {
		return nil, 0, fmt.Errorf("enumerating %d adapters: %w", max, dxgerr.EINVAL)
	}
	g := p.global
	var infos []AdapterInfo
	count := 0
	err := NewUnlocked().Registry(g, func(rt RegistryToken) error {
		var adapters []*Adapter
		g.adapters.Ascend(func(a *Adapter) bool {
			adapters = append(adapters, a)
			return true
		})
		return rt.Bindings(g, func(bt BindingToken) error {
			for _, a := range adapters {
				err := bt.Adapter(a, func(at AdapterToken) error {
					count++
					if max == 0 {
						return nil
					}
					if len(infos) == max {
						return dxgerr.EOVERFLOW
					}
					h, err := p.openAdapterLocked(bt, at, a)
					if err != nil {
						return err
					}
					infos = append(infos, AdapterInfo{Handle: h, LUID: a.luid})
					return nil
				})
				switch {
				case err == nil:
				case dxgerr.Equals(dxgerr.ENODEV, err):
					// Not active, skip it.
				default:
					p.closeAdaptersLocked(ctx, bt, infos)
					infos = nil
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, count, err
	}
	return infos, count, nil
}

// closeAdaptersLocked closes the adapter handles of infos.
func (p *Process) closeAdaptersLocked(ctx context.Context, bt BindingToken, infos []AdapterInfo) {
	for _, info := range infos {
		if err := p.closeAdapterLocked(ctx, bt, info.Handle); err != nil {
			ctx.Warningf("closing adapter handle %v: %v", info.Handle, err)
		}
	}
}

// CloseAdapter closes an adapter handle. Closing the last handle of the
// process on the adapter destroys every device the process created on it.
func (p *Process) CloseAdapter(ctx context.Context, h d3dkmt.Handle) error {
	return NewUnlocked().Bindings(p.global, func(bt BindingToken) error {
		return p.closeAdapterLocked(ctx, bt, h)
	})
}

func (p *Process) closeAdapterLocked(ctx context.Context, bt BindingToken, h d3dkmt.Handle) error {
	var a *Adapter
	err := bt.AdapterHandlesExclusive(p, func(t AdapterHandlesToken) error {
		obj, err := t.Table().Free(h, hmgr.EntryAdapter)
		if err != nil {
			return err
		}
		a = obj.(*Adapter)
		return nil
	})
	if err != nil {
		return fmt.Errorf("closing adapter handle %v: %w", h, err)
	}
	b, ok := p.bindings[a]
	if !ok {
		panic(fmt.Sprintf("adapter handle %v of pid %d has no binding", h, p.pid))
	}
	b.closeLocked(ctx, bt)
	return nil
}

// adapterFromHandle returns the adapter named by h, with a reference held.
func (p *Process) adapterFromHandle(u Unlocked, h d3dkmt.Handle) (*Adapter, error) {
	var a *Adapter
	err := u.AdapterHandles(p, func(t AdapterHandlesToken) error {
		var err error
		a, err = hmgr.Get[*Adapter](t.Table(), h, hmgr.EntryAdapter)
		if err != nil {
			return err
		}
		if !a.TryIncRef() {
			return dxgerr.ENOENT
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("adapter handle %v: %w", h, err)
	}
	return a, nil
}

// QueryAdapterInfo forwards query to the host and returns its answer.
func (p *Process) QueryAdapterInfo(ctx context.Context, h d3dkmt.Handle, query []byte) ([]byte, error) {
	u := NewUnlocked()
	a, err := p.adapterFromHandle(u, h)
	if err != nil {
		return nil, err
	}
	defer a.decRef()
	var out []byte
	err = u.Adapter(a, func(at AdapterToken) error {
		resp, err := a.send(ctx, at, &d3dkmt.Message{
			Command: d3dkmt.CmdQueryAdapterInfo,
			Process: p.hostHandle(),
			Private: query,
		})
		if err != nil {
			return err
		}
		out = resp.Private
		return nil
	})
	return out, err
}

// refCounted is implemented by objects named by the general handle table.
type refCounted interface {
	TryIncRef() bool
}

// lookup returns the object named by h in the general table of p with a
// reference held. The caller must drop it.
func lookup[T refCounted](u Unlocked, p *Process, h d3dkmt.Handle, typ hmgr.EntryType) (T, error) {
	var obj T
	err := u.Handles(p, func(t HandlesToken) error {
		var err error
		obj, err = hmgr.Get[T](t.Table(), h, typ)
		if err != nil {
			return err
		}
		if !obj.TryIncRef() {
			return dxgerr.ENOENT
		}
		return nil
	})
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%v handle %v: %w", typ, h, err)
	}
	return obj, nil
}

// Exit tears down everything p still owns: its adapter-scoped sync objects,
// then every adapter handle, which destroys every device.
func (p *Process) Exit(ctx context.Context) {
	p.exited.Store(true)
	u := NewUnlocked()
	var syncObjects []*SyncObject
	u.Handles(p, func(t HandlesToken) error {
		t.Table().Range(func(h d3dkmt.Handle, typ hmgr.EntryType, obj any) bool {
			if so, ok := obj.(*SyncObject); ok && typ == hmgr.EntrySyncObject && so.device == nil && so.TryIncRef() {
				syncObjects = append(syncObjects, so)
			}
			return true
		})
		return nil
	})
	for _, so := range syncObjects {
		if err := p.destroySyncObject(ctx, u, so); err != nil && !dxgerr.Equals(dxgerr.ENOENT, err) {
			ctx.Warningf("pid %d: destroying sync object %v: %v", p.pid, so.handle, err)
		}
		so.decRef()
	}

	closed := 0
	u.Bindings(p.global, func(bt BindingToken) error {
		var handles []d3dkmt.Handle
		bt.AdapterHandles(p, func(t AdapterHandlesToken) error {
			t.Table().Range(func(h d3dkmt.Handle, _ hmgr.EntryType, _ any) bool {
				handles = append(handles, h)
				return true
			})
			return nil
		})
		for _, h := range handles {
			if err := p.closeAdapterLocked(ctx, bt, h); err != nil {
				ctx.Warningf("pid %d: %v", p.pid, err)
				continue
			}
			closed++
		}
		return nil
	})

	g := p.global
	leaf(u.s, processesClass, &g.processesMu, func() {
		delete(g.processes, p)
	})
	ctx.Debugf("pid %d exited, %d adapter handles closed", p.pid, closed)
}

// Handles returns the number of live handles of p in its general and adapter
// tables.
func (p *Process) Handles() (objects, adapters int) {
	return p.handles.Len(), p.adapterHandles.Len()
}

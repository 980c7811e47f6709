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
	"gvisor.dev/dxgk/pkg/context"
	"gvisor.dev/dxgk/pkg/errors/dxgerr"
	"gvisor.dev/dxgk/pkg/hmgr"
	"gvisor.dev/dxgk/pkg/ilist"
	"gvisor.dev/dxgk/pkg/refs"
	"gvisor.dev/dxgk/pkg/sync"
)

// Context is a GPU execution context of a device.
type Context struct {
	refs.Refs[Context]
	ilist.Entry[*Context]

	device *Device
	node   uint32

	// The fields below are protected by device.contextsMu.
	handle  d3dkmt.Handle
	host    d3dkmt.Handle
	removed bool

	queuesMu sync.Mutex

	// queues is protected by queuesMu.
	queues ilist.List[*HWQueue]
}

func (c *Context) decRef() {
	c.DecRef(func() {
		c.device.decRef()
		objectsDestroyed.Increment(kindContext)
	})
}

// HWQueue is a hardware queue of a context.
type HWQueue struct {
	refs.Refs[HWQueue]
	ilist.Entry[*HWQueue]

	context *Context

	host d3dkmt.Handle

	// handle is protected by the process handle table lock.
	handle d3dkmt.Handle

	// removed is protected by context.queuesMu.
	removed bool
}

func (q *HWQueue) decRef() {
	q.DecRef(func() {
		q.context.decRef()
		objectsDestroyed.Increment(kindHWQueue)
	})
}

// CreateContext creates an execution context on node of the device named by
// deviceHandle.
func (p *Process) CreateContext(ctx context.Context, deviceHandle d3dkmt.Handle, node uint32) (d3dkmt.Handle, error) {
	u := NewUnlocked()
	d, err := lookup[*Device](u, p, deviceHandle, hmgr.EntryDevice)
	if err != nil {
		return d3dkmt.NullHandle, err
	}
	defer d.decRef()

	a := d.adapter
	c := &Context{device: d, node: node}
	var h d3dkmt.Handle
	err = u.Adapter(a, func(at AdapterToken) error {
		return at.Device(d, func(dt DeviceToken) error {
			c.InitRefs()
			d.IncRef()
			objectsCreated.Increment(kindContext)
			dt.ContextList(d, func(ContextListToken) error {
				d.contexts.PushBack(c)
				return nil
			})

			resp, err := a.send(ctx, at, &d3dkmt.Message{
				Command: d3dkmt.CmdCreateContext,
				Process: p.hostHandle(),
				Device:  d.host,
				Args:    []uint64{uint64(node)},
			})
			return dt.ContextList(d, func(ct ContextListToken) error {
				if err == nil {
					c.host = resp.Handle(0)
					err = ct.HandlesExclusive(p, func(t HandlesToken) error {
						var err error
						h, err = t.Table().Alloc(hmgr.EntryContext, c)
						return err
					})
					if err == nil {
						c.handle = h
						return nil
					}
				}
				c.destroyLocked(ctx, at, ct, true)
				return err
			})
		})
	})
	if err != nil {
		return d3dkmt.NullHandle, fmt.Errorf("creating context on device %v: %w", deviceHandle, err)
	}
	return h, nil
}

// DestroyContext destroys the context named by h and its hardware queues.
func (p *Process) DestroyContext(ctx context.Context, h d3dkmt.Handle) error {
	u := NewUnlocked()
	c, err := lookup[*Context](u, p, h, hmgr.EntryContext)
	if err != nil {
		return err
	}
	defer c.decRef()
	d := c.device
	return u.AdapterForTeardown(d.adapter, func(at AdapterToken) error {
		return at.DeviceForTeardown(d, func(dt DeviceToken) error {
			return dt.ContextList(d, func(ct ContextListToken) error {
				if !c.destroyLocked(ctx, at, ct, true) {
					return fmt.Errorf("context %v: %w", h, dxgerr.ENOENT)
				}
				return nil
			})
		})
	})
}

// destroyLocked unlinks c from its device and destroys its hardware queues.
// c is destroyed on the host if host is set. It returns false if c was
// already unlinked.
func (c *Context) destroyLocked(ctx context.Context, at AdapterToken, ct ContextListToken, host bool) bool {
	if c.removed {
		return false
	}
	c.removed = true
	c.device.contexts.Remove(c)

	var queues []*HWQueue
	leaf(ct.s, hwQueuesClass, &c.queuesMu, func() {
		queues = c.queues.Slice()
		for _, q := range queues {
			q.removed = true
		}
		c.queues.Reset()
	})
	p := c.device.process
	ct.HandlesExclusive(p, func(t HandlesToken) error {
		for _, q := range queues {
			if q.handle.Valid() {
				t.Table().Free(q.handle, hmgr.EntryHWQueue)
			}
		}
		if c.handle.Valid() {
			t.Table().Free(c.handle, hmgr.EntryContext)
		}
		return nil
	})
	if host && c.host.Valid() {
		c.device.adapter.sendTeardown(ctx, at, &d3dkmt.Message{
			Command: d3dkmt.CmdDestroyContext,
			Process: p.hostHandle(),
			Device:  c.device.host,
			Handles: []d3dkmt.Handle{c.host},
		})
	}
	for _, q := range queues {
		q.decRef()
	}
	c.decRef()
	return true
}

// CreateHWQueue creates a hardware queue on the context named by
// contextHandle.
func (p *Process) CreateHWQueue(ctx context.Context, contextHandle d3dkmt.Handle) (d3dkmt.Handle, error) {
	u := NewUnlocked()
	c, err := lookup[*Context](u, p, contextHandle, hmgr.EntryContext)
	if err != nil {
		return d3dkmt.NullHandle, err
	}
	defer c.decRef()
	d := c.device
	a := d.adapter
	var h d3dkmt.Handle
	err = u.Adapter(a, func(at AdapterToken) error {
		return at.Device(d, func(dt DeviceToken) error {
			return dt.ContextListShared(d, func(ct ContextListToken) error {
				if c.removed {
					return dxgerr.ENOENT
				}
				resp, err := a.send(ctx, at, &d3dkmt.Message{
					Command: d3dkmt.CmdCreateHWQueue,
					Process: p.hostHandle(),
					Device:  d.host,
					Handles: []d3dkmt.Handle{c.host},
				})
				if err != nil {
					return err
				}
				q := &HWQueue{context: c, host: resp.Handle(0)}
				q.InitRefs()
				c.IncRef()
				objectsCreated.Increment(kindHWQueue)
				leaf(ct.s, hwQueuesClass, &c.queuesMu, func() {
					c.queues.PushBack(q)
				})
				if err := ct.HandlesExclusive(p, func(t HandlesToken) error {
					var err error
					h, err = t.Table().Alloc(hmgr.EntryHWQueue, q)
					q.handle = h
					return err
				}); err != nil {
					leaf(ct.s, hwQueuesClass, &c.queuesMu, func() {
						q.removed = true
						c.queues.Remove(q)
					})
					a.sendTeardown(ctx, at, &d3dkmt.Message{Command: d3dkmt.CmdDestroyHWQueue, Process: p.hostHandle(), Device: d.host, Handles: []d3dkmt.Handle{q.host}})
					q.decRef()
					return err
				}
				return nil
			})
		})
	})
	if err != nil {
		return d3dkmt.NullHandle, fmt.Errorf("creating hardware queue on context %v: %w", contextHandle, err)
	}
	return h, nil
}

// DestroyHWQueue destroys the hardware queue named by h.
func (p *Process) DestroyHWQueue(ctx context.Context, h d3dkmt.Handle) error {
	u := NewUnlocked()
	q, err := lookup[*HWQueue](u, p, h, hmgr.EntryHWQueue)
	if err != nil {
		return err
	}
	defer q.decRef()
	c := q.context
	d := c.device
	return u.AdapterForTeardown(d.adapter, func(at AdapterToken) error {
		return at.DeviceForTeardown(d, func(dt DeviceToken) error {
			return dt.ContextListShared(d, func(ct ContextListToken) error {
				removed := false
				leaf(ct.s, hwQueuesClass, &c.queuesMu, func() {
					if !q.removed {
						q.removed = true
						c.queues.Remove(q)
						removed = true
					}
				})
				if !removed {
					return fmt.Errorf("hardware queue %v: %w", h, dxgerr.ENOENT)
				}
				ct.HandlesExclusive(p, func(t HandlesToken) error {
					_, err := t.Table().Free(q.handle, hmgr.EntryHWQueue)
					return err
				})
				d.adapter.sendTeardown(ctx, at, &d3dkmt.Message{
					Command: d3dkmt.CmdDestroyHWQueue,
					Process: p.hostHandle(),
					Device:  d.host,
					Handles: []d3dkmt.Handle{q.host},
				})
				q.decRef()
				return nil
			})
		})
	})
}

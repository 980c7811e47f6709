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

// Package hostsim implements an in-process GPU host speaking the host channel
// protocol. It allocates host handles, tracks the host objects each guest
// created, and can be instructed to reject, delay or drop requests and to
// raise notifications, so the guest's rollback and teardown paths can be
// exercised without a hypervisor.
//
// Lock ordering:
//
//	Host.mu
//	  hmgr.Table (leaf)
//	conn.writeMu
//
// conn.writeMu is never held together with Host.mu.
package hostsim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"gvisor.dev/dxgk/pkg/abi/d3dkmt"
	"gvisor.dev/dxgk/pkg/hmgr"
	"gvisor.dev/dxgk/pkg/log"
	"gvisor.dev/dxgk/pkg/sync"
	"gvisor.dev/dxgk/pkg/vmbus"
)

// Options configures a Host.
type Options struct {
	// Version is the interface version the host announces. Zero means
	// d3dkmt.InterfaceVersion.
	Version uint64

	// Logger receives host diagnostics. Nil means the global logger.
	Logger log.Logger
}

// object is a live host object.
type object struct {
	kind    hmgr.EntryType
	adapter d3dkmt.LUID
	process d3dkmt.Handle

	// device is the host handle of the owning device, if any.
	device d3dkmt.Handle

	// parent is the owning resource of an allocation or the owning context
	// of a hardware queue.
	parent d3dkmt.Handle

	// fence is the current value of a synchronization object.
	fence uint64
}

type wait struct {
	adapter d3dkmt.LUID
	syncObj d3dkmt.Handle
	value   uint64
	eventID uint64
}

type fault struct {
	status d3dkmt.NTStatus
	drop   bool
}

// Host is a simulated GPU host.
type Host struct {
	opts Options

	mu sync.Mutex

	// All fields below are protected by mu.
	adapters map[d3dkmt.LUID]struct{}
	objects  *hmgr.Table
	faults   map[d3dkmt.Command][]fault
	delays   map[d3dkmt.Command]time.Duration
	calls    map[d3dkmt.Command]int
	waits    []wait
	conns    map[*conn]struct{}
}

// New returns a host that knows no adapters.
func New(opts Options) *Host {
	if opts.Version == 0 {
		opts.Version = d3dkmt.InterfaceVersion
	}
	if opts.Logger == nil {
		opts.Logger = log.Log()
	}
	return &Host{
		opts:     opts,
		adapters: make(map[d3dkmt.LUID]struct{}),
		objects:  hmgr.New(hmgr.Options{}),
		faults:   make(map[d3dkmt.Command][]fault),
		delays:   make(map[d3dkmt.Command]time.Duration),
		calls:    make(map[d3dkmt.Command]int),
		conns:    make(map[*conn]struct{}),
	}
}

// AddAdapter makes luid available to OpenAdapter.
func (h *Host) AddAdapter(luid d3dkmt.LUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.adapters[luid] = struct{}{}
}

// RemoveAdapter removes luid and notifies the guests.
func (h *Host) RemoveAdapter(luid d3dkmt.LUID) {
	h.mu.Lock()
	delete(h.adapters, luid)
	h.mu.Unlock()
	h.Notify(d3dkmt.Notification{Kind: d3dkmt.NotifyAdapterRemoved, Adapter: luid})
}

// RemoveDevice reports the loss of a host device to the guests.
func (h *Host) RemoveDevice(luid d3dkmt.LUID, device d3dkmt.Handle) {
	h.Notify(d3dkmt.Notification{Kind: d3dkmt.NotifyDeviceRemoved, Adapter: luid, Device: device})
}

// FailNext makes the next request of type cmd fail with status.
func (h *Host) FailNext(cmd d3dkmt.Command, status d3dkmt.NTStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults[cmd] = append(h.faults[cmd], fault{status: status})
}

// DropNext makes the host never answer the next request of type cmd.
func (h *Host) DropNext(cmd d3dkmt.Command) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults[cmd] = append(h.faults[cmd], fault{drop: true})
}

// SetDelay delays every answer to cmd by d.
func (h *Host) SetDelay(cmd d3dkmt.Command, d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delays[cmd] = d
}

// Calls returns the number of requests of type cmd received so far.
func (h *Host) Calls(cmd d3dkmt.Command) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[cmd]
}

// Live returns the number of live host objects of the given kind.
func (h *Host) Live(kind hmgr.EntryType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	h.objects.View(func(l *hmgr.Locked) error {
		l.Range(func(_ d3dkmt.Handle, typ hmgr.EntryType, _ any) bool {
			if typ == kind {
				n++
			}
			return true
		})
		return nil
	})
	return n
}

// Signal sets the value of a synchronization object and completes the
// guest waits it satisfies.
func (h *Host) Signal(syncObj d3dkmt.Handle, value uint64) error {
	h.mu.Lock()
	obj, err := h.objects.GetSafe(syncObj, hmgr.EntrySyncObject)
	if err != nil {
		h.mu.Unlock()
		return fmt.Errorf("signal %v: %w", syncObj, err)
	}
	o := obj.(*object)
	if value > o.fence {
		o.fence = value
	}
	fence := o.fence
	ready := h.takeWaitsLocked(syncObj, fence)
	h.mu.Unlock()
	for _, w := range ready {
		h.Notify(d3dkmt.Notification{Kind: d3dkmt.NotifySyncObjectSignaled, Adapter: w.adapter, EventID: w.eventID, Value: fence})
	}
	return nil
}

// Preconditions: h.mu is locked.
func (h *Host) takeWaitsLocked(syncObj d3dkmt.Handle, fence uint64) []wait {
	var ready []wait
	remaining := h.waits[:0]
	for _, w := range h.waits {
		if w.syncObj == syncObj && w.value <= fence {
			ready = append(ready, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	h.waits = remaining
	return ready
}

// Notify sends n to every connected guest.
func (h *Host) Notify(n d3dkmt.Notification) {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		if err := c.write(&d3dkmt.Frame{Kind: d3dkmt.FrameNotification, Notification: &n}); err != nil {
			h.opts.Logger.Warningf("notify %v: %v", n.Kind, err)
		}
	}
}

// Disconnect closes every guest connection.
func (h *Host) Disconnect() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[*conn]struct{})
	h.mu.Unlock()
	for c := range conns {
		c.nc.Close()
	}
}

// Connect returns a guest channel connected to h over an in-memory pipe.
func (h *Host) Connect(ctx context.Context, opts vmbus.Options) (*vmbus.Channel, error) {
	guest, host := net.Pipe()
	go h.Serve(ctx, host)
	return vmbus.NewChannel(ctx, guest, opts)
}

// Listen serves every connection accepted on ln until ctx is done or ln
// fails.
func (h *Host) Listen(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		h.Disconnect()
		return nil
	})
	g.Go(func() error {
		for {
			nc, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			g.Go(func() error {
				h.Serve(ctx, nc)
				return nil
			})
		}
	})
	return g.Wait()
}

type conn struct {
	nc      net.Conn
	writeMu sync.Mutex
}

func (c *conn) write(f *d3dkmt.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return vmbus.WriteFrame(c.nc, f)
}

// Serve answers requests on nc until it is closed. Requests are handled
// concurrently, so a delayed answer does not hold up others.
func (h *Host) Serve(ctx context.Context, nc net.Conn) error {
	c := &conn{nc: nc}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		nc.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		f, err := vmbus.ReadFrame(nc)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if f.Kind != d3dkmt.FrameRequest {
			return fmt.Errorf("unexpected frame kind %d from guest", f.Kind)
		}
		resp, delay, ok := h.handle(f.Message)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			if err := c.write(&d3dkmt.Frame{Kind: d3dkmt.FrameResponse, RequestID: id, Message: resp}); err != nil {
				h.opts.Logger.Debugf("answering %v: %v", resp.Command, err)
			}
		}(f.RequestID)
	}
}

// handle executes req and returns the response to send after delay. ok is
// false if the request must not be answered.
func (h *Host) handle(req *d3dkmt.Message) (resp *d3dkmt.Message, delay time.Duration, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[req.Command]++
	delay = h.delays[req.Command]
	resp = &d3dkmt.Message{Command: req.Command}
	if q := h.faults[req.Command]; len(q) > 0 {
		f := q[0]
		h.faults[req.Command] = q[1:]
		if f.drop {
			return nil, 0, false
		}
		resp.Status = f.status
		return resp, delay, true
	}
	err := h.objects.Update(func(l *hmgr.Locked) error {
		return h.execLocked(l, req, resp)
	})
	if err != nil {
		resp.Status = statusOf(err)
		resp.Handles = nil
		if h.opts.Logger.IsLogging(log.Debug) {
			h.opts.Logger.Debugf("host: %v failed: %v", req, err)
		}
	}
	return resp, delay, true
}

var errUnknownAdapter = errors.New("unknown adapter")

func statusOf(err error) d3dkmt.NTStatus {
	var st statusError
	switch {
	case errors.As(err, &st):
		return st.status
	case errors.Is(err, errUnknownAdapter):
		return d3dkmt.StatusObjectNameNotFound
	default:
		return d3dkmt.StatusInvalidHandle
	}
}

type statusError struct {
	status d3dkmt.NTStatus
}

func (e statusError) Error() string { return e.status.String() }

func (h *Host) lookup(l *hmgr.Locked, handle d3dkmt.Handle, kind hmgr.EntryType) (*object, error) {
	return hmgr.Get[*object](l, handle, kind)
}

func (h *Host) create(l *hmgr.Locked, o *object) (d3dkmt.Handle, error) {
	return l.Alloc(o.kind, o)
}

// freeWhere frees every object matching pred.
func freeWhere(l *hmgr.Locked, pred func(*object) bool) {
	var victims []d3dkmt.Handle
	var kinds []hmgr.EntryType
	l.Range(func(handle d3dkmt.Handle, typ hmgr.EntryType, obj any) bool {
		if pred(obj.(*object)) {
			victims = append(victims, handle)
			kinds = append(kinds, typ)
		}
		return true
	})
	for i, v := range victims {
		l.Free(v, kinds[i])
	}
}

// Preconditions: h.mu is locked.
func (h *Host) execLocked(l *hmgr.Locked, req, resp *d3dkmt.Message) error {
	switch req.Command {
	case d3dkmt.CmdHello:
		resp.Args = []uint64{h.opts.Version}

	case d3dkmt.CmdOpenAdapter:
		if _, ok := h.adapters[req.Adapter]; !ok {
			return errUnknownAdapter
		}
		hnd, err := h.create(l, &object{kind: hmgr.EntryAdapter, adapter: req.Adapter, process: req.Process})
		if err != nil {
			return err
		}
		resp.Handles = []d3dkmt.Handle{hnd}

	case d3dkmt.CmdCloseAdapter:
		if _, err := l.Free(req.Handle(0), hmgr.EntryAdapter); err != nil {
			return err
		}

	case d3dkmt.CmdGetInternalAdapterInfo, d3dkmt.CmdQueryAdapterInfo:
		if _, ok := h.adapters[req.Adapter]; !ok {
			return errUnknownAdapter
		}
		resp.Args = []uint64{h.opts.Version, req.Adapter.Uint64()}
		resp.Private = []byte(fmt.Sprintf("simulated adapter %v", req.Adapter))

	case d3dkmt.CmdCreateDevice:
		if _, ok := h.adapters[req.Adapter]; !ok {
			return errUnknownAdapter
		}
		hnd, err := h.create(l, &object{kind: hmgr.EntryDevice, adapter: req.Adapter, process: req.Process})
		if err != nil {
			return err
		}
		resp.Handles = []d3dkmt.Handle{hnd}

	case d3dkmt.CmdDestroyDevice:
		dev := req.Device
		if _, err := l.Free(dev, hmgr.EntryDevice); err != nil {
			return err
		}
		freeWhere(l, func(o *object) bool { return o.device == dev })

	case d3dkmt.CmdFlushDevice:
		if _, err := h.lookup(l, req.Device, hmgr.EntryDevice); err != nil {
			return err
		}

	case d3dkmt.CmdCreateContext:
		dev, err := h.lookup(l, req.Device, hmgr.EntryDevice)
		if err != nil {
			return err
		}
		hnd, err := h.create(l, &object{kind: hmgr.EntryContext, adapter: dev.adapter, process: req.Process, device: req.Device})
		if err != nil {
			return err
		}
		resp.Handles = []d3dkmt.Handle{hnd}

	case d3dkmt.CmdDestroyContext:
		ctxHandle := req.Handle(0)
		if _, err := l.Free(ctxHandle, hmgr.EntryContext); err != nil {
			return err
		}
		freeWhere(l, func(o *object) bool { return o.kind == hmgr.EntryHWQueue && o.parent == ctxHandle })

	case d3dkmt.CmdCreateHWQueue:
		c, err := h.lookup(l, req.Handle(0), hmgr.EntryContext)
		if err != nil {
			return err
		}
		hnd, err := h.create(l, &object{kind: hmgr.EntryHWQueue, adapter: c.adapter, process: req.Process, device: c.device, parent: req.Handle(0)})
		if err != nil {
			return err
		}
		resp.Handles = []d3dkmt.Handle{hnd}

	case d3dkmt.CmdDestroyHWQueue:
		if _, err := l.Free(req.Handle(0), hmgr.EntryHWQueue); err != nil {
			return err
		}

	case d3dkmt.CmdCreateAllocation:
		dev, err := h.lookup(l, req.Device, hmgr.EntryDevice)
		if err != nil {
			return err
		}
		count := req.Arg(0)
		if count == 0 || count > 1024 {
			return statusError{d3dkmt.StatusInvalidParameter}
		}
		handles := []d3dkmt.Handle{d3dkmt.NullHandle}
		var resource d3dkmt.Handle
		if req.Arg(1) != 0 {
			resource, err = h.create(l, &object{kind: hmgr.EntryResource, adapter: dev.adapter, process: req.Process, device: req.Device})
			if err != nil {
				return err
			}
			handles[0] = resource
		}
		for i := uint64(0); i < count; i++ {
			hnd, err := h.create(l, &object{kind: hmgr.EntryAllocation, adapter: dev.adapter, process: req.Process, device: req.Device, parent: resource})
			if err != nil {
				return err
			}
			handles = append(handles, hnd)
		}
		resp.Handles = handles

	case d3dkmt.CmdDestroyAllocation:
		if _, err := h.lookup(l, req.Device, hmgr.EntryDevice); err != nil {
			return err
		}
		if res := req.Handle(0); res.Valid() {
			if _, err := l.Free(res, hmgr.EntryResource); err != nil {
				return err
			}
			freeWhere(l, func(o *object) bool { return o.kind == hmgr.EntryAllocation && o.parent == res })
		}
		for _, a := range req.Handles[min(1, len(req.Handles)):] {
			if _, err := l.Free(a, hmgr.EntryAllocation); err != nil {
				return err
			}
		}

	case d3dkmt.CmdCreateSyncObject:
		typ := d3dkmt.SyncObjectType(req.Arg(0))
		if !typ.Valid() {
			return statusError{d3dkmt.StatusInvalidParameter}
		}
		o := &object{kind: hmgr.EntrySyncObject, adapter: req.Adapter, process: req.Process}
		if typ.DeviceScoped() {
			dev, err := h.lookup(l, req.Device, hmgr.EntryDevice)
			if err != nil {
				return err
			}
			o.adapter = dev.adapter
			o.device = req.Device
		} else if _, ok := h.adapters[req.Adapter]; !ok {
			return errUnknownAdapter
		}
		hnd, err := h.create(l, o)
		if err != nil {
			return err
		}
		resp.Handles = []d3dkmt.Handle{hnd}

	case d3dkmt.CmdDestroySyncObject:
		so := req.Handle(0)
		if _, err := l.Free(so, hmgr.EntrySyncObject); err != nil {
			return err
		}
		h.dropWaitsLocked(func(w wait) bool { return w.syncObj == so })

	case d3dkmt.CmdWaitSyncObjectCPU:
		so := req.Handle(0)
		o, err := h.lookup(l, so, hmgr.EntrySyncObject)
		if err != nil {
			return err
		}
		w := wait{adapter: o.adapter, syncObj: so, value: req.Arg(0), eventID: req.Arg(1)}
		if w.value <= o.fence {
			go h.Notify(d3dkmt.Notification{Kind: d3dkmt.NotifySyncObjectSignaled, Adapter: w.adapter, EventID: w.eventID, Value: o.fence})
		} else {
			h.waits = append(h.waits, w)
		}

	default:
		return statusError{d3dkmt.StatusNotImplemented}
	}
	return nil
}

// Preconditions: h.mu is locked.
func (h *Host) dropWaitsLocked(pred func(wait) bool) {
	remaining := h.waits[:0]
	for _, w := range h.waits {
		if !pred(w) {
			remaining = append(remaining, w)
		}
	}
	h.waits = remaining
}

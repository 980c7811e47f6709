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
	"gvisor.dev/dxgk/pkg/ilist"
	"gvisor.dev/dxgk/pkg/log"
	"gvisor.dev/dxgk/pkg/refs"
	"gvisor.dev/dxgk/pkg/sync"
	"gvisor.dev/dxgk/pkg/vmbus"
)

// AdapterState is the lifecycle state of an Adapter. It only moves forward.
type AdapterState int32

// Adapter states.
const (
	AdapterWaitingForTransport AdapterState = iota
	AdapterActive
	AdapterStopped
)

func (s AdapterState) String() string {
	switch s {
	case AdapterWaitingForTransport:
		return "WaitingForTransport"
	case AdapterActive:
		return "Active"
	case AdapterStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("AdapterState(%d)", int32(s))
	}
}

// Adapter is the guest side of one host GPU.
//
// The registry holds one reference, as does every binding, device and
// adapter-scoped sync object.
type Adapter struct {
	refs.Refs[Adapter]

	global *Global
	luid   d3dkmt.LUID

	// core is the adapter lock, see AdapterToken.
	core sync.RWMutex

	// The fields below are protected by core.
	state     AdapterState
	stopping  bool
	transport vmbus.Transport
	host      d3dkmt.Handle
	version   uint64

	// bindings is protected by Global.bindingMu.
	bindings map[*ProcessAdapter]struct{}

	syncMu sync.Mutex

	// syncObjects are the adapter-scoped sync objects. Protected by syncMu.
	syncObjects ilist.List[*SyncObject]
}

func newAdapter(g *Global, luid d3dkmt.LUID) *Adapter {
	a := &Adapter{
		global:   g,
		luid:     luid,
		bindings: make(map[*ProcessAdapter]struct{}),
	}
	a.InitRefs()
	objectsCreated.Increment(kindAdapter)
	return a
}

func (a *Adapter) decRef() {
	a.DecRef(func() {
		objectsDestroyed.Increment(kindAdapter)
	})
}

// LUID returns the adapter identity.
func (a *Adapter) LUID() d3dkmt.LUID {
	return a.luid
}

// State returns the current state of a.
func (a *Adapter) State() AdapterState {
	var s AdapterState
	NewUnlocked().AdapterForTeardown(a, func(AdapterToken) error {
		s = a.state
		return nil
	})
	return s
}

// start opens the adapter on the host through t and makes it active.
func (a *Adapter) start(ctx context.Context, t vmbus.Transport) error {
	err := NewUnlocked().AdapterExclusive(a, func(at AdapterToken) error {
		switch a.state {
		case AdapterActive:
			return fmt.Errorf("adapter %v already started: %w", a.luid, dxgerr.EEXIST)
		case AdapterStopped:
			return fmt.Errorf("adapter %v stopped: %w", a.luid, dxgerr.ENODEV)
		}
		sctx, cancel := a.global.hostContext(ctx)
		defer cancel()
		resp, err := t.Send(sctx, &d3dkmt.Message{Command: d3dkmt.CmdOpenAdapter, Adapter: a.luid})
		if err != nil {
			countHostError(d3dkmt.CmdOpenAdapter, err)
			return err
		}
		a.host = resp.Handle(0)
		info, err := t.Send(sctx, &d3dkmt.Message{Command: d3dkmt.CmdGetInternalAdapterInfo, Adapter: a.luid})
		if err != nil {
			countHostError(d3dkmt.CmdGetInternalAdapterInfo, err)
			return err
		}
		a.version = info.Arg(0)
		a.transport = t
		a.state = AdapterActive
		a.global.watchers.Add(1)
		go a.watch(t) // S/R-SAFE: exits once t is closed.
		return nil
	})
	if err != nil {
		t.Close()
		return fmt.Errorf("starting adapter %v: %w", a.luid, err)
	}
	ctx.Infof("adapter %v active, host interface version %d", a.luid, a.version)
	return nil
}

// watch handles host notifications until the transport is closed, then
// stops the adapter.
func (a *Adapter) watch(t vmbus.Transport) {
	defer a.global.watchers.Done()
	ctx := context.WithPrefix(a.global.ctx, "adapter %v: ", a.luid)
	for n := range t.Subscribe() {
		if n.Adapter != a.luid {
			continue
		}
		if ctx.IsLogging(log.Debug) {
			ctx.Debugf("notification %v: %+v", n.Kind, n)
		}
		switch n.Kind {
		case d3dkmt.NotifyDeviceRemoved:
			a.deviceRemoved(ctx, n.Device)
		case d3dkmt.NotifyAdapterRemoved:
			if err := a.global.NotifyAdapterRemoved(ctx, a.luid); err != nil {
				// Already removed from the registry.
				a.stop(ctx)
			}
		case d3dkmt.NotifySyncObjectSignaled:
			if !a.global.signalEvent(a, n.EventID, n.Value) {
				ctx.Debugf("signal for event %d not pending on this adapter", n.EventID)
			}
		default:
			ctx.Warningf("unknown notification kind %d", n.Kind)
		}
	}
	a.stop(ctx)
}

// deviceRemoved stops the device whose host handle is host.
func (a *Adapter) deviceRemoved(ctx context.Context, host d3dkmt.Handle) {
	NewUnlocked().Bindings(a.global, func(bt BindingToken) error {
		for b := range a.bindings {
			for d := b.devices.Front(); d != nil; d = d.Next() {
				bt.DeviceExclusive(d, func(dt DeviceToken) error {
					if d.host == host {
						ctx.Infof("device %v removed by the host", host)
						d.stopLocked(dt)
					}
					return nil
				})
			}
		}
		return nil
	})
}

// stop stops a. Only the first call has any effect.
//
// Devices are stopped, which releases their pinned pages, but not destroyed:
// their owners still close them through the regular destroy path.
func (a *Adapter) stop(ctx context.Context) {
	u := NewUnlocked()
	var (
		first bool
		t     vmbus.Transport
		host  d3dkmt.Handle
	)
	u.AdapterExclusive(a, func(AdapterToken) error {
		if a.stopping {
			return nil
		}
		first = true
		a.stopping = true
		a.state = AdapterStopped
		t, host = a.transport, a.host
		return nil
	})
	if !first {
		return
	}
	adapterStops.Increment()

	stopped := 0
	u.Bindings(a.global, func(bt BindingToken) error {
		for b := range a.bindings {
			for d := b.devices.Front(); d != nil; d = d.Next() {
				bt.DeviceExclusive(d, func(dt DeviceToken) error {
					if d.stopLocked(dt) {
						stopped++
					}
					return nil
				})
			}
		}
		return nil
	})
	leaf(u.s, adapterSyncClass, &a.syncMu, func() {
		for so := a.syncObjects.Front(); so != nil; so = so.Next() {
			so.stop()
		}
	})
	a.global.failEvents(func(ev *hostEvent) bool { return ev.adapter == a }, dxgerr.ENODEV)

	if t != nil {
		if host.Valid() {
			sctx, cancel := a.global.hostContext(ctx)
			_, err := t.Send(sctx, &d3dkmt.Message{Command: d3dkmt.CmdCloseAdapter, Adapter: a.luid, Handles: []d3dkmt.Handle{host}})
			cancel()
			if err != nil && !dxgerr.IsChannelError(err) {
				countHostError(d3dkmt.CmdCloseAdapter, err)
				a.global.teardownLog.For(d3dkmt.CmdCloseAdapter.String()).Warningf("closing adapter %v on the host: %v", a.luid, err)
			}
		}
		t.Close()
	}
	ctx.Infof("adapter %v stopped, %d devices stopped", a.luid, stopped)
}

// send sends req to the host. at must hold the adapter lock.
func (a *Adapter) send(ctx context.Context, at AdapterToken, req *d3dkmt.Message) (*d3dkmt.Message, error) {
	at.s.check(adapterClass)
	if a.transport == nil {
		return nil, dxgerr.ENODEV
	}
	req.Adapter = a.luid
	sctx, cancel := a.global.hostContext(ctx)
	defer cancel()
	resp, err := a.transport.Send(sctx, req)
	if err != nil {
		countHostError(req.Command, err)
		return nil, err
	}
	return resp, nil
}

// sendTeardown sends req on behalf of a teardown path. Failures are logged
// and otherwise ignored, and nothing is sent once the adapter is no longer
// active.
func (a *Adapter) sendTeardown(ctx context.Context, at AdapterToken, req *d3dkmt.Message) {
	if !at.Active() {
		return
	}
	if _, err := a.send(ctx, at, req); err != nil {
		a.global.teardownLog.For(req.Command.String()).Warningf("%v on adapter %v failed, continuing teardown: %v", req.Command, a.luid, err)
	}
}

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

// Package dxgkrnl implements the guest side object core of a paravirtualized
// GPU.
//
// Host GPU objects are represented as guest objects named by per-process
// handles: an Adapter is bound to a Process by a ProcessAdapter, which owns
// the Devices the process created on it. A Device owns Contexts (which own
// HWQueues), Resources (which own Allocations), bare Allocations and
// device-scoped SyncObjects. Every lifecycle operation is mirrored on the host
// through the adapter's transport.
//
// Every object is reference counted. An object holds one reference on its
// immediate parent and a parent owns its children through list membership
// only: removing a child from its parent's list and dropping the reference it
// implies happen together, under the list lock.
//
// Lock order:
//
//	Global.registryMu
//		Global.bindingMu
//			Adapter.core
//				Device.mu
//					Device.contextsMu
//					Device.allocsMu
//						Resource.mu
//							Process.handles
//								Process.adapterHandles
//
// Device.contextsMu and Device.allocsMu are only held together during device
// destruction, in that order. Adapter.syncMu, Context.queuesMu,
// Global.eventsMu and Global.processesMu are leaves.
//
// Locks are only taken through the tokens of locks.go; each token can only
// acquire locks ordered after its own.
package dxgkrnl

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/btree"

	"gvisor.dev/dxgk/pkg/abi/d3dkmt"
	"gvisor.dev/dxgk/pkg/context"
	"gvisor.dev/dxgk/pkg/errors/dxgerr"
	"gvisor.dev/dxgk/pkg/hmgr"
	"gvisor.dev/dxgk/pkg/log"
	"gvisor.dev/dxgk/pkg/sync"
	"gvisor.dev/dxgk/pkg/vmbus"
)

// DefaultTeardownLogInterval is the minimum interval between two warnings
// about failures of the same host command during teardown.
const DefaultTeardownLogInterval = time.Second

// Options configures a Global.
type Options struct {
	// Handles configures the handle tables of every process.
	Handles hmgr.Options

	// HostTimeout bounds every host round trip. Zero means round trips are
	// only bounded by the caller's context and the transport.
	HostTimeout time.Duration

	// TeardownLogInterval rate limits warnings about host failures during
	// teardown, separately for each host command. Zero means
	// DefaultTeardownLogInterval.
	TeardownLogInterval time.Duration

	// Logger receives diagnostics of background work. Nil means the global
	// logger.
	Logger log.Logger
}

// Global is the registry of adapters and processes.
type Global struct {
	opts Options

	// ctx is used by background work such as notification handling.
	ctx context.Context

	// teardownLog reports best-effort host failures, keyed by host command.
	teardownLog *log.KeyedLimiter

	registryMu sync.RWMutex

	// adapters is ordered by LUID. Protected by registryMu.
	adapters *btree.BTreeG[*Adapter]

	// shutdown is set once Shutdown started. Protected by registryMu.
	shutdown bool

	// bindingMu guards bindings, see BindingToken.
	bindingMu sync.Mutex

	processesMu sync.Mutex
	processes   map[*Process]struct{}

	eventsMu  sync.Mutex
	events    map[uint64]*hostEvent
	nextEvent uint64

	// pinnedPages counts the pages pinned by allocations that are not
	// stopped.
	pinnedPages atomic.Int64

	// watchers tracks notification goroutines.
	watchers sync.WaitGroup
}

// NewGlobal returns an empty registry.
func NewGlobal(opts Options) *Global {
	if opts.Logger == nil {
		opts.Logger = log.Log()
	}
	if opts.TeardownLogInterval == 0 {
		opts.TeardownLogInterval = DefaultTeardownLogInterval
	}
	return &Global{
		opts:        opts,
		ctx:         context.WithLogger(context.Background(), opts.Logger),
		teardownLog: log.NewKeyedLimiter(opts.Logger, opts.TeardownLogInterval),
		adapters: btree.NewG(2, func(a, b *Adapter) bool {
			return a.luid.Less(b.luid)
		}),
		processes: make(map[*Process]struct{}),
		events:    make(map[uint64]*hostEvent),
	}
}

// hostContext bounds a host round trip.
func (g *Global) hostContext(ctx context.Context) (context.Context, func()) {
	if g.opts.HostTimeout > 0 {
		return context.WithTimeout(ctx, g.opts.HostTimeout)
	}
	return context.WithCancel(ctx)
}

// PinnedPages returns the number of pages pinned by live allocations.
func (g *Global) PinnedPages() int64 {
	return g.pinnedPages.Load()
}

// adapterLocked returns the adapter with luid, or nil.
func (g *Global) adapterLocked(rt RegistryToken, luid d3dkmt.LUID) *Adapter {
	a, _ := g.adapters.Get(&Adapter{luid: luid})
	return a
}

// getAdapter returns the adapter with luid with a reference held.
func (g *Global) getAdapter(u Unlocked, luid d3dkmt.LUID) (*Adapter, error) {
	var a *Adapter
	err := u.Registry(g, func(rt RegistryToken) error {
		a = g.adapterLocked(rt, luid)
		if a == nil || !a.TryIncRef() {
			return fmt.Errorf("adapter %v: %w", luid, dxgerr.ENOENT)
		}
		return nil
	})
	return a, err
}

// CreateAdapter registers a new adapter. If t is nil the adapter waits for
// its transport, see OfferChannel; otherwise it is started on t, which it
// then owns.
func (g *Global) CreateAdapter(ctx context.Context, luid d3dkmt.LUID, t vmbus.Transport) (*Adapter, error) {
	a := newAdapter(g, luid)
	u := NewUnlocked()
	if err := u.RegistryExclusive(g, func(rt RegistryToken) error {
		if g.shutdown {
			return dxgerr.ENODEV
		}
		if g.adapterLocked(rt, luid) != nil {
			return fmt.Errorf("adapter %v: %w", luid, dxgerr.EEXIST)
		}
		g.adapters.ReplaceOrInsert(a)
		return nil
	}); err != nil {
		a.decRef()
		if t != nil {
			t.Close()
		}
		return nil, err
	}
	ctx.Debugf("adapter %v created", luid)
	if t != nil {
		if err := a.start(ctx, t); err != nil {
			return a, err
		}
	}
	return a, nil
}

// OfferChannel starts the adapter with luid on t. The adapter owns t from
// then on, including when starting fails.
func (g *Global) OfferChannel(ctx context.Context, luid d3dkmt.LUID, t vmbus.Transport) error {
	a, err := g.getAdapter(NewUnlocked(), luid)
	if err != nil {
		t.Close()
		return err
	}
	defer a.decRef()
	return a.start(ctx, t)
}

// StopAdapter stops the adapter with luid: every device of every process
// bound to it is stopped, but nothing is freed until its owner closes it.
// Stopping is idempotent.
func (g *Global) StopAdapter(ctx context.Context, luid d3dkmt.LUID) error {
	a, err := g.getAdapter(NewUnlocked(), luid)
	if err != nil {
		return err
	}
	defer a.decRef()
	a.stop(ctx)
	return nil
}

// NotifyAdapterRemoved stops the adapter with luid and removes it from the
// registry.
func (g *Global) NotifyAdapterRemoved(ctx context.Context, luid d3dkmt.LUID) error {
	var a *Adapter
	if err := NewUnlocked().RegistryExclusive(g, func(rt RegistryToken) error {
		a = g.adapterLocked(rt, luid)
		if a == nil {
			return fmt.Errorf("adapter %v: %w", luid, dxgerr.ENOENT)
		}
		g.adapters.Delete(a)
		return nil
	}); err != nil {
		return err
	}
	ctx.Infof("adapter %v removed", luid)
	a.stop(ctx)
	a.decRef()
	return nil
}

// AdapterInfo describes an adapter opened by EnumAdapters.
type AdapterInfo struct {
	Handle d3dkmt.Handle
	LUID   d3dkmt.LUID
}

// Adapters returns the LUIDs and states of every registered adapter.
func (g *Global) Adapters() map[d3dkmt.LUID]AdapterState {
	states := make(map[d3dkmt.LUID]AdapterState)
	u := NewUnlocked()
	u.Registry(g, func(rt RegistryToken) error {
		var adapters []*Adapter
		g.adapters.Ascend(func(a *Adapter) bool {
			adapters = append(adapters, a)
			return true
		})
		for _, a := range adapters {
			rt.AdapterForTeardown(a, func(at AdapterToken) error {
				states[a.luid] = a.state
				return nil
			})
		}
		return nil
	})
	return states
}

// NewProcess registers a process.
func (g *Global) NewProcess(pid uint32) *Process {
	p := &Process{
		global:         g,
		pid:            pid,
		handles:        hmgr.New(g.opts.Handles),
		adapterHandles: hmgr.New(g.opts.Handles),
		bindings:       make(map[*Adapter]*ProcessAdapter),
	}
	leaf(NewUnlocked().s, processesClass, &g.processesMu, func() {
		g.processes[p] = struct{}{}
	})
	return p
}

// Shutdown exits every process and removes every adapter. It returns once
// all background work is done.
func (g *Global) Shutdown(ctx context.Context) {
	u := NewUnlocked()
	u.RegistryExclusive(g, func(RegistryToken) error {
		g.shutdown = true
		return nil
	})

	var processes []*Process
	leaf(u.s, processesClass, &g.processesMu, func() {
		for p := range g.processes {
			processes = append(processes, p)
		}
	})
	for _, p := range processes {
		p.Exit(ctx)
	}

	var adapters []*Adapter
	u.RegistryExclusive(g, func(RegistryToken) error {
		g.adapters.Ascend(func(a *Adapter) bool {
			adapters = append(adapters, a)
			return true
		})
		g.adapters.Clear(false)
		return nil
	})
	for _, a := range adapters {
		a.stop(ctx)
		a.decRef()
	}
	g.watchers.Wait()
	ctx.Debugf("shutdown complete")
}

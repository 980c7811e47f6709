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

package cmd

import (
	gocontext "context"
	"flag"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/subcommands"

	"gvisor.dev/dxgk/dxgsim/cmd/util"
	"gvisor.dev/dxgk/dxgsim/config"
	"gvisor.dev/dxgk/pkg/abi/d3dkmt"
	"gvisor.dev/dxgk/pkg/context"
	"gvisor.dev/dxgk/pkg/dxgkrnl"
	"gvisor.dev/dxgk/pkg/errors/dxgerr"
)

// scenario exercises one lifecycle path against a fresh driver instance.
type scenario struct {
	synopsis string
	run      func(ctx context.Context, e *env) error
}

var scenarios = map[string]scenario{
	"enum-adapters": {
		synopsis: "enumerate and open every adapter",
		run:      runEnumAdapters,
	},
	"close-allocation": {
		synopsis: "close an allocation that belongs to a resource, then the resource",
		run:      runCloseAllocation,
	},
	"stop-adapter": {
		synopsis: "stop an adapter used by two processes, then close what they hold",
		run:      runStopAdapter,
	},
	"wait-timeout": {
		synopsis: "wait for a fence value the host never reaches",
		run:      runWaitTimeout,
	},
}

func scenarioNames() []string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// runScenarios runs the named scenarios, each on its own driver instance.
func runScenarios(ctx context.Context, conf *config.Config, names []string) error {
	for _, name := range names {
		sc, ok := scenarios[name]
		if !ok {
			return fmt.Errorf("unknown scenario %q, want one of %s", name, strings.Join(scenarioNames(), ", "))
		}
		e, err := newEnv(ctx, conf)
		if err != nil {
			return err
		}
		err = sc.run(context.WithPrefix(ctx, "[%s] ", name), e)
		e.close(ctx)
		if err != nil {
			return fmt.Errorf("scenario %s: %w", name, err)
		}
		util.Infof("scenario %s: ok", name)
	}
	return nil
}

// Scenario implements subcommands.Command for the "scenario" command.
type Scenario struct {
	list bool
}

// Name implements subcommands.Command.Name.
func (*Scenario) Name() string {
	return "scenario"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scenario) Synopsis() string {
	return "run lifecycle scenarios against the driver"
}

// Usage implements subcommands.Command.Usage.
func (*Scenario) Usage() string {
	return `scenario [-list] [name...] - runs the named scenarios, or all of them.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Scenario) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&s.list, "list", false, "list the scenarios and exit.")
}

// Execute implements subcommands.Command.Execute.
func (s *Scenario) Execute(goctx gocontext.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if s.list {
		for _, name := range scenarioNames() {
			fmt.Printf("%-20s %s\n", name, scenarios[name].synopsis)
		}
		return subcommands.ExitSuccess
	}
	conf := args[0].(*config.Config)
	names := f.Args()
	if len(names) == 0 {
		names = scenarioNames()
	}
	if err := runScenarios(context.FromContext(goctx), conf, names); err != nil {
		return util.Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

func runEnumAdapters(ctx context.Context, e *env) error {
	p := e.global.NewProcess(1)
	defer p.Exit(ctx)

	_, count, err := p.EnumAdapters(ctx, 0)
	if err != nil {
		return fmt.Errorf("counting adapters: %w", err)
	}
	if count > 1 {
		if _, _, err := p.EnumAdapters(ctx, count-1); !dxgerr.Equals(dxgerr.EOVERFLOW, err) {
			return fmt.Errorf("EnumAdapters(%d) = %v, want EOVERFLOW", count-1, err)
		}
	}
	infos, count, err := p.EnumAdapters(ctx, count)
	if err != nil {
		return fmt.Errorf("EnumAdapters: %w", err)
	}
	if count != len(e.adapters) {
		return fmt.Errorf("EnumAdapters found %d adapters, want %d", count, len(e.adapters))
	}
	for _, info := range infos {
		ctx.Infof("adapter %v opened as %v", info.LUID, info.Handle)
		if err := p.CloseAdapter(ctx, info.Handle); err != nil {
			return fmt.Errorf("CloseAdapter(%v): %w", info.Handle, err)
		}
	}
	return nil
}

func runCloseAllocation(ctx context.Context, e *env) error {
	p := e.global.NewProcess(1)
	defer p.Exit(ctx)

	ah, err := p.OpenAdapterFromLUID(ctx, e.adapters[0])
	if err != nil {
		return err
	}
	dh, err := p.CreateDevice(ctx, ah)
	if err != nil {
		return err
	}
	res, err := p.CreateAllocations(ctx, dh, dxgkrnl.AllocationRequest{
		CreateResource: true,
		Allocations:    []dxgkrnl.AllocationDesc{{Pages: 4}, {Pages: 4}},
	})
	if err != nil {
		return err
	}
	pinned := e.global.PinnedPages()
	if err := p.DestroyAllocations(ctx, dh, d3dkmt.NullHandle, res.Allocations[:1]); err != nil {
		return fmt.Errorf("closing allocation %v of resource %v: %w", res.Allocations[0], res.Resource, err)
	}
	if got := e.global.PinnedPages(); got != pinned-4 {
		return fmt.Errorf("%d pages pinned after closing one allocation, want %d", got, pinned-4)
	}
	if err := p.DestroyAllocations(ctx, dh, res.Resource, nil); err != nil {
		return fmt.Errorf("closing resource %v: %w", res.Resource, err)
	}
	if err := p.DestroyAllocations(ctx, dh, d3dkmt.NullHandle, res.Allocations[1:]); !dxgerr.Equals(dxgerr.ENOENT, err) {
		return fmt.Errorf("closing an allocation of a closed resource = %v, want ENOENT", err)
	}
	return p.DestroyDevice(ctx, dh)
}

func runStopAdapter(ctx context.Context, e *env) error {
	luid := e.adapters[0]
	type held struct {
		p      *dxgkrnl.Process
		ah, dh d3dkmt.Handle
	}
	var procs []held
	for pid := uint32(1); pid <= 2; pid++ {
		p := e.global.NewProcess(pid)
		defer p.Exit(ctx)
		ah, err := p.OpenAdapterFromLUID(ctx, luid)
		if err != nil {
			return err
		}
		dh, err := p.CreateDevice(ctx, ah)
		if err != nil {
			return err
		}
		if _, err := p.CreateAllocations(ctx, dh, dxgkrnl.AllocationRequest{
			Allocations: []dxgkrnl.AllocationDesc{{Pages: 16}},
		}); err != nil {
			return err
		}
		procs = append(procs, held{p, ah, dh})
	}

	if err := e.global.StopAdapter(ctx, luid); err != nil {
		return fmt.Errorf("StopAdapter: %w", err)
	}
	if pinned := e.global.PinnedPages(); pinned != 0 {
		return fmt.Errorf("%d pages still pinned after the stop", pinned)
	}
	for _, h := range procs {
		if _, err := h.p.CreateDevice(ctx, h.ah); !dxgerr.Equals(dxgerr.ENODEV, err) {
			return fmt.Errorf("CreateDevice on a stopped adapter = %v, want ENODEV", err)
		}
		if err := h.p.DestroyDevice(ctx, h.dh); err != nil {
			return fmt.Errorf("DestroyDevice of a stopped device: %w", err)
		}
		if err := h.p.CloseAdapter(ctx, h.ah); err != nil {
			return fmt.Errorf("CloseAdapter of a stopped adapter: %w", err)
		}
	}
	if state := e.global.Adapters()[luid]; state != dxgkrnl.AdapterStopped {
		return fmt.Errorf("adapter %v is %v, want %v", luid, state, dxgkrnl.AdapterStopped)
	}
	return nil
}

func runWaitTimeout(ctx context.Context, e *env) error {
	p := e.global.NewProcess(1)
	defer p.Exit(ctx)

	ah, err := p.OpenAdapterFromLUID(ctx, e.adapters[0])
	if err != nil {
		return err
	}
	dh, err := p.CreateDevice(ctx, ah)
	if err != nil {
		return err
	}
	sh, err := p.CreateSyncObject(ctx, dh, d3dkmt.SyncObjectMonitoredFence)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := p.WaitSyncObjectCPU(wctx, dh, sh, 1); !dxgerr.Equals(dxgerr.ErrTimeout, err) {
		return fmt.Errorf("WaitSyncObjectCPU = %v, want ErrTimeout", err)
	}
	if n := e.global.PendingEvents(); n != 0 {
		return fmt.Errorf("%d host events pending after the wait", n)
	}
	return p.DestroyDevice(ctx, dh)
}

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
	"os"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"gvisor.dev/dxgk/dxgsim/cmd/util"
	"gvisor.dev/dxgk/dxgsim/config"
	"gvisor.dev/dxgk/pkg/abi/d3dkmt"
	"gvisor.dev/dxgk/pkg/context"
	"gvisor.dev/dxgk/pkg/dxgkrnl"
	"gvisor.dev/dxgk/pkg/errors/dxgerr"
	"gvisor.dev/dxgk/pkg/prometheus"
	"gvisor.dev/dxgk/pkg/refs"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers    int
	iterations int
	stopAfter  time.Duration
	metrics    bool
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "create and destroy driver objects from concurrent processes"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - runs concurrent processes that create and destroy devices, contexts, allocations and sync objects, optionally stopping an adapter while they run.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 0, "number of concurrent processes. 0 means --stress-workers.")
	f.IntVar(&s.iterations, "iterations", 0, "iterations per process. 0 means --stress-iterations.")
	f.DurationVar(&s.stopAfter, "stop-after", 0, "if set, stops the first adapter after this long.")
	f.BoolVar(&s.metrics, "metrics", false, "write metrics in Prometheus format to stdout when done.")
}

// stressStats counts the outcomes of a stress run.
type stressStats struct {
	ops     atomic.Uint64
	stopped atomic.Uint64
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(goctx gocontext.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	workers, iterations := s.workers, s.iterations
	if workers <= 0 {
		workers = conf.StressWorkers
	}
	if iterations <= 0 {
		iterations = conf.StressIterations
	}

	ctx := context.FromContext(goctx)
	e, err := newEnv(ctx, conf)
	if err != nil {
		return util.Errorf("%v", err)
	}

	if s.stopAfter > 0 {
		timer := time.AfterFunc(s.stopAfter, func() {
			luid := e.adapters[0]
			ctx.Infof("Stopping adapter %v", luid)
			if err := e.global.StopAdapter(ctx, luid); err != nil {
				ctx.Warningf("Stopping adapter %v: %v", luid, err)
			}
		})
		defer timer.Stop()
	}

	var stats stressStats
	stopProgress := func() {}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		done := make(chan struct{})
		finished := make(chan struct{})
		go func() {
			reportProgress(done, workers*iterations, &stats)
			close(finished)
		}()
		stopProgress = func() {
			close(done)
			<-finished
		}
	}
	start := time.Now()
	var eg errgroup.Group
	for w := 0; w < workers; w++ {
		pid := uint32(1000 + w)
		luid := e.adapters[w%len(e.adapters)]
		eg.Go(func() error {
			return stressProcess(context.WithPrefix(ctx, "[pid %d] ", pid), e.global, pid, luid, iterations, &stats)
		})
	}
	runErr := eg.Wait()
	stopProgress()
	e.close(ctx)
	elapsed := time.Since(start)

	util.Infof("%d processes, %d operations in %v, %d stopped by adapter stop", workers, stats.ops.Load(), elapsed, stats.stopped.Load())
	if runErr != nil {
		return util.Errorf("stress failed: %v", runErr)
	}
	if leaks := refs.LiveByType(); len(leaks) != 0 {
		return util.Errorf("objects still referenced after shutdown: %s", refs.FormatCounts(leaks))
	}
	if s.metrics {
		if _, err := prometheus.WriteRegistered(os.Stdout, prometheus.ExportOptions{
			CommentHeader: fmt.Sprintf("dxgsim stress, %d processes x %d iterations", workers, iterations),
			Namespace:     conf.MetricsNamespace,
		}); err != nil {
			return util.Errorf("writing metrics: %v", err)
		}
	}
	return subcommands.ExitSuccess
}

// reportProgress rewrites a progress line on stderr until done is closed.
func reportProgress(done <-chan struct{}, total int, stats *stressStats) {
	t := time.NewTicker(250 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-done:
			fmt.Fprint(os.Stderr, "\r\033[K")
			return
		case <-t.C:
			fmt.Fprintf(os.Stderr, "\r%d/%d iterations, %d stopped", stats.ops.Load(), total, stats.stopped.Load())
		}
	}
}

// stressProcess runs one simulated process: every iteration builds a device
// with a context, allocations and sync objects, then tears part of it down
// explicitly and leaves the rest to the device or the process exit.
func stressProcess(ctx context.Context, g *dxgkrnl.Global, pid uint32, luid d3dkmt.LUID, iterations int, stats *stressStats) error {
	p := g.NewProcess(pid)
	defer p.Exit(ctx)

	ah, err := p.OpenAdapterFromLUID(ctx, luid)
	if dxgerr.Equals(dxgerr.ENODEV, err) {
		stats.stopped.Add(1)
		return nil
	}
	if err != nil {
		return fmt.Errorf("pid %d: opening adapter %v: %w", pid, luid, err)
	}
	for i := 0; i < iterations; i++ {
		err := stressIteration(ctx, p, ah, i)
		stats.ops.Add(1)
		if dxgerr.Equals(dxgerr.ENODEV, err) {
			// The adapter was stopped under us; everything left is closed by
			// the process exit.
			stats.stopped.Add(1)
			return nil
		}
		if err != nil {
			return fmt.Errorf("pid %d iteration %d: %w", pid, i, err)
		}
	}
	return nil
}

func stressIteration(ctx context.Context, p *dxgkrnl.Process, ah d3dkmt.Handle, i int) error {
	dh, err := p.CreateDevice(ctx, ah)
	if err != nil {
		return err
	}
	ch, err := p.CreateContext(ctx, dh, uint32(i%4))
	if err != nil {
		return err
	}
	if _, err := p.CreateHWQueue(ctx, ch); err != nil {
		return err
	}
	res, err := p.CreateAllocations(ctx, dh, dxgkrnl.AllocationRequest{
		CreateResource: i%2 == 0,
		Allocations: []dxgkrnl.AllocationDesc{
			{Pages: 1 + i%8},
			{Pages: 2},
		},
	})
	if err != nil {
		return err
	}
	sh, err := p.CreateSyncObject(ctx, dh, d3dkmt.SyncObjectMonitoredFence)
	if err != nil {
		return err
	}

	switch i % 3 {
	case 0:
		// Explicit teardown, children first.
		if res.Resource.Valid() {
			err = p.DestroyAllocations(ctx, dh, res.Resource, nil)
		} else {
			err = p.DestroyAllocations(ctx, dh, d3dkmt.NullHandle, res.Allocations)
		}
		if err != nil {
			return err
		}
		if err := p.DestroySyncObject(ctx, sh); err != nil {
			return err
		}
		if err := p.DestroyContext(ctx, ch); err != nil {
			return err
		}
		return p.DestroyDevice(ctx, dh)
	case 1:
		// The device takes its children with it.
		return p.DestroyDevice(ctx, dh)
	default:
		// Left for the process exit.
		return nil
	}
}

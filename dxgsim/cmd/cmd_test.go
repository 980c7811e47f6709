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
	"flag"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"gvisor.dev/dxgk/dxgsim/config"
	"gvisor.dev/dxgk/pkg/context"
	"gvisor.dev/dxgk/pkg/dxgkrnl"
	"gvisor.dev/dxgk/pkg/hmgr"
)

func testConfig(t *testing.T, args ...string) *config.Config {
	t.Helper()
	f := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(f)
	if err := f.Parse(args); err != nil {
		t.Fatal(err)
	}
	conf, err := config.NewFromFlags(f)
	if err != nil {
		t.Fatal(err)
	}
	return conf
}

func TestScenarios(t *testing.T) {
	conf := testConfig(t, "--adapters=0x10,0x20,0x30")
	for _, name := range scenarioNames() {
		t.Run(name, func(t *testing.T) {
			if err := runScenarios(context.Background(), conf, []string{name}); err != nil {
				t.Error(err)
			}
		})
	}
	if err := runScenarios(context.Background(), conf, []string{"reboot"}); err == nil || !strings.Contains(err.Error(), "unknown scenario") {
		t.Errorf("runScenarios(reboot) = %v, want unknown scenario", err)
	}
}

func TestStress(t *testing.T) {
	for _, tc := range []struct {
		name      string
		stopAfter time.Duration
	}{
		{"run to completion", 0},
		{"stop midway", 5 * time.Millisecond},
	} {
		t.Run(tc.name, func(t *testing.T) {
			conf := testConfig(t, "--adapters=0x10,0x20", "--min-free-handles=8")
			ctx := context.Background()
			e, err := newEnv(ctx, conf)
			if err != nil {
				t.Fatal(err)
			}
			if tc.stopAfter > 0 {
				timer := time.AfterFunc(tc.stopAfter, func() {
					e.global.StopAdapter(ctx, e.adapters[0])
				})
				defer timer.Stop()
			}
			var stats stressStats
			var eg errgroup.Group
			for w := 0; w < 4; w++ {
				pid := uint32(100 + w)
				luid := e.adapters[w%len(e.adapters)]
				eg.Go(func() error {
					return stressProcess(ctx, e.global, pid, luid, 30, &stats)
				})
			}
			if err := eg.Wait(); err != nil {
				t.Fatal(err)
			}
			if got := e.global.PinnedPages(); got != 0 {
				t.Errorf("PinnedPages() = %d after every process exited", got)
			}
			// Host objects of stopped devices are released by the host.
			if tc.stopAfter == 0 {
				if n := e.host.Live(hmgr.EntryDevice); n != 0 {
					t.Errorf("host has %d devices after every process exited", n)
				}
			}
			e.close(ctx)
		})
	}
}

// TestStressCounts checks that explicit destruction leaves nothing behind
// even when the process does not exit.
func TestStressCounts(t *testing.T) {
	conf := testConfig(t)
	ctx := context.Background()
	e, err := newEnv(ctx, conf)
	if err != nil {
		t.Fatal(err)
	}
	defer e.close(ctx)

	devices := dxgkrnl.LiveObjects("device")
	p := e.global.NewProcess(1)
	ah, err := p.OpenAdapterFromLUID(ctx, e.adapters[0])
	if err != nil {
		t.Fatal(err)
	}
	// Iterations that are multiples of 3 tear everything down explicitly.
	for i := 0; i < 30; i += 3 {
		if err := stressIteration(ctx, p, ah, i); err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
	}
	if got := dxgkrnl.LiveObjects("device"); got != devices {
		t.Errorf("LiveObjects(device) = %d, want %d", got, devices)
	}
	if objects, _ := p.Handles(); objects != 0 {
		t.Errorf("Handles() = %d, want 0", objects)
	}
	p.Exit(ctx)
}

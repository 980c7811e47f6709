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
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"gvisor.dev/dxgk/dxgsim/cmd/util"
	"gvisor.dev/dxgk/dxgsim/config"
	"gvisor.dev/dxgk/pkg/hostsim"
	"gvisor.dev/dxgk/pkg/log"
)

// Host implements subcommands.Command for the "host" command.
type Host struct {
	removeAfter time.Duration
}

// Name implements subcommands.Command.Name.
func (*Host) Name() string {
	return "host"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Host) Synopsis() string {
	return "serve a simulated GPU host"
}

// Usage implements subcommands.Command.Usage.
func (*Host) Usage() string {
	return `host [flags] - serves the simulated adapters on --host-addr until interrupted.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (h *Host) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&h.removeAfter, "remove-after", 0, "if set, removes every adapter after this long, notifying the guests.")
}

// Execute implements subcommands.Command.Execute.
func (h *Host) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if conf.HostAddr == "" {
		return util.Errorf("--host-addr is required")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()

	if conf.HostNetwork == "unix" {
		// A stale socket from a previous run would make Listen fail.
		if err := os.Remove(conf.HostAddr); err != nil && !os.IsNotExist(err) {
			return util.Errorf("removing stale socket %q: %v", conf.HostAddr, err)
		}
	}
	ln, err := net.Listen(conf.HostNetwork, conf.HostAddr)
	if err != nil {
		return util.Errorf("listening on %s %q: %v", conf.HostNetwork, conf.HostAddr, err)
	}

	host := hostsim.New(hostsim.Options{Logger: log.Log()})
	for _, luid := range conf.Adapters {
		host.AddAdapter(luid)
	}
	if h.removeAfter > 0 {
		timer := time.AfterFunc(h.removeAfter, func() {
			for _, luid := range conf.Adapters {
				log.Infof("Removing adapter %v", luid)
				host.RemoveAdapter(luid)
			}
		})
		defer timer.Stop()
	}

	util.Infof("Serving adapters %v on %s %s", conf.Adapters, conf.HostNetwork, ln.Addr())
	if err := host.Listen(ctx, ln); err != nil {
		return util.Errorf("serving: %v", err)
	}
	log.Infof("Host stopped")
	return subcommands.ExitSuccess
}

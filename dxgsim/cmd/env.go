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

// Package cmd holds implementations of the dxgsim commands.
package cmd

import (
	"fmt"

	"gvisor.dev/dxgk/dxgsim/config"
	"gvisor.dev/dxgk/pkg/abi/d3dkmt"
	"gvisor.dev/dxgk/pkg/cleanup"
	"gvisor.dev/dxgk/pkg/context"
	"gvisor.dev/dxgk/pkg/dxgkrnl"
	"gvisor.dev/dxgk/pkg/hostsim"
	"gvisor.dev/dxgk/pkg/log"
	"gvisor.dev/dxgk/pkg/vmbus"
)

// env is a driver instance with its adapters started.
type env struct {
	global *dxgkrnl.Global

	// host is the in-process host, or nil if the host is remote.
	host *hostsim.Host

	adapters []d3dkmt.LUID
}

// newEnv creates a driver instance and starts every configured adapter,
// each on its own channel to the host.
func newEnv(ctx context.Context, conf *config.Config) (*env, error) {
	opts := conf.GlobalOptions()
	opts.Logger = log.Log()
	e := &env{
		global:   dxgkrnl.NewGlobal(opts),
		adapters: conf.Adapters,
	}
	cu := cleanup.Make(func() { e.close(ctx) })
	defer cu.Clean()

	chOpts := vmbus.Options{Timeout: conf.HostTimeout}
	if conf.HostAddr == "" {
		e.host = hostsim.New(hostsim.Options{})
		for _, luid := range conf.Adapters {
			e.host.AddAdapter(luid)
		}
	}
	for _, luid := range conf.Adapters {
		var (
			ch  *vmbus.Channel
			err error
		)
		if e.host != nil {
			ch, err = e.host.Connect(ctx, chOpts)
		} else {
			ch, err = vmbus.Dial(ctx, conf.HostNetwork, conf.HostAddr, chOpts)
		}
		if err != nil {
			return nil, fmt.Errorf("connecting adapter %v: %w", luid, err)
		}
		if _, err := e.global.CreateAdapter(ctx, luid, ch); err != nil {
			return nil, fmt.Errorf("creating adapter %v: %w", luid, err)
		}
		log.Infof("Adapter %v started, interface version %d", luid, ch.Version())
	}
	cu.Release()
	return e, nil
}

// close removes every adapter and process.
func (e *env) close(ctx context.Context) {
	e.global.Shutdown(ctx)
	if e.host != nil {
		e.host.Disconnect()
	}
}

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

// Package config provides basic infrastructure to set configuration settings
// for dxgsim. Settings come from command line flags and, optionally, from a
// TOML file; flags given on the command line win over the file.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gvisor.dev/dxgk/pkg/abi/d3dkmt"
	"gvisor.dev/dxgk/pkg/dxgkrnl"
	"gvisor.dev/dxgk/pkg/hmgr"
	"gvisor.dev/dxgk/pkg/log"
	"gvisor.dev/dxgk/pkg/refs"
)

// Config holds configuration that is not part of a subcommand's own flags.
type Config struct {
	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format: text, json or logfmt.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr"`

	// ReferenceLeak sets the reference leak check mode.
	ReferenceLeak refs.LeakMode `flag:"ref-leak-mode" toml:"ref_leak_mode"`

	// MinFreeHandles is the number of free handle table entries kept before
	// a freed entry is reused.
	MinFreeHandles int `flag:"min-free-handles" toml:"min_free_handles"`

	// MaxHandles caps the size of every handle table. Zero means the
	// largest size the handle layout can address.
	MaxHandles int `flag:"max-handles" toml:"max_handles"`

	// HostTimeout bounds every host round trip.
	HostTimeout time.Duration `flag:"host-timeout" toml:"host_timeout"`

	// HostNetwork and HostAddr name the endpoint of an out of process host.
	// An empty HostAddr means an in-process simulated host.
	HostNetwork string `flag:"host-network" toml:"host_network"`
	HostAddr    string `flag:"host-addr" toml:"host_addr"`

	// Adapters lists the LUIDs of the simulated adapters.
	Adapters LUIDList `flag:"adapters" toml:"adapters"`

	// StressWorkers is the default number of concurrent stress workers.
	StressWorkers int `flag:"stress-workers" toml:"stress_workers"`

	// StressIterations is the default number of iterations per worker.
	StressIterations int `flag:"stress-iterations" toml:"stress_iterations"`

	// MetricsNamespace prefixes exported Prometheus metric names.
	MetricsNamespace string `flag:"metrics-namespace" toml:"metrics_namespace"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "logfmt":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json' or 'logfmt'", c.LogFormat)
	}
	if c.MinFreeHandles < 0 {
		return fmt.Errorf("min-free-handles must not be negative, got %d", c.MinFreeHandles)
	}
	if c.MaxHandles < 0 || c.MaxHandles > hmgr.MaxIndex+1 {
		return fmt.Errorf("max-handles must be in [0, %d], got %d", hmgr.MaxIndex+1, c.MaxHandles)
	}
	if c.HostTimeout < 0 {
		return fmt.Errorf("host-timeout must not be negative, got %v", c.HostTimeout)
	}
	if len(c.Adapters) == 0 {
		return fmt.Errorf("at least one adapter is required")
	}
	seen := make(map[d3dkmt.LUID]struct{})
	for _, luid := range c.Adapters {
		if _, ok := seen[luid]; ok {
			return fmt.Errorf("adapter %v listed twice", luid)
		}
		seen[luid] = struct{}{}
	}
	if c.StressWorkers <= 0 || c.StressIterations <= 0 {
		return fmt.Errorf("stress-workers and stress-iterations must be positive")
	}
	return nil
}

// GlobalOptions returns the driver options c describes.
func (c *Config) GlobalOptions() dxgkrnl.Options {
	return dxgkrnl.Options{
		Handles: hmgr.Options{
			MinFreeEntries: c.MinFreeHandles,
			MaxEntries:     c.MaxHandles,
		},
		HostTimeout: c.HostTimeout,
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.Debug: %t", c.Debug)
	log.Infof("Config.LogFormat: %s", c.LogFormat)
	log.Infof("Config.ReferenceLeak: %v", c.ReferenceLeak)
	log.Infof("Config.Handles: min free %d, max %d", c.MinFreeHandles, c.MaxHandles)
	log.Infof("Config.HostTimeout: %v", c.HostTimeout)
	if c.HostAddr == "" {
		log.Infof("Config.Host: in-process")
	} else {
		log.Infof("Config.Host: %s %s", c.HostNetwork, c.HostAddr)
	}
	log.Infof("Config.Adapters: %v", c.Adapters)
}

// LUIDList is a list of adapter LUIDs, written as comma separated integers.
type LUIDList []d3dkmt.LUID

// Set implements flag.Value.
func (l *LUIDList) Set(v string) error {
	var luids LUIDList
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		n, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid adapter LUID %q: %w", s, err)
		}
		luids = append(luids, d3dkmt.LUIDFromUint64(n))
	}
	*l = luids
	return nil
}

// Get implements flag.Getter.
func (l *LUIDList) Get() any {
	return *l
}

// String implements flag.Value.
func (l *LUIDList) String() string {
	s := make([]string, 0, len(*l))
	for _, luid := range *l {
		s = append(s, fmt.Sprintf("%#x", luid.Uint64()))
	}
	return strings.Join(s, ",")
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *LUIDList) UnmarshalText(b []byte) error {
	return l.Set(string(b))
}

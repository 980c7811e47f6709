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
	"strings"

	"github.com/google/subcommands"

	"gvisor.dev/dxgk/dxgsim/cmd/util"
	"gvisor.dev/dxgk/dxgsim/config"
	"gvisor.dev/dxgk/pkg/context"
	"gvisor.dev/dxgk/pkg/prometheus"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	timestamps bool
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "run scenarios and export the driver metrics"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [-timestamps] [scenario...] - runs the named scenarios, or none, then prints the driver metrics in Prometheus format.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&m.timestamps, "timestamps", false, "attach the export time to every sample.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(goctx gocontext.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if err := runScenarios(context.FromContext(goctx), conf, f.Args()); err != nil {
		return util.Errorf("%v", err)
	}
	header := "dxgsim metrics"
	if f.NArg() > 0 {
		header = fmt.Sprintf("dxgsim metrics after scenarios %s", strings.Join(f.Args(), ", "))
	}
	written, err := prometheus.WriteRegistered(os.Stdout, prometheus.ExportOptions{
		CommentHeader: header,
		Namespace:     conf.MetricsNamespace,
		Timestamps:    m.timestamps,
	})
	if err != nil {
		return util.Errorf("writing metrics to stdout: %v", err)
	}
	context.FromContext(goctx).Debugf("Wrote %d bytes of Prometheus metric data to stdout", written)
	return subcommands.ExitSuccess
}

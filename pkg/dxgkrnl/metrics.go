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
	"gvisor.dev/dxgk/pkg/abi/d3dkmt"
	"gvisor.dev/dxgk/pkg/errors/dxgerr"
	"gvisor.dev/dxgk/pkg/metric"
)

// Object kinds, as reported by the census metrics.
const (
	kindAdapter    = "adapter"
	kindBinding    = "binding"
	kindDevice     = "device"
	kindContext    = "context"
	kindHWQueue    = "hwqueue"
	kindResource   = "resource"
	kindAllocation = "allocation"
	kindSyncObject = "syncobject"
)

var objectKinds = []string{
	kindAdapter,
	kindBinding,
	kindDevice,
	kindContext,
	kindHWQueue,
	kindResource,
	kindAllocation,
	kindSyncObject,
}

func commandNames() []string {
	cmds := d3dkmt.AllCommands()
	names := make([]string, 0, len(cmds))
	for _, c := range cmds {
		names = append(names, c.String())
	}
	return names
}

var (
	objectsCreated = metric.MustCreateNewUint64Metric("/dxgk/objects_created",
		"Number of driver objects created, by kind.",
		metric.NewField("kind", objectKinds))

	objectsDestroyed = metric.MustCreateNewUint64Metric("/dxgk/objects_destroyed",
		"Number of driver objects freed, by kind.",
		metric.NewField("kind", objectKinds))

	hostErrors = metric.MustCreateNewUint64Metric("/dxgk/host_errors",
		"Number of host requests that failed or were rejected, by command.",
		metric.NewField("op", commandNames()))

	adapterStops = metric.MustCreateNewUint64Metric("/dxgk/adapter_stops",
		"Number of adapters stopped.")
)

func init() {
	metric.MustRegisterGauge("/dxgk/live_objects",
		"Number of driver objects not yet freed, by kind.",
		func(fields ...string) uint64 {
			// Read destroyed first so that a concurrent free never makes the
			// difference negative.
			destroyed := objectsDestroyed.Value(fields...)
			return objectsCreated.Value(fields...) - destroyed
		},
		metric.NewField("kind", objectKinds))
}

// LiveObjects returns the number of objects of kind not yet freed, across
// every Global.
func LiveObjects(kind string) uint64 {
	destroyed := objectsDestroyed.Value(kind)
	return objectsCreated.Value(kind) - destroyed
}

// countHostError records a failed host request.
func countHostError(cmd d3dkmt.Command, err error) {
	if !cmd.Valid() {
		return
	}
	if dxgerr.IsHostError(err) || dxgerr.IsChannelError(err) {
		hostErrors.Increment(cmd.String())
	}
}

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

package refs

import (
	"fmt"
	"sort"
	"strings"

	"gvisor.dev/dxgk/pkg/log"
	"gvisor.dev/dxgk/pkg/sync"
)

// CheckedObject represents a reference-counted object with an informative
// leak detection message.
type CheckedObject interface {
	// RefType is the type of the reference-counted object.
	RefType() string

	// LeakMessage supplies a warning to be printed upon leak detection.
	LeakMessage() string

	// LogRefs indicates whether reference-related events should be logged.
	LogRefs() bool
}

// live is the census of reference-counted objects registered while leak
// checking is enabled, grouped by RefType. Objects leave it when destroyed.
var live = struct {
	mu     sync.Mutex
	byType map[string]map[CheckedObject]struct{}
}{byType: make(map[string]map[CheckedObject]struct{})}

// LeakCheckEnabled returns whether leak checking is enabled. The following
// functions should only be called if it returns true.
func LeakCheckEnabled() bool {
	return GetLeakMode() != NoLeakChecking
}

// Register adds obj to the census.
func Register(obj CheckedObject) {
	if !LeakCheckEnabled() {
		return
	}
	typ := obj.RefType()
	live.mu.Lock()
	objs, ok := live.byType[typ]
	if !ok {
		objs = make(map[CheckedObject]struct{})
		live.byType[typ] = objs
	}
	if _, ok := objs[obj]; ok {
		live.mu.Unlock()
		panic(fmt.Sprintf("%s %p registered twice for leak checking", typ, obj))
	}
	objs[obj] = struct{}{}
	live.mu.Unlock()
	logRefEvent(obj, "registered")
}

// Unregister removes obj from the census.
func Unregister(obj CheckedObject) {
	if !LeakCheckEnabled() {
		return
	}
	typ := obj.RefType()
	live.mu.Lock()
	objs := live.byType[typ]
	if _, ok := objs[obj]; !ok {
		live.mu.Unlock()
		panic(fmt.Sprintf("%s %p destroyed but never registered for leak checking", typ, obj))
	}
	delete(objs, obj)
	if len(objs) == 0 {
		delete(live.byType, typ)
	}
	live.mu.Unlock()
	logRefEvent(obj, "unregistered")
}

// logRefEvent logs event with the current stack if obj asks for it.
func logRefEvent(obj CheckedObject, event string) {
	if LeakCheckEnabled() && obj.LogRefs() {
		log.Infof("[%s %p] %s:\n%s", obj.RefType(), obj, event, FormatStack(RecordStack()))
	}
}

// LiveCount returns the number of registered objects that have not been
// destroyed. It is always zero when leak checking is disabled.
func LiveCount() int {
	live.mu.Lock()
	defer live.mu.Unlock()
	n := 0
	for _, objs := range live.byType {
		n += len(objs)
	}
	return n
}

// LiveByType returns the number of live registered objects of each type. It
// is empty when leak checking is disabled.
func LiveByType() map[string]int {
	live.mu.Lock()
	defer live.mu.Unlock()
	counts := make(map[string]int, len(live.byType))
	for typ, objs := range live.byType {
		counts[typ] = len(objs)
	}
	return counts
}

// FormatCounts renders counts as "2 pkg.A, 1 pkg.B", sorted by type.
func FormatCounts(counts map[string]int) string {
	types := make([]string, 0, len(counts))
	for typ := range counts {
		types = append(types, typ)
	}
	sort.Strings(types)
	parts := make([]string, len(types))
	for i, typ := range types {
		parts[i] = fmt.Sprintf("%d %s", counts[typ], typ)
	}
	return strings.Join(parts, ", ")
}

// checkOnce makes sure that leak checking is only done once. DoLeakCheck is
// called from multiple places (which may overlap) to cover different exit
// paths.
var checkOnce sync.Once

// DoLeakCheck reports every object still in the census. It should be called
// when no reference-counted objects are reachable anymore, e.g. after the
// driver has been shut down, at which point anything left is a leak. Only
// the first call checks.
func DoLeakCheck() {
	if LeakCheckEnabled() {
		checkOnce.Do(doLeakCheck)
	}
}

// DoRepeatedLeakCheck is the same as DoLeakCheck except that it can be called
// multiple times by the caller to incrementally perform leak checking.
func DoRepeatedLeakCheck() {
	if LeakCheckEnabled() {
		doLeakCheck()
	}
}

func doLeakCheck() {
	counts := LiveByType()
	if len(counts) == 0 {
		return
	}
	var b strings.Builder
	total := 0
	for _, n := range counts {
		total += n
	}
	fmt.Fprintf(&b, "Leak checking detected %d leaked objects (%s):\n", total, FormatCounts(counts))

	live.mu.Lock()
	var msgs []string
	for _, objs := range live.byType {
		for obj := range objs {
			msgs = append(msgs, obj.LeakMessage())
		}
	}
	live.mu.Unlock()
	sort.Strings(msgs)
	for _, m := range msgs {
		b.WriteString(m)
		b.WriteByte('\n')
	}

	if GetLeakMode() == LeaksPanic {
		panic(b.String())
	}
	log.Warningf("%s", b.String())
}

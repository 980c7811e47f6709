// Copyright 2018 The gVisor Authors.
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

package metric

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func reset() {
	registryMu.Lock()
	registry = make(map[string]*metadata)
	registryMu.Unlock()
}

const (
	fooDescription = "Foo!"
	barDescription = "Bar Baz"
)

func TestRegister(t *testing.T) {
	defer reset()

	if _, err := NewUint64Metric("/foo", fooDescription); err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	if _, err := NewUint64Metric("/foo", barDescription); err != ErrNameInUse {
		t.Errorf("duplicate NewUint64Metric got err %v want %v", err, ErrNameInUse)
	}
	if _, err := NewUint64Metric("foo", fooDescription); err != ErrInvalidName {
		t.Errorf("NewUint64Metric(%q) got err %v want %v", "foo", err, ErrInvalidName)
	}
	if _, err := NewUint64Metric("/empty", fooDescription, NewField("kind", nil)); err != ErrFieldHasNoAllowedValues {
		t.Errorf("NewUint64Metric with empty field got err %v want %v", err, ErrFieldHasNoAllowedValues)
	}
}

func TestMustCreatePanics(t *testing.T) {
	defer reset()

	MustCreateNewUint64Metric("/foo", fooDescription)
	defer func() {
		if recover() == nil {
			t.Errorf("MustCreateNewUint64Metric with a duplicate name did not panic")
		}
	}()
	MustCreateNewUint64Metric("/foo", fooDescription)
}

func TestFieldMapperRoundTrip(t *testing.T) {
	m, err := newFieldMapper(
		NewField("kind", []string{"device", "context", "allocation"}),
		NewField("op", []string{"create", "destroy"}),
	)
	if err != nil {
		t.Fatalf("newFieldMapper: %v", err)
	}
	seen := make(map[int]bool)
	for _, kind := range []string{"device", "context", "allocation"} {
		for _, op := range []string{"create", "destroy"} {
			key := m.lookup(kind, op)
			if seen[key] {
				t.Errorf("key %d for (%s, %s) used twice", key, kind, op)
			}
			seen[key] = true
			if diff := cmp.Diff([]string{kind, op}, m.keyToMultiField(key)); diff != "" {
				t.Errorf("keyToMultiField(%d) mismatch (-want +got):\n%s", key, diff)
			}
		}
	}
}

func TestIncrement(t *testing.T) {
	defer reset()

	m := MustCreateNewUint64Metric("/dxgk/objects", fooDescription, NewField("kind", []string{"device", "context"}))
	m.Increment("device")
	m.IncrementBy(3, "context")
	m.Increment("context")
	if got := m.Value("device"); got != 1 {
		t.Errorf("Value(device) = %d, want 1", got)
	}
	if got := m.Value("context"); got != 4 {
		t.Errorf("Value(context) = %d, want 4", got)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("Increment with a disallowed field value did not panic")
		}
	}()
	m.Increment("fence")
}

func TestSnapshot(t *testing.T) {
	defer reset()

	foo := MustCreateNewUint64Metric("/foo", fooDescription, NewField("kind", []string{"a", "b"}))
	live := uint64(7)
	MustRegisterGauge("/bar", barDescription, func(...string) uint64 { return live })
	foo.Increment("b")

	want := []MetricSnapshot{
		{
			Name:        "/bar",
			Description: barDescription,
			Kind:        Gauge,
			Samples:     []Sample{{Value: 7}},
		},
		{
			Name:        "/foo",
			Description: fooDescription,
			Kind:        Cumulative,
			Samples: []Sample{
				{Fields: map[string]string{"kind": "a"}, Value: 0},
				{Fields: map[string]string{"kind": "b"}, Value: 1},
			},
		},
	}
	if diff := cmp.Diff(want, Snapshot()); diff != "" {
		t.Errorf("Snapshot mismatch (-want +got):\n%s", diff)
	}
}

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

// Package metric provides primitives for collecting metrics.
//
// Metrics are registered at init time and read back as a Snapshot, which the
// prometheus package renders for export.
package metric

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"sync/atomic"

	"gvisor.dev/dxgk/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name is not of the form
	// /component/name.
	ErrInvalidName = errors.New("metric name must be of the form /component/name")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

var nameRegexp = regexp.MustCompile(`^(/[a-z][a-z0-9_]*)+$`)

// Kind distinguishes counters from gauges.
type Kind int

// Metric kinds.
const (
	// Cumulative metrics only ever increase.
	Cumulative Kind = iota

	// Gauge metrics report an instantaneous value.
	Gauge
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues []string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// Name returns the field name.
func (f Field) Name() string {
	return f.name
}

// fieldMapper provides multi-dimensional fields to a single unique integer key
type fieldMapper struct {
	// fields is a list of Field objects, which importantly include individual
	// Field names which are used to perform the keyToMultiField function; and
	// allowedValues for each field type which are used to perform the lookup
	// function.
	fields []Field

	// numFieldCombinations is the number of unique keys for all possible field
	// combinations.
	numFieldCombinations int
}

// newFieldMapper returns a new fieldMapper for the given set of fields.
func newFieldMapper(fields ...Field) (fieldMapper, error) {
	numFieldCombinations := 1
	for _, f := range fields {
		// Disallow fields with no possible values. We could also ignore them
		// instead, but passing in a no-allowed-values field is probably a mistake.
		if len(f.allowedValues) == 0 {
			return fieldMapper{nil, 0}, ErrFieldHasNoAllowedValues
		}
		numFieldCombinations *= len(f.allowedValues)

		// Sanity check, could be useful in case someone dynamically generates too
		// many fields accidentally.
		if numFieldCombinations > math.MaxUint32 || numFieldCombinations < 0 {
			return fieldMapper{nil, 0}, ErrTooManyFieldCombinations
		}
	}

	return fieldMapper{
		fields:               fields,
		numFieldCombinations: numFieldCombinations,
	}, nil
}

// lookup looks up a key within the fieldMapper.
// This *must* be called with the correct number of fields, or it will panic.
func (m fieldMapper) lookup(fields ...string) int {
	if len(fields) != len(m.fields) {
		panic("invalid field lookup depth")
	}
	idx := 0
	remainingCombinationBucket := m.numFieldCombinations

IdxLookup:
	for i, val := range fields {
		for valIdx, allowedVal := range m.fields[i].allowedValues {
			if val == allowedVal {
				remainingCombinationBucket /= len(m.fields[i].allowedValues)
				idx += remainingCombinationBucket * valIdx
				continue IdxLookup
			}
		}

		panic(fmt.Sprintf("disallowed value %q for field %q", val, m.fields[i].name))
	}

	return idx
}

// keyToMultiField is the reverse of lookup. The returned list of field values
// corresponds to the same order of fields that were passed in to
// newFieldMapper.
func (m fieldMapper) keyToMultiField(key int) []string {
	if len(m.fields) == 0 && key == 0 {
		return nil
	}
	depth := len(m.fields)
	fields := make([]string, depth)
	remainingCombinationBucket := m.numFieldCombinations
	for i := 0; i < depth; i++ {
		remainingCombinationBucket /= len(m.fields[i].allowedValues)
		fields[i] = m.fields[i].allowedValues[key/remainingCombinationBucket]
		key = key % remainingCombinationBucket
	}
	return fields
}

// metadata describes a registered metric.
type metadata struct {
	name        string
	description string
	kind        Kind
	mapper      fieldMapper

	// value returns the current value of the metric for the key of a field
	// combination.
	value func(key int) uint64
}

var (
	// registryMu protects registry.
	registryMu sync.Mutex

	// registry is the set of all registered metrics, by name.
	registry = make(map[string]*metadata)
)

func register(md *metadata) error {
	if !nameRegexp.MatchString(md.name) {
		return ErrInvalidName
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[md.name]; ok {
		return ErrNameInUse
	}
	registry[md.name] = md
	return nil
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored, broken down by a fixed set of fields.
type Uint64Metric struct {
	fieldMapper

	// fields is the map of field-value combination index keys to Uint64
	// counters.
	fields []atomic.Uint64
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name string, description string, fields ...Field) (*Uint64Metric, error) {
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		fieldMapper: f,
		fields:      make([]atomic.Uint64, f.numFieldCombinations),
	}
	md := &metadata{
		name:        name,
		description: description,
		kind:        Cumulative,
		mapper:      f,
		value:       func(key int) uint64 { return m.fields[key].Load() },
	}
	return m, register(md)
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name string, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.fields[m.lookup(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.fields[m.lookup(fieldValues...)].Add(1)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.fields[m.lookup(fieldValues...)].Add(v)
}

// RegisterGauge registers a gauge whose value is computed by value on every
// snapshot.
func RegisterGauge(name string, description string, value func(fieldValues ...string) uint64, fields ...Field) error {
	f, err := newFieldMapper(fields...)
	if err != nil {
		return err
	}
	return register(&metadata{
		name:        name,
		description: description,
		kind:        Gauge,
		mapper:      f,
		value:       func(key int) uint64 { return value(f.keyToMultiField(key)...) },
	})
}

// MustRegisterGauge calls RegisterGauge and panics if it returns an error.
func MustRegisterGauge(name string, description string, value func(fieldValues ...string) uint64, fields ...Field) {
	if err := RegisterGauge(name, description, value, fields...); err != nil {
		panic(fmt.Sprintf("Unable to register gauge %q: %s", name, err))
	}
}

// Sample is the value of a metric for one field combination.
type Sample struct {
	// Fields maps field names to values.
	Fields map[string]string
	Value  uint64
}

// MetricSnapshot is the state of one metric.
type MetricSnapshot struct {
	Name        string
	Description string
	Kind        Kind
	Samples     []Sample
}

// Snapshot returns the current value of every registered metric, sorted by
// name.
func Snapshot() []MetricSnapshot {
	registryMu.Lock()
	mds := make([]*metadata, 0, len(registry))
	for _, md := range registry {
		mds = append(mds, md)
	}
	registryMu.Unlock()
	sort.Slice(mds, func(i, j int) bool { return mds[i].name < mds[j].name })

	snaps := make([]MetricSnapshot, 0, len(mds))
	for _, md := range mds {
		s := MetricSnapshot{Name: md.name, Description: md.description, Kind: md.kind}
		for key := 0; key < md.mapper.numFieldCombinations; key++ {
			sample := Sample{Value: md.value(key)}
			if vals := md.mapper.keyToMultiField(key); len(vals) > 0 {
				sample.Fields = make(map[string]string, len(vals))
				for i, v := range vals {
					sample.Fields[md.mapper.fields[i].name] = v
				}
			}
			s.Samples = append(s.Samples, sample)
		}
		snaps = append(snaps, s)
	}
	return snaps
}

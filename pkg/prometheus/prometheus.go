// Copyright 2022 The gVisor Authors.
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

// Package prometheus exports metric snapshots in the Prometheus text format,
// documented at:
// https://prometheus.io/docs/instrumenting/exposition_formats/
package prometheus

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"gvisor.dev/dxgk/pkg/metric"
)

// timeNow is the time.Now() function. Can be mocked in tests.
var timeNow = time.Now

// ExportOptions contains options that apply to a whole export.
type ExportOptions struct {
	// CommentHeader is prepended as a comment before any metric data is
	// exported.
	CommentHeader string

	// Namespace is prepended to every metric name, followed by an
	// underscore.
	Namespace string

	// ExtraLabels is added to every sample.
	ExtraLabels map[string]string

	// Timestamps adds the export time to every sample.
	Timestamps bool
}

// Name converts a metric path such as /dxgk/objects_created to a Prometheus
// metric name.
func Name(namespace, path string) string {
	name := strings.ReplaceAll(strings.TrimPrefix(path, "/"), "/", "_")
	if namespace != "" {
		name = namespace + "_" + name
	}
	return name
}

// Families converts metric snapshots to Prometheus metric families. Labels
// are emitted in name order.
func Families(snaps []metric.MetricSnapshot, options ExportOptions) []*dto.MetricFamily {
	var ts *int64
	if options.Timestamps {
		ts = proto.Int64(timeNow().UnixMilli())
	}
	families := make([]*dto.MetricFamily, 0, len(snaps))
	for _, s := range snaps {
		mf := &dto.MetricFamily{
			Name: proto.String(Name(options.Namespace, s.Name)),
			Help: proto.String(s.Description),
		}
		switch s.Kind {
		case metric.Gauge:
			mf.Type = dto.MetricType_GAUGE.Enum()
		default:
			mf.Type = dto.MetricType_COUNTER.Enum()
		}
		for _, sample := range s.Samples {
			m := &dto.Metric{
				Label:       labelPairs(sample.Fields, options.ExtraLabels),
				TimestampMs: ts,
			}
			v := float64(sample.Value)
			if s.Kind == metric.Gauge {
				m.Gauge = &dto.Gauge{Value: proto.Float64(v)}
			} else {
				m.Counter = &dto.Counter{Value: proto.Float64(v)}
			}
			mf.Metric = append(mf.Metric, m)
		}
		families = append(families, mf)
	}
	return families
}

func labelPairs(labels ...map[string]string) []*dto.LabelPair {
	merged := make(map[string]string)
	for _, l := range labels {
		for k, v := range l {
			merged[k] = v
		}
	}
	names := make([]string, 0, len(merged))
	for k := range merged {
		names = append(names, k)
	}
	sort.Strings(names)
	pairs := make([]*dto.LabelPair, 0, len(names))
	for _, k := range names {
		pairs = append(pairs, &dto.LabelPair{Name: proto.String(k), Value: proto.String(merged[k])})
	}
	return pairs
}

// countingWriter implements io.Writer, and counts the number of bytes
// written to it.
type countingWriter struct {
	w       io.Writer
	written int
}

// Write implements io.Writer.Write.
func (w *countingWriter) Write(b []byte) (int, error) {
	written, err := w.w.Write(b)
	w.written += written
	return written, err
}

// Write writes the given snapshots to w in Prometheus text format. It returns
// the number of bytes written.
func Write(w io.Writer, options ExportOptions, snaps []metric.MetricSnapshot) (int, error) {
	cw := &countingWriter{w: w}
	if options.CommentHeader != "" {
		for _, commentLine := range strings.Split(options.CommentHeader, "\n") {
			if _, err := fmt.Fprintf(cw, "# %s\n", commentLine); err != nil {
				return cw.written, err
			}
		}
	}
	for _, mf := range Families(snaps, options) {
		if _, err := expfmt.MetricFamilyToText(cw, mf); err != nil {
			return cw.written, fmt.Errorf("writing metric %q: %w", mf.GetName(), err)
		}
	}
	return cw.written, nil
}

// WriteRegistered writes a snapshot of every registered metric.
func WriteRegistered(w io.Writer, options ExportOptions) (int, error) {
	return Write(w, options, metric.Snapshot())
}

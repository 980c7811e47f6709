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

package prometheus

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/common/expfmt"

	"gvisor.dev/dxgk/pkg/metric"
)

var testSnapshot = []metric.MetricSnapshot{
	{
		Name:        "/dxgk/objects_created",
		Description: "Objects created.",
		Kind:        metric.Cumulative,
		Samples: []metric.Sample{
			{Fields: map[string]string{"kind": "device"}, Value: 3},
			{Fields: map[string]string{"kind": "context"}, Value: 5},
		},
	},
	{
		Name:        "/dxgk/adapters",
		Description: "Active adapters.",
		Kind:        metric.Gauge,
		Samples:     []metric.Sample{{Value: 2}},
	},
}

func TestName(t *testing.T) {
	for _, test := range []struct {
		namespace, path, want string
	}{
		{"", "/dxgk/objects_created", "dxgk_objects_created"},
		{"guest", "/dxgk/adapter_stops", "guest_dxgk_adapter_stops"},
	} {
		if got := Name(test.namespace, test.path); got != test.want {
			t.Errorf("Name(%q, %q) = %q, want %q", test.namespace, test.path, got, test.want)
		}
	}
}

func TestWriteParses(t *testing.T) {
	var buf bytes.Buffer
	n, err := Write(&buf, ExportOptions{
		CommentHeader: "dxgk metrics\nsecond line",
		ExtraLabels:   map[string]string{"sandbox": "test"},
	}, testSnapshot)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != buf.Len() {
		t.Errorf("Write returned %d bytes, buffer holds %d", n, buf.Len())
	}
	if !strings.HasPrefix(buf.String(), "# dxgk metrics\n# second line\n") {
		t.Errorf("missing comment header in:\n%s", buf.String())
	}

	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("TextToMetricFamilies: %v", err)
	}
	got := make(map[string]float64)
	for name, mf := range parsed {
		for _, m := range mf.GetMetric() {
			key := name
			for _, l := range m.GetLabel() {
				key += "," + l.GetName() + "=" + l.GetValue()
			}
			if c := m.GetCounter(); c != nil {
				got[key] = c.GetValue()
			} else {
				got[key] = m.GetGauge().GetValue()
			}
		}
	}
	want := map[string]float64{
		"dxgk_objects_created,kind=device,sandbox=test":  3,
		"dxgk_objects_created,kind=context,sandbox=test": 5,
		"dxgk_adapters,sandbox=test":                     2,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parsed metrics mismatch (-want +got):\n%s", diff)
	}
}

func TestTimestamps(t *testing.T) {
	defer func(f func() time.Time) { timeNow = f }(timeNow)
	timeNow = func() time.Time { return time.UnixMilli(1234) }

	for _, mf := range Families(testSnapshot, ExportOptions{Timestamps: true}) {
		for _, m := range mf.GetMetric() {
			if got := m.GetTimestampMs(); got != 1234 {
				t.Errorf("%s: timestamp %d, want 1234", mf.GetName(), got)
			}
		}
	}
}

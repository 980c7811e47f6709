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

package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gvisor.dev/dxgk/pkg/log"
)

func TestNewEmitter(t *testing.T) {
	for _, tc := range []struct {
		format string
		want   string
	}{
		{"text", "adapter 0x10 started"},
		{"logfmt", `msg="adapter 0x10 started"`},
	} {
		var buf bytes.Buffer
		newEmitter(tc.format, &buf).Emit(0, log.Info, time.Now(), "adapter %#x started", 0x10)
		if !strings.Contains(buf.String(), tc.want) {
			t.Errorf("%s emitter wrote %q, want it to contain %q", tc.format, buf.String(), tc.want)
		}
	}
}

func TestJSONEmitterComponent(t *testing.T) {
	var buf bytes.Buffer
	newEmitter("json", &buf).Emit(0, log.Info, time.Now(), "adapter stopped")
	var rec struct {
		Msg       string `json:"msg"`
		Component string `json:"component"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("decoding %q: %v", buf.String(), err)
	}
	if rec.Component != "dxgsim" {
		t.Errorf("component = %q, want dxgsim", rec.Component)
	}
	if !strings.HasSuffix(rec.Msg, "adapter stopped") {
		t.Errorf("msg = %q", rec.Msg)
	}
}

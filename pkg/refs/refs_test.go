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
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type testObject struct {
	Refs[testObject]
	destroyed int
}

func (o *testObject) DecRef() {
	o.Refs.DecRef(func() { o.destroyed++ })
}

func withLeakMode(t *testing.T, mode LeakMode) {
	old := GetLeakMode()
	SetLeakMode(mode)
	t.Cleanup(func() { SetLeakMode(old) })
}

func TestDestroyOnLastRef(t *testing.T) {
	withLeakMode(t, LeaksPanic)
	o := &testObject{}
	o.InitRefs()
	o.IncRef()
	o.DecRef()
	if o.destroyed != 0 {
		t.Fatalf("destroyed with a reference outstanding")
	}
	o.DecRef()
	if o.destroyed != 1 {
		t.Fatalf("destroyed %d times, want 1", o.destroyed)
	}
	if n := LiveCount(); n != 0 {
		t.Errorf("LiveCount() = %d after destruction", n)
	}
	if o.TryIncRef() {
		t.Errorf("TryIncRef succeeded on a destroyed object")
	}
}

func TestRefType(t *testing.T) {
	var o testObject
	if got, want := o.RefType(), "refs.testObject"; got != want {
		t.Errorf("RefType() = %q, want %q", got, want)
	}
}

func TestDecRefNegativePanics(t *testing.T) {
	o := &testObject{}
	o.InitRefs()
	o.DecRef()
	defer func() {
		r := recover()
		if r == nil || !strings.Contains(r.(string), "non-positive") {
			t.Errorf("expected non-positive panic, got %v", r)
		}
	}()
	o.DecRef()
}

func TestTryIncRefRace(t *testing.T) {
	o := &testObject{}
	o.InitRefs()
	var wg sync.WaitGroup
	var got sync.Map
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if o.TryIncRef() {
				got.Store(i, true)
				o.DecRef()
			}
		}(i)
	}
	o.DecRef()
	wg.Wait()
	if o.destroyed != 1 {
		t.Errorf("destroyed %d times, want exactly 1", o.destroyed)
	}
}

func TestLeakCheck(t *testing.T) {
	withLeakMode(t, LeaksPanic)
	o := &testObject{}
	o.InitRefs()
	func() {
		defer func() {
			r := recover()
			if r == nil {
				t.Errorf("leak of %v not detected", o.RefType())
				return
			}
			if msg := r.(string); !strings.Contains(msg, "1 leaked objects (1 refs.testObject)") {
				t.Errorf("leak report %q does not count by type", msg)
			}
		}()
		DoRepeatedLeakCheck()
	}()
	o.DecRef()
	DoRepeatedLeakCheck()
}

type otherObject struct {
	Refs[otherObject]
}

func TestLiveByType(t *testing.T) {
	withLeakMode(t, LeaksPanic)
	a, b := &testObject{}, &testObject{}
	c := &otherObject{}
	a.InitRefs()
	b.InitRefs()
	c.InitRefs()

	want := map[string]int{"refs.testObject": 2, "refs.otherObject": 1}
	if diff := cmp.Diff(want, LiveByType()); diff != "" {
		t.Errorf("LiveByType() mismatch (-want +got):\n%s", diff)
	}
	if got, want := FormatCounts(LiveByType()), "1 refs.otherObject, 2 refs.testObject"; got != want {
		t.Errorf("FormatCounts() = %q, want %q", got, want)
	}

	a.DecRef()
	c.DecRef(nil)
	want = map[string]int{"refs.testObject": 1}
	if diff := cmp.Diff(want, LiveByType()); diff != "" {
		t.Errorf("LiveByType() after destruction mismatch (-want +got):\n%s", diff)
	}
	b.DecRef()
	if n := LiveCount(); n != 0 {
		t.Errorf("LiveCount() = %d, want 0", n)
	}
}

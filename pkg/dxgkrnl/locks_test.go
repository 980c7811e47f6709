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
	"testing"

	"gvisor.dev/dxgk/pkg/abi/d3dkmt"
	"gvisor.dev/dxgk/pkg/context"
	"gvisor.dev/dxgk/pkg/errors"
	"gvisor.dev/dxgk/pkg/errors/dxgerr"
)

func mustPanic(t *testing.T, what string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", what)
		}
	}()
	fn()
}

func TestStaleTokenPanics(t *testing.T) {
	g := NewGlobal(Options{})
	u := NewUnlocked()
	mustPanic(t, "Registry through a token that is no longer innermost", func() {
		u.Bindings(g, func(BindingToken) error {
			return u.Registry(g, func(RegistryToken) error { return nil })
		})
	})
	// The chain unwound with the panic.
	if err := u.Registry(g, func(rt RegistryToken) error {
		return rt.Bindings(g, func(BindingToken) error { return nil })
	}); err != nil {
		t.Errorf("Registry after the panic: %v", err)
	}

	d := &Device{state: DeviceActive}
	mustPanic(t, "allocation list through the device token while holding the context list", func() {
		u.Device(d, func(dt DeviceToken) error {
			return dt.ContextList(d, func(ContextListToken) error {
				return dt.AllocList(d, func(AllocListToken) error { return nil })
			})
		})
	})
	mustPanic(t, "use of a token after its scope ended", func() {
		var stale DeviceToken
		u.Device(d, func(dt DeviceToken) error {
			stale = dt
			return nil
		})
		stale.ContextList(d, func(ContextListToken) error { return nil })
	})
}

func TestLockLevels(t *testing.T) {
	u := NewUnlocked()
	d := &Device{state: DeviceActive}
	r1, r2 := &Resource{device: d}, &Resource{device: d}
	// Both device lists may be held together, contexts first.
	if err := u.Device(d, func(dt DeviceToken) error {
		return dt.ContextList(d, func(ct ContextListToken) error {
			return ct.AllocList(d, func(lt AllocListToken) error {
				return lt.Resource(r1, func(rt ResourceToken) error {
					return rt.NestedResource(r2, func(ResourceToken) error { return nil })
				})
			})
		})
	}); err != nil {
		t.Errorf("nested acquisition: %v", err)
	}
	mustPanic(t, "NestedResource on the held resource", func() {
		u.AllocList(d, func(lt AllocListToken) error {
			return lt.Resource(r1, func(rt ResourceToken) error {
				return rt.NestedResource(r1, func(ResourceToken) error { return nil })
			})
		})
	})
	mustPanic(t, "send without the adapter lock", func() {
		a := &Adapter{}
		a.send(context.Background(), AdapterToken{acqDevice: belowDevice(u.s)}, &d3dkmt.Message{})
	})
}

func TestStateChecks(t *testing.T) {
	g := NewGlobal(Options{})
	u := NewUnlocked()
	a := newAdapter(g, d3dkmt.LUIDFromUint64(1))
	defer a.decRef()
	if err := u.Adapter(a, func(AdapterToken) error { return nil }); !dxgerr.Equals(dxgerr.ENODEV, err) {
		t.Errorf("Adapter() on a waiting adapter = %v, want ENODEV", err)
	}
	if err := u.AdapterForTeardown(a, func(at AdapterToken) error {
		if at.Active() {
			t.Errorf("Active() on a waiting adapter")
		}
		return nil
	}); err != nil {
		t.Errorf("AdapterForTeardown: %v", err)
	}

	d := &Device{}
	for _, tc := range []struct {
		state    DeviceState
		device   *errors.Error
		teardown *errors.Error
	}{
		{DeviceCreated, dxgerr.ENODEV, nil},
		{DeviceActive, nil, nil},
		{DeviceStopped, dxgerr.ENODEV, nil},
		{DeviceDestroyed, dxgerr.ENODEV, dxgerr.ENOENT},
	} {
		d.state = tc.state
		if err := u.Device(d, func(DeviceToken) error { return nil }); !dxgerr.Equals(tc.device, err) {
			t.Errorf("Device() in state %v = %v, want %v", tc.state, err, tc.device)
		}
		if err := u.DeviceForTeardown(d, func(DeviceToken) error { return nil }); !dxgerr.Equals(tc.teardown, err) {
			t.Errorf("DeviceForTeardown() in state %v = %v, want %v", tc.state, err, tc.teardown)
		}
	}
}

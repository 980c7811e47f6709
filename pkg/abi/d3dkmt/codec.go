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

package d3dkmt

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Frames are encoded in the protobuf wire format so that host implementations
// in other languages can decode them with stock protobuf tooling. Field
// numbers are part of the ABI.
const (
	frameKindField         protowire.Number = 1
	frameRequestIDField    protowire.Number = 2
	frameMessageField      protowire.Number = 3
	frameNotificationField protowire.Number = 4

	msgCommandField protowire.Number = 1
	msgStatusField  protowire.Number = 2
	msgProcessField protowire.Number = 3
	msgAdapterField protowire.Number = 4
	msgDeviceField  protowire.Number = 5
	msgHandlesField protowire.Number = 6
	msgArgsField    protowire.Number = 7
	msgPrivateField protowire.Number = 8

	notifyKindField    protowire.Number = 1
	notifyAdapterField protowire.Number = 2
	notifyDeviceField  protowire.Number = 3
	notifyEventIDField protowire.Number = 4
	notifyValueField   protowire.Number = 5
)

// ErrFrameTooLarge is returned when an encoded frame exceeds MaxPacketSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum packet size")

// MarshalFrame encodes f.
func MarshalFrame(f *Frame) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, frameKindField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Kind))
	b = protowire.AppendTag(b, frameRequestIDField, protowire.VarintType)
	b = protowire.AppendVarint(b, f.RequestID)
	switch f.Kind {
	case FrameRequest, FrameResponse:
		if f.Message == nil {
			return nil, fmt.Errorf("frame kind %d without message", f.Kind)
		}
		b = protowire.AppendTag(b, frameMessageField, protowire.BytesType)
		b = protowire.AppendBytes(b, appendMessage(nil, f.Message))
	case FrameNotification:
		if f.Notification == nil {
			return nil, fmt.Errorf("frame kind %d without notification", f.Kind)
		}
		b = protowire.AppendTag(b, frameNotificationField, protowire.BytesType)
		b = protowire.AppendBytes(b, appendNotification(nil, f.Notification))
	default:
		return nil, fmt.Errorf("unknown frame kind %d", f.Kind)
	}
	if len(b) > MaxPacketSize {
		return nil, ErrFrameTooLarge
	}
	return b, nil
}

// UnmarshalFrame decodes a frame encoded by MarshalFrame. Unknown fields are
// skipped.
func UnmarshalFrame(b []byte) (*Frame, error) {
	if len(b) > MaxPacketSize {
		return nil, ErrFrameTooLarge
	}
	f := &Frame{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v uint64, data []byte) error {
		switch {
		case num == frameKindField && typ == protowire.VarintType:
			f.Kind = FrameKind(v)
		case num == frameRequestIDField && typ == protowire.VarintType:
			f.RequestID = v
		case num == frameMessageField && typ == protowire.BytesType:
			m, err := unmarshalMessage(data)
			if err != nil {
				return err
			}
			f.Message = m
		case num == frameNotificationField && typ == protowire.BytesType:
			n, err := unmarshalNotification(data)
			if err != nil {
				return err
			}
			f.Notification = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	switch f.Kind {
	case FrameRequest, FrameResponse:
		if f.Message == nil {
			return nil, fmt.Errorf("frame kind %d without message", f.Kind)
		}
	case FrameNotification:
		if f.Notification == nil {
			return nil, fmt.Errorf("frame kind %d without notification", f.Kind)
		}
	default:
		return nil, fmt.Errorf("unknown frame kind %d", f.Kind)
	}
	return f, nil
}

func appendMessage(b []byte, m *Message) []byte {
	b = appendVarintField(b, msgCommandField, uint64(m.Command))
	b = appendVarintField(b, msgStatusField, protowire.EncodeZigZag(int64(m.Status)))
	b = appendVarintField(b, msgProcessField, uint64(m.Process))
	b = appendVarintField(b, msgAdapterField, m.Adapter.Uint64())
	b = appendVarintField(b, msgDeviceField, uint64(m.Device))
	if len(m.Handles) > 0 {
		var packed []byte
		for _, h := range m.Handles {
			packed = protowire.AppendVarint(packed, uint64(h))
		}
		b = protowire.AppendTag(b, msgHandlesField, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if len(m.Args) > 0 {
		var packed []byte
		for _, a := range m.Args {
			packed = protowire.AppendVarint(packed, a)
		}
		b = protowire.AppendTag(b, msgArgsField, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if len(m.Private) > 0 {
		b = protowire.AppendTag(b, msgPrivateField, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Private)
	}
	return b
}

func unmarshalMessage(b []byte) (*Message, error) {
	m := &Message{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v uint64, data []byte) error {
		switch num {
		case msgCommandField:
			m.Command = Command(v)
		case msgStatusField:
			m.Status = NTStatus(protowire.DecodeZigZag(v))
		case msgProcessField:
			m.Process = Handle(v)
		case msgAdapterField:
			m.Adapter = LUIDFromUint64(v)
		case msgDeviceField:
			m.Device = Handle(v)
		case msgHandlesField:
			vals, err := consumePacked(data)
			if err != nil {
				return err
			}
			m.Handles = make([]Handle, len(vals))
			for i, v := range vals {
				m.Handles[i] = Handle(v)
			}
		case msgArgsField:
			vals, err := consumePacked(data)
			if err != nil {
				return err
			}
			m.Args = vals
		case msgPrivateField:
			m.Private = append([]byte(nil), data...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func appendNotification(b []byte, n *Notification) []byte {
	b = appendVarintField(b, notifyKindField, uint64(n.Kind))
	b = appendVarintField(b, notifyAdapterField, n.Adapter.Uint64())
	b = appendVarintField(b, notifyDeviceField, uint64(n.Device))
	b = appendVarintField(b, notifyEventIDField, n.EventID)
	b = appendVarintField(b, notifyValueField, n.Value)
	return b
}

func unmarshalNotification(b []byte) (*Notification, error) {
	n := &Notification{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v uint64, data []byte) error {
		switch num {
		case notifyKindField:
			n.Kind = NotificationKind(v)
		case notifyAdapterField:
			n.Adapter = LUIDFromUint64(v)
		case notifyDeviceField:
			n.Device = Handle(v)
		case notifyEventIDField:
			n.EventID = v
		case notifyValueField:
			n.Value = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// consumeFields calls fn for every field of b. For varint fields v holds the
// value; for length-delimited fields data holds the payload. Other wire types
// are skipped.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, data []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := fn(num, typ, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			data, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := fn(num, typ, 0, data); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func consumePacked(b []byte) ([]uint64, error) {
	var vals []uint64
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		vals = append(vals, v)
		b = b[n:]
	}
	return vals, nil
}

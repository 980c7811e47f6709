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

// Package hmgr implements the per-process handle table, which translates
// opaque handle values into typed objects.
//
// Free entries form a list threaded through the entry array. Handles are
// allocated from the head of the list. A freed entry is inserted after the
// "tail", an entry that trails the head by MinFreeEntries positions, so a
// freed slot is not handed out again until at least MinFreeEntries other
// allocations have been made. Together with the unique bits of the handle
// value, this prevents a stale handle held by a racing caller from being
// revalidated against an unrelated object.
//
// Lock ordering: a Table's mutex is a leaf. No other lock may be acquired
// from within View or Update.
package hmgr

import (
	"fmt"

	"gvisor.dev/dxgk/pkg/abi/d3dkmt"
	"gvisor.dev/dxgk/pkg/errors/dxgerr"
	"gvisor.dev/dxgk/pkg/sync"
)

// Handle layout.
const (
	instanceBits = 6
	indexBits    = 24
	uniqueBits   = 2

	indexShift  = instanceBits
	uniqueShift = instanceBits + indexBits

	// MaxIndex is the largest entry index a handle can encode.
	MaxIndex = 1<<indexBits - 1

	uniqueMask = 1<<uniqueBits - 1
)

const (
	// DefaultMinFreeEntries is the default reuse distance.
	DefaultMinFreeEntries = 128

	// sizeIncrement is the number of entries added each time the table
	// grows.
	sizeIncrement = 1024

	noIndex = ^uint32(0)
)

// EntryType tags the object stored in an entry.
type EntryType uint8

// Entry types.
const (
	EntryFree EntryType = iota
	EntryAdapter
	EntryDevice
	EntryResource
	EntryAllocation
	EntryContext
	EntrySyncObject
	EntryHWQueue

	numEntryTypes
)

var entryTypeNames = [...]string{
	EntryFree:       "free",
	EntryAdapter:    "adapter",
	EntryDevice:     "device",
	EntryResource:   "resource",
	EntryAllocation: "allocation",
	EntryContext:    "context",
	EntrySyncObject: "syncobject",
	EntryHWQueue:    "hwqueue",
}

func (t EntryType) String() string {
	if t < numEntryTypes {
		return entryTypeNames[t]
	}
	return fmt.Sprintf("EntryType(%d)", uint8(t))
}

// Options configures a Table.
type Options struct {
	// MinFreeEntries is the number of allocations that must happen before a
	// freed slot can be reused. Zero means DefaultMinFreeEntries.
	MinFreeEntries int

	// MaxEntries bounds the size of the table. Zero means MaxIndex+1.
	MaxEntries int
}

func (o *Options) setDefaults() {
	if o.MinFreeEntries <= 0 {
		o.MinFreeEntries = DefaultMinFreeEntries
	}
	if o.MaxEntries <= 0 || o.MaxEntries > MaxIndex+1 {
		o.MaxEntries = MaxIndex + 1
	}
}

type entry struct {
	object any

	// next is the index of the next free entry. Only valid if typ is
	// EntryFree.
	next uint32

	typ EntryType

	// unique is incremented every time the entry is freed. It is never
	// zero, so no valid handle is zero.
	unique uint8

	// destroyed is set once the object is being torn down. Lookups of a
	// destroyed entry fail even though the slot is still allocated.
	destroyed bool
}

func (e *entry) handle(index uint32) d3dkmt.Handle {
	return d3dkmt.Handle(uint32(e.unique)<<uniqueShift | index<<indexShift)
}

// Table is a handle table.
type Table struct {
	opts Options

	mu sync.RWMutex

	// All fields below are protected by mu.
	entries []entry

	// head is the first free entry; allocations come from here.
	head uint32

	// tail is the entry tailPos positions after head, where tailPos is
	// min(MinFreeEntries, freeCount-1). Freed entries are inserted after it.
	tail    uint32
	tailPos int

	// last is the final entry of the free list; growth appends after it.
	last uint32

	freeCount int
}

// New returns an empty table.
func New(opts Options) *Table {
	opts.setDefaults()
	return &Table{
		opts: opts,
		head: noIndex,
		tail: noIndex,
		last: noIndex,
	}
}

// Locked provides access to a table whose lock is held. It is only valid
// within the View or Update call that produced it.
type Locked struct {
	t        *Table
	writable bool
}

// View calls fn with the table locked for reading.
func (t *Table) View(fn func(l *Locked) error) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return fn(&Locked{t: t})
}

// Update calls fn with the table locked for writing.
func (t *Table) Update(fn func(l *Locked) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(&Locked{t: t, writable: true})
}

func (l *Locked) checkWritable() {
	if !l.writable {
		panic("handle table mutation under a read lock")
	}
}

// decode returns the index of h's entry, or ENOENT if h does not name an
// allocated entry.
func (t *Table) decode(h d3dkmt.Handle) (uint32, *entry, error) {
	if !h.Valid() {
		return 0, nil, dxgerr.ENOENT
	}
	index := (uint32(h) >> indexShift) & MaxIndex
	unique := uint8(uint32(h)>>uniqueShift) & uniqueMask
	if uint32(h)&(1<<instanceBits-1) != 0 || index >= uint32(len(t.entries)) {
		return 0, nil, dxgerr.ENOENT
	}
	e := &t.entries[index]
	if e.typ == EntryFree || e.unique != unique {
		return 0, nil, dxgerr.ENOENT
	}
	return index, e, nil
}

// grow extends the table by sizeIncrement entries, or fewer if MaxEntries is
// reached. It returns false if the table is already at its maximum size.
func (t *Table) grow() bool {
	oldSize := len(t.entries)
	newSize := oldSize + sizeIncrement
	if newSize > t.opts.MaxEntries {
		newSize = t.opts.MaxEntries
	}
	if newSize <= oldSize {
		return false
	}
	entries := make([]entry, newSize)
	copy(entries, t.entries)
	t.entries = entries
	for i := oldSize; i < newSize; i++ {
		e := &t.entries[i]
		e.unique = 1
		e.next = noIndex
		t.appendFree(uint32(i))
	}
	return true
}

// appendFree links index at the end of the free list.
func (t *Table) appendFree(index uint32) {
	if t.last == noIndex {
		t.head, t.tail, t.last = index, index, index
		t.tailPos = 0
	} else {
		t.entries[t.last].next = index
		t.last = index
	}
	t.freeCount++
	t.advanceTail()
}

// advanceTail moves the tail forward until it trails the head by
// MinFreeEntries or reaches the end of the list.
func (t *Table) advanceTail() {
	for t.tailPos < t.opts.MinFreeEntries && t.tail != t.last {
		t.tail = t.entries[t.tail].next
		t.tailPos++
	}
}

// Alloc installs object under a new handle of type typ.
func (l *Locked) Alloc(typ EntryType, object any) (d3dkmt.Handle, error) {
	l.checkWritable()
	if typ == EntryFree || typ >= numEntryTypes {
		return d3dkmt.NullHandle, dxgerr.EINVAL
	}
	t := l.t
	if t.freeCount <= t.opts.MinFreeEntries {
		t.grow()
	}
	if t.freeCount == 0 {
		return d3dkmt.NullHandle, dxgerr.ENOMEM
	}

	index := t.head
	e := &t.entries[index]
	t.head = e.next
	t.freeCount--
	switch {
	case t.freeCount == 0:
		t.head, t.tail, t.last = noIndex, noIndex, noIndex
		t.tailPos = 0
	case t.tail == index:
		t.tail = t.head
		t.tailPos = 0
		t.advanceTail()
	default:
		t.tailPos--
		t.advanceTail()
	}

	e.next = noIndex
	e.typ = typ
	e.object = object
	e.destroyed = false
	return e.handle(index), nil
}

// Get returns the object named by h. It fails with ENOENT if h does not name
// a live object and with EBADTYPE if it names an object of another type.
func (l *Locked) Get(h d3dkmt.Handle, typ EntryType) (any, error) {
	_, e, err := l.t.decode(h)
	if err != nil {
		return nil, err
	}
	if e.destroyed {
		return nil, dxgerr.ENOENT
	}
	if e.typ != typ {
		return nil, dxgerr.EBADTYPE
	}
	return e.object, nil
}

// EntryType returns the type of the object named by h, or EntryFree.
func (l *Locked) EntryType(h d3dkmt.Handle) EntryType {
	_, e, err := l.t.decode(h)
	if err != nil || e.destroyed {
		return EntryFree
	}
	return e.typ
}

// MarkDestroyed makes subsequent lookups of h fail while leaving the slot
// allocated, and returns the object. It fails like Get, so only one caller
// can mark a given handle.
func (l *Locked) MarkDestroyed(h d3dkmt.Handle, typ EntryType) (any, error) {
	l.checkWritable()
	obj, err := l.Get(h, typ)
	if err != nil {
		return nil, err
	}
	_, e, _ := l.t.decode(h)
	e.destroyed = true
	return obj, nil
}

// Destroyed returns true if h names an allocated entry marked destroyed.
func (l *Locked) Destroyed(h d3dkmt.Handle) bool {
	_, e, err := l.t.decode(h)
	return err == nil && e.destroyed
}

// Free releases h, which may have been marked destroyed, and returns the
// object it named.
func (l *Locked) Free(h d3dkmt.Handle, typ EntryType) (any, error) {
	l.checkWritable()
	t := l.t
	index, e, err := t.decode(h)
	if err != nil {
		return nil, err
	}
	if e.typ != typ {
		return nil, dxgerr.EBADTYPE
	}
	obj := e.object
	e.object = nil
	e.typ = EntryFree
	e.destroyed = false
	e.unique++
	if e.unique > uniqueMask {
		e.unique = 1
	}
	t.insertFree(index)
	return obj, nil
}

// insertFree links index into the free list after the tail.
func (t *Table) insertFree(index uint32) {
	e := &t.entries[index]
	if t.tail == noIndex {
		e.next = noIndex
		t.head, t.tail, t.last = index, index, index
		t.tailPos = 0
		t.freeCount++
		return
	}
	tail := &t.entries[t.tail]
	e.next = tail.next
	tail.next = index
	if t.last == t.tail {
		t.last = index
	}
	t.freeCount++
	t.advanceTail()
}

// Range calls fn for every allocated entry, including destroyed ones, in
// index order. Iteration stops when fn returns false. fn must not mutate the
// table.
func (l *Locked) Range(fn func(h d3dkmt.Handle, typ EntryType, object any) bool) {
	for i := range l.t.entries {
		e := &l.t.entries[i]
		if e.typ == EntryFree {
			continue
		}
		if !fn(e.handle(uint32(i)), e.typ, e.object) {
			return
		}
	}
}

// Len returns the number of allocated entries.
func (l *Locked) Len() int {
	return len(l.t.entries) - l.t.freeCount
}

// FreeCount returns the number of free entries.
func (l *Locked) FreeCount() int {
	return l.t.freeCount
}

// Size returns the current number of entries, free or not.
func (l *Locked) Size() int {
	return len(l.t.entries)
}

// AllocSafe is Alloc with the table locked for writing.
func (t *Table) AllocSafe(typ EntryType, object any) (h d3dkmt.Handle, err error) {
	t.Update(func(l *Locked) error {
		h, err = l.Alloc(typ, object)
		return nil
	})
	return h, err
}

// GetSafe is Get with the table locked for reading.
func (t *Table) GetSafe(h d3dkmt.Handle, typ EntryType) (obj any, err error) {
	t.View(func(l *Locked) error {
		obj, err = l.Get(h, typ)
		return nil
	})
	return obj, err
}

// FreeSafe is Free with the table locked for writing.
func (t *Table) FreeSafe(h d3dkmt.Handle, typ EntryType) (obj any, err error) {
	t.Update(func(l *Locked) error {
		obj, err = l.Free(h, typ)
		return nil
	})
	return obj, err
}

// Len returns the number of allocated entries.
func (t *Table) Len() (n int) {
	t.View(func(l *Locked) error {
		n = l.Len()
		return nil
	})
	return n
}

// Get returns the object named by h converted to T. It fails like
// Locked.Get, and with EBADTYPE if the stored object is not a T.
func Get[T any](l *Locked, h d3dkmt.Handle, typ EntryType) (T, error) {
	var zero T
	obj, err := l.Get(h, typ)
	if err != nil {
		return zero, err
	}
	v, ok := obj.(T)
	if !ok {
		return zero, dxgerr.EBADTYPE
	}
	return v, nil
}

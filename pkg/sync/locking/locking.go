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

// Package locking implements the correctness validator for leveled locks.
//
// All mutexes are divided on classes, and every class has a level. The
// validator checks the following conditions:
//   - Mutexes are only taken in strictly increasing level order. Two classes
//     sharing a level are siblings and may not be held together.
//   - A mutex of the same class is not taken more than once, except through
//     a nested acquisition with a strictly greater subclass.
//   - Locks are released in reverse order of acquisition, and a lock is only
//     ever acquired "through" the innermost lock currently held.
//
// Unlike a lockdep that tracks per-goroutine state, the validator tracks a
// Chain: the ordered list of locks held by one call path. Chains are created
// by the owner of the outermost lock and threaded through to callees, so
// violations are detected deterministically on the first offending
// acquisition rather than only on the interleavings a test happens to hit.
// Violations are programming errors and panic.
package locking

import (
	"fmt"
	"strings"
)

// Class is a lock class.
type Class struct {
	name  string
	level int
}

// NewClass returns a new lock class at the given level. Level 0 is reserved
// for the root of a chain.
func NewClass(name string, level int) *Class {
	if level <= 0 {
		panic(fmt.Sprintf("lock class %q: level must be positive, got %d", name, level))
	}
	return &Class{name: name, level: level}
}

// Name returns the class name.
func (c *Class) Name() string {
	return c.name
}

// Level returns the class level.
func (c *Class) Level() int {
	return c.level
}

func (c *Class) String() string {
	return fmt.Sprintf("%s(%d)", c.name, c.level)
}

type heldLock struct {
	class    *Class
	subclass uint32
}

func (h heldLock) String() string {
	if h.subclass == 0 {
		return h.class.String()
	}
	return fmt.Sprintf("%s/%d", h.class, h.subclass)
}

// Chain is the ordered list of locks held by one call path. Depth 0 is the
// root: no lock held.
//
// A Chain is not safe for concurrent use; it belongs to the call path that
// created it.
type Chain struct {
	held []heldLock
}

// NewChain returns an empty chain.
func NewChain() *Chain {
	return &Chain{}
}

// Depth returns the number of locks currently held.
func (c *Chain) Depth() int {
	return len(c.held)
}

func (c *Chain) String() string {
	parts := make([]string, 0, len(c.held)+1)
	parts = append(parts, "root")
	for _, h := range c.held {
		parts = append(parts, h.String())
	}
	return strings.Join(parts, " -> ")
}

// Acquire records the acquisition of a lock of class at subclass, made while
// holding the lock at depth from. It returns the depth of the new lock, to be
// passed to Release.
//
// Acquire panics if from is not the innermost held lock, if class is not
// strictly deeper than the innermost held lock, or if class is re-entered
// without a strictly greater subclass.
func (c *Chain) Acquire(from int, class *Class, subclass uint32) int {
	if from != len(c.held) {
		panic(fmt.Sprintf("lock %v acquired at depth %d but chain is %v: the acquiring scope is not innermost or has ended", class, from, c))
	}
	if n := len(c.held); n > 0 {
		top := c.held[n-1]
		switch {
		case top.class == class:
			if subclass <= top.subclass {
				panic(fmt.Sprintf("recursive locking of %v/%d while holding %v", class, subclass, c))
			}
		case class.level <= top.class.level:
			panic(fmt.Sprintf("possible reverse locking: acquiring %v while holding %v", class, c))
		}
	}
	c.held = append(c.held, heldLock{class: class, subclass: subclass})
	return len(c.held)
}

// Release records the release of the lock at depth, which must be the
// innermost held lock.
func (c *Chain) Release(depth int, class *Class) {
	if depth != len(c.held) || c.held[depth-1].class != class {
		panic(fmt.Sprintf("releasing %v at depth %d out of order, chain is %v", class, depth, c))
	}
	c.held = c.held[:depth-1]
}

// Check panics if no lock of class is held at depth. It is used by operations
// that require a lock to be held without acquiring another.
func (c *Chain) Check(depth int, class *Class) {
	if depth < 1 || depth > len(c.held) || c.held[depth-1].class != class {
		panic(fmt.Sprintf("%v is not held at depth %d, chain is %v", class, depth, c))
	}
}

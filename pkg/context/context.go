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

// Package context defines the Context type passed through every driver
// operation.
//
// A Context is a standard context.Context, which bounds blocking host round
// trips, combined with a log.Logger, which carries the identity of the caller
// into log statements.
package context

import (
	"context"
	"fmt"
	"time"

	"gvisor.dev/dxgk/pkg/log"
)

// A Context represents the state of a driver operation.
type Context interface {
	context.Context
	log.Logger
}

type logContext struct {
	context.Context
	log.Logger
}

// Errors returned by Context.Err.
var (
	Canceled         = context.Canceled
	DeadlineExceeded = context.DeadlineExceeded
)

// bgContext is the context returned by context.Background.
var bgContext = &logContext{Context: context.Background(), Logger: log.Log()}

// Background returns an empty context using the default logger.
//
// Using a Background context for tests is fine. Driver entry points should
// receive their Context from the caller.
func Background() Context {
	return bgContext
}

// WithLogger returns a Context wrapping ctx that logs through l.
func WithLogger(ctx context.Context, l log.Logger) Context {
	return &logContext{Context: ctx, Logger: l}
}

// FromContext returns ctx if it already is a Context, otherwise it wraps ctx
// with the default logger.
func FromContext(ctx context.Context) Context {
	if c, ok := ctx.(Context); ok {
		return c
	}
	return WithLogger(ctx, log.Log())
}

// WithCancel is context.WithCancel preserving the logger of parent.
func WithCancel(parent Context) (Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	return WithLogger(ctx, parent), cancel
}

// WithTimeout is context.WithTimeout preserving the logger of parent.
func WithTimeout(parent Context, d time.Duration) (Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, d)
	return WithLogger(ctx, parent), cancel
}

// prefixLogger prepends a fixed prefix to every statement.
type prefixLogger struct {
	log.Logger
	prefix string
}

func (p *prefixLogger) Debugf(format string, v ...any) {
	p.Logger.Debugf(p.prefix+format, v...)
}

func (p *prefixLogger) Infof(format string, v ...any) {
	p.Logger.Infof(p.prefix+format, v...)
}

func (p *prefixLogger) Warningf(format string, v ...any) {
	p.Logger.Warningf(p.prefix+format, v...)
}

// WithPrefix returns a Context whose log statements are prefixed with the
// formatted string, e.g. "[pid 42] ".
func WithPrefix(parent Context, format string, v ...any) Context {
	return WithLogger(parent, &prefixLogger{Logger: parent, prefix: fmt.Sprintf(format, v...)})
}

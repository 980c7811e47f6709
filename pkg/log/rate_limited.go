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

package log

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter rate limits messages per key: each key may log once per
// interval. Messages dropped for a key are counted and the count is appended
// to the next message logged for it.
type KeyedLimiter struct {
	logger Logger
	every  time.Duration

	mu   sync.Mutex
	keys map[string]*keyBudget
}

type keyBudget struct {
	limit   *rate.Limiter
	dropped uint64
}

// NewKeyedLimiter returns a KeyedLimiter logging to logger no more than once
// per every for each key.
func NewKeyedLimiter(logger Logger, every time.Duration) *KeyedLimiter {
	return &KeyedLimiter{
		logger: logger,
		every:  every,
		keys:   make(map[string]*keyBudget),
	}
}

// allow reports whether a message for key may be logged and, if so, how many
// were dropped since the last one.
func (k *KeyedLimiter) allow(key string) (bool, uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	b, ok := k.keys[key]
	if !ok {
		b = &keyBudget{limit: rate.NewLimiter(rate.Every(k.every), 1)}
		k.keys[key] = b
	}
	if !b.limit.Allow() {
		b.dropped++
		return false, 0
	}
	dropped := b.dropped
	b.dropped = 0
	return true, dropped
}

// Dropped returns the number of messages for key dropped since the last one
// logged.
func (k *KeyedLimiter) Dropped(key string) uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	if b, ok := k.keys[key]; ok {
		return b.dropped
	}
	return 0
}

// For returns a Logger whose messages are limited by the budget of key.
func (k *KeyedLimiter) For(key string) Logger {
	return keyedLogger{k, key}
}

type keyedLogger struct {
	k   *KeyedLimiter
	key string
}

func (l keyedLogger) emit(logf func(string, ...any), format string, v []any) {
	ok, dropped := l.k.allow(l.key)
	if !ok {
		return
	}
	if dropped > 0 {
		logf("%s (%d similar messages dropped)", fmt.Sprintf(format, v...), dropped)
		return
	}
	logf(format, v...)
}

// Debugf implements Logger.Debugf.
func (l keyedLogger) Debugf(format string, v ...any) {
	l.emit(l.k.logger.Debugf, format, v)
}

// Infof implements Logger.Infof.
func (l keyedLogger) Infof(format string, v ...any) {
	l.emit(l.k.logger.Infof, format, v)
}

// Warningf implements Logger.Warningf.
func (l keyedLogger) Warningf(format string, v ...any) {
	l.emit(l.k.logger.Warningf, format, v)
}

// IsLogging implements Logger.IsLogging.
func (l keyedLogger) IsLogging(level Level) bool {
	return l.k.logger.IsLogging(level)
}

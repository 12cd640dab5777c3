// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package logger defines the printf-style logging func used across the
// lock packages and the helpers that wrap it.
package logger

import (
	"container/list"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"kernsync.io/envknob"
)

// Logf is a printf-like logging func. The format need not end in a
// newline. Logf funcs must be safe for concurrent use.
//
// Wrappers must pass the caller's format through unchanged (adding to it
// is fine): RateLimitedFn keys its limits on the format string.
type Logf func(format string, args ...any)

// WithPrefix returns a Logf that prepends prefix to every format.
func WithPrefix(f Logf, prefix string) Logf {
	return func(format string, args ...any) {
		f(prefix+format, args...)
	}
}

// StdLogger returns a *log.Logger that writes each line to f, for APIs
// such as http.Server.ErrorLog that want one.
func StdLogger(f Logf) *log.Logger {
	return log.New(FuncWriter(f), "", 0)
}

// FuncWriter returns an io.Writer that logs each Write to f.
func FuncWriter(f Logf) io.Writer {
	return funcWriter(f)
}

type funcWriter Logf

func (f funcWriter) Write(p []byte) (int, error) {
	f("%s", strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// Discard is a Logf that drops everything.
func Discard(string, ...any) {}

// noRateLimit turns RateLimitedFn into a pass-through, for chasing a
// problem where every contention line matters.
var noRateLimit = envknob.RegisterBool("KERNSYNC_DEBUG_NO_LOG_RATE")

// RateLimitedFn returns a Logf that passes through at most burst
// messages per format string at once, refilling one every interval.
// The first message dropped for a format is replaced by a single
// "[RATE LIMITED]" line quoting it; later drops are silent until the
// format is allowed again. At most maxCache formats are tracked, least
// recently used first out.
func RateLimitedFn(logf Logf, interval time.Duration, burst, maxCache int) Logf {
	if noRateLimit() {
		return logf
	}
	rl := &rateLimiter{
		every:    rate.Every(interval),
		burst:    burst,
		maxCache: maxCache,
		byFormat: make(map[string]*formatLimit),
	}
	return func(format string, args ...any) {
		switch rl.admit(format) {
		case admitted:
			logf(format, args...)
		case firstDrop:
			logf("[RATE LIMITED] format string %q (example: %q)",
				format, strings.TrimSpace(fmt.Sprintf(format, args...)))
		}
	}
}

type admission int

const (
	admitted admission = iota
	firstDrop
	dropped
)

type formatLimit struct {
	lim     *rate.Limiter
	warned  bool          // a firstDrop line has been logged since the last admit
	lruElem *list.Element // Value is the format string
}

type rateLimiter struct {
	every    rate.Limit
	burst    int
	maxCache int

	mu       sync.Mutex
	byFormat map[string]*formatLimit
	lru      list.List // front is most recently used
}

func (rl *rateLimiter) admit(format string) admission {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	fl := rl.lookupLocked(format)
	if fl.lim.Allow() {
		fl.warned = false
		return admitted
	}
	if fl.warned {
		return dropped
	}
	fl.warned = true
	return firstDrop
}

// lookupLocked returns the limit for format, creating it and evicting
// the least recently used entry if needed.
//
// rl.mu must be held.
func (rl *rateLimiter) lookupLocked(format string) *formatLimit {
	if fl, ok := rl.byFormat[format]; ok {
		rl.lru.MoveToFront(fl.lruElem)
		return fl
	}
	fl := &formatLimit{
		lim:     rate.NewLimiter(rl.every, rl.burst),
		lruElem: rl.lru.PushFront(format),
	}
	rl.byFormat[format] = fl
	if rl.lru.Len() > rl.maxCache {
		oldest := rl.lru.Back()
		delete(rl.byFormat, oldest.Value.(string))
		rl.lru.Remove(oldest)
	}
	return fl
}

// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package envknob provides access to environment-variable tweakable
// tuning and debug settings.
//
// These are primarily knobs used while developing or diagnosing the
// locking primitives. They are not a stable interface and may be removed
// at any time.
package envknob

import (
	"log"
	"os"
	"sort"
	"strconv"
	"sync"
)

var (
	mu      sync.Mutex
	set     = map[string]string{}
	regBool = map[string]*bool{}
	regInt  = map[string]*intKnob{}
)

type intKnob struct {
	def int
	v   int
}

func noteEnvLocked(k, v string) {
	if v != "" {
		set[k] = v
	} else {
		delete(set, k)
	}
}

// logf is logger.Logf, declared as an alias so envknob stays a leaf
// package (it's still assignable).
type logf = func(format string, args ...any)

// LogCurrent logs the currently set environment knobs.
func LogCurrent(logf logf) {
	mu.Lock()
	defer mu.Unlock()

	list := make([]string, 0, len(set))
	for k := range set {
		list = append(list, k)
	}
	sort.Strings(list)
	for _, k := range list {
		logf("envknob: %s=%q", k, set[k])
	}
}

// Setenv changes an environment variable and updates any registered knob
// for it.
//
// It is not safe for concurrent reading of environment variables via the
// Register functions. All Setenv calls are meant to happen early in main
// (or at the top of a test) before any goroutines are started.
func Setenv(envVar, val string) {
	mu.Lock()
	defer mu.Unlock()
	os.Setenv(envVar, val)
	noteEnvLocked(envVar, val)

	if p := regBool[envVar]; p != nil {
		setBoolLocked(p, envVar, val)
	}
	if p := regInt[envVar]; p != nil {
		setIntLocked(p, envVar, val)
	}
}

// RegisterBool returns a func that gets the named environment variable,
// without a map lookup per call. It assumes that mutations happen via
// envknob.Setenv.
func RegisterBool(envVar string) func() bool {
	mu.Lock()
	defer mu.Unlock()
	p, ok := regBool[envVar]
	if !ok {
		var b bool
		p = &b
		setBoolLocked(p, envVar, os.Getenv(envVar))
		regBool[envVar] = p
	}
	return func() bool { return *p }
}

// RegisterInt returns a func that gets the named environment variable as
// an int, or def if it is unset. Like RegisterBool, it does no map lookup
// per call and assumes mutations happen via envknob.Setenv.
func RegisterInt(envVar string, def int) func() int {
	mu.Lock()
	defer mu.Unlock()
	p, ok := regInt[envVar]
	if !ok {
		p = &intKnob{def: def}
		setIntLocked(p, envVar, os.Getenv(envVar))
		regInt[envVar] = p
	}
	return func() int { return p.v }
}

func setBoolLocked(p *bool, envVar, val string) {
	noteEnvLocked(envVar, val)
	if val == "" {
		*p = false
		return
	}
	var err error
	*p, err = strconv.ParseBool(val)
	if err != nil {
		log.Fatalf("invalid boolean environment variable %s value %q", envVar, val)
	}
}

func setIntLocked(p *intKnob, envVar, val string) {
	noteEnvLocked(envVar, val)
	if val == "" {
		p.v = p.def
		return
	}
	v, err := strconv.Atoi(val)
	if err != nil {
		log.Fatalf("invalid integer environment variable %s value %q", envVar, val)
	}
	p.v = v
}

// The knobs below tune the locking primitives.

var (
	mtxSpinMax      = RegisterInt("KERNSYNC_MTX_SPIN_MAX", 1000)
	slzSpin         = RegisterInt("KERNSYNC_SLZ_SPIN", 4000)
	debugContention = RegisterBool("KERNSYNC_DEBUG_CONTENTION")
)

// MutexSpinMax returns the cap on the busy-wait backoff used by the
// mutex spin-lock variants (KERNSYNC_MTX_SPIN_MAX, default 1000).
func MutexSpinMax() int { return mtxSpinMax() }

// SerializerSpin returns the number of spin iterations AdaptiveEnter
// performs before sleeping (KERNSYNC_SLZ_SPIN, default 4000).
func SerializerSpin() int { return slzSpin() }

// DebugContention reports whether contended slow paths should be logged
// (KERNSYNC_DEBUG_CONTENTION).
func DebugContention() bool { return debugContention() }

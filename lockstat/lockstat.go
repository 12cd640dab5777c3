// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package lockstat holds the contention statistics of the mtx and slz
// lock families.
//
// Counters are process-wide and monotonic. They are read through
// Snapshot, published to expvar as kernsync_mtx and kernsync_slz, and
// exported to Prometheus by Collector.
package lockstat

import (
	"encoding/json"
	"expvar"
	"sync/atomic"
	"time"

	"kernsync.io/envknob"
	"kernsync.io/types/logger"
)

// Counters is the set of statistics kept for one lock family.
type Counters struct {
	family string

	contention atomic.Int64 // entered the must-wait branch
	collision  atomic.Int64 // lost a CAS and retried
	wakeup     atomic.Int64 // issued a wakeup that woke someone
	lockColls  atomic.Int64 // actually went to sleep

	lastName atomic.Pointer[string]
}

// Snapshot is a point-in-time copy of a Counters.
type Snapshot struct {
	Contention int64  `json:"contention_count"`
	Collision  int64  `json:"collision_count"`
	Wakeup     int64  `json:"wakeup_count"`
	LockColls  int64  `json:"lock_colls"`
	LockName   string `json:"lock_name,omitempty"`
}

var (
	// Mutex is the statistics of the mtx package.
	Mutex = newCounters("mtx")

	// Serializer is the statistics of the slz package.
	Serializer = newCounters("slz")
)

func init() {
	expvar.Publish("kernsync_mtx", Mutex)
	expvar.Publish("kernsync_slz", Serializer)
}

func newCounters(family string) *Counters {
	return &Counters{family: family}
}

// Family returns the lock family name, "mtx" or "slz".
func (c *Counters) Family() string { return c.family }

// AddContention records a pass through a spin loop's must-wait branch.
func (c *Counters) AddContention() { c.contention.Add(1) }

// AddCollision records a lost CAS.
func (c *Counters) AddCollision() { c.collision.Add(1) }

// AddWakeup records n threads woken by a release.
func (c *Counters) AddWakeup(n int) {
	if n > 0 {
		c.wakeup.Add(int64(n))
	}
}

// Sleeping records that a thread is about to sleep on the lock named
// ident. kind is 'X' for an exclusive wait and 'S' for a shared one.
func (c *Counters) Sleeping(kind byte, ident string) {
	c.contention.Add(1)
	c.lockColls.Add(1)
	name := string(kind) + ident
	c.lastName.Store(&name)
	if envknob.DebugContention() {
		contentionLogf()("%s: %s contended", c.family, name)
	}
}

// Snapshot returns the current values of c.
func (c *Counters) Snapshot() Snapshot {
	s := Snapshot{
		Contention: c.contention.Load(),
		Collision:  c.collision.Load(),
		Wakeup:     c.wakeup.Load(),
		LockColls:  c.lockColls.Load(),
	}
	if p := c.lastName.Load(); p != nil {
		s.LockName = *p
	}
	return s
}

// Store overwrites c with s. Counting continues from the stored values.
func (c *Counters) Store(s Snapshot) {
	c.contention.Store(s.Contention)
	c.collision.Store(s.Collision)
	c.wakeup.Store(s.Wakeup)
	c.lockColls.Store(s.LockColls)
	if s.LockName == "" {
		c.lastName.Store(nil)
	} else {
		c.lastName.Store(&s.LockName)
	}
}

// Reset zeroes c.
func (c *Counters) Reset() { c.Store(Snapshot{}) }

// String returns c's snapshot as JSON. It implements expvar.Var.
func (c *Counters) String() string {
	j, err := json.Marshal(c.Snapshot())
	if err != nil {
		return "{}"
	}
	return string(j)
}

var logfPtr atomic.Pointer[logger.Logf]

// SetLogf sets the sink for contention log lines, which are only written
// when KERNSYNC_DEBUG_CONTENTION is set. Lines are rate limited per
// format. A nil logf restores the default, which discards.
func SetLogf(logf logger.Logf) {
	if logf == nil {
		logfPtr.Store(nil)
		return
	}
	rl := logger.RateLimitedFn(logf, time.Second, 10, 100)
	logfPtr.Store(&rl)
}

func contentionLogf() logger.Logf {
	if p := logfPtr.Load(); p != nil {
		return *p
	}
	return logger.Discard
}

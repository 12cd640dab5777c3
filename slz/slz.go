// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package slz implements the interrupt serializer: a single-owner,
// non-recursive lock that may be held across blocking operations, with
// adaptive spin-then-sleep acquisition and an independent gate that
// suppresses calls into an interrupt handler.
//
// The owned bit, the handler-disabled gate and a count of threads that
// are about to wait all share one 32-bit interlock word.
package slz

import (
	"context"
	"fmt"
	"sync/atomic"

	"kernsync.io/envknob"
	"kernsync.io/lockstat"
	"kernsync.io/lwkt"
	"kernsync.io/sleepq"
)

// Interlock word bits.
const (
	Owned           uint32 = 1 << 31
	HandlerDisabled uint32 = 1 << 30

	// WaitMask covers the number of threads between announcing that
	// they may wait and finishing the wait.
	WaitMask uint32 = HandlerDisabled - 1
)

var stats = lockstat.Serializer

// Serializer is an interrupt serializer.
//
// The zero value is free with the handler enabled. A Serializer must not
// be copied after first use.
type Serializer struct {
	word  atomic.Uint32
	owner atomic.Pointer[lwkt.Thread]
	ident string
}

// Init resets s to free with the handler enabled and sets the name
// reported while threads sleep on it. s must not be in use.
func (s *Serializer) Init(ident string) {
	s.word.Store(0)
	s.owner.Store(nil)
	s.ident = ident
}

// Ident returns the name set by Init.
func (s *Serializer) Ident() string { return s.ident }

// Owner returns the thread holding s, or nil.
func (s *Serializer) Owner() *lwkt.Thread { return s.owner.Load() }

// IsSerialized reports whether td holds s.
func (s *Serializer) IsSerialized(td *lwkt.Thread) bool {
	return s.word.Load()&Owned != 0 && s.owner.Load() == td
}

// AssertSerialized panics if td does not hold s.
func (s *Serializer) AssertSerialized(td *lwkt.Thread) {
	if !s.IsSerialized(td) {
		s.fatalf("not held by %v (owner %v)", td, s.Owner())
	}
}

// AssertNotSerialized panics if td holds s.
func (s *Serializer) AssertNotSerialized(td *lwkt.Thread) {
	if s.IsSerialized(td) {
		s.fatalf("already held by %v", td)
	}
}

// Waiters returns the current contention count.
func (s *Serializer) Waiters() int { return int(s.word.Load() & WaitMask) }

func (s *Serializer) String() string {
	w := s.word.Load()
	gate := "enabled"
	if w&HandlerDisabled != 0 {
		gate = "disabled"
	}
	if w&Owned != 0 {
		return fmt.Sprintf("slz %q owned by %v waiters=%d handler=%s", s.ident, s.Owner(), w&WaitMask, gate)
	}
	return fmt.Sprintf("slz %q free waiters=%d handler=%s", s.ident, w&WaitMask, gate)
}

func (s *Serializer) fatalf(format string, args ...any) {
	panic(fmt.Sprintf("slz %q: ", s.ident) + fmt.Sprintf(format, args...))
}

// condTry takes s for td if it is not owned. It retries CAS failures
// caused by other bits changing and fails only when s is owned.
func (s *Serializer) condTry(td *lwkt.Thread) bool {
	for {
		old := s.word.Load()
		if old&Owned != 0 {
			return false
		}
		if s.word.CompareAndSwap(old, old|Owned) {
			s.owner.Store(td)
			return true
		}
		stats.AddCollision()
	}
}

// Enter acquires s for td, sleeping while it is owned by another thread.
// It panics if td already holds s.
func (s *Serializer) Enter(td *lwkt.Thread) {
	s.enter(context.Background(), td)
}

// EnterContext is like Enter but gives up when ctx is done, returning
// ctx.Err(). It returns nil if s was acquired.
func (s *Serializer) EnterContext(ctx context.Context, td *lwkt.Thread) error {
	return s.enter(ctx, td)
}

func (s *Serializer) enter(ctx context.Context, td *lwkt.Thread) error {
	s.AssertNotSerialized(td)
	for {
		if s.condTry(td) {
			return nil
		}
		if err := s.sleep(ctx, td); err != nil {
			return err
		}
	}
}

// sleep waits for s to be released once. The contention count is raised
// before registering and the owned bit re-checked after, so an Exit that
// clears the bit either sees the count and wakes us or happens before
// the re-check.
func (s *Serializer) sleep(ctx context.Context, td *lwkt.Thread) error {
	w := td.Waiter()
	s.word.Add(1)
	defer s.word.Add(^uint32(0))

	sleepq.Interlock(w, s)
	if s.word.Load()&Owned == 0 {
		sleepq.Cancel(w)
		return nil
	}
	stats.Sleeping('X', s.ident)
	return sleepq.Sleep(ctx, w, s.ident)
}

// TryEnter acquires s for td if it is free and reports whether it did.
// It never sleeps. It returns false if td already holds s.
func (s *Serializer) TryEnter(td *lwkt.Thread) bool {
	return s.condTry(td)
}

// AdaptiveEnter acquires s for td, spinning for a bounded number of
// iterations (KERNSYNC_SLZ_SPIN) before sleeping. Each wakeup restarts
// the spin. It panics if td already holds s.
func (s *Serializer) AdaptiveEnter(td *lwkt.Thread) {
	s.AssertNotSerialized(td)
	for {
		if s.condTry(td) {
			return
		}
		stats.AddContention()
		for range envknob.SerializerSpin() {
			// A plain load first keeps the spin off the CAS path while
			// the owner holds on.
			if s.word.Load()&Owned == 0 && s.condTry(td) {
				return
			}
			lwkt.CPUPause()
		}
		// A Background context is never done, so the sleep only ends
		// by wakeup and cannot fail.
		_ = s.sleep(context.Background(), td)
	}
}

// Exit releases s, which td must hold, and wakes all waiters if any
// thread announced it may be waiting.
func (s *Serializer) Exit(td *lwkt.Thread) {
	if s.word.Load()&Owned == 0 {
		s.fatalf("exit of free serializer by %v", td)
	}
	if owner := s.owner.Load(); owner != td {
		s.fatalf("exit by %v, owned by %v", td, owner)
	}
	s.owner.Store(nil)
	if old := s.word.And(^Owned); old&WaitMask != 0 {
		stats.AddWakeup(sleepq.Wakeup(s))
	}
}

// HandlerDisable closes the handler gate. It is idempotent and does not
// affect ownership.
func (s *Serializer) HandlerDisable() { s.word.Or(HandlerDisabled) }

// HandlerEnable opens the handler gate. It is idempotent and does not
// affect ownership.
func (s *Serializer) HandlerEnable() { s.word.And(^HandlerDisabled) }

// HandlerEnabled reports whether the handler gate is open.
func (s *Serializer) HandlerEnabled() bool { return s.word.Load()&HandlerDisabled == 0 }

// HandlerCall calls fn(arg) while holding s, on behalf of td, if the
// handler gate is open. The gate is checked again after s is acquired,
// so fn is never called once HandlerDisable has returned. It reports
// whether fn was called.
func (s *Serializer) HandlerCall(td *lwkt.Thread, fn func(arg any), arg any) bool {
	if !s.HandlerEnabled() {
		return false
	}
	s.Enter(td)
	defer s.Exit(td)
	if !s.HandlerEnabled() {
		return false
	}
	fn(arg)
	return true
}

// HandlerTry is the non-blocking HandlerCall. It reports false if the
// gate is closed or s is owned.
func (s *Serializer) HandlerTry(td *lwkt.Thread, fn func(arg any), arg any) bool {
	if !s.HandlerEnabled() || !s.TryEnter(td) {
		return false
	}
	defer s.Exit(td)
	if !s.HandlerEnabled() {
		return false
	}
	fn(arg)
	return true
}

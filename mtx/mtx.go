// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package mtx implements a compact mutex supporting exclusive and shared
// acquisition, exclusive recursion, try and spin variants, and in-place
// upgrade and downgrade.
//
// The whole lock state lives in one 32-bit word that is only ever changed
// by compare-and-swap. Blocking acquisitions register on the sleepq wait
// address before publishing their wanted bit, so a release can never miss
// a thread that is about to sleep.
//
// Lock ownership is tracked per *lwkt.Thread rather than per goroutine.
package mtx

import (
	"errors"
	"fmt"
	"sync/atomic"

	"kernsync.io/lwkt"
)

// Lock word bits.
const (
	Exclusive uint32 = 1 << 31 // held exclusively
	ExWanted  uint32 = 1 << 30 // exclusive waiters may be sleeping
	ShWanted  uint32 = 1 << 29 // shared waiters may be sleeping

	// Mask covers the shared holder count or exclusive recursion count.
	// The count reaching Mask is fatal.
	Mask uint32 = ShWanted - 1
)

var (
	// ErrWouldBlock is returned by the try variants when the lock is held
	// in a conflicting mode.
	ErrWouldBlock = errors.New("mtx: lock would block")

	// ErrDeadlock is returned by TryUpgrade when other shared holders
	// exist.
	ErrDeadlock = errors.New("mtx: upgrade would deadlock")

	// ErrAborted is passed to the callback of an asynchronous lock
	// request that was aborted before it acquired the lock.
	ErrAborted = errors.New("mtx: lock request aborted")
)

// Mutex is a shared/exclusive lock.
//
// The zero value is an unlocked mutex. A Mutex must not be copied after
// first use.
type Mutex struct {
	word  atomic.Uint32
	owner atomic.Pointer[lwkt.Thread] // non-nil iff Exclusive is set
	ident string
}

// Init resets m to the unlocked state and sets the name reported while
// threads sleep on it. m must not be in use.
func (m *Mutex) Init(ident string) {
	m.word.Store(0)
	m.owner.Store(nil)
	m.ident = ident
}

// Ident returns the name set by Init.
func (m *Mutex) Ident() string { return m.ident }

// Mode is the decoded mode of a lock word.
type Mode uint8

const (
	ModeUnlocked Mode = iota
	ModeShared
	ModeExclusive
)

func (md Mode) String() string {
	switch md {
	case ModeUnlocked:
		return "unlocked"
	case ModeShared:
		return "shared"
	case ModeExclusive:
		return "exclusive"
	}
	return fmt.Sprintf("Mode(%d)", uint8(md))
}

// State is a decoded lock word.
type State struct {
	Mode Mode
	// Count is the shared holder count in ModeShared and the recursion
	// count in ModeExclusive.
	Count    uint32
	ExWanted bool
	ShWanted bool
}

func (s State) String() string {
	str := s.Mode.String()
	if s.Mode != ModeUnlocked {
		str += fmt.Sprintf("(%d)", s.Count)
	}
	if s.ExWanted {
		str += "|exwanted"
	}
	if s.ShWanted {
		str += "|shwanted"
	}
	return str
}

// decode unpacks a lock word.
func decode(w uint32) State {
	s := State{
		Count:    w & Mask,
		ExWanted: w&ExWanted != 0,
		ShWanted: w&ShWanted != 0,
	}
	switch {
	case w&Exclusive != 0:
		s.Mode = ModeExclusive
	case s.Count != 0:
		s.Mode = ModeShared
	}
	return s
}

// encode packs s into a lock word. It is the inverse of decode.
func encode(s State) uint32 {
	w := s.Count & Mask
	if s.Mode == ModeExclusive {
		w |= Exclusive
	}
	if s.ExWanted {
		w |= ExWanted
	}
	if s.ShWanted {
		w |= ShWanted
	}
	return w
}

// State returns the current decoded lock word.
func (m *Mutex) State() State { return decode(m.word.Load()) }

// Owner returns the exclusive holder, or nil.
func (m *Mutex) Owner() *lwkt.Thread { return m.owner.Load() }

// IsLocked reports whether m is held in any mode.
func (m *Mutex) IsLocked() bool { return m.word.Load()&(Exclusive|Mask) != 0 }

// IsExclusive reports whether m is held exclusively.
func (m *Mutex) IsExclusive() bool { return m.word.Load()&Exclusive != 0 }

// OwnedBy reports whether td holds m exclusively.
func (m *Mutex) OwnedBy(td *lwkt.Thread) bool {
	return m.word.Load()&Exclusive != 0 && m.owner.Load() == td
}

// AssertExclusive panics if td does not hold m exclusively.
func (m *Mutex) AssertExclusive(td *lwkt.Thread) {
	if !m.OwnedBy(td) {
		m.fatalf("not held exclusively by %v (owner %v)", td, m.Owner())
	}
}

// AssertLocked panics if m is not held.
func (m *Mutex) AssertLocked() {
	if !m.IsLocked() {
		m.fatalf("not locked")
	}
}

// AssertUnlocked panics if m is held. Call it before discarding the
// structure that embeds m.
func (m *Mutex) AssertUnlocked() {
	if m.IsLocked() {
		m.fatalf("still locked")
	}
}

func (m *Mutex) String() string {
	s := m.State()
	if s.Mode == ModeExclusive {
		return fmt.Sprintf("mtx %q %v owner=%v", m.ident, s, m.Owner())
	}
	return fmt.Sprintf("mtx %q %v", m.ident, s)
}

func (m *Mutex) fatalf(format string, args ...any) {
	panic(fmt.Sprintf("mtx %q: ", m.ident) + fmt.Sprintf(format, args...))
}

func (m *Mutex) wmesg(wmesg string) string {
	if wmesg == "" {
		return m.ident
	}
	return wmesg
}

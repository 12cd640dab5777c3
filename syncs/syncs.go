// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package syncs adapts the mtx and slz primitives to the standard
// library's sync interfaces.
package syncs

import (
	"sync"

	"kernsync.io/lwkt"
	"kernsync.io/mtx"
	"kernsync.io/slz"
)

// Locker returns a sync.Locker that takes m exclusively on behalf of td.
// The returned Locker is bound to td and must only be used by the
// goroutine running td.
func Locker(m *mtx.Mutex, td *lwkt.Thread) sync.Locker {
	return exclusiveLocker{m, td}
}

// RLocker returns a sync.Locker that takes m shared on behalf of td.
func RLocker(m *mtx.Mutex, td *lwkt.Thread) sync.Locker {
	return sharedLocker{m, td}
}

// SerializerLocker returns a sync.Locker that enters s on behalf of td.
// If adaptive is true Lock uses AdaptiveEnter.
func SerializerLocker(s *slz.Serializer, td *lwkt.Thread, adaptive bool) sync.Locker {
	return serializerLocker{s, td, adaptive}
}

type exclusiveLocker struct {
	m  *mtx.Mutex
	td *lwkt.Thread
}

func (l exclusiveLocker) Lock()   { l.m.Lock(l.td, "") }
func (l exclusiveLocker) Unlock() { l.m.Unlock() }

type sharedLocker struct {
	m  *mtx.Mutex
	td *lwkt.Thread
}

func (l sharedLocker) Lock()   { l.m.LockShared(l.td, "") }
func (l sharedLocker) Unlock() { l.m.Unlock() }

type serializerLocker struct {
	s        *slz.Serializer
	td       *lwkt.Thread
	adaptive bool
}

func (l serializerLocker) Lock() {
	if l.adaptive {
		l.s.AdaptiveEnter(l.td)
	} else {
		l.s.Enter(l.td)
	}
}

func (l serializerLocker) Unlock() { l.s.Exit(l.td) }

// MutexValue is a value protected by an mtx.Mutex.
//
// The zero value is ready for use. Every method takes the calling thread.
type MutexValue[T any] struct {
	mu mtx.Mutex
	v  T
}

// WithLock calls f with a pointer to the value while holding the lock
// exclusively. f may recursively call other MutexValue methods with the
// same td.
func (m *MutexValue[T]) WithLock(td *lwkt.Thread, f func(p *T)) {
	m.mu.Lock(td, "")
	defer m.mu.Unlock()
	f(&m.v)
}

// Load returns a shallow copy of the value, taking the lock shared.
func (m *MutexValue[T]) Load(td *lwkt.Thread) T {
	if m.mu.OwnedBy(td) {
		return m.v
	}
	m.mu.LockShared(td, "")
	defer m.mu.Unlock()
	return m.v
}

// Store stores a shallow copy of v.
func (m *MutexValue[T]) Store(td *lwkt.Thread, v T) {
	m.mu.Lock(td, "")
	defer m.mu.Unlock()
	m.v = v
}

// Swap stores new and returns the old value.
func (m *MutexValue[T]) Swap(td *lwkt.Thread, new T) (old T) {
	m.mu.Lock(td, "")
	defer m.mu.Unlock()
	old, m.v = m.v, new
	return old
}

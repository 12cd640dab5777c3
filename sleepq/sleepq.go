// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package sleepq implements an address-keyed sleep/wakeup queue.
//
// A thread that wants to wait for a condition guarded by some lock word
// first registers interest with Interlock, then re-checks the condition,
// and only then calls Sleep. A concurrent waker that changes the condition
// and calls Wakeup or WakeupOne after the registration is guaranteed to
// wake the thread, even if the wakeup happens before Sleep is reached.
// That ordering is what closes the lost-wakeup window for the mutex and
// serializer packages.
//
// Idents are arbitrary comparable values; callers use pointers to the
// object being waited on.
package sleepq

import (
	"container/list"
	"context"
	"hash/maphash"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// bucketCount is the number of hash buckets per Queue. Many buckets keep
// unrelated waits from contending on the same bucket mutex.
const bucketCount = 1 << 10

// Waiter is a single thread's registration in a Queue.
//
// A Waiter is owned by one thread. While queued, ident and elem are
// protected by the lock of the bucket it is queued in.
type Waiter struct {
	ident any
	elem  *list.Element

	// b is the bucket w is queued in, or nil if w is not queued.
	// It is set under the bucket lock but may be loaded without it.
	b atomic.Pointer[bucket]

	// c receives one token when w is woken.
	c chan struct{}

	wmesg atomic.Pointer[string] // non-nil while in Sleep
}

// NewWaiter returns a new unqueued Waiter.
func NewWaiter() *Waiter {
	return &Waiter{c: make(chan struct{}, 1)}
}

// Queued reports whether w is currently registered and not yet woken.
func (w *Waiter) Queued() bool {
	return w.b.Load() != nil
}

// Sleeping returns the wait message passed to Sleep if w is currently
// blocked in Sleep.
func (w *Waiter) Sleeping() (wmesg string, ok bool) {
	if p := w.wmesg.Load(); p != nil {
		return *p, true
	}
	return "", false
}

type bucket struct {
	mu      sync.Mutex
	waiters list.List // of *Waiter, oldest first
	_       cpu.CacheLinePad
}

// wakeLocked wakes up to n waiters queued on ident, oldest first, and
// returns the number woken.
//
// b.mu must be held.
func (b *bucket) wakeLocked(ident any, n int) int {
	done := 0
	for e := b.waiters.Front(); e != nil && done < n; {
		w := e.Value.(*Waiter)
		next := e.Next()
		if w.ident == ident {
			b.waiters.Remove(e)
			w.elem = nil
			w.c <- struct{}{}
			// The channel send above happens before this store, so a
			// thread that observes a nil bucket also finds its token.
			w.b.Store(nil)
			done++
		}
		e = next
	}
	return done
}

// countLocked returns the number of waiters queued on ident.
//
// b.mu must be held.
func (b *bucket) countLocked(ident any) int {
	n := 0
	for e := b.waiters.Front(); e != nil; e = e.Next() {
		if e.Value.(*Waiter).ident == ident {
			n++
		}
	}
	return n
}

// Queue is a hashed table of wait queues.
//
// The zero value is not usable; use NewQueue.
type Queue struct {
	seed    maphash.Seed
	buckets [bucketCount]bucket
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	return &Queue{seed: maphash.MakeSeed()}
}

// Default is the process-wide queue used by the package-level functions.
var Default = NewQueue()

func (q *Queue) bucketFor(ident any) *bucket {
	return &q.buckets[maphash.Comparable(q.seed, ident)%bucketCount]
}

// Interlock registers w as waiting on ident. Any previous registration of
// w is dropped first. It never blocks other than on the bucket mutex.
//
// After Interlock the caller must either Sleep or Cancel.
func (q *Queue) Interlock(w *Waiter, ident any) {
	q.Cancel(w)
	b := q.bucketFor(ident)
	b.mu.Lock()
	w.ident = ident
	w.elem = b.waiters.PushBack(w)
	w.b.Store(b)
	b.mu.Unlock()
}

// Sleep blocks until w is woken or ctx is done.
//
// It returns nil if w was woken, including when the wakeup raced with
// ctx becoming done, and ctx.Err() otherwise. Either way w is no longer
// registered when Sleep returns. If w was woken between Interlock and
// Sleep, Sleep returns nil immediately; if w was never registered it
// also returns nil immediately.
func (q *Queue) Sleep(ctx context.Context, w *Waiter, wmesg string) error {
	if !w.Queued() {
		select {
		case <-w.c:
		default:
		}
		return nil
	}
	w.wmesg.Store(&wmesg)
	defer w.wmesg.Store(nil)
	select {
	case <-w.c:
		return nil
	case <-ctx.Done():
		if q.remove(w) {
			return ctx.Err()
		}
		// Woken concurrently; the token is already in flight.
		<-w.c
		return nil
	}
}

// Cancel drops w's registration without sleeping, discarding any wakeup
// that was already delivered to it.
func (q *Queue) Cancel(w *Waiter) {
	if q.remove(w) {
		return
	}
	select {
	case <-w.c:
	default:
	}
}

// remove dequeues w if it is still queued and reports whether it did.
// It returns false if w was woken (or never queued).
func (q *Queue) remove(w *Waiter) bool {
	for {
		b := w.b.Load()
		if b == nil {
			return false
		}
		b.mu.Lock()
		if b != w.b.Load() {
			// Woken between the load and the lock.
			b.mu.Unlock()
			continue
		}
		b.waiters.Remove(w.elem)
		w.elem = nil
		w.ident = nil
		w.b.Store(nil)
		b.mu.Unlock()
		return true
	}
}

// Wakeup wakes every waiter registered on ident and returns how many were
// woken.
func (q *Queue) Wakeup(ident any) int {
	b := q.bucketFor(ident)
	b.mu.Lock()
	n := b.wakeLocked(ident, int(^uint(0)>>1))
	b.mu.Unlock()
	return n
}

// WakeupOne wakes the oldest waiter registered on ident and returns the
// number woken (0 or 1).
//
// If fn is non-nil it is called with the bucket lock still held and the
// number of waiters that remain queued on ident. No waiter can register
// on ident while fn runs, which lets a caller clear a "waiters present"
// flag without racing a new waiter.
func (q *Queue) WakeupOne(ident any, fn func(remaining int)) int {
	b := q.bucketFor(ident)
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.wakeLocked(ident, 1)
	if fn != nil {
		fn(b.countLocked(ident))
	}
	return n
}

// Waiting returns the number of waiters currently registered on ident.
// It is intended for diagnostics and tests.
func (q *Queue) Waiting(ident any) int {
	b := q.bucketFor(ident)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.countLocked(ident)
}

// Interlock calls Default.Interlock.
func Interlock(w *Waiter, ident any) { Default.Interlock(w, ident) }

// Sleep calls Default.Sleep.
func Sleep(ctx context.Context, w *Waiter, wmesg string) error {
	return Default.Sleep(ctx, w, wmesg)
}

// Cancel calls Default.Cancel.
func Cancel(w *Waiter) { Default.Cancel(w) }

// Wakeup calls Default.Wakeup.
func Wakeup(ident any) int { return Default.Wakeup(ident) }

// WakeupOne calls Default.WakeupOne.
func WakeupOne(ident any, fn func(remaining int)) int { return Default.WakeupOne(ident, fn) }

// Waiting calls Default.Waiting.
func Waiting(ident any) int { return Default.Waiting(ident) }

// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package mtx

import (
	"context"
	"sync/atomic"

	"kernsync.io/lwkt"
	"kernsync.io/sleepq"
)

// Link states.
const (
	linkPending uint32 = iota
	linkGranted
	linkAborted
)

// A Link is a queued asynchronous lock request, returned by LockAsync and
// LockSharedAsync.
//
// A request completes exactly once: either it acquires the lock on
// behalf of its thread, or it is aborted. Its callback, if any, then
// runs on a separate goroutine with a nil error (the lock is held and
// the callback or its successors must Unlock it) or ErrAborted (the lock
// is not held).
type Link struct {
	fn     func(error)
	cancel context.CancelFunc
	state  atomic.Uint32
	done   chan struct{}
	err    error // written before done is closed
}

// LockAsync requests m exclusively for td without blocking the caller.
//
// If the lock can be taken (or recursed) immediately, LockAsync returns
// nil and fn is not called. Otherwise it returns a pending Link; once the
// lock is acquired, or the request is aborted, fn is called from another
// goroutine with the outcome. fn may be nil, in which case the caller
// uses Link.Wait.
func (m *Mutex) LockAsync(td *lwkt.Thread, wmesg string, fn func(error)) *Link {
	if m.TryLock(td) == nil {
		return nil
	}
	return m.startLink(fn, func(ctx context.Context, w *sleepq.Waiter) error {
		return m.lockEx(ctx, td, w, wmesg)
	})
}

// LockSharedAsync is the shared counterpart of LockAsync.
func (m *Mutex) LockSharedAsync(td *lwkt.Thread, wmesg string, fn func(error)) *Link {
	if m.TryLockShared() == nil {
		return nil
	}
	return m.startLink(fn, func(ctx context.Context, w *sleepq.Waiter) error {
		return m.lockSh(ctx, w, wmesg)
	})
}

// startLink runs lock on its own waiter so the requesting thread stays
// free to sleep elsewhere while the request is queued.
func (m *Mutex) startLink(fn func(error), lock func(context.Context, *sleepq.Waiter) error) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		fn:     fn,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w := sleepq.NewWaiter()
	go func() {
		defer cancel()
		err := lock(ctx, w)
		switch {
		case err != nil:
			// Only Abort cancels ctx.
			err = ErrAborted
		case !l.state.CompareAndSwap(linkPending, linkGranted):
			// Granted and aborted at the same time. Abort won, so hand
			// the lock back; Unlock wakes whoever is next.
			m.Unlock()
			err = ErrAborted
		}
		l.err = err
		close(l.done)
		if l.fn != nil {
			l.fn(err)
		}
	}()
	return l
}

// Abort cancels l if it has not acquired the lock yet and reports
// whether it did. The callback of an aborted request is still made, with
// ErrAborted. Abort does not wait for the callback; use Wait for that.
//
// Abort returns false if l already acquired the lock, in which case the
// caller owns it as usual.
func (l *Link) Abort() bool {
	if !l.state.CompareAndSwap(linkPending, linkAborted) {
		return false
	}
	l.cancel()
	return true
}

// Done returns a channel that is closed when l completes.
func (l *Link) Done() <-chan struct{} { return l.done }

// Wait blocks until l completes or ctx is done. It returns nil if the
// lock was acquired, ErrAborted if the request was aborted, or ctx.Err().
// Giving up on ctx does not abort the request.
func (l *Link) Wait(ctx context.Context) error {
	select {
	case <-l.done:
		return l.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

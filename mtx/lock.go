// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package mtx

import (
	"context"

	"kernsync.io/envknob"
	"kernsync.io/lockstat"
	"kernsync.io/lwkt"
	"kernsync.io/sleepq"
)

var stats = lockstat.Mutex

// exIdent is the wait address of exclusive waiters. Shared waiters wait
// on m itself.
func (m *Mutex) exIdent() any { return &m.owner }

// incr returns w with its count incremented, panicking if the count
// would saturate.
func (m *Mutex) incr(w uint32) uint32 {
	if w&Mask >= Mask-1 {
		m.fatalf("count overflow (word %#x)", w)
	}
	return w + 1
}

// Lock acquires m exclusively for td, sleeping with wait message wmesg
// (or m's ident if empty) while it is held by others. If td already holds
// m exclusively the recursion count is incremented.
func (m *Mutex) Lock(td *lwkt.Thread, wmesg string) {
	m.lockEx(context.Background(), td, td.Waiter(), wmesg)
}

// LockContext is like Lock but gives up when ctx is done, returning
// ctx.Err(). It returns nil if the lock was acquired.
func (m *Mutex) LockContext(ctx context.Context, td *lwkt.Thread, wmesg string) error {
	return m.lockEx(ctx, td, td.Waiter(), wmesg)
}

// lockEx acquires m exclusively for td, sleeping on w.
func (m *Mutex) lockEx(ctx context.Context, td *lwkt.Thread, w *sleepq.Waiter, wmesg string) error {
	for {
		old := m.word.Load()
		if old&(Exclusive|Mask) == 0 {
			// Free. Wanted bits are kept so the next release still
			// wakes whoever is left.
			if m.word.CompareAndSwap(old, old|Exclusive|1) {
				m.owner.Store(td)
				return nil
			}
			stats.AddCollision()
			continue
		}
		if old&Exclusive != 0 && m.owner.Load() == td {
			if m.word.CompareAndSwap(old, m.incr(old)) {
				return nil
			}
			stats.AddCollision()
			continue
		}

		// Register before publishing ExWanted. If the word changed since
		// old was read the CAS fails and we start over; otherwise any
		// release from here on sees ExWanted and wakes a registered
		// waiter.
		sleepq.Interlock(w, m.exIdent())
		if !m.word.CompareAndSwap(old, old|ExWanted) {
			sleepq.Cancel(w)
			stats.AddCollision()
			continue
		}
		stats.Sleeping('X', m.ident)
		if err := sleepq.Sleep(ctx, w, m.wmesg(wmesg)); err != nil {
			// Pass on a wakeup meant for the next owner if the lock
			// came free while we were giving up.
			if old := m.word.Load(); old&(Exclusive|Mask) == 0 && old&ExWanted != 0 {
				m.wakeExclusive()
			}
			return err
		}
	}
}

// LockShared acquires m shared, sleeping with wait message wmesg (or m's
// ident if empty) while it is held exclusively.
func (m *Mutex) LockShared(td *lwkt.Thread, wmesg string) {
	m.lockSh(context.Background(), td.Waiter(), wmesg)
}

// LockSharedContext is like LockShared but gives up when ctx is done,
// returning ctx.Err(). It returns nil if the lock was acquired.
func (m *Mutex) LockSharedContext(ctx context.Context, td *lwkt.Thread, wmesg string) error {
	return m.lockSh(ctx, td.Waiter(), wmesg)
}

func (m *Mutex) lockSh(ctx context.Context, w *sleepq.Waiter, wmesg string) error {
	for {
		old := m.word.Load()
		if old&Exclusive == 0 {
			if m.word.CompareAndSwap(old, m.incr(old)) {
				return nil
			}
			stats.AddCollision()
			continue
		}
		sleepq.Interlock(w, m)
		if !m.word.CompareAndSwap(old, old|ShWanted) {
			sleepq.Cancel(w)
			stats.AddCollision()
			continue
		}
		stats.Sleeping('S', m.ident)
		// Shared waiters are woken in a batch, so there is nothing to
		// pass on when giving up.
		if err := sleepq.Sleep(ctx, w, m.wmesg(wmesg)); err != nil {
			return err
		}
	}
}

// TryLock acquires m exclusively for td without blocking, or recurses if
// td already holds it. It returns ErrWouldBlock if m is held by others.
// It never touches the sleep queue.
func (m *Mutex) TryLock(td *lwkt.Thread) error {
	for {
		old := m.word.Load()
		switch {
		case old&(Exclusive|Mask) == 0:
			if m.word.CompareAndSwap(old, old|Exclusive|1) {
				m.owner.Store(td)
				return nil
			}
		case old&Exclusive != 0 && m.owner.Load() == td:
			if m.word.CompareAndSwap(old, m.incr(old)) {
				return nil
			}
		default:
			return ErrWouldBlock
		}
		lwkt.CPUPause()
		stats.AddCollision()
	}
}

// TryLockShared acquires m shared without blocking. It returns
// ErrWouldBlock if m is held exclusively.
func (m *Mutex) TryLockShared() error {
	for {
		old := m.word.Load()
		if old&Exclusive != 0 {
			return ErrWouldBlock
		}
		if m.word.CompareAndSwap(old, m.incr(old)) {
			return nil
		}
		lwkt.CPUPause()
		stats.AddCollision()
	}
}

// SpinLock is like Lock but never sleeps: it busy-waits with a bounded,
// increasing backoff until the lock is available.
func (m *Mutex) SpinLock(td *lwkt.Thread) {
	bo := lwkt.Backoff{Max: envknob.MutexSpinMax()}
	for {
		old := m.word.Load()
		switch {
		case old&(Exclusive|Mask) == 0:
			if m.word.CompareAndSwap(old, old|Exclusive|1) {
				m.owner.Store(td)
				return
			}
		case old&Exclusive != 0 && m.owner.Load() == td:
			if m.word.CompareAndSwap(old, m.incr(old)) {
				return
			}
		default:
			bo.Pause()
			stats.AddContention()
		}
		lwkt.CPUPause()
		stats.AddCollision()
	}
}

// SpinTryLock is TryLock under the name used alongside SpinLock. The two
// are identical: neither sleeps nor spins on a held lock.
func (m *Mutex) SpinTryLock(td *lwkt.Thread) error {
	return m.TryLock(td)
}

// SpinLockShared is like LockShared but never sleeps.
func (m *Mutex) SpinLockShared() {
	bo := lwkt.Backoff{Max: envknob.MutexSpinMax()}
	for {
		old := m.word.Load()
		if old&Exclusive == 0 {
			if m.word.CompareAndSwap(old, m.incr(old)) {
				return
			}
		} else {
			bo.Pause()
			stats.AddContention()
		}
		lwkt.CPUPause()
		stats.AddCollision()
	}
}

// Downgrade converts td's exclusive hold on m into a shared hold, keeping
// the count, and wakes any shared waiters. It is a no-op if m is already
// held shared. It panics if m is not held, or is held exclusively by a
// thread other than td.
func (m *Mutex) Downgrade(td *lwkt.Thread) {
	for {
		old := m.word.Load()
		if old&Exclusive == 0 {
			if old&Mask == 0 {
				m.fatalf("downgrade of unheld lock")
			}
			return
		}
		if owner := m.owner.Load(); owner != td {
			m.fatalf("downgrade by %v, held exclusively by %v", td, owner)
		}
		// The count stays nonzero, so no exclusive locker can get in
		// before owner is cleared.
		if m.word.CompareAndSwap(old, old&^(Exclusive|ShWanted)) {
			m.owner.Store(nil)
			if old&ShWanted != 0 {
				m.wakeShared()
			}
			return
		}
		lwkt.CPUPause()
		stats.AddCollision()
	}
}

// TryUpgrade converts td's shared hold on m into an exclusive hold. It
// succeeds only if td is the sole shared holder and returns ErrDeadlock
// if there are others. It is a no-op if td already holds m exclusively,
// and panics if another thread does.
func (m *Mutex) TryUpgrade(td *lwkt.Thread) error {
	for {
		old := m.word.Load()
		switch {
		case old&^ExWanted == 1:
			if m.word.CompareAndSwap(old, old|Exclusive) {
				m.owner.Store(td)
				return nil
			}
		case old&Exclusive != 0:
			if owner := m.owner.Load(); owner != td {
				m.fatalf("upgrade by %v, held exclusively by %v", td, owner)
			}
			return nil
		default:
			return ErrDeadlock
		}
		lwkt.CPUPause()
		stats.AddCollision()
	}
}

// Unlock releases one shared or exclusive reference to m. On the last
// release it wakes all shared waiters and one exclusive waiter, if any
// are pending. It panics if m is not held.
func (m *Mutex) Unlock() {
	for {
		old := m.word.Load()
		cnt := old & Mask
		if cnt == 0 {
			m.fatalf("unlock of unheld lock (word %#x)", old)
		}
		if cnt > 1 {
			if m.word.CompareAndSwap(old, old-1) {
				return
			}
			lwkt.CPUPause()
			stats.AddCollision()
			continue
		}

		// Last release. The owner must be cleared before the word
		// frees the lock, or it could clobber the next owner.
		if old&Exclusive != 0 {
			m.owner.Store(nil)
		}
		if m.word.CompareAndSwap(old, old&ExWanted) {
			if old&ShWanted != 0 {
				m.wakeShared()
			}
			if old&ExWanted != 0 {
				m.wakeExclusive()
			}
			return
		}
		lwkt.CPUPause()
		stats.AddCollision()
	}
}

func (m *Mutex) wakeShared() {
	stats.AddWakeup(sleepq.Wakeup(m))
}

// wakeExclusive wakes the oldest exclusive waiter. ExWanted is cleared
// only when no exclusive waiter remains registered; the check runs under
// the sleep queue's bucket lock, so no new waiter can register between
// the count and the clear.
func (m *Mutex) wakeExclusive() {
	n := sleepq.WakeupOne(m.exIdent(), func(remaining int) {
		if remaining == 0 {
			m.word.And(^ExWanted)
		}
	})
	stats.AddWakeup(n)
}

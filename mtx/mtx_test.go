// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package mtx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/google/go-cmp/cmp"
	"kernsync.io/lockstat"
	"kernsync.io/lwkt"
	"kernsync.io/sleepq"
	"kernsync.io/tstest"
)

func mustPanic(t *testing.T, substr string, f func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatalf("did not panic, want panic containing %q", substr)
		}
		if s := fmt.Sprint(r); !strings.Contains(s, substr) {
			t.Fatalf("panic %q does not contain %q", s, substr)
		}
	}()
	f()
}

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		word uint32
		want State
	}{
		{0, State{}},
		{Exclusive | 1, State{Mode: ModeExclusive, Count: 1}},
		{5, State{Mode: ModeShared, Count: 5}},
		{ExWanted, State{ExWanted: true}},
		{Exclusive | ExWanted | ShWanted | 3, State{Mode: ModeExclusive, Count: 3, ExWanted: true, ShWanted: true}},
		{ExWanted | 2, State{Mode: ModeShared, Count: 2, ExWanted: true}},
	}
	for _, tt := range tests {
		got := decode(tt.word)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("decode(%#x) mismatch (-want +got):\n%s", tt.word, diff)
		}
		if back := encode(got); back != tt.word {
			t.Errorf("encode(decode(%#x)) = %#x", tt.word, back)
		}
	}
}

func TestConcreteScenario(t *testing.T) {
	var m Mutex
	a := lwkt.NewThread("a")

	m.Lock(a, "")
	if got := m.word.Load(); got != Exclusive|1 {
		t.Fatalf("after Lock: word = %#x, want %#x", got, Exclusive|1)
	}
	if err := m.TryLockShared(); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("TryLockShared while exclusive = %v, want ErrWouldBlock", err)
	}
	if got := m.word.Load(); got != Exclusive|1 {
		t.Fatalf("failed try changed word to %#x", got)
	}
	m.Unlock()
	if got := m.word.Load(); got != 0 {
		t.Fatalf("after Unlock: word = %#x, want 0", got)
	}
	if err := m.TryLockShared(); err != nil {
		t.Fatalf("TryLockShared = %v", err)
	}
	if got := m.word.Load(); got != 1 {
		t.Fatalf("after shared: word = %#x, want 1", got)
	}
	m.Unlock()
	if got := m.word.Load(); got != 0 {
		t.Fatalf("after shared Unlock: word = %#x, want 0", got)
	}
	m.AssertUnlocked()
}

func TestRecursion(t *testing.T) {
	var m Mutex
	m.Init("recurse")
	a, b := lwkt.NewThread("a"), lwkt.NewThread("b")

	const R = 5
	for range R {
		m.Lock(a, "")
	}
	if err := m.TryLock(a); err != nil {
		t.Fatalf("recursive TryLock = %v", err)
	}
	m.SpinLock(a)
	want := State{Mode: ModeExclusive, Count: R + 2}
	if diff := cmp.Diff(want, m.State()); diff != "" {
		t.Fatalf("state mismatch (-want +got):\n%s", diff)
	}
	if err := m.TryLock(b); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("TryLock by other thread = %v, want ErrWouldBlock", err)
	}
	for range R + 2 {
		m.AssertExclusive(a)
		m.Unlock()
	}
	if m.IsLocked() || m.Owner() != nil {
		t.Fatalf("not fully released: %v", &m)
	}
	if err := m.TryLock(b); err != nil {
		t.Fatalf("TryLock after release = %v", err)
	}
	m.Unlock()

	mustPanic(t, "unlock of unheld lock", m.Unlock)
}

func TestCountSaturation(t *testing.T) {
	a := lwkt.NewThread("a")

	var ex Mutex
	ex.Init("ex")
	ex.word.Store(Exclusive | (Mask - 1))
	ex.owner.Store(a)
	mustPanic(t, "count overflow", func() { ex.Lock(a, "") })
	if got := ex.word.Load(); got != Exclusive|(Mask-1) {
		t.Errorf("word changed to %#x", got)
	}

	var sh Mutex
	sh.word.Store(Mask - 1)
	mustPanic(t, "count overflow", func() { sh.TryLockShared() })
	mustPanic(t, "count overflow", func() { sh.LockShared(a, "") })
}

func TestTryLock(t *testing.T) {
	var m Mutex
	a, b := lwkt.NewThread("a"), lwkt.NewThread("b")

	if err := m.TryLockShared(); err != nil {
		t.Fatal(err)
	}
	if err := m.TryLock(a); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("TryLock while shared = %v", err)
	}
	if err := m.SpinTryLock(a); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("SpinTryLock while shared = %v", err)
	}
	m.Unlock()

	if err := m.SpinTryLock(a); err != nil {
		t.Fatal(err)
	}
	if err := m.TryLock(b); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("TryLock by b = %v", err)
	}
	if sleepq.Waiting(m.exIdent()) != 0 || sleepq.Waiting(&m) != 0 {
		t.Fatal("try variant touched the sleep queue")
	}
	m.Unlock()
}

func TestDowngradeUpgrade(t *testing.T) {
	var m Mutex
	a, b := lwkt.NewThread("a"), lwkt.NewThread("b")

	m.Lock(a, "")
	m.Downgrade(a)
	if diff := cmp.Diff(State{Mode: ModeShared, Count: 1}, m.State()); diff != "" {
		t.Fatalf("after Downgrade (-want +got):\n%s", diff)
	}
	if m.Owner() != nil {
		t.Fatalf("owner = %v after Downgrade", m.Owner())
	}
	m.Downgrade(a) // no-op while shared

	if err := m.TryUpgrade(a); err != nil {
		t.Fatalf("TryUpgrade as sole holder = %v", err)
	}
	if diff := cmp.Diff(State{Mode: ModeExclusive, Count: 1}, m.State()); diff != "" {
		t.Fatalf("after TryUpgrade (-want +got):\n%s", diff)
	}
	if !m.OwnedBy(a) {
		t.Fatalf("owner = %v, want a", m.Owner())
	}
	if err := m.TryUpgrade(a); err != nil {
		t.Fatalf("TryUpgrade while exclusive = %v", err)
	}
	mustPanic(t, "upgrade by", func() { m.TryUpgrade(b) })
	mustPanic(t, "downgrade by", func() { m.Downgrade(b) })

	m.Downgrade(a)
	m.LockShared(b, "")
	if err := m.TryUpgrade(a); !errors.Is(err, ErrDeadlock) {
		t.Fatalf("TryUpgrade with two holders = %v, want ErrDeadlock", err)
	}
	m.Unlock()
	if err := m.TryUpgrade(a); err != nil {
		t.Fatalf("TryUpgrade after other holder left = %v", err)
	}
	m.Unlock()
	m.AssertUnlocked()

	mustPanic(t, "downgrade of unheld lock", func() { m.Downgrade(a) })
}

func TestDowngradeKeepsCount(t *testing.T) {
	var m Mutex
	a := lwkt.NewThread("a")
	m.Lock(a, "")
	m.Lock(a, "")
	m.Downgrade(a)
	if diff := cmp.Diff(State{Mode: ModeShared, Count: 2}, m.State()); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	m.Unlock()
	m.Unlock()
	m.AssertUnlocked()
}

func TestDowngradeWakesShared(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var m Mutex
		m.Init("dg")
		a, b := lwkt.NewThread("a"), lwkt.NewThread("b")

		m.Lock(a, "")
		var got atomic.Bool
		go func() {
			m.LockShared(b, "")
			got.Store(true)
		}()
		synctest.Wait()
		if got.Load() {
			t.Fatal("shared lock acquired while exclusive")
		}
		if !m.State().ShWanted {
			t.Fatalf("ShWanted not set: %v", &m)
		}
		if wmesg, ok := b.Waiter().Sleeping(); !ok || wmesg != "dg" {
			t.Fatalf("Sleeping = %q, %v; want dg, true", wmesg, ok)
		}

		m.Downgrade(a)
		synctest.Wait()
		if !got.Load() {
			t.Fatal("shared waiter not woken by Downgrade")
		}
		if diff := cmp.Diff(State{Mode: ModeShared, Count: 2}, m.State()); diff != "" {
			t.Fatalf("(-want +got):\n%s", diff)
		}
		m.Unlock()
		m.Unlock()
	})
}

func TestExclusiveWaiterWoken(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var m Mutex
		a, b := lwkt.NewThread("a"), lwkt.NewThread("b")
		before := lockstat.Mutex.Snapshot()

		m.Lock(a, "")
		done := make(chan struct{})
		go func() {
			m.Lock(b, "waiting")
			close(done)
		}()
		synctest.Wait()
		if n := sleepq.Waiting(m.exIdent()); n != 1 {
			t.Fatalf("exclusive waiters = %d, want 1", n)
		}
		if !m.State().ExWanted {
			t.Fatal("ExWanted not set")
		}

		m.Unlock()
		<-done
		if !m.OwnedBy(b) {
			t.Fatalf("owner = %v, want b", m.Owner())
		}
		if m.State().ExWanted {
			t.Fatal("ExWanted still set with no waiters left")
		}
		m.Unlock()
		if got := m.word.Load(); got != 0 {
			t.Fatalf("word = %#x, want 0", got)
		}

		after := lockstat.Mutex.Snapshot()
		if after.LockColls <= before.LockColls || after.Wakeup <= before.Wakeup {
			t.Errorf("stats did not move: before %+v, after %+v", before, after)
		}
	})
}

func TestExclusiveWakeupOrder(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var m Mutex
		a := lwkt.NewThread("a")
		m.Lock(a, "")

		var (
			mu    sync.Mutex
			order []string
			wg    sync.WaitGroup
		)
		for _, name := range []string{"b", "c", "d"} {
			td := lwkt.NewThread(name)
			wg.Go(func() {
				m.Lock(td, "")
				mu.Lock()
				order = append(order, td.Name())
				mu.Unlock()
				m.Unlock()
			})
			synctest.Wait()
		}
		m.Unlock()
		wg.Wait()
		if diff := cmp.Diff([]string{"b", "c", "d"}, order); diff != "" {
			t.Errorf("wake order (-want +got):\n%s", diff)
		}
		m.AssertUnlocked()
		if m.State().ExWanted {
			t.Error("ExWanted left set")
		}
	})
}

func TestSharedWaitersWokenTogether(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var m Mutex
		a := lwkt.NewThread("a")
		m.Lock(a, "")

		var wg sync.WaitGroup
		var held atomic.Int32
		release := make(chan struct{})
		for i := range 4 {
			td := lwkt.NewThread(fmt.Sprintf("r%d", i))
			wg.Go(func() {
				m.LockShared(td, "")
				held.Add(1)
				<-release
				m.Unlock()
			})
		}
		synctest.Wait()
		if held.Load() != 0 {
			t.Fatal("readers got in while exclusive")
		}
		m.Unlock()
		synctest.Wait()
		if got := held.Load(); got != 4 {
			t.Fatalf("%d readers hold the lock, want 4", got)
		}
		if diff := cmp.Diff(State{Mode: ModeShared, Count: 4}, m.State()); diff != "" {
			t.Fatalf("(-want +got):\n%s", diff)
		}
		close(release)
		wg.Wait()
		m.AssertUnlocked()
	})
}

func TestLastSharedReleaseWakesExclusive(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var m Mutex
		r1, r2, w := lwkt.NewThread("r1"), lwkt.NewThread("r2"), lwkt.NewThread("w")
		m.LockShared(r1, "")
		m.LockShared(r2, "")

		done := make(chan struct{})
		go func() {
			m.Lock(w, "")
			close(done)
		}()
		synctest.Wait()
		m.Unlock()
		synctest.Wait()
		select {
		case <-done:
			t.Fatal("writer got in with a reader still holding")
		default:
		}
		m.Unlock()
		<-done
		if !m.OwnedBy(w) {
			t.Fatalf("owner = %v, want w", m.Owner())
		}
		m.Unlock()
	})
}

func TestLockContextCancel(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var m Mutex
		a, b, c := lwkt.NewThread("a"), lwkt.NewThread("b"), lwkt.NewThread("c")
		m.Lock(a, "")

		errc := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			errc <- m.LockContext(ctx, b, "")
		}()
		synctest.Wait()

		cDone := make(chan struct{})
		go func() {
			m.Lock(c, "")
			close(cDone)
		}()
		synctest.Wait()

		time.Sleep(2 * time.Second)
		if err := <-errc; !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("LockContext = %v, want DeadlineExceeded", err)
		}
		if b.Waiter().Queued() {
			t.Fatal("abandoned waiter still queued")
		}

		// c must not be stranded by b giving up.
		m.Unlock()
		<-cDone
		if !m.OwnedBy(c) {
			t.Fatalf("owner = %v, want c", m.Owner())
		}
		m.Unlock()
		m.AssertUnlocked()
		if m.State().ExWanted {
			t.Fatal("ExWanted left set")
		}
	})
}

func TestLockSharedContextCancel(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var m Mutex
		a, b := lwkt.NewThread("a"), lwkt.NewThread("b")
		m.Lock(a, "")

		ctx, cancel := context.WithCancel(context.Background())
		errc := make(chan error, 1)
		go func() { errc <- m.LockSharedContext(ctx, b, "") }()
		synctest.Wait()
		cancel()
		if err := <-errc; !errors.Is(err, context.Canceled) {
			t.Fatalf("LockSharedContext = %v, want Canceled", err)
		}
		m.Unlock()
		m.AssertUnlocked()

		if err := m.LockSharedContext(context.Background(), b, ""); err != nil {
			t.Fatal(err)
		}
		m.Unlock()
	})
}

func TestSpinLockContended(t *testing.T) {
	var m Mutex
	a, b := lwkt.NewThread("a"), lwkt.NewThread("b")
	m.Lock(a, "")

	done := make(chan struct{})
	go func() {
		m.SpinLock(b)
		m.Unlock()
		m.SpinLockShared()
		m.Unlock()
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("SpinLock acquired a held lock")
	default:
	}
	m.Unlock()
	<-done
	if sleepq.Waiting(m.exIdent()) != 0 {
		t.Fatal("spin lock registered on the sleep queue")
	}
	m.AssertUnlocked()
}

func TestMutualExclusion(t *testing.T) {
	tstest.ResourceCheck(t)
	var m Mutex
	m.Init("mutex")
	const workers, iters = 8, 2000

	var inside atomic.Int32
	tstest.Stress(t, workers, func(i int, td *lwkt.Thread) error {
		for j := range iters {
			switch (i + j) % 3 {
			case 0:
				m.Lock(td, "")
			case 1:
				m.SpinLock(td)
			case 2:
				for m.TryLock(td) != nil {
					lwkt.CPUPause()
				}
			}
			if n := inside.Add(1); n != 1 {
				m.Unlock()
				return fmt.Errorf("%v: %d threads inside the critical section", td, n)
			}
			inside.Add(-1)
			m.Unlock()
		}
		return nil
	})
	m.AssertUnlocked()
}

func TestSharedExclusiveExclusivity(t *testing.T) {
	var m Mutex
	const readers, writers, iters = 6, 3, 1000

	var nreaders, nwriters, violations atomic.Int32
	var wg sync.WaitGroup
	for i := range readers {
		td := lwkt.NewThread(fmt.Sprintf("r%d", i))
		wg.Go(func() {
			for range iters {
				m.LockShared(td, "")
				nreaders.Add(1)
				if nwriters.Load() != 0 || m.IsExclusive() {
					violations.Add(1)
				}
				nreaders.Add(-1)
				m.Unlock()
			}
		})
	}
	for i := range writers {
		td := lwkt.NewThread(fmt.Sprintf("w%d", i))
		wg.Go(func() {
			for range iters {
				m.Lock(td, "")
				nwriters.Add(1)
				if nreaders.Load() != 0 || m.State().Count != 1 {
					violations.Add(1)
				}
				nwriters.Add(-1)
				m.Unlock()
			}
		})
	}
	wg.Wait()
	if n := violations.Load(); n != 0 {
		t.Fatalf("%d exclusivity violations", n)
	}
	m.AssertUnlocked()
}

// TestNoLostWakeup has a holder release and immediately reacquire in a
// tight loop while another thread blocks for the lock.
func TestNoLostWakeup(t *testing.T) {
	var m Mutex
	const iters = 5000
	var wg sync.WaitGroup
	for i := range 2 {
		td := lwkt.NewThread(fmt.Sprintf("t%d", i))
		wg.Go(func() {
			for range iters {
				m.Lock(td, "")
				m.Unlock()
			}
		})
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Minute):
		t.Fatalf("lost wakeup: stuck with %v", &m)
	}
	m.AssertUnlocked()
}

func TestAssertions(t *testing.T) {
	var m Mutex
	m.Init("softc")
	a, b := lwkt.NewThread("a"), lwkt.NewThread("b")

	mustPanic(t, "not locked", m.AssertLocked)
	m.Lock(a, "")
	m.AssertLocked()
	mustPanic(t, "still locked", m.AssertUnlocked)
	mustPanic(t, "not held exclusively", func() { m.AssertExclusive(b) })
	if s := m.String(); !strings.Contains(s, `"softc"`) || !strings.Contains(s, "exclusive(1)") {
		t.Errorf("String = %q", s)
	}
	m.Unlock()
	if s := m.String(); !strings.Contains(s, "unlocked") {
		t.Errorf("String = %q", s)
	}
}

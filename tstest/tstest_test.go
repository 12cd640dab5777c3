// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package tstest

import (
	"errors"
	"sync/atomic"
	"testing"

	"kernsync.io/lwkt"
)

func TestStress(t *testing.T) {
	ResourceCheck(t)
	var n atomic.Int32
	seen := make([]*lwkt.Thread, 4)
	Stress(t, 4, func(i int, td *lwkt.Thread) error {
		n.Add(1)
		seen[i] = td
		return nil
	})
	if got := n.Load(); got != 4 {
		t.Fatalf("ran %d workers, want 4", got)
	}
	ids := map[uint64]bool{}
	for _, td := range seen {
		ids[td.ID()] = true
	}
	if len(ids) != 4 {
		t.Fatalf("workers shared threads: %v", seen)
	}
}

type fakeTB struct {
	testing.TB
	failed bool
}

func (f *fakeTB) Helper()            {}
func (f *fakeTB) Name() string       { return "fake" }
func (f *fakeTB) Fatal(...any)       { f.failed = true }
func (f *fakeTB) Setenv(_, _ string) {}

func TestStressError(t *testing.T) {
	tb := &fakeTB{TB: t}
	Stress(tb, 3, func(i int, td *lwkt.Thread) error {
		if i == 1 {
			return errors.New("violation")
		}
		return nil
	})
	if !tb.failed {
		t.Fatal("Stress did not fail on a worker error")
	}
}

func TestWhileTestRunningLogger(t *testing.T) {
	var logf func(string, ...any)
	t.Run("inner", func(t *testing.T) {
		logf = WhileTestRunningLogger(t)
		logf("hello %d", 1)
	})
	logf("after the test, discarded")
}

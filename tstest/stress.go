// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package tstest

import (
	"fmt"
	"testing"

	"golang.org/x/sync/errgroup"
	"kernsync.io/lwkt"
)

// Stress runs fn in n concurrent workers, each with its own thread, and
// fails tb with the first error any worker returns.
func Stress(tb testing.TB, n int, fn func(worker int, td *lwkt.Thread) error) {
	tb.Helper()
	var g errgroup.Group
	for i := range n {
		td := lwkt.NewThread(fmt.Sprintf("%s/%d", tb.Name(), i))
		g.Go(func() error { return fn(i, td) })
	}
	if err := g.Wait(); err != nil {
		tb.Fatal(err)
	}
}

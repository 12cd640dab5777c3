// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package tstest

import (
	"sync"
	"testing"

	"kernsync.io/types/logger"
)

// WhileTestRunningLogger returns a logger.Logf that logs to t.Logf until
// the test finishes, and discards afterwards. Goroutines that outlive the
// test can keep logging without panicking the test binary.
func WhileTestRunningLogger(t testing.TB) logger.Logf {
	var (
		mu   sync.Mutex
		done bool
	)
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		done = true
	})
	return func(format string, args ...any) {
		t.Helper()
		mu.Lock()
		defer mu.Unlock()
		if done {
			return
		}
		t.Logf(format, args...)
	}
}

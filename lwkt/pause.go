// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package lwkt

import "runtime"

// CPUPause is the cpu_pause equivalent: a hint that the caller is in a
// spin loop. It is an out-of-line call and nothing more.
//
//go:noinline
func CPUPause() {}

// Backoff is an increasing, bounded busy-wait used by spin loops.
// The zero value is ready to use and starts at one iteration.
//
// A Backoff is not safe for concurrent use; each spinning goroutine keeps
// its own.
type Backoff struct {
	// Max caps the number of busy iterations per Pause. Zero means 1000.
	Max int

	n    int
	sink int // keeps the busy loop from being optimized away
}

// Pause busy-waits for the current backoff and grows it by one, up to Max.
// Once the cap is reached it also yields the processor so a spinning
// goroutine cannot monopolize a P when GOMAXPROCS is small.
func (b *Backoff) Pause() {
	max := b.Max
	if max <= 0 {
		max = 1000
	}
	if b.n < max {
		b.n++
	}
	CPUPause()
	for i := 0; i < b.n; i++ {
		b.sink++
	}
	if b.n >= max {
		runtime.Gosched()
	}
}

// Iterations returns the busy-loop length used by the last Pause.
func (b *Backoff) Iterations() int { return b.n }

// Reset sets the backoff back to its initial value.
func (b *Backoff) Reset() { b.n = 0 }

// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package lwkt provides the thread identity used by the locking
// primitives in this module.
//
// Go does not expose goroutine identity, so code that needs "curthread"
// semantics (lock ownership, recursion, sleeping on an address) passes a
// *Thread explicitly. A Thread is bound to one goroutine at a time; it may
// be handed to another goroutine only after the first stops using it.
package lwkt

import (
	"fmt"
	"sync/atomic"

	"kernsync.io/sleepq"
)

var lastID atomic.Uint64

// Thread is a lightweight kernel thread identity.
//
// The zero value is not usable; use NewThread.
type Thread struct {
	id   uint64
	name string

	// w is the thread's sleep queue registration. A thread can be
	// interlocked on at most one wait address at a time.
	w *sleepq.Waiter
}

// NewThread returns a new Thread with a process-unique ID.
func NewThread(name string) *Thread {
	return &Thread{
		id:   lastID.Add(1),
		name: name,
		w:    sleepq.NewWaiter(),
	}
}

// ID returns the thread's process-unique ID.
func (td *Thread) ID() uint64 { return td.id }

// Name returns the name td was created with.
func (td *Thread) Name() string { return td.name }

// Waiter returns td's sleep queue waiter.
func (td *Thread) Waiter() *sleepq.Waiter { return td.w }

func (td *Thread) String() string {
	if td == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s#%d", td.name, td.id)
}

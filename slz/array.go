// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package slz

import "kernsync.io/lwkt"

// ArrayEnter enters arr[start:] in index order on behalf of td. Every
// caller that takes more than one serializer of a set must use the same
// order, which is what makes the set deadlock-free.
func ArrayEnter(td *lwkt.Thread, arr []*Serializer, start int) {
	for _, s := range arr[start:] {
		s.Enter(td)
	}
}

// ArrayExit exits arr[start:] in reverse index order. td must hold all
// of them.
func ArrayExit(td *lwkt.Thread, arr []*Serializer, start int) {
	for i := len(arr) - 1; i >= start; i-- {
		arr[i].Exit(td)
	}
}

// ArrayTry tries to enter arr[start:] in index order without sleeping.
// It either takes all of them and reports true, or takes none: on the
// first failure the ones already entered are exited in reverse order.
func ArrayTry(td *lwkt.Thread, arr []*Serializer, start int) bool {
	for i := start; i < len(arr); i++ {
		if !arr[i].TryEnter(td) {
			ArrayExit(td, arr[:i], start)
			return false
		}
	}
	return true
}

// ArrayAssertSerialized panics unless td holds every serializer in
// arr[start:].
func ArrayAssertSerialized(td *lwkt.Thread, arr []*Serializer, start int) {
	for _, s := range arr[start:] {
		s.AssertSerialized(td)
	}
}

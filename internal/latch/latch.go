// Package latch bridges edge notifications from an interrupt-style producer
// into a cooperative poll loop.
package latch

import "sync/atomic"

// Latch is a coalescing event flag. Any number of Signal calls between two
// Consume calls are observed as a single pending event; it is not a counter.
//
// Signal is safe to call from a GPIO watcher goroutine (or any other
// producer) concurrently with Consume from the poll loop. The zero value is
// ready to use.
type Latch struct {
	pending atomic.Bool
}

// Signal marks an event as pending. It never blocks, allocates, or performs I/O.
func (l *Latch) Signal() {
	l.pending.Store(true)
}

// Consume reports whether an event was pending and clears it in the same
// atomic step, so a Signal racing with Consume is never lost.
func (l *Latch) Consume() bool {
	return l.pending.Swap(false)
}

// Pending reports the flag without clearing it.
func (l *Latch) Pending() bool {
	return l.pending.Load()
}

package webrtc

import (
	"sync"
	"sync/atomic"
)

// observerList is a revocable list of event callbacks. Emission snapshots
// the list so callbacks run without any engine lock held.
type observerList[E any] struct {
	mu      sync.Mutex
	entries []*observerEntry[E]
}

type observerEntry[E any] struct {
	fn     func(E)
	active atomic.Bool
}

func (l *observerList[E]) add(fn func(E)) (cancel func()) {
	entry := &observerEntry[E]{fn: fn}
	entry.active.Store(true)

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()

	return func() {
		if !entry.active.Swap(false) {
			return
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, e := range l.entries {
			if e == entry {
				l.entries = append(l.entries[:i], l.entries[i+1:]...)
				break
			}
		}
	}
}

// emitter returns a func delivering ev to the callbacks registered now.
// Callbacks revoked before delivery are skipped.
func (l *observerList[E]) emitter(ev E) func() {
	l.mu.Lock()
	snapshot := make([]*observerEntry[E], len(l.entries))
	copy(snapshot, l.entries)
	l.mu.Unlock()

	return func() {
		for _, entry := range snapshot {
			if entry.active.Load() {
				entry.fn(ev)
			}
		}
	}
}

func (l *observerList[E]) clear() {
	l.mu.Lock()
	entries := l.entries
	l.entries = nil
	l.mu.Unlock()

	for _, entry := range entries {
		entry.active.Store(false)
	}
}

// dispatch collects work produced under the router lock and runs it after
// the lock is released.
type dispatch []func()

func (d *dispatch) push(fn func()) {
	*d = append(*d, fn)
}

func (d dispatch) run() {
	for _, fn := range d {
		fn()
	}
}

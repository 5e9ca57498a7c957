package services

import "sync"

// logBuffer is a capped, newest-first in-memory log. Entries past the cap
// are dropped from the tail.
type logBuffer[T any] struct {
	mu      sync.RWMutex
	cap     int
	entries []T
}

func newLogBuffer[T any](capacity int) *logBuffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &logBuffer[T]{cap: capacity}
}

// Push prepends entries, keeping their relative order.
func (b *logBuffer[T]) Push(entries ...T) {
	if len(entries) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	next := make([]T, 0, len(entries)+len(b.entries))
	next = append(next, entries...)
	next = append(next, b.entries...)
	if len(next) > b.cap {
		next = next[:b.cap]
	}
	b.entries = next
}

// Snapshot returns a copy, newest first.
func (b *logBuffer[T]) Snapshot() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]T(nil), b.entries...)
}

func (b *logBuffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Retain keeps only entries for which keep returns true and reports how many
// were removed.
func (b *logBuffer[T]) Retain(keep func(T) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.entries[:0:0]
	for _, e := range b.entries {
		if keep(e) {
			kept = append(kept, e)
		}
	}
	removed := len(b.entries) - len(kept)
	b.entries = kept
	return removed
}

// keyedMutex serializes work per key (entity id).
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the lock for key and returns its release func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

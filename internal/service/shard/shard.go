// Package shard keeps per-key state behind per-key locks, so work on one
// instrument never waits on another.
package shard

import (
	"sort"
	"sync"
)

type entry[T any] struct {
	mu  sync.Mutex
	val T
}

// Map lazily creates one value per key. Callers mutate a value only inside With.
type Map[T any] struct {
	mu      sync.RWMutex
	entries map[string]*entry[T]
	newFn   func(key string) T
}

func New[T any](newFn func(key string) T) *Map[T] {
	return &Map[T]{entries: make(map[string]*entry[T]), newFn: newFn}
}

func (m *Map[T]) get(key string, create bool) *entry[T] {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if ok || !create {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.entries[key]; ok {
		return e
	}
	e = &entry[T]{val: m.newFn(key)}
	m.entries[key] = e
	return e
}

// With runs fn holding the key's lock, creating the value on first use.
func (m *Map[T]) With(key string, fn func(v T)) {
	e := m.get(key, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.val)
}

// Peek runs fn holding the key's lock if the key exists. It never creates state.
func (m *Map[T]) Peek(key string, fn func(v T)) bool {
	e := m.get(key, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.val)
	return true
}

// Keys returns the known keys, sorted.
func (m *Map[T]) Keys() []string {
	m.mu.RLock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

func (m *Map[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

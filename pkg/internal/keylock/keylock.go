/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package keylock provides mutual exclusion scoped to string keys, so that
// operations on unrelated keys never block each other.
package keylock

import "sync"

// Set holds one lock per in-use key. Locks are created on demand and
// discarded once the last holder releases them.
type Set struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	refs int
	mu   sync.Mutex
}

// New returns an empty lock set.
func New() *Set {
	return &Set{entries: make(map[string]*entry)}
}

// Lock acquires the lock for the given key and returns the release function.
func (s *Set) Lock(key string) func() {
	s.mu.Lock()

	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}

	e.refs++

	s.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		s.mu.Lock()

		e.refs--
		if e.refs == 0 {
			delete(s.entries, key)
		}

		s.mu.Unlock()
	}
}

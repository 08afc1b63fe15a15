// Package dedup provides the run-scoped set of order numbers already attempted.
package dedup

import "strings"

// Set remembers keys in insertion order. It is owned by a single run and is
// not safe for concurrent use.
type Set struct {
	seen map[string]struct{}
	keys []string
}

// NewSet creates an empty set
func NewSet() *Set {
	return &Set{seen: make(map[string]struct{})}
}

// Normalize trims surrounding whitespace so table formatting never splits a key
func Normalize(key string) string {
	return strings.TrimSpace(key)
}

// Mark records key and reports whether it was new. A key is marked the moment
// an attempt starts, so a failed attempt is never repeated.
func (s *Set) Mark(key string) bool {
	key = Normalize(key)
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	s.keys = append(s.keys, key)
	return true
}

// has reports whether key was already marked
func (s *Set) has(key string) bool {
	_, ok := s.seen[Normalize(key)]
	return ok
}

// Len returns the number of distinct keys
func (s *Set) Len() int {
	return len(s.keys)
}

// snapshot returns the keys in the order they were first marked
func (s *Set) snapshot() []string {
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

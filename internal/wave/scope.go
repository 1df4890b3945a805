package wave

import (
	"sort"
	"sync"
)

// Scope is the shared key/value store a plan executes against. Stages in a
// wave read a snapshot taken at the wave barrier and each stage writes
// exactly one key, so no two stages ever contend on the same entry.
type Scope struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewScope builds a scope seeded with the given entries.
func NewScope(seed map[string]string) *Scope {
	values := make(map[string]string, len(seed))
	for k, v := range seed {
		values[k] = v
	}
	return &Scope{values: values}
}

// Set stores a value under key, replacing any previous value.
func (s *Scope) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get returns the value stored under key.
func (s *Scope) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Snapshot returns a copy of the current contents. Mutating the copy does
// not affect the scope.
func (s *Scope) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Keys returns the stored keys in sorted order.
func (s *Scope) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

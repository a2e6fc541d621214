package breaker

import (
	"context"
	"sync"
)

// Set manages one breaker per collaborator name, created on first use.
type Set struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewSet creates an empty breaker set sharing one config.
func NewSet(config Config) *Set {
	return &Set{
		breakers: make(map[string]*Breaker),
		config:   config.withDefaults(),
	}
}

// Get returns the breaker for name, creating it if needed.
func (s *Set) Get(name string) *Breaker {
	s.mu.RLock()
	if b, ok := s.breakers[name]; ok {
		s.mu.RUnlock()
		return b
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, s.config)
	s.breakers[name] = b
	return b
}

// Execute runs fn under the named breaker.
func (s *Set) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return s.Get(name).Execute(ctx, fn)
}

// Reset forces the named breaker closed. Unknown names are a no-op.
func (s *Set) Reset(name string) {
	s.mu.RLock()
	b, ok := s.breakers[name]
	s.mu.RUnlock()
	if ok {
		b.Reset()
	}
}

// ResetAll forces every breaker closed.
func (s *Set) ResetAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.breakers {
		b.Reset()
	}
}

// Snapshots returns diagnostics for every breaker.
func (s *Set) Snapshots() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.breakers))
	for _, b := range s.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

package crossproc

import (
	"errors"
	"sort"
	"sync"
)

// Set keeps one Signal per name for the whole process so repeated lookups
// share handlers and never open a second primitive.
type Set struct {
	opts []Option

	mu      sync.Mutex
	signals map[string]*Signal
}

// NewSet returns an empty set; opts apply to every signal it creates.
func NewSet(opts ...Option) *Set {
	return &Set{opts: opts, signals: make(map[string]*Signal)}
}

// Get returns the signal for name, creating it on first use.
func (s *Set) Get(name string) *Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sig, ok := s.signals[name]; ok {
		return sig
	}
	sig := New(name, s.opts...)
	s.signals[name] = sig
	return sig
}

// lookup returns the signal for name without creating it.
func (s *Set) lookup(name string) (*Signal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[name]
	return sig, ok
}

// names returns the names of all signals in the set, sorted.
func (s *Set) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.signals))
	for n := range s.signals {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Forget closes and drops the signal for name. A later Get creates a fresh one.
func (s *Set) Forget(name string) error {
	s.mu.Lock()
	sig, ok := s.signals[name]
	delete(s.signals, name)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return sig.Close()
}

// Close closes every signal in the set.
func (s *Set) Close() error {
	s.mu.Lock()
	all := make([]*Signal, 0, len(s.signals))
	for _, sig := range s.signals {
		all = append(all, sig)
	}
	s.signals = make(map[string]*Signal)
	s.mu.Unlock()

	var errs []error
	for _, sig := range all {
		if err := sig.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

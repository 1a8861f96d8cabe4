// Package staticattrs is a trivial in-memory preemption.AttributeStore for
// tests and the demonstration binary: a fixed map supplied at
// construction, no refresh, no backing ZooKeeper/thrift round trip (host
// attribute discovery is an explicit non-goal, §1).
package staticattrs

import "github.com/armadaproject/taskscheduler/internal/preemption"

// Store is a preemption.AttributeStore backed by a plain map.
type Store struct {
	attrs map[string]preemption.HostAttributes
}

// New builds a Store from a fixed hostname -> attributes map.
func New(attrs map[string]preemption.HostAttributes) *Store {
	return &Store{attrs: attrs}
}

// GetHostAttributes implements preemption.AttributeStore.
func (s *Store) GetHostAttributes(host string) (preemption.HostAttributes, bool) {
	a, ok := s.attrs[host]
	return a, ok
}

// Set adds or replaces the attributes recorded for host.
func (s *Store) Set(host string, attrs preemption.HostAttributes) {
	if s.attrs == nil {
		s.attrs = make(map[string]preemption.HostAttributes)
	}
	s.attrs[host] = attrs
}

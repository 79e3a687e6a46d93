package permission

import "sync/atomic"

// Set is an immutable collection of permissions keyed by name.
// The zero value is an empty set.
type Set struct {
	byName map[string]Permission
	order  []string
}

// NewSet builds a set. A later permission replaces an earlier one with the
// same name but keeps the earlier position.
func NewSet(perms ...Permission) *Set {
	s := &Set{byName: make(map[string]Permission, len(perms))}
	for _, p := range perms {
		if p.IsZero() {
			continue
		}
		if _, exists := s.byName[p.name]; !exists {
			s.order = append(s.order, p.name)
		}
		s.byName[p.name] = p
	}
	return s
}

// Get returns the permission with the given name.
func (s *Set) Get(name string) (Permission, bool) {
	if s == nil {
		return Permission{}, false
	}
	p, ok := s.byName[name]
	return p, ok
}

// Len returns the number of permissions in the set.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Names returns the permission names in declaration order.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.order...)
}

// All returns the permissions in declaration order.
func (s *Set) All() []Permission {
	if s == nil {
		return nil
	}
	out := make([]Permission, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.byName[name])
	}
	return out
}

// Overlay returns a new set where each override replaces the permission of the
// same name as a whole. Overrides with new names are appended.
func (s *Set) Overlay(overrides ...Permission) *Set {
	return NewSet(append(s.All(), overrides...)...)
}

// Store holds the current set for a plugin. Replace swaps the whole set, so
// readers observe either the old or the new rules, never a mix.
type Store struct {
	current atomic.Pointer[Set]
	version atomic.Uint64
}

// NewStore creates a store seeded with set.
func NewStore(set *Set) *Store {
	st := &Store{}
	st.Replace(set)
	return st
}

// Current returns the active set. It never returns nil.
func (st *Store) Current() *Set {
	if s := st.current.Load(); s != nil {
		return s
	}
	return &Set{}
}

// Replace installs set as the active set and bumps the version.
func (st *Store) Replace(set *Set) {
	if set == nil {
		set = &Set{}
	}
	st.current.Store(set)
	st.version.Add(1)
}

// Version returns a counter that increases on every Replace.
func (st *Store) Version() uint64 {
	return st.version.Load()
}

// Package set provides a minimal generic set.
package set

// Set is a set of comparable values. The zero value is ready to use.
type Set[T comparable] struct {
	set map[T]struct{}
}

func (s *Set[T]) Insert(k T) {
	if s.set == nil {
		s.set = make(map[T]struct{})
	}
	s.set[k] = struct{}{}
}

func (s *Set[T]) Contains(k T) bool {
	_, ok := s.set[k]
	return ok
}

// Len returns the number of values in the set.
func (s *Set[T]) Len() int {
	return len(s.set)
}

package model

import "sort"

// PathSet is a set of repository-relative paths.
type PathSet map[string]struct{}

// NewPathSet builds a PathSet from a list of paths.
func NewPathSet(paths ...string) PathSet {
	s := make(PathSet, len(paths))
	for _, p := range paths {
		s[p] = struct{}{}
	}
	return s
}

// Has reports whether p is in the set.
func (s PathSet) Has(p string) bool {
	_, ok := s[p]
	return ok
}

// Sorted returns the members in lexical order.
func (s PathSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// SourceState is the state of the authoritative repository at one point in time.
// Deleted is a subset of Changed.
type SourceState struct {
	Revision string  `json:"revision"`
	Since    string  `json:"since,omitempty"`
	Dirty    bool    `json:"dirty"`
	Changed  PathSet `json:"-"`
	Deleted  PathSet `json:"-"`
}

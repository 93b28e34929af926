package binding

import (
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// Marker identifies the bindings of one persistence unit.
type Marker string

// NewMarker trims and NFC-normalizes name.
// Returns the empty marker for blank input.
func NewMarker(name string) Marker {
	return Marker(norm.NFC.String(strings.TrimSpace(name)))
}

// String returns the marker name.
func (m Marker) String() string {
	return string(m)
}

// IsZero reports whether the marker is empty.
func (m Marker) IsZero() bool {
	return m == ""
}

// MarkerSet is an insertion-ordered set of markers.
//
// Thread-safety: all methods are safe for concurrent use.
type MarkerSet struct {
	mu    sync.RWMutex
	order []Marker
	index map[Marker]struct{}
}

// NewMarkerSet creates an empty set.
func NewMarkerSet() *MarkerSet {
	return &MarkerSet{index: make(map[Marker]struct{})}
}

// Add inserts m and reports whether it was not already present.
func (s *MarkerSet) Add(m Marker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[m]; ok {
		return false
	}
	s.index[m] = struct{}{}
	s.order = append(s.order, m)
	return true
}

// Contains reports whether m is in the set.
func (s *MarkerSet) Contains(m Marker) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[m]
	return ok
}

// Len returns the number of markers.
func (s *MarkerSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// All returns a copy of the markers in insertion order.
func (s *MarkerSet) All() []Marker {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Marker, len(s.order))
	copy(out, s.order)
	return out
}

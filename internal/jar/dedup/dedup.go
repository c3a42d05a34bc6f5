// Package dedup tracks recently-seen jars so the analyzer can skip
// re-hashing archives it has already reported for a given VM instance.
package dedup

import (
	"container/list"
	"sync"
)

const capacity = 100

// Set is a fixed-capacity, insertion-order LRU set of string keys. Once full,
// adding a new key evicts the oldest-inserted key still present. Safe for
// concurrent use.
type Set struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	index map[string]*list.Element
}

// NewSet creates an empty Set with room for up to 100 keys.
func NewSet() *Set {
	return &Set{
		cap:   capacity,
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Seen reports whether key is already in the set.
func (s *Set) Seen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[key]
	return ok
}

// Add inserts key into the set, evicting the oldest entry if the set is at
// capacity and key is not already present. Returns true if key was newly
// added, false if it was already a member.
func (s *Set) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[key]; ok {
		return false
	}

	if s.order.Len() >= s.cap {
		oldest := s.order.Front()
		if oldest != nil {
			s.order.Remove(oldest)
			delete(s.index, oldest.Value.(string))
		}
	}

	elem := s.order.PushBack(key)
	s.index[key] = elem
	return true
}

// Tracker bundles the two jar-identity sets the analyzer needs: one keyed by
// the jar's source metaUrl, one keyed by its content digest plus entry count
// (so identical archives fetched from different locations are still caught).
type Tracker struct {
	ByLocation *Set
	ByDigest   *Set
}

// NewTracker creates a Tracker with fresh, empty sets.
func NewTracker() *Tracker {
	return &Tracker{
		ByLocation: NewSet(),
		ByDigest:   NewSet(),
	}
}

// SeenOrAdd reports whether the jar identified by location and digestKey has
// already been observed via either identity, recording both as seen when it
// has not.
func (t *Tracker) SeenOrAdd(location, digestKey string) bool {
	locSeen := t.ByLocation.Seen(location)
	digestSeen := t.ByDigest.Seen(digestKey)

	t.ByLocation.Add(location)
	t.ByDigest.Add(digestKey)

	return locSeen || digestSeen
}

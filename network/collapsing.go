package network

import "sync"

// CollapsingSet tracks positive message ids with bounded memory. Every id
// <= floor is implicitly a member; ids above the floor live in a sparse tail.
// Adding floor+1 advances the floor over the contiguous run that follows and
// evicts it from the tail.
type CollapsingSet struct {
	mu    sync.Mutex
	floor int64
	tail  map[int64]struct{}
}

// NewCollapsingSet creates an empty set (floor 0).
func NewCollapsingSet() *CollapsingSet {
	return &CollapsingSet{tail: make(map[int64]struct{})}
}

// Add inserts id and reports whether it was not already present.
func (s *CollapsingSet) Add(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(id)
}

func (s *CollapsingSet) addLocked(id int64) bool {
	if s.containsLocked(id) {
		return false
	}
	if id != s.floor+1 {
		s.tail[id] = struct{}{}
		return true
	}

	s.floor = id
	for {
		next := s.floor + 1
		if _, ok := s.tail[next]; !ok {
			break
		}
		delete(s.tail, next)
		s.floor = next
	}
	return true
}

// AddAll inserts every id.
func (s *CollapsingSet) AddAll(ids []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.addLocked(id)
	}
}

// Contains reports whether id is a member.
func (s *CollapsingSet) Contains(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.containsLocked(id)
}

func (s *CollapsingSet) containsLocked(id int64) bool {
	if id <= s.floor {
		return true
	}
	_, ok := s.tail[id]
	return ok
}

// Size returns the number of positive ids in the set.
func (s *CollapsingSet) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.floor) + len(s.tail)
}

// Floor returns the largest id below which every id is present.
func (s *CollapsingSet) Floor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.floor
}

// TailLen returns how many ids are held individually above the floor.
func (s *CollapsingSet) TailLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tail)
}

// Clear empties the set.
func (s *CollapsingSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.floor = 0
	s.tail = make(map[int64]struct{})
}

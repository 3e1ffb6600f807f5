package queue

import (
	"sort"

	"github.com/shardmesh/ddrq/internal/ddrq/relocation"
)

// sourceSet is the ordered collection of Relocations queued against a
// single source server id (spec §3 "by_source"), kept sorted by
// relocation ordering via insertion sort on a slice. Per-source
// cardinality is small in practice (bounded by how much work can be
// outstanding against one physical server), so a sorted slice beats
// the bookkeeping of a heap here, matching the same trade-off the
// RangeMap makes.
type sourceSet struct {
	items []*relocation.Relocation
}

func newSourceSet() *sourceSet {
	return &sourceSet{}
}

func (s *sourceSet) insert(r *relocation.Relocation) {
	idx := sort.Search(len(s.items), func(i int) bool {
		return relocation.Less(r, s.items[i]) || s.items[i].ID == r.ID
	})
	if idx < len(s.items) && s.items[idx].ID == r.ID {
		s.items[idx] = r
		return
	}
	s.items = append(s.items, nil)
	copy(s.items[idx+1:], s.items[idx:])
	s.items[idx] = r
}

func (s *sourceSet) remove(id string) {
	for i, it := range s.items {
		if it.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return
		}
	}
}

func (s *sourceSet) top(n int) []*relocation.Relocation {
	if n > len(s.items) {
		n = len(s.items)
	}
	out := make([]*relocation.Relocation, n)
	copy(out, s.items[:n])
	return out
}

func (s *sourceSet) len() int {
	return len(s.items)
}

func (s *sourceSet) contains(id string) bool {
	for _, it := range s.items {
		if it.ID == id {
			return true
		}
	}
	return false
}

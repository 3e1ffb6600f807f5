// Package rangemap implements an ordered mapping from disjoint half-open
// key ranges to values, with split/merge-on-insert semantics.
//
// The map is backed by a slice sorted by range start, kept tiling the
// full keyspace the map was initialized over: every point in that
// keyspace maps to exactly one entry. Lookups use binary search, so
// reads are O(log n) and mutations are O(n) in the number of tiles they
// touch — acceptable here because keyspaces are sharded into at most a
// few thousand ranges; a balanced interval tree would only pay for
// itself at far larger tile counts.
//
// @design DS-0602
// @req RQ-0602
package rangemap

import (
	"sort"

	"github.com/shardmesh/ddrq/internal/ddrq/keyrange"
)

// Entry pairs a range with its value.
type Entry[V any] struct {
	Range keyrange.Range
	Value V
}

// Map is an ordered mapping of disjoint half-open key ranges to values.
type Map[V any] struct {
	entries []Entry[V]
}

// New creates a Map tiling the single range [full) with value v.
func New[V any](full keyrange.Range, v V) *Map[V] {
	return &Map[V]{entries: []Entry[V]{{Range: full, Value: v}}}
}

// indexOf returns the index of the entry containing key, or -1 if key
// falls outside the map's tiled keyspace.
func (m *Map[V]) indexOf(key string) int {
	i := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].Range.End > key
	})
	if i < len(m.entries) && m.entries[i].Range.Contains(key) {
		return i
	}
	return -1
}

// RangeContaining returns the unique entry covering point k.
func (m *Map[V]) RangeContaining(k string) (Entry[V], bool) {
	i := m.indexOf(k)
	if i < 0 {
		return Entry[V]{}, false
	}
	return m.entries[i], true
}

// span returns [lo, hi) indices of entries intersecting r.
func (m *Map[V]) span(r keyrange.Range) (lo, hi int) {
	lo = sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].Range.End > r.Begin
	})
	hi = sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].Range.Begin >= r.End
	})
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// IntersectingRanges returns every entry whose range intersects r, in
// ascending order.
func (m *Map[V]) IntersectingRanges(r keyrange.Range) []Entry[V] {
	lo, hi := m.span(r)
	out := make([]Entry[V], hi-lo)
	copy(out, m.entries[lo:hi])
	return out
}

// ContainedRanges returns every entry fully contained within r.
func (m *Map[V]) ContainedRanges(r keyrange.Range) []Entry[V] {
	lo, hi := m.span(r)
	out := make([]Entry[V], 0, hi-lo)
	for _, e := range m.entries[lo:hi] {
		if r.ContainsRange(e.Range) {
			out = append(out, e)
		}
	}
	return out
}

// AffectedRangesAfterInsertion returns the exact tile set that would
// result from Insert(r, v), including the new [r) entry and any
// neighbour remnants produced by splitting straddling entries, without
// mutating the map. Callers use this to re-key dependent indexes before
// calling Insert.
func (m *Map[V]) AffectedRangesAfterInsertion(r keyrange.Range, v V) []Entry[V] {
	lo, hi := m.span(r)

	var out []Entry[V]
	if lo < len(m.entries) && m.entries[lo].Range.Begin < r.Begin {
		prefix := m.entries[lo]
		prefix.Range = keyrange.Range{Begin: prefix.Range.Begin, End: r.Begin}
		out = append(out, prefix)
	}

	out = append(out, Entry[V]{Range: r, Value: v})

	if hi > 0 && hi-1 < len(m.entries) && m.entries[hi-1].Range.End > r.End {
		suffix := m.entries[hi-1]
		suffix.Range = keyrange.Range{Begin: r.End, End: suffix.Range.End}
		out = append(out, suffix)
	}

	return out
}

// Insert overwrites [r) with v. Existing entries that straddle r.Begin
// or r.End are split, retaining their prior value on the remnant
// outside r; entries fully contained in r are removed.
func (m *Map[V]) Insert(r keyrange.Range, v V) {
	tiles := m.AffectedRangesAfterInsertion(r, v)
	lo, hi := m.span(r)

	rebuilt := make([]Entry[V], 0, len(m.entries)-(hi-lo)+len(tiles))
	rebuilt = append(rebuilt, m.entries[:lo]...)
	rebuilt = append(rebuilt, tiles...)
	rebuilt = append(rebuilt, m.entries[hi:]...)
	m.entries = rebuilt
}

// Tiles returns every entry in ascending order. Callers must not mutate
// the returned slice's Range fields; it is safe to mutate Value if V is
// a pointer type the map doesn't otherwise rely on for invariants.
func (m *Map[V]) Tiles() []Entry[V] {
	out := make([]Entry[V], len(m.entries))
	copy(out, m.entries)
	return out
}

// Len returns the number of tiles currently in the map.
func (m *Map[V]) Len() int {
	return len(m.entries)
}

// Keyspace returns the full range the map was constructed over (the
// union of its first and last tile).
func (m *Map[V]) Keyspace() keyrange.Range {
	if len(m.entries) == 0 {
		return keyrange.Range{}
	}
	return keyrange.Range{Begin: m.entries[0].Range.Begin, End: m.entries[len(m.entries)-1].Range.End}
}

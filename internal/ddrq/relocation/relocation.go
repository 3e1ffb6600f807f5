// Package relocation defines the Relocation — one queued or in-flight
// data-movement intent for one shard — and the ordering the relocation
// queue admits work in.
//
// @design DS-0603
// @req RQ-0603
package relocation

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/shardmesh/ddrq/internal/ddrq/keyrange"
)

var (
	idMu     sync.Mutex
	idSource = ulid.Monotonic(rand.Reader, 0)
)

// NewID generates a unique, time-sortable relocation id. Relocation ids
// double as the final tie-breaker in relocation ordering, so a
// monotonic source (strictly increasing within the same millisecond)
// keeps ids created back-to-back ordered the same way their creation
// order would suggest.
func NewID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), idSource).String()
}

// Relocation is a unit of relocation-queue work: a pending or in-flight
// move of one key range to a new set of replicas.
type Relocation struct {
	// Range is the half-open key interval this relocation covers.
	Range keyrange.Range

	// Priority is the effective priority. Higher is more urgent.
	Priority Priority

	// HealthPriority and BoundaryPriority are tracked alongside the
	// effective Priority so that when a later enqueue supersedes an
	// earlier one, the maximum of each category survives (spec §3).
	HealthPriority   Priority
	BoundaryPriority Priority

	// StartTime is preserved across supersedes: the earliest wins.
	StartTime time.Time

	// ID uniquely tags this relocation for tracing and as the final
	// tie-break in relocation ordering.
	ID string

	// WorkFactor is the fixed-point share of one source server's
	// capacity this relocation occupies once launched. Zero while
	// queued.
	WorkFactor int

	// Src is the ordered list of source replica ids; empty until the
	// Source Fetcher resolves it.
	Src []string

	// CompleteSources is the subset of Src that currently holds every
	// shard in Range (relevant when Range spans several underlying
	// shards with differing replica sets).
	CompleteSources map[string]bool

	// WantsNewServers is set when this relocation's purpose is
	// explicitly to change the replica set (rebalance, split,
	// redundant-team eviction).
	WantsNewServers bool
}

// New constructs a freshly-enqueued Relocation from a range and
// priority category. HealthPriority/BoundaryPriority are populated from
// the category the priority belongs to, if any.
func New(r keyrange.Range, priority Priority, wantsNewServers bool) *Relocation {
	rel := &Relocation{
		Range:           r,
		Priority:        priority,
		StartTime:       time.Now(),
		ID:              NewID(),
		WantsNewServers: wantsNewServers,
	}
	if IsHealthCategory(priority) {
		rel.HealthPriority = priority
	}
	if IsBoundaryCategory(priority) {
		rel.BoundaryPriority = priority
	}
	return rel
}

// Clone returns a shallow copy of r scoped to a narrower range. Src and
// CompleteSources are copied so the clone can be mutated independently.
func (r *Relocation) Clone(scope keyrange.Range) *Relocation {
	clone := *r
	clone.Range = scope
	if r.Src != nil {
		clone.Src = append([]string(nil), r.Src...)
	}
	if r.CompleteSources != nil {
		clone.CompleteSources = make(map[string]bool, len(r.CompleteSources))
		for k, v := range r.CompleteSources {
			clone.CompleteSources[k] = v
		}
	}
	return &clone
}

// HasSource reports whether sid is one of r's resolved sources.
func (r *Relocation) HasSource(sid string) bool {
	for _, s := range r.Src {
		if s == sid {
			return true
		}
	}
	return false
}

// Fetched reports whether the Source Fetcher has resolved Src yet.
func (r *Relocation) Fetched() bool {
	return len(r.Src) > 0
}

// Less implements the relocation ordering used by the per-source
// priority set: greater priority first, ties broken by earlier
// StartTime, further ties by ID.
func Less(a, b *Relocation) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.StartTime.Equal(b.StartTime) {
		return a.StartTime.Before(b.StartTime)
	}
	return a.ID < b.ID
}

// Supersede merges rr's intent into r, the rules applied whenever a
// later enqueue displaces an earlier overlapping relocation (spec §3,
// §4.4 step 2):
//   - r.WantsNewServers is OR'd with rr's.
//   - r.StartTime becomes the earlier of the two.
//   - Each category priority (health, boundary) not already carried by
//     r takes the max with rr's.
//   - r.Priority becomes at least the max of both effective priorities
//     and both updated category priorities.
func (r *Relocation) Supersede(rr *Relocation) {
	r.WantsNewServers = r.WantsNewServers || rr.WantsNewServers

	if rr.StartTime.Before(r.StartTime) {
		r.StartTime = rr.StartTime
	}

	if rr.HealthPriority > r.HealthPriority {
		r.HealthPriority = rr.HealthPriority
	}
	if rr.BoundaryPriority > r.BoundaryPriority {
		r.BoundaryPriority = rr.BoundaryPriority
	}

	maxCategory := r.HealthPriority
	if r.BoundaryPriority > maxCategory {
		maxCategory = r.BoundaryPriority
	}

	if rr.Priority > r.Priority {
		r.Priority = rr.Priority
	}
	if maxCategory > r.Priority {
		r.Priority = maxCategory
	}
}

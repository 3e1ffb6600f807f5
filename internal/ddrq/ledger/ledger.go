// Package ledger implements the Busyness Ledger: per-source-server,
// per-priority-band cumulative work accounting that answers whether a
// relocation can launch without overloading the physical servers it
// reads from.
//
// @design DS-0602
// @req RQ-0602
package ledger

import (
	"fmt"
	"sync"

	"github.com/shardmesh/ddrq/internal/ddrq/relocation"
)

const (
	// Scale is the fixed-point unit representing one full unit of a
	// source server's relocation-read capacity.
	Scale = 10_000

	// Bands is the number of priority bands the ledger accounts for
	// (priority values span 0..999, banded by /100).
	Bands = 10
)

// Ledger tracks, for every source server id, an array of Bands
// counters in Scale fixed-point units. The invariant is monotone
// non-increasing across bands: work admitted at band b occupies
// capacity at every band 0..b, because a relocation running at
// priority p also counts against admission checks for anything of
// lower urgency.
type Ledger struct {
	mu       sync.RWMutex
	bySource map[string]*[Bands]int
}

// New returns an empty Ledger.
func New() *Ledger {
	return &Ledger{bySource: make(map[string]*[Bands]int)}
}

func (l *Ledger) bandsFor(source string) *[Bands]int {
	b, ok := l.bySource[source]
	if !ok {
		b = &[Bands]int{}
		l.bySource[source] = b
	}
	return b
}

// CanLaunch reports whether source s has room for work w at priority
// p: L[s][p.Band()] <= Scale - w.
func (l *Ledger) CanLaunch(s string, p relocation.Priority, w int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	b, ok := l.bySource[s]
	if !ok {
		return w <= Scale
	}
	return b[p.Band()] <= Scale-w
}

// AddWork charges w units of work against every band 0..p.Band() for
// source s.
func (l *Ledger) AddWork(s string, p relocation.Priority, w int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bandsFor(s)
	for band := 0; band <= p.Band(); band++ {
		b[band] += w
	}
}

// RemoveWork refunds w units of work previously charged at priority p
// for source s.
func (l *Ledger) RemoveWork(s string, p relocation.Priority, w int) {
	l.AddWork(s, p, -w)
}

// Value returns the current counter for source s at band, for
// observability and tests.
func (l *Ledger) Value(s string, band int) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	b, ok := l.bySource[s]
	if !ok {
		return 0
	}
	return b[band]
}

// Sources returns the set of source ids the ledger currently tracks
// (including sources whose counters have decayed back to zero).
func (l *Ledger) Sources() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, 0, len(l.bySource))
	for s := range l.bySource {
		out = append(out, s)
	}
	return out
}

// Clone returns a deep copy, used by the Queue to build the virtual
// ledger that launch admission evaluates refunds against without
// mutating live accounting.
func (l *Ledger) Clone() *Ledger {
	l.mu.RLock()
	defer l.mu.RUnlock()

	clone := New()
	for s, b := range l.bySource {
		cp := *b
		clone.bySource[s] = &cp
	}
	return clone
}

// Validate checks the monotone non-increasing and non-negative
// invariants across every tracked source. Only tests call it; the queue
// and driver do not.
func (l *Ledger) Validate() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for s, b := range l.bySource {
		for band := 0; band < Bands; band++ {
			if b[band] < 0 {
				return fmt.Errorf("ledger: source %s band %d is negative: %d", s, band, b[band])
			}
			if band > 0 && b[band-1] < b[band] {
				return fmt.Errorf("ledger: source %s band %d (%d) exceeds band %d (%d)", s, band, b[band], band-1, b[band-1])
			}
		}
	}
	return nil
}

// WorkFactor computes the fixed-point share of one source's capacity a
// relocation in the given health band occupies once launched (spec
// §4.2): 0/1-replicas-left bands get a full parallelism slot each,
// 2-replicas-left gets half as much contention budget, anything
// healthier is amortized across the whole team.
func WorkFactor(band relocation.HealthBand, teamSize, parallelism int) int {
	if parallelism < 1 {
		parallelism = 1
	}
	switch band {
	case relocation.HealthBand0Left, relocation.HealthBand1Left:
		return Scale / parallelism
	case relocation.HealthBand2Left:
		return Scale / (2 * parallelism)
	default:
		if teamSize < 1 {
			teamSize = 1
		}
		return Scale / (teamSize * parallelism)
	}
}

// AdmitCount reports how many of the given sources satisfy CanLaunch
// for priority p and work w against this ledger. Callers evaluate this
// against a refunded virtual ledger (via Clone + RemoveWork for every
// cancellable in-flight relocation) to implement the launch-admission
// rule of spec §4.2.
func (l *Ledger) AdmitCount(sources []string, p relocation.Priority, w int) int {
	n := 0
	for _, s := range sources {
		if l.CanLaunch(s, p, w) {
			n++
		}
	}
	return n
}

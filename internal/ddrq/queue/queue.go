// Package queue implements the Relocation Queue: the range-and-source
// indexed store of pending and in-flight Relocations, the
// supersede-on-overlap reconciliation that keeps queue_map tiled, and
// the launch-admission pass that decides which queued work starts
// moving next.
//
// Queue is not safe for concurrent use. It is owned by a single
// driver goroutine (the reactor), matching the cooperative
// single-threaded scheduling model the whole relocation core is built
// around; external callers synchronize access through that goroutine,
// not through a mutex here.
//
// @design DS-0605
// @req RQ-0605
package queue

import (
	"log/slog"
	"sort"

	"github.com/shardmesh/ddrq/internal/ddrq/keyrange"
	"github.com/shardmesh/ddrq/internal/ddrq/ledger"
	"github.com/shardmesh/ddrq/internal/ddrq/rangemap"
	"github.com/shardmesh/ddrq/internal/ddrq/relocation"
)

// Config tunes the team-shape constants the launch-admission formula
// depends on (spec §4.2).
type Config struct {
	// TeamSize is the replication factor per replication dimension.
	TeamSize int

	// SingleRegionTeamSize is the replica count confined to a single
	// region; it lowers the number of sources admission needs to
	// satisfy when most replicas sit outside that region.
	SingleRegionTeamSize int

	// Parallelism is the configured per-source relocation parallelism
	// (P in the work-factor formula).
	Parallelism int

	// UseOldNeededServers selects the legacy (pre-redesign) formula
	// for how many resolved sources launch admission must satisfy. See
	// DESIGN.md for the resolution of this option.
	UseOldNeededServers bool

	// ValidateInvariants is carried in the configuration but no code
	// path reads it: setting it runs no consistency checks.
	ValidateInvariants bool
}

// DefaultConfig returns a 3-replica, single-parallelism configuration.
func DefaultConfig() Config {
	return Config{TeamSize: 3, SingleRegionTeamSize: 3, Parallelism: 1}
}

// Queue holds the relocation queue's range-keyed and source-keyed
// indices described in spec §3: queue_map, the fetching set,
// by_source, in_flight, fetch-keys-complete, and the priority/
// unhealthy counters. It invokes the Busyness Ledger directly rather
// than through a further collaborator interface, since the two are
// conceptually one subsystem.
type Queue struct {
	cfg    Config
	ledger *ledger.Ledger
	logger *slog.Logger

	queueMap *rangemap.Map[*relocation.Relocation]
	fetching map[string]*relocation.Relocation
	bySource map[string]*sourceSet

	inFlight          *rangemap.Map[*relocation.Relocation]
	tasks             *rangemap.TaskMap
	fetchKeysComplete map[string]bool

	priorityRelocations map[relocation.Priority]int
	unhealthyCount      int
	inFlightCount       int
}

// New constructs a Queue whose queue_map and in_flight index tile the
// given keyspace.
func New(keyspace keyrange.Range, cfg Config, led *ledger.Ledger, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:                 cfg,
		ledger:              led,
		logger:              logger,
		queueMap:            rangemap.New[*relocation.Relocation](keyspace, nil),
		fetching:            make(map[string]*relocation.Relocation),
		bySource:            make(map[string]*sourceSet),
		inFlight:            rangemap.New[*relocation.Relocation](keyspace, nil),
		tasks:               rangemap.NewTaskMap(keyspace),
		fetchKeysComplete:   make(map[string]bool),
		priorityRelocations: make(map[relocation.Priority]int),
	}
}

func (q *Queue) sourceSetFor(s string) *sourceSet {
	set, ok := q.bySource[s]
	if !ok {
		set = newSourceSet()
		q.bySource[s] = set
	}
	return set
}

// adjustCounters updates the combined queued-or-in-flight priority
// counter and the unhealthy counter for one occurrence of r entering
// (delta > 0) or leaving (delta < 0) that combined population.
func (q *Queue) adjustCounters(r *relocation.Relocation, delta int) {
	q.priorityRelocations[r.Priority] += delta
	if relocation.IsUnhealthy(r.HealthPriority) {
		q.unhealthyCount += delta
	}
}

func outerSpan(tiles []rangemap.Entry[*relocation.Relocation]) keyrange.Range {
	if len(tiles) == 0 {
		return keyrange.Range{}
	}
	return keyrange.New(tiles[0].Range.Begin, tiles[len(tiles)-1].Range.End)
}

func setToSlice(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// EnqueueResult reports the follow-up work the driver must schedule
// after an Enqueue call.
type EnqueueResult struct {
	// NeedsFetch lists relocations (the new arrival, and any fetching
	// fragments produced by a split) that need a Source Fetcher task
	// started.
	NeedsFetch []*relocation.Relocation

	// AffectedSources is the set of source ids whose launch admission
	// should be re-evaluated, because a relocation that held work
	// against them was just cancelled by this enqueue.
	AffectedSources []string
}

// removeQueued evicts rr from the fetching set or every by_source[s]
// it occupies, and removes its contribution to the priority counters.
// It does not touch queue_map; callers update that separately.
func (q *Queue) removeQueued(rr *relocation.Relocation) {
	delete(q.fetching, rr.ID)
	for _, s := range rr.Src {
		if set, ok := q.bySource[s]; ok {
			set.remove(rr.ID)
		}
	}
	q.adjustCounters(rr, -1)
}

func (q *Queue) fetchingIntersecting(r keyrange.Range) []string {
	var ids []string
	for id, rel := range q.fetching {
		if rel.Range.Intersects(r) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Enqueue absorbs a newly arrived (or rebalancer-injected) Relocation
// r, reconciling it against whatever overlapping work queue_map
// already holds (spec §4.4 enqueue).
func (q *Queue) Enqueue(r *relocation.Relocation) EnqueueResult {
	affectedSources := make(map[string]bool)

	for _, e := range q.queueMap.IntersectingRanges(r.Range) {
		rr := e.Value
		if rr == nil || rr.ID == r.ID {
			continue
		}
		r.Supersede(rr)
		if r.Range.ContainsRange(rr.Range) {
			q.removeQueued(rr)
			for _, s := range rr.Src {
				affectedSources[s] = true
			}
		}
	}

	tiles := q.queueMap.AffectedRangesAfterInsertion(r.Range, r)
	outer := outerSpan(tiles)
	for _, id := range q.fetchingIntersecting(outer) {
		delete(q.fetching, id)
	}

	q.queueMap.Insert(r.Range, r)

	result := EnqueueResult{}
	seenOriginal := make(map[string]bool)
	for _, tile := range tiles {
		if tile.Range.Equal(r.Range) {
			q.fetching[r.ID] = r
			q.adjustCounters(r, 1)
			result.NeedsFetch = append(result.NeedsFetch, r)
			continue
		}

		prior := tile.Value
		if prior == nil {
			continue
		}

		if !seenOriginal[prior.ID] {
			seenOriginal[prior.ID] = true
			prior.Range = tile.Range
			if !prior.Fetched() {
				q.fetching[prior.ID] = prior
				result.NeedsFetch = append(result.NeedsFetch, prior)
			}
			continue
		}

		// A second fragment of the same original relocation (the
		// insertion landed in its interior): it needs its own
		// identity to stay addressable in by_source / fetching.
		clone := prior.Clone(tile.Range)
		clone.ID = relocation.NewID()
		q.queueMap.Insert(tile.Range, clone)
		q.adjustCounters(clone, 1)
		if clone.Fetched() {
			for _, s := range clone.Src {
				q.sourceSetFor(s).insert(clone)
			}
		} else {
			q.fetching[clone.ID] = clone
			result.NeedsFetch = append(result.NeedsFetch, clone)
		}
	}

	result.AffectedSources = setToSlice(affectedSources)
	return result
}

// CompleteSourceFetch moves r (identified by id, the relocation the
// Source Fetcher resolved) from the fetching set into every
// by_source[s] for s in the resolved source list (spec §4.4
// complete_source_fetch).
func (q *Queue) CompleteSourceFetch(id string, src, complete []string) (*relocation.Relocation, bool) {
	r, ok := q.fetching[id]
	if !ok {
		return nil, false
	}
	delete(q.fetching, id)

	r.Src = src
	r.CompleteSources = make(map[string]bool, len(complete))
	for _, s := range complete {
		r.CompleteSources[s] = true
	}

	for _, s := range src {
		q.sourceSetFor(s).insert(r)
	}
	return r, true
}

// Trigger selects the candidate set TryLaunch considers, matching the
// three trigger shapes of spec §4.4 try_launch.
type Trigger struct {
	relocation *relocation.Relocation
	rng        *keyrange.Range
	sources    []string
}

// TriggerRelocation builds a trigger for a single just-resolved
// relocation.
func TriggerRelocation(r *relocation.Relocation) Trigger { return Trigger{relocation: r} }

// TriggerRange builds a trigger for a range whose in-flight occupant
// just reported completion.
func TriggerRange(r keyrange.Range) Trigger { return Trigger{rng: &r} }

// TriggerSources builds a trigger for a set of sources whose virtual
// ledger just gained headroom.
func TriggerSources(sources []string) Trigger { return Trigger{sources: sources} }

func (q *Queue) candidatesFor(t Trigger) []*relocation.Relocation {
	seen := make(map[string]bool)
	var out []*relocation.Relocation
	add := func(r *relocation.Relocation) {
		if r == nil || seen[r.ID] {
			return
		}
		seen[r.ID] = true
		out = append(out, r)
	}

	switch {
	case t.relocation != nil:
		add(t.relocation)
	case t.rng != nil:
		for _, e := range q.queueMap.IntersectingRanges(*t.rng) {
			r := e.Value
			if r == nil || !r.Fetched() {
				continue
			}
			if set, ok := q.bySource[r.Src[0]]; ok && set.contains(r.ID) {
				add(r)
			}
		}
	case t.sources != nil:
		for _, s := range t.sources {
			set, ok := q.bySource[s]
			if !ok {
				continue
			}
			for _, r := range set.top(q.cfg.TeamSize) {
				add(r)
			}
		}
	}
	return out
}

// skipsByOverlap implements the try_launch overlap check: a healthy
// candidate defers to a nearly-finished, at-least-as-urgent in-flight
// move it would otherwise preempt.
func (q *Queue) skipsByOverlap(r *relocation.Relocation) bool {
	if r.HealthPriority >= relocation.UnhealthyThreshold {
		return false
	}
	for _, e := range q.inFlight.IntersectingRanges(r.Range) {
		x := e.Value
		if x == nil {
			continue
		}
		if !q.fetchKeysComplete[x.ID] {
			continue
		}
		if r.Range.ContainsRange(x.Range) {
			continue
		}
		if x.Priority < r.Priority {
			continue
		}
		return true
	}
	return false
}

func (q *Queue) neededSources(srcCount int) int {
	need := q.cfg.TeamSize - q.cfg.SingleRegionTeamSize + 1
	if q.cfg.UseOldNeededServers {
		need = q.cfg.TeamSize
	}
	if need > srcCount {
		need = srcCount
	}
	if need < 1 {
		need = 1
	}
	return need
}

// LaunchPlan is one scoped Relocation the driver must spawn a
// Relocator goroutine for, having just been tiled into in_flight.
type LaunchPlan struct {
	Relocation *relocation.Relocation
	Range      keyrange.Range
}

// TryLaunch evaluates launch admission for the candidates the trigger
// selects, in descending relocation order, committing and tiling
// every candidate that is admitted (spec §4.4 try_launch).
func (q *Queue) TryLaunch(t Trigger) []LaunchPlan {
	candidates := q.candidatesFor(t)
	sort.Slice(candidates, func(i, j int) bool {
		return relocation.Less(candidates[i], candidates[j])
	})

	var plans []LaunchPlan
	for _, r := range candidates {
		if !r.Fetched() {
			continue
		}
		if q.skipsByOverlap(r) {
			continue
		}

		w := ledger.WorkFactor(relocation.ClassifyHealthBand(r.HealthPriority), q.cfg.TeamSize, q.cfg.Parallelism)

		virtual := q.ledger.Clone()
		seenContained := make(map[string]bool)
		for _, e := range q.inFlight.ContainedRanges(r.Range) {
			x := e.Value
			if x == nil || seenContained[x.ID] {
				continue
			}
			seenContained[x.ID] = true
			for _, s := range x.Src {
				virtual.RemoveWork(s, x.Priority, x.WorkFactor)
			}
		}

		if virtual.AdmitCount(r.Src, r.Priority, w) < q.neededSources(len(r.Src)) {
			continue
		}

		// Commit: r leaves the queued state.
		for _, s := range r.Src {
			q.sourceSetFor(s).remove(r.ID)
		}
		q.queueMap.Insert(r.Range, nil)
		q.adjustCounters(r, -1)

		// Merge in-flight intent from anything r's launch will absorb.
		for _, e := range q.inFlight.IntersectingRanges(r.Range) {
			if e.Value != nil {
				r.WantsNewServers = r.WantsNewServers || e.Value.WantsNewServers
			}
		}

		tiles := q.inFlight.AffectedRangesAfterInsertion(r.Range, r)
		q.tasks.Cancel(outerSpan(tiles))

		for _, tile := range tiles {
			var base *relocation.Relocation
			switch {
			case tile.Range.Equal(r.Range):
				base = r
			case tile.Value != nil:
				base = tile.Value
			default:
				continue
			}

			scoped := base.Clone(tile.Range)
			band := relocation.ClassifyHealthBand(scoped.HealthPriority)
			scopedW := ledger.WorkFactor(band, q.cfg.TeamSize, q.cfg.Parallelism)
			scoped.WorkFactor = scopedW
			for _, s := range scoped.Src {
				q.ledger.AddWork(s, scoped.Priority, scopedW)
			}

			q.inFlight.Insert(tile.Range, scoped)
			q.adjustCounters(scoped, 1)
			q.inFlightCount++

			plans = append(plans, LaunchPlan{Relocation: scoped, Range: tile.Range})
		}
	}
	return plans
}

// AttachTask registers the cancel handle for a Relocator the driver
// just spawned for r, so a future supersede or tiling pass can cancel
// it via TryLaunch's task-cancellation step.
func (q *Queue) AttachTask(r keyrange.Range, task *rangemap.Task) {
	q.tasks.Set(r, task)
}

// DataTransferComplete refunds r's ledger work once its Relocator
// finishes the data-copy phase, and marks r fetch-keys-complete. It is
// idempotent: a second call for the same r is a no-op, matching the
// Relocator's own idempotent signalling guard.
func (q *Queue) DataTransferComplete(r *relocation.Relocation) []string {
	if q.fetchKeysComplete[r.ID] {
		return nil
	}
	q.fetchKeysComplete[r.ID] = true
	for _, s := range r.Src {
		q.ledger.RemoveWork(s, r.Priority, r.WorkFactor)
	}
	return append([]string(nil), r.Src...)
}

// RelocationComplete retires r once its Relocator has exited
// (success, abandonment, or cancellation), decrementing the in-flight
// and priority counters and clearing fetch-keys-complete.
func (q *Queue) RelocationComplete(r *relocation.Relocation) keyrange.Range {
	delete(q.fetchKeysComplete, r.ID)
	q.adjustCounters(r, -1)
	q.inFlightCount--

	if e, ok := q.inFlight.RangeContaining(r.Range.Begin); ok && e.Value != nil && e.Value.ID == r.ID && e.Range.Equal(r.Range) {
		q.inFlight.Insert(r.Range, nil)
	}
	return r.Range
}

// QueuedCount returns the number of relocations currently queued
// (resolved or not) but not yet launched.
func (q *Queue) QueuedCount() int {
	total := 0
	for _, v := range q.priorityRelocations {
		total += v
	}
	return total - q.inFlightCount
}

// InFlightCount returns the number of relocations currently executing.
func (q *Queue) InFlightCount() int { return q.inFlightCount }

// PriorityCount returns the combined queued-or-in-flight count for p,
// used by the rebalancers to throttle injection.
func (q *Queue) PriorityCount(p relocation.Priority) int { return q.priorityRelocations[p] }

// UnhealthyCount returns the number of relocations whose health
// priority falls in the unhealthy set.
func (q *Queue) UnhealthyCount() int { return q.unhealthyCount }

// IsUnhealthy reports the observable flag other control loops (team
// removal) wait to clear.
func (q *Queue) IsUnhealthy() bool { return q.unhealthyCount > 0 }

package queue

import (
	"testing"

	"github.com/shardmesh/ddrq/internal/ddrq/keyrange"
	"github.com/shardmesh/ddrq/internal/ddrq/ledger"
	"github.com/shardmesh/ddrq/internal/ddrq/rangemap"
	"github.com/shardmesh/ddrq/internal/ddrq/relocation"
)

func fullKeyspace() keyrange.Range {
	return keyrange.New("a", "z")
}

func newTestQueue(cfg Config) *Queue {
	return New(fullKeyspace(), cfg, ledger.New(), nil)
}

func TestEnqueueSingleRangeNeedsFetch(t *testing.T) {
	q := newTestQueue(DefaultConfig())
	r := relocation.New(keyrange.New("c", "g"), relocation.PriorityTeamHealthy, false)

	res := q.Enqueue(r)

	if len(res.NeedsFetch) != 1 || res.NeedsFetch[0].ID != r.ID {
		t.Fatalf("NeedsFetch = %+v, want [%s]", res.NeedsFetch, r.ID)
	}
	if q.PriorityCount(relocation.PriorityTeamHealthy) != 1 {
		t.Fatalf("PriorityCount = %d, want 1", q.PriorityCount(relocation.PriorityTeamHealthy))
	}
}

func TestEnqueueSupersedeContainedRelocationIsRemoved(t *testing.T) {
	q := newTestQueue(DefaultConfig())

	first := relocation.New(keyrange.New("c", "g"), relocation.PriorityTeamHealthy, false)
	q.Enqueue(first)

	second := relocation.New(keyrange.New("a", "z"), relocation.PriorityTeam0Left, true)
	res := q.Enqueue(second)

	if q.PriorityCount(relocation.PriorityTeamHealthy) != 0 {
		t.Errorf("expected contained relocation's priority count cleared, got %d", q.PriorityCount(relocation.PriorityTeamHealthy))
	}
	if q.PriorityCount(relocation.PriorityTeam0Left) != 1 {
		t.Errorf("expected superseding relocation counted at its own priority, got %d", q.PriorityCount(relocation.PriorityTeam0Left))
	}
	if len(res.NeedsFetch) != 1 || res.NeedsFetch[0].ID != second.ID {
		t.Errorf("NeedsFetch = %+v, want [%s]", res.NeedsFetch, second.ID)
	}
}

func TestEnqueuePartialOverlapKeepsAffectedSourceOutsideWindow(t *testing.T) {
	q := newTestQueue(DefaultConfig())

	first := relocation.New(keyrange.New("c", "m"), relocation.PriorityTeamHealthy, false)
	q.Enqueue(first)
	q.CompleteSourceFetch(first.ID, []string{"s1"}, []string{"s1"})

	second := relocation.New(keyrange.New("g", "t"), relocation.PriorityTeamUnhealthy, false)
	res := q.Enqueue(second)

	if len(res.NeedsFetch) == 0 {
		t.Fatal("expected at least the new fragment to need fetching")
	}

	// second only intersects first, it doesn't contain it, so first must
	// survive as a narrowed fragment rather than being removed outright.
	if q.PriorityCount(relocation.PriorityTeamHealthy) != 1 {
		t.Errorf("expected narrowed first fragment to remain counted, got %d", q.PriorityCount(relocation.PriorityTeamHealthy))
	}
}

func TestEnqueueInteriorInsertionSplitsIntoTwoFragments(t *testing.T) {
	q := newTestQueue(DefaultConfig())

	outer := relocation.New(keyrange.New("a", "z"), relocation.PriorityTeamHealthy, false)
	q.Enqueue(outer)
	q.CompleteSourceFetch(outer.ID, []string{"s1"}, []string{"s1"})

	inner := relocation.New(keyrange.New("m", "p"), relocation.PriorityTeamUnhealthy, false)
	res := q.Enqueue(inner)

	// The interior insertion leaves a prefix [a,m) and a suffix [p,z),
	// both still carrying outer's now-superseded priority, plus the new
	// [m,p) occupant itself.
	if q.PriorityCount(relocation.PriorityTeamHealthy) != 2 {
		t.Errorf("expected two surviving fragments of outer, got %d", q.PriorityCount(relocation.PriorityTeamHealthy))
	}
	if q.PriorityCount(relocation.PriorityTeamUnhealthy) != 1 {
		t.Errorf("expected inner counted once, got %d", q.PriorityCount(relocation.PriorityTeamUnhealthy))
	}

	// outer was already resolved before the split, so its carried-forward
	// fragments don't need a new fetch; only the new interior occupant
	// does.
	if len(res.NeedsFetch) != 1 || res.NeedsFetch[0].ID != inner.ID {
		t.Errorf("NeedsFetch = %+v, want [%s]", res.NeedsFetch, inner.ID)
	}

	suffix, ok := q.queueMap.RangeContaining("q")
	if !ok || suffix.Value == nil || suffix.Value.ID == outer.ID {
		t.Fatal("expected outer's second fragment to carry a freshly generated id")
	}
	if !suffix.Value.Fetched() {
		t.Error("expected outer's carried-forward fragment to still be marked fetched")
	}
}

func TestCompleteSourceFetchPopulatesBySource(t *testing.T) {
	q := newTestQueue(DefaultConfig())
	r := relocation.New(keyrange.New("c", "g"), relocation.PriorityTeamHealthy, false)
	q.Enqueue(r)

	got, ok := q.CompleteSourceFetch(r.ID, []string{"s1", "s2"}, []string{"s1"})
	if !ok || got.ID != r.ID {
		t.Fatalf("CompleteSourceFetch ok=%v got=%+v", ok, got)
	}
	if !r.Fetched() {
		t.Error("expected r to be marked fetched")
	}

	set, ok := q.bySource["s1"]
	if !ok || set.len() != 1 {
		t.Fatalf("expected r indexed under by_source[s1]")
	}
}

func TestCompleteSourceFetchUnknownIDIsNoop(t *testing.T) {
	q := newTestQueue(DefaultConfig())
	_, ok := q.CompleteSourceFetch("nonexistent", []string{"s1"}, nil)
	if ok {
		t.Error("expected unknown id to report not found")
	}
}

func TestTryLaunchAdmitsFetchedCandidate(t *testing.T) {
	q := newTestQueue(DefaultConfig())
	r := relocation.New(keyrange.New("c", "g"), relocation.PriorityTeamHealthy, false)
	q.Enqueue(r)
	q.CompleteSourceFetch(r.ID, []string{"s1", "s2", "s3"}, []string{"s1", "s2", "s3"})

	plans := q.TryLaunch(TriggerRelocation(r))

	if len(plans) != 1 {
		t.Fatalf("plans = %+v, want 1", plans)
	}
	if plans[0].Range != r.Range {
		t.Errorf("launched range = %v, want %v", plans[0].Range, r.Range)
	}
	if q.InFlightCount() != 1 {
		t.Errorf("InFlightCount = %d, want 1", q.InFlightCount())
	}
	if q.QueuedCount() != 0 {
		t.Errorf("QueuedCount = %d, want 0 once launched", q.QueuedCount())
	}
}

func TestTryLaunchSkipsUnfetchedCandidate(t *testing.T) {
	q := newTestQueue(DefaultConfig())
	r := relocation.New(keyrange.New("c", "g"), relocation.PriorityTeamHealthy, false)
	q.Enqueue(r)

	plans := q.TryLaunch(TriggerRelocation(r))
	if len(plans) != 0 {
		t.Fatalf("expected unfetched candidate to be skipped, got %+v", plans)
	}
}

func TestTryLaunchDeniedWhenSourcesSaturated(t *testing.T) {
	cfg := DefaultConfig()
	led := ledger.New()
	q := New(fullKeyspace(), cfg, led, nil)

	r := relocation.New(keyrange.New("c", "g"), relocation.PriorityTeamHealthy, false)
	q.Enqueue(r)
	q.CompleteSourceFetch(r.ID, []string{"s1", "s2", "s3"}, []string{"s1", "s2", "s3"})

	// Saturate every candidate source at this priority's band so no
	// launch-admission headroom remains.
	w := ledger.WorkFactor(relocation.ClassifyHealthBand(r.HealthPriority), cfg.TeamSize, cfg.Parallelism)
	for _, s := range r.Src {
		led.AddWork(s, r.Priority, ledger.Scale-w+1)
	}

	plans := q.TryLaunch(TriggerRelocation(r))
	if len(plans) != 0 {
		t.Fatalf("expected launch to be denied, got %+v", plans)
	}
}

func TestTryLaunchVirtualLedgerRefundAdmitsOverSaturatedSources(t *testing.T) {
	// Scenario: a healthy relocation's sources are fully saturated by an
	// in-flight move that the new, more urgent relocation's launch would
	// itself cancel and absorb. Admission must refund that cancelled
	// work in a virtual ledger before checking capacity, so the new
	// relocation can launch even though the raw ledger shows no room.
	cfg := DefaultConfig()
	led := ledger.New()
	q := New(fullKeyspace(), cfg, led, nil)

	// An in-flight relocation already occupying the full range, charging
	// its sources at the top band so it saturates every lower band too.
	inFlight := relocation.New(keyrange.New("a", "z"), relocation.PriorityTeam0Left, false)
	inFlight.Src = []string{"s1", "s2", "s3"}
	inFlightWork := ledger.WorkFactor(relocation.ClassifyHealthBand(inFlight.HealthPriority), cfg.TeamSize, cfg.Parallelism)
	inFlight.WorkFactor = inFlightWork
	for _, s := range inFlight.Src {
		led.AddWork(s, inFlight.Priority, inFlightWork)
	}
	q.inFlight.Insert(inFlight.Range, inFlight)
	q.adjustCounters(inFlight, 1)
	q.inFlightCount++

	// A relocation spanning the same sources whose launch would cancel
	// and absorb the in-flight move above.
	urgent := relocation.New(keyrange.New("a", "z"), relocation.PriorityTeam0Left, false)
	q.Enqueue(urgent)
	q.CompleteSourceFetch(urgent.ID, []string{"s1", "s2", "s3"}, []string{"s1", "s2", "s3"})

	plans := q.TryLaunch(TriggerRelocation(urgent))
	if len(plans) == 0 {
		t.Fatal("expected urgent relocation to launch via virtual-ledger refund of the cancelled in-flight work")
	}
}

func TestTryLaunchHealthyCandidateSkipsOverUrgentNearCompleteInFlight(t *testing.T) {
	cfg := DefaultConfig()
	q := newTestQueue(cfg)

	urgentInFlight := relocation.New(keyrange.New("a", "z"), relocation.PriorityTeamUnhealthy, false)
	urgentInFlight.Src = []string{"s1"}
	q.inFlight.Insert(urgentInFlight.Range, urgentInFlight)
	q.adjustCounters(urgentInFlight, 1)
	q.inFlightCount++
	q.fetchKeysComplete[urgentInFlight.ID] = true

	healthy := relocation.New(keyrange.New("c", "g"), relocation.PriorityTeamHealthy, false)
	q.Enqueue(healthy)
	q.CompleteSourceFetch(healthy.ID, []string{"s2"}, []string{"s2"})

	plans := q.TryLaunch(TriggerRelocation(healthy))
	if len(plans) != 0 {
		t.Fatalf("expected healthy candidate to defer to the near-complete urgent in-flight move, got %+v", plans)
	}
}

func TestTryLaunchUnhealthyCandidateIgnoresOverlapCheck(t *testing.T) {
	cfg := DefaultConfig()
	q := newTestQueue(cfg)

	urgentInFlight := relocation.New(keyrange.New("a", "z"), relocation.PriorityTeamUnhealthy, false)
	urgentInFlight.Src = []string{"s1"}
	q.inFlight.Insert(urgentInFlight.Range, urgentInFlight)
	q.adjustCounters(urgentInFlight, 1)
	q.inFlightCount++
	q.fetchKeysComplete[urgentInFlight.ID] = true

	evenMoreUrgent := relocation.New(keyrange.New("c", "g"), relocation.PriorityTeam0Left, false)
	q.Enqueue(evenMoreUrgent)
	q.CompleteSourceFetch(evenMoreUrgent.ID, []string{"s2"}, []string{"s2"})

	plans := q.TryLaunch(TriggerRelocation(evenMoreUrgent))
	if len(plans) == 0 {
		t.Fatal("expected unhealthy candidate to bypass the overlap check and launch")
	}
}

func TestDataTransferCompleteRefundsLedgerOnce(t *testing.T) {
	cfg := DefaultConfig()
	led := ledger.New()
	q := New(fullKeyspace(), cfg, led, nil)

	r := relocation.New(keyrange.New("c", "g"), relocation.PriorityTeamHealthy, false)
	q.Enqueue(r)
	q.CompleteSourceFetch(r.ID, []string{"s1"}, []string{"s1"})
	plans := q.TryLaunch(TriggerRelocation(r))
	if len(plans) != 1 {
		t.Fatalf("expected 1 launch plan, got %d", len(plans))
	}
	launched := plans[0].Relocation

	before := led.Value("s1", launched.Priority.Band())
	if before == 0 {
		t.Fatal("expected launch to have charged the ledger")
	}

	srcs := q.DataTransferComplete(launched)
	if len(srcs) != 1 || srcs[0] != "s1" {
		t.Errorf("DataTransferComplete srcs = %v, want [s1]", srcs)
	}
	if got := led.Value("s1", launched.Priority.Band()); got != 0 {
		t.Errorf("ledger value after refund = %d, want 0", got)
	}

	// Idempotent: a second call is a no-op, it must not double-refund a
	// balance that's already at zero (which would go negative).
	again := q.DataTransferComplete(launched)
	if again != nil {
		t.Errorf("expected second DataTransferComplete call to be a no-op, got %v", again)
	}
	if got := led.Value("s1", launched.Priority.Band()); got != 0 {
		t.Errorf("ledger value after duplicate refund = %d, want 0", got)
	}
}

func TestRelocationCompleteClearsInFlightAndCounters(t *testing.T) {
	q := newTestQueue(DefaultConfig())
	r := relocation.New(keyrange.New("c", "g"), relocation.PriorityTeamHealthy, false)
	q.Enqueue(r)
	q.CompleteSourceFetch(r.ID, []string{"s1"}, []string{"s1"})
	plans := q.TryLaunch(TriggerRelocation(r))
	if len(plans) != 1 {
		t.Fatalf("expected 1 launch plan, got %d", len(plans))
	}
	launched := plans[0].Relocation

	q.RelocationComplete(launched)

	if q.InFlightCount() != 0 {
		t.Errorf("InFlightCount = %d, want 0", q.InFlightCount())
	}
	if q.PriorityCount(relocation.PriorityTeamHealthy) != 0 {
		t.Errorf("PriorityCount = %d, want 0", q.PriorityCount(relocation.PriorityTeamHealthy))
	}
	if e, ok := q.inFlight.RangeContaining("d"); ok && e.Value != nil {
		t.Errorf("expected in_flight tile cleared, got %+v", e.Value)
	}
}

func TestUnhealthyCountTracksHealthCategoryMembership(t *testing.T) {
	q := newTestQueue(DefaultConfig())

	healthy := relocation.New(keyrange.New("c", "g"), relocation.PriorityTeamHealthy, false)
	q.Enqueue(healthy)
	if q.IsUnhealthy() {
		t.Fatal("expected a team-healthy relocation not to count as unhealthy")
	}

	unhealthy := relocation.New(keyrange.New("m", "p"), relocation.PriorityTeam1Left, false)
	q.Enqueue(unhealthy)
	if !q.IsUnhealthy() || q.UnhealthyCount() != 1 {
		t.Fatalf("expected unhealthy count 1, got %d (IsUnhealthy=%v)", q.UnhealthyCount(), q.IsUnhealthy())
	}
}

func TestTriggerSourcesSelectsTopCandidatesPerSource(t *testing.T) {
	q := newTestQueue(DefaultConfig())

	a := relocation.New(keyrange.New("c", "d"), relocation.PriorityTeamHealthy, false)
	q.Enqueue(a)
	q.CompleteSourceFetch(a.ID, []string{"s1"}, []string{"s1"})

	b := relocation.New(keyrange.New("e", "f"), relocation.PriorityTeam0Left, false)
	q.Enqueue(b)
	q.CompleteSourceFetch(b.ID, []string{"s1"}, []string{"s1"})

	candidates := q.candidatesFor(TriggerSources([]string{"s1"}))
	if len(candidates) != 2 {
		t.Fatalf("candidates = %d, want 2", len(candidates))
	}
	// b (team-0-left) must sort ahead of a (team-healthy).
	if candidates[0].ID != b.ID {
		t.Errorf("expected higher-priority candidate first, got %s", candidates[0].ID)
	}
}

func TestCandidatesForRangeTriggerRequiresFetchedAndIndexed(t *testing.T) {
	q := newTestQueue(DefaultConfig())
	r := relocation.New(keyrange.New("c", "g"), relocation.PriorityTeamHealthy, false)
	q.Enqueue(r)

	// Not yet fetched: must not appear as a candidate for a range
	// trigger.
	candidates := q.candidatesFor(TriggerRange(keyrange.New("a", "z")))
	if len(candidates) != 0 {
		t.Fatalf("expected no candidates before fetch resolves, got %d", len(candidates))
	}

	q.CompleteSourceFetch(r.ID, []string{"s1"}, []string{"s1"})
	candidates = q.candidatesFor(TriggerRange(keyrange.New("a", "z")))
	if len(candidates) != 1 || candidates[0].ID != r.ID {
		t.Fatalf("candidates = %+v, want [%s]", candidates, r.ID)
	}
}

func TestNeededSourcesHonorsUseOldNeededServers(t *testing.T) {
	cfg := Config{TeamSize: 3, SingleRegionTeamSize: 2, Parallelism: 1}
	q := New(fullKeyspace(), cfg, ledger.New(), nil)
	if got := q.neededSources(5); got != 2 { // 3 - 2 + 1
		t.Errorf("neededSources = %d, want 2", got)
	}

	cfg.UseOldNeededServers = true
	q = New(fullKeyspace(), cfg, ledger.New(), nil)
	if got := q.neededSources(5); got != 3 {
		t.Errorf("neededSources (legacy) = %d, want 3", got)
	}

	if got := q.neededSources(1); got != 1 {
		t.Errorf("neededSources should not exceed the resolved source count, got %d", got)
	}
}

func TestAttachTaskAndCancelOnSupersedingLaunch(t *testing.T) {
	q := newTestQueue(DefaultConfig())

	r := relocation.New(keyrange.New("c", "g"), relocation.PriorityTeamHealthy, false)
	q.Enqueue(r)
	q.CompleteSourceFetch(r.ID, []string{"s1"}, []string{"s1"})
	plans := q.TryLaunch(TriggerRelocation(r))
	if len(plans) != 1 {
		t.Fatalf("expected 1 plan, got %d", len(plans))
	}

	cancelled := false
	task := rangemap.NewTask(func() { cancelled = true })
	q.AttachTask(plans[0].Range, task)

	urgent := relocation.New(keyrange.New("a", "z"), relocation.PriorityTeam0Left, false)
	q.Enqueue(urgent)
	q.CompleteSourceFetch(urgent.ID, []string{"s1"}, []string{"s1"})
	q.TryLaunch(TriggerRelocation(urgent))

	if !cancelled {
		t.Error("expected the superseded in-flight task to be cancelled")
	}
}

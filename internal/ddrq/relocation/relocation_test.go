package relocation

import (
	"testing"
	"time"

	"github.com/shardmesh/ddrq/internal/ddrq/keyrange"
)

func TestNewPopulatesCategoryPriorities(t *testing.T) {
	rel := New(keyrange.New("a", "b"), PriorityTeam1Left, true)
	if rel.HealthPriority != PriorityTeam1Left {
		t.Errorf("HealthPriority = %v, want %v", rel.HealthPriority, PriorityTeam1Left)
	}
	if rel.BoundaryPriority != 0 {
		t.Errorf("BoundaryPriority = %v, want 0", rel.BoundaryPriority)
	}
	if rel.ID == "" {
		t.Error("expected non-empty ID")
	}

	rel2 := New(keyrange.New("a", "b"), PrioritySplitShard, false)
	if rel2.BoundaryPriority != PrioritySplitShard {
		t.Errorf("BoundaryPriority = %v, want %v", rel2.BoundaryPriority, PrioritySplitShard)
	}
	if rel2.HealthPriority != 0 {
		t.Errorf("HealthPriority = %v, want 0", rel2.HealthPriority)
	}
}

func TestLessOrdersByPriorityThenStartTimeThenID(t *testing.T) {
	now := time.Now()
	a := &Relocation{Priority: PriorityTeamUnhealthy, StartTime: now, ID: "b"}
	b := &Relocation{Priority: PriorityRecoverMove, StartTime: now, ID: "a"}
	if !Less(a, b) {
		t.Error("expected higher priority relocation to sort first")
	}
	if Less(b, a) {
		t.Error("expected lower priority relocation not to sort first")
	}

	earlier := &Relocation{Priority: PriorityTeamHealthy, StartTime: now, ID: "z"}
	later := &Relocation{Priority: PriorityTeamHealthy, StartTime: now.Add(time.Second), ID: "a"}
	if !Less(earlier, later) {
		t.Error("expected earlier start time to sort first given equal priority")
	}

	idLo := &Relocation{Priority: PriorityTeamHealthy, StartTime: now, ID: "a"}
	idHi := &Relocation{Priority: PriorityTeamHealthy, StartTime: now, ID: "b"}
	if !Less(idLo, idHi) {
		t.Error("expected lower id to sort first given equal priority and start time")
	}
}

func TestCloneCopiesSourcesIndependently(t *testing.T) {
	rel := New(keyrange.New("a", "z"), PriorityTeamHealthy, false)
	rel.Src = []string{"s1", "s2"}
	rel.CompleteSources = map[string]bool{"s1": true}

	clone := rel.Clone(keyrange.New("m", "p"))
	clone.Src[0] = "mutated"
	clone.CompleteSources["s2"] = true

	if rel.Src[0] != "s1" {
		t.Error("mutating clone.Src affected original")
	}
	if rel.CompleteSources["s2"] {
		t.Error("mutating clone.CompleteSources affected original")
	}
	if clone.Range != keyrange.New("m", "p") {
		t.Errorf("clone.Range = %v, want m-p", clone.Range)
	}
	if rel.Range != keyrange.New("a", "z") {
		t.Errorf("original range mutated: %v", rel.Range)
	}
}

func TestHasSourceAndFetched(t *testing.T) {
	rel := New(keyrange.New("a", "z"), PriorityTeamHealthy, false)
	if rel.Fetched() {
		t.Error("expected unfetched relocation with no Src")
	}
	rel.Src = []string{"s1"}
	if !rel.Fetched() {
		t.Error("expected fetched relocation once Src is populated")
	}
	if !rel.HasSource("s1") || rel.HasSource("s2") {
		t.Error("HasSource gave wrong result")
	}
}

func TestSupersedeTakesMaxPriorityAndEarliestStartTime(t *testing.T) {
	base := time.Now()
	r := New(keyrange.New("a", "z"), PriorityTeamHealthy, false)
	r.StartTime = base

	later := New(keyrange.New("a", "z"), PriorityTeam0Left, true)
	later.StartTime = base.Add(time.Minute)

	r.Supersede(later)

	if r.Priority != PriorityTeam0Left {
		t.Errorf("Priority = %v, want %v", r.Priority, PriorityTeam0Left)
	}
	if r.HealthPriority != PriorityTeam0Left {
		t.Errorf("HealthPriority = %v, want %v", r.HealthPriority, PriorityTeam0Left)
	}
	if !r.WantsNewServers {
		t.Error("expected WantsNewServers to become true")
	}
	if !r.StartTime.Equal(base) {
		t.Errorf("StartTime = %v, want earlier time %v", r.StartTime, base)
	}
}

func TestSupersedePreservesEarlierCategoryAgainstLowerEffectivePriority(t *testing.T) {
	r := New(keyrange.New("a", "z"), PriorityTeam1Left, false)
	incoming := New(keyrange.New("a", "z"), PriorityTeamHealthy, false)

	r.Supersede(incoming)

	if r.Priority != PriorityTeam1Left {
		t.Errorf("Priority regressed to %v, want it to stay at %v", r.Priority, PriorityTeam1Left)
	}
	if r.HealthPriority != PriorityTeam1Left {
		t.Errorf("HealthPriority = %v, want %v", r.HealthPriority, PriorityTeam1Left)
	}
}

package relocation

// Priority is an integer in (0, 1000); higher values are more urgent.
// The Busyness Ledger accounts capacity at the resolution of
// priority bands — Band() — of which there are 10.
type Priority int

// Band returns the ledger band (0..9) a priority falls into.
func (p Priority) Band() int {
	return int(p) / 100
}

// Priority categories, ordered least to most urgent per the relocation
// queue's semantic ordering (spec §6). Numeric values only need to
// preserve this relative order and stay within (0, 1000); the exact
// spacing is not otherwise meaningful.
const (
	PriorityRecoverMove            Priority = 10
	PriorityRebalanceUnderutilized Priority = 120
	PriorityRebalanceOverutilized  Priority = 170
	PriorityTeamHealthy            Priority = 200
	PriorityTeamContainsUndesired  Priority = 310
	PriorityTeamRedundant          Priority = 320
	PriorityMergeShard             Priority = 340
	PriorityPopulateRegion         Priority = 600
	PriorityTeamUnhealthy          Priority = 700
	PriorityTeam2Left              Priority = 805
	PriorityTeam1Left              Priority = 809
	PriorityTeam0Left              Priority = 899
	PrioritySplitShard             Priority = 950
)

// UnhealthyThreshold is the cut line of the try_launch overlap check: a
// candidate whose health priority is at or above it never defers to an
// overlapping in-flight move. Every category of the unhealthy set
// except team-redundant sits at or above it.
const UnhealthyThreshold = PriorityPopulateRegion

// healthCategories is the set of priority categories that populate
// Relocation.HealthPriority, and that count toward the unhealthy
// observable (spec §3).
var healthCategories = map[Priority]bool{
	PriorityPopulateRegion: true,
	PriorityTeamUnhealthy:  true,
	PriorityTeam2Left:      true,
	PriorityTeam1Left:      true,
	PriorityTeam0Left:      true,
	PriorityTeamRedundant:  true,
}

// boundaryCategories is the set of priority categories that populate
// Relocation.BoundaryPriority (shard split/merge work).
var boundaryCategories = map[Priority]bool{
	PriorityMergeShard: true,
	PrioritySplitShard: true,
}

// IsHealthCategory reports whether p is one of the categories tracked
// by the health_priority field.
func IsHealthCategory(p Priority) bool {
	return healthCategories[p]
}

// IsBoundaryCategory reports whether p is one of the categories tracked
// by the boundary_priority field.
func IsBoundaryCategory(p Priority) bool {
	return boundaryCategories[p]
}

// IsUnhealthy reports whether a health priority value falls in the
// unhealthy set (populate-region, team-unhealthy, 0/1/2-replicas-left,
// redundant).
func IsUnhealthy(health Priority) bool {
	return healthCategories[health]
}

// HealthBand classifies a health priority into the replica-count bands
// the Busyness Ledger's work-factor formula switches on (spec §4.2).
type HealthBand int

const (
	HealthBandNormal HealthBand = iota
	HealthBand2Left
	HealthBand1Left
	HealthBand0Left
)

// ClassifyHealthBand maps a health priority to its replica-count band.
func ClassifyHealthBand(health Priority) HealthBand {
	switch health {
	case PriorityTeam0Left:
		return HealthBand0Left
	case PriorityTeam1Left:
		return HealthBand1Left
	case PriorityTeam2Left:
		return HealthBand2Left
	default:
		return HealthBandNormal
	}
}

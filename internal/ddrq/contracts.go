// Package ddrq defines the collaborator interfaces the relocation
// queue, source fetcher, relocator, and rebalancers depend on. These
// replace what would otherwise be RPC-client stubs: each is backed by
// a concrete adapter under internal/backend in the running daemon, and
// by a fake in tests.
package ddrq

import (
	"context"
	"time"

	"github.com/shardmesh/ddrq/internal/ddrq/keyrange"
)

// ShardLocation is one entry of the authoritative range-to-servers
// mapping: a shard whose key range intersects the queried range, and
// the replica ids currently holding it.
type ShardLocation struct {
	Range   keyrange.Range
	Servers []string
}

// KeyServersReader resolves a key range to the shards and replica sets
// that currently serve it. It backs the Source Fetcher (spec §4.3).
type KeyServersReader interface {
	// ShardsIntersecting returns every shard whose range intersects r,
	// in range order. It returns ErrTooManyShards when the range spans
	// more shards than the reader is willing to enumerate, in which
	// case the caller should fall back to AllStorageServers.
	ShardsIntersecting(ctx context.Context, r keyrange.Range) ([]ShardLocation, error)
}

// MembershipReader exposes the cluster's current storage server
// roster, used as the Source Fetcher's too-many-shards fallback.
type MembershipReader interface {
	AllStorageServers(ctx context.Context) ([]string, error)
}

// Team is a candidate (or existing) replica set for one replication
// dimension, along with the load signal the rebalancers and relocator
// team selection read.
type Team struct {
	ID           string
	Servers      []string
	HasShard     bool
	Healthy      bool
	LoadBytes    int64
	InFlightLoad int64
}

// TeamRequest describes the team-selection criteria for one
// replication dimension (spec §4.5 Selecting state).
type TeamRequest struct {
	WantsNewServers        bool
	PreferLowerUtilization bool
	Src                    []string
	CompleteSources        []string
	InflightPenalty        int64
}

// TeamProvider selects destination teams for relocations and donor/
// recipient teams for the rebalancers.
type TeamProvider interface {
	// GetTeam returns the best destination team for req within
	// dimension.
	GetTeam(ctx context.Context, dimension int, req TeamRequest) (Team, error)

	// RandomTeamBiasedByLoad returns a team for dimension, biased
	// toward high load when highLoad is true and low load otherwise.
	// Used by the rebalancers to pick donor (high bias) and recipient
	// (low bias) teams.
	RandomTeamBiasedByLoad(ctx context.Context, dimension int, highLoad bool) (Team, error)

	// AdjustInFlightLoad projects deltaBytes onto team's in-flight load
	// counter. The Relocator calls this as soon as it selects a
	// destination team, before the move has actually happened, so that
	// concurrent team selection sees the projected load and is biased
	// away from a team already absorbing writes.
	AdjustInFlightLoad(ctx context.Context, teamID string, deltaBytes int64) error
}

// KeyMover performs the physical data copy for a relocation.
type KeyMover interface {
	// MoveKeys begins moving r to destinationIDs, treating only
	// healthyDestinationIDs as targets for read verification. It
	// blocks until the move completes, fails, or ctx is cancelled.
	MoveKeys(ctx context.Context, r keyrange.Range, destinationIDs, healthyDestinationIDs []string) error
}

// HealthChecker reports whether a server is currently healthy, polled
// by the Relocator while a move is in flight.
type HealthChecker interface {
	IsHealthy(ctx context.Context, serverID string) (bool, error)
}

// ShardMetrics is the size/load signal the rebalancers sample shards
// for.
type ShardMetrics struct {
	Range     keyrange.Range
	Bytes     int64
	OwnerTeam string
}

// ShardMetricsProvider exposes per-shard size metrics and the
// cluster-wide average shard size the rebalancers compare against.
type ShardMetricsProvider interface {
	// SampleShards returns up to n shards owned by team, for the
	// rebalancer's random-sample shard selection.
	SampleShards(ctx context.Context, team string, n int) ([]ShardMetrics, error)

	// AverageShardBytes returns the cluster's current average shard
	// size.
	AverageShardBytes(ctx context.Context) (int64, error)

	// ShardBytes returns the current size of the shard(s) covering r,
	// used by the Relocator to project load onto a chosen destination
	// team ahead of the move actually completing.
	ShardBytes(ctx context.Context, r keyrange.Range) (int64, error)
}

// RebalanceFlagReader exposes the well-known "disable rebalance" flag.
type RebalanceFlagReader interface {
	RebalanceDisabled(ctx context.Context) (bool, error)
}

// SaturationReader reports whether the cluster has recently seen I/O
// saturation, used by the rebalancers to adapt their poll interval.
type SaturationReader interface {
	RecentlySaturated(ctx context.Context) (bool, error)
}

// Clock abstracts time so tests can control delays without sleeping.
// Delay returns a channel that fires after d, or immediately if ctx is
// already done.
type Clock interface {
	Now() time.Time
	Delay(ctx context.Context, d time.Duration) <-chan time.Time
}

// systemClock is the production Clock backed by real wall time.
type systemClock struct{}

// SystemClock is the default Clock used outside of tests.
var SystemClock Clock = systemClock{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Delay(ctx context.Context, d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	timer := time.NewTimer(d)
	go func() {
		select {
		case t := <-timer.C:
			ch <- t
		case <-ctx.Done():
			timer.Stop()
			ch <- time.Now()
		}
	}()
	return ch
}

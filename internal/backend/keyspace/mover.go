package keyspace

import (
	"context"
	"time"

	"github.com/shardmesh/ddrq/internal/ddrq"
	"github.com/shardmesh/ddrq/internal/ddrq/keyrange"
)

// SimulatedMover is the reference ddrq.KeyMover implementation: the
// physical two-phase key-move protocol itself is an external
// collaborator per spec.md §1/SPEC_FULL.md §5, so this does not move any
// bytes. It simulates the move's duration from the shard's recorded
// size so the Relocator's Moving/Verifying states, health polling, and
// long-running escalation logic all have something realistic to drive
// against end to end.
type SimulatedMover struct {
	metrics        ddrq.ShardMetricsProvider
	bytesPerSecond int64
}

// NewSimulatedMover constructs a mover that paces itself at
// bytesPerSecond; a non-positive value selects 64 MiB/s. MoveKeys waits
// at least 10ms, so an empty shard still takes a short, non-zero time.
func NewSimulatedMover(metrics ddrq.ShardMetricsProvider, bytesPerSecond int64) *SimulatedMover {
	if bytesPerSecond <= 0 {
		bytesPerSecond = 64 << 20 // 64 MiB/s
	}
	return &SimulatedMover{metrics: metrics, bytesPerSecond: bytesPerSecond}
}

// MoveKeys implements ddrq.KeyMover.
func (m *SimulatedMover) MoveKeys(ctx context.Context, r keyrange.Range, destinationIDs, healthyDestinationIDs []string) error {
	bytes, err := m.metrics.ShardBytes(ctx, r)
	if err != nil {
		return err
	}

	duration := time.Duration(bytes) * time.Second / time.Duration(m.bytesPerSecond)
	if duration <= 0 {
		duration = 10 * time.Millisecond
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package ddrqerr collects the sentinel errors shared across the
// relocation queue's components, so callers can use errors.Is instead
// of string matching across package boundaries.
package ddrqerr

import "errors"

var (
	// ErrCancelled is returned by a fetch or relocation task that
	// observed a supersede and exited before completing its work.
	ErrCancelled = errors.New("ddrq: task cancelled by supersede")

	// ErrNotLeader reports an operation that requires cluster leadership
	// attempted on a node that is not the leader. No code path returns it.
	ErrNotLeader = errors.New("ddrq: this node is not the raft leader")

	// ErrRebalanceDisabled reports a rebalancer injecting work while the
	// rebalance-disable flag is set. No code path returns it.
	ErrRebalanceDisabled = errors.New("ddrq: rebalancing is disabled")

	// ErrNoSources is returned by the source fetcher when a range
	// resolves to zero replicas, which should never happen for a live
	// keyspace and indicates authoritative-map corruption.
	ErrNoSources = errors.New("ddrq: range resolved to no source servers")

	// ErrFetchPermitExhausted reports a fetch permit that could not be
	// acquired before its context deadline. No code path returns it.
	ErrFetchPermitExhausted = errors.New("ddrq: fetch permit exhausted")

	// ErrTeamUnavailable is returned by the team provider when no
	// destination team satisfying the placement constraints exists.
	ErrTeamUnavailable = errors.New("ddrq: no eligible destination team available")

	// ErrDestinationUnhealthy reports a destination that became unhealthy
	// mid-move. No code path returns it.
	ErrDestinationUnhealthy = errors.New("ddrq: destination became unhealthy during move")

	// ErrQueueClosed reports use of a closed queue. The Queue has no
	// close or shutdown step and no operation returns this error.
	ErrQueueClosed = errors.New("ddrq: queue is closed")

	// ErrInvalidRange reports a caller-supplied range that fails basic
	// validity checks (begin >= end). No code path returns it.
	ErrInvalidRange = errors.New("ddrq: invalid key range")

	// ErrTooManyShards is returned by a KeyServersReader when a range
	// spans more shards than it is willing to enumerate; the Source
	// Fetcher treats this as a signal to fall back to the full
	// storage server roster.
	ErrTooManyShards = errors.New("ddrq: range spans too many shards to enumerate")

	// ErrMoveToRemovedServer is returned by a KeyMover when the chosen
	// destination was removed from the cluster mid-move; the Relocator
	// treats this as retryable and loops back to team selection.
	ErrMoveToRemovedServer = errors.New("ddrq: move destination server was removed")
)

package keyspace

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/dgraph-io/badger/v3"

	"github.com/shardmesh/ddrq/internal/ddrq"
	"github.com/shardmesh/ddrq/internal/ddrq/ddrqerr"
	"github.com/shardmesh/ddrq/internal/ddrq/keyrange"
)

// shardEnumerationBound mirrors sourcefetch's own default bound; beyond
// this many intersecting shards ShardsIntersecting gives up and asks the
// Source Fetcher to fall back to the full storage roster (spec.md §4.3).
const shardEnumerationBound = 10_000

// ShardsIntersecting implements ddrq.KeyServersReader by scanning the
// in-memory cache (warmed from, and kept consistent with, Badger) for
// every shard record overlapping r.
func (s *Store) ShardsIntersecting(ctx context.Context, r keyrange.Range) ([]ddrq.ShardLocation, error) {
	var out []ddrq.ShardLocation
	var scanErr error
	s.cache.Range(func(_ string, rec shardRecord) bool {
		if len(out) > shardEnumerationBound {
			scanErr = ddrqerr.ErrTooManyShards
			return false
		}
		rng := keyrange.Range{Begin: rec.Begin, End: rec.End}
		if rng.Intersects(r) {
			out = append(out, ddrq.ShardLocation{Range: rng, Servers: append([]string(nil), rec.Servers...)})
		}
		return true
	})
	if scanErr != nil {
		return nil, scanErr
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Range.Begin < out[j].Range.Begin })
	return out, nil
}

// SampleShards implements ddrq.ShardMetricsProvider for the rebalancers'
// random donor/recipient shard selection (spec.md §4.6 step 5):
// reservoir-samples up to n shards owned by team from the cache.
func (s *Store) SampleShards(ctx context.Context, team string, n int) ([]ddrq.ShardMetrics, error) {
	var sample []ddrq.ShardMetrics
	seen := 0
	s.cache.Range(func(_ string, rec shardRecord) bool {
		if rec.OwnerTeam != team {
			return true
		}
		seen++
		m := ddrq.ShardMetrics{Range: keyrange.Range{Begin: rec.Begin, End: rec.End}, Bytes: rec.Bytes, OwnerTeam: rec.OwnerTeam}
		if len(sample) < n {
			sample = append(sample, m)
		} else if j := rand.IntN(seen); j < n {
			sample[j] = m
		}
		return true
	})
	return sample, nil
}

// AverageShardBytes implements ddrq.ShardMetricsProvider.
func (s *Store) AverageShardBytes(ctx context.Context) (int64, error) {
	var total, count int64
	s.cache.Range(func(_ string, rec shardRecord) bool {
		total += rec.Bytes
		count++
		return true
	})
	if count == 0 {
		return 0, nil
	}
	return total / count, nil
}

// ShardBytes implements ddrq.ShardMetricsProvider, summing every cached
// shard record that overlaps r.
func (s *Store) ShardBytes(ctx context.Context, r keyrange.Range) (int64, error) {
	var total int64
	s.cache.Range(func(_ string, rec shardRecord) bool {
		rng := keyrange.Range{Begin: rec.Begin, End: rec.End}
		if rng.Intersects(r) {
			total += rec.Bytes
		}
		return true
	})
	return total, nil
}

// RebalanceDisabled implements ddrq.RebalanceFlagReader by reading the
// well-known flag key.
func (s *Store) RebalanceDisabled(ctx context.Context) (bool, error) {
	var disabled bool
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(flagRebalanceDisabled))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		return item.Value(func(v []byte) error {
			disabled = len(v) > 0 && v[0] == 1
			return nil
		})
	})
	return disabled, err
}

// SetRebalanceDisabled is the cmd/ddrqctl-facing admin write side of
// RebalanceDisabled.
func (s *Store) SetRebalanceDisabled(ctx context.Context, disabled bool) error {
	val := []byte{0}
	if disabled {
		val[0] = 1
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(flagRebalanceDisabled), val)
	})
}

// AssignShard records (or updates) the servers, owning team, and size of
// the shard covering r. It is the admin/bootstrap write path cmd/ddrqctl
// and test seeding use in place of the teacher's Raft-replicated
// LogEntryShardMapUpdate path — DDRQ's keyspace store is not
// Raft-replicated, and writes to it do not check leadership.
func (s *Store) AssignShard(ctx context.Context, r keyrange.Range, servers []string, team string, bytes int64) error {
	rec := shardRecord{Begin: r.Begin, End: r.End, Servers: servers, OwnerTeam: team, Bytes: bytes}
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("keyspace: marshal shard record: %w", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(shardPrefix+r.Begin), buf)
	}); err != nil {
		return fmt.Errorf("keyspace: persist shard record: %w", err)
	}
	s.cache.Set(r.Begin, rec)
	return nil
}

// ShardLocations returns every shard record currently cached, for
// cmd/ddrqctl's inspection commands.
func (s *Store) ShardLocations() []ddrq.ShardLocation {
	var out []ddrq.ShardLocation
	s.cache.Range(func(_ string, rec shardRecord) bool {
		out = append(out, ddrq.ShardLocation{Range: keyrange.Range{Begin: rec.Begin, End: rec.End}, Servers: rec.Servers})
		return true
	})
	return out
}

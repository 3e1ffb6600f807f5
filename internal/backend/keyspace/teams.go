package keyspace

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync/atomic"

	"github.com/dgraph-io/badger/v3"

	"github.com/shardmesh/ddrq/internal/ddrq"
	"github.com/shardmesh/ddrq/internal/ddrq/ddrqerr"
)

// inFlightCounter holds a team's projected, not-yet-committed load delta
// (ddrq.TeamProvider.AdjustInFlightLoad), matching the teacher's
// preference for atomics over mutexes on a single hot counter (see
// clusterserver/rebalance.go's atomic.Bool running, cited in DESIGN.md).
type inFlightCounter struct {
	bytes atomic.Int64
}

// teamRecord is the persisted form of a candidate destination team.
// Reference data only: a real deployment's team formation/scoring is an
// external collaborator per SPEC_FULL.md §5, so cmd/ddrqctl seeds these
// directly rather than DDRQ computing them.
type teamRecord struct {
	ID        string   `json:"id"`
	Dimension int      `json:"dimension"`
	Servers   []string `json:"servers"`
	Healthy   bool     `json:"healthy"`
	LoadBytes int64    `json:"load_bytes"`
}

func teamKey(dimension int, id string) string {
	return teamPrefix + strconv.Itoa(dimension) + "/" + id
}

// RegisterTeam persists (or updates) a candidate destination team. This
// is cmd/ddrqctl's admin write path, standing in for the external
// team-formation subsystem spec.md places out of scope.
func (s *Store) RegisterTeam(ctx context.Context, dimension int, id string, servers []string, healthy bool, loadBytes int64) error {
	rec := teamRecord{ID: id, Dimension: dimension, Servers: servers, Healthy: healthy, LoadBytes: loadBytes}
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("keyspace: marshal team record: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(teamKey(dimension, id)), buf)
	})
}

// ListTeams returns every registered team for dimension, for
// cmd/ddrqctl's inspection commands.
func (s *Store) ListTeams(ctx context.Context, dimension int) ([]ddrq.Team, error) {
	records, err := s.teamsForDimension(dimension)
	if err != nil {
		return nil, fmt.Errorf("keyspace: list teams: %w", err)
	}
	out := make([]ddrq.Team, 0, len(records))
	for _, rec := range records {
		out = append(out, s.toTeam(rec))
	}
	return out, nil
}

func (s *Store) teamsForDimension(dimension int) ([]teamRecord, error) {
	var out []teamRecord
	prefix := []byte(teamPrefix + strconv.Itoa(dimension) + "/")
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec teamRecord
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (s *Store) inFlightFor(id string) int64 {
	c, _ := s.teamLoad.GetOrSet(id, &inFlightCounter{})
	return c.bytes.Load()
}

func (s *Store) toTeam(rec teamRecord) ddrq.Team {
	return ddrq.Team{
		ID:           rec.ID,
		Servers:      rec.Servers,
		HasShard:     false,
		Healthy:      rec.Healthy,
		LoadBytes:    rec.LoadBytes,
		InFlightLoad: s.inFlightFor(rec.ID),
	}
}

// sharesServer reports whether team shares any server with src.
func sharesServer(servers, src []string) bool {
	for _, s := range servers {
		for _, o := range src {
			if s == o {
				return true
			}
		}
	}
	return false
}

// GetTeam implements ddrq.TeamProvider: among healthy teams (new-servers
// teams exclude req.Src when req.WantsNewServers is set), picks the one
// with the lowest persisted-plus-in-flight load that still fits within
// req.InflightPenalty of the least-loaded eligible team, the same
// "tolerate busier destinations for desperate moves" shape spec.md §4.5
// describes for the inflight_penalty parameter.
func (s *Store) GetTeam(ctx context.Context, dimension int, req ddrq.TeamRequest) (ddrq.Team, error) {
	records, err := s.teamsForDimension(dimension)
	if err != nil {
		return ddrq.Team{}, fmt.Errorf("keyspace: list teams: %w", err)
	}

	var best ddrq.Team
	found := false
	for _, rec := range records {
		if !rec.Healthy {
			continue
		}
		if req.WantsNewServers && sharesServer(rec.Servers, req.Src) {
			continue
		}
		team := s.toTeam(rec)
		load := team.LoadBytes + team.InFlightLoad
		if !found || load < best.LoadBytes+best.InFlightLoad-req.InflightPenalty {
			best = team
			found = true
		}
	}
	if !found {
		return ddrq.Team{}, ddrqerr.ErrTeamUnavailable
	}
	return best, nil
}

// RandomTeamBiasedByLoad implements ddrq.TeamProvider for the
// rebalancers' donor/recipient pick (spec.md §4.6 step 4): samples a
// handful of healthy teams and returns the highest- or lowest-loaded of
// the sample, rather than scanning every team for the true extremum, the
// same bounded-sample shape as rebalanceSampleSize in
// internal/ddrq/rebalance.
func (s *Store) RandomTeamBiasedByLoad(ctx context.Context, dimension int, highLoad bool) (ddrq.Team, error) {
	records, err := s.teamsForDimension(dimension)
	if err != nil {
		return ddrq.Team{}, fmt.Errorf("keyspace: list teams: %w", err)
	}
	var healthy []teamRecord
	for _, rec := range records {
		if rec.Healthy {
			healthy = append(healthy, rec)
		}
	}
	if len(healthy) == 0 {
		return ddrq.Team{}, ddrqerr.ErrTeamUnavailable
	}

	const sampleSize = 3
	best := s.toTeam(healthy[rand.IntN(len(healthy))])
	for i := 1; i < sampleSize && i < len(healthy); i++ {
		candidate := s.toTeam(healthy[rand.IntN(len(healthy))])
		cLoad := candidate.LoadBytes + candidate.InFlightLoad
		bLoad := best.LoadBytes + best.InFlightLoad
		if (highLoad && cLoad > bLoad) || (!highLoad && cLoad < bLoad) {
			best = candidate
		}
	}
	return best, nil
}

// AdjustInFlightLoad implements ddrq.TeamProvider: the Relocator calls
// this the moment it selects a destination, before the move physically
// starts, so concurrent team selection sees the projected load.
func (s *Store) AdjustInFlightLoad(ctx context.Context, teamID string, deltaBytes int64) error {
	c, _ := s.teamLoad.GetOrSet(teamID, &inFlightCounter{})
	c.bytes.Add(deltaBytes)
	return nil
}

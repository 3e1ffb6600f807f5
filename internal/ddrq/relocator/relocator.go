// Package relocator implements the Relocator: the per-launched-
// Relocation task that selects a destination team, drives the
// external key-move, polls destination health, and reports terminal
// outcome back to the Relocation Queue.
//
// @design DS-0606
// @req RQ-0606
package relocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/shardmesh/ddrq/internal/ddrq"
	"github.com/shardmesh/ddrq/internal/ddrq/ddrqerr"
	"github.com/shardmesh/ddrq/internal/ddrq/relocation"
)

// Notifier is the subset of the Relocation Queue's terminal-
// notification contract the Relocator calls into. It is satisfied by
// a thin adapter the driver loop owns, so the Relocator never touches
// Queue state directly from its own goroutine; the adapter forwards
// these calls onto the reactor's channels.
type Notifier interface {
	DataTransferComplete(r *relocation.Relocation)
	RelocationComplete(r *relocation.Relocation)
}

// Config tunes the Relocator's retry delays, concurrency bounds, and
// inflight-penalty table.
type Config struct {
	// Dimensions is the number of replication dimensions a destination
	// must be selected for (e.g. 2 for a two-datacenter deployment).
	Dimensions int

	// HealthPollInterval is how often Moving polls destination health
	// while a move is outstanding.
	HealthPollInterval time.Duration

	// TeamSelectionInitialBackoff/MaxBackoff bound the Selecting
	// state's retry schedule.
	TeamSelectionInitialBackoff time.Duration
	TeamSelectionMaxBackoff     time.Duration

	// RetryRelocateShardDelay is the wait before looping back to
	// Selecting after a move_to_removed_server error.
	RetryRelocateShardDelay time.Duration

	// BestTeamStuckDelay is the wait between Selecting retries once a
	// destination search is confirmed stuck (no healthy team found).
	BestTeamStuckDelay time.Duration

	// StuckAttemptLogThreshold is the attempt count beyond which
	// Selecting escalates its retry logs from Debug to Warn.
	StuckAttemptLogThreshold int

	// LongRunningBudget is the duration beyond which a still-running
	// relocation's completion log escalates to Warn.
	LongRunningBudget time.Duration

	// InflightPenalties maps a relocation's health band to the
	// inflight-load tolerance team selection should request: desperate
	// (low-replica-count) moves tolerate busier destinations than
	// routine rebalancing does.
	InflightPenalties map[relocation.HealthBand]int64

	Logger *slog.Logger
}

// DefaultInflightPenalties returns the default table: healthier moves
// get a small tolerance, 0/1-replicas-left moves accept nearly any
// destination load.
func DefaultInflightPenalties() map[relocation.HealthBand]int64 {
	return map[relocation.HealthBand]int64{
		relocation.HealthBandNormal: 0,
		relocation.HealthBand2Left:  1 << 20, // 1 MiB
		relocation.HealthBand1Left:  1 << 30, // 1 GiB
		relocation.HealthBand0Left:  1 << 40, // effectively unbounded
	}
}

// DefaultConfig returns sensible defaults for a single-dimension
// (single-datacenter) deployment.
func DefaultConfig() Config {
	return Config{
		Dimensions:                  1,
		HealthPollInterval:          5 * time.Second,
		TeamSelectionInitialBackoff: 100 * time.Millisecond,
		TeamSelectionMaxBackoff:     10 * time.Second,
		RetryRelocateShardDelay:     1 * time.Second,
		BestTeamStuckDelay:          5 * time.Second,
		StuckAttemptLogThreshold:    10,
		LongRunningBudget:           10 * time.Minute,
		InflightPenalties:           DefaultInflightPenalties(),
		Logger:                      slog.Default(),
	}
}

func (c Config) penaltyFor(health relocation.Priority) int64 {
	return c.InflightPenalties[relocation.ClassifyHealthBand(health)]
}

// Relocator drives a single launched Relocation through Selecting,
// Moving, Verifying, and a terminal state.
type Relocator struct {
	cfg     Config
	teams   ddrq.TeamProvider
	mover   ddrq.KeyMover
	health  ddrq.HealthChecker
	metrics ddrq.ShardMetricsProvider
	clock   ddrq.Clock

	startPermits  chan struct{}
	finishPermits chan struct{}

	logger *slog.Logger
}

// New constructs a Relocator. startParallelism and finishParallelism
// bound concurrent executions of the two key-move phases across every
// Relocator sharing this instance (spec §5's
// start_move_keys_parallelism / finish_move_keys_parallelism
// semaphores).
func New(cfg Config, teams ddrq.TeamProvider, mover ddrq.KeyMover, health ddrq.HealthChecker, metrics ddrq.ShardMetricsProvider, clock ddrq.Clock, startParallelism, finishParallelism int) *Relocator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dimensions < 1 {
		cfg.Dimensions = 1
	}
	if clock == nil {
		clock = ddrq.SystemClock
	}
	if startParallelism < 1 {
		startParallelism = 1
	}
	if finishParallelism < 1 {
		finishParallelism = 1
	}
	return &Relocator{
		cfg:           cfg,
		teams:         teams,
		mover:         mover,
		health:        health,
		metrics:       metrics,
		clock:         clock,
		startPermits:  make(chan struct{}, startParallelism),
		finishPermits: make(chan struct{}, finishParallelism),
		logger:        cfg.Logger,
	}
}

// run tracks the mutable state threaded through one relocation's state
// machine: the destination chosen per dimension, the latch
// guaranteeing at-most-once data_transfer_complete, and the running
// set of teams this relocation has projected load onto.
type run struct {
	r            *relocation.Relocation
	events       Notifier
	transferred  atomic.Bool
	chargedTeams map[string]int64 // team id -> bytes currently projected
	bytes        int64
	start        time.Time
	extras       []string // team members left uncaught by the primary move
}

func (rn *run) signalTransferComplete(events Notifier) {
	if rn.transferred.CompareAndSwap(false, true) {
		events.DataTransferComplete(rn.r)
	}
}

// chargeTeam projects rn.bytes onto team's in-flight counter exactly
// once per team; refundAll reverses every charge this run has made.
func (rn *run) chargeTeam(ctx context.Context, teams ddrq.TeamProvider, teamID string) {
	if rn.chargedTeams[teamID] != 0 {
		return
	}
	if err := teams.AdjustInFlightLoad(ctx, teamID, rn.bytes); err == nil {
		rn.chargedTeams[teamID] = rn.bytes
	}
}

func (rn *run) refundAll(ctx context.Context, teams ddrq.TeamProvider) {
	for teamID, bytes := range rn.chargedTeams {
		teams.AdjustInFlightLoad(ctx, teamID, -bytes)
		delete(rn.chargedTeams, teamID)
	}
}

// Run drives r through the full state machine until a terminal
// outcome, notifying events along the way, and returns only once every
// notification the terminal outcome requires has been sent. A nil
// return means success or a handled cancellation; a non-nil return
// (other than ddrqerr.ErrCancelled) is meant for the caller to forward
// to a supervising error channel per spec §7.
func (rl *Relocator) Run(ctx context.Context, r *relocation.Relocation, events Notifier) error {
	rn := &run{r: r, events: events, chargedTeams: make(map[string]int64), start: rl.clock.Now()}

	bytes, err := rl.metrics.ShardBytes(ctx, r.Range)
	if err == nil {
		rn.bytes = bytes
	}

	for {
		destinations, healthyDestinations, err := rl.selecting(ctx, r, rn)
		if err != nil {
			rn.refundAll(ctx, rl.teams)
			rn.signalTransferComplete(events)
			events.RelocationComplete(r)
			return err
		}

		outcome, err := rl.moving(ctx, r, rn, destinations, healthyDestinations)
		switch {
		case err == nil && outcome == outcomeRetryRemovedServer:
			rn.refundAll(ctx, rl.teams)
			select {
			case <-rl.clock.Delay(ctx, rl.cfg.RetryRelocateShardDelay):
			case <-ctx.Done():
				rn.signalTransferComplete(events)
				events.RelocationComplete(r)
				return ddrqerr.ErrCancelled
			}
			continue
		case err != nil:
			rn.refundAll(ctx, rl.teams)
			rn.signalTransferComplete(events)
			events.RelocationComplete(r)
			if errors.Is(err, ddrqerr.ErrCancelled) {
				return ddrqerr.ErrCancelled
			}
			return err
		default:
			rl.logCompletion(r, rn)
			rn.refundAll(ctx, rl.teams)
			rn.signalTransferComplete(events)
			events.RelocationComplete(r)
			return nil
		}
	}
}

func (rl *Relocator) logCompletion(r *relocation.Relocation, rn *run) {
	elapsed := rl.clock.Now().Sub(rn.start)
	level := slog.LevelInfo
	if elapsed > rl.cfg.LongRunningBudget {
		level = slog.LevelWarn
	}
	rl.logger.Log(context.Background(), level, "relocation complete",
		"range", r.Range.String(), "id", r.ID, "elapsed", elapsed)
}

// selecting requests a destination team for each configured dimension,
// retrying with backoff until every dimension has a team and at least
// one of them is healthy. It charges the chosen teams' in-flight load
// before returning.
func (rl *Relocator) selecting(ctx context.Context, r *relocation.Relocation, rn *run) (destinationIDs, healthyDestinationIDs []string, err error) {
	backoff := rl.cfg.TeamSelectionInitialBackoff
	attempt := 0

	for {
		teams := make([]ddrq.Team, 0, rl.cfg.Dimensions)
		anyErr := error(nil)
		for dim := 0; dim < rl.cfg.Dimensions; dim++ {
			req := ddrq.TeamRequest{
				WantsNewServers:        r.WantsNewServers,
				PreferLowerUtilization: true,
				Src:                    r.Src,
				CompleteSources:        setToSlice(r.CompleteSources),
				InflightPenalty:        rl.cfg.penaltyFor(r.HealthPriority),
			}
			team, tErr := rl.teams.GetTeam(ctx, dim, req)
			if tErr != nil {
				anyErr = tErr
				continue
			}
			teams = append(teams, team)
		}

		anyHealthy := false
		for _, team := range teams {
			if team.Healthy {
				anyHealthy = true
			}
		}

		if anyErr == nil && len(teams) == rl.cfg.Dimensions && anyHealthy {
			var extras []string
			destinationIDs, healthyDestinationIDs, extras = rl.resolveDestinations(teams)
			rn.extras = extras
			for _, team := range teams {
				if team.Healthy {
					rn.chargeTeam(ctx, rl.teams, team.ID)
				}
			}
			return destinationIDs, healthyDestinationIDs, nil
		}

		attempt++
		level := slog.LevelDebug
		if attempt > rl.cfg.StuckAttemptLogThreshold {
			level = slog.LevelWarn
		}
		rl.logger.Log(ctx, level, "team selection retrying",
			"range", r.Range.String(), "attempt", attempt, "error", anyErr)

		delay := backoff
		if !anyHealthy && attempt > 1 {
			delay = rl.cfg.BestTeamStuckDelay
		}

		select {
		case <-rl.clock.Delay(ctx, delay):
		case <-ctx.Done():
			return nil, nil, ddrqerr.ErrCancelled
		}

		backoff *= 2
		if backoff > rl.cfg.TeamSelectionMaxBackoff {
			backoff = rl.cfg.TeamSelectionMaxBackoff
		}
	}
}

// resolveDestinations picks, for every team not yet holding the shard,
// one random concrete destination server and returns the remaining
// team members as extras the Verifying phase will catch up separately.
// Teams already holding the shard contribute nothing (no move needed
// on that dimension).
func (rl *Relocator) resolveDestinations(teams []ddrq.Team) (destinationIDs, healthyDestinationIDs, extraIDs []string) {
	for _, team := range teams {
		if team.HasShard || len(team.Servers) == 0 {
			continue
		}
		pick := rand.IntN(len(team.Servers))
		primary := team.Servers[pick]
		destinationIDs = append(destinationIDs, primary)
		if team.Healthy {
			healthyDestinationIDs = append(healthyDestinationIDs, primary)
		}
		for i, server := range team.Servers {
			if i != pick {
				extraIDs = append(extraIDs, server)
			}
		}
	}
	return destinationIDs, healthyDestinationIDs, extraIDs
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetryRemovedServer
)

// moving invokes the key-move and concurrently polls destination
// health; an unhealthy destination triggers an early, idempotent
// data_transfer_complete signal without aborting the move.
func (rl *Relocator) moving(ctx context.Context, r *relocation.Relocation, rn *run, destinationIDs, healthyDestinationIDs []string) (outcome, error) {
	select {
	case rl.startPermits <- struct{}{}:
	case <-ctx.Done():
		return outcomeDone, ddrqerr.ErrCancelled
	}
	defer func() { <-rl.startPermits }()

	moveCtx, cancelMove := context.WithCancel(ctx)
	defer cancelMove()

	moveErr := make(chan error, 1)
	go func() {
		moveErr <- rl.mover.MoveKeys(moveCtx, r.Range, destinationIDs, healthyDestinationIDs)
	}()

	for {
		select {
		case err := <-moveErr:
			return rl.finishMove(ctx, r, rn, destinationIDs, err)
		case <-rl.clock.Delay(ctx, rl.cfg.HealthPollInterval):
			if rl.anyDestinationUnhealthy(ctx, healthyDestinationIDs) {
				rn.signalTransferComplete(rn.events)
			}
		case <-ctx.Done():
			cancelMove()
			<-moveErr
			return outcomeDone, ddrqerr.ErrCancelled
		}
	}
}

func (rl *Relocator) anyDestinationUnhealthy(ctx context.Context, destinationIDs []string) bool {
	for _, id := range destinationIDs {
		healthy, err := rl.health.IsHealthy(ctx, id)
		if err == nil && !healthy {
			return true
		}
	}
	return false
}

// finishMove handles the move's terminal outcome, including the
// Verifying/extras follow-up the spec describes for a successful move
// that left some team members uncaught.
func (rl *Relocator) finishMove(ctx context.Context, r *relocation.Relocation, rn *run, destinationIDs []string, err error) (outcome, error) {
	select {
	case rl.finishPermits <- struct{}{}:
	case <-ctx.Done():
		return outcomeDone, ddrqerr.ErrCancelled
	}
	defer func() { <-rl.finishPermits }()

	if err != nil {
		if errors.Is(err, ddrqerr.ErrMoveToRemovedServer) {
			return outcomeRetryRemovedServer, nil
		}
		return outcomeDone, fmt.Errorf("relocator: key move failed: %w", err)
	}

	if len(rn.extras) > 0 {
		if extraErr := rl.moveExtras(ctx, r, destinationIDs, rn.extras); extraErr != nil {
			if errors.Is(extraErr, ddrqerr.ErrMoveToRemovedServer) {
				return outcomeRetryRemovedServer, nil
			}
			return outcomeDone, fmt.Errorf("relocator: extras follow-up move failed: %w", extraErr)
		}
	}

	return outcomeDone, nil
}

// moveExtras issues the Verifying-phase follow-up move that adds the
// team members left uncaught by the primary pick to the destination
// set, treating the full expanded team as destinations.
func (rl *Relocator) moveExtras(ctx context.Context, r *relocation.Relocation, destinationIDs, extraIDs []string) error {
	select {
	case rl.startPermits <- struct{}{}:
	case <-ctx.Done():
		return ddrqerr.ErrCancelled
	}
	defer func() { <-rl.startPermits }()

	full := make([]string, 0, len(destinationIDs)+len(extraIDs))
	full = append(full, destinationIDs...)
	full = append(full, extraIDs...)
	return rl.mover.MoveKeys(ctx, r.Range, full, full)
}

func setToSlice(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

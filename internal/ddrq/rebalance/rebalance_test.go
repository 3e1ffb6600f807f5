package rebalance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shardmesh/ddrq/internal/ddrq"
	"github.com/shardmesh/ddrq/internal/ddrq/keyrange"
	"github.com/shardmesh/ddrq/internal/ddrq/relocation"
)

// instantClock fires Delay immediately and ignores ctx.Done, matching
// the pattern used across the relocation-queue packages' tests.
type instantClock struct{}

func (instantClock) Now() time.Time { return time.Time{} }
func (instantClock) Delay(ctx context.Context, d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

type fakeTeams struct {
	donor     ddrq.Team
	recipient ddrq.Team
	err       error
}

func (f *fakeTeams) GetTeam(ctx context.Context, dimension int, req ddrq.TeamRequest) (ddrq.Team, error) {
	return ddrq.Team{}, errors.New("not used by rebalance tests")
}

func (f *fakeTeams) RandomTeamBiasedByLoad(ctx context.Context, dimension int, highLoad bool) (ddrq.Team, error) {
	if f.err != nil {
		return ddrq.Team{}, f.err
	}
	if highLoad {
		return f.donor, nil
	}
	return f.recipient, nil
}

func (f *fakeTeams) AdjustInFlightLoad(ctx context.Context, teamID string, deltaBytes int64) error {
	return nil
}

type fakeMetrics struct {
	avg      int64
	sample   []ddrq.ShardMetrics
	reSample []ddrq.ShardMetrics // returned by the second SampleShards call onward, if set
	calls    int
}

func (f *fakeMetrics) SampleShards(ctx context.Context, team string, n int) ([]ddrq.ShardMetrics, error) {
	f.calls++
	if f.calls > 1 && f.reSample != nil {
		return f.reSample, nil
	}
	return f.sample, nil
}

func (f *fakeMetrics) AverageShardBytes(ctx context.Context) (int64, error) { return f.avg, nil }

func (f *fakeMetrics) ShardBytes(ctx context.Context, r keyrange.Range) (int64, error) {
	return 0, nil
}

type fakeFlags struct {
	disabled bool
}

func (f *fakeFlags) RebalanceDisabled(ctx context.Context) (bool, error) { return f.disabled, nil }

type fakeSaturation struct {
	saturated bool
}

func (f *fakeSaturation) RecentlySaturated(ctx context.Context) (bool, error) { return f.saturated, nil }

type fakeQueue struct {
	count int
}

func (f *fakeQueue) PriorityCount(p relocation.Priority) int { return f.count }

type fakeEmitter struct {
	mu    sync.Mutex
	calls []struct {
		r        keyrange.Range
		priority relocation.Priority
	}
}

func (f *fakeEmitter) RelocateShard(ctx context.Context, r keyrange.Range, priority relocation.Priority, wantsNewServers bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, struct {
		r        keyrange.Range
		priority relocation.Priority
	}{r, priority})
	return nil
}

func (f *fakeEmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testLoop(cfg Config, kind Kind, teams ddrq.TeamProvider, metrics ddrq.ShardMetricsProvider, flags ddrq.RebalanceFlagReader, sat ddrq.SaturationReader, queue QueueObserver, emit Emitter) *Loop {
	return New(cfg, kind, 0, teams, metrics, flags, sat, queue, emit, instantClock{})
}

func TestAttemptEmitsRelocationWhenOverAverageAndOverTolerance(t *testing.T) {
	teams := &fakeTeams{
		donor:     ddrq.Team{ID: "donor", LoadBytes: 10_000_000},
		recipient: ddrq.Team{ID: "recipient", LoadBytes: 0},
	}
	r := keyrange.New("a", "m")
	metrics := &fakeMetrics{
		avg:    1000,
		sample: []ddrq.ShardMetrics{{Range: r, Bytes: 5000, OwnerTeam: "donor"}},
	}
	l := testLoop(DefaultConfig(), MountainChopper, teams, metrics, &fakeFlags{}, &fakeSaturation{}, &fakeQueue{}, &fakeEmitter{})

	did, err := l.attempt(context.Background())
	if err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	if !did {
		t.Fatal("expected attempt to emit a relocation")
	}
}

func TestAttemptAbortsWhenLoadDeltaWithinTolerance(t *testing.T) {
	teams := &fakeTeams{
		donor:     ddrq.Team{ID: "donor", LoadBytes: 1000},
		recipient: ddrq.Team{ID: "recipient", LoadBytes: 999},
	}
	r := keyrange.New("a", "m")
	metrics := &fakeMetrics{
		avg:    100,
		sample: []ddrq.ShardMetrics{{Range: r, Bytes: 5000, OwnerTeam: "donor"}},
	}
	l := testLoop(DefaultConfig(), MountainChopper, teams, metrics, &fakeFlags{}, &fakeSaturation{}, &fakeQueue{}, &fakeEmitter{})

	did, err := l.attempt(context.Background())
	if err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	if did {
		t.Fatal("expected attempt to abort: load delta is within tolerance")
	}
}

func TestAttemptAbortsWhenNoShardExceedsAverage(t *testing.T) {
	teams := &fakeTeams{
		donor:     ddrq.Team{ID: "donor", LoadBytes: 10_000_000},
		recipient: ddrq.Team{ID: "recipient", LoadBytes: 0},
	}
	metrics := &fakeMetrics{
		avg:    1_000_000,
		sample: []ddrq.ShardMetrics{{Range: keyrange.New("a", "m"), Bytes: 100, OwnerTeam: "donor"}},
	}
	l := testLoop(DefaultConfig(), MountainChopper, teams, metrics, &fakeFlags{}, &fakeSaturation{}, &fakeQueue{}, &fakeEmitter{})

	did, err := l.attempt(context.Background())
	if err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	if did {
		t.Fatal("expected attempt to abort: no sampled shard exceeds average")
	}
}

func TestAttemptAbortsWhenOwnershipChangedBeforeEmit(t *testing.T) {
	teams := &fakeTeams{
		donor:     ddrq.Team{ID: "donor", LoadBytes: 10_000_000},
		recipient: ddrq.Team{ID: "recipient", LoadBytes: 0},
	}
	chosen := keyrange.New("a", "m")
	metrics := &fakeMetrics{
		avg:      1000,
		sample:   []ddrq.ShardMetrics{{Range: chosen, Bytes: 5000, OwnerTeam: "donor"}},
		reSample: []ddrq.ShardMetrics{{Range: keyrange.New("m", "z"), Bytes: 5000, OwnerTeam: "donor"}},
	}
	l := testLoop(DefaultConfig(), MountainChopper, teams, metrics, &fakeFlags{}, &fakeSaturation{}, &fakeQueue{}, &fakeEmitter{})

	did, err := l.attempt(context.Background())
	if err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	if did {
		t.Fatal("expected attempt to abort: re-verification found the shard no longer donor-owned")
	}
	if metrics.calls != 2 {
		t.Errorf("SampleShards calls = %d, want 2 (initial sample + re-verify)", metrics.calls)
	}
}

func TestAttemptAbortsWhenDonorAndRecipientAreSameTeam(t *testing.T) {
	teams := &fakeTeams{
		donor:     ddrq.Team{ID: "same", LoadBytes: 10_000_000},
		recipient: ddrq.Team{ID: "same", LoadBytes: 10_000_000},
	}
	metrics := &fakeMetrics{avg: 100, sample: []ddrq.ShardMetrics{{Range: keyrange.New("a", "m"), Bytes: 5000}}}
	l := testLoop(DefaultConfig(), ValleyFiller, teams, metrics, &fakeFlags{}, &fakeSaturation{}, &fakeQueue{}, &fakeEmitter{})

	did, err := l.attempt(context.Background())
	if err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	if did {
		t.Fatal("expected no-op when donor and recipient resolve to the same team")
	}
}

func TestRunSkipsIterationWhenDisabled(t *testing.T) {
	teams := &fakeTeams{
		donor:     ddrq.Team{ID: "donor", LoadBytes: 10_000_000},
		recipient: ddrq.Team{ID: "recipient", LoadBytes: 0},
	}
	metrics := &fakeMetrics{avg: 100, sample: []ddrq.ShardMetrics{{Range: keyrange.New("a", "m"), Bytes: 5000, OwnerTeam: "donor"}}}
	flags := &fakeFlags{disabled: true}
	emit := &fakeEmitter{}
	cfg := DefaultConfig()
	cfg.DisabledFlagCheckInterval = 0
	l := testLoop(cfg, MountainChopper, teams, metrics, flags, &fakeSaturation{}, &fakeQueue{}, emit)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
loop:
	for {
		select {
		case <-deadline:
			break loop
		case <-time.After(time.Millisecond):
			if emit.count() > 0 {
				t.Fatal("expected no relocation to be emitted while rebalancing is disabled")
			}
		}
	}
	cancel()
	<-done
}

func TestRunSkipsIterationWhenParallelismSaturated(t *testing.T) {
	teams := &fakeTeams{
		donor:     ddrq.Team{ID: "donor", LoadBytes: 10_000_000},
		recipient: ddrq.Team{ID: "recipient", LoadBytes: 0},
	}
	metrics := &fakeMetrics{avg: 100, sample: []ddrq.ShardMetrics{{Range: keyrange.New("a", "m"), Bytes: 5000, OwnerTeam: "donor"}}}
	queue := &fakeQueue{count: 1000}
	cfg := DefaultConfig()
	cfg.Parallelism = 1
	emit := &fakeEmitter{}
	l := testLoop(cfg, MountainChopper, teams, metrics, &fakeFlags{}, &fakeSaturation{}, queue, emit)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
loop2:
	for {
		select {
		case <-deadline:
			break loop2
		case <-time.After(time.Millisecond):
			if emit.count() > 0 {
				t.Fatal("expected no relocation while priority_relocations already meets DD_REBALANCE_PARALLELISM")
			}
		}
	}
	cancel()
	<-done
}

func TestAdaptIntervalResetsAfterConsecutiveNoops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResetAmount = 2
	l := testLoop(cfg, MountainChopper, &fakeTeams{}, &fakeMetrics{}, &fakeFlags{}, &fakeSaturation{}, &fakeQueue{}, &fakeEmitter{})

	noops := 2
	next := l.adaptInterval(context.Background(), time.Minute, &noops)
	if next != cfg.DefaultPollInterval {
		t.Errorf("interval = %v, want default %v after ResetAmount consecutive no-ops", next, cfg.DefaultPollInterval)
	}
	if noops != 0 {
		t.Errorf("noops = %d, want reset to 0", noops)
	}
}

func TestAdaptIntervalStretchesOnSaturation(t *testing.T) {
	cfg := DefaultConfig()
	l := testLoop(cfg, MountainChopper, &fakeTeams{}, &fakeMetrics{}, &fakeFlags{}, &fakeSaturation{saturated: true}, &fakeQueue{}, &fakeEmitter{})

	noops := 0
	next := l.adaptInterval(context.Background(), time.Second, &noops)
	want := time.Duration(float64(time.Second) * cfg.IncreaseRate)
	if next != want {
		t.Errorf("interval = %v, want %v", next, want)
	}
}

func TestAdaptIntervalCompressesTowardMinWaitWhenQuiescent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinWait = time.Millisecond
	l := testLoop(cfg, MountainChopper, &fakeTeams{}, &fakeMetrics{}, &fakeFlags{}, &fakeSaturation{saturated: false}, &fakeQueue{}, &fakeEmitter{})

	noops := 0
	next := l.adaptInterval(context.Background(), time.Second, &noops)
	want := time.Duration(float64(time.Second) / cfg.DecreaseRate)
	if next != want {
		t.Errorf("interval = %v, want %v", next, want)
	}
}

func TestKindPriorityAndString(t *testing.T) {
	if MountainChopper.priority() != relocation.PriorityRebalanceOverutilized {
		t.Errorf("MountainChopper priority = %v, want PriorityRebalanceOverutilized", MountainChopper.priority())
	}
	if ValleyFiller.priority() != relocation.PriorityRebalanceUnderutilized {
		t.Errorf("ValleyFiller priority = %v, want PriorityRebalanceUnderutilized", ValleyFiller.priority())
	}
	if MountainChopper.String() != "mountain_chopper" || ValleyFiller.String() != "valley_filler" {
		t.Errorf("unexpected Kind.String() values: %q, %q", MountainChopper.String(), ValleyFiller.String())
	}
}

package driver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shardmesh/ddrq/internal/ddrq"
	"github.com/shardmesh/ddrq/internal/ddrq/keyrange"
	"github.com/shardmesh/ddrq/internal/ddrq/ledger"
	"github.com/shardmesh/ddrq/internal/ddrq/queue"
	"github.com/shardmesh/ddrq/internal/ddrq/relocation"
	"github.com/shardmesh/ddrq/internal/ddrq/relocator"
	"github.com/shardmesh/ddrq/internal/ddrq/sourcefetch"
)

type instantClock struct{}

func (instantClock) Now() time.Time { return time.Time{} }
func (instantClock) Delay(ctx context.Context, d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

type fakeReader struct {
	shards []ddrq.ShardLocation
}

func (f *fakeReader) ShardsIntersecting(ctx context.Context, r keyrange.Range) ([]ddrq.ShardLocation, error) {
	return f.shards, nil
}

type fakeMembers struct{}

func (fakeMembers) AllStorageServers(ctx context.Context) ([]string, error) { return nil, nil }

type fakeTeams struct {
	team ddrq.Team
}

func (f *fakeTeams) GetTeam(ctx context.Context, dimension int, req ddrq.TeamRequest) (ddrq.Team, error) {
	return f.team, nil
}

func (f *fakeTeams) RandomTeamBiasedByLoad(ctx context.Context, dimension int, highLoad bool) (ddrq.Team, error) {
	return f.team, nil
}

func (f *fakeTeams) AdjustInFlightLoad(ctx context.Context, teamID string, deltaBytes int64) error {
	return nil
}

type fakeMover struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeMover) MoveKeys(ctx context.Context, r keyrange.Range, destinationIDs, healthyDestinationIDs []string) error {
	f.mu.Lock()
	f.calls++
	err := f.err
	f.mu.Unlock()
	return err
}

func (f *fakeMover) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeHealth struct{}

func (fakeHealth) IsHealthy(ctx context.Context, serverID string) (bool, error) { return true, nil }

type fakeShardMetrics struct{}

func (fakeShardMetrics) SampleShards(ctx context.Context, team string, n int) ([]ddrq.ShardMetrics, error) {
	return nil, nil
}

func (fakeShardMetrics) AverageShardBytes(ctx context.Context) (int64, error) { return 0, nil }

func (fakeShardMetrics) ShardBytes(ctx context.Context, r keyrange.Range) (int64, error) {
	return 1024, nil
}

type fakeMetricsSink struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (f *fakeMetricsSink) Observe(s Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps = append(f.snaps, s)
}

func (f *fakeMetricsSink) last() (Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.snaps) == 0 {
		return Snapshot{}, false
	}
	return f.snaps[len(f.snaps)-1], true
}

// testDriver wires a full, minimal stack: a real Queue, Source
// Fetcher, and Relocator backed by in-memory fakes, exactly as a
// production Driver would be constructed.
func testDriver(t *testing.T, mover *fakeMover) (*Driver, *fakeMetricsSink) {
	t.Helper()

	keyspace := keyrange.New("a", "z")
	q := queue.New(keyspace, queue.DefaultConfig(), ledger.New(), nil)

	reader := &fakeReader{shards: []ddrq.ShardLocation{
		{Range: keyspace, Servers: []string{"s1", "s2", "s3"}},
	}}
	fetcher := sourcefetch.New(sourcefetch.DefaultConfig(), reader, fakeMembers{}, instantClock{})

	teams := &fakeTeams{team: ddrq.Team{ID: "dst-team", Servers: []string{"d1", "d2", "d3"}, Healthy: true}}
	rel := relocator.New(relocator.DefaultConfig(), teams, mover, fakeHealth{}, fakeShardMetrics{}, instantClock{}, 4, 4)

	sink := &fakeMetricsSink{}
	cfg := Config{MetricsInterval: 0, RelocatorErrBuffer: 8}
	return New(cfg, q, fetcher, rel, sink, instantClock{}), sink
}

func TestDriverRunFullPipelineLaunchesAndCompletes(t *testing.T) {
	mover := &fakeMover{}
	d, _ := testDriver(t, mover)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go d.Run(ctx)

	submitCtx, submitCancel := context.WithTimeout(context.Background(), time.Second)
	defer submitCancel()
	if err := d.RelocateShard(submitCtx, keyrange.New("a", "z"), relocation.PriorityTeamHealthy, false); err != nil {
		t.Fatalf("RelocateShard failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mover.callCount() > 0 && d.q.InFlightCount() == 0 && d.q.QueuedCount() == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("relocation never drained: mover calls=%d, in-flight=%d, queued=%d",
		mover.callCount(), d.q.InFlightCount(), d.q.QueuedCount())
}

func TestDriverSurvivesRelocatorError(t *testing.T) {
	mover := &fakeMover{err: errors.New("move exploded")}
	d, _ := testDriver(t, mover)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go d.Run(ctx)

	submitCtx, submitCancel := context.WithTimeout(context.Background(), time.Second)
	defer submitCancel()
	if err := d.RelocateShard(submitCtx, keyrange.New("a", "z"), relocation.PriorityTeamHealthy, false); err != nil {
		t.Fatalf("RelocateShard failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mover.callCount() > 0 && d.q.InFlightCount() == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("relocation never retired after failure: mover calls=%d, in-flight=%d",
		mover.callCount(), d.q.InFlightCount())
}

func TestRelocateShardReturnsContextErrorWhenUnconsumed(t *testing.T) {
	mover := &fakeMover{}
	d, _ := testDriver(t, mover)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.RelocateShard(ctx, keyrange.New("a", "z"), relocation.PriorityTeamHealthy, false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestPriorityCountDelegatesToQueue(t *testing.T) {
	mover := &fakeMover{}
	d, _ := testDriver(t, mover)

	r := relocation.New(keyrange.New("a", "m"), relocation.PriorityTeamHealthy, false)
	d.q.Enqueue(r)

	if got := d.PriorityCount(relocation.PriorityTeamHealthy); got != 1 {
		t.Errorf("PriorityCount = %d, want 1", got)
	}
	if got := d.PriorityCount(relocation.PrioritySplitShard); got != 0 {
		t.Errorf("PriorityCount(unrelated) = %d, want 0", got)
	}
}

func TestEmitMetricsReportsHighestPriorityAndCounts(t *testing.T) {
	mover := &fakeMover{}
	d, sink := testDriver(t, mover)

	d.q.Enqueue(relocation.New(keyrange.New("a", "g"), relocation.PriorityTeamHealthy, false))
	d.q.Enqueue(relocation.New(keyrange.New("g", "m"), relocation.PrioritySplitShard, false))

	d.emitMetrics()

	snap, ok := sink.last()
	if !ok {
		t.Fatal("expected a snapshot to be observed")
	}
	if !snap.HasActivity {
		t.Fatal("expected HasActivity = true")
	}
	if snap.HighestPriority != relocation.PrioritySplitShard {
		t.Errorf("HighestPriority = %v, want PrioritySplitShard", snap.HighestPriority)
	}
	if snap.QueuedRelocations != 2 {
		t.Errorf("QueuedRelocations = %d, want 2", snap.QueuedRelocations)
	}
}

func TestEmitMetricsReportsNoActivityWhenQueueEmpty(t *testing.T) {
	mover := &fakeMover{}
	d, sink := testDriver(t, mover)

	d.emitMetrics()

	snap, ok := sink.last()
	if !ok {
		t.Fatal("expected a snapshot to be observed")
	}
	if snap.HasActivity {
		t.Fatal("expected HasActivity = false on an empty queue")
	}
}

func TestSignalWakeCoalescesMultipleRequests(t *testing.T) {
	mover := &fakeMover{}
	d, _ := testDriver(t, mover)

	d.signalWake()
	d.signalWake()
	d.signalWake()

	if got := len(d.wake); got != 1 {
		t.Errorf("len(d.wake) = %d, want 1 (coalesced)", got)
	}
}

func TestHandleFetchCompleteErrorIsDroppedWithoutScheduling(t *testing.T) {
	mover := &fakeMover{}
	d, _ := testDriver(t, mover)

	r := relocation.New(keyrange.New("a", "m"), relocation.PriorityTeamHealthy, false)
	d.handleFetchComplete(fetchResult{r: r, err: errors.New("backend unavailable")})

	if got := len(d.wake); got != 0 {
		t.Errorf("len(d.wake) = %d, want 0 after a failed fetch", got)
	}
}

func TestHandleRelocationCompleteSchedulesRange(t *testing.T) {
	mover := &fakeMover{}
	d, _ := testDriver(t, mover)

	r := relocation.New(keyrange.New("a", "m"), relocation.PriorityTeamHealthy, false)
	result := d.q.Enqueue(r)
	if len(result.NeedsFetch) != 1 {
		t.Fatalf("expected one NeedsFetch entry, got %d", len(result.NeedsFetch))
	}
	resolved, ok := d.q.CompleteSourceFetch(r.ID, []string{"s1"}, []string{"s1"})
	if !ok {
		t.Fatal("CompleteSourceFetch returned false")
	}

	plans := d.q.TryLaunch(queue.TriggerRelocation(resolved))
	if len(plans) != 1 {
		t.Fatalf("expected one launch plan, got %d", len(plans))
	}

	d.handleRelocationComplete(plans[0].Relocation)

	if got := len(d.wake); got != 1 {
		t.Errorf("len(d.wake) = %d, want 1", got)
	}
	if len(d.pendingRanges) != 1 || !d.pendingRanges[0].Equal(plans[0].Range) {
		t.Errorf("pendingRanges = %v, want [%v]", d.pendingRanges, plans[0].Range)
	}
}

// Package driver implements the Driver loop: the single-threaded
// reactor that owns the Relocation Queue and is the only goroutine
// permitted to call into it. Every other component — Source Fetcher,
// Relocator, Rebalancers — communicates back through the Driver's
// channels rather than touching Queue state directly.
//
// @design DS-0608
// @req RQ-0608
package driver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shardmesh/ddrq/internal/ddrq"
	"github.com/shardmesh/ddrq/internal/ddrq/ddrqerr"
	"github.com/shardmesh/ddrq/internal/ddrq/keyrange"
	"github.com/shardmesh/ddrq/internal/ddrq/queue"
	"github.com/shardmesh/ddrq/internal/ddrq/rangemap"
	"github.com/shardmesh/ddrq/internal/ddrq/relocation"
	"github.com/shardmesh/ddrq/internal/ddrq/relocator"
	"github.com/shardmesh/ddrq/internal/ddrq/sourcefetch"
)

// RelocateShard is the external inbound request described in spec.md
// §6's input stream, and also what a rebalance Loop injects through
// Driver.RelocateShard.
type RelocateShard struct {
	Range           keyrange.Range
	Priority        relocation.Priority
	WantsNewServers bool
}

// priorityOrder lists every priority category from least to most
// urgent, the order spec.md §6 gives for "highest_priority" in the
// periodic metrics snapshot.
var priorityOrder = []relocation.Priority{
	relocation.PriorityRecoverMove,
	relocation.PriorityRebalanceUnderutilized,
	relocation.PriorityRebalanceOverutilized,
	relocation.PriorityTeamHealthy,
	relocation.PriorityTeamContainsUndesired,
	relocation.PriorityTeamRedundant,
	relocation.PriorityMergeShard,
	relocation.PriorityPopulateRegion,
	relocation.PriorityTeamUnhealthy,
	relocation.PriorityTeam2Left,
	relocation.PriorityTeam1Left,
	relocation.PriorityTeam0Left,
	relocation.PrioritySplitShard,
}

// Snapshot is the periodic metrics emission spec.md §6 describes.
// Snapshot carries only what the Queue itself can answer; it has no
// bytes-written figure, and the per-priority breakdown goes to a sink
// that implements QueueDepthObserver.
type Snapshot struct {
	ActiveRelocations    int
	QueuedRelocations    int
	UnhealthyRelocations int
	HighestPriority      relocation.Priority
	HasActivity          bool
}

// QueueDepthObserver is an optional MetricsSink capability for reporting
// the per-priority-band queue depth breakdown Snapshot itself omits
// (Snapshot only carries the single highest active priority). A
// MetricsSink that doesn't implement this just gets the coarser
// Snapshot view.
type QueueDepthObserver interface {
	SetQueueDepth(priority int, count int)
}

// MetricsSink receives periodic Snapshots. Implementations must not
// block meaningfully; the reactor goroutine calls this inline.
type MetricsSink interface {
	Observe(Snapshot)
}

// Config tunes the Driver's ambient behavior: metrics cadence and
// buffering for the channels fed by external goroutines.
type Config struct {
	// MetricsInterval is how often the periodic metrics emitter fires.
	MetricsInterval time.Duration

	// RelocatorErrBuffer bounds how many forwarded Relocator errors the
	// reactor will queue before it starts dropping them with a log
	// line, so a burst of failures cannot block task goroutines on a
	// slow-draining error channel.
	RelocatorErrBuffer int

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MetricsInterval:    10 * time.Second,
		RelocatorErrBuffer: 32,
		Logger:             slog.Default(),
	}
}

type fetchResult struct {
	r        *relocation.Relocation
	src      []string
	complete []string
	err      error
}

// Driver is the reactor described in spec.md §4.7. It is not safe for
// concurrent use beyond the channel sends task goroutines make into
// it; only Run's goroutine ever touches its Queue.
type Driver struct {
	cfg     Config
	q       *queue.Queue
	fetcher *sourcefetch.Fetcher
	rel     *relocator.Relocator
	metrics MetricsSink
	clock   ddrq.Clock
	logger  *slog.Logger

	input              chan RelocateShard
	fetchComplete      chan fetchResult
	transferComplete   chan *relocation.Relocation
	relocationComplete chan *relocation.Relocation
	relocatorErr       chan error

	wake               chan struct{}
	pendingRelocations map[string]*relocation.Relocation
	pendingRanges      []keyrange.Range
	pendingSources     map[string]bool
}

// New constructs a Driver around an already-built Queue, Source
// Fetcher, and Relocator. metrics may be nil to disable the periodic
// emitter.
func New(cfg Config, q *queue.Queue, fetcher *sourcefetch.Fetcher, rel *relocator.Relocator, metrics MetricsSink, clock ddrq.Clock) *Driver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RelocatorErrBuffer < 1 {
		cfg.RelocatorErrBuffer = 1
	}
	if clock == nil {
		clock = ddrq.SystemClock
	}
	return &Driver{
		cfg:                cfg,
		q:                  q,
		fetcher:            fetcher,
		rel:                rel,
		metrics:            metrics,
		clock:              clock,
		logger:             cfg.Logger,
		input:              make(chan RelocateShard),
		fetchComplete:      make(chan fetchResult),
		transferComplete:   make(chan *relocation.Relocation),
		relocationComplete: make(chan *relocation.Relocation),
		relocatorErr:       make(chan error, cfg.RelocatorErrBuffer),
		wake:               make(chan struct{}, 1),
		pendingRelocations: make(map[string]*relocation.Relocation),
		pendingSources:     make(map[string]bool),
	}
}

// RelocateShard submits r to the driver's input stream, blocking until
// accepted or ctx is cancelled. Its signature matches
// rebalance.Emitter, so a Driver can be passed directly as a rebalance
// Loop's emit collaborator. It is reachable only from inside the
// process that owns the Driver.
func (d *Driver) RelocateShard(ctx context.Context, r keyrange.Range, priority relocation.Priority, wantsNewServers bool) error {
	req := RelocateShard{Range: r, Priority: priority, WantsNewServers: wantsNewServers}
	select {
	case d.input <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PriorityCount satisfies rebalance.QueueObserver, so a Driver can
// also stand in for the Queue itself from a rebalance Loop's point of
// view without exposing the Queue beyond this package.
func (d *Driver) PriorityCount(p relocation.Priority) int {
	return d.q.PriorityCount(p)
}

// Run blocks, driving the reactor loop until ctx is cancelled. It is
// the only goroutine that may touch d.q.
func (d *Driver) Run(ctx context.Context) {
	var metricsTick <-chan time.Time
	if d.metrics != nil && d.cfg.MetricsInterval > 0 {
		metricsTick = d.clock.Delay(ctx, d.cfg.MetricsInterval)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case req := <-d.input:
			d.handleInput(ctx, req)

		case fr := <-d.fetchComplete:
			d.handleFetchComplete(fr)

		case r := <-d.transferComplete:
			d.handleTransferComplete(r)

		case r := <-d.relocationComplete:
			d.handleRelocationComplete(r)

		case err := <-d.relocatorErr:
			d.logger.Error("relocator reported error", "error", err)

		case <-d.wake:
			d.flushLaunches(ctx)

		case <-metricsTick:
			d.emitMetrics()
			metricsTick = d.clock.Delay(ctx, d.cfg.MetricsInterval)
		}
	}
}

// handleInput implements spec.md §4.7's input-stream case: enqueue,
// start a Source Fetcher for anything that needs one, then schedule a
// deferred try_launch(affected_sources).
func (d *Driver) handleInput(ctx context.Context, req RelocateShard) {
	r := relocation.New(req.Range, req.Priority, req.WantsNewServers)
	result := d.q.Enqueue(r)
	for _, nf := range result.NeedsFetch {
		d.startFetch(ctx, nf)
	}
	d.scheduleSources(result.AffectedSources)
}

func (d *Driver) startFetch(ctx context.Context, r *relocation.Relocation) {
	go func() {
		src, complete, err := d.fetcher.Fetch(ctx, r)
		select {
		case d.fetchComplete <- fetchResult{r: r, src: src, complete: complete, err: err}:
		case <-ctx.Done():
		}
	}()
}

// handleFetchComplete implements fetch_source_servers_complete: fold
// the resolved sources into the Queue, then try_launch(r).
func (d *Driver) handleFetchComplete(fr fetchResult) {
	if fr.err != nil {
		if !errors.Is(fr.err, ddrqerr.ErrCancelled) {
			d.logger.Error("source fetch failed", "range", fr.r.Range.String(), "error", fr.err)
		}
		return
	}
	r, ok := d.q.CompleteSourceFetch(fr.r.ID, fr.src, fr.complete)
	if !ok {
		// Superseded before the fetch resolved; nothing to launch.
		return
	}
	d.scheduleRelocation(r)
}

// handleTransferComplete implements data_transfer_complete: refund the
// Ledger and accumulate the affected sources for a deferred
// try_launch(sources).
func (d *Driver) handleTransferComplete(r *relocation.Relocation) {
	sources := d.q.DataTransferComplete(r)
	d.scheduleSources(sources)
}

// handleRelocationComplete implements relocation_complete: retire the
// relocation and schedule a deferred try_launch(range).
func (d *Driver) handleRelocationComplete(r *relocation.Relocation) {
	rng := d.q.RelocationComplete(r)
	d.scheduleRange(rng)
}

func (d *Driver) scheduleRelocation(r *relocation.Relocation) {
	d.pendingRelocations[r.ID] = r
	d.signalWake()
}

func (d *Driver) scheduleRange(r keyrange.Range) {
	d.pendingRanges = append(d.pendingRanges, r)
	d.signalWake()
}

func (d *Driver) scheduleSources(sources []string) {
	if len(sources) == 0 {
		return
	}
	for _, s := range sources {
		d.pendingSources[s] = true
	}
	d.signalWake()
}

func (d *Driver) signalWake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// flushLaunches drains every trigger accumulated since the last flush
// and runs one try_launch pass per distinct trigger, implementing the
// "zero-delay deferred trigger" coalescing spec.md §4.7 describes:
// several completions landing in the same reactor tick collapse into
// however many distinct triggers they produced, not one try_launch per
// completion.
func (d *Driver) flushLaunches(ctx context.Context) {
	for id, r := range d.pendingRelocations {
		delete(d.pendingRelocations, id)
		d.runTrigger(ctx, queue.TriggerRelocation(r))
	}

	ranges := d.pendingRanges
	d.pendingRanges = nil
	for _, r := range ranges {
		d.runTrigger(ctx, queue.TriggerRange(r))
	}

	if len(d.pendingSources) > 0 {
		sources := make([]string, 0, len(d.pendingSources))
		for s := range d.pendingSources {
			sources = append(sources, s)
		}
		d.pendingSources = make(map[string]bool)
		d.runTrigger(ctx, queue.TriggerSources(sources))
	}
}

func (d *Driver) runTrigger(ctx context.Context, t queue.Trigger) {
	for _, plan := range d.q.TryLaunch(t) {
		d.launch(ctx, plan)
	}
}

// launch spawns a Relocator goroutine for a just-admitted LaunchPlan,
// registers its cancel handle with the Queue, and forwards its
// terminal error (if any) onto the reactor's error channel.
func (d *Driver) launch(ctx context.Context, plan queue.LaunchPlan) {
	taskCtx, cancel := context.WithCancel(ctx)
	task := rangemap.NewTask(cancel)
	d.q.AttachTask(plan.Range, task)

	notifier := &driverNotifier{d: d, ctx: ctx}
	go func() {
		defer task.MarkDone()
		defer cancel()
		err := d.rel.Run(taskCtx, plan.Relocation, notifier)
		if err != nil && !errors.Is(err, ddrqerr.ErrCancelled) {
			select {
			case d.relocatorErr <- err:
			default:
				d.logger.Error("relocator error channel full, dropping", "error", err)
			}
		}
	}()
}

func (d *Driver) emitMetrics() {
	snap := Snapshot{
		ActiveRelocations:    d.q.InFlightCount(),
		QueuedRelocations:    d.q.QueuedCount(),
		UnhealthyRelocations: d.q.UnhealthyCount(),
	}
	for i := len(priorityOrder) - 1; i >= 0; i-- {
		p := priorityOrder[i]
		if d.q.PriorityCount(p) > 0 {
			snap.HighestPriority = p
			snap.HasActivity = true
			break
		}
	}
	d.metrics.Observe(snap)

	if qd, ok := d.metrics.(QueueDepthObserver); ok {
		for _, p := range priorityOrder {
			qd.SetQueueDepth(int(p), d.q.PriorityCount(p))
		}
	}
}

// driverNotifier implements relocator.Notifier by forwarding onto the
// reactor's own channels, so a Relocator's goroutine never calls into
// the Queue directly. ctx is the reactor's own context, not the task's:
// a task cancelled by a supersede still delivers both notifications so
// the Queue and Ledger unwind, while once the reactor has stopped the
// forward is dropped instead of blocking forever on a channel nobody
// drains.
type driverNotifier struct {
	d   *Driver
	ctx context.Context
}

func (n *driverNotifier) DataTransferComplete(r *relocation.Relocation) {
	select {
	case n.d.transferComplete <- r:
	case <-n.ctx.Done():
	}
}

func (n *driverNotifier) RelocationComplete(r *relocation.Relocation) {
	select {
	case n.d.relocationComplete <- r:
	case <-n.ctx.Done():
	}
}

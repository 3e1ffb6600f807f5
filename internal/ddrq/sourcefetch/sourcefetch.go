// Package sourcefetch implements the Source Fetcher: resolving a
// relocation's key range against the authoritative range-to-servers
// mapping to populate its source replica set.
//
// @design DS-0604
// @req RQ-0604
package sourcefetch

import (
	"context"
	"log/slog"
	"time"

	"github.com/shardmesh/ddrq/internal/ddrq"
	"github.com/shardmesh/ddrq/internal/ddrq/ddrqerr"
	"github.com/shardmesh/ddrq/internal/ddrq/keyrange"
	"github.com/shardmesh/ddrq/internal/ddrq/relocation"
)

// Config tunes the fetcher's concurrency bound and retry schedule.
type Config struct {
	// Parallelism bounds the number of fetches in flight across the
	// whole queue.
	Parallelism int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential retry delay.
	MaxBackoff time.Duration

	// ShardEnumerationBound is the largest number of shard entries the
	// fetcher will union sources across before falling back to
	// treating every storage server as a potential source.
	ShardEnumerationBound int

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Parallelism:           16,
		InitialBackoff:        50 * time.Millisecond,
		MaxBackoff:            5 * time.Second,
		ShardEnumerationBound: 100,
		Logger:                slog.Default(),
	}
}

// Fetcher resolves relocation source sets against a KeyServersReader,
// bounding concurrent in-flight reads with a permit semaphore.
type Fetcher struct {
	cfg     Config
	reader  ddrq.KeyServersReader
	members ddrq.MembershipReader
	permits chan struct{}
	clock   ddrq.Clock
	logger  *slog.Logger
}

// New constructs a Fetcher. reader resolves ranges to shard locations;
// members supplies the full storage-server roster used as the
// too-many-shards fallback.
func New(cfg Config, reader ddrq.KeyServersReader, members ddrq.MembershipReader, clock ddrq.Clock) *Fetcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if clock == nil {
		clock = ddrq.SystemClock
	}
	return &Fetcher{
		cfg:     cfg,
		reader:  reader,
		members: members,
		permits: make(chan struct{}, cfg.Parallelism),
		clock:   clock,
		logger:  cfg.Logger,
	}
}

// Fetch resolves r's source replica set, retrying transient backend
// errors with exponential back-off, until ctx is cancelled (a
// supersede) or a result is obtained. On success it returns the
// resolved Src and CompleteSources; on cancellation it returns
// ddrqerr.ErrCancelled.
func (f *Fetcher) Fetch(ctx context.Context, r *relocation.Relocation) (src []string, complete []string, err error) {
	select {
	case f.permits <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ddrqerr.ErrCancelled
	}
	defer func() { <-f.permits }()

	backoff := f.cfg.InitialBackoff
	attempt := 0
	for {
		src, complete, err = f.resolveOnce(ctx, r.Range)
		if err == nil {
			return src, complete, nil
		}
		if err == ddrqerr.ErrNoSources {
			// Not transient: retrying an empty authoritative map or
			// empty roster will not resolve itself.
			return nil, nil, err
		}
		if ctx.Err() != nil {
			return nil, nil, ddrqerr.ErrCancelled
		}

		attempt++
		f.logger.Warn("source fetch retrying",
			"range", r.Range.String(),
			"attempt", attempt,
			"error", err)

		select {
		case <-f.clock.Delay(ctx, backoff):
		case <-ctx.Done():
			return nil, nil, ddrqerr.ErrCancelled
		}

		backoff *= 2
		if backoff > f.cfg.MaxBackoff {
			backoff = f.cfg.MaxBackoff
		}
	}
}

// resolveOnce performs a single, non-retried resolution attempt.
func (f *Fetcher) resolveOnce(ctx context.Context, r keyrange.Range) ([]string, []string, error) {
	shards, err := f.reader.ShardsIntersecting(ctx, r)
	switch {
	case err == nil && len(shards) <= f.cfg.ShardEnumerationBound:
		return unionAndIntersect(shards)
	case err == nil, err == ddrqerr.ErrTooManyShards:
		// Too many shards to enumerate usefully; conservatively treat
		// every storage server as a potential source.
		return f.allServersFallback(ctx)
	default:
		return nil, nil, err
	}
}

func (f *Fetcher) allServersFallback(ctx context.Context) ([]string, []string, error) {
	all, err := f.members.AllStorageServers(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(all) == 0 {
		return nil, nil, ddrqerr.ErrNoSources
	}
	return all, nil, nil
}

// unionAndIntersect implements the small-shard-count path: Src is the
// union of every shard's replica set, CompleteSources is the
// intersection (replicas present in every shard entry).
func unionAndIntersect(shards []ddrq.ShardLocation) ([]string, []string, error) {
	if len(shards) == 0 {
		return nil, nil, ddrqerr.ErrNoSources
	}

	union := make(map[string]bool)
	counts := make(map[string]int)
	for _, sh := range shards {
		seen := make(map[string]bool, len(sh.Servers))
		for _, s := range sh.Servers {
			if seen[s] {
				continue
			}
			seen[s] = true
			union[s] = true
			counts[s]++
		}
	}

	src := make([]string, 0, len(union))
	for s := range union {
		src = append(src, s)
	}

	complete := make([]string, 0)
	for s, n := range counts {
		if n == len(shards) {
			complete = append(complete, s)
		}
	}

	return src, complete, nil
}

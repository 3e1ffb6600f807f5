// Package keyspace is the Badger-backed reference implementation of the
// key-servers map, shard-size metrics, and rebalance-disable flag that
// internal/ddrq's Source Fetcher and Rebalancers consume through
// internal/ddrq's KeyServersReader/ShardMetricsProvider/RebalanceFlagReader
// contracts (spec.md §6). It also provides reference TeamProvider and
// KeyMover implementations so the module runs end to end without a real
// storage cluster behind it; per SPEC_FULL.md §5 these are not hardened
// implementations of the out-of-scope team-formation/key-move subsystems.
//
// The on-disk layout is adapted from the teacher's Raft-log-oriented
// BadgerEngine (internal/storage/badger.go in the teacher): the same
// badger.Open/options/GC-loop/Prometheus-registration shape, repointed at
// three JSON record families distinguished by key prefix instead of a
// single append-only log.
package keyspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shardmesh/ddrq/pkg/cmap"
)

const (
	shardPrefix = "shard/"
	teamPrefix  = "team/"
	flagRebalanceDisabled = "flag/rebalance_disabled"
)

// Config tunes the embedded Badger store. Field names and defaults are
// carried over from the teacher's BadgerConfig.
type Config struct {
	Dir string

	GCInterval  time.Duration
	GCThreshold float64

	CacheSize        int64
	ValueLogFileSize int64
	NumMemtables     int
	SyncWrites       bool

	Logger *slog.Logger
}

// DefaultConfig mirrors the teacher's DefaultBadgerConfig magnitudes.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:              dir,
		GCInterval:       10 * time.Minute,
		GCThreshold:      0.5,
		CacheSize:        64 << 20,
		ValueLogFileSize: 1 << 30,
		NumMemtables:     2,
		SyncWrites:       false,
		Logger:           slog.Default(),
	}
}

// shardRecord is the on-disk, range-keyed replacement for the teacher's
// hash-bucket ShardMap entry (clusterserver/shard.go's ShardMap.Shards):
// DDRQ's core indexes shards by contiguous key range, not murmur3 hash
// bucket, so the record carries Begin/End instead of a shard id.
type shardRecord struct {
	Begin     string   `json:"begin"`
	End       string   `json:"end"`
	Servers   []string `json:"servers"`
	OwnerTeam string   `json:"owner_team"`
	Bytes     int64    `json:"bytes"`
}

// Store is the Badger-backed keyspace backend. It satisfies
// ddrq.KeyServersReader, ddrq.ShardMetricsProvider, ddrq.RebalanceFlagReader,
// and ddrq.TeamProvider; ddrq.KeyMover is provided by SimulatedMover.
type Store struct {
	db     *badger.DB
	cfg    Config
	logger *slog.Logger

	// cache mirrors shardPrefix records in memory for read-hot paths
	// (ShardsIntersecting is called on every relocation's fetch and
	// every rebalance sample), grounded on the teacher's pkg/cmap
	// sharded concurrent map rather than a plain mutex+map.
	cache *cmap.Map[string, shardRecord]

	// teamLoad tracks each team's in-flight-load projection
	// (ddrq.TeamProvider.AdjustInFlightLoad); it is intentionally
	// process-local, not persisted, since it only needs to survive the
	// lifetime of outstanding moves.
	teamLoad *cmap.Map[string, *inFlightCounter]

	metricsLSMSize      prometheus.Gauge
	metricsValueLogSize prometheus.Gauge
	metricsShardCount   prometheus.Gauge

	stopCh chan struct{}
	doneCh chan struct{}
}

// Open opens (or creates) the Badger store at cfg.Dir and warms the
// in-memory shard cache from it.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("keyspace: dir is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = &badgerLogger{logger: cfg.Logger}
	opts.BlockCacheSize = cfg.CacheSize
	opts.ValueLogFileSize = cfg.ValueLogFileSize
	opts.NumMemtables = cfg.NumMemtables
	opts.SyncWrites = cfg.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("keyspace: open badger: %w", err)
	}

	s := &Store{
		db:       db,
		cfg:      cfg,
		logger:   cfg.Logger,
		cache:    cmap.New[string, shardRecord](),
		teamLoad: cmap.New[string, *inFlightCounter](),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	if err := s.warmCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("keyspace: warm cache: %w", err)
	}

	go s.gcLoop()

	cfg.Logger.Info("keyspace store opened", "dir", cfg.Dir, "shards", s.cache.Count())
	return s, nil
}

func (s *Store) warmCache() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(shardPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var rec shardRecord
			err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) })
			if err != nil {
				return err
			}
			s.cache.Set(rec.Begin, rec)
		}
		return nil
	})
}

// RegisterMetrics registers the store's Prometheus gauges, mirroring the
// teacher's BadgerEngine.RegisterMetrics.
func (s *Store) RegisterMetrics(registry *prometheus.Registry) *Store {
	s.metricsLSMSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ddrq", Subsystem: "keyspace", Name: "lsm_size_bytes",
		Help: "Badger LSM tree size in bytes.",
	})
	s.metricsValueLogSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ddrq", Subsystem: "keyspace", Name: "value_log_size_bytes",
		Help: "Badger value log size in bytes.",
	})
	s.metricsShardCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ddrq", Subsystem: "keyspace", Name: "shard_count",
		Help: "Number of shard records held in the keyspace store.",
	})
	registry.MustRegister(s.metricsLSMSize, s.metricsValueLogSize, s.metricsShardCount)
	return s
}

func (s *Store) gcLoop() {
	defer close(s.doneCh)
	interval := s.cfg.GCInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for {
				err := s.db.RunValueLogGC(s.cfg.GCThreshold)
				if err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						s.logger.Error("keyspace gc failed", "error", err)
					}
					break
				}
			}
			if s.metricsLSMSize != nil {
				lsm, vlog := s.db.Size()
				s.metricsLSMSize.Set(float64(lsm))
				s.metricsValueLogSize.Set(float64(vlog))
				s.metricsShardCount.Set(float64(s.cache.Count()))
			}
		case <-s.stopCh:
			return
		}
	}
}

// Close shuts the store down, flushing the GC loop first.
func (s *Store) Close() error {
	close(s.stopCh)
	<-s.doneCh
	return s.db.Close()
}

// badgerLogger adapts slog.Logger to Badger's Logger interface, carried
// over from the teacher's badgerLogger in internal/storage/badger.go.
type badgerLogger struct{ logger *slog.Logger }

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.logger.Error(fmt.Sprintf(format, args...)) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.logger.Warn(fmt.Sprintf(format, args...)) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.logger.Info(fmt.Sprintf(format, args...)) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.logger.Debug(fmt.Sprintf(format, args...)) }

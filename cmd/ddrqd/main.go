// Command ddrqd runs the DDRQ driver loop: the Relocation Queue, Source
// Fetcher, Relocator, and mountain-chopper/valley-filler Rebalancers,
// backed by the reference Badger keyspace store. It also joins a Raft
// leadership group and logs leadership transitions; the driver loop
// runs on every node whether or not it holds leadership.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/shardmesh/ddrq/internal/backend/keyspace"
	"github.com/shardmesh/ddrq/internal/backend/leadership"
	"github.com/shardmesh/ddrq/internal/backend/membership"
	"github.com/shardmesh/ddrq/internal/ddrq"
	"github.com/shardmesh/ddrq/internal/ddrq/driver"
	"github.com/shardmesh/ddrq/internal/ddrq/keyrange"
	"github.com/shardmesh/ddrq/internal/ddrq/ledger"
	"github.com/shardmesh/ddrq/internal/ddrq/queue"
	"github.com/shardmesh/ddrq/internal/ddrq/rebalance"
	"github.com/shardmesh/ddrq/internal/ddrq/relocator"
	"github.com/shardmesh/ddrq/internal/ddrq/sourcefetch"
	"github.com/shardmesh/ddrq/internal/infra/buildinfo"
	"github.com/shardmesh/ddrq/internal/infra/confloader"
	"github.com/shardmesh/ddrq/internal/infra/shutdown"
	"github.com/shardmesh/ddrq/internal/server/config"
	"github.com/shardmesh/ddrq/internal/telemetry/logger"
	"github.com/shardmesh/ddrq/internal/telemetry/metric"
)

// fullKeyspace is the entire key range the Queue and keyspace store
// tile, spanning the empty string up through the conventional
// unbounded-range sentinel used throughout internal/ddrq's tests.
var fullKeyspace = keyrange.New("", "\xff\xff\xff\xff")

func main() {
	configFile := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.String())
		return
	}

	cfg := config.Default()
	loader := confloader.NewLoader(confloader.WithConfigFile(*configFile))
	if err := loader.Load(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "ddrqd: load config:", err)
		os.Exit(1)
	}
	if err := config.Verify(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "ddrqd: invalid config:", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintln(os.Stderr, "ddrqd: init logger:", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	slogger := log.Slog()

	registry := metric.Global()

	store, err := keyspace.Open(keyspace.Config{
		Dir:         cfg.Keyspace.DataDir,
		GCInterval:  cfg.Keyspace.GCInterval,
		GCThreshold: cfg.Keyspace.GCThreshold,
		Logger:      slogger,
	})
	if err != nil {
		slogger.Error("open keyspace store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	members, err := membership.New(membership.Config{
		NodeID:    cfg.Node.ID,
		Role:      membership.RoleDriver,
		BindAddr:  cfg.Node.GossipAddr,
		BindPort:  cfg.Node.GossipPort,
		SeedNodes: cfg.Node.Seeds,
		Logger:    slogger,
	})
	if err != nil {
		slogger.Error("join gossip membership", "error", err)
		os.Exit(1)
	}
	defer members.Shutdown()

	gate, err := leadership.New(leadership.Config{
		NodeID:      cfg.Node.ID,
		BindAddr:    cfg.Node.RaftAddr,
		DataDir:     cfg.Node.RaftDir,
		Bootstrap:   cfg.Node.Bootstrap,
		Logger:      slogger,
		TLSCertFile: cfg.Node.TLSCertFile,
		TLSKeyFile:  cfg.Node.TLSKeyFile,
		TLSCAFile:   cfg.Node.TLSCAFile,
	})
	if err != nil {
		slogger.Error("start leadership gate", "error", err)
		os.Exit(1)
	}
	defer gate.Close()

	mover := keyspace.NewSimulatedMover(store, 0)

	q := queue.New(fullKeyspace, queue.Config{
		TeamSize:             cfg.Queue.TeamSize,
		SingleRegionTeamSize: cfg.Queue.SingleRegionTeamSize,
		Parallelism:          cfg.Relocator.StartMoveKeysParallelism,
		UseOldNeededServers:  cfg.Queue.UseOldNeededServers,
		ValidateInvariants:   cfg.Queue.ExpensiveValidation,
	}, ledger.New(), slogger)

	fetcher := sourcefetch.New(sourcefetch.Config{
		Parallelism: cfg.Queue.FetchSourceParallelism,
		Logger:      slogger,
	}, store, members, ddrq.SystemClock)

	relCfg := relocator.DefaultConfig()
	relCfg.Dimensions = cfg.Relocator.Dimensions
	relCfg.HealthPollInterval = cfg.Relocator.HealthPollTime
	relCfg.RetryRelocateShardDelay = cfg.Relocator.RetryRelocateShardDelay
	relCfg.BestTeamStuckDelay = cfg.Relocator.BestTeamStuckDelay
	relCfg.Logger = slogger
	rel := relocator.New(relCfg, store, mover, members, store, ddrq.SystemClock,
		cfg.Relocator.StartMoveKeysParallelism, cfg.Relocator.FinishMoveKeysParallelism)

	drv := driver.New(driver.DefaultConfig(), q, fetcher, rel, registry, ddrq.SystemClock)

	ctx, cancel := context.WithCancel(context.Background())
	go drv.Run(ctx)

	rebalCfg := rebalance.DefaultConfig()
	rebalCfg.MinWait = cfg.Rebalance.MinWait
	rebalCfg.MaxWait = cfg.Rebalance.MaxWait
	rebalCfg.IncreaseRate = cfg.Rebalance.IncreaseRate
	rebalCfg.DecreaseRate = cfg.Rebalance.DecreaseRate
	rebalCfg.ResetAmount = cfg.Rebalance.ResetAmount
	rebalCfg.Parallelism = cfg.Rebalance.Parallelism
	rebalCfg.Logger = slogger

	for dim := 0; dim < cfg.Relocator.Dimensions; dim++ {
		chopper := rebalance.New(rebalCfg, rebalance.MountainChopper, dim, store, store, store, members, drv, drv, ddrq.SystemClock)
		filler := rebalance.New(rebalCfg, rebalance.ValleyFiller, dim, store, store, store, members, drv, drv, ddrq.SystemClock)
		go chopper.Run(ctx)
		go filler.Run(ctx)
	}

	metricsServer := &http.Server{Addr: cfg.Metrics.Addr, Handler: registry.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slogger.Error("metrics server failed", "error", err)
		}
	}()

	sh := shutdown.NewHandler(30 * time.Second)
	sh.OnShutdown(func(shCtx context.Context) error {
		cancel()
		return metricsServer.Shutdown(shCtx)
	})

	slogger.Info("ddrqd started", "node_id", cfg.Node.ID, "raft_addr", cfg.Node.RaftAddr, "metrics_addr", cfg.Metrics.Addr)

	leaderWait := gate.LeaderCh()
	go func() {
		for leading := range leaderWait {
			slogger.Info("leadership transition", "leader", leading, "node_id", cfg.Node.ID)
		}
	}()

	if err := sh.Wait(); err != nil {
		slogger.Error("shutdown hooks failed", "error", err)
		os.Exit(1)
	}
}

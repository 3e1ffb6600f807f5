// Package config defines DDRQ's daemon configuration structure.
package config

import "time"

// Default configuration values. The rebalance rates match
// internal/ddrq/rebalance.DefaultConfig; the other magnitudes are
// ddrqd's own, and several differ from the internal/ddrq/* packages'
// DefaultConfig values (rebalance waits, reset amount and parallelism,
// relocator retry delays, source-fetch parallelism).
const (
	DefaultRaftAddr   = "127.0.0.1:5343"
	DefaultRaftDir    = "/var/lib/ddrq/raft"
	DefaultGossipAddr = "127.0.0.1"
	DefaultGossipPort = 5353

	DefaultKeyspaceDir     = "/var/lib/ddrq/keyspace"
	DefaultGCInterval      = 10 * time.Minute
	DefaultGCThreshold     = 0.5

	DefaultTeamSize             = 3
	DefaultSingleRegionTeamSize = 3
	DefaultFetchSourceParallelism = 8

	DefaultDimensions               = 1
	DefaultStartMoveKeysParallelism  = 8
	DefaultFinishMoveKeysParallelism = 8
	DefaultHealthPollTime            = 5 * time.Second
	DefaultRetryRelocateShardDelay   = 10 * time.Second
	DefaultBestTeamStuckDelay        = 30 * time.Second

	DefaultRebalanceParallelism = 2
	DefaultIncreaseRate         = 1.1
	DefaultDecreaseRate         = 1.01
	DefaultMinWait              = 50 * time.Millisecond
	DefaultMaxWait              = 30 * time.Second
	DefaultResetAmount          = 200

	DefaultMetricsAddr = "127.0.0.1:9090"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default DDRQ daemon configuration.
func Default() *DDRQConfig {
	return &DDRQConfig{
		Node: NodeSection{
			RaftAddr:   DefaultRaftAddr,
			RaftDir:    DefaultRaftDir,
			GossipAddr: DefaultGossipAddr,
			GossipPort: DefaultGossipPort,
		},
		Keyspace: KeyspaceSection{
			DataDir:     DefaultKeyspaceDir,
			GCInterval:  DefaultGCInterval,
			GCThreshold: DefaultGCThreshold,
		},
		Queue: QueueSection{
			TeamSize:               DefaultTeamSize,
			SingleRegionTeamSize:   DefaultSingleRegionTeamSize,
			FetchSourceParallelism: DefaultFetchSourceParallelism,
			UseOldNeededServers:    false,
			ExpensiveValidation:    false,
		},
		Relocator: RelocatorSection{
			Dimensions:                DefaultDimensions,
			StartMoveKeysParallelism:  DefaultStartMoveKeysParallelism,
			FinishMoveKeysParallelism: DefaultFinishMoveKeysParallelism,
			HealthPollTime:            DefaultHealthPollTime,
			RetryRelocateShardDelay:   DefaultRetryRelocateShardDelay,
			BestTeamStuckDelay:        DefaultBestTeamStuckDelay,
		},
		Rebalance: RebalanceSection{
			Parallelism:  DefaultRebalanceParallelism,
			IncreaseRate: DefaultIncreaseRate,
			DecreaseRate: DefaultDecreaseRate,
			MinWait:      DefaultMinWait,
			MaxWait:      DefaultMaxWait,
			ResetAmount:  DefaultResetAmount,
		},
		Metrics: MetricsSection{
			Addr: DefaultMetricsAddr,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

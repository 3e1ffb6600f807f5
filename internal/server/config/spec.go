// Package config defines DDRQ's daemon configuration structure.
package config

import "time"

// DDRQConfig is the root configuration for cmd/ddrqd, generalized from
// the teacher's ServerConfig (internal/server/config in
// _examples/yndnr-tokmesh-go) to the tunables spec.md names for the
// Relocation Queue, Relocator, and Rebalancers, plus the cluster
// wiring (Raft leadership, gossip membership, Badger keyspace) DDRQ
// needs to run those components end to end.
type DDRQConfig struct {
	Node      NodeSection      `koanf:"node"`
	Keyspace  KeyspaceSection  `koanf:"keyspace"`
	Queue     QueueSection     `koanf:"queue"`
	Relocator RelocatorSection `koanf:"relocator"`
	Rebalance RebalanceSection `koanf:"rebalance"`
	Metrics   MetricsSection   `koanf:"metrics"`
	Log       LogSection       `koanf:"log"`
}

// NodeSection configures this node's identity and the two clustering
// surfaces it participates in: Raft leadership election
// (internal/backend/leadership) and gossip membership
// (internal/backend/membership).
type NodeSection struct {
	ID        string   `koanf:"id"`
	RaftAddr  string   `koanf:"raft_addr"`
	RaftDir   string   `koanf:"raft_dir"`
	Bootstrap bool     `koanf:"bootstrap"`
	GossipAddr string  `koanf:"gossip_addr"`
	GossipPort int      `koanf:"gossip_port"`
	Seeds     []string `koanf:"seeds"`

	// TLSCertFile and TLSKeyFile, set together, turn on mutual TLS for
	// the Raft leadership transport (internal/backend/leadership), via
	// internal/infra/tlsroots; TLSCAFile is optional. Left empty, leadership traffic is
	// plaintext TCP, matching the teacher's own default deployment.
	TLSCertFile string `koanf:"tls_cert_file"`
	TLSKeyFile  string `koanf:"tls_key_file"`
	TLSCAFile   string `koanf:"tls_ca_file"`
}

// KeyspaceSection configures the Badger-backed keyspace store
// (internal/backend/keyspace).
type KeyspaceSection struct {
	DataDir     string  `koanf:"data_dir"`
	GCInterval  time.Duration `koanf:"gc_interval"`
	GCThreshold float64 `koanf:"gc_threshold"`
}

// QueueSection configures the Relocation Queue's team-shape constants
// (spec.md §4.2).
type QueueSection struct {
	TeamSize              int  `koanf:"team_size"`
	SingleRegionTeamSize  int  `koanf:"single_region_team_size"`
	FetchSourceParallelism int `koanf:"fetch_source_parallelism"`
	UseOldNeededServers   bool `koanf:"use_old_needed_servers"`
	ExpensiveValidation   bool `koanf:"expensive_validation"`
}

// RelocatorSection configures the Relocator's concurrency bounds and
// retry/escalation delays (spec.md §4.5/§5/§7).
type RelocatorSection struct {
	Dimensions                int           `koanf:"dimensions"`
	StartMoveKeysParallelism   int           `koanf:"start_move_keys_parallelism"`
	FinishMoveKeysParallelism  int           `koanf:"finish_move_keys_parallelism"`
	HealthPollTime             time.Duration `koanf:"health_poll_time"`
	RetryRelocateShardDelay    time.Duration `koanf:"retry_relocateshard_delay"`
	BestTeamStuckDelay         time.Duration `koanf:"best_team_stuck_delay"`
}

// RebalanceSection configures the mountain-chopper/valley-filler loops
// (spec.md §4.6).
type RebalanceSection struct {
	Parallelism int     `koanf:"dd_rebalance_parallelism"`
	IncreaseRate float64 `koanf:"increase_rate"`
	DecreaseRate float64 `koanf:"decrease_rate"`
	MinWait      time.Duration `koanf:"min_wait"`
	MaxWait      time.Duration `koanf:"max_wait"`
	ResetAmount  int     `koanf:"dd_rebalance_reset_amount"`
}

// MetricsSection configures the Prometheus /metrics surface
// (internal/telemetry/metric).
type MetricsSection struct {
	Addr string `koanf:"addr"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

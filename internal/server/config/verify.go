// Package config defines DDRQ's daemon configuration structure.
package config

import (
	"errors"
	"os"
)

// Verify validates the configuration.
func Verify(cfg *DDRQConfig) error {
	if err := verifyNode(&cfg.Node); err != nil {
		return err
	}
	if err := verifyKeyspace(&cfg.Keyspace); err != nil {
		return err
	}
	if err := verifyQueue(&cfg.Queue); err != nil {
		return err
	}
	if err := verifyRelocator(&cfg.Relocator); err != nil {
		return err
	}
	if err := verifyRebalance(&cfg.Rebalance); err != nil {
		return err
	}
	return nil
}

func verifyNode(cfg *NodeSection) error {
	if cfg.ID == "" {
		return errors.New("node.id is required")
	}
	if cfg.RaftAddr == "" {
		return errors.New("node.raft_addr is required")
	}
	if cfg.RaftDir == "" {
		return errors.New("node.raft_dir is required")
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return errors.New("node.tls_cert_file and node.tls_key_file must be set together")
	}
	return nil
}

func verifyKeyspace(cfg *KeyspaceSection) error {
	if cfg.DataDir == "" {
		return errors.New("keyspace.data_dir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return errors.New("cannot create keyspace data directory: " + err.Error())
	}
	if cfg.GCThreshold <= 0 || cfg.GCThreshold >= 1 {
		return errors.New("keyspace.gc_threshold must be between 0 and 1")
	}
	return nil
}

func verifyQueue(cfg *QueueSection) error {
	if cfg.TeamSize < 1 {
		return errors.New("queue.team_size must be at least 1")
	}
	if cfg.SingleRegionTeamSize < 1 {
		return errors.New("queue.single_region_team_size must be at least 1")
	}
	if cfg.FetchSourceParallelism < 1 {
		return errors.New("queue.fetch_source_parallelism must be at least 1")
	}
	return nil
}

func verifyRelocator(cfg *RelocatorSection) error {
	if cfg.Dimensions < 1 {
		return errors.New("relocator.dimensions must be at least 1")
	}
	if cfg.StartMoveKeysParallelism < 1 {
		return errors.New("relocator.start_move_keys_parallelism must be at least 1")
	}
	if cfg.FinishMoveKeysParallelism < 1 {
		return errors.New("relocator.finish_move_keys_parallelism must be at least 1")
	}
	return nil
}

func verifyRebalance(cfg *RebalanceSection) error {
	if cfg.Parallelism < 1 {
		return errors.New("rebalance.dd_rebalance_parallelism must be at least 1")
	}
	if cfg.MinWait <= 0 {
		return errors.New("rebalance.min_wait must be positive")
	}
	if cfg.MaxWait < cfg.MinWait {
		return errors.New("rebalance.max_wait must be at least min_wait")
	}
	return nil
}

// Package membership is the memberlist-backed reference implementation
// of DDRQ's MembershipReader and HealthChecker contracts. It is adapted
// from the teacher's Discovery (internal/server/clusterserver/discovery.go):
// the same gossip-based hashicorp/memberlist wiring, repointed at two much
// narrower questions than the teacher's cluster-wide join/leave/raft-addr
// exchange — "which nodes are storage servers" and "is this one alive" —
// which is all the Source Fetcher's too-many-shards fallback (spec.md
// §4.3) and the Relocator's destination health poll (spec.md §4.5 Moving)
// need.
package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hashicorp/memberlist"
)

// nodeMetadata is gossiped alongside each member, identifying storage
// servers so AllStorageServers can exclude control-plane/driver nodes
// from the roster.
type nodeMetadata struct {
	Role string `json:"role"` // "storage" or "driver"
}

const RoleStorage = "storage"
const RoleDriver = "driver"

// Config configures the membership backend.
type Config struct {
	NodeID    string
	Role      string
	ClusterID string
	BindAddr  string
	BindPort  int
	SeedNodes []string
	Logger    *slog.Logger
}

// Membership wraps a memberlist.Memberlist tagged with each node's role.
type Membership struct {
	cfg    Config
	ml     *memberlist.Memberlist
	logger *slog.Logger
}

// New joins (or bootstraps) the gossip cluster.
func New(cfg Config) (*Membership, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Role == "" {
		cfg.Role = RoleDriver
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = cfg.NodeID
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	mlConfig.LogOutput = &slogWriter{logger: cfg.Logger}

	metadata := nodeMetadata{Role: cfg.Role}
	buf, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("membership: marshal metadata: %w", err)
	}
	mlConfig.Delegate = &metadataDelegate{metadata: buf}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("membership: create memberlist: %w", err)
	}

	m := &Membership{cfg: cfg, ml: ml, logger: cfg.Logger}

	if len(cfg.SeedNodes) > 0 {
		n, err := ml.Join(cfg.SeedNodes)
		if err != nil {
			ml.Shutdown()
			return nil, fmt.Errorf("membership: join seed nodes: %w", err)
		}
		cfg.Logger.Info("joined gossip cluster", "node_id", cfg.NodeID, "joined_count", n)
	} else {
		cfg.Logger.Info("started gossip membership (bootstrap mode)", "node_id", cfg.NodeID)
	}

	return m, nil
}

// AllStorageServers implements ddrq.MembershipReader: every alive member
// tagged RoleStorage, the fallback roster the Source Fetcher uses when a
// range spans too many shards to enumerate (spec.md §4.3).
func (m *Membership) AllStorageServers(ctx context.Context) ([]string, error) {
	var servers []string
	for _, node := range m.ml.Members() {
		var meta nodeMetadata
		if len(node.Meta) > 0 {
			if err := json.Unmarshal(node.Meta, &meta); err != nil {
				continue
			}
		}
		if meta.Role == RoleStorage {
			servers = append(servers, node.Name)
		}
	}
	return servers, nil
}

// IsHealthy implements ddrq.HealthChecker: a server is healthy exactly
// when memberlist currently lists it as a member, which is also how the
// teacher's Discovery treats liveness (members present in Members() are
// "alive" by gossip's own SWIM failure detector).
func (m *Membership) IsHealthy(ctx context.Context, serverID string) (bool, error) {
	for _, node := range m.ml.Members() {
		if node.Name == serverID {
			return true, nil
		}
	}
	return false, nil
}

// RecentlySaturated implements ddrq.SaturationReader. DDRQ has no I/O
// saturation signal of its own to gossip (that is a storage-layer
// concern, out of scope per spec.md §1), so the reference implementation
// always reports the cluster as not saturated; the rebalancers fall back
// to their poll-interval adaptation alone, same as if saturation
// telemetry were simply absent.
func (m *Membership) RecentlySaturated(ctx context.Context) (bool, error) {
	return false, nil
}

// Leave gracefully leaves the gossip cluster.
func (m *Membership) Leave() error {
	if err := m.ml.Leave(0); err != nil {
		return fmt.Errorf("membership: leave: %w", err)
	}
	return nil
}

// Shutdown tears down the memberlist transport.
func (m *Membership) Shutdown() error {
	return m.ml.Shutdown()
}

// metadataDelegate exposes this node's gossiped metadata, adapted from
// the teacher's metadataDelegate in clusterserver/discovery.go.
type metadataDelegate struct {
	metadata []byte
}

func (d *metadataDelegate) NodeMeta(limit int) []byte {
	if len(d.metadata) > limit {
		return d.metadata[:limit]
	}
	return d.metadata
}
func (d *metadataDelegate) NotifyMsg([]byte)                           {}
func (d *metadataDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *metadataDelegate) LocalState(join bool) []byte                { return nil }
func (d *metadataDelegate) MergeRemoteState(buf []byte, join bool)     {}

// slogWriter adapts slog.Logger to memberlist's io.Writer-based logging,
// adapted from the teacher's slogWriter in clusterserver/discovery.go.
type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(p []byte) (int, error) {
	w.logger.Debug(string(p))
	return len(p), nil
}

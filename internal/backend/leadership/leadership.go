// Package leadership gates DDRQ's single-reactor driver loop (spec.md
// §5) behind Raft cluster leadership, adapted from the teacher's
// RaftNode (internal/server/clusterserver/raft.go): the same
// hashicorp/raft + raft-boltdb + go-hclog wiring, stripped of the
// teacher's FSM/shard-map log-entry application (DDRQ's keyspace store
// is Badger-backed per internal/backend/keyspace, not Raft-replicated)
// and narrowed to the one question the driver loop needs answered:
// "is this node allowed to mutate queue state right now."
package leadership

import (
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/shardmesh/ddrq/internal/infra/tlsroots"
)

// Config configures the Raft leadership gate.
type Config struct {
	NodeID    string
	BindAddr  string
	DataDir   string
	Bootstrap bool
	Logger    *slog.Logger

	// TLSCertFile/TLSKeyFile, when both non-empty, turn on TLS for the
	// Raft transport via internal/infra/tlsroots; TLSCAFile is optional.
	// Left empty, the gate falls back to plaintext TCP.
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string
}

// tlsStreamLayer adapts a tls.Listener plus dial-side TLS config into
// raft.StreamLayer, so raft.NewNetworkTransport can drive leadership
// traffic over mutual TLS instead of the plaintext raft.NewTCPTransport.
type tlsStreamLayer struct {
	net.Listener
	dialTLSConfig *tls.Config
}

func (t *tlsStreamLayer) Dial(address raft.ServerAddress, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	return tls.DialWithDialer(dialer, "tcp", string(address), t.dialTLSConfig)
}

// newTLSTransport builds a raft.NetworkTransport secured with mutual
// TLS: the trusted CA pool comes from internal/infra/tlsroots.Pool, and
// the node's own certificate/key are served by an
// internal/infra/tlsroots.Watcher so a certificate rotation on disk
// takes effect without restarting the leadership gate.
func newTLSTransport(cfg Config) (*raft.NetworkTransport, *tlsroots.Watcher, error) {
	pool, err := tlsroots.NewPool()
	if err != nil {
		return nil, nil, fmt.Errorf("leadership: build cert pool: %w", err)
	}
	if cfg.TLSCAFile != "" {
		if err := pool.AddCertFile(cfg.TLSCAFile); err != nil {
			return nil, nil, fmt.Errorf("leadership: load ca file: %w", err)
		}
	}

	watcher, err := tlsroots.NewWatcher(cfg.TLSCertFile, cfg.TLSKeyFile, tlsroots.WithLogger(cfg.Logger))
	if err != nil {
		return nil, nil, fmt.Errorf("leadership: start cert watcher: %w", err)
	}
	watcher.StartAsync()

	tlsConfig := &tls.Config{
		MinVersion:           tls.VersionTLS12,
		RootCAs:              pool.Pool(),
		ClientCAs:            pool.Pool(),
		ClientAuth:           tls.RequireAndVerifyClientCert,
		GetCertificate:       watcher.GetCertificate,
		GetClientCertificate: watcher.GetClientCertificate,
	}

	ln, err := tls.Listen("tcp", cfg.BindAddr, tlsConfig)
	if err != nil {
		watcher.Stop()
		return nil, nil, fmt.Errorf("leadership: listen tls: %w", err)
	}

	layer := &tlsStreamLayer{Listener: ln, dialTLSConfig: tlsConfig}
	return raft.NewNetworkTransport(layer, 3, 10*time.Second, os.Stderr), watcher, nil
}

// nopFSM is a minimal raft.FSM: the leadership gate doesn't replicate
// any state of its own through Raft, it only uses Raft's leader
// election. Every node applies the same no-op, so the log stays
// trivially consistent.
type nopFSM struct{}

func (nopFSM) Apply(*raft.Log) interface{}         { return nil }
func (nopFSM) Snapshot() (raft.FSMSnapshot, error) { return nopSnapshot{}, nil }
func (nopFSM) Restore(rc io.ReadCloser) error       { return rc.Close() }

type nopSnapshot struct{}

func (nopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (nopSnapshot) Release()                             {}

// Gate wraps a hashicorp/raft node whose only purpose is leader
// election: IsLeader reports whether this node currently owns the
// driver loop.
type Gate struct {
	raft      *raft.Raft
	transport *raft.NetworkTransport
	config    *raft.Config
	logger    *slog.Logger

	logStore      raft.LogStore
	stableStore   raft.StableStore
	snapshotStore raft.SnapshotStore

	certWatcher *tlsroots.Watcher

	leaderCh chan bool
}

// New creates a new leadership Gate.
func New(cfg Config) (*Gate, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("leadership: data_dir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("leadership: create data dir: %w", err)
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.Logger = &raftHCLogger{logger: cfg.Logger}
	raftConfig.HeartbeatTimeout = 1000 * time.Millisecond
	raftConfig.ElectionTimeout = 1000 * time.Millisecond
	raftConfig.CommitTimeout = 50 * time.Millisecond
	raftConfig.LeaderLeaseTimeout = 500 * time.Millisecond

	var transport *raft.NetworkTransport
	var certWatcher *tlsroots.Watcher
	var err error
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		transport, certWatcher, err = newTLSTransport(cfg)
	} else {
		var addr *net.TCPAddr
		addr, err = net.ResolveTCPAddr("tcp", cfg.BindAddr)
		if err == nil {
			transport, err = raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("leadership: create transport: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "leadership-log.db"))
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("leadership: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "leadership-stable.db"))
	if err != nil {
		logStore.Close()
		transport.Close()
		return nil, fmt.Errorf("leadership: create stable store: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 1, os.Stderr)
	if err != nil {
		stableStore.Close()
		logStore.Close()
		transport.Close()
		return nil, fmt.Errorf("leadership: create snapshot store: %w", err)
	}

	leaderCh := make(chan bool, 10)
	raftConfig.NotifyCh = leaderCh

	r, err := raft.NewRaft(raftConfig, nopFSM{}, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		stableStore.Close()
		logStore.Close()
		transport.Close()
		return nil, fmt.Errorf("leadership: create raft: %w", err)
	}

	g := &Gate{
		raft: r, transport: transport, config: raftConfig, logger: cfg.Logger,
		logStore: logStore, stableStore: stableStore, snapshotStore: snapshotStore,
		certWatcher: certWatcher,
		leaderCh:    leaderCh,
	}

	if cfg.Bootstrap {
		configuration := raft.Configuration{Servers: []raft.Server{{ID: raft.ServerID(cfg.NodeID), Address: transport.LocalAddr()}}}
		if err := r.BootstrapCluster(configuration).Error(); err != nil {
			g.Close()
			return nil, fmt.Errorf("leadership: bootstrap cluster: %w", err)
		}
	}

	cfg.Logger.Info("leadership gate started", "node_id", cfg.NodeID, "bind_addr", cfg.BindAddr, "bootstrap", cfg.Bootstrap)
	return g, nil
}

// IsLeader reports whether this node currently holds leadership.
func (g *Gate) IsLeader() bool {
	return g.raft.State() == raft.Leader
}

// LeaderCh notifies on leadership transitions: true on becoming leader,
// false on losing it. cmd/ddrqd logs each transition; its driver loop
// runs regardless of leadership and is not stopped when leadership is
// lost.
func (g *Gate) LeaderCh() <-chan bool {
	return g.leaderCh
}

// AddVoter adds a voting member to the leadership Raft group.
func (g *Gate) AddVoter(nodeID, addr string, timeout time.Duration) error {
	if err := g.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, timeout).Error(); err != nil {
		return fmt.Errorf("leadership: add voter: %w", err)
	}
	return nil
}

// Close shuts the gate down.
func (g *Gate) Close() error {
	g.logger.Info("shutting down leadership gate")
	if err := g.raft.Shutdown().Error(); err != nil {
		g.logger.Error("raft shutdown failed", "error", err)
	}
	if s, ok := g.stableStore.(*raftboltdb.BoltStore); ok {
		s.Close()
	}
	if s, ok := g.logStore.(*raftboltdb.BoltStore); ok {
		s.Close()
	}
	g.transport.Close()
	if g.certWatcher != nil {
		g.certWatcher.Stop()
	}
	close(g.leaderCh)
	return nil
}

// raftHCLogger adapts slog.Logger to hashicorp/go-hclog.Logger, carried
// over from the teacher's raftHCLogger in clusterserver/raft.go.
type raftHCLogger struct{ logger *slog.Logger }

func (l *raftHCLogger) Log(level hclog.Level, msg string, args ...any) {
	switch level {
	case hclog.Trace, hclog.Debug:
		l.logger.Debug(msg, args...)
	case hclog.Warn:
		l.logger.Warn(msg, args...)
	case hclog.Error:
		l.logger.Error(msg, args...)
	default:
		l.logger.Info(msg, args...)
	}
}

func (l *raftHCLogger) Trace(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *raftHCLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *raftHCLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *raftHCLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *raftHCLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

func (l *raftHCLogger) IsTrace() bool { return false }
func (l *raftHCLogger) IsDebug() bool { return false }
func (l *raftHCLogger) IsInfo() bool  { return true }
func (l *raftHCLogger) IsWarn() bool  { return true }
func (l *raftHCLogger) IsError() bool { return true }

func (l *raftHCLogger) ImpliedArgs() []any                     { return nil }
func (l *raftHCLogger) With(args ...any) hclog.Logger           { return l }
func (l *raftHCLogger) Name() string                            { return "leadership" }
func (l *raftHCLogger) Named(name string) hclog.Logger          { return l }
func (l *raftHCLogger) ResetNamed(name string) hclog.Logger     { return l }
func (l *raftHCLogger) SetLevel(level hclog.Level)              {}
func (l *raftHCLogger) GetLevel() hclog.Level                   { return hclog.Info }
func (l *raftHCLogger) StandardLogger(*hclog.StandardLoggerOptions) *log.Logger { return nil }
func (l *raftHCLogger) StandardWriter(*hclog.StandardLoggerOptions) io.Writer   { return nil }

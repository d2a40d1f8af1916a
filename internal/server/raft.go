package server

import (
	"context"
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
)

// RaftConfig configures the raft node.
type RaftConfig struct {
	// NodeID is the unique node identifier.
	NodeID string

	// BindAddr is the address to bind for raft communication.
	BindAddr string

	// DataDir is the directory for raft log and stable storage.
	DataDir string

	// Bootstrap indicates if this node bootstraps a new cluster.
	Bootstrap bool

	Logger *slog.Logger
}

// RaftNode wraps hashicorp/raft with KeeperMesh-specific configuration.
type RaftNode struct {
	raft      *raft.Raft
	transport *raft.NetworkTransport
	logger    *slog.Logger

	logStore    *raftboltdb.BoltStore
	stableStore *raftboltdb.BoltStore

	leaderCh chan bool
}

// NewRaftNode creates a raft node around the given FSM.
func NewRaftNode(cfg RaftConfig, fsm raft.FSM) (*RaftNode, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("raft: data_dir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("raft: create data dir: %w", err)
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.Logger = &raftHCLogger{logger: cfg.Logger}

	// Tuning for lower commit latency.
	raftConfig.HeartbeatTimeout = 1000 * time.Millisecond
	raftConfig.ElectionTimeout = 1000 * time.Millisecond
	raftConfig.CommitTimeout = 50 * time.Millisecond
	raftConfig.LeaderLeaseTimeout = 500 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("raft: resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("raft: create transport: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("raft: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		logStore.Close()
		transport.Close()
		return nil, fmt.Errorf("raft: create stable store: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 3, os.Stderr)
	if err != nil {
		stableStore.Close()
		logStore.Close()
		transport.Close()
		return nil, fmt.Errorf("raft: create snapshot store: %w", err)
	}

	leaderCh := make(chan bool, 10)
	raftConfig.NotifyCh = leaderCh

	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		stableStore.Close()
		logStore.Close()
		transport.Close()
		return nil, fmt.Errorf("raft: create raft: %w", err)
	}

	node := &RaftNode{
		raft:        r,
		transport:   transport,
		logger:      cfg.Logger,
		logStore:    logStore,
		stableStore: stableStore,
		leaderCh:    leaderCh,
	}

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{{
				ID:      raft.ServerID(cfg.NodeID),
				Address: transport.LocalAddr(),
			}},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil {
			node.Close()
			return nil, fmt.Errorf("raft: bootstrap cluster: %w", err)
		}
		cfg.Logger.Info("raft cluster bootstrapped",
			"node_id", cfg.NodeID,
			"addr", cfg.BindAddr)
	}

	return node, nil
}

// Apply proposes a log entry and waits for commit up to timeout.
func (n *RaftNode) Apply(data []byte, timeout time.Duration) error {
	f := n.raft.Apply(data, timeout)
	if err := f.Error(); err != nil {
		return err
	}
	if resp := f.Response(); resp != nil {
		if err, ok := resp.(error); ok {
			return err
		}
	}
	return nil
}

// IsLeader reports whether this node currently leads.
func (n *RaftNode) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// LeaderCh notifies on leadership changes.
func (n *RaftNode) LeaderCh() <-chan bool { return n.leaderCh }

// AddVoter adds a voting member to the cluster.
func (n *RaftNode) AddVoter(nodeID, addr string, timeout time.Duration) error {
	if err := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, timeout).Error(); err != nil {
		return fmt.Errorf("raft: add voter: %w", err)
	}
	return nil
}

// RemoveServer removes a member from the cluster.
func (n *RaftNode) RemoveServer(nodeID string, timeout time.Duration) error {
	if err := n.raft.RemoveServer(raft.ServerID(nodeID), 0, timeout).Error(); err != nil {
		return fmt.Errorf("raft: remove server: %w", err)
	}
	return nil
}

// Stats returns raft statistics.
func (n *RaftNode) Stats() map[string]string { return n.raft.Stats() }

// Close shuts the raft node down and closes its stores.
func (n *RaftNode) Close() error {
	n.logger.Info("shutting down raft node")

	if err := n.raft.Shutdown().Error(); err != nil {
		n.logger.Error("raft shutdown failed", "error", err)
	}
	if err := n.stableStore.Close(); err != nil {
		n.logger.Error("close stable store failed", "error", err)
	}
	if err := n.logStore.Close(); err != nil {
		n.logger.Error("close log store failed", "error", err)
	}
	if err := n.transport.Close(); err != nil {
		n.logger.Error("close transport failed", "error", err)
	}
	return nil
}

// raftHCLogger adapts slog.Logger to the hclog.Logger interface raft
// expects.
type raftHCLogger struct {
	logger *slog.Logger
	name   string
}

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
func (l *raftHCLogger) IsDebug() bool { return l.logger.Enabled(context.Background(), slog.LevelDebug) }
func (l *raftHCLogger) IsInfo() bool  { return true }
func (l *raftHCLogger) IsWarn() bool  { return true }
func (l *raftHCLogger) IsError() bool { return true }

func (l *raftHCLogger) ImpliedArgs() []any { return nil }
func (l *raftHCLogger) With(args ...any) hclog.Logger {
	return &raftHCLogger{logger: l.logger.With(args...), name: l.name}
}
func (l *raftHCLogger) Name() string { return l.name }
func (l *raftHCLogger) Named(name string) hclog.Logger {
	return &raftHCLogger{logger: l.logger, name: name}
}
func (l *raftHCLogger) ResetNamed(name string) hclog.Logger {
	return &raftHCLogger{logger: l.logger, name: name}
}
func (l *raftHCLogger) SetLevel(hclog.Level)  {}
func (l *raftHCLogger) GetLevel() hclog.Level { return hclog.Info }
func (l *raftHCLogger) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return log.New(l.StandardWriter(opts), "", 0)
}
func (l *raftHCLogger) StandardWriter(*hclog.StandardLoggerOptions) io.Writer {
	return os.Stderr
}

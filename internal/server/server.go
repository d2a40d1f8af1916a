package server

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yndnr/keepermesh-go/internal/keeper"
	"github.com/yndnr/keepermesh-go/internal/server/config"
	"github.com/yndnr/keepermesh-go/internal/storage/keeperstore"
	"github.com/yndnr/keepermesh-go/internal/storage/snapshot"
	"github.com/yndnr/keepermesh-go/internal/telemetry/metric"
)

// Server assembles the coordination core: store, commit processor,
// snapshot manager, raft node and dispatcher.
type Server struct {
	cfg     *config.ServerConfig
	logger  *slog.Logger
	metrics *metric.Metrics

	store      *keeperstore.Store
	processor  *keeper.Processor
	responses  *keeper.ResponsesQueue
	snapshots  *snapshot.Manager
	fsm        *FSM
	raftNode   *RaftNode
	dispatcher *Dispatcher

	snapStop chan struct{}
	snapDone chan struct{}
}

// New builds a server from configuration. The processor's store back
// reference is wired here, after construction, so ownership stays
// one-way: the server owns the processor.
func New(cfg *config.ServerConfig, logger *slog.Logger, metrics *metric.Metrics) (*Server, error) {
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	store := keeperstore.New(logger)
	responses := keeper.NewResponsesQueue()
	processor := keeper.NewProcessor(cfg.Coordination.QueueCapacity, responses, logger, metrics)
	processor.SetStore(store)

	snapshots, err := snapshot.NewManager(snapshot.Config{
		Dir:             cfg.Snapshot.Dir,
		BatchSize:       cfg.Snapshot.BatchSize,
		Version:         snapshot.Version(cfg.Snapshot.Version),
		RetentionCount:  cfg.Snapshot.Retention,
		TreeObjectCount: cfg.Snapshot.TreeObjects,
		NodeID:          cfg.Raft.NodeID,
	}, logger, metrics)
	if err != nil {
		return nil, err
	}

	// Recover the newest set before raft starts replaying the log.
	if _, err := snapshots.Load(store); err != nil && !errors.Is(err, snapshot.ErrNoSnapshots) {
		return nil, fmt.Errorf("server: recover snapshot: %w", err)
	}

	fsm := NewFSM(processor, store, snapshots, logger)
	raftNode, err := NewRaftNode(RaftConfig{
		NodeID:    cfg.Raft.NodeID,
		BindAddr:  cfg.Raft.Addr,
		DataDir:   cfg.Raft.DataDir,
		Bootstrap: cfg.Raft.Bootstrap,
		Logger:    logger,
	}, fsm)
	if err != nil {
		return nil, err
	}

	dispatcher := NewDispatcher(processor, raftNode, cfg.Coordination.MaxRequestRate, cfg.Coordination.OpTimeout, logger)

	return &Server{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		store:      store,
		processor:  processor,
		responses:  responses,
		snapshots:  snapshots,
		fsm:        fsm,
		raftNode:   raftNode,
		dispatcher: dispatcher,
		snapStop:   make(chan struct{}),
		snapDone:   make(chan struct{}),
	}, nil
}

// Start launches the processor and the periodic snapshot driver.
func (s *Server) Start() {
	s.processor.Start()
	go s.snapshotLoop()
	s.logger.Info("server started",
		"node_id", s.cfg.Raft.NodeID,
		"raft_addr", s.cfg.Raft.Addr)
}

// Store exposes the coordination store.
func (s *Server) Store() *keeperstore.Store { return s.store }

// Dispatcher exposes the client request entry point.
func (s *Server) Dispatcher() *Dispatcher { return s.dispatcher }

// Responses exposes the queue of responses headed to clients.
func (s *Server) Responses() *keeper.ResponsesQueue { return s.responses }

// snapshotLoop periodically drives the snapshot engine from the
// state-machine side.
func (s *Server) snapshotLoop() {
	defer close(s.snapDone)

	interval := s.cfg.Snapshot.Interval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			term, index := s.fsm.LastApplied()
			if index == 0 {
				continue
			}
			if _, err := s.snapshots.Create(s.store, term, index); err != nil {
				// The failed attempt left previous sets untouched.
				s.logger.Error("periodic snapshot failed", "error", err)
			}
		case <-s.snapStop:
			return
		}
	}
}

// Stop shuts the server down: intake first, then raft, then the
// processor so outstanding queued requests are answered.
func (s *Server) Stop() {
	s.dispatcher.Close()
	close(s.snapStop)
	<-s.snapDone
	if err := s.raftNode.Close(); err != nil {
		s.logger.Error("raft close failed", "error", err)
	}
	s.processor.Shutdown()
	s.logger.Info("server stopped")
}

package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/yndnr/keepermesh-go/internal/core/domain"
	"github.com/yndnr/keepermesh-go/internal/keeper"
	"github.com/yndnr/keepermesh-go/internal/storage/keeperstore"
	"github.com/yndnr/keepermesh-go/internal/storage/snapshot"
)

// FSM bridges raft commits to the commit processor. Apply only hands
// the entry to the processor; the processor decides when the store
// sees it, preserving per-session order against locally pending
// reads.
type FSM struct {
	processor *keeper.Processor
	store     *keeperstore.Store
	snapshots *snapshot.Manager
	logger    *slog.Logger

	mu        sync.Mutex
	lastTerm  uint64
	lastIndex uint64
}

// NewFSM creates the state machine layer.
func NewFSM(processor *keeper.Processor, store *keeperstore.Store, snapshots *snapshot.Manager, logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSM{
		processor: processor,
		store:     store,
		snapshots: snapshots,
		logger:    logger,
	}
}

// LastApplied returns the raft position of the newest applied entry.
func (f *FSM) LastApplied() (term, index uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastTerm, f.lastIndex
}

// Apply decodes a committed log entry and notifies the processor.
// Called by raft in log order; the processor never reorders commits.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var rfs domain.RequestForSession
	if err := json.Unmarshal(log.Data, &rfs); err != nil {
		// Data corruption or an incompatible version; applying past it
		// would diverge the replicas.
		f.logger.Error("failed to unmarshal log entry",
			"error", err,
			"log_index", log.Index,
			"log_term", log.Term)
		panic(fmt.Sprintf("fsm: unmarshal failed at index=%d: %v", log.Index, err))
	}

	f.mu.Lock()
	f.lastTerm = log.Term
	f.lastIndex = log.Index
	f.mu.Unlock()

	f.processor.Commit(rfs)
	return nil
}

// Snapshot writes a full snapshot set through the snapshot engine and
// hands raft a thin pointer to it.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	term, index := f.LastApplied()
	info, err := f.snapshots.Create(f.store, term, index)
	if err != nil {
		return nil, fmt.Errorf("fsm: create snapshot set: %w", err)
	}
	return &fsmSnapshot{info: info}, nil
}

// Restore decodes the set reference from the stream and loads the
// newest valid snapshot set on disk into the store. The store is not
// cleared first. When the loaded set's term and index differ from the
// reference, a warning is logged and the loaded set is kept.
func (f *FSM) Restore(r io.ReadCloser) error {
	defer r.Close()

	var ref snapshotRef
	if err := json.NewDecoder(r).Decode(&ref); err != nil {
		return fmt.Errorf("fsm: decode snapshot ref: %w", err)
	}

	info, err := f.snapshots.Load(f.store)
	if err != nil {
		return fmt.Errorf("fsm: load snapshot set: %w", err)
	}
	if info.Term != ref.Term || info.Index != ref.Index {
		f.logger.Warn("restored snapshot set differs from raft reference",
			"have_term", info.Term, "have_index", info.Index,
			"want_term", ref.Term, "want_index", ref.Index)
	}

	f.mu.Lock()
	f.lastTerm = info.Term
	f.lastIndex = info.Index
	f.mu.Unlock()
	return nil
}

// snapshotRef is what travels through raft's snapshot stream: the
// identity of a set managed by the snapshot engine on disk.
type snapshotRef struct {
	ID    string `json:"id"`
	Term  uint64 `json:"term"`
	Index uint64 `json:"index"`
	Zxid  int64  `json:"zxid"`
}

type fsmSnapshot struct {
	info *snapshot.Info
}

// Persist writes the set reference to the sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	ref := snapshotRef{
		ID:    s.info.ID,
		Term:  s.info.Term,
		Index: s.info.Index,
		Zxid:  s.info.Zxid,
	}
	if err := json.NewEncoder(sink).Encode(ref); err != nil {
		sink.Cancel()
		return fmt.Errorf("fsm: encode snapshot ref: %w", err)
	}
	return sink.Close()
}

// Release is called when the snapshot is no longer needed. Set
// retention is the manager's job, so nothing to do here.
func (s *fsmSnapshot) Release() {}

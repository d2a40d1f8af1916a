package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/raft"

	"github.com/yndnr/keepermesh-go/internal/core/domain"
	"github.com/yndnr/keepermesh-go/internal/keeper"
	"github.com/yndnr/keepermesh-go/internal/storage/keeperstore"
	"github.com/yndnr/keepermesh-go/internal/storage/snapshot"
)

func newFSMFixture(t *testing.T) (*FSM, *keeperstore.Store, *keeper.Processor) {
	t.Helper()
	store := keeperstore.New(nil)
	processor := keeper.NewProcessor(64, keeper.NewResponsesQueue(), nil, nil)
	processor.SetStore(store)
	processor.Start()
	t.Cleanup(processor.Shutdown)

	mgr, err := snapshot.NewManager(snapshot.DefaultConfig(t.TempDir()), nil, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return NewFSM(processor, store, mgr, nil), store, processor
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFSMApplyCommitsToProcessor(t *testing.T) {
	fsm, store, _ := newFSMFixture(t)

	rfs := domain.RequestForSession{
		SessionID: 11,
		Request:   &domain.Request{Op: domain.OpCreate, XID: 1, Path: "/via-raft", Data: []byte("x"), Version: -1},
	}
	data, err := json.Marshal(rfs)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	if out := fsm.Apply(&raft.Log{Term: 3, Index: 17, Data: data}); out != nil {
		t.Fatalf("Apply = %v, want nil", out)
	}

	waitUntil(t, "node applied", func() bool { return store.NodeCount() == 2 })

	term, index := fsm.LastApplied()
	if term != 3 || index != 17 {
		t.Fatalf("LastApplied = %d/%d, want 3/17", term, index)
	}
}

func TestFSMApplyPanicsOnGarbage(t *testing.T) {
	fsm, _, _ := newFSMFixture(t)

	defer func() {
		if recover() == nil {
			t.Fatalf("Apply of corrupt entry did not panic")
		}
	}()
	fsm.Apply(&raft.Log{Term: 1, Index: 1, Data: []byte("{not json")})
}

// memorySink is an in-memory raft.SnapshotSink.
type memorySink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memorySink) ID() string    { return "test-sink" }
func (s *memorySink) Cancel() error { s.cancelled = true; return nil }
func (s *memorySink) Close() error  { return nil }

func TestFSMSnapshotRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := keeperstore.New(nil)
	processor := keeper.NewProcessor(64, keeper.NewResponsesQueue(), nil, nil)
	processor.SetStore(store)
	processor.Start()
	t.Cleanup(processor.Shutdown)

	mgr, err := snapshot.NewManager(snapshot.DefaultConfig(dir), nil, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	fsm := NewFSM(processor, store, mgr, nil)

	// Apply a write through the FSM, then snapshot.
	rfs := domain.RequestForSession{
		SessionID: 5,
		Request:   &domain.Request{Op: domain.OpCreate, XID: 1, Path: "/state", Data: []byte("v"), Version: -1},
	}
	data, _ := json.Marshal(rfs)
	fsm.Apply(&raft.Log{Term: 2, Index: 9, Data: data})
	waitUntil(t, "node applied", func() bool { return store.NodeCount() == 2 })

	snap, err := fsm.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	sink := &memorySink{}
	if err := snap.Persist(sink); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if sink.cancelled {
		t.Fatalf("sink cancelled on success")
	}
	snap.Release()

	// Restore into a fresh store from the same snapshot directory.
	store2 := keeperstore.New(nil)
	processor2 := keeper.NewProcessor(64, keeper.NewResponsesQueue(), nil, nil)
	processor2.SetStore(store2)
	processor2.Start()
	t.Cleanup(processor2.Shutdown)
	mgr2, err := snapshot.NewManager(snapshot.DefaultConfig(dir), nil, nil)
	if err != nil {
		t.Fatalf("NewManager 2: %v", err)
	}
	fsm2 := NewFSM(processor2, store2, mgr2, nil)

	if err := fsm2.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if store2.NodeCount() != 2 {
		t.Fatalf("NodeCount after restore = %d, want 2", store2.NodeCount())
	}
	term, index := fsm2.LastApplied()
	if term != 2 || index != 9 {
		t.Fatalf("LastApplied after restore = %d/%d, want 2/9", term, index)
	}
}

func TestClassifyRaftError(t *testing.T) {
	tests := []struct {
		err      error
		accepted bool
		code     domain.ResultCode
	}{
		{raft.ErrEnqueueTimeout, true, domain.ResultTimeout},
		{raft.ErrNotLeader, false, domain.ResultNotLeader},
		{raft.ErrLeadershipLost, false, domain.ResultNotLeader},
		{raft.ErrRaftShutdown, false, domain.ResultFailed},
		{errors.New("opaque"), true, domain.ResultFailed},
	}
	for _, tt := range tests {
		accepted, code := classifyRaftError(tt.err)
		if accepted != tt.accepted || code != tt.code {
			t.Fatalf("classifyRaftError(%v) = (%v, %v), want (%v, %v)",
				tt.err, accepted, code, tt.accepted, tt.code)
		}
	}
}

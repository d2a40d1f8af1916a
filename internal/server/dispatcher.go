package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"golang.org/x/time/rate"

	"github.com/yndnr/keepermesh-go/internal/core/domain"
	"github.com/yndnr/keepermesh-go/internal/keeper"
)

// ErrThrottled is returned when the intake limiter rejects a request.
var ErrThrottled = errors.New("server: request rate limit exceeded")

// Dispatcher is the entry point for client requests. Every request
// goes to the processor for ordering; writes are additionally
// proposed to raft, and proposal failures flow back through the
// processor's error ledger.
type Dispatcher struct {
	processor *keeper.Processor
	raftNode  *RaftNode
	limiter   *rate.Limiter
	logger    *slog.Logger

	opTimeout time.Duration
	wg        sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewDispatcher creates a dispatcher. maxRate caps accepted requests
// per second; zero disables limiting.
func NewDispatcher(processor *keeper.Processor, raftNode *RaftNode, maxRate int, opTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opTimeout <= 0 {
		opTimeout = 10 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if maxRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(maxRate), maxRate)
	}
	return &Dispatcher{
		processor: processor,
		raftNode:  raftNode,
		limiter:   limiter,
		logger:    logger,
		opTimeout: opTimeout,
	}
}

// Submit accepts one client request. For writes, the raft proposal
// runs asynchronously; Submit returns once the request is ordered
// into the processor.
func (d *Dispatcher) Submit(rfs domain.RequestForSession) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("server: dispatcher is closed")
	}
	d.mu.Unlock()

	if !d.limiter.Allow() {
		return ErrThrottled
	}

	if err := d.processor.ProcessRequest(rfs); err != nil {
		return err
	}
	if rfs.Request.IsReadRequest() {
		return nil
	}

	data, err := json.Marshal(rfs)
	if err != nil {
		return fmt.Errorf("server: marshal request: %w", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.raftNode.Apply(data, d.opTimeout); err != nil {
			accepted, code := classifyRaftError(err)
			d.logger.Warn("raft proposal failed",
				"session_id", rfs.SessionID,
				"xid", rfs.Request.XID,
				"error", err)
			d.processor.OnError(rfs.SessionID, int64(rfs.Request.XID), accepted, code)
		}
	}()
	return nil
}

// Close stops accepting requests and waits for in-flight proposals.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

// classifyRaftError maps a proposal failure to the (accepted, code)
// pair surfaced through the error ledger.
func classifyRaftError(err error) (accepted bool, code domain.ResultCode) {
	switch {
	case errors.Is(err, raft.ErrEnqueueTimeout):
		return true, domain.ResultTimeout
	case errors.Is(err, raft.ErrNotLeader), errors.Is(err, raft.ErrLeadershipLost),
		errors.Is(err, raft.ErrLeadershipTransferInProgress):
		return false, domain.ResultNotLeader
	case errors.Is(err, raft.ErrRaftShutdown), errors.Is(err, raft.ErrAbortedByRestore):
		return false, domain.ResultFailed
	default:
		return true, domain.ResultFailed
	}
}

package keeper

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/yndnr/keepermesh-go/internal/core/domain"
	"github.com/yndnr/keepermesh-go/internal/telemetry/metric"
)

// Store is the processor's dispatch target. ProcessRequest applies
// one request and pushes its response; it handles its own locking.
type Store interface {
	ProcessRequest(sink domain.ResponseSink, rfs domain.RequestForSession)
}

// LogicViolationError reports a breach of the processor's
// bookkeeping invariants. It is fatal for the processor loop.
type LogicViolationError struct {
	SessionID   int64
	ExpectedXID int32
	ObservedXID int32
	Reason      string
}

func (e *LogicViolationError) Error() string {
	return fmt.Sprintf("keeper: logic violation: %s (session %d, expected xid %d, observed xid %d)",
		e.Reason, e.SessionID, e.ExpectedXID, e.ObservedXID)
}

// errorKey is the ledger key: the (session id, xid) composite.
type errorKey struct {
	sessionID int64
	xid       int64
}

type raftError struct {
	accepted bool
	code     domain.ResultCode
}

// Processor merges two concurrent streams, locally submitted client
// requests and raft-committed entries, into per-session FIFO dispatch
// to the store.
//
// One goroutine owns pending bookkeeping and the consumer side of
// every input. Producers take the single mutex, push, and signal the
// condition variable.
type Processor struct {
	logger  *slog.Logger
	metrics *metric.Metrics

	requests  *RequestsQueue
	responses *ResponsesQueue

	mu        sync.Mutex
	cv        *sync.Cond
	committed []domain.RequestForSession
	// errors is the ledger of raft failures awaiting the processor;
	// errorOrder keeps insertion order for deterministic draining.
	errors     map[errorKey]raftError
	errorOrder []errorKey
	shutdown   bool
	runErr     error

	// Owned by the processor goroutine.
	pending       map[int64][]domain.RequestForSession
	pendingWrites map[int64][]domain.RequestForSession

	store Store

	started bool
	done    chan struct{}
}

// NewProcessor creates a processor draining into responses. The store
// back reference is established with SetStore before Start; the
// server owns the processor, not the other way around.
func NewProcessor(queueCapacity int, responses *ResponsesQueue, logger *slog.Logger, metrics *metric.Metrics) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		logger:        logger,
		metrics:       metrics,
		requests:      NewRequestsQueue(queueCapacity),
		responses:     responses,
		errors:        make(map[errorKey]raftError),
		pending:       make(map[int64][]domain.RequestForSession),
		pendingWrites: make(map[int64][]domain.RequestForSession),
		done:          make(chan struct{}),
	}
	p.cv = sync.NewCond(&p.mu)
	return p
}

// SetStore wires the dispatch target. Must be called before Start.
func (p *Processor) SetStore(s Store) { p.store = s }

// Responses returns the responses queue the processor feeds.
func (p *Processor) Responses() *ResponsesQueue { return p.responses }

// Start launches the processor goroutine.
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	go p.run()
}

// ProcessRequest enqueues a request from client I/O. Requests arriving
// after shutdown are dropped without a response; the shutdown drain
// answers only requests that were already queued.
func (p *Processor) ProcessRequest(r domain.RequestForSession) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return nil
	}
	if err := p.requests.Push(r); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.RequestsQueued.Set(float64(p.requests.Len()))
	}
	p.cv.Broadcast()
	return nil
}

// Commit delivers a raft-committed request. Commit notifications
// arrive in raft log order and are never reordered.
func (p *Processor) Commit(r domain.RequestForSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return
	}
	p.committed = append(p.committed, r)
	if p.metrics != nil {
		p.metrics.CommitsTotal.Inc()
	}
	p.cv.Broadcast()
}

// OnError records a raft failure for (sessionID, xid) in the ledger
// and wakes the processor.
func (p *Processor) OnError(sessionID int64, xid int64, accepted bool, code domain.ResultCode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return
	}
	key := errorKey{sessionID: sessionID, xid: xid}
	if _, ok := p.errors[key]; !ok {
		p.errorOrder = append(p.errorOrder, key)
	}
	p.errors[key] = raftError{accepted: accepted, code: code}
	p.cv.Broadcast()
}

// Err returns the fatal error that stopped the processor, if any.
func (p *Processor) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runErr
}

// Shutdown stops the processor, joins it, and fails every request
// still sitting in the intake queue with a session-expired response.
// Idempotent.
func (p *Processor) Shutdown() {
	p.mu.Lock()
	already := p.shutdown
	p.shutdown = true
	p.cv.Broadcast()
	started := p.started
	p.mu.Unlock()

	if started {
		<-p.done
	}
	if already {
		return
	}

	for {
		r, ok := p.requests.TryPop(0)
		if !ok {
			break
		}
		resp := r.Request.MakeResponse()
		resp.Zxid = 0
		resp.Err = domain.CodeSessionExpired
		p.responses.Push(domain.ResponseForSession{SessionID: r.SessionID, Response: resp})
	}
}

func (p *Processor) run() {
	defer close(p.done)

	for {
		p.mu.Lock()
		for p.needWait() && !p.shutdown {
			p.cv.Wait()
		}
		if p.shutdown {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		if err := p.iterate(); err != nil {
			p.logger.Error("commit processor stopped", "error", err)
			p.mu.Lock()
			p.runErr = err
			p.mu.Unlock()
			return
		}
	}
}

// needWait holds the wait predicate; called with mu held.
func (p *Processor) needWait() bool {
	return len(p.errorOrder) == 0 && p.requests.Empty() && len(p.committed) == 0
}

// iterate runs one pass: drain errors, ingest the queue, dispatch
// reads, dispatch committed writes. A LogicViolationError aborts the
// processor; any other panic out of the store is logged and swallowed
// to keep the pipeline alive.
func (p *Processor) iterate() (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("commit processor pass panicked", "panic", r)
		}
	}()

	if err := p.drainErrors(); err != nil {
		return err
	}
	p.ingest()
	if err := p.dispatchReads(); err != nil {
		return err
	}
	n, err := p.dispatchCommitted()
	if err != nil {
		return err
	}
	if n > 0 {
		// Dispatched commits may have unblocked reads queued behind
		// the retired write heads.
		if err := p.dispatchReads(); err != nil {
			return err
		}
	}

	if p.metrics != nil {
		p.metrics.PendingSessions.Set(float64(len(p.pending)))
	}
	return nil
}

// drainErrors cancels the pending entry matched by each ledger entry
// and emits exactly one failure response for it.
func (p *Processor) drainErrors() error {
	p.mu.Lock()
	keys := p.errorOrder
	p.errorOrder = nil
	entries := make([]raftError, len(keys))
	for i, k := range keys {
		entries[i] = p.errors[k]
		delete(p.errors, k)
	}
	p.mu.Unlock()

	for i, key := range keys {
		entry := entries[i]
		p.logger.Debug("raft error for request",
			"session_id", key.sessionID,
			"xid", key.xid,
			"accepted", entry.accepted)

		var request *domain.RequestForSession
		reqs := p.pending[key.sessionID]
		for j := range reqs {
			if int64(reqs[j].Request.XID) == key.xid {
				r := reqs[j]
				request = &r
				p.pending[key.sessionID] = append(reqs[:j], reqs[j+1:]...)
				break
			}
		}
		if len(p.pending[key.sessionID]) == 0 {
			delete(p.pending, key.sessionID)
		}

		writes := p.pendingWrites[key.sessionID]
		for j := range writes {
			if int64(writes[j].Request.XID) == key.xid {
				p.pendingWrites[key.sessionID] = append(writes[:j], writes[j+1:]...)
				break
			}
		}
		if len(p.pendingWrites[key.sessionID]) == 0 {
			delete(p.pendingWrites, key.sessionID)
		}

		if request == nil {
			return &LogicViolationError{
				SessionID:   key.sessionID,
				ExpectedXID: int32(key.xid),
				ObservedXID: -1,
				Reason:      "raft error for unknown pending request",
			}
		}

		resp := request.Request.MakeResponse()
		resp.Zxid = 0
		resp.Err = entry.code.ResponseCode()
		p.responses.Push(domain.ResponseForSession{SessionID: request.SessionID, Response: resp})

		if p.metrics != nil {
			label := "failed"
			switch {
			case entry.code == domain.ResultTimeout:
				label = "timeout"
			case !entry.accepted:
				label = "not_leader"
			}
			p.metrics.RaftErrorsTotal.WithLabelValues(label).Inc()
		}
	}
	return nil
}

// ingest drains all currently available requests into the per-session
// lists: every request into pending, writes additionally into
// pendingWrites, both in arrival order.
func (p *Processor) ingest() {
	n := p.requests.Len()
	for i := 0; i < n; i++ {
		r, ok := p.requests.TryPop(0)
		if !ok {
			break
		}
		p.pending[r.SessionID] = append(p.pending[r.SessionID], r)
		if !r.Request.IsReadRequest() {
			p.pendingWrites[r.SessionID] = append(p.pendingWrites[r.SessionID], r)
		}
	}
	if p.metrics != nil {
		p.metrics.RequestsQueued.Set(float64(p.requests.Len()))
	}
}

// dispatchReads forwards, per session, every head request older than
// the session's earliest in-flight write. Such requests must be
// reads.
func (p *Processor) dispatchReads() error {
	ids := make([]int64, 0, len(p.pending))
	for id := range p.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, sessionID := range ids {
		reqs := p.pending[sessionID]
		writes := p.pendingWrites[sessionID]

		for len(reqs) > 0 {
			head := reqs[0]
			if len(writes) > 0 && head.Request.XID >= writes[0].Request.XID {
				break
			}
			if !head.Request.IsReadRequest() {
				return &LogicViolationError{
					SessionID:   sessionID,
					ExpectedXID: -1,
					ObservedXID: head.Request.XID,
					Reason:      "write request ahead of the pending write head",
				}
			}
			p.store.ProcessRequest(p.responses, head)
			reqs = reqs[1:]
			if p.metrics != nil {
				p.metrics.DispatchedTotal.WithLabelValues("read").Inc()
			}
		}

		if len(reqs) == 0 {
			delete(p.pending, sessionID)
		} else {
			p.pending[sessionID] = reqs
		}
	}
	return nil
}

// dispatchCommitted drains all currently available commit
// notifications. A commit for a session with no local pending writes
// is a peer's request replayed on this node and dispatches directly;
// otherwise it must match the session's write head exactly.
func (p *Processor) dispatchCommitted() (int, error) {
	p.mu.Lock()
	committed := p.committed
	p.committed = nil
	p.mu.Unlock()

	for i, c := range committed {
		writes := p.pendingWrites[c.SessionID]
		if len(writes) == 0 {
			p.store.ProcessRequest(p.responses, c)
			if p.metrics != nil {
				p.metrics.DispatchedTotal.WithLabelValues("replay").Inc()
			}
			continue
		}

		if writes[0].Request.XID != c.Request.XID {
			return i, &LogicViolationError{
				SessionID:   c.SessionID,
				ExpectedXID: writes[0].Request.XID,
				ObservedXID: c.Request.XID,
				Reason:      "committed request does not match the pending write head",
			}
		}
		reqs := p.pending[c.SessionID]
		if len(reqs) == 0 || reqs[0].Request.XID != c.Request.XID {
			observed := int32(-1)
			if len(reqs) > 0 {
				observed = reqs[0].Request.XID
			}
			return i, &LogicViolationError{
				SessionID:   c.SessionID,
				ExpectedXID: c.Request.XID,
				ObservedXID: observed,
				Reason:      "pending head does not match the committed request",
			}
		}

		p.store.ProcessRequest(p.responses, c)
		if p.metrics != nil {
			p.metrics.DispatchedTotal.WithLabelValues("write").Inc()
		}

		if len(writes) == 1 {
			delete(p.pendingWrites, c.SessionID)
		} else {
			p.pendingWrites[c.SessionID] = writes[1:]
		}
		if len(reqs) == 1 {
			delete(p.pending, c.SessionID)
		} else {
			p.pending[c.SessionID] = reqs[1:]
		}
	}
	return len(committed), nil
}

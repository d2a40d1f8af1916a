package keeperstore

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/yndnr/keepermesh-go/internal/core/domain"
	"github.com/yndnr/keepermesh-go/pkg/cmap"
)

// Store is the in-memory coordination state.
type Store struct {
	logger *slog.Logger

	sessionMu         sync.Mutex
	sessionIDCounter  int64
	sessionAndTimeout map[int64]int64

	authMu         sync.Mutex
	sessionAndAuth map[int64][]domain.AuthID

	ephemeralsMu sync.Mutex
	ephemerals   map[int64]map[string]struct{}

	aclMu      sync.Mutex
	aclCounter uint64
	aclMap     map[uint64][]domain.ACL
	aclIndex   map[string]uint64

	auxMu     sync.Mutex
	stringMap map[string]string
	uintMap   map[string]uint64

	nodes *cmap.Map[string, *Node]
	zxid  atomic.Int64
}

// New creates an empty store with a root node.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		logger:            logger,
		sessionAndTimeout: make(map[int64]int64),
		sessionAndAuth:    make(map[int64][]domain.AuthID),
		ephemerals:        make(map[int64]map[string]struct{}),
		aclMap:            make(map[uint64][]domain.ACL),
		aclIndex:          make(map[string]uint64),
		stringMap:         make(map[string]string),
		uintMap:           make(map[string]uint64),
		nodes:             cmap.New[string, *Node](),
	}
	s.nodes.Set("/", &Node{})
	return s
}

// Zxid returns the last assigned transaction id.
func (s *Store) Zxid() int64 { return s.zxid.Load() }

// SetZxid primes the transaction counter, used on restore.
func (s *Store) SetZxid(zxid int64) { s.zxid.Store(zxid) }

// NodeCount returns the number of znodes including the root.
func (s *Store) NodeCount() int { return s.nodes.Count() }

// ProcessRequest applies one request to the tree and pushes exactly
// one response onto sink. Writes assign a fresh zxid; reads report
// the last assigned one.
func (s *Store) ProcessRequest(sink domain.ResponseSink, rfs domain.RequestForSession) {
	req := rfs.Request
	resp := req.MakeResponse()

	switch req.Op {
	case domain.OpCreate:
		s.applyCreate(rfs, resp)
	case domain.OpDelete:
		s.applyDelete(rfs, resp)
	case domain.OpSetData:
		s.applySetData(req, resp)
	case domain.OpSetACL:
		s.applySetACL(req, resp)
	case domain.OpGetData:
		s.applyGetData(req, resp)
	case domain.OpExists:
		s.applyExists(req, resp)
	case domain.OpGetChildren:
		s.applyGetChildren(req, resp)
	case domain.OpGetACL:
		s.applyGetACL(req, resp)
	case domain.OpSync, domain.OpPing:
		resp.Zxid = s.zxid.Load()
	default:
		resp.Err = domain.CodeConnectionLoss
	}

	if req.IsReadRequest() {
		resp.Zxid = s.zxid.Load()
	}
	sink.Push(domain.ResponseForSession{SessionID: rfs.SessionID, Response: resp})
}

func (s *Store) applyCreate(rfs domain.RequestForSession, resp *domain.Response) {
	req := rfs.Request
	if s.nodes.Has(req.Path) {
		resp.Err = domain.CodeNodeExists
		return
	}
	parentPath, name := splitPath(req.Path)
	parent, ok := s.nodes.Get(parentPath)
	if !ok || name == "" {
		resp.Err = domain.CodeNoNode
		return
	}

	zxid := s.zxid.Add(1)
	node := &Node{
		Data:  req.Data,
		ACLID: s.InternACL(req.ACLs),
		Czxid: zxid,
		Mzxid: zxid,
	}
	if req.Ephemeral {
		node.EphemeralOwner = rfs.SessionID
		s.addEphemeral(rfs.SessionID, req.Path)
	}
	s.nodes.Set(req.Path, node)
	parent.addChild(name)

	resp.Zxid = zxid
	resp.Path = req.Path
}

func (s *Store) applyDelete(rfs domain.RequestForSession, resp *domain.Response) {
	req := rfs.Request
	node, ok := s.nodes.Get(req.Path)
	if !ok || req.Path == "/" {
		resp.Err = domain.CodeNoNode
		return
	}
	if len(node.children) > 0 {
		resp.Err = domain.CodeNotEmpty
		return
	}
	if req.Version >= 0 && req.Version != node.Version {
		resp.Err = domain.CodeBadVersion
		return
	}

	zxid := s.zxid.Add(1)
	s.nodes.Delete(req.Path)
	parentPath, name := splitPath(req.Path)
	if parent, ok := s.nodes.Get(parentPath); ok {
		parent.removeChild(name)
	}
	if node.EphemeralOwner != 0 {
		s.removeEphemeral(node.EphemeralOwner, req.Path)
	}
	resp.Zxid = zxid
}

func (s *Store) applySetData(req *domain.Request, resp *domain.Response) {
	node, ok := s.nodes.Get(req.Path)
	if !ok {
		resp.Err = domain.CodeNoNode
		return
	}
	if req.Version >= 0 && req.Version != node.Version {
		resp.Err = domain.CodeBadVersion
		return
	}
	zxid := s.zxid.Add(1)
	node.Data = req.Data
	node.Version++
	node.Mzxid = zxid
	resp.Zxid = zxid
	resp.Version = node.Version
}

func (s *Store) applySetACL(req *domain.Request, resp *domain.Response) {
	node, ok := s.nodes.Get(req.Path)
	if !ok {
		resp.Err = domain.CodeNoNode
		return
	}
	zxid := s.zxid.Add(1)
	node.ACLID = s.InternACL(req.ACLs)
	node.Mzxid = zxid
	resp.Zxid = zxid
}

func (s *Store) applyGetData(req *domain.Request, resp *domain.Response) {
	node, ok := s.nodes.Get(req.Path)
	if !ok {
		resp.Err = domain.CodeNoNode
		return
	}
	resp.Data = node.Data
	resp.Version = node.Version
}

func (s *Store) applyExists(req *domain.Request, resp *domain.Response) {
	node, ok := s.nodes.Get(req.Path)
	if !ok {
		resp.Err = domain.CodeNoNode
		return
	}
	resp.Version = node.Version
}

func (s *Store) applyGetChildren(req *domain.Request, resp *domain.Response) {
	node, ok := s.nodes.Get(req.Path)
	if !ok {
		resp.Err = domain.CodeNoNode
		return
	}
	resp.Children = node.ChildNames()
}

func (s *Store) applyGetACL(req *domain.Request, resp *domain.Response) {
	node, ok := s.nodes.Get(req.Path)
	if !ok {
		resp.Err = domain.CodeNoNode
		return
	}
	resp.ACLs = s.LookupACL(node.ACLID)
}

// CreateSession allocates a new session id and records its timeout.
func (s *Store) CreateSession(timeoutMs int64) int64 {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	s.sessionIDCounter++
	id := s.sessionIDCounter
	s.sessionAndTimeout[id] = timeoutMs
	return id
}

// AddSessionAuth attaches an authenticated identity to a session.
func (s *Store) AddSessionAuth(sessionID int64, id domain.AuthID) {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	s.sessionAndAuth[sessionID] = append(s.sessionAndAuth[sessionID], id)
}

// CloseSession drops a session, its auth identities, and every
// ephemeral node it owns.
func (s *Store) CloseSession(sessionID int64) {
	s.ephemeralsMu.Lock()
	paths := make([]string, 0, len(s.ephemerals[sessionID]))
	for p := range s.ephemerals[sessionID] {
		paths = append(paths, p)
	}
	delete(s.ephemerals, sessionID)
	s.ephemeralsMu.Unlock()

	sort.Strings(paths)
	for _, p := range paths {
		if _, ok := s.nodes.Pop(p); ok {
			parentPath, name := splitPath(p)
			if parent, ok := s.nodes.Get(parentPath); ok {
				parent.removeChild(name)
			}
		}
	}

	s.sessionMu.Lock()
	delete(s.sessionAndTimeout, sessionID)
	s.sessionMu.Unlock()

	s.authMu.Lock()
	delete(s.sessionAndAuth, sessionID)
	s.authMu.Unlock()
}

// SessionCount returns the number of live sessions.
func (s *Store) SessionCount() int {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	return len(s.sessionAndTimeout)
}

func (s *Store) addEphemeral(sessionID int64, path string) {
	s.ephemeralsMu.Lock()
	defer s.ephemeralsMu.Unlock()
	set, ok := s.ephemerals[sessionID]
	if !ok {
		set = make(map[string]struct{})
		s.ephemerals[sessionID] = set
	}
	set[path] = struct{}{}
}

func (s *Store) removeEphemeral(sessionID int64, path string) {
	s.ephemeralsMu.Lock()
	defer s.ephemeralsMu.Unlock()
	if set, ok := s.ephemerals[sessionID]; ok {
		delete(set, path)
		if len(set) == 0 {
			delete(s.ephemerals, sessionID)
		}
	}
}

// InternACL stores an ACL list once and returns its id. The empty
// list interns as 0, the open ACL.
func (s *Store) InternACL(acls []domain.ACL) uint64 {
	if len(acls) == 0 {
		return 0
	}
	key := string(domain.AppendACLList(nil, acls))

	s.aclMu.Lock()
	defer s.aclMu.Unlock()
	if id, ok := s.aclIndex[key]; ok {
		return id
	}
	s.aclCounter++
	id := s.aclCounter
	s.aclMap[id] = acls
	s.aclIndex[key] = id
	return id
}

// LookupACL resolves an interned ACL id; 0 resolves to the open ACL.
func (s *Store) LookupACL(id uint64) []domain.ACL {
	if id == 0 {
		return domain.WorldACL(domain.PermAll)
	}
	s.aclMu.Lock()
	defer s.aclMu.Unlock()
	return s.aclMap[id]
}

// SetStringKV and SetUintKV maintain the auxiliary maps.
func (s *Store) SetStringKV(key, value string) {
	s.auxMu.Lock()
	defer s.auxMu.Unlock()
	s.stringMap[key] = value
}

func (s *Store) SetUintKV(key string, value uint64) {
	s.auxMu.Lock()
	defer s.auxMu.Unlock()
	s.uintMap[key] = value
}

// GetStringKV reads an auxiliary string entry.
func (s *Store) GetStringKV(key string) (string, bool) {
	s.auxMu.Lock()
	defer s.auxMu.Unlock()
	v, ok := s.stringMap[key]
	return v, ok
}

// GetUintKV reads an auxiliary uint entry.
func (s *Store) GetUintKV(key string) (uint64, bool) {
	s.auxMu.Lock()
	defer s.auxMu.Unlock()
	v, ok := s.uintMap[key]
	return v, ok
}

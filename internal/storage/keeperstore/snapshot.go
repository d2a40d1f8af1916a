package keeperstore

import (
	"sort"

	"github.com/yndnr/keepermesh-go/internal/core/domain"
)

// The ForEach*Locked methods drive one snapshot serialization pass
// each. Every pass holds its entity's lock for the full duration so
// the snapshot cannot interleave with mutations of that entity;
// iteration order is sorted so identical state always produces
// identical object files.

// ForEachSessionLocked iterates the session table with its auth
// identities under the session lock then the auth lock, in that
// order. It returns the session id counter captured before iteration;
// the value is recorded in the snapshot set's metadata.
func (s *Store) ForEachSessionLocked(fn func(sessionID, timeoutMs int64, auth []domain.AuthID) error) (int64, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	s.authMu.Lock()
	defer s.authMu.Unlock()

	nextSessionID := s.sessionIDCounter

	ids := make([]int64, 0, len(s.sessionAndTimeout))
	for id := range s.sessionAndTimeout {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if err := fn(id, s.sessionAndTimeout[id], s.sessionAndAuth[id]); err != nil {
			return nextSessionID, err
		}
	}
	return nextSessionID, nil
}

// RestoreSession reinserts a serialized session, keeping the id
// counter ahead of every restored id.
func (s *Store) RestoreSession(sessionID, timeoutMs int64, auth []domain.AuthID) {
	s.sessionMu.Lock()
	s.sessionAndTimeout[sessionID] = timeoutMs
	if sessionID > s.sessionIDCounter {
		s.sessionIDCounter = sessionID
	}
	s.sessionMu.Unlock()

	if len(auth) > 0 {
		s.authMu.Lock()
		s.sessionAndAuth[sessionID] = auth
		s.authMu.Unlock()
	}
}

// SetSessionIDCounter primes the session id counter from snapshot
// metadata.
func (s *Store) SetSessionIDCounter(next int64) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if next > s.sessionIDCounter {
		s.sessionIDCounter = next
	}
}

// NextSessionID reads the current session id counter.
func (s *Store) NextSessionID() int64 {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	return s.sessionIDCounter
}

// ForEachEphemeralLocked iterates the ephemerals index under its
// lock, paths sorted per session.
func (s *Store) ForEachEphemeralLocked(fn func(sessionID int64, paths []string) error) error {
	s.ephemeralsMu.Lock()
	defer s.ephemeralsMu.Unlock()

	ids := make([]int64, 0, len(s.ephemerals))
	for id := range s.ephemerals {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		paths := make([]string, 0, len(s.ephemerals[id]))
		for p := range s.ephemerals[id] {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		if err := fn(id, paths); err != nil {
			return err
		}
	}
	return nil
}

// RestoreEphemeral reinserts one session's ephemeral path set.
func (s *Store) RestoreEphemeral(sessionID int64, paths []string) {
	s.ephemeralsMu.Lock()
	defer s.ephemeralsMu.Unlock()
	set, ok := s.ephemerals[sessionID]
	if !ok {
		set = make(map[string]struct{}, len(paths))
		s.ephemerals[sessionID] = set
	}
	for _, p := range paths {
		set[p] = struct{}{}
	}
}

// EphemeralSessionCount returns the number of sessions owning at
// least one ephemeral node.
func (s *Store) EphemeralSessionCount() int {
	s.ephemeralsMu.Lock()
	defer s.ephemeralsMu.Unlock()
	return len(s.ephemerals)
}

// ForEachACLLocked iterates the interned ACL table under its lock.
func (s *Store) ForEachACLLocked(fn func(id uint64, acls []domain.ACL) error) error {
	s.aclMu.Lock()
	defer s.aclMu.Unlock()

	ids := make([]uint64, 0, len(s.aclMap))
	for id := range s.aclMap {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if err := fn(id, s.aclMap[id]); err != nil {
			return err
		}
	}
	return nil
}

// RestoreACL reinserts an interned ACL list under its original id.
func (s *Store) RestoreACL(id uint64, acls []domain.ACL) {
	s.aclMu.Lock()
	defer s.aclMu.Unlock()
	s.aclMap[id] = acls
	s.aclIndex[string(domain.AppendACLList(nil, acls))] = id
	if id > s.aclCounter {
		s.aclCounter = id
	}
}

// ACLCount returns the interned ACL table size.
func (s *Store) ACLCount() int {
	s.aclMu.Lock()
	defer s.aclMu.Unlock()
	return len(s.aclMap)
}

// ForEachStringKVLocked iterates the auxiliary string map under its
// lock, keys sorted.
func (s *Store) ForEachStringKVLocked(fn func(key, value string) error) error {
	s.auxMu.Lock()
	defer s.auxMu.Unlock()

	keys := make([]string, 0, len(s.stringMap))
	for k := range s.stringMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := fn(k, s.stringMap[k]); err != nil {
			return err
		}
	}
	return nil
}

// ForEachUintKVLocked iterates the auxiliary uint map under its lock,
// keys sorted.
func (s *Store) ForEachUintKVLocked(fn func(key string, value uint64) error) error {
	s.auxMu.Lock()
	defer s.auxMu.Unlock()

	keys := make([]string, 0, len(s.uintMap))
	for k := range s.uintMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := fn(k, s.uintMap[k]); err != nil {
			return err
		}
	}
	return nil
}

// ForEachNode iterates every znode except the root.
func (s *Store) ForEachNode(fn func(path string, n *Node) error) error {
	paths := s.nodes.Keys()
	sort.Strings(paths)
	for _, p := range paths {
		if p == "/" {
			continue
		}
		n, ok := s.nodes.Get(p)
		if !ok {
			continue
		}
		if err := fn(p, n); err != nil {
			return err
		}
	}
	return nil
}

// RestoreNode reinserts a znode without linking it to its parent;
// call RebuildTreeLinks once all nodes are restored.
func (s *Store) RestoreNode(path string, n *Node) {
	s.nodes.Set(path, n)
}

// RebuildTreeLinks repopulates every parent's child-name set after a
// bulk restore.
func (s *Store) RebuildTreeLinks() {
	paths := s.nodes.Keys()
	sort.Strings(paths)
	for _, p := range paths {
		if p == "/" {
			continue
		}
		parentPath, name := splitPath(p)
		if parent, ok := s.nodes.Get(parentPath); ok {
			parent.addChild(name)
		}
	}
}

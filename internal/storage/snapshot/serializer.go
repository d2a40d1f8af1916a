package snapshot

import (
	"fmt"

	"github.com/yndnr/keepermesh-go/internal/core/domain"
	"github.com/yndnr/keepermesh-go/internal/storage/keeperstore"
	"github.com/yndnr/keepermesh-go/pkg/cmap"
)

// DefaultBatchSize is the element count per batch when callers pass 0.
const DefaultBatchSize = 1000

// appender accumulates elements into batches of batchSize and flushes
// them through an object writer. The final batch is flushed by
// finish, producing a single empty batch for an empty input.
type appender struct {
	w         *ObjectWriter
	typ       BatchType
	batchSize uint32
	batch     *Batch
	index     uint64
	bytes     int
	batches   int
}

func newAppender(w *ObjectWriter, typ BatchType, batchSize uint32) *appender {
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}
	return &appender{w: w, typ: typ, batchSize: batchSize}
}

func (a *appender) add(element []byte) error {
	if a.index%uint64(a.batchSize) == 0 {
		if a.index != 0 {
			if err := a.flush(); err != nil {
				return err
			}
		}
		a.batch = &Batch{Type: a.typ}
	}
	a.batch.Add(element)
	a.index++
	return nil
}

func (a *appender) flush() error {
	n, _, err := a.w.Append(a.batch)
	if err != nil {
		return err
	}
	a.bytes += n
	a.batches++
	a.batch = nil
	return nil
}

func (a *appender) finish() error {
	if a.batch == nil {
		a.batch = &Batch{Type: a.typ}
	}
	return a.flush()
}

// SerializeSessions writes the session table (with auth identities)
// to one object. It returns the session id counter captured before
// the pass; the value belongs in the snapshot set's metadata.
func SerializeSessions(store *keeperstore.Store, path string, batchSize uint32, v Version) (int64, error) {
	w, err := NewObjectWriter(path, v)
	if err != nil {
		return 0, err
	}
	a := newAppender(w, BatchTypeSession, batchSize)

	nextSessionID, err := store.ForEachSessionLocked(func(sessionID, timeoutMs int64, auth []domain.AuthID) error {
		elem := domain.AppendInt64(nil, sessionID)
		elem = domain.AppendInt64(elem, timeoutMs)
		elem = domain.AppendAuthIDs(elem, auth)
		return a.add(elem)
	})
	if err != nil {
		w.Abort()
		return 0, err
	}
	if err := a.finish(); err != nil {
		w.Abort()
		return 0, err
	}
	return nextSessionID, w.Close()
}

// DeserializeSessions restores the session table from one object.
func DeserializeSessions(store *keeperstore.Store, path string) error {
	return readObject(path, BatchTypeSession, func(elem []byte) error {
		sessionID, rest, err := domain.ConsumeInt64(elem)
		if err != nil {
			return err
		}
		timeoutMs, rest, err := domain.ConsumeInt64(rest)
		if err != nil {
			return err
		}
		auth, _, err := domain.ConsumeAuthIDs(rest)
		if err != nil {
			return err
		}
		store.RestoreSession(sessionID, timeoutMs, auth)
		return nil
	})
}

// SerializeACLMap writes the interned ACL table to one object.
func SerializeACLMap(store *keeperstore.Store, path string, batchSize uint32, v Version) error {
	w, err := NewObjectWriter(path, v)
	if err != nil {
		return err
	}
	a := newAppender(w, BatchTypeACLMap, batchSize)

	err = store.ForEachACLLocked(func(id uint64, acls []domain.ACL) error {
		elem := domain.AppendUint64(nil, id)
		elem = domain.AppendACLList(elem, acls)
		return a.add(elem)
	})
	if err != nil {
		w.Abort()
		return err
	}
	if err := a.finish(); err != nil {
		w.Abort()
		return err
	}
	return w.Close()
}

// DeserializeACLMap restores the interned ACL table from one object.
func DeserializeACLMap(store *keeperstore.Store, path string) error {
	return readObject(path, BatchTypeACLMap, func(elem []byte) error {
		id, rest, err := domain.ConsumeUint64(elem)
		if err != nil {
			return err
		}
		acls, _, err := domain.ConsumeACLList(rest)
		if err != nil {
			return err
		}
		store.RestoreACL(id, acls)
		return nil
	})
}

// SerializeEphemerals writes the ephemerals index to one object. An
// empty index produces no file. The int return is 1 when an object
// was written and 0 otherwise; callers must only branch on zero
// versus nonzero.
func SerializeEphemerals(store *keeperstore.Store, path string, batchSize uint32, v Version) (int, error) {
	var w *ObjectWriter
	var a *appender

	err := store.ForEachEphemeralLocked(func(sessionID int64, paths []string) error {
		if w == nil {
			var err error
			if w, err = NewObjectWriter(path, v); err != nil {
				return err
			}
			a = newAppender(w, BatchTypeDataEphemeral, batchSize)
		}
		elem := domain.AppendInt64(nil, sessionID)
		elem = domain.AppendUint64(elem, uint64(len(paths)))
		for _, p := range paths {
			elem = domain.AppendString(elem, p)
		}
		return a.add(elem)
	})
	if err != nil {
		if w != nil {
			w.Abort()
		}
		return 0, err
	}
	if w == nil {
		return 0, nil
	}
	if err := a.finish(); err != nil {
		w.Abort()
		return 0, err
	}
	return 1, w.Close()
}

// DeserializeEphemerals restores the ephemerals index from one object.
func DeserializeEphemerals(store *keeperstore.Store, path string) error {
	return readObject(path, BatchTypeDataEphemeral, func(elem []byte) error {
		sessionID, rest, err := domain.ConsumeInt64(elem)
		if err != nil {
			return err
		}
		count, rest, err := domain.ConsumeUint64(rest)
		if err != nil {
			return err
		}
		paths := make([]string, 0, count)
		for i := uint64(0); i < count; i++ {
			var p string
			if p, rest, err = domain.ConsumeString(rest); err != nil {
				return err
			}
			paths = append(paths, p)
		}
		store.RestoreEphemeral(sessionID, paths)
		return nil
	})
}

// SerializeStringMap writes the auxiliary string map to one object.
func SerializeStringMap(store *keeperstore.Store, path string, batchSize uint32, v Version) error {
	w, err := NewObjectWriter(path, v)
	if err != nil {
		return err
	}
	a := newAppender(w, BatchTypeStringMap, batchSize)

	err = store.ForEachStringKVLocked(func(key, value string) error {
		elem := domain.AppendString(nil, key)
		elem = domain.AppendString(elem, value)
		return a.add(elem)
	})
	if err != nil {
		w.Abort()
		return err
	}
	if err := a.finish(); err != nil {
		w.Abort()
		return err
	}
	return w.Close()
}

// DeserializeStringMap restores the auxiliary string map.
func DeserializeStringMap(store *keeperstore.Store, path string) error {
	return readObject(path, BatchTypeStringMap, func(elem []byte) error {
		key, rest, err := domain.ConsumeString(elem)
		if err != nil {
			return err
		}
		value, _, err := domain.ConsumeString(rest)
		if err != nil {
			return err
		}
		store.SetStringKV(key, value)
		return nil
	})
}

// SerializeUintMap writes the auxiliary uint map to one object.
func SerializeUintMap(store *keeperstore.Store, path string, batchSize uint32, v Version) error {
	w, err := NewObjectWriter(path, v)
	if err != nil {
		return err
	}
	a := newAppender(w, BatchTypeUintMap, batchSize)

	err = store.ForEachUintKVLocked(func(key string, value uint64) error {
		elem := domain.AppendString(nil, key)
		elem = domain.AppendUint64(elem, value)
		return a.add(elem)
	})
	if err != nil {
		w.Abort()
		return err
	}
	if err := a.finish(); err != nil {
		w.Abort()
		return err
	}
	return w.Close()
}

// DeserializeUintMap restores the auxiliary uint map.
func DeserializeUintMap(store *keeperstore.Store, path string) error {
	return readObject(path, BatchTypeUintMap, func(elem []byte) error {
		key, rest, err := domain.ConsumeString(elem)
		if err != nil {
			return err
		}
		value, _, err := domain.ConsumeUint64(rest)
		if err != nil {
			return err
		}
		store.SetUintKV(key, value)
		return nil
	})
}

// SerializeTreeObjects writes the znode table sharded across the
// given object paths. A node's shard is its murmur3 path hash modulo
// the shard count, so the assignment is stable across snapshots.
func SerializeTreeObjects(store *keeperstore.Store, paths []string, batchSize uint32, v Version) error {
	writers := make([]*ObjectWriter, len(paths))
	appenders := make([]*appender, len(paths))
	abort := func() {
		for _, w := range writers {
			if w != nil {
				w.Abort()
			}
		}
	}

	for i, p := range paths {
		w, err := NewObjectWriter(p, v)
		if err != nil {
			abort()
			return err
		}
		writers[i] = w
		appenders[i] = newAppender(w, BatchTypeDataTree, batchSize)
	}

	err := store.ForEachNode(func(path string, n *keeperstore.Node) error {
		elem := domain.AppendString(nil, path)
		elem = domain.AppendBytes(elem, n.Data)
		elem = domain.AppendUint64(elem, n.ACLID)
		elem = domain.AppendInt64(elem, n.EphemeralOwner)
		elem = domain.AppendInt64(elem, n.Czxid)
		elem = domain.AppendInt64(elem, n.Mzxid)
		elem = domain.AppendInt32(elem, n.Version)
		shard := int(cmap.HashKey(path)) % len(paths)
		if shard < 0 {
			shard += len(paths)
		}
		return appenders[shard].add(elem)
	})
	if err != nil {
		abort()
		return err
	}

	for i := range appenders {
		if err := appenders[i].finish(); err != nil {
			abort()
			return err
		}
		if err := writers[i].Close(); err != nil {
			abort()
			return err
		}
		writers[i] = nil
	}
	return nil
}

// DeserializeTreeObject restores znodes from one tree object. Callers
// run RebuildTreeLinks on the store after every tree object is
// loaded.
func DeserializeTreeObject(store *keeperstore.Store, path string) error {
	return readObject(path, BatchTypeDataTree, func(elem []byte) error {
		nodePath, rest, err := domain.ConsumeString(elem)
		if err != nil {
			return err
		}
		n := &keeperstore.Node{}
		if n.Data, rest, err = domain.ConsumeBytes(rest); err != nil {
			return err
		}
		if n.ACLID, rest, err = domain.ConsumeUint64(rest); err != nil {
			return err
		}
		if n.EphemeralOwner, rest, err = domain.ConsumeInt64(rest); err != nil {
			return err
		}
		if n.Czxid, rest, err = domain.ConsumeInt64(rest); err != nil {
			return err
		}
		if n.Mzxid, rest, err = domain.ConsumeInt64(rest); err != nil {
			return err
		}
		if n.Version, _, err = domain.ConsumeInt32(rest); err != nil {
			return err
		}
		if len(n.Data) == 0 {
			n.Data = nil
		}
		store.RestoreNode(nodePath, n)
		return nil
	})
}

// readObject streams one object, checks every batch carries the
// expected type, and hands each element to fn.
func readObject(path string, want BatchType, fn func(elem []byte) error) error {
	r, err := OpenObject(path)
	if err != nil {
		return err
	}
	defer r.Close()

	batches, err := r.ReadAll()
	if err != nil {
		return err
	}
	for _, b := range batches {
		if b.Type != want {
			return fmt.Errorf("%w: batch type %s, want %s", ErrInvalidBatch, b.Type, want)
		}
		for _, elem := range b.Elements {
			if err := fn(elem); err != nil {
				return fmt.Errorf("snapshot: decode %s element: %w", want, err)
			}
		}
	}
	return nil
}

// Package keeperstore holds the in-memory state of the coordination
// service: the session table with timeouts and auth identities, the
// ephemerals index, the interned ACL table, two auxiliary maps, and a
// flat znode table.
//
// ProcessRequest is invoked by exactly one goroutine (the commit
// processor); the per-entity mutexes exist so the snapshot engine can
// hold an entity still for the duration of one serialization pass.
package keeperstore

// Package cmap provides a concurrent-safe sharded map.
//
// It uses sharding to reduce lock contention under the mixed
// read/write load of the coordination store. Keys hash with murmur3:
// string keys (znode paths) over their bytes, int64 and uint64 keys
// over their little-endian encoding, other comparable keys over their
// formatted representation.
package cmap

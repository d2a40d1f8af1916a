// Package keeper implements the commit-ordering pipeline: a bounded
// intake queue of per-session requests, an unbounded responses queue,
// and the processor that merges locally submitted requests with
// raft-committed entries into per-session FIFO dispatch to the store.
//
// Per session, the store sees requests in client order; reads never
// run ahead of that session's in-flight writes, and a stalled write
// blocks only its own session.
package keeper

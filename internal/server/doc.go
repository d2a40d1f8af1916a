// Package server wires the coordination core to hashicorp/raft: the
// raft node and its stores, the finite state machine that feeds
// committed entries to the commit processor, the dispatcher that
// classifies and proposes client requests, and the periodic snapshot
// driver.
package server

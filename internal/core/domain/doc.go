// Package domain defines the core domain models for KeeperMesh:
// coordination requests and responses, operation codes, error codes,
// and the ACL and auth identity types whose wire encoding is shared
// between the client protocol and the snapshot engine.
//
// Domain models are pure value objects without any infrastructure
// dependencies.
package domain

package config

import "time"

// ServerConfig is the root configuration for keepermesh-server.
type ServerConfig struct {
	Raft         RaftSection         `koanf:"raft"`
	Coordination CoordinationSection `koanf:"coordination"`
	Snapshot     SnapshotSection     `koanf:"snapshot"`
	Metrics      MetricsSection      `koanf:"metrics"`
	Log          LogSection          `koanf:"log"`
}

// RaftSection configures the consensus layer.
type RaftSection struct {
	// NodeID is the unique identifier for this node.
	NodeID string `koanf:"node_id"`

	// Addr is the raft TCP bind address (e.g. "192.168.1.10:5343").
	Addr string `koanf:"addr"`

	// DataDir is the directory for raft log and stable storage.
	DataDir string `koanf:"data_dir"`

	// Bootstrap indicates if this node bootstraps a new cluster.
	Bootstrap bool `koanf:"bootstrap"`
}

// CoordinationSection configures the commit processor.
type CoordinationSection struct {
	// QueueCapacity bounds the request intake queue.
	QueueCapacity int `koanf:"queue_capacity"`

	// OpTimeout bounds how long a write proposal may wait for commit.
	OpTimeout time.Duration `koanf:"op_timeout"`

	// MaxRequestRate caps accepted requests per second; 0 disables.
	MaxRequestRate int `koanf:"max_request_rate"`
}

// SnapshotSection configures the snapshot engine.
type SnapshotSection struct {
	// Dir is the directory holding snapshot sets.
	Dir string `koanf:"dir"`

	// BatchSize is the element count per snapshot batch.
	BatchSize uint32 `koanf:"batch_size"`

	// Version is the snapshot format version byte written.
	Version uint8 `koanf:"version"`

	// Interval between periodic snapshots; 0 disables the driver.
	Interval time.Duration `koanf:"interval"`

	// Retention is the number of sets kept on disk.
	Retention int `koanf:"retention"`

	// TreeObjects is the number of objects the tree is sharded across.
	TreeObjects int `koanf:"tree_objects"`
}

// MetricsSection configures the metrics endpoint.
type MetricsSection struct {
	// Addr is the Prometheus listen address; empty disables it.
	Addr string `koanf:"addr"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

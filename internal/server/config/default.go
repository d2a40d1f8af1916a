package config

import "time"

// Default configuration values.
const (
	DefaultRaftAddr = "127.0.0.1:5343"
	DefaultDataDir  = "/var/lib/keepermesh-server/raft"

	DefaultQueueCapacity  = 20000
	DefaultOpTimeout      = 10 * time.Second
	DefaultMaxRequestRate = 0

	DefaultSnapshotDir       = "/var/lib/keepermesh-server/snapshots"
	DefaultSnapshotBatchSize = 1000
	DefaultSnapshotVersion   = 2
	DefaultSnapshotInterval  = 5 * time.Minute
	DefaultSnapshotRetention = 3
	DefaultTreeObjects       = 4

	DefaultMetricsAddr = "127.0.0.1:5390"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default server configuration.
func Default() *ServerConfig {
	return &ServerConfig{
		Raft: RaftSection{
			Addr:    DefaultRaftAddr,
			DataDir: DefaultDataDir,
		},
		Coordination: CoordinationSection{
			QueueCapacity:  DefaultQueueCapacity,
			OpTimeout:      DefaultOpTimeout,
			MaxRequestRate: DefaultMaxRequestRate,
		},
		Snapshot: SnapshotSection{
			Dir:         DefaultSnapshotDir,
			BatchSize:   DefaultSnapshotBatchSize,
			Version:     DefaultSnapshotVersion,
			Interval:    DefaultSnapshotInterval,
			Retention:   DefaultSnapshotRetention,
			TreeObjects: DefaultTreeObjects,
		},
		Metrics: MetricsSection{
			Addr: DefaultMetricsAddr,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

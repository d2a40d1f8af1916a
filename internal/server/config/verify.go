package config

import "fmt"

// Verify checks the configuration for inconsistencies.
func (c *ServerConfig) Verify() error {
	if c.Raft.NodeID == "" {
		return fmt.Errorf("config: raft.node_id is required")
	}
	if c.Raft.Addr == "" {
		return fmt.Errorf("config: raft.addr is required")
	}
	if c.Raft.DataDir == "" {
		return fmt.Errorf("config: raft.data_dir is required")
	}
	if c.Snapshot.Dir == "" {
		return fmt.Errorf("config: snapshot.dir is required")
	}
	if c.Coordination.QueueCapacity < 0 {
		return fmt.Errorf("config: coordination.queue_capacity must not be negative")
	}
	if c.Snapshot.Version > 3 {
		return fmt.Errorf("config: snapshot.version %d is not writable", c.Snapshot.Version)
	}
	if c.Snapshot.Version < 2 {
		return fmt.Errorf("config: snapshot.version %d is read-only", c.Snapshot.Version)
	}
	if c.Snapshot.TreeObjects <= 0 {
		return fmt.Errorf("config: snapshot.tree_objects must be positive")
	}
	return nil
}

package confloader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/yndnr/keepermesh-go/internal/server/config"
)

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
raft:
  node_id: node-7
  addr: 10.0.0.1:5343
coordination:
  queue_capacity: 500
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := config.Default()
	loader := NewLoader(WithConfigFile(path))
	if err := loader.Load(cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Raft.NodeID != "node-7" {
		t.Fatalf("NodeID = %q", cfg.Raft.NodeID)
	}
	if cfg.Raft.Addr != "10.0.0.1:5343" {
		t.Fatalf("Addr = %q", cfg.Raft.Addr)
	}
	if cfg.Coordination.QueueCapacity != 500 {
		t.Fatalf("QueueCapacity = %d", cfg.Coordination.QueueCapacity)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("Level = %q", cfg.Log.Level)
	}
	// Untouched keys keep their defaults.
	if cfg.Snapshot.BatchSize != config.DefaultSnapshotBatchSize {
		t.Fatalf("BatchSize = %d", cfg.Snapshot.BatchSize)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("KEEPERMESH_LOG_LEVEL", "error")

	cfg := config.Default()
	loader := NewLoader(WithConfigFile(path))
	if err := loader.Load(cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "error" {
		t.Fatalf("Level = %q, want env override", cfg.Log.Level)
	}
}

func TestLoadMapOverridesEnv(t *testing.T) {
	t.Setenv("KEEPERMESH_RAFT_NODE_ID", "from-env")

	cfg := config.Default()
	loader := NewLoader()
	if err := loader.LoadEnv(); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if err := loader.LoadMap(map[string]any{"raft.node_id": "from-flag"}); err != nil {
		t.Fatalf("LoadMap: %v", err)
	}
	if err := loader.Unmarshal(cfg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if cfg.Raft.NodeID != "from-flag" {
		t.Fatalf("NodeID = %q, want flag to win", cfg.Raft.NodeID)
	}
}

func TestLoadMissingFile(t *testing.T) {
	loader := NewLoader(WithConfigFile(filepath.Join(t.TempDir(), "absent.yaml")))
	if err := loader.Load(config.Default()); err == nil {
		t.Fatalf("Load of missing file succeeded, want error")
	}
}

func TestCustomEnvPrefix(t *testing.T) {
	t.Setenv("KM_LOG_FORMAT", "text")

	cfg := config.Default()
	loader := NewLoader(WithEnvPrefix("KM_"))
	if err := loader.Load(cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Format != "text" {
		t.Fatalf("Format = %q", cfg.Log.Format)
	}
}

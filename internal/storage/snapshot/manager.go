package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/yndnr/keepermesh-go/internal/storage/keeperstore"
	"github.com/yndnr/keepermesh-go/internal/telemetry/metric"
)

const (
	setPrefix = "snapshot-"

	objectSessions   = "sessions.obj"
	objectACLMap     = "aclmap.obj"
	objectStringMap  = "stringmap.obj"
	objectUintMap    = "uintmap.obj"
	objectEphemerals = "ephemerals.obj"

	metaFile = "meta.json"
)

// ErrNoSnapshots is returned by Load when no loadable set exists.
var ErrNoSnapshots = errors.New("snapshot: no snapshots available")

// Config configures the snapshot set manager.
type Config struct {
	Dir string

	// BatchSize is the element count per batch.
	BatchSize uint32
	// Version is the format version written; read support is wider.
	Version Version
	// RetentionCount is the number of sets kept by Prune.
	RetentionCount int
	// TreeObjectCount is the number of objects the znode table is
	// sharded across.
	TreeObjectCount int

	NodeID string
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		BatchSize:       DefaultBatchSize,
		Version:         CurrentVersion,
		RetentionCount:  3,
		TreeObjectCount: 4,
	}
}

// setMeta is the per-set metadata file. It records the values the
// object files cannot carry themselves: the raft position the set
// covers and the counters restored alongside the maps.
type setMeta struct {
	Version       uint8  `json:"version"`
	Term          uint64 `json:"term"`
	Index         uint64 `json:"index"`
	NextSessionID int64  `json:"next_session_id"`
	Zxid          int64  `json:"zxid"`
	CreatedAt     int64  `json:"created_at"`
	NodeID        string `json:"node_id,omitempty"`
	TreeObjects   int    `json:"tree_objects"`
	HasEphemerals bool   `json:"has_ephemerals"`
}

// Info describes one snapshot set.
type Info struct {
	ID            string
	Term          uint64
	Index         uint64
	Version       Version
	NextSessionID int64
	Zxid          int64
	CreatedAt     int64
	Path          string
	Size          int64
}

// Manager creates, loads and prunes snapshot sets. A set is one
// directory holding one object per entity category plus the tree
// shards, all sharing one version byte.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewManager creates a snapshot set manager.
func NewManager(cfg Config, logger *slog.Logger, metrics *metric.Metrics) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("snapshot: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("snapshot: create dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.RetentionCount == 0 {
		cfg.RetentionCount = 3
	}
	if cfg.TreeObjectCount <= 0 {
		cfg.TreeObjectCount = 4
	}
	if !cfg.Version.native() {
		return nil, fmt.Errorf("snapshot: version %s is read-only", cfg.Version)
	}

	return &Manager{cfg: cfg, logger: logger, metrics: metrics}, nil
}

// Create serializes the full store into a new set covering the given
// raft position. The set is staged under a temp directory and renamed
// into place, so a failed attempt leaves previous sets untouched.
func (m *Manager) Create(store *keeperstore.Store, term, index uint64) (*Info, error) {
	start := time.Now()
	info, err := m.create(store, term, index)
	if m.metrics != nil {
		m.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			m.metrics.SnapshotsTotal.WithLabelValues("error").Inc()
		} else {
			m.metrics.SnapshotsTotal.WithLabelValues("ok").Inc()
			m.metrics.SnapshotBytes.Add(float64(info.Size))
		}
	}
	return info, err
}

func (m *Manager) create(store *keeperstore.Store, term, index uint64) (*Info, error) {
	id := fmt.Sprintf("%s%d-%d", setPrefix, term, index)
	tmpDir := filepath.Join(m.cfg.Dir, ".tmp-"+ulid.Make().String())
	if err := os.MkdirAll(tmpDir, 0o750); err != nil {
		return nil, fmt.Errorf("snapshot: create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	m.logger.Info("creating snapshot set",
		"id", id,
		"sessions", store.SessionCount(),
		"nodes", store.NodeCount())

	nextSessionID, err := SerializeSessions(store, filepath.Join(tmpDir, objectSessions), m.cfg.BatchSize, m.cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("snapshot: serialize sessions: %w", err)
	}
	if err := SerializeACLMap(store, filepath.Join(tmpDir, objectACLMap), m.cfg.BatchSize, m.cfg.Version); err != nil {
		return nil, fmt.Errorf("snapshot: serialize acl map: %w", err)
	}
	if err := SerializeStringMap(store, filepath.Join(tmpDir, objectStringMap), m.cfg.BatchSize, m.cfg.Version); err != nil {
		return nil, fmt.Errorf("snapshot: serialize string map: %w", err)
	}
	if err := SerializeUintMap(store, filepath.Join(tmpDir, objectUintMap), m.cfg.BatchSize, m.cfg.Version); err != nil {
		return nil, fmt.Errorf("snapshot: serialize uint map: %w", err)
	}
	wrote, err := SerializeEphemerals(store, filepath.Join(tmpDir, objectEphemerals), m.cfg.BatchSize, m.cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("snapshot: serialize ephemerals: %w", err)
	}

	treePaths := make([]string, m.cfg.TreeObjectCount)
	for i := range treePaths {
		treePaths[i] = filepath.Join(tmpDir, treeObjectName(i))
	}
	if err := SerializeTreeObjects(store, treePaths, m.cfg.BatchSize, m.cfg.Version); err != nil {
		return nil, fmt.Errorf("snapshot: serialize tree: %w", err)
	}

	meta := setMeta{
		Version:       uint8(m.cfg.Version),
		Term:          term,
		Index:         index,
		NextSessionID: nextSessionID,
		Zxid:          store.Zxid(),
		CreatedAt:     time.Now().UnixMilli(),
		NodeID:        m.cfg.NodeID,
		TreeObjects:   m.cfg.TreeObjectCount,
		HasEphemerals: wrote != 0,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, metaFile), metaJSON, 0o644); err != nil {
		return nil, fmt.Errorf("snapshot: write meta: %w", err)
	}

	finalDir := filepath.Join(m.cfg.Dir, id)
	if err := os.RemoveAll(finalDir); err != nil {
		return nil, fmt.Errorf("snapshot: clear existing set: %w", err)
	}
	if err := os.Rename(tmpDir, finalDir); err != nil {
		return nil, fmt.Errorf("snapshot: rename set: %w", err)
	}

	info := &Info{
		ID:            id,
		Term:          term,
		Index:         index,
		Version:       m.cfg.Version,
		NextSessionID: nextSessionID,
		Zxid:          meta.Zxid,
		CreatedAt:     meta.CreatedAt,
		Path:          finalDir,
		Size:          dirSize(finalDir),
	}

	m.logger.Info("snapshot set created", "id", id, "bytes", info.Size)

	if err := m.Prune(); err != nil {
		m.logger.Warn("snapshot prune failed", "error", err)
	}
	return info, nil
}

// Load restores the newest valid set into store. A set failing an
// integrity check is skipped in favor of the next older one.
func (m *Manager) Load(store *keeperstore.Store) (*Info, error) {
	infos, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, ErrNoSnapshots
	}

	for i := len(infos) - 1; i >= 0; i-- {
		info, err := m.loadSet(store, infos[i].Path)
		if err == nil {
			return info, nil
		}
		if isIntegrityError(err) {
			m.logger.Warn("skipping corrupted snapshot set",
				"path", infos[i].Path,
				"error", err)
			continue
		}
		return nil, err
	}
	return nil, ErrNoSnapshots
}

func (m *Manager) loadSet(store *keeperstore.Store, dir string) (*Info, error) {
	metaJSON, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, fmt.Errorf("%w: missing meta: %v", ErrTruncated, err)
	}
	var meta setMeta
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, fmt.Errorf("%w: bad meta: %v", ErrCorruptedHeader, err)
	}
	if _, err := ParseVersion(meta.Version); err != nil {
		return nil, err
	}

	if err := DeserializeSessions(store, filepath.Join(dir, objectSessions)); err != nil {
		return nil, err
	}
	if err := DeserializeACLMap(store, filepath.Join(dir, objectACLMap)); err != nil {
		return nil, err
	}
	if err := DeserializeStringMap(store, filepath.Join(dir, objectStringMap)); err != nil {
		return nil, err
	}
	if err := DeserializeUintMap(store, filepath.Join(dir, objectUintMap)); err != nil {
		return nil, err
	}
	if meta.HasEphemerals {
		if err := DeserializeEphemerals(store, filepath.Join(dir, objectEphemerals)); err != nil {
			return nil, err
		}
	}
	for i := 0; i < meta.TreeObjects; i++ {
		if err := DeserializeTreeObject(store, filepath.Join(dir, treeObjectName(i))); err != nil {
			return nil, err
		}
	}
	store.RebuildTreeLinks()
	store.SetSessionIDCounter(meta.NextSessionID)
	store.SetZxid(meta.Zxid)

	m.logger.Info("snapshot set loaded",
		"path", dir,
		"sessions", store.SessionCount(),
		"nodes", store.NodeCount())

	return &Info{
		ID:            filepath.Base(dir),
		Term:          meta.Term,
		Index:         meta.Index,
		Version:       Version(meta.Version),
		NextSessionID: meta.NextSessionID,
		Zxid:          meta.Zxid,
		CreatedAt:     meta.CreatedAt,
		Path:          dir,
		Size:          dirSize(dir),
	}, nil
}

// List returns the sets on disk ordered oldest to newest.
func (m *Manager) List() ([]*Info, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot: read dir: %w", err)
	}

	var infos []*Info
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), setPrefix) {
			continue
		}
		var term, index uint64
		if _, err := fmt.Sscanf(e.Name(), setPrefix+"%d-%d", &term, &index); err != nil {
			continue
		}
		infos = append(infos, &Info{
			ID:    e.Name(),
			Term:  term,
			Index: index,
			Path:  filepath.Join(m.cfg.Dir, e.Name()),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Term != infos[j].Term {
			return infos[i].Term < infos[j].Term
		}
		return infos[i].Index < infos[j].Index
	})
	return infos, nil
}

// Prune removes all but the newest RetentionCount sets.
func (m *Manager) Prune() error {
	infos, err := m.List()
	if err != nil {
		return err
	}
	if len(infos) <= m.cfg.RetentionCount {
		return nil
	}
	for _, info := range infos[:len(infos)-m.cfg.RetentionCount] {
		if err := os.RemoveAll(info.Path); err != nil {
			return fmt.Errorf("snapshot: remove set %s: %w", info.ID, err)
		}
		m.logger.Info("pruned snapshot set", "id", info.ID)
	}
	return nil
}

func treeObjectName(i int) string {
	return fmt.Sprintf("tree-%d.obj", i)
}

func isIntegrityError(err error) bool {
	return errors.Is(err, ErrChecksumMismatch) ||
		errors.Is(err, ErrCorruptedHeader) ||
		errors.Is(err, ErrTruncated) ||
		errors.Is(err, ErrInvalidBatch) ||
		errors.Is(err, ErrUnknownVersion)
}

func dirSize(dir string) int64 {
	var size int64
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if info, err := e.Info(); err == nil {
			size += info.Size()
		}
	}
	return size
}

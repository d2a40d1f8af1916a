package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/yndnr/keepermesh-go/internal/core/domain"
	"github.com/yndnr/keepermesh-go/internal/storage/keeperstore"
)

func collectSessions(t *testing.T, s *keeperstore.Store) map[int64][]domain.AuthID {
	t.Helper()
	out := make(map[int64][]domain.AuthID)
	_, err := s.ForEachSessionLocked(func(id, timeout int64, auth []domain.AuthID) error {
		out[id] = auth
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachSessionLocked: %v", err)
	}
	return out
}

func TestSessionsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := keeperstore.New(nil)

	for i := 0; i < 7; i++ {
		id := src.CreateSession(int64(10000 + i))
		if i%2 == 0 {
			src.AddSessionAuth(id, domain.AuthID{Scheme: "digest", ID: fmt.Sprintf("user%d:pw", i)})
		}
	}

	path := filepath.Join(dir, "sessions.obj")
	next, err := SerializeSessions(src, path, 3, V2)
	if err != nil {
		t.Fatalf("SerializeSessions: %v", err)
	}
	if next != 7 {
		t.Fatalf("next session id = %d, want 7", next)
	}

	dst := keeperstore.New(nil)
	if err := DeserializeSessions(dst, path); err != nil {
		t.Fatalf("DeserializeSessions: %v", err)
	}

	if got, want := collectSessions(t, dst), collectSessions(t, src); !reflect.DeepEqual(got, want) {
		t.Fatalf("sessions = %v, want %v", got, want)
	}
	if dst.SessionCount() != 7 {
		t.Fatalf("SessionCount = %d, want 7", dst.SessionCount())
	}
}

func TestSessionsRoundTrip_Empty(t *testing.T) {
	dir := t.TempDir()
	src := keeperstore.New(nil)

	path := filepath.Join(dir, "sessions.obj")
	if _, err := SerializeSessions(src, path, 10, V2); err != nil {
		t.Fatalf("SerializeSessions: %v", err)
	}

	// Empty input still yields a well-formed object.
	r, err := OpenObject(path)
	if err != nil {
		t.Fatalf("OpenObject: %v", err)
	}
	defer r.Close()
	batches, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(batches) != 1 || batches[0].Len() != 0 {
		t.Fatalf("batches = %+v, want one empty batch", batches)
	}
}

func TestACLMapRoundTrip(t *testing.T) {
	for _, batchSize := range []uint32{1, 3, 100} {
		t.Run(fmt.Sprintf("batch=%d", batchSize), func(t *testing.T) {
			dir := t.TempDir()
			src := keeperstore.New(nil)
			var ids []uint64
			for i := 0; i < 5; i++ {
				ids = append(ids, src.InternACL([]domain.ACL{
					{Perms: domain.PermRead, Scheme: "digest", ID: fmt.Sprintf("u%d", i)},
					{Perms: domain.PermAll, Scheme: "world", ID: "anyone"},
				}))
			}

			path := filepath.Join(dir, "aclmap.obj")
			if err := SerializeACLMap(src, path, batchSize, V2); err != nil {
				t.Fatalf("SerializeACLMap: %v", err)
			}

			dst := keeperstore.New(nil)
			if err := DeserializeACLMap(dst, path); err != nil {
				t.Fatalf("DeserializeACLMap: %v", err)
			}
			if dst.ACLCount() != 5 {
				t.Fatalf("ACLCount = %d, want 5", dst.ACLCount())
			}
			for i, id := range ids {
				if got := dst.LookupACL(id); len(got) != 2 || got[0].ID != fmt.Sprintf("u%d", i) {
					t.Fatalf("LookupACL(%d) = %v", id, got)
				}
			}
		})
	}
}

func TestACLMap_BatchCount(t *testing.T) {
	dir := t.TempDir()
	src := keeperstore.New(nil)
	const entries = 5000
	for i := 0; i < entries; i++ {
		src.InternACL([]domain.ACL{{Perms: domain.PermRead, Scheme: "digest", ID: fmt.Sprintf("user-%06d", i)}})
	}

	path := filepath.Join(dir, "aclmap.obj")
	if err := SerializeACLMap(src, path, 50, V2); err != nil {
		t.Fatalf("SerializeACLMap: %v", err)
	}

	r, err := OpenObject(path)
	if err != nil {
		t.Fatalf("OpenObject: %v", err)
	}
	defer r.Close()
	batches, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(batches) != entries/50 {
		t.Fatalf("batches = %d, want %d", len(batches), entries/50)
	}
	total := 0
	for _, b := range batches {
		total += b.Len()
	}
	if total != entries {
		t.Fatalf("elements = %d, want %d", total, entries)
	}
}

func TestEphemeralsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := keeperstore.New(nil)
	src.RestoreEphemeral(100, []string{"/eph/a", "/eph/b"})
	src.RestoreEphemeral(200, []string{"/eph/c"})

	path := filepath.Join(dir, "ephemerals.obj")
	wrote, err := SerializeEphemerals(src, path, 1, V2)
	if err != nil {
		t.Fatalf("SerializeEphemerals: %v", err)
	}
	if wrote == 0 {
		t.Fatalf("wrote = 0, want nonzero")
	}

	dst := keeperstore.New(nil)
	if err := DeserializeEphemerals(dst, path); err != nil {
		t.Fatalf("DeserializeEphemerals: %v", err)
	}

	got := make(map[int64][]string)
	err = dst.ForEachEphemeralLocked(func(sessionID int64, paths []string) error {
		got[sessionID] = paths
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachEphemeralLocked: %v", err)
	}
	want := map[int64][]string{
		100: {"/eph/a", "/eph/b"},
		200: {"/eph/c"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ephemerals = %v, want %v", got, want)
	}
}

func TestEphemerals_EmptyProducesNoObject(t *testing.T) {
	dir := t.TempDir()
	src := keeperstore.New(nil)

	path := filepath.Join(dir, "ephemerals.obj")
	wrote, err := SerializeEphemerals(src, path, 10, V2)
	if err != nil {
		t.Fatalf("SerializeEphemerals: %v", err)
	}
	if wrote != 0 {
		t.Fatalf("wrote = %d, want 0", wrote)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("object file exists for empty ephemerals")
	}
}

func TestStringAndUintMapRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := keeperstore.New(nil)
	src.SetStringKV("cluster", "keepermesh")
	src.SetStringKV("mode", "standalone")
	src.SetUintKV("epoch", 7)
	src.SetUintKV("zxid", 12345)

	spath := filepath.Join(dir, "stringmap.obj")
	upath := filepath.Join(dir, "uintmap.obj")
	if err := SerializeStringMap(src, spath, 1, V2); err != nil {
		t.Fatalf("SerializeStringMap: %v", err)
	}
	if err := SerializeUintMap(src, upath, 2, V2); err != nil {
		t.Fatalf("SerializeUintMap: %v", err)
	}

	dst := keeperstore.New(nil)
	if err := DeserializeStringMap(dst, spath); err != nil {
		t.Fatalf("DeserializeStringMap: %v", err)
	}
	if err := DeserializeUintMap(dst, upath); err != nil {
		t.Fatalf("DeserializeUintMap: %v", err)
	}

	if v, _ := dst.GetStringKV("cluster"); v != "keepermesh" {
		t.Fatalf("cluster = %q", v)
	}
	if v, _ := dst.GetStringKV("mode"); v != "standalone" {
		t.Fatalf("mode = %q", v)
	}
	if v, _ := dst.GetUintKV("epoch"); v != 7 {
		t.Fatalf("epoch = %d", v)
	}
	if v, _ := dst.GetUintKV("zxid"); v != 12345 {
		t.Fatalf("zxid = %d", v)
	}
}

func TestTreeObjectsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := keeperstore.New(nil)
	sink := &nullSink{}

	paths := []string{"/app", "/app/leader", "/app/workers", "/app/workers/w1"}
	for i, p := range paths {
		src.ProcessRequest(sink, domain.RequestForSession{
			SessionID: 1,
			Request: &domain.Request{
				Op:      domain.OpCreate,
				XID:     int32(i + 1),
				Path:    p,
				Data:    []byte(p),
				Version: -1,
			},
		})
	}

	objPaths := []string{
		filepath.Join(dir, "tree-0.obj"),
		filepath.Join(dir, "tree-1.obj"),
		filepath.Join(dir, "tree-2.obj"),
	}
	if err := SerializeTreeObjects(src, objPaths, 2, V2); err != nil {
		t.Fatalf("SerializeTreeObjects: %v", err)
	}

	dst := keeperstore.New(nil)
	for _, p := range objPaths {
		if err := DeserializeTreeObject(dst, p); err != nil {
			t.Fatalf("DeserializeTreeObject(%s): %v", p, err)
		}
	}
	dst.RebuildTreeLinks()

	if dst.NodeCount() != src.NodeCount() {
		t.Fatalf("NodeCount = %d, want %d", dst.NodeCount(), src.NodeCount())
	}
	dst.ProcessRequest(sink, domain.RequestForSession{
		SessionID: 1,
		Request:   &domain.Request{Op: domain.OpGetChildren, XID: 99, Path: "/app"},
	})
	resp := sink.last()
	if resp.Err != domain.CodeOk {
		t.Fatalf("getChildren err = %v", resp.Err)
	}
	if !reflect.DeepEqual(resp.Children, []string{"leader", "workers"}) {
		t.Fatalf("children = %v", resp.Children)
	}
}

// nullSink collects responses for store-level assertions.
type nullSink struct {
	responses []domain.ResponseForSession
}

func (s *nullSink) Push(r domain.ResponseForSession) {
	s.responses = append(s.responses, r)
}

func (s *nullSink) last() *domain.Response {
	return s.responses[len(s.responses)-1].Response
}

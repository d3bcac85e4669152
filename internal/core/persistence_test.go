package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func testSnapshotStore(t *testing.T, s SnapshotStore) {
	t.Helper()
	ctx := context.Background()

	if _, found, err := s.Load(ctx, DeviceStateKey); err != nil || found {
		t.Fatalf("expected missing key, got found=%v err=%v", found, err)
	}

	if err := s.Save(ctx, DeviceStateKey, []byte(`{"v":1}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, DeviceStateKey, []byte(`{"v":2}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, found, err := s.Load(ctx, DeviceStateKey)
	if err != nil || !found {
		t.Fatalf("Load: found=%v err=%v", found, err)
	}
	if string(data) != `{"v":2}` {
		t.Errorf("expected last write to win, got %s", data)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := s.Save(cancelled, SOARStateKey, []byte("x")); err == nil {
		t.Error("expected Save to honor a cancelled context")
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	testSnapshotStore(t, s)
	if s.Saves() != 2 {
		t.Errorf("expected 2 saves, got %d", s.Saves())
	}

	blob := []byte("abc")
	_ = s.Save(context.Background(), "k", blob)
	blob[0] = 'z'
	got, _, _ := s.Load(context.Background(), "k")
	if string(got) != "abc" {
		t.Error("MemoryStore must copy saved blobs")
	}
}

func TestFileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snapshots")
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	testSnapshotStore(t, s)

	if _, err := os.Stat(filepath.Join(dir, DeviceStateKey+".json")); err != nil {
		t.Errorf("expected snapshot file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, DeviceStateKey+".json.tmp")); !os.IsNotExist(err) {
		t.Error("temp file should be renamed away")
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, found, _ := reopened.Load(context.Background(), DeviceStateKey); !found {
		t.Error("expected snapshot to survive reopening")
	}
}

func TestFileStore_RejectsUnsafeKeys(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"../escape", "a/b", "", "sp ace"} {
		if err := s.Save(context.Background(), key, []byte("x")); err == nil {
			t.Errorf("expected error for key %q", key)
		}
	}
}

func TestFileStore_EndToEndRestore(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	devices := newTestDeviceStore(t, s, nil, newManualClock())
	if _, err := devices.PerformDeviceAction(ctx, responder, "WS-002", ActionQuarantineFile, map[string]string{"path": "/tmp/dropper"}); err != nil {
		t.Fatal(err)
	}

	restored := newTestDeviceStore(t, s, nil, newManualClock())
	if err := restored.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	st, ok := restored.State("WS-002")
	if !ok || len(st.QuarantinedFiles) != 1 || st.QuarantinedFiles[0].Path != "/tmp/dropper" {
		t.Errorf("unexpected restored state %+v", st)
	}
}

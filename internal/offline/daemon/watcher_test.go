package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/digilib/digisync/internal/offline/pagecache"
)

func waitForEvent(t *testing.T, bw *BlobWatcher, op EventOp) BlobEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-bw.Events():
			if !ok {
				t.Fatal("events channel closed")
			}
			if ev.Op == op {
				return ev
			}
		case err := <-bw.Errors():
			t.Fatalf("watcher error: %v", err)
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", op)
		}
	}
}

func writeBlobFile(t *testing.T, root string, data []byte) (string, string) {
	t.Helper()
	hash := pagecache.HashOf(data)
	dir := filepath.Join(root, hash[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create fan-out dir: %v", err)
	}
	path := filepath.Join(dir, hash+pagecache.BlobExt)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write blob: %v", err)
	}
	return path, hash
}

func startWatcher(t *testing.T, root string) *BlobWatcher {
	t.Helper()
	bw, err := NewBlobWatcher()
	if err != nil {
		t.Fatalf("NewBlobWatcher() failed: %v", err)
	}
	if err := bw.Start(root); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { _ = bw.Stop() })
	return bw
}

func TestBlobWatcher_StartStop(t *testing.T) {
	bw, err := NewBlobWatcher()
	if err != nil {
		t.Fatalf("NewBlobWatcher() failed: %v", err)
	}

	if err := bw.Start(t.TempDir()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !bw.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	if err := bw.Start(t.TempDir()); err == nil {
		t.Error("second Start() succeeded, want already running error")
	}

	if err := bw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if bw.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if err := bw.Stop(); err != nil {
		t.Fatalf("second Stop() failed: %v", err)
	}

	if _, ok := <-bw.Events(); ok {
		t.Error("events channel open after stop")
	}
}

func TestBlobWatcher_NonexistentDirectory(t *testing.T) {
	bw, err := NewBlobWatcher()
	if err != nil {
		t.Fatalf("NewBlobWatcher() failed: %v", err)
	}
	defer bw.Stop()

	if err := bw.Start(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Start() on a missing directory succeeded")
	}
	if bw.IsRunning() {
		t.Error("IsRunning() = true after failed Start")
	}
}

func TestBlobWatcher_NewFanOutDirectory(t *testing.T) {
	root := t.TempDir()
	bw := startWatcher(t, root)

	data := []byte("page image")
	hash := pagecache.HashOf(data)
	if err := os.MkdirAll(filepath.Join(root, hash[:2]), 0o755); err != nil {
		t.Fatalf("failed to create fan-out dir: %v", err)
	}
	// Give the watcher a moment to add the new directory.
	time.Sleep(50 * time.Millisecond)

	path := filepath.Join(root, hash[:2], hash+pagecache.BlobExt)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write blob: %v", err)
	}

	ev := waitForEvent(t, bw, OpCreate)
	if ev.Hash != hash || ev.Path != path {
		t.Errorf("event = %+v, want hash %s at %s", ev, hash, path)
	}
}

func TestBlobWatcher_Delete(t *testing.T) {
	root := t.TempDir()
	path, hash := writeBlobFile(t, root, []byte("existing blob"))
	bw := startWatcher(t, root)

	if err := os.Remove(path); err != nil {
		t.Fatalf("failed to remove blob: %v", err)
	}

	if ev := waitForEvent(t, bw, OpDelete); ev.Hash != hash {
		t.Errorf("event hash = %s, want %s", ev.Hash, hash)
	}
}

func TestBlobWatcher_IgnoresOtherFiles(t *testing.T) {
	root := t.TempDir()
	bw := startWatcher(t, root)

	for _, name := range []string{"notes.txt", "short.bin", ".digisync-tmp-123"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}

	select {
	case ev := <-bw.Events():
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEventOp_String(t *testing.T) {
	tests := []struct {
		op   EventOp
		want string
	}{
		{OpCreate, "create"},
		{OpModify, "modify"},
		{OpDelete, "delete"},
		{EventOp(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("EventOp(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}

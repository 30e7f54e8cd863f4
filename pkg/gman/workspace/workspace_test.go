package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "scratch"), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestWorkspace_CloseRemovesEverything(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	ws, err := m.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !m.IsActive(ws.Dir) {
		t.Fatal("new workspace should be active")
	}

	p, err := ws.Path("in.mp4")
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if err := os.WriteFile(p, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ws.Track(p); err != nil {
		t.Fatal(err)
	}

	if err := ws.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(ws.Dir); !os.IsNotExist(err) {
		t.Errorf("workspace dir still exists: %v", err)
	}
	if m.IsActive(ws.Dir) {
		t.Error("closed workspace still active")
	}

	// Second close is a no-op.
	if err := ws.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := ws.Track(p); err != ErrClosed {
		t.Errorf("Track after Close = %v, want ErrClosed", err)
	}
}

func TestWorkspace_Path(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ws, err := m.Create()
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	tests := []struct {
		name    string
		wantErr bool
	}{
		{"out.mp4", false},
		{"sub/out.mp4", false},
		{"", true},
		{"../out.mp4", true},
		{"/etc/passwd", true},
		{"a/../../b", true},
	}
	for _, tt := range tests {
		_, err := ws.Path(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("Path(%q) err = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestWorkspace_UniquePath(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ws, err := m.Create()
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	first, err := ws.UniquePath("a.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(first) != "a.mp4" {
		t.Errorf("first = %q", first)
	}
	if err := os.WriteFile(first, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	second, err := ws.UniquePath("a.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(second) != "a-1.mp4" {
		t.Errorf("second = %q, want a-1.mp4", second)
	}
}

func TestManager_Sweep(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	live, err := m.Create()
	if err != nil {
		t.Fatal(err)
	}
	defer live.Close()

	orphan := filepath.Join(m.Root(), DirPrefix+"orphan")
	if err := os.Mkdir(orphan, 0o755); err != nil {
		t.Fatal(err)
	}
	unrelated := filepath.Join(m.Root(), "keep-me")
	if err := os.Mkdir(unrelated, 0o755); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	for _, d := range []string{orphan, unrelated, live.Dir} {
		if err := os.Chtimes(d, old, old); err != nil {
			t.Fatal(err)
		}
	}

	n, err := m.Sweep(time.Hour)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("removed = %d, want 1", n)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphan not removed")
	}
	if _, err := os.Stat(live.Dir); err != nil {
		t.Error("active workspace was removed")
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Error("unrelated dir was removed")
	}
}

package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_Migrates(t *testing.T) {
	s := openTestStore(t)

	v, err := s.Version()
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v != schemaVersion {
		t.Errorf("version = %d, want %d", v, schemaVersion)
	}
	if err := s.migrate(); err != nil {
		t.Errorf("second migrate: %v", err)
	}
}

func TestStore_RecordAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	entries := []*Entry{
		{ID: "a", Tool: "ffmpeg", Caller: "alice", IssuedAt: base, FinishedAt: base.Add(time.Second), Stage: "delivering", Outcome: "ok", Duration: 1500 * time.Millisecond},
		{ID: "b", Tool: "magick", Caller: "bob", IssuedAt: base.Add(time.Minute), FinishedAt: base.Add(time.Minute), Stage: "executing", Outcome: "execution", ExitCode: 1, Error: "exit 1"},
		{ID: "c", Tool: "ffmpeg", Caller: "alice", IssuedAt: base.Add(2 * time.Minute), FinishedAt: base.Add(2 * time.Minute), Stage: "fetching", Outcome: "fetch"},
	}
	for _, e := range entries {
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("Record(%s): %v", e.ID, err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all newest first", Filter{}, []string{"c", "b", "a"}},
		{"by caller", Filter{Caller: "alice"}, []string{"c", "a"}},
		{"by tool", Filter{Tool: "magick"}, []string{"b"}},
		{"by outcome", Filter{Outcome: "ok"}, []string{"a"}},
		{"since", Filter{Since: base.Add(30 * time.Second)}, []string{"c", "b"}},
		{"limit", Filter{Limit: 1}, []string{"c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d entries, want %d", len(got), len(tt.want))
			}
			for i, e := range got {
				if e.ID != tt.want[i] {
					t.Errorf("entry %d = %s, want %s", i, e.ID, tt.want[i])
				}
			}
		})
	}

	got, err := s.List(ctx, Filter{Outcome: "ok"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got[0].Duration != 1500*time.Millisecond || !got[0].IssuedAt.Equal(base) {
		t.Errorf("round trip = %+v", got[0])
	}
}

func TestStore_StatsAndPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, e := range []*Entry{
		{ID: "old", Tool: "ffmpeg", IssuedAt: now.Add(-48 * time.Hour), FinishedAt: now, Stage: "delivering", Outcome: "ok"},
		{ID: "new", Tool: "ffmpeg", IssuedAt: now, FinishedAt: now, Stage: "delivering", Outcome: "ok"},
		{ID: "bad", Tool: "ffmpeg", IssuedAt: now, FinishedAt: now, Stage: "fetching", Outcome: "fetch"},
	} {
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats["ok"] != 2 || stats["fetch"] != 1 {
		t.Errorf("stats = %v", stats)
	}

	n, err := s.PruneBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
}

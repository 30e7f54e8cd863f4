package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jholhewres/gman/pkg/gman/workspace"
)

func TestScheduler_AddValidates(t *testing.T) {
	s := New(0, nil)
	noop := func(context.Context) error { return nil }

	tests := []struct {
		name string
		job  Job
	}{
		{"no name", Job{Schedule: "@hourly", Run: noop}},
		{"no func", Job{Name: "x", Schedule: "@hourly"}},
		{"bad schedule", Job{Name: "x", Schedule: "every tuesday", Run: noop}},
		{"seconds field", Job{Name: "x", Schedule: "*/5 * * * * *", Run: noop}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Add(tt.job); err == nil {
				t.Error("expected error")
			}
		})
	}

	if err := s.Add(Job{Name: "ok", Schedule: "0 3 * * *", Run: noop}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(Job{Name: "ok", Schedule: "@hourly", Run: noop}); err == nil {
		t.Error("duplicate name accepted")
	}
}

func TestScheduler_RunNowRecordsStatus(t *testing.T) {
	s := New(0, nil)
	fail := errors.New("disk full")
	calls := 0
	if err := s.Add(Job{Name: "j", Schedule: "@hourly", Run: func(context.Context) error {
		calls++
		if calls == 2 {
			return fail
		}
		return nil
	}}); err != nil {
		t.Fatal(err)
	}

	if err := s.RunNow("j"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := s.RunNow("j"); !errors.Is(err, fail) {
		t.Fatalf("second run = %v", err)
	}
	st := s.Statuses()
	if len(st) != 1 || st[0].Runs != 2 || st[0].LastError != "disk full" {
		t.Errorf("status = %+v", st)
	}
	if err := s.RunNow("missing"); err == nil {
		t.Error("unknown job ran")
	}
}

func TestScheduler_RecoversPanics(t *testing.T) {
	s := New(0, nil)
	if err := s.Add(Job{Name: "p", Schedule: "@hourly", Run: func(context.Context) error { panic("boom") }}); err != nil {
		t.Fatal(err)
	}
	err := s.RunNow("p")
	if err == nil || err.Error() != "panic: boom" {
		t.Errorf("err = %v", err)
	}
}

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	s := New(0, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32
	if err := s.Add(Job{Name: "slow", Schedule: "@hourly", Run: func(context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	}}); err != nil {
		t.Fatal(err)
	}

	done := make(chan error)
	go func() { done <- s.RunNow("slow") }()
	<-started
	if err := s.RunNow("slow"); err != nil {
		t.Errorf("overlapping run: %v", err)
	}
	close(release)
	<-done
	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
}

func TestScheduler_Fires(t *testing.T) {
	s := New(0, nil)
	fired := make(chan struct{}, 1)
	if err := s.Add(Job{Name: "tick", Schedule: "@every 1s", Run: func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}}); err != nil {
		t.Fatal(err)
	}
	s.Start()
	defer s.Stop()

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("job never fired")
	}
}

type countingPruner struct{ calls int }

func (c *countingPruner) Prune(context.Context) (int64, error) {
	c.calls++
	return 3, nil
}

func TestMaintenance_SweepsOrphans(t *testing.T) {
	root := t.TempDir()
	mgr, err := workspace.NewManager(root, nil)
	if err != nil {
		t.Fatal(err)
	}

	orphan := filepath.Join(root, workspace.DirPrefix+"orphan")
	if err := os.Mkdir(orphan, 0o755); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(orphan, old, old); err != nil {
		t.Fatal(err)
	}
	active, err := mgr.Create()
	if err != nil {
		t.Fatal(err)
	}
	defer active.Close()
	if err := os.Chtimes(active.Dir, old, old); err != nil {
		t.Fatal(err)
	}

	s := New(0, nil)
	pruner := &countingPruner{}
	if err := Maintenance(s, DefaultConfig(), mgr, pruner, nil); err != nil {
		t.Fatalf("Maintenance: %v", err)
	}
	if err := s.RunNow(JobSweep); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphan survived the sweep")
	}
	if _, err := os.Stat(active.Dir); err != nil {
		t.Errorf("active workspace was swept: %v", err)
	}

	if err := s.RunNow(JobPruneAudit); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruner.calls != 1 {
		t.Errorf("pruner calls = %d", pruner.calls)
	}
	if len(s.Statuses()) != 2 {
		t.Errorf("statuses = %+v", s.Statuses())
	}
}

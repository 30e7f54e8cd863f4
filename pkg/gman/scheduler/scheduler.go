// Package scheduler runs periodic maintenance jobs: sweeping scratch
// directories orphaned by crashed processes, pruning the audit log and
// idle rate-limit buckets.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one periodic task.
type Job struct {
	// Name identifies the job.
	Name string

	// Schedule is a cron expression or descriptor such as "@every 10m".
	Schedule string

	// Run does the work. It receives a context bounded by the job timeout.
	Run func(ctx context.Context) error
}

// Status describes a job's last run.
type Status struct {
	Name      string
	Schedule  string
	LastRunAt time.Time
	LastError string
	Runs      int
	Next      time.Time
}

type entry struct {
	job     Job
	id      cron.EntryID
	running bool
	status  Status
}

// Scheduler runs jobs on their schedules.
type Scheduler struct {
	cron       *cron.Cron
	parser     cron.Parser
	jobTimeout time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a Scheduler. jobTimeout bounds a single run; 0 means five
// minutes.
func New(jobTimeout time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Scheduler{
		cron:       cron.New(cron.WithParser(parser)),
		parser:     parser,
		jobTimeout: jobTimeout,
		logger:     logger.With("component", "scheduler"),
		entries:    make(map[string]*entry),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Add registers a job.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %q has no function", job.Name)
	}
	if _, err := s.parser.Parse(job.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", job.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[job.Name]; exists {
		return fmt.Errorf("job %q already exists", job.Name)
	}

	e := &entry{job: job, status: Status{Name: job.Name, Schedule: job.Schedule}}
	id, err := s.cron.AddFunc(job.Schedule, func() { s.execute(e) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", job.Schedule, err)
	}
	e.id = id
	s.entries[job.Name] = e

	s.logger.Info("job added", "name", job.Name, "schedule", job.Schedule)
	return nil
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop stops the scheduler and waits up to ten seconds for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
	s.cancel()
	s.logger.Info("scheduler stopped")
}

// RunNow runs the named job synchronously.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	return s.execute(e)
}

// Statuses returns the state of every job, sorted by name.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		st := e.status
		st.Next = s.cron.Entry(e.id).Next
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// execute runs a job unless a previous run is still going.
func (s *Scheduler) execute(e *entry) (err error) {
	s.mu.Lock()
	if e.running {
		s.mu.Unlock()
		s.logger.Debug("skipping job, previous run still active", "name", e.job.Name)
		return nil
	}
	e.running = true
	s.mu.Unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.logger.Error("scheduled job panicked", "name", e.job.Name, "panic", r)
		}
		s.mu.Lock()
		e.running = false
		e.status.LastRunAt = start
		e.status.Runs++
		e.status.LastError = ""
		if err != nil {
			e.status.LastError = err.Error()
		}
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.jobTimeout)
	defer cancel()

	if err = e.job.Run(ctx); err != nil {
		s.logger.Warn("scheduled job failed", "name", e.job.Name, "error", err, "duration", time.Since(start))
		return err
	}
	s.logger.Debug("scheduled job finished", "name", e.job.Name, "duration", time.Since(start))
	return nil
}

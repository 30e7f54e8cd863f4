package scheduler

import (
	"context"
	"time"

	"github.com/jholhewres/gman/pkg/gman/workspace"
)

// Config holds the maintenance schedules.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// SweepSchedule is when orphaned scratch directories are removed.
	SweepSchedule string `yaml:"sweep_schedule"`

	// SweepMaxAge is how old an inactive directory must be to be swept.
	SweepMaxAge time.Duration `yaml:"sweep_max_age"`

	// PruneSchedule is when the audit log and idle rate-limit buckets are
	// pruned.
	PruneSchedule string `yaml:"prune_schedule"`

	// LimiterIdle is how long a caller's bucket survives without use.
	LimiterIdle time.Duration `yaml:"limiter_idle"`
}

// DefaultConfig returns the default maintenance schedules.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		SweepSchedule: "@every 10m",
		SweepMaxAge:   time.Hour,
		PruneSchedule: "@hourly",
		LimiterIdle:   30 * time.Minute,
	}
}

// Sweeper removes stale scratch directories. Satisfied by
// *workspace.Manager.
type Sweeper interface {
	Sweep(maxAge time.Duration) (int, error)
}

// AuditPruner deletes expired audit entries. Satisfied by *audit.Store.
type AuditPruner interface {
	Prune(ctx context.Context) (int64, error)
}

// LimiterPruner drops idle rate-limit buckets. Satisfied by
// *pipeline.CallerLimiter.
type LimiterPruner interface {
	Prune(maxIdle time.Duration) int
}

// Job names registered by Maintenance.
const (
	JobSweep      = "sweep-workspaces"
	JobPruneAudit = "prune-audit"
	JobPruneRate  = "prune-rate-limits"
)

// SweepJob removes scratch directories older than maxAge.
func SweepJob(schedule string, sw Sweeper, maxAge time.Duration) Job {
	return Job{
		Name:     JobSweep,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			_, err := sw.Sweep(maxAge)
			return err
		},
	}
}

// Maintenance registers the maintenance jobs on s. Nil collaborators are
// skipped.
func Maintenance(s *Scheduler, cfg Config, sw Sweeper, auditLog AuditPruner, limiter LimiterPruner) error {
	if sw != nil {
		if err := s.Add(SweepJob(cfg.SweepSchedule, sw, cfg.SweepMaxAge)); err != nil {
			return err
		}
	}
	if auditLog != nil {
		err := s.Add(Job{
			Name:     JobPruneAudit,
			Schedule: cfg.PruneSchedule,
			Run: func(ctx context.Context) error {
				n, err := auditLog.Prune(ctx)
				if n > 0 {
					s.logger.Info("audit log pruned", "entries", n)
				}
				return err
			},
		})
		if err != nil {
			return err
		}
	}
	if limiter != nil {
		return s.Add(Job{
			Name:     JobPruneRate,
			Schedule: cfg.PruneSchedule,
			Run: func(context.Context) error {
				limiter.Prune(cfg.LimiterIdle)
				return nil
			},
		})
	}
	return nil
}

var _ Sweeper = (*workspace.Manager)(nil)

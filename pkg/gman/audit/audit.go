// Package audit keeps a SQLite log of every invocation handled by the
// pipeline.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds the audit store settings.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	JournalMode string `yaml:"journal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// Retention deletes entries older than this on Prune. 0 keeps all.
	Retention time.Duration `yaml:"retention"`
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Path:        "./data/gman.db",
		JournalMode: "WAL",
		BusyTimeout: 5000,
		Retention:   30 * 24 * time.Hour,
	}
}

// Entry is one finished invocation.
type Entry struct {
	ID         string
	Tool       string
	Caller     string
	Args       string
	IssuedAt   time.Time
	FinishedAt time.Time
	Stage      string
	Outcome    string
	ExitCode   int
	Duration   time.Duration
	Error      string
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Caller  string
	Tool    string
	Outcome string
	Since   time.Time
	Limit   int
}

// Store is the SQLite-backed invocation log.
type Store struct {
	db  *sql.DB
	cfg Config
}

// schemaVersion is the version written by migrate.
const schemaVersion = 1

// Open opens or creates the database and applies the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5000
	}

	if cfg.Path != ":memory:" {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d", cfg.Path, cfg.JournalMode, cfg.BusyTimeout)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}
	if cfg.Path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, cfg: cfg}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Version returns the applied schema version.
func (s *Store) Version() (int, error) {
	var v int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := s.Version()
	if err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := s.db.Exec("INSERT OR IGNORE INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS invocations (
	id          TEXT PRIMARY KEY,
	tool        TEXT NOT NULL,
	caller      TEXT NOT NULL DEFAULT '',
	args        TEXT NOT NULL DEFAULT '',
	issued_at   DATETIME NOT NULL,
	finished_at DATETIME NOT NULL,
	stage       TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	exit_code   INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_invocations_caller ON invocations(caller, issued_at);
CREATE INDEX IF NOT EXISTS idx_invocations_issued ON invocations(issued_at);
`

// Record stores one entry.
func (s *Store) Record(ctx context.Context, e *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invocations
			(id, tool, caller, args, issued_at, finished_at, stage, outcome, exit_code, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Tool, e.Caller, e.Args,
		e.IssuedAt.UTC(), e.FinishedAt.UTC(),
		e.Stage, e.Outcome, e.ExitCode, e.Duration.Milliseconds(), e.Error,
	)
	if err != nil {
		return fmt.Errorf("record invocation %s: %w", e.ID, err)
	}
	return nil
}

// List returns entries matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Caller != "" {
		where = append(where, "caller = ?")
		args = append(args, f.Caller)
	}
	if f.Tool != "" {
		where = append(where, "tool = ?")
		args = append(args, f.Tool)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, f.Outcome)
	}
	if !f.Since.IsZero() {
		where = append(where, "issued_at >= ?")
		args = append(args, f.Since.UTC())
	}

	query := `SELECT id, tool, caller, args, issued_at, finished_at, stage, outcome, exit_code, duration_ms, error FROM invocations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY issued_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var (
			e  Entry
			ms int64
		)
		if err := rows.Scan(&e.ID, &e.Tool, &e.Caller, &e.Args, &e.IssuedAt, &e.FinishedAt,
			&e.Stage, &e.Outcome, &e.ExitCode, &ms, &e.Error); err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Stats counts entries per outcome.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM invocations GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("invocation stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		stats[outcome] = n
	}
	return stats, rows.Err()
}

// Prune deletes entries issued before now minus the retention period and
// returns how many were removed.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	if s.cfg.Retention <= 0 {
		return 0, nil
	}
	return s.PruneBefore(ctx, time.Now().Add(-s.cfg.Retention))
}

// PruneBefore deletes entries issued before cutoff.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM invocations WHERE issued_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune invocations: %w", err)
	}
	return res.RowsAffected()
}

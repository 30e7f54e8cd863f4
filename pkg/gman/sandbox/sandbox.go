// Package sandbox runs media tools as child processes.
//
// Every run gets:
//   - its own process group, killed as a whole on timeout or cancellation
//   - concurrent draining of stdout and stderr for the whole process lifetime
//   - best-effort UTF-8 decoding of both streams
//   - a minimal inherited environment and a binary allowlist
//   - a global cap on concurrently running children
package sandbox

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the executor configuration.
type Config struct {
	// Timeout is the default wall-clock budget of one child process.
	Timeout time.Duration `yaml:"timeout"`

	// KillGrace bounds how long pipes may stay open after the process
	// group was killed.
	KillGrace time.Duration `yaml:"kill_grace"`

	// MaxOutputBytes caps how much of each stream is kept. The rest is
	// drained and discarded. 0 keeps everything.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`

	// MaxConcurrent caps simultaneously running children. 0 means no cap.
	MaxConcurrent int `yaml:"max_concurrent"`

	// AllowedBins lists executable base names that may be run.
	AllowedBins []string `yaml:"allowed_bins"`

	// BlockedEnv lists variables stripped from the request environment.
	BlockedEnv []string `yaml:"blocked_env"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:        5 * time.Minute,
		KillGrace:      2 * time.Second,
		MaxOutputBytes: 4 * 1024 * 1024,
		MaxConcurrent:  4,
		AllowedBins:    []string{"ffmpeg", "magick", "convert", "identify"},
		BlockedEnv:     defaultBlockedEnv(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent must not be negative")
	}
	if len(c.AllowedBins) == 0 {
		return fmt.Errorf("allowed_bins must list at least one binary")
	}
	return nil
}

// Request describes one child process.
type Request struct {
	// Argv is the binary followed by its arguments. No shell is involved.
	Argv []string

	// Dir is the working directory of the child.
	Dir string

	// Env are extra environment variables, filtered by policy.
	Env map[string]string

	// Timeout overrides Config.Timeout when positive.
	Timeout time.Duration
}

// Outcome is the result of a child process run.
type Outcome struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration

	// Killed is set when the process group was killed.
	Killed     bool
	KillReason string
}

var (
	// ErrExecutionTimeout is returned when a child exceeds its budget.
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrBinaryNotAllowed is returned for binaries outside AllowedBins.
	ErrBinaryNotAllowed = errors.New("binary not allowed")

	// ErrEmptyCommand is returned when Argv is empty.
	ErrEmptyCommand = errors.New("empty command")
)

// defaultBlockedEnv returns environment variables that are always
// stripped from the request environment.
func defaultBlockedEnv() []string {
	return []string{
		"LD_PRELOAD",
		"LD_LIBRARY_PATH",
		"DYLD_INSERT_LIBRARIES",
		"DYLD_LIBRARY_PATH",
		"BASH_ENV",
		"ENV",
		"PATH",
		"FFREPORT",
		"MAGICK_CONFIGURE_PATH",
		"MAGICK_CODER_MODULE_PATH",
		"MAGICK_CODER_FILTER_PATH",
	}
}

// inheritedEnv lists the variables a child receives from this process.
// Everything else, secrets included, stays behind.
var inheritedEnv = []string{
	"PATH",
	"HOME",
	"TMPDIR",
	"TMP",
	"TEMP",
	"LANG",
	"TZ",
	"FONTCONFIG_FILE",
	"FONTCONFIG_PATH",
	"SYSTEMROOT",
	"WINDIR",
	"PATHEXT",
}

func inheritsEnv(name string) bool {
	upper := strings.ToUpper(name)
	if strings.HasPrefix(upper, "LC_") {
		return true
	}
	for _, n := range inheritedEnv {
		if upper == n {
			return true
		}
	}
	return false
}

// blockedEnvPrefixes catch families of loader variables.
var blockedEnvPrefixes = []string{
	"LD_",
	"DYLD_",
}

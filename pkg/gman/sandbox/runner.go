package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"al.essio.dev/pkg/shellescape"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Runner executes child processes.
type Runner struct {
	cfg    Config
	policy *Policy
	sem    *semaphore.Weighted
	logger *slog.Logger

	running atomic.Int64
}

// NewRunner creates a Runner from config.
func NewRunner(cfg Config, logger *slog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sandbox config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		cfg:    cfg,
		policy: NewPolicy(cfg),
		logger: logger.With("component", "sandbox"),
	}
	if cfg.MaxConcurrent > 0 {
		r.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return r, nil
}

// Running returns the number of children currently alive.
func (r *Runner) Running() int { return int(r.running.Load()) }

// Execute runs req.Argv and returns its outcome. A non-zero exit is not an
// error; timeouts return ErrExecutionTimeout and cancellation returns the
// context's error, both alongside the partial outcome.
func (r *Runner) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	if len(req.Argv) == 0 || req.Argv[0] == "" {
		return nil, ErrEmptyCommand
	}
	if !r.policy.IsBinAllowed(req.Argv[0]) {
		return nil, fmt.Errorf("%w: %s", ErrBinaryNotAllowed, req.Argv[0])
	}

	if r.sem != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer r.sem.Release(1)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, req.Argv[0], req.Argv[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = r.buildEnv(req.Env)
	cmd.WaitDelay = r.cfg.KillGrace
	isolateProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	r.logger.Info("sandbox: executing",
		"command", shellescape.QuoteCommand(req.Argv),
		"dir", req.Dir,
		"timeout", timeout,
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", req.Argv[0], err)
	}
	r.running.Add(1)
	defer r.running.Add(-1)

	outBuf := newCaptureBuffer(r.cfg.MaxOutputBytes)
	errBuf := newCaptureBuffer(r.cfg.MaxOutputBytes)

	// Both streams are drained concurrently until they close; Wait is only
	// called once both readers are done.
	var g errgroup.Group
	g.Go(func() error { return drain(outBuf, stdout) })
	g.Go(func() error { return drain(errBuf, stderr) })

	drained := make(chan struct{})
	go r.forceCloseAfterKill(execCtx, drained, stdout, stderr)
	drainErr := g.Wait()
	close(drained)

	waitErr := cmd.Wait()
	outcome := &Outcome{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		Duration: time.Since(start),
	}

	switch {
	case ctx.Err() != nil:
		outcome.Killed, outcome.KillReason = true, "canceled"
		r.logger.Warn("sandbox: canceled", "binary", req.Argv[0], "duration", outcome.Duration)
		return outcome, ctx.Err()
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		outcome.Killed, outcome.KillReason = true, "timeout"
		r.logger.Warn("sandbox: timed out", "binary", req.Argv[0], "timeout", timeout)
		return outcome, fmt.Errorf("%w after %s", ErrExecutionTimeout, timeout)
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return outcome, fmt.Errorf("waiting for %s: %w", req.Argv[0], waitErr)
	}
	if drainErr != nil {
		return outcome, fmt.Errorf("reading output of %s: %w", req.Argv[0], drainErr)
	}

	r.logger.Info("sandbox: finished",
		"binary", req.Argv[0],
		"exit_code", outcome.ExitCode,
		"duration", outcome.Duration,
	)
	return outcome, nil
}

// forceCloseAfterKill closes the read ends if a killed process group left
// a pipe open for longer than the kill grace period.
func (r *Runner) forceCloseAfterKill(ctx context.Context, drained <-chan struct{}, pipes ...io.Closer) {
	select {
	case <-drained:
		return
	case <-ctx.Done():
	}
	grace := r.cfg.KillGrace
	if grace <= 0 {
		grace = time.Second
	}
	select {
	case <-drained:
	case <-time.After(grace):
		for _, p := range pipes {
			p.Close()
		}
	}
}

// buildEnv creates a minimal environment for the child: the inherited
// variables the tools need to run, then the filtered request variables.
func (r *Runner) buildEnv(extra map[string]string) []string {
	var env []string
	for _, kv := range os.Environ() {
		if name, _, ok := strings.Cut(kv, "="); ok && inheritsEnv(name) {
			env = append(env, kv)
		}
	}
	for k, v := range r.policy.FilterEnv(extra) {
		env = append(env, k+"="+v)
	}
	return env
}

// drain copies a stream into buf, replacing invalid UTF-8 sequences.
func drain(buf *captureBuffer, pipe io.Reader) error {
	_, err := io.Copy(buf, transform.NewReader(pipe, unicode.UTF8.NewDecoder()))
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

// captureBuffer keeps the first limit bytes written to it and counts the
// rest. Writes never fail so the producer is never blocked.
type captureBuffer struct {
	b       strings.Builder
	limit   int64
	dropped int64
}

func newCaptureBuffer(limit int64) *captureBuffer {
	return &captureBuffer{limit: limit}
}

func (c *captureBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if c.limit > 0 {
		room := c.limit - int64(c.b.Len())
		if room <= 0 {
			c.dropped += int64(n)
			return n, nil
		}
		if int64(len(p)) > room {
			c.dropped += int64(len(p)) - room
			p = p[:room]
		}
	}
	c.b.Write(p)
	return n, nil
}

func (c *captureBuffer) String() string {
	if c.dropped > 0 {
		return c.b.String() + fmt.Sprintf("\n... [%d bytes truncated]", c.dropped)
	}
	return c.b.String()
}

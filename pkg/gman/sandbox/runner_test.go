//go:build !windows

package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestRunner(t *testing.T, mod func(*Config)) *Runner {
	t.Helper()
	cfg := DefaultConfig()
	cfg.AllowedBins = []string{"sh"}
	cfg.Timeout = 20 * time.Second
	if mod != nil {
		mod(&cfg)
	}
	r, err := NewRunner(cfg, nil)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

func sh(script string) *Request {
	return &Request{Argv: []string{"/bin/sh", "-c", script}}
}

func TestRunner_CapturesBothStreams(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, nil)

	out, err := r.Execute(context.Background(), sh(`echo hello; echo oops >&2`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.ExitCode != 0 {
		t.Errorf("exit = %d", out.ExitCode)
	}
	if out.Stdout != "hello\n" || out.Stderr != "oops\n" {
		t.Errorf("stdout = %q, stderr = %q", out.Stdout, out.Stderr)
	}
	if out.Duration <= 0 {
		t.Error("duration not recorded")
	}
}

func TestRunner_NonZeroExitIsNotAnError(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, nil)

	out, err := r.Execute(context.Background(), sh(`echo "Invalid argument" >&2; exit 3`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.ExitCode != 3 {
		t.Errorf("exit = %d, want 3", out.ExitCode)
	}
	if !strings.Contains(out.Stderr, "Invalid argument") {
		t.Errorf("stderr = %q", out.Stderr)
	}
}

// flood writes roughly 200KB, well past a 64KB pipe buffer, to fd.
func flood(fd string) string {
	return `i=0; while [ $i -lt 3000 ]; do echo "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx" >&` + fd + `; i=$((i+1)); done`
}

func TestRunner_NoPipeDeadlock(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, func(c *Config) { c.Timeout = 30 * time.Second })

	tests := []struct {
		name   string
		script string
	}{
		{"stderr before stdout", flood("2") + `; echo done`},
		{"stdout before stderr", flood("1") + `; echo done >&2`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := r.Execute(context.Background(), sh(tt.script))
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			total := len(out.Stdout) + len(out.Stderr)
			if total < 3000*65 {
				t.Errorf("captured %d bytes, want at least %d", total, 3000*65)
			}
			if !strings.Contains(out.Stdout+out.Stderr, "done") {
				t.Error("process did not run to completion")
			}
		})
	}
}

func TestRunner_Timeout(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, nil)

	req := sh(`sleep 30 & sleep 30; wait`)
	req.Timeout = 200 * time.Millisecond

	start := time.Now()
	out, err := r.Execute(context.Background(), req)
	if !errors.Is(err, ErrExecutionTimeout) {
		t.Fatalf("err = %v, want ErrExecutionTimeout", err)
	}
	if out == nil || !out.Killed || out.KillReason != "timeout" {
		t.Errorf("outcome = %+v", out)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("took %s; process group was not killed", elapsed)
	}
}

func TestRunner_Cancel(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	out, err := r.Execute(ctx, sh(`sleep 30`))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if out == nil || out.KillReason != "canceled" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestRunner_InvalidUTF8IsReplaced(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, nil)

	out, err := r.Execute(context.Background(), sh(`printf '\377ok' >&2; exit 1`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Stderr != "\uFFFDok" {
		t.Errorf("stderr = %q", out.Stderr)
	}
}

func TestRunner_Truncates(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, func(c *Config) { c.MaxOutputBytes = 10 })

	out, err := r.Execute(context.Background(), sh(`printf '0123456789abcdefghij'`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(out.Stdout, "0123456789\n... [10 bytes truncated]") {
		t.Errorf("stdout = %q", out.Stdout)
	}
}

func TestRunner_Policy(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, nil)

	if _, err := r.Execute(context.Background(), &Request{Argv: []string{"rm", "-rf", "/"}}); !errors.Is(err, ErrBinaryNotAllowed) {
		t.Errorf("err = %v, want ErrBinaryNotAllowed", err)
	}
	if _, err := r.Execute(context.Background(), &Request{}); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("err = %v, want ErrEmptyCommand", err)
	}

	req := sh(`printf '%s|%s' "$GMAN_TEST" "$LD_PRELOAD"`)
	req.Env = map[string]string{"GMAN_TEST": "ok", "LD_PRELOAD": "/tmp/evil.so"}
	out, err := r.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Stdout != "ok|" {
		t.Errorf("stdout = %q, want ok|", out.Stdout)
	}
}

func TestRunner_EnvIsMinimal(t *testing.T) {
	t.Setenv("GMAN_DISCORD_TOKEN", "secret-token")
	t.Setenv("FFREPORT", "file=/tmp/report.log")
	t.Setenv("LC_ALL", "C")
	r := newTestRunner(t, nil)

	out, err := r.Execute(context.Background(), sh(`printf '%s|%s|%s|%s' "$GMAN_DISCORD_TOKEN" "$FFREPORT" "$LC_ALL" "${PATH:+set}"`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Stdout != "||C|set" {
		t.Errorf("stdout = %q, want ||C|set", out.Stdout)
	}
}

func TestRunner_MissingBinary(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, func(c *Config) { c.AllowedBins = []string{"gman-no-such-binary"} })

	_, err := r.Execute(context.Background(), &Request{Argv: []string{"gman-no-such-binary"}})
	if err == nil {
		t.Fatal("expected start error")
	}
}

func TestRunner_MaxConcurrent(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, func(c *Config) { c.MaxConcurrent = 1 })

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		peak int
	)
	stopped := make(chan struct{})
	go func() {
		for {
			select {
			case <-stopped:
				return
			default:
			}
			mu.Lock()
			peak = max(peak, r.Running())
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
		}
	}()

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Execute(context.Background(), sh(`sleep 0.2`)); err != nil {
				t.Errorf("Execute: %v", err)
			}
		}()
	}
	wg.Wait()
	close(stopped)

	mu.Lock()
	defer mu.Unlock()
	if peak > 1 {
		t.Errorf("peak concurrency = %d, want 1", peak)
	}
}

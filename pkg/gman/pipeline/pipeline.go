// Package pipeline runs one transformation request through the fetch,
// synthesis, execution and delivery stages.
//
// Every invocation owns a workspace. Whatever stage fails, the failure is
// reported to the caller and the workspace is closed exactly once before
// Run returns. Panics inside a stage are recovered and reported as
// internal errors.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/gman/pkg/gman/audit"
	"github.com/jholhewres/gman/pkg/gman/command"
	"github.com/jholhewres/gman/pkg/gman/delivery"
	"github.com/jholhewres/gman/pkg/gman/sandbox"
	"github.com/jholhewres/gman/pkg/gman/workspace"
)

// Config holds the per-invocation limits.
type Config struct {
	// Timeout is the wall-clock budget of one invocation, fetch included.
	Timeout time.Duration `yaml:"timeout"`

	// DeliveryTimeout bounds sending a failure report after the
	// invocation context is gone.
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`

	// RateLimit is the sustained number of invocations per second a single
	// caller may start. 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit"`

	// RateBurst is how many invocations a caller may start back to back.
	RateBurst int `yaml:"rate_burst"`
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		Timeout:         5 * time.Minute,
		DeliveryTimeout: 30 * time.Second,
		RateLimit:       0.2,
		RateBurst:       3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = d.DeliveryTimeout
	}
	return c
}

// Request is one transformation request. It is not modified by the
// pipeline.
type Request struct {
	Tool string
	Args string

	// Caption carries structured caption parameters for the caption tool.
	Caption *command.CaptionOptions

	// Caller identifies who issued the request, for rate limiting and the
	// audit log.
	Caller   string
	IssuedAt time.Time
}

// NewRequest creates a Request issued now.
func NewRequest(tool, args, caller string) Request {
	return Request{Tool: tool, Args: args, Caller: caller, IssuedAt: time.Now()}
}

// Result describes how an invocation ended.
type Result struct {
	// ID is the workspace id, empty when no workspace was created.
	ID   string
	Tool string

	// Stage is the last stage entered.
	Stage    Stage
	Kind     Kind
	ExitCode int
	Duration time.Duration
	Err      error
}

// OK reports whether the output was delivered.
func (r *Result) OK() bool { return r.Kind == KindOK }

// Executor runs a synthesized command.
type Executor interface {
	Execute(ctx context.Context, req *sandbox.Request) (*sandbox.Outcome, error)
}

// Recorder stores finished invocations.
type Recorder interface {
	Record(ctx context.Context, e *audit.Entry) error
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRecorder records every finished invocation.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// Pipeline runs transformation requests.
type Pipeline struct {
	synth      *command.Synthesizer
	exec       Executor
	deliverer  *delivery.Deliverer
	workspaces *workspace.Manager
	recorder   Recorder
	limiter    *CallerLimiter
	logger     *slog.Logger

	cfg atomic.Pointer[Config]

	mu    sync.Mutex
	tasks map[*Task]struct{}
	wg    sync.WaitGroup
}

// New creates a Pipeline.
func New(cfg Config, synth *command.Synthesizer, exec Executor, deliverer *delivery.Deliverer,
	workspaces *workspace.Manager, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	p := &Pipeline{
		synth:      synth,
		exec:       exec,
		deliverer:  deliverer,
		workspaces: workspaces,
		limiter:    NewCallerLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:     logger.With("component", "pipeline"),
		tasks:      make(map[*Task]struct{}),
	}
	p.cfg.Store(&cfg)
	for _, o := range opts {
		o(p)
	}
	return p
}

// Config returns the active configuration.
func (p *Pipeline) Config() Config { return *p.cfg.Load() }

// ApplyConfig replaces the limits for invocations started afterwards.
func (p *Pipeline) ApplyConfig(cfg Config) {
	cfg = cfg.withDefaults()
	p.cfg.Store(&cfg)
	p.limiter.SetLimit(cfg.RateLimit, cfg.RateBurst)
	p.logger.Info("pipeline config applied", "timeout", cfg.Timeout, "rate_limit", cfg.RateLimit, "rate_burst", cfg.RateBurst)
}

// Synthesizer returns the synthesizer, for policy reloads.
func (p *Pipeline) Synthesizer() *command.Synthesizer { return p.synth }

// Limiter returns the per-caller limiter.
func (p *Pipeline) Limiter() *CallerLimiter { return p.limiter }

// Run executes req and reports the result through m. It returns once the
// reply was sent and the workspace is gone.
func (p *Pipeline) Run(ctx context.Context, req Request, m delivery.Messenger) *Result {
	start := time.Now()
	if req.IssuedAt.IsZero() {
		req.IssuedAt = start
	}
	cfg := p.cfg.Load()
	res := &Result{Tool: req.Tool, Stage: StageIdle}
	defer func() {
		res.Duration = time.Since(start)
		p.finish(req, res)
	}()

	if !p.limiter.Allow(req.Caller) {
		res.Err, res.Kind = ErrRateLimited, KindRateLimited
		p.report(ctx, m, nil, req, res)
		return res
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	ws, err := p.workspaces.Create()
	if err != nil {
		res.Err, res.Kind = &InternalError{Stage: StageIdle, Err: err}, KindInternal
		p.report(ctx, m, nil, req, res)
		return res
	}
	res.ID = ws.ID
	defer func() {
		if err := ws.Close(); err != nil {
			p.logger.Warn("workspace cleanup failed", "id", ws.ID, "error", err)
		}
	}()

	err = p.guard(res, func() error { return p.process(runCtx, req, ws, m, res, start) })
	if err == nil {
		return res
	}
	res.Err, res.Kind = err, Classify(runCtx, err)
	if res.Kind == KindDelivery {
		return res
	}
	if err := p.guard(res, func() error { return p.report(ctx, m, ws, req, res) }); err != nil {
		p.logger.Warn("failure report not delivered", "id", res.ID, "error", err)
	}
	return res
}

// process walks the stages in order. The first error aborts the walk.
func (p *Pipeline) process(ctx context.Context, req Request, ws *workspace.Workspace, m delivery.Messenger, res *Result, start time.Time) error {
	res.Stage = StageSynthesizing
	plan, err := p.synth.Parse(command.Request{Tool: req.Tool, Args: req.Args, Caption: req.Caption})
	if err != nil {
		return err
	}
	res.Tool = string(plan.Tool())

	res.Stage = StageFetching
	if err := p.synth.Fetch(ctx, plan, ws); err != nil {
		return err
	}

	res.Stage = StageSynthesizing
	inv, err := p.synth.Build(plan, ws)
	if err != nil {
		return err
	}
	if err := ws.Track(inv.Output); err != nil {
		return &InternalError{Stage: StageSynthesizing, Err: err}
	}

	res.Stage = StageExecuting
	sreq := &sandbox.Request{Argv: inv.Argv, Dir: inv.Dir}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			sreq.Timeout = remaining
		}
	}
	out, err := p.exec.Execute(ctx, sreq)
	if out != nil {
		res.ExitCode = out.ExitCode
	}
	if err != nil {
		if Classify(ctx, err) == KindInternal {
			return &InternalError{Stage: StageExecuting, Err: err}
		}
		return err
	}
	if out.ExitCode != 0 {
		return &ExecutionError{Tool: inv.DisplayName, ExitCode: out.ExitCode, Stderr: out.Stderr}
	}

	res.Stage = StageDelivering
	if err := p.deliverer.Output(ctx, m, inv.DisplayName, inv.Output, time.Since(start)); err != nil {
		return &DeliveryError{Err: err}
	}
	return nil
}

// guard runs fn and turns a panic into an InternalError.
func (p *Pipeline) guard(res *Result, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &InternalError{Stage: res.Stage, Panic: r, Stack: debug.Stack()}
			p.logger.Error("invocation panicked", "id", res.ID, "stage", res.Stage, "panic", r)
		}
	}()
	return fn()
}

// report sends the failure in res. It runs on a context detached from the
// invocation so timeouts and cancellations are still reported.
func (p *Pipeline) report(ctx context.Context, m delivery.Messenger, scratch delivery.Scratch, req Request, res *Result) error {
	cfg := p.cfg.Load()
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.DeliveryTimeout)
	defer cancel()

	header, detail := describe(req, res, cfg.Timeout)
	if res.Kind == KindInternal {
		p.logger.Error("invocation failed", "id", res.ID, "stage", res.Stage, "error", res.Err)
	}
	return p.deliverer.Failure(dctx, m, scratch, header, detail, spillName(req.Tool))
}

// describe renders the user-facing header and detail of a failure.
func describe(req Request, res *Result, timeout time.Duration) (header, detail string) {
	display := req.Tool
	g, known := command.Lookup(req.Tool)
	if known {
		display = g.DisplayName()
	}

	switch res.Kind {
	case KindValidation:
		detail = res.Err.Error()
		if known {
			detail += "\nUsage: " + g.Usage()
		}
		return "Invalid request", detail
	case KindFetch:
		return "Could not fetch the input", res.Err.Error()
	case KindExecution:
		e, _ := res.Err.(*ExecutionError)
		if e == nil {
			return display + " encountered an error", res.Err.Error()
		}
		if e.Stderr == "" {
			return display + " encountered an error", fmt.Sprintf("exit status %d", e.ExitCode)
		}
		return display + " encountered an error", e.Stderr
	case KindTimeout:
		return fmt.Sprintf("%s timed out after %s", display, timeout), ""
	case KindCanceled:
		return "Processing was canceled", ""
	case KindRateLimited:
		return "You are sending commands too quickly, try again in a moment", ""
	default:
		if res.Err == nil {
			return "An internal error occurred", ""
		}
		return "An internal error occurred", res.Err.Error()
	}
}

func spillName(tool string) string {
	if g, ok := command.Lookup(tool); ok {
		return g.Binary() + "_error.txt"
	}
	return "gman_error.txt"
}

// finish logs and records a finished invocation.
func (p *Pipeline) finish(req Request, res *Result) {
	attrs := []any{
		"id", res.ID,
		"tool", res.Tool,
		"caller", req.Caller,
		"stage", res.Stage,
		"outcome", res.Kind,
		"duration", res.Duration,
	}
	if res.Err != nil {
		p.logger.Warn("invocation finished", append(attrs, "error", res.Err)...)
	} else {
		p.logger.Info("invocation finished", attrs...)
	}

	if p.recorder == nil {
		return
	}
	args := req.Args
	if args == "" && req.Caption != nil {
		if b, err := json.Marshal(req.Caption); err == nil {
			args = string(b)
		}
	}
	e := &audit.Entry{
		ID:         res.ID,
		Tool:       res.Tool,
		Caller:     req.Caller,
		Args:       args,
		IssuedAt:   req.IssuedAt,
		FinishedAt: time.Now(),
		Stage:      res.Stage.String(),
		Outcome:    res.Kind.String(),
		ExitCode:   res.ExitCode,
		Duration:   res.Duration,
	}
	if e.ID == "" {
		e.ID = fmt.Sprintf("rejected-%d", req.IssuedAt.UnixNano())
	}
	if res.Err != nil {
		e.Error = res.Err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.recorder.Record(ctx, e); err != nil {
		p.logger.Warn("audit record failed", "id", e.ID, "error", err)
	}
}

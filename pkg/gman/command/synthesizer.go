// Package command turns a caller's argument string into a validated
// argument vector for an external media tool.
//
// Each supported tool has a Grammar that declares which tokens are inputs,
// which one is the output and which carry filter graphs. The Synthesizer
// tokenizes the request, applies the argument policy, fetches remote
// inputs into the invocation workspace and substitutes their local paths.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/jholhewres/gman/pkg/gman/fetch"
	"github.com/jholhewres/gman/pkg/gman/security"
	"github.com/jholhewres/gman/pkg/gman/workspace"
)

// Config holds synthesizer settings.
type Config struct {
	// Binaries overrides the executable used for a tool binary name,
	// e.g. {"ffmpeg": "/opt/ffmpeg/bin/ffmpeg"}.
	Binaries map[string]string `yaml:"binaries"`

	// FontDir holds the fonts the caption flow may use.
	FontDir string `yaml:"font_dir"`
}

// Request is one transformation request as received from a caller.
type Request struct {
	Tool string
	Args string

	// Caption carries structured caption parameters. When nil a caption
	// request is parsed from Args.
	Caption *CaptionOptions
}

// Fetcher resolves a locator into a workspace file.
type Fetcher interface {
	Fetch(ctx context.Context, locator string, dir fetch.Directory) (*fetch.Resource, error)
}

// Plan is a parsed and validated request whose remote inputs have not been
// fetched yet.
type Plan struct {
	Grammar Grammar
	Layout  *Layout
	Caption *CaptionOptions
	Fetched []*fetch.Resource
}

// Tool is the planned tool.
func (p *Plan) Tool() Tool { return p.Grammar.Tool() }

// OutputName is the output token as the caller wrote it.
func (p *Plan) OutputName() string { return p.Layout.Args[p.Layout.Output] }

// Invocation is a fully resolved command ready for the executor.
type Invocation struct {
	Tool        Tool
	DisplayName string
	Argv        []string
	Dir         string
	Inputs      []string
	Output      string
}

// Synthesizer builds invocations from requests.
type Synthesizer struct {
	cfg     Config
	fetcher Fetcher
	policy  atomic.Pointer[security.Policy]
	logger  *slog.Logger
}

// NewSynthesizer creates a Synthesizer. A nil policy means the default
// policy.
func NewSynthesizer(cfg Config, fetcher Fetcher, policy *security.Policy, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == nil {
		policy = security.NewPolicy(security.PolicyConfig{})
	}
	s := &Synthesizer{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  logger.With("component", "synthesizer"),
	}
	s.policy.Store(policy)
	return s
}

// SetPolicy replaces the argument policy for subsequent requests.
func (s *Synthesizer) SetPolicy(policy *security.Policy) {
	if policy != nil {
		s.policy.Store(policy)
	}
}

// Parse tokenizes and validates a request without touching the network.
func (s *Synthesizer) Parse(req Request) (*Plan, error) {
	g, ok := Lookup(req.Tool)
	if !ok {
		return nil, invalid("tool", "unknown tool %q", req.Tool)
	}

	var (
		layout  *Layout
		caption *CaptionOptions
	)
	if g.Tool() == ToolCaption {
		caption = req.Caption
		if caption == nil {
			tokens, err := Tokenize(req.Args)
			if err != nil {
				return nil, err
			}
			if caption, err = ParseCaptionArgs(tokens); err != nil {
				return nil, err
			}
		} else if err := caption.Validate(); err != nil {
			return nil, err
		}
		layout = captionLayout(caption)
	} else {
		tokens, err := Tokenize(req.Args)
		if err != nil {
			return nil, err
		}
		if layout, err = g.layout(tokens); err != nil {
			return nil, err
		}
	}

	if err := s.check(g, layout); err != nil {
		return nil, err
	}
	return &Plan{Grammar: g, Layout: layout, Caption: caption}, nil
}

// check applies the argument policy to a layout.
func (s *Synthesizer) check(g Grammar, l *Layout) error {
	tool := string(g.Tool())
	policy := s.policy.Load()
	if err := policy.CheckFlags(g.Binary(), l.Args); err != nil {
		return policyError("arguments", err)
	}
	for _, i := range l.Filters {
		l.Args[i] = stripQuotes(l.Args[i])
		if err := policy.CheckFilterGraph(tool, l.Args[i]); err != nil {
			return policyError("filter graph", err)
		}
	}
	for _, i := range l.Inputs {
		if fetch.IsURL(l.Args[i]) {
			continue
		}
		if err := policy.CheckPath(tool, l.Args[i]); err != nil {
			return policyError("input", err)
		}
	}
	if err := policy.CheckPath(tool, l.Args[l.Output]); err != nil {
		return policyError("output", err)
	}
	return nil
}

func policyError(field string, err error) error {
	return &ValidationError{Field: field, Msg: err.Error(), Err: err}
}

// Fetch downloads every URL-valued input of the plan into ws and rewrites
// the tokens in place. If one fetch fails, inputs already fetched for this
// plan are removed before the error is returned.
func (s *Synthesizer) Fetch(ctx context.Context, p *Plan, ws *workspace.Workspace) error {
	for _, i := range p.Layout.Inputs {
		loc := p.Layout.Args[i]
		if !fetch.IsURL(loc) {
			continue
		}
		res, err := s.fetcher.Fetch(ctx, loc, ws)
		if err != nil {
			for _, r := range p.Fetched {
				ws.Remove(r.Path)
			}
			p.Fetched = nil
			return err
		}
		p.Fetched = append(p.Fetched, res)
		p.Layout.Args[i] = res.Path
	}
	return nil
}

// Build produces the final argument vector. The caption flow writes its
// text file into ws here.
func (s *Synthesizer) Build(p *Plan, ws *workspace.Workspace) (*Invocation, error) {
	l := p.Layout

	output := l.Args[l.Output]
	outPath := output
	if !filepath.IsAbs(outPath) {
		var err error
		if outPath, err = ws.Path(output); err != nil {
			return nil, invalid("output", "%v", err)
		}
	}
	for _, r := range p.Fetched {
		if r.Path == outPath {
			return nil, invalid("output", "%q would overwrite the input", output)
		}
	}

	if p.Caption != nil {
		graph, err := s.captionGraph(p.Caption, ws)
		if err != nil {
			return nil, err
		}
		l.Args[l.Filters[0]] = graph
	}

	bin := p.Grammar.Binary()
	if override := s.cfg.Binaries[bin]; override != "" {
		bin = override
	}
	argv := append([]string{bin}, l.Args...)

	inputs := make([]string, 0, len(p.Fetched))
	for _, r := range p.Fetched {
		inputs = append(inputs, r.Path)
	}

	s.logger.Debug("command synthesized", "tool", p.Tool(), "workspace", ws.ID, "args", len(argv))
	return &Invocation{
		Tool:        p.Tool(),
		DisplayName: p.Grammar.DisplayName(),
		Argv:        argv,
		Dir:         ws.Dir,
		Inputs:      inputs,
		Output:      outPath,
	}, nil
}

func (s *Synthesizer) captionGraph(o *CaptionOptions, ws *workspace.Workspace) (string, error) {
	fontDir := s.cfg.FontDir
	if fontDir == "" {
		fontDir = "fonts"
	}
	fontFile, err := filepath.Abs(filepath.Join(fontDir, o.Font))
	if err != nil {
		return "", fmt.Errorf("resolving font: %w", err)
	}
	if _, err := os.Stat(fontFile); errors.Is(err, os.ErrNotExist) {
		return "", invalid("font", "font %q is not installed", o.Font)
	}

	textFile, err := ws.UniquePath("caption.txt")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(textFile, []byte(o.Text), 0o600); err != nil {
		return "", fmt.Errorf("writing caption text: %w", err)
	}
	if err := ws.Track(textFile); err != nil {
		return "", err
	}
	return BuildCaptionGraph(o, fontFile, textFile)
}

// Synthesize runs Parse, Fetch and Build in order.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request, ws *workspace.Workspace) (*Invocation, error) {
	p, err := s.Parse(req)
	if err != nil {
		return nil, err
	}
	if err := s.Fetch(ctx, p, ws); err != nil {
		return nil, err
	}
	return s.Build(p, ws)
}

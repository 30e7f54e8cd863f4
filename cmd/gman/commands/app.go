package commands

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"

	"github.com/jholhewres/gman/pkg/gman/audit"
	"github.com/jholhewres/gman/pkg/gman/command"
	"github.com/jholhewres/gman/pkg/gman/config"
	"github.com/jholhewres/gman/pkg/gman/delivery"
	"github.com/jholhewres/gman/pkg/gman/fetch"
	"github.com/jholhewres/gman/pkg/gman/pipeline"
	"github.com/jholhewres/gman/pkg/gman/sandbox"
	"github.com/jholhewres/gman/pkg/gman/scheduler"
	"github.com/jholhewres/gman/pkg/gman/security"
	"github.com/jholhewres/gman/pkg/gman/workspace"
)

// app holds the components every command shares.
type app struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger

	workspaces *workspace.Manager
	synth      *command.Synthesizer
	runner     *sandbox.Runner
	deliverer  *delivery.Deliverer
	audit      *audit.Store
	pipeline   *pipeline.Pipeline
}

// resolveConfig loads the config named by --config, else the first config
// file found, else the built-in defaults. The returned path is empty for
// defaults.
func resolveConfig(cmd *cobra.Command) (*config.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading config: %w", err)
		}
		return cfg, configPath, nil
	}

	if found := config.FindConfigFile(); found != "" {
		cfg, err := config.Load(found)
		if err != nil {
			return nil, "", fmt.Errorf("loading config from %s: %w", found, err)
		}
		return cfg, found, nil
	}
	return config.DefaultConfig(), "", nil
}

// loadApp resolves the config and wires the pipeline. Logs go to logOut.
func loadApp(cmd *cobra.Command, logOut io.Writer) (*app, error) {
	cfg, path, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := config.NewLogger(cfg.Logging, verbose, logOut)
	if path != "" {
		logger.Debug("config loaded", "path", path)
	}
	return newApp(cfg, path, logger)
}

// newApp builds the pipeline: SSRF guard and fetcher, synthesizer with
// the argument policy, sandboxed runner, deliverer, workspaces and the
// optional audit log.
func newApp(cfg *config.Config, path string, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, configPath: path, logger: logger}

	ws, err := workspace.NewManager(cfg.Workspace.Root, logger)
	if err != nil {
		return nil, fmt.Errorf("creating scratch root: %w", err)
	}
	a.workspaces = ws

	fetcher := fetch.New(cfg.Fetch, logger,
		fetch.WithURLValidator(security.NewSSRFGuard(cfg.SSRF, logger)))
	a.synth = command.NewSynthesizer(cfg.Command, fetcher, security.NewPolicy(cfg.Policy), logger)

	sandboxCfg := cfg.Sandbox
	sandboxCfg.AllowedBins = allowedBins(cfg)
	if a.runner, err = sandbox.NewRunner(sandboxCfg, logger); err != nil {
		return nil, err
	}
	a.deliverer = delivery.New(cfg.Delivery, logger)

	var opts []pipeline.Option
	if cfg.Audit.Enabled {
		if a.audit, err = audit.Open(cfg.Audit); err != nil {
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
		opts = append(opts, pipeline.WithRecorder(a.audit))
	}
	a.pipeline = pipeline.New(cfg.Pipeline, a.synth, a.runner, a.deliverer, a.workspaces, logger, opts...)
	return a, nil
}

// allowedBins adds the base names of configured binary overrides to the
// sandbox allowlist.
func allowedBins(cfg *config.Config) []string {
	bins := slices.Clone(cfg.Sandbox.AllowedBins)
	for _, path := range cfg.Command.Binaries {
		if base := filepath.Base(path); !slices.Contains(bins, base) {
			bins = append(bins, base)
		}
	}
	return bins
}

// auditPruner returns the audit store as a pruner, or nil when auditing is
// off.
func (a *app) auditPruner() scheduler.AuditPruner {
	if a.audit == nil {
		return nil
	}
	return a.audit
}

// applyConfig hands a reloaded config to the running pipeline. Settings
// that shape long-lived components need a restart.
func (a *app) applyConfig(cfg *config.Config) {
	a.pipeline.ApplyConfig(cfg.Pipeline)
	a.synth.SetPolicy(security.NewPolicy(cfg.Policy))
	a.logger.Info("config applied",
		"timeout", cfg.Pipeline.Timeout,
		"rate_limit", cfg.Pipeline.RateLimit,
		"rate_burst", cfg.Pipeline.RateBurst,
	)
	if cfg.Discord.Prefix != a.cfg.Discord.Prefix {
		a.logger.Warn("discord prefix changed; restart to apply it")
	}
}

// Close releases the audit log.
func (a *app) Close() error {
	if a.audit != nil {
		return a.audit.Close()
	}
	return nil
}

// ErrReported makes the process exit non-zero after the failure was
// already reported to the user.
var ErrReported = errors.New("invocation failed")

// outputDir returns dir, or the current directory when empty.
func outputDir(dir string) string {
	if dir == "" {
		if wd, err := os.Getwd(); err == nil {
			return wd
		}
		return "."
	}
	return dir
}

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/gman/pkg/gman/channels"
	"github.com/jholhewres/gman/pkg/gman/channels/discord"
	"github.com/jholhewres/gman/pkg/gman/config"
	"github.com/jholhewres/gman/pkg/gman/scheduler"
)

const (
	// jobTimeout bounds one maintenance job run.
	jobTimeout = 5 * time.Minute

	// reloadDebounce coalesces the burst of events an editor save emits.
	reloadDebounce = 500 * time.Millisecond
)

// newServeCmd creates the `gman serve` command that runs the Discord bot.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Discord bot",
		Long: `Connect to Discord and answer prefix and slash commands until
interrupted. Maintenance jobs sweep orphaned scratch directories and prune
the audit log; edits to the config file are applied without a restart.

The bot token is read from the OS keyring, then GMAN_DISCORD_TOKEN, then
the config file.

Examples:
  gman serve
  gman serve --config ./gman.yaml
  gman serve --shutdown-grace 1m`,
		RunE: runServe,
	}
	cmd.Flags().Duration("shutdown-grace", 30*time.Second, "how long running commands may finish after a shutdown signal")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd, os.Stdout)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	// ── Resolve token ──
	source := config.ResolveDiscordToken(a.cfg, logger)
	if a.cfg.Discord.Token == "" {
		return fmt.Errorf("no Discord bot token: run 'gman config set-token' or set %s", config.EnvDiscordToken)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ── Maintenance ──
	if a.cfg.Scheduler.Enabled {
		sched := scheduler.New(jobTimeout, logger)
		if err := scheduler.Maintenance(sched, a.cfg.Scheduler, a.workspaces, a.auditPruner(), a.pipeline.Limiter()); err != nil {
			return fmt.Errorf("scheduling maintenance: %w", err)
		}
		// Clear leftovers of a previous crash before accepting work.
		if err := sched.RunNow(scheduler.JobSweep); err != nil {
			logger.Warn("initial sweep failed", "error", err)
		}
		sched.Start()
		defer sched.Stop()
	}

	// ── Discord ──
	router := channels.NewRouter(a.pipeline, a.deliverer, a.cfg.Discord.Prefix, logger)
	dc := discord.New(a.cfg.Discord, router, logger)
	if err := dc.Connect(ctx); err != nil {
		return err
	}

	// ── Config hot reload ──
	if a.configPath != "" {
		watcher := config.NewWatcher(a.configPath, reloadDebounce, a.applyConfig, logger)
		go func() {
			if err := watcher.Start(ctx); err != nil {
				logger.Warn("config watcher stopped", "error", err)
			}
		}()
		logger.Info("config watcher started", "path", a.configPath)
	}

	logger.Info("gman running. Press Ctrl+C to stop.",
		"prefix", router.Prefix(),
		"slash_commands", a.cfg.Discord.SlashCommands,
		"token_source", source,
		"scratch", a.workspaces.Root(),
	)
	<-ctx.Done()

	logger.Info("shutdown signal received, stopping...", "active", a.pipeline.Active())
	dc.StopAccepting()

	grace, _ := cmd.Flags().GetDuration("shutdown-grace")
	shutdownCtx, stop := context.WithTimeout(context.Background(), grace)
	defer stop()
	if err := a.pipeline.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown grace expired, running commands were canceled", "grace", grace)
	}
	if err := dc.Disconnect(); err != nil {
		logger.Warn("discord disconnect failed", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

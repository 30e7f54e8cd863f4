// Package config loads the gman configuration.
//
// Files may be YAML, TOML or JSON with comments; the format follows the
// extension. Environment references such as ${VAR}, ${VAR:-default} and
// ${VAR:?message} are expanded before decoding, after .env and .env.local
// were loaded.
package config

import (
	"time"

	"github.com/jholhewres/gman/pkg/gman/audit"
	"github.com/jholhewres/gman/pkg/gman/channels/discord"
	"github.com/jholhewres/gman/pkg/gman/command"
	"github.com/jholhewres/gman/pkg/gman/delivery"
	"github.com/jholhewres/gman/pkg/gman/fetch"
	"github.com/jholhewres/gman/pkg/gman/mcpserver"
	"github.com/jholhewres/gman/pkg/gman/pipeline"
	"github.com/jholhewres/gman/pkg/gman/sandbox"
	"github.com/jholhewres/gman/pkg/gman/scheduler"
	"github.com/jholhewres/gman/pkg/gman/security"
)

// Config is the complete gman configuration.
type Config struct {
	Discord   discord.Config        `yaml:"discord"`
	MCP       mcpserver.Config      `yaml:"mcp"`
	Logging   LoggingConfig         `yaml:"logging"`
	Workspace WorkspaceConfig       `yaml:"workspace"`
	Fetch     fetch.Config          `yaml:"fetch"`
	SSRF      security.SSRFConfig   `yaml:"ssrf"`
	Policy    security.PolicyConfig `yaml:"policy"`
	Command   command.Config        `yaml:"command"`
	Sandbox   sandbox.Config        `yaml:"sandbox"`
	Delivery  delivery.Config       `yaml:"delivery"`
	Pipeline  pipeline.Config       `yaml:"pipeline"`
	Audit     audit.Config          `yaml:"audit"`
	Scheduler scheduler.Config      `yaml:"scheduler"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is json or text. Empty picks text on a terminal and json
	// otherwise.
	Format string `yaml:"format"`
}

// WorkspaceConfig configures the scratch root.
type WorkspaceConfig struct {
	// Root holds one directory per invocation. Empty uses the system
	// temporary directory.
	Root string `yaml:"root"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Discord: discord.DefaultConfig(),
		MCP:     mcpserver.Config{ExportDir: "./output"},
		Logging: LoggingConfig{Level: "info"},
		Fetch:   fetch.DefaultConfig(),
		SSRF: security.SSRFConfig{
			Enabled: true,
		},
		Command: command.Config{
			FontDir: "./fonts",
		},
		Sandbox:   sandbox.DefaultConfig(),
		Delivery:  delivery.DefaultConfig(),
		Pipeline:  pipeline.DefaultConfig(),
		Audit:     audit.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if err := c.Sandbox.Validate(); err != nil {
		return err
	}
	if c.Pipeline.Timeout < 0 {
		return errorf("pipeline.timeout must not be negative")
	}
	if c.Delivery.InlineLimit < 0 {
		return errorf("delivery.inline_limit must not be negative")
	}
	if c.Scheduler.Enabled && c.Scheduler.SweepMaxAge < time.Minute {
		return errorf("scheduler.sweep_max_age must be at least 1m")
	}
	return nil
}

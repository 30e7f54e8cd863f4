package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/gman/pkg/gman/mcpserver"
)

// newMCPCmd creates the `gman mcp` command that serves the tools over MCP.
func newMCPCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the tools over MCP (stdio)",
		Long: `Start a Model Context Protocol server on stdin/stdout. Every command
becomes one tool; image results are returned inline, other results are
saved to mcp.export_dir.

Add to your client configuration:

  {
    "mcpServers": {
      "gman": {
        "command": "gman",
        "args": ["mcp"]
      }
    }
  }`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// stdout carries the protocol.
			a, err := loadApp(cmd, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := mcpserver.New(a.pipeline, a.cfg.MCP, version, a.logger)
			if err := srv.ServeStdio(); err != nil {
				return fmt.Errorf("MCP server error: %w", err)
			}
			return nil
		},
	}
}

// Package commands implements the gman CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gman",
		Short: "gman - FFmpeg and ImageMagick as chat commands",
		Long: `gman downloads media from URLs, runs FFmpeg or ImageMagick on it in an
isolated scratch directory and sends the result back. It runs as a Discord
bot, a one-shot CLI, an interactive shell or an MCP server.

Examples:
  gman serve
  gman run ffmpeg -i https://example.com/a.mp4 -vf scale=iw/2:ih/2 out.mp4
  gman repl
  gman history --limit 20`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newReplCmd(),
		newMCPCmd(version),
		newSweepCmd(),
		newHistoryCmd(),
		newConfigCmd(),
		newCompletionCmd(),
	)

	// Global flags.
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

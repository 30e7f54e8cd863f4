package commands

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/gman/pkg/gman/config"
)

// defaultConfigPath is where `config init` writes when no path is given.
const defaultConfigPath = "gman.yaml"

// newConfigCmd creates the `gman config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage the gman configuration and the Discord bot token.

Examples:
  gman config init
  gman config show
  gman config set-token`,
	}
	cmd.AddCommand(
		newConfigPathCmd(),
		newConfigShowCmd(),
		newConfigInitCmd(),
		newConfigSetTokenCmd(),
		newConfigDeleteTokenCmd(),
	)
	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file in use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, path, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "No config file found; using built-in defaults.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long:  `Print the configuration after defaults and environment expansion. The bot token is redacted.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			shown := *cfg
			if shown.Discord.Token != "" {
				shown.Discord.Token = "<redacted>"
			}
			data, err := yaml.Marshal(&shown)
			if err != nil {
				return fmt.Errorf("marshaling config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", path)
			fmt.Fprintln(cmd.OutOrStdout(), "Next: run 'gman config set-token' to store the Discord bot token.")
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "overwrite an existing file")
	return cmd
}

func newConfigSetTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-token",
		Short: "Store the Discord bot token in the OS keyring",
		Long: `Store the Discord bot token in the OS keyring. The token is prompted
for on a terminal, read from --token, or read from the first line of stdin.

Examples:
  gman config set-token
  echo "$TOKEN" | gman config set-token`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, _ := cmd.Flags().GetString("token")
			if token == "" {
				var err error
				if token, err = readToken(); err != nil {
					return err
				}
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return errors.New("empty token")
			}
			if err := config.StoreKeyring(config.KeyringDiscordToken, token); err != nil {
				return fmt.Errorf("storing token in keyring: %w (set %s instead)", err, config.EnvDiscordToken)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Token stored in the OS keyring.")
			return nil
		},
	}
	cmd.Flags().String("token", "", "token value (visible in shell history; prefer the prompt)")
	return cmd
}

// readToken prompts for the token on a terminal, or reads one line from
// stdin otherwise.
func readToken() (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		var token string
		err := huh.NewInput().
			Title("Discord bot token").
			Description("From the Bot page of your application in the Discord developer portal.").
			EchoMode(huh.EchoModePassword).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return errors.New("token is required")
				}
				return nil
			}).
			Value(&token).
			Run()
		return token, err
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading token from stdin: %w", err)
	}
	return line, nil
}

func newConfigDeleteTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-token",
		Short: "Remove the Discord bot token from the OS keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.DeleteKeyring(config.KeyringDiscordToken); err != nil {
				return fmt.Errorf("deleting token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Token removed from the OS keyring.")
			return nil
		},
	}
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/gman/pkg/gman/channels"
	"github.com/jholhewres/gman/pkg/gman/pipeline"
)

// newRunCmd creates the `gman run` command for one-shot local invocations.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flags] <tool> [args...]",
		Short: "Run one command locally",
		Long: `Run one command through the same pipeline the bot uses and save the
result to the output directory.

Examples:
  gman run gif https://example.com/clip.mp4 12
  gman run ffmpeg -- -i https://example.com/a.mp4 -vf scale=320:-1 out.mp4
  gman run -o ./out caption https://example.com/a.png "hello there"`,
		Args: cobra.MinimumNArgs(1),
		RunE: runRun,
	}
	// Everything after the tool name belongs to the tool.
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringP("output", "o", "", "directory receiving results (default: current directory)")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	dir, _ := cmd.Flags().GetString("output")
	console := channels.NewConsole(cmd.OutOrStdout(), outputDir(dir))

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	rest := args[1:]
	if len(rest) > 0 && rest[0] == "--" {
		rest = rest[1:]
	}
	req := pipeline.NewRequest(args[0], shellescape.QuoteCommand(rest), localCaller())
	res := a.pipeline.Run(ctx, req, console)
	if !res.OK() {
		return ErrReported
	}
	return nil
}

// newReplCmd creates the `gman repl` interactive shell.
func newReplCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Interactive command shell",
		Long: `Read commands line by line, exactly as they would be typed in Discord.
The prefix is optional. Ctrl+C cancels a running command; Ctrl+D or
"exit" leaves the shell.`,
		Args: cobra.NoArgs,
		RunE: runRepl,
	}
}

func runRepl(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	rlCfg := &readline.Config{
		Prompt:          "gman> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	}
	if dir, err := os.UserCacheDir(); err == nil {
		if err := os.MkdirAll(filepath.Join(dir, "gman"), 0o700); err == nil {
			rlCfg.HistoryFile = filepath.Join(dir, "gman", "repl_history")
		}
	}
	rl, err := readline.NewEx(rlCfg)
	if err != nil {
		return fmt.Errorf("starting shell: %w", err)
	}
	defer rl.Close()

	router := channels.NewRouter(a.pipeline, a.deliverer, a.cfg.Discord.Prefix, a.logger)
	console := channels.NewConsole(rl.Stdout(), outputDir(""))
	caller := localCaller()

	fmt.Fprintf(rl.Stdout(), "Type %shelp for the command list.\n", router.Prefix())
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		content, quit := replInput(line, router.Prefix())
		if quit {
			return nil
		}
		if content == "" {
			continue
		}
		replDispatch(cmd.Context(), router, console, rl.Stdout(), content, caller)
	}
}

// replDispatch runs one shell line until it finishes or Ctrl+C cancels it.
func replDispatch(parent context.Context, router *channels.Router, console *channels.Console, out io.Writer, content, caller string) {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt)
	defer cancel()

	name, from, _ := strings.Cut(caller, ":")
	msg := &channels.IncomingMessage{Channel: name, From: from, Content: content}
	task, err := router.Dispatch(ctx, msg, console)
	switch {
	case errors.Is(err, channels.ErrUnknownCommand):
		fmt.Fprintf(out, "%v (type %shelp)\n", err, router.Prefix())
		return
	case err != nil:
		fmt.Fprintf(out, "error: %v\n", err)
		return
	case task == nil:
		return
	}
	// Failures were already reported through the console.
	<-task.Done()
}

// replInput normalizes a shell line into a command message. Lines without
// the prefix get it added. quit is set for exit and quit.
func replInput(line, prefix string) (content string, quit bool) {
	line = strings.TrimSpace(line)
	switch strings.ToLower(line) {
	case "":
		return "", false
	case "exit", "quit", prefix + "exit", prefix + "quit":
		return "", true
	}
	if !strings.HasPrefix(line, prefix) {
		line = prefix + line
	}
	return line, false
}

// localCaller identifies local invocations as cli:<user>.
func localCaller() string {
	name := "local"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	return "cli:" + name
}

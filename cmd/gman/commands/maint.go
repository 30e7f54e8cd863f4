package commands

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/gman/pkg/gman/audit"
)

// newSweepCmd creates the `gman sweep` command that removes orphaned
// scratch directories.
func newSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove orphaned scratch directories",
		Long: `Remove scratch directories left behind by a crashed process. Only
directories older than --max-age are removed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			maxAge, _ := cmd.Flags().GetDuration("max-age")
			if !cmd.Flags().Changed("max-age") {
				maxAge = a.cfg.Scheduler.SweepMaxAge
			}
			n, err := a.workspaces.Sweep(maxAge)
			if err != nil {
				return fmt.Errorf("sweeping %s: %w", a.workspaces.Root(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d director%s from %s\n", n, plural(n, "y", "ies"), a.workspaces.Root())
			return nil
		},
	}
	cmd.Flags().Duration("max-age", time.Hour, "minimum age of a removed directory (default: scheduler.sweep_max_age)")
	return cmd
}

// newHistoryCmd creates the `gman history` command that lists the audit log.
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent invocations",
		Long: `List invocations recorded in the audit log, newest first.

Examples:
  gman history
  gman history --tool gif --since 24h
  gman history --outcome execution --limit 5
  gman history --stats`,
		Args: cobra.NoArgs,
		RunE: runHistory,
	}
	cmd.Flags().IntP("limit", "n", 20, "maximum entries to show")
	cmd.Flags().String("caller", "", "only this caller (e.g. discord:1234)")
	cmd.Flags().String("tool", "", "only this tool")
	cmd.Flags().String("outcome", "", "only this outcome")
	cmd.Flags().Duration("since", 0, "only entries newer than this")
	cmd.Flags().Bool("stats", false, "show counts per outcome instead")
	return cmd
}

func runHistory(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	if a.audit == nil {
		return errors.New("the audit log is disabled (audit.enabled: false)")
	}

	ctx := cmd.Context()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer w.Flush()

	if stats, _ := cmd.Flags().GetBool("stats"); stats {
		counts, err := a.audit.Stats(ctx)
		if err != nil {
			return err
		}
		outcomes := make([]string, 0, len(counts))
		for o := range counts {
			outcomes = append(outcomes, o)
		}
		sort.Strings(outcomes)
		fmt.Fprintln(w, "OUTCOME\tCOUNT")
		for _, o := range outcomes {
			fmt.Fprintf(w, "%s\t%d\n", o, counts[o])
		}
		return nil
	}

	f := audit.Filter{}
	f.Limit, _ = cmd.Flags().GetInt("limit")
	f.Caller, _ = cmd.Flags().GetString("caller")
	f.Tool, _ = cmd.Flags().GetString("tool")
	f.Outcome, _ = cmd.Flags().GetString("outcome")
	if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
		f.Since = time.Now().Add(-since)
	}

	entries, err := a.audit.List(ctx, f)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No invocations recorded.")
		return nil
	}
	fmt.Fprintln(w, "ISSUED\tTOOL\tCALLER\tOUTCOME\tEXIT\tDURATION\tARGS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.IssuedAt.Local().Format("2006-01-02 15:04:05"),
			e.Tool,
			e.Caller,
			e.Outcome,
			e.ExitCode,
			e.Duration.Round(time.Millisecond),
			truncate(e.Args, 60),
		)
	}
	return nil
}

// truncate shortens s to n runes, flattening newlines.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

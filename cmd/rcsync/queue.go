package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/repcue/localsync/internal/queue"
	"github.com/repcue/localsync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect and manage the retry queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations in delivery order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.queue.List(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			if ops == nil {
				ops = []queue.Operation{}
			}
			return printJSON(out, ops)
		}

		styles := ui.DefaultStyles()
		if len(ops) == 0 {
			fmt.Fprintln(out, styles.Muted.Render("queue is empty"))
			return nil
		}
		tbl := ui.NewTable(ui.Plural(len(ops), "queued operation", "queued operations"),
			"RECORD", "PRIORITY", "RETRIES", "NEXT ATTEMPT", "LAST ERROR")
		for _, op := range ops {
			tbl.AddRow(op.RecordKey, op.Priority.String(),
				fmt.Sprintf("%d/%d", op.RetryCount, op.MaxRetries),
				relative(op.NextRetryAt), truncate(op.LastError, 48))
		}
		fmt.Fprint(out, tbl.View(styles))
		return nil
	},
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List recent dead letters",
	Long: `List operations that were given up on inside the retention window
(queue.dead_letter_ttl). A permanent dead letter was rejected by the server;
the others ran out of retries.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		dead, err := a.queue.DeadLetters(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			if dead == nil {
				dead = []queue.DeadLetter{}
			}
			return printJSON(out, dead)
		}

		styles := ui.DefaultStyles()
		if len(dead) == 0 {
			fmt.Fprintln(out, styles.Muted.Render("no dead letters"))
			return nil
		}
		tbl := ui.NewTable(ui.Plural(len(dead), "dead letter", "dead letters"),
			"RECORD", "FAILED", "RETRIES", "STATE", "REASON")
		for _, dl := range dead {
			state := "failed"
			if dl.Permanent {
				state = "rejected"
			}
			tbl.AddRow(dl.RecordKey, relative(dl.FailedAt), strconv.Itoa(dl.RetryCount),
				ui.Status(styles, state), truncate(dl.Reason, 48))
		}
		fmt.Fprint(out, tbl.View(styles))
		return nil
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete dead letters older than the retention window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.queue.PurgeDeadLetters(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]int{"purged": n})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s purged %s\n",
			ui.DefaultStyles().Success.Render("✓"), ui.Plural(n, "dead letter", "dead letters"))
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued operation and dead letter",
	Long: `Drop every queued operation and dead letter. Dirty records stay dirty,
so the next scan enqueues them again.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			ok, err := ui.Confirm("Clear the sync queue?", "Queued operations and dead letters are dropped.")
			if err != nil {
				return fmt.Errorf("%w (pass --yes to skip confirmation)", err)
			}
			if !ok {
				return nil
			}
		}

		a, err := openApp(cmd.Context(), openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.queue.Clear(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s queue cleared\n", ui.DefaultStyles().Success.Render("✓"))
		return nil
	},
}

func init() {
	queueClearCmd.Flags().BoolP("yes", "y", false, "Skip confirmation")

	queueCmd.AddCommand(queueListCmd, queueDeadCmd, queuePurgeCmd, queueClearCmd)
	rootCmd.AddCommand(queueCmd)
}

func relative(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Until(t).Round(time.Second)
	switch {
	case d > 0:
		return "in " + d.String()
	case d == 0:
		return "now"
	default:
		return (-d).String() + " ago"
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

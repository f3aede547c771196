package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/repcue/localsync/internal/queue"
	"github.com/repcue/localsync/internal/schema"
	"github.com/repcue/localsync/internal/store"
	"github.com/repcue/localsync/internal/ui"
)

type statusReport struct {
	DataDir       string                            `json:"data_dir"`
	SchemaVersion int                               `json:"schema_version"`
	Owner         string                            `json:"owner,omitempty"`
	SignedIn      bool                              `json:"signed_in"`
	Consent       bool                              `json:"consent"`
	Remote        string                            `json:"remote,omitempty"`
	Tables        map[schema.Kind]store.TableCounts `json:"tables"`
	Queue         queue.Stats                       `json:"queue"`
	Fallback      int                               `json:"fallback"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show store, session and queue status",
	Long: `Show the state of the local store.

Shows:
  - Signed-in owner and storage consent
  - Live, dirty, tombstoned and anonymous records per table
  - Queued operations, how many are due and recent dead letters
  - Records held only in memory after a storage fault`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		version, err := a.migrator.Version(ctx)
		if err != nil {
			return err
		}
		counts, err := a.store.Counts(ctx)
		if err != nil {
			return err
		}
		qs, err := a.queue.Stats(ctx)
		if err != nil {
			return err
		}
		sess := a.session.Current()

		report := statusReport{
			DataDir:       a.cfg.DataDir,
			SchemaVersion: version,
			Owner:         sess.OwnerID,
			SignedIn:      sess.SignedIn(),
			Consent:       sess.HasConsent(),
			Remote:        a.cfg.Remote.BaseURL,
			Tables:        counts,
			Queue:         qs,
			Fallback:      a.store.FallbackLen(),
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, report)
		}

		styles := ui.DefaultStyles()
		owner, consent, remoteURL := "anonymous", "revoked", "not configured"
		if report.Owner != "" {
			owner = report.Owner
		}
		if report.Consent {
			consent = "granted"
		}
		if report.Remote != "" {
			remoteURL = report.Remote
		}

		fmt.Fprintln(out, styles.Title.Render("RepCue Sync Status"))
		fmt.Fprint(out, ui.KV(styles,
			[2]string{"Data dir", report.DataDir},
			[2]string{"Schema", fmt.Sprintf("v%d (latest v%d)", version, a.migrator.Latest())},
			[2]string{"Owner", owner},
			[2]string{"Consent", ui.Status(styles, consent)},
			[2]string{"Remote", remoteURL},
		))
		fmt.Fprintln(out)

		tbl := ui.NewTable("Records", "TABLE", "LIVE", "DIRTY", "TOMBSTONED", "ANONYMOUS")
		for _, kind := range schema.Kinds() {
			c := counts[kind]
			tbl.AddRow(kind.Table(), strconv.Itoa(c.Live), strconv.Itoa(c.Dirty),
				strconv.Itoa(c.Tombstoned), strconv.Itoa(c.Anonymous))
		}
		fmt.Fprint(out, tbl.View(styles))
		fmt.Fprintln(out)

		fmt.Fprint(out, ui.KV(styles,
			[2]string{"Queued", strconv.Itoa(qs.Total)},
			[2]string{"Due now", strconv.Itoa(qs.Pending)},
			[2]string{"Failed", strconv.Itoa(qs.Failed)},
		))
		if report.Fallback > 0 {
			fmt.Fprintf(out, "\n%s %s held in memory only; they are lost on exit and never synced\n",
				styles.Warning.Render("⚠"), ui.Plural(report.Fallback, "record", "records"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

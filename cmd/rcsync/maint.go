package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/repcue/localsync/internal/db"
	"github.com/repcue/localsync/internal/migrate"
	"github.com/repcue/localsync/internal/session"
	"github.com/repcue/localsync/internal/syncerr"
	"github.com/repcue/localsync/internal/ui"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "maint",
	Short:   "Bring the database schema up to date",
	Long: `Apply pending schema steps in version order. Each step commits together
with its version marker, so an interrupted migration resumes where it
stopped. Every other command migrates on open; this one reports what ran.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), openOptions{skipMigrate: true})
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.migrator.Migrate(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, map[string]any{
				"from": res.From, "to": res.To, "applied": res.Applied, "rows": res.Rows,
			})
		}
		styles := ui.DefaultStyles()
		if len(res.Applied) == 0 {
			fmt.Fprintf(out, "%s schema is current (v%d)\n", styles.Success.Render("✓"), res.To)
			return nil
		}
		fmt.Fprintf(out, "%s migrated v%d → v%d, %s transformed\n",
			styles.Success.Render("✓"), res.From, res.To, ui.Plural(res.Rows, "row", "rows"))
		for _, step := range res.Applied {
			fmt.Fprintf(out, "  %s\n", step)
		}
		return nil
	},
}

var doctorCmd = &cobra.Command{
	Use:     "doctor",
	GroupID: "maint",
	Short:   "Check the local store and optionally repair it",
	Long: `Check that every table can be read and the schema marker is valid.

With --repair, pending migrations are applied, and a store that cannot be
used at all is wiped and rebuilt. A file that is not a database is moved
aside to <file>.corrupt first. Lock contention and other transient failures
never trigger a reset.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		repair, _ := cmd.Flags().GetBool("repair")
		out := cmd.OutOrStdout()
		styles := ui.DefaultStyles()

		a, err := openApp(ctx, openOptions{skipMigrate: true})
		if err != nil {
			if !repair || !db.IsCorrupt(err) {
				return err
			}
			cfg, cerr := loadConfig()
			if cerr != nil {
				return cerr
			}
			logger, closeLog, lerr := newLogger(cfg, false)
			if lerr != nil {
				return lerr
			}
			defer func() { _ = closeLog() }()
			database, res, oerr := migrate.Open(ctx, cfg.DBPath(), logger)
			if oerr != nil {
				return oerr
			}
			defer database.Close()
			fmt.Fprintf(out, "%s database file was unreadable; moved to %s.corrupt and rebuilt at v%d\n",
				styles.Warning.Render("⚠"), cfg.DBPath(), res.To)
			return nil
		}
		defer a.Close()

		version, verr := a.migrator.Version(ctx)
		if verr == nil && version < a.migrator.Latest() {
			if !repair {
				fmt.Fprintf(out, "%s schema v%d is behind v%d; run 'rcsync migrate' or 'rcsync doctor --repair'\n",
					styles.Warning.Render("⚠"), version, a.migrator.Latest())
				return nil
			}
			if _, err := a.migrator.Migrate(ctx); err != nil && !errors.Is(err, syncerr.ErrSchemaCorrupt) {
				return err
			}
		}

		err = a.migrator.HealthCheck(ctx)
		if err == nil {
			fmt.Fprintf(out, "%s store is %s\n", styles.Success.Render("✓"), ui.Status(styles, "healthy"))
			return nil
		}
		if !errors.Is(err, syncerr.ErrSchemaCorrupt) {
			return err
		}
		if !repair {
			return fmt.Errorf("%w (run 'rcsync doctor --repair' to reset the local store; unsynced data is lost)", err)
		}

		if _, err := a.migrator.Repair(ctx); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s store was unusable and has been reset\n", styles.Warning.Render("⚠"))
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "maint",
	Short:   "Import a JSON export from an older client",
	Long: `Import a JSON export written by an older RepCue client: an object of table
name to array of records. Field names may be camelCase or snake_case.

Imported records are anonymous, dirty and at version 1, so they are claimed
and pushed like any other local data. Ids that already exist locally are
left untouched. The import is a single transaction.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")

		a, err := openApp(cmd.Context(), openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.migrator.ImportLegacyExport(cmd.Context(), migrate.ImportOptions{
			Path:   args[0],
			DryRun: dryRun,
			Backup: backup,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, map[string]any{
				"imported":   res.Imported,
				"total":      res.Total(),
				"existing":   res.Existing,
				"tombstones": res.Tombstones,
				"backup":     res.BackupCreated,
				"errors":     res.Errors,
				"dry_run":    dryRun,
			})
		}

		styles := ui.DefaultStyles()
		verb := "imported"
		if dryRun {
			verb = "would import"
		}
		fmt.Fprintf(out, "%s %s %s\n", styles.Success.Render("✓"), verb, ui.Plural(res.Total(), "record", "records"))
		tables := make([]string, 0, len(res.Imported))
		for table := range res.Imported {
			tables = append(tables, table)
		}
		sort.Strings(tables)
		for _, table := range tables {
			fmt.Fprintf(out, "  %-18s %d\n", table, res.Imported[table])
		}
		if res.Existing > 0 {
			fmt.Fprintf(out, "  %s already present, left untouched\n", ui.Plural(res.Existing, "record", "records"))
		}
		if res.Tombstones > 0 {
			fmt.Fprintf(out, "  %s skipped\n", ui.Plural(res.Tombstones, "deleted record", "deleted records"))
		}
		if res.BackupCreated != "" {
			fmt.Fprintf(out, "  backup: %s\n", res.BackupCreated)
		}
		for _, e := range res.Errors {
			fmt.Fprintf(out, "  %s %s\n", styles.Warning.Render("⚠"), e)
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "maint",
	Short:   "Export every stored record as JSON lines",
	Long: `Write every stored record, tombstones included, as one JSON object per
line with its sync envelope. Records held only in memory are not exported.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		a, err := openApp(cmd.Context(), openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		var w io.Writer = cmd.OutOrStdout()
		if output != "" && output != "-" {
			// #nosec G304 - controlled path from CLI
			f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", output, err)
			}
			defer f.Close()
			w = f
		}

		n, err := a.store.Export(cmd.Context(), w)
		if err != nil {
			return err
		}
		if output != "" && output != "-" {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s exported %s to %s\n",
				ui.DefaultStyles().Success.Render("✓"), ui.Plural(n, "record", "records"), output)
		}
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:     "clear",
	GroupID: "maint",
	Short:   "Erase all local data",
	Long: `Physically delete every record, queued operation and dead letter. Nothing
is sent to the remote: records already synced stay on the server, and
unsynced changes are lost. The session file is kept.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			ok, err := ui.Confirm("Erase all local RepCue data?", "Unsynced changes cannot be recovered.")
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

		if err := a.store.ClearAll(cmd.Context()); err != nil {
			return err
		}
		if err := a.queue.Clear(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s local data erased\n", ui.DefaultStyles().Success.Render("✓"))
		return nil
	},
}

var claimCmd = &cobra.Command{
	Use:     "claim",
	GroupID: "account",
	Short:   "Assign anonymous records to the signed-in account",
	Long: `Assign every record without an owner to the signed-in account, so the next
sync pushes it. The daemon does this automatically on sign-in. Running it
again only picks up records written while signed out since the last claim.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.requireSyncable(); err != nil {
			return err
		}
		owner := a.session.Current().OwnerID
		counts, err := a.claimer().Claim(cmd.Context(), owner)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, counts)
		}
		styles := ui.DefaultStyles()
		fmt.Fprintf(out, "%s claimed %s for %s\n", styles.Success.Render("✓"),
			ui.Plural(counts.Total, "record", "records"), owner)
		var parts []string
		for kind, n := range counts.PerKind {
			if n > 0 {
				parts = append(parts, kind.Table()+"="+strconv.Itoa(n))
			}
		}
		sort.Strings(parts)
		if len(parts) > 0 {
			fmt.Fprintf(out, "  %s\n", strings.Join(parts, " "))
		}
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "account",
	Short:   "Record a signed-in session",
	Long: `Write the session file with an owner id and bearer token. Storage consent
is kept as it was; grant it with 'rcsync consent grant'.

A running daemon notices the change and claims anonymous records.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		token, _ := cmd.Flags().GetString("token")
		if strings.TrimSpace(owner) == "" || token == "" {
			return fmt.Errorf("--owner and --token are required")
		}
		return updateSession(cmd, func(s *session.Session) {
			s.OwnerID = strings.TrimSpace(owner)
			s.AccessToken = token
		}, "signed in as "+owner)
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "account",
	Short:   "Forget the signed-in session",
	Long: `Clear the owner and token from the session file. Local records keep their
owner and stay in the store; sync stops until the next login.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateSession(cmd, func(s *session.Session) {
			s.OwnerID = ""
			s.AccessToken = ""
		}, "signed out")
	},
}

var consentCmd = &cobra.Command{
	Use:       "consent <grant|revoke>",
	GroupID:   "account",
	Short:     "Grant or revoke storage consent",
	Long:      `Without consent nothing is written to the local store and nothing is synced.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"grant", "revoke"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var granted bool
		switch args[0] {
		case "grant":
			granted = true
		case "revoke":
		default:
			return fmt.Errorf("expected grant or revoke, got %q", args[0])
		}
		return updateSession(cmd, func(s *session.Session) {
			s.Consent = granted
		}, "consent "+map[bool]string{true: "granted", false: "revoked"}[granted])
	},
}

func init() {
	doctorCmd.Flags().Bool("repair", false, "Migrate and reset an unusable store")
	importCmd.Flags().Bool("dry-run", false, "Parse and report without writing")
	importCmd.Flags().Bool("backup", false, "Copy the export file before importing")
	exportCmd.Flags().StringP("output", "o", "", "Write to a file instead of stdout")
	clearCmd.Flags().BoolP("yes", "y", false, "Skip confirmation")
	loginCmd.Flags().String("owner", "", "Owner (user) id")
	loginCmd.Flags().String("token", "", "Bearer token for the remote API")

	rootCmd.AddCommand(migrateCmd, doctorCmd, importCmd, exportCmd, clearCmd,
		claimCmd, loginCmd, logoutCmd, consentCmd)
}

// updateSession edits the session file without opening the database.
func updateSession(cmd *cobra.Command, edit func(*session.Session), done string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	f, err := session.Open(cfg.SessionPath(), nil)
	if err != nil {
		return err
	}
	s := f.Current()
	edit(&s)
	if err := f.Save(s); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"owner": s.OwnerID, "signed_in": s.SignedIn(), "consent": s.Consent,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", ui.DefaultStyles().Success.Render("✓"), done)
	return nil
}

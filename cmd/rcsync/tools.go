package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/repcue/localsync/internal/config"
	"github.com/repcue/localsync/internal/loadtest"
	"github.com/repcue/localsync/internal/remote"
	"github.com/repcue/localsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Show or write the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as TOML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.File != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "# loaded from %s\n", cfg.File)
		}
		return cfg.Encode(cmd.OutOrStdout())
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the effective configuration to rcsync.toml",
	Long: `Write the effective configuration (defaults, environment and flags) to
<data-dir>/rcsync.toml, or to --config when given. An existing file is only
replaced with --force.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path := configFile
		if path == "" {
			path = filepath.Join(cfg.DataDir, config.FileName)
		}
		if err := cfg.WriteFile(path, force); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s wrote %s\n", ui.DefaultStyles().Success.Render("✓"), path)
		return nil
	},
}

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "maint",
	Short:   "Stress the store with concurrent writers",
	Long: `Create a scratch database, hammer it with concurrent writers and check
that no write was lost: every record must end at one more than the number of
successful saves, with no write falling back to memory.

The scratch database is created in a temporary directory and removed after
the run. Your data is not touched.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		records, _ := cmd.Flags().GetInt("records")
		writers, _ := cmd.Flags().GetInt("writers")
		writes, _ := cmd.Flags().GetInt("writes")
		if records < 1 || writers < 1 || writes < 1 {
			return fmt.Errorf("--records, --writers and --writes must be positive")
		}

		dir, err := os.MkdirTemp("", "rcsync-loadtest-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)

		ctx := cmd.Context()
		td, err := loadtest.CreateTestDatabase(ctx, filepath.Join(dir, config.DatabaseName), records, nil)
		if err != nil {
			return err
		}
		defer td.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%d writers × %d writes over %s\n\n", writers, writes, ui.Plural(records, "record", "records"))
		res, err := td.RunConcurrentWriters(ctx, writers, writes)
		if err != nil {
			return err
		}
		res.Stats.PrintStats(out)

		if err := td.VerifyVersions(ctx, res.Writes); err != nil {
			return fmt.Errorf("lost update detected: %w", err)
		}
		fmt.Fprintf(out, "\n%s no lost updates\n", ui.DefaultStyles().Success.Render("✓"))
		return nil
	},
}

var devRemoteCmd = &cobra.Command{
	Use:     "dev-remote",
	GroupID: "maint",
	Short:   "Serve an in-memory sync API for local testing",
	Long: `Serve an in-memory implementation of the sync API until interrupted.
Point remote.base_url at it and log in with the same token:

  rcsync dev-remote --addr 127.0.0.1:8788 --token dev &
  rcsync login --owner me --token dev
  RCSYNC_REMOTE_BASE_URL=http://127.0.0.1:8788 rcsync sync

Data is lost when the server stops.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		token, _ := cmd.Flags().GetString("token")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, closeLog, err := newLogger(cfg, false)
		if err != nil {
			return err
		}
		defer func() { _ = closeLog() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		srv := &http.Server{
			Handler:           remote.NewMemoryServer(token, logger).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Serve(ln) }()
		logger.Info("dev remote listening", zap.String("addr", ln.Addr().String()))
		fmt.Fprintf(cmd.ErrOrStderr(), "Serving sync API on http://%s\n", ln.Addr())

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Replace an existing file")
	configCmd.AddCommand(configShowCmd, configInitCmd)

	loadtestCmd.Flags().Int("records", 100, "Records in the scratch database")
	loadtestCmd.Flags().Int("writers", 8, "Concurrent writers")
	loadtestCmd.Flags().Int("writes", 50, "Writes per writer")

	devRemoteCmd.Flags().String("addr", "127.0.0.1:8788", "Listen address")
	devRemoteCmd.Flags().String("token", "dev", "Bearer token clients must send")

	rootCmd.AddCommand(configCmd, loadtestCmd, devRemoteCmd)
}

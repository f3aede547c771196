package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/repcue/localsync/internal/daemon"
	"github.com/repcue/localsync/internal/dashboard"
	"github.com/repcue/localsync/internal/syncer"
	"github.com/repcue/localsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync pass",
	Long: `Run one sync pass against the remote API:

  1. Scan: enqueue every dirty record that has an owner
  2. Deliver: push due queue entries until nothing is due
  3. Pull: fetch and apply changes made on other devices

Requires a signed-in session with storage consent. Failed deliveries stay
queued with backoff; run 'rcsync queue list' to inspect them.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.requireSyncable(); err != nil {
			return err
		}
		s, err := a.syncer(nil)
		if err != nil {
			return err
		}

		start := time.Now()
		report, syncErr := s.SyncOnce(ctx)
		elapsed := time.Since(start)

		out := cmd.OutOrStdout()
		if jsonOutput {
			res := map[string]any{"report": report, "duration": elapsed.String()}
			if syncErr != nil {
				res["error"] = syncErr.Error()
			}
			if err := printJSON(out, res); err != nil {
				return err
			}
			return syncErr
		}

		styles := ui.DefaultStyles()
		fmt.Fprint(out, ui.KV(styles,
			[2]string{"Enqueued", fmt.Sprintf("%d (%d anonymous waiting, %d skipped)",
				report.Scan.Enqueued, report.Scan.Anonymous, report.Scan.Skipped)},
			[2]string{"Delivered", fmt.Sprintf("%d of %d attempted", report.Deliver.Delivered, report.Deliver.Attempted)},
			[2]string{"Conflicts", fmt.Sprint(report.Deliver.Conflicts)},
			[2]string{"Rejected", fmt.Sprint(report.Deliver.DeadLettered)},
			[2]string{"Rescheduled", fmt.Sprint(report.Deliver.Rescheduled)},
			[2]string{"Pulled", fmt.Sprintf("%d applied, %d kept local", report.Pull.Applied, report.Pull.Kept)},
		))
		if syncErr != nil {
			return fmt.Errorf("sync finished with errors after %s: %w", elapsed.Round(time.Millisecond), syncErr)
		}
		fmt.Fprintf(out, "%s sync complete in %s\n", styles.Success.Render("✓"), elapsed.Round(time.Millisecond))
		return nil
	},
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run background sync until interrupted",
	Long: `Run the sync loops in the foreground until SIGINT or SIGTERM.

The daemon scans, delivers and pulls on the intervals in the [sync] config
section. It watches the session file and claims anonymous records as soon
as an account signs in. Loops are idle while signed out or without consent.

Logs go to stderr and to the rotating log file. When metrics.addr is set,
Prometheus metrics are served on it. With --dashboard, a live event stream
is served on ws://127.0.0.1:<port>/ws.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		port := -1
		if withDashboard {
			port, _ = cmd.Flags().GetInt("port")
		}
		return runDaemon(cmd, port)
	},
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "sync",
	Short:   "Run background sync with the live dashboard",
	Long: `Run the daemon with the WebSocket dashboard enabled.

Clients connect to ws://127.0.0.1:<port>/ws and receive a stats message on
connect, then sync_event, sync_complete and stats messages as they happen.
/health and /metrics are served on the same port.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		return runDaemon(cmd, port)
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Serve the live dashboard")
	daemonCmd.Flags().Int("port", 0, "Dashboard port (default dashboard.port)")
	dashboardCmd.Flags().Int("port", 0, "Dashboard port (default dashboard.port)")

	rootCmd.AddCommand(syncCmd, daemonCmd, dashboardCmd)
}

// runDaemon runs the daemon until a signal arrives. A negative port disables
// the dashboard; zero means the configured port.
func runDaemon(cmd *cobra.Command, port int) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, openOptions{logFile: true})
	if err != nil {
		return err
	}
	defer a.Close()

	var (
		notifier syncer.Notifier
		handler  *dashboard.Handler
	)
	if port >= 0 {
		if port == 0 {
			port = a.cfg.Dashboard.Port
		}
		server := dashboard.NewServer(&dashboard.Config{
			Port:     port,
			Gatherer: prometheus.DefaultGatherer,
			Logger:   a.logger,
		})
		if err := server.Start(); err != nil {
			return err
		}
		defer func() { _ = server.Stop() }()
		handler = dashboard.NewHandler(server, a.logger)
		notifier = handler
		fmt.Fprintf(cmd.ErrOrStderr(), "Dashboard on ws://%s/ws\n", server.GetAddr())
	}

	s, err := a.syncer(notifier)
	if err != nil {
		return err
	}
	d, err := daemon.New(s, a.claimer(), a.session, &daemon.Config{
		ScanInterval:    a.cfg.Sync.ScanInterval,
		DeliverInterval: a.cfg.Sync.DeliverInterval,
		PullInterval:    a.cfg.Sync.PullInterval,
		Logger:          a.logger,
		Notifier:        notifier,
	})
	if err != nil {
		return err
	}

	if a.cfg.Metrics.Addr != "" {
		srv, err := serveMetrics(a.cfg.Metrics.Addr, a.logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if handler != nil {
		go reportQueueStats(ctx, a, handler)
	}

	return d.Start(ctx)
}

func serveMetrics(addr string, logger *zap.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return srv, nil
}

// reportQueueStats pushes the queue depth to the dashboard on the deliver
// interval.
func reportQueueStats(ctx context.Context, a *app, h *dashboard.Handler) {
	ticker := time.NewTicker(a.cfg.Sync.DeliverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := a.queue.Stats(ctx)
			if err != nil {
				if ctx.Err() == nil {
					a.logger.Debug("queue stats failed", zap.Error(err))
				}
				continue
			}
			h.OnQueueStats(st)
		}
	}
}

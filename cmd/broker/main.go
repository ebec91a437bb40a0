// Command broker runs the taskbroker server: the websocket gateway agents
// dial into, the chat-triggered command service, and the supporting
// offline-queue, stream-accumulation, progress-tracking, and sync
// machinery described in the package docs under internal/.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"taskbroker/internal/breaker"
	"taskbroker/internal/command"
	"taskbroker/internal/gateway"
	"taskbroker/internal/notifier"
	"taskbroker/internal/progress"
	"taskbroker/internal/router"
	"taskbroker/internal/storage"
	"taskbroker/internal/streamacc"
	"taskbroker/internal/syncorch"
	"taskbroker/internal/telemetry"
	"taskbroker/pkg/config"
	"taskbroker/pkg/logx"
	"taskbroker/pkg/ratelimit"
)

var (
	configPath  string
	queueAgent  string
	logger      = logx.NewLogger("broker")
)

var rootCmd = &cobra.Command{
	Use:   "broker",
	Short: "Chat-driven task dispatch broker",
	RunE:  requireSubcommand,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker server until signaled to stop",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE:  runMigrate,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the offline message queue",
	RunE:  requireSubcommand,
}

var queueInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List undelivered offline-queue entries for an agent",
	RunE:  runQueueInspect,
}

func requireSubcommand(cmd *cobra.Command, _ []string) error {
	return cmd.Help()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "broker.yaml", "path to the broker config file")
	queueInspectCmd.Flags().StringVar(&queueAgent, "agent", "", "agent id to inspect the offline queue for")

	queueCmd.AddCommand(queueInspectCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, queueCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadBrokerConfig(configPath)
	if err != nil {
		return err
	}
	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	defer store.Close()
	logger.Info("database at %s is up to date", cfg.DatabasePath)
	return nil
}

func runQueueInspect(cmd *cobra.Command, _ []string) error {
	if queueAgent == "" {
		return fmt.Errorf("--agent is required")
	}
	cfg, err := config.LoadBrokerConfig(configPath)
	if err != nil {
		return err
	}
	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.PendingForAgent(queueAgent)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no pending offline messages")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("#%d type=%s created=%s expires=%s\n", e.ID, e.MessageType, e.CreatedAt.Format(time.RFC3339), e.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// shutdownTimeout bounds graceful shutdown before the process force-exits,
// so a hung in-flight agent invocation can never wedge the broker
// indefinitely.
const shutdownTimeout = 30 * time.Second

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadBrokerConfig(configPath)
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	tel := telemetry.Init("taskbroker-broker")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown: %v", err)
		}
	}()

	br := breaker.New(cfg.Breaker)
	limiter := ratelimit.New(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)

	// gateway and router are mutually dependent (the router needs the
	// gateway as a command Sender, the gateway needs the router as its
	// frame handler), so the gateway is constructed first with a nil
	// handler and wired up once the router exists.
	gw := gateway.NewServer(store, nil)

	cmdSvc := command.New(store, gw, br, limiter, cfg.Queue.DefaultTTL)

	streams := streamacc.New(cfg.Stream.FlushInterval, nil)
	progressTracker := progress.New(cfg.Progress.MaxTrackers, cfg.Progress.RingSize, cfg.Progress.TTL)

	poster := newStubChatPoster()
	notif := notifier.New(poster)

	cmdSvc.SetNotifier(notif)

	r := router.New(store, streams, progressTracker, br, notif, cmdSvc)
	r.SetTracer(tel.Tracer)
	streams.SetFlush(r.StreamFlushFunc())
	gw.SetHandler(r)

	orch := syncorch.New(gw, r, cmdSvc, store, gw)
	orch.SetNotifier(notif)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	streams.Start(ctx)

	sweepStop := make(chan struct{})
	go runSweeps(cfg, store, gw, progressTracker, orch, sweepStop)

	httpSrv := &http.Server{
		Addr:    cfg.Listen.Addr,
		Handler: buildMux(gw, notif, orch),
	}

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info("listening on %s", cfg.Listen.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErrCh:
		if err != nil {
			return fmt.Errorf("gateway listener: %w", err)
		}
	}

	return gracefulShutdown(store, streams, gw, httpSrv, sweepStop)
}

func gracefulShutdown(store *storage.Store, streams *streamacc.Accumulator, gw *gateway.Server, httpSrv *http.Server, sweepStop chan struct{}) error {
	done := make(chan struct{})
	go func() {
		defer close(done)

		streams.Stop()
		close(sweepStop)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown: %v", err)
		}

		gw.Registry().DisconnectAll()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		logger.Error("graceful shutdown timed out after %s, forcing exit", shutdownTimeout)
		os.Exit(1)
		return nil
	}
}

// deliveredRetention is how long delivered offline-queue rows are kept as
// a delivery audit trail before being purged.
const deliveredRetention = 7 * 24 * time.Hour

// runSweeps periodically redrives the offline-queue drain for connected
// agents and clears expired queue entries, expired sessions, stale
// progress trackers, and terminal workflows until stop is closed.
func runSweeps(cfg *config.BrokerConfig, store *storage.Store, gw *gateway.Server, tracker *progress.Tracker, orch *syncorch.Orchestrator, stop chan struct{}) {
	drainTicker := time.NewTicker(cfg.Queue.DrainTickEvery)
	defer drainTicker.Stop()
	sweepTicker := time.NewTicker(cfg.Progress.SweepEvery)
	defer sweepTicker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-drainTicker.C:
			gw.DrainConnected()
			if n, err := store.CleanExpired(); err != nil {
				logger.Warn("clean expired offline queue: %v", err)
			} else if n > 0 {
				logger.Debug("cleaned %d expired offline-queue entries", n)
			}
			if n, err := store.PurgeDelivered(deliveredRetention); err != nil {
				logger.Warn("purge delivered offline queue: %v", err)
			} else if n > 0 {
				logger.Debug("purged %d delivered offline-queue entries", n)
			}
			if n, err := store.SweepExpiredSessions(); err != nil {
				logger.Warn("sweep expired sessions: %v", err)
			} else if n > 0 {
				logger.Debug("expired %d stale sessions", n)
			}
		case <-sweepTicker.C:
			if n := tracker.SweepExpired(time.Now()); n > 0 {
				logger.Debug("swept %d stale progress trackers", n)
			}
			if n := orch.SweepWorkflows(time.Now()); n > 0 {
				logger.Debug("swept %d terminal workflows", n)
			}
		}
	}
}

// buildMux mounts the agent gateway at the root alongside the operator
// surfaces: Prometheus metrics and the read-only admin views of connected
// agents, failed notifications, and workflow state.
func buildMux(gw *gateway.Server, notif *notifier.Notifier, orch *syncorch.Orchestrator) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", gw)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/admin/agents", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, gw.Registry().ConnectedAgents())
	})
	mux.HandleFunc("/admin/failed-notifications", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, notif.FailedNotifications())
	})
	mux.HandleFunc("/admin/workflows", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, orch.Workflows())
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("encode admin response: %v", err)
	}
}

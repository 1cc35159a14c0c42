package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdhttp "net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	inbound "github.com/mcpgateway/control-plane/internal/adapter/inbound/http"
	"github.com/mcpgateway/control-plane/internal/adapter/outbound/authority"
	"github.com/mcpgateway/control-plane/internal/adapter/outbound/identity"
	"github.com/mcpgateway/control-plane/internal/adapter/outbound/mcp"
	"github.com/mcpgateway/control-plane/internal/config"
	"github.com/mcpgateway/control-plane/internal/metrics"
	"github.com/mcpgateway/control-plane/internal/notify"
	"github.com/mcpgateway/control-plane/internal/service"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control plane services",
	Long: `Start the bundle distribution server, the constraint evaluator, and
(when enabled) the approval replay worker.

Examples:
  # Start with config file settings
  control-plane serve

  # Start with a specific config file
  control-plane --config /path/to/config.yaml serve

  # Point at a remote authority
  CONTROL_PLANE_AUTHORITY_URL=http://authority:12000 control-plane serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// LoadConfig applies defaults and validates.
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	return run(ctx, cfg, logger)
}

// run wires all components together and blocks until shutdown.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// A listener failure must also stop the background workers.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	tokens := identity.NewTokenSource(identity.Config{
		IssuerURL: cfg.Identity.URL,
		Realm:     cfg.Identity.Realm,
		ClientID:  cfg.Identity.ClientID,
		Username:  cfg.Identity.Username,
		Password:  cfg.Identity.Password,
	}, logger)
	client := authority.NewClient(cfg.Authority.URL, tokens, logger)

	rebuildLatch := notify.NewLatch()
	var replayLatch *notify.Latch
	if cfg.Replay.Enabled {
		replayLatch = notify.NewLatch()
	}

	bundles := service.NewBundleService(client, tokens, cfg.Authority.URL,
		rebuildLatch, replayLatch, logger, m)
	cache := service.NewConstraintCache(client, logger, m)
	evaluator := service.NewEvaluationService(cache, client, logger, m)

	// Initial population. Failures are logged, not fatal: the event stream
	// and the periodic loops retry, and /health reports "initializing"
	// until the first bundle lands.
	if err := bundles.Rebuild(ctx); err != nil {
		logger.Warn("initial bundle build failed, will retry", "error", err)
	}
	if err := cache.Refresh(ctx); err != nil {
		logger.Warn("initial constraint cache refresh failed, will retry", "error", err)
	}

	var wg sync.WaitGroup
	runWorker := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}

	runWorker(func() { bundles.RunStreamConsumer(ctx) })
	runWorker(func() { bundles.RunRebuildWorker(ctx) })
	runWorker(func() { bundles.RunReconciler(ctx, cfg.Bundle.ReconcileInterval()) })
	runWorker(func() { cache.Run(ctx, cfg.Evaluator.CacheRefresh()) })

	if cfg.Replay.Enabled {
		backends, err := cfg.Replay.BackendMap()
		if err != nil {
			return err
		}
		replayer := mcp.NewReplayClient(Version, logger)
		replay := service.NewReplayService(client, replayer, backends,
			replayLatch, cfg.Replay.PollInterval(), logger, m)
		runWorker(func() { replay.Run(ctx) })
		logger.Info("replay worker enabled", "backends", len(backends))
	}

	bundleHandler := inbound.NewBundleHandler(bundles, cfg.Bundle.Name,
		cfg.Bundle.StalenessThreshold(), registry, logger, m)
	evaluatorHandler := inbound.NewEvaluatorHandler(evaluator, cache, logger)

	bundleServer := &stdhttp.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Bundle.Port),
		Handler:           bundleHandler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	evaluatorServer := &stdhttp.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Evaluator.Port),
		Handler:           evaluatorHandler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("control-plane starting",
		"version", Version,
		"authority", cfg.Authority.URL,
		"bundle_addr", bundleServer.Addr,
		"bundle_name", cfg.Bundle.Name,
		"evaluator_addr", evaluatorServer.Addr,
		"replay_enabled", cfg.Replay.Enabled,
	)

	serveErr := make(chan error, 2)
	serveOne := func(name string, srv *stdhttp.Server) {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			serveErr <- fmt.Errorf("%s server: %w", name, err)
		}
	}
	go serveOne("bundle", bundleServer)
	go serveOne("evaluator", evaluatorServer)

	var failure error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case failure = <-serveErr:
		logger.Error("server failed", "error", failure)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := bundleServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("bundle server shutdown", "error", err)
	}
	if err := evaluatorServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("evaluator server shutdown", "error", err)
	}

	wg.Wait()
	logger.Info("control-plane stopped")
	return failure
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleet-relay/config"
	"fleet-relay/internal/consumer"
	"fleet-relay/internal/fanout"
	"fleet-relay/internal/logger"
	"fleet-relay/internal/logstore"
	"fleet-relay/internal/metrics"
	"fleet-relay/internal/registry"
	"fleet-relay/internal/relay"
	"fleet-relay/internal/server"
)

func main() {
	// Command line flags for config
	configPath := flag.String("config", "config/config.json", "path to config file")

	// Optional override flags
	serverAddrOverride := flag.String("server-addr", "", "override server listen address (empty = use config)")
	metricsAddrOverride := flag.String("metrics-addr", "", "override metrics server address (empty = use config)")
	metricsPathOverride := flag.String("metrics-path", "", "override metrics endpoint path (empty = use config)")
	metricsIntervalOverride := flag.Duration("metrics-interval", 0, "override metrics collection interval (0 = use config)")

	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Apply any command line overrides
	cfg.ApplyOverrides(
		*serverAddrOverride,
		*metricsAddrOverride,
		*metricsPathOverride,
		*metricsIntervalOverride,
	)

	// Initialize logger
	logger, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	// Setup metrics if enabled
	var metricsService *metrics.Metrics
	var metricsCollector *metrics.MetricsCollector
	var metricsServer *http.Server

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metricsService, err = metrics.NewMetrics(reg)
		if err != nil {
			logger.Fatal("failed to create metrics service", "error", err)
		}

		updateInterval, err := time.ParseDuration(cfg.Metrics.UpdateInterval)
		if err != nil {
			logger.Fatal("invalid metrics update interval", "error", err)
		}

		metricsCollector = metrics.NewMetricsCollector(metricsService, updateInterval)
		metricsCollector.Start()
		defer metricsCollector.Stop()

		// Setup metrics HTTP server
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			Registry:          reg,
			EnableOpenMetrics: true,
		}))

		metricsServer = &http.Server{
			Addr:    cfg.Metrics.Address,
			Handler: mux,
		}

		go func() {
			logger.Info("starting metrics server",
				"address", cfg.Metrics.Address,
				"path", cfg.Metrics.Path)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	// Setup signal handlers
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Shared log store connection
	store, err := logstore.NewStore(cfg.Redis.URL, logger)
	if err != nil {
		logger.Fatal("failed to create log store", "error", err)
	}
	defer store.Close()

	// Device registry with its background prune loop
	reg := registry.NewRegistry(cfg.Registry.StaleTimeout(), cfg.Registry.PruneInterval(), logger, metricsService)
	pruneDone := make(chan struct{})
	go reg.Run(pruneDone)

	// Observer fanout
	fan := fanout.NewFanout(logger, metricsService)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stream consumers: commands are acknowledged after delivery, status
	// entries are shared with other readers and never deleted here
	commandConsumer := consumer.New(consumer.Config{
		Stream:      cfg.Redis.CommandStream,
		Start:       cfg.Redis.CommandStreamStart,
		Acknowledge: true,
	}, store, relay.CommandApply(reg, logger, metricsService), logger, metricsService)

	statusConsumer := consumer.New(consumer.Config{
		Stream:      cfg.Redis.StatusStream,
		Start:       cfg.Redis.StatusStreamStart,
		Acknowledge: false,
	}, store, relay.StatusApply(fan, logger, metricsService), logger, metricsService)

	var consumers sync.WaitGroup
	consumers.Add(2)
	go func() {
		defer consumers.Done()
		commandConsumer.Run(ctx)
	}()
	go func() {
		defer consumers.Done()
		statusConsumer.Run(ctx)
	}()

	// HTTP and websocket endpoints
	srv := server.NewServer(cfg, logger, metricsService, reg, fan, store)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server failed", "error", err)
		}
	}()

	logger.Info("fleet-relay started",
		"address", cfg.Server.Address,
		"commandStream", cfg.Redis.CommandStream,
		"statusStream", cfg.Redis.StatusStream,
		"metricsEnabled", cfg.Metrics.Enabled)

	// Handle signals
	<-sigChan
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop the consumers and the prune loop
	cancel()
	close(pruneDone)

	// Drain the HTTP server, then drop remaining device connections
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}
	reg.CloseAll()

	if cfg.Metrics.Enabled && metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
	}

	consumers.Wait()
	logger.Info("shutdown complete")
}

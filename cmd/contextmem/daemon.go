package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/contextmem/internal/audit"
	"github.com/fentz26/contextmem/internal/cache"
	"github.com/fentz26/contextmem/internal/config"
	"github.com/fentz26/contextmem/internal/controlplane"
	"github.com/fentz26/contextmem/internal/entities"
	"github.com/fentz26/contextmem/internal/history"
	"github.com/fentz26/contextmem/internal/learning"
	"github.com/fentz26/contextmem/internal/logger"
	"github.com/fentz26/contextmem/internal/metrics"
	"github.com/fentz26/contextmem/internal/scheduler"
	"github.com/fentz26/contextmem/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var (
	listenAddr string
	dbPath     string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the contextmem daemon",
	Long:  `Starts the contextmem daemon which serves the HTTP API, runs pattern detection and schedules training and cleanup.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadFromHome()
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting contextmem daemon", "db", cfg.DBPath, "cache", cfg.Cache.Backend)

	// Initialize store
	s, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}

	c, err := cache.New(cfg.Cache, log)
	if err != nil {
		s.Close()
		return fmt.Errorf("init cache: %w", err)
	}
	reader := cache.NewReader(c, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Initialize components
	entitySvc := entities.New(s, reader, log, m)
	historySvc := history.New(s, cfg.Detector, log, m)
	learningSvc := learning.New(s, reader, cfg.Learning, log, m)
	pdr := audit.NewPDRWriter(s)

	service := controlplane.NewService(entitySvc, historySvc, learningSvc, pdr, log)
	opts := []controlplane.ServerOption{
		controlplane.WithGatherer(reg),
		controlplane.WithMetrics(m),
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.New(service, cfg.Scheduler, cfg.Learning, log)
		if err != nil {
			historySvc.Close()
			c.Close()
			s.Close()
			return err
		}
		opts = append(opts, controlplane.WithSchedulerStats(sched.GetStats))
		sched.Start()
	}

	server := controlplane.NewServer(service, s, log, cfg.ListenAddr, opts...)

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
		close(serverErr)
	}()

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info("Received signal, initiating graceful shutdown", "signal", sig.String())
	case runErr = <-serverErr:
		if runErr != nil {
			log.Error("Server error", "error", runErr)
		}
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Info("Shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown error", "error", err)
	}

	if sched != nil {
		log.Info("Stopping scheduler")
		sched.Stop()
	}

	log.Info("Draining pattern detection queue")
	historySvc.Close()

	if err := c.Close(); err != nil {
		log.Warn("Cache close error", "error", err)
	}

	log.Info("Closing database connection")
	if err := s.Close(); err != nil {
		log.Warn("Database close error", "error", err)
	}

	log.Info("Shutdown complete")
	return runErr
}

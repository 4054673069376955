// Package main provides the fleetjobs server daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/fleetjobs/internal/config"
	"github.com/raphaelgruber/fleetjobs/internal/jobs"
	"github.com/raphaelgruber/fleetjobs/internal/metrics"
	"github.com/raphaelgruber/fleetjobs/internal/remote"
	"github.com/raphaelgruber/fleetjobs/internal/server"
)

func main() {
	hostsFile := flag.String("hosts", "", "path to the host inventory file (overrides FLEETJOBS_HOSTS_FILE)")
	flag.Parse()

	cfg := config.Load()
	if *hostsFile != "" {
		cfg.HostsFile = *hostsFile
	}

	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer func() {
		if err := cleanup(); err != nil {
			slog.Error("failed to close log file", "error", err)
		}
	}()
	slog.SetDefault(logger)

	slog.Info("starting fleetjobs-server", "addr", cfg.ListenAddr, "hosts_file", cfg.HostsFile)

	inventory, err := config.LoadInventory(cfg.HostsFile)
	if err != nil {
		slog.Error("failed to load host inventory", "error", err)
		os.Exit(1)
	}
	slog.Info("host inventory loaded", "hosts", len(inventory.Hosts))

	stats := metrics.NewCollector()
	executor := remote.NewFleet(inventory, cfg.DialTimeout, logger)
	defer func() {
		if err := executor.Close(); err != nil {
			slog.Error("failed to close ssh connections", "error", err)
		}
	}()

	store := jobs.NewStore(cfg.Retention, logger)
	controller := jobs.NewController(store, executor, inventory, jobs.Options{
		StallTimeout:    cfg.StallTimeout,
		BulkConcurrency: cfg.BulkConcurrency,
	}, logger, stats)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	store.StartSweeper(sweepCtx, cfg.SweepInterval)

	api := server.New(store, controller, stats, logger)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // websocket log tails stay open
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("polling API available", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped")
}

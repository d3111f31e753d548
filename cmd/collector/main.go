// Package main is the collector process entry point: it loads
// configuration, wires every component, starts the optional query API,
// and runs until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/r3e-network/fl-testbed-observer/infrastructure/middleware"
	"github.com/r3e-network/fl-testbed-observer/internal/api"
	"github.com/r3e-network/fl-testbed-observer/internal/scheduler"
	"github.com/r3e-network/fl-testbed-observer/pkg/config"
	"github.com/r3e-network/fl-testbed-observer/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to an optional JSON config overlay")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cfg.LogOutput, FilePrefix: "collector"}).
		WithField("component", "main")

	if err := os.MkdirAll(cfg.MetricsOutputDir, 0o755); err != nil {
		log.WithError(err).Fatal("failed to create metrics output directory")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched, err := scheduler.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize scheduler")
	}

	if err := sched.StartupGate(ctx); err != nil {
		log.WithError(err).Fatal("startup policy gate denied collector start")
	}

	sched.Start(ctx)
	log.WithFields(map[string]interface{}{
		"training_mode":   cfg.TrainingMode,
		"fl_interval_sec": cfg.FLIntervalSec,
	}).Info("collector monitors started")

	var httpServer *http.Server
	if cfg.APIEnabled {
		apiServer := api.NewServer(api.Collaborators{
			Store: sched.Store, FLMonitor: sched.FLMonitor, Netmon: sched.Netmon,
			PolicyClient: sched.PolicyClient, FLServer: sched.FLServer, Metrics: sched.Metrics,
			Cfg: cfg, Log: log.WithField("component", "api"),
		})
		httpServer = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort),
			Handler:      apiServer.Handler(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			log.WithField("addr", httpServer.Addr).Info("query API listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("query API server stopped unexpectedly")
			}
		}()
	}

	gs := middleware.NewGracefulShutdown(log, httpServer, 15*time.Second)
	sched.RegisterShutdown(gs)
	gs.OnShutdown(cancel)
	gs.ListenForSignals()
	gs.Wait()

	log.Info("collector shut down cleanly")
}

// Package middleware provides HTTP middleware for the collector's query API.
package middleware

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/r3e-network/fl-testbed-observer/pkg/logger"
)

// GracefulShutdown coordinates shutdown of the HTTP server plus an ordered
// list of callbacks (stop FL monitor worker, stop scheduler jobs, close the
// storage pool) so the process exits 0 on a clean SIGINT/SIGTERM per §6.
type GracefulShutdown struct {
	mu           sync.Mutex
	server       *http.Server
	timeout      time.Duration
	shutdownChan chan struct{}
	callbacks    []func()
	log          *logger.Logger
}

// NewGracefulShutdown creates a new graceful shutdown manager. server may be
// nil when the query API is disabled.
func NewGracefulShutdown(log *logger.Logger, server *http.Server, timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GracefulShutdown{
		server:       server,
		timeout:      timeout,
		shutdownChan: make(chan struct{}),
		log:          log,
	}
}

// OnShutdown registers a callback to run during shutdown, in registration
// order — callers should register the FL monitor stop first, then the
// scheduler, then storage close, matching the dependency order in §4.8.
func (g *GracefulShutdown) OnShutdown(callback func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callbacks = append(g.callbacks, callback)
}

// ListenForSignals starts a goroutine that triggers Shutdown on SIGINT/SIGTERM.
func (g *GracefulShutdown) ListenForSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		g.log.WithField("signal", sig.String()).Info("received shutdown signal")
		g.Shutdown()
	}()
}

// Shutdown runs every registered callback, then stops the HTTP server.
func (g *GracefulShutdown) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, callback := range g.callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					g.log.WithField("panic", r).Error("panic in shutdown callback")
				}
			}()
			callback()
		}()
	}

	if g.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()
		if err := g.server.Shutdown(ctx); err != nil {
			g.log.WithError(err).Warn("error during API server shutdown")
		}
	}

	select {
	case <-g.shutdownChan:
	default:
		close(g.shutdownChan)
	}
}

// Wait blocks until Shutdown has completed.
func (g *GracefulShutdown) Wait() {
	<-g.shutdownChan
}

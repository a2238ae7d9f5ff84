// Command feedd serves crawl runs and pages over HTTP together with their
// change stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/crawlwatch/internal/config"
	"github.com/xiaot623/crawlwatch/internal/feed"
	"github.com/xiaot623/crawlwatch/internal/repository"
	"github.com/xiaot623/crawlwatch/internal/service"
	server "github.com/xiaot623/crawlwatch/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		slog.Error("feedd failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(cfg.NewLogger(os.Stderr))

	slog.Info("starting feedd",
		"port", cfg.HTTPPort,
		"database", cfg.DatabaseURL,
		"ping_interval", cfg.PingInterval,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := feed.NewHub(cfg.SubscriberBuffer)

	// Initialize store; every committed mutation is published to the hub
	store, err := repository.NewSQLiteStore(cfg.DatabaseURL, hub)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer store.Close()

	svc := service.New(store, hub, cfg)
	e := server.NewServer(svc)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down feedd")

		// Graceful shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server gracefully: %w", err)
		}
		return nil
	})

	slog.Info("feed API started", "port", cfg.HTTPPort)
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("feedd stopped")
	return nil
}

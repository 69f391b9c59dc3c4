// Package main is the entry point for the possync background worker.
// It runs the scheduled sync loop, the DLQ auto-retrier, and storage
// maintenance for every configured scope.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"possync/internal/app"
	"possync/internal/config"
	"possync/internal/domain/catalog"
	"possync/internal/domain/syncrun"
	"possync/internal/infrastructure/storage/postgres"
	"possync/pkg/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("POSSYNC_CONFIG"), "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), log))
	defer cancel()

	log.Info("starting possync worker")

	engine, err := app.NewEngine(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to wire engine", "error", err)
	}
	defer engine.Close()

	scopes, err := parseScopes(cfg.Sync.Scopes)
	if err != nil {
		log.Fatalw("invalid sync scope configuration", "error", err)
	}
	log.Infow("worker configured",
		"scopes", len(scopes),
		"sync_interval", cfg.Sync.Interval.Std(),
		"retry_interval", cfg.DLQ.RetryInterval.Std(),
	)

	worker := NewWorker(engine, scopes, log)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		engine.Retrier.Run(ctx, cfg.DLQ.RetryInterval.Std())
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker...")
	cancel()

	wg.Wait()
	log.Info("worker stopped")
}

// parseScopes turns "account/location" or "account/location/scope" entries
// into scope keys. A two-part entry syncs the full menu.
func parseScopes(entries []string) ([]catalog.ScopeKey, error) {
	scopes := make([]catalog.ScopeKey, 0, len(entries))
	for _, entry := range entries {
		parts := strings.Split(entry, "/")
		switch len(parts) {
		case 2:
			scopes = append(scopes, catalog.NewScopeKey(parts[0], parts[1], ""))
		case 3:
			scopes = append(scopes, catalog.NewScopeKey(parts[0], parts[1], parts[2]))
		default:
			return nil, fmt.Errorf("scope %q: want account/location or account/location/scope", entry)
		}
	}
	return scopes, nil
}

// Worker drives periodic syncs and storage maintenance. One sync per scope,
// sequentially; the per-scope lock already serializes against manual
// triggers, so parallelism here buys nothing but contention.
type Worker struct {
	engine *app.Engine
	scopes []catalog.ScopeKey
	log    *logger.Logger
}

func NewWorker(engine *app.Engine, scopes []catalog.ScopeKey, log *logger.Logger) *Worker {
	return &Worker{
		engine: engine,
		scopes: scopes,
		log:    log.WithComponent("worker"),
	}
}

// Run loops until the context is canceled. The first sync pass starts
// immediately rather than waiting out a full interval.
func (w *Worker) Run(ctx context.Context) {
	syncTicker := time.NewTicker(w.engine.Cfg.Sync.Interval.Std())
	defer syncTicker.Stop()

	cleanupTicker := time.NewTicker(w.engine.Cfg.Idempotency.CleanupInterval.Std())
	defer cleanupTicker.Stop()

	statsTicker := time.NewTicker(5 * time.Minute)
	defer statsTicker.Stop()

	w.syncAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			w.syncAll(ctx)
		case <-cleanupTicker.C:
			w.cleanup(ctx)
		case <-statsTicker.C:
			postgres.LogPoolStats(ctx, w.engine.Pool.Pool)
		}
	}
}

func (w *Worker) syncAll(ctx context.Context) {
	for _, scope := range w.scopes {
		if ctx.Err() != nil {
			return
		}
		run, err := w.engine.Orchestrator.Run(ctx, scope, syncrun.Options{
			TriggeredBy: "scheduler",
		})
		switch {
		case err != nil && run == nil:
			w.log.Errorw("scheduled sync failed before a run was recorded",
				"scope", scope.String(), "error", err)
		case err != nil:
			w.log.Warnw("scheduled sync failed",
				"scope", scope.String(), "run_id", run.ID, "error", err)
		default:
			w.log.Infow("scheduled sync finished",
				"scope", scope.String(), "run_id", run.ID, "status", run.Status)
		}
	}
}

func (w *Worker) cleanup(ctx context.Context) {
	if result, err := w.engine.DLQ.Cleanup(ctx); err != nil {
		w.log.Errorw("dlq cleanup failed", "error", err)
	} else if result.Deleted > 0 {
		w.log.Infow("dlq cleanup finished",
			"deleted", result.Deleted, "freed_bytes", result.FreedBytes)
	}

	if removed, err := w.engine.Guard.Cleanup(ctx); err != nil {
		w.log.Errorw("idempotency cleanup failed", "error", err)
	} else if removed > 0 {
		w.log.Infow("idempotency cleanup finished", "removed", removed)
	}
}

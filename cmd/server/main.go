// Package main is the entry point for the possync API server.
// It exposes the sync trigger, run inspection, and DLQ review endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"possync/internal/app"
	"possync/internal/config"
	v1 "possync/internal/infrastructure/http/v1"
	"possync/internal/infrastructure/http/v1/middleware"
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

	ctx := logger.WithLogger(context.Background(), log)
	log.Info("starting possync server")

	engine, err := app.NewEngine(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to wire engine", "error", err)
	}
	defer engine.Close()
	log.Infow("database connection established",
		"max_conns", cfg.Database.MaxConns,
		"auto_migrate", cfg.Database.AutoMigrate,
	)

	router := v1.NewRouter(v1.RouterConfig{
		Pool:         engine.Pool,
		Logger:       log,
		JWTValidator: middleware.NewJWTValidator(cfg.Auth.JWTSecret),
		Orchestrator: engine.Orchestrator,
		Runs:         engine.Runs,
		DLQ:          engine.DLQ,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	go func() {
		log.Infow("server starting", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalw("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}

// Package app wires the sync engine from configuration. Both binaries
// (API server and background worker) assemble the same service graph,
// so the wiring lives here instead of in either main.
package app

import (
	"context"
	"fmt"

	"possync/internal/config"
	"possync/internal/core/resilience"
	"possync/internal/domain/batch"
	"possync/internal/domain/catalog"
	"possync/internal/domain/delta"
	"possync/internal/domain/dlq"
	"possync/internal/domain/idempotency"
	"possync/internal/domain/snapshot"
	"possync/internal/domain/syncrun"
	"possync/internal/infrastructure/downstream"
	"possync/internal/infrastructure/storage/postgres"
	"possync/internal/infrastructure/upstream"
	"possync/pkg/logger"
)

// Engine is the fully wired sync engine service graph.
type Engine struct {
	Cfg *config.Config
	Log *logger.Logger

	Pool      *postgres.Pool
	TxManager *postgres.TxManager

	Source       catalog.Source
	Snapshots    *snapshot.Service
	Guard        *idempotency.Guard
	DLQ          *dlq.Service
	Retrier      *dlq.Retrier
	Runs         syncrun.Repository
	Orchestrator *syncrun.Orchestrator
}

// NewEngine connects to storage, runs migrations when configured, and wires
// every service. The caller owns the pool and must Close the engine.
func NewEngine(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Engine, error) {
	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(ctx, cfg.Database.DSN); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	poolCfg := postgres.DefaultPoolConfig(cfg.Database.DSN)
	if cfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Database.MaxConns
	}
	if cfg.Database.MinConns > 0 {
		poolCfg.MinConns = cfg.Database.MinConns
	}
	pool, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	txManager := postgres.NewTxManager(pool)

	snapshotRepo := postgres.NewSnapshotRepo(txManager)
	deltaRepo := postgres.NewDeltaRepo(txManager)
	dlqRepo := postgres.NewDLQRepo(txManager)
	idempotencyRepo := postgres.NewIdempotencyRepo(txManager)
	runRepo := postgres.NewSyncRunRepo(txManager)

	snapshots, err := snapshot.NewService(snapshotRepo, txManager)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create snapshot service: %w", err)
	}
	builder, err := delta.NewBuilder(deltaRepo)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create delta builder: %w", err)
	}
	validator, err := delta.NewValidator(delta.DefaultRules())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create delta validator: %w", err)
	}

	queue := dlq.NewService(dlqRepo, txManager, dlq.Config{
		Retention:  cfg.DLQ.Retention.Std(),
		MessageTTL: cfg.DLQ.MessageTTL.Std(),
	})

	policy := resilience.NewPolicy("downstream", resilience.PolicyConfig{
		Retry: resilience.RetryConfig{
			MaxAttempts:       cfg.Resilience.MaxAttempts,
			BaseDelay:         cfg.Resilience.BaseDelay.Std(),
			MaxDelay:          cfg.Resilience.MaxDelay.Std(),
			BackoffMultiplier: cfg.Resilience.BackoffMultiplier,
			JitterFactor:      cfg.Resilience.JitterFactor,
		},
		Circuit: resilience.CircuitConfig{
			FailureThreshold: cfg.Resilience.CircuitThreshold,
			OpenDuration:     cfg.Resilience.CircuitOpenFor.Std(),
		},
		OperationTimeout: cfg.Resilience.OperationTimeout.Std(),
		HTTPTimeout:      cfg.Downstream.Timeout.Std(),
	})

	submitter := downstream.NewClient(cfg.Downstream.BaseURL,
		downstream.WithAPIKey(cfg.Downstream.APIKey),
		downstream.WithTimeout(cfg.Downstream.Timeout.Std()),
	)
	submission := delta.NewSubmissionService(deltaRepo, submitter, policy, queue)
	guard := idempotency.NewGuard(idempotencyRepo, txManager)

	source := upstream.NewClient(cfg.Upstream.BaseURL,
		upstream.WithAPIKey(cfg.Upstream.APIKey),
		upstream.WithTimeout(cfg.Upstream.Timeout.Std()),
	)

	orchCfg := syncrun.DefaultConfig(cfg.Downstream.VendorCode)
	orchCfg.LockStaleAfter = cfg.Idempotency.LockStaleAfter.Std()
	orchCfg.LockRetention = cfg.Idempotency.LockRetention.Std()
	orchCfg.HashRetention = cfg.Idempotency.HashRetention.Std()
	orchCfg.ChunkThreshold = cfg.Sync.ChunkThreshold
	orchCfg.Batch = batch.Config{
		InitialBatchSize: cfg.Sync.BatchSize,
		Concurrency:      cfg.Sync.BatchWorkers,
		QueueDepth:       batch.DefaultConfig().QueueDepth,
	}

	orchestrator, err := syncrun.NewOrchestrator(orchCfg, source, snapshots, builder, validator, submission, guard, queue, runRepo)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	// Replay targets form a cycle with the queue (submission writes failures
	// to the queue, the queue replays through submission), so handlers go in
	// after the orchestrator exists.
	queue.RegisterHandlers(
		delta.NewSyncReplayHandler(submission, cfg.Downstream.VendorCode),
		delta.NewValidationReplayHandler(builder, validator),
		delta.NewGenerationReplayHandler(orchestrator.RebuildDelta),
	)

	retrier := dlq.NewRetrier(queue, dlq.RetrierConfig{
		MaxAge:      cfg.DLQ.RetryMaxAge.Std(),
		MaxAttempts: cfg.DLQ.RetryAttempts,
		BatchSize:   cfg.DLQ.RetryBatch,
	})

	return &Engine{
		Cfg:          cfg,
		Log:          log,
		Pool:         pool,
		TxManager:    txManager,
		Source:       source,
		Snapshots:    snapshots,
		Guard:        guard,
		DLQ:          queue,
		Retrier:      retrier,
		Runs:         runRepo,
		Orchestrator: orchestrator,
	}, nil
}

// Close releases the engine's storage resources.
func (e *Engine) Close() {
	e.Pool.Close()
}

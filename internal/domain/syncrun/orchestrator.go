package syncrun

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"possync/internal/core/apperror"
	appctx "possync/internal/core/context"
	"possync/internal/core/id"
	"possync/internal/domain/batch"
	"possync/internal/domain/catalog"
	"possync/internal/domain/delta"
	"possync/internal/domain/dlq"
	"possync/internal/domain/idempotency"
	"possync/internal/domain/snapshot"
	"possync/pkg/logger"
)

// Config tunes the orchestrator.
type Config struct {
	// VendorCode identifies this integration to the delivery platform.
	VendorCode string

	// LockStaleAfter allows takeover of a sync lock whose holder stopped
	// reporting progress (crashed worker).
	LockStaleAfter time.Duration

	// LockRetention and HashRetention set record expiry for the two
	// idempotency key families.
	LockRetention time.Duration
	HashRetention time.Duration

	// ChunkThreshold is the upsert count above which submission switches
	// from a single request to the adaptive batch pipeline.
	ChunkThreshold int

	// Batch configures the adaptive pipeline for chunked submission.
	Batch batch.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig(vendorCode string) Config {
	return Config{
		VendorCode:     vendorCode,
		LockStaleAfter: 2 * time.Hour,
		LockRetention:  24 * time.Hour,
		HashRetention:  7 * 24 * time.Hour,
		ChunkThreshold: 200,
		Batch:          batch.DefaultConfig(),
	}
}

// Options modify one run.
type Options struct {
	// Force runs the full pipeline even when the catalog hash is unchanged
	// or the same content was already delivered.
	Force bool

	// TriggeredBy names the actor for audit ("scheduler", an admin login).
	TriggeredBy string

	parent *SyncRun
}

// Orchestrator sequences the sync pipeline phase by phase, committing run
// state after each phase so an interrupted run is diagnosable from storage.
type Orchestrator struct {
	cfg        Config
	source     catalog.Source
	snapshots  *snapshot.Service
	builder    *delta.Builder
	validator  *delta.Validator
	submission *delta.SubmissionService
	guard      *idempotency.Guard
	queue      *dlq.Service
	runs       Repository
	encoder    *zstd.Encoder
}

// NewOrchestrator wires the pipeline.
func NewOrchestrator(
	cfg Config,
	source catalog.Source,
	snapshots *snapshot.Service,
	builder *delta.Builder,
	validator *delta.Validator,
	submission *delta.SubmissionService,
	guard *idempotency.Guard,
	queue *dlq.Service,
	runs Repository,
) (*Orchestrator, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &Orchestrator{
		cfg:        cfg,
		source:     source,
		snapshots:  snapshots,
		builder:    builder,
		validator:  validator,
		submission: submission,
		guard:      guard,
		queue:      queue,
		runs:       runs,
		encoder:    encoder,
	}, nil
}

// Run executes one sync for a scope. The returned run carries the terminal
// status; the error mirrors a Failed status for callers that branch on it.
func (o *Orchestrator) Run(ctx context.Context, scope catalog.ScopeKey, opts Options) (*SyncRun, error) {
	if appctx.GetTrace(ctx) == nil {
		ctx = appctx.WithTrace(ctx, appctx.NewTraceContext())
	}
	ctx = appctx.WithScope(ctx, &appctx.ScopeContext{
		AccountID:    scope.AccountID,
		LocationID:   scope.LocationID,
		CatalogScope: scope.CatalogScope,
	})

	run := NewSyncRun(scope, appctx.GetCorrelationID(ctx))
	if opts.parent != nil {
		run.ParentRunID = &opts.parent.ID
		run.RetryCount = opts.parent.RetryCount + 1
	}
	tracer := NewTracer()
	ctx = WithTracer(ctx, tracer)

	if err := o.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create sync run: %w", err)
	}
	logger.Info(ctx, "sync run started",
		"run_id", run.ID,
		"scope", scope.String(),
		"triggered_by", opts.TriggeredBy,
		"retry_count", run.RetryCount,
	)

	scopeID := scope.String()
	lockKey := idempotency.LockKey(scopeID, run.StartedAt)

	// Initialization: claim the scope lock, then pull the current catalog.
	tracer.Record(PhaseInitialization, "acquiring sync lock", map[string]any{"key": lockKey})
	lockCheck, err := o.guard.CheckAndMarkStarted(ctx, scopeID, lockKey, idempotency.CheckOptions{
		Retention:  o.cfg.LockRetention,
		StaleAfter: o.cfg.LockStaleAfter,
	})
	if err != nil {
		return o.fail(ctx, run, tracer, PhaseInitialization, fmt.Errorf("check sync lock: %w", err))
	}
	if !lockCheck.CanProceed() {
		return o.fail(ctx, run, tracer, PhaseInitialization, apperror.NewSyncInProgress(scopeID, lockKey))
	}

	cat, err := o.source.FetchCurrentCatalog(ctx, scope)
	if err != nil {
		o.releaseLock(ctx, scopeID, lockKey, false)
		return o.fail(ctx, run, tracer, PhaseInitialization, fmt.Errorf("fetch catalog: %w", err))
	}
	tracer.Record(PhaseInitialization, "catalog fetched", map[string]any{"products": len(cat.Products)})
	if err := o.completePhase(ctx, run, PhaseInitialization); err != nil {
		o.releaseLock(ctx, scopeID, lockKey, false)
		return o.fail(ctx, run, tracer, PhaseInitialization, err)
	}

	// ChangeDetection: hash comparison, content-level idempotency, snapshot
	// capture with its change set.
	detect, err := o.snapshots.DetectChanges(ctx, scope, cat)
	if err != nil {
		o.releaseLock(ctx, scopeID, lockKey, false)
		return o.fail(ctx, run, tracer, PhaseChangeDetection, err)
	}
	tracer.Record(PhaseChangeDetection, "hash compared", map[string]any{
		"changed":    detect.HasChanged,
		"first_sync": detect.IsFirstSync,
	})
	if !detect.HasChanged && !opts.Force {
		return o.finishNoChanges(ctx, run, tracer, scopeID, lockKey)
	}

	hashKey := idempotency.HashKey(scopeID, detect.CurrentHash)
	hashCheck, err := o.guard.CheckAndMarkStarted(ctx, scopeID, hashKey, idempotency.CheckOptions{
		Retention: o.cfg.HashRetention,
	})
	if err != nil {
		o.releaseLock(ctx, scopeID, lockKey, false)
		return o.fail(ctx, run, tracer, PhaseChangeDetection, fmt.Errorf("check content key: %w", err))
	}
	switch hashCheck.Decision {
	case idempotency.DecisionProceed:
	case idempotency.DecisionAlreadySucceeded:
		if !opts.Force {
			run.Warnings = append(run.Warnings, "identical catalog content already delivered")
			return o.finishNoChanges(ctx, run, tracer, scopeID, lockKey)
		}
	case idempotency.DecisionAlreadyInProgress:
		o.releaseLock(ctx, scopeID, lockKey, false)
		return o.fail(ctx, run, tracer, PhaseChangeDetection, apperror.NewSyncInProgress(scopeID, hashKey))
	case idempotency.DecisionAlreadyFailedPermanent:
		if !opts.Force {
			o.releaseLock(ctx, scopeID, lockKey, false)
			return o.fail(ctx, run, tracer, PhaseChangeDetection,
				apperror.NewBusinessRule(apperror.CodeIdempotency,
					"this catalog content failed permanently before, forced sync required"))
		}
		run.Warnings = append(run.Warnings, "retrying content that failed permanently before")
	}

	snap, records, err := o.snapshots.Capture(ctx, scope, cat, detect)
	if err != nil {
		o.releaseLock(ctx, scopeID, lockKey, false)
		return o.fail(ctx, run, tracer, PhaseChangeDetection, err)
	}
	run.SnapshotID = &snap.ID
	run.SnapshotVersion = &snap.Version
	o.accumulateStats(run, records)
	tracer.Record(PhaseChangeDetection, "snapshot captured", map[string]any{
		"version": snap.Version,
		"changes": len(records),
	})
	if err := o.completePhase(ctx, run, PhaseChangeDetection); err != nil {
		o.releaseLock(ctx, scopeID, lockKey, false)
		return o.fail(ctx, run, tracer, PhaseChangeDetection, err)
	}

	// DeltaGeneration.
	d, payload, err := o.builder.Build(ctx, snap, records)
	if err != nil {
		o.captureGenerationFailure(ctx, run, snap, err)
		o.releaseLock(ctx, scopeID, lockKey, false)
		return o.fail(ctx, run, tracer, PhaseDeltaGeneration, err)
	}
	run.DeltaID = &d.ID
	tracer.Record(PhaseDeltaGeneration, "delta built", map[string]any{
		"upserts": d.UpsertCount,
		"removes": d.RemoveCount,
	})
	if err := o.completePhase(ctx, run, PhaseDeltaGeneration); err != nil {
		o.releaseLock(ctx, scopeID, lockKey, false)
		return o.fail(ctx, run, tracer, PhaseDeltaGeneration, err)
	}

	// DataValidation.
	if err := o.validator.Validate(ctx, payload); err != nil {
		if _, capErr := o.queue.Capture(ctx, dlq.Failure{
			EventType:     dlq.EventDeltaValidation,
			CorrelationID: run.CorrelationID,
			ScopeID:       scopeID,
			Payload:       d.Payload,
			Err:           err,
			Priority:      dlq.PriorityNormal,
		}); capErr != nil {
			logger.Error(ctx, "capture validation failure to dlq", "error", capErr)
		}
		o.markContentFailed(ctx, scopeID, hashKey)
		o.releaseLock(ctx, scopeID, lockKey, false)
		return o.fail(ctx, run, tracer, PhaseDataValidation, err)
	}
	tracer.Record(PhaseDataValidation, "payload valid", nil)
	if err := o.completePhase(ctx, run, PhaseDataValidation); err != nil {
		o.releaseLock(ctx, scopeID, lockKey, false)
		return o.fail(ctx, run, tracer, PhaseDataValidation, err)
	}

	// SoftDeleteProcessing: removals ride the same payload; this phase
	// accounts for them and surfaces unusually large removal sets.
	if d.RemoveCount > 0 {
		tracer.Record(PhaseSoftDeleteProcessing, "soft deletes staged", map[string]any{"count": d.RemoveCount})
		if d.UpsertCount > 0 && d.RemoveCount > d.UpsertCount*2 {
			run.Warnings = append(run.Warnings,
				fmt.Sprintf("removal set (%d) much larger than upsert set (%d)", d.RemoveCount, d.UpsertCount))
		}
	}
	if err := o.completePhase(ctx, run, PhaseSoftDeleteProcessing); err != nil {
		o.releaseLock(ctx, scopeID, lockKey, false)
		return o.fail(ctx, run, tracer, PhaseSoftDeleteProcessing, err)
	}

	// DownstreamSubmission.
	if err := o.submit(ctx, run, d, payload); err != nil {
		o.markContentFailed(ctx, scopeID, hashKey)
		o.releaseLock(ctx, scopeID, lockKey, false)
		return o.fail(ctx, run, tracer, PhaseDownstreamSubmission, err)
	}
	tracer.Record(PhaseDownstreamSubmission, "delta submitted", map[string]any{"import_id": d.ImportID})
	if err := o.completePhase(ctx, run, PhaseDownstreamSubmission); err != nil {
		o.releaseLock(ctx, scopeID, lockKey, false)
		return o.fail(ctx, run, tracer, PhaseDownstreamSubmission, err)
	}

	// Finalization: persist downstream ids, settle both idempotency keys.
	if d.ImportID != nil {
		if err := o.snapshots.MarkSynced(ctx, snap.ID, *d.ImportID); err != nil {
			return o.fail(ctx, run, tracer, PhaseFinalization, fmt.Errorf("mark snapshot synced: %w", err))
		}
	}
	if err := o.guard.MarkSucceeded(ctx, scopeID, hashKey, detect.CurrentHash); err != nil {
		logger.Warn(ctx, "settle content key", "key", hashKey, "error", err)
	}
	o.releaseLock(ctx, scopeID, lockKey, true)

	run.Status = StatusCompleted
	run.Phase = PhaseFinalization
	run.Progress = 100
	o.finish(ctx, run, tracer)

	logger.Info(ctx, "sync run completed",
		"run_id", run.ID,
		"scope", scopeID,
		"version", snap.Version,
		"processed", run.Processed,
	)
	return run, nil
}

// Retry starts a fresh run linked to a failed ancestor. The failed run's
// record is never mutated.
func (o *Orchestrator) Retry(ctx context.Context, runID id.ID, opts Options) (*SyncRun, error) {
	parent, err := o.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if parent.Status != StatusFailed {
		return nil, apperror.NewBusinessRule(apperror.CodeBusinessRule,
			fmt.Sprintf("run %s is %s, only failed runs can be retried", parent.ID, parent.Status))
	}
	opts.parent = parent
	return o.Run(ctx, parent.Scope(), opts)
}

// RebuildDelta regenerates, validates, and submits the delta for the snapshot
// named in a DLQ generation-failure message. Wired as the DeltaGeneration
// replay closure.
func (o *Orchestrator) RebuildDelta(ctx context.Context, msg *dlq.Message) error {
	var ref generationFailureRef
	if err := json.Unmarshal(msg.Payload, &ref); err != nil {
		return fmt.Errorf("decode generation failure payload: %w", err)
	}
	snapID, err := id.Parse(ref.SnapshotID)
	if err != nil {
		return fmt.Errorf("parse snapshot id: %w", err)
	}
	snap, err := o.snapshots.GetByID(ctx, snapID)
	if err != nil {
		return err
	}
	records, err := o.snapshots.ChangeRecords(ctx, snapID)
	if err != nil {
		return err
	}
	d, payload, err := o.builder.Build(ctx, snap, records)
	if err != nil {
		return err
	}
	if err := o.validator.Validate(ctx, payload); err != nil {
		return err
	}
	return o.submission.Submit(ctx, d, o.cfg.VendorCode)
}

// submit delivers the delta, chunking oversized upsert sets through the
// adaptive batch pipeline.
func (o *Orchestrator) submit(ctx context.Context, run *SyncRun, d *delta.Delta, payload *delta.WirePayload) error {
	if len(payload.Upserts) <= o.cfg.ChunkThreshold {
		if err := o.submission.Submit(ctx, d, o.cfg.VendorCode); err != nil {
			run.Failed += d.UpsertCount + d.RemoveCount
			return err
		}
		run.Succeeded += d.UpsertCount + d.RemoveCount
		return nil
	}

	// Removals are small; they ride the first chunk.
	removes := payload.Removes
	optimizer := batch.NewOptimizer[delta.WireItem](o.cfg.Batch)
	var (
		mu           sync.Mutex
		lastImportID string
	)
	summary, err := optimizer.Execute(ctx, payload.Upserts, func(ctx context.Context, chunk []delta.WireItem) (int, error) {
		chunkPayload := &delta.WirePayload{
			ScopeID:         payload.ScopeID,
			SnapshotVersion: payload.SnapshotVersion,
			Upserts:         chunk,
			CategoryRefs:    payload.CategoryRefs,
		}
		mu.Lock()
		if removes != nil {
			chunkPayload.Removes = removes
			removes = nil
		}
		mu.Unlock()
		encoded, err := o.builder.EncodePayload(chunkPayload)
		if err != nil {
			return 0, err
		}
		importID, err := o.submission.SubmitRaw(ctx, encoded, o.cfg.VendorCode)
		if err != nil {
			return 0, err
		}
		mu.Lock()
		lastImportID = importID
		mu.Unlock()
		return len(chunk), nil
	})
	if err != nil {
		return err
	}

	run.Succeeded += summary.Succeeded
	run.Failed += summary.Failed
	Trace(ctx, PhaseDownstreamSubmission, "chunked submission", map[string]any{
		"batches":      summary.Batches,
		"optimal_size": summary.OptimalBatchSize,
	})

	if summary.Failed > 0 {
		cause := fmt.Errorf("chunked submission: %d of %d items failed", summary.Failed, summary.Processed)
		if err := o.submission.MarkFailed(ctx, d, cause); err != nil {
			logger.Error(ctx, "record chunked submission failure", "delta_id", d.ID, "error", err)
		}
		return cause
	}
	return o.submission.MarkSent(ctx, d, lastImportID)
}

type generationFailureRef struct {
	SnapshotID string `json:"snapshotId"`
	ScopeID    string `json:"scopeId"`
}

func (o *Orchestrator) captureGenerationFailure(ctx context.Context, run *SyncRun, snap *snapshot.Snapshot, cause error) {
	ref, err := json.Marshal(generationFailureRef{
		SnapshotID: snap.ID.String(),
		ScopeID:    snap.Scope().String(),
	})
	if err != nil {
		logger.Error(ctx, "encode generation failure payload", "error", err)
		return
	}
	if _, err := o.queue.Capture(ctx, dlq.Failure{
		EventType:     dlq.EventDeltaGeneration,
		CorrelationID: run.CorrelationID,
		ScopeID:       snap.Scope().String(),
		Payload:       ref,
		Err:           cause,
		Priority:      dlq.PriorityCritical,
	}); err != nil {
		logger.Error(ctx, "capture generation failure to dlq", "error", err)
	}
}

// completePhase advances the run past a finished phase and commits it, then
// honors cancellation so the pipeline stops between phases, never inside one.
func (o *Orchestrator) completePhase(ctx context.Context, run *SyncRun, phase Phase) error {
	run.Phase = phase
	run.Progress = phase.Progress()
	if err := o.runs.Update(ctx, run); err != nil {
		return fmt.Errorf("commit phase %s: %w", phase, err)
	}
	return ctx.Err()
}

func (o *Orchestrator) accumulateStats(run *SyncRun, records []*snapshot.ChangeRecord) {
	run.Processed += len(records)
	for _, rec := range records {
		switch rec.Type {
		case snapshot.ChangeAdded:
			run.Added++
		case snapshot.ChangeModified, snapshot.ChangeRestored:
			run.Updated++
		case snapshot.ChangeSoftDeleted:
			run.Deleted++
		}
	}
}

func (o *Orchestrator) finishNoChanges(ctx context.Context, run *SyncRun, tracer *Tracer, scopeID, lockKey string) (*SyncRun, error) {
	o.releaseLock(ctx, scopeID, lockKey, true)
	run.Status = StatusNoChanges
	run.Phase = PhaseChangeDetection
	run.Progress = 100
	o.finish(ctx, run, tracer)
	logger.Info(ctx, "sync run short-circuited, no changes", "run_id", run.ID, "scope", scopeID)
	return run, nil
}

func (o *Orchestrator) fail(ctx context.Context, run *SyncRun, tracer *Tracer, phase Phase, cause error) (*SyncRun, error) {
	errStr := cause.Error()
	run.Status = StatusFailed
	run.FailedPhase = &phase
	run.Error = &errStr
	tracer.Record(phase, "run failed", map[string]any{"error": errStr})
	o.finish(ctx, run, tracer)
	logger.Error(ctx, "sync run failed",
		"run_id", run.ID,
		"phase", phase,
		"error", cause,
	)
	return run, cause
}

// finish compresses the trace and commits the terminal run state.
func (o *Orchestrator) finish(ctx context.Context, run *SyncRun, tracer *Tracer) {
	now := time.Now().UTC()
	run.FinishedAt = &now
	if raw, err := json.Marshal(tracer.Events()); err == nil {
		run.Trace = o.encoder.EncodeAll(raw, nil)
	}
	if err := o.runs.Update(ctx, run); err != nil {
		logger.Error(ctx, "commit terminal run state", "run_id", run.ID, "error", err)
	}
}

// markContentFailed settles the content hash key as permanently failed so an
// identical payload is not silently resubmitted later.
func (o *Orchestrator) markContentFailed(ctx context.Context, scopeID, hashKey string) {
	if err := o.guard.MarkFailed(ctx, scopeID, hashKey); err != nil {
		logger.Warn(ctx, "settle content key as failed", "key", hashKey, "error", err)
	}
}

func (o *Orchestrator) releaseLock(ctx context.Context, scopeID, lockKey string, succeeded bool) {
	var err error
	if succeeded {
		err = o.guard.MarkSucceeded(ctx, scopeID, lockKey, "")
	} else {
		err = o.guard.MarkFailed(ctx, scopeID, lockKey)
	}
	if err != nil {
		logger.Warn(ctx, "release sync lock", "key", lockKey, "error", err)
	}
}

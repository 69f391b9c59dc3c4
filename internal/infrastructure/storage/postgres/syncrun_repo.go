package postgres

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"possync/internal/core/apperror"
	"possync/internal/core/id"
	"possync/internal/domain/catalog"
	"possync/internal/domain/syncrun"
)

// Compile-time interface check.
var _ syncrun.Repository = (*SyncRunRepo)(nil)

var syncRunColumns = []string{
	"id", "account_id", "location_id", "catalog_scope", "correlation_id",
	"status", "phase", "progress",
	"stat_processed", "stat_succeeded", "stat_failed",
	"stat_added", "stat_updated", "stat_deleted",
	"failed_phase", "error", "warnings",
	"snapshot_id", "snapshot_version", "delta_id",
	"parent_run_id", "retry_count", "trace",
	"started_at", "finished_at",
}

// SyncRunRepo persists sync run records.
type SyncRunRepo struct {
	txm *TxManager
}

// NewSyncRunRepo creates the sync run repository.
func NewSyncRunRepo(txm *TxManager) *SyncRunRepo {
	return &SyncRunRepo{txm: txm}
}

func (r *SyncRunRepo) Create(ctx context.Context, run *syncrun.SyncRun) error {
	q := builder().
		Insert("sync_runs").
		Columns(syncRunColumns...).
		Values(
			run.ID, run.AccountID, run.LocationID, run.CatalogScope, run.CorrelationID,
			run.Status, run.Phase, run.Progress,
			run.Processed, run.Succeeded, run.Failed,
			run.Added, run.Updated, run.Deleted,
			run.FailedPhase, run.Error, run.Warnings,
			run.SnapshotID, run.SnapshotVersion, run.DeltaID,
			run.ParentRunID, run.RetryCount, run.Trace,
			run.StartedAt, run.FinishedAt,
		)

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert sync run: %w", err)
	}
	return nil
}

func (r *SyncRunRepo) Update(ctx context.Context, run *syncrun.SyncRun) error {
	q := builder().
		Update("sync_runs").
		SetMap(map[string]any{
			"status":           run.Status,
			"phase":            run.Phase,
			"progress":         run.Progress,
			"stat_processed":   run.Processed,
			"stat_succeeded":   run.Succeeded,
			"stat_failed":      run.Failed,
			"stat_added":       run.Added,
			"stat_updated":     run.Updated,
			"stat_deleted":     run.Deleted,
			"failed_phase":     run.FailedPhase,
			"error":            run.Error,
			"warnings":         run.Warnings,
			"snapshot_id":      run.SnapshotID,
			"snapshot_version": run.SnapshotVersion,
			"delta_id":         run.DeltaID,
			"trace":            run.Trace,
			"finished_at":      run.FinishedAt,
		}).
		Where(squirrel.Eq{"id": run.ID})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	result, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update sync run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperror.NewNotFound("sync_run", run.ID.String())
	}
	return nil
}

func (r *SyncRunRepo) GetByID(ctx context.Context, runID id.ID) (*syncrun.SyncRun, error) {
	q := builder().
		Select(syncRunColumns...).
		From("sync_runs").
		Where(squirrel.Eq{"id": runID}).
		Limit(1)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var run syncrun.SyncRun
	querier := r.txm.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &run, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("sync_run", runID.String())
		}
		return nil, fmt.Errorf("get sync run: %w", err)
	}
	return &run, nil
}

func (r *SyncRunRepo) ListByScope(ctx context.Context, scope catalog.ScopeKey, limit int) ([]*syncrun.SyncRun, error) {
	q := builder().
		Select(syncRunColumns...).
		From("sync_runs").
		Where(squirrel.Eq{
			"account_id":    scope.AccountID,
			"location_id":   scope.LocationID,
			"catalog_scope": scope.CatalogScope,
		}).
		OrderBy("started_at DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var runs []*syncrun.SyncRun
	querier := r.txm.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &runs, sql, args...); err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	return runs, nil
}

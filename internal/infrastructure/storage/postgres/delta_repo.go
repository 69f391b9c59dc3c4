package postgres

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"possync/internal/core/apperror"
	"possync/internal/core/id"
	"possync/internal/domain/delta"
)

// Compile-time interface check.
var _ delta.Repository = (*DeltaRepo)(nil)

var deltaColumns = []string{
	"id", "snapshot_id", "snapshot_version", "scope_id", "correlation_id",
	"generation_status", "submission_status", "payload",
	"upsert_count", "remove_count",
	"import_id", "last_error", "created_at", "sent_at",
}

// DeltaRepo persists delta records.
type DeltaRepo struct {
	txm *TxManager
}

// NewDeltaRepo creates the delta repository.
func NewDeltaRepo(txm *TxManager) *DeltaRepo {
	return &DeltaRepo{txm: txm}
}

func (r *DeltaRepo) Create(ctx context.Context, d *delta.Delta) error {
	q := builder().
		Insert("deltas").
		SetMap(map[string]any{
			"id":                d.ID,
			"snapshot_id":       d.SnapshotID,
			"snapshot_version":  d.SnapshotVersion,
			"scope_id":          d.ScopeID,
			"correlation_id":    d.CorrelationID,
			"generation_status": d.GenerationStatus,
			"submission_status": d.SubmissionStatus,
			"payload":           d.Payload,
			"upsert_count":      d.UpsertCount,
			"remove_count":      d.RemoveCount,
			"created_at":        d.CreatedAt,
		})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert delta: %w", err)
	}
	return nil
}

func (r *DeltaRepo) GetByID(ctx context.Context, deltaID id.ID) (*delta.Delta, error) {
	q := builder().
		Select(deltaColumns...).
		From("deltas").
		Where(squirrel.Eq{"id": deltaID}).
		Limit(1)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var d delta.Delta
	querier := r.txm.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &d, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("delta", deltaID.String())
		}
		return nil, fmt.Errorf("get delta: %w", err)
	}
	return &d, nil
}

func (r *DeltaRepo) Update(ctx context.Context, d *delta.Delta) error {
	q := builder().
		Update("deltas").
		SetMap(map[string]any{
			"generation_status": d.GenerationStatus,
			"submission_status": d.SubmissionStatus,
			"import_id":         d.ImportID,
			"last_error":        d.LastError,
			"sent_at":           d.SentAt,
		}).
		Where(squirrel.Eq{"id": d.ID})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	result, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update delta: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperror.NewNotFound("delta", d.ID.String())
	}
	return nil
}

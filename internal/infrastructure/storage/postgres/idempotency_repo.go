package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgconn"

	"possync/internal/core/apperror"
	"possync/internal/domain/idempotency"
)

// Compile-time interface check.
var _ idempotency.Repository = (*IdempotencyRepo)(nil)

const sqlstateUniqueViolation = "23505"

var idempotencyColumns = []string{
	"scope_id", "idempotency_key", "status",
	"first_seen_at", "last_processed_at", "expires_at", "result_hash",
}

// IdempotencyRepo persists idempotency records.
type IdempotencyRepo struct {
	txm *TxManager
}

// NewIdempotencyRepo creates the idempotency repository.
func NewIdempotencyRepo(txm *TxManager) *IdempotencyRepo {
	return &IdempotencyRepo{txm: txm}
}

func (r *IdempotencyRepo) Get(ctx context.Context, scopeID, key string) (*idempotency.Record, error) {
	q := builder().
		Select(idempotencyColumns...).
		From("idempotency_records").
		Where(squirrel.Eq{"scope_id": scopeID, "idempotency_key": key}).
		Limit(1)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rec idempotency.Record
	querier := r.txm.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &rec, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("idempotency_record", key)
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return &rec, nil
}

func (r *IdempotencyRepo) Insert(ctx context.Context, rec *idempotency.Record) error {
	q := builder().
		Insert("idempotency_records").
		SetMap(map[string]any{
			"scope_id":          rec.ScopeID,
			"idempotency_key":   rec.Key,
			"status":            rec.Status,
			"first_seen_at":     rec.FirstSeenAt,
			"last_processed_at": rec.LastProcessedAt,
			"expires_at":        rec.ExpiresAt,
			"result_hash":       rec.ResultHash,
		})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == sqlstateUniqueViolation {
			return idempotency.ErrDuplicateKey
		}
		return fmt.Errorf("insert idempotency record: %w", err)
	}
	return nil
}

func (r *IdempotencyRepo) Update(ctx context.Context, rec *idempotency.Record) error {
	q := builder().
		Update("idempotency_records").
		SetMap(map[string]any{
			"status":            rec.Status,
			"last_processed_at": rec.LastProcessedAt,
			"expires_at":        rec.ExpiresAt,
			"result_hash":       rec.ResultHash,
		}).
		Where(squirrel.Eq{"scope_id": rec.ScopeID, "idempotency_key": rec.Key})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	result, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update idempotency record: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperror.NewNotFound("idempotency_record", rec.Key)
	}
	return nil
}

func (r *IdempotencyRepo) Delete(ctx context.Context, scopeID, key string) error {
	q := builder().
		Delete("idempotency_records").
		Where(squirrel.Eq{"scope_id": scopeID, "idempotency_key": key})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}

	if _, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("delete idempotency record: %w", err)
	}
	return nil
}

func (r *IdempotencyRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	q := builder().
		Delete("idempotency_records").
		Where(squirrel.Lt{"expires_at": now})

	sql, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete: %w", err)
	}

	result, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	return result.RowsAffected(), nil
}

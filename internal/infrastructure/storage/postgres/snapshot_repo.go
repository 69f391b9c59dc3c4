package postgres

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"possync/internal/core/apperror"
	"possync/internal/core/id"
	"possync/internal/domain/catalog"
	"possync/internal/domain/snapshot"
)

// Compile-time interface check.
var _ snapshot.Repository = (*SnapshotRepo)(nil)

var snapshotColumns = []string{
	"id", "account_id", "location_id", "catalog_scope", "version", "hash",
	"product_count", "modifier_count", "payload",
	"synced", "import_id", "synced_at", "created_at",
}

var changeRecordColumns = []string{
	"id", "snapshot_id", "from_version", "to_version",
	"change_type", "entity_type", "entity_id", "entity_name",
	"changed_fields", "before_value", "after_value", "created_at",
}

// SnapshotRepo persists catalog snapshots and their change records.
type SnapshotRepo struct {
	txm *TxManager
}

// NewSnapshotRepo creates the snapshot repository.
func NewSnapshotRepo(txm *TxManager) *SnapshotRepo {
	return &SnapshotRepo{txm: txm}
}

func builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

func (r *SnapshotRepo) GetLatest(ctx context.Context, scope catalog.ScopeKey) (*snapshot.Snapshot, error) {
	q := builder().
		Select(snapshotColumns...).
		From("snapshots").
		Where(squirrel.Eq{
			"account_id":    scope.AccountID,
			"location_id":   scope.LocationID,
			"catalog_scope": scope.CatalogScope,
		}).
		OrderBy("version DESC").
		Limit(1)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var snap snapshot.Snapshot
	querier := r.txm.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &snap, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("snapshot", scope.String())
		}
		return nil, fmt.Errorf("get latest snapshot: %w", err)
	}
	return &snap, nil
}

func (r *SnapshotRepo) GetByID(ctx context.Context, snapID id.ID) (*snapshot.Snapshot, error) {
	q := builder().
		Select(snapshotColumns...).
		From("snapshots").
		Where(squirrel.Eq{"id": snapID}).
		Limit(1)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var snap snapshot.Snapshot
	querier := r.txm.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &snap, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("snapshot", snapID.String())
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return &snap, nil
}

func (r *SnapshotRepo) Create(ctx context.Context, snap *snapshot.Snapshot) error {
	q := builder().
		Insert("snapshots").
		SetMap(map[string]any{
			"id":             snap.ID,
			"account_id":     snap.AccountID,
			"location_id":    snap.LocationID,
			"catalog_scope":  snap.CatalogScope,
			"version":        snap.Version,
			"hash":           snap.Hash,
			"product_count":  snap.ProductCount,
			"modifier_count": snap.ModifierCount,
			"payload":        snap.Payload,
			"synced":         snap.Synced,
			"created_at":     snap.CreatedAt,
		})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (r *SnapshotRepo) MarkSynced(ctx context.Context, snapID id.ID, importID string) error {
	q := builder().
		Update("snapshots").
		Set("synced", true).
		Set("import_id", importID).
		Set("synced_at", squirrel.Expr("now()")).
		Where(squirrel.Eq{"id": snapID})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	result, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("mark snapshot synced: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperror.NewNotFound("snapshot", snapID.String())
	}
	return nil
}

func (r *SnapshotRepo) CreateChangeRecords(ctx context.Context, records []*snapshot.ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}

	q := builder().
		Insert("change_records").
		Columns(changeRecordColumns...)
	for _, rec := range records {
		q = q.Values(
			rec.ID, rec.SnapshotID, rec.FromVersion, rec.ToVersion,
			rec.Type, rec.EntityType, rec.EntityID, rec.EntityName,
			rec.ChangedFields, rec.Before, rec.After, rec.CreatedAt,
		)
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert change records: %w", err)
	}
	return nil
}

func (r *SnapshotRepo) ListChangeRecords(ctx context.Context, snapshotID id.ID) ([]*snapshot.ChangeRecord, error) {
	q := builder().
		Select(changeRecordColumns...).
		From("change_records").
		Where(squirrel.Eq{"snapshot_id": snapshotID}).
		OrderBy("entity_id")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var records []*snapshot.ChangeRecord
	querier := r.txm.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &records, sql, args...); err != nil {
		return nil, fmt.Errorf("list change records: %w", err)
	}
	return records, nil
}

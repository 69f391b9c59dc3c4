// Package snapshot provides versioned catalog snapshots, canonical hashing,
// and change detection between consecutive catalog states.
package snapshot

import (
	"context"
	"time"

	"possync/internal/core/id"
	"possync/internal/domain/catalog"
)

// Snapshot is an immutable, hashed record of a catalog's state at one point
// in time. Snapshots are never mutated, only superseded by a higher version.
type Snapshot struct {
	ID id.ID `db:"id" json:"id"`

	AccountID    string `db:"account_id" json:"accountId"`
	LocationID   string `db:"location_id" json:"locationId"`
	CatalogScope string `db:"catalog_scope" json:"catalogScope"`

	// Version increases strictly per scope.
	Version int `db:"version" json:"version"`

	// Hash is the canonical content digest (hex, 256-bit).
	Hash string `db:"hash" json:"hash"`

	ProductCount  int `db:"product_count" json:"productCount"`
	ModifierCount int `db:"modifier_count" json:"modifierCount"`

	// Payload is the zstd-compressed full catalog, kept so the differ can
	// reconstruct before/after values for modified entities.
	Payload []byte `db:"payload" json:"-"`

	// Downstream sync status.
	Synced    bool       `db:"synced" json:"synced"`
	ImportID  *string    `db:"import_id" json:"importId,omitempty"`
	SyncedAt  *time.Time `db:"synced_at" json:"syncedAt,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
}

// NewSnapshot creates a fully-formed snapshot row for a scope and version.
func NewSnapshot(scope catalog.ScopeKey, version int, hash string, cat *catalog.Catalog, payload []byte) *Snapshot {
	modifiers := 0
	for _, p := range cat.Products {
		modifiers += p.ModifierCount()
	}
	return &Snapshot{
		ID:            id.New(),
		AccountID:     scope.AccountID,
		LocationID:    scope.LocationID,
		CatalogScope:  scope.CatalogScope,
		Version:       version,
		Hash:          hash,
		ProductCount:  len(cat.Products),
		ModifierCount: modifiers,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	}
}

// Scope reconstructs the snapshot's scope key.
func (s *Snapshot) Scope() catalog.ScopeKey {
	return catalog.ScopeKey{
		AccountID:    s.AccountID,
		LocationID:   s.LocationID,
		CatalogScope: s.CatalogScope,
	}
}

// ChangeType classifies one detected change.
type ChangeType string

const (
	ChangeAdded       ChangeType = "added"
	ChangeModified    ChangeType = "modified"
	ChangeSoftDeleted ChangeType = "soft_deleted"
	ChangeRestored    ChangeType = "restored"
)

// ChangeRecord describes one entity change between two snapshot versions.
type ChangeRecord struct {
	ID id.ID `db:"id" json:"id"`

	SnapshotID  id.ID `db:"snapshot_id" json:"snapshotId"`
	FromVersion int   `db:"from_version" json:"fromVersion"`
	ToVersion   int   `db:"to_version" json:"toVersion"`

	Type       ChangeType `db:"change_type" json:"type"`
	EntityType string     `db:"entity_type" json:"entityType"`
	EntityID   string     `db:"entity_id" json:"entityId"`
	EntityName string     `db:"entity_name" json:"entityName"`

	// ChangedFields lists exactly which fields differed (Modified/Restored).
	ChangedFields []string `db:"changed_fields" json:"changedFields,omitempty"`

	// Before/After are serialized entity values, opaque to the engine core.
	Before []byte `db:"before_value" json:"-"`
	After  []byte `db:"after_value" json:"-"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// DetectResult is the outcome of change detection for a scope.
type DetectResult struct {
	HasChanged      bool   `json:"hasChanged"`
	IsFirstSync     bool   `json:"isFirstSync"`
	CurrentHash     string `json:"currentHash"`
	PreviousHash    string `json:"previousHash,omitempty"`
	PreviousVersion int    `json:"previousVersion"`
}

// Repository defines persistence for snapshots and change records.
type Repository interface {
	// GetLatest returns the latest snapshot for a scope, or a NOT_FOUND
	// AppError when the scope has never been synced.
	GetLatest(ctx context.Context, scope catalog.ScopeKey) (*Snapshot, error)

	// GetByID returns a snapshot by primary key.
	GetByID(ctx context.Context, snapID id.ID) (*Snapshot, error)

	// Create inserts a new snapshot. Version uniqueness per scope is
	// enforced by the store.
	Create(ctx context.Context, snap *Snapshot) error

	// MarkSynced records the downstream import id on a snapshot.
	MarkSynced(ctx context.Context, snapID id.ID, importID string) error

	// CreateChangeRecords inserts the change set of one version transition.
	CreateChangeRecords(ctx context.Context, records []*ChangeRecord) error

	// ListChangeRecords returns all change records of a snapshot transition.
	ListChangeRecords(ctx context.Context, snapshotID id.ID) ([]*ChangeRecord, error)
}

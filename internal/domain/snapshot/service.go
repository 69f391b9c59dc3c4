package snapshot

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"possync/internal/core/apperror"
	"possync/internal/core/id"
	"possync/internal/core/tx"
	"possync/internal/domain/catalog"
	"possync/pkg/logger"
)

// Service provides change detection and snapshot persistence for one store.
type Service struct {
	repo      Repository
	txManager tx.Manager
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// NewService creates a snapshot service.
func NewService(repo Repository, txManager tx.Manager) (*Service, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Service{
		repo:      repo,
		txManager: txManager,
		encoder:   encoder,
		decoder:   decoder,
	}, nil
}

// DetectChanges compares the current catalog's canonical hash against the
// latest stored snapshot for the scope.
//
// No prior snapshot means first sync (hasChanged=true); an equal hash means
// no change and the caller must short-circuit the rest of the pipeline.
func (s *Service) DetectChanges(ctx context.Context, scope catalog.ScopeKey, current *catalog.Catalog) (*DetectResult, error) {
	currentHash := Hash(current)

	latest, err := s.repo.GetLatest(ctx, scope)
	if err != nil {
		if apperror.IsNotFound(err) {
			return &DetectResult{
				HasChanged:  true,
				IsFirstSync: true,
				CurrentHash: currentHash,
			}, nil
		}
		return nil, fmt.Errorf("load latest snapshot: %w", err)
	}

	result := &DetectResult{
		CurrentHash:     currentHash,
		PreviousHash:    latest.Hash,
		PreviousVersion: latest.Version,
		HasChanged:      currentHash != latest.Hash,
	}

	if !result.HasChanged {
		logger.Debug(ctx, "catalog unchanged",
			"scope", scope.String(),
			"hash", currentHash,
			"version", latest.Version,
		)
	}
	return result, nil
}

// Capture persists a new snapshot for the scope along with the change records
// of the transition from the previous snapshot, all in one transaction.
// Returns the created snapshot and its change set.
func (s *Service) Capture(ctx context.Context, scope catalog.ScopeKey, current *catalog.Catalog, detect *DetectResult) (*Snapshot, []*ChangeRecord, error) {
	var previous *catalog.Catalog
	if !detect.IsFirstSync {
		latest, err := s.repo.GetLatest(ctx, scope)
		if err != nil {
			return nil, nil, fmt.Errorf("load previous snapshot: %w", err)
		}
		previous, err = s.DecodeCatalog(latest)
		if err != nil {
			// A missing or corrupt payload degrades into a first-sync diff.
			logger.Warn(ctx, "previous snapshot payload unreadable, diffing as first sync",
				"scope", scope.String(),
				"version", latest.Version,
				"error", err,
			)
			previous = nil
		}
	}

	records := Diff(previous, current)

	payload, err := s.encodeCatalog(current)
	if err != nil {
		return nil, nil, fmt.Errorf("encode catalog payload: %w", err)
	}

	snap := NewSnapshot(scope, detect.PreviousVersion+1, detect.CurrentHash, current, payload)
	for _, rec := range records {
		rec.SnapshotID = snap.ID
		rec.FromVersion = detect.PreviousVersion
		rec.ToVersion = snap.Version
	}

	err = s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, snap); err != nil {
			return fmt.Errorf("create snapshot: %w", err)
		}
		if len(records) > 0 {
			if err := s.repo.CreateChangeRecords(ctx, records); err != nil {
				return fmt.Errorf("create change records: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	logger.Info(ctx, "snapshot captured",
		"scope", scope.String(),
		"version", snap.Version,
		"hash", snap.Hash,
		"changes", len(records),
	)
	return snap, records, nil
}

// GetByID loads a snapshot by id.
func (s *Service) GetByID(ctx context.Context, snapID id.ID) (*Snapshot, error) {
	return s.repo.GetByID(ctx, snapID)
}

// ChangeRecords loads the change set of a snapshot transition.
func (s *Service) ChangeRecords(ctx context.Context, snapID id.ID) ([]*ChangeRecord, error) {
	return s.repo.ListChangeRecords(ctx, snapID)
}

// MarkSynced records a successful downstream import on the snapshot.
func (s *Service) MarkSynced(ctx context.Context, snapID id.ID, importID string) error {
	return s.repo.MarkSynced(ctx, snapID, importID)
}

// DecodeCatalog decompresses and unmarshals a snapshot's stored catalog.
func (s *Service) DecodeCatalog(snap *Snapshot) (*catalog.Catalog, error) {
	if len(snap.Payload) == 0 {
		return nil, fmt.Errorf("snapshot %s has no payload", snap.ID)
	}
	raw, err := s.decoder.DecodeAll(snap.Payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot payload: %w", err)
	}
	var cat catalog.Catalog
	if err := json.Unmarshal(raw, &cat); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot payload: %w", err)
	}
	return &cat, nil
}

func (s *Service) encodeCatalog(cat *catalog.Catalog) ([]byte, error) {
	raw, err := json.Marshal(cat)
	if err != nil {
		return nil, err
	}
	return s.encoder.EncodeAll(raw, nil), nil
}

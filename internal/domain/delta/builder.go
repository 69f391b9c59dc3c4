package delta

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/klauspost/compress/zstd"

	appctx "possync/internal/core/context"
	"possync/internal/core/id"
	"possync/internal/domain/catalog"
	"possync/internal/domain/snapshot"
	"possync/pkg/logger"
)

// Builder converts change-record sets into persisted, compressed deltas.
type Builder struct {
	repo    Repository
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewBuilder creates a delta builder.
func NewBuilder(repo Repository) (*Builder, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Builder{repo: repo, encoder: encoder, decoder: decoder}, nil
}

// Build constructs the minimal wire payload for a change set and persists the
// delta in Pending submission state. Added, Modified, and Restored records
// become upserts; SoftDeleted records become removals.
func (b *Builder) Build(ctx context.Context, snap *snapshot.Snapshot, records []*snapshot.ChangeRecord) (*Delta, *WirePayload, error) {
	scopeID := snap.Scope().String()
	payload := &WirePayload{
		ScopeID:         scopeID,
		SnapshotVersion: snap.Version,
	}

	categoryRefs := make(map[string]struct{})
	for _, rec := range records {
		switch rec.Type {
		case snapshot.ChangeSoftDeleted:
			payload.Removes = append(payload.Removes, rec.EntityID)
		default:
			item, err := wireItemFromRecord(rec)
			if err != nil {
				return b.failGeneration(ctx, snap, scopeID, err)
			}
			payload.Upserts = append(payload.Upserts, item)
			if item.Category != "" {
				categoryRefs[item.Category] = struct{}{}
			}
		}
	}
	for ref := range categoryRefs {
		payload.CategoryRefs = append(payload.CategoryRefs, ref)
	}
	sort.Strings(payload.CategoryRefs)

	raw, err := json.Marshal(payload)
	if err != nil {
		return b.failGeneration(ctx, snap, scopeID, fmt.Errorf("marshal wire payload: %w", err))
	}

	d := &Delta{
		ID:               id.New(),
		SnapshotID:       snap.ID,
		SnapshotVersion:  snap.Version,
		ScopeID:          scopeID,
		CorrelationID:    appctx.GetCorrelationID(ctx),
		GenerationStatus: GenerationGenerated,
		SubmissionStatus: SubmissionPending,
		Payload:          b.encoder.EncodeAll(raw, nil),
		UpsertCount:      len(payload.Upserts),
		RemoveCount:      len(payload.Removes),
		CreatedAt:        snap.CreatedAt,
	}

	if err := b.repo.Create(ctx, d); err != nil {
		return nil, nil, fmt.Errorf("persist delta: %w", err)
	}

	logger.Info(ctx, "delta generated",
		"delta_id", d.ID,
		"scope_id", scopeID,
		"upserts", d.UpsertCount,
		"removes", d.RemoveCount,
		"payload_bytes", len(d.Payload),
	)
	return d, payload, nil
}

// failGeneration persists a Failed delta so the failure is diagnosable from
// durable state, then returns the original error.
func (b *Builder) failGeneration(ctx context.Context, snap *snapshot.Snapshot, scopeID string, cause error) (*Delta, *WirePayload, error) {
	errStr := cause.Error()
	d := &Delta{
		ID:               id.New(),
		SnapshotID:       snap.ID,
		SnapshotVersion:  snap.Version,
		ScopeID:          scopeID,
		CorrelationID:    appctx.GetCorrelationID(ctx),
		GenerationStatus: GenerationFailed,
		SubmissionStatus: SubmissionFailed,
		LastError:        &errStr,
		CreatedAt:        snap.CreatedAt,
	}
	if err := b.repo.Create(ctx, d); err != nil {
		logger.Error(ctx, "persist failed delta", "error", err)
	}
	return nil, nil, fmt.Errorf("delta generation: %w", cause)
}

// EncodePayload marshals and compresses a wire payload without persisting
// anything. Used for chunked submission of oversized deltas.
func (b *Builder) EncodePayload(payload *WirePayload) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal wire payload: %w", err)
	}
	return b.encoder.EncodeAll(raw, nil), nil
}

// DecodePayload decompresses and unmarshals a delta's stored payload.
func (b *Builder) DecodePayload(d *Delta) (*WirePayload, error) {
	raw, err := b.decoder.DecodeAll(d.Payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress delta payload: %w", err)
	}
	var payload WirePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal delta payload: %w", err)
	}
	return &payload, nil
}

func wireItemFromRecord(rec *snapshot.ChangeRecord) (WireItem, error) {
	if len(rec.After) == 0 {
		return WireItem{}, fmt.Errorf("change record %s has no after-value", rec.ID)
	}
	var p catalog.Product
	if err := json.Unmarshal(rec.After, &p); err != nil {
		return WireItem{}, fmt.Errorf("unmarshal change record %s: %w", rec.ID, err)
	}
	return WireItem{
		ID:        p.ID,
		Name:      p.Name,
		Price:     p.Price.String(),
		Active:    p.Active,
		Category:  p.CategoryID,
		Modifiers: p.Modifiers,
	}, nil
}

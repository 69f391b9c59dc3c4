package delta

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possync/internal/core/apperror"
	"possync/internal/core/id"
	"possync/internal/domain/catalog"
	"possync/internal/domain/snapshot"
)

type memRepo struct {
	mu     sync.Mutex
	deltas map[id.ID]*Delta
}

func newMemRepo() *memRepo {
	return &memRepo{deltas: make(map[id.ID]*Delta)}
}

func (r *memRepo) Create(_ context.Context, d *Delta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas[d.ID] = d
	return nil
}

func (r *memRepo) GetByID(_ context.Context, deltaID id.ID) (*Delta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.deltas[deltaID]; ok {
		return d, nil
	}
	return nil, apperror.NewNotFound("delta", deltaID)
}

func (r *memRepo) Update(_ context.Context, d *Delta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas[d.ID] = d
	return nil
}

func (r *memRepo) all() []*Delta {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Delta, 0, len(r.deltas))
	for _, d := range r.deltas {
		out = append(out, d)
	}
	return out
}

func testSnapshot(t *testing.T) *snapshot.Snapshot {
	t.Helper()
	scope := catalog.NewScopeKey("acct", "loc", "menu")
	cat := catalog.NewCatalog(scope, nil)
	return snapshot.NewSnapshot(scope, 3, "hash-v3", cat, []byte{0x28, 0xb5, 0x2f, 0xfd})
}

func changeRecord(t *testing.T, ct snapshot.ChangeType, p catalog.Product) *snapshot.ChangeRecord {
	t.Helper()
	rec := &snapshot.ChangeRecord{
		ID:         id.New(),
		Type:       ct,
		EntityType: "product",
		EntityID:   p.ID,
		EntityName: p.Name,
	}
	if ct != snapshot.ChangeAdded {
		before, err := json.Marshal(p)
		require.NoError(t, err)
		rec.Before = before
	}
	if ct != snapshot.ChangeSoftDeleted {
		after, err := json.Marshal(p)
		require.NoError(t, err)
		rec.After = after
	}
	return rec
}

func testProduct(pid, category string) catalog.Product {
	return catalog.Product{
		ID:         pid,
		Name:       "Item " + pid,
		Price:      decimal.RequireFromString("9.99"),
		Active:     true,
		CategoryID: category,
	}
}

func TestBuildSplitsUpsertsAndRemoves(t *testing.T) {
	repo := newMemRepo()
	b, err := NewBuilder(repo)
	require.NoError(t, err)

	snap := testSnapshot(t)
	records := []*snapshot.ChangeRecord{
		changeRecord(t, snapshot.ChangeAdded, testProduct("p-1", "cat-b")),
		changeRecord(t, snapshot.ChangeModified, testProduct("p-2", "cat-a")),
		changeRecord(t, snapshot.ChangeRestored, testProduct("p-3", "cat-a")),
		changeRecord(t, snapshot.ChangeSoftDeleted, testProduct("p-4", "cat-a")),
	}

	d, payload, err := b.Build(context.Background(), snap, records)
	require.NoError(t, err)

	assert.Equal(t, GenerationGenerated, d.GenerationStatus)
	assert.Equal(t, SubmissionPending, d.SubmissionStatus)
	assert.Equal(t, 3, d.UpsertCount)
	assert.Equal(t, 1, d.RemoveCount)
	assert.Equal(t, snap.ID, d.SnapshotID)
	assert.Equal(t, 3, d.SnapshotVersion)

	require.Len(t, payload.Upserts, 3)
	assert.Equal(t, []string{"p-4"}, payload.Removes)
	// Category references are deduplicated and sorted.
	assert.Equal(t, []string{"cat-a", "cat-b"}, payload.CategoryRefs)
	assert.Equal(t, "acct/loc/menu", payload.ScopeID)
	assert.Equal(t, 3, payload.SnapshotVersion)
}

func TestBuildPayloadRoundTrips(t *testing.T) {
	repo := newMemRepo()
	b, err := NewBuilder(repo)
	require.NoError(t, err)

	snap := testSnapshot(t)
	records := []*snapshot.ChangeRecord{
		changeRecord(t, snapshot.ChangeAdded, testProduct("p-1", "cat-1")),
	}

	d, payload, err := b.Build(context.Background(), snap, records)
	require.NoError(t, err)

	decoded, err := b.DecodePayload(d)
	require.NoError(t, err)
	assert.Equal(t, payload.ScopeID, decoded.ScopeID)
	require.Len(t, decoded.Upserts, 1)
	assert.Equal(t, "p-1", decoded.Upserts[0].ID)
	assert.Equal(t, "9.99", decoded.Upserts[0].Price)
}

func TestBuildEmptyChangeSet(t *testing.T) {
	repo := newMemRepo()
	b, err := NewBuilder(repo)
	require.NoError(t, err)

	d, payload, err := b.Build(context.Background(), testSnapshot(t), nil)
	require.NoError(t, err)
	assert.Zero(t, d.UpsertCount)
	assert.Zero(t, d.RemoveCount)
	assert.Empty(t, payload.Upserts)
	assert.Empty(t, payload.Removes)
}

func TestBuildCorruptRecordPersistsFailedDelta(t *testing.T) {
	repo := newMemRepo()
	b, err := NewBuilder(repo)
	require.NoError(t, err)

	bad := changeRecord(t, snapshot.ChangeAdded, testProduct("p-1", "cat-1"))
	bad.After = nil

	_, _, err = b.Build(context.Background(), testSnapshot(t), []*snapshot.ChangeRecord{bad})
	require.Error(t, err)

	// The failure leaves a diagnosable row behind.
	deltas := repo.all()
	require.Len(t, deltas, 1)
	assert.Equal(t, GenerationFailed, deltas[0].GenerationStatus)
	assert.Equal(t, SubmissionFailed, deltas[0].SubmissionStatus)
	require.NotNil(t, deltas[0].LastError)
}

func TestEncodePayloadMatchesDecodePayload(t *testing.T) {
	b, err := NewBuilder(newMemRepo())
	require.NoError(t, err)

	payload := &WirePayload{
		ScopeID:         "acct/loc/menu",
		SnapshotVersion: 7,
		Upserts:         []WireItem{{ID: "p-1", Name: "Burger", Price: "9.99", Active: true}},
		Removes:         []string{"p-2"},
	}
	encoded, err := b.EncodePayload(payload)
	require.NoError(t, err)

	decoded, err := b.DecodePayload(&Delta{Payload: encoded})
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

package snapshot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possync/internal/core/apperror"
	"possync/internal/core/id"
	"possync/internal/domain/catalog"
)

type passthroughTx struct{}

func (passthroughTx) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type stubRepo struct {
	mu      sync.Mutex
	snaps   []*Snapshot
	records []*ChangeRecord
}

func (r *stubRepo) GetLatest(_ context.Context, scope catalog.ScopeKey) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *Snapshot
	for _, s := range r.snaps {
		if s.Scope() == scope && (latest == nil || s.Version > latest.Version) {
			latest = s
		}
	}
	if latest == nil {
		return nil, apperror.NewNotFound("snapshot", scope.String())
	}
	return latest, nil
}

func (r *stubRepo) GetByID(_ context.Context, snapID id.ID) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.snaps {
		if s.ID == snapID {
			return s, nil
		}
	}
	return nil, apperror.NewNotFound("snapshot", snapID)
}

func (r *stubRepo) Create(_ context.Context, snap *Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
	return nil
}

func (r *stubRepo) MarkSynced(_ context.Context, snapID id.ID, importID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.snaps {
		if s.ID == snapID {
			now := time.Now().UTC()
			s.Synced = true
			s.ImportID = &importID
			s.SyncedAt = &now
			return nil
		}
	}
	return apperror.NewNotFound("snapshot", snapID)
}

func (r *stubRepo) CreateChangeRecords(_ context.Context, records []*ChangeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, records...)
	return nil
}

func (r *stubRepo) ListChangeRecords(_ context.Context, snapshotID id.ID) ([]*ChangeRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ChangeRecord
	for _, rec := range r.records {
		if rec.SnapshotID == snapshotID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func serviceCatalog(names ...string) *catalog.Catalog {
	scope := catalog.NewScopeKey("acct", "loc", "menu")
	products := make([]catalog.Product, 0, len(names))
	for i, name := range names {
		products = append(products, catalog.Product{
			ID:     name,
			Name:   name,
			Price:  decimal.NewFromInt(int64(i + 1)),
			Active: true,
		})
	}
	return catalog.NewCatalog(scope, products)
}

func TestDetectChangesFirstSync(t *testing.T) {
	svc, err := NewService(&stubRepo{}, passthroughTx{})
	require.NoError(t, err)

	cat := serviceCatalog("p-1", "p-2")
	detect, err := svc.DetectChanges(context.Background(), cat.Scope, cat)
	require.NoError(t, err)

	assert.True(t, detect.HasChanged)
	assert.True(t, detect.IsFirstSync)
	assert.NotEmpty(t, detect.CurrentHash)
	assert.Zero(t, detect.PreviousVersion)
}

func TestDetectChangesUnchangedAfterCapture(t *testing.T) {
	repo := &stubRepo{}
	svc, err := NewService(repo, passthroughTx{})
	require.NoError(t, err)
	ctx := context.Background()

	cat := serviceCatalog("p-1", "p-2")
	detect, err := svc.DetectChanges(ctx, cat.Scope, cat)
	require.NoError(t, err)
	_, _, err = svc.Capture(ctx, cat.Scope, cat, detect)
	require.NoError(t, err)

	again, err := svc.DetectChanges(ctx, cat.Scope, cat)
	require.NoError(t, err)
	assert.False(t, again.HasChanged)
	assert.False(t, again.IsFirstSync)
	assert.Equal(t, detect.CurrentHash, again.PreviousHash)
	assert.Equal(t, 1, again.PreviousVersion)
}

func TestCaptureIncrementsVersionAndKeepsHistory(t *testing.T) {
	repo := &stubRepo{}
	svc, err := NewService(repo, passthroughTx{})
	require.NoError(t, err)
	ctx := context.Background()

	v1 := serviceCatalog("p-1")
	detect, err := svc.DetectChanges(ctx, v1.Scope, v1)
	require.NoError(t, err)
	first, records, err := svc.Capture(ctx, v1.Scope, v1, detect)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)
	require.Len(t, records, 1)
	assert.Equal(t, ChangeAdded, records[0].Type)

	v2 := serviceCatalog("p-1", "p-2")
	detect, err = svc.DetectChanges(ctx, v2.Scope, v2)
	require.NoError(t, err)
	require.True(t, detect.HasChanged)
	second, records, err := svc.Capture(ctx, v2.Scope, v2, detect)
	require.NoError(t, err)

	assert.Equal(t, 2, second.Version)
	require.Len(t, records, 1)
	assert.Equal(t, "p-2", records[0].EntityID)
	assert.Equal(t, 1, records[0].FromVersion)
	assert.Equal(t, 2, records[0].ToVersion)

	// The version 1 row is still there, untouched.
	repo.mu.Lock()
	assert.Len(t, repo.snaps, 2)
	repo.mu.Unlock()
}

func TestCaptureRoundTripsPayload(t *testing.T) {
	repo := &stubRepo{}
	svc, err := NewService(repo, passthroughTx{})
	require.NoError(t, err)
	ctx := context.Background()

	cat := serviceCatalog("p-1", "p-2", "p-3")
	detect, err := svc.DetectChanges(ctx, cat.Scope, cat)
	require.NoError(t, err)
	snap, _, err := svc.Capture(ctx, cat.Scope, cat, detect)
	require.NoError(t, err)

	decoded, err := svc.DecodeCatalog(snap)
	require.NoError(t, err)
	assert.Len(t, decoded.Products, 3)
	assert.Equal(t, cat.Scope, decoded.Scope)
	assert.Equal(t, 3, snap.ProductCount)
}

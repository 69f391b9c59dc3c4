package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possync/internal/core/apperror"
)

type passthroughTx struct{}

func (passthroughTx) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (passthroughTx) Serializable(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type memRepo struct {
	mu      sync.Mutex
	records map[string]*Record
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[string]*Record)}
}

func compoundKey(scopeID, key string) string { return scopeID + "\x00" + key }

func (r *memRepo) Get(_ context.Context, scopeID, key string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[compoundKey(scopeID, key)]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, apperror.NewNotFound("idempotency record", key)
}

func (r *memRepo) Insert(_ context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := compoundKey(rec.ScopeID, rec.Key)
	if _, ok := r.records[k]; ok {
		return ErrDuplicateKey
	}
	cp := *rec
	r.records[k] = &cp
	return nil
}

func (r *memRepo) Update(_ context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.records[compoundKey(rec.ScopeID, rec.Key)] = &cp
	return nil
}

func (r *memRepo) Delete(_ context.Context, scopeID, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, compoundKey(scopeID, key))
	return nil
}

func (r *memRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	for k, rec := range r.records {
		if rec.ExpiresAt.Before(now) {
			delete(r.records, k)
			deleted++
		}
	}
	return deleted, nil
}

const testScopeID = "acct/loc/menu"

func TestKeyHelpers(t *testing.T) {
	at := time.Date(2026, 8, 29, 14, 30, 0, 0, time.UTC)
	lock := LockKey(testScopeID, at)
	assert.Equal(t, "menu:lock:acct/loc/menu:2026082914", lock)
	assert.True(t, IsLockKey(lock))

	hash := HashKey(testScopeID, "abc123")
	assert.Equal(t, "menu:hash:acct/loc/menu:abc123", hash)
	assert.False(t, IsLockKey(hash))
}

func TestCheckProceedsOnFirstSeen(t *testing.T) {
	repo := newMemRepo()
	guard := NewGuard(repo, passthroughTx{})

	result, err := guard.CheckAndMarkStarted(context.Background(), testScopeID, "key-1", CheckOptions{})
	require.NoError(t, err)
	assert.Equal(t, DecisionProceed, result.Decision)
	assert.True(t, result.CanProceed())

	rec, err := repo.Get(context.Background(), testScopeID, "key-1")
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, rec.Status)
	assert.True(t, rec.ExpiresAt.After(time.Now()))
}

func TestCheckBlocksWhileStarted(t *testing.T) {
	repo := newMemRepo()
	guard := NewGuard(repo, passthroughTx{})
	ctx := context.Background()

	_, err := guard.CheckAndMarkStarted(ctx, testScopeID, "key-1", CheckOptions{})
	require.NoError(t, err)

	result, err := guard.CheckAndMarkStarted(ctx, testScopeID, "key-1", CheckOptions{})
	require.NoError(t, err)
	assert.Equal(t, DecisionAlreadyInProgress, result.Decision)
	assert.False(t, result.CanProceed())
}

func TestCheckReportsSucceeded(t *testing.T) {
	repo := newMemRepo()
	guard := NewGuard(repo, passthroughTx{})
	ctx := context.Background()

	_, err := guard.CheckAndMarkStarted(ctx, testScopeID, "key-1", CheckOptions{})
	require.NoError(t, err)
	require.NoError(t, guard.MarkSucceeded(ctx, testScopeID, "key-1", "hash-abc"))

	result, err := guard.CheckAndMarkStarted(ctx, testScopeID, "key-1", CheckOptions{})
	require.NoError(t, err)
	assert.Equal(t, DecisionAlreadySucceeded, result.Decision)
	require.NotNil(t, result.Record)
	require.NotNil(t, result.Record.ResultHash)
	assert.Equal(t, "hash-abc", *result.Record.ResultHash)
}

func TestCheckReportsFailedPermanent(t *testing.T) {
	repo := newMemRepo()
	guard := NewGuard(repo, passthroughTx{})
	ctx := context.Background()

	_, err := guard.CheckAndMarkStarted(ctx, testScopeID, "key-1", CheckOptions{})
	require.NoError(t, err)
	require.NoError(t, guard.MarkFailed(ctx, testScopeID, "key-1"))

	result, err := guard.CheckAndMarkStarted(ctx, testScopeID, "key-1", CheckOptions{})
	require.NoError(t, err)
	assert.Equal(t, DecisionAlreadyFailedPermanent, result.Decision)
}

func TestLockKeyLifecycleIsEphemeral(t *testing.T) {
	repo := newMemRepo()
	guard := NewGuard(repo, passthroughTx{})
	ctx := context.Background()
	lock := LockKey(testScopeID, time.Now())

	_, err := guard.CheckAndMarkStarted(ctx, testScopeID, lock, CheckOptions{})
	require.NoError(t, err)
	require.NoError(t, guard.MarkSucceeded(ctx, testScopeID, lock, ""))

	// The lock record is gone, not archived.
	_, err = repo.Get(ctx, testScopeID, lock)
	assert.True(t, apperror.IsNotFound(err))

	// The next run acquires it fresh.
	result, err := guard.CheckAndMarkStarted(ctx, testScopeID, lock, CheckOptions{})
	require.NoError(t, err)
	assert.Equal(t, DecisionProceed, result.Decision)
}

func TestLockReleaseOnFailureAllowsRetry(t *testing.T) {
	repo := newMemRepo()
	guard := NewGuard(repo, passthroughTx{})
	ctx := context.Background()
	lock := LockKey(testScopeID, time.Now())

	_, err := guard.CheckAndMarkStarted(ctx, testScopeID, lock, CheckOptions{})
	require.NoError(t, err)
	require.NoError(t, guard.MarkFailed(ctx, testScopeID, lock))

	result, err := guard.CheckAndMarkStarted(ctx, testScopeID, lock, CheckOptions{})
	require.NoError(t, err)
	assert.Equal(t, DecisionProceed, result.Decision)
}

func TestStaleStartedRecordIsTakenOver(t *testing.T) {
	repo := newMemRepo()
	guard := NewGuard(repo, passthroughTx{})
	ctx := context.Background()

	stale := time.Now().UTC().Add(-3 * time.Hour)
	require.NoError(t, repo.Insert(ctx, &Record{
		ScopeID:         testScopeID,
		Key:             "key-1",
		Status:          StatusStarted,
		FirstSeenAt:     stale,
		LastProcessedAt: stale,
		ExpiresAt:       time.Now().UTC().Add(24 * time.Hour),
	}))

	// Within the window the record blocks.
	blocked, err := guard.CheckAndMarkStarted(ctx, testScopeID, "key-1", CheckOptions{StaleAfter: 4 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, DecisionAlreadyInProgress, blocked.Decision)

	// Past the window the caller takes over.
	taken, err := guard.CheckAndMarkStarted(ctx, testScopeID, "key-1", CheckOptions{StaleAfter: 2 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, DecisionProceed, taken.Decision)

	rec, err := repo.Get(ctx, testScopeID, "key-1")
	require.NoError(t, err)
	assert.True(t, rec.LastProcessedAt.After(stale))
}

func TestZeroStaleAfterNeverTakesOver(t *testing.T) {
	repo := newMemRepo()
	guard := NewGuard(repo, passthroughTx{})
	ctx := context.Background()

	stale := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, repo.Insert(ctx, &Record{
		ScopeID:         testScopeID,
		Key:             "key-1",
		Status:          StatusStarted,
		FirstSeenAt:     stale,
		LastProcessedAt: stale,
		ExpiresAt:       time.Now().UTC().Add(24 * time.Hour),
	}))

	result, err := guard.CheckAndMarkStarted(ctx, testScopeID, "key-1", CheckOptions{})
	require.NoError(t, err)
	assert.Equal(t, DecisionAlreadyInProgress, result.Decision)
}

func TestConcurrentCheckAdmitsExactlyOne(t *testing.T) {
	repo := newMemRepo()
	guard := NewGuard(repo, passthroughTx{})
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	decisions := make([]Decision, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := guard.CheckAndMarkStarted(ctx, testScopeID, "key-race", CheckOptions{})
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			decisions[i] = result.Decision
		}(i)
	}
	wg.Wait()

	proceeds := 0
	for _, d := range decisions {
		if d == DecisionProceed {
			proceeds++
		}
	}
	assert.Equal(t, 1, proceeds)
}

func TestCleanupPurgesExpiredRecords(t *testing.T) {
	repo := newMemRepo()
	guard := NewGuard(repo, passthroughTx{})
	ctx := context.Background()

	_, err := guard.CheckAndMarkStarted(ctx, testScopeID, "short", CheckOptions{Retention: time.Nanosecond})
	require.NoError(t, err)
	_, err = guard.CheckAndMarkStarted(ctx, testScopeID, "long", CheckOptions{Retention: time.Hour})
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	deleted, err := guard.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = repo.Get(ctx, testScopeID, "long")
	assert.NoError(t, err)
}

package dlq

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possync/internal/core/apperror"
	"possync/internal/core/id"
)

type passthroughTx struct{}

func (passthroughTx) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type memRepo struct {
	mu       sync.Mutex
	messages map[id.ID]*Message
	deleted  int64
	freed    int64
}

func newMemRepo() *memRepo {
	return &memRepo{messages: make(map[id.ID]*Message)}
}

func (r *memRepo) Create(_ context.Context, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *msg
	r.messages[msg.ID] = &cp
	return nil
}

func (r *memRepo) GetByID(_ context.Context, msgID id.ID) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.messages[msgID]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, apperror.NewNotFound("dlq message", msgID)
}

func (r *memRepo) Update(_ context.Context, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *msg
	r.messages[msg.ID] = &cp
	return nil
}

func (r *memRepo) ClaimForReplay(_ context.Context, msgID id.ID, actor string, at time.Time) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[msgID]
	if !ok {
		return nil, apperror.NewNotFound("dlq message", msgID)
	}
	if m.IsReplayed {
		return nil, apperror.NewAlreadyReplayed(msgID.String())
	}
	m.IsReplayed = true
	m.ReplayedBy = &actor
	m.ReplayedAt = &at
	m.UpdatedAt = at
	cp := *m
	return &cp, nil
}

func (r *memRepo) List(_ context.Context, filter ListFilter) ([]*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Message
	for _, m := range r.messages {
		if filter.EventType != "" && m.EventType != filter.EventType {
			continue
		}
		if filter.Unresolved && (m.ReplayState == ReplaySuccess || m.Acknowledged) {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() < out[j].Priority.Rank()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memRepo) ListRetryCandidates(_ context.Context, filter RetryCandidateFilter) ([]*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().UTC().Add(-filter.MaxAge)
	var out []*Message
	for _, m := range r.messages {
		if m.FailureType != FailureTransient || m.IsReplayed || m.Acknowledged {
			continue
		}
		if m.Attempts >= filter.MaxAttempts || m.CreatedAt.Before(cutoff) {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Attempts != out[j].Attempts {
			return out[i].Attempts < out[j].Attempts
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memRepo) Stats(_ context.Context) (*Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := &Stats{
		Total:         int64(len(r.messages)),
		ByFailureType: make(map[FailureType]int64),
		ByPriority:    make(map[Priority]int64),
		ByReplayState: make(map[ReplayState]int64),
	}
	for _, m := range r.messages {
		stats.ByFailureType[m.FailureType]++
		stats.ByPriority[m.Priority]++
		stats.ByReplayState[m.ReplayState]++
	}
	return stats, nil
}

func (r *memRepo) DeleteResolved(_ context.Context, olderThan time.Time) (int64, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for msgID, m := range r.messages {
		if (m.ReplayState == ReplaySuccess || m.Acknowledged) && m.UpdatedAt.Before(olderThan) {
			r.deleted++
			r.freed += m.PayloadSize()
			delete(r.messages, msgID)
		}
	}
	return r.deleted, r.freed, nil
}

// countingHandler records replays and fails a configured number of times.
type countingHandler struct {
	event    EventType
	mu       sync.Mutex
	calls    int
	failures int
}

func (h *countingHandler) EventType() EventType { return h.event }

func (h *countingHandler) Replay(_ context.Context, _ *Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.failures != 0 {
		if h.failures > 0 {
			h.failures--
		}
		return errors.New("replay failed")
	}
	return nil
}

func (h *countingHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func newTestService(repo *memRepo, handlers ...ReplayHandler) *Service {
	return NewService(repo, passthroughTx{}, DefaultConfig(), handlers...)
}

func captureOne(t *testing.T, svc *Service, cause error) *Message {
	t.Helper()
	msg, err := svc.Capture(context.Background(), Failure{
		EventType:     EventDeltaSync,
		CorrelationID: "sync-test-1",
		ScopeID:       "acct/loc/menu",
		Payload:       []byte(`{"upserts":[]}`),
		Err:           cause,
	})
	require.NoError(t, err)
	return msg
}

func TestCaptureClassifiesTransient(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)

	netErr := &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	msg := captureOne(t, svc, netErr)

	assert.Equal(t, FailureTransient, msg.FailureType)
	assert.Equal(t, PriorityNormal, msg.Priority)
	assert.Equal(t, 1, msg.Attempts)
	assert.NotNil(t, msg.ExpiresAt)
}

func TestCaptureClassifiesPermanent(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)

	msg := captureOne(t, svc, apperror.NewValidation("price out of range"))

	assert.Equal(t, FailurePermanent, msg.FailureType)
	assert.Equal(t, apperror.CodeValidation, msg.ErrorCode)
}

func TestReplaySucceedsOnce(t *testing.T) {
	repo := newMemRepo()
	handler := &countingHandler{event: EventDeltaSync}
	svc := newTestService(repo, handler)

	msg := captureOne(t, svc, errors.New("boom"))
	result, err := svc.Replay(context.Background(), msg.ID, "ops@example.com")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, handler.callCount())

	stored, err := repo.GetByID(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsReplayed)
	assert.Equal(t, ReplaySuccess, stored.ReplayState)
	require.NotNil(t, stored.ReplayedBy)
	assert.Equal(t, "ops@example.com", *stored.ReplayedBy)
}

func TestReplayTwiceIsRejected(t *testing.T) {
	repo := newMemRepo()
	handler := &countingHandler{event: EventDeltaSync}
	svc := newTestService(repo, handler)

	msg := captureOne(t, svc, errors.New("boom"))
	_, err := svc.Replay(context.Background(), msg.ID, "first")
	require.NoError(t, err)

	_, err = svc.Replay(context.Background(), msg.ID, "second")
	require.Error(t, err)
	assert.True(t, apperror.IsAlreadyReplayed(err))
	assert.Equal(t, 1, handler.callCount())
}

// slowReadRepo widens the window between the precheck read and the claim so
// concurrent replays reliably overlap.
type slowReadRepo struct {
	*memRepo
	delay time.Duration
}

func (r *slowReadRepo) GetByID(ctx context.Context, msgID id.ID) (*Message, error) {
	m, err := r.memRepo.GetByID(ctx, msgID)
	time.Sleep(r.delay)
	return m, err
}

func TestConcurrentReplayExecutesOnce(t *testing.T) {
	repo := &slowReadRepo{memRepo: newMemRepo(), delay: 30 * time.Millisecond}
	handler := &countingHandler{event: EventDeltaSync}
	svc := NewService(repo, passthroughTx{}, DefaultConfig(), handler)

	msg := captureOne(t, svc, errors.New("boom"))

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, actor := range []string{"first", "second"} {
		wg.Add(1)
		go func(actor string) {
			defer wg.Done()
			_, err := svc.Replay(context.Background(), msg.ID, actor)
			errs <- err
		}(actor)
	}
	wg.Wait()
	close(errs)

	var succeeded, rejected int
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, apperror.IsAlreadyReplayed(err))
		rejected++
	}

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 1, handler.callCount())
}

func TestReplayFailureStillConsumesTheSlot(t *testing.T) {
	repo := newMemRepo()
	handler := &countingHandler{event: EventDeltaSync, failures: -1}
	svc := newTestService(repo, handler)

	msg := captureOne(t, svc, errors.New("boom"))
	result, err := svc.Replay(context.Background(), msg.ID, "ops")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)

	_, err = svc.Replay(context.Background(), msg.ID, "ops")
	assert.True(t, apperror.IsAlreadyReplayed(err))

	stored, getErr := repo.GetByID(context.Background(), msg.ID)
	require.NoError(t, getErr)
	assert.Equal(t, ReplayFailed, stored.ReplayState)
	require.NotNil(t, stored.ReplayError)
}

func TestReplayWithoutHandlerFails(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo) // no handlers registered

	msg := captureOne(t, svc, errors.New("boom"))
	_, err := svc.Replay(context.Background(), msg.ID, "ops")
	require.Error(t, err)

	// The slot is not consumed when no handler exists.
	stored, getErr := repo.GetByID(context.Background(), msg.ID)
	require.NoError(t, getErr)
	assert.False(t, stored.IsReplayed)
}

func TestBulkReplayAggregatesIndependentOutcomes(t *testing.T) {
	repo := newMemRepo()
	handler := &countingHandler{event: EventDeltaSync, failures: 1}
	svc := newTestService(repo, handler)

	first := captureOne(t, svc, errors.New("boom"))
	second := captureOne(t, svc, errors.New("boom"))
	missing := id.New()

	result, err := svc.BulkReplay(context.Background(),
		[]id.ID{first.ID, second.ID, missing}, "ops")
	require.NoError(t, err)

	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 2, result.Failed)
	assert.InDelta(t, 1.0/3.0, result.SuccessRate, 0.001)
	assert.Len(t, result.Results, 3)
}

func TestAcknowledgeResolvesWithoutReplay(t *testing.T) {
	repo := newMemRepo()
	handler := &countingHandler{event: EventDeltaSync}
	svc := newTestService(repo, handler)

	msg := captureOne(t, svc, errors.New("boom"))
	require.NoError(t, svc.Acknowledge(context.Background(), msg.ID, "ops"))

	stored, err := repo.GetByID(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.True(t, stored.Acknowledged)
	assert.Zero(t, handler.callCount())

	unresolved, err := svc.List(context.Background(), ListFilter{Unresolved: true})
	require.NoError(t, err)
	assert.Empty(t, unresolved)
}

func TestUpdatePriorityValidatesEnum(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)

	msg := captureOne(t, svc, errors.New("boom"))
	require.NoError(t, svc.UpdatePriority(context.Background(), msg.ID, PriorityCritical))

	stored, err := repo.GetByID(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, stored.Priority)

	err = svc.UpdatePriority(context.Background(), msg.ID, Priority("urgent"))
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))
}

func TestListOrdersByPriorityThenAge(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	low := captureOne(t, svc, errors.New("boom"))
	require.NoError(t, svc.UpdatePriority(ctx, low.ID, PriorityLow))
	critical := captureOne(t, svc, errors.New("boom"))
	require.NoError(t, svc.UpdatePriority(ctx, critical.ID, PriorityCritical))

	msgs, err := svc.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, critical.ID, msgs[0].ID)
	assert.Equal(t, low.ID, msgs[1].ID)
}

func TestCleanupReportsFreedBytes(t *testing.T) {
	repo := newMemRepo()
	handler := &countingHandler{event: EventDeltaSync}
	svc := newTestService(repo, handler)
	ctx := context.Background()

	msg := captureOne(t, svc, errors.New("boom"))
	_, err := svc.Replay(ctx, msg.ID, "ops")
	require.NoError(t, err)

	// Age the resolved message past retention.
	repo.mu.Lock()
	aged := repo.messages[msg.ID]
	aged.UpdatedAt = time.Now().UTC().Add(-8 * 24 * time.Hour)
	repo.mu.Unlock()

	result, err := svc.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Deleted)
	assert.Equal(t, int64(len(`{"upserts":[]}`)), result.FreedBytes)
}

func TestCleanupKeepsUnresolvedMessages(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	msg := captureOne(t, svc, errors.New("boom"))

	// Age the message past retention and past its own expiry; it is neither
	// acknowledged nor replayed, so cleanup must not touch it.
	repo.mu.Lock()
	stale := repo.messages[msg.ID]
	expired := time.Now().UTC().Add(-time.Hour)
	stale.UpdatedAt = time.Now().UTC().Add(-31 * 24 * time.Hour)
	stale.ExpiresAt = &expired
	repo.mu.Unlock()

	result, err := svc.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Deleted)

	_, err = svc.Get(ctx, msg.ID)
	assert.NoError(t, err)
}

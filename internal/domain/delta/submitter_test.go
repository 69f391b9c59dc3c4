package delta

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possync/internal/core/apperror"
	"possync/internal/core/id"
	"possync/internal/core/resilience"
	"possync/internal/domain/dlq"
)

type passthroughTx struct{}

func (passthroughTx) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type memDLQRepo struct {
	mu       sync.Mutex
	messages []*dlq.Message
}

func (r *memDLQRepo) Create(_ context.Context, msg *dlq.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *memDLQRepo) GetByID(_ context.Context, msgID id.ID) (*dlq.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.ID == msgID {
			return m, nil
		}
	}
	return nil, apperror.NewNotFound("dlq message", msgID)
}

func (r *memDLQRepo) Update(_ context.Context, _ *dlq.Message) error { return nil }

func (r *memDLQRepo) ClaimForReplay(_ context.Context, msgID id.ID, actor string, at time.Time) (*dlq.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.ID != msgID {
			continue
		}
		if m.IsReplayed {
			return nil, apperror.NewAlreadyReplayed(msgID.String())
		}
		m.IsReplayed = true
		m.ReplayedBy = &actor
		m.ReplayedAt = &at
		m.UpdatedAt = at
		return m, nil
	}
	return nil, apperror.NewNotFound("dlq message", msgID)
}

func (r *memDLQRepo) List(_ context.Context, _ dlq.ListFilter) ([]*dlq.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*dlq.Message(nil), r.messages...), nil
}

func (r *memDLQRepo) ListRetryCandidates(_ context.Context, _ dlq.RetryCandidateFilter) ([]*dlq.Message, error) {
	return nil, nil
}

func (r *memDLQRepo) Stats(_ context.Context) (*dlq.Stats, error) { return &dlq.Stats{}, nil }

func (r *memDLQRepo) DeleteResolved(_ context.Context, _ time.Time) (int64, int64, error) {
	return 0, 0, nil
}

type scriptedSubmitter struct {
	mu      sync.Mutex
	results []SubmitResult
	calls   int
}

func (s *scriptedSubmitter) SubmitDelta(_ context.Context, _ []byte, _ string) SubmitResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) == 0 {
		return SubmitResult{Success: true, ImportID: "imp-default"}
	}
	result := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return result
}

func testPolicy() *resilience.Policy {
	return resilience.NewPolicy("downstream-test", resilience.PolicyConfig{
		Retry: resilience.RetryConfig{
			MaxAttempts:       3,
			BaseDelay:         time.Millisecond,
			MaxDelay:          time.Millisecond,
			BackoffMultiplier: 1,
		},
		Circuit:          resilience.CircuitConfig{FailureThreshold: 1000, OpenDuration: time.Minute},
		OperationTimeout: time.Second,
	})
}

func pendingDelta() *Delta {
	return &Delta{
		ID:               id.New(),
		SnapshotID:       id.New(),
		SnapshotVersion:  1,
		ScopeID:          "acct/loc/menu",
		CorrelationID:    "sync-test-1",
		GenerationStatus: GenerationGenerated,
		SubmissionStatus: SubmissionPending,
		Payload:          []byte("compressed"),
		UpsertCount:      2,
		CreatedAt:        time.Now().UTC(),
	}
}

func newSubmissionHarness(submitter *scriptedSubmitter) (*SubmissionService, *memRepo, *memDLQRepo) {
	deltaRepo := newMemRepo()
	dlqRepo := &memDLQRepo{}
	queue := dlq.NewService(dlqRepo, passthroughTx{}, dlq.DefaultConfig())
	svc := NewSubmissionService(deltaRepo, submitter, testPolicy(), queue)
	return svc, deltaRepo, dlqRepo
}

func TestSubmitSuccessTransitionsToSent(t *testing.T) {
	submitter := &scriptedSubmitter{results: []SubmitResult{{Success: true, ImportID: "imp-123"}}}
	svc, deltaRepo, dlqRepo := newSubmissionHarness(submitter)

	d := pendingDelta()
	require.NoError(t, deltaRepo.Create(context.Background(), d))
	require.NoError(t, svc.Submit(context.Background(), d, "vendor-1"))

	assert.Equal(t, SubmissionSent, d.SubmissionStatus)
	require.NotNil(t, d.ImportID)
	assert.Equal(t, "imp-123", *d.ImportID)
	assert.NotNil(t, d.SentAt)
	assert.Nil(t, d.LastError)

	msgs, _ := dlqRepo.List(context.Background(), dlq.ListFilter{})
	assert.Empty(t, msgs)
}

func TestSubmitRetriesTransientThenSucceeds(t *testing.T) {
	transient := &timeoutErr{}
	submitter := &scriptedSubmitter{results: []SubmitResult{
		{Success: false, Err: transient},
		{Success: true, ImportID: "imp-2"},
	}}
	svc, deltaRepo, _ := newSubmissionHarness(submitter)

	d := pendingDelta()
	require.NoError(t, deltaRepo.Create(context.Background(), d))
	require.NoError(t, svc.Submit(context.Background(), d, "vendor-1"))

	assert.Equal(t, 2, submitter.calls)
	assert.Equal(t, SubmissionSent, d.SubmissionStatus)
}

func TestSubmitFailureCapturesToDLQ(t *testing.T) {
	submitter := &scriptedSubmitter{results: []SubmitResult{
		{Success: false, Err: errors.New("422 unprocessable")},
	}}
	svc, deltaRepo, dlqRepo := newSubmissionHarness(submitter)

	d := pendingDelta()
	require.NoError(t, deltaRepo.Create(context.Background(), d))
	err := svc.Submit(context.Background(), d, "vendor-1")
	require.Error(t, err)

	// Business-style rejection is permanent: only one attempt.
	assert.Equal(t, 1, submitter.calls)
	assert.Equal(t, SubmissionFailed, d.SubmissionStatus)
	require.NotNil(t, d.LastError)

	msgs, _ := dlqRepo.List(context.Background(), dlq.ListFilter{})
	require.Len(t, msgs, 1)
	assert.Equal(t, dlq.EventDeltaSync, msgs[0].EventType)
	assert.Equal(t, dlq.PriorityHigh, msgs[0].Priority)
	assert.Equal(t, "sync-test-1", msgs[0].CorrelationID)
	assert.Equal(t, d.Payload, msgs[0].Payload)
}

func TestSubmitRawReturnsImportID(t *testing.T) {
	submitter := &scriptedSubmitter{results: []SubmitResult{{Success: true, ImportID: "imp-raw"}}}
	svc, _, _ := newSubmissionHarness(submitter)

	importID, err := svc.SubmitRaw(context.Background(), []byte("chunk"), "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, "imp-raw", importID)
}

func TestResubmitLoadsDeltaByID(t *testing.T) {
	submitter := &scriptedSubmitter{}
	svc, deltaRepo, _ := newSubmissionHarness(submitter)

	d := pendingDelta()
	require.NoError(t, deltaRepo.Create(context.Background(), d))
	require.NoError(t, svc.Resubmit(context.Background(), d.ID, "vendor-1"))

	stored, err := deltaRepo.GetByID(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, SubmissionSent, stored.SubmissionStatus)
}

func TestSyncReplayHandlerResubmitsPayload(t *testing.T) {
	submitter := &scriptedSubmitter{}
	svc, _, _ := newSubmissionHarness(submitter)
	handler := NewSyncReplayHandler(svc, "vendor-1")

	assert.Equal(t, dlq.EventDeltaSync, handler.EventType())
	err := handler.Replay(context.Background(), &dlq.Message{Payload: []byte("captured")})
	require.NoError(t, err)
	assert.Equal(t, 1, submitter.calls)
}

func TestValidationReplayHandlerRevalidates(t *testing.T) {
	builder, err := NewBuilder(newMemRepo())
	require.NoError(t, err)
	validator, err := NewValidator(DefaultRules())
	require.NoError(t, err)
	handler := NewValidationReplayHandler(builder, validator)

	assert.Equal(t, dlq.EventDeltaValidation, handler.EventType())

	bad, err := builder.EncodePayload(&WirePayload{
		ScopeID: "acct/loc/menu",
		Upserts: []WireItem{{ID: "p-1", Name: "", Price: "9.99", Active: true}},
	})
	require.NoError(t, err)
	err = handler.Replay(context.Background(), &dlq.Message{Payload: bad})
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))

	good, err := builder.EncodePayload(&WirePayload{
		ScopeID: "acct/loc/menu",
		Upserts: []WireItem{{ID: "p-1", Name: "Burger", Price: "9.99", Active: true}},
	})
	require.NoError(t, err)
	assert.NoError(t, handler.Replay(context.Background(), &dlq.Message{Payload: good}))
}

// timeoutErr satisfies net.Error so the policy treats it as transient.
type timeoutErr struct{}

func (*timeoutErr) Error() string   { return "i/o timeout" }
func (*timeoutErr) Timeout() bool   { return true }
func (*timeoutErr) Temporary() bool { return true }

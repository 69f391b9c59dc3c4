package delta

import (
	"context"
	"fmt"
	"time"

	appctx "possync/internal/core/context"
	"possync/internal/core/id"
	"possync/internal/core/resilience"
	"possync/internal/domain/dlq"
	"possync/pkg/logger"
)

// SubmissionService delivers generated deltas downstream under the composed
// resilience policy, capturing failures into the DLQ.
type SubmissionService struct {
	repo      Repository
	submitter Submitter
	policy    *resilience.Policy
	queue     *dlq.Service
}

// NewSubmissionService creates a submission service.
func NewSubmissionService(repo Repository, submitter Submitter, policy *resilience.Policy, queue *dlq.Service) *SubmissionService {
	return &SubmissionService{
		repo:      repo,
		submitter: submitter,
		policy:    policy,
		queue:     queue,
	}
}

// Submit sends a delta's payload to the delivery platform.
//
// The delta row is already Pending in durable storage before this call. On
// success the delta transitions to Sent with the remote import id; on failure
// it transitions to Failed and the failure is captured as a DeltaSync DLQ
// message. The returned error is the submission failure, if any.
func (s *SubmissionService) Submit(ctx context.Context, d *Delta, vendorCode string) error {
	var result SubmitResult
	err := s.policy.Execute(ctx, func(ctx context.Context) error {
		result = s.submitter.SubmitDelta(ctx, d.Payload, vendorCode)
		if !result.Success {
			return result.Err
		}
		return nil
	})

	now := time.Now().UTC()
	if err != nil {
		errStr := err.Error()
		d.SubmissionStatus = SubmissionFailed
		d.LastError = &errStr
		if updateErr := s.repo.Update(ctx, d); updateErr != nil {
			logger.Error(ctx, "record delta submission failure",
				"delta_id", d.ID, "error", updateErr)
		}

		if _, capErr := s.queue.Capture(ctx, dlq.Failure{
			EventType:     dlq.EventDeltaSync,
			CorrelationID: d.CorrelationID,
			ScopeID:       d.ScopeID,
			Payload:       d.Payload,
			Err:           err,
			Priority:      dlq.PriorityHigh,
		}); capErr != nil {
			logger.Error(ctx, "capture submission failure to dlq",
				"delta_id", d.ID, "error", capErr)
		}
		return fmt.Errorf("submit delta %s: %w", d.ID, err)
	}

	d.SubmissionStatus = SubmissionSent
	d.ImportID = &result.ImportID
	d.SentAt = &now
	d.LastError = nil
	if updateErr := s.repo.Update(ctx, d); updateErr != nil {
		return fmt.Errorf("record delta submission: %w", updateErr)
	}

	logger.Info(ctx, "delta submitted",
		"delta_id", d.ID,
		"scope_id", d.ScopeID,
		"import_id", result.ImportID,
	)
	return nil
}

// SubmitRaw sends an already-encoded payload under the resilience policy
// without touching delta state. Chunked submissions of large deltas go
// through here; the caller owns the delta row transition.
func (s *SubmissionService) SubmitRaw(ctx context.Context, payload []byte, vendorCode string) (string, error) {
	var result SubmitResult
	err := s.policy.Execute(ctx, func(ctx context.Context) error {
		result = s.submitter.SubmitDelta(ctx, payload, vendorCode)
		if !result.Success {
			return result.Err
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return result.ImportID, nil
}

// MarkSent records a successful chunked submission on the delta row.
func (s *SubmissionService) MarkSent(ctx context.Context, d *Delta, importID string) error {
	now := time.Now().UTC()
	d.SubmissionStatus = SubmissionSent
	d.ImportID = &importID
	d.SentAt = &now
	d.LastError = nil
	return s.repo.Update(ctx, d)
}

// MarkFailed records a failed chunked submission on the delta row and
// captures it as a DeltaSync DLQ message.
func (s *SubmissionService) MarkFailed(ctx context.Context, d *Delta, cause error) error {
	errStr := cause.Error()
	d.SubmissionStatus = SubmissionFailed
	d.LastError = &errStr
	if err := s.repo.Update(ctx, d); err != nil {
		logger.Error(ctx, "record delta submission failure",
			"delta_id", d.ID, "error", err)
	}
	_, capErr := s.queue.Capture(ctx, dlq.Failure{
		EventType:     dlq.EventDeltaSync,
		CorrelationID: d.CorrelationID,
		ScopeID:       d.ScopeID,
		Payload:       d.Payload,
		Err:           cause,
		Priority:      dlq.PriorityHigh,
	})
	return capErr
}

// Resubmit re-sends a previously failed delta by id. Used by DLQ replay.
func (s *SubmissionService) Resubmit(ctx context.Context, deltaID id.ID, vendorCode string) error {
	d, err := s.repo.GetByID(ctx, deltaID)
	if err != nil {
		return err
	}
	return s.Submit(ctx, d, vendorCode)
}

// --- DLQ replay handlers ---

// SyncReplayHandler re-runs a failed delta submission from its DLQ payload.
type SyncReplayHandler struct {
	submission *SubmissionService
	vendorCode string
}

// NewSyncReplayHandler creates the DeltaSync replay variant.
func NewSyncReplayHandler(submission *SubmissionService, vendorCode string) *SyncReplayHandler {
	return &SyncReplayHandler{submission: submission, vendorCode: vendorCode}
}

// EventType implements dlq.ReplayHandler.
func (h *SyncReplayHandler) EventType() dlq.EventType { return dlq.EventDeltaSync }

// Replay implements dlq.ReplayHandler: the captured payload is submitted
// again under the same resilience policy.
func (h *SyncReplayHandler) Replay(ctx context.Context, msg *dlq.Message) error {
	var result SubmitResult
	err := h.submission.policy.Execute(ctx, func(ctx context.Context) error {
		result = h.submission.submitter.SubmitDelta(ctx, msg.Payload, h.vendorCode)
		if !result.Success {
			return result.Err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay delta sync: %w", err)
	}
	return nil
}

// ValidationReplayHandler re-runs validation over a captured payload.
type ValidationReplayHandler struct {
	builder   *Builder
	validator *Validator
}

// NewValidationReplayHandler creates the DeltaValidation replay variant.
func NewValidationReplayHandler(builder *Builder, validator *Validator) *ValidationReplayHandler {
	return &ValidationReplayHandler{builder: builder, validator: validator}
}

// EventType implements dlq.ReplayHandler.
func (h *ValidationReplayHandler) EventType() dlq.EventType { return dlq.EventDeltaValidation }

// Replay implements dlq.ReplayHandler.
func (h *ValidationReplayHandler) Replay(ctx context.Context, msg *dlq.Message) error {
	payload, err := h.builder.DecodePayload(&Delta{Payload: msg.Payload})
	if err != nil {
		return err
	}
	return h.validator.Validate(ctx, payload)
}

// GenerationReplayHandler re-runs delta generation for the snapshot recorded
// in the DLQ payload. The rebuild closure is provided by the orchestrator
// wiring so this package stays free of orchestration concerns.
type GenerationReplayHandler struct {
	rebuild func(ctx context.Context, msg *dlq.Message) error
}

// NewGenerationReplayHandler creates the DeltaGeneration replay variant.
func NewGenerationReplayHandler(rebuild func(ctx context.Context, msg *dlq.Message) error) *GenerationReplayHandler {
	return &GenerationReplayHandler{rebuild: rebuild}
}

// EventType implements dlq.ReplayHandler.
func (h *GenerationReplayHandler) EventType() dlq.EventType { return dlq.EventDeltaGeneration }

// Replay implements dlq.ReplayHandler.
func (h *GenerationReplayHandler) Replay(ctx context.Context, msg *dlq.Message) error {
	ctx = appctx.WithTrace(ctx, &appctx.TraceContext{
		TraceID:       appctx.GetTraceID(ctx),
		CorrelationID: msg.CorrelationID,
	})
	return h.rebuild(ctx, msg)
}

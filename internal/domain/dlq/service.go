package dlq

import (
	"context"
	"fmt"
	"time"

	"possync/internal/core/apperror"
	"possync/internal/core/id"
	"possync/internal/core/resilience"
	"possync/internal/core/tx"
	"possync/pkg/logger"
)

// Config holds DLQ behavior knobs.
type Config struct {
	// Retention keeps resolved messages around for inspection before purge.
	Retention time.Duration

	// MessageTTL sets the expiry stamped on new messages.
	MessageTTL time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Retention:  7 * 24 * time.Hour,
		MessageTTL: 30 * 24 * time.Hour,
	}
}

// Service provides DLQ capture, replay, and maintenance.
type Service struct {
	repo      Repository
	txManager tx.Manager
	handlers  map[EventType]ReplayHandler
	cfg       Config
}

// NewService creates a DLQ service. The handler set is the closed variant
// registry: exactly one handler per event type, wired at startup.
func NewService(repo Repository, txManager tx.Manager, cfg Config, handlers ...ReplayHandler) *Service {
	s := &Service{
		repo:      repo,
		txManager: txManager,
		handlers:  make(map[EventType]ReplayHandler, len(handlers)),
		cfg:       cfg,
	}
	s.RegisterHandlers(handlers...)
	return s
}

// RegisterHandlers installs replay handlers, one per event type. The capture
// path writes to the queue before its replay targets exist, so startup wiring
// registers handlers in a second phase. Not safe for concurrent use with
// Replay.
func (s *Service) RegisterHandlers(handlers ...ReplayHandler) {
	for _, h := range handlers {
		s.handlers[h.EventType()] = h
	}
}

// Failure describes one failed operation to capture.
type Failure struct {
	EventType     EventType
	CorrelationID string
	ScopeID       string
	Payload       []byte
	Err           error
	Priority      Priority
}

// Capture persists a failed operation as a DLQ message. The failure
// classification follows the error: network/timeout style failures are
// Transient, everything else Permanent.
func (s *Service) Capture(ctx context.Context, f Failure) (*Message, error) {
	failureType := FailurePermanent
	if resilience.IsTransient(f.Err) {
		failureType = FailureTransient
	}

	priority := f.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	errorCode := apperror.CodeInternal
	if appErr, ok := apperror.AsAppError(f.Err); ok {
		errorCode = appErr.Code
	}

	now := time.Now().UTC()
	expires := now.Add(s.cfg.MessageTTL)
	msg := &Message{
		ID:            id.New(),
		EventType:     f.EventType,
		CorrelationID: f.CorrelationID,
		ScopeID:       f.ScopeID,
		Payload:       f.Payload,
		ErrorCode:     errorCode,
		ErrorMessage:  f.Err.Error(),
		FailureType:   failureType,
		Priority:      priority,
		Attempts:      1,
		ReplayState:   ReplayNone,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     &expires,
	}

	if err := s.repo.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("create dlq message: %w", err)
	}

	logger.Warn(ctx, "operation captured to dlq",
		"message_id", msg.ID,
		"event_type", msg.EventType,
		"scope_id", msg.ScopeID,
		"failure_type", msg.FailureType,
		"error_code", msg.ErrorCode,
	)
	return msg, nil
}

// Replay re-executes the operation behind a message.
//
// A message can be replayed at most once: replaying an already-replayed
// message fails with ALREADY_REPLAYED regardless of the first outcome. The
// replayed flag is committed before the operation executes so a second
// concurrent replay of the same message cannot start.
func (s *Service) Replay(ctx context.Context, msgID id.ID, actor string) (*ReplayResult, error) {
	msg, err := s.repo.GetByID(ctx, msgID)
	if err != nil {
		return nil, err
	}
	if msg.IsReplayed {
		return nil, apperror.NewAlreadyReplayed(msgID.String())
	}

	handler, ok := s.handlers[msg.EventType]
	if !ok {
		return nil, apperror.NewInternal(fmt.Errorf("no replay handler for event type %s", msg.EventType))
	}

	// Claim before executing: the conditional write commits first and only
	// one of any concurrent replays of the same message wins it. The losers
	// get ALREADY_REPLAYED without touching the handler.
	msg, err = s.repo.ClaimForReplay(ctx, msgID, actor, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	replayErr := handler.Replay(ctx, msg)

	result := &ReplayResult{MessageID: msg.ID, Success: replayErr == nil}
	msg.UpdatedAt = time.Now().UTC()
	if replayErr != nil {
		errStr := replayErr.Error()
		msg.ReplayState = ReplayFailed
		msg.ReplayError = &errStr
		result.Error = errStr
	} else {
		msg.ReplayState = ReplaySuccess
		msg.ReplayError = nil
	}

	if err := s.repo.Update(ctx, msg); err != nil {
		return nil, fmt.Errorf("record replay outcome: %w", err)
	}

	logger.Info(ctx, "dlq message replayed",
		"message_id", msg.ID,
		"event_type", msg.EventType,
		"actor", actor,
		"success", result.Success,
	)
	return result, nil
}

// BulkReplay replays messages sequentially; each outcome is independent.
func (s *Service) BulkReplay(ctx context.Context, msgIDs []id.ID, actor string) (*BulkReplayResult, error) {
	result := &BulkReplayResult{Total: len(msgIDs)}
	for _, msgID := range msgIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		r, err := s.Replay(ctx, msgID, actor)
		if err != nil {
			result.Failed++
			result.Results = append(result.Results, ReplayResult{
				MessageID: msgID,
				Success:   false,
				Error:     err.Error(),
			})
			continue
		}
		if r.Success {
			result.Succeeded++
		} else {
			result.Failed++
		}
		result.Results = append(result.Results, *r)
	}
	if result.Total > 0 {
		result.SuccessRate = float64(result.Succeeded) / float64(result.Total)
	}
	return result, nil
}

// Acknowledge marks a message as handled without replaying it. The
// read-modify-write runs in one transaction so concurrent mutations of the
// same message do not lose fields.
func (s *Service) Acknowledge(ctx context.Context, msgID id.ID, actor string) error {
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		msg, err := s.repo.GetByID(ctx, msgID)
		if err != nil {
			return err
		}
		msg.Acknowledged = true
		msg.UpdatedAt = time.Now().UTC()
		return s.repo.Update(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("acknowledge message: %w", err)
	}
	logger.Info(ctx, "dlq message acknowledged", "message_id", msgID, "actor", actor)
	return nil
}

// UpdatePriority changes the review-queue priority of a message.
func (s *Service) UpdatePriority(ctx context.Context, msgID id.ID, priority Priority) error {
	switch priority {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
	default:
		return apperror.NewValidation("invalid priority").WithDetail("priority", string(priority))
	}

	return s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		msg, err := s.repo.GetByID(ctx, msgID)
		if err != nil {
			return err
		}
		msg.Priority = priority
		msg.UpdatedAt = time.Now().UTC()
		return s.repo.Update(ctx, msg)
	})
}

// Get returns one message.
func (s *Service) Get(ctx context.Context, msgID id.ID) (*Message, error) {
	return s.repo.GetByID(ctx, msgID)
}

// List returns the review queue in priority order.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Message, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.repo.List(ctx, filter)
}

// Stats summarizes the queue.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	return s.repo.Stats(ctx)
}

// CleanupResult reports what a retention pass removed.
type CleanupResult struct {
	Deleted    int64 `json:"deleted"`
	FreedBytes int64 `json:"freedBytes"`
}

// Cleanup purges resolved messages past the retention window.
func (s *Service) Cleanup(ctx context.Context) (*CleanupResult, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.Retention)
	deleted, freed, err := s.repo.DeleteResolved(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("dlq cleanup: %w", err)
	}
	if deleted > 0 {
		logger.Info(ctx, "dlq retention cleanup",
			"deleted", deleted,
			"freed_bytes", freed,
			"cutoff", cutoff,
		)
	}
	return &CleanupResult{Deleted: deleted, FreedBytes: freed}, nil
}

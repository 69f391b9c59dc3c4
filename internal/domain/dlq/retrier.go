package dlq

import (
	"context"
	"fmt"
	"time"

	"possync/pkg/logger"
)

// RetrierConfig controls the background auto-retry pass.
type RetrierConfig struct {
	// MaxAge excludes messages older than this from auto-retry.
	MaxAge time.Duration

	// MaxAttempts is the hard ceiling; on reaching it the message is
	// reclassified Permanent and leaves the auto-retry population.
	MaxAttempts int

	// BatchSize caps one pass.
	BatchSize int
}

// DefaultRetrierConfig returns the platform defaults: 24h max age,
// 5 attempts, batches of 50.
func DefaultRetrierConfig() RetrierConfig {
	return RetrierConfig{
		MaxAge:      24 * time.Hour,
		MaxAttempts: 5,
		BatchSize:   50,
	}
}

// Retrier runs the automatic retry loop over transient DLQ messages.
type Retrier struct {
	service *Service
	cfg     RetrierConfig
}

// NewRetrier creates an auto-retrier over the DLQ service.
func NewRetrier(service *Service, cfg RetrierConfig) *Retrier {
	return &Retrier{service: service, cfg: cfg}
}

// RunOnce executes one auto-retry pass and returns (succeeded, failed).
//
// Candidates are Transient, not replayed, not acknowledged messages younger
// than MaxAge with attempts below the ceiling, ordered fewest-attempts-first
// then oldest-first. Unlike manual replay, an automatic retry does not
// consume the message's single replay slot; it increments the attempt count
// and, at the ceiling, flips the classification to Permanent.
func (r *Retrier) RunOnce(ctx context.Context) (int, int, error) {
	candidates, err := r.service.repo.ListRetryCandidates(ctx, RetryCandidateFilter{
		MaxAge:      r.cfg.MaxAge,
		MaxAttempts: r.cfg.MaxAttempts,
		Limit:       r.cfg.BatchSize,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("list retry candidates: %w", err)
	}
	if len(candidates) == 0 {
		return 0, 0, nil
	}

	succeeded, failed := 0, 0
	for _, msg := range candidates {
		if err := ctx.Err(); err != nil {
			return succeeded, failed, err
		}
		if r.retryOne(ctx, msg) {
			succeeded++
		} else {
			failed++
		}
	}

	logger.Info(ctx, "dlq auto-retry pass complete",
		"candidates", len(candidates),
		"succeeded", succeeded,
		"failed", failed,
	)
	return succeeded, failed, nil
}

func (r *Retrier) retryOne(ctx context.Context, msg *Message) bool {
	handler, ok := r.service.handlers[msg.EventType]
	if !ok {
		logger.Error(ctx, "no replay handler for dlq message",
			"message_id", msg.ID,
			"event_type", msg.EventType,
		)
		return false
	}

	err := handler.Replay(ctx, msg)
	msg.UpdatedAt = time.Now().UTC()

	if err == nil {
		now := time.Now().UTC()
		msg.ReplayState = ReplaySuccess
		msg.IsReplayed = true
		msg.ReplayedAt = &now
		actor := "auto-retry"
		msg.ReplayedBy = &actor
		if updateErr := r.service.repo.Update(ctx, msg); updateErr != nil {
			logger.Error(ctx, "record auto-retry success failed",
				"message_id", msg.ID, "error", updateErr)
		}
		return true
	}

	msg.Attempts++
	errStr := err.Error()
	msg.ReplayError = &errStr
	if msg.Attempts >= r.cfg.MaxAttempts {
		// Ceiling reached: leave the auto-retry population for good.
		// Manual replay remains possible.
		msg.FailureType = FailurePermanent
		logger.Warn(ctx, "dlq message reclassified permanent after retry ceiling",
			"message_id", msg.ID,
			"attempts", msg.Attempts,
		)
	}
	if updateErr := r.service.repo.Update(ctx, msg); updateErr != nil {
		logger.Error(ctx, "record auto-retry failure failed",
			"message_id", msg.ID, "error", updateErr)
	}
	return false
}

// Run loops RunOnce on the given interval until the context is cancelled.
func (r *Retrier) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				logger.Error(ctx, "dlq auto-retry pass failed", "error", err)
			}
		}
	}
}

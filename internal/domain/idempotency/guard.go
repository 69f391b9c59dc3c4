package idempotency

import (
	"context"
	"errors"
	"time"

	"possync/internal/core/apperror"
	"possync/internal/core/tx"
	"possync/pkg/logger"
)

// Decision is the tagged outcome of a guard check. Callers branch on data,
// not on caught errors.
type Decision int

const (
	// DecisionProceed: the caller owns the key and must execute.
	DecisionProceed Decision = iota

	// DecisionAlreadyInProgress: another caller holds a live Started record.
	DecisionAlreadyInProgress

	// DecisionAlreadySucceeded: the operation completed earlier; replay the
	// cached result instead of executing.
	DecisionAlreadySucceeded

	// DecisionAlreadyFailedPermanent: the operation failed terminally; do
	// not silently retry.
	DecisionAlreadyFailedPermanent
)

func (d Decision) String() string {
	switch d {
	case DecisionProceed:
		return "proceed"
	case DecisionAlreadyInProgress:
		return "already_in_progress"
	case DecisionAlreadySucceeded:
		return "already_succeeded"
	default:
		return "already_failed_permanent"
	}
}

// CheckResult pairs the decision with the pre-existing record, if any.
type CheckResult struct {
	Decision Decision
	Record   *Record
}

// CanProceed is a convenience accessor.
func (r *CheckResult) CanProceed() bool {
	return r.Decision == DecisionProceed
}

// CheckOptions tune one guard check.
type CheckOptions struct {
	// Retention sets the expiry on newly created records.
	Retention time.Duration

	// StaleAfter, when set, allows takeover of a Started record whose last
	// activity is older than now-StaleAfter (crashed-worker recovery).
	// Zero means a Started record always blocks.
	StaleAfter time.Duration
}

const (
	conflictRetries     = 3
	conflictBackoffStep = 50 * time.Millisecond
)

// Guard implements the at-most-once execution contract over a record store.
type Guard struct {
	repo      Repository
	txManager tx.SerializableManager
}

// NewGuard creates an idempotency guard.
func NewGuard(repo Repository, txManager tx.SerializableManager) *Guard {
	return &Guard{repo: repo, txManager: txManager}
}

// CheckAndMarkStarted atomically claims (scopeID, key) for the caller.
//
// The check runs in a serializable transaction; write conflicts (a concurrent
// caller racing for the same key) are absorbed by a small number of local
// retries with linear backoff, after which the guard conservatively reports
// AlreadyInProgress rather than risking two concurrent executions.
func (g *Guard) CheckAndMarkStarted(ctx context.Context, scopeID, key string, opts CheckOptions) (*CheckResult, error) {
	var lastErr error
	for attempt := 1; attempt <= conflictRetries; attempt++ {
		result, err := g.tryCheck(ctx, scopeID, key, opts)
		if err == nil {
			return result, nil
		}
		if !isWriteConflict(err) {
			return nil, err
		}
		lastErr = err

		// A conflict means a concurrent caller is racing for this key.
		// Back off briefly and re-read.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * conflictBackoffStep):
		}
	}

	logger.Warn(ctx, "idempotency check gave up after write conflicts",
		"scope_id", scopeID,
		"key", key,
		"error", lastErr,
	)
	return &CheckResult{Decision: DecisionAlreadyInProgress}, nil
}

func (g *Guard) tryCheck(ctx context.Context, scopeID, key string, opts CheckOptions) (*CheckResult, error) {
	result := &CheckResult{}
	err := g.txManager.Serializable(ctx, func(ctx context.Context) error {
		existing, err := g.repo.Get(ctx, scopeID, key)
		if err != nil {
			if apperror.IsNotFound(err) {
				result.Decision = DecisionProceed
				return g.insertStarted(ctx, scopeID, key, opts.Retention)
			}
			return err
		}
		result.Record = existing

		switch existing.Status {
		case StatusSucceeded:
			if IsLockKey(key) {
				// A finished lock must not block the next legitimate run.
				if err := g.repo.Delete(ctx, scopeID, key); err != nil {
					return err
				}
				result.Record = nil
				result.Decision = DecisionProceed
				return g.insertStarted(ctx, scopeID, key, opts.Retention)
			}
			result.Decision = DecisionAlreadySucceeded
			return nil

		case StatusStarted:
			if opts.StaleAfter > 0 && time.Since(existing.LastProcessedAt) > opts.StaleAfter {
				return g.takeOverStale(ctx, existing, opts, result)
			}
			result.Decision = DecisionAlreadyInProgress
			return nil

		case StatusFailedPermanent:
			if IsLockKey(key) {
				if err := g.repo.Delete(ctx, scopeID, key); err != nil {
					return err
				}
				result.Record = nil
				result.Decision = DecisionProceed
				return g.insertStarted(ctx, scopeID, key, opts.Retention)
			}
			result.Decision = DecisionAlreadyFailedPermanent
			return nil
		}

		result.Decision = DecisionAlreadyInProgress
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// takeOverStale steals a Started record left behind by a crashed worker.
func (g *Guard) takeOverStale(ctx context.Context, existing *Record, opts CheckOptions, result *CheckResult) error {
	logger.Warn(ctx, "taking over stale idempotency record",
		"scope_id", existing.ScopeID,
		"key", existing.Key,
		"last_processed_at", existing.LastProcessedAt,
	)

	if IsLockKey(existing.Key) {
		if err := g.repo.Delete(ctx, existing.ScopeID, existing.Key); err != nil {
			return err
		}
		result.Record = nil
		result.Decision = DecisionProceed
		return g.insertStarted(ctx, existing.ScopeID, existing.Key, opts.Retention)
	}

	now := time.Now().UTC()
	existing.Status = StatusStarted
	existing.LastProcessedAt = now
	if err := g.repo.Update(ctx, existing); err != nil {
		return err
	}
	result.Decision = DecisionProceed
	return nil
}

func (g *Guard) insertStarted(ctx context.Context, scopeID, key string, retention time.Duration) error {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	now := time.Now().UTC()
	return g.repo.Insert(ctx, &Record{
		ScopeID:         scopeID,
		Key:             key,
		Status:          StatusStarted,
		FirstSeenAt:     now,
		LastProcessedAt: now,
		ExpiresAt:       now.Add(retention),
	})
}

// MarkSucceeded finalizes a Started record. Lock-style keys are deleted
// (locks are ephemeral); ordinary keys keep the record with an optional
// result hash for later equality checks.
func (g *Guard) MarkSucceeded(ctx context.Context, scopeID, key string, resultHash string) error {
	return g.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		if IsLockKey(key) {
			return g.repo.Delete(ctx, scopeID, key)
		}
		rec, err := g.repo.Get(ctx, scopeID, key)
		if err != nil {
			return err
		}
		rec.Status = StatusSucceeded
		rec.LastProcessedAt = time.Now().UTC()
		if resultHash != "" {
			rec.ResultHash = &resultHash
		}
		return g.repo.Update(ctx, rec)
	})
}

// MarkFailed finalizes a Started record as permanently failed. Lock-style
// keys are deleted so the next run may retry.
func (g *Guard) MarkFailed(ctx context.Context, scopeID, key string) error {
	return g.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		if IsLockKey(key) {
			return g.repo.Delete(ctx, scopeID, key)
		}
		rec, err := g.repo.Get(ctx, scopeID, key)
		if err != nil {
			return err
		}
		rec.Status = StatusFailedPermanent
		rec.LastProcessedAt = time.Now().UTC()
		return g.repo.Update(ctx, rec)
	})
}

// Cleanup purges expired records.
func (g *Guard) Cleanup(ctx context.Context) (int64, error) {
	return g.repo.DeleteExpired(ctx, time.Now().UTC())
}

func isWriteConflict(err error) bool {
	return errors.Is(err, ErrDuplicateKey) || apperror.IsConcurrentModification(err)
}

// Package idempotency provides the key-scoped guard that ensures a logical
// sync operation executes at most once concurrently per (scope, key).
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Key prefixes. Lock-style keys exist purely for mutual exclusion and are
// deleted on completion; hash keys cache results for replay.
const (
	LockKeyPrefix = "menu:lock:"
	HashKeyPrefix = "menu:hash:"
)

// Status is the state of an idempotent operation.
type Status string

const (
	StatusStarted         Status = "started"
	StatusSucceeded       Status = "succeeded"
	StatusFailedPermanent Status = "failed_permanent"
)

// Record stores the state of one idempotent operation, unique per
// (scope id, key).
type Record struct {
	ScopeID string `db:"scope_id" json:"scopeId"`
	Key     string `db:"idempotency_key" json:"key"`
	Status  Status `db:"status" json:"status"`

	FirstSeenAt     time.Time `db:"first_seen_at" json:"firstSeenAt"`
	LastProcessedAt time.Time `db:"last_processed_at" json:"lastProcessedAt"`
	ExpiresAt       time.Time `db:"expires_at" json:"expiresAt"`

	// ResultHash allows later equality checks against a cached outcome.
	ResultHash *string `db:"result_hash" json:"resultHash,omitempty"`
}

// ErrDuplicateKey is returned by Repository.Insert when a concurrent caller
// won the insert race for the same (scope, key).
var ErrDuplicateKey = errors.New("idempotency key already exists")

// Repository defines persistence for idempotency records. All methods are
// expected to run inside the transaction carried by ctx.
type Repository interface {
	// Get returns the record for (scopeID, key) or a NOT_FOUND AppError.
	Get(ctx context.Context, scopeID, key string) (*Record, error)

	// Insert creates a new record; returns ErrDuplicateKey on a unique
	// constraint violation.
	Insert(ctx context.Context, rec *Record) error

	// Update persists status/timestamps/result-hash mutations.
	Update(ctx context.Context, rec *Record) error

	// Delete removes the record (lock release).
	Delete(ctx context.Context, scopeID, key string) error

	// DeleteExpired purges records past their expiry. Returns count.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// LockKey builds the scheduler lock key for a scope and time bucket. Two
// scheduler ticks within the same hour produce the same key, preventing a
// double trigger for the same scope.
func LockKey(scopeID string, at time.Time) string {
	return fmt.Sprintf("%s%s:%s", LockKeyPrefix, scopeID, at.UTC().Format("2006010215"))
}

// HashKey builds the result-cache key for a scope and canonical catalog hash.
// Re-submitting byte-identical input becomes a safe no-op.
func HashKey(scopeID, catalogHash string) string {
	return fmt.Sprintf("%s%s:%s", HashKeyPrefix, scopeID, catalogHash)
}

// IsLockKey reports whether the key belongs to the lock namespace.
func IsLockKey(key string) bool {
	return strings.HasPrefix(key, LockKeyPrefix)
}

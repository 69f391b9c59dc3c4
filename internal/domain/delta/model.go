// Package delta turns change-record sets into minimal wire payloads and
// manages their submission to the delivery platform.
package delta

import (
	"context"
	"time"

	"possync/internal/core/id"
	"possync/internal/domain/catalog"
)

// GenerationStatus is the outcome of building a delta payload.
type GenerationStatus string

const (
	GenerationGenerated GenerationStatus = "generated"
	GenerationFailed    GenerationStatus = "failed"
)

// SubmissionStatus tracks delivery of a delta downstream.
type SubmissionStatus string

const (
	SubmissionPending SubmissionStatus = "pending"
	SubmissionSent    SubmissionStatus = "sent"
	SubmissionFailed  SubmissionStatus = "failed"
)

// Delta is a first-class record of one change set packaged for submission.
// It is persisted in Pending state before any network call is attempted, so
// a failure mid-submission is always diagnosable from durable state.
type Delta struct {
	ID id.ID `db:"id" json:"id"`

	SnapshotID      id.ID  `db:"snapshot_id" json:"snapshotId"`
	SnapshotVersion int    `db:"snapshot_version" json:"snapshotVersion"`
	ScopeID         string `db:"scope_id" json:"scopeId"`
	CorrelationID   string `db:"correlation_id" json:"correlationId"`

	GenerationStatus GenerationStatus `db:"generation_status" json:"generationStatus"`
	SubmissionStatus SubmissionStatus `db:"submission_status" json:"submissionStatus"`

	// Payload is the zstd-compressed wire payload.
	Payload []byte `db:"payload" json:"-"`

	UpsertCount int `db:"upsert_count" json:"upsertCount"`
	RemoveCount int `db:"remove_count" json:"removeCount"`

	ImportID  *string    `db:"import_id" json:"importId,omitempty"`
	LastError *string    `db:"last_error" json:"lastError,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
	SentAt    *time.Time `db:"sent_at" json:"sentAt,omitempty"`
}

// WireItem is one touched product in a wire payload.
type WireItem struct {
	ID        string                  `json:"id"`
	Name      string                  `json:"name"`
	Price     string                  `json:"price"`
	Active    bool                    `json:"active"`
	Category  string                  `json:"category,omitempty"`
	Modifiers []catalog.ModifierGroup `json:"modifiers,omitempty"`
}

// WirePayload is the minimal change set sent downstream: only touched
// entities in full, with bare reference ids for unchanged related entities.
type WirePayload struct {
	ScopeID         string     `json:"scopeId"`
	SnapshotVersion int        `json:"snapshotVersion"`
	Upserts         []WireItem `json:"upserts,omitempty"`
	Removes         []string   `json:"removes,omitempty"`

	// CategoryRefs lists category ids referenced by upserted items whose
	// definitions are unchanged; the downstream resolves them by id.
	CategoryRefs []string `json:"categoryRefs,omitempty"`
}

// SubmitResult is the downstream platform's answer to a submission.
type SubmitResult struct {
	Success  bool
	ImportID string
	Err      error
}

// Submitter is the write boundary to the delivery platform. The engine does
// not know the remote wire format beyond its own payload bytes; it only sees
// success/failure and an opaque import id.
type Submitter interface {
	SubmitDelta(ctx context.Context, payload []byte, vendorCode string) SubmitResult
}

// Repository defines persistence for deltas.
type Repository interface {
	Create(ctx context.Context, d *Delta) error
	GetByID(ctx context.Context, deltaID id.ID) (*Delta, error)
	Update(ctx context.Context, d *Delta) error
}

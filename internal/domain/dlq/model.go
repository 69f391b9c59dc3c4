// Package dlq provides the dead letter queue: durable storage of failed sync
// operations with manual and automatic replay.
package dlq

import (
	"context"
	"time"

	"possync/internal/core/id"
)

// EventType is the kind of failed operation a message captures.
type EventType string

const (
	EventDeltaSync       EventType = "DeltaSync"
	EventDeltaGeneration EventType = "DeltaGeneration"
	EventDeltaValidation EventType = "DeltaValidation"
)

// FailureType classifies whether a failure is worth auto-retrying.
type FailureType string

const (
	FailureTransient FailureType = "Transient"
	FailurePermanent FailureType = "Permanent"
)

// Priority orders messages for manual review queues.
type Priority string

const (
	PriorityCritical Priority = "Critical"
	PriorityHigh     Priority = "High"
	PriorityNormal   Priority = "Normal"
	PriorityLow      Priority = "Low"
)

// Rank returns the sort weight of a priority (lower sorts first).
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	default:
		return 3
	}
}

// ReplayState tracks the outcome of a replay attempt.
type ReplayState string

const (
	ReplayNone    ReplayState = "not_replayed"
	ReplaySuccess ReplayState = "replayed_success"
	ReplayFailed  ReplayState = "replayed_failed"
)

// Message is one failed operation awaiting replay or acknowledgement.
type Message struct {
	ID id.ID `db:"id" json:"id"`

	EventType     EventType `db:"event_type" json:"eventType"`
	CorrelationID string    `db:"correlation_id" json:"correlationId"`
	ScopeID       string    `db:"scope_id" json:"scopeId"`

	// Payload is the original operation payload, opaque to the queue.
	Payload []byte `db:"payload" json:"-"`

	ErrorCode    string      `db:"error_code" json:"errorCode"`
	ErrorMessage string      `db:"error_message" json:"errorMessage"`
	FailureType  FailureType `db:"failure_type" json:"failureType"`
	Priority     Priority    `db:"priority" json:"priority"`

	Attempts int `db:"attempts" json:"attempts"`

	IsReplayed   bool        `db:"is_replayed" json:"isReplayed"`
	ReplayState  ReplayState `db:"replay_state" json:"replayState"`
	ReplayedBy   *string     `db:"replayed_by" json:"replayedBy,omitempty"`
	ReplayedAt   *time.Time  `db:"replayed_at" json:"replayedAt,omitempty"`
	ReplayError  *string     `db:"replay_error" json:"replayError,omitempty"`
	Acknowledged bool        `db:"acknowledged" json:"acknowledged"`

	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time  `db:"updated_at" json:"updatedAt"`
	ExpiresAt *time.Time `db:"expires_at" json:"expiresAt,omitempty"`
}

// PayloadSize returns the stored payload size in bytes, for cleanup accounting.
func (m *Message) PayloadSize() int64 {
	return int64(len(m.Payload))
}

// ReplayHandler re-executes the operation behind one event type.
// The handler set is closed: one handler per EventType, chosen when the
// message is created and wired once at startup. Replay dispatch branches on
// the registered handler, never on string comparison in business code.
type ReplayHandler interface {
	EventType() EventType

	// Replay re-runs the failed operation from the message payload.
	Replay(ctx context.Context, msg *Message) error
}

// ReplayResult is the outcome of a manual replay.
type ReplayResult struct {
	MessageID id.ID  `json:"messageId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// BulkReplayResult aggregates the outcomes of a bulk replay.
type BulkReplayResult struct {
	Total       int            `json:"total"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	SuccessRate float64        `json:"successRate"`
	Results     []ReplayResult `json:"results"`
}

// Stats summarizes the queue for the admin API.
type Stats struct {
	Total         int64                 `json:"total"`
	ByFailureType map[FailureType]int64 `json:"byFailureType"`
	ByPriority    map[Priority]int64    `json:"byPriority"`
	ByReplayState map[ReplayState]int64 `json:"byReplayState"`
}

// ListFilter narrows the admin review queue.
type ListFilter struct {
	ScopeID     string
	EventType   EventType
	FailureType FailureType
	Priority    Priority
	Unresolved  bool // not replayed-successfully and not acknowledged
	Limit       int
	Offset      int
}

// RetryCandidateFilter selects messages eligible for the auto-retry pass:
// transient, not replayed, not acknowledged, younger than MaxAge, attempts
// below the ceiling, ordered by attempts then age, capped to Limit.
type RetryCandidateFilter struct {
	MaxAge      time.Duration
	MaxAttempts int
	Limit       int
}

// Repository defines persistence for DLQ messages.
type Repository interface {
	Create(ctx context.Context, msg *Message) error
	GetByID(ctx context.Context, msgID id.ID) (*Message, error)

	// Update persists replay/acknowledge/priority mutations.
	Update(ctx context.Context, msg *Message) error

	// ClaimForReplay atomically flags a message replayed and returns it.
	// The write is conditional on the replayed flag being unset: of any
	// set of concurrent claims for one message exactly one succeeds, the
	// rest fail with ALREADY_REPLAYED.
	ClaimForReplay(ctx context.Context, msgID id.ID, actor string, at time.Time) (*Message, error)

	// List returns messages ordered Critical > High > Normal > Low,
	// ties broken by creation time ascending.
	List(ctx context.Context, filter ListFilter) ([]*Message, error)

	// ListRetryCandidates returns the next auto-retry batch.
	ListRetryCandidates(ctx context.Context, filter RetryCandidateFilter) ([]*Message, error)

	Stats(ctx context.Context) (*Stats, error)

	// DeleteResolved purges acknowledged or successfully replayed messages
	// older than the cutoff. Returns count and freed payload bytes.
	DeleteResolved(ctx context.Context, olderThan time.Time) (int64, int64, error)
}

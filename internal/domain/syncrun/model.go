// Package syncrun drives the sync pipeline: an explicit phase machine with a
// durable run record, per-run tracing, and retry lineage.
package syncrun

import (
	"context"
	"time"

	"possync/internal/core/id"
	"possync/internal/domain/catalog"
)

// Phase is one step of the pipeline. Phases always advance in declaration
// order; a run never revisits an earlier phase.
type Phase string

const (
	PhaseInitialization       Phase = "initialization"
	PhaseChangeDetection      Phase = "change_detection"
	PhaseDeltaGeneration      Phase = "delta_generation"
	PhaseDataValidation       Phase = "data_validation"
	PhaseSoftDeleteProcessing Phase = "soft_delete_processing"
	PhaseDownstreamSubmission Phase = "downstream_submission"
	PhaseFinalization         Phase = "finalization"
)

// phaseOrder defines the pipeline sequence and per-phase progress weight.
var phaseOrder = []Phase{
	PhaseInitialization,
	PhaseChangeDetection,
	PhaseDeltaGeneration,
	PhaseDataValidation,
	PhaseSoftDeleteProcessing,
	PhaseDownstreamSubmission,
	PhaseFinalization,
}

// Progress returns the percentage of the pipeline completed once this phase
// has finished.
func (p Phase) Progress() int {
	for i, ph := range phaseOrder {
		if ph == p {
			return (i + 1) * 100 / len(phaseOrder)
		}
	}
	return 0
}

// Status is the run's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"

	// StatusNoChanges: the catalog hash matched the previous snapshot and
	// the pipeline short-circuited after change detection.
	StatusNoChanges Status = "no_changes"
)

// IsTerminal reports whether the run has finished.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusNoChanges
}

// Stats accumulates entity counters over a run.
type Stats struct {
	Processed int `db:"stat_processed" json:"processed"`
	Succeeded int `db:"stat_succeeded" json:"succeeded"`
	Failed    int `db:"stat_failed" json:"failed"`
	Added     int `db:"stat_added" json:"added"`
	Updated   int `db:"stat_updated" json:"updated"`
	Deleted   int `db:"stat_deleted" json:"deleted"`
}

// SyncRun is the durable record of one pipeline execution.
type SyncRun struct {
	ID id.ID `db:"id" json:"id"`

	AccountID     string `db:"account_id" json:"accountId"`
	LocationID    string `db:"location_id" json:"locationId"`
	CatalogScope  string `db:"catalog_scope" json:"catalogScope"`
	CorrelationID string `db:"correlation_id" json:"correlationId"`

	Status   Status `db:"status" json:"status"`
	Phase    Phase  `db:"phase" json:"phase"`
	Progress int    `db:"progress" json:"progress"`

	// Stats fields are flattened into the row.
	Stats

	// FailedPhase and Error are set on Failed runs only.
	FailedPhase *Phase  `db:"failed_phase" json:"failedPhase,omitempty"`
	Error       *string `db:"error" json:"error,omitempty"`

	Warnings []string `db:"warnings" json:"warnings,omitempty"`

	SnapshotID      *id.ID `db:"snapshot_id" json:"snapshotId,omitempty"`
	SnapshotVersion *int   `db:"snapshot_version" json:"snapshotVersion,omitempty"`
	DeltaID         *id.ID `db:"delta_id" json:"deltaId,omitempty"`

	// Retry lineage. A retried run is a fresh run pointing at the failed
	// ancestor; RetryCount counts the chain length.
	ParentRunID *id.ID `db:"parent_run_id" json:"parentRunId,omitempty"`
	RetryCount  int    `db:"retry_count" json:"retryCount"`

	// Trace is the zstd-compressed phase-by-phase execution trace.
	Trace []byte `db:"trace" json:"-"`

	StartedAt  time.Time  `db:"started_at" json:"startedAt"`
	FinishedAt *time.Time `db:"finished_at" json:"finishedAt,omitempty"`
}

// NewSyncRun creates a running record for a scope.
func NewSyncRun(scope catalog.ScopeKey, correlationID string) *SyncRun {
	return &SyncRun{
		ID:            id.New(),
		AccountID:     scope.AccountID,
		LocationID:    scope.LocationID,
		CatalogScope:  scope.CatalogScope,
		CorrelationID: correlationID,
		Status:        StatusRunning,
		Phase:         PhaseInitialization,
		StartedAt:     time.Now().UTC(),
	}
}

// Scope reconstructs the run's scope key.
func (r *SyncRun) Scope() catalog.ScopeKey {
	return catalog.ScopeKey{
		AccountID:    r.AccountID,
		LocationID:   r.LocationID,
		CatalogScope: r.CatalogScope,
	}
}

// Repository is the persistence boundary for sync runs.
type Repository interface {
	Create(ctx context.Context, run *SyncRun) error
	Update(ctx context.Context, run *SyncRun) error
	GetByID(ctx context.Context, runID id.ID) (*SyncRun, error)

	// ListByScope returns runs for a scope, newest first.
	ListByScope(ctx context.Context, scope catalog.ScopeKey, limit int) ([]*SyncRun, error)
}

package handlers

import (
	"github.com/gin-gonic/gin"

	"possync/internal/core/apperror"
	"possync/internal/core/id"
	"possync/internal/domain/catalog"
	"possync/internal/domain/syncrun"
)

// SyncHandler exposes sync pipeline operations.
type SyncHandler struct {
	base         *BaseHandler
	orchestrator *syncrun.Orchestrator
	runs         syncrun.Repository
}

// NewSyncHandler creates a sync handler.
func NewSyncHandler(base *BaseHandler, orchestrator *syncrun.Orchestrator, runs syncrun.Repository) *SyncHandler {
	return &SyncHandler{
		base:         base,
		orchestrator: orchestrator,
		runs:         runs,
	}
}

// TriggerRequest is the body of a manual sync trigger.
type TriggerRequest struct {
	AccountID    string `json:"accountId" binding:"required"`
	LocationID   string `json:"locationId" binding:"required"`
	CatalogScope string `json:"catalogScope"`
	Force        bool   `json:"force"`
}

// Trigger starts a sync run for a scope and waits for its outcome.
// POST /api/v1/sync
func (h *SyncHandler) Trigger(c *gin.Context) {
	var req TriggerRequest
	if !h.base.BindJSON(c, &req) {
		return
	}

	scope := catalog.NewScopeKey(req.AccountID, req.LocationID, req.CatalogScope)
	run, err := h.orchestrator.Run(c.Request.Context(), scope, syncrun.Options{
		Force:       req.Force,
		TriggeredBy: c.GetString("subject"),
	})
	if err != nil {
		// The run record still reports what happened; surface both.
		if run != nil {
			h.base.OK(c, run)
			return
		}
		h.base.Error(c, err)
		return
	}

	h.base.OK(c, run)
}

// GetRun returns one run with its phase, stats, and lineage.
// GET /api/v1/sync/runs/:id
func (h *SyncHandler) GetRun(c *gin.Context) {
	runID, err := id.Parse(c.Param("id"))
	if err != nil {
		h.base.Error(c, apperror.NewValidation("invalid run id"))
		return
	}

	run, err := h.runs.GetByID(c.Request.Context(), runID)
	if err != nil {
		h.base.Error(c, err)
		return
	}
	h.base.OK(c, run)
}

// ListRuns returns the run history of a scope, newest first.
// GET /api/v1/sync/runs?accountId=&locationId=&catalogScope=&limit=
func (h *SyncHandler) ListRuns(c *gin.Context) {
	accountID := c.Query("accountId")
	locationID := c.Query("locationId")
	if accountID == "" || locationID == "" {
		h.base.Error(c, apperror.NewValidation("accountId and locationId are required"))
		return
	}

	scope := catalog.NewScopeKey(accountID, locationID, c.Query("catalogScope"))
	limit := h.base.ParseIntQuery(c, "limit", 20)

	runs, err := h.runs.ListByScope(c.Request.Context(), scope, limit)
	if err != nil {
		h.base.Error(c, err)
		return
	}
	h.base.OK(c, gin.H{"runs": runs, "count": len(runs)})
}

// RetryRun re-executes a failed run, linking the new run to its ancestor.
// POST /api/v1/sync/runs/:id/retry
func (h *SyncHandler) RetryRun(c *gin.Context) {
	runID, err := id.Parse(c.Param("id"))
	if err != nil {
		h.base.Error(c, apperror.NewValidation("invalid run id"))
		return
	}

	var req struct {
		Force bool `json:"force"`
	}
	_ = c.ShouldBindJSON(&req)

	run, err := h.orchestrator.Retry(c.Request.Context(), runID, syncrun.Options{
		Force:       req.Force,
		TriggeredBy: c.GetString("subject"),
	})
	if err != nil {
		if run != nil {
			h.base.OK(c, run)
			return
		}
		h.base.Error(c, err)
		return
	}
	h.base.OK(c, run)
}

package handlers

import (
	"github.com/gin-gonic/gin"

	"possync/internal/core/apperror"
	"possync/internal/core/id"
	"possync/internal/domain/dlq"
)

// DLQHandler exposes dead letter queue review and replay operations.
type DLQHandler struct {
	base    *BaseHandler
	service *dlq.Service
}

// NewDLQHandler creates a DLQ handler.
func NewDLQHandler(base *BaseHandler, service *dlq.Service) *DLQHandler {
	return &DLQHandler{base: base, service: service}
}

// List returns messages for review, highest priority first.
// GET /api/v1/dlq?scopeId=&eventType=&failureType=&priority=&unresolved=&limit=&offset=
func (h *DLQHandler) List(c *gin.Context) {
	filter := dlq.ListFilter{
		ScopeID:     c.Query("scopeId"),
		EventType:   dlq.EventType(c.Query("eventType")),
		FailureType: dlq.FailureType(c.Query("failureType")),
		Priority:    dlq.Priority(c.Query("priority")),
		Unresolved:  c.Query("unresolved") == "true",
		Limit:       h.base.ParseIntQuery(c, "limit", 50),
		Offset:      h.base.ParseIntQuery(c, "offset", 0),
	}

	messages, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		h.base.Error(c, err)
		return
	}
	h.base.OK(c, gin.H{"messages": messages, "count": len(messages)})
}

// Get returns one message.
// GET /api/v1/dlq/:id
func (h *DLQHandler) Get(c *gin.Context) {
	msgID, err := id.Parse(c.Param("id"))
	if err != nil {
		h.base.Error(c, apperror.NewValidation("invalid message id"))
		return
	}

	msg, err := h.service.Get(c.Request.Context(), msgID)
	if err != nil {
		h.base.Error(c, err)
		return
	}
	h.base.OK(c, msg)
}

// Replay re-executes the failed operation behind a message.
// POST /api/v1/dlq/:id/replay
func (h *DLQHandler) Replay(c *gin.Context) {
	msgID, err := id.Parse(c.Param("id"))
	if err != nil {
		h.base.Error(c, apperror.NewValidation("invalid message id"))
		return
	}

	result, err := h.service.Replay(c.Request.Context(), msgID, c.GetString("subject"))
	if err != nil {
		h.base.Error(c, err)
		return
	}
	h.base.OK(c, result)
}

// BulkReplayRequest selects messages for a bulk replay.
type BulkReplayRequest struct {
	MessageIDs []string `json:"messageIds" binding:"required,min=1"`
}

// BulkReplay replays a set of messages and reports the success rate.
// POST /api/v1/dlq/replay
func (h *DLQHandler) BulkReplay(c *gin.Context) {
	var req BulkReplayRequest
	if !h.base.BindJSON(c, &req) {
		return
	}

	msgIDs := make([]id.ID, 0, len(req.MessageIDs))
	for _, raw := range req.MessageIDs {
		msgID, err := id.Parse(raw)
		if err != nil {
			h.base.Error(c, apperror.NewValidation("invalid message id").WithDetail("id", raw))
			return
		}
		msgIDs = append(msgIDs, msgID)
	}

	result, err := h.service.BulkReplay(c.Request.Context(), msgIDs, c.GetString("subject"))
	if err != nil {
		h.base.Error(c, err)
		return
	}
	h.base.OK(c, result)
}

// Acknowledge resolves a message without replaying it.
// POST /api/v1/dlq/:id/ack
func (h *DLQHandler) Acknowledge(c *gin.Context) {
	msgID, err := id.Parse(c.Param("id"))
	if err != nil {
		h.base.Error(c, apperror.NewValidation("invalid message id"))
		return
	}

	if err := h.service.Acknowledge(c.Request.Context(), msgID, c.GetString("subject")); err != nil {
		h.base.Error(c, err)
		return
	}
	h.base.NoContent(c)
}

// UpdatePriorityRequest changes a message's review priority.
type UpdatePriorityRequest struct {
	Priority dlq.Priority `json:"priority" binding:"required"`
}

// UpdatePriority changes a message's review priority.
// PATCH /api/v1/dlq/:id/priority
func (h *DLQHandler) UpdatePriority(c *gin.Context) {
	msgID, err := id.Parse(c.Param("id"))
	if err != nil {
		h.base.Error(c, apperror.NewValidation("invalid message id"))
		return
	}

	var req UpdatePriorityRequest
	if !h.base.BindJSON(c, &req) {
		return
	}

	if err := h.service.UpdatePriority(c.Request.Context(), msgID, req.Priority); err != nil {
		h.base.Error(c, err)
		return
	}
	h.base.NoContent(c)
}

// Stats returns queue counters grouped by failure type, priority, and
// replay state.
// GET /api/v1/dlq/stats
func (h *DLQHandler) Stats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		h.base.Error(c, err)
		return
	}
	h.base.OK(c, stats)
}

// Cleanup purges resolved messages past retention.
// POST /api/v1/dlq/cleanup
func (h *DLQHandler) Cleanup(c *gin.Context) {
	result, err := h.service.Cleanup(c.Request.Context())
	if err != nil {
		h.base.Error(c, err)
		return
	}
	h.base.OK(c, result)
}

package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	appctx "possync/internal/core/context"
)

const (
	HeaderTraceID       = "X-Trace-ID"
	HeaderCorrelationID = "X-Correlation-ID"
)

// Trace middleware attaches tracing context to every request. Incoming trace
// and correlation ids are honored so a sync triggered upstream keeps its
// lineage through the engine.
func Trace() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(HeaderTraceID)
		if traceID == "" {
			traceID = uuid.New().String()
		}

		correlationID := c.GetHeader(HeaderCorrelationID)
		if correlationID == "" {
			correlationID = appctx.NewCorrelationID()
		}

		trace := &appctx.TraceContext{
			TraceID:       traceID,
			SpanID:        uuid.New().String()[:16],
			CorrelationID: correlationID,
		}

		ctx := appctx.WithTrace(c.Request.Context(), trace)
		c.Request = c.Request.WithContext(ctx)

		c.Set("trace_id", traceID)
		c.Set("correlation_id", correlationID)

		c.Header(HeaderTraceID, traceID)
		c.Header(HeaderCorrelationID, correlationID)

		c.Next()
	}
}

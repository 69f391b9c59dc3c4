package context

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TraceContext contains request tracing information.
type TraceContext struct {
	TraceID       string
	SpanID        string
	CorrelationID string
}

type traceContextKey struct{}

// WithTrace adds TraceContext to context.
func WithTrace(ctx context.Context, trace *TraceContext) context.Context {
	return context.WithValue(ctx, traceContextKey{}, trace)
}

// GetTrace returns TraceContext from context.
func GetTrace(ctx context.Context) *TraceContext {
	if v, ok := ctx.Value(traceContextKey{}).(*TraceContext); ok {
		return v
	}
	return nil
}

// GetTraceID returns trace ID from context or generates new one.
func GetTraceID(ctx context.Context) string {
	if t := GetTrace(ctx); t != nil {
		return t.TraceID
	}
	return uuid.New().String()
}

// GetCorrelationID returns correlation ID from context or empty string.
func GetCorrelationID(ctx context.Context) string {
	if t := GetTrace(ctx); t != nil {
		return t.CorrelationID
	}
	return ""
}

// NewTraceContext creates a new TraceContext with generated IDs.
func NewTraceContext() *TraceContext {
	return &TraceContext{
		TraceID:       uuid.New().String(),
		SpanID:        uuid.New().String()[:16],
		CorrelationID: NewCorrelationID(),
	}
}

// NewCorrelationID generates a correlation id of the form
// sync-20060102T15-a1b2c3d4: an hour bucket plus a random suffix.
// The hour bucket makes ids from the same scheduler tick group together
// in searches while the suffix keeps them unique.
func NewCorrelationID() string {
	return fmt.Sprintf("sync-%s-%s",
		time.Now().UTC().Format("20060102T15"),
		uuid.New().String()[:8])
}

package syncrun

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// TraceEvent is one recorded step of a run.
type TraceEvent struct {
	At      time.Time      `json:"at"`
	Phase   Phase          `json:"phase"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Tracer collects the phase-by-phase execution trace of a single run. It is
// passed through the context as an explicit handle so any component on the
// run's call path can annotate it. Safe for concurrent use.
type Tracer struct {
	mu     sync.Mutex
	events []TraceEvent
}

// NewTracer creates an empty run tracer.
func NewTracer() *Tracer {
	return &Tracer{}
}

// Record appends an event to the trace.
func (t *Tracer) Record(phase Phase, message string, fields map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, TraceEvent{
		At:      time.Now().UTC(),
		Phase:   phase,
		Message: message,
		Fields:  fields,
	})
}

// Events returns a copy of the recorded events.
func (t *Tracer) Events() []TraceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TraceEvent, len(t.events))
	copy(out, t.events)
	return out
}

// MarshalJSON serializes the event list.
func (t *Tracer) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Events())
}

type tracerContextKey struct{}

// WithTracer attaches a run tracer to the context.
func WithTracer(ctx context.Context, t *Tracer) context.Context {
	return context.WithValue(ctx, tracerContextKey{}, t)
}

// GetTracer returns the run tracer from the context, or nil.
func GetTracer(ctx context.Context) *Tracer {
	if v, ok := ctx.Value(tracerContextKey{}).(*Tracer); ok {
		return v
	}
	return nil
}

// Trace records onto the context's tracer if one is attached.
func Trace(ctx context.Context, phase Phase, message string, fields map[string]any) {
	if t := GetTracer(ctx); t != nil {
		t.Record(phase, message, fields)
	}
}

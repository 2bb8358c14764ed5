package workflow

import (
	"context"
	"time"
)

// =============================================================================
// Run events
// =============================================================================

// EventType identifies a runtime event.
type EventType string

const (
	EventRunStart     EventType = "run_start"
	EventStepStart    EventType = "step_start"
	EventStepComplete EventType = "step_complete"
	EventStepError    EventType = "step_error"
	EventFanout       EventType = "fanout"
	EventInterrupt    EventType = "interrupt"
	EventCheckpoint   EventType = "checkpoint"
	EventRunComplete  EventType = "run_complete"
)

// Event describes one thing that happened during a run.
type Event struct {
	Type     EventType     `json:"type"`
	Graph    string        `json:"graph"`
	ThreadID string        `json:"thread_id"`
	RunID    string        `json:"run_id"`
	Step     string        `json:"step,omitempty"`
	Status   string        `json:"status,omitempty"`
	Branches int           `json:"branches,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Payload  any           `json:"payload,omitempty"`
	Error    string        `json:"error,omitempty"`
	Time     time.Time     `json:"time"`
}

// Observer receives the events of every run of a Runner. Implementations
// must be safe for concurrent use; fan-out branches report in parallel.
type Observer interface {
	OnEvent(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) OnEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// EventEmitter receives the events of a single Start or Resume call.
type EventEmitter func(Event)

type eventEmitterKey struct{}

// WithEventEmitter attaches a per-call emitter to ctx.
func WithEventEmitter(ctx context.Context, emit EventEmitter) context.Context {
	if emit == nil {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, eventEmitterKey{}, emit)
}

func eventEmitterFromContext(ctx context.Context) (EventEmitter, bool) {
	if ctx == nil {
		return nil, false
	}
	emit, ok := ctx.Value(eventEmitterKey{}).(EventEmitter)
	return emit, ok && emit != nil
}

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Interrupt is raised by Suspend on a call site that has no recorded
// response yet. Steps must return it unchanged so the runtime can persist
// the suspension and hand Payload to the caller.
type Interrupt struct {
	Step    string `json:"step"`
	Index   int    `json:"index"`
	Payload any    `json:"payload"`
}

func (i *Interrupt) Error() string {
	return fmt.Sprintf("step %q suspended at call site %d", i.Step, i.Index)
}

// suspendScope tracks Suspend call sites for one step invocation. replay
// holds the responses for call sites answered by earlier resumes, indexed
// by call order.
type suspendScope struct {
	mu      sync.Mutex
	step    string
	replay  []any
	calls   int
	pending *Interrupt
	branch  bool
}

type scopeKey struct{}

func withScope(ctx context.Context, sc *suspendScope) context.Context {
	return context.WithValue(ctx, scopeKey{}, sc)
}

// Suspend asks the caller of the run for a response. On a call site answered
// by a previous resume it returns that response; otherwise it returns an
// *Interrupt error that the step must propagate.
//
//	answer, err := workflow.Suspend(ctx, question)
//	if err != nil {
//	    return workflow.Command{}, err
//	}
//
// A resumed step re-executes from its start, so work before the first
// Suspend call must be cheap or idempotent.
func Suspend(ctx context.Context, payload any) (any, error) {
	sc, ok := ctx.Value(scopeKey{}).(*suspendScope)
	if !ok || sc == nil {
		return nil, errors.New("workflow: Suspend called outside a running step")
	}
	return sc.suspend(payload)
}

func (sc *suspendScope) suspend(payload any) (any, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.pending != nil {
		return nil, sc.pending
	}
	idx := sc.calls
	sc.calls++
	if idx < len(sc.replay) {
		return sc.replay[idx], nil
	}
	if sc.branch {
		return nil, ErrSuspendInBranch
	}
	sc.pending = &Interrupt{Step: sc.step, Index: idx, Payload: payload}
	return nil, sc.pending
}

func (sc *suspendScope) interrupt() *Interrupt {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.pending
}

// DecodeResponse converts a resume response into T. Responses read back
// from a durable checkpoint are generic JSON values and are converted
// through a JSON round trip.
func DecodeResponse[T any](v any) (T, error) {
	var out T
	if t, ok := v.(T); ok {
		return t, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode response as %T: %w", out, err)
	}
	return out, nil
}

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies why a run failed so callers can branch on it.
type ErrorKind string

const (
	KindSchema             ErrorKind = "schema"
	KindRecursionLimit     ErrorKind = "recursion_limit"
	KindPartialFailure     ErrorKind = "partial_failure"
	KindNoPendingInterrupt ErrorKind = "no_pending_interrupt"
	KindSwarmBudget        ErrorKind = "swarm_budget"
	KindStepExecution      ErrorKind = "step_execution"
	KindThreadSuspended    ErrorKind = "thread_suspended"
	KindCanceled           ErrorKind = "canceled"
	KindCheckpoint         ErrorKind = "checkpoint"
	KindInvalidInput       ErrorKind = "invalid_input"
)

var (
	// ErrRecursionLimitExceeded is returned when a run exhausts its step budget.
	ErrRecursionLimitExceeded = errors.New("recursion limit exceeded")

	// ErrNoPendingInterrupt is returned by Resume on a thread that is not suspended.
	ErrNoPendingInterrupt = errors.New("no pending interrupt")

	// ErrSwarmBudgetExceeded is returned when a swarm runs out of turns.
	ErrSwarmBudgetExceeded = errors.New("swarm budget exceeded")

	// ErrThreadSuspended is returned by Start on a thread waiting for a response.
	ErrThreadSuspended = errors.New("thread has a pending interrupt")

	// ErrUnknownStep is wrapped when a route names a step that is not registered.
	ErrUnknownStep = errors.New("unknown step")

	// ErrUndeclaredRoute is wrapped when a step routes outside its declared successors.
	ErrUndeclaredRoute = errors.New("route not declared by step")

	// ErrSuspendInBranch is returned by Suspend inside a fan-out branch.
	ErrSuspendInBranch = errors.New("suspend is not supported inside fan-out branches")

	// ErrDivergentJoin is wrapped when fan-out branches disagree on where to go next.
	ErrDivergentJoin = errors.New("fan-out branches route to different steps")

	// ErrNestedFanout is wrapped when a fan-out branch tries to fan out again.
	ErrNestedFanout = errors.New("fan-out branches cannot fan out again")
)

// SchemaError reports a state value whose type does not match its field.
type SchemaError struct {
	Field string
	Want  string
	Got   string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema: field %q expects %s, got %s", e.Field, e.Want, e.Got)
}

// StepExecutionError wraps an error raised by a step that is not part of the
// runtime's own taxonomy.
type StepExecutionError struct {
	Step string
	Err  error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q: %v", e.Step, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// BranchError is one failed branch of a fan-out.
type BranchError struct {
	Index int
	Step  string
	Err   error
}

func (e BranchError) Error() string {
	return fmt.Sprintf("branch %d (%s): %v", e.Index, e.Step, e.Err)
}

func (e BranchError) Unwrap() error { return e.Err }

// PartialFailure reports a fan-out where at least one branch failed. None of
// the branch updates are applied.
type PartialFailure struct {
	Step      string
	Succeeded []int
	Failed    []BranchError
}

func (e *PartialFailure) Error() string {
	parts := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		parts[i] = f.Error()
	}
	return fmt.Sprintf("fan-out from %q: %d of %d branches failed: %s",
		e.Step, len(e.Failed), len(e.Failed)+len(e.Succeeded), strings.Join(parts, "; "))
}

// Unwrap exposes the branch errors to errors.Is and errors.As.
func (e *PartialFailure) Unwrap() []error {
	out := make([]error, len(e.Failed))
	for i, f := range e.Failed {
		out[i] = f
	}
	return out
}

// FailedBranch returns the failure of the branch dispatched at index.
func (e *PartialFailure) FailedBranch(index int) (BranchError, bool) {
	for _, f := range e.Failed {
		if f.Index == index {
			return f, true
		}
	}
	return BranchError{}, false
}

// RunError is the structured error carried by every failed RunResult.
type RunError struct {
	Kind ErrorKind
	Step string
	Err  error
}

func (e *RunError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s at %q: %v", e.Kind, e.Step, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

type branchErrorJSON struct {
	Index   int    `json:"index"`
	Step    string `json:"step"`
	Message string `json:"message"`
}

type runErrorJSON struct {
	Kind      ErrorKind         `json:"kind"`
	Step      string            `json:"step,omitempty"`
	Message   string            `json:"message"`
	Succeeded []int             `json:"succeeded,omitempty"`
	Branches  []branchErrorJSON `json:"branches,omitempty"`
}

// MarshalJSON renders the error with per-branch detail for partial failures.
func (e *RunError) MarshalJSON() ([]byte, error) {
	out := runErrorJSON{Kind: e.Kind, Step: e.Step}
	if e.Err != nil {
		out.Message = e.Err.Error()
	}
	var pf *PartialFailure
	if errors.As(e.Err, &pf) {
		out.Succeeded = pf.Succeeded
		for _, f := range pf.Failed {
			out.Branches = append(out.Branches, branchErrorJSON{Index: f.Index, Step: f.Step, Message: f.Err.Error()})
		}
	}
	return json.Marshal(out)
}

// KindOf returns the kind of err, or "" when err is not a *RunError.
func KindOf(err error) ErrorKind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// classify turns an error that escaped step at step into a RunError.
func classify(step string, err error) *RunError {
	var (
		re *RunError
		se *SchemaError
		pf *PartialFailure
	)
	switch {
	case errors.As(err, &re):
		return &RunError{Kind: re.Kind, Step: step, Err: err}
	case errors.As(err, &se):
		return &RunError{Kind: KindSchema, Step: step, Err: err}
	case errors.As(err, &pf):
		return &RunError{Kind: KindPartialFailure, Step: step, Err: err}
	case errors.Is(err, ErrRecursionLimitExceeded):
		return &RunError{Kind: KindRecursionLimit, Step: step, Err: err}
	case errors.Is(err, ErrSwarmBudgetExceeded):
		return &RunError{Kind: KindSwarmBudget, Step: step, Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &RunError{Kind: KindCanceled, Step: step, Err: err}
	}
	var sx *StepExecutionError
	if !errors.As(err, &sx) {
		err = &StepExecutionError{Step: step, Err: err}
	}
	return &RunError{Kind: KindStepExecution, Step: step, Err: err}
}

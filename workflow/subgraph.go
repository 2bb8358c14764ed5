package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// SubgraphOptions controls how state crosses the subgraph boundary.
type SubgraphOptions struct {
	// Inputs lists the parent fields handed to the inner entry step. Empty
	// passes the whole parent state.
	Inputs []string
	// Outputs lists the inner fields lifted back into the parent. Empty
	// lifts the whole inner state.
	Outputs []string
	// MaxSteps overrides the inner step budget. Zero inherits the caller's.
	MaxSteps int
}

// Subgraph wraps a compiled graph so it can run as one step of a parent.
// The inner step names stay private; the parent only sees Outputs.
type Subgraph struct {
	name  string
	graph *Graph
	opts  SubgraphOptions
}

// NewSubgraph wraps g. The inner checkpoint of each parent thread is kept
// under "<parent thread>::<step name>".
func NewSubgraph(g *Graph, opts SubgraphOptions) *Subgraph {
	return &Subgraph{name: g.name, graph: g, opts: opts}
}

// Graph returns the wrapped graph.
func (s *Subgraph) Graph() *Graph { return s.graph }

// ThreadID returns the inner thread id used for parent thread outer and
// subgraph step name.
func ThreadID(outer, step string) string {
	return outer + "::" + step
}

func (r *Runner) child(sub *Subgraph) *Runner {
	if c, ok := r.children.Load(sub); ok {
		return c.(*Runner)
	}
	c := &Runner{
		graph:     sub.graph,
		store:     r.store,
		logger:    r.logger.With(zap.String("subgraph", sub.graph.name)),
		observers: r.observers,
		tracer:    r.tracer,
		counter:   r.counter,
		history:   r.history,
		fanout:    r.fanout,
		maxSteps:  r.maxSteps,
		locks:     r.locks,
	}
	actual, _ := r.children.LoadOrStore(sub, c)
	return actual.(*Runner)
}

// invokeSubgraph runs the inner graph to completion or suspension. A fresh
// invocation replaces whatever the inner thread held before; a resume
// continues the inner checkpoint with the same response.
func (r *Runner) invokeSubgraph(ctx context.Context, n *node, state State, cfg RunConfig, resume *resumeInput, branch bool) outcome {
	sub := n.sub
	child := r.child(sub)
	inner := ThreadID(cfg.ThreadID, n.name)

	innerCfg := cfg
	innerCfg.ThreadID = ""
	if sub.opts.MaxSteps > 0 {
		innerCfg.MaxSteps = sub.opts.MaxSteps
	}

	input := state.Project(sub.opts.Inputs)
	var res RunResult
	if resume != nil {
		res = child.Resume(ctx, inner, resume.response, innerCfg)
	} else {
		res = child.start(ctx, input, inner, innerCfg, true)
	}

	switch res.Status {
	case RunDone:
		update, err := r.lift(sub, input, res.State)
		if err != nil {
			return outcome{err: err}
		}
		return outcome{cmd: Command{Update: update, Goto: n.next}}
	case RunInterrupted:
		if branch {
			return outcome{err: ErrSuspendInBranch}
		}
		return outcome{interrupt: &Interrupt{Step: n.name, Index: res.Interrupt.Index, Payload: res.Interrupt.Payload}}
	default:
		return outcome{err: res.Err}
	}
}

// lift projects the inner final state onto the outputs. Append fields that
// were handed in as input only contribute the elements the inner run added;
// fields with a reducer are lifted whole and deduplicated by the reducer.
func (r *Runner) lift(sub *Subgraph, input, final State) (State, error) {
	out := final.Project(sub.opts.Outputs)
	for key, val := range out {
		if r.graph.schema.Policy(key) != Append {
			continue
		}
		before, ok := input[key]
		if !ok {
			continue
		}
		f, _ := r.graph.schema.Field(key)
		if f.Reducer != nil {
			continue
		}
		prev, err := f.asSequence(before)
		if err != nil {
			return nil, err
		}
		all, err := f.asSequence(val)
		if err != nil {
			return nil, err
		}
		if all.Len() < prev.Len() {
			return nil, fmt.Errorf("subgraph %q shrank append field %q", sub.graph.name, key)
		}
		out[key] = all.Slice(prev.Len(), all.Len()).Interface()
	}
	return out, nil
}

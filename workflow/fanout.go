package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Fan-out
// =============================================================================

// runFanout executes one branch per send and joins them. Branches see the
// parent state overridden by their payload and never see each other's
// updates. Updates are merged in dispatch order once every branch has
// returned; if any branch fails nothing is merged.
func (r *Runner) runFanout(ctx context.Context, rn *run, from *node, state State, route FanoutRoute) (State, string, *RunError) {
	sends := route.Sends
	if rerr := r.checkBudget(rn, from.name, len(sends)); rerr != nil {
		return nil, "", rerr
	}
	rn.steps += len(sends)

	r.emit(ctx, rn, Event{Type: EventFanout, Step: from.name, Branches: len(sends)})
	r.logger.Debug("fan-out dispatched",
		zap.String("thread_id", rn.threadID),
		zap.String("from", from.name),
		zap.Int("branches", len(sends)))

	results := r.dispatch(ctx, rn, state, sends)
	if err := ctx.Err(); err != nil {
		return nil, "", &RunError{Kind: KindCanceled, Step: from.name, Err: err}
	}

	pf :=&PartialFailure{Step: from.name}
	for i, out := range results {
		err := out.err
		if err == nil {
			if _, nested := out.route.(FanoutRoute); nested {
				err = fmt.Errorf("%w: %s", ErrNestedFanout, out.route)
			}
		}
		if err != nil {
			pf.Failed = append(pf.Failed, BranchError{Index: i, Step: sends[i].Step, Err: err})
			continue
		}
		pf.Succeeded = append(pf.Succeeded, i)
	}
	if len(pf.Failed) > 0 {
		return nil, "", &RunError{Kind: KindPartialFailure, Step: from.name, Err: pf}
	}

	merged := state
	var join Route
	for i, out := range results {
		var err error
		if merged, err = r.graph.schema.Merge(merged, out.cmd.Update); err != nil {
			return nil, "", classify(sends[i].Step, err)
		}
		if join == nil {
			join = out.route
			continue
		}
		if join.String() != out.route.String() {
			err := &StepExecutionError{Step: from.name,
				Err: fmt.Errorf("%w: branch 0 -> %s, branch %d -> %s", ErrDivergentJoin, join, i, out.route)}
			return nil, "", &RunError{Kind: KindStepExecution, Step: from.name, Err: err}
		}
	}

	if sr, ok := join.(StepRoute); ok {
		return merged, sr.Name, nil
	}
	return merged, "", nil
}

// dispatch runs every branch to completion and returns the outcomes in
// dispatch order.
func (r *Runner) dispatch(ctx context.Context, rn *run, state State, sends []Send) []outcome {
	results := make([]outcome, len(sends))

	var g errgroup.Group
	if r.fanout.MaxConcurrency > 0 {
		g.SetLimit(r.fanout.MaxConcurrency)
	}
	for i, send := range sends {
		if lim := r.fanout.Limiter; lim != nil {
			if err := lim.Wait(ctx); err != nil {
				results[i] = outcome{err: err}
				continue
			}
		}
		g.Go(func() error {
			branch := state.Clone()
			for k, v := range send.Payload {
				branch[k] = v
			}
			threadID := fmt.Sprintf("%s#%d", rn.threadID, i)
			results[i] = r.invoke(ctx, rn, r.graph.nodes[send.Step], branch, threadID, nil, i)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

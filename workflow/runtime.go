package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/graphflow/workflow/checkpoint"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/BaSui01/graphflow/workflow"

// RunStatus is the outcome of a Start or Resume call.
type RunStatus string

const (
	RunDone        RunStatus = "done"
	RunInterrupted RunStatus = "interrupted"
	RunFailed      RunStatus = "failed"
)

// RunResult is returned by Start and Resume. Err is set if and only if
// Status is RunFailed; Interrupt is set if and only if Status is
// RunInterrupted.
type RunResult struct {
	Status    RunStatus  `json:"status"`
	ThreadID  string     `json:"thread_id"`
	RunID     string     `json:"run_id"`
	State     State      `json:"state,omitempty"`
	Interrupt *Interrupt `json:"interrupt,omitempty"`
	Err       *RunError  `json:"error,omitempty"`
	Steps     int        `json:"steps"`
}

// FanoutOptions bounds fan-out concurrency. A zero MaxConcurrency runs
// every branch at once; a nil Limiter dispatches without pacing.
type FanoutOptions struct {
	MaxConcurrency int
	Limiter        Limiter
}

// Limiter paces fan-out dispatch. *rate.Limiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Runner executes a compiled graph against a checkpoint store. A Runner is
// safe for concurrent use; calls on the same thread id are serialized and
// calls on different thread ids run independently.
type Runner struct {
	graph     *Graph
	store     checkpoint.Store
	logger    *zap.Logger
	observers []Observer
	tracer    trace.Tracer
	counter   metric.Int64Counter
	history   *HistoryStore
	fanout    FanoutOptions
	maxSteps  int
	locks     *threadLocks
	children  sync.Map
}

type runnerSettings struct {
	tp trace.TracerProvider
	mp metric.MeterProvider
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner, *runnerSettings)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) RunnerOption {
	return func(r *Runner, _ *runnerSettings) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithObserver adds an observer that receives every event.
func WithObserver(o Observer) RunnerOption {
	return func(r *Runner, _ *runnerSettings) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// WithHistory records each call into h.
func WithHistory(h *HistoryStore) RunnerOption {
	return func(r *Runner, _ *runnerSettings) { r.history = h }
}

// WithFanout sets fan-out concurrency limits.
func WithFanout(opts FanoutOptions) RunnerOption {
	return func(r *Runner, _ *runnerSettings) { r.fanout = opts }
}

// WithDefaultMaxSteps sets the budget used when RunConfig.MaxSteps is zero.
func WithDefaultMaxSteps(n int) RunnerOption {
	return func(r *Runner, _ *runnerSettings) {
		if n > 0 {
			r.maxSteps = n
		}
	}
}

// WithTracerProvider overrides the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) RunnerOption {
	return func(_ *Runner, s *runnerSettings) { s.tp = tp }
}

// WithMeterProvider overrides the global OpenTelemetry meter provider.
func WithMeterProvider(mp metric.MeterProvider) RunnerOption {
	return func(_ *Runner, s *runnerSettings) { s.mp = mp }
}

// NewRunner creates a runner for g. A nil store selects an in-memory store.
func NewRunner(g *Graph, store checkpoint.Store, opts ...RunnerOption) *Runner {
	r := &Runner{
		graph:    g,
		store:    store,
		logger:   zap.NewNop(),
		history:  NewHistoryStore(20),
		maxSteps: DefaultMaxSteps,
		locks:    newThreadLocks(),
	}
	s := &runnerSettings{tp: otel.GetTracerProvider(), mp: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(r, s)
	}
	if r.store == nil {
		r.store = checkpoint.NewMemoryStore()
	}
	r.logger = r.logger.With(zap.String("component", "workflow_runner"), zap.String("graph", g.name))
	r.tracer = s.tp.Tracer(instrumentationName)

	counter, err := s.mp.Meter(instrumentationName).Int64Counter("workflow.step.invocations",
		metric.WithDescription("Number of step invocations"))
	if err != nil {
		counter, _ = metricnoop.NewMeterProvider().Meter(instrumentationName).Int64Counter("workflow.step.invocations")
	}
	r.counter = counter
	return r
}

// Graph returns the compiled graph.
func (r *Runner) Graph() *Graph { return r.graph }

// Store returns the checkpoint store.
func (r *Runner) Store() checkpoint.Store { return r.store }

// History returns the run history store.
func (r *Runner) History() *HistoryStore { return r.history }

// Thread returns the current checkpoint of threadID.
func (r *Runner) Thread(ctx context.Context, threadID string) (*checkpoint.Checkpoint, error) {
	return r.store.Get(ctx, threadID)
}

// =============================================================================
// Entrypoints
// =============================================================================

// Start runs the graph from its entry step on threadID. initial is merged
// into the stored state of the thread, which is empty for a new thread.
func (r *Runner) Start(ctx context.Context, initial State, threadID string, cfg RunConfig) RunResult {
	return r.start(ctx, initial, threadID, cfg, false)
}

// start with fresh set ignores any stored checkpoint; subgraph steps use
// it so each invocation begins from the projected input only.
func (r *Runner) start(ctx context.Context, initial State, threadID string, cfg RunConfig, fresh bool) RunResult {
	if threadID == "" {
		return RunResult{Status: RunFailed, Err: &RunError{Kind: KindInvalidInput, Err: errors.New("thread id is required")}}
	}
	unlock := r.locks.lock(threadID)
	defer unlock()

	rn := r.newRun(threadID, cfg)
	ctx, span := r.tracer.Start(ctx, "workflow.start", trace.WithAttributes(rn.attrs()...))
	defer span.End()

	cp, err := r.store.Get(ctx, threadID)
	switch {
	case fresh || errors.Is(err, checkpoint.ErrNotFound):
		cp = &checkpoint.Checkpoint{ThreadID: threadID, Graph: r.graph.name, State: map[string]any{}}
	case err != nil:
		return r.reject(ctx, rn, span, &RunError{Kind: KindCheckpoint, Err: err})
	case cp.Suspended():
		return r.reject(ctx, rn, span, &RunError{Kind: KindThreadSuspended, Step: cp.SuspendedStep, Err: ErrThreadSuspended})
	}

	state, err := r.restore(cp)
	if err == nil {
		state, err = r.graph.schema.Merge(state, initial)
	}
	if err != nil {
		return r.reject(ctx, rn, span, classify("", err))
	}

	cp.Next = r.graph.entry
	if sw := r.graph.swarm; sw != nil {
		cp.Next = sw.active(r.graph, state)
		if state, err = r.graph.schema.Merge(state, State{sw.activeField: cp.Next}); err != nil {
			return r.reject(ctx, rn, span, classify("", err))
		}
	}
	cp.Status = checkpoint.StatusReady
	cp.Error = ""
	clearSuspension(cp)

	r.logger.Info("run started",
		zap.String("thread_id", threadID),
		zap.String("run_id", rn.id),
		zap.String("entry", cp.Next))
	r.emit(ctx, rn, Event{Type: EventRunStart, Step: cp.Next})

	return r.execute(ctx, rn, span, cp, state, nil)
}

// Resume answers the pending suspension of threadID with response and
// continues the run by re-invoking the suspended step.
func (r *Runner) Resume(ctx context.Context, threadID string, response any, cfg RunConfig) RunResult {
	unlock := r.locks.lock(threadID)
	defer unlock()

	rn := r.newRun(threadID, cfg)
	ctx, span := r.tracer.Start(ctx, "workflow.resume", trace.WithAttributes(rn.attrs()...))
	defer span.End()

	cp, err := r.store.Get(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNotFound) || (err == nil && !cp.Suspended()) {
		return r.reject(ctx, rn, span, &RunError{Kind: KindNoPendingInterrupt, Err: ErrNoPendingInterrupt})
	}
	if err != nil {
		return r.reject(ctx, rn, span, &RunError{Kind: KindCheckpoint, Err: err})
	}

	state, err := r.restore(cp)
	if err != nil {
		return r.reject(ctx, rn, span, classify(cp.SuspendedStep, err))
	}

	in := &resumeInput{
		step:     cp.SuspendedStep,
		replay:   append(append([]any(nil), cp.ResumeLog...), response),
		response: response,
	}
	r.logger.Info("run resumed",
		zap.String("thread_id", threadID),
		zap.String("run_id", rn.id),
		zap.String("step", in.step))
	r.emit(ctx, rn, Event{Type: EventRunStart, Step: in.step})

	return r.execute(ctx, rn, span, cp, state, in)
}

// =============================================================================
// Scheduler
// =============================================================================

type run struct {
	id       string
	threadID string
	cfg      RunConfig
	budget   int
	steps    int
	history  *ExecutionHistory
}

func (rn *run) attrs() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("workflow.thread_id", rn.threadID),
		attribute.String("workflow.run_id", rn.id),
	}
}

type resumeInput struct {
	step     string
	replay   []any
	response any
}

type outcome struct {
	cmd       Command
	route     Route
	err       error
	interrupt *Interrupt
	replay    []any
}

func (r *Runner) newRun(threadID string, cfg RunConfig) *run {
	budget := cfg.MaxSteps
	if budget <= 0 {
		budget = r.maxSteps
	}
	id := uuid.NewString()
	return &run{
		id:       id,
		threadID: threadID,
		cfg:      cfg,
		budget:   budget,
		history:  NewExecutionHistory(id, threadID, r.graph.name),
	}
}

func (r *Runner) execute(ctx context.Context, rn *run, span trace.Span, cp *checkpoint.Checkpoint, state State, resume *resumeInput) RunResult {
	current := cp.Next
	if resume != nil {
		current = resume.step
	}
	cp.State = state

	for {
		if current == "" {
			return r.complete(ctx, rn, span, cp, state)
		}
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, rn, span, cp, state, &RunError{Kind: KindCanceled, Step: current, Err: err})
		}
		if rerr := r.checkBudget(rn, current, 1); rerr != nil {
			return r.fail(ctx, rn, span, cp, state, rerr)
		}
		n, ok := r.graph.nodes[current]
		if !ok {
			err := &StepExecutionError{Step: current, Err: ErrUnknownStep}
			return r.fail(ctx, rn, span, cp, state, &RunError{Kind: KindStepExecution, Step: current, Err: err})
		}

		rn.steps++
		out := r.invoke(ctx, rn, n, state, rn.threadID, resume, -1)
		resume = nil

		if out.interrupt != nil {
			return r.suspend(ctx, rn, span, cp, state, n.name, out)
		}
		if out.err != nil {
			return r.fail(ctx, rn, span, cp, state, classify(n.name, out.err))
		}

		next, nextStep, rerr := r.advance(ctx, rn, n, state, out)
		if rerr != nil {
			return r.fail(ctx, rn, span, cp, state, rerr)
		}
		state, current = next, nextStep

		cp.State = state
		cp.Next = current
		cp.Status = checkpoint.StatusReady
		clearSuspension(cp)
		if err := r.save(ctx, rn, cp); err != nil {
			return r.fail(ctx, rn, span, cp, state, &RunError{Kind: KindCheckpoint, Step: n.name, Err: err})
		}
	}
}

// advance merges a completed step's update and resolves the next step.
func (r *Runner) advance(ctx context.Context, rn *run, n *node, state State, out outcome) (State, string, *RunError) {
	merged, err := r.graph.schema.Merge(state, out.cmd.Update)
	if err != nil {
		return nil, "", classify(n.name, err)
	}

	if sw := r.graph.swarm; sw != nil {
		return sw.handoff(r.graph, n.name, merged, out.route)
	}

	switch rt := out.route.(type) {
	case StepRoute:
		return merged, rt.Name, nil
	case FanoutRoute:
		return r.runFanout(ctx, rn, n, merged, rt)
	default:
		return merged, "", nil
	}
}

func (r *Runner) checkBudget(rn *run, step string, n int) *RunError {
	if sw := r.graph.swarm; sw != nil && sw.budget > 0 && rn.steps+n > sw.budget {
		return &RunError{Kind: KindSwarmBudget, Step: step,
			Err: fmt.Errorf("%w: %d turns", ErrSwarmBudgetExceeded, sw.budget)}
	}
	if rn.steps+n > rn.budget {
		return &RunError{Kind: KindRecursionLimit, Step: step,
			Err: fmt.Errorf("%w: budget of %d steps", ErrRecursionLimitExceeded, rn.budget)}
	}
	return nil
}

// invoke runs one step. branch is the fan-out index, or -1 outside fan-out.
func (r *Runner) invoke(ctx context.Context, rn *run, n *node, state State, threadID string, resume *resumeInput, branch int) outcome {
	ctx, span := r.tracer.Start(ctx, "workflow.step "+n.name, trace.WithAttributes(
		attribute.String("workflow.step", n.name),
		attribute.Int("workflow.branch", branch),
	))
	defer span.End()

	rec := rn.history.RecordStepStart(n.name, branch)
	r.emit(ctx, rn, Event{Type: EventStepStart, Step: n.name})
	start := time.Now()

	cfg := rn.cfg
	cfg.ThreadID = threadID

	var out outcome
	if n.sub != nil {
		out = r.invokeSubgraph(ctx, n, state, cfg, resume, branch >= 0)
	} else {
		out = r.invokeFunc(ctx, n, state, cfg, resume, branch >= 0)
	}
	if out.err == nil && out.interrupt == nil {
		out.route = out.cmd.route()
		if n.sub != nil {
			out.route = n.next
		} else if err := r.graph.checkRoute(n, out.route); err != nil {
			out.err = &StepExecutionError{Step: n.name, Err: err}
		}
	}

	dur := time.Since(start)
	result := "completed"
	switch {
	case out.interrupt != nil:
		result = "interrupted"
		span.AddEvent("interrupt")
		rn.history.RecordStepEnd(rec, ExecutionStatusInterrupted, "", nil)
	case out.err != nil:
		result = "failed"
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
		rn.history.RecordStepEnd(rec, ExecutionStatusFailed, "", out.err)
		r.emit(ctx, rn, Event{Type: EventStepError, Step: n.name, Duration: dur, Error: out.err.Error()})
		r.logger.Debug("step failed", zap.String("step", n.name), zap.Int("branch", branch), zap.Error(out.err))
	default:
		rn.history.RecordStepEnd(rec, ExecutionStatusCompleted, out.route.String(), nil)
		r.emit(ctx, rn, Event{Type: EventStepComplete, Step: n.name, Duration: dur, Status: out.route.String()})
	}
	r.counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("graph", r.graph.name),
		attribute.String("step", n.name),
		attribute.String("outcome", result),
	))
	return out
}

func (r *Runner) invokeFunc(ctx context.Context, n *node, state State, cfg RunConfig, resume *resumeInput, branch bool) outcome {
	sc := &suspendScope{step: n.name, branch: branch}
	if resume != nil {
		sc.replay = resume.replay
	}
	cmd, err := callStep(withScope(ctx, sc), n.fn, state.Clone(), cfg)

	// A step that swallowed the interrupt error still suspends.
	if intr := sc.interrupt(); intr != nil {
		return outcome{interrupt: intr, replay: sc.replay}
	}
	if err != nil {
		return outcome{err: err}
	}
	return outcome{cmd: cmd}
}

func callStep(ctx context.Context, fn StepFunc, state State, cfg RunConfig) (cmd Command, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx, state, cfg)
}

// =============================================================================
// Terminal transitions
// =============================================================================

func (r *Runner) suspend(ctx context.Context, rn *run, span trace.Span, cp *checkpoint.Checkpoint, state State, step string, out outcome) RunResult {
	cp.State = state
	cp.Status = checkpoint.StatusSuspended
	cp.Next = step
	cp.SuspendedStep = step
	cp.SuspendedPayload = out.interrupt.Payload
	cp.ResumeLog = out.replay
	if err := r.save(ctx, rn, cp); err != nil {
		return r.fail(ctx, rn, span, cp, state, &RunError{Kind: KindCheckpoint, Step: step, Err: err})
	}

	intr := &Interrupt{Step: step, Index: out.interrupt.Index, Payload: out.interrupt.Payload}
	r.logger.Info("run suspended",
		zap.String("thread_id", rn.threadID),
		zap.String("run_id", rn.id),
		zap.String("step", step),
		zap.Int("call_site", intr.Index))
	r.emit(ctx, rn, Event{Type: EventInterrupt, Step: step, Payload: intr.Payload})
	span.SetAttributes(attribute.String("workflow.status", string(RunInterrupted)))

	return r.finish(ctx, rn, ExecutionStatusInterrupted, RunResult{
		Status:    RunInterrupted,
		State:     state,
		Interrupt: intr,
	})
}

func (r *Runner) complete(ctx context.Context, rn *run, span trace.Span, cp *checkpoint.Checkpoint, state State) RunResult {
	cp.State = state
	cp.Status = checkpoint.StatusDone
	cp.Next = ""
	clearSuspension(cp)
	if err := r.save(ctx, rn, cp); err != nil {
		return r.fail(ctx, rn, span, cp, state, &RunError{Kind: KindCheckpoint, Err: err})
	}
	r.logger.Info("run completed",
		zap.String("thread_id", rn.threadID),
		zap.String("run_id", rn.id),
		zap.Int("steps", rn.steps))
	span.SetAttributes(attribute.String("workflow.status", string(RunDone)))
	return r.finish(ctx, rn, ExecutionStatusCompleted, RunResult{Status: RunDone, State: state})
}

// fail records the failure. state is the last state reached by a completed
// step; the failing step's update is never applied.
func (r *Runner) fail(ctx context.Context, rn *run, span trace.Span, cp *checkpoint.Checkpoint, state State, rerr *RunError) RunResult {
	cp.State = state
	cp.Status = checkpoint.StatusFailed
	cp.Error = rerr.Error()
	if rerr.Step != "" {
		cp.Next = rerr.Step
	}
	clearSuspension(cp)
	if rerr.Kind != KindCheckpoint {
		if err := r.save(ctx, rn, cp); err != nil {
			r.logger.Error("failed to persist failed checkpoint",
				zap.String("thread_id", rn.threadID), zap.Error(err))
		}
	}

	r.logger.Warn("run failed",
		zap.String("thread_id", rn.threadID),
		zap.String("run_id", rn.id),
		zap.String("kind", string(rerr.Kind)),
		zap.String("step", rerr.Step),
		zap.Error(rerr.Err))
	span.RecordError(rerr)
	span.SetStatus(codes.Error, rerr.Error())
	return r.finish(ctx, rn, ExecutionStatusFailed, RunResult{Status: RunFailed, State: state, Err: rerr})
}

// reject ends a call that never reached the scheduler; the stored
// checkpoint is left untouched.
func (r *Runner) reject(ctx context.Context, rn *run, span trace.Span, rerr *RunError) RunResult {
	r.logger.Debug("run rejected",
		zap.String("thread_id", rn.threadID),
		zap.String("kind", string(rerr.Kind)),
		zap.Error(rerr.Err))
	span.RecordError(rerr)
	span.SetStatus(codes.Error, rerr.Error())
	return RunResult{Status: RunFailed, ThreadID: rn.threadID, RunID: rn.id, Err: rerr}
}

func (r *Runner) finish(ctx context.Context, rn *run, status ExecutionStatus, res RunResult) RunResult {
	res.ThreadID = rn.threadID
	res.RunID = rn.id
	res.Steps = rn.steps

	var err error
	if res.Err != nil {
		err = res.Err
	}
	rn.history.Complete(status, err)
	if r.history != nil {
		r.history.Save(rn.history)
	}
	ev := Event{Type: EventRunComplete, Status: string(res.Status), Duration: rn.history.Duration}
	if res.Err != nil {
		ev.Error = res.Err.Error()
		ev.Step = res.Err.Step
	}
	r.emit(ctx, rn, ev)
	return res
}

func (r *Runner) save(ctx context.Context, rn *run, cp *checkpoint.Checkpoint) error {
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	cp.Graph = r.graph.name
	cp.Version++
	start := time.Now()
	if err := r.store.Put(ctx, cp); err != nil {
		return err
	}
	r.emit(ctx, rn, Event{Type: EventCheckpoint, Status: string(cp.Status), Step: cp.Next, Duration: time.Since(start)})
	return nil
}

func (r *Runner) restore(cp *checkpoint.Checkpoint) (State, error) {
	return r.graph.schema.Normalize(State(cp.State))
}

func clearSuspension(cp *checkpoint.Checkpoint) {
	cp.SuspendedStep = ""
	cp.SuspendedPayload = nil
	cp.ResumeLog = nil
}

func (r *Runner) emit(ctx context.Context, rn *run, ev Event) {
	ev.Graph = r.graph.name
	ev.ThreadID = rn.threadID
	ev.RunID = rn.id
	ev.Time = time.Now()
	for _, o := range r.observers {
		o.OnEvent(ctx, ev)
	}
	if emit, ok := eventEmitterFromContext(ctx); ok {
		emit(ev)
	}
}

// =============================================================================
// Per-thread serialization
// =============================================================================

type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	mu   sync.Mutex
	refs int
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*threadLock)}
}

func (l *threadLocks) lock(threadID string) func() {
	l.mu.Lock()
	tl, ok := l.locks[threadID]
	if !ok {
		tl = &threadLock{}
		l.locks[threadID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()
		l.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.locks, threadID)
		}
		l.mu.Unlock()
	}
}

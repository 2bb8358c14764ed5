package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/BaSui01/graphflow/workflow/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// visit appends name to the trail and routes to next, or ends when next is "".
func visit(name, next string) StepFunc {
	return func(ctx context.Context, s State, cfg RunConfig) (Command, error) {
		update := State{"trail": name}
		if next == "" {
			return Finish(update), nil
		}
		return Next(next, update), nil
	}
}

func linearGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := NewBuilder("linear", trailSchema()).
		AddStep("a", visit("a", "b"), "b").
		AddStep("b", visit("b", ""), EndName).
		SetEntry("a").
		Build()
	require.NoError(t, err)
	return g
}

type failingStore struct {
	checkpoint.Store
	putErr error
}

func (s *failingStore) Put(ctx context.Context, cp *checkpoint.Checkpoint) error {
	return s.putErr
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRunner_StartRunsToDone(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	r := NewRunner(linearGraph(t), store, WithLogger(zaptest.NewLogger(t)))

	res := r.Start(context.Background(), State{"count": 1}, "t1", RunConfig{})
	require.Equal(t, RunDone, res.Status, "err: %v", res.Err)
	assert.Nil(t, res.Err)
	assert.Nil(t, res.Interrupt)
	assert.Equal(t, []string{"a", "b"}, res.State["trail"])
	assert.Equal(t, 1, res.State["count"])
	assert.Equal(t, 2, res.Steps)
	assert.Equal(t, "t1", res.ThreadID)
	assert.NotEmpty(t, res.RunID)

	cp, err := r.Thread(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusDone, cp.Status)
	assert.Equal(t, "linear", cp.Graph)
	assert.Equal(t, int64(3), cp.Version)
}

func TestRunner_StartOnFinishedThreadReentersEntry(t *testing.T) {
	r := NewRunner(linearGraph(t), nil)
	ctx := context.Background()

	require.Equal(t, RunDone, r.Start(ctx, nil, "t1", RunConfig{}).Status)
	res := r.Start(ctx, State{"name": "again"}, "t1", RunConfig{})
	require.Equal(t, RunDone, res.Status)
	assert.Equal(t, []string{"a", "b", "a", "b"}, res.State["trail"])
	assert.Equal(t, "again", res.State["name"])
}

func TestRunner_EmptyThreadID(t *testing.T) {
	r := NewRunner(linearGraph(t), nil)
	res := r.Start(context.Background(), nil, "", RunConfig{})
	require.Equal(t, RunFailed, res.Status)
	assert.Equal(t, KindInvalidInput, res.Err.Kind)
}

func TestRunner_StepErrorIsWrapped(t *testing.T) {
	boom := errors.New("boom")
	g := NewBuilder("failing", trailSchema()).
		AddStep("a", visit("a", "b")).
		AddStep("b", func(ctx context.Context, s State, cfg RunConfig) (Command, error) {
			return Command{Update: State{"trail": "never"}}, boom
		}).
		SetEntry("a").
		MustBuild()
	r := NewRunner(g, nil)

	res := r.Start(context.Background(), nil, "t1", RunConfig{})
	require.Equal(t, RunFailed, res.Status)
	assert.Equal(t, KindStepExecution, res.Err.Kind)
	assert.Equal(t, "b", res.Err.Step)
	assert.ErrorIs(t, res.Err, boom)

	var se *StepExecutionError
	require.ErrorAs(t, res.Err, &se)
	assert.Equal(t, "b", se.Step)

	// the failing step's update is never applied
	assert.Equal(t, []string{"a"}, res.State["trail"])
	cp, err := r.Thread(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, cp.Status)
	assert.Equal(t, []string{"a"}, cp.State["trail"])
	assert.Contains(t, cp.Error, "boom")
}

func TestRunner_PanicBecomesStepExecutionError(t *testing.T) {
	g := NewBuilder("panics", nil).
		AddStep("a", func(ctx context.Context, s State, cfg RunConfig) (Command, error) {
			panic("kaboom")
		}).
		SetEntry("a").
		MustBuild()

	res := NewRunner(g, nil).Start(context.Background(), nil, "t1", RunConfig{})
	require.Equal(t, RunFailed, res.Status)
	assert.Equal(t, KindStepExecution, res.Err.Kind)
	assert.Contains(t, res.Err.Error(), "kaboom")
}

func TestRunner_SchemaErrorInUpdate(t *testing.T) {
	g := NewBuilder("schema", trailSchema()).
		AddStep("a", func(ctx context.Context, s State, cfg RunConfig) (Command, error) {
			return Finish(State{"count": "not a number"}), nil
		}).
		SetEntry("a").
		MustBuild()

	res := NewRunner(g, nil).Start(context.Background(), nil, "t1", RunConfig{})
	require.Equal(t, RunFailed, res.Status)
	assert.Equal(t, KindSchema, res.Err.Kind)
	var se *SchemaError
	assert.ErrorAs(t, res.Err, &se)
}

func TestRunner_SchemaErrorInInitialState(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	res := NewRunner(linearGraph(t), store).Start(context.Background(), State{"count": "x"}, "t1", RunConfig{})
	require.Equal(t, RunFailed, res.Status)
	assert.Equal(t, KindSchema, res.Err.Kind)

	_, err := store.Get(context.Background(), "t1")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestRunner_RouteValidation(t *testing.T) {
	tests := []struct {
		name   string
		route  Route
		target error
	}{
		{name: "undeclared successor", route: Goto("c"), target: ErrUndeclaredRoute},
		{name: "unknown step", route: Goto("zzz"), target: ErrUnknownStep},
		{name: "undeclared end", route: End, target: ErrUndeclaredRoute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewBuilder("routes", nil).
				AddStep("a", func(ctx context.Context, s State, cfg RunConfig) (Command, error) {
					return Command{Goto: tt.route}, nil
				}, "b").
				AddStep("b", visit("b", "")).
				AddStep("c", visit("c", "")).
				SetEntry("a").
				MustBuild()

			res := NewRunner(g, nil).Start(context.Background(), nil, "t", RunConfig{})
			require.Equal(t, RunFailed, res.Status)
			assert.Equal(t, KindStepExecution, res.Err.Kind)
			assert.ErrorIs(t, res.Err, tt.target)
		})
	}
}

func TestRunner_ResumeToCallerIsReserved(t *testing.T) {
	g := NewBuilder("reserved", nil).
		AddStep("a", func(ctx context.Context, s State, cfg RunConfig) (Command, error) {
			return Command{Goto: ResumeToCaller}, nil
		}).
		SetEntry("a").
		MustBuild()

	res := NewRunner(g, nil).Start(context.Background(), nil, "t", RunConfig{})
	require.Equal(t, RunFailed, res.Status)
	assert.Equal(t, KindStepExecution, res.Err.Kind)
}

func TestRunner_Canceled(t *testing.T) {
	var calls atomic.Int32
	g := NewBuilder("cancel", nil).
		AddStep("a", func(ctx context.Context, s State, cfg RunConfig) (Command, error) {
			calls.Add(1)
			return Finish(nil), nil
		}).
		SetEntry("a").
		MustBuild()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := NewRunner(g, nil).Start(ctx, nil, "t", RunConfig{})
	require.Equal(t, RunFailed, res.Status)
	assert.Equal(t, KindCanceled, res.Err.Kind)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, int32(0), calls.Load())
}

func cycleGraph(calls *atomic.Int32) *Graph {
	step := func(next string) StepFunc {
		return func(ctx context.Context, s State, cfg RunConfig) (Command, error) {
			calls.Add(1)
			return Next(next, nil), nil
		}
	}
	return NewBuilder("cycle", nil).
		AddStep("A", step("B"), "B").
		AddStep("B", step("A"), "A").
		SetEntry("A").
		MustBuild()
}

func TestProperty_StepBudgetIsExact(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		budget := rapid.IntRange(1, 60).Draw(rt, "budget")

		var calls atomic.Int32
		r := NewRunner(cycleGraph(&calls), nil)
		res := r.Start(context.Background(), nil, "cycle", RunConfig{MaxSteps: budget})

		require.Equal(rt, RunFailed, res.Status)
		require.Equal(rt, KindRecursionLimit, res.Err.Kind)
		require.ErrorIs(rt, res.Err, ErrRecursionLimitExceeded)
		require.Equal(rt, int32(budget), calls.Load())
		require.Equal(rt, budget, res.Steps)
	})
}

func TestRunner_DefaultBudget(t *testing.T) {
	var calls atomic.Int32
	res := NewRunner(cycleGraph(&calls), nil).Start(context.Background(), nil, "t", RunConfig{})
	assert.Equal(t, KindRecursionLimit, res.Err.Kind)
	assert.Equal(t, int32(DefaultMaxSteps), calls.Load())

	calls.Store(0)
	res = NewRunner(cycleGraph(&calls), nil, WithDefaultMaxSteps(7)).Start(context.Background(), nil, "t", RunConfig{})
	assert.Equal(t, KindRecursionLimit, res.Err.Kind)
	assert.Equal(t, int32(7), calls.Load())
}

func TestRunner_ConfigPassThrough(t *testing.T) {
	var seen RunConfig
	g := NewBuilder("cfg", nil).
		AddStep("a", func(ctx context.Context, s State, cfg RunConfig) (Command, error) {
			seen = cfg
			return Finish(State{"model": cfg.String("model", "default")}), nil
		}).
		SetEntry("a").
		MustBuild()

	cfg := RunConfig{}.With("model", "small")
	res := NewRunner(g, nil).Start(context.Background(), nil, "t-cfg", cfg)
	require.Equal(t, RunDone, res.Status)
	assert.Equal(t, "small", res.State["model"])
	assert.Equal(t, "t-cfg", seen.ThreadID)
	v, ok := seen.Value("model")
	assert.True(t, ok)
	assert.Equal(t, "small", v)
}

func TestRunner_SameThreadIsSerialized(t *testing.T) {
	g := NewBuilder("counter", trailSchema()).
		AddStep("inc", func(ctx context.Context, s State, cfg RunConfig) (Command, error) {
			n, _ := StateValue[int](s, "count")
			return Finish(State{"count": n + 1}), nil
		}).
		SetEntry("inc").
		MustBuild()
	r := NewRunner(g, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Start(context.Background(), nil, "shared", RunConfig{})
		}()
	}
	wg.Wait()

	cp, err := r.Thread(context.Background(), "shared")
	require.NoError(t, err)
	assert.Equal(t, 20, cp.State["count"])
}

func TestRunner_IndependentThreads(t *testing.T) {
	r := NewRunner(linearGraph(t), nil)

	var wg sync.WaitGroup
	results := make([]RunResult, 10)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.Start(context.Background(), nil, fmt.Sprintf("t-%d", i), RunConfig{})
		}()
	}
	wg.Wait()

	for i, res := range results {
		assert.Equal(t, RunDone, res.Status, "thread %d", i)
		assert.Equal(t, []string{"a", "b"}, res.State["trail"])
	}
}

func TestRunner_CheckpointFailure(t *testing.T) {
	store := &failingStore{Store: checkpoint.NewMemoryStore(), putErr: errors.New("disk full")}
	res := NewRunner(linearGraph(t), store).Start(context.Background(), nil, "t", RunConfig{})
	require.Equal(t, RunFailed, res.Status)
	assert.Equal(t, KindCheckpoint, res.Err.Kind)
	assert.Contains(t, res.Err.Error(), "disk full")
}

func TestRunner_ObserverAndEmitter(t *testing.T) {
	var (
		mu       sync.Mutex
		observed []EventType
		emitted  []EventType
	)
	obs := ObserverFunc(func(ctx context.Context, ev Event) {
		mu.Lock()
		defer mu.Unlock()
		observed = append(observed, ev.Type)
	})
	r := NewRunner(linearGraph(t), nil, WithObserver(obs))

	ctx := WithEventEmitter(context.Background(), func(ev Event) {
		assert.Equal(t, "linear", ev.Graph)
		assert.Equal(t, "t", ev.ThreadID)
		emitted = append(emitted, ev.Type)
	})
	res := r.Start(ctx, nil, "t", RunConfig{})
	require.Equal(t, RunDone, res.Status)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, observed)
	assert.Equal(t, EventRunStart, observed[0])
	assert.Equal(t, EventRunComplete, observed[len(observed)-1])
	assert.Contains(t, observed, EventCheckpoint)
	assert.Equal(t, observed, emitted)
}

func TestRunner_History(t *testing.T) {
	r := NewRunner(linearGraph(t), nil, WithHistory(NewHistoryStore(2)))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.Equal(t, RunDone, r.Start(ctx, nil, "t", RunConfig{}).Status)
	}

	runs := r.History().ListByThread("t")
	require.Len(t, runs, 2)
	steps := runs[1].GetSteps()
	require.Len(t, steps, 2)
	assert.Equal(t, "a", steps[0].Step)
	assert.Equal(t, "b", steps[0].Route)
	assert.Equal(t, EndName, steps[1].Route)
	assert.Equal(t, ExecutionStatusCompleted, runs[1].Status)
	assert.Len(t, r.History().ListByStatus(ExecutionStatusCompleted), 2)
}

func TestBuilder_Validation(t *testing.T) {
	noop := visit("x", "")

	_, err := NewBuilder("g", nil).AddStep("a", noop).Build()
	assert.ErrorContains(t, err, "entry step not set")

	_, err = NewBuilder("g", nil).AddStep("a", noop).SetEntry("b").Build()
	assert.ErrorContains(t, err, "not registered")

	_, err = NewBuilder("g", nil).AddStep("a", noop).AddStep("a", noop).SetEntry("a").Build()
	assert.ErrorContains(t, err, "registered twice")

	_, err = NewBuilder("g", nil).AddStep("a", noop, "ghost").SetEntry("a").Build()
	assert.ErrorContains(t, err, "unknown successor")

	_, err = NewBuilder("g", nil).AddStep(EndName, noop).AddStep("a", noop).SetEntry("a").Build()
	assert.ErrorContains(t, err, "reserved")

	_, err = NewBuilder("g", nil).AddStep("a::b", noop).AddStep("a", noop).SetEntry("a").Build()
	assert.Error(t, err)

	_, err = NewBuilder("g", nil).AddStep("a", nil).SetEntry("a").Build()
	assert.Error(t, err)

	g := NewBuilder("g", nil).AddStep("a", noop, "b", EndName).AddStep("b", noop).SetEntry("a").MustBuild()
	assert.Equal(t, []string{"a", "b"}, g.Steps())
	assert.Equal(t, []string{"b", EndName}, g.Successors("a"))
	assert.Nil(t, g.Successors("b"))
}

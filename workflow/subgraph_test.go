package workflow

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/BaSui01/graphflow/workflow/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func researchSchema() *Schema {
	return MustSchema(
		OverwriteField[string]("topic"),
		AppendField[string]("notes"),
		OverwriteField[string]("summary"),
		OverwriteField[string]("draft"),
		AppendField[string]("trail"),
	)
}

// researchGraph adds a note about the topic and summarizes all notes. With
// review set it asks for approval before summarizing.
func researchGraph(review bool) *Graph {
	b := NewBuilder("research", researchSchema()).
		AddStep("research", func(ctx context.Context, s State, cfg RunConfig) (Command, error) {
			topic, _ := StateValue[string](s, "topic")
			next := "summarize"
			if review {
				next = "review"
			}
			return Next(next, State{"notes": "about " + topic, "draft": "private"}), nil
		}).
		AddStep("summarize", func(ctx context.Context, s State, cfg RunConfig) (Command, error) {
			notes := StateSlice[string](s, "notes")
			return Finish(State{"summary": strings.Join(notes, ",")}), nil
		}).
		SetEntry("research")
	if review {
		b.AddStep("review", func(ctx context.Context, s State, cfg RunConfig) (Command, error) {
			raw, err := Suspend(ctx, map[string]any{"notes": StateSlice[string](s, "notes")})
			if err != nil {
				return Command{}, err
			}
			verdict, err := DecodeResponse[string](raw)
			if err != nil {
				return Command{}, err
			}
			return Next("summarize", State{"notes": "review " + verdict}), nil
		})
	}
	return b.MustBuild()
}

func outerGraph(inner *Graph, opts SubgraphOptions) *Graph {
	return NewBuilder("outer", researchSchema()).
		AddStep("prep", visit("prep", "inner"), "inner").
		AddSubgraph("inner", NewSubgraph(inner, opts), Goto("finish")).
		AddStep("finish", visit("finish", "")).
		SetEntry("prep").
		MustBuild()
}

var researchIO = SubgraphOptions{
	Inputs:  []string{"topic", "notes"},
	Outputs: []string{"notes", "summary"},
}

func TestSubgraph_MatchesStandaloneRun(t *testing.T) {
	ctx := context.Background()
	initial := State{"topic": "go", "notes": []string{"seed"}}

	standalone := NewRunner(researchGraph(false), nil).Start(ctx, initial.Project(researchIO.Inputs), "solo", RunConfig{})
	require.Equal(t, RunDone, standalone.Status)

	store := checkpoint.NewMemoryStore()
	res := NewRunner(outerGraph(researchGraph(false), researchIO), store).Start(ctx, initial, "t1", RunConfig{})
	require.Equal(t, RunDone, res.Status, "err: %v", res.Err)

	assert.Equal(t, standalone.State["notes"], res.State["notes"])
	assert.Equal(t, standalone.State["summary"], res.State["summary"])
	assert.Equal(t, []string{"prep", "finish"}, res.State["trail"])
	// inner fields outside the outputs stay private
	assert.NotContains(t, res.State, "draft")

	inner, err := store.Get(ctx, "t1::inner")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusDone, inner.Status)
	assert.Equal(t, "research", inner.Graph)
}

func TestSubgraph_SuspendPropagates(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	r := NewRunner(outerGraph(researchGraph(true), researchIO), store)

	res := r.Start(ctx, State{"topic": "go"}, "t1", RunConfig{})
	require.Equal(t, RunInterrupted, res.Status, "err: %v", res.Err)
	assert.Equal(t, "inner", res.Interrupt.Step)
	assert.Equal(t, map[string]any{"notes": []string{"about go"}}, res.Interrupt.Payload)

	outer, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "inner", outer.SuspendedStep)
	inner, err := store.Get(ctx, ThreadID("t1", "inner"))
	require.NoError(t, err)
	assert.Equal(t, "review", inner.SuspendedStep)

	res = r.Resume(ctx, "t1", "ok", RunConfig{})
	require.Equal(t, RunDone, res.Status, "err: %v", res.Err)
	assert.Equal(t, []string{"about go", "review ok"}, res.State["notes"])
	assert.Equal(t, "about go,review ok", res.State["summary"])
	assert.Equal(t, []string{"prep", "finish"}, res.State["trail"])

	inner, err = store.Get(ctx, "t1::inner")
	require.NoError(t, err)
	assert.False(t, inner.Suspended())
}

func TestSubgraph_FreshInvocationResetsInnerThread(t *testing.T) {
	ctx := context.Background()
	r := NewRunner(outerGraph(researchGraph(false), researchIO), nil)

	require.Equal(t, RunDone, r.Start(ctx, State{"topic": "a"}, "t1", RunConfig{}).Status)
	res := r.Start(ctx, State{"topic": "b"}, "t1", RunConfig{})
	require.Equal(t, RunDone, res.Status)
	assert.Equal(t, []string{"about a", "about b"}, res.State["notes"])
	assert.Equal(t, "about a,about b", res.State["summary"])
}

func TestSubgraph_OwnStepBudget(t *testing.T) {
	var calls atomic.Int32
	g := outerGraph(cycleGraph(&calls), SubgraphOptions{MaxSteps: 3})

	res := NewRunner(g, nil).Start(context.Background(), nil, "t1", RunConfig{})
	require.Equal(t, RunFailed, res.Status)
	assert.Equal(t, KindRecursionLimit, res.Err.Kind)
	assert.Equal(t, "inner", res.Err.Step)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSubgraph_InnerStepsArePrivate(t *testing.T) {
	g := NewBuilder("outer", researchSchema()).
		AddStep("prep", func(ctx context.Context, s State, cfg RunConfig) (Command, error) {
			return Next("research", nil), nil
		}).
		AddSubgraph("inner", NewSubgraph(researchGraph(false), researchIO), End).
		SetEntry("prep").
		MustBuild()

	res := NewRunner(g, nil).Start(context.Background(), nil, "t1", RunConfig{})
	require.Equal(t, RunFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrUnknownStep)
}

func TestSubgraph_WiringValidation(t *testing.T) {
	_, err := NewBuilder("outer", nil).
		AddSubgraph("inner", NewSubgraph(researchGraph(false), researchIO), Goto("missing")).
		SetEntry("inner").
		Build()
	assert.ErrorContains(t, err, "unknown step")

	_, err = NewBuilder("outer", nil).
		AddSubgraph("inner", NewSubgraph(researchGraph(false), researchIO), Fanout(SendTo("x", nil))).
		SetEntry("inner").
		Build()
	assert.Error(t, err)

	_, err = NewBuilder("outer", nil).AddSubgraph("inner", nil, End).SetEntry("inner").Build()
	assert.Error(t, err)
}

func TestSubgraph_InBranch(t *testing.T) {
	g := NewBuilder("outer", researchSchema()).
		AddStep("split", func(ctx context.Context, s State, cfg RunConfig) (Command, error) {
			return Command{Goto: Fanout(
				SendTo("inner", State{"topic": "x"}),
				SendTo("inner", State{"topic": "y"}),
			)}, nil
		}).
		AddSubgraph("inner", NewSubgraph(researchGraph(false), SubgraphOptions{
			Inputs:  []string{"topic"},
			Outputs: []string{"notes"},
		}), End).
		SetEntry("split").
		MustBuild()

	store := checkpoint.NewMemoryStore()
	res := NewRunner(g, store).Start(context.Background(), nil, "t1", RunConfig{})
	require.Equal(t, RunDone, res.Status, "err: %v", res.Err)
	assert.Equal(t, []string{"about x", "about y"}, res.State["notes"])

	ids, err := store.List(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t1#0::inner", "t1#1::inner"}, ids)
}

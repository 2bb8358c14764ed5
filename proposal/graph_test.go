package proposal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BaSui01/graphflow/workflow"
	"github.com/BaSui01/graphflow/workflow/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const sampleTDR = `Convocatoria de proyectos de ciencia, tecnología e innovación.

Objetivo: conformar un listado de proyectos elegibles en la región.

Demandas territoriales: seguridad alimentaria en zonas rurales.

Lineas tematicas: agricultura de precisión y bioeconomía.`

func sampleRequest() Request {
	return Request{
		Department: " Nariño ",
		Proponent:  "Universidad de Nariño",
		Allies:     []string{"Agrosavia"},
		Demand:     "seguridad alimentaria",
		Idea: Idea{
			Title:    "Cultivos resilientes",
			Problem:  "Pérdida de cosechas por heladas",
			Approach: "Sensores IoT",
		},
		BudgetCOP:      900000000,
		CounterpartPct: 10,
		TDRText:        sampleTDR,
	}
}

func newRunner(t *testing.T, store checkpoint.Store, opts Options) *workflow.Runner {
	t.Helper()
	opts.Logger = zaptest.NewLogger(t)
	g, err := NewGraph(TemplateDrafter{}, opts)
	require.NoError(t, err)
	return workflow.NewRunner(g, store, workflow.WithLogger(zaptest.NewLogger(t)))
}

func TestNewGraph(t *testing.T) {
	_, err := NewGraph(nil, Options{})
	require.Error(t, err)

	g, err := NewGraph(TemplateDrafter{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, GraphName, g.Name())
	assert.Equal(t, StepSchemaEntrada, g.Entry())
	assert.Equal(t, []string{StepCoordinador, StepTDRParsing}, g.Successors(StepTDRVectorStore))
	assert.Contains(t, g.Steps(), StepProjectInitiation)
	assert.NotContains(t, g.Steps(), StepResearchGroups, "subgraph steps stay private")
}

func TestProposal_EndToEnd(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	r := newRunner(t, store, Options{})

	res := r.Start(ctx, workflow.State{KeyRequest: sampleRequest()}, "p1", workflow.RunConfig{})
	require.Equal(t, workflow.RunInterrupted, res.Status, "err: %v", res.Err)
	assert.Equal(t, StepProjectSelection, res.Interrupt.Step)

	req := request(res.State)
	assert.Equal(t, "Nariño", req.Department)
	assert.Equal(t, 24, req.DurationMonths)

	// sections are merged in dispatch order
	sections := workflow.StateSlice[Section](res.State, KeySections)
	require.Len(t, sections, len(DefaultSections))
	for i, name := range DefaultSections {
		assert.Equal(t, name, sections[i].Name)
	}
	assert.Contains(t, sections[1].Content, "seguridad alimentaria")
	assert.Equal(t, "No disponible", sections[3].Content)

	concepts := workflow.StateSlice[Concept](res.State, KeyConcepts)
	require.Len(t, concepts, 3)
	assert.Equal(t, []string{"C1", "C2", "C3"}, []string{concepts[0].ID, concepts[1].ID, concepts[2].ID})
	assert.Len(t, workflow.StateSlice[Finding](res.State, KeyFindings), 3)
	_, leaked := res.State[workflow.DefaultActiveField]
	assert.False(t, leaked, "swarm bookkeeping stays inside the subgraph")

	// an unknown concept asks again
	res = r.Resume(ctx, "p1", Selection{ConceptID: "C9"}, workflow.RunConfig{})
	require.Equal(t, workflow.RunInterrupted, res.Status, "err: %v", res.Err)
	assert.Equal(t, StepProjectSelection, res.Interrupt.Step)
	assert.Equal(t, 1, res.Interrupt.Index)
	payload, ok := res.Interrupt.Payload.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, payload["error"], "C9")

	res = r.Resume(ctx, "p1", "C2", workflow.RunConfig{})
	require.Equal(t, workflow.RunInterrupted, res.Status, "err: %v", res.Err)
	assert.Equal(t, StepProjectInitiation, res.Interrupt.Step)
	selected, _ := workflow.StateValue[Concept](res.State, KeySelected)
	assert.Equal(t, "C2", selected.ID)

	inner, err := store.Get(ctx, workflow.ThreadID("p1", StepProjectInitiation))
	require.NoError(t, err)
	assert.True(t, inner.Suspended())
	assert.Equal(t, StepResearchGroups, inner.SuspendedStep)

	// an empty group list asks again inside the subgraph
	res = r.Resume(ctx, "p1", GroupsResponse{}, workflow.RunConfig{})
	require.Equal(t, workflow.RunInterrupted, res.Status, "err: %v", res.Err)
	assert.Equal(t, StepProjectInitiation, res.Interrupt.Step)

	res = r.Resume(ctx, "p1", GroupsResponse{Groups: []ResearchGroup{
		{Name: "GIA", Entity: "Universidad de Nariño", Students: 4},
		{Name: "Bioeco", Entity: "Agrosavia", Students: 2},
	}}, workflow.RunConfig{})
	require.Equal(t, workflow.RunDone, res.Status, "err: %v", res.Err)

	fit, _ := workflow.StateValue[string](res.State, KeyTeamFit)
	assert.Contains(t, fit, "GIA (Universidad de Nariño)")
	assert.Contains(t, fit, "6 estudiantes")

	lines, _ := workflow.StateValue[[]BudgetLine](res.State, KeyBudget)
	require.Len(t, lines, 4)
	assert.Equal(t, 450000000.0, lines[0].AmountCOP)
	assert.Equal(t, "Contrapartida", lines[1].Source)
	assert.Equal(t, 45000000.0, lines[1].AmountCOP)

	md, _ := workflow.StateValue[string](res.State, KeyDocumentText)
	assert.True(t, strings.HasPrefix(md, "# "+selected.Title))
	assert.Contains(t, md, "**Alianza:** Agrosavia")
	assert.Contains(t, md, "1. Producto:")
	csvText, _ := workflow.StateValue[string](res.State, KeyBudgetCSV)
	assert.Contains(t, csvText, ",Total,,990000000")

	var steps []string
	for _, m := range workflow.StateSlice[workflow.Message](res.State, KeyMessages) {
		steps = append(steps, m.Name)
	}
	assert.Equal(t, []string{
		StepSchemaEntrada, StepCoordinador, StepDeepResearch, StepDeepResearch, StepDeepResearch,
		StepConceptGeneration, StepProjectSelection, StepIdentification, StepMemberAnalysis,
		StepRenderDocumentation,
	}, steps)

	assert.ErrorIs(t, r.Resume(ctx, "p1", "again", workflow.RunConfig{}).Err, workflow.ErrNoPendingInterrupt)
}

func TestProposal_IncompleteRequest(t *testing.T) {
	r := newRunner(t, nil, Options{})
	req := sampleRequest()
	req.Proponent = "  "
	req.TDRText = ""

	res := r.Start(context.Background(), workflow.State{KeyRequest: req}, "p2", workflow.RunConfig{})
	require.Equal(t, workflow.RunDone, res.Status, "err: %v", res.Err)
	errs := workflow.StateSlice[string](res.State, KeyErrors)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], ErrIncompleteRequest.Error())
	assert.Contains(t, errs[0], "proponent, tdr")
	assert.Empty(t, workflow.StateSlice[Section](res.State, KeySections))
}

func TestProposal_UnreadableTDR(t *testing.T) {
	r := newRunner(t, nil, Options{})
	req := sampleRequest()
	req.TDRText = ""
	req.TDRPath = filepath.Join(t.TempDir(), "missing.txt")

	res := r.Start(context.Background(), workflow.State{KeyRequest: req}, "p3", workflow.RunConfig{})
	require.Equal(t, workflow.RunDone, res.Status, "err: %v", res.Err)
	errs := workflow.StateSlice[string](res.State, KeyErrors)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "load terms of reference")

	msgs := workflow.StateSlice[workflow.Message](res.State, KeyMessages)
	assert.Contains(t, msgs[len(msgs)-1].Content, "proceso detenido")
}

// failingDrafter fails one section so the fan-out join fails.
type failingDrafter struct {
	TemplateDrafter
	section string
}

func (d failingDrafter) ParseSection(ctx context.Context, tdr, name string) (Section, error) {
	if name == d.section {
		return Section{}, errors.New("model unavailable")
	}
	return d.TemplateDrafter.ParseSection(ctx, tdr, name)
}

func TestProposal_SectionFailureIsPartial(t *testing.T) {
	g, err := NewGraph(failingDrafter{section: "lineas_tematicas_tdr"}, Options{})
	require.NoError(t, err)
	r := workflow.NewRunner(g, nil)

	res := r.Start(context.Background(), workflow.State{KeyRequest: sampleRequest()}, "p4", workflow.RunConfig{})
	require.Equal(t, workflow.RunFailed, res.Status)
	assert.Equal(t, workflow.KindPartialFailure, workflow.KindOf(res.Err))

	var pf *workflow.PartialFailure
	require.ErrorAs(t, res.Err, &pf)
	assert.Equal(t, []int{0, 1, 3}, pf.Succeeded)
	be, ok := pf.FailedBranch(2)
	require.True(t, ok)
	assert.Equal(t, StepTDRParsing, be.Step)
	assert.Empty(t, workflow.StateSlice[Section](res.State, KeySections))
}

func TestProposal_DurableStoreAndArtifacts(t *testing.T) {
	ctx := context.Background()
	store, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)
	out := t.TempDir()
	r := newRunner(t, store, Options{OutputDir: out, MinConcepts: 2})

	res := r.Start(ctx, workflow.State{KeyRequest: sampleRequest()}, "acme/p5", workflow.RunConfig{})
	require.Equal(t, workflow.RunInterrupted, res.Status, "err: %v", res.Err)
	assert.Len(t, workflow.StateSlice[Concept](res.State, KeyConcepts), 2)

	// responses arrive as generic JSON values from the API
	res = r.Resume(ctx, "acme/p5", map[string]any{"concept_id": "C1"}, workflow.RunConfig{})
	require.Equal(t, workflow.RunInterrupted, res.Status, "err: %v", res.Err)
	res = r.Resume(ctx, "acme/p5", map[string]any{
		"research_groups": []any{map[string]any{"name": "GIA", "entity": "Udenar", "students": 3}},
	}, workflow.RunConfig{})
	require.Equal(t, workflow.RunDone, res.Status, "err: %v", res.Err)

	artifacts := workflow.StateSlice[Artifact](res.State, KeyArtifacts)
	require.Len(t, artifacts, 2)
	assert.Equal(t, filepath.Join(out, "acme_p5-documento-tecnico.md"), artifacts[0].Path)
	for _, a := range artifacts {
		body, err := os.ReadFile(a.Path)
		require.NoError(t, err)
		assert.NotEmpty(t, body)
	}

	cp, err := store.Get(ctx, "acme/p5")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusDone, cp.Status)
}

func TestRenderBudgetCSV(t *testing.T) {
	got, err := RenderBudgetCSV([]BudgetLine{
		{Item: "Sensores, nodos", Source: "SGR", AmountCOP: 1500, ActivityRef: 0},
	})
	require.NoError(t, err)
	assert.Equal(t, "actividad,rubro,fuente,valor_cop\n1,\"Sensores, nodos\",SGR,1500\n,Total,,1500\n", got)
}

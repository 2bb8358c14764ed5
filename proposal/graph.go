package proposal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BaSui01/graphflow/workflow"
	"go.uber.org/zap"
)

// GraphName is the name the proposal graph is registered under.
const GraphName = "proposal"

// Step names of the proposal graph.
const (
	StepSchemaEntrada        = "schema_entrada"
	StepCoordinador          = "coordinador_general"
	StepTDRVectorStore       = "tdr_vectorstore"
	StepTDRParsing           = "tdr_parsing_agent"
	StepProjectStructure     = "project_structure"
	StepConceptGeneration    = "concept_generation"
	StepDeepResearch         = "deep_research"
	StepProjectSelection     = "project_selection"
	StepProjectInitiation    = "project_initiation"
	StepIdentification       = "project_identification"
	StepProjectResearch      = "project_research"
	StepResearchGroups       = "loading_research_groups_info"
	StepMemberAnalysis       = "project_member_analysis"
	StepLogicFramework       = "logic_framework_structure"
	StepBudget               = "budget_calculation"
	StepTechnicalDocument    = "technical_document_writing"
	StepRenderDocumentation  = "render_documentation"
	defaultInitiationMaxStep = 100
)

// DefaultSections are the parts of the terms of reference parsed in
// parallel, one fan-out branch each.
var DefaultSections = []string{
	"objetivo_tdr",
	"demandas_territoriales_tdr",
	"lineas_tematicas_tdr",
	"criterios_evaluacion_proyectos_tdr",
}

// ErrIncompleteRequest is recorded when the request lacks the fields the
// pipeline needs.
var ErrIncompleteRequest = errors.New("proposal request is incomplete")

// Options tunes the proposal graph.
type Options struct {
	// Sections overrides DefaultSections.
	Sections []string
	// MinConcepts is the number of concepts offered for selection. Default 3.
	MinConcepts int
	// SwarmBudget bounds the research and concept turns. Default 4*MinConcepts.
	SwarmBudget int
	// InitiationMaxSteps is the step budget of the initiation subgraph. Default 100.
	InitiationMaxSteps int
	// DurationMonths is used when the request leaves it unset. Default 24.
	DurationMonths int
	// OutputDir receives the rendered files. Empty keeps them in state only.
	OutputDir string
	Logger    *zap.Logger
}

func (o *Options) setDefaults() {
	if len(o.Sections) == 0 {
		o.Sections = DefaultSections
	}
	if o.MinConcepts <= 0 {
		o.MinConcepts = 3
	}
	if o.SwarmBudget <= 0 {
		o.SwarmBudget = 4 * o.MinConcepts
	}
	if o.InitiationMaxSteps <= 0 {
		o.InitiationMaxSteps = defaultInitiationMaxStep
	}
	if o.DurationMonths <= 0 {
		o.DurationMonths = 24
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

type pipeline struct {
	drafter Drafter
	opts    Options
	logger  *zap.Logger
}

// NewGraph compiles the proposal graph around d.
func NewGraph(d Drafter, opts Options) (*workflow.Graph, error) {
	if d == nil {
		return nil, errors.New("proposal: drafter is required")
	}
	opts.setDefaults()
	p := &pipeline{
		drafter: d,
		opts:    opts,
		logger:  opts.Logger.With(zap.String("component", "proposal")),
	}

	structure, err := p.structureGraph()
	if err != nil {
		return nil, err
	}
	initiation, err := p.initiationGraph()
	if err != nil {
		return nil, err
	}

	return workflow.NewBuilder(GraphName, NewSchema()).
		AddStep(StepSchemaEntrada, p.schemaEntrada, StepCoordinador).
		AddStep(StepCoordinador, p.coordinador, StepTDRVectorStore, workflow.EndName).
		AddStep(StepTDRVectorStore, p.tdrVectorStore, StepTDRParsing, StepCoordinador).
		AddStep(StepTDRParsing, p.tdrParsing, StepProjectStructure).
		AddSubgraph(StepProjectStructure, workflow.NewSubgraph(structure, workflow.SubgraphOptions{
			Inputs:  []string{KeyMessages, KeyRequest, KeySections},
			Outputs: []string{KeyMessages, KeyFindings, KeyConcepts},
		}), workflow.Goto(StepProjectSelection)).
		AddStep(StepProjectSelection, p.projectSelection, StepProjectInitiation).
		AddSubgraph(StepProjectInitiation, workflow.NewSubgraph(initiation, workflow.SubgraphOptions{
			Inputs:   []string{KeyMessages, KeyRequest, KeySections, KeySelected},
			Outputs:  []string{KeyMessages, KeyIdentification, KeyBackground, KeyResearchGroups, KeyTeamFit},
			MaxSteps: opts.InitiationMaxSteps,
		}), workflow.Goto(StepLogicFramework)).
		AddStep(StepLogicFramework, p.logicFramework, StepBudget).
		AddStep(StepBudget, p.budget, StepTechnicalDocument).
		AddStep(StepTechnicalDocument, p.technicalDocument, StepRenderDocumentation).
		AddStep(StepRenderDocumentation, p.render, workflow.EndName).
		SetEntry(StepSchemaEntrada).
		Build()
}

func (p *pipeline) structureGraph() (*workflow.Graph, error) {
	return workflow.NewSwarm(StepProjectStructure, structureSchema(), workflow.SwarmOptions{
		Default: StepDeepResearch,
		Budget:  p.opts.SwarmBudget,
	}).
		AddAgent(StepDeepResearch, p.deepResearch).
		AddAgent(StepConceptGeneration, p.conceptGeneration).
		Build()
}

func (p *pipeline) initiationGraph() (*workflow.Graph, error) {
	return workflow.NewBuilder(StepProjectInitiation, initiationSchema()).
		AddStep(StepIdentification, p.identification, StepProjectResearch).
		AddStep(StepProjectResearch, p.projectResearch, StepResearchGroups).
		AddStep(StepResearchGroups, p.researchGroups, StepMemberAnalysis).
		AddStep(StepMemberAnalysis, p.memberAnalysis, workflow.EndName).
		SetEntry(StepIdentification).
		Build()
}

func request(s workflow.State) Request {
	req, _ := workflow.StateValue[Request](s, KeyRequest)
	return req
}

// =============================================================================
// Intake
// =============================================================================

func (p *pipeline) schemaEntrada(ctx context.Context, s workflow.State, cfg workflow.RunConfig) (workflow.Command, error) {
	req := request(s)
	req.Department = strings.TrimSpace(req.Department)
	req.Proponent = strings.TrimSpace(req.Proponent)
	req.Idea.Title = strings.TrimSpace(req.Idea.Title)
	if req.DurationMonths <= 0 {
		req.DurationMonths = p.opts.DurationMonths
	}
	return workflow.Next(StepCoordinador, workflow.State{
		KeyRequest:  req,
		KeyMessages: note(StepSchemaEntrada, "solicitud recibida para "+req.Department),
	}), nil
}

// coordinador ends the run when the request is unusable or an earlier step
// recorded an error, and otherwise hands over to document analysis.
func (p *pipeline) coordinador(ctx context.Context, s workflow.State, cfg workflow.RunConfig) (workflow.Command, error) {
	if errs := workflow.StateSlice[string](s, KeyErrors); len(errs) > 0 {
		return workflow.Finish(workflow.State{
			KeyMessages: note(StepCoordinador, "proceso detenido: "+errs[len(errs)-1]),
		}), nil
	}

	req := request(s)
	var missing []string
	if req.Department == "" {
		missing = append(missing, "department")
	}
	if req.Proponent == "" {
		missing = append(missing, "proponent")
	}
	if req.Idea.Title == "" {
		missing = append(missing, "idea.title")
	}
	if req.TDRPath == "" && req.TDRText == "" {
		missing = append(missing, "tdr")
	}
	if len(missing) > 0 {
		msg := fmt.Sprintf("%v: missing %s", ErrIncompleteRequest, strings.Join(missing, ", "))
		p.logger.Info("request rejected",
			zap.String("thread_id", cfg.ThreadID),
			zap.Strings("missing", missing))
		return workflow.Finish(workflow.State{
			KeyErrors:   msg,
			KeyMessages: note(StepCoordinador, msg),
		}), nil
	}
	return workflow.Next(StepTDRVectorStore, workflow.State{
		KeyMessages: note(StepCoordinador, "solicitud completa"),
	}), nil
}

// tdrVectorStore loads the terms of reference and parses each section in
// its own branch. A document that cannot be read goes back to the
// coordinator with the error recorded.
func (p *pipeline) tdrVectorStore(ctx context.Context, s workflow.State, cfg workflow.RunConfig) (workflow.Command, error) {
	req := request(s)
	text := req.TDRText
	if text == "" {
		raw, err := os.ReadFile(req.TDRPath)
		if err == nil && len(strings.TrimSpace(string(raw))) == 0 {
			err = errors.New("document is empty")
		}
		if err != nil {
			msg := fmt.Sprintf("load terms of reference %q: %v", req.TDRPath, err)
			return workflow.Next(StepCoordinador, workflow.State{
				KeyErrors:   msg,
				KeyMessages: note(StepTDRVectorStore, msg),
			}), nil
		}
		text = string(raw)
	}

	sends := make([]workflow.Send, 0, len(p.opts.Sections))
	for _, name := range p.opts.Sections {
		sends = append(sends, workflow.SendTo(StepTDRParsing, workflow.State{KeyTDRSection: name}))
	}
	return workflow.Command{
		Update: workflow.State{KeyTDRText: text},
		Goto:   workflow.Fanout(sends...),
	}, nil
}

// tdrParsing runs once per fan-out branch.
func (p *pipeline) tdrParsing(ctx context.Context, s workflow.State, cfg workflow.RunConfig) (workflow.Command, error) {
	name, _ := workflow.StateValue[string](s, KeyTDRSection)
	if name == "" {
		return workflow.Command{}, errors.New("tdr_parsing_agent: no section assigned")
	}
	text, _ := workflow.StateValue[string](s, KeyTDRText)
	sec, err := p.drafter.ParseSection(ctx, text, name)
	if err != nil {
		return workflow.Command{}, fmt.Errorf("parse section %s: %w", name, err)
	}
	return workflow.Next(StepProjectStructure, workflow.State{KeySections: sec}), nil
}

// =============================================================================
// Project structure swarm
// =============================================================================

func (p *pipeline) researchTopics(req Request) []string {
	topics := []string{req.Idea.Title, req.Demand, req.Idea.Approach}
	out := topics[:0]
	for _, t := range topics {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// deepResearch adds one finding per turn and hands over to concept
// generation.
func (p *pipeline) deepResearch(ctx context.Context, s workflow.State, cfg workflow.RunConfig) (workflow.Command, error) {
	req := request(s)
	findings := workflow.StateSlice[Finding](s, KeyFindings)
	topics := p.researchTopics(req)
	if len(topics) == 0 {
		return workflow.Command{}, errors.New("deep_research: request has no research topics")
	}
	round := len(findings)
	topic := topics[round%len(topics)]
	if round >= len(topics) {
		topic = fmt.Sprintf("%s (%d)", topic, round/len(topics)+1)
	}

	f, err := p.drafter.Research(ctx, req, workflow.StateSlice[Section](s, KeySections), topic, round)
	if err != nil {
		return workflow.Command{}, fmt.Errorf("research %q: %w", topic, err)
	}
	return workflow.Handoff(StepConceptGeneration, workflow.State{
		KeyFindings: f,
		KeyMessages: note(StepDeepResearch, f.Topic),
	}), nil
}

// conceptGeneration drafts a concept for every finding that has none yet.
// It asks for more research until MinConcepts are available.
func (p *pipeline) conceptGeneration(ctx context.Context, s workflow.State, cfg workflow.RunConfig) (workflow.Command, error) {
	req := request(s)
	sections := workflow.StateSlice[Section](s, KeySections)
	findings := workflow.StateSlice[Finding](s, KeyFindings)
	have := len(workflow.StateSlice[Concept](s, KeyConcepts))

	var fresh []Concept
	for i := have; i < len(findings); i++ {
		c, err := p.drafter.Concept(ctx, req, sections, findings[i], i)
		if err != nil {
			return workflow.Command{}, fmt.Errorf("concept %d: %w", i, err)
		}
		fresh = append(fresh, c)
	}
	update := workflow.State{KeyConcepts: fresh}
	if have+len(fresh) < p.opts.MinConcepts {
		return workflow.Handoff(StepDeepResearch, update), nil
	}
	update[KeyMessages] = note(StepConceptGeneration, fmt.Sprintf("%d conceptos generados", have+len(fresh)))
	return workflow.Finish(update), nil
}

// =============================================================================
// Selection
// =============================================================================

// Selection is the resume response of project_selection.
type Selection struct {
	ConceptID string `json:"concept_id"`
}

// projectSelection asks the user to pick a concept. An unknown id asks
// again with the error attached.
func (p *pipeline) projectSelection(ctx context.Context, s workflow.State, cfg workflow.RunConfig) (workflow.Command, error) {
	concepts := workflow.StateSlice[Concept](s, KeyConcepts)
	if len(concepts) == 0 {
		return workflow.Command{}, errors.New("project_selection: no concepts to choose from")
	}
	prompt := map[string]any{
		"concepts":     concepts,
		"instructions": "Seleccione el concepto de proyecto a formular (concept_id).",
	}
	for {
		raw, err := workflow.Suspend(ctx, prompt)
		if err != nil {
			return workflow.Command{}, err
		}
		sel, err := decodeSelection(raw)
		if err != nil {
			return workflow.Command{}, err
		}
		for _, c := range concepts {
			if c.ID == sel.ConceptID {
				return workflow.Next(StepProjectInitiation, workflow.State{
					KeySelected: c,
					KeyMessages: note(StepProjectSelection, "concepto seleccionado "+c.ID),
				}), nil
			}
		}
		prompt = map[string]any{
			"concepts":     concepts,
			"instructions": "Seleccione el concepto de proyecto a formular (concept_id).",
			"error":        fmt.Sprintf("unknown concept id %q", sel.ConceptID),
		}
	}
}

// decodeSelection accepts either a Selection object or a bare concept id.
func decodeSelection(raw any) (Selection, error) {
	if id, ok := raw.(string); ok {
		return Selection{ConceptID: id}, nil
	}
	return workflow.DecodeResponse[Selection](raw)
}

// =============================================================================
// Project initiation subgraph
// =============================================================================

func (p *pipeline) identification(ctx context.Context, s workflow.State, cfg workflow.RunConfig) (workflow.Command, error) {
	selected, ok := workflow.StateValue[Concept](s, KeySelected)
	if !ok {
		return workflow.Command{}, errors.New("project_identification: no concept selected")
	}
	id, err := p.drafter.Identify(ctx, request(s), selected)
	if err != nil {
		return workflow.Command{}, err
	}
	if len(id.Lines) == 0 {
		if lines := sectionContent(workflow.StateSlice[Section](s, KeySections), "lineas_tematicas_tdr"); lines != "" {
			id.Lines = []string{lines}
		}
	}
	return workflow.Next(StepProjectResearch, workflow.State{
		KeyIdentification: id,
		KeyMessages:       note(StepIdentification, id.ProjectName),
	}), nil
}

func (p *pipeline) projectResearch(ctx context.Context, s workflow.State, cfg workflow.RunConfig) (workflow.Command, error) {
	id, _ := workflow.StateValue[Identification](s, KeyIdentification)
	selected, _ := workflow.StateValue[Concept](s, KeySelected)
	bg, err := p.drafter.Background(ctx, id, selected)
	if err != nil {
		return workflow.Command{}, err
	}
	return workflow.Next(StepResearchGroups, workflow.State{KeyBackground: bg}), nil
}

// GroupsResponse is the resume response of loading_research_groups_info.
type GroupsResponse struct {
	Groups []ResearchGroup `json:"research_groups"`
}

// researchGroups asks for the participating research groups until at
// least one is given.
func (p *pipeline) researchGroups(ctx context.Context, s workflow.State, cfg workflow.RunConfig) (workflow.Command, error) {
	current, _ := workflow.StateValue[[]ResearchGroup](s, KeyResearchGroups)
	prompt := map[string]any{
		"research_groups": current,
		"instructions":    "Indique los grupos de investigación que participarán en el proyecto.",
	}
	for {
		raw, err := workflow.Suspend(ctx, prompt)
		if err != nil {
			return workflow.Command{}, err
		}
		resp, err := workflow.DecodeResponse[GroupsResponse](raw)
		if err != nil {
			return workflow.Command{}, err
		}
		if len(resp.Groups) > 0 {
			return workflow.Next(StepMemberAnalysis, workflow.State{KeyResearchGroups: resp.Groups}), nil
		}
		prompt = map[string]any{
			"research_groups": current,
			"instructions":    "Indique los grupos de investigación que participarán en el proyecto.",
			"error":           "at least one research group is required",
		}
	}
}

func (p *pipeline) memberAnalysis(ctx context.Context, s workflow.State, cfg workflow.RunConfig) (workflow.Command, error) {
	groups, _ := workflow.StateValue[[]ResearchGroup](s, KeyResearchGroups)
	fit, err := p.drafter.TeamFit(ctx, request(s), groups)
	if err != nil {
		return workflow.Command{}, err
	}
	return workflow.Finish(workflow.State{
		KeyTeamFit:  fit,
		KeyMessages: note(StepMemberAnalysis, "análisis de integrantes completado"),
	}), nil
}

// =============================================================================
// Formulation
// =============================================================================

func (p *pipeline) logicFramework(ctx context.Context, s workflow.State, cfg workflow.RunConfig) (workflow.Command, error) {
	selected, _ := workflow.StateValue[Concept](s, KeySelected)
	id, _ := workflow.StateValue[Identification](s, KeyIdentification)
	lf, err := p.drafter.LogicFramework(ctx, selected, id)
	if err != nil {
		return workflow.Command{}, err
	}
	return workflow.Next(StepBudget, workflow.State{KeyFramework: lf}), nil
}

func (p *pipeline) budget(ctx context.Context, s workflow.State, cfg workflow.RunConfig) (workflow.Command, error) {
	lf, _ := workflow.StateValue[LogicFramework](s, KeyFramework)
	lines, err := p.drafter.Budget(ctx, request(s), lf)
	if err != nil {
		return workflow.Command{}, err
	}
	return workflow.Next(StepTechnicalDocument, workflow.State{KeyBudget: lines}), nil
}

func (p *pipeline) technicalDocument(ctx context.Context, s workflow.State, cfg workflow.RunConfig) (workflow.Command, error) {
	in := DocumentInput{Request: request(s)}
	in.Concept, _ = workflow.StateValue[Concept](s, KeySelected)
	in.Identification, _ = workflow.StateValue[Identification](s, KeyIdentification)
	in.Background, _ = workflow.StateValue[string](s, KeyBackground)
	in.TeamFit, _ = workflow.StateValue[string](s, KeyTeamFit)
	in.Framework, _ = workflow.StateValue[LogicFramework](s, KeyFramework)
	in.Budget, _ = workflow.StateValue[[]BudgetLine](s, KeyBudget)

	doc, err := p.drafter.Document(ctx, in)
	if err != nil {
		return workflow.Command{}, err
	}
	return workflow.Next(StepRenderDocumentation, workflow.State{KeyDocument: doc}), nil
}

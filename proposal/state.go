package proposal

import (
	"github.com/BaSui01/graphflow/workflow"
)

// State keys of the proposal graph.
const (
	KeyMessages       = "messages"
	KeyRequest        = "request"
	KeyErrors         = "errors"
	KeyTDRText        = "tdr_text"
	KeyTDRSection     = "tdr_section"
	KeySections       = "sections"
	KeyFindings       = "findings"
	KeyConcepts       = "concepts"
	KeySelected       = "selected_concept"
	KeyIdentification = "identification"
	KeyBackground     = "background"
	KeyResearchGroups = "research_groups"
	KeyTeamFit        = "team_fit"
	KeyFramework      = "logic_framework"
	KeyBudget         = "budget"
	KeyDocument       = "document"
	KeyDocumentText   = "document_markdown"
	KeyBudgetCSV      = "budget_csv"
	KeyArtifacts      = "artifacts"
)

// Idea is the base project idea supplied by the proponent.
type Idea struct {
	Title    string `json:"title"`
	Problem  string `json:"problem"`
	Approach string `json:"approach"`
}

// Request is the user input that seeds a proposal thread.
type Request struct {
	Department     string   `json:"department"`
	Proponent      string   `json:"proponent"`
	Allies         []string `json:"allies,omitempty"`
	Demand         string   `json:"demand,omitempty"`
	Idea           Idea     `json:"idea"`
	DurationMonths int      `json:"duration_months,omitempty"`
	BudgetCOP      float64  `json:"budget_cop,omitempty"`
	CounterpartPct float64  `json:"counterpart_pct,omitempty"`
	TDRPath        string   `json:"tdr_path,omitempty"`
	TDRText        string   `json:"tdr_text,omitempty"`
}

// Section is one parsed part of the terms of reference.
type Section struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Finding is one research note gathered while structuring the project.
type Finding struct {
	Topic   string `json:"topic"`
	Summary string `json:"summary"`
}

// Concept is a candidate project offered to the user for selection.
type Concept struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Problem            string   `json:"problem"`
	GeneralObjective   string   `json:"general_objective"`
	SpecificObjectives []string `json:"specific_objectives,omitempty"`
	ExpectedResults    []string `json:"expected_results,omitempty"`
	BudgetCOP          float64  `json:"budget_cop,omitempty"`
	DurationMonths     int      `json:"duration_months,omitempty"`
}

// Identification names the selected project and its thematic scope.
type Identification struct {
	ProjectName string   `json:"project_name"`
	Keywords    []string `json:"keywords,omitempty"`
	Demands     []string `json:"demands,omitempty"`
	Lines       []string `json:"lines,omitempty"`
}

// ResearchGroup is a research group taking part in the project.
type ResearchGroup struct {
	Name     string   `json:"name"`
	Entity   string   `json:"entity"`
	Lines    []string `json:"lines,omitempty"`
	Students int      `json:"students,omitempty"`
}

// LogicFramework is the objective tree of the project.
type LogicFramework struct {
	GeneralObjective string     `json:"general_objective"`
	Outputs          []string   `json:"outputs"`
	Activities       []Activity `json:"activities"`
}

// Activity belongs to the output at index Output.
type Activity struct {
	Output      int    `json:"output"`
	Description string `json:"description"`
	Months      int    `json:"months"`
}

// BudgetLine is one costed item of the budget.
type BudgetLine struct {
	Item        string  `json:"item"`
	Source      string  `json:"source"`
	AmountCOP   float64 `json:"amount_cop"`
	ActivityRef int     `json:"activity_ref"`
}

// Document is the technical document before rendering.
type Document struct {
	Title    string    `json:"title"`
	Sections []Section `json:"sections"`
}

// Artifact is a rendered file written to the output directory.
type Artifact struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
}

// NewSchema returns the schema of the proposal graph.
func NewSchema() *workflow.Schema {
	return workflow.MustSchema(
		workflow.MessagesField(KeyMessages),
		workflow.OverwriteField[Request](KeyRequest),
		workflow.AppendField[string](KeyErrors),
		workflow.OverwriteField[string](KeyTDRText),
		workflow.OverwriteField[string](KeyTDRSection),
		workflow.AppendField[Section](KeySections),
		workflow.AppendField[Finding](KeyFindings),
		workflow.AppendField[Concept](KeyConcepts),
		workflow.OverwriteField[Concept](KeySelected),
		workflow.OverwriteField[Identification](KeyIdentification),
		workflow.OverwriteField[string](KeyBackground),
		workflow.OverwriteField[[]ResearchGroup](KeyResearchGroups),
		workflow.OverwriteField[string](KeyTeamFit),
		workflow.OverwriteField[LogicFramework](KeyFramework),
		workflow.OverwriteField[[]BudgetLine](KeyBudget),
		workflow.OverwriteField[Document](KeyDocument),
		workflow.OverwriteField[string](KeyDocumentText),
		workflow.OverwriteField[string](KeyBudgetCSV),
		workflow.AppendField[Artifact](KeyArtifacts),
	)
}

// structureSchema is the state of the project structure swarm.
func structureSchema() *workflow.Schema {
	return workflow.MustSchema(
		workflow.OverwriteField[string](workflow.DefaultActiveField),
		workflow.MessagesField(KeyMessages),
		workflow.OverwriteField[Request](KeyRequest),
		workflow.AppendField[Section](KeySections),
		workflow.AppendField[Finding](KeyFindings),
		workflow.AppendField[Concept](KeyConcepts),
	)
}

// initiationSchema is the state of the project initiation subgraph.
func initiationSchema() *workflow.Schema {
	return workflow.MustSchema(
		workflow.MessagesField(KeyMessages),
		workflow.OverwriteField[Request](KeyRequest),
		workflow.AppendField[Section](KeySections),
		workflow.OverwriteField[Concept](KeySelected),
		workflow.OverwriteField[Identification](KeyIdentification),
		workflow.OverwriteField[string](KeyBackground),
		workflow.OverwriteField[[]ResearchGroup](KeyResearchGroups),
		workflow.OverwriteField[string](KeyTeamFit),
	)
}

func sectionContent(sections []Section, name string) string {
	for _, s := range sections {
		if s.Name == name {
			return s.Content
		}
	}
	return ""
}

func note(step, content string) workflow.Message {
	return workflow.Message{Role: "assistant", Name: step, Content: content}
}

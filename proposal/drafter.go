package proposal

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// Drafter produces the content of each pipeline step. Implementations
// usually call a language model; TemplateDrafter is deterministic.
type Drafter interface {
	// ParseSection extracts the named section from the terms of reference.
	ParseSection(ctx context.Context, tdr, name string) (Section, error)
	// Research returns the finding for topic. round counts from zero.
	Research(ctx context.Context, req Request, sections []Section, topic string, round int) (Finding, error)
	// Concept turns a finding into the n-th project concept.
	Concept(ctx context.Context, req Request, sections []Section, f Finding, n int) (Concept, error)
	// Identify names the selected concept.
	Identify(ctx context.Context, req Request, c Concept) (Identification, error)
	// Background writes the project background.
	Background(ctx context.Context, id Identification, c Concept) (string, error)
	// TeamFit assesses the research groups against the project.
	TeamFit(ctx context.Context, req Request, groups []ResearchGroup) (string, error)
	// LogicFramework builds the objective tree.
	LogicFramework(ctx context.Context, c Concept, id Identification) (LogicFramework, error)
	// Budget costs the framework activities.
	Budget(ctx context.Context, req Request, lf LogicFramework) ([]BudgetLine, error)
	// Document assembles the technical document.
	Document(ctx context.Context, in DocumentInput) (Document, error)
}

// DocumentInput is everything the technical document is written from.
type DocumentInput struct {
	Request        Request
	Concept        Concept
	Identification Identification
	Background     string
	TeamFit        string
	Framework      LogicFramework
	Budget         []BudgetLine
}

// TemplateDrafter fills fixed templates from the request. It needs no
// external service and always produces the same output for the same input.
type TemplateDrafter struct{}

var _ Drafter = TemplateDrafter{}

func (TemplateDrafter) ParseSection(ctx context.Context, tdr, name string) (Section, error) {
	if err := ctx.Err(); err != nil {
		return Section{}, err
	}
	label := strings.ReplaceAll(strings.TrimSuffix(name, "_tdr"), "_", " ")
	content := findParagraph(tdr, label)
	if content == "" {
		content = "No disponible"
	}
	return Section{Name: name, Content: content}, nil
}

// findParagraph returns the first paragraph of text mentioning label.
func findParagraph(text, label string) string {
	for _, p := range strings.Split(text, "\n\n") {
		if strings.Contains(strings.ToLower(p), strings.ToLower(label)) {
			return strings.TrimSpace(p)
		}
	}
	return ""
}

func (TemplateDrafter) Research(ctx context.Context, req Request, sections []Section, topic string, round int) (Finding, error) {
	if err := ctx.Err(); err != nil {
		return Finding{}, err
	}
	return Finding{
		Topic: topic,
		Summary: fmt.Sprintf("%s en %s: %s (%s)",
			topic, req.Department, req.Idea.Problem, sectionContent(sections, "demandas_territoriales_tdr")),
	}, nil
}

func (TemplateDrafter) Concept(ctx context.Context, req Request, sections []Section, f Finding, n int) (Concept, error) {
	if err := ctx.Err(); err != nil {
		return Concept{}, err
	}
	title := fmt.Sprintf("%s: %s", req.Idea.Title, f.Topic)
	return Concept{
		ID:               fmt.Sprintf("C%d", n+1),
		Title:            title,
		Problem:          req.Idea.Problem,
		GeneralObjective: fmt.Sprintf("Desarrollar %s en %s", strings.ToLower(req.Idea.Approach), req.Department),
		SpecificObjectives: []string{
			"Caracterizar " + f.Topic,
			"Validar " + req.Idea.Approach,
		},
		ExpectedResults: []string{f.Summary},
		BudgetCOP:       req.BudgetCOP,
		DurationMonths:  req.DurationMonths,
	}, nil
}

func (TemplateDrafter) Identify(ctx context.Context, req Request, c Concept) (Identification, error) {
	if err := ctx.Err(); err != nil {
		return Identification{}, err
	}
	id := Identification{
		ProjectName: c.Title,
		Keywords:    strings.Fields(strings.ToLower(req.Idea.Approach)),
	}
	if req.Demand != "" {
		id.Demands = []string{req.Demand}
	}
	return id, nil
}

func (TemplateDrafter) Background(ctx context.Context, id Identification, c Concept) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("Antecedentes de %s. %s", id.ProjectName, c.Problem), nil
}

func (TemplateDrafter) TeamFit(ctx context.Context, req Request, groups []ResearchGroup) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	names := make([]string, 0, len(groups))
	students := 0
	for _, g := range groups {
		names = append(names, fmt.Sprintf("%s (%s)", g.Name, g.Entity))
		students += g.Students
	}
	return fmt.Sprintf("%s lidera con %s; %d estudiantes vinculados",
		req.Proponent, strings.Join(names, ", "), students), nil
}

func (TemplateDrafter) LogicFramework(ctx context.Context, c Concept, id Identification) (LogicFramework, error) {
	if err := ctx.Err(); err != nil {
		return LogicFramework{}, err
	}
	lf := LogicFramework{GeneralObjective: c.GeneralObjective}
	months := c.DurationMonths
	if months <= 0 {
		months = 12
	}
	per := max(1, months/max(1, len(c.SpecificObjectives)))
	for i, obj := range c.SpecificObjectives {
		lf.Outputs = append(lf.Outputs, "Producto: "+obj)
		lf.Activities = append(lf.Activities, Activity{Output: i, Description: obj, Months: per})
	}
	return lf, nil
}

// Budget splits the requested amount evenly across activities and adds the
// counterpart share as a separate line per activity.
func (TemplateDrafter) Budget(ctx context.Context, req Request, lf LogicFramework) ([]BudgetLine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(lf.Activities) == 0 {
		return nil, fmt.Errorf("budget: logic framework has no activities")
	}
	share := math.Round(req.BudgetCOP / float64(len(lf.Activities)))
	lines := make([]BudgetLine, 0, 2*len(lf.Activities))
	for i, a := range lf.Activities {
		lines = append(lines, BudgetLine{Item: a.Description, Source: "SGR", AmountCOP: share, ActivityRef: i})
		if req.CounterpartPct > 0 {
			lines = append(lines, BudgetLine{
				Item:        a.Description,
				Source:      "Contrapartida",
				AmountCOP:   math.Round(share * req.CounterpartPct / 100),
				ActivityRef: i,
			})
		}
	}
	return lines, nil
}

func (TemplateDrafter) Document(ctx context.Context, in DocumentInput) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	var total float64
	for _, l := range in.Budget {
		total += l.AmountCOP
	}
	return Document{
		Title: in.Identification.ProjectName,
		Sections: []Section{
			{Name: "Antecedentes", Content: in.Background},
			{Name: "Problema", Content: in.Concept.Problem},
			{Name: "Objetivo general", Content: in.Framework.GeneralObjective},
			{Name: "Objetivos específicos", Content: strings.Join(in.Concept.SpecificObjectives, "; ")},
			{Name: "Idoneidad de los proponentes", Content: in.TeamFit},
			{Name: "Presupuesto", Content: fmt.Sprintf("%.0f COP en %d rubros", total, len(in.Budget))},
		},
	}, nil
}

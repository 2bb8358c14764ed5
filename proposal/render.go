package proposal

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	"github.com/BaSui01/graphflow/workflow"
	"go.uber.org/zap"
)

var documentTemplate = template.Must(template.New("document").Funcs(template.FuncMap{
	"join": strings.Join,
	"inc":  func(i int) int { return i + 1 },
}).Parse(`# {{.Doc.Title}}

**Departamento:** {{.Request.Department}}
**Entidad proponente:** {{.Request.Proponent}}
{{- if .Request.Allies}}
**Alianza:** {{join .Request.Allies ", "}}
{{- end}}
{{range .Doc.Sections}}
## {{.Name}}

{{.Content}}
{{end}}
## Marco lógico

**Objetivo general:** {{.Framework.GeneralObjective}}
{{range $i, $o := .Framework.Outputs}}
{{inc $i}}. {{$o}}
{{- end}}
`))

// RenderMarkdown renders the technical document.
func RenderMarkdown(req Request, doc Document, lf LogicFramework) (string, error) {
	var buf bytes.Buffer
	err := documentTemplate.Execute(&buf, map[string]any{
		"Request":   req,
		"Doc":       doc,
		"Framework": lf,
	})
	if err != nil {
		return "", fmt.Errorf("render document: %w", err)
	}
	return buf.String(), nil
}

// RenderBudgetCSV renders the budget with a trailing total row.
func RenderBudgetCSV(lines []BudgetLine) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"actividad", "rubro", "fuente", "valor_cop"})
	var total float64
	for _, l := range lines {
		total += l.AmountCOP
		_ = w.Write([]string{
			strconv.Itoa(l.ActivityRef + 1),
			l.Item,
			l.Source,
			strconv.FormatFloat(l.AmountCOP, 'f', 0, 64),
		})
	}
	_ = w.Write([]string{"", "Total", "", strconv.FormatFloat(total, 'f', 0, 64)})
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("render budget: %w", err)
	}
	return buf.String(), nil
}

var fileNameReplacer = strings.NewReplacer("/", "_", "\\", "_", ":", "_", "#", "_")

func (p *pipeline) render(ctx context.Context, s workflow.State, cfg workflow.RunConfig) (workflow.Command, error) {
	doc, _ := workflow.StateValue[Document](s, KeyDocument)
	lf, _ := workflow.StateValue[LogicFramework](s, KeyFramework)
	lines, _ := workflow.StateValue[[]BudgetLine](s, KeyBudget)

	md, err := RenderMarkdown(request(s), doc, lf)
	if err != nil {
		return workflow.Command{}, err
	}
	budgetCSV, err := RenderBudgetCSV(lines)
	if err != nil {
		return workflow.Command{}, err
	}
	update := workflow.State{
		KeyDocumentText: md,
		KeyBudgetCSV:    budgetCSV,
		KeyMessages:     note(StepRenderDocumentation, "documentación generada"),
	}

	if p.opts.OutputDir != "" {
		artifacts, err := p.writeArtifacts(cfg.ThreadID, md, budgetCSV)
		if err != nil {
			return workflow.Command{}, err
		}
		update[KeyArtifacts] = artifacts
	}
	return workflow.Finish(update), nil
}

// writeArtifacts overwrites the files of a thread, so a re-executed render
// leaves the same result on disk.
func (p *pipeline) writeArtifacts(threadID, md, budgetCSV string) ([]Artifact, error) {
	if err := os.MkdirAll(p.opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	base := fileNameReplacer.Replace(threadID)
	if base == "" {
		base = GraphName
	}
	files := []struct {
		kind, name, body string
	}{
		{"document", base + "-documento-tecnico.md", md},
		{"budget", base + "-presupuesto.csv", budgetCSV},
	}
	out := make([]Artifact, 0, len(files))
	for _, f := range files {
		path := filepath.Join(p.opts.OutputDir, f.name)
		if err := os.WriteFile(path, []byte(f.body), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.kind, err)
		}
		out = append(out, Artifact{Kind: f.kind, Path: path})
	}
	p.logger.Info("documentation rendered",
		zap.String("thread_id", threadID),
		zap.String("dir", p.opts.OutputDir))
	return out, nil
}

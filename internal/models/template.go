package models

import (
	"strings"
	"time"
)

// Template is a named, ordered field schema used to shape raw text into rows.
type Template struct {
	Name      string    `json:"name"`
	Fields    []string  `json:"fields"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// NewTemplate validates the field list.
func NewTemplate(name string, fields []string) (Template, error) {
	if strings.TrimSpace(name) == "" {
		return Template{}, Validation(CodeInvalidTemplate, "template name is required")
	}
	if len(fields) == 0 {
		return Template{}, Validation(CodeInvalidTemplate, "template %q has no fields", name)
	}
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			return Template{}, Validation(CodeInvalidTemplate, "template %q has an empty field name", name)
		}
		if seen[f] {
			return Template{}, Validation(CodeInvalidTemplate, "template %q declares field %q twice", name, f)
		}
		seen[f] = true
		out = append(out, f)
	}
	return Template{Name: name, Fields: out}, nil
}

// Normalize returns a record holding exactly the template's fields.
// Absent fields are explicit nils; undeclared keys are dropped.
func (t Template) Normalize(rec map[string]any) map[string]any {
	out := make(map[string]any, len(t.Fields))
	for _, f := range t.Fields {
		v, ok := rec[f]
		if !ok {
			v = nil
		}
		out[f] = v
	}
	return out
}

// DefaultTemplates are seeded into an empty registry.
var DefaultTemplates = []Template{
	{Name: "instruct", Fields: []string{"user", "request", "assistant", "response"}},
	{Name: "functions", Fields: []string{"function"}},
	{Name: "functionCall", Fields: []string{"command", "description", "args", "actions"}},
	{Name: "mathFusion", Fields: []string{"formula", "solution", "python", "example"}},
	{Name: "formulas", Fields: []string{"formula"}},
	{Name: "latexSeries", Fields: []string{"formula", "solution"}},
	{Name: "latexTheory", Fields: []string{"theory", "explanation"}},
	{Name: "aiConcept", Fields: []string{"concept", "definition", "useCase", "example"}},
	{Name: "dataStructure", Fields: []string{"name", "description", "timeComplexity", "pythonImplementation"}},
	{Name: "pythonBase", Fields: []string{"code", "description", "args", "returns"}},
	{Name: "pythonOllama", Fields: []string{"code", "description", "args", "actions", "chainOfThought", "prompts"}},
	{Name: "ontology1", Fields: []string{"ontology", "description", "application", "actions", "chainOfThought", "self_prompts"}},
	{Name: "ontology2", Fields: []string{"ontology", "description"}},
	{Name: "ontology3", Fields: []string{"ontology", "description", "chainOfThought"}},
}

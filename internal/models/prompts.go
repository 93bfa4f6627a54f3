package models

import "strings"

// Prompt is a system/user template pair.
type Prompt struct {
	System string `json:"system"`
	User   string `json:"user"`
}

func (p Prompt) IsZero() bool {
	return strings.TrimSpace(p.System) == "" && strings.TrimSpace(p.User) == ""
}

// PromptSet configures generation for every dynamic column plus verification.
type PromptSet struct {
	System         string            `json:"system,omitempty"`
	DynamicColumns map[string]Prompt `json:"dynamicColumns,omitempty"`
	Verify         *Prompt           `json:"verify,omitempty"`
}

// ForColumn returns the prompt for a dynamic column, falling back to the generic
// column prompt when none is configured.
func (s PromptSet) ForColumn(column string) Prompt {
	p, ok := s.DynamicColumns[column]
	if !ok || p.IsZero() {
		p = Prompt{
			System: "You are an AI assistant specializing in generating {column} data.",
			User:   "Given the context and reference values, generate a suitable {column} response:\n\nOriginal: {text}\nReference values: {reference_values}",
		}
	}
	if strings.TrimSpace(p.System) == "" {
		p.System = s.System
	}
	if strings.TrimSpace(p.User) == "" {
		p.User = "Rewrite the following {column} text: {text}\nReference values: {reference_values}"
	}
	return p
}

// Merge overlays o on top of s. Non-empty fields of o win.
func (s PromptSet) Merge(o PromptSet) PromptSet {
	out := PromptSet{System: s.System, Verify: s.Verify, DynamicColumns: make(map[string]Prompt)}
	for k, v := range s.DynamicColumns {
		out.DynamicColumns[k] = v
	}
	if strings.TrimSpace(o.System) != "" {
		out.System = o.System
	}
	for k, v := range o.DynamicColumns {
		if !v.IsZero() {
			out.DynamicColumns[k] = v
		}
	}
	if o.Verify != nil && !o.Verify.IsZero() {
		v := *o.Verify
		out.Verify = &v
	}
	return out
}

// DefaultPromptSet is the stock prompt configuration.
func DefaultPromptSet() PromptSet {
	return PromptSet{
		System: "You are an AI assistant tasked with generating synthetic data. Follow the instructions exactly, " +
			"preserve the meaning of the original text and return only the requested content without commentary.",
		DynamicColumns: map[string]Prompt{
			"input": {
				System: "You are an AI assistant that paraphrases user requests. Keep the request's intent, " +
					"keep questions as questions and statements as statements, and use the reference values verbatim.",
				User: "Paraphrase the following request, incorporating the reference values where appropriate.\n\n" +
					"Original: {text}\nReference values: {reference_values}\n\nParaphrased request:",
			},
			"output": {
				System: "You are an AI assistant that rewrites responses. Keep every fact and the reference values " +
					"verbatim while varying the wording.",
				User: "Rewrite the following response so that it stays accurate for the reference values.\n\n" +
					"Original: {text}\nReference values: {reference_values}\n\nRewritten response:",
			},
		},
		Verify: &Prompt{
			System: "You are a meticulous reviewer of synthetic training data.",
			User: "Original: {original}\nGenerated: {generated}\nReference values: {reference}\n" +
				"The original is a question: {is_question}\n\n" +
				"Check that the generated text keeps the meaning of the original, keeps the same sentence form " +
				"and contains every reference value exactly. If it does, answer with the generated text unchanged. " +
				"Otherwise answer only with a corrected version.",
		},
	}
}

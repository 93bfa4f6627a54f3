package pipeline

import (
	"strconv"
	"strings"

	"github.com/feichai0017/dataset-kitchen/internal/agent/llm"
	"github.com/feichai0017/dataset-kitchen/internal/models"
)

// formatReferences renders reference values as "col: value" pairs in column
// order.
func formatReferences(order []string, refs map[string]string) string {
	parts := make([]string, 0, len(order))
	for _, col := range order {
		parts = append(parts, col+": "+refs[col])
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "; ")
}

func fill(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

func (c *cell) vars() map[string]string {
	v := make(map[string]string, len(c.refs)+3)
	for col, val := range c.refs {
		v[col] = val
	}
	v["text"] = c.original
	v["column"] = c.column
	v["reference_values"] = c.refText
	return v
}

func generationMessages(p models.Prompt, c *cell) []llm.Message {
	vars := c.vars()
	var msgs []llm.Message
	if sys := strings.TrimSpace(fill(p.System, vars)); sys != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: sys})
	}
	return append(msgs, llm.Message{Role: "user", Content: fill(p.User, vars)})
}

// correctionMessages asks for a new candidate after a rejection.
func correctionMessages(p models.Prompt, c *cell, previous, reason string) []llm.Message {
	msgs := generationMessages(p, c)
	return append(msgs,
		llm.Message{Role: "assistant", Content: previous},
		llm.Message{Role: "user", Content: "That answer was rejected: " + reason +
			". Reply with a corrected version only."},
	)
}

func verifyMessages(p models.Prompt, c *cell, candidate string) []llm.Message {
	vars := map[string]string{
		"original":    c.original,
		"generated":   candidate,
		"reference":   c.refText,
		"is_question": strconv.FormatBool(IsQuestion(c.original)),
		"column":      c.column,
	}
	var msgs []llm.Message
	if sys := strings.TrimSpace(fill(p.System, vars)); sys != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: sys})
	}
	return append(msgs, llm.Message{Role: "user", Content: fill(p.User, vars)})
}

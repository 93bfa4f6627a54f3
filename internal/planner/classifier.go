package planner

import (
	"strings"

	"github.com/feichai0017/dataset-kitchen/internal/models"
)

var (
	DefaultStaticHints    = []string{"description"}
	DefaultReferenceHints = []string{"command"}
)

// Classifier guesses column roles from column names. The guesses are only a
// default; an explicit classification always wins.
type Classifier struct {
	static    []string
	reference []string
}

// NewClassifier builds a classifier from name hints. Empty hint lists fall
// back to the defaults.
func NewClassifier(staticHints, referenceHints []string) *Classifier {
	if len(staticHints) == 0 {
		staticHints = DefaultStaticHints
	}
	if len(referenceHints) == 0 {
		referenceHints = DefaultReferenceHints
	}
	return &Classifier{static: lower(staticHints), reference: lower(referenceHints)}
}

// Guess returns the heuristic role of one column.
func (c *Classifier) Guess(column string) models.ColumnRole {
	name := strings.ToLower(column)
	switch {
	case containsAny(name, c.static):
		return models.RoleStatic
	case containsAny(name, c.reference):
		return models.RoleReference
	default:
		return models.RoleDynamic
	}
}

// Classify assigns every column exactly one role. Roles in seed win over the
// heuristic; seed entries for columns not in columns are ignored.
func (c *Classifier) Classify(columns []string, seed models.ColumnClassification) models.ColumnClassification {
	out := make(models.ColumnClassification, len(columns))
	for _, col := range columns {
		if role, ok := seed[col]; ok && role.Valid() {
			out[col] = role
			continue
		}
		out[col] = c.Guess(col)
	}
	return out
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func lower(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(strings.TrimSpace(s)))
	}
	return out
}

package pipeline

import (
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{[^}]*\}\}|\{[A-Za-z_][A-Za-z0-9_]*\}`)

var interrogatives = map[string]bool{
	"what": true, "why": true, "how": true, "when": true, "where": true,
	"who": true, "whom": true, "whose": true, "which": true,
	"can": true, "could": true, "would": true, "should": true, "will": true, "shall": true,
	"is": true, "are": true, "was": true, "were": true, "am": true,
	"do": true, "does": true, "did": true, "may": true, "might": true,
	"have": true, "has": true,
}

// IsQuestion reports whether text reads as a question: it ends with a
// question mark or opens with an interrogative word.
func IsQuestion(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	if strings.HasSuffix(strings.TrimRight(t, `"')]`), "?") {
		return true
	}
	fields := strings.Fields(t)
	first := strings.ToLower(strings.Trim(fields[0], `"'(¿¡,.:;`))
	return interrogatives[first]
}

// checkStructure runs the checks that need no model call. It returns "" when
// candidate is acceptable, else the reason it was rejected.
func checkStructure(original, candidate string, references map[string]string) string {
	c := strings.TrimSpace(candidate)
	if c == "" {
		return "empty output"
	}
	if strings.TrimSpace(original) != "" && IsQuestion(original) != IsQuestion(c) {
		if IsQuestion(original) {
			return "question was turned into a statement"
		}
		return "statement was turned into a question"
	}
	for col, v := range references {
		v = strings.TrimSpace(v)
		if v == "" || !strings.Contains(original, v) {
			continue
		}
		if !strings.Contains(c, v) {
			return "reference value of " + col + " is missing"
		}
	}
	for _, ph := range placeholderRe.FindAllString(c, -1) {
		if !strings.Contains(original, ph) {
			return "template placeholder " + ph + " leaked into output"
		}
	}
	return ""
}

// clean strips whitespace and one pair of wrapping quotes.
func clean(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			s = strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	return s
}

// sameText compares two answers ignoring whitespace runs and wrapping quotes.
func sameText(a, b string) bool {
	return strings.Join(strings.Fields(clean(a)), " ") == strings.Join(strings.Fields(clean(b)), " ")
}

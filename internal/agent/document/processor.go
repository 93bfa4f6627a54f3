package document

import (
	"context"
	"io"
	"strings"
)

// Page is the text recovered from one page or region of a document.
type Page struct {
	Number     int     `json:"number"`
	Text       string  `json:"text"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Processor turns an uploaded document into plain text.
type Processor interface {
	// CanProcess reports whether the processor handles files with this suffix.
	CanProcess(ext string) bool

	// Process extracts text pages in document order.
	Process(ctx context.Context, reader io.Reader) ([]Page, error)

	Close() error
}

// JoinPages concatenates the non-empty pages, separated by a blank line.
func JoinPages(pages []Page) string {
	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		if t := strings.TrimSpace(p.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

// CleanText trims trailing spaces on every line and collapses runs of more
// than one blank line.
func CleanText(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, l := range lines {
		l = strings.TrimRight(l, " \t")
		if l == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

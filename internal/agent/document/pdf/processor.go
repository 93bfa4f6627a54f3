package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/dataset-kitchen/internal/agent/document"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

// Processor extracts the text layer of PDF files page by page.
type Processor struct {
	workers int
	logger  logger.Logger
}

func NewProcessor(log logger.Logger) *Processor {
	return &Processor{workers: 4, logger: log.Named("pdf")}
}

func (p *Processor) CanProcess(ext string) bool {
	return ext == ".pdf"
}

func (p *Processor) Process(ctx context.Context, file io.Reader) ([]document.Page, error) {
	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read pdf: %w", err)
	}
	reader := bytes.NewReader(content)
	pdfReader, err := pdf.NewReader(reader, reader.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}

	numPages := pdfReader.NumPage()
	pages := make([]document.Page, numPages)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i := 1; i <= numPages; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			page := pdfReader.Page(i)
			if page.V.IsNull() {
				return nil
			}
			text, err := page.GetPlainText(nil)
			if err != nil {
				return fmt.Errorf("failed to get text from page %d: %w", i, err)
			}
			pages[i-1] = document.Page{Number: i, Text: document.CleanText(text), Source: "pdf"}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := pages[:0]
	for _, pg := range pages {
		if pg.Number > 0 {
			out = append(out, pg)
		}
	}
	p.logger.Debug("Extracted pdf text",
		logger.Int("pages", numPages),
		logger.Int("withText", len(out)),
	)
	return out, nil
}

func (p *Processor) Close() error {
	return nil
}

package image

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/disintegration/imaging"

	"github.com/feichai0017/dataset-kitchen/internal/agent/document"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

// ErrOCRUnavailable is returned when the binary was built without the ocr tag.
var ErrOCRUnavailable = errors.New("tesseract support not compiled in (build with -tags ocr)")

// engine recognizes text in a preprocessed image.
type engine interface {
	recognize(ctx context.Context, img image.Image) (text string, confidence float64, err error)
	close() error
}

// Processor runs local OCR over scanned pages.
type Processor struct {
	steps  []Preprocessor
	engine engine
	logger logger.Logger
}

func NewProcessor(languages []string, cfg PreprocessConfig, log logger.Logger) (*Processor, error) {
	eng, err := newTesseract(languages)
	if err != nil {
		return nil, err
	}
	return &Processor{steps: NewPipeline(cfg), engine: eng, logger: log.Named("ocr")}, nil
}

func (p *Processor) CanProcess(ext string) bool {
	switch ext {
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff":
		return true
	}
	return false
}

func (p *Processor) Process(ctx context.Context, file io.Reader) ([]document.Page, error) {
	img, err := imaging.Decode(file, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	img, err = Apply(img, p.steps)
	if err != nil {
		return nil, err
	}
	text, confidence, err := p.engine.recognize(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("ocr failed: %w", err)
	}
	p.logger.Debug("Recognized image text",
		logger.Int("chars", len(text)),
		logger.Float64("confidence", confidence),
	)
	return []document.Page{{Number: 1, Text: document.CleanText(text), Source: "tesseract", Confidence: confidence}}, nil
}

func (p *Processor) Close() error {
	return p.engine.close()
}

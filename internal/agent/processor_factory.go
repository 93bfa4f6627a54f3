package agent

import (
	"context"
	"errors"
	"strings"

	cfg "github.com/feichai0017/dataset-kitchen/config"
	"github.com/feichai0017/dataset-kitchen/internal/agent/document"
	"github.com/feichai0017/dataset-kitchen/internal/agent/document/image"
	"github.com/feichai0017/dataset-kitchen/internal/agent/document/pdf"
	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

// ProcessorFactory picks a document processor by file suffix.
type ProcessorFactory struct {
	processors map[string]document.Processor
	logger     logger.Logger
}

// NewProcessorFactory always registers the PDF text extractor; scanned images
// go to the configured OCR backend. An OCR backend that cannot start is
// logged and left out, so image uploads are then rejected as unsupported.
func NewProcessorFactory(ctx context.Context, ocr cfg.OCRConfig, textract cfg.TextractConfig, log logger.Logger) *ProcessorFactory {
	f := &ProcessorFactory{
		processors: make(map[string]document.Processor),
		logger:     log.Named("processors"),
	}
	f.Register(pdf.NewProcessor(log), ".pdf")

	var ocrProc document.Processor
	switch ocr.Backend {
	case "tesseract":
		p, err := image.NewProcessor(ocr.Languages, image.DefaultPreprocessConfig(), log)
		if err != nil {
			level := f.logger.Warn
			if errors.Is(err, image.ErrOCRUnavailable) {
				level = f.logger.Info
			}
			level("OCR disabled", logger.String("backend", ocr.Backend), logger.Error(err))
			break
		}
		ocrProc = p
	case "textract":
		p, err := image.NewTextractProcessor(ctx, textract, log)
		if err != nil {
			f.logger.Warn("OCR disabled", logger.String("backend", ocr.Backend), logger.Error(err))
			break
		}
		ocrProc = p
	}
	if ocrProc != nil {
		f.Register(ocrProc, ".png", ".jpg", ".jpeg", ".tif", ".tiff")
	}
	return f
}

// Register maps the suffixes a processor accepts to it; later calls win.
func (f *ProcessorFactory) Register(p document.Processor, exts ...string) {
	for _, ext := range exts {
		if p.CanProcess(ext) {
			f.processors[ext] = p
		}
	}
}

func (f *ProcessorFactory) Supports(ext string) bool {
	_, ok := f.processors[strings.ToLower(ext)]
	return ok
}

func (f *ProcessorFactory) GetProcessor(ext string) (document.Processor, error) {
	p, ok := f.processors[strings.ToLower(ext)]
	if !ok {
		f.logger.Debug("No processor found", logger.String("ext", ext))
		return nil, models.Validation(models.CodeInvalidParameter, "unsupported document type %q", ext)
	}
	return p, nil
}

// Close releases every distinct processor.
func (f *ProcessorFactory) Close() error {
	seen := make(map[document.Processor]bool)
	var errs []error
	for _, p := range f.processors {
		if seen[p] {
			continue
		}
		seen[p] = true
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

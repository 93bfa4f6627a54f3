//go:build !ocr

package image

func newTesseract([]string) (engine, error) {
	return nil, ErrOCRUnavailable
}

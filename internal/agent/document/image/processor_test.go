package image

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

type fakeEngine struct {
	text   string
	err    error
	bounds image.Rectangle
	closed bool
}

func (f *fakeEngine) recognize(_ context.Context, img image.Image) (string, float64, error) {
	f.bounds = img.Bounds()
	return f.text, 91.5, f.err
}

func (f *fakeEngine) close() error {
	f.closed = true
	return nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestProcessorRunsPipelineThenEngine(t *testing.T) {
	eng := &fakeEngine{text: "hello  \n\n\n\nworld"}
	p := &Processor{
		steps:  NewPipeline(PreprocessConfig{MaxWidth: 40}),
		engine: eng,
		logger: logger.NewTestLogger(),
	}

	pages, err := p.Process(context.Background(), bytes.NewReader(pngBytes(t, 80, 20)))
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "hello\n\nworld", pages[0].Text)
	assert.Equal(t, "tesseract", pages[0].Source)
	assert.InDelta(t, 91.5, pages[0].Confidence, 0.001)
	assert.Equal(t, 40, eng.bounds.Dx())

	require.NoError(t, p.Close())
	assert.True(t, eng.closed)
}

func TestProcessorEngineError(t *testing.T) {
	p := &Processor{engine: &fakeEngine{err: errors.New("boom")}, logger: logger.NewTestLogger()}
	_, err := p.Process(context.Background(), bytes.NewReader(pngBytes(t, 4, 4)))
	assert.ErrorContains(t, err, "boom")
}

func TestProcessorRejectsNonImage(t *testing.T) {
	p := &Processor{engine: &fakeEngine{}, logger: logger.NewTestLogger()}
	_, err := p.Process(context.Background(), bytes.NewReader([]byte("not an image")))
	assert.ErrorContains(t, err, "decode")
}

func TestAdaptiveThresholdBinarizes(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 9, 9))
	for y := 0; y < 9; y++ {
		for x := 0; x < 9; x++ {
			img.SetGray(x, y, color.Gray{Y: 200})
		}
	}
	img.SetGray(4, 4, color.Gray{Y: 10})

	out, err := NewAdaptiveThresholdProcessor(5, 2).Process(img)
	require.NoError(t, err)
	gray := imaging.Clone(out)
	assert.Equal(t, uint8(0), gray.NRGBAAt(4, 4).R)
	assert.Equal(t, uint8(255), gray.NRGBAAt(0, 0).R)
}

func TestApplyRejectsNil(t *testing.T) {
	_, err := Apply(nil, NewPipeline(DefaultPreprocessConfig()))
	assert.Error(t, err)
}

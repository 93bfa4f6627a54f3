package validator

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

func TestValidateAcceptsTable(t *testing.T) {
	v := NewUploadValidator(logger.NewNop(), Config{})
	body := []byte("q,a\n1,2\n")
	f := bytes.NewReader(body)

	info, err := v.Validate("qa.csv", int64(len(body)), f)
	require.NoError(t, err)
	assert.Equal(t, ".csv", info.Extension)
	assert.Contains(t, info.MimeType, "text/plain")
	assert.Len(t, info.Hash, 64)
	assert.Equal(t, info.Hash, info.Metadata()["sha256"])

	// rewound for the caller
	rest, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, body, rest)
}

func TestValidateRejects(t *testing.T) {
	pdf := []byte("%PDF-1.7\n")
	png := []byte("\x89PNG\r\n\x1a\n0000")
	tests := []struct {
		name string
		file string
		body []byte
		max  int64
	}{
		{"unknown suffix", "a.exe", []byte("MZ"), 0},
		{"pdf posing as csv", "a.csv", pdf, 0},
		{"text posing as image", "a.png", []byte("hello"), 0},
		{"too large", "a.png", png, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewUploadValidator(logger.NewNop(), Config{MaxFileSize: tt.max})
			_, err := v.Validate(tt.file, int64(len(tt.body)), bytes.NewReader(tt.body))
			assert.True(t, models.IsValidation(err), "got %v", err)
		})
	}
}

func TestValidateDocuments(t *testing.T) {
	v := NewUploadValidator(logger.NewNop(), Config{})
	pdf := []byte("%PDF-1.7\n")
	_, err := v.Validate("scan.pdf", int64(len(pdf)), bytes.NewReader(pdf))
	assert.NoError(t, err)

	parquet := []byte("PAR1\x00\x00\x00")
	_, err = v.Validate("rows.parquet", int64(len(parquet)), bytes.NewReader(parquet))
	assert.NoError(t, err)
}

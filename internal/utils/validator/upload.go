// Package validator checks uploaded files before they become ingredients.
package validator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

// Config bounds what an upload may be.
type Config struct {
	// MaxFileSize in bytes; zero means no limit.
	MaxFileSize int64
	// AllowedTypes maps a suffix to the MIME type prefixes its content may
	// sniff as.
	AllowedTypes map[string][]string
}

// DefaultConfig accepts every table and text suffix plus PDFs and scans.
func DefaultConfig() Config {
	allowed := map[string][]string{
		".pdf":     {"application/pdf"},
		".png":     {"image/png"},
		".jpg":     {"image/jpeg"},
		".jpeg":    {"image/jpeg"},
		".tif":     {"image/tiff", "application/octet-stream"},
		".tiff":    {"image/tiff", "application/octet-stream"},
		".parquet": {"application/octet-stream"},
	}
	for ext := range models.TableFormats {
		if _, ok := allowed[ext]; !ok {
			allowed[ext] = []string{"text/"}
		}
	}
	for ext := range models.TextFormats {
		allowed[ext] = []string{"text/"}
	}
	return Config{MaxFileSize: 50 * 1024 * 1024, AllowedTypes: allowed}
}

// FileInfo describes a validated upload.
type FileInfo struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType"`
	Extension string `json:"extension"`
	Hash      string `json:"hash"`
}

// Metadata is the artifact metadata recorded for the upload.
func (f FileInfo) Metadata() map[string]string {
	return map[string]string{"sha256": f.Hash, "mimeType": f.MimeType}
}

type UploadValidator struct {
	logger logger.Logger
	config Config
}

// NewUploadValidator falls back to DefaultConfig for unset fields.
func NewUploadValidator(log logger.Logger, c Config) *UploadValidator {
	def := DefaultConfig()
	if c.MaxFileSize == 0 {
		c.MaxFileSize = def.MaxFileSize
	}
	if c.AllowedTypes == nil {
		c.AllowedTypes = def.AllowedTypes
	}
	return &UploadValidator{logger: log.Named("validator"), config: c}
}

// Validate hashes and sniffs f, then rewinds it. Every violation is reported
// in one ValidationError.
func (v *UploadValidator) Validate(name string, size int64, f io.ReadSeeker) (FileInfo, error) {
	info := FileInfo{
		Filename:  name,
		Size:      size,
		Extension: strings.ToLower(filepath.Ext(name)),
	}

	hash, err := calculateHash(f)
	if err != nil {
		return info, fmt.Errorf("failed to calculate hash: %w", err)
	}
	info.Hash = hash
	mimeType, err := detectMimeType(f)
	if err != nil {
		return info, fmt.Errorf("failed to detect mime type: %w", err)
	}
	info.MimeType = mimeType

	var problems []string
	if v.config.MaxFileSize > 0 && size > v.config.MaxFileSize {
		problems = append(problems, fmt.Sprintf("file size %d exceeds the limit of %d bytes", size, v.config.MaxFileSize))
	}
	allowed, ok := v.config.AllowedTypes[info.Extension]
	switch {
	case !ok:
		problems = append(problems, fmt.Sprintf("file type %q is not allowed", info.Extension))
	case !matchesAny(info.MimeType, allowed):
		problems = append(problems, fmt.Sprintf("content of type %s does not match extension %s", info.MimeType, info.Extension))
	}
	if len(problems) > 0 {
		v.logger.Warn("Upload rejected", logger.String("file", name), logger.Strings("problems", problems))
		return info, models.Validation(models.CodeInvalidParameter, "invalid upload %s: %s", name, strings.Join(problems, "; "))
	}
	return info, nil
}

func matchesAny(mimeType string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(mimeType, p) {
			return true
		}
	}
	return false
}

func detectMimeType(f io.ReadSeeker) (string, error) {
	buffer := make([]byte, 512)
	n, err := io.ReadFull(f, buffer)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return http.DetectContentType(buffer[:n]), nil
}

func calculateHash(f io.ReadSeeker) (string, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

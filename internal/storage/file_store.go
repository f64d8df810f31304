// Package storage stages lab deliverables on local disk for deployments
// where the LMS has no upload endpoint of its own.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-gateway/internal/engine"
)

// Sentinel errors for staged uploads.
var (
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrFileTooLarge        = errors.New("file too large")
)

// allowedMIMETypes maps accepted deliverable types to the stored extension.
var allowedMIMETypes = map[string]string{
	"application/pdf":    ".pdf",
	"application/zip":    ".zip",
	"text/plain":         ".txt",
	"text/markdown":      ".md",
	"image/jpeg":         ".jpg",
	"image/png":          ".png",
	"image/webp":         ".webp",
	"application/msword": ".doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
}

// FileStore is an engine.Uploader writing to a local directory.
type FileStore struct {
	dir      string
	baseURL  string
	maxBytes int64
	log      zerolog.Logger
}

var _ engine.Uploader = (*FileStore)(nil)

// NewFileStore stores files under dir and returns URLs under baseURL.
func NewFileStore(dir, baseURL string, maxBytes int64, log zerolog.Logger) *FileStore {
	return &FileStore{
		dir:      dir,
		baseURL:  strings.TrimRight(baseURL, "/"),
		maxBytes: maxBytes,
		log:      log.With().Str("component", "file_store").Logger(),
	}
}

// Upload validates f and writes it under a random name.
func (s *FileStore) Upload(ctx context.Context, f engine.File) (string, error) {
	ext, err := extensionFor(f.ContentType)
	if err != nil {
		return "", err
	}
	if s.maxBytes > 0 && f.Size > s.maxBytes {
		return "", fmt.Errorf("%w: %d bytes (max: %d)", ErrFileTooLarge, f.Size, s.maxBytes)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	// Declared sizes can lie; cap what is actually read.
	src := f.Body
	if s.maxBytes > 0 {
		src = io.LimitReader(f.Body, s.maxBytes+1)
	}
	n, err := io.Copy(tmp, src)
	if err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	if s.maxBytes > 0 && n > s.maxBytes {
		return "", fmt.Errorf("%w: more than %d bytes", ErrFileTooLarge, s.maxBytes)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close file: %w", err)
	}

	filename := uuid.New().String() + ext
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, filename)); err != nil {
		return "", fmt.Errorf("store file: %w", err)
	}

	s.log.Info().Str("file", filename).Int64("bytes", n).Msg("Deliverable staged")
	return s.baseURL + "/" + filename, nil
}

func extensionFor(contentType string) (string, error) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = contentType
	}
	ext, ok := allowedMIMETypes[strings.ToLower(mt)]
	if !ok {
		return "", fmt.Errorf("%w: %s (allowed: %s)", ErrUnsupportedFileType, contentType, strings.Join(AllowedTypes(), ", "))
	}
	return ext, nil
}

// AllowedTypes lists accepted MIME types in sorted order.
func AllowedTypes() []string {
	types := make([]string, 0, len(allowedMIMETypes))
	for t := range allowedMIMETypes {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const MaxSize = 10 << 20

var (
	ErrTooLarge        = errors.New("document exceeds the 10MB limit")
	ErrUnsupportedType = errors.New("unsupported document type")
	ErrEmptyDocument   = errors.New("document is empty")
)

var AllowedExtensions = []string{".pdf", ".jpg", ".jpeg", ".png", ".doc", ".docx"}

// Store persists uploaded appointment documents.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Remove(ctx context.Context, key string) error
}

// Validate checks the upload's name and size before anything is stored.
func Validate(filename string, size int64) error {
	if size <= 0 {
		return ErrEmptyDocument
	}
	if size > MaxSize {
		return ErrTooLarge
	}
	ext := strings.ToLower(filepath.Ext(filename))
	for _, allowed := range AllowedExtensions {
		if ext == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w %q, allowed: %s", ErrUnsupportedType, ext, strings.Join(AllowedExtensions, ", "))
}

// NewKey returns a unique object key that keeps the upload's extension.
func NewKey(filename string) string {
	return path.Join("appointments", uuid.NewString()+strings.ToLower(filepath.Ext(filename)))
}

// ContentType guesses the MIME type from the extension, falling back to
// application/octet-stream.
func ContentType(filename, declared string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); ct != "" {
		return ct
	}
	if declared != "" {
		return declared
	}
	return "application/octet-stream"
}

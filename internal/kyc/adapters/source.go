// Package adapters holds the default implementations of the capability ports:
// a file-backed document source, a heuristic content scanner, a stub OCR
// extractor for development, and SMTP and HTTP-gateway code senders.
package adapters

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileSource serves uploads stored under a local root directory. Storage
// references are paths relative to the root.
type FileSource struct {
	root string
}

func NewFileSource(root string) *FileSource {
	return &FileSource{root: root}
}

// Open returns the file behind storageRef and its size. References that
// escape the root are refused.
func (s *FileSource) Open(ctx context.Context, storageRef string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	rel := filepath.FromSlash(storageRef)
	if !filepath.IsLocal(rel) {
		return nil, 0, fmt.Errorf("storage reference %q is outside the document root", storageRef)
	}
	f, err := os.Open(filepath.Join(s.root, rel))
	if err != nil {
		return nil, 0, fmt.Errorf("open document: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat document: %w", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("storage reference %q is a directory", storageRef)
	}
	return f, info.Size(), nil
}

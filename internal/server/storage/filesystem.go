package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileSystemStore stores blobs on the local filesystem, one file per ref.
type FileSystemStore struct {
	basePath string
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

// EnsureDir creates the storage directory if it doesn't exist.
func (fs *FileSystemStore) EnsureDir() error {
	if err := os.MkdirAll(fs.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", fs.basePath, err)
	}
	return nil
}

// Put writes data to the file named by ref.
// Returns the number of bytes written.
func (fs *FileSystemStore) Put(ctx context.Context, ref string, data io.Reader) (int64, error) {
	filePath, err := fs.filePath(ref)
	if err != nil {
		return 0, err
	}

	file, err := os.Create(filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to create file %s: %w", filePath, err)
	}
	defer file.Close()

	n, err := io.Copy(file, data)
	if err != nil {
		// Clean up partial file on error
		os.Remove(filePath)
		return 0, fmt.Errorf("failed to write file: %w", err)
	}

	return n, nil
}

// Open returns a reader over the stored blob.
func (fs *FileSystemStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	filePath, err := fs.filePath(ref)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to open blob %s: %w", ref, err)
	}
	return file, nil
}

// Delete removes the stored blob for a ref.
func (fs *FileSystemStore) Delete(ctx context.Context, ref string) error {
	filePath, err := fs.filePath(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file %s: %w", filePath, err)
	}
	return nil
}

// filePath maps a ref to a path under basePath, refusing refs that would
// escape the storage directory.
func (fs *FileSystemStore) filePath(ref string) (string, error) {
	if ref == "" || ref != filepath.Base(ref) || strings.HasPrefix(ref, ".") {
		return "", fmt.Errorf("invalid blob ref %q", ref)
	}
	return filepath.Join(fs.basePath, ref), nil
}

package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// FSClient writes objects below a local root directory.
type FSClient struct {
	root string
}

var _ Client = (*FSClient)(nil)

// NewFSClient creates a filesystem-backed client rooted at root.
func NewFSClient(root string) *FSClient {
	return &FSClient{root: filepath.Clean(root)}
}

// Put writes r to root/key through a temporary file and an atomic rename.
func (c *FSClient) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if slices.Contains(strings.Split(key, "/"), "..") {
		return fmt.Errorf("object key %q must not contain a '..' segment", key)
	}

	dst := filepath.Join(c.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	tmpName := tmp.Name()

	written, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write object %q: %w", key, err)
	}
	if size >= 0 && written != size {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write object %q: wrote %d bytes, want %d", key, written, size)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close object %q: %w", key, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("commit object %q: %w", key, err)
	}
	return nil
}

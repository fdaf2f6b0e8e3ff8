package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"otad/pkg/errdefs"
)

// FSBlobs stores payloads below a root directory.
type FSBlobs struct {
	root string
}

// NewFSBlobs creates root if needed and returns a backend rooted there.
func NewFSBlobs(root string) (*FSBlobs, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("artifacts: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: create root: %w", err)
	}
	return &FSBlobs{root: root}, nil
}

func (f *FSBlobs) path(locator string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(locator))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: locator %q", errdefs.ErrValidation, locator)
	}
	return filepath.Join(f.root, clean), nil
}

func (f *FSBlobs) Write(_ context.Context, locator string, r io.Reader, _ int64, _ string) error {
	dst, err := f.path(locator)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func (f *FSBlobs) Open(_ context.Context, locator string) (io.ReadCloser, error) {
	p, err := f.path(locator)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: blob %q", errdefs.ErrNotFound, locator)
	}
	return file, err
}

func (f *FSBlobs) Delete(_ context.Context, locator string) error {
	p, err := f.path(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

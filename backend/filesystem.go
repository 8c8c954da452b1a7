package backend

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const tempPrefix = ".tmp-"

// ImageTree is a Backend backed by a directory tree on the local
// filesystem. The tree mirrors the manifest's relative image paths, so the
// directory layout is the source of truth for what has been downloaded.
type ImageTree struct {
	root string
}

// NewImageTree creates an ImageTree rooted at the given directory,
// creating it if necessary.
func NewImageTree(root string) (*ImageTree, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create image root: %w", err)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve image root: %w", err)
	}

	return &ImageTree{root: abs}, nil
}

// Root returns the absolute path of the tree's root directory.
func (t *ImageTree) Root() string {
	return t.root
}

// keyToPath maps a key to a path under the root, rejecting anything that
// would escape it.
func (t *ImageTree) keyToPath(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty key")
	}

	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid key: %s", key)
	}

	return filepath.Join(t.root, clean), nil
}

// Write stores data at the given key. The data is written to a temporary
// file in the destination directory and renamed into place, so concurrent
// readers never observe a partial file.
func (t *ImageTree) Write(ctx context.Context, key string, r io.Reader) error {
	path, err := t.keyToPath(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write data: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// Read retrieves data at the given key.
func (t *ImageTree) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := t.keyToPath(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return f, nil
}

// Delete removes data at the given key. Missing keys are not an error.
func (t *ImageTree) Delete(ctx context.Context, key string) error {
	path, err := t.keyToPath(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	return nil
}

// Exists checks whether a key exists.
func (t *ImageTree) Exists(ctx context.Context, key string) (bool, error) {
	path, err := t.keyToPath(key)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat file: %w", err)
	}

	return !info.IsDir(), nil
}

// Size returns the size in bytes of the data at the given key.
func (t *ImageTree) Size(ctx context.Context, key string) (int64, error) {
	path, err := t.keyToPath(key)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to stat file: %w", err)
	}

	return info.Size(), nil
}

// List returns all keys with the given prefix, using "/" as the separator
// regardless of platform. In-flight temporary files are skipped.
func (t *ImageTree) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	err := filepath.WalkDir(t.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}

		rel, err := filepath.Rel(t.root, path)
		if err != nil {
			return err
		}

		key := filepath.ToSlash(rel)
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	return keys, nil
}

// RemoveSubtree removes every file below the given key prefix, along with
// the directories themselves. Used to force-clear staging areas from
// earlier runs. A missing subtree is not an error.
func (t *ImageTree) RemoveSubtree(ctx context.Context, key string) error {
	path, err := t.keyToPath(key)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove subtree: %w", err)
	}

	return nil
}

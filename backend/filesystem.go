package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// tempPrefix marks in-progress writes; List never returns them.
const tempPrefix = ".tmp-"

// Filesystem implements Backend using the local filesystem.
// Writes are atomic using a temp file and rename pattern.
type Filesystem struct {
	root string
}

// NewFilesystem creates a new filesystem backend rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (fs *Filesystem) Root() string {
	return fs.root
}

// Write stores data at the given key using atomic write.
func (fs *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	path, err := fs.keyToPath(key)
	if err != nil {
		return err
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	// Clean up temp file on error
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}

	// Close before rename
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("setting file mode: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// Read retrieves data at the given key.
func (fs *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := fs.keyToPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

// List returns all keys with the given prefix.
func (fs *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	dir := fs.root
	if prefix != "" {
		p, err := fs.keyToPath(prefix)
		if err != nil {
			return nil, err
		}
		dir = p
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat path: %w", err)
	}

	// If it's a file, return just that key
	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var keys []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		// Convert path back to key
		rel, err := filepath.Rel(fs.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return keys, nil
}

// keyToPath converts a key to a filesystem path, rejecting keys that are
// absolute or climb out of the root.
func (fs *Filesystem) keyToPath(key string) (string, error) {
	rel := filepath.FromSlash(key)
	if key == "" || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(fs.root, rel), nil
}

// Compile-time interface checks
var _ Backend = (*Filesystem)(nil)

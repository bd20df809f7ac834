// Package workspace confines file access to the bridge root directory.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMaxFileSize caps reads and writes through Root.
const DefaultMaxFileSize = 1 << 20

// ErrOutsideRoot is returned for paths that resolve outside the root.
var ErrOutsideRoot = errors.New("path escapes bridge root")

// Root is a directory that all artifact and agent file access is confined to.
type Root struct {
	dir     string
	maxSize int
}

// Open returns a Root for dir, creating the directory if needed.
func Open(dir string) (*Root, error) {
	if dir == "" {
		return nil, fmt.Errorf("bridge root is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve bridge root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create bridge root: %w", err)
	}
	return &Root{dir: abs, maxSize: DefaultMaxFileSize}, nil
}

// Dir returns the absolute root directory.
func (r *Root) Dir() string {
	return r.dir
}

// Resolve maps p (relative to the root, or absolute inside it) to an absolute
// path, rejecting anything that would leave the root.
func (r *Root) Resolve(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("file path is required")
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("file path contains null byte")
	}
	var full string
	if filepath.IsAbs(p) {
		full = filepath.Clean(p)
	} else {
		full = filepath.Join(r.dir, p)
	}
	rel, err := filepath.Rel(r.dir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	return full, nil
}

// ReadFile reads a confined file.
func (r *Root) ReadFile(p string) (string, error) {
	full, err := r.Resolve(p)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(full)
	if err != nil {
		return "", err
	}
	if info.Size() > int64(r.maxSize) {
		return "", fmt.Errorf("file %q exceeds maximum size of %d bytes", p, r.maxSize)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile writes a confined file, creating parent directories.
func (r *Root) WriteFile(p, content string) error {
	if len(content) > r.maxSize {
		return fmt.Errorf("content exceeds maximum size of %d bytes", r.maxSize)
	}
	full, err := r.Resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	return os.WriteFile(full, []byte(content), 0o644)
}

// Matches reports whether p names the same confined file as name.
func (r *Root) Matches(p, name string) bool {
	a, err := r.Resolve(p)
	if err != nil {
		return false
	}
	b, err := r.Resolve(name)
	if err != nil {
		return false
	}
	return a == b
}

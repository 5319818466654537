// Package files implements workspace-scoped filesystem tools: read, write,
// edit, and delete. Every path is resolved against the workspace root and
// escapes are rejected. Mutating tools report what they changed so the loop
// can build a change manifest.
package files

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolver resolves and validates workspace-relative paths.
type Resolver struct {
	Root string
}

// Resolve returns an absolute, symlink-resolved path within the workspace
// root. The containment check runs after symlinks are followed, so a link
// inside the workspace that points outside it is rejected like any other
// escape.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	rootReal, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}

	target := clean
	if !filepath.IsAbs(target) {
		target = filepath.Join(rootReal, target)
	}
	targetReal, err := resolveExisting(filepath.Clean(target))
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	rel, err := filepath.Rel(rootReal, targetReal)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace")
	}
	return targetReal, nil
}

// resolveExisting follows symlinks on the deepest existing ancestor and
// rejoins the remainder, so targets that do not exist yet (a file about to
// be written) still resolve.
func resolveExisting(path string) (string, error) {
	suffix := ""
	for current := path; ; {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return path, nil
		}
		suffix = filepath.Join(filepath.Base(current), suffix)
		current = parent
	}
}

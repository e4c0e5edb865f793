// Package workspace confines filesystem access to a configured root
// directory. Every path-bearing tool argument passes through a Guard before
// any file is read or written.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EscapeError reports a path that resolves outside the workspace root.
type EscapeError struct {
	Path string
	Root string
}

func (e *EscapeError) Error() string {
	return fmt.Sprintf("path outside workspace: %s (root: %s)", e.Path, e.Root)
}

// Guard validates paths against a single workspace root. The root is
// canonicalized once at construction; Resolve canonicalizes candidate paths
// (following symlinks) and requires the result to be the root or one of its
// descendants.
type Guard struct {
	root string
}

// NewGuard creates a Guard rooted at root. The root must exist.
func NewGuard(root string) (*Guard, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root is not a directory: %s", canonical)
	}
	return &Guard{root: canonical}, nil
}

// Root returns the canonical workspace root.
func (g *Guard) Root() string { return g.root }

// Resolve canonicalizes path (relative paths are taken against the root) and
// returns the canonical form if it lies inside the workspace. Paths that do
// not exist yet are validated through their deepest existing ancestor, so
// create-style tools can target new files without escaping.
func (g *Guard) Resolve(path string) (string, error) {
	if path == "" {
		return "", &EscapeError{Path: path, Root: g.root}
	}
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(g.root, candidate)
	}
	candidate = filepath.Clean(candidate)

	resolved, err := resolveExisting(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	if !g.contains(resolved) {
		return "", &EscapeError{Path: path, Root: g.root}
	}
	return resolved, nil
}

// ResolveExisting is Resolve restricted to paths that already exist.
func (g *Guard) ResolveExisting(path string) (string, error) {
	resolved, err := g.Resolve(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(resolved); err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	return resolved, nil
}

// contains reports whether p equals the root or is a descendant of it.
func (g *Guard) contains(p string) bool {
	if p == g.root {
		return true
	}
	return strings.HasPrefix(p, g.root+string(filepath.Separator))
}

// resolveExisting canonicalizes p, walking up to the deepest existing
// ancestor when p itself does not exist and re-joining the missing suffix.
func resolveExisting(p string) (string, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	dir := p
	var missing []string
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", err
		}
		missing = append(missing, filepath.Base(dir))
		dir = parent
		resolved, rerr := filepath.EvalSymlinks(dir)
		if rerr == nil {
			// Re-attach the missing components in original order.
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}
		if !os.IsNotExist(rerr) {
			return "", rerr
		}
	}
}

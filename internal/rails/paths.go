package rails

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideJail is returned when a path escapes the configured jail root.
var ErrOutsideJail = errors.New("path outside file jail")

// ResolveInJail canonicalizes path against the jail root and verifies the
// result stays inside it. Relative paths are resolved against the root.
// Symlinks in existing ancestors are followed before the prefix check so a
// link pointing outside the jail cannot smuggle I/O out.
func ResolveInJail(jailRoot, path string) (string, error) {
	if strings.TrimSpace(jailRoot) == "" {
		return "", errors.New("file jail root not configured")
	}

	root, err := filepath.Abs(jailRoot)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)

	// Resolve through the deepest existing ancestor so non-existent leaf
	// components (about-to-be-written files) still get checked.
	resolved, err := resolveExisting(candidate)
	if err != nil {
		return "", err
	}

	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", ErrOutsideJail
	}
	return resolved, nil
}

func resolveExisting(path string) (string, error) {
	suffix := ""
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return filepath.Join(current, suffix), nil
		}
		suffix = filepath.Join(filepath.Base(current), suffix)
		current = parent
	}
}

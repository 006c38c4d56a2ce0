// Package boundary validates externally supplied filesystem paths against
// a configured root directory.
package boundary

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Error codes carried to the HTTP edge.
const (
	CodeNullByte        = "NULL_BYTE"
	CodeOutsideBoundary = "OUTSIDE_BOUNDARY"
)

// Error is a kinded path validation failure.
type Error struct {
	Code string
	Path string
}

func (e *Error) Error() string {
	return fmt.Sprintf("boundary violation (%s): %s", e.Code, e.Path)
}

// Validator canonicalises paths and rejects those escaping the root.
type Validator struct {
	root string
}

// NewValidator creates a validator rooted at the given directory. The root
// itself is canonicalised once so symlinked roots compare correctly.
func NewValidator(root string) (*Validator, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve boundary root: %w", err)
	}
	canonical, err := resolveThroughExistingAncestors(abs)
	if err != nil {
		canonical = abs
	}
	return &Validator{root: canonical}, nil
}

// Root returns the canonical boundary root.
func (v *Validator) Root() string {
	return v.root
}

// Validate canonicalises the path (symlink resolution, ".." elimination)
// and returns it, or a kinded *Error when the path contains a null byte or
// escapes the boundary root. The path does not have to exist.
func (v *Validator) Validate(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", &Error{Code: CodeNullByte, Path: strings.ReplaceAll(path, "\x00", "")}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", &Error{Code: CodeOutsideBoundary, Path: path}
	}

	canonical, err := resolveThroughExistingAncestors(abs)
	if err != nil {
		return "", &Error{Code: CodeOutsideBoundary, Path: abs}
	}

	if !isPathInside(canonical, v.root) {
		return "", &Error{Code: CodeOutsideBoundary, Path: canonical}
	}
	return canonical, nil
}

// isPathInside checks whether child is inside or equal to parent directory.
func isPathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// resolveThroughExistingAncestors canonicalises a path by finding the
// deepest existing ancestor, resolving its symlinks, then appending the
// remaining non-existent components. This lets validation run on paths
// that have not been created yet.
func resolveThroughExistingAncestors(target string) (string, error) {
	if real, err := filepath.EvalSymlinks(target); err == nil {
		return real, nil
	}

	current := target
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent

		if realParent, err := filepath.EvalSymlinks(current); err == nil {
			result := realParent
			for _, component := range tail {
				result = filepath.Join(result, component)
			}
			return result, nil
		}
	}
	return filepath.Clean(target), nil
}

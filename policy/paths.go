// ABOUTME: Write-path validation: case-normalized, symlink-resolved containment checks.
// ABOUTME: A target passes when it lands under an allowed root and outside the excluded directories.

package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ExcludedDirs are directory names a write may never target, even inside an
// allowed root. Version control metadata and the profile index tree stay off
// limits to tools.
var ExcludedDirs = []string{".git", ".hg", ".svn", "node_modules", "indexes"}

// CheckWritePath validates that target, after case normalization and symlink
// resolution, lands under one of the allowed roots and outside the excluded
// directories. The target itself need not exist yet; its deepest existing
// ancestor is what gets symlink-resolved.
func CheckWritePath(target string, allowed []string) error {
	if target == "" {
		return fmt.Errorf("empty write target")
	}
	resolved, err := resolveTarget(target)
	if err != nil {
		return err
	}

	for _, part := range strings.Split(resolved, string(filepath.Separator)) {
		for _, ex := range ExcludedDirs {
			if normalizeCase(part) == normalizeCase(ex) {
				return fmt.Errorf("write target %s is inside excluded directory %s", target, ex)
			}
		}
	}

	for _, root := range allowed {
		rootResolved, err := resolveTarget(root)
		if err != nil {
			continue
		}
		if contains(rootResolved, resolved) {
			return nil
		}
	}
	return fmt.Errorf("write target %s is outside the allowed write paths", target)
}

// resolveTarget makes the path absolute and resolves symlinks through the
// deepest ancestor that exists, then re-appends the missing suffix.
func resolveTarget(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	abs = filepath.Clean(abs)

	existing := abs
	var suffix []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		suffix = append([]string{filepath.Base(existing)}, suffix...)
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		// The ancestor disappeared between Lstat and EvalSymlinks, or is a
		// dangling link. Fall back to the lexical path.
		resolved = existing
	}
	return filepath.Join(append([]string{resolved}, suffix...)...), nil
}

// contains reports whether sub equals root or sits beneath it, comparing with
// normalized case.
func contains(root, sub string) bool {
	root = normalizeCase(filepath.Clean(root))
	sub = normalizeCase(filepath.Clean(sub))
	if root == sub {
		return true
	}
	if !strings.HasSuffix(root, string(filepath.Separator)) {
		root += string(filepath.Separator)
	}
	return strings.HasPrefix(sub, root)
}

func normalizeCase(p string) string {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		return strings.ToLower(p)
	}
	return p
}
